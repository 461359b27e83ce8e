// Package export implements the Export Policy Engine (spec §4.6, §3.7):
// per-container declarative policies that keep slots stocked, drained, or
// vacuumed, executed every tick through the Transfer Engine.
package export

import (
	"context"
	"sort"

	"github.com/cuemby/fabric/pkg/driver"
	"github.com/cuemby/fabric/pkg/index"
	"github.com/cuemby/fabric/pkg/log"
	"github.com/cuemby/fabric/pkg/metrics"
	"github.com/cuemby/fabric/pkg/transfer"
	"github.com/rs/zerolog"
)

// Mode is the ExportTarget mode (spec §3.7).
type Mode string

const (
	ModeStock Mode = "stock"
	ModeEmpty Mode = "empty"
)

// SlotSpec is one slot/slot-range policy within a Target (spec §3.7).
type SlotSpec struct {
	Item      string // base-id, or "*" for wildcard
	Qty       uint
	Slot      *int
	SlotStart *int
	SlotEnd   *int
	NBTMode   index.NBTMode
	NBTHash   string
	Vacuum    bool
}

// slotRange returns the inclusive slot range this spec covers, or ok=false
// if it names a single slot / the whole container.
func (s SlotSpec) slotRange() (start, end int, ok bool) {
	if s.SlotStart != nil && s.SlotEnd != nil {
		return *s.SlotStart, *s.SlotEnd, true
	}
	if s.Slot != nil {
		return *s.Slot, *s.Slot, true
	}
	return 0, 0, false
}

// Target binds a container name to a policy (spec §3.7 ExportTarget).
type Target struct {
	Container string
	Mode      Mode
	Slots     []SlotSpec
}

// Engine runs the per-tick export policy loop.
type Engine struct {
	idx     *index.Index
	tr      *transfer.Engine
	targets map[string]*Target
	logger  zerolog.Logger
}

// New creates an Engine bound to idx and tr.
func New(idx *index.Index, tr *transfer.Engine) *Engine {
	return &Engine{
		idx:     idx,
		tr:      tr,
		targets: make(map[string]*Target),
		logger:  log.WithComponent("export"),
	}
}

// SetTargets replaces the full set of configured export targets. Only
// containers named here are valid push destinations (spec §4.6 guard).
func (e *Engine) SetTargets(targets []Target) {
	m := make(map[string]*Target, len(targets))
	for i := range targets {
		t := targets[i]
		m[t.Container] = &t
	}
	e.targets = m
}

// IsExportTarget is the DestinationGuard passed to transfer.Engine: it
// refuses to push into any container that is not a configured target
// (spec §4.6 "Crucial guard").
func (e *Engine) IsExportTarget(container string) bool {
	_, ok := e.targets[container]
	return ok
}

// Tick runs one export policy pass over every configured target.
func (e *Engine) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ExportTickDuration)

	e.idx.BeginBatch()
	defer e.idx.EndBatch()

	names := make([]string, 0, len(e.targets))
	for n := range e.targets {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		e.tickTarget(ctx, e.targets[name])
	}
}

func (e *Engine) tickTarget(ctx context.Context, t *Target) {
	role, ok := e.idx.ContainerRole(t.Container)
	if !ok {
		e.logger.Debug().Str("container", t.Container).Msg("export target not tracked, skipping")
		return
	}
	_ = role

	if t.Mode == ModeEmpty && len(t.Slots) == 0 {
		e.drainAll(ctx, t.Container)
		return
	}

	for _, spec := range t.Slots {
		if spec.Vacuum {
			e.vacuum(ctx, t.Container, spec)
		}
		if spec.Item == "*" {
			continue
		}
		switch t.Mode {
		case ModeStock:
			e.stock(ctx, t.Container, spec)
		case ModeEmpty:
			e.drainSpec(ctx, t.Container, spec)
		}
	}
}

// drainAll pulls every item from target into storage (spec §4.6 empty mode
// with no slot list).
func (e *Engine) drainAll(ctx context.Context, container string) {
	entries, err := e.containerEntries(container)
	if err != nil {
		return
	}
	for slot, entry := range entries {
		e.pullToStorage(ctx, container, slot, entry.Key, entry.Count)
	}
}

// vacuum pulls out of range every item that does not match spec's
// predicate (spec §4.6 step 1). item="*" with no range vacuums every slot.
func (e *Engine) vacuum(ctx context.Context, container string, spec SlotSpec) {
	entries, err := e.containerEntries(container)
	if err != nil {
		return
	}
	start, end, hasRange := spec.slotRange()

	for slot, entry := range entries {
		if hasRange && (slot < start || slot > end) {
			continue
		}
		matches := spec.Item != "*" && index.Matches(entry.Key, spec.Item, spec.NBTMode, spec.NBTHash)
		if matches {
			continue
		}
		e.pullToStorage(ctx, container, slot, entry.Key, entry.Count)
	}
}

// stock ensures the matching count in the slot/range/whole container is at
// least spec.Qty, pushing the deficit in from storage (spec §4.6 step 3
// "stock").
func (e *Engine) stock(ctx context.Context, container string, spec SlotSpec) {
	current := e.matchingCount(container, spec)
	if current >= spec.Qty {
		return
	}
	deficit := spec.Qty - current
	sources := e.idx.FindByBaseID(spec.Item, true)
	sources = filterByNBT(sources, spec.Item, spec.NBTMode, spec.NBTHash)

	destSlot := spec.Slot
	result, err := e.tr.PushPlan(ctx, sources, container, destSlot, deficit)
	if err != nil {
		e.logger.Debug().Err(err).Str("container", container).Str("item", spec.Item).Msg("stock push rejected")
		return
	}
	if result.Transferred > 0 {
		e.logger.Info().Str("container", container).Str("item", spec.Item).Uint("transferred", result.Transferred).Msg("stocked export slot")
	}
}

// drainSpec pulls the excess above Qty (or everything if Qty==0) out of the
// matching slots into storage (spec §4.6 step 3 "empty").
func (e *Engine) drainSpec(ctx context.Context, container string, spec SlotSpec) {
	current := e.matchingCount(container, spec)
	if current == 0 {
		return
	}
	var n uint
	if spec.Qty > 0 {
		if current <= spec.Qty {
			return
		}
		n = current - spec.Qty
	} else {
		n = current
	}

	entries, err := e.containerEntries(container)
	if err != nil {
		return
	}
	start, end, hasRange := spec.slotRange()
	remaining := n
	for slot, entry := range entries {
		if remaining == 0 {
			break
		}
		if hasRange && (slot < start || slot > end) {
			continue
		}
		if !index.Matches(entry.Key, spec.Item, spec.NBTMode, spec.NBTHash) {
			continue
		}
		want := entry.Count
		if want > remaining {
			want = remaining
		}
		e.pullToStorage(ctx, container, slot, entry.Key, want)
		remaining -= want
	}
}

// matchingCount measures the current matching count in the slot/range/
// whole container for a SlotSpec (spec §4.6 step 3 "measure current
// matching count").
func (e *Engine) matchingCount(container string, spec SlotSpec) uint {
	entries, err := e.containerEntries(container)
	if err != nil {
		return 0
	}
	start, end, hasRange := spec.slotRange()
	var total uint
	for slot, entry := range entries {
		if hasRange && (slot < start || slot > end) {
			continue
		}
		if index.Matches(entry.Key, spec.Item, spec.NBTMode, spec.NBTHash) {
			total += entry.Count
		}
	}
	return total
}

// pullToStorage pulls n items of key out of (container, slot) into a
// storage container chosen by known free slots (spec §4.3 pull
// destination selection), trying up to K alternatives.
func (e *Engine) pullToStorage(ctx context.Context, container string, slot int, key driver.ItemKey, n uint) {
	if n == 0 {
		return
	}
	candidates := e.idx.StorageContainersByFreeSlots()
	const k = 6
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	for _, dest := range candidates {
		if dest == container {
			continue
		}
		source := []index.Location{{Container: container, Slot: slot, Key: key, Count: n}}
		result, _, err := e.tr.PullPlan(ctx, source, dest, nil)
		if err == nil && result.Transferred > 0 {
			return
		}
	}
}

// containerEntries reconstructs a container's slot map by scanning every
// item key's Locations for entries in that container. This keeps Index's
// mutex-protected internals unexported while still giving the export
// engine container-local visibility.
func (e *Engine) containerEntries(container string) (map[int]driver.SlotEntry, error) {
	out := make(map[int]driver.SlotEntry)
	for _, stockKey := range e.idx.KeysWithStock() {
		for _, loc := range e.idx.FindItem(stockKey, false) {
			if loc.Container == container {
				out[loc.Slot] = driver.SlotEntry{Key: loc.Key, Count: loc.Count}
			}
		}
	}
	return out, nil
}

func filterByNBT(locs []index.Location, baseID string, mode index.NBTMode, nbtHash string) []index.Location {
	out := make([]index.Location, 0, len(locs))
	for _, l := range locs {
		if index.Matches(l.Key, baseID, mode, nbtHash) {
			out = append(out, l)
		}
	}
	return out
}
