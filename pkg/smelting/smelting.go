// Package smelting implements the Smelting Orchestrator (spec §4.9): a
// furnace-specialised export-like loop that drains outputs, refuels, and
// feeds inputs sized to configured deficit, run inside a batched Index
// session.
package smelting

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

const (
	inputSlot  = 1
	fuelSlot   = 2
	outputSlot = 3

	furnaceCapacity = 64
)

// Target is one configured furnace-like container and its deficit policy
// (spec §4.9, spec §3.7 SmeltingTarget).
type Target struct {
	Container    string
	Input        string // base-id consumed
	Output       string // base-id produced
	TargetStock  uint   // desired Stock[Output]
	FuelPriority []string
}

// Orchestrator runs the furnace tick over a set of configured targets.
type Orchestrator struct {
	idx     *index.Index
	tr      *transfer.Engine
	targets []Target
	logger  zerolog.Logger
}

// New creates an Orchestrator bound to idx and tr.
func New(idx *index.Index, tr *transfer.Engine) *Orchestrator {
	return &Orchestrator{
		idx:    idx,
		tr:     tr,
		logger: log.WithComponent("smelting"),
	}
}

// SetTargets replaces the configured furnace targets.
func (o *Orchestrator) SetTargets(targets []Target) {
	o.targets = append([]Target(nil), targets...)
}

// Tick runs one pass: drain outputs, refuel low furnaces, then push inputs
// sized to the aggregate deficit across all targets sharing an Output
// (spec §4.9 steps 1-3), inside one batched Index session.
func (o *Orchestrator) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SmeltingTickDuration)

	o.idx.BeginBatch()
	defer o.idx.EndBatch()

	for _, t := range o.targets {
		o.drainOutput(ctx, t)
	}
	for _, t := range o.targets {
		o.refuel(ctx, t)
	}
	o.feedInputs(ctx)
}

// drainOutput pulls slot 3's contents to storage (spec §4.9 step 1).
func (o *Orchestrator) drainOutput(ctx context.Context, t Target) {
	role, ok := o.idx.ContainerRole(t.Container)
	if !ok || role != driver.RoleFurnace {
		return
	}
	entry, ok := o.slotEntry(t.Container, outputSlot)
	if !ok || entry.Count == 0 {
		return
	}
	source := []index.Location{{Container: t.Container, Slot: outputSlot, Key: entry.Key, Count: entry.Count}}
	candidates := o.idx.StorageContainersByFreeSlots()
	for _, dest := range candidates {
		result, _, err := o.tr.PullPlan(ctx, source, dest, nil)
		if err == nil && result.Transferred > 0 {
			return
		}
	}
}

// refuel tops up slot 2 from storage, respecting FuelPriority in order and
// never mixing fuel types within the slot (spec §4.9 step 2).
func (o *Orchestrator) refuel(ctx context.Context, t Target) {
	if len(t.FuelPriority) == 0 {
		return
	}
	role, ok := o.idx.ContainerRole(t.Container)
	if !ok || role != driver.RoleFurnace {
		return
	}

	existing, hasFuel := o.slotEntry(t.Container, fuelSlot)
	if hasFuel && existing.Count >= furnaceCapacity {
		return
	}
	if hasFuel && existing.Count > 0 {
		// Already committed to one fuel type; only top up the same type.
		o.pushFuel(ctx, t.Container, existing.Key.BaseID, furnaceCapacity-existing.Count)
		return
	}
	for _, fuel := range t.FuelPriority {
		if o.pushFuel(ctx, t.Container, fuel, furnaceCapacity) {
			return
		}
	}
}

func (o *Orchestrator) pushFuel(ctx context.Context, container, baseID string, want uint) bool {
	sources := o.idx.FindByBaseID(baseID, true)
	if len(sources) == 0 {
		return false
	}
	destSlot := fuelSlot
	result, err := o.tr.PushPlan(ctx, sources, container, &destSlot, want)
	return err == nil && result.Transferred > 0
}

// feedInputs computes the aggregate deficit of each configured Output
// against TargetStock, and for each deficit with available Input stock,
// partitions the push across the furnace-like containers targeting that
// Output (spec §4.9 step 3).
func (o *Orchestrator) feedInputs(ctx context.Context) {
	byOutput := make(map[string][]Target)
	for _, t := range o.targets {
		byOutput[t.Output] = append(byOutput[t.Output], t)
	}

	outputs := make([]string, 0, len(byOutput))
	for out := range byOutput {
		outputs = append(outputs, out)
	}
	sort.Strings(outputs)

	for _, out := range outputs {
		group := byOutput[out]
		o.feedGroup(ctx, out, group)
	}
}

func (o *Orchestrator) feedGroup(ctx context.Context, output string, group []Target) {
	target := group[0].TargetStock
	current := o.idx.GetStock(driver.ItemKey{BaseID: output})
	if current >= target {
		return
	}
	deficit := target - current

	inputBase := group[0].Input
	available := o.idx.GetStock(driver.ItemKey{BaseID: inputBase})
	if available == 0 {
		return
	}
	want := deficit
	if want > available {
		want = available
	}

	candidates := make([]string, 0, len(group))
	for _, t := range group {
		role, ok := o.idx.ContainerRole(t.Container)
		if ok && role == driver.RoleFurnace {
			candidates = append(candidates, t.Container)
		}
	}
	sort.Strings(candidates)
	if len(candidates) == 0 {
		return
	}

	per := want / uint(len(candidates))
	remainder := want % uint(len(candidates))
	sources := o.idx.FindByBaseID(inputBase, true)

	for i, container := range candidates {
		share := per
		if uint(i) < remainder {
			share++
		}
		if share == 0 {
			continue
		}
		existing, ok := o.slotEntry(container, inputSlot)
		roomLeft := uint(furnaceCapacity)
		if ok {
			if existing.Count >= furnaceCapacity {
				continue
			}
			roomLeft = furnaceCapacity - existing.Count
		}
		if share > roomLeft {
			share = roomLeft
		}
		destSlot := inputSlot
		result, err := o.tr.PushPlan(ctx, sources, container, &destSlot, share)
		if err != nil {
			o.logger.Debug().Err(err).Str("container", container).Str("input", inputBase).Msg("input push rejected")
			continue
		}
		if result.Transferred > 0 {
			o.logger.Info().Str("container", container).Str("input", inputBase).Uint("transferred", result.Transferred).Msg("fed furnace input")
		}
	}
}

func (o *Orchestrator) slotEntry(container string, slot int) (driver.SlotEntry, bool) {
	for _, key := range o.idx.KeysWithStock() {
		for _, loc := range o.idx.FindItem(key, false) {
			if loc.Container == container && loc.Slot == slot {
				return driver.SlotEntry{Key: loc.Key, Count: loc.Count}, true
			}
		}
	}
	return driver.SlotEntry{}, false
}

// IsSmeltable reports whether baseID is the output of any configured
// smelting target, satisfying the request.Smeltable contract consulted by
// the Request Planner (spec §4.8 step 4).
func (o *Orchestrator) IsSmeltable(baseID string) bool {
	for _, t := range o.targets {
		if t.Output == baseID {
			return true
		}
	}
	return false
}
