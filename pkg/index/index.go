// Package index implements the Inventory Index (spec §4.2, §3.3): the
// in-memory, authoritative-for-now view of every tracked container and the
// items it holds. It supports a full parallel rescan and incremental delta
// application, and maintains the derived Stock/Locations/BaseIndex/
// EmptyCounts structures described in spec §3.3.
package index

import (
	"context"
	"sort"
	"sync"

	"github.com/cuemby/fabric/pkg/driver"
	"github.com/cuemby/fabric/pkg/log"
	"github.com/cuemby/fabric/pkg/metrics"
	"github.com/rs/zerolog"
)

// Location is one (container, slot) holding count of some item key, an
// element of spec §3.3's Locations multi-map.
type Location struct {
	Container string
	Slot      int
	Key       driver.ItemKey
	Count     uint
}

// trackedContainer is the Index's bookkeeping for one registered container.
type trackedContainer struct {
	name         string
	role         driver.Role
	driver       driver.Driver
	size         uint
	stale        bool
	missedScans  int
}

// Index is the sole contended structure described in spec §5: all mutations
// go through recordTransfer or scan; readers see a consistent snapshot
// under the mutex.
type Index struct {
	mu sync.RWMutex

	logger zerolog.Logger

	containers map[string]*trackedContainer
	slots      map[string]map[int]driver.SlotEntry // container -> slot -> entry
	stock      map[driver.ItemKey]uint
	locations  map[driver.ItemKey][]Location
	baseIndex  map[string]map[driver.ItemKey]struct{}
	empty      map[string]uint

	// unplaced holds, per destination container, stock that RecordTransfer
	// credited but could not place into a specific Slots entry (destination
	// slot unknown, or occupied by a conflicting key). It keeps Stock
	// conserved across such deltas (spec §4.2 "its Stock total is updated")
	// until the next full Scan reconciles the container's real Slots.
	unplaced map[string]map[driver.ItemKey]uint

	batching     bool
	dirtyBatched bool
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		logger:     log.WithComponent("index"),
		containers: make(map[string]*trackedContainer),
		slots:      make(map[string]map[int]driver.SlotEntry),
		stock:      make(map[driver.ItemKey]uint),
		locations:  make(map[driver.ItemKey][]Location),
		baseIndex:  make(map[string]map[driver.ItemKey]struct{}),
		empty:      make(map[string]uint),
		unplaced:   make(map[string]map[driver.ItemKey]uint),
	}
}

// Register adds a container to be tracked by subsequent scans. Re-registering
// an existing name refreshes its driver/role/size but keeps cached slots
// until the next scan.
func (idx *Index) Register(name string, role driver.Role, size uint, d driver.Driver) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.containers[name] = &trackedContainer{name: name, role: role, driver: d, size: size}
	if _, ok := idx.slots[name]; !ok {
		idx.slots[name] = make(map[int]driver.SlotEntry)
	}
}

// Unregister removes a container and all its derived entries from the
// Index (spec §3.8 container lifecycle).
func (idx *Index) Unregister(name string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeContainerLocked(name)
}

func (idx *Index) removeContainerLocked(name string) {
	delete(idx.containers, name)
	delete(idx.slots, name)
	delete(idx.empty, name)
	delete(idx.unplaced, name)
	idx.rebuildDerivedLocked()
}

// ContainerRole returns the role of a tracked container.
func (idx *Index) ContainerRole(name string) (driver.Role, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	c, ok := idx.containers[name]
	if !ok {
		return "", false
	}
	return c.role, true
}

// Driver returns the Driver registered for a tracked container, letting the
// Transfer Engine resolve its DriverLookup against the same registration
// Scan uses, instead of keeping a second container->driver table.
func (idx *Index) Driver(name string) (driver.Driver, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	c, ok := idx.containers[name]
	if !ok {
		return nil, false
	}
	return c.driver, true
}

// Scan calls List on each tracked container in parallel, then rebuilds
// Slots/Stock/Locations/BaseIndex/EmptyCounts from scratch (spec §4.2
// scan()). The force argument has no effect: Scan does not discover new
// containers, and only containers added with Register are scanned.
//
// A container whose List fails is flagged stale and its previous entries
// are retained; after two consecutive failed scans it is removed (spec
// §4.2 "Failure semantics").
func (idx *Index) Scan(ctx context.Context, force bool) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ScanDuration)
	}()

	idx.mu.Lock()
	names := make([]string, 0, len(idx.containers))
	targets := make(map[string]*trackedContainer, len(idx.containers))
	for n, c := range idx.containers {
		names = append(names, n)
		targets[n] = c
	}
	idx.mu.Unlock()

	type result struct {
		name    string
		entries map[int]driver.SlotEntry
		err     error
	}
	results := make(chan result, len(names))
	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(n string, c *trackedContainer) {
			defer wg.Done()
			entries, err := c.driver.List(ctx)
			results <- result{name: n, entries: entries, err: err}
		}(n, targets[n])
	}
	wg.Wait()
	close(results)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	toRemove := make([]string, 0)
	for r := range results {
		c := idx.containers[r.name]
		if c == nil {
			continue
		}
		if r.err != nil {
			c.stale = true
			c.missedScans++
			idx.logger.Debug().Str("container", r.name).Err(r.err).Msg("container unavailable during scan")
			if c.missedScans >= 2 {
				toRemove = append(toRemove, r.name)
			}
			continue
		}
		c.stale = false
		c.missedScans = 0
		idx.slots[r.name] = r.entries
		// A successful List() is ground truth for this container, already
		// reflecting any items RecordTransfer couldn't place into a known
		// slot; drop the superseded unplaced credit so it isn't double-counted.
		delete(idx.unplaced, r.name)
	}
	for _, n := range toRemove {
		idx.logger.Info().Str("container", n).Msg("container absent for two consecutive scans, removing")
		delete(idx.containers, n)
		delete(idx.slots, n)
		delete(idx.unplaced, n)
	}

	idx.rebuildDerivedLocked()
	metrics.ScansTotal.WithLabelValues("ok").Inc()
	metrics.ContainersTracked.Set(float64(len(idx.containers)))
	metrics.StockItemsTracked.Set(float64(len(idx.stock)))
}

// rebuildDerivedLocked recomputes Stock, Locations, BaseIndex, and
// EmptyCounts from Slots. Caller must hold idx.mu.
func (idx *Index) rebuildDerivedLocked() {
	idx.stock = make(map[driver.ItemKey]uint)
	idx.locations = make(map[driver.ItemKey][]Location)
	idx.baseIndex = make(map[string]map[driver.ItemKey]struct{})
	idx.empty = make(map[string]uint)

	for name, slotMap := range idx.slots {
		c := idx.containers[name]
		size := uint(0)
		if c != nil {
			size = c.size
		}
		occupied := uint(len(slotMap))
		if size >= occupied {
			idx.empty[name] = size - occupied
		} else {
			idx.empty[name] = 0
		}

		for slot, entry := range slotMap {
			if entry.Count == 0 {
				continue
			}
			idx.stock[entry.Key] += entry.Count
			idx.locations[entry.Key] = append(idx.locations[entry.Key], Location{
				Container: name, Slot: slot, Key: entry.Key, Count: entry.Count,
			})
			if idx.baseIndex[entry.Key.BaseID] == nil {
				idx.baseIndex[entry.Key.BaseID] = make(map[driver.ItemKey]struct{})
			}
			idx.baseIndex[entry.Key.BaseID][entry.Key] = struct{}{}
		}
	}

	for name, byKey := range idx.unplaced {
		for key, n := range byKey {
			if n == 0 {
				continue
			}
			idx.stock[key] += n
			idx.locations[key] = append(idx.locations[key], Location{
				Container: name, Slot: UnplacedSlot, Key: key, Count: n,
			})
			if idx.baseIndex[key.BaseID] == nil {
				idx.baseIndex[key.BaseID] = make(map[driver.ItemKey]struct{})
			}
			idx.baseIndex[key.BaseID][key] = struct{}{}
		}
	}

	for k := range idx.locations {
		sortLocations(idx.locations[k])
	}
}

// UnplacedSlot is the sentinel Location.Slot value for stock credited to a
// container via RecordTransfer but not yet assigned to a specific Slots
// entry (spec §4.2: destination slot unknown, reconciled at the next Scan).
const UnplacedSlot = -1

// sortLocations orders candidate locations by descending count (largest
// stack first), ties broken by (container, slot) for determinism, matching
// spec §4.2's source-slot selection rule.
func sortLocations(locs []Location) {
	sort.Slice(locs, func(i, j int) bool {
		if locs[i].Count != locs[j].Count {
			return locs[i].Count > locs[j].Count
		}
		if locs[i].Container != locs[j].Container {
			return locs[i].Container < locs[j].Container
		}
		return locs[i].Slot < locs[j].Slot
	})
}

// GetStock returns the total count known for a key.
func (idx *Index) GetStock(key driver.ItemKey) uint {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.stock[key]
}

// GetAllStock returns a defensive copy of the full stock map.
func (idx *Index) GetAllStock() map[driver.ItemKey]uint {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[driver.ItemKey]uint, len(idx.stock))
	for k, v := range idx.stock {
		out[k] = v
	}
	return out
}

// FindItem returns candidate locations for an exact key, sorted by
// descending count. If storageOnly, non-storage roles are filtered out.
func (idx *Index) FindItem(key driver.ItemKey, storageOnly bool) []Location {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.filterLocked(idx.locations[key], storageOnly)
}

// FindByBaseID returns candidate locations across every NBT variant of a
// base-id, sorted by descending count (spec §4.2 findByBaseId).
func (idx *Index) FindByBaseID(baseID string, storageOnly bool) []Location {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	keys := idx.baseIndex[baseID]
	var all []Location
	for k := range keys {
		all = append(all, idx.locations[k]...)
	}
	sortLocations(all)
	return idx.filterLocked(all, storageOnly)
}

func (idx *Index) filterLocked(locs []Location, storageOnly bool) []Location {
	if !storageOnly {
		out := make([]Location, len(locs))
		copy(out, locs)
		return out
	}
	out := make([]Location, 0, len(locs))
	for _, l := range locs {
		c := idx.containers[l.Container]
		if c != nil && c.role == driver.RoleStorage {
			out = append(out, l)
		}
	}
	return out
}

// KeysWithStock returns every item key currently carrying positive stock.
func (idx *Index) KeysWithStock() []driver.ItemKey {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]driver.ItemKey, 0, len(idx.stock))
	for k, n := range idx.stock {
		if n > 0 {
			out = append(out, k)
		}
	}
	return out
}

// EmptyCount returns the number of empty slots known for a container.
func (idx *Index) EmptyCount(container string) uint {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.empty[container]
}

// StorageContainersByFreeSlots returns storage-role container names sorted
// by descending known-free-slot count, used by the Transfer Engine to pick
// pull destinations (spec §4.3).
func (idx *Index) StorageContainersByFreeSlots() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	type cand struct {
		name string
		free uint
	}
	var cands []cand
	for name, c := range idx.containers {
		if c.role == driver.RoleStorage {
			cands = append(cands, cand{name: name, free: idx.empty[name]})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].free != cands[j].free {
			return cands[i].free > cands[j].free
		}
		return cands[i].name < cands[j].name
	})
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.name
	}
	return out
}

// RecordTransfer applies a delta: decrements one (container, slot) location
// and increments another, updating Stock/Locations/BaseIndex/EmptyCounts in
// a single step (spec §4.2 recordTransfer). toSlot may be nil, meaning the
// destination slot is unknown; the destination's Stock total is still
// updated via the unplaced ledger, but its Slots entry for the specific
// slot is left untouched until the next scan. The same holds if toSlot is
// given but already holds a different key: the increment is still credited
// to unplaced rather than silently dropped, so Stock stays conserved across
// every transfer regardless of whether the exact destination slot is known.
func (idx *Index) RecordTransfer(fromCtr string, fromSlot int, toCtr string, toSlot *int, key driver.ItemKey, n uint) {
	if n == 0 {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if m := idx.slots[fromCtr]; m != nil {
		if e, ok := m[fromSlot]; ok {
			if e.Count <= n {
				delete(m, fromSlot)
			} else {
				e.Count -= n
				m[fromSlot] = e
			}
		}
	}

	placed := false
	if toSlot != nil {
		if idx.slots[toCtr] == nil {
			idx.slots[toCtr] = make(map[int]driver.SlotEntry)
		}
		e := idx.slots[toCtr][*toSlot]
		if e.Count == 0 || e.Key == key {
			e.Key = key
			e.Count += n
			idx.slots[toCtr][*toSlot] = e
			placed = true
		}
	}
	if !placed {
		if idx.unplaced[toCtr] == nil {
			idx.unplaced[toCtr] = make(map[driver.ItemKey]uint)
		}
		idx.unplaced[toCtr][key] += n
	}

	metrics.TransferredItemsTotal.Add(float64(n))
	if idx.batching {
		idx.dirtyBatched = true
		return
	}
	idx.rebuildDerivedLocked()
}

// BeginBatch suspends derived-structure maintenance so a burst of transfers
// only pays for the raw Slots update; EndBatch rebuilds Locations/BaseIndex
// once (spec §4.2).
func (idx *Index) BeginBatch() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.batching = true
	idx.dirtyBatched = false
}

// EndBatch resumes normal derived-structure maintenance, rebuilding it once
// if any transfer happened during the batch.
func (idx *Index) EndBatch() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.batching = false
	if idx.dirtyBatched {
		idx.rebuildDerivedLocked()
	}
	idx.dirtyBatched = false
}

// NBTMode is the predicate mode used by SlotSpec matching (spec §4.2, §3.7).
type NBTMode string

const (
	NBTAny   NBTMode = "any"
	NBTNone  NBTMode = "none"
	NBTWith  NBTMode = "with"
	NBTExact NBTMode = "exact"
)

// Matches evaluates the NBT predicate (baseID, mode, nbtHash?) against a
// slot's item key, per the truth table in spec §4.2:
//
//	any:   baseId equal
//	none:  baseId equal AND slot has no nbt-hash
//	with:  baseId equal AND slot has an nbt-hash
//	exact: full itemKey equal
func Matches(slotKey driver.ItemKey, baseID string, mode NBTMode, nbtHash string) bool {
	switch mode {
	case NBTNone:
		return slotKey.BaseID == baseID && !slotKey.HasNBT()
	case NBTWith:
		return slotKey.BaseID == baseID && slotKey.HasNBT()
	case NBTExact:
		return slotKey.BaseID == baseID && slotKey.NBTHash == nbtHash
	default: // NBTAny and any unrecognized mode default to base-id match
		return slotKey.BaseID == baseID
	}
}
