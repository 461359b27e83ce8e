package driver

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory Driver implementation used by tests and by
// simulation harnesses. It is safe for concurrent use; slot-level
// operations are serialized per slot via the container mutex, matching
// the concurrency contract in spec §4.1 and §5.
type Memory struct {
	mu   sync.Mutex
	name string
	size uint
	reg  *MemoryRegistry
	slot map[int]SlotEntry
}

// MemoryRegistry is the shared namespace multiple Memory containers push
// to and pull from, simulating the peripheral fabric.
type MemoryRegistry struct {
	mu         sync.Mutex
	containers map[string]*Memory
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{containers: make(map[string]*Memory)}
}

// NewContainer registers and returns a new in-memory container of the given
// capacity.
func (r *MemoryRegistry) NewContainer(name string, size uint) *Memory {
	m := &Memory{name: name, size: size, reg: r, slot: make(map[int]SlotEntry)}
	r.mu.Lock()
	r.containers[name] = m
	r.mu.Unlock()
	return m
}

// Get returns a registered container by name, if any.
func (r *MemoryRegistry) Get(name string) (*Memory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.containers[name]
	return m, ok
}

// Remove deregisters a container, simulating peripheral disappearance.
func (r *MemoryRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, name)
}

// Seed directly populates a slot, bypassing push/pull accounting; used to
// set up test fixtures.
func (m *Memory) Seed(slot int, key ItemKey, count uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count == 0 {
		delete(m.slot, slot)
		return
	}
	m.slot[slot] = SlotEntry{Key: key, Count: count}
}

// Contents returns a defensive copy of the slot map for test assertions.
func (m *Memory) Contents() map[int]SlotEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]SlotEntry, len(m.slot))
	for k, v := range m.slot {
		out[k] = v
	}
	return out
}

func (m *Memory) List(_ context.Context) (map[int]SlotEntry, error) {
	if cur, ok := m.reg.Get(m.name); !ok || cur != m {
		return nil, ErrUnavailable
	}
	return m.Contents(), nil
}

func (m *Memory) Detail(_ context.Context, slot int) (Detail, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.slot[slot]
	if !ok {
		return Detail{}, false, nil
	}
	return Detail{Key: e.Key, Count: e.Count}, true, nil
}

func (m *Memory) Size(_ context.Context) (uint, error) {
	return m.size, nil
}

// Push moves up to n items from slot srcSlot of m into destContainer.
func (m *Memory) Push(_ context.Context, destContainer string, srcSlot int, n uint, destSlot *int) (uint, error) {
	dest, ok := m.reg.Get(destContainer)
	if !ok {
		return 0, ErrUnavailable
	}

	m.mu.Lock()
	entry, ok := m.slot[srcSlot]
	if !ok || entry.Count == 0 {
		m.mu.Unlock()
		return 0, nil
	}
	want := n
	if want > entry.Count {
		want = entry.Count
	}

	moved, err := dest.receive(entry.Key, want, destSlot)
	if moved > 0 {
		entry.Count -= moved
		if entry.Count == 0 {
			delete(m.slot, srcSlot)
		} else {
			m.slot[srcSlot] = entry
		}
	}
	m.mu.Unlock()
	return moved, err
}

// Pull moves up to n items from srcContainer into m.
func (m *Memory) Pull(ctx context.Context, srcContainer string, srcSlot int, n uint, destSlot *int) (uint, error) {
	src, ok := m.reg.Get(srcContainer)
	if !ok {
		return 0, ErrUnavailable
	}
	return src.Push(ctx, m.name, srcSlot, n, destSlot)
}

// receive accepts up to n items of key into this container, preferring
// destSlot, else an existing stack of the same key, else the lowest-index
// free slot. Returns the amount actually accepted.
func (m *Memory) receive(key ItemKey, n uint, destSlot *int) (uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if destSlot != nil {
		existing := m.slot[*destSlot]
		if existing.Count > 0 && existing.Key != key {
			return 0, ErrBlocked
		}
		room := m.size // unbounded stack size in this simulation; capacity is slot count
		_ = room
		m.slot[*destSlot] = SlotEntry{Key: key, Count: existing.Count + n}
		return n, nil
	}

	for slot, e := range m.slot {
		if e.Key == key {
			m.slot[slot] = SlotEntry{Key: key, Count: e.Count + n}
			return n, nil
		}
	}

	free := m.firstFreeSlotLocked()
	if free == -1 {
		return 0, nil
	}
	m.slot[free] = SlotEntry{Key: key, Count: n}
	return n, nil
}

func (m *Memory) firstFreeSlotLocked() int {
	used := make(map[int]bool, len(m.slot))
	for s := range m.slot {
		used[s] = true
	}
	for i := 0; i < int(m.size); i++ {
		if !used[i] {
			return i
		}
	}
	return -1
}

// occupiedSlots returns a sorted list of occupied slot indices; a helper
// for deterministic test output.
func (m *Memory) occupiedSlots() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.slot))
	for s := range m.slot {
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}
