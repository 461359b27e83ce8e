package export

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fabric/pkg/driver"
	"github.com/cuemby/fabric/pkg/index"
	"github.com/cuemby/fabric/pkg/transfer"
)

func coal() driver.ItemKey { return driver.ItemKey{BaseID: "minecraft:coal"} }
func iron() driver.ItemKey { return driver.ItemKey{BaseID: "minecraft:iron_ingot"} }
func dirt() driver.ItemKey { return driver.ItemKey{BaseID: "minecraft:dirt"} }
func stick() driver.ItemKey { return driver.ItemKey{BaseID: "minecraft:stick"} }

func setup(t *testing.T) (*index.Index, *Engine, *driver.MemoryRegistry) {
	t.Helper()
	reg := driver.NewMemoryRegistry()
	idx := index.New()
	tr := transfer.New(idx, func(name string) (driver.Driver, bool) { return reg.Get(name) })
	eng := New(idx, tr)
	return idx, eng, reg
}

// §8 scenario 1 "stock mode fill": a furnace-input chest with a qty 64
// stock policy is topped off from storage, leaving exactly qty-transferred
// in the storage source and Stock[coal] reduced by the same amount.
func TestStockModeFillsDeficitFromStorage(t *testing.T) {
	idx, eng, reg := setup(t)

	chestB := reg.NewContainer("chestB", 27)
	chestB.Seed(7, coal(), 80)
	furnaceIn := reg.NewContainer("furnaceIn", 9)

	idx.Register("chestB", driver.RoleStorage, 27, chestB)
	idx.Register("furnaceIn", driver.RoleExportBuffer, 9, furnaceIn)
	idx.Scan(context.Background(), false)

	eng.SetTargets([]Target{{
		Container: "furnaceIn",
		Mode:      ModeStock,
		Slots:     []SlotSpec{{Item: "minecraft:coal", Qty: 64, NBTMode: index.NBTAny}},
	}})

	eng.Tick(context.Background())

	assert.EqualValues(t, 16, idx.GetStock(coal()))
	locs := idx.FindItem(coal(), true)
	require.Len(t, locs, 1)
	assert.Equal(t, "chestB", locs[0].Container)
	assert.EqualValues(t, 16, locs[0].Count)

	contents := furnaceIn.Contents()
	var furnaceCoal uint
	for _, e := range contents {
		if e.Key.BaseID == "minecraft:coal" {
			furnaceCoal += e.Count
		}
	}
	assert.EqualValues(t, 64, furnaceCoal)
}

// Re-ticking an already-full target is a no-op: stock() only pushes the
// deficit, and a deficit of zero never calls PushPlan.
func TestStockModeNoOpWhenAlreadyAtQty(t *testing.T) {
	idx, eng, reg := setup(t)

	chestB := reg.NewContainer("chestB", 27)
	chestB.Seed(0, coal(), 10)
	furnaceIn := reg.NewContainer("furnaceIn", 9)
	furnaceIn.Seed(0, coal(), 64)

	idx.Register("chestB", driver.RoleStorage, 27, chestB)
	idx.Register("furnaceIn", driver.RoleExportBuffer, 9, furnaceIn)
	idx.Scan(context.Background(), false)

	eng.SetTargets([]Target{{
		Container: "furnaceIn",
		Mode:      ModeStock,
		Slots:     []SlotSpec{{Item: "minecraft:coal", Qty: 64, NBTMode: index.NBTAny}},
	}})
	eng.Tick(context.Background())

	storageLocs := idx.FindItem(coal(), true)
	require.Len(t, storageLocs, 1)
	assert.EqualValues(t, 10, storageLocs[0].Count) // chestB untouched, nothing pushed
}

// §8 scenario 2 "empty mode drain with residue": a qty-10 drain spec on an
// output chest pulls only the excess above 10 into storage.
func TestEmptyModeDrainSpecLeavesResidue(t *testing.T) {
	idx, eng, reg := setup(t)

	furnaceOut := reg.NewContainer("furnaceOut", 9)
	furnaceOut.Seed(2, iron(), 35)
	storage := reg.NewContainer("storage1", 27)

	idx.Register("furnaceOut", driver.RoleExportBuffer, 9, furnaceOut)
	idx.Register("storage1", driver.RoleStorage, 27, storage)
	idx.Scan(context.Background(), false)

	eng.SetTargets([]Target{{
		Container: "furnaceOut",
		Mode:      ModeEmpty,
		Slots:     []SlotSpec{{Item: "minecraft:iron_ingot", Qty: 10, NBTMode: index.NBTAny}},
	}})
	eng.Tick(context.Background())

	contents := furnaceOut.Contents()
	require.Len(t, contents, 1)
	var residue uint
	for _, e := range contents {
		residue = e.Count
	}
	assert.EqualValues(t, 10, residue)
	assert.EqualValues(t, 35, idx.GetStock(iron())) // conserved across the move

	storageLocs := idx.FindItem(iron(), true)
	require.Len(t, storageLocs, 1)
	assert.EqualValues(t, 25, storageLocs[0].Count)
}

// §4.6 "empty mode with no slot list": drainAll pulls everything out of the
// target into storage.
func TestEmptyModeDrainAllWithNoSlotsEmptiesContainer(t *testing.T) {
	idx, eng, reg := setup(t)

	outputChest := reg.NewContainer("output", 9)
	outputChest.Seed(0, iron(), 40)
	outputChest.Seed(1, coal(), 5)
	storage := reg.NewContainer("storage1", 27)

	idx.Register("output", driver.RoleExportBuffer, 9, outputChest)
	idx.Register("storage1", driver.RoleStorage, 27, storage)
	idx.Scan(context.Background(), false)

	eng.SetTargets([]Target{{Container: "output", Mode: ModeEmpty}})
	eng.Tick(context.Background())

	assert.Empty(t, outputChest.Contents())
}

// §8 scenario 3 "vacuum wildcard": a vacuum slot range pulls out anything
// that doesn't match the spec's item (here wildcard "*" matches nothing,
// so every occupant is evicted), while a separate stock spec tops up sticks.
func TestVacuumEvictsNonMatchingAndStockToppedUpSeparately(t *testing.T) {
	idx, eng, reg := setup(t)

	sorter := reg.NewContainer("sorter", 9)
	sorter.Seed(0, dirt(), 64)
	storageSticks := reg.NewContainer("storageSticks", 27)
	storageSticks.Seed(0, stick(), 32)
	storage := reg.NewContainer("storage1", 27)

	idx.Register("sorter", driver.RoleExportBuffer, 9, sorter)
	idx.Register("storageSticks", driver.RoleStorage, 27, storageSticks)
	idx.Register("storage1", driver.RoleStorage, 27, storage)
	idx.Scan(context.Background(), false)

	slot1 := 1
	eng.SetTargets([]Target{{
		Container: "sorter",
		Mode:      ModeStock,
		Slots: []SlotSpec{
			{Item: "*", Vacuum: true, Slot: intPtr(0)},
			{Item: "minecraft:stick", Qty: 16, Slot: &slot1, NBTMode: index.NBTAny},
		},
	}})
	eng.Tick(context.Background())

	contents := sorter.Contents()
	var dirtLeft, sticksAtSlot1 uint
	for _, e := range contents {
		if e.Key.BaseID == "minecraft:dirt" {
			dirtLeft += e.Count
		}
		if e.Key.BaseID == "minecraft:stick" {
			sticksAtSlot1 += e.Count
		}
	}
	assert.Zero(t, dirtLeft)
	assert.EqualValues(t, 16, sticksAtSlot1)
}

func intPtr(n int) *int { return &n }
