package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fabric/pkg/driver"
	"github.com/cuemby/fabric/pkg/ferrors"
	"github.com/cuemby/fabric/pkg/jobqueue"
)

type fakeBook struct {
	recipes map[string]jobqueue.Recipe
}

func (b *fakeBook) Lookup(baseID string) (jobqueue.Recipe, bool) {
	r, ok := b.recipes[baseID]
	return r, ok
}

type fakeSmeltable struct {
	items map[string]bool
}

func (f *fakeSmeltable) IsSmeltable(baseID string) bool { return f.items[baseID] }

func craftingTableBook() *fakeBook {
	return &fakeBook{recipes: map[string]jobqueue.Recipe{
		"crafting_table": {
			Output:         "crafting_table",
			OutputPerCraft: 1,
			Inputs: []jobqueue.Material{
				{Item: driver.ItemKey{BaseID: "planks"}, Count: 4},
			},
		},
		"planks": {
			Output:         "planks",
			OutputPerCraft: 4,
			Inputs: []jobqueue.Material{
				{Item: driver.ItemKey{BaseID: "log"}, Count: 1},
			},
		},
	}}
}

func TestRecursivePlanQueuesDependentJobs(t *testing.T) {
	q := jobqueue.New(craftingTableBook(), 10)
	p := New(q, craftingTableBook(), &fakeSmeltable{})

	stock := map[driver.ItemKey]uint{
		{BaseID: "log"}: 2,
	}
	r, err := p.NewRequest("crafting_table", 1, stock)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, r.Status)
	require.Len(t, r.JobIDs, 2)

	planksJob, ok := q.Get(r.JobIDs[0])
	require.True(t, ok)
	assert.Equal(t, "planks", planksJob.Recipe)

	tableJob, ok := q.Get(r.JobIDs[1])
	require.True(t, ok)
	assert.Equal(t, "crafting_table", tableJob.Recipe)
}

func TestPlannerDetectsCycle(t *testing.T) {
	book := &fakeBook{recipes: map[string]jobqueue.Recipe{
		"a": {Output: "a", OutputPerCraft: 1, Inputs: []jobqueue.Material{{Item: driver.ItemKey{BaseID: "b"}, Count: 1}}},
		"b": {Output: "b", OutputPerCraft: 1, Inputs: []jobqueue.Material{{Item: driver.ItemKey{BaseID: "a"}, Count: 1}}},
	}}
	q := jobqueue.New(book, 10)
	p := New(q, book, &fakeSmeltable{})

	r, err := p.NewRequest("a", 1, map[driver.ItemKey]uint{})
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.CycleDetected))
	assert.Equal(t, StatusFailed, r.Status)
	assert.Empty(t, r.JobIDs)
}

func TestPlannerMaxDepthExceeded(t *testing.T) {
	book := &fakeBook{recipes: map[string]jobqueue.Recipe{}}
	for i := 0; i < MaxDepth+2; i++ {
		name := itemName(i)
		next := itemName(i + 1)
		book.recipes[name] = jobqueue.Recipe{
			Output: name, OutputPerCraft: 1,
			Inputs: []jobqueue.Material{{Item: driver.ItemKey{BaseID: next}, Count: 1}},
		}
	}
	q := jobqueue.New(book, 10)
	p := New(q, book, &fakeSmeltable{})

	_, err := p.NewRequest(itemName(0), 1, map[driver.ItemKey]uint{})
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.MaxDepthExceeded))
}

func TestPlannerHandsOffSmeltableItem(t *testing.T) {
	book := &fakeBook{recipes: map[string]jobqueue.Recipe{}}
	q := jobqueue.New(book, 10)
	smeltable := &fakeSmeltable{items: map[string]bool{"iron_ingot": true}}
	p := New(q, book, smeltable)

	r, err := p.NewRequest("iron_ingot", 5, map[driver.ItemKey]uint{})
	require.NoError(t, err)
	assert.Equal(t, StatusSmelting, r.Status)
	require.Len(t, r.SmeltNeeded, 1)
	assert.EqualValues(t, 5, r.SmeltNeeded[0].Qty)
}

func TestPlannerNoRecipeAndNotSmeltableFails(t *testing.T) {
	book := &fakeBook{recipes: map[string]jobqueue.Recipe{}}
	q := jobqueue.New(book, 10)
	p := New(q, book, &fakeSmeltable{})

	r, err := p.NewRequest("bedrock", 1, map[driver.ItemKey]uint{})
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.NoRecipe))
	assert.Equal(t, StatusFailed, r.Status)
}

func itemName(i int) string {
	return "item_" + string(rune('a'+i))
}
