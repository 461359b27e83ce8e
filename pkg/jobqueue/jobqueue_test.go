package jobqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fabric/pkg/driver"
	"github.com/cuemby/fabric/pkg/ferrors"
)

type fakeBook struct {
	recipes map[string]Recipe
}

func (b *fakeBook) Lookup(baseID string) (Recipe, bool) {
	r, ok := b.recipes[baseID]
	return r, ok
}

func stickBook() *fakeBook {
	return &fakeBook{recipes: map[string]Recipe{
		"minecraft:stick": {
			Output:         "minecraft:stick",
			OutputPerCraft: 4,
			Inputs: []Material{
				{Item: driver.ItemKey{BaseID: "minecraft:planks"}, Count: 2},
			},
		},
	}}
}

func TestAddReservesMaterialsAndRoundsUpCrafts(t *testing.T) {
	q := New(stickBook(), 10)
	stock := map[driver.ItemKey]uint{
		{BaseID: "minecraft:planks"}: 10,
	}

	j, err := q.Add("minecraft:stick", 5, stock)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	// 5 sticks needs ceil(5/4)=2 crafts -> qty 8, 4 planks.
	assert.EqualValues(t, 8, j.Qty)
	require.Len(t, j.Materials, 1)
	assert.EqualValues(t, 4, j.Materials[0].Count)
}

func TestAddInsufficientMaterialsReturnsMissingMaterials(t *testing.T) {
	q := New(stickBook(), 10)
	stock := map[driver.ItemKey]uint{
		{BaseID: "minecraft:planks"}: 1,
	}
	_, err := q.Add("minecraft:stick", 5, stock)
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.MissingMaterials))
}

func TestAddUnknownRecipeReturnsNoRecipe(t *testing.T) {
	q := New(stickBook(), 10)
	_, err := q.Add("minecraft:unknown", 1, nil)
	require.Error(t, err)
	assert.True(t, ferrors.Is(err, ferrors.NoRecipe))
}

func TestLifecycleHappyPath(t *testing.T) {
	q := New(stickBook(), 10)
	stock := map[driver.ItemKey]uint{{BaseID: "minecraft:planks"}: 10}
	j, err := q.Add("minecraft:stick", 4, stock)
	require.NoError(t, err)

	require.NoError(t, q.Assign(j.ID, "crafter-1"))
	_, pending := q.Next()
	assert.False(t, pending)

	require.NoError(t, q.StartCrafting(j.ID))
	done, err := q.Complete(j.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	hist := q.CompletedHistory()
	require.Len(t, hist, 1)
	assert.Equal(t, j.ID, hist[0].ID)
}

func TestCancelOnlyFromPending(t *testing.T) {
	q := New(stickBook(), 10)
	stock := map[driver.ItemKey]uint{{BaseID: "minecraft:planks"}: 10}
	j, err := q.Add("minecraft:stick", 4, stock)
	require.NoError(t, err)

	require.NoError(t, q.Assign(j.ID, "crafter-1"))
	err = q.Cancel(j.ID)
	assert.Error(t, err)
}

func TestHistoryRingBounded(t *testing.T) {
	q := New(stickBook(), 2)
	stock := map[driver.ItemKey]uint{{BaseID: "minecraft:planks"}: 1000}

	var ids []string
	for i := 0; i < 3; i++ {
		j, err := q.Add("minecraft:stick", 4, stock)
		require.NoError(t, err)
		require.NoError(t, q.Assign(j.ID, "crafter-1"))
		require.NoError(t, q.StartCrafting(j.ID))
		_, err = q.Complete(j.ID, 4)
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}

	hist := q.CompletedHistory()
	require.Len(t, hist, 2)
	assert.Equal(t, ids[1], hist[0].ID)
	assert.Equal(t, ids[2], hist[1].ID)
}

func TestFailTransitionsAndRecordsReason(t *testing.T) {
	q := New(stickBook(), 10)
	stock := map[driver.ItemKey]uint{{BaseID: "minecraft:planks"}: 10}
	j, err := q.Add("minecraft:stick", 4, stock)
	require.NoError(t, err)
	require.NoError(t, q.Assign(j.ID, "crafter-1"))
	require.NoError(t, q.StartCrafting(j.ID))

	failed, err := q.Fail(j.ID, "agent disconnected")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "agent disconnected", failed.FailureReason)

	_, ok := q.Get(j.ID)
	assert.True(t, ok)
}
