package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fabric/pkg/config"
	"github.com/cuemby/fabric/pkg/driver"
	"github.com/cuemby/fabric/pkg/jobqueue"
	"github.com/cuemby/fabric/pkg/shop"
)

type noopRefunder struct{}

func (noopRefunder) Refund(ctx context.Context, tx shop.Transaction, amount float64, message string) error {
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	return cfg
}

func TestNewWiresEveryComponent(t *testing.T) {
	book := jobqueue.MapRecipeBook{
		"minecraft:stick": {
			Output:         "minecraft:stick",
			OutputPerCraft: 4,
			Inputs: []jobqueue.Material{
				{Item: driver.ItemKey{BaseID: "minecraft:planks"}, Count: 2},
			},
		},
	}

	c, err := New(testConfig(t), book, noopRefunder{})
	require.NoError(t, err)
	defer c.Stop()

	assert.NotNil(t, c.Index)
	assert.NotNil(t, c.Transfer)
	assert.NotNil(t, c.Agents)
	assert.NotNil(t, c.Bus)
	assert.NotNil(t, c.Events)
	assert.NotNil(t, c.Export)
	assert.NotNil(t, c.Smelting)
	assert.NotNil(t, c.Jobs)
	assert.NotNil(t, c.Planner)
	assert.NotNil(t, c.Shop)
	assert.NotNil(t, c.Catalogue)
	assert.NotNil(t, c.Store)
	assert.NotNil(t, c.Scheduler)
}

func TestRegisterContainerMakesDriverResolvableToTransfer(t *testing.T) {
	book := jobqueue.MapRecipeBook{}
	c, err := New(testConfig(t), book, noopRefunder{})
	require.NoError(t, err)
	defer c.Stop()

	reg := driver.NewMemoryRegistry()
	storage := reg.NewContainer("storageA", 27)
	storage.Seed(0, driver.ItemKey{BaseID: "minecraft:cobblestone"}, 64)

	c.RegisterContainer("storageA", driver.RoleStorage, 27, storage)
	c.Index.Scan(context.Background(), false)

	assert.EqualValues(t, 64, c.Index.GetStock(driver.ItemKey{BaseID: "minecraft:cobblestone"}))

	d, ok := c.Index.Driver("storageA")
	require.True(t, ok)
	assert.Equal(t, storage, d)
}

func TestStartAndStopIsClean(t *testing.T) {
	book := jobqueue.MapRecipeBook{}
	c, err := New(testConfig(t), book, noopRefunder{})
	require.NoError(t, err)

	c.Start()
	time.Sleep(5 * time.Millisecond)
	c.Stop()
}

func TestDispatchAssignsPendingJobToIdleCapableAgent(t *testing.T) {
	book := jobqueue.MapRecipeBook{
		"minecraft:stick": {
			Output:         "minecraft:stick",
			OutputPerCraft: 4,
			Inputs: []jobqueue.Material{
				{Item: driver.ItemKey{BaseID: "minecraft:planks"}, Count: 2},
			},
		},
	}
	c, err := New(testConfig(t), book, noopRefunder{})
	require.NoError(t, err)
	defer c.Stop()

	c.Agents.Register("crafter-1", "crafter", "", []string{"minecraft:stick"})

	stock := map[driver.ItemKey]uint{{BaseID: "minecraft:planks"}: 2}
	job, err := c.Jobs.Add("minecraft:stick", 4, stock)
	require.NoError(t, err)

	c.dispatchPendingJobs()

	got, ok := c.Jobs.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, jobqueue.StatusAssigned, got.Status)
	assert.Equal(t, "crafter-1", got.AssignedTo)
}
