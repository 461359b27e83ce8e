package shop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fabric/pkg/bus"
	"github.com/cuemby/fabric/pkg/driver"
	"github.com/cuemby/fabric/pkg/index"
	"github.com/cuemby/fabric/pkg/transfer"
)

type fakeRefunder struct {
	calls []struct {
		tx      Transaction
		amount  float64
		message string
	}
}

func (f *fakeRefunder) Refund(ctx context.Context, tx Transaction, amount float64, message string) error {
	f.calls = append(f.calls, struct {
		tx      Transaction
		amount  float64
		message string
	}{tx, amount, message})
	return nil
}

func setup(t *testing.T) (*index.Index, *transfer.Engine, *driver.MemoryRegistry) {
	t.Helper()
	reg := driver.NewMemoryRegistry()
	idx := index.New()

	storage := reg.NewContainer("storage1", 27)
	aisle := reg.NewContainer("aisle1", 9)

	idx.Register("storage1", driver.RoleStorage, 27, storage)
	idx.Register("aisle1", driver.RoleAgentInbox, 9, aisle)

	tr := transfer.New(idx, func(name string) (driver.Driver, bool) { return reg.Get(name) })
	return idx, tr, reg
}

func TestParseMetadata(t *testing.T) {
	fields, bare := ParseMetadata("message=Here is your refund; glass")
	assert.Equal(t, "Here is your refund", fields["message"])
	assert.Equal(t, []string{"glass"}, bare)

	fields2, bare2 := ParseMetadata("glass")
	assert.Empty(t, fields2)
	assert.Equal(t, []string{"glass"}, bare2)
}

func TestCatalogueCreateRejectsAmbiguousBacking(t *testing.T) {
	broker := bus.NewEventBroker()
	c := NewCatalogue(broker)
	_, err := c.Create("glass", "glass", driver.ItemKey{BaseID: "minecraft:glass"}, 0.05, []string{"storage1", "storage2"})
	require.Error(t, err)
}

func TestDispenseWithPartialStockRefundsRemainder(t *testing.T) {
	idx, tr, reg := setup(t)
	storage, _ := reg.Get("storage1")
	storage.Seed(0, driver.ItemKey{BaseID: "minecraft:glass"}, 3)
	idx.Scan(context.Background(), false)

	broker := bus.NewEventBroker()
	broker.Start()
	defer broker.Stop()

	catalogue := NewCatalogue(broker)
	_, err := catalogue.Create("glass", "glass", driver.ItemKey{BaseID: "minecraft:glass"}, 0.05, []string{"storage1"})
	require.NoError(t, err)
	require.NoError(t, catalogue.Update("glass", 0.05, "aisle1"))

	refunder := &fakeRefunder{}
	engine := New(idx, tr, catalogue, refunder, broker)

	tx := Transaction{ID: "tx1", Value: 0.20, Metadata: "glass"}
	require.NoError(t, engine.Handle(context.Background(), tx))

	aisle, _ := reg.Get("aisle1")
	var dispensed uint
	for _, e := range aisle.Contents() {
		dispensed += e.Count
	}
	assert.EqualValues(t, 3, dispensed)

	require.Len(t, refunder.calls, 1)
	assert.InDelta(t, 0.05, refunder.calls[0].amount, 0.001)
}

func TestNoMatchRefundsInFull(t *testing.T) {
	idx, tr, _ := setup(t)
	broker := bus.NewEventBroker()
	broker.Start()
	defer broker.Stop()
	catalogue := NewCatalogue(broker)
	refunder := &fakeRefunder{}
	engine := New(idx, tr, catalogue, refunder, broker)

	tx := Transaction{ID: "tx2", Value: 0.10, Metadata: "unknown_item"}
	require.NoError(t, engine.Handle(context.Background(), tx))

	require.Len(t, refunder.calls, 1)
	assert.Equal(t, 0.10, refunder.calls[0].amount)
}

func TestMetadataWithErrorKeyIsQuarantinedNotRefunded(t *testing.T) {
	idx, tr, _ := setup(t)
	broker := bus.NewEventBroker()
	broker.Start()
	defer broker.Stop()
	catalogue := NewCatalogue(broker)
	refunder := &fakeRefunder{}
	engine := New(idx, tr, catalogue, refunder, broker)

	tx := Transaction{ID: "tx3", Value: 0.10, Metadata: "error=x"}
	require.NoError(t, engine.Handle(context.Background(), tx))

	assert.Empty(t, refunder.calls)
	pending := engine.PendingRefunds()
	require.Len(t, pending, 1)
	assert.Equal(t, "tx3", pending[0].Transaction.ID)
}
