// Package shop implements the shop point-of-sale collaborator described in
// spec §6 "External transaction interface (shop product)" and exercised by
// §8 scenario 6: an async transaction stream is matched against a product
// catalogue, dispensed via an aisle, refunded for any remainder, and
// quarantined when it already carries operator metadata.
package shop

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/fabric/pkg/bus"
	"github.com/cuemby/fabric/pkg/driver"
	"github.com/cuemby/fabric/pkg/ferrors"
	"github.com/cuemby/fabric/pkg/index"
	"github.com/cuemby/fabric/pkg/log"
	"github.com/cuemby/fabric/pkg/metrics"
	"github.com/cuemby/fabric/pkg/transfer"
	"github.com/rs/zerolog"
)

// Transaction is one record off the external transaction stream (spec §6):
// `{id, from, to, value, metadata}` where metadata is `key=value; …;
// bareValue; …`.
type Transaction struct {
	ID       string
	From     string
	To       string
	Value    float64
	Metadata string
}

// Product is one catalogue entry: a purchasable item backed by a storage
// container and dispensed into an aisle's output container.
type Product struct {
	Name  string
	Item  driver.ItemKey
	Cost  float64
	Aisle string // output container name
}

// Refunder issues a refund against the opaque external payment gateway.
// Real implementations wrap whatever crypto/economy plugin backs the
// transaction stream; this core only needs the contract.
type Refunder interface {
	Refund(ctx context.Context, tx Transaction, amount float64, message string) error
}

// Catalogue is the in-memory product table, keyed by the bareValue a
// transaction's metadata is matched against.
type Catalogue struct {
	mu       sync.RWMutex
	products map[string]*Product
	broker   *bus.EventBroker
}

// NewCatalogue creates an empty catalogue that publishes product_create/
// update/delete events to broker.
func NewCatalogue(broker *bus.EventBroker) *Catalogue {
	return &Catalogue{products: make(map[string]*Product), broker: broker}
}

// Create adds a new product. The sign-based product-creation heuristic in
// the source game is ambiguous whenever more than one container holds the
// same base-id (spec §9 Open Questions): rather than guess which one is
// the product's backing storage, Create requires the caller to resolve
// that ambiguity and hand back exactly one container name.
func (c *Catalogue) Create(bareValue, name string, item driver.ItemKey, cost float64, candidateContainers []string) (*Product, error) {
	if len(candidateContainers) != 1 {
		return nil, ferrors.New(ferrors.InvalidRequest,
			fmt.Sprintf("ambiguous backing container for product %q: %d candidates hold %s, operator must pick one", name, len(candidateContainers), item.String()))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p := &Product{Name: name, Item: item, Cost: cost, Aisle: candidateContainers[0]}
	c.products[bareValue] = p
	c.broker.Publish(bus.EventProductCreate, map[string]any{"bareValue": bareValue, "name": name})
	return p, nil
}

// Update replaces an existing product's cost/aisle.
func (c *Catalogue) Update(bareValue string, cost float64, aisle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[bareValue]
	if !ok {
		return ferrors.New(ferrors.InvalidRequest, "unknown product: "+bareValue)
	}
	p.Cost = cost
	if aisle != "" {
		p.Aisle = aisle
	}
	c.broker.Publish(bus.EventProductUpdate, map[string]any{"bareValue": bareValue})
	return nil
}

// Delete removes a product.
func (c *Catalogue) Delete(bareValue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.products[bareValue]; !ok {
		return ferrors.New(ferrors.InvalidRequest, "unknown product: "+bareValue)
	}
	delete(c.products, bareValue)
	c.broker.Publish(bus.EventProductDelete, map[string]any{"bareValue": bareValue})
	return nil
}

// Get returns a product by its matched bareValue.
func (c *Catalogue) Get(bareValue string) (Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[bareValue]
	if !ok {
		return Product{}, false
	}
	return *p, true
}

// All returns a copy of every product keyed by bareValue, for SHOPSYNC
// advertising.
func (c *Catalogue) All() map[string]Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Product, len(c.products))
	for k, v := range c.products {
		out[k] = *v
	}
	return out
}

// ParseMetadata splits the `key=value; …; bareValue; …` metadata format of
// spec §6 into explicit fields and the remaining bare tokens, in order.
func ParseMetadata(metadata string) (fields map[string]string, bareValues []string) {
	fields = make(map[string]string)
	parts := strings.Split(metadata, ";")
	for _, part := range parts {
		tok := strings.TrimSpace(part)
		if tok == "" {
			continue
		}
		if eq := strings.IndexByte(tok, '='); eq >= 0 {
			key := strings.TrimSpace(tok[:eq])
			val := strings.TrimSpace(tok[eq+1:])
			fields[key] = val
			continue
		}
		bareValues = append(bareValues, tok)
	}
	return fields, bareValues
}

// PendingRefund is a quarantined transaction awaiting manual/delayed
// refund. Quarantined refunds are held in the Engine's memory only; they
// are not written to pkg/persist and do not survive a restart.
type PendingRefund struct {
	Transaction Transaction
	Reason      string
	QueuedAt    time.Time
}

// Engine matches incoming transactions against the catalogue, dispenses
// via the Transfer Engine into the product's aisle, and refunds any
// remainder or mismatch (spec §6).
type Engine struct {
	idx       *index.Index
	tr        *transfer.Engine
	catalogue *Catalogue
	refunder  Refunder
	broker    *bus.EventBroker

	mu      sync.Mutex
	pending []PendingRefund

	logger zerolog.Logger
}

// New creates a shop Engine.
func New(idx *index.Index, tr *transfer.Engine, catalogue *Catalogue, refunder Refunder, broker *bus.EventBroker) *Engine {
	return &Engine{
		idx:       idx,
		tr:        tr,
		catalogue: catalogue,
		refunder:  refunder,
		broker:    broker,
		logger:    log.WithComponent("shop"),
	}
}

// Handle processes one transaction per spec §6's matching/dispense/refund
// algorithm.
func (e *Engine) Handle(ctx context.Context, tx Transaction) error {
	e.broker.Publish(bus.EventTransaction, map[string]any{"id": tx.ID, "value": tx.Value})

	fields, bareValues := ParseMetadata(tx.Metadata)

	// A transaction that already carries operator metadata (message= or
	// error=) is quarantined rather than auto-refunded, to avoid refund
	// loops against a gateway that itself stamps metadata on refunds
	// (spec §6, §7).
	if _, hasMessage := fields["message"]; hasMessage {
		e.quarantine(tx, "already carries message metadata")
		return nil
	}
	if _, hasError := fields["error"]; hasError {
		e.quarantine(tx, "already carries error metadata")
		return nil
	}

	product, bareValue, matched := e.matchProduct(bareValues)
	if !matched {
		return e.refundNoMatch(ctx, tx)
	}
	return e.dispenseAndRefundRemainder(ctx, tx, bareValue, product)
}

func (e *Engine) matchProduct(bareValues []string) (Product, string, bool) {
	for _, bv := range bareValues {
		if p, ok := e.catalogue.Get(bv); ok {
			return p, bv, true
		}
	}
	return Product{}, "", false
}

func (e *Engine) refundNoMatch(ctx context.Context, tx Transaction) error {
	err := e.refunder.Refund(ctx, tx, tx.Value, "no matching product found for your purchase")
	metrics.RefundsTotal.WithLabelValues("no_match").Inc()
	return err
}

// dispenseAndRefundRemainder computes the affordable quantity capped by
// available stock, dispenses it into the product's aisle, and refunds the
// unspent remainder (spec §8 scenario 6).
func (e *Engine) dispenseAndRefundRemainder(ctx context.Context, tx Transaction, bareValue string, product Product) error {
	if product.Cost <= 0 {
		return e.refunder.Refund(ctx, tx, tx.Value, "product misconfigured, contact an operator")
	}

	ideal := uint(tx.Value / product.Cost)
	stock := e.idx.GetStock(product.Item)
	qty := ideal
	if qty > stock {
		qty = stock
	}

	if qty == 0 {
		return e.refunder.Refund(ctx, tx, tx.Value, "out of stock, here is your refund")
	}

	sources := e.idx.FindByBaseID(product.Item.BaseID, true)
	result, err := e.tr.PushPlan(ctx, sources, product.Aisle, nil, qty)
	if err != nil {
		return e.refunder.Refund(ctx, tx, tx.Value, "dispense failed, here is your refund")
	}
	dispensed := result.Transferred

	spent := float64(dispensed) * product.Cost
	refundAmount := roundMoney(tx.Value - spent)

	metrics.PurchasesTotal.Inc()
	e.broker.Publish(bus.EventPurchase, map[string]any{
		"bareValue": bareValue, "product": product.Name, "qty": dispensed, "value": tx.Value,
	})

	if refundAmount <= 0 {
		return nil
	}
	err = e.refunder.Refund(ctx, tx, refundAmount, fmt.Sprintf("Here is your refund of %s for %d unfilled %s", formatMoney(refundAmount), ideal-dispensed, product.Name))
	metrics.RefundsTotal.WithLabelValues("partial_stock").Inc()
	return err
}

func (e *Engine) quarantine(tx Transaction, reason string) {
	e.mu.Lock()
	e.pending = append(e.pending, PendingRefund{Transaction: tx, Reason: reason, QueuedAt: time.Now()})
	e.mu.Unlock()
	metrics.RefundsTotal.WithLabelValues("quarantined").Inc()
}

// PendingRefunds returns the quarantine queue, oldest first, for an
// operator to drain via manual/delayed refund.
func (e *Engine) PendingRefunds() []PendingRefund {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingRefund, len(e.pending))
	copy(out, e.pending)
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// ResolvePending removes a quarantined transaction after an operator has
// manually refunded or otherwise resolved it.
func (e *Engine) ResolvePending(txID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.pending {
		if p.Transaction.ID == txID {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return true
		}
	}
	return false
}

func roundMoney(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func formatMoney(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
