// Package request implements the Request Planner (spec §4.8, §3.5): a
// recursive materials planner that, given (item, qty), walks a possibly
// multi-level recipe DAG, reserves jobs bottom-up through the Job Queue,
// and tracks a user-level Request across its lifecycle.
package request

import (
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/fabric/pkg/driver"
	"github.com/cuemby/fabric/pkg/ferrors"
	"github.com/cuemby/fabric/pkg/jobqueue"
	"github.com/cuemby/fabric/pkg/log"
	"github.com/cuemby/fabric/pkg/metrics"
	"github.com/rs/zerolog"
)

// MaxDepth is the default recursion bound (spec §4.8 step 1).
const MaxDepth = 10

// Status is the Request lifecycle (spec §3.5).
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusCrafting  Status = "crafting"
	StatusSmelting  Status = "smelting"
	StatusReady     Status = "ready"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Request is a user-level goal that owns one or more Jobs across a
// lifecycle (spec GLOSSARY).
type Request struct {
	ID            string
	Item          driver.ItemKey
	Qty           uint
	Status        Status
	JobIDs        []string
	SmeltNeeded   []SmeltNote
	CreatedAt     time.Time
	FinishedAt    time.Time
	FailureReason string
}

// SmeltNote records an item the planner could not craft but which is
// smeltable, handed off to the Smelting Orchestrator (spec §4.8 step 4).
type SmeltNote struct {
	Item driver.ItemKey
	Qty  uint
}

// Smeltable reports whether an item has a smelting recipe, so the
// planner can distinguish "hand off to the furnace loop" from "fail: no
// recipe" (spec §4.8 step 4).
type Smeltable interface {
	IsSmeltable(baseID string) bool
}

// Planner recursively queues Jobs against a RecipeBook/Queue, tracking
// in-flight Requests (spec §4.8).
type Planner struct {
	queue     *jobqueue.Queue
	book      jobqueue.RecipeBook
	smeltable Smeltable
	maxDepth  int

	requests map[string]*Request
	logger   zerolog.Logger
}

// New creates a Planner over queue/book, consulting smeltable for items
// with no craft recipe.
func New(queue *jobqueue.Queue, book jobqueue.RecipeBook, smeltable Smeltable) *Planner {
	return &Planner{
		queue:     queue,
		book:      book,
		smeltable: smeltable,
		maxDepth:  MaxDepth,
		requests:  make(map[string]*Request),
		logger:    log.WithComponent("request"),
	}
}

// NewRequest starts a Request for (item, qty) and runs the planner once
// against a snapshot of stock, projecting reservations optimistically
// (spec §9 "Optimistic projected stock").
func (p *Planner) NewRequest(item string, qty uint, stock map[driver.ItemKey]uint) (*Request, error) {
	r := &Request{
		ID:        uuid.NewString(),
		Item:      driver.ItemKey{BaseID: item},
		Qty:       qty,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	p.requests[r.ID] = r
	p.updateMetrics()

	projected := cloneStock(stock)
	jobIDs, err := p.queueRecursive(item, qty, projected, r.ID, 0, map[string]struct{}{})
	if err != nil {
		if ferrors.Is(err, ferrors.CycleDetected) || ferrors.Is(err, ferrors.MaxDepthExceeded) {
			r.Status = StatusFailed
			r.FailureReason = err.Error()
			r.FinishedAt = time.Now()
			p.updateMetrics()
			metrics.PlannerFailuresTotal.WithLabelValues(string(failureReason(err))).Inc()
			return r, err
		}
		if !ferrors.Is(err, ferrors.MissingMaterials) {
			r.Status = StatusFailed
			r.FailureReason = err.Error()
			r.FinishedAt = time.Now()
			p.updateMetrics()
			metrics.PlannerFailuresTotal.WithLabelValues(string(failureReason(err))).Inc()
			return r, err
		}
		// MissingMaterials at the top level with nothing queued yet: wait.
	}

	r.JobIDs = append(r.JobIDs, jobIDs...)
	if r.Status == StatusPending && (len(r.JobIDs) > 0 || len(r.SmeltNeeded) > 0) {
		r.Status = StatusQueued
	}
	p.updateMetrics()
	return r, nil
}

// CheckAndQueueMore re-runs the planner for a pending/queued Request
// against a fresh stock snapshot, picking up wherever sub-jobs were left
// pending on a previous tick (spec §4.8 step 8 "caller retries on
// subsequent ticks via checkAndQueueMore").
func (p *Planner) CheckAndQueueMore(requestID string, stock map[driver.ItemKey]uint) error {
	r, ok := p.requests[requestID]
	if !ok {
		return ferrors.New(ferrors.InvalidRequest, "unknown request: "+requestID)
	}
	if r.Status != StatusPending && r.Status != StatusQueued {
		return nil
	}

	projected := cloneStock(stock)
	jobIDs, err := p.queueRecursive(r.Item.BaseID, r.Qty, projected, r.ID, 0, map[string]struct{}{})
	if err != nil {
		if ferrors.Is(err, ferrors.CycleDetected) || ferrors.Is(err, ferrors.MaxDepthExceeded) {
			r.Status = StatusFailed
			r.FailureReason = err.Error()
			r.FinishedAt = time.Now()
			p.updateMetrics()
			return err
		}
		if !ferrors.Is(err, ferrors.MissingMaterials) {
			r.Status = StatusFailed
			r.FailureReason = err.Error()
			r.FinishedAt = time.Now()
			p.updateMetrics()
			return err
		}
	}
	for _, id := range jobIDs {
		if !contains(r.JobIDs, id) {
			r.JobIDs = append(r.JobIDs, id)
		}
	}
	if len(r.JobIDs) > 0 {
		r.Status = StatusQueued
	}
	p.updateMetrics()
	return nil
}

// queueRecursive is the planner core (spec §4.8). It mutates projected in
// place to reflect reservations and expected output so sibling/parent
// recursion plans against consistent numbers.
func (p *Planner) queueRecursive(
	item string,
	qty uint,
	projected map[driver.ItemKey]uint,
	requestID string,
	depth int,
	visited map[string]struct{},
) ([]string, error) {
	if depth > p.maxDepth {
		return nil, ferrors.New(ferrors.MaxDepthExceeded, "maximum depth exceeded")
	}
	if _, seen := visited[item]; seen {
		return nil, ferrors.New(ferrors.CycleDetected, "circular dependency on "+item)
	}

	key := driver.ItemKey{BaseID: item}
	have := projected[key]
	if have >= qty {
		return nil, nil
	}
	need := qty - have

	recipe, ok := p.book.Lookup(item)
	if !ok {
		if p.smeltable != nil && p.smeltable.IsSmeltable(item) {
			p.noteSmelt(requestID, key, need)
			return nil, nil
		}
		return nil, ferrors.New(ferrors.NoRecipe, "no recipe for "+item)
	}
	if recipe.OutputPerCraft == 0 {
		return nil, ferrors.New(ferrors.NoRecipe, "degenerate recipe for "+item)
	}

	crafts := ceilDiv(need, recipe.OutputPerCraft)
	nextVisited := make(map[string]struct{}, len(visited)+1)
	for k := range visited {
		nextVisited[k] = struct{}{}
	}
	nextVisited[item] = struct{}{}

	var jobIDs []string
	for _, in := range recipe.Inputs {
		required := in.Count * crafts
		current := projected[in.Item]
		if current >= required {
			continue
		}
		short := required - current
		subIDs, err := p.queueRecursive(in.Item.BaseID, short, projected, requestID, depth+1, nextVisited)
		if err != nil {
			return jobIDs, err
		}
		jobIDs = append(jobIDs, subIDs...)
	}

	job, err := p.queue.Add(item, need, projected)
	if err != nil {
		if ferrors.Is(err, ferrors.MissingMaterials) {
			// sub-jobs are still pending; caller retries later (step 8).
			return jobIDs, ferrors.New(ferrors.MissingMaterials, "waiting on sub-jobs for "+item)
		}
		return jobIDs, err
	}

	for _, m := range job.Materials {
		projected[m.Item] -= m.Count
	}
	projected[key] += job.Qty

	jobIDs = append(jobIDs, job.ID)
	return jobIDs, nil
}

func (p *Planner) noteSmelt(requestID string, item driver.ItemKey, qty uint) {
	r, ok := p.requests[requestID]
	if !ok {
		return
	}
	r.SmeltNeeded = append(r.SmeltNeeded, SmeltNote{Item: item, Qty: qty})
	r.Status = StatusSmelting
}

// Get returns a tracked Request by ID.
func (p *Planner) Get(requestID string) (*Request, bool) {
	r, ok := p.requests[requestID]
	return r, ok
}

// MarkJobOutcome folds a completed or failed Job's status into every
// Request that references it, advancing it to ready or failed.
func (p *Planner) MarkJobOutcome(jobID string, status jobqueue.Status, reason string) {
	for _, r := range p.requests {
		if !contains(r.JobIDs, jobID) {
			continue
		}
		switch status {
		case jobqueue.StatusFailed:
			r.Status = StatusFailed
			r.FailureReason = reason
			r.FinishedAt = time.Now()
		case jobqueue.StatusCompleted:
			if p.allJobsTerminal(r) {
				r.Status = StatusReady
			}
		}
	}
	p.updateMetrics()
}

// Deliver marks a ready Request as delivered.
func (p *Planner) Deliver(requestID string) error {
	r, ok := p.requests[requestID]
	if !ok {
		return ferrors.New(ferrors.InvalidRequest, "unknown request: "+requestID)
	}
	if r.Status != StatusReady {
		return ferrors.New(ferrors.InvalidRequest, "request not ready: "+requestID)
	}
	r.Status = StatusDelivered
	r.FinishedAt = time.Now()
	p.updateMetrics()
	return nil
}

// Cancel cancels a Request not yet delivered or failed.
func (p *Planner) Cancel(requestID string) error {
	r, ok := p.requests[requestID]
	if !ok {
		return ferrors.New(ferrors.InvalidRequest, "unknown request: "+requestID)
	}
	if r.Status == StatusDelivered || r.Status == StatusFailed {
		return ferrors.New(ferrors.InvalidRequest, "request already terminal: "+requestID)
	}
	for _, jobID := range r.JobIDs {
		_ = p.queue.Cancel(jobID) // best-effort: jobs past pending stay as-is
	}
	r.Status = StatusCancelled
	r.FinishedAt = time.Now()
	p.updateMetrics()
	return nil
}

func (p *Planner) allJobsTerminal(r *Request) bool {
	for _, id := range r.JobIDs {
		j, ok := p.queue.Get(id)
		if !ok {
			return false
		}
		if j.Status != jobqueue.StatusCompleted {
			return false
		}
	}
	return true
}

func (p *Planner) updateMetrics() {
	counts := map[Status]int{}
	for _, r := range p.requests {
		counts[r.Status]++
	}
	for s, c := range counts {
		metrics.RequestsTotal.WithLabelValues(string(s)).Set(float64(c))
	}
}

func failureReason(err error) ferrors.Kind {
	if ferrors.Is(err, ferrors.CycleDetected) {
		return ferrors.CycleDetected
	}
	if ferrors.Is(err, ferrors.MaxDepthExceeded) {
		return ferrors.MaxDepthExceeded
	}
	if ferrors.Is(err, ferrors.NoRecipe) {
		return ferrors.NoRecipe
	}
	return ferrors.InvalidRequest
}

func cloneStock(stock map[driver.ItemKey]uint) map[driver.ItemKey]uint {
	out := make(map[driver.ItemKey]uint, len(stock))
	for k, v := range stock {
		out[k] = v
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func ceilDiv(a, b uint) uint {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
