// Package jobqueue implements the Job Queue (spec §4.7, §3.4): a FIFO of
// crafting jobs with a state machine, materials reservation against live
// stock, and bounded completed/failed history rings. The queue and its
// rings live in memory only; they are not written to disk and do not
// survive a restart.
package jobqueue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/fabric/pkg/driver"
	"github.com/cuemby/fabric/pkg/ferrors"
	"github.com/cuemby/fabric/pkg/log"
	"github.com/cuemby/fabric/pkg/metrics"
	"github.com/rs/zerolog"
)

// Status is the Job state machine (spec §3.4, §4.7).
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusCrafting  Status = "crafting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Material is one (item, count) entry of a Job's reserved materials
// multiset.
type Material struct {
	Item  driver.ItemKey
	Count uint
}

// Job is an atomic unit of craft work (spec §3.4).
type Job struct {
	ID            string
	Output        driver.ItemKey
	Qty           uint
	Recipe        string
	Materials     []Material
	Status        Status
	AssignedTo    string
	CreatedAt     time.Time
	AssignedAt    time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	ActualOutput  uint
	FailureReason string
}

// Missing mirrors ferrors.Missing for a MissingMaterials error (spec §4.7).
type Missing = ferrors.Missing

// Recipe describes a craft definition: outputPerCraft units of Output are
// produced from Inputs per craft.
type Recipe struct {
	Output         string
	OutputPerCraft uint
	Inputs         []Material
}

// RecipeBook is the external recipe library (spec §4.7 "calls into the
// recipe library (external)"). Recipe tables are explicitly out of scope
// for the core (spec §1); only this lookup contract is part of it.
type RecipeBook interface {
	Lookup(baseID string) (Recipe, bool)
}

// MapRecipeBook is a minimal in-memory RecipeBook, useful for wiring the
// core against a fixed table loaded from a manifest or for tests. Real
// deployments may swap in any other RecipeBook implementation; the table's
// *shape* (input->output) is part of the contract, its contents are not
// (spec §9 Open Questions).
type MapRecipeBook map[string]Recipe

// Lookup implements RecipeBook.
func (m MapRecipeBook) Lookup(baseID string) (Recipe, bool) {
	r, ok := m[baseID]
	return r, ok
}

// Ring is a bounded history buffer (spec §3.8, default size 100).
type Ring struct {
	cap   int
	items []*Job
}

func newRing(cap int) *Ring {
	return &Ring{cap: cap}
}

func (r *Ring) push(j *Job) {
	r.items = append(r.items, j)
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

// Items returns a defensive copy, oldest first.
func (r *Ring) Items() []*Job {
	out := make([]*Job, len(r.items))
	copy(out, r.items)
	return out
}

// Queue is the in-memory FIFO job store.
type Queue struct {
	mu   sync.Mutex
	book RecipeBook

	pending   []*Job
	active    map[string]*Job // assigned or crafting
	completed *Ring
	failed    *Ring

	logger zerolog.Logger
}

// New creates a Queue backed by book, with history rings of the given size.
func New(book RecipeBook, historySize int) *Queue {
	if historySize <= 0 {
		historySize = 100
	}
	return &Queue{
		book:      book,
		active:    make(map[string]*Job),
		completed: newRing(historySize),
		failed:    newRing(historySize),
		logger:    log.WithComponent("jobqueue"),
	}
}

// Add computes the exact multiset of inputs needed to yield ≥ qty of
// output given current stock, reserves it, and enqueues a pending Job
// (spec §4.7 "Materials reservation"). If any input is short, it fails with
// a MissingMaterials error enumerating (item, needed, have).
func (q *Queue) Add(output string, qty uint, stock map[driver.ItemKey]uint) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recipe, ok := q.book.Lookup(output)
	if !ok {
		return nil, ferrors.New(ferrors.NoRecipe, output)
	}
	if recipe.OutputPerCraft == 0 {
		return nil, ferrors.New(ferrors.NoRecipe, output)
	}

	crafts := ceilDiv(qty, recipe.OutputPerCraft)

	materials := make([]Material, 0, len(recipe.Inputs))
	var missing []Missing
	for _, in := range recipe.Inputs {
		need := in.Count * crafts
		have := stock[in.Item]
		if have < need {
			missing = append(missing, Missing{Item: in.Item.String(), Needed: need, Have: have})
			continue
		}
		materials = append(materials, Material{Item: in.Item, Count: need})
	}
	if len(missing) > 0 {
		return nil, ferrors.WithMissing("insufficient materials for "+output, missing)
	}

	j := &Job{
		ID:        uuid.NewString(),
		Output:    driver.ItemKey{BaseID: output},
		Qty:       crafts * recipe.OutputPerCraft,
		Recipe:    output,
		Materials: materials,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	q.pending = append(q.pending, j)
	q.updateMetricsLocked()
	return j, nil
}

// Next returns (and does not remove) the oldest pending Job, if any.
func (q *Queue) Next() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	return q.pending[0], true
}

// Assign transitions a pending Job to assigned, binding it to agentID.
func (q *Queue) Assign(jobID, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, idx := q.findPendingLocked(jobID)
	if j == nil {
		return ferrors.New(ferrors.InvalidRequest, "job not pending: "+jobID)
	}
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	j.Status = StatusAssigned
	j.AssignedTo = agentID
	j.AssignedAt = time.Now()
	q.active[j.ID] = j
	q.updateMetricsLocked()
	return nil
}

// StartCrafting transitions an assigned Job to crafting.
func (q *Queue) StartCrafting(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.active[jobID]
	if !ok || j.Status != StatusAssigned {
		return ferrors.New(ferrors.InvalidRequest, "job not assigned: "+jobID)
	}
	j.Status = StatusCrafting
	j.StartedAt = time.Now()
	q.updateMetricsLocked()
	return nil
}

// Complete transitions a crafting Job to completed and archives it.
func (q *Queue) Complete(jobID string, actualOutput uint) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.active[jobID]
	if !ok {
		return nil, ferrors.New(ferrors.InvalidRequest, "job not active: "+jobID)
	}
	delete(q.active, jobID)
	j.Status = StatusCompleted
	j.FinishedAt = time.Now()
	j.ActualOutput = actualOutput
	q.completed.push(j)
	q.updateMetricsLocked()
	return j, nil
}

// Fail transitions an active Job to failed and archives it with a reason.
func (q *Queue) Fail(jobID, reason string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.active[jobID]
	if !ok {
		return nil, ferrors.New(ferrors.InvalidRequest, "job not active: "+jobID)
	}
	delete(q.active, jobID)
	j.Status = StatusFailed
	j.FinishedAt = time.Now()
	j.FailureReason = reason
	q.failed.push(j)
	q.updateMetricsLocked()
	return j, nil
}

// Cancel transitions a pending Job to cancelled (spec §4.7: "cancelled is
// reachable from pending only").
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, idx := q.findPendingLocked(jobID)
	if j == nil {
		return ferrors.New(ferrors.InvalidRequest, "job not pending: "+jobID)
	}
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	j.Status = StatusCancelled
	j.FinishedAt = time.Now()
	q.updateMetricsLocked()
	return nil
}

// Get returns any job, pending, active, or archived, by ID.
func (q *Queue) Get(jobID string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.pending {
		if j.ID == jobID {
			return j, true
		}
	}
	if j, ok := q.active[jobID]; ok {
		return j, true
	}
	for _, j := range q.completed.Items() {
		if j.ID == jobID {
			return j, true
		}
	}
	for _, j := range q.failed.Items() {
		if j.ID == jobID {
			return j, true
		}
	}
	return nil, false
}

// Pending returns a copy of the pending slice in FIFO order.
func (q *Queue) Pending() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.pending))
	copy(out, q.pending)
	return out
}

// CompletedHistory returns the completed ring's contents.
func (q *Queue) CompletedHistory() []*Job { q.mu.Lock(); defer q.mu.Unlock(); return q.completed.Items() }

// FailedHistory returns the failed ring's contents.
func (q *Queue) FailedHistory() []*Job { q.mu.Lock(); defer q.mu.Unlock(); return q.failed.Items() }

func (q *Queue) findPendingLocked(jobID string) (*Job, int) {
	for i, j := range q.pending {
		if j.ID == jobID {
			return j, i
		}
	}
	return nil, -1
}

func (q *Queue) updateMetricsLocked() {
	counts := map[Status]int{}
	for _, j := range q.pending {
		counts[j.Status]++
	}
	for _, j := range q.active {
		counts[j.Status]++
	}
	counts[StatusCompleted] = len(q.completed.items)
	counts[StatusFailed] = len(q.failed.items)
	for s, c := range counts {
		metrics.JobsTotal.WithLabelValues(string(s)).Set(float64(c))
	}
}

func ceilDiv(a, b uint) uint {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// SortedByCreation is a convenience for deterministic display ordering.
func SortedByCreation(jobs []*Job) []*Job {
	out := make([]*Job, len(jobs))
	copy(out, jobs)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
