// Package transfer implements the Transfer Engine (spec §4.3): it turns a
// requested (key, quota, destination) into a plan of per-slot tasks,
// executes them in bounded parallel batches, and applies the resulting
// deltas to the Inventory Index.
package transfer

import (
	"context"
	"sort"
	"sync"

	"github.com/cuemby/fabric/pkg/driver"
	"github.com/cuemby/fabric/pkg/ferrors"
	"github.com/cuemby/fabric/pkg/index"
	"github.com/cuemby/fabric/pkg/log"
	"github.com/cuemby/fabric/pkg/metrics"
	"github.com/rs/zerolog"
)

// DriverLookup resolves a container name to its Driver, as registered with
// the Index.
type DriverLookup func(container string) (driver.Driver, bool)

// DestinationGuard is consulted before any push plan is built; it rejects
// destinations that are not configured export targets, enforcing the
// "crucial guard" of spec §4.6.
type DestinationGuard func(container string) bool

// Engine executes transfer plans against a set of container drivers and
// records resulting deltas into the Index.
type Engine struct {
	idx        *index.Index
	lookup     DriverLookup
	guard      DestinationGuard
	batchWidth int
	logger     zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchWidth overrides the default parallel batch width (spec §4.3
// default 8).
func WithBatchWidth(n int) Option {
	return func(e *Engine) { e.batchWidth = n }
}

// WithDestinationGuard installs the export-target guard described in spec
// §4.3 step 1 / §4.6.
func WithDestinationGuard(g DestinationGuard) Option {
	return func(e *Engine) { e.guard = g }
}

// New creates a Transfer Engine bound to idx, resolving container drivers
// through lookup.
func New(idx *index.Index, lookup DriverLookup, opts ...Option) *Engine {
	e := &Engine{idx: idx, lookup: lookup, batchWidth: 8, logger: log.WithComponent("transfer")}
	for _, o := range opts {
		o(e)
	}
	return e
}

// task is one planned (srcCtr, srcSlot) -> (destCtr, destSlot?) move.
type task struct {
	srcContainer  string
	srcSlot       int
	key           driver.ItemKey
	want          uint
	destContainer string
	destSlot      *int
}

// TaskResult reports the outcome of one executed task.
type TaskResult struct {
	SourceContainer string
	SourceSlot      int
	DestContainer   string
	DestSlot        *int
	Key             driver.ItemKey
	Want            uint
	Transferred     uint
	Err             error
}

// PlanResult aggregates the outcome of a whole plan.
type PlanResult struct {
	Transferred uint
	PerSource   map[string]uint
	Tasks       []TaskResult
}

// PushPlan builds and executes a plan to push up to n items matching key
// from the given candidate source locations into destContainer (optionally
// destSlot). The key recorded against the Index is always the source
// slot's key, not the caller's requested key, so NBT-variant accounting
// stays exact (spec §4.3 step 4).
func (e *Engine) PushPlan(ctx context.Context, sources []index.Location, destContainer string, destSlot *int, n uint) (PlanResult, error) {
	if e.guard != nil && !e.guard(destContainer) {
		return PlanResult{}, ferrors.New(ferrors.InvalidRequest, "destination is not a configured export target: "+destContainer)
	}
	tasks := e.allocate(sources, destContainer, destSlot, n)
	return e.execute(ctx, tasks)
}

// PullPlan builds and executes a plan to pull up to n items matching key
// from srcContainer into one or more destination containers. When
// destSlot is nil the engine tries storage containers with known free
// slots first (spec §4.3 "common" case), falling back to any storage
// container, trying up to K alternatives per source slot.
func (e *Engine) PullPlan(ctx context.Context, sources []index.Location, destContainer string, destSlot *int) (PlanResult, uint, error) {
	// Pulling is symmetric to pushing from the perspective of the engine:
	// the *destination* container issues Pull, which the driver dual-maps
	// to a Push on the source. We express it identically as tasks but
	// invoke Pull on the destination driver.
	var allWant uint
	for _, s := range sources {
		allWant += s.Count
	}
	tasks := e.allocate(sources, destContainer, destSlot, allWant)
	result, err := e.executePull(ctx, destContainer, tasks)
	return result, allWant, err
}

// allocate greedily consumes sources (already sorted by descending count)
// until n is exhausted, producing tasks with Σ want_i ≤ n (spec §4.3 step 2).
func (e *Engine) allocate(sources []index.Location, destContainer string, destSlot *int, n uint) []task {
	var tasks []task
	remaining := n
	for _, s := range sources {
		if remaining == 0 {
			break
		}
		want := s.Count
		if want > remaining {
			want = remaining
		}
		tasks = append(tasks, task{
			srcContainer:  s.Container,
			srcSlot:       s.Slot,
			key:           s.Key,
			want:          want,
			destContainer: destContainer,
			destSlot:      destSlot,
		})
		remaining -= want
	}
	return tasks
}

// execute runs push tasks in bounded parallel batches (spec §4.3 step 3).
// If destSlot was specified, the peripheral semantics force serialization
// on that slot — the plan degrades to sequential (spec §4.3 edge cases).
func (e *Engine) execute(ctx context.Context, tasks []task) (PlanResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TransferPlanDuration)

	width := e.batchWidth
	if width < 1 {
		width = 1
	}
	sequential := len(tasks) > 0 && tasks[0].destSlot != nil
	if sequential {
		width = 1
	}

	results := make([]TaskResult, len(tasks))
	sem := make(chan struct{}, width)
	var wg sync.WaitGroup

	for i, t := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, t task) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.runPush(ctx, t)
		}(i, t)
	}
	wg.Wait()

	return e.finalize(results), nil
}

func (e *Engine) runPush(ctx context.Context, t task) TaskResult {
	d, ok := e.lookup(t.srcContainer)
	if !ok {
		metrics.TransferTasksFailed.Inc()
		return TaskResult{SourceContainer: t.srcContainer, SourceSlot: t.srcSlot, Key: t.key, Want: t.want, Err: driver.ErrUnavailable}
	}
	n, err := d.Push(ctx, t.destContainer, t.srcSlot, t.want, t.destSlot)
	if err != nil || n == 0 {
		metrics.TransferTasksFailed.Inc()
	}
	return TaskResult{
		SourceContainer: t.srcContainer,
		SourceSlot:      t.srcSlot,
		DestContainer:   t.destContainer,
		DestSlot:        t.destSlot,
		Key:             t.key,
		Want:            t.want,
		Transferred:     n,
		Err:             err,
	}
}

// executePull mirrors execute but issues Pull on the destination driver,
// since in this codec the destination container is the active party.
func (e *Engine) executePull(ctx context.Context, destContainer string, tasks []task) (PlanResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TransferPlanDuration)

	dd, ok := e.lookup(destContainer)
	if !ok {
		return PlanResult{}, driver.ErrUnavailable
	}

	width := e.batchWidth
	if width < 1 {
		width = 1
	}
	sequential := len(tasks) > 0 && tasks[0].destSlot != nil
	if sequential {
		width = 1
	}

	results := make([]TaskResult, len(tasks))
	sem := make(chan struct{}, width)
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, t task) {
			defer wg.Done()
			defer func() { <-sem }()
			n, err := dd.Pull(ctx, t.srcContainer, t.srcSlot, t.want, t.destSlot)
			if err != nil || n == 0 {
				metrics.TransferTasksFailed.Inc()
			}
			results[i] = TaskResult{SourceContainer: t.srcContainer, SourceSlot: t.srcSlot, DestContainer: t.destContainer, DestSlot: t.destSlot, Key: t.key, Want: t.want, Transferred: n, Err: err}
		}(i, t)
	}
	wg.Wait()

	return e.finalize(results), nil
}

// finalize aggregates task results and records a delta into the Index for
// every task with transferred > 0 (spec §4.3 step 4-5, §8 transfer laws).
func (e *Engine) finalize(results []TaskResult) PlanResult {
	pr := PlanResult{PerSource: make(map[string]uint), Tasks: results}
	for _, r := range results {
		if r.Transferred == 0 {
			continue
		}
		pr.Transferred += r.Transferred
		pr.PerSource[r.SourceContainer] += r.Transferred
		e.idx.RecordTransfer(r.SourceContainer, r.SourceSlot, r.DestContainer, r.DestSlot, r.Key, r.Transferred)
	}
	sort.Slice(pr.Tasks, func(i, j int) bool {
		if pr.Tasks[i].SourceContainer != pr.Tasks[j].SourceContainer {
			return pr.Tasks[i].SourceContainer < pr.Tasks[j].SourceContainer
		}
		return pr.Tasks[i].SourceSlot < pr.Tasks[j].SourceSlot
	})
	return pr
}
