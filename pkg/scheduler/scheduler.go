// Package scheduler implements the Periodic Scheduler (spec §5): each
// cooperative task (scan, export tick, furnace tick, heartbeat, health
// sweep, monitor refresh) runs as its own ticker-driven goroutine, grounded
// on the teacher's pkg/scheduler single-ticker run loop generalised to N
// independently-configured tasks sharing one stop signal.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/fabric/pkg/log"
	"github.com/rs/zerolog"
)

// Task is one named periodic job with its own tick interval.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler drives a set of independent ticker loops, each calling its
// Task's Run function at its own cadence (spec §5 "several cooperative
// tasks run in parallel over an event loop").
type Scheduler struct {
	tasks  []Task
	logger zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler for the given tasks. Tasks with a zero interval
// are ignored (disabled).
func New(tasks ...Task) *Scheduler {
	return &Scheduler{
		tasks:  tasks,
		logger: log.WithComponent("scheduler"),
	}
}

// Start launches one goroutine per enabled task.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, t := range s.tasks {
		if t.Interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.runTask(t)
	}
}

// Stop halts every task loop and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	cancel := s.cancel
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) runTask(t Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRun(t)
		case <-s.stopCh:
			return
		}
	}
}

// safeRun invokes a task's Run function, recovering from panics so one
// misbehaving task never takes down the others (spec §7 "Driver-level
// errors on one container never abort a tick").
func (s *Scheduler) safeRun(t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("task", t.Name).Interface("panic", r).Msg("task panicked, continuing schedule")
		}
	}()
	t.Run(s.ctx)
}
