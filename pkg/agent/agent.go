// Package agent implements the Agent Registry (spec §4.4, §3.6): tracking
// remote crafters, workers, aisles, and turtles by ID, heartbeat, and
// capability, and deriving health from liveness.
package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/fabric/pkg/ferrors"
	"github.com/cuemby/fabric/pkg/log"
	"github.com/cuemby/fabric/pkg/metrics"
	"github.com/rs/zerolog"
)

// Kind is the remote agent kind (spec §3.6).
type Kind string

const (
	KindCrafter Kind = "crafter"
	KindWorker  Kind = "worker"
	KindAisle   Kind = "aisle"
	KindTurtle  Kind = "turtle"
)

// Status is the agent's self-reported work status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Health is the derived liveness bucket (spec §3.6).
type Health string

const (
	HealthOnline   Health = "online"
	HealthDegraded Health = "degraded"
	HealthOffline  Health = "offline"
)

// Agent is one tracked remote node.
type Agent struct {
	ID           string
	Kind         Kind
	Label        string
	Capabilities map[string]struct{}
	Status       Status
	LastSeen     time.Time
	CurrentJob   string
	Stats        map[string]any
}

// HasCapability reports whether the agent claims the given capability.
func (a *Agent) HasCapability(cap string) bool {
	if cap == "" {
		return true
	}
	_, ok := a.Capabilities[cap]
	return ok
}

// Thresholds controls the online/degraded/offline boundaries (spec §3.6,
// default 30s/120s).
type Thresholds struct {
	Degraded time.Duration
	Offline  time.Duration
}

// DefaultThresholds returns the spec's default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Degraded: 30 * time.Second, Offline: 120 * time.Second}
}

// StatusChange is emitted by the health sweep whenever an agent's computed
// health changes (spec §4.4, the agent_status_change event).
type StatusChange struct {
	AgentID   string
	NewHealth Health
	OldHealth Health
}

// Registry tracks all known agents.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]*Agent
	thresholds Thresholds
	lastHealth map[string]Health
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates an empty Registry using the given thresholds.
func New(thresholds Thresholds) *Registry {
	return &Registry{
		agents:     make(map[string]*Agent),
		thresholds: thresholds,
		lastHealth: make(map[string]Health),
		logger:     log.WithComponent("agent-registry"),
		now:        time.Now,
	}
}

// Register explicitly registers (or re-registers) an agent. Capabilities
// default to empty, per spec §4.4/§9 — the dispatcher will not send a
// typed request to an agent that never claimed a capability.
func (r *Registry) Register(id string, kind Kind, label string, capabilities []string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}

	a, ok := r.agents[id]
	if !ok {
		a = &Agent{ID: id, Stats: make(map[string]any)}
		r.agents[id] = a
	}
	a.Kind = kind
	if label != "" {
		a.Label = label
	}
	a.Capabilities = caps
	if a.Status == "" {
		a.Status = StatusIdle
	}
	a.LastSeen = r.now()
	return a
}

// Heartbeat records liveness from id, auto-registering it with empty
// capabilities if unknown (spec §4.4 "Auto-registration").
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		a = &Agent{ID: id, Status: StatusIdle, Capabilities: map[string]struct{}{}, Stats: make(map[string]any)}
		r.agents[id] = a
		r.logger.Debug().Str("agent_id", id).Msg("auto-registered agent on first heartbeat")
	}
	a.LastSeen = r.now()
}

// UpdateStatus records a STATUS/PING update from an agent.
func (r *Registry) UpdateStatus(id string, status Status, currentJob string, stats map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return ferrors.New(ferrors.AgentNotFound, id)
	}
	a.Status = status
	a.CurrentJob = currentJob
	a.LastSeen = r.now()
	if stats != nil {
		a.Stats = stats
	}
	return nil
}

// Remove deregisters an agent (operator action; agents are otherwise never
// forgotten, per spec §3.8).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
	delete(r.lastHealth, id)
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// GetAll returns all agents ordered by ascending ID.
func (r *Registry) GetAll() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Health computes the liveness bucket for an agent from its LastSeen age.
func (r *Registry) Health(id string) (Health, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return "", ferrors.New(ferrors.AgentNotFound, id)
	}
	return r.healthFor(a), nil
}

func (r *Registry) healthFor(a *Agent) Health {
	age := r.now().Sub(a.LastSeen)
	switch {
	case age < r.thresholds.Degraded:
		return HealthOnline
	case age < r.thresholds.Offline:
		return HealthDegraded
	default:
		return HealthOffline
	}
}

// GetIdle returns the first agent (ascending ID) that is idle, not
// offline, and claims the given capability (empty capability matches any
// agent), per spec §4.4 "Idle selection".
func (r *Registry) GetIdle(capability string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		a := r.agents[id]
		if a.Status != StatusIdle {
			continue
		}
		if r.healthFor(a) == HealthOffline {
			continue
		}
		if !a.HasCapability(capability) {
			continue
		}
		return *a, true
	}
	return Agent{}, false
}

// SweepHealth recomputes health for every agent and returns the set of
// agents whose health changed since the last sweep (spec §4.4 "Health
// sweep"), updating metrics as a side effect.
func (r *Registry) SweepHealth() []StatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []StatusChange
	counts := make(map[[2]string]int)

	for id, a := range r.agents {
		newH := r.healthFor(a)
		oldH, known := r.lastHealth[id]
		if !known {
			oldH = newH
		}
		if newH != oldH {
			changes = append(changes, StatusChange{AgentID: id, NewHealth: newH, OldHealth: oldH})
		}
		r.lastHealth[id] = newH
		counts[[2]string{string(a.Kind), string(newH)}]++
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].AgentID < changes[j].AgentID })

	for k, v := range counts {
		metrics.AgentsTotal.WithLabelValues(k[0], k[1]).Set(float64(v))
	}
	return changes
}
