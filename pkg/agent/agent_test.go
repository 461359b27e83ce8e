package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(start time.Time) (*Registry, *time.Time) {
	now := start
	r := New(DefaultThresholds())
	r.now = func() time.Time { return now }
	return r, &now
}

// §8 "Agent health" / §8 scenario 5: health transitions online -> degraded
// -> offline at exactly the configured thresholds, and agent_status_change
// fires exactly on transitions.
func TestHealthTransitionsAtConfiguredThresholds(t *testing.T) {
	start := time.Unix(0, 0)
	r, now := newTestRegistry(start)

	r.Heartbeat("agent-7")
	h, err := r.Health("agent-7")
	require.NoError(t, err)
	assert.Equal(t, HealthOnline, h)

	*now = start.Add(10 * time.Second)
	h, _ = r.Health("agent-7")
	assert.Equal(t, HealthOnline, h)

	*now = start.Add(30 * time.Second)
	h, _ = r.Health("agent-7")
	assert.Equal(t, HealthDegraded, h)

	*now = start.Add(119 * time.Second)
	h, _ = r.Health("agent-7")
	assert.Equal(t, HealthDegraded, h)

	*now = start.Add(120 * time.Second)
	h, _ = r.Health("agent-7")
	assert.Equal(t, HealthOffline, h)
}

// §8 scenario 5 exactly: STATUS at t=0,10s; silence through t=60s; PONG at
// t=90s. Expect agent_status_change(7, degraded, online) at t=30s and
// agent_status_change(7, online, degraded) at t=90s, never offline.
func TestSweepHealthEmitsChangesOnlyOnTransition(t *testing.T) {
	start := time.Unix(0, 0)
	r, now := newTestRegistry(start)

	r.Heartbeat("7")
	assert.Empty(t, r.SweepHealth()) // first sweep establishes baseline, no prior to compare

	*now = start.Add(10 * time.Second)
	r.Heartbeat("7")
	assert.Empty(t, r.SweepHealth())

	*now = start.Add(30 * time.Second)
	changes := r.SweepHealth()
	require.Len(t, changes, 1)
	assert.Equal(t, StatusChange{AgentID: "7", NewHealth: HealthDegraded, OldHealth: HealthOnline}, changes[0])

	*now = start.Add(60 * time.Second)
	assert.Empty(t, r.SweepHealth()) // still degraded, no heartbeat yet

	*now = start.Add(90 * time.Second)
	r.Heartbeat("7")
	changes = r.SweepHealth()
	require.Len(t, changes, 1)
	assert.Equal(t, StatusChange{AgentID: "7", NewHealth: HealthOnline, OldHealth: HealthDegraded}, changes[0])
}

// §4.4 "Auto-registration": a heartbeat from an unknown id registers it
// with empty capabilities.
func TestHeartbeatAutoRegistersWithEmptyCapabilities(t *testing.T) {
	r := New(DefaultThresholds())
	r.Heartbeat("unknown-1")

	a, ok := r.Get("unknown-1")
	require.True(t, ok)
	assert.Empty(t, a.Capabilities)
	assert.Equal(t, StatusIdle, a.Status)
}

// §4.4 "Idle selection": ascending id order, filtered by capability and
// health, skipping offline agents.
func TestGetIdleSelectsAscendingIDWithCapabilityAndHealth(t *testing.T) {
	r := New(DefaultThresholds())
	r.Register("b", KindCrafter, "", []string{"stick"})
	r.Register("a", KindCrafter, "", nil) // idle but lacks capability
	r.Register("c", KindCrafter, "", []string{"stick"})

	a, ok := r.GetIdle("stick")
	require.True(t, ok)
	assert.Equal(t, "b", a.ID)
}

func TestGetIdleSkipsNonIdleAndOfflineAgents(t *testing.T) {
	start := time.Unix(0, 0)
	r, now := newTestRegistry(start)
	r.Register("a", KindCrafter, "", nil)
	r.UpdateStatus("a", StatusBusy, "", nil)
	r.Register("b", KindCrafter, "", nil)

	*now = start.Add(200 * time.Second) // b goes offline without a fresh heartbeat
	_, ok := r.GetIdle("")
	assert.False(t, ok)
}
