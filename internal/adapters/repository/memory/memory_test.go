package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/core/domain"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newAgent(id string, max int, caps ...string) *domain.Agent {
	hb := base
	return &domain.Agent{
		ID:             id,
		Hostname:       id + ".local",
		Platform:       domain.PlatformLinux,
		Capabilities:   caps,
		MaxConcurrency: max,
		Status:         domain.AgentStatusIdle,
		LastHeartbeat:  &hb,
		CreatedAt:      base,
	}
}

func newCommand(id string, createdAt time.Time, requiredCapability string) *domain.Command {
	return &domain.Command{
		ID:                 id,
		Type:               "run",
		RequiredCapability: requiredCapability,
		Status:             domain.CommandStatusPending,
		TimeoutSec:         60,
		CreatedAt:          createdAt,
	}
}

func TestClaimFIFOOrder(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.CreateAgent(ctx, newAgent("a1", 10)))

	// Created out of insertion order on purpose.
	require.NoError(t, store.CreateCommand(ctx, newCommand("c3", base.Add(3*time.Second), "")))
	require.NoError(t, store.CreateCommand(ctx, newCommand("c1", base.Add(1*time.Second), "")))
	require.NoError(t, store.CreateCommand(ctx, newCommand("c2", base.Add(2*time.Second), "")))

	claimed, err := store.Claim(ctx, "a1", 3, base.Add(10*time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, "c1", claimed[0].ID)
	assert.Equal(t, "c2", claimed[1].ID)
	assert.Equal(t, "c3", claimed[2].ID)
}

func TestClaimTieBreakOnID(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.CreateAgent(ctx, newAgent("a1", 10)))
	require.NoError(t, store.CreateCommand(ctx, newCommand("cb", base, "")))
	require.NoError(t, store.CreateCommand(ctx, newCommand("ca", base, "")))

	claimed, err := store.Claim(ctx, "a1", 2, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "ca", claimed[0].ID)
	assert.Equal(t, "cb", claimed[1].ID)
}

func TestClaimRespectsCapacityAndCapabilities(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	agent := newAgent("a1", 2, domain.CapabilityWorker)
	require.NoError(t, store.CreateAgent(ctx, agent))

	require.NoError(t, store.CreateCommand(ctx, newCommand("c1", base.Add(1*time.Second), "")))
	require.NoError(t, store.CreateCommand(ctx, newCommand("c2", base.Add(2*time.Second), domain.CapabilityGPU)))
	require.NoError(t, store.CreateCommand(ctx, newCommand("c3", base.Add(3*time.Second), domain.CapabilityWorker)))
	require.NoError(t, store.CreateCommand(ctx, newCommand("c4", base.Add(4*time.Second), "")))

	claimed, err := store.Claim(ctx, "a1", 10, base.Add(10*time.Second))
	require.NoError(t, err)

	// c2 needs gpu which the agent lacks; capacity caps the rest at 2.
	require.Len(t, claimed, 2)
	assert.Equal(t, "c1", claimed[0].ID)
	assert.Equal(t, "c3", claimed[1].ID)

	got, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentLoad)

	// At capacity; another claim hands out nothing.
	claimed, err = store.Claim(ctx, "a1", 10, base.Add(11*time.Second))
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimUnknownAgent(t *testing.T) {
	store := NewStore()
	_, err := store.Claim(context.Background(), "nope", 1, base)
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)
}

func TestCompleteLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.CreateAgent(ctx, newAgent("a1", 1)))
	require.NoError(t, store.CreateCommand(ctx, newCommand("c1", base, "")))

	claimed, err := store.Claim(ctx, "a1", 1, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	started, err := store.MarkStarted(ctx, "a1", "c1", base.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusExecuting, started.Status)
	require.NotNil(t, started.StartedAt)

	done, err := store.Complete(ctx, "a1", "c1", true, `{"ok":true}`, base.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusCompleted, done.Status)
	assert.Equal(t, `{"ok":true}`, done.Result)

	agent, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.CurrentLoad)
	assert.Equal(t, int64(1), agent.TotalCommandsExecuted)
	assert.Equal(t, int64(0), agent.TotalErrors)
}

func TestCompleteFailureCountsError(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.CreateAgent(ctx, newAgent("a1", 1)))
	require.NoError(t, store.CreateCommand(ctx, newCommand("c1", base, "")))

	_, err := store.Claim(ctx, "a1", 1, base.Add(time.Second))
	require.NoError(t, err)
	_, err = store.MarkStarted(ctx, "a1", "c1", base.Add(2*time.Second))
	require.NoError(t, err)

	done, err := store.Complete(ctx, "a1", "c1", false, "out of disk", base.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusFailed, done.Status)
	assert.Equal(t, "out of disk", done.ErrorMessage)

	agent, err := store.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agent.TotalErrors)
}

func TestCompleteRejectsWrongOwnerAndState(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.CreateAgent(ctx, newAgent("a1", 1)))
	require.NoError(t, store.CreateAgent(ctx, newAgent("a2", 1)))
	require.NoError(t, store.CreateCommand(ctx, newCommand("c1", base, "")))

	// Still pending, cannot complete.
	_, err := store.Complete(ctx, "a1", "c1", true, "", base)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = store.Claim(ctx, "a1", 1, base.Add(time.Second))
	require.NoError(t, err)
	_, err = store.MarkStarted(ctx, "a1", "c1", base.Add(2*time.Second))
	require.NoError(t, err)

	// a2 does not own c1.
	_, err = store.Complete(ctx, "a2", "c1", true, "", base.Add(3*time.Second))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestFirstTerminalWriterWins(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.CreateAgent(ctx, newAgent("a1", 1)))
	require.NoError(t, store.CreateCommand(ctx, newCommand("c1", base, "")))

	_, err := store.Claim(ctx, "a1", 1, base.Add(time.Second))
	require.NoError(t, err)
	_, err = store.MarkStarted(ctx, "a1", "c1", base.Add(2*time.Second))
	require.NoError(t, err)

	expired, err := store.Expire(ctx, "c1", "liveness timeout", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusTimeout, expired.Status)

	// The late completion observes the terminal state instead of overwriting.
	cmd, err := store.Complete(ctx, "a1", "c1", true, "done", base.Add(3*time.Minute))
	assert.ErrorIs(t, err, domain.ErrTerminalState)
	require.NotNil(t, cmd)
	assert.Equal(t, domain.CommandStatusTimeout, cmd.Status)
	assert.Empty(t, cmd.Result)

	// A second expiry is rejected the same way.
	_, err = store.Expire(ctx, "c1", "liveness timeout", base.Add(4*time.Minute))
	assert.ErrorIs(t, err, domain.ErrTerminalState)
}

func TestExpireReleasesCapacity(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.CreateAgent(ctx, newAgent("a1", 1)))
	require.NoError(t, store.CreateCommand(ctx, newCommand("c1", base, "")))

	_, err := store.Claim(ctx, "a1", 1, base.Add(time.Second))
	require.NoError(t, err)

	agent, _ := store.GetAgent(ctx, "a1")
	require.Equal(t, 1, agent.CurrentLoad)

	_, err = store.Expire(ctx, "c1", "liveness timeout", base.Add(2*time.Minute))
	require.NoError(t, err)

	agent, _ = store.GetAgent(ctx, "a1")
	assert.Equal(t, 0, agent.CurrentLoad)
}

func TestListExpirable(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	timeout := 30 * time.Second

	// a1 heartbeats; a2 went silent.
	live := newAgent("a1", 5)
	dead := newAgent("a2", 5)
	staleHB := base.Add(-5 * time.Minute)
	dead.LastHeartbeat = &staleHB
	require.NoError(t, store.CreateAgent(ctx, live))
	require.NoError(t, store.CreateAgent(ctx, dead))

	for i, agentID := range []string{"a1", "a2"} {
		cmd := newCommand(fmt.Sprintf("c%d", i+1), base.Add(-time.Minute), "")
		require.NoError(t, store.CreateCommand(ctx, cmd))
		_, err := store.Claim(ctx, agentID, 1, base.Add(-time.Minute))
		require.NoError(t, err)
	}

	// c1 and c2 were claimed a minute ago with a 60s timeout, so both are
	// past their deadline; c3 is freshly claimed on the live agent.
	fresh := newCommand("c3", base, "")
	require.NoError(t, store.CreateCommand(ctx, fresh))
	_, err := store.Claim(ctx, "a1", 1, base)
	require.NoError(t, err)

	stuck, err := store.ListExpirable(ctx, base.Add(time.Second), timeout)
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, c := range stuck {
		ids[c.ID] = true
	}
	assert.True(t, ids["c2"], "command on offline agent should be expirable")
	assert.True(t, ids["c1"], "command past its deadline should be expirable")
	assert.False(t, ids["c3"], "fresh command on live agent should not be expirable")
}

func TestRemoveAgent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	require.NoError(t, store.CreateAgent(ctx, newAgent("a1", 2)))
	require.NoError(t, store.CreateCommand(ctx, newCommand("c1", base, "")))

	_, err := store.Claim(ctx, "a1", 1, base.Add(time.Second))
	require.NoError(t, err)

	// Refuses while commands are active.
	_, err = store.RemoveAgent(ctx, "a1", false, base.Add(2*time.Second))
	assert.ErrorIs(t, err, domain.ErrAgentHasActiveCommands)

	// Force fails the active commands and removes the agent.
	failed, err := store.RemoveAgent(ctx, "a1", true, base.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.CommandStatusFailed, failed[0].Status)
	assert.Equal(t, "agent removed", failed[0].ErrorMessage)

	_, err = store.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)
}

func TestMetricSamples(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	latest, err := store.LatestSample(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	cpu1, cpu2 := 10.0, 20.0
	require.NoError(t, store.AppendSample(ctx, &domain.MetricSample{AgentID: "a1", Timestamp: base, CPUPercent: &cpu1}))
	require.NoError(t, store.AppendSample(ctx, &domain.MetricSample{AgentID: "a1", Timestamp: base.Add(time.Minute), CPUPercent: &cpu2}))

	latest, err = store.LatestSample(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, cpu2, *latest.CPUPercent)

	window, err := store.SampleWindow(ctx, "a1", 1)
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, cpu2, *window[0].CPUPercent)
}
