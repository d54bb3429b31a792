package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/adapters/repository/memory"
	"fleetd/internal/core/domain"
)

func newTestSweeper(store *memory.Store, clock *fakeClock) *Sweeper {
	s := NewSweeper(store, store, nil, 30*time.Second, 10*time.Second)
	s.now = clock.Now
	return s
}

func TestSweepExpiresCommandsOfSilentAgent(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestFleet(t)
	sweeper := newTestSweeper(store, clock)

	agent := register(t, svc, 2)
	_, err := svc.Heartbeat(ctx, agent.ID, "", nil)
	require.NoError(t, err)

	cmd, err := svc.Enqueue(ctx, EnqueueParams{Type: "run"})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, agent.ID, 1)
	require.NoError(t, err)

	// Inside the liveness window nothing is stuck.
	assert.Zero(t, sweeper.Sweep(ctx))

	// The agent stops heartbeating and its claim goes stale.
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, sweeper.Sweep(ctx))

	got, err := store.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusTimeout, got.Status)
	assert.Equal(t, "liveness timeout", got.ErrorMessage)

	// Capacity is back.
	a, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, a.CurrentLoad)

	// A second sweep finds nothing.
	assert.Zero(t, sweeper.Sweep(ctx))
}

func TestSweepExpiresDeadlineOnLiveAgent(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestFleet(t)
	sweeper := newTestSweeper(store, clock)

	agent := register(t, svc, 1)
	_, err := svc.Heartbeat(ctx, agent.ID, "", nil)
	require.NoError(t, err)

	cmd, err := svc.Enqueue(ctx, EnqueueParams{Type: "run", Timeout: 30 * time.Second})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, agent.ID, 1)
	require.NoError(t, err)
	_, err = svc.ReportStarted(ctx, agent.ID, cmd.ID)
	require.NoError(t, err)

	// Execution deadline passes but the agent keeps heartbeating.
	clock.Advance(45 * time.Second)
	_, err = svc.Heartbeat(ctx, agent.ID, domain.AgentStatusBusy, nil)
	require.NoError(t, err)

	require.Equal(t, 1, sweeper.Sweep(ctx))

	got, err := store.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusTimeout, got.Status)
	assert.Equal(t, "execution deadline exceeded", got.ErrorMessage)
}

func TestSweepInvokesExpiredCallback(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestFleet(t)
	sweeper := newTestSweeper(store, clock)

	var observed []string
	sweeper.Expired = func(cmd *domain.Command) {
		observed = append(observed, cmd.ID)
	}

	agent := register(t, svc, 1)
	cmd, err := svc.Enqueue(ctx, EnqueueParams{Type: "run"})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, agent.ID, 1)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	sweeper.Sweep(ctx)

	assert.Equal(t, []string{cmd.ID}, observed)
}

func TestSweepSkipsAlreadyTerminalCommands(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestFleet(t)
	sweeper := newTestSweeper(store, clock)

	agent := register(t, svc, 1)
	cmd, err := svc.Enqueue(ctx, EnqueueParams{Type: "run"})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, agent.ID, 1)
	require.NoError(t, err)
	_, err = svc.ReportStarted(ctx, agent.ID, cmd.ID)
	require.NoError(t, err)
	_, err = svc.ReportResult(ctx, agent.ID, cmd.ID, true, "done")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	assert.Zero(t, sweeper.Sweep(ctx))

	got, err := store.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusCompleted, got.Status)
	assert.Equal(t, "done", got.Result)
}
