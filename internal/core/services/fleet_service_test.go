package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetd/internal/adapters/repository/memory"
	"fleetd/internal/core/domain"
)

// fakeClock is a settable clock shared by a service and its test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestFleet(t *testing.T) (*FleetService, *memory.Store, *fakeClock) {
	t.Helper()
	store := memory.NewStore()
	clock := newFakeClock()
	svc := NewFleetService(store, store, store, nil, 30*time.Second, 15*time.Minute,
		WithClock(clock.Now))
	return svc, store, clock
}

func register(t *testing.T, svc *FleetService, maxConcurrency int, caps ...string) *domain.Agent {
	t.Helper()
	agent, err := svc.Register(context.Background(), RegisterParams{
		Hostname:       "host-1",
		Platform:       domain.PlatformLinux,
		Version:        "0.1.0",
		Capabilities:   caps,
		MaxConcurrency: maxConcurrency,
	})
	require.NoError(t, err)
	return agent
}

func TestRegisterRejectsUnknownCapability(t *testing.T) {
	svc, _, _ := newTestFleet(t)

	_, err := svc.Register(context.Background(), RegisterParams{
		Hostname:     "host-1",
		Platform:     domain.PlatformLinux,
		Capabilities: []string{"quantum"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCapability)
}

func TestRegisterClampsConcurrency(t *testing.T) {
	svc, _, _ := newTestFleet(t)

	agent := register(t, svc, 0)
	assert.Equal(t, 1, agent.MaxConcurrency)
	assert.Equal(t, domain.AgentStatusIdle, agent.Status)
	assert.NotEmpty(t, agent.ID)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	svc, _, _ := newTestFleet(t)

	_, err := svc.Heartbeat(context.Background(), "nope", "", nil)
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)
}

func TestHeartbeatReportsClaimable(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestFleet(t)

	agent := register(t, svc, 2, domain.CapabilityWorker)

	claimable, err := svc.Heartbeat(ctx, agent.ID, domain.AgentStatusIdle, nil)
	require.NoError(t, err)
	assert.Zero(t, claimable)

	_, err = svc.Enqueue(ctx, EnqueueParams{Type: "run"})
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, EnqueueParams{Type: "train", RequiredCapability: domain.CapabilityGPU})
	require.NoError(t, err)

	// Only the capability-free command is claimable by a worker-only agent.
	claimable, err = svc.Heartbeat(ctx, agent.ID, domain.AgentStatusIdle, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), claimable)
}

func TestHeartbeatStoresMetricSample(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestFleet(t)

	agent := register(t, svc, 1)

	cpu := 42.5
	_, err := svc.Heartbeat(ctx, agent.ID, "", &HeartbeatMetrics{CPUPercent: &cpu})
	require.NoError(t, err)

	sample, err := store.LatestSample(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, sample)
	require.NotNil(t, sample.CPUPercent)
	assert.Equal(t, cpu, *sample.CPUPercent)
	assert.Nil(t, sample.DiskUsedGB)
}

func TestClaimHonorsConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestFleet(t)

	agent := register(t, svc, 2)
	for i := 0; i < 5; i++ {
		_, err := svc.Enqueue(ctx, EnqueueParams{Type: "run"})
		require.NoError(t, err)
	}

	claimed, err := svc.Claim(ctx, agent.ID, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	// No capacity left; the next claim is empty, not an error.
	claimed, err = svc.Claim(ctx, agent.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestConcurrentClaimsHandOutEachCommandOnce(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestFleet(t)

	const commands = 40
	for i := 0; i < commands; i++ {
		_, err := svc.Enqueue(ctx, EnqueueParams{Type: "run"})
		require.NoError(t, err)
	}

	agents := make([]*domain.Agent, 8)
	for i := range agents {
		agents[i] = register(t, svc, commands)
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for _, agent := range agents {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for {
				claimed, err := svc.Claim(ctx, id, 3)
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, cmd := range claimed {
					seen[cmd.ID]++
				}
				mu.Unlock()
			}
		}(agent.ID)
	}
	wg.Wait()

	assert.Len(t, seen, commands)
	for id, count := range seen {
		assert.Equal(t, 1, count, "command %s claimed more than once", id)
	}
}

func TestReportResultLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestFleet(t)

	agent := register(t, svc, 1)
	cmd, err := svc.Enqueue(ctx, EnqueueParams{Type: "run", Payload: `{"n":1}`})
	require.NoError(t, err)

	claimed, err := svc.Claim(ctx, agent.ID, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, cmd.ID, claimed[0].ID)

	started, err := svc.ReportStarted(ctx, agent.ID, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusExecuting, started.Status)

	done, err := svc.ReportResult(ctx, agent.ID, cmd.ID, true, `{"out":"ok"}`)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusCompleted, done.Status)
	assert.Equal(t, `{"out":"ok"}`, done.Result)

	got, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentLoad)
	assert.Equal(t, int64(1), got.TotalCommandsExecuted)
}

func TestReportResultBeforeStartedRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestFleet(t)

	agent := register(t, svc, 1)
	cmd, err := svc.Enqueue(ctx, EnqueueParams{Type: "run"})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, agent.ID, 1)
	require.NoError(t, err)

	// claimed -> completed skips executing and is rejected.
	_, err = svc.ReportResult(ctx, agent.ID, cmd.ID, true, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestLateResultAfterTimeoutIsDiscarded(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestFleet(t)

	agent := register(t, svc, 1)
	cmd, err := svc.Enqueue(ctx, EnqueueParams{Type: "run"})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, agent.ID, 1)
	require.NoError(t, err)
	_, err = svc.ReportStarted(ctx, agent.ID, cmd.ID)
	require.NoError(t, err)

	// The sweeper got there first.
	_, err = store.Expire(ctx, cmd.ID, "liveness timeout", clock.Now().Add(time.Minute))
	require.NoError(t, err)

	got, err := svc.ReportResult(ctx, agent.ID, cmd.ID, true, "too late")
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusTimeout, got.Status)
	assert.Empty(t, got.Result)
}

func TestLateResultFromWrongAgentRejected(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestFleet(t)

	agent := register(t, svc, 1)
	other := register(t, svc, 1)
	cmd, err := svc.Enqueue(ctx, EnqueueParams{Type: "run"})
	require.NoError(t, err)

	_, err = svc.Claim(ctx, agent.ID, 1)
	require.NoError(t, err)
	_, err = store.Expire(ctx, cmd.ID, "liveness timeout", clock.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = svc.ReportResult(ctx, other.ID, cmd.ID, true, "not mine")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestDeleteAgent(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestFleet(t)

	agent := register(t, svc, 1)
	cmd, err := svc.Enqueue(ctx, EnqueueParams{Type: "run"})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, agent.ID, 1)
	require.NoError(t, err)

	err = svc.Delete(ctx, agent.ID, false)
	assert.ErrorIs(t, err, domain.ErrAgentHasActiveCommands)

	require.NoError(t, svc.Delete(ctx, agent.ID, true))

	_, err = store.GetAgent(ctx, agent.ID)
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)

	got, err := store.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CommandStatusFailed, got.Status)
	assert.Equal(t, "agent removed", got.ErrorMessage)
}

func TestEnqueueValidatesCapabilityAndDefaultsTimeout(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestFleet(t)

	_, err := svc.Enqueue(ctx, EnqueueParams{Type: "run", RequiredCapability: "quantum"})
	assert.ErrorIs(t, err, domain.ErrInvalidCapability)

	cmd, err := svc.Enqueue(ctx, EnqueueParams{Type: "run"})
	require.NoError(t, err)
	assert.Equal(t, int(15*time.Minute/time.Second), cmd.TimeoutSec)
	assert.Equal(t, domain.CommandStatusPending, cmd.Status)

	cmd, err = svc.Enqueue(ctx, EnqueueParams{Type: "run", Timeout: 30 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 30, cmd.TimeoutSec)
}
