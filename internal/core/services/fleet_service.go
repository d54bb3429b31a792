package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleetd/internal/core/circuitbreaker"
	"fleetd/internal/core/domain"
	"fleetd/internal/core/logger"
	"fleetd/internal/core/ports"
	"fleetd/internal/core/tracing"
)

// FleetService is the registration & heartbeat surface: the only writer of
// agent and command state. Dispatch (FIFO, capability-matched, capacity
// bounded) lives in the repository's Claim so it shares one transaction with
// the load accounting.
type FleetService struct {
	agents   ports.AgentRepository
	commands ports.CommandRepository
	metrics  ports.MetricRepository
	events   ports.EventPublisher
	cache    ports.StatusCache

	breaker *circuitbreaker.CircuitBreaker

	livenessTimeout time.Duration
	commandTimeout  time.Duration

	now func() time.Time
}

type FleetOption func(*FleetService)

// WithStatusCache attaches the advisory recently-seen cache.
func WithStatusCache(cache ports.StatusCache) FleetOption {
	return func(s *FleetService) { s.cache = cache }
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) FleetOption {
	return func(s *FleetService) { s.now = now }
}

func NewFleetService(
	agents ports.AgentRepository,
	commands ports.CommandRepository,
	metrics ports.MetricRepository,
	events ports.EventPublisher,
	livenessTimeout time.Duration,
	commandTimeout time.Duration,
	opts ...FleetOption,
) *FleetService {
	s := &FleetService{
		agents:          agents,
		commands:        commands,
		metrics:         metrics,
		events:          events,
		breaker:         circuitbreaker.New("fleet-events"),
		livenessTimeout: livenessTimeout,
		commandTimeout:  commandTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type RegisterParams struct {
	Hostname       string
	Platform       string
	Version        string
	Capabilities   []string
	MaxConcurrency int
}

func (s *FleetService) Register(ctx context.Context, params RegisterParams) (*domain.Agent, error) {
	if tag, ok := domain.Capabilities(params.Capabilities).Validate(); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidCapability, tag)
	}
	if params.MaxConcurrency < 1 {
		params.MaxConcurrency = 1
	}

	now := s.now()
	agent := &domain.Agent{
		ID:             uuid.New().String(),
		Hostname:       params.Hostname,
		Platform:       params.Platform,
		Version:        params.Version,
		Capabilities:   params.Capabilities,
		MaxConcurrency: params.MaxConcurrency,
		CurrentLoad:    0,
		Status:         domain.AgentStatusIdle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.agents.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "agent registered",
		"agent_id", agent.ID, "hostname", agent.Hostname,
		"platform", agent.Platform, "max_concurrency", agent.MaxConcurrency)
	s.publish(ctx, domain.FleetEvent{
		Type:    domain.EventAgentRegistered,
		AgentID: agent.ID,
		Status:  string(agent.Status),
		At:      now,
	})
	return agent, nil
}

// HeartbeatMetrics is the optional resource snapshot carried by a heartbeat.
// All fields are nullable; absent values stay absent in the stored sample.
type HeartbeatMetrics struct {
	CPUPercent    *float64 `json:"cpu_percent,omitempty"`
	MemoryUsedMB  *float64 `json:"memory_used_mb,omitempty"`
	MemoryTotalMB *float64 `json:"memory_total_mb,omitempty"`
	DiskUsedGB    *float64 `json:"disk_used_gb,omitempty"`
}

// Heartbeat stamps liveness for the agent and appends a metric sample when
// one was reported. It returns the number of pending commands the agent
// could claim right now, so idle agents know whether polling is worth it.
func (s *FleetService) Heartbeat(ctx context.Context, agentID string, statusHint domain.AgentStatus, metrics *HeartbeatMetrics) (int64, error) {
	switch statusHint {
	case "", domain.AgentStatusIdle, domain.AgentStatusBusy, domain.AgentStatusError:
	default:
		return 0, fmt.Errorf("unrecognized status hint %q", statusHint)
	}

	now := s.now()
	agent, err := s.agents.Heartbeat(ctx, agentID, now, statusHint)
	if err != nil {
		return 0, err
	}

	if metrics != nil {
		sample := &domain.MetricSample{
			AgentID:       agentID,
			Timestamp:     now,
			CPUPercent:    metrics.CPUPercent,
			MemoryUsedMB:  metrics.MemoryUsedMB,
			MemoryTotalMB: metrics.MemoryTotalMB,
			DiskUsedGB:    metrics.DiskUsedGB,
		}
		if err := s.metrics.AppendSample(ctx, sample); err != nil {
			// Liveness already landed; a lost sample is not worth failing
			// the heartbeat over.
			logger.WarnContext(ctx, "failed to append metric sample", "agent_id", agentID, "error", err)
		}
	}

	if s.cache != nil {
		if err := s.cache.MarkSeen(ctx, agentID, s.livenessTimeout); err != nil {
			logger.WarnContext(ctx, "status cache update failed", "agent_id", agentID, "error", err)
		}
	}

	claimable, err := s.commands.CountClaimable(ctx, agent)
	if err != nil {
		return 0, err
	}

	s.publish(ctx, domain.FleetEvent{
		Type:    domain.EventAgentUpdate,
		AgentID: agentID,
		Status:  string(agent.Status),
		At:      now,
	})
	return claimable, nil
}

// Claim hands the agent up to maxToClaim pending commands. An empty result
// is normal operation, not an error: it is what the loser of a claim race
// sees.
func (s *FleetService) Claim(ctx context.Context, agentID string, maxToClaim int) ([]*domain.Command, error) {
	ctx, span := tracing.StartSpan(ctx, "fleet.claim")
	defer span.End()

	if maxToClaim <= 0 {
		return nil, nil
	}

	now := s.now()
	claimed, err := s.commands.Claim(ctx, agentID, maxToClaim, now)
	if err != nil {
		return nil, err
	}

	for _, cmd := range claimed {
		logger.InfoContext(ctx, "command claimed", "command_id", cmd.ID, "agent_id", agentID)
		s.publish(ctx, domain.FleetEvent{
			Type:      domain.EventCommandUpdate,
			AgentID:   agentID,
			CommandID: cmd.ID,
			Status:    string(cmd.Status),
			At:        now,
		})
	}
	return claimed, nil
}

func (s *FleetService) ReportStarted(ctx context.Context, agentID, commandID string) (*domain.Command, error) {
	now := s.now()
	cmd, err := s.commands.MarkStarted(ctx, agentID, commandID, now)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, domain.FleetEvent{
		Type:      domain.EventCommandUpdate,
		AgentID:   agentID,
		CommandID: commandID,
		Status:    string(cmd.Status),
		At:        now,
	})
	return cmd, nil
}

// ReportResult finishes an executing command. A result arriving after the
// sweeper already expired the command is discarded with a logged conflict:
// the first terminal transition wins and the agent is not punished for
// having raced it.
func (s *FleetService) ReportResult(ctx context.Context, agentID, commandID string, success bool, resultOrError string) (*domain.Command, error) {
	ctx, span := tracing.StartSpan(ctx, "fleet.report_result")
	defer span.End()

	now := s.now()
	cmd, err := s.commands.Complete(ctx, agentID, commandID, success, resultOrError, now)
	if errors.Is(err, domain.ErrTerminalState) {
		if cmd != nil && cmd.AgentID == agentID {
			logger.WarnContext(ctx, "late result discarded, command already terminal",
				"command_id", commandID, "agent_id", agentID, "status", cmd.Status)
			return cmd, nil
		}
		return nil, domain.ErrInvalidTransition
	}
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "command finished",
		"command_id", commandID, "agent_id", agentID, "status", cmd.Status)
	s.publish(ctx, domain.FleetEvent{
		Type:      domain.EventCommandUpdate,
		AgentID:   agentID,
		CommandID: commandID,
		Status:    string(cmd.Status),
		At:        now,
	})
	return cmd, nil
}

// Delete removes an agent from the fleet. Without force it refuses while the
// agent still owns active commands; with force those commands fail with
// "agent removed".
func (s *FleetService) Delete(ctx context.Context, agentID string, force bool) error {
	now := s.now()
	failed, err := s.agents.RemoveAgent(ctx, agentID, force, now)
	if err != nil {
		return err
	}

	if s.cache != nil {
		if err := s.cache.Forget(ctx, agentID); err != nil {
			logger.WarnContext(ctx, "status cache forget failed", "agent_id", agentID, "error", err)
		}
	}

	logger.InfoContext(ctx, "agent deleted", "agent_id", agentID, "force", force, "failed_commands", len(failed))
	for _, cmd := range failed {
		s.publish(ctx, domain.FleetEvent{
			Type:      domain.EventCommandUpdate,
			AgentID:   agentID,
			CommandID: cmd.ID,
			Status:    string(cmd.Status),
			At:        now,
		})
	}
	s.publish(ctx, domain.FleetEvent{
		Type:    domain.EventAgentDeleted,
		AgentID: agentID,
		At:      now,
	})
	return nil
}

type EnqueueParams struct {
	Type               string
	Payload            string
	RequiredCapability string
	Timeout            time.Duration
}

// Enqueue creates a pending command in the dispatch pool.
func (s *FleetService) Enqueue(ctx context.Context, params EnqueueParams) (*domain.Command, error) {
	if params.RequiredCapability != "" && !domain.ValidCapability(params.RequiredCapability) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidCapability, params.RequiredCapability)
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = s.commandTimeout
	}

	now := s.now()
	cmd := &domain.Command{
		ID:                 uuid.New().String(),
		Type:               params.Type,
		RequiredCapability: params.RequiredCapability,
		Payload:            params.Payload,
		Status:             domain.CommandStatusPending,
		TimeoutSec:         int(timeout / time.Second),
		CreatedAt:          now,
	}
	if err := s.commands.CreateCommand(ctx, cmd); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "command enqueued", "command_id", cmd.ID, "type", cmd.Type,
		"required_capability", cmd.RequiredCapability)
	s.publish(ctx, domain.FleetEvent{
		Type:      domain.EventCommandCreated,
		CommandID: cmd.ID,
		Status:    string(cmd.Status),
		At:        now,
	})
	return cmd, nil
}

// publish pushes an event through the breaker; a down event bus degrades to
// dropped notifications, never to failed fleet operations.
func (s *FleetService) publish(ctx context.Context, event domain.FleetEvent) {
	if s.events == nil {
		return
	}
	err := s.breaker.Execute(ctx, func() error {
		return s.events.Publish(ctx, event)
	})
	if err != nil && !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		logger.WarnContext(ctx, "failed to publish fleet event", "type", event.Type, "error", err)
	}
}
