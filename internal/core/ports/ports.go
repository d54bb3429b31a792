package ports

import (
	"context"
	"time"

	"fleetd/internal/core/domain"
)

type AgentRepository interface {
	CreateAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	// Heartbeat stamps last_heartbeat and stores the agent-reported status
	// hint, returning the refreshed row.
	Heartbeat(ctx context.Context, id string, at time.Time, status domain.AgentStatus) (*domain.Agent, error)
	// Remove deletes the agent. Without force it fails with
	// ErrAgentHasActiveCommands while current_load > 0; with force it also
	// fails the agent's active commands and returns them.
	RemoveAgent(ctx context.Context, id string, force bool, at time.Time) ([]*domain.Command, error)
}

type CommandRepository interface {
	CreateCommand(ctx context.Context, cmd *domain.Command) error
	GetCommand(ctx context.Context, id string) (*domain.Command, error)
	// ListByAgent returns the agent's commands newest first, bounded by limit.
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*domain.Command, error)
	// CountClaimable counts pending commands the given agent is eligible for.
	CountClaimable(ctx context.Context, agent *domain.Agent) (int64, error)
	// Claim atomically assigns up to max pending commands to the agent:
	// FIFO by created_at (command id breaks ties), capability-matched,
	// bounded by the agent's remaining capacity, bumping current_load by the
	// claimed count in the same transaction. A command claimed here is never
	// visible to a concurrent Claim from another agent.
	Claim(ctx context.Context, agentID string, max int, at time.Time) ([]*domain.Command, error)
	// MarkStarted transitions claimed → executing for a command owned by the
	// agent.
	MarkStarted(ctx context.Context, agentID, commandID string, at time.Time) (*domain.Command, error)
	// Complete transitions executing → completed/failed, releasing the
	// agent's capacity and bumping its counters. Returns ErrTerminalState
	// when a sweeper or force-delete already finished the command.
	Complete(ctx context.Context, agentID, commandID string, success bool, resultOrError string, at time.Time) (*domain.Command, error)
	// Expire transitions claimed/executing → timeout and releases the owning
	// agent's capacity. Expiring an already-terminal command returns
	// ErrTerminalState.
	Expire(ctx context.Context, commandID, reason string, at time.Time) (*domain.Command, error)
	// ListExpirable returns claimed/executing commands whose owning agent
	// has gone offline or whose execution deadline has passed.
	ListExpirable(ctx context.Context, now time.Time, livenessTimeout time.Duration) ([]*domain.Command, error)
}

type MetricRepository interface {
	AppendSample(ctx context.Context, sample *domain.MetricSample) error
	// LatestSample returns the newest sample for the agent, or nil when none exist.
	LatestSample(ctx context.Context, agentID string) (*domain.MetricSample, error)
	// SampleWindow returns up to limit samples for the agent, newest first.
	SampleWindow(ctx context.Context, agentID string, limit int) ([]*domain.MetricSample, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event domain.FleetEvent) error
}

type EventSubscriber interface {
	Subscribe(ctx context.Context) (<-chan domain.FleetEvent, error)
}

// StatusCache is an advisory recently-seen cache keyed by agent id. Liveness
// correctness always derives from the stored last_heartbeat; the cache only
// lets co-located services answer cheaply.
type StatusCache interface {
	MarkSeen(ctx context.Context, agentID string, ttl time.Duration) error
	RecentlySeen(ctx context.Context, agentID string) (bool, error)
	Forget(ctx context.Context, agentID string) error
}
