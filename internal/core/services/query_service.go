package services

import (
	"context"
	"time"

	"fleetd/internal/core/domain"
	"fleetd/internal/core/ports"
)

// QueryService is the read-only composition consumed by dashboards. It never
// mutates state and tolerates slightly stale aggregates; observers converge
// on their next poll.
type QueryService struct {
	agents   ports.AgentRepository
	commands ports.CommandRepository
	metrics  ports.MetricRepository

	livenessTimeout time.Duration
	metricWindow    int
	commandWindow   int

	now func() time.Time
}

func NewQueryService(
	agents ports.AgentRepository,
	commands ports.CommandRepository,
	metrics ports.MetricRepository,
	livenessTimeout time.Duration,
	metricWindow, commandWindow int,
) *QueryService {
	return &QueryService{
		agents:          agents,
		commands:        commands,
		metrics:         metrics,
		livenessTimeout: livenessTimeout,
		metricWindow:    metricWindow,
		commandWindow:   commandWindow,
		now:             time.Now,
	}
}

// AgentOverview is one row of the fleet list: the agent, its derived
// liveness, and its most recent resource snapshot.
type AgentOverview struct {
	*domain.Agent
	Online       bool                 `json:"is_online"`
	RecentMetric *domain.MetricSample `json:"recent_metric,omitempty"`
}

// AgentDetail backs the per-agent dashboard tabs: info, metrics, commands.
type AgentDetail struct {
	*domain.Agent
	Online   bool                   `json:"is_online"`
	Metrics  []*domain.MetricSample `json:"metrics"`
	Commands []*domain.Command      `json:"commands"`
}

func (s *QueryService) ListAgents(ctx context.Context) ([]*AgentOverview, error) {
	agents, err := s.agents.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	overviews := make([]*AgentOverview, 0, len(agents))
	for _, agent := range agents {
		latest, err := s.metrics.LatestSample(ctx, agent.ID)
		if err != nil {
			// Metric joins are best effort on the list view.
			latest = nil
		}
		overviews = append(overviews, &AgentOverview{
			Agent:        agent,
			Online:       agent.IsOnline(now, s.livenessTimeout),
			RecentMetric: latest,
		})
	}
	return overviews, nil
}

func (s *QueryService) GetAgentDetail(ctx context.Context, agentID string) (*AgentDetail, error) {
	agent, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	samples, err := s.metrics.SampleWindow(ctx, agentID, s.metricWindow)
	if err != nil {
		return nil, err
	}
	commands, err := s.commands.ListByAgent(ctx, agentID, s.commandWindow)
	if err != nil {
		return nil, err
	}

	return &AgentDetail{
		Agent:    agent,
		Online:   agent.IsOnline(s.now(), s.livenessTimeout),
		Metrics:  samples,
		Commands: commands,
	}, nil
}

func (s *QueryService) GetCommand(ctx context.Context, commandID string) (*domain.Command, error) {
	return s.commands.GetCommand(ctx, commandID)
}
