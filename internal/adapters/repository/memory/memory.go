// Package memory provides a mutex-guarded in-memory implementation of the
// fleet repositories. It backs the service in development mode (no DB_URL)
// and is the store the service tests run against. All multi-row mutations
// happen under one lock, giving the same atomicity the postgres repository
// gets from transactions.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleetd/internal/core/domain"
)

type Store struct {
	mu       sync.Mutex
	agents   map[string]*domain.Agent
	commands map[string]*domain.Command
	samples  map[string][]*domain.MetricSample
}

func NewStore() *Store {
	return &Store{
		agents:   make(map[string]*domain.Agent),
		commands: make(map[string]*domain.Command),
		samples:  make(map[string][]*domain.MetricSample),
	}
}

func cloneAgent(a *domain.Agent) *domain.Agent {
	c := *a
	return &c
}

func cloneCommand(c *domain.Command) *domain.Command {
	d := *c
	return &d
}

func cloneSample(s *domain.MetricSample) *domain.MetricSample {
	d := *s
	return &d
}

// Agent methods

func (s *Store) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, domain.ErrUnknownAgent
	}
	return cloneAgent(agent), nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make([]*domain.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, cloneAgent(agent))
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents, nil
}

func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time, status domain.AgentStatus) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, domain.ErrUnknownAgent
	}
	hb := at
	agent.LastHeartbeat = &hb
	if status != "" {
		agent.Status = status
	}
	agent.UpdatedAt = at
	return cloneAgent(agent), nil
}

func (s *Store) RemoveAgent(ctx context.Context, id string, force bool, at time.Time) ([]*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, domain.ErrUnknownAgent
	}
	if agent.CurrentLoad > 0 && !force {
		return nil, domain.ErrAgentHasActiveCommands
	}

	var failed []*domain.Command
	for _, cmd := range s.commands {
		if cmd.AgentID != id || !cmd.Active() {
			continue
		}
		done := at
		cmd.Status = domain.CommandStatusFailed
		cmd.ErrorMessage = "agent removed"
		cmd.CompletedAt = &done
		failed = append(failed, cloneCommand(cmd))
	}

	delete(s.agents, id)
	return failed, nil
}

// Command methods

func (s *Store) CreateCommand(ctx context.Context, cmd *domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands[cmd.ID] = cloneCommand(cmd)
	return nil
}

func (s *Store) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[id]
	if !ok {
		return nil, domain.ErrUnknownCommand
	}
	return cloneCommand(cmd), nil
}

func (s *Store) ListByAgent(ctx context.Context, agentID string, limit int) ([]*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cmds []*domain.Command
	for _, cmd := range s.commands {
		if cmd.AgentID == agentID {
			cmds = append(cmds, cloneCommand(cmd))
		}
	}
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].CreatedAt.Equal(cmds[j].CreatedAt) {
			return cmds[i].ID > cmds[j].ID
		}
		return cmds[i].CreatedAt.After(cmds[j].CreatedAt)
	})
	if limit > 0 && len(cmds) > limit {
		cmds = cmds[:limit]
	}
	return cmds, nil
}

func (s *Store) CountClaimable(ctx context.Context, agent *domain.Agent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, cmd := range s.commands {
		if cmd.Status == domain.CommandStatusPending && agent.Eligible(cmd.RequiredCapability) {
			count++
		}
	}
	return count, nil
}

func (s *Store) Claim(ctx context.Context, agentID string, max int, at time.Time) ([]*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return nil, domain.ErrUnknownAgent
	}

	limit := agent.RemainingCapacity()
	if max < limit {
		limit = max
	}
	if limit <= 0 {
		return nil, nil
	}

	var pending []*domain.Command
	for _, cmd := range s.commands {
		if cmd.Status == domain.CommandStatusPending && agent.Eligible(cmd.RequiredCapability) {
			pending = append(pending, cmd)
		}
	}
	// FIFO fairness; command id breaks created_at ties deterministically.
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}

	claimed := make([]*domain.Command, 0, len(pending))
	for _, cmd := range pending {
		when := at
		cmd.Status = domain.CommandStatusClaimed
		cmd.AgentID = agentID
		cmd.ClaimedAt = &when
		claimed = append(claimed, cloneCommand(cmd))
	}
	agent.CurrentLoad += len(claimed)
	agent.UpdatedAt = at
	return claimed, nil
}

func (s *Store) MarkStarted(ctx context.Context, agentID, commandID string, at time.Time) (*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[commandID]
	if !ok {
		return nil, domain.ErrUnknownCommand
	}
	if cmd.AgentID != agentID || cmd.Status != domain.CommandStatusClaimed {
		return nil, domain.ErrInvalidTransition
	}
	when := at
	cmd.Status = domain.CommandStatusExecuting
	cmd.StartedAt = &when
	return cloneCommand(cmd), nil
}

func (s *Store) Complete(ctx context.Context, agentID, commandID string, success bool, resultOrError string, at time.Time) (*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[commandID]
	if !ok {
		return nil, domain.ErrUnknownCommand
	}
	if cmd.Status.Terminal() {
		return cloneCommand(cmd), domain.ErrTerminalState
	}
	if cmd.AgentID != agentID || cmd.Status != domain.CommandStatusExecuting {
		return nil, domain.ErrInvalidTransition
	}

	when := at
	cmd.CompletedAt = &when
	if success {
		cmd.Status = domain.CommandStatusCompleted
		cmd.Result = resultOrError
	} else {
		cmd.Status = domain.CommandStatusFailed
		cmd.ErrorMessage = resultOrError
	}

	if agent, ok := s.agents[agentID]; ok {
		if agent.CurrentLoad > 0 {
			agent.CurrentLoad--
		}
		agent.TotalCommandsExecuted++
		if !success {
			agent.TotalErrors++
		}
		agent.UpdatedAt = at
	}
	return cloneCommand(cmd), nil
}

func (s *Store) Expire(ctx context.Context, commandID, reason string, at time.Time) (*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[commandID]
	if !ok {
		return nil, domain.ErrUnknownCommand
	}
	if cmd.Status.Terminal() {
		return cloneCommand(cmd), domain.ErrTerminalState
	}
	if !cmd.Active() {
		return nil, domain.ErrInvalidTransition
	}

	when := at
	cmd.Status = domain.CommandStatusTimeout
	cmd.ErrorMessage = reason
	cmd.CompletedAt = &when

	if agent, ok := s.agents[cmd.AgentID]; ok && agent.CurrentLoad > 0 {
		agent.CurrentLoad--
		agent.UpdatedAt = at
	}
	return cloneCommand(cmd), nil
}

func (s *Store) ListExpirable(ctx context.Context, now time.Time, livenessTimeout time.Duration) ([]*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []*domain.Command
	for _, cmd := range s.commands {
		if !cmd.Active() {
			continue
		}
		agent, ok := s.agents[cmd.AgentID]
		if !ok || !agent.IsOnline(now, livenessTimeout) {
			stuck = append(stuck, cloneCommand(cmd))
			continue
		}
		if deadline, ok := cmd.Deadline(); ok && now.After(deadline) {
			stuck = append(stuck, cloneCommand(cmd))
		}
	}
	return stuck, nil
}

// Metric methods

func (s *Store) AppendSample(ctx context.Context, sample *domain.MetricSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples[sample.AgentID] = append(s.samples[sample.AgentID], cloneSample(sample))
	return nil
}

func (s *Store) LatestSample(ctx context.Context, agentID string) (*domain.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := s.samples[agentID]
	if len(samples) == 0 {
		return nil, nil
	}
	return cloneSample(samples[len(samples)-1]), nil
}

func (s *Store) SampleWindow(ctx context.Context, agentID string, limit int) ([]*domain.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := s.samples[agentID]
	if limit <= 0 || limit > len(samples) {
		limit = len(samples)
	}
	out := make([]*domain.MetricSample, 0, limit)
	for i := len(samples) - 1; i >= len(samples)-limit; i-- {
		out = append(out, cloneSample(samples[i]))
	}
	return out, nil
}
