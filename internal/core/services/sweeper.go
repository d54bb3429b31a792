package services

import (
	"context"
	"errors"
	"time"

	"fleetd/internal/core/domain"
	"fleetd/internal/core/logger"
	"fleetd/internal/core/ports"
)

// Timeout reasons surfaced in error_message. Not exceptions: timeouts are
// state transitions observers read back through the query API.
const (
	reasonLiveness = "liveness timeout"
	reasonDeadline = "execution deadline exceeded"
)

// Sweeper reclaims capacity held by crashed or stalled agents: commands in
// claimed/executing state whose owner stopped heartbeating, or whose
// execution deadline passed, transition to timeout and release their slot.
// Without it a crashed agent's claims would pin current_load forever and
// starve the fleet.
type Sweeper struct {
	agents   ports.AgentRepository
	commands ports.CommandRepository
	events   ports.EventPublisher

	livenessTimeout time.Duration
	interval        time.Duration

	// Expired, when set, observes every command the sweeper times out.
	Expired func(cmd *domain.Command)

	// Cache, when set, is consulted before a liveness expiry: an agent the
	// cache has seen recently may have heartbeated against another instance
	// whose store write has not landed yet.
	Cache ports.StatusCache

	now func() time.Time
}

func NewSweeper(
	agents ports.AgentRepository,
	commands ports.CommandRepository,
	events ports.EventPublisher,
	livenessTimeout, interval time.Duration,
) *Sweeper {
	return &Sweeper{
		agents:          agents,
		commands:        commands,
		events:          events,
		livenessTimeout: livenessTimeout,
		interval:        interval,
		now:             time.Now,
	}
}

// Run loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info("sweeper started", "interval", s.interval, "liveness_timeout", s.livenessTimeout)
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. It is idempotent and safe to run concurrently with
// ReportResult: whoever lands the terminal transition first wins, the other
// side observes ErrTerminalState and moves on.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.now()
	stuck, err := s.commands.ListExpirable(ctx, now, s.livenessTimeout)
	if err != nil {
		logger.Error("sweeper failed to list stuck commands", "error", err)
		return 0
	}

	expired := 0
	for _, cmd := range stuck {
		reason := reasonLiveness
		if deadline, ok := cmd.Deadline(); ok && now.After(deadline) {
			if agent, err := s.agents.GetAgent(ctx, cmd.AgentID); err == nil && agent.IsOnline(now, s.livenessTimeout) {
				reason = reasonDeadline
			}
		}

		if reason == reasonLiveness && s.Cache != nil {
			if seen, err := s.Cache.RecentlySeen(ctx, cmd.AgentID); err == nil && seen {
				logger.Debug("skipping liveness expiry, agent recently seen",
					"command_id", cmd.ID, "agent_id", cmd.AgentID)
				continue
			}
		}

		timedOut, err := s.commands.Expire(ctx, cmd.ID, reason, now)
		if errors.Is(err, domain.ErrTerminalState) {
			// Lost the race against a late ReportResult or a concurrent
			// sweep; the command already reached a terminal state.
			continue
		}
		if err != nil {
			logger.Error("sweeper failed to expire command", "command_id", cmd.ID, "error", err)
			continue
		}

		expired++
		logger.Warn("command timed out", "command_id", cmd.ID, "agent_id", cmd.AgentID, "reason", reason)
		if s.Expired != nil {
			s.Expired(timedOut)
		}
		if s.events != nil {
			event := domain.FleetEvent{
				Type:      domain.EventCommandUpdate,
				AgentID:   cmd.AgentID,
				CommandID: cmd.ID,
				Status:    string(domain.CommandStatusTimeout),
				At:        now,
			}
			if err := s.events.Publish(ctx, event); err != nil {
				logger.Warn("sweeper failed to publish timeout event", "command_id", cmd.ID, "error", err)
			}
		}
	}
	return expired
}
