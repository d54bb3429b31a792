// Package pg is the gorm-backed postgres repository. Every mutation that
// touches both a command row and its agent's load counter runs inside one
// transaction; claims take SKIP LOCKED row locks so concurrent agents never
// see each other's rows.
package pg

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleetd/internal/core/domain"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(dsn string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&domain.Agent{}, &domain.Command{}, &domain.MetricSample{}); err != nil {
		return nil, err
	}

	return &Repository{db: db}, nil
}

// DB returns the underlying gorm DB instance
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Agent methods

func (r *Repository) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	return r.db.WithContext(ctx).Create(agent).Error
}

func (r *Repository) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var agent domain.Agent
	if err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUnknownAgent
		}
		return nil, err
	}
	return &agent, nil
}

func (r *Repository) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	var agents []*domain.Agent
	if err := r.db.WithContext(ctx).Order("created_at asc").Find(&agents).Error; err != nil {
		return nil, err
	}
	return agents, nil
}

func (r *Repository) Heartbeat(ctx context.Context, id string, at time.Time, status domain.AgentStatus) (*domain.Agent, error) {
	updates := map[string]interface{}{
		"last_heartbeat": at,
		"updated_at":     at,
	}
	if status != "" {
		updates["status"] = status
	}

	res := r.db.WithContext(ctx).Model(&domain.Agent{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrUnknownAgent
	}
	return r.GetAgent(ctx, id)
}

func (r *Repository) RemoveAgent(ctx context.Context, id string, force bool, at time.Time) ([]*domain.Command, error) {
	var failed []*domain.Command

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent domain.Agent
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&agent, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrUnknownAgent
			}
			return err
		}

		if agent.CurrentLoad > 0 && !force {
			return domain.ErrAgentHasActiveCommands
		}

		if force {
			var active []*domain.Command
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("agent_id = ? AND status IN ?", id, []domain.CommandStatus{
					domain.CommandStatusClaimed, domain.CommandStatusExecuting,
				}).Find(&active).Error; err != nil {
				return err
			}
			for _, cmd := range active {
				done := at
				cmd.Status = domain.CommandStatusFailed
				cmd.ErrorMessage = "agent removed"
				cmd.CompletedAt = &done
				if err := tx.Save(cmd).Error; err != nil {
					return err
				}
				failed = append(failed, cmd)
			}
		}

		return tx.Delete(&agent).Error
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// Command methods

func (r *Repository) CreateCommand(ctx context.Context, cmd *domain.Command) error {
	return r.db.WithContext(ctx).Create(cmd).Error
}

func (r *Repository) GetCommand(ctx context.Context, id string) (*domain.Command, error) {
	var cmd domain.Command
	if err := r.db.WithContext(ctx).First(&cmd, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrUnknownCommand
		}
		return nil, err
	}
	return &cmd, nil
}

func (r *Repository) ListByAgent(ctx context.Context, agentID string, limit int) ([]*domain.Command, error) {
	var cmds []*domain.Command
	q := r.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("created_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&cmds).Error; err != nil {
		return nil, err
	}
	return cmds, nil
}

func claimableScope(db *gorm.DB, caps domain.Capabilities) *gorm.DB {
	q := db.Where("status = ?", domain.CommandStatusPending)
	if len(caps) > 0 {
		return q.Where("required_capability = '' OR required_capability IN ?", []string(caps))
	}
	return q.Where("required_capability = ''")
}

func (r *Repository) CountClaimable(ctx context.Context, agent *domain.Agent) (int64, error) {
	var count int64
	q := claimableScope(r.db.WithContext(ctx).Model(&domain.Command{}), agent.Capabilities)
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) Claim(ctx context.Context, agentID string, max int, at time.Time) ([]*domain.Command, error) {
	var claimed []*domain.Command

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent domain.Agent
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&agent, "id = ?", agentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrUnknownAgent
			}
			return err
		}

		limit := agent.RemainingCapacity()
		if max < limit {
			limit = max
		}
		if limit <= 0 {
			return nil
		}

		// SKIP LOCKED keeps concurrent claimers from blocking on, or double
		// reading, rows another transaction is in the middle of claiming.
		var pending []*domain.Command
		q := claimableScope(tx, agent.Capabilities).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("created_at asc, id asc").
			Limit(limit)
		if err := q.Find(&pending).Error; err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		ids := make([]string, 0, len(pending))
		for _, cmd := range pending {
			ids = append(ids, cmd.ID)
		}
		if err := tx.Model(&domain.Command{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"status":     domain.CommandStatusClaimed,
			"agent_id":   agentID,
			"claimed_at": at,
		}).Error; err != nil {
			return err
		}

		if err := tx.Model(&domain.Agent{}).Where("id = ?", agentID).Updates(map[string]interface{}{
			"current_load": gorm.Expr("current_load + ?", len(pending)),
			"updated_at":   at,
		}).Error; err != nil {
			return err
		}

		when := at
		for _, cmd := range pending {
			cmd.Status = domain.CommandStatusClaimed
			cmd.AgentID = agentID
			cmd.ClaimedAt = &when
		}
		claimed = pending
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *Repository) MarkStarted(ctx context.Context, agentID, commandID string, at time.Time) (*domain.Command, error) {
	res := r.db.WithContext(ctx).Model(&domain.Command{}).
		Where("id = ? AND agent_id = ? AND status = ?", commandID, agentID, domain.CommandStatusClaimed).
		Updates(map[string]interface{}{
			"status":     domain.CommandStatusExecuting,
			"started_at": at,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetCommand(ctx, commandID); err != nil {
			return nil, err
		}
		return nil, domain.ErrInvalidTransition
	}
	return r.GetCommand(ctx, commandID)
}

func (r *Repository) Complete(ctx context.Context, agentID, commandID string, success bool, resultOrError string, at time.Time) (*domain.Command, error) {
	var completed *domain.Command

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"completed_at": at,
		}
		if success {
			updates["status"] = domain.CommandStatusCompleted
			updates["result"] = resultOrError
		} else {
			updates["status"] = domain.CommandStatusFailed
			updates["error_message"] = resultOrError
		}

		// Conditional on the current status: whichever of ReportResult and
		// the sweeper lands first wins the terminal transition.
		res := tx.Model(&domain.Command{}).
			Where("id = ? AND agent_id = ? AND status = ?", commandID, agentID, domain.CommandStatusExecuting).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var cmd domain.Command
			if err := tx.First(&cmd, "id = ?", commandID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return domain.ErrUnknownCommand
				}
				return err
			}
			if cmd.Status.Terminal() {
				completed = &cmd
				return domain.ErrTerminalState
			}
			return domain.ErrInvalidTransition
		}

		agentUpdates := map[string]interface{}{
			"current_load":            gorm.Expr("GREATEST(current_load - 1, 0)"),
			"total_commands_executed": gorm.Expr("total_commands_executed + 1"),
			"updated_at":              at,
		}
		if !success {
			agentUpdates["total_errors"] = gorm.Expr("total_errors + 1")
		}
		if err := tx.Model(&domain.Agent{}).Where("id = ?", agentID).Updates(agentUpdates).Error; err != nil {
			return err
		}

		var cmd domain.Command
		if err := tx.First(&cmd, "id = ?", commandID).Error; err != nil {
			return err
		}
		completed = &cmd
		return nil
	})
	if err != nil {
		return completed, err
	}
	return completed, nil
}

func (r *Repository) Expire(ctx context.Context, commandID, reason string, at time.Time) (*domain.Command, error) {
	var expired *domain.Command

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cmd domain.Command
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&cmd, "id = ?", commandID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrUnknownCommand
			}
			return err
		}
		if cmd.Status.Terminal() {
			expired = &cmd
			return domain.ErrTerminalState
		}
		if !cmd.Active() {
			return domain.ErrInvalidTransition
		}

		when := at
		cmd.Status = domain.CommandStatusTimeout
		cmd.ErrorMessage = reason
		cmd.CompletedAt = &when
		if err := tx.Save(&cmd).Error; err != nil {
			return err
		}

		if cmd.AgentID != "" {
			if err := tx.Model(&domain.Agent{}).Where("id = ?", cmd.AgentID).Updates(map[string]interface{}{
				"current_load": gorm.Expr("GREATEST(current_load - 1, 0)"),
				"updated_at":   at,
			}).Error; err != nil {
				return err
			}
		}

		expired = &cmd
		return nil
	})
	if err != nil {
		return expired, err
	}
	return expired, nil
}

func (r *Repository) ListExpirable(ctx context.Context, now time.Time, livenessTimeout time.Duration) ([]*domain.Command, error) {
	cutoff := now.Add(-livenessTimeout)

	var cmds []*domain.Command
	err := r.db.WithContext(ctx).
		Joins("LEFT JOIN agents ON agents.id = commands.agent_id").
		Where("commands.status IN ?", []domain.CommandStatus{
			domain.CommandStatusClaimed, domain.CommandStatusExecuting,
		}).
		Where(
			r.db.Where("agents.id IS NULL").
				Or("agents.last_heartbeat IS NULL").
				Or("agents.last_heartbeat < ?", cutoff).
				Or("COALESCE(commands.started_at, commands.claimed_at) + make_interval(secs => commands.timeout_sec) < ?", now),
		).
		Find(&cmds).Error
	if err != nil {
		return nil, err
	}
	return cmds, nil
}

// Metric methods

func (r *Repository) AppendSample(ctx context.Context, sample *domain.MetricSample) error {
	return r.db.WithContext(ctx).Create(sample).Error
}

func (r *Repository) LatestSample(ctx context.Context, agentID string) (*domain.MetricSample, error) {
	var sample domain.MetricSample
	err := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("timestamp desc, id desc").
		First(&sample).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sample, nil
}

func (r *Repository) SampleWindow(ctx context.Context, agentID string, limit int) ([]*domain.MetricSample, error) {
	var samples []*domain.MetricSample
	q := r.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("timestamp desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&samples).Error; err != nil {
		return nil, err
	}
	return samples, nil
}
