package domain

import (
	"time"
)

type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusClaimed   CommandStatus = "claimed"
	CommandStatusExecuting CommandStatus = "executing"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
	CommandStatusTimeout   CommandStatus = "timeout"
)

// Terminal reports whether a status permits no further transitions.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandStatusCompleted, CommandStatusFailed, CommandStatusTimeout:
		return true
	}
	return false
}

type Command struct {
	ID string `json:"id" gorm:"primaryKey"`

	// AgentID is empty while the command sits unclaimed in the pool and is
	// set exactly once, by the claim that wins the row.
	AgentID string `json:"agent_id,omitempty" gorm:"index"`

	Type               string `json:"command_type"`
	RequiredCapability string `json:"required_capability,omitempty"`

	// Payload and Result are opaque JSON text; the fleet manager never
	// interprets them.
	Payload      string `json:"payload,omitempty"`
	Result       string `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Status CommandStatus `json:"status" gorm:"index"`

	// TimeoutSec bounds execution time once claimed; the sweeper expires
	// commands past it even when the owning agent still heartbeats.
	TimeoutSec int `json:"timeout_sec"`

	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (Command) TableName() string {
	return "commands"
}

// Deadline is the instant past which the command counts as stuck. It is
// measured from started_at when execution began, otherwise from claimed_at.
// ok is false for commands that have not been claimed yet.
func (c *Command) Deadline() (time.Time, bool) {
	base := c.StartedAt
	if base == nil {
		base = c.ClaimedAt
	}
	if base == nil || c.TimeoutSec <= 0 {
		return time.Time{}, false
	}
	return base.Add(time.Duration(c.TimeoutSec) * time.Second), true
}

// Active reports whether the command currently holds agent capacity.
func (c *Command) Active() bool {
	return c.Status == CommandStatusClaimed || c.Status == CommandStatusExecuting
}
