package domain

import "time"

// Fleet event types broadcast to dashboard observers.
const (
	EventAgentRegistered = "agent_registered"
	EventAgentUpdate     = "agent_update"
	EventAgentDeleted    = "agent_deleted"
	EventCommandCreated  = "command_created"
	EventCommandUpdate   = "command_update"
)

// FleetEvent is a change notification for observers. Events are advisory:
// observers that miss one converge on the next poll of the read API.
type FleetEvent struct {
	Type      string        `json:"type"`
	AgentID   string        `json:"agent_id,omitempty"`
	CommandID string        `json:"command_id,omitempty"`
	Status    string        `json:"status,omitempty"`
	At        time.Time     `json:"at"`
}
