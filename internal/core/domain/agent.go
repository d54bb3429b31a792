package domain

import (
	"time"

	"gorm.io/gorm"
)

type AgentStatus string

const (
	AgentStatusIdle  AgentStatus = "idle"
	AgentStatusBusy  AgentStatus = "busy"
	AgentStatusError AgentStatus = "error"
)

// Recognized platforms for agent registration.
const (
	PlatformLinux   = "linux"
	PlatformDarwin  = "darwin"
	PlatformWindows = "windows"
)

func ValidPlatform(p string) bool {
	switch p {
	case PlatformLinux, PlatformDarwin, PlatformWindows:
		return true
	}
	return false
}

// Capability tags form a closed set so dispatch matching stays a simple
// containment check instead of free-form string comparison.
const (
	CapabilityWorker      = "worker"
	CapabilityTraining    = "training"
	CapabilityGPU         = "gpu"
	CapabilityRender      = "render"
	CapabilityMaintenance = "maintenance"
)

var recognizedCapabilities = map[string]bool{
	CapabilityWorker:      true,
	CapabilityTraining:    true,
	CapabilityGPU:         true,
	CapabilityRender:      true,
	CapabilityMaintenance: true,
}

func ValidCapability(tag string) bool {
	return recognizedCapabilities[tag]
}

type Capabilities []string

func (c Capabilities) Has(tag string) bool {
	for _, t := range c {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate returns the first unrecognized tag, if any.
func (c Capabilities) Validate() (string, bool) {
	for _, t := range c {
		if !recognizedCapabilities[t] {
			return t, false
		}
	}
	return "", true
}

type Agent struct {
	ID             string       `json:"id" gorm:"primaryKey"`
	Hostname       string       `json:"hostname"`
	Platform       string       `json:"platform"`
	Version        string       `json:"version"`
	Capabilities   Capabilities `json:"capabilities" gorm:"serializer:json"`
	MaxConcurrency int          `json:"max_concurrency"`

	// CurrentLoad mirrors the number of commands in claimed/executing state
	// owned by this agent. Mutated only inside the same transaction as the
	// command transition that changes it.
	CurrentLoad           int         `json:"current_load"`
	Status                AgentStatus `json:"status"`
	LastHeartbeat         *time.Time  `json:"last_heartbeat"`
	TotalCommandsExecuted int64       `json:"total_commands_executed"`
	TotalErrors           int64       `json:"total_errors"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

func (Agent) TableName() string {
	return "agents"
}

// IsOnline derives liveness from the last heartbeat. It is never stored:
// last_heartbeat stays the single source of truth.
func (a *Agent) IsOnline(now time.Time, timeout time.Duration) bool {
	return a.LastHeartbeat != nil && now.Sub(*a.LastHeartbeat) < timeout
}

// RemainingCapacity is how many more commands the agent may claim.
func (a *Agent) RemainingCapacity() int {
	free := a.MaxConcurrency - a.CurrentLoad
	if free < 0 {
		return 0
	}
	return free
}

// Eligible reports whether this agent may run a command with the given
// required capability tag. An empty tag matches every agent.
func (a *Agent) Eligible(requiredCapability string) bool {
	return requiredCapability == "" || a.Capabilities.Has(requiredCapability)
}
