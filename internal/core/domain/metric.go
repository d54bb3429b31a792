package domain

import "time"

// MetricSample is one resource snapshot reported alongside a heartbeat.
// Samples are append-only; they are never updated or deleted individually.
type MetricSample struct {
	ID            int64      `json:"-" gorm:"primaryKey;autoIncrement"`
	AgentID       string     `json:"agent_id" gorm:"index"`
	Timestamp     time.Time  `json:"timestamp"`
	CPUPercent    *float64   `json:"cpu_percent,omitempty"`
	MemoryUsedMB  *float64   `json:"memory_used_mb,omitempty"`
	MemoryTotalMB *float64   `json:"memory_total_mb,omitempty"`
	DiskUsedGB    *float64   `json:"disk_used_gb,omitempty"`
}

func (MetricSample) TableName() string {
	return "metric_samples"
}
