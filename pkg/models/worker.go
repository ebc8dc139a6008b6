package models

import "time"

// Worker is a registered worker process and its last-seen time.
// The descriptor fields (platform, memory, cpu, gpu) are informational
// telemetry reported by the worker; dispatch never reads them.
type Worker struct {
	ID              string    `json:"id" db:"id"`
	Platform        string    `json:"platform" db:"platform"`
	MemoryTotal     int64     `json:"memory_total" db:"memory_total"`
	MemoryAvailable int64     `json:"memory_available" db:"memory_available"`
	CPUCount        int       `json:"cpu_count" db:"cpu_count"`
	CPUFreq         float64   `json:"cpu_freq" db:"cpu_freq"`
	GPUInfo         string    `json:"gpu_info,omitempty" db:"gpu_info"`
	StartTime       time.Time `json:"start_time" db:"start_time"` // First registration, immutable
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"` // Last heartbeat
}
