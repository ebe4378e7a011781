package models

import "time"

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status   string      `json:"status"`
	Uptime   string      `json:"uptime"`
	Version  string      `json:"version"`
	Adapting bool        `json:"adapting"`
	Memory   MemoryStats `json:"memory"`
}

// MemoryStats summarises pattern memory for health checks.
type MemoryStats struct {
	Patterns  map[string]int `json:"patterns"`
	Failures  map[string]int `json:"failures"`
	Unsaved   int64          `json:"unsaved"`
	LastSaved time.Time      `json:"last_saved"`
}

// TimingInfo reports how long a request took.
type TimingInfo struct {
	TotalMs int64 `json:"total_ms"`
}

// ExtractResponse is the response for POST /api/v1/extract.
type ExtractResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`

	// Fields maps each recovered field type to its value and provenance.
	Fields Fields `json:"fields"`

	// Missing lists targets nothing could recover.
	Missing []string `json:"missing"`

	// Attempted lists the fallback strategies that ran, when any did.
	Attempted []string `json:"attempted,omitempty"`

	Timing TimingInfo   `json:"timing"`
	Error  *ErrorDetail `json:"error,omitempty"`
}
