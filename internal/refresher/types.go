// Package refresher defines core types shared across the refresh subsystems.
package refresher

import (
	"time"
)

// Phase represents the lifecycle state of the refresh scheduler.
type Phase string

// Phase values reported by the status surface.
const (
	PhaseStopped Phase = "stopped"
	PhaseRunning Phase = "running"
	PhasePaused  Phase = "paused"
)

// Sample is the blended measurement a Fetcher computes from the upstream
// interest series for one (subject, region) pair. Score blending weights
// are the fetcher's concern; the scheduler only copies the fields through.
type Sample struct {
	Score    float64 `json:"score"`
	Peak     float64 `json:"peak"`
	Recent   float64 `json:"recent"`
	Estimate float64 `json:"estimate"`
	Points   int     `json:"points"`
}

// FetchResult is the raw outcome returned by a Fetcher implementation.
// Body and StatusCode are kept for classification even when parsing failed.
type FetchResult struct {
	Subject    string
	Region     string
	StatusCode int
	Body       []byte
	Sample     *Sample
	Duration   time.Duration
}

// Counters tracks fetch outcome totals for the current process.
type Counters struct {
	Success uint64 `json:"success"`
	Failure uint64 `json:"failure"`
	Blocked uint64 `json:"blocked"`
}

// Status is the scheduler snapshot reported by the control surface.
type Status struct {
	Phase                   Phase      `json:"phase"`
	CurrentSubject          string     `json:"current_subject,omitempty"`
	Counters                Counters   `json:"counters"`
	CycleProgressPercent    int        `json:"cycle_progress_percent"`
	LastRunAt               *time.Time `json:"last_run_at,omitempty"`
	PausedUntil             *time.Time `json:"paused_until,omitempty"`
	AutoPaused              bool       `json:"auto_paused"`
	EstimatedHoursRemaining float64    `json:"estimated_hours_remaining"`
}

// RefreshEvent is published after the dataset is persisted so downstream
// consumers can react to fresh data.
type RefreshEvent struct {
	ID                   string    `json:"id"`
	At                   time.Time `json:"at"`
	CycleProgressPercent int       `json:"cycle_progress_percent"`
	TotalReadings        int       `json:"total_readings"`
	SuccessRatePercent   float64   `json:"success_rate_percent"`
}
