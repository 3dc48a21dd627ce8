package history

import "time"

// DeploymentRecord is one orchestrator run.
type DeploymentRecord struct {
	ID              int64
	RunID           string
	App             string
	Host            string
	Mode            string
	State           string // last state reached
	Status          string // success, failed, rolled_back
	StartedAt       time.Time
	CompletedAt     *time.Time // nullable
	DurationSeconds *float64   // nullable
	ErrorKind       *string    // nullable
	ErrorMessage    *string    // nullable
}

// HealthCheckRecord is one check result from a health evaluation.
type HealthCheckRecord struct {
	ID         int64
	App        string
	Check      string
	Passed     bool
	Message    string
	CheckedAt  time.Time
	DurationMS int64
	// Phase is "initial" or "recheck" for results taken after a restart.
	Phase      string
	Remediated bool
}
