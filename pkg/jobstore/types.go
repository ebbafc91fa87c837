package jobstore

import "time"

// Status is the lifecycle state of a job.
//
// NOTE: these values are persisted and are part of the stable API
// contract. Transitions are monotonic: terminal states never change, and
// PROCESSING never moves back to PENDING.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Mode selects where the pipeline runs.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// StageOutcome is the variant result of one pipeline stage.
type StageOutcome string

const (
	OutcomeRunning   StageOutcome = "running"
	OutcomeCompleted StageOutcome = "completed"
	// OutcomeSkipped marks the documented non-fatal unwrapping skip.
	OutcomeSkipped StageOutcome = "skipped"
	OutcomeFailed  StageOutcome = "failed"
)

// Stage is one step in a job's pipeline history. Rows are append-only;
// a stage is created when the controller starts it and sealed exactly once.
type Stage struct {
	Index       int          `json:"index"`
	Name        string       `json:"name"`
	Outcome     StageOutcome `json:"outcome"`
	Completed   bool         `json:"completed"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Output      string       `json:"output,omitempty"`
	Error       string       `json:"error,omitempty"`
	SkipReason  string       `json:"skip_reason,omitempty"`
}

// BBox is the geographic area of interest.
type BBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Point is one infrastructure location where displacement is sampled.
type Point struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DisplacementPoint is a sampled displacement measurement.
type DisplacementPoint struct {
	PointID        string  `json:"point_id"`
	DisplacementMM float64 `json:"displacement_mm"`
	Coherence      float64 `json:"coherence"`
	Valid          bool    `json:"valid"`
}

// Statistics summarizes a processed interferogram.
type Statistics struct {
	MeanCoherence      float64 `json:"mean_coherence"`
	MeanDisplacementMM float64 `json:"mean_displacement_mm"`
	MinDisplacementMM  float64 `json:"min_displacement_mm"`
	MaxDisplacementMM  float64 `json:"max_displacement_mm"`
	ValidPoints        int     `json:"valid_points"`
}

// ResultSet holds the normalized products of a successful run, identical
// for local and remote execution.
type ResultSet struct {
	InterferogramURL   string              `json:"interferogram_url,omitempty"`
	CoherenceURL       string              `json:"coherence_url,omitempty"`
	DisplacementURL    string              `json:"displacement_url,omitempty"`
	UnwrappedURL       string              `json:"unwrapped_url,omitempty"`
	DisplacementPoints []DisplacementPoint `json:"displacement_points,omitempty"`
	Statistics         *Statistics         `json:"statistics,omitempty"`
}

// Job is one interferometric processing request.
type Job struct {
	ID               string  `json:"id"`
	InfrastructureID string  `json:"infrastructure_id,omitempty"`
	ReferenceGranule string  `json:"reference_granule"`
	SecondaryGranule string  `json:"secondary_granule"`
	ReferenceURL     string  `json:"reference_url,omitempty"`
	SecondaryURL     string  `json:"secondary_url,omitempty"`
	DEMPath          string  `json:"dem_path,omitempty"`
	BBox             *BBox   `json:"bbox,omitempty"`
	Points           []Point `json:"points,omitempty"`
	Mode             Mode    `json:"mode"`

	Status               Status     `json:"status"`
	Stages               []Stage    `json:"stages"`
	Error                string     `json:"error,omitempty"`
	RetryCount           int        `json:"retry_count"`
	ProcessingTimeMs     int64      `json:"processing_time_ms"`
	TemporalBaselineDays int        `json:"temporal_baseline_days,omitempty"`
	Results              *ResultSet `json:"results,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RemoteHandle maps a job to its externally-assigned remote id plus the
// last-known remote status snapshot. Owned by the remote dispatcher.
type RemoteHandle struct {
	JobID        string    `json:"job_id"`
	RemoteJobID  string    `json:"remote_job_id"`
	RemoteStatus string    `json:"remote_status"`
	UpdatedAt    time.Time `json:"updated_at"`
}
