package runpod

import "github.com/sentryal/sarpipe/pkg/jobstore"

// JobInput is the payload handed to the serverless worker. Field names
// are the worker's contract; do not rename.
type JobInput struct {
	JobID            string           `json:"job_id"`
	InfrastructureID string           `json:"infrastructure_id,omitempty"`
	ReferenceGranule string           `json:"reference_granule"`
	SecondaryGranule string           `json:"secondary_granule"`
	ReferenceURL     string           `json:"reference_url,omitempty"`
	SecondaryURL     string           `json:"secondary_url,omitempty"`
	BBox             *jobstore.BBox   `json:"bbox,omitempty"`
	Points           []jobstore.Point `json:"points,omitempty"`
	WebhookURL       string           `json:"webhook_url,omitempty"`
}

// JobResults is the worker's result block.
type JobResults struct {
	InterferogramURL   string                       `json:"interferogram_url,omitempty"`
	CoherenceURL       string                       `json:"coherence_url,omitempty"`
	DisplacementURL    string                       `json:"displacement_url,omitempty"`
	DisplacementPoints []jobstore.DisplacementPoint `json:"displacement_points,omitempty"`
	Statistics         *jobstore.Statistics         `json:"statistics,omitempty"`
}

// JobOutput is what the worker returns on completion, either inline
// (runsync/status) or via webhook.
type JobOutput struct {
	JobID                 string      `json:"job_id"`
	Status                string      `json:"status"` // "success" or "error"
	Results               *JobResults `json:"results,omitempty"`
	ProcessingTimeSeconds float64     `json:"processing_time_seconds,omitempty"`
	Error                 string      `json:"error,omitempty"`
}

// Remote job states as reported by the endpoint.
const (
	RemoteInQueue    = "IN_QUEUE"
	RemoteInProgress = "IN_PROGRESS"
	RemoteCompleted  = "COMPLETED"
	RemoteFailed     = "FAILED"
	RemoteCancelled  = "CANCELLED"
	RemoteTimedOut   = "TIMED_OUT"
)

// StatusResponse is the envelope returned by run/runsync/status/cancel.
type StatusResponse struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Output *JobOutput `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Terminal reports whether a remote status is final.
func Terminal(status string) bool {
	switch status {
	case RemoteCompleted, RemoteFailed, RemoteCancelled, RemoteTimedOut:
		return true
	}
	return false
}

// HealthStatus mirrors the endpoint's health report.
type HealthStatus struct {
	Jobs struct {
		Completed  int `json:"completed"`
		Failed     int `json:"failed"`
		InProgress int `json:"inProgress"`
		InQueue    int `json:"inQueue"`
		Retried    int `json:"retried"`
	} `json:"jobs"`
	Workers struct {
		Idle    int `json:"idle"`
		Running int `json:"running"`
	} `json:"workers"`
}

// QueueDepth is the number of jobs waiting or running remotely.
func (h *HealthStatus) QueueDepth() int {
	return h.Jobs.InQueue + h.Jobs.InProgress
}
