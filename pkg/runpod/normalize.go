package runpod

import (
	"fmt"
	"time"

	"github.com/sentryal/sarpipe/pkg/jobstore"
)

// NormalizeOutput translates worker output into the execution-mode
// agnostic result set stored on the job. A worker-reported error status
// becomes a JobFailedError carrying the remote message.
func NormalizeOutput(out *JobOutput) (*jobstore.ResultSet, error) {
	if out == nil {
		return nil, fmt.Errorf("nil remote output")
	}
	switch out.Status {
	case "success":
	case "error":
		return nil, &JobFailedError{RemoteJobID: out.JobID, Message: out.Error}
	default:
		return nil, fmt.Errorf("remote output has unknown status %q", out.Status)
	}
	if out.Results == nil {
		return nil, fmt.Errorf("successful remote output has no results")
	}

	return &jobstore.ResultSet{
		InterferogramURL:   out.Results.InterferogramURL,
		CoherenceURL:       out.Results.CoherenceURL,
		DisplacementURL:    out.Results.DisplacementURL,
		DisplacementPoints: out.Results.DisplacementPoints,
		Statistics:         out.Results.Statistics,
	}, nil
}

// ProcessingTime converts the worker's float seconds to a duration
// suitable for the job record.
func ProcessingTime(out *JobOutput) time.Duration {
	if out == nil || out.ProcessingTimeSeconds <= 0 {
		return 0
	}
	return time.Duration(out.ProcessingTimeSeconds * float64(time.Second))
}

// InputForJob builds the worker payload from a tracked job.
func InputForJob(job *jobstore.Job, webhookURL string) JobInput {
	return JobInput{
		JobID:            job.ID,
		InfrastructureID: job.InfrastructureID,
		ReferenceGranule: job.ReferenceGranule,
		SecondaryGranule: job.SecondaryGranule,
		ReferenceURL:     job.ReferenceURL,
		SecondaryURL:     job.SecondaryURL,
		BBox:             job.BBox,
		Points:           job.Points,
		WebhookURL:       webhookURL,
	}
}
