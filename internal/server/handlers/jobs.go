package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/sentryal/sarpipe/internal/errors"
	"github.com/sentryal/sarpipe/pkg/jobstore"
	"github.com/sentryal/sarpipe/pkg/runpod"
	"github.com/sentryal/sarpipe/pkg/worklog"
)

// maxBodyBytes bounds request bodies; job specs and webhook payloads are
// small JSON documents.
const maxBodyBytes = 1 << 20

// JobService is the lifecycle surface the handlers drive. The
// orchestrator satisfies it.
type JobService interface {
	Submit(ctx context.Context, job *jobstore.Job) error
	Cancel(ctx context.Context, jobID string) (*jobstore.Job, error)
	CompleteFromWebhook(ctx context.Context, out *runpod.JobOutput) error
}

// LogSource reads a job's retained audit trail.
type LogSource interface {
	JobLogs(ctx context.Context, jobID string, limit int) ([]worklog.Entry, error)
}

// JobReader fetches persisted job records.
type JobReader interface {
	Get(ctx context.Context, jobID string) (*jobstore.Job, error)
}

// Jobs is the handler set for the processing API.
type Jobs struct {
	service  JobService
	reader   JobReader
	logs     LogSource
	verifier *runpod.Verifier
	logger   *zap.Logger
}

func NewJobs(service JobService, reader JobReader, logs LogSource, verifier *runpod.Verifier, logger *zap.Logger) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{service: service, reader: reader, logs: logs, verifier: verifier, logger: logger.Named("api")}
}

// ProcessRequest is the POST /process body.
type ProcessRequest struct {
	JobID            string           `json:"jobId"`
	InfrastructureID string           `json:"infrastructureId,omitempty"`
	ReferenceGranule string           `json:"referenceGranule"`
	SecondaryGranule string           `json:"secondaryGranule"`
	ReferenceURL     string           `json:"referenceUrl,omitempty"`
	SecondaryURL     string           `json:"secondaryUrl,omitempty"`
	DEMPath          string           `json:"demPath,omitempty"`
	BBox             *jobstore.BBox   `json:"bbox,omitempty"`
	Points           []jobstore.Point `json:"points,omitempty"`
	Mode             string           `json:"mode,omitempty"`
}

// Process accepts a job and begins execution asynchronously (202).
func (h *Jobs) Process(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	job := &jobstore.Job{
		ID:               req.JobID,
		InfrastructureID: req.InfrastructureID,
		ReferenceGranule: req.ReferenceGranule,
		SecondaryGranule: req.SecondaryGranule,
		ReferenceURL:     req.ReferenceURL,
		SecondaryURL:     req.SecondaryURL,
		DEMPath:          req.DEMPath,
		BBox:             req.BBox,
		Points:           req.Points,
		Mode:             jobstore.Mode(req.Mode),
	}

	if err := h.service.Submit(r.Context(), job); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}

// Get returns the full job record including stage history.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.reader.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respondWithError(w, r, apperrors.NotFound("job", jobID))
			return
		}
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Logs returns the job's retained log lines, oldest first, newline
// joined.
func (h *Jobs) Logs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := h.reader.Get(r.Context(), jobID); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respondWithError(w, r, apperrors.NotFound("job", jobID))
			return
		}
		respondWithError(w, r, err)
		return
	}

	entries, err := h.logs.JobLogs(r.Context(), jobID, 1000)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s [%s] %s",
			e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), e.Level, e.Message))
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": strings.Join(lines, "\n")})
}

// Cancel stops a PROCESSING job; cancelling a terminal job is a no-op
// that still reports success.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.service.Cancel(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respondWithError(w, r, apperrors.NotFound("job", jobID))
			return
		}
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled": true,
		"jobId":     job.ID,
		"status":    job.Status,
	})
}

// Webhook receives remote completion callbacks. The raw body is verified
// before any parsing; tampered payloads are rejected and never retried.
func (h *Jobs) Webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, r, apperrors.Validation("body", "unreadable payload"))
		return
	}

	if !h.verifier.VerifySignature(raw, r.Header.Get(runpod.SignatureHeader)) {
		h.logger.Warn("webhook rejected: signature verification failed",
			zap.Int("payload_bytes", len(raw)))
		respondWithError(w, r, apperrors.New(apperrors.CodeWebhookRejected, "webhook signature verification failed"))
		return
	}

	var out runpod.JobOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		respondWithError(w, r, apperrors.Validation("body", "malformed webhook payload"))
		return
	}

	if err := h.service.CompleteFromWebhook(r.Context(), &out); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respondWithError(w, r, apperrors.NotFound("job", out.JobID))
			return
		}
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "jobId": out.JobID})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Validation("body", err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
