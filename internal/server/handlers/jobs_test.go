package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/sentryal/sarpipe/internal/errors"
	"github.com/sentryal/sarpipe/pkg/insar"
	"github.com/sentryal/sarpipe/pkg/jobstore"
	"github.com/sentryal/sarpipe/pkg/orchestrator"
	"github.com/sentryal/sarpipe/pkg/retry"
	"github.com/sentryal/sarpipe/pkg/runpod"
	"github.com/sentryal/sarpipe/pkg/worklog"
)

const (
	testReference = "S1A_IW_SLC__1SDV_20240106T161310"
	testSecondary = "S1A_IW_SLC__1SDV_20240118T161310"
)

type instantPipeline struct{}

func (instantPipeline) ProcessFullPipeline(ctx context.Context, job *jobstore.Job) (*insar.Result, error) {
	return &insar.Result{
		TemporalBaselineDays: 12,
		Products: insar.Products{
			Interferogram: "/ws/intf/phasefilt_ll.grd",
			Coherence:     "/ws/intf/corr_ll.grd",
		},
	}, nil
}

type stuckRemote struct{}

func (stuckRemote) SubmitAsync(ctx context.Context, input runpod.JobInput) (string, error) {
	return "rp-abc", nil
}

func (stuckRemote) GetStatus(ctx context.Context, remoteJobID string) (*runpod.StatusResponse, error) {
	return &runpod.StatusResponse{ID: remoteJobID, Status: runpod.RemoteInProgress}, nil
}

func (stuckRemote) Cancel(ctx context.Context, remoteJobID string) error { return nil }

type testAPI struct {
	router   chi.Router
	jobs     *jobstore.Store
	verifier *runpod.Verifier
}

func newTestAPI(t *testing.T, secret string) *testAPI {
	t.Helper()
	ctx := context.Background()

	jobs, err := jobstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })

	logs, err := worklog.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	engine := retry.NewEngine(logs, retry.Config{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, zap.NewNop())
	orch := orchestrator.New(jobs, logs, engine, instantPipeline{}, stuckRemote{}, nil,
		orchestrator.Config{RemotePoll: 5 * time.Millisecond}, zap.NewNop())
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		orch.Shutdown(shutdownCtx)
	})

	verifier := runpod.NewVerifier(secret, zap.NewNop())
	h := NewJobs(orch, jobs, logs, verifier, zap.NewNop())

	r := chi.NewRouter()
	r.Post("/process", h.Process)
	r.Route("/jobs/{jobID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Get("/logs", h.Logs)
		r.Post("/cancel", h.Cancel)
	})
	r.Post("/webhook/insar", h.Webhook)

	return &testAPI{router: r, jobs: jobs, verifier: verifier}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) waitForStatus(t *testing.T, jobID string, want jobstore.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := a.jobs.Get(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 2*time.Millisecond)
}

func TestProcessAcceptsAndTracks(t *testing.T) {
	api := newTestAPI(t, "")

	rec := api.do(t, http.MethodPost, "/process", ProcessRequest{
		JobID:            "job-1",
		ReferenceGranule: testReference,
		SecondaryGranule: testSecondary,
	}, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "job-1", resp["jobId"])

	api.waitForStatus(t, "job-1", jobstore.StatusSucceeded)

	got := api.do(t, http.MethodGet, "/jobs/job-1", nil, nil)
	require.Equal(t, http.StatusOK, got.Code)
	var job jobstore.Job
	require.NoError(t, json.NewDecoder(got.Body).Decode(&job))
	assert.Equal(t, jobstore.StatusSucceeded, job.Status)
	assert.Equal(t, 12, job.TemporalBaselineDays)
}

func TestProcessGeneratesJobID(t *testing.T) {
	api := newTestAPI(t, "")

	rec := api.do(t, http.MethodPost, "/process", ProcessRequest{
		ReferenceGranule: testReference,
		SecondaryGranule: testSecondary,
	}, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp["jobId"])
}

func TestProcessValidation(t *testing.T) {
	api := newTestAPI(t, "")

	rec := api.do(t, http.MethodPost, "/process", ProcessRequest{JobID: "job-1"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeValidation, body.Error.Code)
}

func TestProcessRejectsUnknownFields(t *testing.T) {
	api := newTestAPI(t, "")

	rec := api.do(t, http.MethodPost, "/process", map[string]string{"bogusField": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	api := newTestAPI(t, "")

	rec := api.do(t, http.MethodGet, "/jobs/ghost", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeNotFound, body.Error.Code)
}

func TestJobLogs(t *testing.T) {
	api := newTestAPI(t, "")

	api.do(t, http.MethodPost, "/process", ProcessRequest{
		JobID:            "job-1",
		ReferenceGranule: testReference,
		SecondaryGranule: testSecondary,
	}, nil)
	api.waitForStatus(t, "job-1", jobstore.StatusSucceeded)

	rec := api.do(t, http.MethodGet, "/jobs/job-1/logs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Contains(t, resp["logs"], "attempt 1 started")
	assert.Contains(t, resp["logs"], "[INFO]")

	missing := api.do(t, http.MethodGet, "/jobs/ghost/logs", nil, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestCancelJob(t *testing.T) {
	api := newTestAPI(t, "")

	// Remote job against a never-finishing endpoint stays PROCESSING.
	api.do(t, http.MethodPost, "/process", ProcessRequest{
		JobID:            "job-1",
		ReferenceGranule: testReference,
		SecondaryGranule: testSecondary,
		ReferenceURL:     "https://example.com/ref.zip",
		SecondaryURL:     "https://example.com/sec.zip",
		Mode:             "remote",
	}, nil)
	api.waitForStatus(t, "job-1", jobstore.StatusProcessing)

	rec := api.do(t, http.MethodPost, "/jobs/job-1/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, true, resp["cancelled"])
	assert.Equal(t, "job-1", resp["jobId"])

	api.waitForStatus(t, "job-1", jobstore.StatusCancelled)
	job, err := api.jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.CancelledByUser, job.Error)
}

func TestWebhookSignatureEnforced(t *testing.T) {
	api := newTestAPI(t, "shared-secret")

	api.do(t, http.MethodPost, "/process", ProcessRequest{
		JobID:            "job-1",
		ReferenceGranule: testReference,
		SecondaryGranule: testSecondary,
		ReferenceURL:     "https://example.com/ref.zip",
		SecondaryURL:     "https://example.com/sec.zip",
		Mode:             "remote",
	}, nil)
	api.waitForStatus(t, "job-1", jobstore.StatusProcessing)

	payload, err := json.Marshal(runpod.JobOutput{
		JobID:  "job-1",
		Status: "success",
		Results: &runpod.JobResults{
			InterferogramURL: "s3://results/job-1/intf.grd",
		},
	})
	require.NoError(t, err)

	// Tampered: valid signature computed over a different body.
	tamperedHeader := http.Header{}
	tamperedHeader.Set(runpod.SignatureHeader, api.verifier.Sign([]byte(`{"job_id":"job-1","status":"error"}`)))
	req := httptest.NewRequest(http.MethodPost, "/webhook/insar", bytes.NewReader(payload))
	req.Header = tamperedHeader
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeWebhookRejected, body.Error.Code)

	// Correctly signed delivery completes the job.
	signed := httptest.NewRequest(http.MethodPost, "/webhook/insar", bytes.NewReader(payload))
	signed.Header.Set(runpod.SignatureHeader, api.verifier.Sign(payload))
	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, signed)
	require.Equal(t, http.StatusOK, rec.Code)

	api.waitForStatus(t, "job-1", jobstore.StatusSucceeded)
}

func TestWebhookNoSecretPermissive(t *testing.T) {
	api := newTestAPI(t, "")

	api.do(t, http.MethodPost, "/process", ProcessRequest{
		JobID:            "job-1",
		ReferenceGranule: testReference,
		SecondaryGranule: testSecondary,
		ReferenceURL:     "https://example.com/ref.zip",
		SecondaryURL:     "https://example.com/sec.zip",
		Mode:             "remote",
	}, nil)
	api.waitForStatus(t, "job-1", jobstore.StatusProcessing)

	payload, err := json.Marshal(runpod.JobOutput{
		JobID:   "job-1",
		Status:  "success",
		Results: &runpod.JobResults{},
	})
	require.NoError(t, err)

	// No signature header at all; accepted because no secret is set.
	req := httptest.NewRequest(http.MethodPost, "/webhook/insar", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	api.waitForStatus(t, "job-1", jobstore.StatusSucceeded)
}

func TestWebhookUnknownJob(t *testing.T) {
	api := newTestAPI(t, "")

	payload, _ := json.Marshal(runpod.JobOutput{JobID: "ghost", Status: "success"})
	req := httptest.NewRequest(http.MethodPost, "/webhook/insar", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
