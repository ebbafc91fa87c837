package runpod

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sentryal/sarpipe/pkg/jobstore"
)

func testInput() JobInput {
	return JobInput{
		JobID:            "job-1",
		ReferenceGranule: "S1A_IW_SLC__1SDV_20240106T161310",
		SecondaryGranule: "S1A_IW_SLC__1SDV_20240118T161310",
		ReferenceURL:     "https://example.com/ref.zip",
		SecondaryURL:     "https://example.com/sec.zip",
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		BaseURL:      srv.URL,
		EndpointID:   "ep-123",
		APIKey:       "test-key",
		PollInterval: 5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestNewClientNotConfigured(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewClient(Config{BaseURL: "https://api.example.com"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSubmitAsync(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/ep-123/run", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body struct {
			Input JobInput `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "job-1", body.Input.JobID)

		json.NewEncoder(w).Encode(StatusResponse{ID: "rp-abc", Status: RemoteInQueue})
	}))

	remoteID, err := client.SubmitAsync(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, "rp-abc", remoteID)
}

func TestSubmitAsyncEndpointError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "endpoint is paused", http.StatusServiceUnavailable)
	}))

	_, err := client.SubmitAsync(context.Background(), testInput())
	require.Error(t, err)

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, http.StatusServiceUnavailable, subErr.StatusCode)
	assert.Contains(t, subErr.Body, "paused")
}

func TestSubmitSyncCompleted(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ep-123/runsync", r.URL.Path)
		json.NewEncoder(w).Encode(StatusResponse{
			ID:     "rp-abc",
			Status: RemoteCompleted,
			Output: &JobOutput{
				JobID:  "job-1",
				Status: "success",
				Results: &JobResults{
					InterferogramURL: "s3://results/job-1/intf.grd",
				},
				ProcessingTimeSeconds: 42.5,
			},
		})
	}))

	out, err := client.SubmitSync(context.Background(), testInput(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, "s3://results/job-1/intf.grd", out.Results.InterferogramURL)
	assert.Equal(t, 42500*time.Millisecond, ProcessingTime(out))
}

func TestSubmitSyncRemoteFailure(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StatusResponse{
			ID:     "rp-abc",
			Status: RemoteFailed,
			Error:  "Unauthorized: invalid credentials for granule download",
		})
	}))

	_, err := client.SubmitSync(context.Background(), testInput(), time.Second)
	require.Error(t, err)
	assert.True(t, IsJobFailed(err))
	assert.Contains(t, err.Error(), "invalid credentials")
}

func TestSubmitSyncFallsBackToPolling(t *testing.T) {
	var statusCalls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ep-123/runsync":
			json.NewEncoder(w).Encode(StatusResponse{ID: "rp-abc", Status: RemoteInProgress})
		case "/ep-123/status/rp-abc":
			if statusCalls.Add(1) < 3 {
				json.NewEncoder(w).Encode(StatusResponse{ID: "rp-abc", Status: RemoteInProgress})
				return
			}
			json.NewEncoder(w).Encode(StatusResponse{
				ID:     "rp-abc",
				Status: RemoteCompleted,
				Output: &JobOutput{JobID: "job-1", Status: "success", Results: &JobResults{}},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	out, err := client.SubmitSync(context.Background(), testInput(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "success", out.Status)
	assert.GreaterOrEqual(t, statusCalls.Load(), int32(3))
}

func TestAwaitCompletionCancellable(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StatusResponse{ID: "rp-abc", Status: RemoteInProgress})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.AwaitCompletion(ctx, "rp-abc")
	require.Error(t, err)
}

func TestCancelAndPurge(t *testing.T) {
	var paths []string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	require.NoError(t, client.Cancel(context.Background(), "rp-abc"))
	require.NoError(t, client.PurgeQueue(context.Background()))
	assert.Equal(t, []string{
		"POST /ep-123/cancel/rp-abc",
		"POST /ep-123/purge-queue",
	}, paths)
}

func TestHealth(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ep-123/health", r.URL.Path)
		w.Write([]byte(`{"jobs":{"completed":10,"failed":1,"inProgress":2,"inQueue":3},"workers":{"idle":1,"running":2}}`))
	}))

	h, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, h.QueueDepth())
	assert.Equal(t, 2, h.Workers.Running)
}

func TestNormalizeOutput(t *testing.T) {
	out := &JobOutput{
		JobID:  "job-1",
		Status: "success",
		Results: &JobResults{
			InterferogramURL: "s3://results/job-1/intf.grd",
			CoherenceURL:     "s3://results/job-1/corr.grd",
			DisplacementURL:  "s3://results/job-1/los_mm.grd",
			DisplacementPoints: []jobstore.DisplacementPoint{
				{PointID: "p1", DisplacementMM: -3.2, Coherence: 0.81, Valid: true},
			},
			Statistics: &jobstore.Statistics{MeanCoherence: 0.7, ValidPoints: 1},
		},
	}

	results, err := NormalizeOutput(out)
	require.NoError(t, err)
	assert.Equal(t, "s3://results/job-1/los_mm.grd", results.DisplacementURL)
	require.Len(t, results.DisplacementPoints, 1)
	assert.Equal(t, "p1", results.DisplacementPoints[0].PointID)
	assert.Equal(t, 1, results.Statistics.ValidPoints)
}

func TestNormalizeOutputError(t *testing.T) {
	_, err := NormalizeOutput(&JobOutput{JobID: "job-1", Status: "error", Error: "processing blew up"})
	require.Error(t, err)
	assert.True(t, IsJobFailed(err))
	assert.Contains(t, err.Error(), "processing blew up")

	_, err = NormalizeOutput(&JobOutput{JobID: "job-1", Status: "weird"})
	require.Error(t, err)
	assert.False(t, IsJobFailed(err))

	_, err = NormalizeOutput(&JobOutput{JobID: "job-1", Status: "success"})
	require.Error(t, err)
}

func TestInputForJob(t *testing.T) {
	job := &jobstore.Job{
		ID:               "job-1",
		InfrastructureID: "bridge-7",
		ReferenceGranule: "S1A_IW_SLC__1SDV_20240106T161310",
		SecondaryGranule: "S1A_IW_SLC__1SDV_20240118T161310",
		BBox:             &jobstore.BBox{North: 35, South: 34, East: -117, West: -118},
		Points:           []jobstore.Point{{ID: "p1", Lat: 34.5, Lon: -117.5}},
	}

	input := InputForJob(job, "https://api.example.com/webhook/insar")
	assert.Equal(t, "job-1", input.JobID)
	assert.Equal(t, "bridge-7", input.InfrastructureID)
	assert.Equal(t, "https://api.example.com/webhook/insar", input.WebhookURL)
	require.NotNil(t, input.BBox)
	assert.Equal(t, float64(35), input.BBox.North)
}
