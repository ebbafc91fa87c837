// Package runpod dispatches jobs to a RunPod-style serverless compute
// endpoint and translates its results back into the local job model.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultPollInterval paces GetStatus calls in AwaitCompletion.
	DefaultPollInterval = 5 * time.Second
	// DefaultSyncTimeout bounds SubmitSync when the caller sets none.
	DefaultSyncTimeout = 10 * time.Minute

	maxErrorBody = 4 << 10
)

// Config identifies the remote endpoint.
type Config struct {
	BaseURL      string // e.g. https://api.runpod.ai/v2
	EndpointID   string
	APIKey       string
	PollInterval time.Duration
	SyncTimeout  time.Duration
}

// Client talks to one serverless endpoint. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient builds a client. Returns ErrNotConfigured when base URL or
// endpoint id is missing, so callers can keep remote mode optional.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" || cfg.EndpointID == "" {
		return nil, ErrNotConfigured
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		logger:  logger.Named("runpod"),
	}, nil
}

func (c *Client) url(parts ...string) string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	return base + "/" + c.cfg.EndpointID + "/" + strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, op, method, url string, body, out any) error {
	return c.doWith(ctx, c.http, op, method, url, body, out)
}

func (c *Client) doWith(ctx context.Context, client *http.Client, op, method, url string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &SubmissionError{Op: op, Err: err}
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return &SubmissionError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &SubmissionError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &SubmissionError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &SubmissionError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// SubmitAsync enqueues the job and returns the remote job id. The caller
// polls GetStatus or waits for the webhook.
func (c *Client) SubmitAsync(ctx context.Context, input JobInput) (string, error) {
	var resp StatusResponse
	if err := c.do(ctx, "run", http.MethodPost, c.url("run"), map[string]any{"input": input}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &SubmissionError{Op: "run", Err: fmt.Errorf("endpoint returned no job id")}
	}
	c.logger.Info("remote job submitted",
		zap.String("job_id", input.JobID),
		zap.String("remote_job_id", resp.ID))
	return resp.ID, nil
}

// SubmitSync runs the job and blocks until the endpoint reports a
// terminal state or the timeout elapses. On remote failure the error
// carries the remote message.
func (c *Client) SubmitSync(ctx context.Context, input JobInput, timeout time.Duration) (*JobOutput, error) {
	if timeout <= 0 {
		timeout = c.cfg.SyncTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// runsync may still answer IN_PROGRESS when the worker outlives the
	// endpoint's inline window; fall through to polling in that case. The
	// request itself is bounded by ctx, not the short default timeout.
	var resp StatusResponse
	if err := c.doWith(ctx, &http.Client{}, "runsync", http.MethodPost,
		c.url("runsync"), map[string]any{"input": input}, &resp); err != nil {
		return nil, err
	}

	if Terminal(resp.Status) {
		return OutputOf(&resp)
	}
	if resp.ID == "" {
		return nil, &SubmissionError{Op: "runsync", Err: fmt.Errorf("non-terminal response without job id")}
	}
	return c.AwaitCompletion(ctx, resp.ID)
}

// GetStatus fetches the remote job's current state.
func (c *Client) GetStatus(ctx context.Context, remoteJobID string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, "status", http.MethodGet, c.url("status", remoteJobID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AwaitCompletion polls until the remote job reaches a terminal state.
// Poll rate is capped by the configured interval.
func (c *Client) AwaitCompletion(ctx context.Context, remoteJobID string) (*JobOutput, error) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.GetStatus(ctx, remoteJobID)
		if err != nil {
			return nil, err
		}
		if Terminal(resp.Status) {
			return OutputOf(resp)
		}
	}
}

// Cancel asks the endpoint to stop the remote job. Cancelling a job that
// already finished is not an error.
func (c *Client) Cancel(ctx context.Context, remoteJobID string) error {
	return c.do(ctx, "cancel", http.MethodPost, c.url("cancel", remoteJobID), nil, nil)
}

// Health reports endpoint queue depth and worker counts.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var h HealthStatus
	if err := c.do(ctx, "health", http.MethodGet, c.url("health"), nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// PurgeQueue drops all queued (not yet running) remote jobs.
func (c *Client) PurgeQueue(ctx context.Context) error {
	return c.do(ctx, "purge-queue", http.MethodPost, c.url("purge-queue"), nil, nil)
}

// OutputOf converts a terminal status response into worker output, or a
// failure error for FAILED/CANCELLED/TIMED_OUT.
func OutputOf(resp *StatusResponse) (*JobOutput, error) {
	switch resp.Status {
	case RemoteCompleted:
		if resp.Output == nil {
			return nil, &SubmissionError{Op: "status", Err: fmt.Errorf("completed job %s has no output", resp.ID)}
		}
		return resp.Output, nil
	case RemoteFailed, RemoteCancelled, RemoteTimedOut:
		msg := resp.Error
		if msg == "" && resp.Output != nil {
			msg = resp.Output.Error
		}
		if msg == "" {
			msg = strings.ToLower(resp.Status)
		}
		return nil, &JobFailedError{RemoteJobID: resp.ID, Message: msg}
	default:
		return nil, &SubmissionError{Op: "status", Err: fmt.Errorf("unexpected terminal status %q", resp.Status)}
	}
}
