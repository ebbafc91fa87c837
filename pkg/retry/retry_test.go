package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryal/sarpipe/pkg/worklog"
)

// stubHistory serves canned error entries, newest first.
type stubHistory struct {
	entries []worklog.Entry
}

func (s stubHistory) RecentErrors(ctx context.Context, jobID string, limit int) ([]worklog.Entry, error) {
	if limit < len(s.entries) {
		return s.entries[:limit], nil
	}
	return s.entries, nil
}

func newTestEngine(history ErrorHistory) *Engine {
	e := NewEngine(history, Config{}, nil)
	e.jitter = func() float64 { return 0 } // deterministic backoff
	return e
}

func errorsAt(times ...time.Time) []worklog.Entry {
	out := make([]worklog.Entry, len(times))
	for i, ts := range times {
		out[i] = worklog.Entry{
			JobID:      "job-1",
			WorkerName: "insar-worker",
			Level:      worklog.LevelError,
			Message:    "GMTSAR alignment failed with exit 1",
			CreatedAt:  ts,
		}
	}
	return out
}

func TestDecide_MaxRetriesExceeded(t *testing.T) {
	e := newTestEngine(stubHistory{})

	d, err := e.Decide(context.Background(), "job-1", 5)
	require.NoError(t, err)
	assert.False(t, d.ShouldRetry)
	assert.Equal(t, "max retries exceeded", d.Reason)

	// Also past the bound.
	d, err = e.Decide(context.Background(), "job-1", 9)
	require.NoError(t, err)
	assert.False(t, d.ShouldRetry)
}

func TestDecide_FatalPatternShortCircuits(t *testing.T) {
	fatalMessages := []string{
		"Unauthorized: token rejected by ASF",
		"authentication failure contacting endpoint",
		"invalid credentials for storage bucket",
		"DEM file not found at /data/dem.grd",
		"permission denied writing work directory",
	}

	for _, msg := range fatalMessages {
		t.Run(msg, func(t *testing.T) {
			e := newTestEngine(stubHistory{entries: []worklog.Entry{{
				Level:     worklog.LevelError,
				Message:   msg,
				CreatedAt: time.Now(),
			}}})

			// Fatal wins regardless of attempt number.
			d, err := e.Decide(context.Background(), "job-1", 1)
			require.NoError(t, err)
			assert.False(t, d.ShouldRetry)
			assert.Equal(t, "fatal error", d.Reason)
		})
	}
}

func TestDecide_FatalOnlyChecksLastThree(t *testing.T) {
	now := time.Now()
	entries := errorsAt(now, now.Add(-20*time.Minute), now.Add(-40*time.Minute))
	// A fatal message older than the lookback window must not trip.
	entries = append(entries, worklog.Entry{
		Level:     worklog.LevelError,
		Message:   "Unauthorized",
		CreatedAt: now.Add(-time.Hour),
	})

	e := newTestEngine(stubHistory{entries: entries})
	d, err := e.Decide(context.Background(), "job-1", 2)
	require.NoError(t, err)
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, "exponential backoff", d.Reason)
}

func TestDecide_CircuitBreaker(t *testing.T) {
	now := time.Now()
	e := newTestEngine(stubHistory{entries: errorsAt(
		now, now.Add(-time.Minute), now.Add(-3*time.Minute),
	)})

	d, err := e.Decide(context.Background(), "job-1", 2)
	require.NoError(t, err)
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, "circuit breaker", d.Reason)
	// min(BASE*10, MAX_DELAY) = min(300s, 600s)
	assert.Equal(t, 300*time.Second, d.Delay)
}

func TestDecide_CircuitBreakerNotTrippedWhenSpread(t *testing.T) {
	now := time.Now()
	e := newTestEngine(stubHistory{entries: errorsAt(
		now, now.Add(-time.Minute), now.Add(-10*time.Minute),
	)})

	d, err := e.Decide(context.Background(), "job-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "exponential backoff", d.Reason)
}

func TestDecide_ExponentialBackoff(t *testing.T) {
	now := time.Now()
	history := stubHistory{entries: errorsAt(now, now.Add(-10*time.Minute), now.Add(-20*time.Minute))}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
	}
	for _, tt := range tests {
		e := newTestEngine(history)
		d, err := e.Decide(context.Background(), "job-1", tt.attempt)
		require.NoError(t, err)
		assert.True(t, d.ShouldRetry)
		assert.Equal(t, tt.want, d.Delay, "attempt %d", tt.attempt)
	}
}

func TestBackoff_JitterAndCap(t *testing.T) {
	e := NewEngine(stubHistory{}, Config{}, nil)
	e.jitter = func() float64 { return 1 } // worst-case jitter

	// 30s * 2^0 * 1.3 = 39s
	assert.Equal(t, 39*time.Second, e.backoff(1))
	// Large attempts cap at MAX_DELAY.
	assert.Equal(t, DefaultMaxDelay, e.backoff(12))
}

func TestDecide_WorklogBacked(t *testing.T) {
	// End to end against the real sqlite-backed history.
	store, err := worklog.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, worklog.Entry{
			JobID:      "job-1",
			WorkerName: "insar-worker",
			Level:      worklog.LevelError,
			Message:    "transient network failure",
			CreatedAt:  base.Add(time.Duration(i) * 20 * time.Minute),
		}))
	}

	e := newTestEngine(store)
	d, err := e.Decide(ctx, "job-1", 2)
	require.NoError(t, err)
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, "exponential backoff", d.Reason)
}
