// Package retry decides whether a failed job should be re-attempted.
//
// The engine only returns decisions; scheduling the re-attempt (after the
// returned delay) is the orchestrator's job. Decisions are driven by the
// job's persisted error history in the worklog, not by in-memory state, so
// they survive process restarts.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentryal/sarpipe/pkg/worklog"
)

// Defaults per the production tuning.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 30 * time.Second
	DefaultMaxDelay   = 10 * time.Minute

	// errorWindow is how many recent errors the engine examines.
	errorWindow = 10
	// fatalLookback is how many of the newest errors are checked for
	// fatal patterns.
	fatalLookback = 3
	// breakerWindow: this many errors inside breakerSpan trips the
	// circuit breaker.
	breakerWindow = 3
	breakerSpan   = 5 * time.Minute
	// breakerMultiplier scales the base delay when the breaker trips.
	breakerMultiplier = 10
	// jitterFraction is the upper bound of the uniform backoff jitter.
	jitterFraction = 0.3
)

// fatalFragments match error messages that no amount of retrying will fix.
var fatalFragments = []string{
	"authentication fail",
	"invalid credentials",
	"not found",
	"unauthorized",
	"permission denied",
}

// Decision is the engine's answer for one failed attempt.
type Decision struct {
	ShouldRetry bool
	Delay       time.Duration
	Reason      string
}

// ErrorHistory supplies the persisted error entries for a job, newest first.
type ErrorHistory interface {
	RecentErrors(ctx context.Context, jobID string, limit int) ([]worklog.Entry, error)
}

// Config tunes the engine. Zero values fall back to the defaults.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

// Engine computes retry decisions from a job's error history.
type Engine struct {
	history ErrorHistory
	cfg     Config
	logger  *zap.Logger

	// jitter returns a uniform sample in [0, 1). Injected for tests.
	jitter func() float64
}

// NewEngine creates an Engine over the given error history.
func NewEngine(history ErrorHistory, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		history: history,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("retry"),
		jitter:  rand.Float64,
	}
}

// Decide returns the retry decision for the given failed attempt
// (1-based). The order of checks is significant: retry budget, fatal
// patterns, circuit breaker, then exponential backoff.
func (e *Engine) Decide(ctx context.Context, jobID string, currentAttempt int) (Decision, error) {
	if currentAttempt >= e.cfg.MaxRetries {
		return e.log(jobID, Decision{ShouldRetry: false, Reason: "max retries exceeded"}), nil
	}

	entries, err := e.history.RecentErrors(ctx, jobID, errorWindow)
	if err != nil {
		return Decision{}, fmt.Errorf("load error history for %s: %w", jobID, err)
	}

	if msg, fatal := e.findFatal(entries); fatal {
		e.logger.Warn("fatal error pattern, not retrying",
			zap.String("job_id", jobID), zap.String("message", msg))
		return e.log(jobID, Decision{ShouldRetry: false, Reason: "fatal error"}), nil
	}

	if e.breakerTripped(entries) {
		delay := minDuration(e.cfg.BaseDelay*breakerMultiplier, e.cfg.MaxDelay)
		return e.log(jobID, Decision{ShouldRetry: true, Delay: delay, Reason: "circuit breaker"}), nil
	}

	delay := e.backoff(currentAttempt)
	return e.log(jobID, Decision{ShouldRetry: true, Delay: delay, Reason: "exponential backoff"}), nil
}

// findFatal scans the newest fatalLookback error messages for patterns
// that make retrying pointless (auth, permissions, missing resources).
func (e *Engine) findFatal(entries []worklog.Entry) (string, bool) {
	n := len(entries)
	if n > fatalLookback {
		n = fatalLookback
	}
	for _, entry := range entries[:n] {
		msg := strings.ToLower(entry.Message)
		for _, fragment := range fatalFragments {
			if strings.Contains(msg, fragment) {
				return entry.Message, true
			}
		}
	}
	return "", false
}

// breakerTripped reports whether the newest breakerWindow errors all fall
// inside breakerSpan. Rapid repeated failure means the problem is
// systemic, so a fixed long cooldown beats escalating backoff.
func (e *Engine) breakerTripped(entries []worklog.Entry) bool {
	if len(entries) < breakerWindow {
		return false
	}
	newest := entries[0].CreatedAt
	oldest := entries[breakerWindow-1].CreatedAt
	return newest.Sub(oldest) <= breakerSpan
}

// backoff computes BASE * 2^(attempt-1) * (1 + uniform(0, 0.3)), capped.
func (e *Engine) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.cfg.BaseDelay)
	scaled := base * float64(uint64(1)<<uint(attempt-1))
	jittered := scaled * (1 + e.jitter()*jitterFraction)
	if jittered > float64(e.cfg.MaxDelay) {
		return e.cfg.MaxDelay
	}
	return time.Duration(jittered)
}

func (e *Engine) log(jobID string, d Decision) Decision {
	e.logger.Info("retry decision",
		zap.String("job_id", jobID),
		zap.Bool("should_retry", d.ShouldRetry),
		zap.Duration("delay", d.Delay),
		zap.String("reason", d.Reason))
	return d
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
