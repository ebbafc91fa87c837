// Package observability wires zap loggers for the server and the CLI.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Profiles select the encoder used for log output.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

// Logger is the process-wide structured logger. It defaults to a no-op
// logger until Init is called so library code can log unconditionally.
var Logger = zap.NewNop()

// CLILogger is used by cobra commands for operator-facing output. It shares
// the level with Logger but always uses the console encoder.
var CLILogger = zap.NewNop()

// Init builds the package loggers from the configured level and profile.
func Init(level, profile string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	structured, err := buildLogger(lvl, strings.ToUpper(strings.TrimSpace(profile)))
	if err != nil {
		return err
	}

	console, err := buildLogger(lvl, ProfileConsole)
	if err != nil {
		return err
	}

	Logger = structured
	CLILogger = console
	return nil
}

func buildLogger(lvl zapcore.Level, profile string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	switch profile {
	case ProfileStructured, "":
		cfg.Encoding = "json"
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.DisableCaller = true
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("unknown logging profile %q", profile)
	}

	return cfg.Build()
}

// Sync flushes buffered log entries. Safe to call on shutdown paths.
func Sync() {
	_ = Logger.Sync()
	_ = CLILogger.Sync()
}
