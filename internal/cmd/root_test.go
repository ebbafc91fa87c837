package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentryal/sarpipe/internal/server/handlers"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		SetVersionInfo(origVersion, origCommit, origBuildDate)
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
			assert.Equal(t, tt.version, handlers.Version)
			assert.Equal(t, tt.commit, handlers.GitCommit)
			assert.Equal(t, tt.buildDate, handlers.BuildDate)
		})
	}
}

func TestRootCommandRegistration(t *testing.T) {
	names := map[string]bool{}
	for _, sub := range rootCmd.Commands() {
		names[sub.Name()] = true
	}

	assert.True(t, names["serve"], "serve command should be registered")
	assert.True(t, names["process"], "process command should be registered")
	assert.True(t, names["doctor"], "doctor command should be registered")
	assert.True(t, names["version"], "version command should be registered")
}

func TestFlagOverrides(t *testing.T) {
	origLevel, origProfile := flagLogLevel, flagLogProfile
	defer func() { flagLogLevel, flagLogProfile = origLevel, origProfile }()

	flagLogLevel, flagLogProfile = "", ""
	assert.Empty(t, flagOverrides())

	flagLogLevel = "debug"
	flagLogProfile = "CONSOLE"
	overrides := flagOverrides()
	assert.Equal(t, "debug", overrides["logging.level"])
	assert.Equal(t, "CONSOLE", overrides["logging.profile"])
}
