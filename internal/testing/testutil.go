// Package testing provides shared test utilities for the scheduler packages.
//
// Key utilities:
//   - Model factories: NewTestSession
//   - Test helpers: TempFile, ParseTime, AssertJSONEqual
//   - Fakes: MockTelescope, MockHistoryRecorder
//
// The package is designed to work with github.com/stretchr/testify for
// assertions.
package testing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests: an autumn evening
// after the default day change hour.
var FixedTime = time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC)

// Common test constants used across the test suite.
const (
	TestTarget  = "M31"
	TestRA      = 0.712305
	TestDec     = 41.269065
	TestFrames  = 10
	TestExpose  = 15.0
	TestGain    = 80
	TestSession = "M31 Andromeda"
)

// AssertJSONEqual asserts that two values marshal to semantically equal JSON.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile writes content to a file named name in a fresh temp dir and
// returns its path.
func TempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write temp file")
	return path
}

// ParseTime parses an RFC3339 timestamp or fails the test.
func ParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err, "failed to parse time %q", s)
	return ts
}

// SessionOpts holds optional overrides for NewTestSession. Zero fields use
// the defaults below.
type SessionOpts struct {
	Name        string
	Target      string
	StartTime   time.Time
	Frames      int
	Exposure    float64
	Calibration *models.CalibrationSettings
}

// NewTestSession builds a valid session that is due at FixedTime unless
// opts.StartTime says otherwise.
//
// Example:
//
//	s := testutil.NewTestSession(testutil.SessionOpts{
//	    Name:      "late",
//	    StartTime: testutil.FixedTime.Add(time.Hour),
//	})
func NewTestSession(opts SessionOpts) models.Session {
	s := models.Session{
		Name:   opts.Name,
		Target: opts.Target,
		Coordinates: models.Coordinates{
			RA:  TestRA,
			Dec: TestDec,
		},
		StartTime: opts.StartTime,
		Capture: models.CaptureSettings{
			Frames:          opts.Frames,
			ExposureSeconds: opts.Exposure,
			Gain:            TestGain,
			Binning:         models.Binning1x1,
			Filter:          models.FilterAstro,
		},
	}
	if s.Name == "" {
		s.Name = TestSession
	}
	if s.Target == "" {
		s.Target = TestTarget
	}
	if s.StartTime.IsZero() {
		s.StartTime = FixedTime
	}
	if s.Capture.Frames == 0 {
		s.Capture.Frames = TestFrames
	}
	if s.Capture.ExposureSeconds == 0 {
		s.Capture.ExposureSeconds = TestExpose
	}
	if opts.Calibration != nil {
		s.Calibration = *opts.Calibration
	}
	return s
}
