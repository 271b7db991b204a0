// Package models provides data structures and constants for the scheduler.
//
// This package contains the core domain models used throughout the repo:
//   - Session: one scheduled unit of telescope work and its lifecycle state
//   - CaptureSettings / CalibrationSettings: per-session device parameters
//   - HistoryRecord: immutable outcome row written once per terminal outcome
//
// All models are designed for JSON documents on disk and YAML definitions
// supplied by operators.
package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// SessionState is the queue partition currently holding a session.
//
// Transitions driven by the engine:
//
//	Available → ToDo → Running → (Done|Failed)
//
// Running can also go back to ToDo when the device is held by another
// controller (postponed, not failed).
type SessionState string

const (
	// StateAvailable holds sessions that were defined but not scheduled.
	StateAvailable SessionState = "Available"
	// StateToDo holds sessions eligible for execution once due.
	StateToDo SessionState = "ToDo"
	// StateRunning holds the single session being executed.
	StateRunning SessionState = "Running"
	// StateDone holds sessions that completed.
	StateDone SessionState = "Done"
	// StateFailed holds sessions that failed, were aborted or were orphaned.
	StateFailed SessionState = "Failed"
)

var allStates = []SessionState{StateAvailable, StateToDo, StateRunning, StateDone, StateFailed}

// AllStates returns every state in the fixed lookup order.
func AllStates() []SessionState {
	out := make([]SessionState, len(allStates))
	copy(out, allStates)
	return out
}

// Valid reports whether s names a known partition.
func (s SessionState) Valid() bool {
	for _, state := range allStates {
		if s == state {
			return true
		}
	}
	return false
}

// ParseSessionState resolves a user supplied state name.
func ParseSessionState(raw string) (SessionState, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "", "_", "", " ", "").Replace(normalized)
	for _, state := range allStates {
		if strings.ToLower(string(state)) == normalized {
			return state, nil
		}
	}
	return "", fmt.Errorf("unknown session state %q", raw)
}

// Binning modes supported by the camera.
const (
	Binning1x1 = "1x1"
	Binning2x2 = "2x2"
)

// Filter (IR cut) modes supported by the camera.
const (
	FilterVIS     = "VIS"
	FilterAstro   = "ASTRO"
	FilterDuoBand = "DUOBAND"
)

// Coordinates are the target position. RAText/DecText keep what the operator
// typed so it can be shown back unchanged.
type Coordinates struct {
	RA      float64 `json:"ra_hours" yaml:"ra_hours"`
	Dec     float64 `json:"dec_degrees" yaml:"dec_degrees"`
	RAText  string  `json:"ra_text,omitempty" yaml:"ra,omitempty"`
	DecText string  `json:"dec_text,omitempty" yaml:"dec,omitempty"`
}

// CaptureSettings are applied to the camera before capture starts.
type CaptureSettings struct {
	Frames          int     `json:"frames" yaml:"frames"`
	ExposureSeconds float64 `json:"exposure_seconds" yaml:"exposure_seconds"`
	Gain            int     `json:"gain" yaml:"gain"`
	Binning         string  `json:"binning" yaml:"binning"`
	Filter          string  `json:"filter" yaml:"filter"`
}

// CalibrationSettings select the optional preparation steps.
type CalibrationSettings struct {
	AutoFocus           bool `json:"auto_focus" yaml:"auto_focus"`
	InfiniteFocus       bool `json:"infinite_focus" yaml:"infinite_focus"`
	EQSolving           bool `json:"eq_solving" yaml:"eq_solving"`
	Calibration         bool `json:"calibration" yaml:"calibration"`
	AutoGuide           bool `json:"auto_guide" yaml:"auto_guide"`
	SettlingSeconds     int  `json:"settling_seconds" yaml:"settling_seconds"`
	FocusTimeoutSeconds int  `json:"focus_timeout_seconds,omitempty" yaml:"focus_timeout_seconds,omitempty"`
}

// Session is one scheduled unit of telescope work.
//
// Fields:
//   - ID: stable unique identifier (ses_<hex>)
//   - Name: operator assigned name; its sanitized form is the storage key
//   - Key: storage key derived from Name (filled by the store)
//   - StartTime: when the session becomes due
//   - State / StateChangedAt: stamped by the store on every move
type Session struct {
	ID             string              `json:"id" yaml:"id,omitempty"`
	Name           string              `json:"name" yaml:"name"`
	Key            string              `json:"key,omitempty" yaml:"-"`
	Target         string              `json:"target" yaml:"target"`
	Coordinates    Coordinates         `json:"coordinates" yaml:"coordinates"`
	StartTime      time.Time           `json:"start_time" yaml:"start_time"`
	Capture        CaptureSettings     `json:"capture" yaml:"capture"`
	Calibration    CalibrationSettings `json:"calibration" yaml:"calibration"`
	CreatedAt      time.Time           `json:"created_at" yaml:"-"`
	State          SessionState        `json:"state" yaml:"-"`
	StateChangedAt time.Time           `json:"state_changed_at" yaml:"-"`
	LastError      string              `json:"last_error,omitempty" yaml:"-"`
}

// ApplyDefaults fills fields a document may omit.
func (s *Session) ApplyDefaults() {
	if s.State == "" {
		s.State = StateAvailable
	}
	if s.Capture.Binning == "" {
		s.Capture.Binning = Binning1x1
	}
	if s.Capture.Filter == "" {
		s.Capture.Filter = FilterAstro
	}
	if s.Target == "" {
		s.Target = s.Name
	}
}

// Validate checks the operator supplied fields.
func (s Session) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !finite(s.Coordinates.RA) || s.Coordinates.RA < 0 || s.Coordinates.RA >= 24 {
		errs = append(errs, fmt.Errorf("ra %.4f out of range [0,24)", s.Coordinates.RA))
	}
	if !finite(s.Coordinates.Dec) || s.Coordinates.Dec < -90 || s.Coordinates.Dec > 90 {
		errs = append(errs, fmt.Errorf("dec %.4f out of range [-90,90]", s.Coordinates.Dec))
	}
	if s.Capture.Frames < 0 {
		errs = append(errs, errors.New("frames must be >= 0"))
	}
	if !finite(s.Capture.ExposureSeconds) || s.Capture.ExposureSeconds < 0 {
		errs = append(errs, errors.New("exposure must be a finite number >= 0"))
	}
	switch s.Capture.Binning {
	case "", Binning1x1, Binning2x2:
	default:
		errs = append(errs, fmt.Errorf("unsupported binning %q", s.Capture.Binning))
	}
	switch strings.ToUpper(s.Capture.Filter) {
	case "", FilterVIS, FilterAstro, FilterDuoBand:
	default:
		errs = append(errs, fmt.Errorf("unsupported filter %q", s.Capture.Filter))
	}
	if s.Calibration.SettlingSeconds < 0 {
		errs = append(errs, errors.New("settling time must be >= 0"))
	}
	if s.Calibration.FocusTimeoutSeconds < 0 {
		errs = append(errs, errors.New("focus timeout must be >= 0"))
	}
	return errors.Join(errs...)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ResolveCoordinates parses RAText/DecText into the decimal fields when the
// decimal values were not given.
func (s *Session) ResolveCoordinates() error {
	if s.Coordinates.RAText != "" {
		ra, err := ParseRA(s.Coordinates.RAText)
		if err != nil {
			return err
		}
		s.Coordinates.RA = ra
	}
	if s.Coordinates.DecText != "" {
		dec, err := ParseDec(s.Coordinates.DecText)
		if err != nil {
			return err
		}
		s.Coordinates.Dec = dec
	}
	return nil
}

// Due reports whether the session's start time has been reached.
func (s Session) Due(now time.Time) bool {
	return !s.StartTime.After(now)
}

// ExpectedCaptureDuration is the nominal time needed for all frames.
func (s Session) ExpectedCaptureDuration() time.Duration {
	seconds := float64(s.Capture.Frames) * s.Capture.ExposureSeconds
	return time.Duration(seconds * float64(time.Second))
}
