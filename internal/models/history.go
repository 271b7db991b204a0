package models

import "time"

// HistoryStatus is the outcome recorded for one execution attempt.
type HistoryStatus string

const (
	HistoryCompleted HistoryStatus = "Completed"
	HistoryFailed    HistoryStatus = "Failed"
	HistoryPostponed HistoryStatus = "Postponed"
	HistoryAborted   HistoryStatus = "Aborted"
)

// HistoryRecord is an immutable row of the history log.
//
// Temperature, Humidity and Seeing are environment fields the engine never
// fills; collaborators may supply them when importing records.
type HistoryRecord struct {
	SessionName    string
	Target         string
	Timestamp      time.Time
	Status         HistoryStatus
	Coordinates    Coordinates
	Capture        CaptureSettings
	Calibration    CalibrationSettings
	FramesCaptured int
	Duration       time.Duration
	Error          string
	Temperature    string
	Humidity       string
	Seeing         string
}

// TotalExposureSeconds is frames captured times the exposure per frame.
func (r HistoryRecord) TotalExposureSeconds() float64 {
	return float64(r.FramesCaptured) * r.Capture.ExposureSeconds
}

// NewHistoryRecord snapshots a session into a record.
func NewHistoryRecord(s Session, status HistoryStatus, at time.Time) HistoryRecord {
	return HistoryRecord{
		SessionName: s.Name,
		Target:      s.Target,
		Timestamp:   at,
		Status:      status,
		Coordinates: s.Coordinates,
		Capture:     s.Capture,
		Calibration: s.Calibration,
	}
}
