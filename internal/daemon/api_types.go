package daemon

import (
	"encoding/json"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
	"github.com/styelz/dwarf-scheduler-sub000/internal/scheduler"
)

type V1ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type V1StatusMetrics struct {
	Enabled bool `json:"enabled"`
}

type V1StatusResponse struct {
	Version       string             `json:"version"`
	Engine        scheduler.Snapshot `json:"engine"`
	Queue         map[string]int     `json:"queue"`
	Metrics       V1StatusMetrics    `json:"metrics"`
	DroppedEvents uint64             `json:"dropped_events,omitempty"`
}

type V1AbortResponse struct {
	SessionKey  string `json:"session_key"`
	SessionName string `json:"session_name"`
}

type V1RecoverRequest struct {
	To string `json:"to"`
}

type V1RecoverResponse struct {
	To        string `json:"to"`
	Recovered int    `json:"recovered"`
}

type V1SessionsResponse struct {
	Sessions []models.Session `json:"sessions"`
}

type V1Event struct {
	ID         int64           `json:"id"`
	Timestamp  string          `json:"ts"`
	Kind       string          `json:"kind"`
	SessionKey string          `json:"session_key,omitempty"`
	Phase      string          `json:"phase,omitempty"`
	Message    string          `json:"msg,omitempty"`
	Payload    json.RawMessage `json:"json,omitempty"`
}

type V1EventsResponse struct {
	Events []V1Event `json:"events"`
	LastID int64     `json:"last_id,omitempty"`
}
