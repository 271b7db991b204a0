// ABOUTME: Event journal persistence: record, list, tail and prune engine events.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event kinds written by the scheduler.
const (
	EventStatus        = "scheduler.status"
	EventSweep         = "scheduler.sweep"
	EventSessionStart  = "session.start"
	EventSessionStep   = "session.step"
	EventSessionResult = "session.result"
	EventBusy          = "device.busy"
	EventRecovered     = "session.recovered"
	EventAbort         = "session.abort"
	EventEngineError   = "scheduler.error"
)

// Event is one journal row.
type Event struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"ts"`
	Kind       string    `json:"kind"`
	SessionKey string    `json:"session_key,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	Message    string    `json:"msg,omitempty"`
	JSON       string    `json:"json,omitempty"`
}

// RecordEvent appends ev and returns its id. A zero timestamp is stamped
// with the store clock.
func (s *Store) RecordEvent(ctx context.Context, ev Event) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	if strings.TrimSpace(ev.Kind) == "" {
		return 0, errors.New("event kind is required")
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO events (ts, kind, session_key, phase, msg, json) VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(ts), ev.Kind, nullIfEmpty(ev.SessionKey), nullIfEmpty(ev.Phase), nullIfEmpty(ev.Message), nullIfEmpty(ev.JSON))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// ListEvents returns events with id > afterID in id order. An empty
// sessionKey lists events of every session.
func (s *Store) ListEvents(ctx context.Context, sessionKey string, afterID int64, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	sessionKey = strings.TrimSpace(sessionKey)
	var (
		rows *sql.Rows
		err  error
	)
	if sessionKey == "" {
		rows, err = s.DB.QueryContext(ctx, `SELECT id, ts, kind, session_key, phase, msg, json
			FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT id, ts, kind, session_key, phase, msg, json
			FROM events WHERE session_key = ? AND id > ? ORDER BY id ASC LIMIT ?`, sessionKey, afterID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// ListEventsTail returns the newest limit events, oldest first.
func (s *Store) ListEventsTail(ctx context.Context, sessionKey string, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	sessionKey = strings.TrimSpace(sessionKey)
	var (
		rows *sql.Rows
		err  error
	)
	if sessionKey == "" {
		rows, err = s.DB.QueryContext(ctx, `SELECT id, ts, kind, session_key, phase, msg, json
			FROM events ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT id, ts, kind, session_key, phase, msg, json
			FROM events WHERE session_key = ? ORDER BY id DESC LIMIT ?`, sessionKey, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list events tail: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events tail: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PruneEvents deletes events older than cutoff and returns how many went.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return n, nil
}

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var ev Event
	var ts string
	var sessionKey, phase, msg, jsonPayload sql.NullString
	if err := scanner.Scan(&ev.ID, &ts, &ev.Kind, &sessionKey, &phase, &msg, &jsonPayload); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}
	parsed, err := parseTime(ts)
	if err != nil {
		return Event{}, fmt.Errorf("parse event ts: %w", err)
	}
	ev.Timestamp = parsed
	ev.SessionKey = sessionKey.String
	ev.Phase = phase.String
	ev.Message = msg.String
	ev.JSON = jsonPayload.String
	return ev, nil
}
