package daemon

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/styelz/dwarf-scheduler-sub000/internal/db"
	"github.com/styelz/dwarf-scheduler-sub000/internal/scheduler"
)

const journalWriteTimeout = 5 * time.Second

// journal persists engine bus events to the event store. Session updates are
// written when the phase changes; progress ticks within a phase are not.
type journal struct {
	store     *db.Store
	logger    *log.Logger
	lastPhase map[string]string
}

func newJournal(store *db.Store, logger *log.Logger) *journal {
	if logger == nil {
		logger = log.Default()
	}
	return &journal{store: store, logger: logger, lastPhase: make(map[string]string)}
}

// consume drains events until the channel is closed.
func (j *journal) consume(events <-chan scheduler.Event) {
	for ev := range events {
		j.handle(ev)
	}
}

func (j *journal) handle(ev scheduler.Event) {
	row, ok := j.toRow(ev)
	if !ok {
		return
	}
	if ev.Session != nil {
		j.logger.Printf("dwarfd: %s: %s", ev.Session.Name, row.Message)
	}
	if j.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	if _, err := j.store.RecordEvent(ctx, row); err != nil {
		j.logger.Printf("dwarfd: journal %s: %v", row.Kind, err)
	}
}

func (j *journal) toRow(ev scheduler.Event) (db.Event, bool) {
	switch ev.Kind {
	case scheduler.EventStatus:
		msg := strings.TrimSpace(ev.Message)
		if msg == "" {
			return db.Event{}, false
		}
		return db.Event{Timestamp: ev.Time, Kind: statusEventKind(msg), Message: msg}, true
	case scheduler.EventSession:
		update := ev.Session
		if update == nil || update.Key == "" {
			return db.Event{}, false
		}
		previous, seen := j.lastPhase[update.Key]
		if seen && previous == update.Phase {
			return db.Event{}, false
		}
		row := db.Event{
			Timestamp:  ev.Time,
			SessionKey: update.Key,
			Phase:      update.Phase,
		}
		switch {
		case update.Phase == scheduler.PhaseFinished:
			delete(j.lastPhase, update.Key)
			row.Kind = db.EventSessionResult
			row.Message = string(update.Outcome)
			if update.Error != "" {
				row.Message += ": " + update.Error
			}
		case !seen:
			j.lastPhase[update.Key] = update.Phase
			row.Kind = db.EventSessionStart
			row.Message = "started at " + update.Phase
		default:
			j.lastPhase[update.Key] = update.Phase
			row.Kind = db.EventSessionStep
			row.Message = update.Phase
		}
		if payload, err := json.Marshal(update); err == nil {
			row.JSON = string(payload)
		}
		return row, true
	}
	return db.Event{}, false
}

// statusEventKind classifies an engine status line.
func statusEventKind(msg string) string {
	normalized := strings.ToLower(msg)
	switch {
	case strings.HasPrefix(normalized, "scheduler error"):
		return db.EventEngineError
	case strings.HasPrefix(normalized, "telescope") && strings.Contains(normalized, "busy"),
		strings.Contains(normalized, "controlled by another application"):
		return db.EventBusy
	case strings.HasPrefix(normalized, "recovered"):
		return db.EventRecovered
	case strings.HasPrefix(normalized, "aborting"):
		return db.EventAbort
	case strings.HasPrefix(normalized, "executing"):
		return db.EventSweep
	}
	return db.EventStatus
}
