package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

// EventKind distinguishes plain status text from structured session updates.
type EventKind string

const (
	EventStatus  EventKind = "status"
	EventSession EventKind = "session"
)

// Execution phases reported in session updates.
const (
	PhaseQueued       = "queued"
	PhaseConnect      = "connect"
	PhaseStartSession = "start_session"
	PhaseAutoFocus    = "autofocus"
	PhasePolarAlign   = "polar_align"
	PhaseCalibration  = "calibration"
	PhaseGoto         = "goto"
	PhaseGuiding      = "guiding"
	PhaseSettling     = "settling"
	PhaseCamera       = "camera"
	PhaseCapture      = "capture"
	PhaseCleanup      = "cleanup"
	PhaseFinished     = "finished"
)

// Event is published on the engine bus. Exactly one of Message or Session
// is meaningful, depending on Kind.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Time    time.Time      `json:"time"`
	Message string         `json:"message,omitempty"`
	Session *SessionUpdate `json:"session,omitempty"`
}

// SessionUpdate describes the progress of the executing session.
type SessionUpdate struct {
	Key            string               `json:"key"`
	Name           string               `json:"name"`
	Phase          string               `json:"phase"`
	FramesCaptured int                  `json:"frames_captured"`
	FramesTotal    int                  `json:"frames_total"`
	Elapsed        time.Duration        `json:"elapsed"`
	Error          string               `json:"error,omitempty"`
	Outcome        models.HistoryStatus `json:"outcome,omitempty"`
}

// Bus fans engine events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Uint64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room for it.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped is the number of deliveries skipped because a buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
