// Package scheduler runs due telescope sessions one at a time.
//
// A single worker goroutine (Run) sweeps the ToDo partition, executes every
// due session through the fixed step sequence and applies the outcome to the
// queue and the history log. Other goroutines observe the engine through
// Snapshot and the event Bus, and may abort the running session or recover
// orphaned ones.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/styelz/dwarf-scheduler-sub000/internal/device"
	"github.com/styelz/dwarf-scheduler-sub000/internal/history"
	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
	"github.com/styelz/dwarf-scheduler-sub000/internal/queue"
)

const (
	DefaultPollInterval       = 30 * time.Second
	DefaultErrorBackoff       = 60 * time.Second
	DefaultBusyReminderCycles = 10
	DefaultBusyResetCycles    = 20

	cleanupTimeout = 30 * time.Second
)

var (
	// ErrExecuting is returned when an operation needs the engine idle.
	ErrExecuting = errors.New("a session is executing")
	// ErrNotExecuting is returned by AbortCurrent when nothing runs.
	ErrNotExecuting = errors.New("no session is executing")
	// ErrAborted is the failure recorded for a session aborted by an operator.
	ErrAborted = errors.New("aborted by user")
)

// Device is the telescope surface the engine drives.
type Device interface {
	Connect(ctx context.Context) error
	StartSession(ctx context.Context) error
	AutoFocus(ctx context.Context, opts device.FocusOptions) error
	AlignPolar(ctx context.Context) error
	Calibrate(ctx context.Context) error
	Goto(ctx context.Context, target device.Target) error
	StartGuiding(ctx context.Context) error
	StopGuiding(ctx context.Context) error
	ConfigureCamera(ctx context.Context, settings models.CaptureSettings) error
	StartCapture(ctx context.Context) error
	WaitCapture(ctx context.Context, settings models.CaptureSettings, progress func(device.CaptureProgress)) (device.CaptureProgress, error)
	EmergencyStop(ctx context.Context) error
	Disconnect(ctx context.Context)
	IsBusyDetected() bool
	ClearBusyDetection()
	Snapshot() device.SessionState
}

// Config controls loop cadence and contention handling.
type Config struct {
	PollInterval       time.Duration
	ErrorBackoff       time.Duration
	BusyReminderCycles int
	BusyResetCycles    int
}

// DefaultConfig returns the standard cadence: a sweep every 30s, a reminder
// every 10 busy cycles and a busy reset after 20.
func DefaultConfig() Config {
	return Config{
		PollInterval:       DefaultPollInterval,
		ErrorBackoff:       DefaultErrorBackoff,
		BusyReminderCycles: DefaultBusyReminderCycles,
		BusyResetCycles:    DefaultBusyResetCycles,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = def.ErrorBackoff
	}
	if c.BusyReminderCycles <= 0 {
		c.BusyReminderCycles = def.BusyReminderCycles
	}
	if c.BusyResetCycles <= 0 {
		c.BusyResetCycles = def.BusyResetCycles
	}
	return c
}

// Engine is the scheduler. Construct with NewEngine.
type Engine struct {
	store    queue.Store
	device   Device
	recorder history.Recorder
	cfg      Config
	bus      *Bus
	metrics  *Metrics
	logger   *log.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	// runMu is held for the whole of an execution or a recovery.
	runMu sync.Mutex

	mu         sync.Mutex
	current    *execution
	looping    bool
	busyCycles int
	lastStatus string
	lastSweep  time.Time
}

type execution struct {
	key     string
	name    string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	phase   string
	aborted bool
}

func (x *execution) setPhase(phase string) {
	x.mu.Lock()
	x.phase = phase
	x.mu.Unlock()
}

func (x *execution) currentPhase() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.phase
}

func (x *execution) markAborted() {
	x.mu.Lock()
	x.aborted = true
	x.mu.Unlock()
}

func (x *execution) wasAborted() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.aborted
}

// NewEngine wires an engine. recorder may be nil when history is not kept.
func NewEngine(store queue.Store, dev Device, recorder history.Recorder, cfg Config, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		store:    store,
		device:   dev,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		bus:      NewBus(),
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// WithMetrics attaches Prometheus metrics.
func (e *Engine) WithMetrics(metrics *Metrics) *Engine {
	if e == nil {
		return e
	}
	e.metrics = metrics
	return e
}

// Bus returns the event bus.
func (e *Engine) Bus() *Bus {
	return e.bus
}

// Snapshot is the engine state as seen from other goroutines.
type Snapshot struct {
	Looping     bool                `json:"looping"`
	Executing   bool                `json:"executing"`
	SessionKey  string              `json:"session_key,omitempty"`
	SessionName string              `json:"session_name,omitempty"`
	Phase       string              `json:"phase,omitempty"`
	StartedAt   time.Time           `json:"started_at,omitempty"`
	BusyCycles  int                 `json:"busy_cycles"`
	LastStatus  string              `json:"last_status,omitempty"`
	LastSweep   time.Time           `json:"last_sweep,omitempty"`
	Device      device.SessionState `json:"device"`
}

// Snapshot reports the current engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	snap := Snapshot{
		Looping:    e.looping,
		BusyCycles: e.busyCycles,
		LastStatus: e.lastStatus,
		LastSweep:  e.lastSweep,
	}
	cur := e.current
	e.mu.Unlock()
	if cur != nil {
		snap.Executing = true
		snap.SessionKey = cur.key
		snap.SessionName = cur.name
		snap.Phase = cur.currentPhase()
		snap.StartedAt = cur.started
	}
	if e.device != nil {
		snap.Device = e.device.Snapshot()
	}
	return snap
}

// Run recovers orphaned sessions and then sweeps every PollInterval until
// ctx is canceled. A failing cycle is logged and followed by ErrorBackoff.
func (e *Engine) Run(ctx context.Context) error {
	if e == nil || e.store == nil || e.device == nil {
		return errors.New("scheduler engine unavailable")
	}
	e.mu.Lock()
	if e.looping {
		e.mu.Unlock()
		return errors.New("scheduler engine already running")
	}
	e.looping = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.looping = false
		e.mu.Unlock()
	}()

	if _, err := e.RecoverOrphans(ctx); err != nil && ctx.Err() == nil {
		e.logger.Printf("scheduler: startup recovery: %v", err)
	}
	e.status("scheduler started")
	for {
		wait := e.cfg.PollInterval
		if err := e.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			e.status("scheduler error: %v (retrying in %s)", err, e.cfg.ErrorBackoff)
			wait = e.cfg.ErrorBackoff
		}
		if err := e.sleep(ctx, wait); err != nil {
			break
		}
	}
	e.status("scheduler stopped")
	return nil
}

func (e *Engine) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in scheduler cycle: %v", r)
		}
	}()
	_, err = e.Sweep(ctx)
	return err
}

// SweepResult summarizes one cycle.
type SweepResult struct {
	Busy     bool
	Due      int
	Outcomes []Outcome
}

// Sweep runs one cycle: the contention check followed by serial execution
// of every due ToDo session, earliest start first. A sweep stops early once
// contention is detected.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	e.metrics.IncSweep()
	e.mu.Lock()
	e.lastSweep = e.now()
	e.mu.Unlock()

	if e.device.IsBusyDetected() {
		if !e.busyCycle() {
			return SweepResult{Busy: true}, nil
		}
	} else {
		e.mu.Lock()
		e.busyCycles = 0
		e.mu.Unlock()
	}

	todo, err := e.store.List(models.StateToDo)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list %s: %w", models.StateToDo, err)
	}
	queue.SortByStartTime(todo)
	due := queue.Due(todo, e.now())
	result := SweepResult{Due: len(due)}
	for _, session := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		outcome, err := e.Execute(ctx, session)
		if err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				// Unscheduled or deleted since the listing.
				continue
			}
			return result, err
		}
		result.Outcomes = append(result.Outcomes, outcome)
		if e.device.IsBusyDetected() {
			result.Busy = true
			break
		}
	}
	return result, nil
}

// busyCycle accounts one cycle under contention. It returns true when the
// busy flag was reset and the sweep may proceed.
func (e *Engine) busyCycle() bool {
	e.metrics.IncBusyCycle()
	e.mu.Lock()
	e.busyCycles++
	cycles := e.busyCycles
	reset := cycles >= e.cfg.BusyResetCycles
	if reset {
		e.busyCycles = 0
	}
	e.mu.Unlock()

	switch {
	case reset:
		e.device.ClearBusyDetection()
		e.status("telescope busy for %d cycles; clearing busy detection and retrying", cycles)
		return true
	case cycles == 1:
		e.status("telescope is controlled by another application; pausing scheduling")
	case cycles%e.cfg.BusyReminderCycles == 0:
		e.status("telescope still busy (%d cycles); scheduling paused", cycles)
	}
	return false
}

// RecoverOrphans moves every Running session to Failed. It runs before the
// first sweep: nothing can still be executing a session left in Running by a
// previous process.
func (e *Engine) RecoverOrphans(ctx context.Context) (int, error) {
	return e.moveRunning(ctx, models.StateFailed, "interrupted: engine restarted during execution")
}

// RecoverRunning moves every Running session to to (Failed, ToDo or
// Available). It is refused while a session executes.
func (e *Engine) RecoverRunning(ctx context.Context, to models.SessionState) (int, error) {
	switch to {
	case models.StateFailed, models.StateToDo, models.StateAvailable:
	default:
		return 0, fmt.Errorf("%w: cannot recover into %q", queue.ErrInvalidState, to)
	}
	return e.moveRunning(ctx, to, "recovered by operator")
}

func (e *Engine) moveRunning(ctx context.Context, to models.SessionState, reason string) (int, error) {
	if !e.runMu.TryLock() {
		return 0, ErrExecuting
	}
	defer e.runMu.Unlock()

	running, err := e.store.List(models.StateRunning)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", models.StateRunning, err)
	}
	var (
		count int
		errs  []error
	)
	for _, session := range running {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		moved, err := e.store.Move(session.Key, models.StateRunning, to)
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", session.Key, err))
			continue
		}
		count++
		if to == models.StateFailed {
			moved.LastError = reason
			if err := e.store.Update(moved); err != nil {
				e.logger.Printf("scheduler: record error on %s: %v", moved.Key, err)
			}
			rec := models.NewHistoryRecord(moved, models.HistoryFailed, e.now())
			rec.Error = reason
			e.record(ctx, rec)
		}
		e.logger.Printf("scheduler: recovered %s: Running -> %s", session.Key, to)
	}
	e.metrics.AddRecovered(to, count)
	if count > 0 {
		e.status("recovered %d session(s) from Running to %s", count, to)
	}
	return count, errors.Join(errs...)
}

// AbortCurrent stops the executing session: the telescope gets an emergency
// stop, the execution context is canceled, and the call returns once the
// worker has recorded the session as Failed with reason "aborted by user".
func (e *Engine) AbortCurrent(ctx context.Context) error {
	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()
	if cur == nil {
		return ErrNotExecuting
	}
	cur.markAborted()
	e.status("aborting %s", cur.name)
	if err := e.device.EmergencyStop(ctx); err != nil {
		e.logger.Printf("scheduler: emergency stop: %v", err)
	}
	cur.cancel()
	select {
	case <-cur.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) status(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("scheduler: %s", msg)
	e.mu.Lock()
	e.lastStatus = msg
	e.mu.Unlock()
	e.bus.Publish(Event{Kind: EventStatus, Time: e.now(), Message: msg})
}

func (e *Engine) record(ctx context.Context, rec models.HistoryRecord) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Printf("scheduler: history %s %s: %v", rec.Status, rec.SessionName, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
