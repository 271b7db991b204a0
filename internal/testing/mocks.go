// ABOUTME: In-memory telescope and history recorder doubles with scriptable failures and blocking.
package testing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/styelz/dwarf-scheduler-sub000/internal/device"
	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

// Telescope operation names recorded by MockTelescope.
const (
	OpConnect         = "Connect"
	OpStartSession    = "StartSession"
	OpAutoFocus       = "AutoFocus"
	OpAlignPolar      = "AlignPolar"
	OpCalibrate       = "Calibrate"
	OpGoto            = "Goto"
	OpStartGuiding    = "StartGuiding"
	OpStopGuiding     = "StopGuiding"
	OpConfigureCamera = "ConfigureCamera"
	OpStartCapture    = "StartCapture"
	OpWaitCapture     = "WaitCapture"
	OpEmergencyStop   = "EmergencyStop"
	OpDisconnect      = "Disconnect"
)

// MockTelescope is an in-memory telescope with scriptable failures.
type MockTelescope struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	blocked map[string]chan struct{}

	// BusyOnConnect makes Connect latch contention and fail with ErrBusy.
	BusyOnConnect bool
	// BlockCapture makes WaitCapture wait until its context is canceled.
	BlockCapture bool
	// CaptureStarted is closed the first time WaitCapture runs.
	CaptureStarted chan struct{}
	// Progress is reported by WaitCapture, one callback per entry.
	Progress []int

	busy          atomic.Bool
	connected     atomic.Bool
	sessionActive atomic.Bool
	captureActive atomic.Bool
	captureOnce   sync.Once
}

// NewMockTelescope creates a telescope where every operation succeeds.
func NewMockTelescope() *MockTelescope {
	return &MockTelescope{
		fail:           make(map[string]error),
		blocked:        make(map[string]chan struct{}),
		CaptureStarted: make(chan struct{}),
	}
}

// FailOn makes operation op return err.
func (m *MockTelescope) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = err
}

// BlockOn makes operation op wait until its context is canceled. The
// returned channel is closed when op starts blocking.
func (m *MockTelescope) BlockOn(op string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	started := make(chan struct{})
	m.blocked[op] = started
	return started
}

// SetBusy latches or clears the contention flag.
func (m *MockTelescope) SetBusy(busy bool) {
	m.busy.Store(busy)
}

// Calls returns the recorded operation names in call order.
func (m *MockTelescope) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Called reports whether op was invoked at least once.
func (m *MockTelescope) Called(op string) bool {
	for _, call := range m.Calls() {
		if call == op {
			return true
		}
	}
	return false
}

// Reset clears recorded calls.
func (m *MockTelescope) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MockTelescope) record(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls = append(m.calls, op)
	err := m.fail[op]
	started, block := m.blocked[op]
	if block {
		delete(m.blocked, op)
	}
	m.mu.Unlock()
	if block {
		close(started)
		<-ctx.Done()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (m *MockTelescope) Connect(ctx context.Context) error {
	if err := m.record(ctx, OpConnect); err != nil {
		return err
	}
	if m.BusyOnConnect {
		m.busy.Store(true)
		return fmt.Errorf("connect: %w", device.ErrBusy)
	}
	m.connected.Store(true)
	return nil
}

func (m *MockTelescope) StartSession(ctx context.Context) error {
	if err := m.record(ctx, OpStartSession); err != nil {
		return err
	}
	m.sessionActive.Store(true)
	return nil
}

func (m *MockTelescope) AutoFocus(ctx context.Context, _ device.FocusOptions) error {
	return m.record(ctx, OpAutoFocus)
}

func (m *MockTelescope) AlignPolar(ctx context.Context) error {
	return m.record(ctx, OpAlignPolar)
}

func (m *MockTelescope) Calibrate(ctx context.Context) error {
	return m.record(ctx, OpCalibrate)
}

func (m *MockTelescope) Goto(ctx context.Context, _ device.Target) error {
	return m.record(ctx, OpGoto)
}

func (m *MockTelescope) StartGuiding(ctx context.Context) error {
	return m.record(ctx, OpStartGuiding)
}

func (m *MockTelescope) StopGuiding(ctx context.Context) error {
	return m.record(ctx, OpStopGuiding)
}

func (m *MockTelescope) ConfigureCamera(ctx context.Context, _ models.CaptureSettings) error {
	return m.record(ctx, OpConfigureCamera)
}

func (m *MockTelescope) StartCapture(ctx context.Context) error {
	if err := m.record(ctx, OpStartCapture); err != nil {
		return err
	}
	m.captureActive.Store(true)
	return nil
}

func (m *MockTelescope) WaitCapture(ctx context.Context, settings models.CaptureSettings, progress func(device.CaptureProgress)) (device.CaptureProgress, error) {
	m.captureOnce.Do(func() { close(m.CaptureStarted) })
	latest := device.CaptureProgress{FramesTotal: settings.Frames}
	if err := m.record(ctx, OpWaitCapture); err != nil {
		return latest, err
	}
	for _, frames := range m.Progress {
		latest.FramesCaptured = frames
		if progress != nil {
			progress(latest)
		}
	}
	if m.BlockCapture {
		<-ctx.Done()
		return latest, ctx.Err()
	}
	if len(m.Progress) == 0 {
		latest.FramesCaptured = settings.Frames
	}
	m.captureActive.Store(false)
	return latest, nil
}

func (m *MockTelescope) EmergencyStop(ctx context.Context) error {
	m.sessionActive.Store(false)
	m.captureActive.Store(false)
	return m.record(ctx, OpEmergencyStop)
}

func (m *MockTelescope) Disconnect(ctx context.Context) {
	_ = m.record(context.WithoutCancel(ctx), OpDisconnect)
	m.connected.Store(false)
	m.sessionActive.Store(false)
	m.captureActive.Store(false)
}

func (m *MockTelescope) IsBusyDetected() bool { return m.busy.Load() }

func (m *MockTelescope) ClearBusyDetection() { m.busy.Store(false) }

func (m *MockTelescope) Snapshot() device.SessionState {
	return device.SessionState{
		Connected:     m.connected.Load(),
		SessionActive: m.sessionActive.Load(),
		CaptureActive: m.captureActive.Load(),
		Busy:          m.busy.Load(),
	}
}

// MockHistoryRecorder keeps recorded history rows in memory.
type MockHistoryRecorder struct {
	mu      sync.Mutex
	records []models.HistoryRecord
	Err     error
}

func (m *MockHistoryRecorder) Record(_ context.Context, rec models.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of what was recorded.
func (m *MockHistoryRecorder) Records() []models.HistoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.HistoryRecord(nil), m.records...)
}

// Statuses returns "<session>:<status>" per record, in order.
func (m *MockHistoryRecorder) Statuses() []string {
	var out []string
	for _, rec := range m.Records() {
		out = append(out, rec.SessionName+":"+string(rec.Status))
	}
	return out
}

// ErrorFor returns the error text recorded for session, or "".
func (m *MockHistoryRecorder) ErrorFor(session string) string {
	for _, rec := range m.Records() {
		if strings.EqualFold(rec.SessionName, session) {
			return rec.Error
		}
	}
	return ""
}
