// ABOUTME: Runs one session through the step sequence and applies its outcome to the queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/styelz/dwarf-scheduler-sub000/internal/device"
	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

// Outcome is the result applied to one executed session.
type Outcome struct {
	Key            string               `json:"key"`
	Name           string               `json:"name"`
	Status         models.HistoryStatus `json:"status"`
	State          models.SessionState  `json:"state"`
	Error          string               `json:"error,omitempty"`
	FramesCaptured int                  `json:"frames_captured"`
	Duration       time.Duration        `json:"duration"`
}

// Execute runs one ToDo session to a terminal outcome:
//
//   - success: Running -> Done, history "Completed"
//   - contention: Running -> ToDo, history "Postponed"
//   - abort: Running -> Failed ("aborted by user"), history "Aborted"
//   - any other failure: Running -> Failed, history "Failed"
//
// The telescope is disconnected on every path. The returned error is only
// set when the session could not be started or its outcome not stored.
func (e *Engine) Execute(ctx context.Context, session models.Session) (Outcome, error) {
	if !e.runMu.TryLock() {
		return Outcome{}, ErrExecuting
	}
	defer e.runMu.Unlock()

	running, err := e.store.Move(session.Key, models.StateToDo, models.StateRunning)
	if err != nil {
		return Outcome{}, fmt.Errorf("start %s: %w", session.Key, err)
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	exec := &execution{
		key:     running.Key,
		name:    running.Name,
		started: e.now(),
		cancel:  cancel,
		done:    make(chan struct{}),
		phase:   PhaseQueued,
	}
	e.mu.Lock()
	e.current = exec
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()
		close(exec.done)
	}()

	e.status("executing %s (%s)", running.Name, running.Target)
	frames, runErr := e.runSteps(execCtx, exec, running)

	cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cleanupCancel()
	exec.setPhase(PhaseCleanup)
	e.device.Disconnect(cleanupCtx)

	outcome := Outcome{
		Key:            running.Key,
		Name:           running.Name,
		FramesCaptured: frames,
		Duration:       e.now().Sub(exec.started),
	}
	switch {
	case runErr != nil && exec.wasAborted():
		outcome.Status, outcome.State, outcome.Error = models.HistoryAborted, models.StateFailed, ErrAborted.Error()
	case runErr == nil:
		outcome.Status, outcome.State = models.HistoryCompleted, models.StateDone
	case e.isContention(runErr):
		outcome.Status, outcome.State = models.HistoryPostponed, models.StateToDo
		outcome.Error = "telescope busy: " + runErr.Error()
	case ctx.Err() != nil:
		outcome.Status, outcome.State = models.HistoryFailed, models.StateFailed
		outcome.Error = "engine stopped during execution: " + runErr.Error()
	default:
		outcome.Status, outcome.State, outcome.Error = models.HistoryFailed, models.StateFailed, runErr.Error()
	}
	return outcome, e.applyOutcome(cleanupCtx, exec, running, outcome)
}

func (e *Engine) applyOutcome(ctx context.Context, exec *execution, session models.Session, outcome Outcome) error {
	moved, err := e.store.Move(session.Key, models.StateRunning, outcome.State)
	if err != nil {
		e.logger.Printf("scheduler: move %s to %s: %v", session.Key, outcome.State, err)
		return fmt.Errorf("apply outcome %s: %w", session.Key, err)
	}
	if moved.LastError != outcome.Error {
		moved.LastError = outcome.Error
		if err := e.store.Update(moved); err != nil {
			e.logger.Printf("scheduler: record error on %s: %v", moved.Key, err)
		}
	}

	rec := models.NewHistoryRecord(moved, outcome.Status, e.now())
	rec.FramesCaptured = outcome.FramesCaptured
	rec.Duration = outcome.Duration
	rec.Error = outcome.Error
	e.record(ctx, rec)
	e.metrics.ObserveOutcome(outcome.Status, outcome.Duration)

	exec.setPhase(PhaseFinished)
	e.publishUpdate(exec, SessionUpdate{
		FramesCaptured: outcome.FramesCaptured,
		FramesTotal:    session.Capture.Frames,
		Error:          outcome.Error,
		Outcome:        outcome.Status,
	})
	if outcome.Error != "" {
		e.status("%s %s: %s", session.Name, outcome.Status, outcome.Error)
	} else {
		e.status("%s %s", session.Name, outcome.Status)
	}
	return nil
}

// runSteps drives the telescope through the step sequence and returns the
// number of frames captured.
func (e *Engine) runSteps(ctx context.Context, exec *execution, s models.Session) (int, error) {
	dev := e.device
	cal := s.Calibration

	e.enter(exec, PhaseConnect)
	if err := dev.Connect(ctx); err != nil {
		return 0, err
	}
	e.enter(exec, PhaseStartSession)
	if err := dev.StartSession(ctx); err != nil {
		return 0, err
	}

	if cal.AutoFocus || cal.InfiniteFocus {
		e.enter(exec, PhaseAutoFocus)
		opts := device.FocusOptions{
			Infinite: cal.InfiniteFocus,
			Timeout:  time.Duration(cal.FocusTimeoutSeconds) * time.Second,
		}
		if err := e.soft(exec, dev.AutoFocus(ctx, opts)); err != nil {
			return 0, err
		}
	}
	if cal.EQSolving {
		e.enter(exec, PhasePolarAlign)
		if err := e.soft(exec, dev.AlignPolar(ctx)); err != nil {
			return 0, err
		}
	}
	if cal.Calibration {
		e.enter(exec, PhaseCalibration)
		if err := e.soft(exec, dev.Calibrate(ctx)); err != nil {
			return 0, err
		}
	}

	e.enter(exec, PhaseGoto)
	target := device.Target{Name: s.Target, RA: s.Coordinates.RA, Dec: s.Coordinates.Dec}
	if err := dev.Goto(ctx, target); err != nil {
		return 0, err
	}

	if cal.AutoGuide {
		e.enter(exec, PhaseGuiding)
		err := dev.StartGuiding(ctx)
		if err == nil {
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
				defer cancel()
				if err := dev.StopGuiding(stopCtx); err != nil {
					e.logger.Printf("scheduler: %s: stop guiding: %v", s.Key, err)
				}
			}()
		}
		if err := e.soft(exec, err); err != nil {
			return 0, err
		}
	}

	if cal.SettlingSeconds > 0 {
		e.enter(exec, PhaseSettling)
		if err := e.sleep(ctx, time.Duration(cal.SettlingSeconds)*time.Second); err != nil {
			return 0, err
		}
	}

	e.enter(exec, PhaseCamera)
	if err := dev.ConfigureCamera(ctx, s.Capture); err != nil {
		return 0, err
	}
	e.enter(exec, PhaseCapture)
	if err := dev.StartCapture(ctx); err != nil {
		return 0, err
	}
	progress, err := dev.WaitCapture(ctx, s.Capture, func(p device.CaptureProgress) {
		e.publishUpdate(exec, SessionUpdate{
			FramesCaptured: p.FramesCaptured,
			FramesTotal:    p.FramesTotal,
		})
	})
	if err != nil {
		if isInterruption(err) || ctx.Err() != nil {
			return progress.FramesCaptured, err
		}
		// Reaching the end of the capture wait counts as a completed run.
		e.status("%s: capture wait ended with %v; keeping %d frame(s)", s.Name, err, progress.FramesCaptured)
	}
	return progress.FramesCaptured, nil
}

// soft logs a failed optional step and lets execution continue. Contention
// and cancellation still unwind.
func (e *Engine) soft(exec *execution, err error) error {
	if err == nil {
		return nil
	}
	if isInterruption(err) {
		return err
	}
	e.status("%s: %s failed, continuing: %v", exec.name, exec.currentPhase(), err)
	return nil
}

func (e *Engine) enter(exec *execution, phase string) {
	exec.setPhase(phase)
	e.publishUpdate(exec, SessionUpdate{})
}

func (e *Engine) publishUpdate(exec *execution, update SessionUpdate) {
	update.Key = exec.key
	update.Name = exec.name
	update.Phase = exec.currentPhase()
	update.Elapsed = e.now().Sub(exec.started)
	e.bus.Publish(Event{Kind: EventSession, Time: e.now(), Session: &update})
}

// isContention reports whether a failed run should be postponed rather than
// failed.
func (e *Engine) isContention(err error) bool {
	return e.device.IsBusyDetected() || errors.Is(err, device.ErrBusy) || device.MentionsBusy(err.Error())
}

func isInterruption(err error) bool {
	return errors.Is(err, device.ErrBusy) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
