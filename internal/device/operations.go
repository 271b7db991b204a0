// ABOUTME: Telescope capabilities (focus, alignment, goto, guiding, capture) built on Request and poll.
package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

// Poll cadence and bounds per operation.
const (
	FocusPollInterval       = 2 * time.Second
	FocusTimeout            = 60 * time.Second
	AlignPollInterval       = 5 * time.Second
	AlignTimeout            = 300 * time.Second
	CalibrationPollInterval = 5 * time.Second
	CalibrationTimeout      = 180 * time.Second
	GotoPollInterval        = 2 * time.Second
	GotoTimeout             = 120 * time.Second
	GuidePollInterval       = 2 * time.Second
	GuideTimeout            = 60 * time.Second
	CapturePollInterval     = 5 * time.Second

	preparePause       = 5 * time.Second
	cameraSettingPause = 500 * time.Millisecond
	cameraSettlePause  = 2 * time.Second
	captureFrameSlack  = 2 * time.Second
	captureTimeoutPad  = 300 * time.Second
	cleanupTimeout     = 10 * time.Second
)

// Status is the aggregate device status.
type Status struct {
	Connected   bool    `json:"connected"`
	Mode        string  `json:"mode"`
	Busy        bool    `json:"busy"`
	Battery     int     `json:"battery"`
	Temperature float64 `json:"temperature"`
	Tracking    bool    `json:"tracking"`
	Message     string  `json:"message"`
}

// Target is a goto destination.
type Target struct {
	Name string  `json:"target"`
	RA   float64 `json:"ra"`
	Dec  float64 `json:"dec"`
}

// CaptureProgress is reported while frames are taken.
type CaptureProgress struct {
	FramesCaptured int
	FramesTotal    int
	Elapsed        time.Duration
}

// FocusOptions selects the focus routine.
type FocusOptions struct {
	Infinite bool
	Timeout  time.Duration
}

// Status fetches the aggregate status. The response also feeds busy detection.
func (c *Client) Status(ctx context.Context) (Status, error) {
	resp, err := c.Request(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return Status{}, err
	}
	var status Status
	if err := resp.Decode(&status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// Connect synchronizes the device clock and confirms the device answers. Any
// previous local session state is discarded.
func (c *Client) Connect(ctx context.Context) error {
	c.resetSession()
	now := c.now()
	zone, _ := now.Zone()
	if _, err := c.Request(ctx, http.MethodPost, "/system/time", map[string]any{
		"timestamp": now.Unix(),
		"timezone":  zone,
	}); err != nil {
		return fmt.Errorf("connect: time sync: %w", err)
	}
	status, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("connect: status: %w", err)
	}
	if c.IsBusyDetected() {
		return fmt.Errorf("connect: %w", ErrBusy)
	}
	c.connected.Store(true)
	c.logf("device: connected (mode=%s battery=%d)", status.Mode, status.Battery)
	return nil
}

// StartSession puts the telescope in live imaging mode.
func (c *Client) StartSession(ctx context.Context) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if _, err := c.Request(ctx, http.MethodPost, "/session/start", nil); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	c.sessionActive.Store(true)
	return nil
}

// StopSession leaves live imaging mode.
func (c *Client) StopSession(ctx context.Context) error {
	_, err := c.Request(ctx, http.MethodPost, "/session/stop", nil)
	c.sessionActive.Store(false)
	if err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	return nil
}

// AutoFocus runs the area autofocus, or focuses at infinity when
// opts.Infinite is set, and waits for it to finish.
func (c *Client) AutoFocus(ctx context.Context, opts FocusOptions) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	mode := "area"
	if opts.Infinite {
		mode = "infinite"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = FocusTimeout
	}
	if _, err := c.Request(ctx, http.MethodPost, "/focus/auto", map[string]string{"mode": mode}); err != nil {
		return fmt.Errorf("autofocus (%s): %w", mode, err)
	}
	if _, err := c.poll(ctx, pollSpec{name: "autofocus", path: "/focus/status", interval: FocusPollInterval, timeout: timeout}, nil); err != nil {
		return fmt.Errorf("autofocus (%s): %w", mode, err)
	}
	return nil
}

// AlignPolar runs the EQ (polar) alignment solve.
func (c *Client) AlignPolar(ctx context.Context) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if err := c.sleep(ctx, preparePause); err != nil {
		return err
	}
	if _, err := c.Request(ctx, http.MethodPost, "/align/polar", nil); err != nil {
		return fmt.Errorf("polar align: %w", err)
	}
	if _, err := c.poll(ctx, pollSpec{name: "polar align", path: "/align/status", interval: AlignPollInterval, timeout: AlignTimeout}, nil); err != nil {
		return fmt.Errorf("polar align: %w", err)
	}
	return nil
}

// Calibrate runs the telescope's sky calibration.
func (c *Client) Calibrate(ctx context.Context) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if err := c.sleep(ctx, preparePause); err != nil {
		return err
	}
	if _, err := c.Request(ctx, http.MethodPost, "/calibration/start", nil); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	if _, err := c.poll(ctx, pollSpec{name: "calibration", path: "/calibration/status", interval: CalibrationPollInterval, timeout: CalibrationTimeout}, nil); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	return nil
}

// Goto slews to target and waits until the mount reports arrival. A slew that
// times out or is canceled is stopped.
func (c *Client) Goto(ctx context.Context, target Target) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if _, err := c.Request(ctx, http.MethodPost, "/goto", target); err != nil {
		return fmt.Errorf("goto %s: %w", target.Name, err)
	}
	_, err := c.poll(ctx, pollSpec{name: "goto", path: "/goto/status", interval: GotoPollInterval, timeout: GotoTimeout}, nil)
	if err != nil {
		if errors.Is(err, ErrTimeout) || isCanceled(err) {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			if stopErr := c.StopGoto(cleanupCtx); stopErr != nil {
				c.logf("device: stop goto after %v: %v", err, stopErr)
			}
			cancel()
		}
		return fmt.Errorf("goto %s: %w", target.Name, err)
	}
	return nil
}

// StopGoto halts a slew in progress.
func (c *Client) StopGoto(ctx context.Context) error {
	if _, err := c.request(ctx, http.MethodPost, "/goto/stop", nil, 1); err != nil {
		return fmt.Errorf("stop goto: %w", err)
	}
	return nil
}

type cameraSetting struct {
	key   string
	value any
}

// ConfigureCamera applies capture settings one key at a time. The first
// failing key aborts the whole setup.
func (c *Client) ConfigureCamera(ctx context.Context, settings models.CaptureSettings) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	binning := 0
	if settings.Binning == models.Binning2x2 {
		binning = 1
	}
	ordered := []cameraSetting{
		{key: "exposure", value: settings.ExposureSeconds},
		{key: "gain", value: settings.Gain},
		{key: "binning", value: binning},
		{key: "ir_cut", value: strings.ToUpper(settings.Filter)},
		{key: "frames", value: settings.Frames},
	}
	for i, setting := range ordered {
		if i > 0 {
			if err := c.sleep(ctx, cameraSettingPause); err != nil {
				return err
			}
		}
		body := map[string]any{"key": setting.key, "value": setting.value}
		if _, err := c.Request(ctx, http.MethodPost, "/camera/setting", body); err != nil {
			return fmt.Errorf("camera setup: setting %q: %w", setting.key, err)
		}
	}
	return c.sleep(ctx, cameraSettlePause)
}

// StartCapture begins taking the configured frames.
func (c *Client) StartCapture(ctx context.Context) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if _, err := c.Request(ctx, http.MethodPost, "/capture/start", nil); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	c.captureActive.Store(true)
	return nil
}

// WaitCapture polls capture progress until the device reports completion.
// The bound is derived from the planned frames and exposure.
func (c *Client) WaitCapture(ctx context.Context, settings models.CaptureSettings, progress func(CaptureProgress)) (CaptureProgress, error) {
	started := c.now()
	perFrame := time.Duration(settings.ExposureSeconds*float64(time.Second)) + captureFrameSlack
	timeout := time.Duration(settings.Frames)*perFrame + captureTimeoutPad
	latest := CaptureProgress{FramesTotal: settings.Frames}
	_, err := c.poll(ctx, pollSpec{name: "capture", path: "/capture/status", interval: CapturePollInterval, timeout: timeout}, func(status OperationStatus) {
		latest.FramesCaptured = status.FramesCaptured
		if status.FramesTotal > 0 {
			latest.FramesTotal = status.FramesTotal
		}
		latest.Elapsed = c.now().Sub(started)
		if progress != nil {
			progress(latest)
		}
	})
	if err != nil {
		return latest, fmt.Errorf("wait capture: %w", err)
	}
	c.captureActive.Store(false)
	return latest, nil
}

// StopCapture ends a capture in progress.
func (c *Client) StopCapture(ctx context.Context) error {
	_, err := c.Request(ctx, http.MethodPost, "/capture/stop", nil)
	c.captureActive.Store(false)
	if err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}
	return nil
}

// StartGuiding enables auto guiding and waits until guiding is locked.
func (c *Client) StartGuiding(ctx context.Context) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	if _, err := c.Request(ctx, http.MethodPost, "/guide/start", nil); err != nil {
		return fmt.Errorf("start guiding: %w", err)
	}
	if _, err := c.poll(ctx, pollSpec{name: "guiding", path: "/guide/status", interval: GuidePollInterval, timeout: GuideTimeout}, nil); err != nil {
		return fmt.Errorf("start guiding: %w", err)
	}
	return nil
}

// StopGuiding disables auto guiding.
func (c *Client) StopGuiding(ctx context.Context) error {
	if _, err := c.Request(ctx, http.MethodPost, "/guide/stop", nil); err != nil {
		return fmt.Errorf("stop guiding: %w", err)
	}
	return nil
}

// EmergencyStop makes a single best-effort attempt to abort everything the
// device is doing. Local session and capture flags are cleared regardless.
func (c *Client) EmergencyStop(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodPost, "/emergency-stop", nil, 1)
	c.sessionActive.Store(false)
	c.captureActive.Store(false)
	if err != nil {
		return fmt.Errorf("emergency stop: %w", err)
	}
	return nil
}

// Disconnect stops an active capture and imaging session (errors are logged
// and swallowed) and clears the connection. Safe to call repeatedly.
func (c *Client) Disconnect(ctx context.Context) {
	if c.captureActive.Load() {
		if err := c.StopCapture(ctx); err != nil {
			c.logf("device: disconnect: %v", err)
		}
	}
	if c.sessionActive.Load() {
		if err := c.StopSession(ctx); err != nil {
			c.logf("device: disconnect: %v", err)
		}
	}
	if c.connected.Swap(false) {
		c.logf("device: disconnected")
	}
	c.resetSession()
}

func (c *Client) requireConnected() error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) resetSession() {
	c.sessionActive.Store(false)
	c.captureActive.Store(false)
}
