// Package device drives the telescope's local HTTP interface.
//
// Every capability is built on Request, which retries failed calls with a
// fixed pause, and on poll, which waits for a status endpoint to report
// completion. Expected device failures surface as error values; nothing in
// this package panics on a device response.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/styelz/dwarf-scheduler-sub000/internal/buildinfo"
)

const (
	apiPrefix          = "/api/v1"
	defaultRetries     = 3
	defaultRetryPause  = time.Second
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// RequestObserver receives one call per finished request.
type RequestObserver interface {
	ObserveDeviceRequest(path string, result string, attempts int)
}

// Response is the telescope's JSON envelope.
type Response struct {
	StatusCode int             `json:"-"`
	Code       int             `json:"code"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

// OK reports whether the response is a success.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300 && r.Code == 0
}

// Decode unmarshals the data payload into v.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode device payload: %w", err)
	}
	return nil
}

// Client talks to one telescope.
type Client struct {
	BaseURL    string        // e.g. "http://192.168.88.1:8082"
	HTTPClient *http.Client  // optional, defaults to a client with a 10s timeout
	Retries    int           // attempts per request (default 3)
	RetryPause time.Duration // pause between attempts (default 1s)
	Logger     *log.Logger
	Observer   RequestObserver
	BusySignal BusySignal // defaults to DefaultBusySignal

	// Testing hooks
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	busy          atomic.Bool
	connected     atomic.Bool
	sessionActive atomic.Bool
	captureActive atomic.Bool
}

// NewClient returns a client for baseURL with the given per-request timeout.
func NewClient(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Retries:    defaultRetries,
		RetryPause: defaultRetryPause,
		Logger:     logger,
		BusySignal: DefaultBusySignal{},
	}
}

// SessionState is the local view of the device session. It is rebuilt from a
// fresh Connect and never trusted across restarts.
type SessionState struct {
	Connected     bool `json:"connected"`
	SessionActive bool `json:"session_active"`
	CaptureActive bool `json:"capture_active"`
	Busy          bool `json:"busy"`
}

// Snapshot is safe to call from any goroutine.
func (c *Client) Snapshot() SessionState {
	return SessionState{
		Connected:     c.connected.Load(),
		SessionActive: c.sessionActive.Load(),
		CaptureActive: c.captureActive.Load(),
		Busy:          c.busy.Load(),
	}
}

// IsBusyDetected reports the latched contention flag.
func (c *Client) IsBusyDetected() bool {
	return c.busy.Load()
}

// ClearBusyDetection resets the latched contention flag.
func (c *Client) ClearBusyDetection() {
	if c.busy.Swap(false) {
		c.logf("device: busy detection cleared")
	}
}

// Request issues method on path and retries failed attempts. It returns an
// error wrapping ErrRequestFailed only after every attempt failed, ErrBusy as
// soon as contention is detected, and the context error on cancellation.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*Response, error) {
	return c.request(ctx, method, path, body, c.retries())
}

func (c *Client) request(ctx context.Context, method, path string, body any, attempts int) (*Response, error) {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
	if attempts < 1 {
		attempts = 1
	}
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request %s: %w", path, err)
		}
		payload = data
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := c.do(ctx, method, path, payload)
		if resp != nil && c.busySignal().Busy(resp) {
			if !c.busy.Swap(true) {
				c.logf("device: busy detected on %s %s: %s", method, path, resp.Message)
			}
			c.observe(path, "busy", attempt)
			return resp, fmt.Errorf("%w: %s %s", ErrBusy, method, path)
		}
		if err == nil && resp.OK() {
			c.observe(path, "ok", attempt)
			return resp, nil
		}
		if err == nil {
			err = fmt.Errorf("status %d code %d: %s", resp.StatusCode, resp.Code, resp.Message)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		if attempt < attempts {
			c.logf("device: %s %s attempt %d/%d failed: %v", method, path, attempt, attempts, err)
			if err := c.sleep(ctx, c.retryPause()); err != nil {
				return nil, err
			}
		}
	}
	c.observe(path, "failed", attempts)
	return nil, fmt.Errorf("%w: %s %s after %d attempts: %v", ErrRequestFailed, method, path, attempts, lastErr)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+apiPrefix+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	out := &Response{StatusCode: resp.StatusCode}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		// Plain text bodies are kept as the message.
		out.Code = 0
		out.Message = string(trimmed)
		out.Data = nil
	}
	out.StatusCode = resp.StatusCode
	return out, nil
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

func (c *Client) retries() int {
	if c.Retries > 0 {
		return c.Retries
	}
	return defaultRetries
}

func (c *Client) retryPause() time.Duration {
	if c.RetryPause > 0 {
		return c.RetryPause
	}
	return defaultRetryPause
}

func (c *Client) busySignal() BusySignal {
	if c.BusySignal != nil {
		return c.BusySignal
	}
	return DefaultBusySignal{}
}

func (c *Client) observe(path, result string, attempts int) {
	if c.Observer != nil {
		c.Observer.ObserveDeviceRequest(path, result, attempts)
	}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
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

func (c *Client) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// isCanceled reports whether err came from context cancellation or deadline.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
