package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// OperationStatus is the payload of every */status endpoint.
type OperationStatus struct {
	Completed      bool    `json:"completed"`
	Success        *bool   `json:"success,omitempty"`
	Progress       float64 `json:"progress"`
	Message        string  `json:"message"`
	FramesCaptured int     `json:"frames_captured"`
	FramesTotal    int     `json:"frames_total"`
	Guiding        bool    `json:"guiding"`
}

// Failed reports whether the device finished the operation unsuccessfully.
func (s OperationStatus) Failed() bool {
	return s.Completed && s.Success != nil && !*s.Success
}

type pollSpec struct {
	name     string
	path     string
	interval time.Duration
	timeout  time.Duration
}

// poll queries spec.path every interval until the device reports completion,
// the timeout elapses, contention is detected or ctx is canceled. Transport
// failures on individual polls are tolerated until the timeout.
func (c *Client) poll(ctx context.Context, spec pollSpec, onStatus func(OperationStatus)) (OperationStatus, error) {
	deadline := c.now().Add(spec.timeout)
	var last OperationStatus
	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		resp, err := c.Request(ctx, http.MethodGet, spec.path, nil)
		switch {
		case err == nil:
			var status OperationStatus
			if decodeErr := resp.Decode(&status); decodeErr != nil {
				c.logf("device: %s status: %v", spec.name, decodeErr)
				break
			}
			last = status
			if onStatus != nil {
				onStatus(status)
			}
			if status.Failed() {
				return status, fmt.Errorf("%w: %s: %s", ErrStepFailed, spec.name, status.Message)
			}
			if status.Completed {
				return status, nil
			}
		case errors.Is(err, ErrBusy), isCanceled(err):
			return last, err
		default:
			c.logf("device: %s status poll: %v", spec.name, err)
		}
		if !c.now().Before(deadline) {
			return last, fmt.Errorf("%w: %s after %s", ErrTimeout, spec.name, spec.timeout)
		}
		if err := c.sleep(ctx, spec.interval); err != nil {
			return last, err
		}
	}
}
