package device

import "errors"

var (
	// ErrRequestFailed is returned once a request exhausted all attempts.
	ErrRequestFailed = errors.New("device request failed")
	// ErrTimeout is returned when a status poll exceeds its bound.
	ErrTimeout = errors.New("device operation timed out")
	// ErrBusy is returned when the telescope is held by another controller.
	ErrBusy = errors.New("device busy: controlled by another application")
	// ErrNotConnected is returned by capabilities called before Connect.
	ErrNotConnected = errors.New("device not connected")
	// ErrStepFailed is returned when the device reports an operation failure.
	ErrStepFailed = errors.New("device operation failed")
	// ErrUnsupportedMethod is a caller bug: the HTTP method is not one the
	// telescope accepts.
	ErrUnsupportedMethod = errors.New("unsupported request method")
)
