package device

import (
	"encoding/json"
	"net/http"
	"strings"
)

// BusySignal decides whether a device response means another application
// currently holds the telescope. The client latches the first positive
// answer until ClearBusyDetection is called.
type BusySignal interface {
	Busy(resp *Response) bool
}

// BusySignalFunc adapts a function to BusySignal.
type BusySignalFunc func(resp *Response) bool

func (f BusySignalFunc) Busy(resp *Response) bool { return f(resp) }

// DefaultBusySignal recognizes the follower-mode markers the telescope
// firmware is known to emit: HTTP 409, a "busy" flag or "follower" mode in
// the status payload, or an error message naming another controller.
type DefaultBusySignal struct{}

var busyMessageMarkers = []string{
	"another controller",
	"another app",
	"follower",
	"device busy",
	"controlled by another",
}

func (DefaultBusySignal) Busy(resp *Response) bool {
	if resp == nil {
		return false
	}
	if resp.StatusCode == http.StatusConflict {
		return true
	}
	if len(resp.Data) > 0 {
		var probe struct {
			Busy bool   `json:"busy"`
			Mode string `json:"mode"`
		}
		if json.Unmarshal(resp.Data, &probe) == nil {
			if probe.Busy || strings.EqualFold(strings.TrimSpace(probe.Mode), "follower") {
				return true
			}
		}
	}
	return MentionsBusy(resp.Message)
}

// MentionsBusy reports whether free text describes the contention condition.
func MentionsBusy(text string) bool {
	lower := strings.ToLower(text)
	if lower == "" {
		return false
	}
	for _, marker := range busyMessageMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return strings.Contains(lower, "busy")
}
