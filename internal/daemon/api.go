package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/styelz/dwarf-scheduler-sub000/internal/buildinfo"
	"github.com/styelz/dwarf-scheduler-sub000/internal/db"
	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
	"github.com/styelz/dwarf-scheduler-sub000/internal/queue"
	"github.com/styelz/dwarf-scheduler-sub000/internal/scheduler"
)

const (
	maxJSONBytes       = 1 << 20 // Maximum size for JSON request bodies (1MB)
	defaultEventsLimit = 200     // Default events returned per query
	maxEventsLimit     = 1000    // Maximum events allowed per query
	abortTimeout       = 30 * time.Second
)

// SchedulerControl is the part of the engine the control API drives.
type SchedulerControl interface {
	Snapshot() scheduler.Snapshot
	AbortCurrent(ctx context.Context) error
	RecoverRunning(ctx context.Context, to models.SessionState) (int, error)
}

// ControlAPI handles local control plane HTTP requests over the Unix socket.
//
// Endpoints:
//   - GET  /v1/status   - Engine snapshot and queue counts
//   - POST /v1/abort    - Abort the executing session
//   - POST /v1/recover  - Move every Running session to Failed, ToDo or Available
//   - GET  /v1/sessions - List sessions, optionally by state
//   - GET  /v1/events   - Page through the event journal
type ControlAPI struct {
	engine         SchedulerControl
	queue          queue.Store
	store          *db.Store
	bus            *scheduler.Bus
	metricsEnabled bool
	logger         *log.Logger
}

// NewControlAPI creates a control API. store may be nil, in which case the
// events endpoint reports the journal as unavailable.
func NewControlAPI(engine SchedulerControl, jobs queue.Store, store *db.Store, logger *log.Logger) *ControlAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &ControlAPI{
		engine: engine,
		queue:  jobs,
		store:  store,
		logger: logger,
	}
}

// WithMetricsEnabled annotates the status response with metrics listener state.
func (api *ControlAPI) WithMetricsEnabled(enabled bool) *ControlAPI {
	if api == nil {
		return api
	}
	api.metricsEnabled = enabled
	return api
}

// WithBus reports bus drop counts in the status response.
func (api *ControlAPI) WithBus(bus *scheduler.Bus) *ControlAPI {
	if api == nil {
		return api
	}
	api.bus = bus
	return api
}

// Register registers all control API handlers with the provided mux.
func (api *ControlAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/v1/status", api.handleStatus)
	mux.HandleFunc("/v1/abort", api.handleAbort)
	mux.HandleFunc("/v1/recover", api.handleRecover)
	mux.HandleFunc("/v1/sessions", api.handleSessions)
	mux.HandleFunc("/v1/events", api.handleEvents)
}

func (api *ControlAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	resp := V1StatusResponse{
		Version:       buildinfo.Version,
		Queue:         make(map[string]int, len(models.AllStates())),
		Metrics:       V1StatusMetrics{Enabled: api.metricsEnabled},
		DroppedEvents: api.bus.Dropped(),
	}
	if api.engine != nil {
		resp.Engine = api.engine.Snapshot()
	}
	if api.queue != nil {
		for _, state := range models.AllStates() {
			sessions, err := api.queue.List(state)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to count sessions", err)
				return
			}
			resp.Queue[string(state)] = len(sessions)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	if api.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	snap := api.engine.Snapshot()
	ctx, cancel := context.WithTimeout(r.Context(), abortTimeout)
	defer cancel()
	if err := api.engine.AbortCurrent(ctx); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrNotExecuting):
			writeError(w, http.StatusConflict, "no session is executing")
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "abort did not complete in time", err)
		default:
			writeError(w, http.StatusInternalServerError, "abort failed", err)
		}
		return
	}
	api.logger.Printf("control: aborted %s", snap.SessionKey)
	writeJSON(w, http.StatusOK, V1AbortResponse{SessionKey: snap.SessionKey, SessionName: snap.SessionName})
}

func (api *ControlAPI) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	if api.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	var req V1RecoverRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	to := models.StateFailed
	if strings.TrimSpace(req.To) != "" {
		parsed, err := models.ParseSessionState(req.To)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid target state", err)
			return
		}
		to = parsed
	}
	n, err := api.engine.RecoverRunning(r.Context(), to)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrExecuting):
			writeError(w, http.StatusConflict, "a session is executing", err)
		case errors.Is(err, queue.ErrInvalidState):
			writeError(w, http.StatusBadRequest, "invalid target state", err)
		default:
			writeError(w, http.StatusInternalServerError, "recover failed", err)
		}
		return
	}
	api.logger.Printf("control: recovered %d session(s) to %s", n, to)
	writeJSON(w, http.StatusOK, V1RecoverResponse{To: string(to), Recovered: n})
}

func (api *ControlAPI) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	if api.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	states := models.AllStates()
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state, err := models.ParseSessionState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid state", err)
			return
		}
		states = []models.SessionState{state}
	}
	resp := V1SessionsResponse{Sessions: []models.Session{}}
	for _, state := range states {
		sessions, err := api.queue.List(state)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list sessions", err)
			return
		}
		resp.Sessions = append(resp.Sessions, sessions...)
	}
	queue.SortByStartTime(resp.Sessions)
	writeJSON(w, http.StatusOK, resp)
}

func (api *ControlAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	if api.store == nil {
		writeError(w, http.StatusServiceUnavailable, "event journal unavailable")
		return
	}
	query := r.URL.Query()
	after, err := parseQueryInt64(query.Get("after"))
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}
	limit, err := parseQueryInt(query.Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit == 0 {
		limit = defaultEventsLimit
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	sessionKey := strings.TrimSpace(query.Get("session"))

	var events []db.Event
	if query.Get("tail") == "1" || strings.EqualFold(query.Get("tail"), "true") {
		events, err = api.store.ListEventsTail(r.Context(), sessionKey, limit)
	} else {
		events, err = api.store.ListEvents(r.Context(), sessionKey, after, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events", err)
		return
	}
	resp := V1EventsResponse{Events: make([]V1Event, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventToV1(ev))
		if ev.ID > resp.LastID {
			resp.LastID = ev.ID
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func eventToV1(ev db.Event) V1Event {
	resp := V1Event{
		ID:         ev.ID,
		Kind:       ev.Kind,
		Timestamp:  ev.Timestamp.UTC().Format(time.RFC3339Nano),
		SessionKey: ev.SessionKey,
		Phase:      ev.Phase,
		Message:    strings.TrimSpace(ev.Message),
	}
	if strings.TrimSpace(ev.JSON) != "" {
		payload := []byte(ev.JSON)
		if !json.Valid(payload) {
			payload, _ = json.Marshal(ev.JSON)
		}
		resp.Payload = json.RawMessage(payload)
	}
	return resp
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	payload := V1ErrorResponse{Error: msg}
	if len(err) > 0 && err[0] != nil {
		payload.Details = err[0].Error()
	}
	writeJSON(w, status, payload)
}

func writeMethodNotAllowed(w http.ResponseWriter, methods []string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func parseQueryInt(value string) (int, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.Atoi(strings.TrimSpace(value))
}

func parseQueryInt64(value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}
