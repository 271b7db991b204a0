package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/styelz/dwarf-scheduler-sub000/internal/daemon"
	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

const (
	defaultEventTail  = 50
	maxEventLimit     = 1000
	eventPollInterval = 2 * time.Second
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the engine, device and queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp daemon.V1StatusResponse
			if err := a.client().doJSON(cmd.Context(), http.MethodGet, "/v1/status", nil, &resp); err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(resp)
			}
			printStatus(a.out, resp)
			return nil
		},
	}
}

func printStatus(w io.Writer, resp daemon.V1StatusResponse) {
	eng := resp.Engine
	fmt.Fprintf(w, "Daemon:      %s\n", resp.Version)
	fmt.Fprintf(w, "Engine:      looping=%t busy_cycles=%d last_sweep=%s\n", eng.Looping, eng.BusyCycles, formatTime(eng.LastSweep))
	if eng.Executing {
		fmt.Fprintf(w, "Executing:   %s (%s) phase=%s since %s\n", eng.SessionKey, eng.SessionName, orDash(eng.Phase), formatTime(eng.StartedAt))
	} else {
		fmt.Fprintln(w, "Executing:   -")
	}
	dev := eng.Device
	fmt.Fprintf(w, "Device:      connected=%t session=%t capture=%t busy=%t\n", dev.Connected, dev.SessionActive, dev.CaptureActive, dev.Busy)
	fmt.Fprintf(w, "Last status: %s\n", orDash(eng.LastStatus))
	fmt.Fprint(w, "Queue:      ")
	for _, state := range models.AllStates() {
		fmt.Fprintf(w, " %s=%d", state, resp.Queue[string(state)])
	}
	fmt.Fprintln(w)
	if resp.DroppedEvents > 0 {
		fmt.Fprintf(w, "Dropped:     %d events\n", resp.DroppedEvents)
	}
}

func newAbortCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "abort",
		Short: "Abort the executing session",
		Long: `Abort the executing session. The daemon stops the capture, moves the
session to Failed and records an Aborted history row.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp daemon.V1AbortResponse
			if err := a.client().doJSON(cmd.Context(), http.MethodPost, "/v1/abort", nil, &resp); err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(resp)
			}
			fmt.Fprintf(a.out, "aborted %s (%s)\n", resp.SessionKey, resp.SessionName)
			return nil
		},
	}
}

func newRecoverCmd(a *app) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Move sessions stuck in Running to another state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := models.ParseSessionState(to)
			if err != nil {
				return err
			}
			var resp daemon.V1RecoverResponse
			req := daemon.V1RecoverRequest{To: string(state)}
			if err := a.client().doJSON(cmd.Context(), http.MethodPost, "/v1/recover", req, &resp); err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(resp)
			}
			fmt.Fprintf(a.out, "recovered %d session(s) to %s\n", resp.Recovered, resp.To)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", string(models.StateFailed), "target state (Failed, ToDo or Available)")
	return cmd
}

func newEventsCmd(a *app) *cobra.Command {
	var session string
	var tail int
	var after int64
	var follow bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the daemon event journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tail <= 0 {
				tail = defaultEventTail
			}
			if tail > maxEventLimit {
				tail = maxEventLimit
			}
			client := a.client()
			var resp daemon.V1EventsResponse
			var err error
			if after > 0 {
				resp, err = fetchEvents(cmd.Context(), client, session, 0, after)
			} else {
				resp, err = fetchEvents(cmd.Context(), client, session, tail, 0)
			}
			if err != nil {
				return err
			}
			lastID := after
			if err := a.printEvents(resp.Events); err != nil {
				return err
			}
			if resp.LastID > lastID {
				lastID = resp.LastID
			}
			if !follow {
				return nil
			}
			ticker := time.NewTicker(eventPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-ticker.C:
					resp, err := fetchEvents(cmd.Context(), client, session, 0, lastID)
					if err != nil {
						return err
					}
					if err := a.printEvents(resp.Events); err != nil {
						return err
					}
					if resp.LastID > lastID {
						lastID = resp.LastID
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "only events of one session key")
	cmd.Flags().IntVar(&tail, "tail", defaultEventTail, "show the last N events")
	cmd.Flags().Int64Var(&after, "after", 0, "show events after this id instead of the tail")
	cmd.Flags().BoolVar(&follow, "follow", false, "follow new events")
	return cmd
}

func fetchEvents(ctx context.Context, client *apiClient, session string, tail int, after int64) (daemon.V1EventsResponse, error) {
	query := url.Values{}
	if session != "" {
		query.Set("session", session)
	}
	if tail > 0 {
		query.Set("tail", "1")
		query.Set("limit", strconv.Itoa(tail))
	} else {
		query.Set("after", strconv.FormatInt(after, 10))
		query.Set("limit", strconv.Itoa(maxEventLimit))
	}
	var resp daemon.V1EventsResponse
	if err := client.doJSON(ctx, http.MethodGet, "/v1/events?"+query.Encode(), nil, &resp); err != nil {
		return daemon.V1EventsResponse{}, err
	}
	sort.Slice(resp.Events, func(i, j int) bool { return resp.Events[i].ID < resp.Events[j].ID })
	return resp, nil
}

// printEvents writes one line per event; with --json each event is one
// compact JSON line so followed output stays streamable.
func (a *app) printEvents(events []daemon.V1Event) error {
	for _, ev := range events {
		if a.jsonOutput {
			if err := writeJSONLine(a.out, ev); err != nil {
				return err
			}
			continue
		}
		ts := ev.Timestamp
		if parsed, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err == nil {
			ts = parsed.Local().Format("2006-01-02 15:04:05")
		}
		line := fmt.Sprintf("%d\t%s\t%s", ev.ID, ts, ev.Kind)
		if ev.SessionKey != "" {
			line += "\t" + ev.SessionKey
		}
		if ev.Phase != "" {
			line += "\t" + ev.Phase
		}
		if ev.Message != "" {
			line += "\t" + ev.Message
		}
		if _, err := fmt.Fprintln(a.out, line); err != nil {
			return err
		}
	}
	return nil
}
