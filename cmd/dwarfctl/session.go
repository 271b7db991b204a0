// ABOUTME: Session subcommands: add definitions, list, show, schedule, unschedule and delete.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
	"github.com/styelz/dwarf-scheduler-sub000/internal/queue"
)

// States a session can be scheduled from, searched in this order.
var schedulableStates = []models.SessionState{models.StateAvailable, models.StateFailed, models.StateDone}

func newSessionCmd(a *app) *cobra.Command {
	session := &cobra.Command{Use: "session", Short: "Define and schedule observation sessions"}
	session.AddCommand(newSessionAddCmd(a))
	session.AddCommand(newSessionListCmd(a))
	session.AddCommand(newSessionShowCmd(a))
	session.AddCommand(newSessionScheduleCmd(a))
	session.AddCommand(newSessionUnscheduleCmd(a))
	session.AddCommand(newSessionDeleteCmd(a))
	return session
}

func newSessionAddCmd(a *app) *cobra.Command {
	var file string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "add -f <definition.yaml>",
		Short: "Add session definitions to Available",
		Long: `Add one or more session definitions from a YAML file. Multiple
sessions may be given as separate documents separated by "---".

Example:

  name: M31 Andromeda
  target: M31
  coordinates:
    ra: "00:42:44.3"
    dec: "+41:16:09"
  start_time: 2026-10-16T21:30:00+02:00
  capture:
    frames: 120
    exposure_seconds: 15
    gain: 80
    binning: 1x1
    filter: ASTRO
  calibration:
    auto_focus: true
    settling_seconds: 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(file) == "" {
				return errors.New("--file is required")
			}
			sessions, err := readSessionDefinitions(file)
			if err != nil {
				return err
			}
			store, err := a.queue()
			if err != nil {
				return err
			}
			for _, s := range sessions {
				key, err := store.Create(s, overwrite)
				if err != nil {
					if errors.Is(err, queue.ErrExists) {
						return fmt.Errorf("%w (--overwrite replaces Available sessions only)", err)
					}
					return err
				}
				fmt.Fprintf(a.out, "added %s (%s) to %s\n", key, s.Name, models.StateAvailable)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "session definition file (- for stdin)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an Available session with the same name")
	return cmd
}

// readSessionDefinitions decodes every YAML document in path.
func readSessionDefinitions(path string) ([]models.Session, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var out []models.Session
	for i := 1; ; i++ {
		var s models.Session
		if err := dec.Decode(&s); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse %s document %d: %w", path, i, err)
		}
		if err := s.ResolveCoordinates(); err != nil {
			return nil, fmt.Errorf("%s document %d: %w", path, i, err)
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("%s document %d: %w", path, i, err)
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s contains no session definitions", path)
	}
	return out, nil
}

func newSessionListCmd(a *app) *cobra.Command {
	var stateRaw string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, ordered by start time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			states := models.AllStates()
			if stateRaw != "" {
				state, err := models.ParseSessionState(stateRaw)
				if err != nil {
					return err
				}
				states = []models.SessionState{state}
			}
			store, err := a.queue()
			if err != nil {
				return err
			}
			var sessions []models.Session
			for _, state := range states {
				listed, err := store.List(state)
				if err != nil {
					return err
				}
				sessions = append(sessions, listed...)
			}
			queue.SortByStartTime(sessions)
			if a.jsonOutput {
				if sessions == nil {
					sessions = []models.Session{}
				}
				return a.printJSON(sessions)
			}
			rows := make([][]string, 0, len(sessions))
			for _, s := range sessions {
				rows = append(rows, []string{
					s.Key,
					string(s.State),
					formatTime(s.StartTime),
					s.Target,
					strconv.Itoa(s.Capture.Frames),
					strconv.FormatFloat(s.Capture.ExposureSeconds, 'f', -1, 64),
					orDash(s.LastError),
				})
			}
			return a.printTable([]string{"KEY", "STATE", "START", "TARGET", "FRAMES", "EXPOSURE", "LAST ERROR"}, rows)
		},
	}
	cmd.Flags().StringVar(&stateRaw, "state", "", "only list one state (Available, ToDo, Running, Done, Failed)")
	return cmd
}

func newSessionShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.queue()
			if err != nil {
				return err
			}
			s, err := store.Load(args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(s)
			}
			printSession(a.out, s)
			return nil
		},
	}
}

func printSession(w io.Writer, s models.Session) {
	cal := s.Calibration
	fmt.Fprintf(w, "Key:          %s\n", s.Key)
	fmt.Fprintf(w, "ID:           %s\n", s.ID)
	fmt.Fprintf(w, "Name:         %s\n", s.Name)
	fmt.Fprintf(w, "State:        %s (since %s)\n", s.State, formatTime(s.StateChangedAt))
	fmt.Fprintf(w, "Target:       %s\n", s.Target)
	fmt.Fprintf(w, "RA/Dec:       %s %s\n", models.FormatRA(s.Coordinates.RA), models.FormatDec(s.Coordinates.Dec))
	fmt.Fprintf(w, "Start:        %s\n", formatTime(s.StartTime))
	fmt.Fprintf(w, "Capture:      %d x %ss, gain %d, %s, %s\n", s.Capture.Frames,
		strconv.FormatFloat(s.Capture.ExposureSeconds, 'f', -1, 64), s.Capture.Gain, s.Capture.Binning, s.Capture.Filter)
	fmt.Fprintf(w, "Expected:     %s\n", s.ExpectedCaptureDuration())
	fmt.Fprintf(w, "Calibration:  autofocus=%t infinite=%t eq_solving=%t calibration=%t autoguide=%t settling=%ds\n",
		cal.AutoFocus, cal.InfiniteFocus, cal.EQSolving, cal.Calibration, cal.AutoGuide, cal.SettlingSeconds)
	fmt.Fprintf(w, "Created:      %s\n", formatTime(s.CreatedAt))
	if s.LastError != "" {
		fmt.Fprintf(w, "Last error:   %s\n", s.LastError)
	}
}

func newSessionScheduleCmd(a *app) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "schedule <key>",
		Short: "Move a session to ToDo so the engine runs it when due",
		Long: `Move a session from Available (or back from Failed or Done) to ToDo.
--at replaces the start time before the session is queued.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			var start time.Time
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				start = parsed
			}
			store, err := a.queue()
			if err != nil {
				return err
			}
			s, err := store.Load(key, schedulableStates...)
			if err != nil {
				if errors.Is(err, queue.ErrNotFound) {
					if current, loadErr := store.Load(key); loadErr == nil {
						return fmt.Errorf("session %s is %s and cannot be scheduled", key, current.State)
					}
				}
				return err
			}
			if !start.IsZero() || s.LastError != "" {
				if !start.IsZero() {
					s.StartTime = start
				}
				s.LastError = ""
				if err := store.Update(s); err != nil {
					return err
				}
			}
			moved, err := store.Move(key, s.State, models.StateToDo)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "scheduled %s for %s\n", moved.Key, formatTime(moved.StartTime))
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "new start time (RFC3339)")
	return cmd
}

func newSessionUnscheduleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unschedule <key>",
		Short: "Move a session from ToDo back to Available",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.queue()
			if err != nil {
				return err
			}
			moved, err := store.Move(args[0], models.StateToDo, models.StateAvailable)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "unscheduled %s\n", moved.Key)
			return nil
		},
	}
}

func newSessionDeleteCmd(a *app) *cobra.Command {
	var stateRaw string
	cmd := &cobra.Command{
		Use:   "delete <key> --state <state>",
		Short: "Delete a session from one state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := models.ParseSessionState(stateRaw)
			if err != nil {
				return err
			}
			if state == models.StateRunning {
				return errors.New("a Running session belongs to the engine; use abort or recover")
			}
			store, err := a.queue()
			if err != nil {
				return err
			}
			found, err := store.Delete(args[0], state)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: %s in %s", queue.ErrNotFound, args[0], state)
			}
			fmt.Fprintf(a.out, "deleted %s from %s\n", args[0], state)
			return nil
		},
	}
	cmd.Flags().StringVar(&stateRaw, "state", "", "state holding the session (required)")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}
