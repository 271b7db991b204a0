package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/styelz/dwarf-scheduler-sub000/internal/buildinfo"
	"github.com/styelz/dwarf-scheduler-sub000/internal/config"
	"github.com/styelz/dwarf-scheduler-sub000/internal/history"
	"github.com/styelz/dwarf-scheduler-sub000/internal/queue"
)

const (
	envPrefix             = "DWARF"
	defaultRequestTimeout = 30 * time.Second
	timeLayout            = "2006-01-02 15:04"
)

// Persistent flags bound through viper; DWARF_<NAME> overrides the daemon
// config file and a flag overrides both.
var boundFlags = []string{"config", "socket", "queue-dir", "history-dir", "json", "timeout"}

// app carries the resolved settings shared by every subcommand.
type app struct {
	out        io.Writer
	cfg        config.Config
	jsonOutput bool
	timeout    time.Duration
	// tty overrides terminal detection in tests.
	tty *bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	return buildRoot(&app{out: out})
}

func buildRoot(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "dwarfctl",
		Short: "Manage the DWARF telescope session queue",
		Long: `dwarfctl edits the session queue and history on disk and talks to
dwarfd over its control socket for engine operations (status, abort, recover,
events).

Settings come from flags, then DWARF_* environment variables, then the
dwarfd config file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)
	flags := root.PersistentFlags()
	flags.String("config", config.DefaultConfig().ConfigPath, "dwarfd config file")
	flags.String("socket", "", "dwarfd control socket (default from config)")
	flags.String("queue-dir", "", "session queue directory (default from config)")
	flags.String("history-dir", "", "history directory (default from config)")
	flags.Bool("json", false, "output json")
	flags.Duration("timeout", defaultRequestTimeout, "control request timeout")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return a.resolve(root)
	}

	root.AddCommand(newSessionCmd(a))
	root.AddCommand(newHistoryCmd(a))
	root.AddCommand(newStatusCmd(a))
	root.AddCommand(newAbortCmd(a))
	root.AddCommand(newRecoverCmd(a))
	root.AddCommand(newEventsCmd(a))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
			return err
		},
	})
	return root
}

func (a *app) resolve(root *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range boundFlags {
		if err := v.BindPFlag(name, root.PersistentFlags().Lookup(name)); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	queueExplicit := v.IsSet("queue-dir")
	historyExplicit := v.IsSet("history-dir")

	cfg, err := config.LoadOptional(v.GetString("config"))
	if err != nil {
		return err
	}
	v.SetDefault("socket", cfg.SocketPath)
	v.SetDefault("queue-dir", cfg.QueueDir)
	v.SetDefault("history-dir", cfg.HistoryDir)

	cfg.SocketPath = v.GetString("socket")
	cfg.QueueDir = v.GetString("queue-dir")
	cfg.HistoryDir = v.GetString("history-dir")
	if queueExplicit && !historyExplicit {
		cfg.HistoryDir = (&queue.FileStore{Root: cfg.QueueDir}).HistoryDir()
	}
	a.cfg = cfg
	a.jsonOutput = v.GetBool("json")
	a.timeout = v.GetDuration("timeout")
	return nil
}

func (a *app) queue() (*queue.FileStore, error) {
	return queue.OpenFileStore(a.cfg.QueueDir)
}

func (a *app) history() (*history.CSVRecorder, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	return history.NewCSVRecorder(a.cfg.HistoryDir, a.cfg.DayChangeHour, loc, nil)
}

func (a *app) client() *apiClient {
	return newAPIClient(a.cfg.SocketPath, a.timeout)
}

func (a *app) isTerminal() bool {
	if a.tty != nil {
		return *a.tty
	}
	f, ok := a.out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders an aligned table on a terminal and tab separated values
// otherwise, so output stays easy to pipe into cut or awk.
func (a *app) printTable(header []string, rows [][]string) error {
	if !a.isTerminal() {
		for _, row := range rows {
			if _, err := fmt.Fprintln(a.out, strings.Join(row, "\t")); err != nil {
				return err
			}
		}
		return nil
	}
	w := tabwriter.NewWriter(a.out, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format(timeLayout)
}

func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
