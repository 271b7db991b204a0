// ABOUTME: Entry point for dwarfd, the scheduler daemon.
// ABOUTME: Parses flags, loads the optional config file and runs the daemon until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/styelz/dwarf-scheduler-sub000/internal/buildinfo"
	"github.com/styelz/dwarf-scheduler-sub000/internal/config"
	"github.com/styelz/dwarf-scheduler-sub000/internal/daemon"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("dwarfd: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("dwarfd", flag.ContinueOnError)
	fs.SetOutput(stdout)
	var showVersion bool
	var configPath string
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configPath, "config", "", "path to config file (missing file means defaults)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showVersion {
		_, err := fmt.Fprintln(stdout, buildinfo.String())
		return err
	}
	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		return err
	}
	return daemon.Run(ctx, cfg)
}
