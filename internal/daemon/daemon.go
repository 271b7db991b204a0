// ABOUTME: Daemon service wiring: builds the engine and its dependencies and owns their lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/styelz/dwarf-scheduler-sub000/internal/config"
	"github.com/styelz/dwarf-scheduler-sub000/internal/db"
	"github.com/styelz/dwarf-scheduler-sub000/internal/device"
	"github.com/styelz/dwarf-scheduler-sub000/internal/history"
	"github.com/styelz/dwarf-scheduler-sub000/internal/queue"
	"github.com/styelz/dwarf-scheduler-sub000/internal/scheduler"
)

const (
	shutdownTimeout = 5 * time.Second
	socketPerms     = 0o660
	runDirPerms     = 0o750
	eventBuffer     = 256
)

// Service wires the scheduler engine, its journal and the local listeners.
type Service struct {
	cfg             config.Config
	store           *db.Store
	queue           *queue.FileStore
	engine          *scheduler.Engine
	metrics         *scheduler.Metrics
	journal         *journal
	logger          *log.Logger
	unixListener    net.Listener
	metricsListener net.Listener
	unixServer      *http.Server
	metricsServer   *http.Server
}

// Run opens the queue, history and event journal, then serves until ctx is
// canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	if cfg.EventRetention > 0 {
		cutoff := time.Now().Add(-cfg.EventRetention)
		if n, err := store.PruneEvents(ctx, cutoff); err != nil {
			log.Printf("dwarfd: prune events: %v", err)
		} else if n > 0 {
			log.Printf("dwarfd: pruned %d event(s) older than %s", n, cfg.EventRetention)
		}
	}
	service, err := NewService(cfg, store, nil)
	if err != nil {
		_ = store.Close()
		return err
	}
	return service.Serve(ctx)
}

// NewService constructs a service with bound listeners. logger may be nil.
func NewService(cfg config.Config, store *db.Store, logger *log.Logger) (*Service, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := ensureDir(cfg.RunDir, runDirPerms); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	jobs, err := queue.OpenFileStore(cfg.QueueDir)
	if err != nil {
		return nil, err
	}
	recorder, err := history.NewCSVRecorder(cfg.HistoryDir, cfg.DayChangeHour, loc, logger)
	if err != nil {
		return nil, err
	}

	metrics := scheduler.NewMetrics()
	client := device.NewClient(cfg.DeviceURL, cfg.DeviceRequestTimeout, logger)
	client.Retries = cfg.DeviceRetries
	client.RetryPause = cfg.DeviceRetryPause
	client.Observer = metrics

	engine := scheduler.NewEngine(jobs, client, recorder, scheduler.Config{
		PollInterval:       cfg.PollInterval,
		ErrorBackoff:       cfg.ErrorBackoff,
		BusyReminderCycles: cfg.BusyReminderCycles,
		BusyResetCycles:    cfg.BusyResetCycles,
	}, logger).WithMetrics(metrics)

	unixListener, err := listenUnix(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	var metricsListener net.Listener
	if cfg.MetricsListen != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = unixListener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
	}

	localMux := http.NewServeMux()
	localMux.HandleFunc("/healthz", healthHandler)
	NewControlAPI(engine, jobs, store, logger).
		WithMetricsEnabled(metricsListener != nil).
		WithBus(engine.Bus()).
		Register(localMux)

	unixServer := &http.Server{
		Handler:           localMux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	var metricsServer *http.Server
	if metricsListener != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsMux.HandleFunc("/healthz", healthHandler)
		metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}

	return &Service{
		cfg:             cfg,
		store:           store,
		queue:           jobs,
		engine:          engine,
		metrics:         metrics,
		journal:         newJournal(store, logger),
		logger:          logger,
		unixListener:    unixListener,
		metricsListener: metricsListener,
		unixServer:      unixServer,
		metricsServer:   metricsServer,
	}, nil
}

// Serve runs the engine and the listeners. It blocks until ctx is canceled
// or a listener fails; in both cases the engine is stopped and an executing
// session is allowed to finish its cleanup before the journal is closed.
func (s *Service) Serve(ctx context.Context) error {
	s.logger.Printf("dwarfd: listening on unix=%s", s.cfg.SocketPath)
	if s.metricsListener != nil {
		s.logger.Printf("dwarfd: metrics on http://%s/metrics", s.metricsListener.Addr())
	}
	s.logger.Printf("dwarfd: telescope at %s, queue at %s", s.cfg.DeviceURL, s.cfg.QueueDir)

	events, unsubscribe := s.engine.Bus().Subscribe(eventBuffer)
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		s.journal.consume(events)
	}()

	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	engineDone := make(chan error, 1)
	go func() { engineDone <- s.engine.Run(engineCtx) }()

	servers := 1
	errCh := make(chan error, 2)
	go func() { errCh <- s.unixServer.Serve(s.unixListener) }()
	if s.metricsServer != nil {
		servers++
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := servers
	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	stopEngine()
	if err := <-engineDone; err != nil && serveErr == nil {
		serveErr = err
	}
	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}

	unsubscribe()
	<-sinkDone
	if s.store != nil {
		_ = s.store.Close()
	}
	_ = os.Remove(s.cfg.SocketPath)
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.unixServer.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
}

func ensureDir(path string, perms os.FileMode) error {
	if path == "" {
		return errors.New("run_dir is required")
	}
	if err := os.MkdirAll(path, perms); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

func listenUnix(socketPath string) (net.Listener, error) {
	if socketPath == "" {
		return nil, errors.New("socket_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), runDirPerms); err != nil {
		return nil, fmt.Errorf("create socket dir %s: %w", filepath.Dir(socketPath), err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, socketPerms); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", socketPath, err)
	}
	return listener, nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
