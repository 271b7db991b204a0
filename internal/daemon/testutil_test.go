package daemon

import (
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/styelz/dwarf-scheduler-sub000/internal/config"
	"github.com/styelz/dwarf-scheduler-sub000/internal/db"
	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
	"github.com/styelz/dwarf-scheduler-sub000/internal/queue"
	"github.com/styelz/dwarf-scheduler-sub000/internal/scheduler"
	testutil "github.com/styelz/dwarf-scheduler-sub000/internal/testing"
)

// testConfig returns a valid config rooted in a temp dir. The telescope
// address is never dialed by tests that keep the queue empty.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	temp := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.ConfigPath = filepath.Join(temp, "config.yaml")
	cfg.DataDir = temp
	cfg.QueueDir = filepath.Join(temp, "queue")
	cfg.HistoryDir = filepath.Join(temp, "queue", "History")
	cfg.DBPath = filepath.Join(temp, "events.db")
	cfg.RunDir = filepath.Join(temp, "run")
	cfg.SocketPath = filepath.Join(temp, "run", "dwarfd.sock")
	cfg.DeviceURL = "http://127.0.0.1:1"
	cfg.Timezone = "UTC"
	cfg.PollInterval = time.Hour
	return cfg
}

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type apiFixture struct {
	api      *ControlAPI
	engine   *scheduler.Engine
	queue    *queue.MemoryStore
	store    *db.Store
	device   *testutil.MockTelescope
	recorder *testutil.MockHistoryRecorder
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	jobs := queue.NewMemoryStore()
	jobs.Now = func() time.Time { return testutil.FixedTime }
	dev := testutil.NewMockTelescope()
	rec := &testutil.MockHistoryRecorder{}
	engine := scheduler.NewEngine(jobs, dev, rec, scheduler.DefaultConfig(), logger)
	store := newTestStore(t)
	api := NewControlAPI(engine, jobs, store, logger).WithBus(engine.Bus())
	return &apiFixture{api: api, engine: engine, queue: jobs, store: store, device: dev, recorder: rec}
}

// add creates a session and moves it along path, starting from Available.
func (f *apiFixture) add(t *testing.T, name string, start time.Time, path ...models.SessionState) string {
	t.Helper()
	key, err := f.queue.Create(testutil.NewTestSession(testutil.SessionOpts{Name: name, StartTime: start}), false)
	require.NoError(t, err)
	from := models.StateAvailable
	for _, to := range path {
		_, err = f.queue.Move(key, from, to)
		require.NoError(t, err)
		from = to
	}
	return key
}
