package queue

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

var fixedNow = time.Date(2026, 10, 16, 20, 0, 0, 0, time.UTC)

func openTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := OpenFileStore(t.TempDir())
	require.NoError(t, err)
	store.now = func() time.Time { return fixedNow }
	store.rand = bytes.NewReader(bytes.Repeat([]byte{0xab}, 64))
	return store
}

func testSession(name string) models.Session {
	return models.Session{
		Name:        name,
		Target:      "M42",
		Coordinates: models.Coordinates{RA: 5.588, Dec: -5.391, RAText: "05:35:17", DecText: "-05:23:28"},
		StartTime:   fixedNow.Add(time.Hour),
		Capture: models.CaptureSettings{
			Frames:          30,
			ExposureSeconds: 15,
			Gain:            80,
			Binning:         models.Binning2x2,
			Filter:          models.FilterDuoBand,
		},
		Calibration: models.CalibrationSettings{
			AutoFocus:       true,
			EQSolving:       true,
			AutoGuide:       true,
			SettlingSeconds: 10,
		},
	}
}

func TestOpenFileStoreCreatesPartitions(t *testing.T) {
	store := openTestFileStore(t)
	for _, dir := range []string{"Available", "ToDo", "Running", "Done", "Failed", "History"} {
		info, err := os.Stat(filepath.Join(store.Root, dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}
	assert.Equal(t, filepath.Join(store.Root, "History"), store.HistoryDir())
}

func TestFileStoreCreateAssignsIdentity(t *testing.T) {
	store := openTestFileStore(t)

	key, err := store.Create(testSession("Orion Nebula / M42"), false)
	require.NoError(t, err)
	assert.Equal(t, "Orion_Nebula_M42", key)

	loaded, err := store.Load(key, models.StateAvailable)
	require.NoError(t, err)
	assert.Equal(t, "ses_abababababababab", loaded.ID)
	assert.Equal(t, models.StateAvailable, loaded.State)
	assert.Equal(t, fixedNow, loaded.CreatedAt)
	assert.Equal(t, key, loaded.Key)
}

func TestFileStoreCreateRejectsDuplicateKey(t *testing.T) {
	store := openTestFileStore(t)
	_, err := store.Create(testSession("M31"), false)
	require.NoError(t, err)

	_, err = store.Create(testSession("M31"), false)
	require.ErrorIs(t, err, ErrExists)

	_, err = store.Create(testSession("M31"), true)
	require.NoError(t, err)
}

func TestCreateRejectsKeyHeldOutsideAvailable(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"file":   func(t *testing.T) Store { return openTestFileStore(t) },
		"memory": func(*testing.T) Store { return NewMemoryStore() },
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			for _, state := range []models.SessionState{models.StateToDo, models.StateRunning, models.StateDone, models.StateFailed} {
				store := open(t)
				scheduled := testSession("M31!")
				scheduled.Target = "scheduled"
				key, err := store.Create(scheduled, false)
				require.NoError(t, err)
				_, err = store.Move(key, models.StateAvailable, state)
				require.NoError(t, err)

				for _, overwrite := range []bool{false, true} {
					_, err = store.Create(testSession("M31?"), overwrite)
					require.ErrorIs(t, err, ErrExists, "%s overwrite=%t", state, overwrite)
				}

				_, err = store.Load(key, models.StateAvailable)
				require.ErrorIs(t, err, ErrNotFound, state)
				kept, err := store.Load(key, state)
				require.NoError(t, err)
				assert.Equal(t, "scheduled", kept.Target)
			}
		})
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := openTestFileStore(t)
	original := testSession("Andromeda")
	original.ID = "ses_fixed"
	key, err := store.Create(original, false)
	require.NoError(t, err)

	_, err = store.Move(key, models.StateAvailable, models.StateToDo)
	require.NoError(t, err)
	loaded, err := store.Load(key, models.StateToDo)
	require.NoError(t, err)

	want := original
	want.Key = key
	want.CreatedAt = fixedNow
	want.State = loaded.State
	want.StateChangedAt = loaded.StateChangedAt
	assert.Equal(t, want, loaded)
	assert.Equal(t, models.StateToDo, loaded.State)
}

func TestFileStoreLoadSearchesAllPartitions(t *testing.T) {
	store := openTestFileStore(t)
	key, err := store.Create(testSession("NGC 7000"), false)
	require.NoError(t, err)
	_, err = store.Move(key, models.StateAvailable, models.StateDone)
	require.NoError(t, err)

	loaded, err := store.Load(key)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, loaded.State)

	_, err = store.Load(key, models.StateToDo, models.StateFailed)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Load("missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Load("../etc")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreMoveLeavesSingleCopy(t *testing.T) {
	store := openTestFileStore(t)
	key, err := store.Create(testSession("Pleiades"), false)
	require.NoError(t, err)

	moved, err := store.Move(key, models.StateAvailable, models.StateToDo)
	require.NoError(t, err)
	assert.Equal(t, models.StateToDo, moved.State)
	assert.Equal(t, fixedNow, moved.StateChangedAt)

	_, err = os.Stat(store.path(key, models.StateAvailable))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(store.path(key, models.StateToDo))
	assert.NoError(t, err)
}

func TestFileStoreMoveErrors(t *testing.T) {
	store := openTestFileStore(t)
	_, err := store.Move("ghost", models.StateToDo, models.StateRunning)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Move("ghost", "Archive", models.StateRunning)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = store.Move("ghost", models.StateToDo, "History")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestFileStoreDeleteIsIdempotent(t *testing.T) {
	store := openTestFileStore(t)
	key, err := store.Create(testSession("M13"), false)
	require.NoError(t, err)

	found, err := store.Delete(key, models.StateAvailable)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = store.Delete(key, models.StateAvailable)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = store.Delete("never-existed", models.StateFailed)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFileStoreListIgnoresForeignFiles(t *testing.T) {
	store := openTestFileStore(t)
	for _, name := range []string{"B", "A"} {
		key, err := store.Create(testSession(name), false)
		require.NoError(t, err)
		_, err = store.Move(key, models.StateAvailable, models.StateToDo)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(store.Root, "ToDo", "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(store.Root, "ToDo", ".tmp-123"), []byte("{"), 0o600))

	sessions, err := store.List(models.StateToDo)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "A", sessions[0].Key)
	assert.Equal(t, "B", sessions[1].Key)

	_, err = store.List("Archive")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestFileStoreListDefaultsMissingFields(t *testing.T) {
	store := openTestFileStore(t)
	doc := `{"id":"ses_1","name":"Legacy","start_time":"2026-10-16T21:00:00Z"}`
	require.NoError(t, os.WriteFile(filepath.Join(store.Root, "ToDo", "Legacy.json"), []byte(doc), 0o600))

	sessions, err := store.List(models.StateToDo)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.Binning1x1, sessions[0].Capture.Binning)
	assert.Equal(t, "Legacy", sessions[0].Target)
}

func TestFileStoreUpdate(t *testing.T) {
	store := openTestFileStore(t)
	key, err := store.Create(testSession("Veil"), false)
	require.NoError(t, err)
	loaded, err := store.Load(key)
	require.NoError(t, err)

	loaded.StartTime = fixedNow.Add(3 * time.Hour)
	require.NoError(t, store.Update(loaded))
	again, err := store.Load(key, models.StateAvailable)
	require.NoError(t, err)
	assert.True(t, again.StartTime.Equal(fixedNow.Add(3*time.Hour)))

	loaded.State = models.StateDone
	err = store.Update(loaded)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSanitizeKey(t *testing.T) {
	tests := map[string]string{
		"M42":                 "M42",
		"  Orion Nebula  ":    "Orion_Nebula",
		"a/b\\c:d":            "a_b_c_d",
		"..hidden":            "hidden",
		"Crab (M1) — winter!": "Crab_M1_winter",
		"Élan":                "lan",
		"":                    "",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeKey(in), in)
	}
}

func TestDueSelection(t *testing.T) {
	now := fixedNow
	sessions := []models.Session{
		{Key: "t2", StartTime: now.Add(time.Minute)},
		{Key: "t3", StartTime: now},
		{Key: "t1", StartTime: now.Add(-time.Hour)},
	}
	due := Due(sessions, now)
	require.Len(t, due, 2)
	assert.Equal(t, "t1", due[0].Key)
	assert.Equal(t, "t3", due[1].Key)
}
