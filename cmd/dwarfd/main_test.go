package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-version"}, &out))
	assert.Contains(t, out.String(), "version=")
	assert.Contains(t, out.String(), "commit=")
}

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"-h"}, &out)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, out.String(), "-config")
}

func TestRunConfigErrors(t *testing.T) {
	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("invalid: yaml: content: ["), 0o644))

		err := run(context.Background(), []string{"-config", path}, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse config")
	})

	t.Run("invalid duration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("poll_interval: soon\n"), 0o644))

		err := run(context.Background(), []string{"-config", path}, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "poll_interval")
	})

	t.Run("fails validation before touching disk", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
run_dir: `+filepath.Join(dir, "run")+`
device_url: ftp://telescope
`), 0o644))

		err := run(context.Background(), []string{"-config", path}, &bytes.Buffer{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "device_url")
		assert.NoDirExists(t, filepath.Join(dir, "run"))
	})
}

func TestRunServesUntilCanceled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue_dir: `+filepath.Join(dir, "queue")+`
data_dir: `+dir+`
db_path: `+filepath.Join(dir, "events.db")+`
run_dir: `+filepath.Join(dir, "run")+`
socket_path: `+filepath.Join(dir, "run", "dwarfd.sock")+`
device_url: http://127.0.0.1:1
poll_interval: 1h
timezone: UTC
`), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := run(ctx, []string{"-config", path}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, "queue", "ToDo"))
	assert.NoFileExists(t, filepath.Join(dir, "run", "dwarfd.sock"))
}
