package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// env is an isolated workspace for one dwarfctl invocation sequence.
type env struct {
	dir      string
	queueDir string
	config   string
	socket   string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	return env{
		dir:      dir,
		queueDir: filepath.Join(dir, "queue"),
		config:   filepath.Join(dir, "missing.yaml"),
		socket:   filepath.Join(dir, "dwarfd.sock"),
	}
}

// run executes dwarfctl with the env's config, queue and socket flags.
func (e env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	full := append([]string{"--config", e.config, "--queue-dir", e.queueDir, "--socket", e.socket}, args...)
	return execute(t, full...)
}

func (e env) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, "dwarfctl %v", args)
	return out
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
