package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

const (
	queueDirPerms = 0o750
	docFilePerms  = 0o640
	docExt        = ".json"
)

// FileStore keeps one JSON document per session in a directory per state:
//
//	<root>/Available/<key>.json
//	<root>/ToDo/<key>.json
//	<root>/Running/<key>.json
//	<root>/Done/<key>.json
//	<root>/Failed/<key>.json
//	<root>/History/
type FileStore struct {
	Root string

	now  func() time.Time
	rand io.Reader
}

var _ Store = (*FileStore)(nil)

// OpenFileStore creates the partition directories if needed.
func OpenFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("queue dir is required")
	}
	dirs := []string{filepath.Join(root, historyDirNm)}
	for _, state := range models.AllStates() {
		dirs = append(dirs, filepath.Join(root, string(state)))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, queueDirPerms); err != nil {
			return nil, fmt.Errorf("create queue dir %s: %w", dir, err)
		}
	}
	return &FileStore{Root: root, now: time.Now}, nil
}

// HistoryDir is the history area next to the partitions.
func (s *FileStore) HistoryDir() string {
	return filepath.Join(s.Root, historyDirNm)
}

func (s *FileStore) Create(session models.Session, overwrite bool) (string, error) {
	prepared, err := prepareNew(session, s.clock(), s.rand)
	if err != nil {
		return "", err
	}
	path := s.path(prepared.Key, models.StateAvailable)
	for _, state := range models.AllStates() {
		if state == models.StateAvailable && overwrite {
			continue
		}
		existing := s.path(prepared.Key, state)
		if _, err := os.Stat(existing); err == nil {
			return "", fmt.Errorf("%w: %s in %s", ErrExists, prepared.Key, state)
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("stat %s: %w", existing, err)
		}
	}
	if err := writeDoc(path, prepared); err != nil {
		return "", err
	}
	return prepared.Key, nil
}

func (s *FileStore) Load(key string, states ...models.SessionState) (models.Session, error) {
	if err := checkKey(key); err != nil {
		return models.Session{}, err
	}
	if len(states) == 0 {
		states = models.AllStates()
	}
	for _, state := range states {
		if err := checkState(state); err != nil {
			return models.Session{}, err
		}
		session, err := readDoc(s.path(key, state))
		if err == nil {
			session.Key = key
			session.State = state
			return session, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return models.Session{}, err
		}
	}
	return models.Session{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (s *FileStore) List(state models.SessionState) ([]models.Session, error) {
	if err := checkState(state); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.Root, string(state))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), docExt) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	out := make([]models.Session, 0, len(names))
	for _, name := range names {
		session, err := readDoc(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		session.Key = strings.TrimSuffix(name, docExt)
		session.State = state
		out = append(out, session)
	}
	return out, nil
}

func (s *FileStore) Move(key string, from, to models.SessionState) (models.Session, error) {
	if err := checkState(from); err != nil {
		return models.Session{}, err
	}
	if err := checkState(to); err != nil {
		return models.Session{}, err
	}
	if err := checkKey(key); err != nil {
		return models.Session{}, err
	}
	src := s.path(key, from)
	session, err := readDoc(src)
	if err != nil {
		if os.IsNotExist(err) {
			return models.Session{}, fmt.Errorf("%w: %s in %s", ErrNotFound, key, from)
		}
		return models.Session{}, err
	}
	session.Key = key
	session.State = to
	session.StateChangedAt = s.clock()
	if from == to {
		return session, writeDoc(src, session)
	}
	if err := writeDoc(s.path(key, to), session); err != nil {
		return models.Session{}, err
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return session, fmt.Errorf("remove %s after move: %w", src, err)
	}
	return session, nil
}

func (s *FileStore) Update(session models.Session) error {
	if err := checkState(session.State); err != nil {
		return err
	}
	if session.Key == "" {
		session.Key = keyFor(session)
	}
	path := s.path(session.Key, session.State)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s in %s", ErrNotFound, session.Key, session.State)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return writeDoc(path, session)
}

func (s *FileStore) Delete(key string, state models.SessionState) (bool, error) {
	if err := checkState(state); err != nil {
		return false, err
	}
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := os.Remove(s.path(key, state)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return true, nil
}

func (s *FileStore) path(key string, state models.SessionState) string {
	return filepath.Join(s.Root, string(state), key+docExt)
}

func (s *FileStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func readDoc(path string) (models.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Session{}, err
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return models.Session{}, fmt.Errorf("decode %s: %w", path, err)
	}
	session.ApplyDefaults()
	return session, nil
}

// writeDoc replaces path atomically so readers never observe a partial document.
func writeDoc(path string, session models.Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", session.Key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, docFilePerms); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
