package queue

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

// MemoryStore implements Store in memory. It is used by engine tests and by
// tools that want to dry-run a queue without touching disk.
type MemoryStore struct {
	mu         sync.Mutex
	partitions map[models.SessionState]map[string]models.Session

	Now  func() time.Time
	Rand io.Reader
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	partitions := make(map[models.SessionState]map[string]models.Session)
	for _, state := range models.AllStates() {
		partitions[state] = make(map[string]models.Session)
	}
	return &MemoryStore{partitions: partitions, Now: time.Now}
}

func (m *MemoryStore) Create(session models.Session, overwrite bool) (string, error) {
	prepared, err := prepareNew(session, m.clock(), m.Rand)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range models.AllStates() {
		if state == models.StateAvailable && overwrite {
			continue
		}
		if _, ok := m.partitions[state][prepared.Key]; ok {
			return "", fmt.Errorf("%w: %s in %s", ErrExists, prepared.Key, state)
		}
	}
	m.partitions[models.StateAvailable][prepared.Key] = prepared
	return prepared.Key, nil
}

func (m *MemoryStore) Load(key string, states ...models.SessionState) (models.Session, error) {
	if len(states) == 0 {
		states = models.AllStates()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range states {
		if err := checkState(state); err != nil {
			return models.Session{}, err
		}
		if session, ok := m.partitions[state][key]; ok {
			return session, nil
		}
	}
	return models.Session{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (m *MemoryStore) List(state models.SessionState) ([]models.Session, error) {
	if err := checkState(state); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Session, 0, len(m.partitions[state]))
	for _, session := range m.partitions[state] {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Move(key string, from, to models.SessionState) (models.Session, error) {
	if err := checkState(from); err != nil {
		return models.Session{}, err
	}
	if err := checkState(to); err != nil {
		return models.Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.partitions[from][key]
	if !ok {
		return models.Session{}, fmt.Errorf("%w: %s in %s", ErrNotFound, key, from)
	}
	session.State = to
	session.StateChangedAt = m.clock()
	m.partitions[to][key] = session
	if from != to {
		delete(m.partitions[from], key)
	}
	return session, nil
}

func (m *MemoryStore) Update(session models.Session) error {
	if err := checkState(session.State); err != nil {
		return err
	}
	if session.Key == "" {
		session.Key = keyFor(session)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.partitions[session.State][session.Key]; !ok {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, session.Key, session.State)
	}
	m.partitions[session.State][session.Key] = session
	return nil
}

func (m *MemoryStore) Delete(key string, state models.SessionState) (bool, error) {
	if err := checkState(state); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.partitions[state][key]; !ok {
		return false, nil
	}
	delete(m.partitions[state], key)
	return true, nil
}

func (m *MemoryStore) clock() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
