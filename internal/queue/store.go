// Package queue persists sessions as documents whose lifecycle state is the
// partition that currently holds them.
package queue

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

const (
	idBytes      = 8
	maxKeyRunes  = 100
	historyDirNm = "History"
)

var (
	// ErrNotFound is returned when a key is absent from the requested partitions.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidState is returned for unknown partition names.
	ErrInvalidState = errors.New("invalid session state")
	// ErrExists is returned by Create when the key is taken. Overwrite only
	// replaces an Available copy; a key held by any other partition is never
	// replaced.
	ErrExists = errors.New("session already exists")
)

// Store is the durable job queue.
//
// A session document lives in exactly one partition at any observable
// instant, except after a crash in the middle of Move, which may leave a
// duplicate but never loses the document.
type Store interface {
	// Create assigns an id if absent, stamps creation time and writes the
	// session to the Available partition. Returns the storage key.
	Create(session models.Session, overwrite bool) (string, error)
	// Load returns the session from the given state, or searches all
	// partitions in AllStates order when no state is given.
	Load(key string, states ...models.SessionState) (models.Session, error)
	// List returns every session in a partition, unordered.
	List(state models.SessionState) ([]models.Session, error)
	// Move writes the session to `to` and then removes it from `from`.
	Move(key string, from, to models.SessionState) (models.Session, error)
	// Update rewrites a session in its current partition.
	Update(session models.Session) error
	// Delete removes a session; found is false when it did not exist.
	Delete(key string, state models.SessionState) (bool, error)
}

// SanitizeKey maps a session name to a filesystem safe storage key.
func SanitizeKey(name string) string {
	var b strings.Builder
	lastUnderscore := false
	count := 0
	for _, r := range strings.TrimSpace(name) {
		if count >= maxKeyRunes {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_') {
			b.WriteRune(r)
			lastUnderscore = r == '_'
			count++
			continue
		}
		if lastUnderscore {
			continue
		}
		b.WriteRune('_')
		lastUnderscore = true
		count++
	}
	return strings.Trim(b.String(), "._-")
}

// NewID returns a fresh session id.
func NewID(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, idBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return "ses_" + hex.EncodeToString(buf), nil
}

// keyFor derives the storage key for a session, falling back to its id.
func keyFor(session models.Session) string {
	if key := SanitizeKey(session.Name); key != "" {
		return key
	}
	return SanitizeKey(session.ID)
}

// prepareNew fills id, key, state and timestamps for Create.
func prepareNew(session models.Session, now time.Time, r io.Reader) (models.Session, error) {
	if strings.TrimSpace(session.ID) == "" {
		id, err := NewID(r)
		if err != nil {
			return models.Session{}, err
		}
		session.ID = id
	}
	session.Key = keyFor(session)
	if session.Key == "" {
		return models.Session{}, fmt.Errorf("session name %q yields an empty key", session.Name)
	}
	session.ApplyDefaults()
	session.CreatedAt = now
	session.State = models.StateAvailable
	session.StateChangedAt = now
	return session, nil
}

func checkKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("%w: invalid key %q", ErrNotFound, key)
	}
	return nil
}

func checkState(state models.SessionState) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	return nil
}

// SortByStartTime orders sessions by scheduled start, then by key.
func SortByStartTime(sessions []models.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].StartTime.Equal(sessions[j].StartTime) {
			return sessions[i].Key < sessions[j].Key
		}
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
}

// Due returns the sessions whose start time is at or before now, ordered by
// start time.
func Due(sessions []models.Session, now time.Time) []models.Session {
	var out []models.Session
	for _, s := range sessions {
		if s.Due(now) {
			out = append(out, s)
		}
	}
	SortByStartTime(out)
	return out
}
