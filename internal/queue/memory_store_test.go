package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/styelz/dwarf-scheduler-sub000/internal/models"
)

func TestMemoryStoreContract(t *testing.T) {
	store := NewMemoryStore()
	store.Now = func() time.Time { return fixedNow }

	key, err := store.Create(testSession("M51"), false)
	require.NoError(t, err)
	_, err = store.Create(testSession("M51"), false)
	require.ErrorIs(t, err, ErrExists)

	moved, err := store.Move(key, models.StateAvailable, models.StateToDo)
	require.NoError(t, err)
	assert.Equal(t, models.StateToDo, moved.State)

	todo, err := store.List(models.StateToDo)
	require.NoError(t, err)
	require.Len(t, todo, 1)

	available, err := store.List(models.StateAvailable)
	require.NoError(t, err)
	assert.Empty(t, available)

	_, err = store.Move(key, models.StateAvailable, models.StateToDo)
	require.ErrorIs(t, err, ErrNotFound)

	loaded, err := store.Load(key)
	require.NoError(t, err)
	loaded.LastError = "note"
	require.NoError(t, store.Update(loaded))

	found, err := store.Delete(key, models.StateToDo)
	require.NoError(t, err)
	assert.True(t, found)
	found, err = store.Delete(key, models.StateToDo)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = store.List("Nowhere")
	require.ErrorIs(t, err, ErrInvalidState)
}
