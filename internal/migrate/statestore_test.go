package migrate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habitsync/internal/remote"
)

// stateStores builds one instance of every StateStore implementation so the
// shared behaviour can be asserted against both.
func stateStores(t *testing.T) map[string]StateStore {
	t.Helper()
	local, err := NewLocalStateStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	return map[string]StateStore{
		"remote": NewRemoteStateStore(remote.NewMemoryClient()),
		"local":  local,
	}
}

func TestStateStore_LoadMissingReturnsDefault(t *testing.T) {
	for name, store := range stateStores(t) {
		t.Run(name, func(t *testing.T) {
			state, err := store.Load(context.Background(), "user-1")
			require.NoError(t, err)
			assert.Equal(t, StatusNotStarted, state.Status)
			assert.Zero(t, state.ItemsProcessed)

			exists, err := store.Exists(context.Background(), "user-1")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestStateStore_SaveAndLoadRoundTrip(t *testing.T) {
	started := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	for name, store := range stateStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := NewState()
			state.Status = StatusRunning
			state.ItemsProcessed = 42
			state.TotalItems = 100
			state.LastItemKey = "habit-q"
			state.StartedAt = &started
			state.Metadata["started_by"] = "cli"

			require.NoError(t, store.Save(ctx, state, "user-1"))

			loaded, err := store.Load(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, StatusRunning, loaded.Status)
			assert.Equal(t, 42, loaded.ItemsProcessed)
			assert.Equal(t, 100, loaded.TotalItems)
			assert.Equal(t, "habit-q", loaded.LastItemKey)
			assert.Equal(t, StateVersion, loaded.Version)
			assert.Equal(t, "cli", loaded.Metadata["started_by"])
			require.NotNil(t, loaded.StartedAt)
			assert.True(t, loaded.StartedAt.Equal(started))

			exists, err := store.Exists(ctx, "user-1")
			require.NoError(t, err)
			assert.True(t, exists)
		})
	}
}

func TestStateStore_SaveOverwrites(t *testing.T) {
	for name, store := range stateStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := NewState()
			first.Status = StatusRunning
			first.ItemsProcessed = 10
			require.NoError(t, store.Save(ctx, first, "user-1"))

			second := NewState()
			second.Status = StatusCompleted
			second.ItemsProcessed = 99
			require.NoError(t, store.Save(ctx, second, "user-1"))

			loaded, err := store.Load(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, loaded.Status)
			assert.Equal(t, 99, loaded.ItemsProcessed)
		})
	}
}

func TestStateStore_ClearRemovesRecord(t *testing.T) {
	for name, store := range stateStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := NewState()
			state.Status = StatusFailed
			state.Error = "remote write failed"
			require.NoError(t, store.Save(ctx, state, "user-1"))
			require.NoError(t, store.Clear(ctx, "user-1"))

			loaded, err := store.Load(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, StatusNotStarted, loaded.Status)
			assert.Empty(t, loaded.Error)

			exists, err := store.Exists(ctx, "user-1")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestStateStore_UsersAreIsolated(t *testing.T) {
	for name, store := range stateStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := NewState()
			state.Status = StatusCompleted
			require.NoError(t, store.Save(ctx, state, "user-1"))

			other, err := store.Load(ctx, "user-2")
			require.NoError(t, err)
			assert.Equal(t, StatusNotStarted, other.Status)
		})
	}
}
