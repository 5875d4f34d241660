package migrate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habitsync/internal/legacy"
	"habitsync/internal/remote"
)

// hookClient wraps a remote client, counting writes and running a callback
// after each one. Used to interrupt runs at precise points.
type hookClient struct {
	inner   remote.Client
	mu      sync.Mutex
	applied int
	onApply func(n int)
}

func (h *hookClient) Apply(ctx context.Context, op remote.WriteOperation) error {
	h.mu.Lock()
	h.applied++
	n := h.applied
	h.mu.Unlock()
	if h.onApply != nil {
		h.onApply(n)
	}
	return h.inner.Apply(ctx, op)
}

func (h *hookClient) Get(ctx context.Context, path string) (map[string]any, error) {
	return h.inner.Get(ctx, path)
}

func (h *hookClient) Delete(ctx context.Context, path string) error {
	return h.inner.Delete(ctx, path)
}

func (h *hookClient) Exists(ctx context.Context, path string) (bool, error) {
	return h.inner.Exists(ctx, path)
}

func (h *hookClient) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.applied
}

type failingClient struct {
	remote.Client
}

func (f *failingClient) Apply(ctx context.Context, op remote.WriteOperation) error {
	return errors.New("remote unavailable")
}

func seedLegacyStore(t *testing.T, userID string) *legacy.Store {
	t.Helper()
	store, err := legacy.Open(filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for _, h := range []legacy.HabitRecord{
		{ID: "habit-a", UserID: userID, Name: "Read", CreatedAt: now, UpdatedAt: now},
		{ID: "habit-b", UserID: userID, Name: "Run", CreatedAt: now, UpdatedAt: now},
	} {
		h := h
		require.NoError(t, store.UpsertHabit(ctx, &h))
	}
	for _, c := range []legacy.CompletionRecord{
		{HabitID: "habit-a", UserID: userID, DateKey: "2026-08-01", Count: 1, Completed: true, UpdatedAt: now},
		{HabitID: "habit-a", UserID: userID, DateKey: "2026-08-02", Count: 1, Completed: true, UpdatedAt: now},
		{HabitID: "habit-b", UserID: userID, DateKey: "2026-08-01", Count: 2, Completed: true, UpdatedAt: now},
	} {
		c := c
		require.NoError(t, store.UpsertCompletion(ctx, &c))
	}
	require.NoError(t, store.SaveXPState(ctx, &legacy.XPStateRecord{UserID: userID, TotalXP: 450, Level: 3, UpdatedAt: now}))
	require.NoError(t, store.UpsertXPLedger(ctx, &legacy.XPLedgerRecord{UserID: userID, Key: "award-001", Amount: 50, OccurredAt: now}))
	require.NoError(t, store.UpsertStreak(ctx, &legacy.StreakRecord{HabitID: "habit-a", UserID: userID, Current: 4, Longest: 9, UpdatedAt: now}))
	require.NoError(t, store.UpsertGoalVersion(ctx, &legacy.GoalVersionRecord{HabitID: "habit-a", UserID: userID, EffectiveDateKey: "2026-07-01", Goal: "20min", CreatedAt: now}))
	require.NoError(t, store.SaveSetting(ctx, userID, "theme", "mode", "dark"))
	return store
}

func newTestCoordinator(store *legacy.Store, client remote.Client, states StateStore) *Coordinator {
	return NewCoordinator(Options{
		States:     states,
		Enumerator: legacy.NewEnumerator(store),
		Mapper:     NewMapper("1"),
		Client:     client,
		BatchSize:  3,
		AppVersion: "test",
		StartedBy:  "test",
	})
}

func TestRun_MigratesEverything(t *testing.T) {
	const userID = "user-1"
	store := seedLegacyStore(t, userID)
	client := remote.NewMemoryClient()
	states := NewRemoteStateStore(client)
	coord := newTestCoordinator(store, client, states)
	ctx := context.Background()

	require.NoError(t, coord.Run(ctx, userID))

	state, err := coord.Status(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, 10, state.ItemsProcessed)
	assert.NotNil(t, state.FinishedAt)

	needs, err := coord.NeedsMigration(ctx, userID)
	require.NoError(t, err)
	assert.False(t, needs)

	doc, err := client.Get(ctx, "users/user-1/habits/habit-a")
	require.NoError(t, err)
	assert.Equal(t, "Read", doc["name"])
	assert.Equal(t, true, doc["migrated"])
	_, isString := doc["migrationTimestamp"].(string)
	assert.True(t, isString, "server timestamp sentinel must be resolved on write")

	exists, err := client.Exists(ctx, "users/user-1/completions/2026-08-01/habit-b")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRun_RerunAfterCompletionIsIdempotent(t *testing.T) {
	const userID = "user-1"
	store := seedLegacyStore(t, userID)
	client := remote.NewMemoryClient()
	states := NewRemoteStateStore(client)
	coord := newTestCoordinator(store, client, states)
	ctx := context.Background()

	require.NoError(t, coord.Run(ctx, userID))
	docsAfterFirst := client.Len()

	require.NoError(t, coord.Run(ctx, userID))
	assert.Equal(t, docsAfterFirst, client.Len(),
		"deterministic paths must overwrite, never duplicate")
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	const userID = "user-1"
	store := seedLegacyStore(t, userID)
	mem := remote.NewMemoryClient()
	client := &hookClient{inner: mem}
	states := NewRemoteStateStore(mem)
	coord := newTestCoordinator(store, client, states)
	ctx := context.Background()

	all, err := legacy.NewEnumerator(store).Enumerate(ctx, userID, "")
	require.NoError(t, err)
	require.Len(t, all, 10)

	// A previous process died after checkpointing four items. The stale
	// record still says running; a new run picks up from the cursor.
	interrupted := NewState()
	interrupted.Status = StatusRunning
	interrupted.ItemsProcessed = 4
	interrupted.LastItemKey = all[3].StableKey
	require.NoError(t, states.Save(ctx, interrupted, userID))

	require.NoError(t, coord.Run(ctx, userID))

	assert.Equal(t, 6, client.count(), "only items after the cursor should be written")

	state, err := coord.Status(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, 10, state.ItemsProcessed)
}

func TestRun_WriteFailureMarksFailed(t *testing.T) {
	const userID = "user-1"
	store := seedLegacyStore(t, userID)
	states := NewRemoteStateStore(remote.NewMemoryClient())
	coord := newTestCoordinator(store, &failingClient{}, states)
	ctx := context.Background()

	err := coord.Run(ctx, userID)
	require.Error(t, err)

	state, loadErr := coord.Status(ctx, userID)
	require.NoError(t, loadErr)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Contains(t, state.Error, "remote write failed")

	needs, err := coord.NeedsMigration(ctx, userID)
	require.NoError(t, err)
	assert.True(t, needs, "a failed migration should be offered again")
}

func TestRun_CancellationStopsBetweenBatches(t *testing.T) {
	const userID = "user-1"
	store := seedLegacyStore(t, userID)
	mem := remote.NewMemoryClient()
	states := NewRemoteStateStore(mem)

	client := &hookClient{inner: mem}
	client.onApply = func(n int) {
		if n == 1 {
			// Cancel while the first batch is in flight; the coordinator
			// only honours it at the next batch boundary.
			state, err := states.Load(context.Background(), userID)
			if err != nil {
				return
			}
			state.Status = StatusCancelled
			_ = states.Save(context.Background(), state, userID)
		}
	}
	coord := newTestCoordinator(store, client, states)

	require.NoError(t, coord.Run(context.Background(), userID))

	state, err := coord.Status(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, state.Status)
	assert.Less(t, state.ItemsProcessed, 10, "later batches must not run after cancellation")
	assert.Equal(t, client.count(), state.ItemsProcessed,
		"checkpoint must cover exactly the written items")
}

func TestRun_PausedRunRefusesToStart(t *testing.T) {
	const userID = "user-1"
	store := seedLegacyStore(t, userID)
	client := remote.NewMemoryClient()
	states := NewRemoteStateStore(client)
	coord := newTestCoordinator(store, client, states)
	ctx := context.Background()

	paused := NewState()
	paused.Status = StatusPaused
	paused.ItemsProcessed = 2
	require.NoError(t, states.Save(ctx, paused, userID))

	err := coord.Run(ctx, userID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paused")
	assert.Zero(t, client.Len(), "no writes may happen for a paused migration")
}

func TestStart_NoOpWhenAlreadyActive(t *testing.T) {
	const userID = "user-1"
	store := seedLegacyStore(t, userID)
	client := remote.NewMemoryClient()
	states := NewRemoteStateStore(client)
	coord := newTestCoordinator(store, client, states)
	ctx := context.Background()

	running := NewState()
	running.Status = StatusRunning
	running.ItemsProcessed = 5
	running.LastItemKey = "habit-a"
	require.NoError(t, states.Save(ctx, running, userID))

	state, err := coord.Start(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, state.Status)
	assert.Equal(t, 5, state.ItemsProcessed, "an active record must be returned unchanged")
	assert.Equal(t, "habit-a", state.LastItemKey)
}

func TestNeedsMigration(t *testing.T) {
	tests := []struct {
		status Status
		needs  bool
	}{
		{StatusNotStarted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{StatusRunning, false},
		{StatusPaused, false},
		{StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			client := remote.NewMemoryClient()
			states := NewRemoteStateStore(client)
			coord := NewCoordinator(Options{States: states, Client: client})

			state := NewState()
			state.Status = tt.status
			require.NoError(t, states.Save(context.Background(), state, "user-1"))

			needs, err := coord.NeedsMigration(context.Background(), "user-1")
			require.NoError(t, err)
			assert.Equal(t, tt.needs, needs)
		})
	}
}

func TestReset_AllowsRetryAfterFailure(t *testing.T) {
	client := remote.NewMemoryClient()
	states := NewRemoteStateStore(client)
	coord := NewCoordinator(Options{States: states, Client: client})
	ctx := context.Background()

	failed := NewState()
	failed.Status = StatusFailed
	failed.ItemsProcessed = 7
	failed.Error = "boom"
	require.NoError(t, states.Save(ctx, failed, "user-1"))

	require.NoError(t, coord.Reset(ctx, "user-1"))

	state, err := coord.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, StatusNotStarted, state.Status)
	assert.Zero(t, state.ItemsProcessed)
	assert.Empty(t, state.Error)
}

func TestUpdateProgress_IsIdempotent(t *testing.T) {
	client := remote.NewMemoryClient()
	states := NewRemoteStateStore(client)
	coord := NewCoordinator(Options{States: states, Client: client})
	ctx := context.Background()

	running := NewState()
	running.Status = StatusRunning
	require.NoError(t, states.Save(ctx, running, "user-1"))

	require.NoError(t, coord.UpdateProgress(ctx, "user-1", 6, "habit-c", 20))
	require.NoError(t, coord.UpdateProgress(ctx, "user-1", 6, "habit-c", 20))

	state, err := coord.Status(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 6, state.ItemsProcessed)
	assert.Equal(t, "habit-c", state.LastItemKey)
	assert.Equal(t, 20, state.TotalItems)
	assert.Equal(t, StatusRunning, state.Status)
}

func TestRun_WithLocalStateStore(t *testing.T) {
	const userID = "user-1"
	store := seedLegacyStore(t, userID)
	client := remote.NewMemoryClient()

	states, err := NewLocalStateStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer states.Close()

	coord := newTestCoordinator(store, client, states)
	ctx := context.Background()

	require.NoError(t, coord.Run(ctx, userID))

	state, err := states.Load(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, 10, state.ItemsProcessed)
}

func TestChunkBatches_NeverSplitsEqualKeys(t *testing.T) {
	items := []legacy.Item{
		{StableKey: "a"},
		{StableKey: "b"},
		{StableKey: "b"},
		{StableKey: "b"},
		{StableKey: "c"},
	}

	batches := chunkBatches(items, 2)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 4, "the batch must extend past items sharing its last key")
	assert.Len(t, batches[1], 1)

	for _, batch := range batches[:len(batches)-1] {
		last := batch[len(batch)-1].StableKey
		next := batches[1][0].StableKey
		assert.NotEqual(t, last, next)
	}
}

func TestChunkBatches_ExactFit(t *testing.T) {
	items := []legacy.Item{{StableKey: "a"}, {StableKey: "b"}, {StableKey: "c"}, {StableKey: "d"}}
	batches := chunkBatches(items, 2)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)

	assert.Empty(t, chunkBatches(nil, 2))
}
