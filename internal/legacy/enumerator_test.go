package legacy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedUser(t *testing.T, store *Store, userID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for _, h := range []HabitRecord{
		{ID: "habit-a", UserID: userID, Name: "Read", Goal: "30min", CreatedAt: now, UpdatedAt: now},
		{ID: "habit-b", UserID: userID, Name: "Run", Goal: "5km", CreatedAt: now, UpdatedAt: now},
	} {
		h := h
		require.NoError(t, store.UpsertHabit(ctx, &h))
	}
	for _, c := range []CompletionRecord{
		{HabitID: "habit-a", UserID: userID, DateKey: "2026-08-01", Count: 1, Completed: true, UpdatedAt: now},
		{HabitID: "habit-a", UserID: userID, DateKey: "2026-08-02", Count: 1, Completed: true, UpdatedAt: now},
		{HabitID: "habit-b", UserID: userID, DateKey: "2026-08-01", Count: 2, Completed: true, UpdatedAt: now},
	} {
		c := c
		require.NoError(t, store.UpsertCompletion(ctx, &c))
	}
	require.NoError(t, store.SaveXPState(ctx, &XPStateRecord{UserID: userID, TotalXP: 450, Level: 3, UpdatedAt: now}))
	require.NoError(t, store.UpsertXPLedger(ctx, &XPLedgerRecord{UserID: userID, Key: "award-001", Amount: 50, Reason: "streak", OccurredAt: now}))
	require.NoError(t, store.UpsertStreak(ctx, &StreakRecord{HabitID: "habit-a", UserID: userID, Current: 4, Longest: 9, LastDateKey: "2026-08-02", UpdatedAt: now}))
	require.NoError(t, store.UpsertGoalVersion(ctx, &GoalVersionRecord{HabitID: "habit-a", UserID: userID, EffectiveDateKey: "2026-07-01", Goal: "20min", CreatedAt: now}))
	require.NoError(t, store.SaveSetting(ctx, userID, "theme", "mode", "dark"))
}

func TestEnumerate_AllItemsSorted(t *testing.T) {
	store := newTestStore(t)
	seedUser(t, store, "user-1")
	enum := NewEnumerator(store)

	items, err := enum.Enumerate(context.Background(), "user-1", "")
	require.NoError(t, err)
	// 2 habits + 3 completions + xp state + 1 ledger entry + 1 streak +
	// 1 goal version + settings
	require.Len(t, items, 10)

	for i := 1; i < len(items); i++ {
		prev, cur := items[i-1], items[i]
		if prev.StableKey == cur.StableKey {
			assert.Less(t, string(prev.Type), string(cur.Type),
				"equal keys must be ordered by type")
			continue
		}
		assert.Less(t, prev.StableKey, cur.StableKey)
	}
}

func TestEnumerate_DeterministicAcrossCalls(t *testing.T) {
	store := newTestStore(t)
	seedUser(t, store, "user-1")
	enum := NewEnumerator(store)
	ctx := context.Background()

	first, err := enum.Enumerate(ctx, "user-1", "")
	require.NoError(t, err)
	second, err := enum.Enumerate(ctx, "user-1", "")
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].StableKey, second[i].StableKey)
		assert.Equal(t, first[i].Type, second[i].Type)
	}
}

func TestEnumerate_ResumeIsStrictlyAfterCursor(t *testing.T) {
	store := newTestStore(t)
	seedUser(t, store, "user-1")
	enum := NewEnumerator(store)
	ctx := context.Background()

	all, err := enum.Enumerate(ctx, "user-1", "")
	require.NoError(t, err)
	require.NotEmpty(t, all)

	// Resume from the key of the fourth item: everything at or before that
	// key is excluded, everything after is returned in the same order.
	cursor := all[3].StableKey
	rest, err := enum.Enumerate(ctx, "user-1", cursor)
	require.NoError(t, err)

	for _, item := range rest {
		assert.Greater(t, item.StableKey, cursor)
	}
	expectAfter := 0
	for _, item := range all {
		if item.StableKey > cursor {
			expectAfter++
		}
	}
	assert.Len(t, rest, expectAfter)

	// Resuming from the final key yields nothing.
	tail, err := enum.Enumerate(ctx, "user-1", all[len(all)-1].StableKey)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestEnumerate_StableKeys(t *testing.T) {
	store := newTestStore(t)
	seedUser(t, store, "user-1")
	enum := NewEnumerator(store)

	items, err := enum.Enumerate(context.Background(), "user-1", "")
	require.NoError(t, err)

	keys := make(map[ItemType][]string)
	for _, item := range items {
		keys[item.Type] = append(keys[item.Type], item.StableKey)
	}
	assert.ElementsMatch(t, []string{"habit-a", "habit-b"}, keys[TypeHabit])
	assert.ElementsMatch(t,
		[]string{"habit-a_2026-08-01", "habit-a_2026-08-02", "habit-b_2026-08-01"},
		keys[TypeCompletion])
	assert.Equal(t, []string{"xp_state"}, keys[TypeXPState])
	assert.Equal(t, []string{"award-001"}, keys[TypeXPLedger])
	assert.Equal(t, []string{"habit-a"}, keys[TypeStreak])
	assert.Equal(t, []string{"habit-a_2026-07-01"}, keys[TypeGoalVersion])
	assert.Equal(t, []string{"settings"}, keys[TypeUserSettings])
}

func TestEnumerate_EmptyStore(t *testing.T) {
	store := newTestStore(t)
	enum := NewEnumerator(store)

	items, err := enum.Enumerate(context.Background(), "nobody", "")
	require.NoError(t, err)
	assert.Empty(t, items)

	count, err := enum.Count(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEnumerate_IsolatedPerUser(t *testing.T) {
	store := newTestStore(t)
	seedUser(t, store, "user-1")
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.UpsertHabit(ctx, &HabitRecord{
		ID: "other-habit", UserID: "user-2", Name: "Swim", CreatedAt: now, UpdatedAt: now,
	}))

	enum := NewEnumerator(store)
	items, err := enum.Enumerate(ctx, "user-2", "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "other-habit", items[0].StableKey)
}

func TestCount_MatchesEnumeration(t *testing.T) {
	store := newTestStore(t)
	seedUser(t, store, "user-1")
	enum := NewEnumerator(store)
	ctx := context.Background()

	items, err := enum.Enumerate(ctx, "user-1", "")
	require.NoError(t, err)
	count, err := enum.Count(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, len(items), count)
}
