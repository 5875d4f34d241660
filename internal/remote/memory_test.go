package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClient_SetOverwrites(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, client.Apply(ctx, WriteOperation{
		Kind: OpSet,
		Path: "users/u/habits/h",
		Data: map[string]any{"name": "Read", "goal": "30min"},
	}))
	require.NoError(t, client.Apply(ctx, WriteOperation{
		Kind: OpSet,
		Path: "users/u/habits/h",
		Data: map[string]any{"name": "Read more"},
	}))

	doc, err := client.Get(ctx, "users/u/habits/h")
	require.NoError(t, err)
	assert.Equal(t, "Read more", doc["name"])
	_, hasGoal := doc["goal"]
	assert.False(t, hasGoal, "a full set must drop fields absent from the new document")
}

func TestMemoryClient_MergePreservesOtherFields(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, client.Apply(ctx, WriteOperation{
		Kind: OpSet,
		Path: "users/u/xp/state",
		Data: map[string]any{"totalXp": 100, "level": 1},
	}))
	require.NoError(t, client.Apply(ctx, WriteOperation{
		Kind: OpSetMerge,
		Path: "users/u/xp/state",
		Data: map[string]any{"totalXp": 150},
	}))

	doc, err := client.Get(ctx, "users/u/xp/state")
	require.NoError(t, err)
	assert.Equal(t, 150, doc["totalXp"])
	assert.Equal(t, 1, doc["level"], "merge must keep fields it does not touch")
}

func TestMemoryClient_MergeOnMissingDocumentCreatesIt(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, client.Apply(ctx, WriteOperation{
		Kind: OpSetMerge,
		Path: "users/u/streaks/h",
		Data: map[string]any{"current": 3},
	}))

	doc, err := client.Get(ctx, "users/u/streaks/h")
	require.NoError(t, err)
	assert.Equal(t, 3, doc["current"])
}

func TestMemoryClient_ServerTimestampResolved(t *testing.T) {
	client := NewMemoryClient()
	fixed := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	client.Now = func() time.Time { return fixed }

	require.NoError(t, client.Apply(context.Background(), WriteOperation{
		Kind: OpSet,
		Path: "users/u/habits/h",
		Data: map[string]any{"migrationTimestamp": ServerTimestamp},
	}))

	doc, err := client.Get(context.Background(), "users/u/habits/h")
	require.NoError(t, err)
	assert.Equal(t, fixed.Format(time.RFC3339Nano), doc["migrationTimestamp"])
}

func TestMemoryClient_GetMissingReturnsNotFound(t *testing.T) {
	client := NewMemoryClient()
	_, err := client.Get(context.Background(), "users/u/nothing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryClient_DeleteAndExists(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, client.Apply(ctx, WriteOperation{
		Kind: OpSet, Path: "p", Data: map[string]any{"x": 1},
	}))
	exists, err := client.Exists(ctx, "p")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, client.Delete(ctx, "p"))
	exists, err = client.Exists(ctx, "p")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Zero(t, client.Len())
}

func TestMemoryClient_GetReturnsCopy(t *testing.T) {
	client := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, client.Apply(ctx, WriteOperation{
		Kind: OpSet, Path: "p", Data: map[string]any{"x": 1},
	}))

	doc, err := client.Get(ctx, "p")
	require.NoError(t, err)
	doc["x"] = 99

	again, err := client.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, again["x"], "callers must not be able to mutate stored documents")
}
