package legacy

import (
	"context"
	"fmt"
	"sort"
)

// Enumerator yields typed, stably-keyed items from the legacy store in
// deterministic order. The coordinator uses the last returned key as a
// resume cursor, so ordering must not change between calls against
// unchanged data.
type Enumerator struct {
	store *Store
}

// NewEnumerator creates an enumerator over the given store.
func NewEnumerator(store *Store) *Enumerator {
	return &Enumerator{store: store}
}

// Enumerate returns all items whose stable key sorts strictly after fromKey
// (all items when fromKey is empty), merged across every item type and
// sorted ascending by (stableKey, itemType). Stable keys are only unique
// within a type, so the type is the tie breaker.
func (e *Enumerator) Enumerate(ctx context.Context, userID, fromKey string) ([]Item, error) {
	var items []Item

	habits, err := e.store.ListHabits(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list habits: %w", err)
	}
	for i := range habits {
		h := habits[i]
		created, updated := h.CreatedAt, h.UpdatedAt
		items = append(items, Item{
			Type:      TypeHabit,
			StableKey: h.ID,
			CreatedAt: &created,
			UpdatedAt: &updated,
			Habit:     &h,
		})
	}

	completions, err := e.store.ListCompletions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list completions: %w", err)
	}
	for i := range completions {
		c := completions[i]
		updated := c.UpdatedAt
		items = append(items, Item{
			Type:       TypeCompletion,
			StableKey:  c.HabitID + "_" + c.DateKey,
			UpdatedAt:  &updated,
			Completion: &c,
		})
	}

	xp, err := e.store.XPState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load xp state: %w", err)
	}
	if xp != nil {
		updated := xp.UpdatedAt
		items = append(items, Item{
			Type:      TypeXPState,
			StableKey: "xp_state",
			UpdatedAt: &updated,
			XPState:   xp,
		})
	}

	ledger, err := e.store.ListXPLedger(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list xp ledger: %w", err)
	}
	for i := range ledger {
		entry := ledger[i]
		occurred := entry.OccurredAt
		items = append(items, Item{
			Type:      TypeXPLedger,
			StableKey: entry.Key,
			CreatedAt: &occurred,
			XPLedger:  &entry,
		})
	}

	streaks, err := e.store.ListStreaks(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list streaks: %w", err)
	}
	for i := range streaks {
		r := streaks[i]
		updated := r.UpdatedAt
		items = append(items, Item{
			Type:      TypeStreak,
			StableKey: r.HabitID,
			UpdatedAt: &updated,
			Streak:    &r,
		})
	}

	goals, err := e.store.ListGoalVersions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list goal versions: %w", err)
	}
	for i := range goals {
		g := goals[i]
		created := g.CreatedAt
		items = append(items, Item{
			Type:        TypeGoalVersion,
			StableKey:   g.HabitID + "_" + g.EffectiveDateKey,
			CreatedAt:   &created,
			GoalVersion: &g,
		})
	}

	settings, err := e.store.Settings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	if settings != nil {
		items = append(items, Item{
			Type:      TypeUserSettings,
			StableKey: "settings",
			Settings:  &SettingsRecord{UserID: userID, Groups: settings},
		})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].StableKey != items[j].StableKey {
			return items[i].StableKey < items[j].StableKey
		}
		return items[i].Type < items[j].Type
	})

	if fromKey == "" {
		return items, nil
	}

	// Strictly after the cursor. Items sharing the cursor key across types
	// were handed out together, so dropping all of them is correct.
	idx := sort.Search(len(items), func(i int) bool {
		return items[i].StableKey > fromKey
	})
	return items[idx:], nil
}

// Count estimates the total number of items for progress display.
func (e *Enumerator) Count(ctx context.Context, userID string) (int, error) {
	items, err := e.Enumerate(ctx, userID, "")
	if err != nil {
		return 0, err
	}
	return len(items), nil
}
