package migrate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"habitsync/internal/legacy"
	"habitsync/internal/remote"
)

// DefaultMigrationVersion stamps mapped documents with the mapping schema
// in use.
const DefaultMigrationVersion = "1"

// MissingFieldError reports a legacy item lacking a field the mapping
// requires. The coordinator treats it as fatal for the run.
type MissingFieldError struct {
	ItemType legacy.ItemType
	Field    string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("legacy %s item is missing required field %q", e.ItemType, e.Field)
}

// Mapper transforms legacy items into remote write operations with
// deterministic paths, so retried writes overwrite rather than duplicate.
type Mapper struct {
	version string
}

// NewMapper creates a mapper stamping documents with the given migration
// version.
func NewMapper(version string) *Mapper {
	if version == "" {
		version = DefaultMigrationVersion
	}
	return &Mapper{version: version}
}

// MapItems maps a batch of items. The first mapping failure aborts the
// whole batch.
func (m *Mapper) MapItems(items []legacy.Item, userID string) ([]remote.WriteOperation, error) {
	ops := make([]remote.WriteOperation, 0, len(items))
	for i := range items {
		mapped, err := m.Map(&items[i], userID)
		if err != nil {
			return nil, err
		}
		ops = append(ops, mapped...)
	}
	return ops, nil
}

// Map maps one item to its write operations.
func (m *Mapper) Map(item *legacy.Item, userID string) ([]remote.WriteOperation, error) {
	switch item.Type {
	case legacy.TypeHabit:
		return m.mapHabit(item, userID)
	case legacy.TypeCompletion:
		return m.mapCompletion(item, userID)
	case legacy.TypeXPState:
		return m.mapXPState(item, userID)
	case legacy.TypeXPLedger:
		return m.mapXPLedger(item, userID)
	case legacy.TypeStreak:
		return m.mapStreak(item, userID)
	case legacy.TypeGoalVersion:
		return m.mapGoalVersion(item, userID)
	case legacy.TypeUserSettings:
		return m.mapSettings(item, userID)
	}
	return nil, fmt.Errorf("unknown item type %q", item.Type)
}

func (m *Mapper) mapHabit(item *legacy.Item, userID string) ([]remote.WriteOperation, error) {
	h := item.Habit
	if h == nil || h.ID == "" {
		return nil, &MissingFieldError{ItemType: legacy.TypeHabit, Field: "id"}
	}

	data := map[string]any{
		"id":        h.ID,
		"name":      h.Name,
		"goal":      h.Goal,
		"color":     h.Color,
		"icon":      h.Icon,
		"schedule":  h.Schedule,
		"archived":  h.Archived,
		"createdAt": h.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt": h.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	return []remote.WriteOperation{{
		Kind: remote.OpSet,
		Path: fmt.Sprintf("users/%s/habits/%s", userID, h.ID),
		Data: m.stamp(data),
	}}, nil
}

func (m *Mapper) mapCompletion(item *legacy.Item, userID string) ([]remote.WriteOperation, error) {
	c := item.Completion
	if c == nil || c.HabitID == "" {
		return nil, &MissingFieldError{ItemType: legacy.TypeCompletion, Field: "habitId"}
	}

	// The date key is the stable key with the habit id prefix stripped.
	dateKey := strings.TrimPrefix(item.StableKey, c.HabitID+"_")
	if dateKey == "" || dateKey == item.StableKey {
		return nil, &MissingFieldError{ItemType: legacy.TypeCompletion, Field: "dateKey"}
	}

	data := map[string]any{
		"habitId":   c.HabitID,
		"dateKey":   dateKey,
		"count":     c.Count,
		"completed": c.Completed,
	}
	if c.Note != "" {
		data["note"] = c.Note
	}
	return []remote.WriteOperation{{
		Kind: remote.OpSetMerge,
		Path: fmt.Sprintf("users/%s/completions/%s/%s", userID, dateKey, c.HabitID),
		Data: m.stamp(data),
	}}, nil
}

func (m *Mapper) mapXPState(item *legacy.Item, userID string) ([]remote.WriteOperation, error) {
	x := item.XPState
	if x == nil {
		return nil, &MissingFieldError{ItemType: legacy.TypeXPState, Field: "state"}
	}

	data := map[string]any{
		"totalXp": x.TotalXP,
		"level":   x.Level,
	}
	return []remote.WriteOperation{{
		Kind: remote.OpSetMerge,
		Path: fmt.Sprintf("users/%s/xp/state", userID),
		Data: m.stamp(data),
	}}, nil
}

func (m *Mapper) mapXPLedger(item *legacy.Item, userID string) ([]remote.WriteOperation, error) {
	e := item.XPLedger
	if e == nil || item.StableKey == "" {
		return nil, &MissingFieldError{ItemType: legacy.TypeXPLedger, Field: "key"}
	}

	data := map[string]any{
		"amount":     e.Amount,
		"reason":     e.Reason,
		"occurredAt": e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"sourceKey":  item.StableKey,
	}
	return []remote.WriteOperation{{
		Kind: remote.OpSet,
		Path: fmt.Sprintf("users/%s/xp/ledger/%s", userID, EventID(item.StableKey)),
		Data: m.stamp(data),
	}}, nil
}

func (m *Mapper) mapStreak(item *legacy.Item, userID string) ([]remote.WriteOperation, error) {
	r := item.Streak
	if r == nil || r.HabitID == "" {
		return nil, &MissingFieldError{ItemType: legacy.TypeStreak, Field: "habitId"}
	}

	data := map[string]any{
		"habitId": r.HabitID,
		"current": r.Current,
		"longest": r.Longest,
	}
	if r.LastDateKey != "" {
		data["lastDateKey"] = r.LastDateKey
	}
	return []remote.WriteOperation{{
		Kind: remote.OpSetMerge,
		Path: fmt.Sprintf("users/%s/streaks/%s", userID, r.HabitID),
		Data: m.stamp(data),
	}}, nil
}

func (m *Mapper) mapGoalVersion(item *legacy.Item, userID string) ([]remote.WriteOperation, error) {
	g := item.GoalVersion
	if g == nil || g.HabitID == "" {
		return nil, &MissingFieldError{ItemType: legacy.TypeGoalVersion, Field: "habitId"}
	}
	if g.EffectiveDateKey == "" {
		return nil, &MissingFieldError{ItemType: legacy.TypeGoalVersion, Field: "effectiveDateKey"}
	}

	data := map[string]any{
		"habitId":          g.HabitID,
		"effectiveDateKey": g.EffectiveDateKey,
		"goal":             g.Goal,
		"createdAt":        g.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	return []remote.WriteOperation{{
		Kind: remote.OpSet,
		Path: fmt.Sprintf("users/%s/goalVersions/%s_%s", userID, g.HabitID, g.EffectiveDateKey),
		Data: m.stamp(data),
	}}, nil
}

func (m *Mapper) mapSettings(item *legacy.Item, userID string) ([]remote.WriteOperation, error) {
	s := item.Settings
	if s == nil {
		return nil, &MissingFieldError{ItemType: legacy.TypeUserSettings, Field: "groups"}
	}

	// Pass every settings field through under its group.
	data := make(map[string]any, len(s.Groups))
	for group, values := range s.Groups {
		groupData := make(map[string]any, len(values))
		for k, v := range values {
			groupData[k] = v
		}
		data[group] = groupData
	}
	return []remote.WriteOperation{{
		Kind: remote.OpSetMerge,
		Path: fmt.Sprintf("users/%s/settings", userID),
		Data: m.stamp(data),
	}}, nil
}

// stamp tags a payload with migration provenance fields.
func (m *Mapper) stamp(data map[string]any) map[string]any {
	data["migrated"] = true
	data["migrationVersion"] = m.version
	data["migrationTimestamp"] = remote.ServerTimestamp
	return data
}

// EventID derives a deterministic ledger document id from a stable key:
// the first 16 bytes of its SHA-256, hex encoded. Same input, same output,
// so a retried write overwrites instead of duplicating.
func EventID(stableKey string) string {
	sum := sha256.Sum256([]byte(stableKey))
	return hex.EncodeToString(sum[:16])
}
