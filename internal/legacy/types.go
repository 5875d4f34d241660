package legacy

import "time"

// ItemType tags one kind of legacy data
type ItemType string

const (
	TypeHabit        ItemType = "habit"
	TypeCompletion   ItemType = "completion"
	TypeXPState      ItemType = "xp_state"
	TypeXPLedger     ItemType = "xp_ledger_entry"
	TypeStreak       ItemType = "streak"
	TypeGoalVersion  ItemType = "goal_version"
	TypeUserSettings ItemType = "user_settings"
)

// HabitRecord is one habit definition in the legacy store
type HabitRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Goal      string    `json:"goal,omitempty"`
	Color     string    `json:"color,omitempty"`
	Icon      string    `json:"icon,omitempty"`
	Schedule  string    `json:"schedule,omitempty"`
	Archived  bool      `json:"archived,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CompletionRecord is one habit completion on a given day
type CompletionRecord struct {
	HabitID   string    `json:"habitId"`
	UserID    string    `json:"userId"`
	DateKey   string    `json:"dateKey"` // YYYY-MM-DD
	Count     int       `json:"count"`
	Completed bool      `json:"completed"`
	Note      string    `json:"note,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DifficultyRecord is one per-day difficulty rating for a habit
type DifficultyRecord struct {
	HabitID string `json:"habitId"`
	UserID  string `json:"userId"`
	DateKey string `json:"dateKey"`
	Level   int    `json:"level"`
}

// UsageRecord is one per-day app usage entry for a habit
type UsageRecord struct {
	HabitID string `json:"habitId"`
	UserID  string `json:"userId"`
	DateKey string `json:"dateKey"`
	Opens   int    `json:"opens"`
	Seconds int    `json:"seconds"`
}

// HabitNoteRecord is one free-text note attached to a habit day
type HabitNoteRecord struct {
	HabitID string `json:"habitId"`
	UserID  string `json:"userId"`
	DateKey string `json:"dateKey"`
	Text    string `json:"text"`
}

// XPStateRecord is the singleton XP summary for a user
type XPStateRecord struct {
	UserID    string    `json:"userId"`
	TotalXP   int64     `json:"totalXp"`
	Level     int       `json:"level"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// XPLedgerRecord is one XP award event
type XPLedgerRecord struct {
	UserID     string    `json:"userId"`
	Key        string    `json:"key"` // stable within (user, type)
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// StreakRecord is the streak summary for one habit
type StreakRecord struct {
	HabitID     string    `json:"habitId"`
	UserID      string    `json:"userId"`
	Current     int       `json:"current"`
	Longest     int       `json:"longest"`
	LastDateKey string    `json:"lastDateKey,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// GoalVersionRecord is one historical goal revision for a habit
type GoalVersionRecord struct {
	HabitID          string    `json:"habitId"`
	UserID           string    `json:"userId"`
	EffectiveDateKey string    `json:"effectiveDateKey"`
	Goal             string    `json:"goal"`
	CreatedAt        time.Time `json:"createdAt"`
}

// SettingsRecord holds user settings grouped by category
// (notifications, theme, privacy, backup, app).
type SettingsRecord struct {
	UserID string                       `json:"userId"`
	Groups map[string]map[string]string `json:"groups"`
}

// Item is one unit of legacy data to migrate. Exactly one of the typed
// record pointers matching Type is set. Items are built on demand by the
// Enumerator and never persisted.
type Item struct {
	Type      ItemType
	StableKey string
	CreatedAt *time.Time
	UpdatedAt *time.Time

	Habit       *HabitRecord
	Completion  *CompletionRecord
	XPState     *XPStateRecord
	XPLedger    *XPLedgerRecord
	Streak      *StreakRecord
	GoalVersion *GoalVersionRecord
	Settings    *SettingsRecord
}
