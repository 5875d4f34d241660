package backup

import (
	"encoding/json"
	"time"

	"habitsync/internal/legacy"
)

// SchemaVersion is the payload schema written by this engine.
const SchemaVersion = "2"

// DataVersion is the top-level payload version for legacy readers.
const DataVersion = 2

// GuestUserID marks snapshots taken before the user signed in. Guest
// snapshots may be restored into any account.
const GuestUserID = "guest"

// Snapshot is the sidecar record describing one backup on disk.
type Snapshot struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	CreatedAt  time.Time `json:"createdAt"`
	HabitCount int       `json:"habitCount"`
	FileSize   int64     `json:"fileSize"`
	AppVersion string    `json:"appVersion"`
	Checksum   string    `json:"checksum,omitempty"`
	Compressed bool      `json:"compressed"`
}

// Metadata travels inside the payload and identifies its origin.
type Metadata struct {
	BackupID      string    `json:"backupId"`
	UserID        string    `json:"userId"`
	CreatedDate   time.Time `json:"createdDate"`
	AppVersion    string    `json:"appVersion"`
	SchemaVersion string    `json:"schemaVersion"`
	DeviceModel   string    `json:"deviceModel,omitempty"`
	OSVersion     string    `json:"osVersion,omitempty"`
}

// LegacyData carries the raw pre-migration habit dump plus the counters
// that older readers expect alongside it.
type LegacyData struct {
	Habits   json.RawMessage `json:"habits,omitempty"`
	Counters map[string]int  `json:"counters,omitempty"`
}

// Data is the full backup payload.
//
// The top-level id/createdAt/habitsLegacy/appVersion/dataVersion fields
// duplicate the metadata so payloads stay readable by the previous
// generation of the restore path.
type Data struct {
	Metadata     Metadata                     `json:"metadata"`
	Habits       []legacy.HabitRecord         `json:"habits"`
	Completions  []legacy.CompletionRecord    `json:"completions,omitempty"`
	Difficulties []legacy.DifficultyRecord    `json:"difficulties,omitempty"`
	UsageRecords []legacy.UsageRecord         `json:"usageRecords,omitempty"`
	HabitNotes   []legacy.HabitNoteRecord     `json:"habitNotes,omitempty"`
	UserSettings map[string]map[string]string `json:"userSettings,omitempty"`
	LegacyData   *LegacyData                  `json:"legacyData,omitempty"`

	ID           string          `json:"id"`
	CreatedAt    time.Time       `json:"createdAt"`
	HabitsLegacy json.RawMessage `json:"habitsLegacy,omitempty"`
	AppVersion   string          `json:"appVersion"`
	DataVersion  int             `json:"dataVersion"`
}

// IsValid reports whether the payload contains any habit data at all,
// in either the current or the legacy section.
func (d *Data) IsValid() bool {
	if len(d.Habits) > 0 {
		return true
	}
	if len(d.HabitsLegacy) > 0 {
		return true
	}
	return d.LegacyData != nil && len(d.LegacyData.Habits) > 0
}

// RestoreResult summarises what a restore wrote back into the store.
type RestoreResult struct {
	HabitsRestored      int      `json:"habitsRestored"`
	CompletionsRestored int      `json:"completionsRestored"`
	SettingsRestored    int      `json:"settingsRestored"`
	RestoredHabitIDs    []string `json:"restoredHabitIds"`
	SchemaVersion       string   `json:"schemaVersion"`
}
