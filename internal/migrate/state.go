package migrate

import "time"

// Status is the migration lifecycle state
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// StateVersion is the schema version stamped on new state records.
const StateVersion = "1"

// State is the per-user migration progress record, the sole durable cursor
// of migration progress. ItemsProcessed never resets except via Reset.
type State struct {
	Status         Status            `json:"status"`
	LastItemKey    string            `json:"last_item_key,omitempty"`
	ItemsProcessed int               `json:"items_processed"`
	TotalItems     int               `json:"total_items,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	Error          string            `json:"error,omitempty"`
	Version        string            `json:"version"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewState returns a fresh default record.
func NewState() *State {
	return &State{
		Status:   StatusNotStarted,
		Version:  StateVersion,
		Metadata: make(map[string]string),
	}
}

// IsActive reports whether a migration attempt is in flight.
func (s *State) IsActive() bool {
	return s.Status == StatusRunning || s.Status == StatusPaused
}

// IsFinal reports whether the record is terminal.
func (s *State) IsFinal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed || s.Status == StatusCancelled
}

// Progress returns completion as a fraction of the total estimate, 0 when
// no estimate is known.
func (s *State) Progress() float64 {
	if s.TotalItems <= 0 {
		return 0
	}
	return float64(s.ItemsProcessed) / float64(s.TotalItems)
}
