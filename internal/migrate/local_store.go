package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// LocalStateStore implements StateStore using SQLite. It is behaviourally
// interchangeable with RemoteStateStore; only durability location differs.
type LocalStateStore struct {
	db      *sql.DB
	closed  bool
	writeMu sync.Mutex
}

// NewLocalStateStore creates a SQLite-backed state store at dbPath.
func NewLocalStateStore(dbPath string) (*LocalStateStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &LocalStateStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *LocalStateStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS migration_state (
		user_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_item_key TEXT,
		items_processed INTEGER DEFAULT 0,
		total_items INTEGER DEFAULT 0,
		started_at DATETIME,
		finished_at DATETIME,
		error TEXT,
		version TEXT NOT NULL,
		metadata TEXT,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *LocalStateStore) Load(ctx context.Context, userID string) (*State, error) {
	if s.closed {
		return nil, fmt.Errorf("state store is closed")
	}

	var state *State
	err := s.retryOnBusy(func() error {
		var err error
		state, err = s.loadInternal(ctx, userID)
		return err
	})
	return state, err
}

func (s *LocalStateStore) loadInternal(ctx context.Context, userID string) (*State, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT status, last_item_key, items_processed, total_items,
	       started_at, finished_at, error, version, metadata
	FROM migration_state WHERE user_id = ?
	`, userID)

	var state State
	var lastKey, errMsg, metadata sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&state.Status,
		&lastKey,
		&state.ItemsProcessed,
		&state.TotalItems,
		&startedAt,
		&finishedAt,
		&errMsg,
		&state.Version,
		&metadata,
	)
	if err == sql.ErrNoRows {
		return NewState(), nil
	}
	if err != nil {
		return nil, err
	}

	state.LastItemKey = lastKey.String
	state.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		state.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		state.FinishedAt = &t
	}
	state.Metadata = make(map[string]string)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &state.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode state metadata: %w", err)
		}
	}
	return &state, nil
}

func (s *LocalStateStore) Save(ctx context.Context, state *State, userID string) error {
	if s.closed {
		return fmt.Errorf("state store is closed")
	}

	// Serialize writes to avoid SQLITE_BUSY from concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		return s.saveInternal(ctx, state, userID)
	})
}

func (s *LocalStateStore) saveInternal(ctx context.Context, state *State, userID string) error {
	metadata, err := json.Marshal(state.Metadata)
	if err != nil {
		return err
	}

	var startedAt, finishedAt any
	if state.StartedAt != nil {
		startedAt = *state.StartedAt
	}
	if state.FinishedAt != nil {
		finishedAt = *state.FinishedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO migration_state
	(user_id, status, last_item_key, items_processed, total_items, started_at, finished_at, error, version, metadata, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		status = excluded.status,
		last_item_key = excluded.last_item_key,
		items_processed = excluded.items_processed,
		total_items = excluded.total_items,
		started_at = excluded.started_at,
		finished_at = excluded.finished_at,
		error = excluded.error,
		version = excluded.version,
		metadata = excluded.metadata,
		updated_at = excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, query,
		userID,
		state.Status,
		state.LastItemKey,
		state.ItemsProcessed,
		state.TotalItems,
		startedAt,
		finishedAt,
		state.Error,
		state.Version,
		string(metadata),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to execute upsert: %w", err)
	}
	return tx.Commit()
}

func (s *LocalStateStore) Clear(ctx context.Context, userID string) error {
	if s.closed {
		return fmt.Errorf("state store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM migration_state WHERE user_id = ?`, userID)
		return err
	})
}

func (s *LocalStateStore) Exists(ctx context.Context, userID string) (bool, error) {
	if s.closed {
		return false, fmt.Errorf("state store is closed")
	}

	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM migration_state WHERE user_id = ?`, userID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the database connection.
func (s *LocalStateStore) Close() error {
	s.closed = true
	return s.db.Close()
}

// retryOnBusy retries the operation if SQLite is busy.
func (s *LocalStateStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			time.Sleep(delay)
			continue
		}
		return err
	}
	return nil
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}
