package legacy

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the local legacy dataset, backed by SQLite. It is the read
// source for migration and backup, and the write target for restore.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens (creating if needed) the legacy store at dbPath.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=60000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS habits (
		id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		goal TEXT,
		color TEXT,
		icon TEXT,
		schedule TEXT,
		archived INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, id)
	);
	CREATE TABLE IF NOT EXISTS completions (
		habit_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		date_key TEXT NOT NULL,
		count INTEGER DEFAULT 0,
		completed INTEGER DEFAULT 0,
		note TEXT,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, habit_id, date_key)
	);
	CREATE TABLE IF NOT EXISTS difficulties (
		habit_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		date_key TEXT NOT NULL,
		level INTEGER NOT NULL,
		PRIMARY KEY (user_id, habit_id, date_key)
	);
	CREATE TABLE IF NOT EXISTS usage_records (
		habit_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		date_key TEXT NOT NULL,
		opens INTEGER DEFAULT 0,
		seconds INTEGER DEFAULT 0,
		PRIMARY KEY (user_id, habit_id, date_key)
	);
	CREATE TABLE IF NOT EXISTS habit_notes (
		habit_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		date_key TEXT NOT NULL,
		text TEXT NOT NULL,
		PRIMARY KEY (user_id, habit_id, date_key)
	);
	CREATE TABLE IF NOT EXISTS xp_state (
		user_id TEXT PRIMARY KEY,
		total_xp INTEGER DEFAULT 0,
		level INTEGER DEFAULT 0,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS xp_ledger (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		amount INTEGER NOT NULL,
		reason TEXT,
		occurred_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, key)
	);
	CREATE TABLE IF NOT EXISTS streaks (
		habit_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		current INTEGER DEFAULT 0,
		longest INTEGER DEFAULT 0,
		last_date_key TEXT,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, habit_id)
	);
	CREATE TABLE IF NOT EXISTS goal_versions (
		habit_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		effective_date_key TEXT NOT NULL,
		goal TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, habit_id, effective_date_key)
	);
	CREATE TABLE IF NOT EXISTS settings (
		user_id TEXT NOT NULL,
		grp TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (user_id, grp, key)
	);
	CREATE TABLE IF NOT EXISTS legacy_dump (
		user_id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS counters (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value INTEGER NOT NULL,
		PRIMARY KEY (user_id, key)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertHabit(ctx context.Context, h *HabitRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO habits (id, user_id, name, goal, color, icon, schedule, archived, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, id) DO UPDATE SET
		name = excluded.name, goal = excluded.goal, color = excluded.color,
		icon = excluded.icon, schedule = excluded.schedule,
		archived = excluded.archived, updated_at = excluded.updated_at
	`, h.ID, h.UserID, h.Name, h.Goal, h.Color, h.Icon, h.Schedule, h.Archived, h.CreatedAt, h.UpdatedAt)
	return err
}

func (s *Store) ListHabits(ctx context.Context, userID string) ([]HabitRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, user_id, name, goal, color, icon, schedule, archived, created_at, updated_at
	FROM habits WHERE user_id = ? ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var habits []HabitRecord
	for rows.Next() {
		var h HabitRecord
		var goal, color, icon, schedule sql.NullString
		if err := rows.Scan(&h.ID, &h.UserID, &h.Name, &goal, &color, &icon, &schedule, &h.Archived, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Goal, h.Color, h.Icon, h.Schedule = goal.String, color.String, icon.String, schedule.String
		habits = append(habits, h)
	}
	return habits, rows.Err()
}

func (s *Store) UpsertCompletion(ctx context.Context, c *CompletionRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO completions (habit_id, user_id, date_key, count, completed, note, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, habit_id, date_key) DO UPDATE SET
		count = excluded.count, completed = excluded.completed,
		note = excluded.note, updated_at = excluded.updated_at
	`, c.HabitID, c.UserID, c.DateKey, c.Count, c.Completed, c.Note, c.UpdatedAt)
	return err
}

func (s *Store) ListCompletions(ctx context.Context, userID string) ([]CompletionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT habit_id, user_id, date_key, count, completed, note, updated_at
	FROM completions WHERE user_id = ? ORDER BY habit_id, date_key ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var completions []CompletionRecord
	for rows.Next() {
		var c CompletionRecord
		var note sql.NullString
		if err := rows.Scan(&c.HabitID, &c.UserID, &c.DateKey, &c.Count, &c.Completed, &note, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Note = note.String
		completions = append(completions, c)
	}
	return completions, rows.Err()
}

func (s *Store) UpsertDifficulty(ctx context.Context, d *DifficultyRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO difficulties (habit_id, user_id, date_key, level) VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, habit_id, date_key) DO UPDATE SET level = excluded.level
	`, d.HabitID, d.UserID, d.DateKey, d.Level)
	return err
}

func (s *Store) ListDifficulties(ctx context.Context, userID string) ([]DifficultyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT habit_id, user_id, date_key, level FROM difficulties
	WHERE user_id = ? ORDER BY habit_id, date_key ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DifficultyRecord
	for rows.Next() {
		var d DifficultyRecord
		if err := rows.Scan(&d.HabitID, &d.UserID, &d.DateKey, &d.Level); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) UpsertUsage(ctx context.Context, u *UsageRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO usage_records (habit_id, user_id, date_key, opens, seconds) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, habit_id, date_key) DO UPDATE SET
		opens = excluded.opens, seconds = excluded.seconds
	`, u.HabitID, u.UserID, u.DateKey, u.Opens, u.Seconds)
	return err
}

func (s *Store) ListUsage(ctx context.Context, userID string) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT habit_id, user_id, date_key, opens, seconds FROM usage_records
	WHERE user_id = ? ORDER BY habit_id, date_key ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var u UsageRecord
		if err := rows.Scan(&u.HabitID, &u.UserID, &u.DateKey, &u.Opens, &u.Seconds); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpsertNote(ctx context.Context, n *HabitNoteRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO habit_notes (habit_id, user_id, date_key, text) VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, habit_id, date_key) DO UPDATE SET text = excluded.text
	`, n.HabitID, n.UserID, n.DateKey, n.Text)
	return err
}

func (s *Store) ListNotes(ctx context.Context, userID string) ([]HabitNoteRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT habit_id, user_id, date_key, text FROM habit_notes
	WHERE user_id = ? ORDER BY habit_id, date_key ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HabitNoteRecord
	for rows.Next() {
		var n HabitNoteRecord
		if err := rows.Scan(&n.HabitID, &n.UserID, &n.DateKey, &n.Text); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) SaveXPState(ctx context.Context, x *XPStateRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO xp_state (user_id, total_xp, level, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		total_xp = excluded.total_xp, level = excluded.level, updated_at = excluded.updated_at
	`, x.UserID, x.TotalXP, x.Level, x.UpdatedAt)
	return err
}

// XPState returns the user's XP summary, or nil if none exists.
func (s *Store) XPState(ctx context.Context, userID string) (*XPStateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT user_id, total_xp, level, updated_at FROM xp_state WHERE user_id = ?
	`, userID)

	var x XPStateRecord
	err := row.Scan(&x.UserID, &x.TotalXP, &x.Level, &x.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &x, nil
}

func (s *Store) UpsertXPLedger(ctx context.Context, e *XPLedgerRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO xp_ledger (user_id, key, amount, reason, occurred_at) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, key) DO UPDATE SET
		amount = excluded.amount, reason = excluded.reason, occurred_at = excluded.occurred_at
	`, e.UserID, e.Key, e.Amount, e.Reason, e.OccurredAt)
	return err
}

func (s *Store) ListXPLedger(ctx context.Context, userID string) ([]XPLedgerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT user_id, key, amount, reason, occurred_at FROM xp_ledger
	WHERE user_id = ? ORDER BY key ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []XPLedgerRecord
	for rows.Next() {
		var e XPLedgerRecord
		var reason sql.NullString
		if err := rows.Scan(&e.UserID, &e.Key, &e.Amount, &reason, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpsertStreak(ctx context.Context, r *StreakRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO streaks (habit_id, user_id, current, longest, last_date_key, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, habit_id) DO UPDATE SET
		current = excluded.current, longest = excluded.longest,
		last_date_key = excluded.last_date_key, updated_at = excluded.updated_at
	`, r.HabitID, r.UserID, r.Current, r.Longest, r.LastDateKey, r.UpdatedAt)
	return err
}

func (s *Store) ListStreaks(ctx context.Context, userID string) ([]StreakRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT habit_id, user_id, current, longest, last_date_key, updated_at FROM streaks
	WHERE user_id = ? ORDER BY habit_id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StreakRecord
	for rows.Next() {
		var r StreakRecord
		var lastKey sql.NullString
		if err := rows.Scan(&r.HabitID, &r.UserID, &r.Current, &r.Longest, &lastKey, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.LastDateKey = lastKey.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpsertGoalVersion(ctx context.Context, g *GoalVersionRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO goal_versions (habit_id, user_id, effective_date_key, goal, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, habit_id, effective_date_key) DO UPDATE SET goal = excluded.goal
	`, g.HabitID, g.UserID, g.EffectiveDateKey, g.Goal, g.CreatedAt)
	return err
}

func (s *Store) ListGoalVersions(ctx context.Context, userID string) ([]GoalVersionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT habit_id, user_id, effective_date_key, goal, created_at FROM goal_versions
	WHERE user_id = ? ORDER BY habit_id, effective_date_key ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GoalVersionRecord
	for rows.Next() {
		var g GoalVersionRecord
		if err := rows.Scan(&g.HabitID, &g.UserID, &g.EffectiveDateKey, &g.Goal, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) SaveSetting(ctx context.Context, userID, group, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO settings (user_id, grp, key, value) VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, grp, key) DO UPDATE SET value = excluded.value
	`, userID, group, key, value)
	return err
}

// Settings returns all settings for a user grouped by category. A user with
// no stored settings yields a nil map.
func (s *Store) Settings(ctx context.Context, userID string) (map[string]map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT grp, key, value FROM settings WHERE user_id = ? ORDER BY grp, key ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups map[string]map[string]string
	for rows.Next() {
		var group, key, value string
		if err := rows.Scan(&group, &key, &value); err != nil {
			return nil, err
		}
		if groups == nil {
			groups = make(map[string]map[string]string)
		}
		if groups[group] == nil {
			groups[group] = make(map[string]string)
		}
		groups[group][key] = value
	}
	return groups, rows.Err()
}

// ReplaceHabits clears the user's habits and inserts the given records in a
// single transaction.
func (s *Store) ReplaceHabits(ctx context.Context, userID string, habits []HabitRecord) error {
	return s.replace(ctx, userID, "habits", func(tx *sql.Tx) error {
		for i := range habits {
			h := &habits[i]
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO habits (id, user_id, name, goal, color, icon, schedule, archived, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, h.ID, userID, h.Name, h.Goal, h.Color, h.Icon, h.Schedule, h.Archived, h.CreatedAt, h.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ReplaceCompletions(ctx context.Context, userID string, completions []CompletionRecord) error {
	return s.replace(ctx, userID, "completions", func(tx *sql.Tx) error {
		for i := range completions {
			c := &completions[i]
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO completions (habit_id, user_id, date_key, count, completed, note, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			`, c.HabitID, userID, c.DateKey, c.Count, c.Completed, c.Note, c.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ReplaceDifficulties(ctx context.Context, userID string, difficulties []DifficultyRecord) error {
	return s.replace(ctx, userID, "difficulties", func(tx *sql.Tx) error {
		for i := range difficulties {
			d := &difficulties[i]
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO difficulties (habit_id, user_id, date_key, level) VALUES (?, ?, ?, ?)
			`, d.HabitID, userID, d.DateKey, d.Level); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ReplaceUsage(ctx context.Context, userID string, records []UsageRecord) error {
	return s.replace(ctx, userID, "usage_records", func(tx *sql.Tx) error {
		for i := range records {
			u := &records[i]
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_records (habit_id, user_id, date_key, opens, seconds) VALUES (?, ?, ?, ?, ?)
			`, u.HabitID, userID, u.DateKey, u.Opens, u.Seconds); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ReplaceNotes(ctx context.Context, userID string, notes []HabitNoteRecord) error {
	return s.replace(ctx, userID, "habit_notes", func(tx *sql.Tx) error {
		for i := range notes {
			n := &notes[i]
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO habit_notes (habit_id, user_id, date_key, text) VALUES (?, ?, ?, ?)
			`, n.HabitID, userID, n.DateKey, n.Text); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) replace(ctx context.Context, userID, table string, insert func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE user_id = ?", table), userID); err != nil {
		return err
	}
	if err := insert(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceLegacyDump overwrites the raw legacy-format habit dump wholesale.
func (s *Store) ReplaceLegacyDump(ctx context.Context, userID string, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO legacy_dump (user_id, payload, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, userID, payload, time.Now().UTC())
	return err
}

// LegacyDump returns the raw legacy-format dump, or nil if none exists.
func (s *Store) LegacyDump(ctx context.Context, userID string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM legacy_dump WHERE user_id = ?`, userID)
	var payload []byte
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Store) SetCounter(ctx context.Context, userID, key string, value int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO counters (user_id, key, value) VALUES (?, ?, ?)
	ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value
	`, userID, key, value)
	return err
}

func (s *Store) Counters(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM counters WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counters := make(map[string]int)
	for rows.Next() {
		var key string
		var value int
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		counters[key] = value
	}
	return counters, rows.Err()
}
