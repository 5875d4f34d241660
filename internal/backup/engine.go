package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"habitsync/internal/legacy"
	"habitsync/internal/metrics"
	"habitsync/internal/retry"
)

const (
	payloadExt = ".backup"
	sidecarExt = ".json"

	// A payload smaller than this cannot hold even an empty snapshot.
	minPayloadSize = 100
	maxPayloadSize = 100 << 20

	// DefaultKeep is how many snapshots rotation preserves per user.
	DefaultKeep = 10
)

// RestoreGates selects which settings groups a restore is allowed to
// write back. Zero value restores nothing but habit data.
type RestoreGates struct {
	Notifications bool
	Theme         bool
	Privacy       bool
	Backup        bool
	App           bool
}

func (g RestoreGates) allows(group string) bool {
	switch group {
	case "notifications":
		return g.Notifications
	case "theme":
		return g.Theme
	case "privacy":
		return g.Privacy
	case "backup":
		return g.Backup
	case "app":
		return g.App
	}
	return false
}

// Options configures an Engine.
type Options struct {
	Dir        string
	Store      *legacy.Store
	Logger     *zap.Logger
	Metrics    *metrics.Collector
	Policy     retry.Policy
	AppVersion string
	Compress   bool
	Keep       int
	Gates      RestoreGates
}

// Engine creates, verifies, rotates and restores local backup snapshots.
type Engine struct {
	dir        string
	store      *legacy.Store
	logger     *zap.Logger
	metrics    *metrics.Collector
	policy     retry.Policy
	appVersion string
	compress   bool
	keep       int
	gates      RestoreGates

	mu        sync.Mutex
	backingUp bool
}

// NewEngine builds an Engine from opts, filling in defaults.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Keep <= 0 {
		opts.Keep = DefaultKeep
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = retry.DefaultPolicy(opts.Logger)
	}
	return &Engine{
		dir:        opts.Dir,
		store:      opts.Store,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		policy:     opts.Policy,
		appVersion: opts.AppVersion,
		compress:   opts.Compress,
		keep:       opts.Keep,
		gates:      opts.Gates,
	}
}

// CreateBackup snapshots all local data for userID into the backup
// directory, retrying transient write failures. Only one backup may run
// at a time; concurrent calls fail immediately.
func (e *Engine) CreateBackup(ctx context.Context, userID string) (*Snapshot, error) {
	e.mu.Lock()
	if e.backingUp {
		e.mu.Unlock()
		return nil, retry.New(retry.KindBackupFailed, "backup already in progress")
	}
	e.backingUp = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.backingUp = false
		e.mu.Unlock()
	}()

	start := time.Now()
	var snap *Snapshot
	err := e.policy.Do(ctx, "backup_create", func(ctx context.Context) error {
		s, err := e.createOnce(ctx, userID)
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	e.metrics.ObserveBackupDuration(time.Since(start))
	if err != nil {
		e.metrics.IncBackup("create", "failure")
		return nil, retry.Wrap(retry.KindBackupFailed, "create backup", err)
	}
	e.metrics.IncBackup("create", "success")
	e.logger.Info("backup created",
		zap.String("user_id", userID),
		zap.String("backup_id", snap.ID),
		zap.Int("habits", snap.HabitCount),
		zap.Int64("size_bytes", snap.FileSize))

	if err := e.Rotate(ctx, userID, e.keep); err != nil {
		e.logger.Warn("backup rotation failed", zap.String("user_id", userID), zap.Error(err))
	}
	return snap, nil
}

func (e *Engine) createOnce(ctx context.Context, userID string) (*Snapshot, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	data, err := e.gather(ctx, userID, id, now)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, retry.Wrap(retry.KindInvalidBackup, "encode payload", err)
	}
	blob := raw
	if e.compress {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(raw); err != nil {
			return nil, retry.Wrap(retry.KindStorage, "compress payload", err)
		}
		if err := gz.Close(); err != nil {
			return nil, retry.Wrap(retry.KindStorage, "compress payload", err)
		}
		blob = buf.Bytes()
	}

	sum := sha256.Sum256(blob)
	userDir := filepath.Join(e.dir, userID)
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return nil, retry.Wrap(retry.KindStorage, "create backup dir", err)
	}
	if err := writeFileAtomic(filepath.Join(userDir, id+payloadExt), blob); err != nil {
		return nil, retry.Wrap(retry.KindStorage, "write payload", err)
	}

	snap := &Snapshot{
		ID:         id,
		UserID:     userID,
		CreatedAt:  now,
		HabitCount: len(data.Habits),
		FileSize:   int64(len(blob)),
		AppVersion: e.appVersion,
		Checksum:   hex.EncodeToString(sum[:]),
		Compressed: e.compress,
	}
	meta, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, retry.Wrap(retry.KindStorage, "encode sidecar", err)
	}
	if err := writeFileAtomic(filepath.Join(userDir, id+sidecarExt), meta); err != nil {
		return nil, retry.Wrap(retry.KindStorage, "write sidecar", err)
	}
	return snap, nil
}

func (e *Engine) gather(ctx context.Context, userID, backupID string, now time.Time) (*Data, error) {
	habits, err := e.store.ListHabits(ctx, userID)
	if err != nil {
		return nil, retry.Wrap(retry.KindStorage, "list habits", err)
	}
	completions, err := e.store.ListCompletions(ctx, userID)
	if err != nil {
		return nil, retry.Wrap(retry.KindStorage, "list completions", err)
	}
	difficulties, err := e.store.ListDifficulties(ctx, userID)
	if err != nil {
		return nil, retry.Wrap(retry.KindStorage, "list difficulties", err)
	}
	usage, err := e.store.ListUsage(ctx, userID)
	if err != nil {
		return nil, retry.Wrap(retry.KindStorage, "list usage", err)
	}
	notes, err := e.store.ListNotes(ctx, userID)
	if err != nil {
		return nil, retry.Wrap(retry.KindStorage, "list notes", err)
	}
	settings, err := e.store.Settings(ctx, userID)
	if err != nil {
		return nil, retry.Wrap(retry.KindStorage, "list settings", err)
	}
	dump, err := e.store.LegacyDump(ctx, userID)
	if err != nil {
		return nil, retry.Wrap(retry.KindStorage, "read legacy dump", err)
	}
	counters, err := e.store.Counters(ctx, userID)
	if err != nil {
		return nil, retry.Wrap(retry.KindStorage, "read counters", err)
	}

	data := &Data{
		Metadata: Metadata{
			BackupID:      backupID,
			UserID:        userID,
			CreatedDate:   now,
			AppVersion:    e.appVersion,
			SchemaVersion: SchemaVersion,
			DeviceModel:   runtime.GOARCH,
			OSVersion:     runtime.GOOS,
		},
		Habits:       habits,
		Completions:  completions,
		Difficulties: difficulties,
		UsageRecords: usage,
		HabitNotes:   notes,
		UserSettings: settings,

		ID:          backupID,
		CreatedAt:   now,
		AppVersion:  e.appVersion,
		DataVersion: DataVersion,
	}
	if len(dump) > 0 || len(counters) > 0 {
		data.HabitsLegacy = dump
		data.LegacyData = &LegacyData{Habits: dump, Counters: counters}
	}
	return data, nil
}

// Verify checks that the snapshot's payload exists, is large enough to
// plausibly hold data, and matches the recorded checksum.
func (e *Engine) Verify(s *Snapshot) error {
	path := e.payloadPath(s)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return retry.Wrap(retry.KindFileNotFound, "backup file missing", err)
		}
		return retry.Wrap(retry.KindStorage, "stat backup file", err)
	}
	if info.Size() <= minPayloadSize {
		return retry.New(retry.KindValidationFailed,
			fmt.Sprintf("backup file too small (%d bytes)", info.Size()))
	}
	if s.Checksum != "" {
		blob, err := os.ReadFile(path)
		if err != nil {
			return retry.Wrap(retry.KindStorage, "read backup file", err)
		}
		sum := sha256.Sum256(blob)
		if hex.EncodeToString(sum[:]) != s.Checksum {
			return retry.New(retry.KindChecksumMismatch, "backup checksum mismatch")
		}
	}
	return nil
}

// List returns the user's snapshots, newest first. Sidecars that fail
// to parse are skipped with a warning rather than failing the listing.
func (e *Engine) List(ctx context.Context, userID string) ([]Snapshot, error) {
	userDir := filepath.Join(e.dir, userID)
	entries, err := os.ReadDir(userDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, retry.Wrap(retry.KindStorage, "read backup dir", err)
	}
	var snaps []Snapshot
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sidecarExt) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(userDir, entry.Name()))
		if err != nil {
			e.logger.Warn("skipping unreadable sidecar", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		var s Snapshot
		if err := json.Unmarshal(raw, &s); err != nil || s.ID == "" {
			e.logger.Warn("skipping malformed sidecar", zap.String("file", entry.Name()))
			continue
		}
		snaps = append(snaps, s)
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
	return snaps, nil
}

// Delete removes the snapshot's payload and sidecar. Missing files are
// not an error so deletes are idempotent.
func (e *Engine) Delete(s *Snapshot) error {
	if err := os.Remove(e.payloadPath(s)); err != nil && !os.IsNotExist(err) {
		return retry.Wrap(retry.KindStorage, "delete payload", err)
	}
	if err := os.Remove(e.sidecarPath(s)); err != nil && !os.IsNotExist(err) {
		return retry.Wrap(retry.KindStorage, "delete sidecar", err)
	}
	e.metrics.IncBackup("delete", "success")
	return nil
}

// Rotate deletes the user's oldest snapshots until at most keep remain.
func (e *Engine) Rotate(ctx context.Context, userID string, keep int) error {
	if keep <= 0 {
		keep = e.keep
	}
	snaps, err := e.List(ctx, userID)
	if err != nil {
		return err
	}
	for i := keep; i < len(snaps); i++ {
		if err := e.Delete(&snaps[i]); err != nil {
			return err
		}
		e.logger.Info("rotated out old backup",
			zap.String("user_id", userID),
			zap.String("backup_id", snaps[i].ID),
			zap.Time("created_at", snaps[i].CreatedAt))
	}
	return nil
}

// Restore replaces the user's local data with the snapshot's contents.
// All validation happens before the first write, so a rejected snapshot
// leaves the store untouched.
func (e *Engine) Restore(ctx context.Context, s *Snapshot, currentUserID string) (*RestoreResult, error) {
	if s.UserID != currentUserID && s.UserID != GuestUserID {
		return nil, retry.New(retry.KindValidationFailed,
			fmt.Sprintf("backup belongs to user %q", s.UserID))
	}

	blob, err := os.ReadFile(e.payloadPath(s))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, retry.Wrap(retry.KindFileNotFound, "backup file missing", err)
		}
		return nil, retry.Wrap(retry.KindStorage, "read backup file", err)
	}
	if s.Checksum != "" {
		sum := sha256.Sum256(blob)
		if hex.EncodeToString(sum[:]) != s.Checksum {
			return nil, retry.New(retry.KindChecksumMismatch, "backup checksum mismatch")
		}
	}
	raw := blob
	if s.Compressed {
		gz, err := gzip.NewReader(bytes.NewReader(blob))
		if err != nil {
			return nil, retry.Wrap(retry.KindCorruptedData, "decompress payload", err)
		}
		raw, err = io.ReadAll(gz)
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, retry.Wrap(retry.KindCorruptedData, "decompress payload", err)
		}
	}

	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, retry.Wrap(retry.KindInvalidBackup, "decode payload", err)
	}
	if !data.IsValid() {
		return nil, retry.New(retry.KindInvalidBackup, "payload contains no habit data")
	}
	if err := validatePayload(&data, int64(len(blob))); err != nil {
		return nil, err
	}
	if data.Metadata.SchemaVersion != "" && data.Metadata.SchemaVersion != SchemaVersion {
		e.logger.Warn("restoring backup with different schema version",
			zap.String("backup_schema", data.Metadata.SchemaVersion),
			zap.String("current_schema", SchemaVersion))
	}

	result := &RestoreResult{SchemaVersion: data.Metadata.SchemaVersion}
	if err := e.apply(ctx, currentUserID, &data, result); err != nil {
		e.metrics.IncBackup("restore", "failure")
		return nil, retry.Wrap(retry.KindRestoreFailed, "apply backup", err)
	}
	e.metrics.IncBackup("restore", "success")
	e.logger.Info("backup restored",
		zap.String("user_id", currentUserID),
		zap.String("backup_id", s.ID),
		zap.Int("habits", result.HabitsRestored),
		zap.Int("completions", result.CompletionsRestored))
	return result, nil
}

// validatePayload rejects structurally broken payloads before any data
// is written back.
func validatePayload(data *Data, size int64) error {
	if size <= 0 || size > maxPayloadSize {
		return retry.New(retry.KindInvalidBackup,
			fmt.Sprintf("implausible payload size %d bytes", size))
	}
	if data.Metadata.UserID == "" {
		return retry.New(retry.KindInvalidBackup, "payload missing owner")
	}
	known := make(map[string]bool, len(data.Habits))
	for _, h := range data.Habits {
		if h.ID == "" || h.Name == "" {
			return retry.New(retry.KindCorruptedData, "habit missing id or name")
		}
		if h.UserID != "" && h.UserID != data.Metadata.UserID {
			return retry.New(retry.KindCorruptedData,
				fmt.Sprintf("habit %s owned by a different user", h.ID))
		}
		known[h.ID] = true
	}
	for _, c := range data.Completions {
		if !known[c.HabitID] {
			return retry.New(retry.KindCorruptedData,
				fmt.Sprintf("completion references unknown habit %s", c.HabitID))
		}
	}
	for _, u := range data.UsageRecords {
		if !known[u.HabitID] {
			return retry.New(retry.KindCorruptedData,
				fmt.Sprintf("usage record references unknown habit %s", u.HabitID))
		}
	}
	for _, n := range data.HabitNotes {
		if !known[n.HabitID] {
			return retry.New(retry.KindCorruptedData,
				fmt.Sprintf("note references unknown habit %s", n.HabitID))
		}
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, userID string, data *Data, result *RestoreResult) error {
	if err := e.store.ReplaceHabits(ctx, userID, data.Habits); err != nil {
		return retry.Wrap(retry.KindStorage, "restore habits", err)
	}
	result.HabitsRestored = len(data.Habits)
	for _, h := range data.Habits {
		result.RestoredHabitIDs = append(result.RestoredHabitIDs, h.ID)
	}

	if err := e.store.ReplaceCompletions(ctx, userID, data.Completions); err != nil {
		return retry.Wrap(retry.KindStorage, "restore completions", err)
	}
	result.CompletionsRestored = len(data.Completions)

	if err := e.store.ReplaceDifficulties(ctx, userID, data.Difficulties); err != nil {
		return retry.Wrap(retry.KindStorage, "restore difficulties", err)
	}
	if err := e.store.ReplaceUsage(ctx, userID, data.UsageRecords); err != nil {
		return retry.Wrap(retry.KindStorage, "restore usage records", err)
	}
	if err := e.store.ReplaceNotes(ctx, userID, data.HabitNotes); err != nil {
		return retry.Wrap(retry.KindStorage, "restore notes", err)
	}

	if data.LegacyData != nil {
		if len(data.LegacyData.Habits) > 0 {
			if err := e.store.ReplaceLegacyDump(ctx, userID, data.LegacyData.Habits); err != nil {
				return retry.Wrap(retry.KindStorage, "restore legacy dump", err)
			}
		}
		for key, value := range data.LegacyData.Counters {
			if err := e.store.SetCounter(ctx, userID, key, value); err != nil {
				return retry.Wrap(retry.KindStorage, "restore counters", err)
			}
		}
	} else if len(data.HabitsLegacy) > 0 {
		if err := e.store.ReplaceLegacyDump(ctx, userID, data.HabitsLegacy); err != nil {
			return retry.Wrap(retry.KindStorage, "restore legacy dump", err)
		}
	}

	for group, values := range data.UserSettings {
		if !e.gates.allows(group) {
			e.logger.Debug("skipping gated settings group", zap.String("group", group))
			continue
		}
		for key, value := range values {
			if err := e.store.SaveSetting(ctx, userID, group, key, value); err != nil {
				return retry.Wrap(retry.KindStorage, "restore settings", err)
			}
			result.SettingsRestored++
		}
	}
	return nil
}

func (e *Engine) payloadPath(s *Snapshot) string {
	return filepath.Join(e.dir, s.UserID, s.ID+payloadExt)
}

func (e *Engine) sidecarPath(s *Snapshot) string {
	return filepath.Join(e.dir, s.UserID, s.ID+sidecarExt)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
