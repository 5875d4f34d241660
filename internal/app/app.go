package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"habitsync/internal/admin"
	"habitsync/internal/backup"
	"habitsync/internal/config"
	"habitsync/internal/legacy"
	"habitsync/internal/metrics"
	"habitsync/internal/migrate"
	"habitsync/internal/progress"
	"habitsync/internal/remote"
	"habitsync/internal/retry"
)

// Version is stamped into migration state metadata and backup sidecars.
var Version = "dev"

// App wires the local store, remote client, migration coordinator and
// backup engine together for the CLI commands.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	store       *legacy.Store
	client      remote.Client
	states      migrate.StateStore
	localStates *migrate.LocalStateStore
	coordinator *migrate.Coordinator
	engine      *backup.Engine
	metrics     *metrics.Collector
	adminSrv    *admin.Server
}

// New creates an application instance from the loaded configuration
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	store, err := legacy.Open(cfg.Local.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	client, err := remote.NewMinIOClient(remote.Config{
		Endpoint:  cfg.Remote.Endpoint,
		AccessKey: cfg.Remote.AccessKey,
		SecretKey: cfg.Remote.SecretKey,
		Bucket:    cfg.Remote.Bucket,
		Secure:    cfg.Remote.Secure,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create remote client: %w", err)
	}

	var states migrate.StateStore
	var localStates *migrate.LocalStateStore
	switch cfg.Migration.StateStore {
	case "local":
		localStates, err = migrate.NewLocalStateStore(cfg.Migration.StateDBPath)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		states = localStates
	default:
		states = migrate.NewRemoteStateStore(client)
	}

	collector := metrics.New()

	coordinator := migrate.NewCoordinator(migrate.Options{
		States:           states,
		Enumerator:       legacy.NewEnumerator(store),
		Mapper:           migrate.NewMapper(cfg.Migration.Version),
		Client:           client,
		Logger:           logger,
		Metrics:          collector,
		BatchSize:        cfg.Migration.BatchSize,
		WriteConcurrency: cfg.Migration.WriteConcurrency,
		RateLimit:        cfg.Migration.RateLimit,
		AppVersion:       Version,
		StartedBy:        "cli",
	})

	policy := retry.DefaultPolicy(logger)
	if cfg.Backup.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Backup.MaxAttempts
	}
	engine := backup.NewEngine(backup.Options{
		Dir:        cfg.Backup.Dir,
		Store:      store,
		Logger:     logger,
		Metrics:    collector,
		Policy:     policy,
		AppVersion: Version,
		Compress:   cfg.Backup.Compress,
		Keep:       cfg.Backup.Keep,
		Gates: backup.RestoreGates{
			Notifications: cfg.Backup.Restore.Notifications,
			Theme:         cfg.Backup.Restore.Theme,
			Privacy:       cfg.Backup.Restore.Privacy,
			Backup:        cfg.Backup.Restore.Backup,
			App:           cfg.Backup.Restore.App,
		},
	})

	a := &App{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		client:      client,
		states:      states,
		localStates: localStates,
		coordinator: coordinator,
		engine:      engine,
		metrics:     collector,
	}

	if cfg.Admin.Listen != "" {
		a.adminSrv = admin.NewServer(cfg.Admin.Listen, coordinator, engine, collector, logger)
		a.adminSrv.Start()
	}

	return a, nil
}

// Migrate runs (or resumes) the migration for userID.
func (a *App) Migrate(ctx context.Context, userID string) error {
	a.logger.Info("Starting migration",
		zap.String("user_id", userID),
		zap.Int("batch_size", a.cfg.Migration.BatchSize),
		zap.Int("write_concurrency", a.cfg.Migration.WriteConcurrency),
		zap.String("state_store", a.cfg.Migration.StateStore),
	)

	var display *progress.Display
	if a.cfg.Migration.ShowProgress && progress.IsTerminalSupported() {
		display = progress.NewDisplay(a.metrics.GetProgressTracker(), 2*time.Second)
		display.Start()
	} else if a.cfg.Migration.ShowProgress {
		a.logger.Info("Progress display disabled (unsupported terminal)")
	}

	err := a.coordinator.Run(ctx, userID)
	if display != nil {
		display.Stop()
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	a.logger.Info("Migration completed", zap.String("user_id", userID))
	return nil
}

// MigrationStatus returns the persisted migration state for userID.
func (a *App) MigrationStatus(ctx context.Context, userID string) (*migrate.State, error) {
	return a.coordinator.Status(ctx, userID)
}

// ResetMigration clears the migration record so the next run starts over.
func (a *App) ResetMigration(ctx context.Context, userID string) error {
	return a.coordinator.Reset(ctx, userID)
}

// CancelMigration marks the migration cancelled with a reason.
func (a *App) CancelMigration(ctx context.Context, userID, reason string) error {
	return a.coordinator.Cancel(ctx, userID, reason)
}

// PauseMigration suspends a running migration at the next batch boundary.
func (a *App) PauseMigration(ctx context.Context, userID string) error {
	return a.coordinator.Pause(ctx, userID)
}

// CreateBackup snapshots the user's local data to disk.
func (a *App) CreateBackup(ctx context.Context, userID string) (*backup.Snapshot, error) {
	return a.engine.CreateBackup(ctx, userID)
}

// ListBackups returns the user's snapshots, newest first.
func (a *App) ListBackups(ctx context.Context, userID string) ([]backup.Snapshot, error) {
	return a.engine.List(ctx, userID)
}

// VerifyBackup validates the named snapshot's payload on disk.
func (a *App) VerifyBackup(ctx context.Context, userID, backupID string) error {
	snap, err := a.findBackup(ctx, userID, backupID)
	if err != nil {
		return err
	}
	return a.engine.Verify(snap)
}

// RestoreBackup restores the named snapshot into the local store.
func (a *App) RestoreBackup(ctx context.Context, userID, backupID string) (*backup.RestoreResult, error) {
	snap, err := a.findBackup(ctx, userID, backupID)
	if err != nil {
		return nil, err
	}
	return a.engine.Restore(ctx, snap, userID)
}

// DeleteBackup removes the named snapshot and its metadata.
func (a *App) DeleteBackup(ctx context.Context, userID, backupID string) error {
	snap, err := a.findBackup(ctx, userID, backupID)
	if err != nil {
		return err
	}
	return a.engine.Delete(snap)
}

func (a *App) findBackup(ctx context.Context, userID, backupID string) (*backup.Snapshot, error) {
	snaps, err := a.engine.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range snaps {
		if snaps[i].ID == backupID {
			return &snaps[i], nil
		}
	}
	return nil, retry.New(retry.KindFileNotFound, fmt.Sprintf("backup %s not found", backupID))
}

// Close cleans up resources
func (a *App) Close() error {
	if a.adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.adminSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("admin server shutdown failed", zap.Error(err))
		}
	}
	if a.localStates != nil {
		a.localStates.Close()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
