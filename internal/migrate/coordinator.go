package migrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"habitsync/internal/legacy"
	"habitsync/internal/metrics"
	"habitsync/internal/remote"
)

// Options configures a Coordinator.
type Options struct {
	States     StateStore
	Enumerator *legacy.Enumerator
	Mapper     *Mapper
	Client     remote.Client
	Logger     *zap.Logger
	Metrics    *metrics.Collector

	// BatchSize is how many items are processed per checkpoint.
	BatchSize int
	// WriteConcurrency bounds in-flight remote writes within a batch.
	WriteConcurrency int
	// RateLimit paces remote writes in ops/second; 0 disables pacing.
	RateLimit float64
	// AppVersion is stamped into state metadata on start.
	AppVersion string
	// StartedBy is stamped into state metadata on start.
	StartedBy string
}

// Coordinator drives enumerate → map → write in checkpointed batches. All
// state transitions for a user go through it, and the state read-modify-
// write is a critical section: a single mutex serialises transitions so
// concurrent calls never interleave.
type Coordinator struct {
	states     StateStore
	enumerator *legacy.Enumerator
	mapper     *Mapper
	client     remote.Client
	logger     *zap.Logger
	metrics    *metrics.Collector
	limiter    *rate.Limiter

	batchSize        int
	writeConcurrency int
	appVersion       string
	startedBy        string

	mu sync.Mutex
}

// NewCoordinator creates a coordinator with defaults filled in.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.WriteConcurrency <= 0 {
		opts.WriteConcurrency = 4
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	if opts.StartedBy == "" {
		opts.StartedBy = "habitsync"
	}

	return &Coordinator{
		states:           opts.States,
		enumerator:       opts.Enumerator,
		mapper:           opts.Mapper,
		client:           opts.Client,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		limiter:          limiter,
		batchSize:        opts.BatchSize,
		writeConcurrency: opts.WriteConcurrency,
		appVersion:       opts.AppVersion,
		startedBy:        opts.StartedBy,
	}
}

// Start begins a migration attempt. If one is already active for the user
// the current state is returned unchanged, guaranteeing at-most-one attempt
// per user. Otherwise counters are reset and a fresh running record is
// persisted.
func (c *Coordinator) Start(ctx context.Context, userID string) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.states.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if state.IsActive() {
		c.logger.Info("migration already active, returning current state",
			zap.String("user_id", userID),
			zap.String("status", string(state.Status)),
			zap.Int("items_processed", state.ItemsProcessed),
		)
		return state, nil
	}

	now := time.Now().UTC()
	fresh := NewState()
	fresh.Status = StatusRunning
	fresh.StartedAt = &now
	fresh.Metadata["started_by"] = c.startedBy
	fresh.Metadata["app_version"] = c.appVersion

	if err := c.states.Save(ctx, fresh, userID); err != nil {
		return nil, fmt.Errorf("failed to persist started state: %w", err)
	}
	c.logger.Info("migration started", zap.String("user_id", userID))
	return fresh, nil
}

// UpdateProgress advances the checkpoint after a processed batch. Calling
// it redundantly with the same values is harmless.
func (c *Coordinator) UpdateProgress(ctx context.Context, userID string, itemsProcessed int, lastItemKey string, totalItems int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.states.Load(ctx, userID)
	if err != nil {
		return err
	}
	state.ItemsProcessed = itemsProcessed
	state.LastItemKey = lastItemKey
	if totalItems > 0 {
		state.TotalItems = totalItems
	}
	return c.states.Save(ctx, state, userID)
}

// Complete marks the migration finished.
func (c *Coordinator) Complete(ctx context.Context, userID string) error {
	return c.finish(ctx, userID, StatusCompleted, "")
}

// Fail marks the migration failed and records the error for the UI.
func (c *Coordinator) Fail(ctx context.Context, userID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return c.finish(ctx, userID, StatusFailed, msg)
}

// Cancel marks the migration cancelled.
func (c *Coordinator) Cancel(ctx context.Context, userID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.states.Load(ctx, userID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	state.Status = StatusCancelled
	state.FinishedAt = &now
	if reason != "" {
		if state.Metadata == nil {
			state.Metadata = make(map[string]string)
		}
		state.Metadata["cancel_reason"] = reason
	}
	return c.states.Save(ctx, state, userID)
}

// Pause suspends a running migration. Paused runs are not auto-resumed.
func (c *Coordinator) Pause(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.states.Load(ctx, userID)
	if err != nil {
		return err
	}
	if state.Status != StatusRunning {
		return fmt.Errorf("cannot pause migration in status %s", state.Status)
	}
	state.Status = StatusPaused
	return c.states.Save(ctx, state, userID)
}

// Reset discards the record and replaces it with a fresh default, allowing
// a retry after failure or cancellation.
func (c *Coordinator) Reset(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states.Save(ctx, NewState(), userID)
}

// NeedsMigration reports whether a migration should be offered to the user.
func (c *Coordinator) NeedsMigration(ctx context.Context, userID string) (bool, error) {
	state, err := c.states.Load(ctx, userID)
	if err != nil {
		return false, err
	}
	switch state.Status {
	case StatusNotStarted, StatusFailed, StatusCancelled:
		return true, nil
	}
	return false, nil
}

// Status returns the current state record.
func (c *Coordinator) Status(ctx context.Context, userID string) (*State, error) {
	return c.states.Load(ctx, userID)
}

func (c *Coordinator) finish(ctx context.Context, userID string, status Status, errMsg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.states.Load(ctx, userID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	state.Status = status
	state.FinishedAt = &now
	state.Error = errMsg
	return c.states.Save(ctx, state, userID)
}

// Run drives the migration loop for one user. A stale running record from
// an interrupted process resumes from its checkpoint; deterministic write
// paths make the replayed batch idempotent (at-least-once, last-write-wins).
func (c *Coordinator) Run(ctx context.Context, userID string) error {
	state, err := c.Start(ctx, userID)
	if err != nil {
		return err
	}
	if state.Status == StatusPaused {
		return fmt.Errorf("migration for user is paused; cancel or reset before a new run")
	}

	processed := state.ItemsProcessed
	cursor := state.LastItemKey

	total, err := c.enumerator.Count(ctx, userID)
	if err != nil {
		c.logger.Warn("failed to estimate total items, progress may be inaccurate",
			zap.String("user_id", userID), zap.Error(err))
		total = 0
	}
	c.metrics.SetMigrationTotals(int64(total), int64(processed))

	c.logger.Info("migration run starting",
		zap.String("user_id", userID),
		zap.Int("items_processed", processed),
		zap.String("resume_key", cursor),
		zap.Int("total_estimate", total),
	)

	for {
		if err := ctx.Err(); err != nil {
			// Leave the record running; a later run resumes from the
			// checkpoint.
			c.logger.Info("migration interrupted", zap.String("user_id", userID))
			return err
		}

		items, err := c.enumerator.Enumerate(ctx, userID, cursor)
		if err != nil {
			wrapped := fmt.Errorf("enumeration failed: %w", err)
			c.failRun(ctx, userID, wrapped)
			return wrapped
		}
		if len(items) == 0 {
			if err := c.Complete(ctx, userID); err != nil {
				return err
			}
			c.logger.Info("migration completed",
				zap.String("user_id", userID),
				zap.Int("items_processed", processed),
			)
			return nil
		}

		for _, batch := range chunkBatches(items, c.batchSize) {
			// Cooperative cancellation: status is checked only between
			// batches, never mid-batch.
			current, err := c.states.Load(ctx, userID)
			if err != nil {
				return err
			}
			if current.Status == StatusCancelled || current.Status == StatusPaused {
				c.logger.Info("migration stopped between batches",
					zap.String("user_id", userID),
					zap.String("status", string(current.Status)),
				)
				return nil
			}

			ops, err := c.mapper.MapItems(batch, userID)
			if err != nil {
				wrapped := fmt.Errorf("mapping failed: %w", err)
				c.failRun(ctx, userID, wrapped)
				return wrapped
			}

			batchStart := time.Now()
			if err := c.writeOps(ctx, ops); err != nil {
				if ctx.Err() != nil {
					c.logger.Info("migration interrupted mid-write", zap.String("user_id", userID))
					return ctx.Err()
				}
				wrapped := fmt.Errorf("remote write failed: %w", err)
				c.failRun(ctx, userID, wrapped)
				return wrapped
			}

			processed += len(batch)
			cursor = batch[len(batch)-1].StableKey
			if err := c.UpdateProgress(ctx, userID, processed, cursor, total); err != nil {
				return fmt.Errorf("failed to checkpoint progress: %w", err)
			}

			c.metrics.AddMigratedItems(len(batch))
			c.metrics.ObserveBatchDuration(time.Since(batchStart))
			c.logger.Debug("batch checkpointed",
				zap.String("user_id", userID),
				zap.Int("batch_size", len(batch)),
				zap.Int("items_processed", processed),
				zap.String("last_item_key", cursor),
			)
		}
	}
}

func (c *Coordinator) failRun(ctx context.Context, userID string, cause error) {
	c.logger.Error("migration failed",
		zap.String("user_id", userID),
		zap.Error(cause),
	)
	if err := c.Fail(ctx, userID, cause); err != nil {
		c.logger.Error("failed to persist failed state",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// writeOps issues the batch's operations with bounded concurrency, pacing
// each write through the rate limiter when one is configured.
func (c *Coordinator) writeOps(ctx context.Context, ops []remote.WriteOperation) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.writeConcurrency)

	for i := range ops {
		op := ops[i]
		g.Go(func() error {
			if c.limiter != nil {
				if err := c.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			if err := c.client.Apply(gctx, op); err != nil {
				return fmt.Errorf("write %s: %w", op.Path, err)
			}
			c.metrics.IncRemoteWrites()
			return nil
		})
	}
	return g.Wait()
}

// chunkBatches splits items into checkpoint batches. A batch never ends
// between items sharing a stable key: the resume cursor is strictly-after,
// so splitting a tie would skip the remainder on restart.
func chunkBatches(items []legacy.Item, size int) [][]legacy.Item {
	var batches [][]legacy.Item
	for start := 0; start < len(items); {
		end := start + size
		if end >= len(items) {
			batches = append(batches, items[start:])
			break
		}
		for end < len(items) && items[end].StableKey == items[end-1].StableKey {
			end++
		}
		batches = append(batches, items[start:end])
		start = end
	}
	return batches
}
