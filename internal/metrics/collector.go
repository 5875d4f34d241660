package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"habitsync/internal/progress"
)

// Collector collects and exposes migration and backup metrics
type Collector struct {
	registry *prometheus.Registry

	itemsMigrated   prometheus.Counter
	remoteWrites    prometheus.Counter
	batchDuration   prometheus.Histogram
	backupsTotal    *prometheus.CounterVec
	backupDuration  prometheus.Histogram
	progressTracker *progress.Tracker
}

// New creates a collector with its own registry so independent instances
// never collide.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		itemsMigrated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_items_total",
				Help: "Total number of legacy items migrated",
			},
		),
		remoteWrites: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "migrate_remote_writes_total",
				Help: "Total remote write operations issued",
			},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "migrate_batch_duration_seconds",
				Help:    "Time taken to write and checkpoint one batch",
				Buckets: prometheus.DefBuckets,
			},
		),
		backupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backup_operations_total",
				Help: "Backup operations by kind and outcome",
			},
			[]string{"operation", "status"},
		),
		backupDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "backup_duration_seconds",
				Help:    "Time taken to create a backup snapshot",
				Buckets: prometheus.DefBuckets,
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(c.itemsMigrated)
	c.registry.MustRegister(c.remoteWrites)
	c.registry.MustRegister(c.batchDuration)
	c.registry.MustRegister(c.backupsTotal)
	c.registry.MustRegister(c.backupDuration)

	return c
}

// SetMigrationTotals seeds the progress tracker at run start.
func (c *Collector) SetMigrationTotals(total, processed int64) {
	c.progressTracker.SetTotal(total)
	c.progressTracker.SetProcessed(processed)
}

// AddMigratedItems records a checkpointed batch.
func (c *Collector) AddMigratedItems(n int) {
	c.itemsMigrated.Add(float64(n))
	c.progressTracker.Add(int64(n))
}

// IncRemoteWrites records one remote write operation.
func (c *Collector) IncRemoteWrites() {
	c.remoteWrites.Inc()
}

// ObserveBatchDuration observes one batch's write+checkpoint time.
func (c *Collector) ObserveBatchDuration(d time.Duration) {
	c.batchDuration.Observe(d.Seconds())
}

// IncBackup records a backup operation outcome.
func (c *Collector) IncBackup(operation, status string) {
	c.backupsTotal.WithLabelValues(operation, status).Inc()
}

// ObserveBackupDuration observes one backup creation.
func (c *Collector) ObserveBackupDuration(d time.Duration) {
	c.backupDuration.Observe(d.Seconds())
}

// Handler exposes the collector's registry for the admin server.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}
