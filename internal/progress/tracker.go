package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status represents the current migration progress
type Status struct {
	TotalItems     int64
	ProcessedItems int64
	StartTime      time.Time
	LastUpdateTime time.Time
	CurrentRate    float64 // items/second over the recent window
	AverageRate    float64 // items/second since start
	ETA            time.Duration
}

// Tracker tracks migration progress
type Tracker struct {
	mu          sync.RWMutex
	status      Status
	baseline    int64 // items already processed before this run
	rateSamples []rateSample
	maxSamples  int
}

type rateSample struct {
	timestamp time.Time
	items     int64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return &Tracker{
		status: Status{
			StartTime:      time.Now(),
			LastUpdateTime: time.Now(),
		},
		rateSamples: make([]rateSample, 0, 60),
		maxSamples:  60,
	}
}

// SetTotal sets the total item estimate.
func (t *Tracker) SetTotal(items int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.TotalItems = items
}

// SetProcessed seeds the processed count when resuming from a checkpoint.
func (t *Tracker) SetProcessed(items int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.ProcessedItems = items
	t.baseline = items
}

// Add records n freshly processed items.
func (t *Tracker) Add(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.ProcessedItems += n
	t.updateRate(n)
}

// updateRate updates the rate calculation (must be called with lock held)
func (t *Tracker) updateRate(n int64) {
	now := time.Now()

	t.rateSamples = append(t.rateSamples, rateSample{timestamp: now, items: n})
	if len(t.rateSamples) > t.maxSamples {
		t.rateSamples = t.rateSamples[1:]
	}

	t.calculateCurrentRate(now)
	t.calculateAverageRate(now)
	t.calculateETA()

	t.status.LastUpdateTime = now
}

// calculateCurrentRate calculates the rate over the most recent samples
func (t *Tracker) calculateCurrentRate(now time.Time) {
	if len(t.rateSamples) < 2 {
		t.status.CurrentRate = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recentItems int64
	var firstSample *rateSample

	for i := len(t.rateSamples) - 1; i >= 0; i-- {
		sample := &t.rateSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recentItems += sample.items
		firstSample = sample
	}

	if firstSample != nil {
		recentDuration := now.Sub(firstSample.timestamp)
		if recentDuration > 0 {
			t.status.CurrentRate = float64(recentItems) / recentDuration.Seconds()
		}
	}
}

// calculateAverageRate calculates the rate since this run started
func (t *Tracker) calculateAverageRate(now time.Time) {
	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.AverageRate = float64(t.status.ProcessedItems-t.baseline) / elapsed.Seconds()
	}
}

// calculateETA calculates estimated time to completion
func (t *Tracker) calculateETA() {
	if t.status.TotalItems == 0 || t.status.AverageRate == 0 {
		t.status.ETA = 0
		return
	}

	remaining := t.status.TotalItems - t.status.ProcessedItems
	if remaining <= 0 {
		t.status.ETA = 0
		return
	}

	etaSeconds := float64(remaining) / t.status.AverageRate
	t.status.ETA = time.Duration(etaSeconds) * time.Second
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// GetProgressPercent returns the progress percentage
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalItems == 0 {
		return 0
	}
	return float64(t.status.ProcessedItems) / float64(t.status.TotalItems) * 100
}

// FormatRate formats an item rate in human readable form
func FormatRate(itemsPerSecond float64) string {
	if itemsPerSecond >= 10 {
		return fmt.Sprintf("%.0f items/s", itemsPerSecond)
	}
	return fmt.Sprintf("%.1f items/s", itemsPerSecond)
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "estimating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
