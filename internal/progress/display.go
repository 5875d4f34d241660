package progress

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Display periodically renders the tracker's status to the terminal
type Display struct {
	tracker  *Tracker
	interval time.Duration
	stopCh   chan struct{}
}

// NewDisplay creates a new progress display
func NewDisplay(tracker *Tracker, interval time.Duration) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the progress display and prints the final summary
func (d *Display) Stop() {
	close(d.stopCh)
}

func (d *Display) displayLoop() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.updateDisplay()
		case <-d.stopCh:
			d.finalDisplay()
			return
		}
	}
}

func (d *Display) updateDisplay() {
	status := d.tracker.GetStatus()
	percent := d.tracker.GetProgressPercent()

	line := fmt.Sprintf("\r%s %d/%d  %s  ETA %s",
		generateProgressBar(percent, 40),
		status.ProcessedItems,
		status.TotalItems,
		FormatRate(status.AverageRate),
		FormatDuration(status.ETA),
	)
	fmt.Print(line)
}

func (d *Display) finalDisplay() {
	status := d.tracker.GetStatus()
	elapsed := time.Since(status.StartTime)

	fmt.Println()
	fmt.Printf("Processed %d items in %s (%s)\n",
		status.ProcessedItems,
		FormatDuration(elapsed),
		FormatRate(status.AverageRate),
	)
}

// generateProgressBar generates a visual progress bar
func generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminalSupported checks if the terminal supports progress display
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
