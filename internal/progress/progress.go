// Package progress renders a terminal progress bar for long-running sieve
// runs, driven by segment completions rather than a fixed unit count.
package progress

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Bar is a simple terminal progress bar that writes to stderr, tracking
// completion in units of segments rather than raw values, since a sieve
// run's segment count is fixed by its SegmentPlan while the values covered
// per segment vary with the wheel and span.
type Bar struct {
	total       int64
	completed   int64
	width       int
	startTime   time.Time
	description string
	mu          sync.Mutex
}

// NewBar creates a Bar expecting totalSegments completions.
func NewBar(totalSegments int64, description string) *Bar {
	return &Bar{
		total:       totalSegments,
		width:       40,
		description: description,
		startTime:   time.Now(),
	}
}

// Update advances completion by delta segments and redraws.
func (b *Bar) Update(delta int64) {
	b.mu.Lock()
	b.completed += delta
	b.render()
	b.mu.Unlock()
}

// SetTotal changes the expected segment count after the bar is created.
func (b *Bar) SetTotal(total int64) {
	b.mu.Lock()
	b.total = total
	b.mu.Unlock()
}

// Finish marks the bar complete and terminates the line.
func (b *Bar) Finish() {
	b.mu.Lock()
	b.completed = b.total
	b.render()
	fmt.Fprintln(os.Stderr)
	b.mu.Unlock()
}

// Completed returns the current segment count processed so far.
func (b *Bar) Completed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed
}

func (b *Bar) render() {
	if b.total == 0 {
		return
	}

	percent := float64(b.completed) / float64(b.total)
	if percent > 1.0 {
		percent = 1.0
	}
	filled := int(percent * float64(b.width))

	elapsed := time.Since(b.startTime)
	rate := float64(b.completed) / elapsed.Seconds()
	var rateStr string
	switch {
	case rate >= 1_000_000:
		rateStr = fmt.Sprintf("%.1fM/s", rate/1_000_000)
	case rate >= 1_000:
		rateStr = fmt.Sprintf("%.1fK/s", rate/1_000)
	default:
		rateStr = fmt.Sprintf("%.0f/s", rate)
	}

	fmt.Fprintf(os.Stderr, "\r%s: [%s%s] %3.0f%% | %d/%d segments | %s",
		b.description,
		strings.Repeat("=", filled),
		strings.Repeat(" ", b.width-filled),
		percent*100,
		b.completed,
		b.total,
		rateStr)
}

// GetCPUCount returns the number of logical CPUs visible to the process.
func GetCPUCount() int {
	return runtime.NumCPU()
}

// FormatNumber renders n with a B/M/K suffix for compact summary lines.
func FormatNumber(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.2fB", float64(n)/1_000_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.2fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
