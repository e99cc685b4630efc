package alerting

import (
	"sync"
	"time"
)

// ErrorBurstTracker keeps a sliding window of error timestamps per module.
// When a window reaches the threshold it reports a burst and empties itself,
// so the next burst needs a full threshold of fresh errors.
type ErrorBurstTracker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	entries   map[string][]time.Time
}

// NewErrorBurstTracker builds a tracker; threshold below 1 is treated as 1.
func NewErrorBurstTracker(window time.Duration, threshold int) *ErrorBurstTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &ErrorBurstTracker{
		window:    window,
		threshold: threshold,
		entries:   make(map[string][]time.Time),
	}
}

// Record adds an error at now for module and reports whether it completed a burst.
func (t *ErrorBurstTracker) Record(module string, now time.Time) (fired bool, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	kept := t.entries[module][:0]
	for _, ts := range t.entries[module] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)

	if len(kept) >= t.threshold {
		count = len(kept)
		t.entries[module] = nil
		return true, count
	}
	t.entries[module] = kept
	return false, len(kept)
}

// Len returns the current window size for module.
func (t *ErrorBurstTracker) Len(module string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[module])
}
