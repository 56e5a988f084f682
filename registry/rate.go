package registry

import (
	"sync"
	"time"
)

// RateTracker computes the per-second rate of change of a monotonic counter
// from timestamped samples over a trailing window.
type RateTracker struct {
	mu         sync.RWMutex
	samples    []sample
	window     time.Duration
	maxSamples int
}

type sample struct {
	count int64
	at    time.Time
}

// NewRateTracker returns a RateTracker over the trailing |window|, retaining
// at most |maxSamples| samples.
func NewRateTracker(window time.Duration, maxSamples int) *RateTracker {
	return &RateTracker{
		samples:    make([]sample, 0, maxSamples),
		window:     window,
		maxSamples: maxSamples,
	}
}

// Record a sample of the counter's |total| as of |now|.
func (rt *RateTracker) Record(total int64, now time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.samples = append(rt.samples, sample{count: total, at: now})

	// Prune samples which precede the window.
	var cutoff = now.Add(-rt.window)
	var drop int
	for drop < len(rt.samples)-1 && rt.samples[drop].at.Before(cutoff) {
		drop++
	}
	if over := len(rt.samples) - drop - rt.maxSamples; over > 0 {
		drop += over
	}
	if drop != 0 {
		rt.samples = append(rt.samples[:0], rt.samples[drop:]...)
	}
}

// Rate returns the per-second rate of change across retained samples.
func (rt *RateTracker) Rate() float64 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if len(rt.samples) < 2 {
		return 0
	}
	var oldest, newest = rt.samples[0], rt.samples[len(rt.samples)-1]

	var elapsed = newest.at.Sub(oldest.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(newest.count-oldest.count) / elapsed
}
