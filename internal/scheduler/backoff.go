package scheduler

import (
	"sync"
	"time"
)

// Backoff tracks recent pass failures and stretches the scheduled interval
// while a feed or database keeps failing.
//
// When the failure rate in the window exceeds the threshold the multiplier
// doubles (capped at MaxMultiplier). A window without failures halves it
// back toward 1.
type Backoff struct {
	threshold     float64
	maxMultiplier int
	window        time.Duration

	mu         sync.Mutex
	attempts   []attemptRecord
	multiplier int
}

type attemptRecord struct {
	at      time.Time
	success bool
}

// BackoffConfig holds configuration for Backoff.
type BackoffConfig struct {
	// FailureThreshold is the failure rate above which the interval grows (default: 0.5).
	FailureThreshold float64 `json:"failure_threshold" yaml:"failure_threshold"`

	// MaxMultiplier caps the interval multiplier (default: 8).
	MaxMultiplier int `json:"max_multiplier" yaml:"max_multiplier"`

	// WindowDuration is the sliding window for tracking failures (default: 1h).
	WindowDuration time.Duration `json:"window_duration" yaml:"window_duration"`
}

// DefaultBackoffConfig returns the default backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		FailureThreshold: 0.5,
		MaxMultiplier:    8,
		WindowDuration:   time.Hour,
	}
}

// NewBackoff creates a backoff tracker with the given config.
func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.MaxMultiplier <= 0 {
		cfg.MaxMultiplier = def.MaxMultiplier
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = def.WindowDuration
	}
	return &Backoff{
		threshold:     cfg.FailureThreshold,
		maxMultiplier: cfg.MaxMultiplier,
		window:        cfg.WindowDuration,
		multiplier:    1,
	}
}

// Record records the result of one pass and adjusts the multiplier.
func (b *Backoff) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = append(b.attempts, attemptRecord{at: time.Now(), success: success})

	rate := b.failureRateLocked()
	switch {
	case rate > b.threshold:
		b.multiplier *= 2
		if b.multiplier > b.maxMultiplier {
			b.multiplier = b.maxMultiplier
		}
	case rate == 0 && b.multiplier > 1:
		b.multiplier /= 2
	}
}

// FailureRate returns the failure rate within the sliding window.
func (b *Backoff) FailureRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureRateLocked()
}

// failureRateLocked computes the failure rate. Caller must hold b.mu.
func (b *Backoff) failureRateLocked() float64 {
	b.pruneWindowLocked()
	if len(b.attempts) == 0 {
		return 0
	}
	failures := 0
	for _, a := range b.attempts {
		if !a.success {
			failures++
		}
	}
	return float64(failures) / float64(len(b.attempts))
}

// pruneWindowLocked removes records older than the sliding window. Caller must hold b.mu.
func (b *Backoff) pruneWindowLocked() {
	cutoff := time.Now().Add(-b.window)
	i := 0
	for i < len(b.attempts) && b.attempts[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.attempts = b.attempts[i:]
	}
}

// Multiplier returns the current interval multiplier.
func (b *Backoff) Multiplier() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.multiplier
}

// Delay returns the interval stretched by the current multiplier.
func (b *Backoff) Delay(interval time.Duration) time.Duration {
	return interval * time.Duration(b.Multiplier())
}
