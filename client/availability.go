package client

import (
	"sync"
	"time"
)

// Default backoff after stream failures.
const (
	DefaultRetryBackoff    = 100 * time.Millisecond
	DefaultMaxRetryBackoff = 30 * time.Second

	// maxIncompatible is how many version mismatches disable remote
	// compilation for good.
	maxIncompatible = 3
)

// Availability tracks whether the compile server is worth asking. Each
// consecutive stream failure doubles the time before the next attempt;
// a success resets it. Repeated version mismatches disable remote
// compilation.
type Availability struct {
	mu           sync.Mutex
	base, max    time.Duration
	failures     int
	retryAt      time.Time
	incompatible int
	disabled     bool
	successes    uint64

	now func() time.Time
}

// NewAvailability creates a tracker. A zero base or max selects the
// defaults.
func NewAvailability(base, max time.Duration) *Availability {
	if base <= 0 {
		base = DefaultRetryBackoff
	}
	if max <= 0 {
		max = DefaultMaxRetryBackoff
	}
	return &Availability{base: base, max: max, now: time.Now}
}

// Available reports whether a remote compilation may be attempted now.
func (a *Availability) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.disabled && !a.now().Before(a.retryAt)
}

// RecordSuccess clears the failure streak.
func (a *Availability) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = 0
	a.retryAt = time.Time{}
	a.successes++
}

// RecordFailure notes a stream failure and returns the backoff applied.
func (a *Availability) RecordFailure() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
	d := a.base
	for i := 1; i < a.failures && d < a.max; i++ {
		d *= 2
	}
	if d > a.max {
		d = a.max
	}
	a.retryAt = a.now().Add(d)
	return d
}

// RecordIncompatible notes a protocol version mismatch.
func (a *Availability) RecordIncompatible() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.incompatible++
	if a.incompatible >= maxIncompatible && !a.disabled {
		a.disabled = true
		log.Warningf("remote compilation disabled after %d version mismatches", a.incompatible)
	}
}

// Disabled reports whether remote compilation was turned off.
func (a *Availability) Disabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disabled
}

// Failures returns the length of the current failure streak.
func (a *Availability) Failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}
