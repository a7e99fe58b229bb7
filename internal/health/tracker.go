// Package health implements the per-cluster authentication backoff state
// machine. It does no I/O; callers feed it detect results and ask whether a
// refresh is allowed right now.
package health

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"clusterproxy/internal/detect"
)

// State of a cluster's connection health.
type State int

const (
	StateHealthy State = iota
	StateBackoff1
	StateBackoff2
	StateSuspended
)

const (
	// Backoff1Window is how long refresh stays blocked after one auth failure.
	Backoff1Window = 60 * time.Second
	// Backoff2Window is how long refresh stays blocked after two auth failures.
	Backoff2Window = 300 * time.Second
	// MaxAuthFailures consecutive auth failures suspend automatic refresh.
	MaxAuthFailures = 3
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "Healthy"
	case StateBackoff1:
		return "Backoff1"
	case StateBackoff2:
		return "Backoff2"
	case StateSuspended:
		return "Suspended"
	default:
		return "Unknown"
	}
}

// Tracker is safe for concurrent use.
type Tracker struct {
	clock clock.PassiveClock

	mu        sync.Mutex
	failures  int
	enteredAt time.Time
}

// NewTracker returns a Healthy tracker reading time from c.
func NewTracker(c clock.PassiveClock) *Tracker {
	return &Tracker{clock: c}
}

func stateFor(failures int) State {
	switch {
	case failures <= 0:
		return StateHealthy
	case failures == 1:
		return StateBackoff1
	case failures == 2:
		return StateBackoff2
	default:
		return StateSuspended
	}
}

func window(s State) time.Duration {
	switch s {
	case StateBackoff1:
		return Backoff1Window
	case StateBackoff2:
		return Backoff2Window
	default:
		return 0
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return stateFor(t.failures)
}

// FailureCount returns the number of consecutive auth failures, 0..3.
func (t *Tracker) FailureCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// CanRefresh reports whether a refresh attempt is allowed now.
func (t *Tracker) CanRefresh() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch s := stateFor(t.failures); s {
	case StateHealthy:
		return true
	case StateSuspended:
		return false
	default:
		return t.clock.Since(t.enteredAt) >= window(s)
	}
}

// BackoffUntil returns when the current backoff window ends. It is zero when
// Healthy or Suspended.
func (t *Tracker) BackoffUntil() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := window(stateFor(t.failures))
	if w == 0 {
		return time.Time{}
	}
	return t.enteredAt.Add(w)
}

// Observe records the outcome of a detect call and returns the new state.
// Only auth errors move the state machine forward; transient errors leave it
// untouched.
func (t *Tracker) Observe(res detect.Result) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch res.(type) {
	case detect.Success:
		t.failures = 0
		t.enteredAt = time.Time{}
	case detect.AuthError:
		if t.failures < MaxAuthFailures {
			t.failures++
			t.enteredAt = t.clock.Now()
		}
	case detect.TransientError:
	}
	return stateFor(t.failures)
}

// Reset forces Healthy regardless of the current state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
	t.enteredAt = time.Time{}
}
