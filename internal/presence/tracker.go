// Package presence tracks ephemeral "is typing" state per participant.
// There is no stop-typing signal in the protocol — a signal simply goes
// stale after the liveness window, because client-side debounce cannot be
// trusted across tab-close or network loss. State lives only in process
// memory and is never persisted.
package presence

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultWindow is how long a typing signal stays live without refresh.
	DefaultWindow = 3 * time.Second

	// SweepInterval is the cadence for removing stale entries, independent
	// of message traffic.
	SweepInterval = 1 * time.Second
)

// Tracker maps participant names to their last typing-signal instant.
type Tracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	window   time.Duration
}

// NewTracker returns a tracker with the given liveness window.
func NewTracker(window time.Duration) *Tracker {
	return &Tracker{
		lastSeen: make(map[string]time.Time),
		window:   window,
	}
}

// Mark sets or refreshes the participant's last-signal instant.
func (t *Tracker) Mark(participant string, now time.Time) {
	t.mu.Lock()
	t.lastSeen[participant] = now
	t.mu.Unlock()
}

// Live returns every participant whose last signal is within the liveness
// window of now, sorted for stable output. An entry older than the window
// is logically absent even if a sweep has not removed it yet.
func (t *Tracker) Live(now time.Time) []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.lastSeen))
	for participant, seen := range t.lastSeen {
		if now.Sub(seen) <= t.window {
			out = append(out, participant)
		}
	}
	t.mu.Unlock()

	sort.Strings(out)
	return out
}

// Sweep removes entries older than the liveness window.
func (t *Tracker) Sweep(now time.Time) {
	t.mu.Lock()
	for participant, seen := range t.lastSeen {
		if now.Sub(seen) > t.window {
			delete(t.lastSeen, participant)
		}
	}
	t.mu.Unlock()
}

// Forget drops a participant's entry immediately, used when their
// connection goes away.
func (t *Tracker) Forget(participant string) {
	t.mu.Lock()
	delete(t.lastSeen, participant)
	t.mu.Unlock()
}

// Len returns the number of tracked entries, live or not.
func (t *Tracker) Len() int {
	t.mu.Lock()
	n := len(t.lastSeen)
	t.mu.Unlock()
	return n
}
