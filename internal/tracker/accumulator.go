// Package tracker holds the in-memory per-application usage accumulator.
package tracker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultIdleThreshold is the idle duration past which ticks stop counting.
const DefaultIdleThreshold = 5 * time.Minute

// Accumulator is a mutex-guarded map of application id to accumulated
// active seconds. It is mutated continuously by the main tick loop,
// snapshotted by the synchronizer, and decremented by exactly the synced
// amount after a confirmed delivery. Values never go negative.
type Accumulator struct {
	mu            sync.Mutex
	seconds       map[string]int64
	idleThreshold time.Duration
	logger        zerolog.Logger
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator(idleThreshold time.Duration, logger zerolog.Logger) *Accumulator {
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	return &Accumulator{
		seconds:       make(map[string]int64),
		idleThreshold: idleThreshold,
		logger:        logger.With().Str("component", "accumulator").Logger(),
	}
}

// Tick credits one sample interval to app. The credit is dropped when the
// user has been idle for the threshold or longer, or when app is empty
// (no foreground attribution this tick).
func (a *Accumulator) Tick(app string, d time.Duration, idle time.Duration) {
	if app == "" || d <= 0 {
		return
	}
	if idle >= a.idleThreshold {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.seconds[app] += int64(d.Seconds())
}

// Snapshot returns a deep copy of the live map. Ticks landing during an
// in-flight sync keep mutating the live map and are preserved.
func (a *Accumulator) Snapshot() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int64, len(a.seconds))
	for app, secs := range a.seconds {
		out[app] = secs
	}
	return out
}

// Subtract removes exactly the delivered amounts, floored at zero. Keys
// that reach zero are deleted. This is never a blind clear: seconds
// accumulated between snapshot and delivery survive.
func (a *Accumulator) Subtract(delta map[string]int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for app, secs := range delta {
		remaining := a.seconds[app] - secs
		if remaining <= 0 {
			delete(a.seconds, app)
			continue
		}
		a.seconds[app] = remaining
	}
}

// Add merges recovered seconds into the map. Used once at startup when a
// same-day cached payload from a previous run is folded back in.
func (a *Accumulator) Add(seconds map[string]int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for app, secs := range seconds {
		if secs <= 0 {
			continue
		}
		a.seconds[app] += secs
	}
}

// Clear empties the map. Only the day rollover and the first join of a
// day may call this.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.seconds) > 0 {
		a.logger.Debug().Int("apps", len(a.seconds)).Msg("Accumulator cleared")
	}
	a.seconds = make(map[string]int64)
}

// TotalSeconds returns the sum over all apps.
func (a *Accumulator) TotalSeconds() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var total int64
	for _, secs := range a.seconds {
		total += secs
	}
	return total
}

// Empty reports whether nothing has accumulated.
func (a *Accumulator) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.seconds) == 0
}

// IdleThreshold returns the configured idle gate.
func (a *Accumulator) IdleThreshold() time.Duration {
	return a.idleThreshold
}
