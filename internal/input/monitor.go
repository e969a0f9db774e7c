// Package input tracks the most recent user input and derives idleness.
package input

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSleepGapThreshold flags a suspected system sleep when two
// consecutive samples are further apart than this.
const DefaultSleepGapThreshold = 5 * time.Minute

// Probe reads the system-wide idle time. One implementation per OS.
type Probe interface {
	// IdleTime returns how long the user has produced no input.
	IdleTime(ctx context.Context) (time.Duration, error)
}

// Monitor keeps the freshest last-input timestamp. The probe is sampled
// once per main-loop tick; only freshness matters, so last-write-wins is
// sufficient and a single mutex covers everything.
type Monitor struct {
	mu          sync.Mutex
	lastInput   time.Time
	lastSample  time.Time
	sleepGap    time.Duration
	probe       Probe
	probeBroken bool
	logger      zerolog.Logger
}

// NewMonitor creates a monitor starting from "input just happened".
func NewMonitor(probe Probe, sleepGap time.Duration, logger zerolog.Logger) *Monitor {
	if sleepGap <= 0 {
		sleepGap = DefaultSleepGapThreshold
	}
	now := time.Now()
	return &Monitor{
		lastInput:  now,
		lastSample: now,
		sleepGap:   sleepGap,
		probe:      probe,
		logger:     logger.With().Str("component", "input-monitor").Logger(),
	}
}

// Sample refreshes the last-input timestamp from the probe and reports
// whether the gap since the previous sample looks like a system sleep.
// The sleep flag is informational; the caller skips attribution for that
// tick so an indeterminate suspend period never accrues tracked time.
func (m *Monitor) Sample(ctx context.Context, now time.Time) (slept bool) {
	m.mu.Lock()
	gap := now.Sub(m.lastSample)
	m.lastSample = now
	m.mu.Unlock()

	if gap > m.sleepGap {
		m.logger.Warn().
			Dur("gap", gap).
			Msg("Large gap between samples, suspected system sleep")
		slept = true
	}

	idle, err := m.probe.IdleTime(ctx)
	if err != nil {
		if !m.probeBroken {
			m.probeBroken = true
			m.logger.Warn().Err(err).Msg("Idle probe failed, assuming user is active")
		}
		m.Touch(now)
		return slept
	}
	m.probeBroken = false

	m.mu.Lock()
	m.lastInput = now.Add(-idle)
	m.mu.Unlock()
	return slept
}

// Touch records an input event at the given time. Event-driven platforms
// and tests use this directly.
func (m *Monitor) Touch(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.After(m.lastInput) {
		m.lastInput = now
	}
}

// IdleFor returns the idle duration as of now.
func (m *Monitor) IdleFor(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	idle := now.Sub(m.lastInput)
	if idle < 0 {
		return 0
	}
	return idle
}
