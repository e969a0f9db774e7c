// Package agent runs the main tracking loop and owns the lifecycle of
// every subsystem: sampling, idle gating, membership polling, syncing and
// the day rollover.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kryptomind/trackd/internal/activity"
	"github.com/kryptomind/trackd/internal/appwatch"
	"github.com/kryptomind/trackd/internal/cache"
	"github.com/kryptomind/trackd/internal/history"
	"github.com/kryptomind/trackd/internal/input"
	"github.com/kryptomind/trackd/internal/membership"
	"github.com/kryptomind/trackd/internal/metrics"
	"github.com/kryptomind/trackd/internal/syncer"
	"github.com/kryptomind/trackd/internal/tracker"
)

// Config holds the loop timing knobs.
type Config struct {
	TickInterval         time.Duration
	StatusInterval       time.Duration
	SyncInterval         time.Duration
	HistoryRetentionDays int
}

// Deps are the subsystems the agent drives. History may be nil.
type Deps struct {
	Sampler appwatch.Sampler
	Monitor *input.Monitor
	Acc     *tracker.Accumulator
	Poller  *membership.Poller
	Cache   *cache.Cache
	Syncer  *syncer.Syncer
	History *history.Store
}

// Agent is the main loop. One instance runs per process.
type Agent struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	// syncMu serializes sync cycles. Scheduled syncs skip when one is in
	// flight; transition and shutdown syncs wait their turn.
	syncMu sync.Mutex
	wg     sync.WaitGroup

	currentDate string
	lastTick    time.Time
	lastPoll    time.Time
	lastSync    time.Time
}

// New creates the agent. Call Restore before Run to fold a previous run's
// cached payload back in.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Agent {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 30 * time.Second
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	now := time.Now()
	return &Agent{
		cfg:         cfg,
		deps:        deps,
		logger:      logger.With().Str("component", "agent").Logger(),
		currentDate: now.Format(activity.DateLayout),
		lastTick:    now,
		lastPoll:    now.Add(-cfg.StatusInterval), // poll on the first tick
		lastSync:    now,
	}
}

// Restore folds a same-day cached payload from a previous run back into
// the live accumulator and clears the slot. From that point the live
// accumulator supersedes the cache, so the recovered time cannot be
// counted twice. Stale prior-day slots are dropped.
func (a *Agent) Restore(now time.Time) error {
	today := now.Format(activity.DateLayout)
	entry, err := a.deps.Cache.PurgeStale(today)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	recovered := make(map[string]int64, len(entry.Payload.Apps))
	for app, minutes := range entry.Payload.Apps {
		recovered[app] = activity.Seconds(minutes)
	}
	a.deps.Acc.Add(recovered)
	if err := a.deps.Cache.Clear(); err != nil {
		return err
	}
	a.logger.Info().
		Int("apps", len(recovered)).
		Int64("seconds", a.deps.Acc.TotalSeconds()).
		Msg("Recovered cached activity from previous run")
	return nil
}

// Run drives the loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	a.logger.Info().
		Dur("tick_interval", a.cfg.TickInterval).
		Dur("status_interval", a.cfg.StatusInterval).
		Dur("sync_interval", a.cfg.SyncInterval).
		Msg("Tracking loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.step(ctx, now)
		}
	}
}

// step processes one tick: rollover check, input sample, foreground
// attribution, then any due status poll or sync.
func (a *Agent) step(ctx context.Context, now time.Time) {
	metrics.TicksTotal.Inc()

	if today := now.Format(activity.DateLayout); today != a.currentDate {
		a.rollover(ctx, today)
	}

	slept := a.deps.Monitor.Sample(ctx, now)
	idle := a.deps.Monitor.IdleFor(now)
	metrics.IdleSeconds.Set(idle.Seconds())

	// A sleep gap means the elapsed interval is indeterminate; skip
	// attribution for this tick rather than credit suspend time.
	if !slept {
		if app, ok := a.deps.Sampler.AppID(ctx); ok {
			a.deps.Acc.Tick(app, a.cfg.TickInterval, idle)
			if idle < a.deps.Acc.IdleThreshold() {
				metrics.ActiveSecondsTotal.Add(a.cfg.TickInterval.Seconds())
			}
		}
	}
	a.lastTick = now

	if now.Sub(a.lastPoll) >= a.cfg.StatusInterval {
		a.lastPoll = now
		a.poll(ctx, now)
	}

	if now.Sub(a.lastSync) >= a.cfg.SyncInterval {
		a.lastSync = now
		a.logger.Debug().
			Int64("accumulated_seconds", a.deps.Acc.TotalSeconds()).
			Bool("tracking", a.deps.Poller.Tracking()).
			Dur("idle", idle).
			Msg("Activity summary")
		a.scheduleSync(ctx, syncer.Options{
			Deliver:     a.deps.Poller.Tracking(),
			JoinedToday: a.deps.Poller.HasJoinedToday(),
			Idle:        idle,
			Now:         now,
		})
	}
}

// poll runs one membership poll and applies any transition.
func (a *Agent) poll(ctx context.Context, now time.Time) {
	tr, err := a.deps.Poller.Poll(ctx, now)
	if err != nil {
		metrics.StatusPollsTotal.WithLabelValues("failure").Inc()
		a.logger.Debug().Err(err).Msg("Status poll failed, keeping previous state")
		return
	}
	metrics.StatusPollsTotal.WithLabelValues("success").Inc()

	if a.deps.Poller.Tracking() {
		metrics.TrackingEnabled.Set(1)
	} else {
		metrics.TrackingEnabled.Set(0)
	}

	if !tr.Changed {
		return
	}

	if tr.Tracking {
		// The workday starts at the first join: anything sampled before
		// it is not billable and is discarded.
		if tr.FirstJoinToday {
			a.deps.Acc.Clear()
		}
		// A rejoin delivers whatever accrued while paused right away
		// instead of waiting out the sync interval. After a first-join
		// clear there is nothing to send and this is a no-op.
		a.scheduleSync(ctx, syncer.Options{
			Deliver:     true,
			JoinedToday: a.deps.Poller.HasJoinedToday(),
			Idle:        a.deps.Monitor.IdleFor(now),
			Now:         now,
		})
		return
	}

	// Leaving the channel flushes what accrued during the session, even
	// though tracking is already off. The session's own data is billable.
	a.scheduleSync(ctx, syncer.Options{
		Deliver:     true,
		JoinedToday: a.deps.Poller.HasJoinedToday(),
		Idle:        a.deps.Monitor.IdleFor(now),
		Now:         now,
	})
}

// scheduleSync runs a sync cycle off the tick loop so attribution keeps
// going while delivery retries. An in-flight cycle makes this a no-op;
// the next scheduled sync carries the data.
func (a *Agent) scheduleSync(ctx context.Context, opts syncer.Options) {
	if !a.syncMu.TryLock() {
		a.logger.Debug().Msg("Sync already in flight, skipping")
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.syncMu.Unlock()
		if err := a.deps.Syncer.Sync(ctx, opts); err != nil {
			a.logger.Debug().Err(err).Msg("Sync cycle failed")
		}
	}()
}

// ForceSync runs an immediate delivered sync, waiting for any in-flight
// cycle first. Wired to SIGHUP.
func (a *Agent) ForceSync(ctx context.Context) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	now := time.Now()
	return a.deps.Syncer.Sync(ctx, syncer.Options{
		Deliver:     true,
		JoinedToday: a.deps.Poller.HasJoinedToday(),
		Idle:        a.deps.Monitor.IdleFor(now),
		Now:         now,
	})
}

// rollover handles the local-date change: flush the old day, archive any
// leftover cache, reset all per-day state, prune old history.
func (a *Agent) rollover(ctx context.Context, today string) {
	prevDate := a.currentDate
	a.logger.Info().
		Str("from", prevDate).
		Str("to", today).
		Msg("Day rollover")

	// Final sync for the closing day. The payload is stamped with the
	// last tick's time so it lands on the correct calendar day. This one
	// runs inline; the old day's state may not leak into the new day.
	a.syncMu.Lock()
	err := a.deps.Syncer.Sync(ctx, syncer.Options{
		Deliver:     a.deps.Poller.Tracking(),
		JoinedToday: a.deps.Poller.HasJoinedToday(),
		Idle:        a.deps.Monitor.IdleFor(a.lastTick),
		Now:         a.lastTick,
	})
	a.syncMu.Unlock()
	if err != nil {
		a.logger.Warn().Err(err).Msg("End-of-day sync failed")
	}

	if err := a.deps.Cache.Archive(prevDate); err != nil {
		a.logger.Error().Err(err).Msg("Failed to archive end-of-day cache")
	}
	a.deps.Acc.Clear()
	a.deps.Poller.ResetDay(today)
	a.currentDate = today
	a.lastSync = a.lastTick

	if a.deps.History != nil && a.cfg.HistoryRetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -a.cfg.HistoryRetentionDays).Format(activity.DateLayout)
		if _, err := a.deps.History.PruneBefore(ctx, cutoff); err != nil {
			a.logger.Error().Err(err).Msg("History pruning failed")
		}
	}

	metrics.DayRolloversTotal.Inc()
}

// Shutdown flushes outstanding activity within the ctx deadline. Cached
// data covers whatever does not make it out in time.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down, flushing outstanding activity")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn().Msg("Gave up waiting for in-flight sync")
	}

	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	now := time.Now()
	return a.deps.Syncer.Sync(ctx, syncer.Options{
		Deliver:     a.deps.Poller.Tracking(),
		JoinedToday: a.deps.Poller.HasJoinedToday(),
		Idle:        a.deps.Monitor.IdleFor(now),
		Now:         now,
	})
}
