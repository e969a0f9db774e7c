// Package syncer delivers accumulated activity to the collector and owns
// the reconciliation between the live accumulator, the offline cache and
// the local history archive.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kryptomind/trackd/internal/activity"
	"github.com/kryptomind/trackd/internal/cache"
	"github.com/kryptomind/trackd/internal/history"
	"github.com/kryptomind/trackd/internal/metrics"
	"github.com/kryptomind/trackd/internal/retry"
	"github.com/kryptomind/trackd/internal/sysinfo"
	"github.com/kryptomind/trackd/internal/tracker"
)

// DefaultBudget bounds one full sync including all retries. The main loop
// keeps ticking while a sync runs, but a sync must never outlive the next
// scheduled one.
const DefaultBudget = 30 * time.Second

// Config configures the synchronizer.
type Config struct {
	ActivityURL string
	Username    string
	DisplayName string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// Budget bounds the whole sync, retries included.
	Budget time.Duration
	Retry  retry.Config
}

// Options carries the per-invocation state the agent knows and the
// synchronizer does not.
type Options struct {
	// Deliver enables sending to the collector. When false the payload is
	// cached locally (if the user joined the channel today) or dropped.
	Deliver bool
	// JoinedToday gates local caching: data accumulated on a day the user
	// never joined the monitored channel leaves no trace.
	JoinedToday bool
	// Idle is the current idle duration, reported in the payload.
	Idle time.Duration
	// Now is the sync wall-clock time.
	Now time.Time
}

// Syncer builds, delivers and reconciles activity payloads.
type Syncer struct {
	cfg     Config
	client  *http.Client
	acc     *tracker.Accumulator
	cache   *cache.Cache
	history *history.Store
	info    sysinfo.Info
	logger  zerolog.Logger
}

// New creates a synchronizer. history may be nil when local archiving is
// disabled.
func New(cfg Config, acc *tracker.Accumulator, c *cache.Cache, hist *history.Store, info sysinfo.Info, logger zerolog.Logger) *Syncer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	return &Syncer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		acc:     acc,
		cache:   c,
		history: hist,
		info:    info,
		logger:  logger.With().Str("component", "syncer").Logger(),
	}
}

// Sync runs one sync cycle: snapshot, normalize, validate, deliver,
// reconcile. The accumulator keeps running while the sync is in flight;
// only the snapshotted amounts are subtracted on success, so activity
// recorded during delivery is never lost.
func (s *Syncer) Sync(ctx context.Context, opts Options) error {
	snapshot := s.acc.Snapshot()
	if len(snapshot) == 0 {
		s.logger.Debug().Msg("Nothing to sync")
		return nil
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	payload := activity.Build(
		s.cfg.Username,
		s.cfg.DisplayName,
		snapshot,
		opts.Idle,
		s.acc.IdleThreshold(),
		opts.Now,
		s.info,
	)
	if err := payload.Validate(); err != nil {
		metrics.SyncAttemptsTotal.WithLabelValues("invalid").Inc()
		if cacheErr := s.cache.Persist(payload); cacheErr != nil {
			s.logger.Error().Err(cacheErr).Msg("Failed to cache invalid payload")
		}
		return fmt.Errorf("payload failed validation: %w", err)
	}

	if !opts.Deliver {
		if !opts.JoinedToday {
			s.logger.Debug().Msg("User has not joined the channel today, skipping sync")
			return nil
		}
		// Not tracking right now but the user was in the channel earlier
		// today. Keep the cumulative snapshot on disk so a crash loses
		// nothing; the slot is superseded on the next cycle.
		if err := s.cache.Persist(payload); err != nil {
			return fmt.Errorf("cache payload: %w", err)
		}
		metrics.CachedPayloadsTotal.Inc()
		s.logger.Debug().
			Float64("total_minutes", payload.TotalActiveTime).
			Msg("Tracking paused, payload cached locally")
		return nil
	}

	start := time.Now()
	err := s.deliver(ctx, payload)
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SyncAttemptsTotal.WithLabelValues("failure").Inc()
		if cacheErr := s.cache.Persist(payload); cacheErr != nil {
			s.logger.Error().Err(cacheErr).Msg("Failed to cache undelivered payload")
		} else {
			metrics.CachedPayloadsTotal.Inc()
		}
		s.logger.Warn().
			Err(err).
			Str("sync_id", payload.SyncID).
			Msg("Sync failed, payload cached for retry")
		return err
	}

	metrics.SyncAttemptsTotal.WithLabelValues("success").Inc()
	s.reconcile(ctx, payload, snapshot)
	s.logger.Info().
		Str("sync_id", payload.SyncID).
		Int("apps", len(payload.Apps)).
		Float64("total_minutes", payload.TotalActiveTime).
		Msg("Activity synced")
	return nil
}

// deliver posts the payload, retrying transient failures within the
// budget. Connection-level errors abort immediately: when the collector
// is unreachable every further attempt in this cycle will fail the same
// way, and the cache picks it up.
func (s *Syncer) deliver(ctx context.Context, payload activity.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Budget)
	defer cancel()

	attempt := 0
	return retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ActivityURL, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("build activity request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return retry.Permanent(fmt.Errorf("activity request: %w", err))
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return retry.Permanent(fmt.Errorf("collector rejected payload: %d", resp.StatusCode))
		default:
			s.logger.Debug().
				Int("attempt", attempt).
				Int("status", resp.StatusCode).
				Msg("Sync attempt failed")
			return fmt.Errorf("collector returned %d", resp.StatusCode)
		}
	})
}

// reconcile applies the post-delivery bookkeeping. Failures here are
// logged, never returned: the collector has the data, losing local
// bookkeeping must not fail the sync.
func (s *Syncer) reconcile(ctx context.Context, payload activity.Payload, snapshot map[string]int64) {
	s.acc.Subtract(snapshot)

	if err := s.cache.Clear(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to clear cache after sync")
	}
	if err := s.cache.MergeLastSync(payload.AppSyncInfo); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist last-sync timestamps")
	}

	if s.history == nil {
		return
	}
	rec := history.SyncRecord{
		SyncID:       payload.SyncID,
		Timestamp:    time.Now(),
		Date:         payload.Date,
		Apps:         payload.Apps,
		TotalMinutes: payload.TotalActiveTime,
	}
	if err := s.history.RecordSync(ctx, rec, snapshot); err != nil {
		s.logger.Error().Err(err).Msg("Failed to archive sync record")
	}
}
