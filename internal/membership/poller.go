// Package membership polls the collector's session-status endpoint and
// derives the tracking gate from live-channel presence.
package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kryptomind/trackd/internal/activity"
)

// DefaultTimeout bounds one status request. The poll runs on the main
// loop's schedule, so it must stay short.
const DefaultTimeout = 5 * time.Second

// Transition reports a state change observed by one poll.
type Transition struct {
	// Changed is set when tracking flipped on or off.
	Changed bool
	// Tracking is the state after the poll.
	Tracking bool
	// FirstJoinToday is set when this poll recorded the first channel
	// join of the local day.
	FirstJoinToday bool
}

// Config configures the poller.
type Config struct {
	StatusURL string
	Username  string
	// Channel is the monitored channel name; presence in it enables
	// tracking.
	Channel string
	Timeout time.Duration
	// LastJoinDate seeds the joined-today state from persisted metadata
	// so a mid-day agent restart does not look like a fresh first join.
	LastJoinDate string
	// PersistJoinDate is called whenever the join date changes. May be
	// nil.
	PersistJoinDate func(date string)
}

// Poller owns the membership state. is_tracking is mutated here and
// nowhere else; a failed poll leaves the state untouched so transient
// errors cannot make tracking flap.
type Poller struct {
	client *http.Client
	cfg    Config
	logger zerolog.Logger

	mu             sync.Mutex
	tracking       bool
	hasJoinedToday bool
	lastJoinDate   string
}

// NewPoller creates a poller starting in the not-tracking state.
func NewPoller(cfg Config, logger zerolog.Logger) *Poller {
	if cfg.Timeout <= 0 || cfg.Timeout > DefaultTimeout {
		cfg.Timeout = DefaultTimeout
	}
	p := &Poller{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger.With().Str("component", "membership").Logger(),
	}
	if cfg.LastJoinDate != "" && cfg.LastJoinDate == time.Now().Format(activity.DateLayout) {
		p.hasJoinedToday = true
		p.lastJoinDate = cfg.LastJoinDate
	}
	return p
}

type statusResponse struct {
	Channel *string `json:"channel"`
}

// Poll queries the status endpoint once and applies any state change.
// On error the previous state is kept and a zero Transition is returned.
func (p *Poller) Poll(ctx context.Context, now time.Time) (Transition, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s?username=%s", p.cfg.StatusURL, url.QueryEscape(p.cfg.Username))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Transition{}, fmt.Errorf("build status request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Transition{}, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Transition{}, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return Transition{}, fmt.Errorf("decode status response: %w", err)
	}

	inChannel := status.Channel != nil && *status.Channel == p.cfg.Channel
	return p.apply(inChannel, now), nil
}

// apply updates the state from one observed channel reading.
func (p *Poller) apply(inChannel bool, now time.Time) Transition {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !inChannel {
		if !p.tracking {
			return Transition{}
		}
		p.tracking = false
		p.logger.Info().Msg("User left the monitored channel, stopping tracking")
		return Transition{Changed: true, Tracking: false}
	}

	today := now.Format(activity.DateLayout)
	firstJoin := !p.hasJoinedToday || p.lastJoinDate != today
	if firstJoin {
		p.hasJoinedToday = true
		p.lastJoinDate = today
		if p.cfg.PersistJoinDate != nil {
			p.cfg.PersistJoinDate(today)
		}
	}

	if p.tracking {
		return Transition{Tracking: true, FirstJoinToday: firstJoin}
	}

	p.tracking = true
	p.logger.Info().Bool("first_join_today", firstJoin).Msg("User joined the monitored channel, starting tracking")
	return Transition{Changed: true, Tracking: true, FirstJoinToday: firstJoin}
}

// Tracking reports whether tracking is currently enabled.
func (p *Poller) Tracking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracking
}

// HasJoinedToday reports whether the user joined the channel at any point
// today.
func (p *Poller) HasJoinedToday() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasJoinedToday
}

// ResetDay resets the joined-today flag at the local-date rollover.
func (p *Poller) ResetDay(today string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hasJoinedToday = false
	p.lastJoinDate = today
	if p.cfg.PersistJoinDate != nil {
		p.cfg.PersistJoinDate("")
	}
}
