package membership

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kryptomind/trackd/internal/activity"
)

const monitoredChannel = "wfh-monitoring"

// statusServer serves a mutable channel value.
type statusServer struct {
	srv     *httptest.Server
	channel atomic.Value // string; "" means null
	fail    atomic.Bool
}

func newStatusServer(t *testing.T) *statusServer {
	t.Helper()
	s := &statusServer{}
	s.channel.Store("")
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		ch := s.channel.Load().(string)
		if ch == "" {
			fmt.Fprint(w, `{"channel": null}`)
			return
		}
		fmt.Fprintf(w, `{"channel": %q}`, ch)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func newTestPoller(s *statusServer, cfg Config) *Poller {
	cfg.StatusURL = s.srv.URL
	cfg.Username = "alice"
	cfg.Channel = monitoredChannel
	return NewPoller(cfg, zerolog.Nop())
}

func TestJoinStartsTrackingWithFirstJoin(t *testing.T) {
	s := newStatusServer(t)
	p := newTestPoller(s, Config{})
	now := time.Now()

	s.channel.Store(monitoredChannel)
	tr, err := p.Poll(context.Background(), now)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !tr.Changed || !tr.Tracking || !tr.FirstJoinToday {
		t.Fatalf("expected first-join start transition, got %+v", tr)
	}
	if !p.Tracking() || !p.HasJoinedToday() {
		t.Fatal("state not updated after join")
	}

	// Staying in the channel produces no further transition.
	tr, err = p.Poll(context.Background(), now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if tr.Changed || tr.FirstJoinToday {
		t.Fatalf("steady state must not report a transition, got %+v", tr)
	}
}

func TestLeaveStopsTracking(t *testing.T) {
	s := newStatusServer(t)
	p := newTestPoller(s, Config{})
	now := time.Now()

	s.channel.Store(monitoredChannel)
	if _, err := p.Poll(context.Background(), now); err != nil {
		t.Fatalf("poll: %v", err)
	}

	s.channel.Store("")
	tr, err := p.Poll(context.Background(), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !tr.Changed || tr.Tracking {
		t.Fatalf("expected stop transition, got %+v", tr)
	}
	if p.Tracking() {
		t.Fatal("tracking must be disabled after leaving")
	}
	if !p.HasJoinedToday() {
		t.Fatal("joined-today survives leaving the channel")
	}
}

func TestOtherChannelDoesNotEnableTracking(t *testing.T) {
	s := newStatusServer(t)
	p := newTestPoller(s, Config{})

	s.channel.Store("random-channel")
	tr, err := p.Poll(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if tr.Changed || p.Tracking() {
		t.Fatal("presence in an unmonitored channel must not enable tracking")
	}
}

func TestFailedPollLeavesStateUnchanged(t *testing.T) {
	s := newStatusServer(t)
	p := newTestPoller(s, Config{})
	now := time.Now()

	s.channel.Store(monitoredChannel)
	if _, err := p.Poll(context.Background(), now); err != nil {
		t.Fatalf("poll: %v", err)
	}

	s.fail.Store(true)
	tr, err := p.Poll(context.Background(), now.Add(time.Minute))
	if err == nil {
		t.Fatal("expected an error from the failing endpoint")
	}
	if tr.Changed {
		t.Fatal("a failed poll must not produce a transition")
	}
	if !p.Tracking() {
		t.Fatal("a failed poll must not flip tracking off")
	}
}

func TestRejoinSameDayIsNotFirstJoin(t *testing.T) {
	s := newStatusServer(t)
	p := newTestPoller(s, Config{})
	now := time.Now()

	s.channel.Store(monitoredChannel)
	if _, err := p.Poll(context.Background(), now); err != nil {
		t.Fatalf("poll: %v", err)
	}
	s.channel.Store("")
	if _, err := p.Poll(context.Background(), now.Add(time.Minute)); err != nil {
		t.Fatalf("poll: %v", err)
	}

	s.channel.Store(monitoredChannel)
	tr, err := p.Poll(context.Background(), now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !tr.Changed || !tr.Tracking {
		t.Fatalf("expected start transition, got %+v", tr)
	}
	if tr.FirstJoinToday {
		t.Fatal("a same-day rejoin is not a first join")
	}
}

func TestPersistedJoinDateSuppressesFakeFirstJoin(t *testing.T) {
	s := newStatusServer(t)
	today := time.Now().Format(activity.DateLayout)

	var persisted []string
	p := newTestPoller(s, Config{
		LastJoinDate:    today,
		PersistJoinDate: func(date string) { persisted = append(persisted, date) },
	})

	if !p.HasJoinedToday() {
		t.Fatal("persisted same-day join date must seed joined-today")
	}

	s.channel.Store(monitoredChannel)
	tr, err := p.Poll(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if tr.FirstJoinToday {
		t.Fatal("restart mid-day must not report a first join")
	}
	if len(persisted) != 0 {
		t.Fatalf("join date must not be re-persisted, got %v", persisted)
	}
}

func TestResetDayClearsJoinedToday(t *testing.T) {
	s := newStatusServer(t)
	var persisted []string
	p := newTestPoller(s, Config{PersistJoinDate: func(date string) { persisted = append(persisted, date) }})
	now := time.Now()

	s.channel.Store(monitoredChannel)
	if _, err := p.Poll(context.Background(), now); err != nil {
		t.Fatalf("poll: %v", err)
	}

	p.ResetDay("2025-06-02")
	if p.HasJoinedToday() {
		t.Fatal("joined-today must reset at rollover")
	}

	// The next in-channel poll counts as the new day's first join.
	tr, err := p.Poll(context.Background(), now)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !tr.FirstJoinToday {
		t.Fatal("first in-channel poll after rollover must be a first join")
	}
	if len(persisted) < 2 || persisted[len(persisted)-2] != "" {
		t.Fatalf("rollover must persist a cleared join date, got %v", persisted)
	}
}
