package input

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeProbe struct {
	idle time.Duration
	err  error
}

func (f *fakeProbe) IdleTime(context.Context) (time.Duration, error) {
	return f.idle, f.err
}

func TestSampleDerivesIdleFromProbe(t *testing.T) {
	probe := &fakeProbe{idle: 90 * time.Second}
	m := NewMonitor(probe, 5*time.Minute, zerolog.Nop())

	now := time.Now()
	if slept := m.Sample(context.Background(), now); slept {
		t.Fatal("fresh sample must not look like a sleep")
	}
	if got := m.IdleFor(now); got != 90*time.Second {
		t.Fatalf("expected 90s idle, got %v", got)
	}
}

func TestSampleFlagsSuspectedSleep(t *testing.T) {
	probe := &fakeProbe{}
	m := NewMonitor(probe, 5*time.Minute, zerolog.Nop())

	now := time.Now()
	m.Sample(context.Background(), now)
	if slept := m.Sample(context.Background(), now.Add(6*time.Minute)); !slept {
		t.Fatal("a 6 minute sampling gap must be flagged as suspected sleep")
	}
	if slept := m.Sample(context.Background(), now.Add(6*time.Minute+time.Second)); slept {
		t.Fatal("the next 1s-spaced sample must not be flagged")
	}
}

func TestProbeFailureAssumesActive(t *testing.T) {
	probe := &fakeProbe{err: errors.New("no display")}
	m := NewMonitor(probe, 5*time.Minute, zerolog.Nop())

	now := time.Now().Add(10 * time.Minute)
	m.Sample(context.Background(), now)
	if got := m.IdleFor(now); got != 0 {
		t.Fatalf("probe failure must count as active, got idle %v", got)
	}
}

func TestTouchOnlyMovesForward(t *testing.T) {
	m := NewMonitor(&fakeProbe{}, 5*time.Minute, zerolog.Nop())

	now := time.Now()
	m.Touch(now.Add(time.Minute))
	m.Touch(now) // older event, must not regress

	if got := m.IdleFor(now.Add(2 * time.Minute)); got != time.Minute {
		t.Fatalf("expected 1m idle, got %v", got)
	}
}

func TestIdleForNeverNegative(t *testing.T) {
	m := NewMonitor(&fakeProbe{}, 5*time.Minute, zerolog.Nop())
	m.Touch(time.Now().Add(time.Hour))
	if got := m.IdleFor(time.Now()); got != 0 {
		t.Fatalf("idle must floor at zero, got %v", got)
	}
}
