package activity

import (
	"testing"
	"time"

	"github.com/kryptomind/trackd/internal/sysinfo"
)

func TestBuildNormalizesSecondsToMinutes(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	seconds := map[string]int64{
		"code-editor": 120,
		"browser":     45,
	}

	p := Build("alice", "Alice", seconds, 0, 5*time.Minute, now, sysinfo.Info{Platform: "linux"})

	if got := p.Apps["code-editor"]; got != 2.0 {
		t.Fatalf("expected code-editor = 2.0 minutes, got %v", got)
	}
	if got := p.Apps["browser"]; got != 0.75 {
		t.Fatalf("expected browser = 0.75 minutes, got %v", got)
	}
	if p.TotalActiveTime != 2.75 {
		t.Fatalf("expected total 2.75 minutes, got %v", p.TotalActiveTime)
	}
	if p.IdleTime != 0 {
		t.Fatalf("expected zero idle time, got %v", p.IdleTime)
	}
	if p.Timestamp != "2025-03-14T09:30:00" {
		t.Fatalf("unexpected timestamp %q", p.Timestamp)
	}
	if p.Date != "2025-03-14" {
		t.Fatalf("unexpected date %q", p.Date)
	}
	if p.SyncID == "" {
		t.Fatal("expected a sync id")
	}
	for app := range p.Apps {
		if p.AppSyncInfo[app] != p.Timestamp {
			t.Fatalf("app_sync_info[%s] = %q, want %q", app, p.AppSyncInfo[app], p.Timestamp)
		}
	}
}

func TestBuildLegacyAliasMatchesApps(t *testing.T) {
	now := time.Now()
	p := Build("alice", "", map[string]int64{"slack": 90}, 0, 5*time.Minute, now, sysinfo.Info{})

	if len(p.AppUsage) != len(p.Apps) {
		t.Fatalf("app_usage has %d entries, apps has %d", len(p.AppUsage), len(p.Apps))
	}
	for app, minutes := range p.Apps {
		if p.AppUsage[app] != minutes {
			t.Fatalf("app_usage[%s] = %v, want %v", app, p.AppUsage[app], minutes)
		}
	}
}

func TestBuildReportsIdleOnlyPastThreshold(t *testing.T) {
	now := time.Now()
	threshold := 5 * time.Minute

	below := Build("alice", "", nil, threshold-time.Second, threshold, now, sysinfo.Info{})
	if below.IdleTime != 0 {
		t.Fatalf("idle below threshold should be 0, got %v", below.IdleTime)
	}

	above := Build("alice", "", nil, 6*time.Minute, threshold, now, sysinfo.Info{})
	if above.IdleTime != 6.0 {
		t.Fatalf("expected 6 idle minutes, got %v", above.IdleTime)
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	valid := Build("alice", "Alice", map[string]int64{"code": 60}, 0, 5*time.Minute, now, sysinfo.Info{})
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Payload)
	}{
		{"missing username", func(p *Payload) { p.Username = "" }},
		{"missing sync id", func(p *Payload) { p.SyncID = "" }},
		{"bad timestamp", func(p *Payload) { p.Timestamp = "not-a-time" }},
		{"bad date", func(p *Payload) { p.Date = "14-03-2025" }},
		{"nil apps", func(p *Payload) { p.Apps = nil }},
		{"negative minutes", func(p *Payload) { p.Apps = map[string]float64{"code": -1} }},
		{"negative idle", func(p *Payload) { p.IdleTime = -0.5 }},
		{"orphan sync info", func(p *Payload) { p.AppSyncInfo = map[string]string{"ghost": p.Timestamp} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Build("alice", "Alice", map[string]int64{"code": 60}, 0, 5*time.Minute, now, sysinfo.Info{})
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSecondsRoundTrip(t *testing.T) {
	for _, secs := range []int64{0, 1, 45, 60, 120, 3600} {
		if got := Seconds(Minutes(secs)); got != secs {
			t.Fatalf("round trip %d seconds -> %v minutes -> %d seconds", secs, Minutes(secs), got)
		}
	}
}
