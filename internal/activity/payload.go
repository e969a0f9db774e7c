// Package activity defines the wire format exchanged with the collector.
//
// The canonical internal unit everywhere else in the agent is seconds;
// minutes (rounded to two decimals) exist only here, at the serialization
// boundary.
package activity

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kryptomind/trackd/internal/sysinfo"
)

const (
	// TimestampLayout is the UTC timestamp format the collector accepts.
	TimestampLayout = "2006-01-02T15:04:05"

	// DateLayout is the local calendar date tag.
	DateLayout = "2006-01-02"
)

// Payload is one immutable activity sync. Apps and AppUsage carry the same
// per-app minute map; app_usage is the legacy field name older collector
// versions read.
type Payload struct {
	SyncID          string             `json:"sync_id"`
	Username        string             `json:"username"`
	DisplayName     string             `json:"display_name"`
	Apps            map[string]float64 `json:"apps"`
	AppUsage        map[string]float64 `json:"app_usage"`
	Timestamp       string             `json:"timestamp"`
	Date            string             `json:"date"`
	AppSyncInfo     map[string]string  `json:"app_sync_info"`
	IdleTime        float64            `json:"idle_time"`
	TotalActiveTime float64            `json:"total_active_time"`
	SystemInfo      sysinfo.Info       `json:"system_info"`
}

// Build converts an accumulator snapshot (seconds per app) into a payload.
// idle is reported in minutes only when it crossed the threshold; below the
// threshold the user counts as active and idle time is zero.
func Build(username, displayName string, seconds map[string]int64, idle, idleThreshold time.Duration, now time.Time, info sysinfo.Info) Payload {
	apps := make(map[string]float64, len(seconds))
	syncInfo := make(map[string]string, len(seconds))
	timestamp := now.UTC().Format(TimestampLayout)

	var total float64
	for app, secs := range seconds {
		minutes := Minutes(secs)
		apps[app] = minutes
		syncInfo[app] = timestamp
		total += minutes
	}

	var idleMinutes float64
	if idleThreshold > 0 && idle >= idleThreshold {
		idleMinutes = round2(idle.Seconds() / 60)
	}

	return Payload{
		SyncID:          uuid.NewString(),
		Username:        username,
		DisplayName:     displayName,
		Apps:            apps,
		AppUsage:        apps,
		Timestamp:       timestamp,
		Date:            now.Format(DateLayout),
		AppSyncInfo:     syncInfo,
		IdleTime:        idleMinutes,
		TotalActiveTime: round2(total),
		SystemInfo:      info,
	}
}

// Validate is the pre-flight check run before a payload may leave the
// machine. A payload that fails here is cached for inspection, never sent.
func (p Payload) Validate() error {
	if p.Username == "" {
		return fmt.Errorf("payload missing username")
	}
	if p.SyncID == "" {
		return fmt.Errorf("payload missing sync_id")
	}
	if _, err := time.Parse(TimestampLayout, p.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", p.Timestamp, err)
	}
	if _, err := time.Parse(DateLayout, p.Date); err != nil {
		return fmt.Errorf("invalid date %q: %w", p.Date, err)
	}
	if p.Apps == nil {
		return fmt.Errorf("payload missing app map")
	}
	for app, minutes := range p.Apps {
		if app == "" {
			return fmt.Errorf("payload contains empty app id")
		}
		if minutes < 0 || math.IsNaN(minutes) || math.IsInf(minutes, 0) {
			return fmt.Errorf("invalid minutes %v for app %q", minutes, app)
		}
	}
	if p.IdleTime < 0 {
		return fmt.Errorf("negative idle time %v", p.IdleTime)
	}
	if p.TotalActiveTime < 0 {
		return fmt.Errorf("negative total active time %v", p.TotalActiveTime)
	}
	for app := range p.AppSyncInfo {
		if _, ok := p.Apps[app]; !ok {
			return fmt.Errorf("app_sync_info references unknown app %q", app)
		}
	}
	return nil
}

// Minutes converts accumulated seconds to wire minutes (two decimals).
func Minutes(seconds int64) float64 {
	return round2(float64(seconds) / 60)
}

// Seconds converts wire minutes back to whole seconds. Used when a cached
// payload from a previous run is folded back into the live accumulator.
func Seconds(minutes float64) int64 {
	return int64(math.Round(minutes * 60))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
