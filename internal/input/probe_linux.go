//go:build linux

package input

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// linuxProbe shells out to xprintidle, which reports the X11 idle time in
// milliseconds.
type linuxProbe struct{}

// NewProbe returns the platform idle probe.
func NewProbe() Probe {
	return &linuxProbe{}
}

func (p *linuxProbe) IdleTime(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "xprintidle").Output()
	if err != nil {
		return 0, fmt.Errorf("xprintidle: %w", err)
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse xprintidle output: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
