//go:build linux

package appwatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// linuxSampler resolves the focused window's owning process via xdotool
// and reads its command name from /proc.
type linuxSampler struct {
	logger     zerolog.Logger
	warnedOnce bool
}

func newPlatformSampler(logger zerolog.Logger) Sampler {
	return &linuxSampler{logger: logger.With().Str("component", "app-sampler").Logger()}
}

func (s *linuxSampler) AppID(ctx context.Context) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	pidOut, err := exec.CommandContext(ctx, "xdotool", "getactivewindow", "getwindowpid").Output()
	if err != nil {
		s.warn(err)
		return "", false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidOut)))
	if err != nil {
		s.warn(fmt.Errorf("parse window pid: %w", err))
		return "", false
	}

	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		s.warn(err)
		return "", false
	}

	id := normalizeAppID(string(comm))
	if id == "" {
		return "", false
	}
	return id, true
}

func (s *linuxSampler) warn(err error) {
	if s.warnedOnce {
		return
	}
	s.warnedOnce = true
	s.logger.Warn().Err(err).Msg("Could not detect foreground window")
}
