//go:build darwin

package appwatch

import (
	"context"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

const frontmostScript = `tell application "System Events" to get name of first application process whose frontmost is true`

// darwinSampler asks System Events for the frontmost application.
type darwinSampler struct {
	logger     zerolog.Logger
	warnedOnce bool
}

func newPlatformSampler(logger zerolog.Logger) Sampler {
	return &darwinSampler{logger: logger.With().Str("component", "app-sampler").Logger()}
}

func (s *darwinSampler) AppID(ctx context.Context) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "osascript", "-e", frontmostScript).Output()
	if err != nil {
		if !s.warnedOnce {
			s.warnedOnce = true
			s.logger.Warn().Err(err).Msg("Could not detect foreground application")
		}
		return "", false
	}

	id := normalizeAppID(string(out))
	if id == "" {
		return "", false
	}
	return id, true
}
