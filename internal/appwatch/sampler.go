// Package appwatch resolves the currently focused application.
package appwatch

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Sampler returns the identifier of the foreground application. It never
// fails hard: ok=false means "no attribution this tick" and the caller
// simply skips the tick.
type Sampler interface {
	AppID(ctx context.Context) (id string, ok bool)
}

// NewSampler returns the platform sampler wrapped with focus-change
// logging.
func NewSampler(logger zerolog.Logger) Sampler {
	return &changeLogger{
		inner:  newPlatformSampler(logger),
		logger: logger.With().Str("component", "app-sampler").Logger(),
	}
}

// changeLogger logs only when the foreground application changes, so the
// 1 Hz sampling cadence does not flood the log.
type changeLogger struct {
	inner   Sampler
	lastApp string
	logger  zerolog.Logger
}

func (c *changeLogger) AppID(ctx context.Context) (string, bool) {
	id, ok := c.inner.AppID(ctx)
	if !ok {
		return "", false
	}
	if id != c.lastApp {
		c.logger.Debug().Str("app", id).Msg("Foreground application changed")
		c.lastApp = id
	}
	return id, true
}

func normalizeAppID(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
