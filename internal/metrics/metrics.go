// Package metrics exposes the agent's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Tick loop metrics
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackd_ticks_total",
			Help: "Main loop ticks processed",
		},
	)

	ActiveSecondsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackd_active_seconds_total",
			Help: "Seconds attributed to foreground applications",
		},
	)

	IdleSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackd_idle_seconds",
			Help: "Current idle duration in seconds",
		},
	)

	TrackingEnabled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackd_tracking_enabled",
			Help: "Whether live-session tracking is currently enabled (0 or 1)",
		},
	)

	// Sync metrics
	SyncAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackd_sync_attempts_total",
			Help: "Activity sync outcomes",
		},
		[]string{"result"},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trackd_sync_duration_seconds",
			Help:    "Activity sync duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	CachedPayloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackd_cached_payloads_total",
			Help: "Payloads written to the offline cache",
		},
	)

	// Membership metrics
	StatusPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackd_status_polls_total",
			Help: "Session-status poll outcomes",
		},
		[]string{"result"},
	)

	// Screenshot metrics
	ScreenshotUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackd_screenshot_uploads_total",
			Help: "Screenshot upload outcomes",
		},
		[]string{"result"},
	)

	// Rollover metrics
	DayRolloversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trackd_day_rollovers_total",
			Help: "Local-date rollovers handled",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		ActiveSecondsTotal,
		IdleSeconds,
		TrackingEnabled,
		SyncAttemptsTotal,
		SyncDuration,
		CachedPayloadsTotal,
		StatusPollsTotal,
		ScreenshotUploadsTotal,
		DayRolloversTotal,
	)
}

// Server is the metrics HTTP server. It binds to localhost by default;
// the agent exposes nothing else.
type Server struct {
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a new metrics server.
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start starts the metrics server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
