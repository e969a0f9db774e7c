package screenshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/kryptomind/trackd/internal/activity"
	"github.com/kryptomind/trackd/internal/metrics"
)

// recentDigests bounds the skip-unchanged memory. A static desktop cycles
// through very few distinct frames.
const recentDigests = 16

// Config configures the screenshot worker.
type Config struct {
	UploadURL string
	Username  string
	// Interval is the normal capture cadence.
	Interval time.Duration
	// RetryPenalty is the fixed wait applied after a failed capture or
	// upload. Deliberately not exponential: screenshots are best-effort
	// and a flat penalty keeps the schedule predictable.
	RetryPenalty time.Duration
	// Quality is the JPEG quality, 1 to 100.
	Quality int
	// SkipUnchanged drops captures whose digest matches a recent upload.
	SkipUnchanged bool
	Timeout       time.Duration
}

// Worker runs the capture loop. It shares nothing with the activity
// pipeline except the tracking gate; a wedged upload can never delay an
// activity sync.
type Worker struct {
	cfg      Config
	grabber  Grabber
	client   *http.Client
	tracking func() bool
	seen     *lru.Cache[string, struct{}]
	logger   zerolog.Logger

	next time.Time
}

// NewWorker creates a worker. tracking gates every capture; it is read at
// the moment a capture is due.
func NewWorker(cfg Config, grabber Grabber, tracking func() bool, logger zerolog.Logger) (*Worker, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RetryPenalty <= 0 {
		cfg.RetryPenalty = 5 * time.Minute
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		cfg.Quality = 75
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	seen, err := lru.New[string, struct{}](recentDigests)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:      cfg,
		grabber:  grabber,
		client:   &http.Client{Timeout: cfg.Timeout},
		tracking: tracking,
		seen:     seen,
		logger:   logger.With().Str("component", "screenshot").Logger(),
	}, nil
}

// Run loops until ctx is cancelled. The one-second granularity bounds how
// long shutdown can lag behind the cancel.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug().Msg("Screenshot worker stopped")
			return
		case now := <-ticker.C:
			w.step(ctx, now)
		}
	}
}

// step runs one scheduling decision. A failure pushes the next attempt out
// by the flat penalty; a success or skip resumes the normal cadence.
func (w *Worker) step(ctx context.Context, now time.Time) {
	if now.Before(w.next) {
		return
	}
	if !w.tracking() {
		return
	}

	if err := w.captureAndUpload(ctx, now); err != nil {
		metrics.ScreenshotUploadsTotal.WithLabelValues("failure").Inc()
		w.logger.Warn().
			Err(err).
			Dur("retry_in", w.cfg.RetryPenalty).
			Msg("Screenshot cycle failed")
		w.next = now.Add(w.cfg.RetryPenalty)
		return
	}
	w.next = now.Add(w.cfg.Interval)
}

func (w *Worker) captureAndUpload(ctx context.Context, now time.Time) error {
	img, err := w.grabber.Capture()
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	data, digest, err := encode(img, w.cfg.Quality)
	if err != nil {
		return err
	}

	if w.cfg.SkipUnchanged && w.seen.Contains(digest) {
		metrics.ScreenshotUploadsTotal.WithLabelValues("skipped").Inc()
		w.logger.Debug().Str("digest", digest[:12]).Msg("Screen unchanged, skipping upload")
		return nil
	}

	if err := w.upload(ctx, data, digest, now); err != nil {
		return err
	}

	w.seen.Add(digest, struct{}{})
	metrics.ScreenshotUploadsTotal.WithLabelValues("success").Inc()
	w.logger.Debug().Int("bytes", len(data)).Msg("Screenshot uploaded")
	return nil
}

func (w *Worker) upload(ctx context.Context, data []byte, digest string, now time.Time) error {
	body, contentType, err := buildForm(data, digest, w.cfg.Username, now)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.UploadURL, body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func buildForm(data []byte, digest, username string, now time.Time) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	// Filename doubles as the collector's object key.
	name := fmt.Sprintf("%s/%s.jpg", username, now.UTC().Format("2006-01-02/15-04-05"))
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	fields := map[string]string{
		"username":  username,
		"timestamp": now.UTC().Format(activity.TimestampLayout),
		"hash":      digest,
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
