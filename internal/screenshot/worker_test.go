package screenshot

import (
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeGrabber struct {
	frame atomic.Int32
	fail  atomic.Bool
}

func (g *fakeGrabber) Capture() (image.Image, error) {
	if g.fail.Load() {
		return nil, context.DeadlineExceeded
	}
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	shade := uint8(g.frame.Load())
	for i := 0; i < 4; i++ {
		img.Set(i, i, color.RGBA{R: shade, G: shade, B: shade, A: 255})
	}
	return img, nil
}

type uploadServer struct {
	srv     *httptest.Server
	uploads atomic.Int32
	fail    atomic.Bool

	mu     chan struct{}
	fields []map[string]string
}

func newUploadServer(t *testing.T) *uploadServer {
	t.Helper()
	u := &uploadServer{mu: make(chan struct{}, 1)}
	u.mu <- struct{}{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u.fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart form: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got := map[string]string{
			"username":  r.FormValue("username"),
			"timestamp": r.FormValue("timestamp"),
			"hash":      r.FormValue("hash"),
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("form file missing: %v", err)
		}
		<-u.mu
		u.fields = append(u.fields, got)
		u.mu <- struct{}{}
		u.uploads.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func newTestWorker(t *testing.T, u *uploadServer, tracking *atomic.Bool, skipUnchanged bool) (*Worker, *fakeGrabber) {
	t.Helper()
	g := &fakeGrabber{}
	w, err := NewWorker(Config{
		UploadURL:     u.srv.URL,
		Username:      "alice",
		Interval:      5 * time.Minute,
		RetryPenalty:  5 * time.Minute,
		Quality:       75,
		SkipUnchanged: skipUnchanged,
	}, g, tracking.Load, zerolog.Nop())
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	return w, g
}

func TestCaptureUploadsWhileTracking(t *testing.T) {
	u := newUploadServer(t)
	var tracking atomic.Bool
	tracking.Store(true)
	w, _ := newTestWorker(t, u, &tracking, false)

	now := time.Now()
	w.step(context.Background(), now)

	if got := u.uploads.Load(); got != 1 {
		t.Fatalf("expected 1 upload, got %d", got)
	}
	f := u.fields[0]
	if f["username"] != "alice" {
		t.Errorf("username field = %q", f["username"])
	}
	if f["hash"] == "" {
		t.Error("hash field missing")
	}
	if _, err := time.Parse("2006-01-02T15:04:05", f["timestamp"]); err != nil {
		t.Errorf("unparseable timestamp %q: %v", f["timestamp"], err)
	}
}

func TestNoCaptureWhilePaused(t *testing.T) {
	u := newUploadServer(t)
	var tracking atomic.Bool
	w, _ := newTestWorker(t, u, &tracking, false)

	now := time.Now()
	w.step(context.Background(), now)
	w.step(context.Background(), now.Add(10*time.Minute))

	if got := u.uploads.Load(); got != 0 {
		t.Fatalf("paused worker must not upload, got %d", got)
	}

	// Resuming tracking picks the schedule back up.
	tracking.Store(true)
	w.step(context.Background(), now.Add(11*time.Minute))
	if got := u.uploads.Load(); got != 1 {
		t.Fatalf("expected 1 upload after resume, got %d", got)
	}
}

func TestIntervalGatesNextCapture(t *testing.T) {
	u := newUploadServer(t)
	var tracking atomic.Bool
	tracking.Store(true)
	w, g := newTestWorker(t, u, &tracking, false)

	now := time.Now()
	w.step(context.Background(), now)
	g.frame.Add(1)
	w.step(context.Background(), now.Add(time.Minute))
	if got := u.uploads.Load(); got != 1 {
		t.Fatalf("second capture before the interval elapsed, got %d uploads", got)
	}

	w.step(context.Background(), now.Add(5*time.Minute))
	if got := u.uploads.Load(); got != 2 {
		t.Fatalf("expected 2 uploads after the interval, got %d", got)
	}
}

func TestFailureAppliesFlatPenalty(t *testing.T) {
	u := newUploadServer(t)
	var tracking atomic.Bool
	tracking.Store(true)
	w, _ := newTestWorker(t, u, &tracking, false)

	u.fail.Store(true)
	now := time.Now()
	w.step(context.Background(), now)
	if got := u.uploads.Load(); got != 0 {
		t.Fatalf("failing endpoint recorded %d uploads", got)
	}

	// Before the penalty elapses nothing fires, even with a healthy
	// endpoint again.
	u.fail.Store(false)
	w.step(context.Background(), now.Add(4*time.Minute))
	if got := u.uploads.Load(); got != 0 {
		t.Fatalf("capture fired inside the penalty window, got %d uploads", got)
	}

	w.step(context.Background(), now.Add(5*time.Minute))
	if got := u.uploads.Load(); got != 1 {
		t.Fatalf("expected 1 upload after the penalty, got %d", got)
	}
}

func TestUnchangedScreenSkipsUpload(t *testing.T) {
	u := newUploadServer(t)
	var tracking atomic.Bool
	tracking.Store(true)
	w, g := newTestWorker(t, u, &tracking, true)

	now := time.Now()
	w.step(context.Background(), now)
	w.step(context.Background(), now.Add(5*time.Minute))
	if got := u.uploads.Load(); got != 1 {
		t.Fatalf("identical frame must be skipped, got %d uploads", got)
	}

	// A changed frame uploads again.
	g.frame.Add(1)
	w.step(context.Background(), now.Add(10*time.Minute))
	if got := u.uploads.Load(); got != 2 {
		t.Fatalf("changed frame must upload, got %d uploads", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	u := newUploadServer(t)
	var tracking atomic.Bool
	w, _ := newTestWorker(t, u, &tracking, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
