package stream

import (
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"camwatch/internal/camframe"
	"camwatch/internal/controller"
	"camwatch/internal/framebuffer"
	"camwatch/internal/netmetrics"
	"camwatch/internal/ratecontrol"
)

func testEnvelope(seq uint64) camframe.Envelope {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 120
	}
	return camframe.NewEnvelope(img, time.Now(), seq, 5*time.Millisecond, 80, 1000, "cam1")
}

func newTestServer(fps float64) (*Server, *framebuffer.Buffer) {
	buf := framebuffer.New(framebuffer.Config{})
	ctl := controller.New(controller.Config{})
	nm := netmetrics.New(netmetrics.Config{})
	rc := ratecontrol.New(ratecontrol.Config{})
	s := New(buf, ctl, nm, rc, nil, 1, func() float64 { return fps })
	return s, buf
}

func TestNewDefaultsFPSProviderWhenNil(t *testing.T) {
	buf := framebuffer.New(framebuffer.Config{})
	ctl := controller.New(controller.Config{})
	nm := netmetrics.New(netmetrics.Config{})
	rc := ratecontrol.New(ratecontrol.Config{})
	s := New(buf, ctl, nm, rc, nil, 1, nil)
	if s.currentFPS() != 0 {
		t.Fatalf("expected default FPS provider to report 0, got %f", s.currentFPS())
	}
}

func TestServeFrameReturnsServiceUnavailableWhenEmpty(t *testing.T) {
	s, _ := newTestServer(30)
	req := httptest.NewRequest(http.MethodGet, "/esp32_frame", nil)
	w := httptest.NewRecorder()
	s.ServeFrame(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no buffered frame, got %d", w.Code)
	}
}

func TestServeFrameReturnsJPEGWithDiagnosticHeaders(t *testing.T) {
	s, buf := newTestServer(30)
	buf.Add(testEnvelope(1))

	req := httptest.NewRequest(http.MethodGet, "/esp32_frame", nil)
	w := httptest.NewRecorder()
	s.ServeFrame(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("expected image/jpeg content type, got %q", ct)
	}
	for _, h := range []string{"X-FPS", "X-Frame-Quality", "X-Compensation-Factor", "X-Buffer-Utilization", "X-Network-Jitter", "X-System-State"} {
		if w.Header().Get(h) == "" {
			t.Fatalf("expected diagnostic header %s to be set", h)
		}
	}
	if w.Header().Get("Cache-Control") != "no-cache, no-store, must-revalidate" {
		t.Fatal("expected no-cache directives on frame response")
	}
	if w.Body.Len() == 0 {
		t.Fatal("expected a non-empty JPEG body")
	}
}

func TestEffectiveQualityAppliesFloorUnderHighJitter(t *testing.T) {
	s, _ := newTestServer(30)
	out := controller.Outputs{Quality: 25}
	s.NetMetrics.Update(200*time.Millisecond, 33*time.Millisecond, 1000)
	s.NetMetrics.Update(5*time.Millisecond, 33*time.Millisecond, 1000)
	q := s.effectiveQuality(out)
	if q < qualityFloor {
		t.Fatalf("expected quality clamped at floor %d, got %d", qualityFloor, q)
	}
	if q > int(out.Quality) {
		t.Fatalf("expected effective quality never to exceed controller quality, got %d > %d", q, int(out.Quality))
	}
}

func TestTargetIntervalClampedToMinFPS(t *testing.T) {
	s, _ := newTestServer(30)
	s.MinFPS = 10
	out := controller.Outputs{Compensation: 1.0}
	interval := s.targetInterval(out)
	maxInterval := time.Second / 10
	if interval > maxInterval {
		t.Fatalf("expected interval clamped to 1/MinFPS = %v, got %v", maxInterval, interval)
	}
}

func TestServeVideoFeedEmitsMultipartBoundaryAndHeaders(t *testing.T) {
	buf := framebuffer.New(framebuffer.Config{MinBufferedFrames: 1, BufferingDelay: time.Millisecond, MaxBufferingTime: time.Millisecond})
	ctl := controller.New(controller.Config{})
	nm := netmetrics.New(netmetrics.Config{})
	rc := ratecontrol.New(ratecontrol.Config{})
	s := New(buf, ctl, nm, rc, nil, 30, func() float64 { return 30 })
	buf.Add(testEnvelope(1))
	time.Sleep(5 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/esp32_video_feed", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 80*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	s.ServeVideoFeed(w, req)

	ct := w.Header().Get("Content-Type")
	if !strings.Contains(ct, "multipart/x-mixed-replace") || !strings.Contains(ct, "boundary="+boundary) {
		t.Fatalf("expected multipart boundary content type, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "--"+boundary) {
		t.Fatal("expected at least one boundary-delimited chunk in the response body")
	}
}
