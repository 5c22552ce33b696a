// Package stream implements the per-viewer multipart-JPEG streaming
// endpoint and the single-frame snapshot endpoint (spec §4.10).
package stream

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"

	"camwatch/internal/controller"
	"camwatch/internal/framebuffer"
	"camwatch/internal/netmetrics"
	"camwatch/internal/observability/metrics"
	"camwatch/internal/ratecontrol"
)

const (
	boundary = "frame"

	// maxEmptyFrames is the number of consecutive buffer underruns after
	// which the endpoint backs off to a longer keep-alive sleep (spec §4.10
	// "after max_empty_frames consecutive nulls, sleep longer").
	maxEmptyFrames = 10

	emptyFrameSleep     = 50 * time.Millisecond
	emptyFrameLongSleep = 250 * time.Millisecond

	// jitterThresholdMs is the jitter level above which effective quality is
	// lowered further (spec §4.10 "jitter > threshold").
	jitterThresholdMs = 80.0
	qualityFloor      = 20

	// device_factor is a neutral multiplier: this deployment targets a
	// single software decoder with no per-device throttling profile.
	// buffering_factor is 1.0 except for a mild 1.2 slow-down while buffer
	// utilization is below 0.1 (see targetInterval), since buffer starvation
	// is already reflected in the compensation factor the controller
	// publishes.
	deviceFactor = 1.0
)

// Server exposes the buffered frame stream to viewers.
type Server struct {
	Buffer         *framebuffer.Buffer
	Controller     *controller.Controller
	NetMetrics     *netmetrics.Metrics
	RateController *ratecontrol.Controller
	Metrics        *metrics.Recorder
	MinFPS         float64

	// FPSProvider reports the processor's current smoothed FPS estimate
	// (processor.Worker.CurrentFPS). Defaults to a constant 0 if unset.
	FPSProvider func() float64

	keepAliveJPEG []byte

	// encodeSem bounds the number of per-viewer JPEG re-encodes running at
	// once, service-wide, so a burst of simultaneous viewers can't starve
	// the ingest/processor goroutines of CPU.
	encodeSem *semaphore.Weighted
}

// New constructs a streaming Server, pre-rendering the keep-alive JPEG used
// during buffer underruns.
func New(buf *framebuffer.Buffer, ctl *controller.Controller, nm *netmetrics.Metrics, rc *ratecontrol.Controller, met *metrics.Recorder, minFPS float64, fpsProvider func() float64) *Server {
	if met == nil {
		met = metrics.Default()
	}
	if fpsProvider == nil {
		fpsProvider = func() float64 { return 0 }
	}
	concurrency := runtime.GOMAXPROCS(0)
	if concurrency < 1 {
		concurrency = 1
	}
	return &Server{
		Buffer:         buf,
		Controller:     ctl,
		NetMetrics:     nm,
		RateController: rc,
		Metrics:        met,
		MinFPS:         minFPS,
		FPSProvider:    fpsProvider,
		keepAliveJPEG:  renderKeepAliveJPEG(),
		encodeSem:      semaphore.NewWeighted(int64(concurrency)),
	}
}

func renderKeepAliveJPEG() []byte {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		img.Pix[i] = 16
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 50})
	return buf.Bytes()
}

func setStreamHeaders(w http.ResponseWriter, out controller.Outputs, fps float64, jitter float64, bufUtil float64) {
	h := w.Header()
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("X-FPS", fmt.Sprintf("%.2f", fps))
	h.Set("X-Frame-Quality", fmt.Sprintf("%.0f", out.Quality))
	h.Set("X-Compensation-Factor", fmt.Sprintf("%.3f", out.Compensation))
	h.Set("X-Buffer-Utilization", fmt.Sprintf("%.3f", bufUtil))
	h.Set("X-Network-Jitter", fmt.Sprintf("%.3f", jitter))
	h.Set("X-System-State", string(out.State))
}

// ServeVideoFeed implements GET /esp32_video_feed: a multipart/x-mixed-replace
// live stream that waits for the buffering gate, then loops emitting the
// best-available frame (or a keep-alive) until the client disconnects.
func (s *Server) ServeVideoFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	out := s.Controller.Snapshot()
	setStreamHeaders(w, out, s.currentFPS(), s.jitterSeconds()*1000, s.Buffer.Utilization())
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.Metrics != nil {
		s.Metrics.ViewerConnected()
		defer s.Metrics.ViewerDisconnected()
	}

	ctx := r.Context()
	if !s.awaitBuffering(ctx) {
		return
	}

	emptyStreak := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		env, ok := s.Buffer.TakeBest()
		var payload []byte
		if !ok {
			emptyStreak++
			payload = s.keepAliveJPEG
		} else {
			emptyStreak = 0
			out = s.Controller.Snapshot()
			quality := s.effectiveQuality(out)
			encoded, err := s.encode(ctx, env.Image, quality)
			if err != nil {
				payload = s.keepAliveJPEG
			} else {
				payload = encoded
			}
		}

		if _, werr := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", boundary); werr != nil {
			return
		}
		if _, werr := w.Write(payload); werr != nil {
			return
		}
		if _, werr := io.WriteString(w, "\r\n"); werr != nil {
			return
		}
		flusher.Flush()

		if !ok {
			sleep := emptyFrameSleep
			if emptyStreak > maxEmptyFrames {
				sleep = emptyFrameLongSleep
			}
			if !sleepOrDone(ctx, sleep) {
				return
			}
			continue
		}

		interval := s.targetInterval(out)
		elapsed := time.Since(start)
		remaining := interval - elapsed
		if remaining > 0 && !sleepOrDone(ctx, remaining) {
			return
		}
	}
}

// ServeFrame implements GET /esp32_frame: a single current JPEG, or 503 if
// none is available yet.
func (s *Server) ServeFrame(w http.ResponseWriter, r *http.Request) {
	env, ok := s.Buffer.TakeBest()
	if !ok {
		http.Error(w, "no frame available", http.StatusServiceUnavailable)
		return
	}
	out := s.Controller.Snapshot()
	payload, err := s.encode(r.Context(), env.Image, s.effectiveQuality(out))
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	setStreamHeaders(w, out, s.currentFPS(), s.jitterSeconds()*1000, s.Buffer.Utilization())
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) awaitBuffering(ctx context.Context) bool {
	for {
		if s.Buffer.ShouldStartStreaming(time.Now()) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Server) currentFPS() float64 {
	return s.FPSProvider()
}

func (s *Server) jitterSeconds() float64 {
	if s.NetMetrics == nil {
		return 0
	}
	return s.NetMetrics.Jitter() / 1000.0
}

// effectiveQuality lowers the controller's published quality by 10 when
// jitter exceeds jitterThresholdMs and by 15 when buffer utilization is above
// 0.9, then clamps it to [qualityFloor, 100]. The current FPS is not taken
// into account.
func (s *Server) effectiveQuality(out controller.Outputs) int {
	q := out.Quality

	jitterMs := 0.0
	if s.NetMetrics != nil {
		jitterMs = s.NetMetrics.Jitter()
	}
	if jitterMs > jitterThresholdMs {
		q -= 10
	}

	bufUtil := 0.0
	if s.Buffer != nil {
		bufUtil = s.Buffer.Utilization()
	}
	if bufUtil > 0.9 {
		q -= 15
	}

	if q < qualityFloor {
		q = qualityFloor
	}
	if q > 100 {
		q = 100
	}
	return int(q)
}

// targetInterval computes the pacing interval for the next emission (spec
// §4.10 "target interval = optimal_interval × compensation × device_factor
// × buffering_factor, clamped to 1/min_fps").
func (s *Server) targetInterval(out controller.Outputs) time.Duration {
	if s.RateController == nil {
		return time.Second / 30
	}
	bufUtil := 0.0
	if s.Buffer != nil {
		bufUtil = s.Buffer.Utilization()
	}
	bufferingFactor := 1.0
	if bufUtil < 0.1 {
		bufferingFactor = 1.2
	}

	base := s.RateController.OptimalInterval(s.jitterSeconds(), bufUtil, s.currentFPS())
	interval := time.Duration(float64(base) * out.Compensation * deviceFactor * bufferingFactor)

	if s.MinFPS > 0 {
		maxInterval := time.Duration(float64(time.Second) / s.MinFPS)
		if interval > maxInterval {
			interval = maxInterval
		}
	}
	return interval
}

// encode re-encodes img as a JPEG at quality, acquiring encodeSem first so
// concurrent viewers never push unbounded re-encode work onto the CPU at
// once. If ctx is cancelled while waiting it returns ctx's error without
// encoding, letting the caller's own error handling take over.
func (s *Server) encode(ctx context.Context, img *image.NRGBA, quality int) ([]byte, error) {
	if s.encodeSem == nil {
		return encodeJPEG(img, quality)
	}
	if err := s.encodeSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.encodeSem.Release(1)
	return encodeJPEG(img, quality)
}

func encodeJPEG(img *image.NRGBA, quality int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("stream: nil frame")
	}
	opts := &jpeg.Options{Quality: clampQuality(quality)}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
