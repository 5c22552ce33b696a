// Package processor runs the single long-lived worker that drains the
// priority queue, enhances and scores each frame, publishes it to the
// frame buffer and recorder, and ticks the adaptive controller (spec
// §4.9 "Processor worker").
package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"camwatch/internal/camframe"
	"camwatch/internal/controller"
	"camwatch/internal/enhancer"
	"camwatch/internal/framebuffer"
	"camwatch/internal/netmetrics"
	"camwatch/internal/pqueue"
	"camwatch/internal/quality"
	"camwatch/internal/ratelog"
)

// Sink receives every processed envelope for durable recording. Handoff
// must never block the processor (spec §9 "recorder... other tasks submit
// frames via channels"); implementations should buffer or drop internally.
type Sink interface {
	Submit(camframe.Envelope)
}

// Config wires the processor to its collaborators.
type Config struct {
	Queue      *pqueue.Queue
	Buffer     *framebuffer.Buffer
	Enhancer   *enhancer.Enhancer
	Controller *controller.Controller
	NetMetrics *netmetrics.Metrics
	Recorder   Sink
	Log        *ratelog.Logger
}

// Worker is the processor loop described in spec §4.9.
type Worker struct {
	cfg Config

	latest      atomic.Pointer[camframe.Envelope]
	lastEnhance atomic.Pointer[enhancer.Result]

	mu             sync.Mutex
	lastProcessed  time.Time
	fpsEstimate    float64
	fpsInitialized bool
}

// New constructs a Worker from cfg.
func New(cfg Config) *Worker {
	return &Worker{cfg: cfg}
}

// LatestFrame returns the most recently processed envelope, or false if
// none has been processed yet. This is the sole accessor readers (stream,
// status API) use for latest_frame (spec §4.9, §5 "Shared state").
func (w *Worker) LatestFrame() (camframe.Envelope, bool) {
	p := w.latest.Load()
	if p == nil {
		return camframe.Envelope{}, false
	}
	return *p, true
}

// CurrentFPS returns the worker's smoothed estimate of processed frames per
// second.
func (w *Worker) CurrentFPS() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fpsEstimate
}

// LastEnhancement returns the most recent enhancer result (mode,
// processing_time, quality_improvement), or false if no frame has been
// enhanced yet (spec §4.5 "must report mode, processing_time, and a
// quality-improvement score").
func (w *Worker) LastEnhancement() (enhancer.Result, bool) {
	p := w.lastEnhance.Load()
	if p == nil {
		return enhancer.Result{}, false
	}
	return *p, true
}

// Run drains the queue until ctx is cancelled. It never returns an error:
// all per-frame failures are absorbed per the spec's "never fail admission"
// error-handling policy (spec §7).
func (w *Worker) Run(ctx context.Context) {
	for {
		env, ok := w.cfg.Queue.Pop(ctx)
		if !ok {
			return
		}
		w.processOne(env)
		w.sleepAdaptively(ctx)
	}
}

func (w *Worker) processOne(env camframe.Envelope) {
	mode := enhancer.Mode("")
	if w.cfg.Controller != nil {
		mode = enhancer.Mode(w.cfg.Controller.ForcedMode())
	}

	enhanced := env.Image
	if w.cfg.Enhancer != nil {
		out, result := w.cfg.Enhancer.Enhance(env.Image, mode)
		if out != nil {
			enhanced = out
		}
		w.lastEnhance.Store(&result)
	}

	score := quality.FallbackScore
	if enhanced != nil {
		score = quality.Score(enhanced)
	}
	env = env.WithImage(enhanced)
	env.Quality = score

	w.latest.Store(&env)

	if w.cfg.Buffer != nil {
		w.cfg.Buffer.Add(env)
	}
	if w.cfg.Recorder != nil {
		w.cfg.Recorder.Submit(env)
	}

	interval := w.recordInterval(env.Timestamp)
	if w.cfg.NetMetrics != nil {
		w.cfg.NetMetrics.Update(env.NetworkDelay, interval, env.ByteSize)
	}

	if w.cfg.Controller != nil {
		jitterMs := 0.0
		congestion := 0.0
		if w.cfg.NetMetrics != nil {
			jitterMs = w.cfg.NetMetrics.Jitter()
			congestion = w.cfg.NetMetrics.Congestion()
		}
		util := 0.0
		if w.cfg.Buffer != nil {
			util = w.cfg.Buffer.Utilization()
		}
		w.cfg.Controller.Tick(controller.Inputs{
			CurrentFPS: w.CurrentFPS(),
			BufferUtil: util,
			Jitter:     jitterMs,
			Congestion: congestion,
		})
	}
}

func (w *Worker) recordInterval(timestamp time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	var interval time.Duration
	if !w.lastProcessed.IsZero() {
		interval = timestamp.Sub(w.lastProcessed)
	}
	w.lastProcessed = timestamp

	if interval > 0 {
		instantFPS := 1.0 / interval.Seconds()
		if !w.fpsInitialized {
			w.fpsEstimate = instantFPS
			w.fpsInitialized = true
		} else {
			const alpha = 0.2
			w.fpsEstimate = alpha*instantFPS + (1-alpha)*w.fpsEstimate
		}
	}
	return interval
}

func (w *Worker) sleepAdaptively(ctx context.Context) {
	util := 0.0
	if w.cfg.Buffer != nil {
		util = w.cfg.Buffer.Utilization()
	}
	delay := time.Millisecond
	if util > 0.8 {
		delay = 500 * time.Microsecond
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
