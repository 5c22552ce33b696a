// Command server is the composition root for camwatch: it wires the
// ingest, processing, streaming, recording and status-API collaborators
// described in spec.md and starts the HTTP listener.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"camwatch/internal/config"
	"camwatch/internal/controller"
	"camwatch/internal/enhancer"
	"camwatch/internal/framebuffer"
	"camwatch/internal/ingest"
	"camwatch/internal/netmetrics"
	"camwatch/internal/observability/logging"
	"camwatch/internal/observability/metrics"
	"camwatch/internal/pqueue"
	"camwatch/internal/processor"
	"camwatch/internal/quality"
	"camwatch/internal/ratecontrol"
	"camwatch/internal/ratelog"
	"camwatch/internal/recorder"
	"camwatch/internal/server"
	"camwatch/internal/serverutil"
	"camwatch/internal/statusapi"
	"camwatch/internal/stream"
	"camwatch/internal/wsconn"
)

// periodic tick intervals for the recorder's background sweeps. These are
// not operator tunables (spec.md §6 only names segment/retention
// thresholds, not sweep cadence), so they stay as constants here.
const (
	autoSaveTickInterval  = 10 * time.Second
	mergeTickInterval     = 5 * time.Minute
	retentionTickInterval = time.Hour
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "camwatch:", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	met := metrics.Default()

	deps := wire(cfg, logger, met)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go deps.processor.Run(ctx)
	go deps.recorder.Run(ctx)

	stopAutoSave := startTickerWorker(ctx, logging.WithComponent(logger, "recorder-autosave"), "recorder-autosave", deps.recorder, autoSaveTickInterval)
	defer stopAutoSave()
	stopMerge := startTickerWorker(ctx, logging.WithComponent(logger, "recorder-merge"), "recorder-merge", deps.recorder.MergeTicker(), mergeTickInterval)
	defer stopMerge()
	stopRetention := startTickerWorker(ctx, logging.WithComponent(logger, "recorder-retention"), "recorder-retention", deps.recorder.RetentionTicker(), retentionTickInterval)
	defer stopRetention()

	wsHandler := newIngestHandler(deps.queue, met, ratelog.New(logging.WithComponent(logger, "ingest")))

	srv, err := server.New(server.Config{
		Addr:    cfg.Addr,
		WSPath:  cfg.WSPath,
		Logger:  logger,
		Metrics: met,
	}, wsHandler, deps.stream, deps.status)
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	certFile, keyFile := srv.TLSFiles()
	ready := make(chan struct{})

	logger.Info("camwatch listening", "addr", cfg.Addr, "ws_path", cfg.WSPath)
	if err := serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS:    serverutil.TLSConfig{CertFile: certFile, KeyFile: keyFile},
		Ready:  ready,
	}); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("camwatch stopped")
}

// camwatchDeps bundles the collaborators main needs a handle on after
// construction: to start their background loops, wire their periodic
// ticks, and hand them to server.New.
type camwatchDeps struct {
	queue     *pqueue.Queue
	processor *processor.Worker
	recorder  *recorder.Recorder
	stream    *stream.Server
	status    *statusapi.Server
}

// wire builds every domain collaborator described in spec.md §4 from cfg
// and connects them per spec §5's concurrency model: a bounded priority
// queue between ingest and the processor, the processor fanning out to the
// frame buffer, recorder and controller, and the streaming/status-API
// servers reading the same live state the processor publishes.
func wire(cfg config.Config, logger *slog.Logger, met *metrics.Recorder) camwatchDeps {
	queue := pqueue.New(cfg.BufferCapacity)
	buf := framebuffer.New(framebuffer.Config{
		Capacity:          cfg.BufferCapacity,
		MinBufferedFrames: cfg.MinBufferedFrames,
		BufferingDelay:    cfg.BufferingDelay,
		MaxBufferingTime:  cfg.MaxBufferingTime,
	})

	nominal := time.Second / 30
	if cfg.TargetFPS > 0 {
		nominal = time.Duration(float64(time.Second) / cfg.TargetFPS)
	}
	nm := netmetrics.New(netmetrics.Config{NominalInterval: nominal})

	ctl := controller.New(controller.Config{
		MinQuality: cfg.MinQuality,
		MaxQuality: cfg.MaxQuality,
		TargetFPS:  cfg.TargetFPS,
	})
	rc := ratecontrol.New(ratecontrol.Config{TargetFPS: cfg.TargetFPS, MinFPS: cfg.MinFPS})
	enh := enhancer.New(quality.Score)

	pipelineLog := ratelog.New(logging.WithComponent(logger, "pipeline"))

	rec := recorder.New(recorder.Config{
		Root:          cfg.RecordingsRoot,
		RecordingFPS:  int(cfg.RecordingFPS),
		RetentionDays: cfg.RetentionDays,
		SegmentConfig: recorder.SegmentConfig{
			MinFramesPerSegment:         cfg.MinFramesPerSegment,
			MinSegmentDuration:          cfg.MinSegmentDuration,
			TargetSegmentDuration:       cfg.TargetSegmentDuration,
			MaxSegmentDuration:          cfg.MaxSegmentDuration,
			AbsoluteMinSegmentSizeBytes: cfg.AbsoluteMinSegmentSizeBytes,
		},
	}, pipelineLog, met)

	worker := processor.New(processor.Config{
		Queue:      queue,
		Buffer:     buf,
		Enhancer:   enh,
		Controller: ctl,
		NetMetrics: nm,
		Recorder:   rec,
		Log:        pipelineLog,
	})

	streamSrv := stream.New(buf, ctl, nm, rc, met, cfg.MinFPS, worker.CurrentFPS)
	statusSrv := statusapi.New(ctl, rc, nm, buf, met, rec, worker, pipelineLog)

	return camwatchDeps{
		queue:     queue,
		processor: worker,
		recorder:  rec,
		stream:    streamSrv,
		status:    statusSrv,
	}
}

// newIngestHandler returns the /ws upgrade handler. A fresh ingest.Admitter
// is constructed per WebSocket connection so its per-session sequence
// counter restarts at 1 on reconnect (spec §4.1 "Reconnect semantics").
func newIngestHandler(queue *pqueue.Queue, met *metrics.Recorder, log *ratelog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsconn.Accept(w, r)
		if err != nil {
			http.Error(w, "websocket upgrade required", http.StatusBadRequest)
			return
		}
		defer conn.Close()

		admitter := ingest.New(queue, met, log)
		ctx := r.Context()
		for {
			payload, err := conn.ReadBinary(ctx)
			if err != nil {
				return
			}
			admitter.Admit(ctx, payload, time.Now())
		}
	}
}
