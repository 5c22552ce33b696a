package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"camwatch/internal/camtest"
	"camwatch/internal/config"
	"camwatch/internal/ingest"
	"camwatch/internal/observability/metrics"
	"camwatch/internal/ratelog"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load([]string{"-recordings-root=" + t.TempDir()})
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWireBuildsConnectedDependencies(t *testing.T) {
	deps := wire(testConfig(t), discardLogger(), metrics.New())

	if deps.queue == nil || deps.processor == nil || deps.recorder == nil || deps.stream == nil || deps.status == nil {
		t.Fatal("expected wire to populate every dependency")
	}

	if _, ok := deps.processor.LatestFrame(); ok {
		t.Fatal("expected a freshly wired processor to report no frame yet")
	}
}

// TestWiredPipelineProcessesAFrame drives a synthetic frame through the
// same ingest -> processor -> buffer/recorder path cmd/server's /ws handler
// uses, without a real camera or WebSocket connection.
func TestWiredPipelineProcessesAFrame(t *testing.T) {
	cfg := testConfig(t)
	met := metrics.New()
	deps := wire(cfg, discardLogger(), met)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go deps.processor.Run(ctx)
	go deps.recorder.Run(ctx)

	admitter := ingest.New(deps.queue, met, ratelog.New(discardLogger()))
	producer := camtest.NewProducer(64, 48, 75)
	payload, _ := producer.NextFrame()
	admitter.Admit(ctx, payload, time.Now())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := deps.processor.LatestFrame(); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the processor to publish a latest frame within the deadline")
}

// TestNewIngestHandlerRejectsNonWebSocketRequests asserts the /ws handler
// fails the upgrade before ever constructing a per-connection admitter, so
// a nil logger here is safe: it's never dereferenced on this path.
func TestNewIngestHandlerRejectsNonWebSocketRequests(t *testing.T) {
	deps := wire(testConfig(t), discardLogger(), metrics.New())
	handler := newIngestHandler(deps.queue, metrics.New(), nil)

	req := httptest.NewRequest("GET", "/ws", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != 400 {
		t.Fatalf("expected 400 for a non-upgrade request, got %d", w.Code)
	}
}
