package camtest

import (
	"bytes"
	"context"
	"image/jpeg"
	"io"
	"log/slog"
	"testing"
	"time"

	"camwatch/internal/ingest"
	"camwatch/internal/observability/metrics"
	"camwatch/internal/pqueue"
	"camwatch/internal/ratelog"
)

func TestNextFrameProducesDecodableJPEG(t *testing.T) {
	p := NewProducer(32, 24, 70)
	payload, seq := p.NextFrame()
	if seq != 1 {
		t.Fatalf("expected first sequence to be 1, got %d", seq)
	}
	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("expected a decodable jpeg, got error: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 32 || b.Dy() != 24 {
		t.Fatalf("expected 32x24 frame, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestNextFrameSequenceIncrements(t *testing.T) {
	p := NewProducer(16, 16, 80)
	_, first := p.NextFrame()
	_, second := p.NextFrame()
	if second != first+1 {
		t.Fatalf("expected sequence to increment by 1, got %d then %d", first, second)
	}
}

func TestCorruptFrameFailsDecode(t *testing.T) {
	if _, err := jpeg.Decode(bytes.NewReader(CorruptFrame())); err == nil {
		t.Fatal("expected corrupt frame to fail jpeg decode")
	}
}

// TestProducerDrivesIngestEndToEnd exercises the real admission path
// (Producer -> ingest.Admitter -> pqueue.Queue) the way cmd/server wires a
// WebSocket connection's read loop, without a real camera or network
// socket.
func TestProducerDrivesIngestEndToEnd(t *testing.T) {
	q := pqueue.New(8)
	met := metrics.New()
	log := ratelog.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	admitter := ingest.New(q, met, log)
	producer := NewProducer(32, 24, 75)

	const frameCount = 5
	for i := 0; i < frameCount; i++ {
		payload, _ := producer.NextFrame()
		admitter.Admit(context.Background(), payload, time.Now())
	}

	admitted, _, _, _ := met.FrameCounts()
	if admitted != frameCount {
		t.Fatalf("expected %d frames admitted, got %d", frameCount, admitted)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// The queue pops by descending priority, not arrival order, so every
	// admitted sequence number must come out exactly once.
	seen := make(map[uint64]bool)
	for i := 0; i < frameCount; i++ {
		env, ok := q.Pop(ctx)
		if !ok {
			t.Fatal("expected a frame to be available from the queue")
		}
		seen[env.Sequence] = true
	}
	for seq := uint64(1); seq <= frameCount; seq++ {
		if !seen[seq] {
			t.Fatalf("expected sequence %d among popped frames, got %v", seq, seen)
		}
	}
}

func TestProducerCorruptFrameDroppedSilently(t *testing.T) {
	q := pqueue.New(4)
	met := metrics.New()
	log := ratelog.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	admitter := ingest.New(q, met, log)

	admitter.Admit(context.Background(), CorruptFrame(), time.Now())

	admitted, _, _, _ := met.FrameCounts()
	if admitted != 0 {
		t.Fatalf("expected corrupt frame not to be counted as admitted, got %d", admitted)
	}
}
