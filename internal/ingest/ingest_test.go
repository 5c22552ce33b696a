package ingest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"testing"
	"time"

	"camwatch/internal/observability/metrics"
	"camwatch/internal/pqueue"
	"camwatch/internal/ratelog"
)

func encodedJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func newTestAdmitter() (*Admitter, *pqueue.Queue, *metrics.Recorder) {
	q := pqueue.New(2)
	met := metrics.New()
	log := ratelog.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return New(q, met, log), q, met
}

func TestAdmitAssignsIncrementingSequence(t *testing.T) {
	a, q, _ := newTestAdmitter()
	payload := encodedJPEG(t)
	a.Admit(context.Background(), payload, time.Now())
	a.Admit(context.Background(), payload, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := q.Pop(ctx)
	if !ok {
		t.Fatal("expected a frame")
	}
	second, ok := q.Pop(ctx)
	if !ok {
		t.Fatal("expected a second frame")
	}
	lower, higher := first, second
	if lower.Sequence > higher.Sequence {
		lower, higher = higher, lower
	}
	if higher.Sequence != lower.Sequence+1 {
		t.Fatalf("expected strictly incrementing sequence, got %d then %d", lower.Sequence, higher.Sequence)
	}
}

func TestAdmitDropsCorruptPayloadSilently(t *testing.T) {
	a, q, met := newTestAdmitter()
	a.Admit(context.Background(), []byte("not a jpeg"), time.Now())

	if q.Size() != 0 {
		t.Fatalf("expected nothing enqueued for a corrupt payload, got size %d", q.Size())
	}
	_, _, _, decodeFailures := met.FrameCounts()
	if decodeFailures != 1 {
		t.Fatalf("expected 1 decode failure counted, got %d", decodeFailures)
	}
}

func TestAdmitTracksConsecutiveDropsWithinWindow(t *testing.T) {
	a, _, met := newTestAdmitter()
	payload := encodedJPEG(t)
	for i := 0; i < 4; i++ {
		a.Admit(context.Background(), payload, time.Now())
	}
	_, dropped, consecutive, _ := met.FrameCounts()
	if dropped == 0 {
		t.Fatal("expected at least one drop once the 2-capacity queue overflows")
	}
	if consecutive == 0 {
		t.Fatal("expected consecutive drop streak to be tracked when drops land within the window")
	}
}

func TestAdmitNeverBlocksOnFullQueue(t *testing.T) {
	a, _, _ := newTestAdmitter()
	payload := encodedJPEG(t)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			a.Admit(context.Background(), payload, time.Now())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected admission to never block even once the bounded queue is full")
	}
}
