package processor

import (
	"context"
	"image"
	"testing"
	"time"

	"camwatch/internal/camframe"
	"camwatch/internal/controller"
	"camwatch/internal/enhancer"
	"camwatch/internal/framebuffer"
	"camwatch/internal/netmetrics"
	"camwatch/internal/pqueue"
)

type fakeSink struct {
	received []camframe.Envelope
}

func (f *fakeSink) Submit(env camframe.Envelope) {
	f.received = append(f.received, env)
}

func testImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

func newTestWorker(sink *fakeSink) (*Worker, *pqueue.Queue) {
	q := pqueue.New(4)
	buf := framebuffer.New(framebuffer.Config{})
	nm := netmetrics.New(netmetrics.Config{})
	ctl := controller.New(controller.Config{})
	enh := enhancer.New(func(img *image.NRGBA) float64 { return 80 })

	w := New(Config{
		Queue:      q,
		Buffer:     buf,
		Enhancer:   enh,
		Controller: ctl,
		NetMetrics: nm,
		Recorder:   sink,
	})
	return w, q
}

func TestProcessOnePublishesLatestFrame(t *testing.T) {
	sink := &fakeSink{}
	w, q := newTestWorker(sink)

	env := camframe.NewEnvelope(testImage(), time.Now(), 1, 10*time.Millisecond, 70, 1000, "cam1")
	q.Push(env)

	ctx, cancel := context.WithCancel(context.Background())
	popped, ok := q.Pop(ctx)
	cancel()
	if !ok {
		t.Fatal("expected a frame to pop")
	}
	w.processOne(popped)

	latest, ok := w.LatestFrame()
	if !ok {
		t.Fatal("expected a latest frame to be set")
	}
	if latest.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", latest.Sequence)
	}
	if len(sink.received) != 1 {
		t.Fatalf("expected frame to reach recorder sink, got %d", len(sink.received))
	}
}

func TestProcessOneUpdatesFPSEstimate(t *testing.T) {
	sink := &fakeSink{}
	w, _ := newTestWorker(sink)

	base := time.Now()
	env1 := camframe.NewEnvelope(testImage(), base, 1, 0, 70, 1000, "cam1")
	env2 := camframe.NewEnvelope(testImage(), base.Add(100*time.Millisecond), 2, 0, 70, 1000, "cam1")

	w.processOne(env1)
	w.processOne(env2)

	if got := w.CurrentFPS(); got <= 0 {
		t.Fatalf("expected positive fps estimate, got %f", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sink := &fakeSink{}
	w, q := newTestWorker(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	q.Push(camframe.NewEnvelope(testImage(), time.Now(), 1, 0, 70, 1000, "cam1"))
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after context cancellation")
	}
}

func TestProcessOneSurvivesNilImage(t *testing.T) {
	sink := &fakeSink{}
	w, _ := newTestWorker(sink)

	env := camframe.Envelope{Timestamp: time.Now(), Sequence: 9}
	w.processOne(env)

	if _, ok := w.LatestFrame(); !ok {
		t.Fatal("expected latest frame to be recorded even for nil image")
	}
}
