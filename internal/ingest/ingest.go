// Package ingest implements frame admission (spec §4.1): it decodes each
// incoming JPEG payload, scores it, builds an envelope, and enqueues it into
// the priority queue, tracking dropped-frame and consecutive-drop counters.
package ingest

import (
	"bytes"
	"context"
	"image"
	"image/draw"
	"image/jpeg"
	"sync"
	"time"

	"camwatch/internal/camframe"
	"camwatch/internal/observability/metrics"
	"camwatch/internal/pqueue"
	"camwatch/internal/quality"
	"camwatch/internal/ratelog"
)

// consecutiveDropWindow is the window within which two drops count as
// consecutive (spec §4.1 "if two drops occur within 1 s of each other").
const consecutiveDropWindow = time.Second

// Admitter decodes and admits frames from a single producer session.
// A new Admitter is constructed per WebSocket session so sequence numbers
// restart at 1 for each new producer connection (spec §4.1 "Reconnect
// semantics").
type Admitter struct {
	queue *pqueue.Queue
	met   *metrics.Recorder
	log   *ratelog.Logger

	mu           sync.Mutex
	sequence     uint64
	lastDropTime time.Time
}

// New constructs an Admitter bound to queue. met defaults to the process
// singleton metrics recorder if nil.
func New(queue *pqueue.Queue, met *metrics.Recorder, log *ratelog.Logger) *Admitter {
	if met == nil {
		met = metrics.Default()
	}
	return &Admitter{queue: queue, met: met, log: log}
}

// Admit decodes payload as a JPEG and, on success, constructs an envelope
// and enqueues it. Decode failures are dropped silently per the spec's
// "must not tear down the session for a single bad frame" contract; the
// caller should simply proceed to read the next message.
func (a *Admitter) Admit(ctx context.Context, payload []byte, receiveStart time.Time) {
	img, err := decodeJPEG(payload)
	if err != nil {
		if a.met != nil {
			a.met.DecodeFailed()
		}
		if a.log != nil {
			a.log.Warn(ctx, "ingest.decode_failure", "dropping frame: jpeg decode failed", "err", err)
		}
		return
	}

	now := time.Now()
	score := quality.Score(img)

	a.mu.Lock()
	a.sequence++
	seq := a.sequence
	a.mu.Unlock()

	env := camframe.NewEnvelope(img, now, seq, now.Sub(receiveStart), score, len(payload), "")

	ok, evicted := a.queue.Push(env)
	_ = ok
	if evicted {
		a.recordDrop(now)
	}
	if a.met != nil {
		a.met.FrameAdmitted()
	}
}

func (a *Admitter) recordDrop(now time.Time) {
	a.mu.Lock()
	withinWindow := !a.lastDropTime.IsZero() && now.Sub(a.lastDropTime) <= consecutiveDropWindow
	a.lastDropTime = now
	a.mu.Unlock()

	if a.met != nil {
		a.met.FrameDropped(withinWindow)
	}
}

// decodeJPEG decodes payload into an *image.NRGBA, converting from whatever
// native image type the jpeg package produces.
func decodeJPEG(payload []byte) (*image.NRGBA, error) {
	src, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	return dst, nil
}
