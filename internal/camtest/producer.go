// Package camtest provides deterministic test fixtures shared across
// camwatch's packages: a synthetic frame producer for ingest/processor/
// end-to-end tests, and a manually-fireable ticker for driving the
// recorder's periodic workers without a real clock (grounded on
// cmd/server/ticker_worker.go's tickerFactory/purgeTicker seam and the
// teacher's testsupport/ingeststub deterministic-HTTP-fake pattern).
package camtest

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
)

// Producer generates deterministic, encodable JPEG frames for tests that
// need to drive the ingest path (internal/ingest.Admitter.Admit) without a
// real camera. Each call to NextFrame advances an internal sequence and
// cycles through a small palette so successive frames are visibly distinct
// without requiring real image content.
type Producer struct {
	width, height int
	quality       int
	seq           int
}

// NewProducer constructs a Producer that renders width x height JPEG frames
// (one palette color crossed by a diagonal stripe of the next) at the given
// encode quality (1-100).
func NewProducer(width, height, quality int) *Producer {
	if width <= 0 {
		width = 64
	}
	if height <= 0 {
		height = 48
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Producer{width: width, height: height, quality: quality}
}

// palette cycles a handful of saturated colors so frames differ visibly
// from one another, which exercises the quality scorer's brightness/
// sharpness terms more realistically than a single flat color would.
var palette = []color.NRGBA{
	{R: 200, G: 40, B: 40, A: 255},
	{R: 40, G: 200, B: 40, A: 255},
	{R: 40, G: 40, B: 200, A: 255},
	{R: 200, G: 200, B: 40, A: 255},
}

// NextFrame renders and JPEG-encodes the next synthetic frame, returning
// the raw encoded bytes and the 1-based sequence number assigned to it.
func (p *Producer) NextFrame() (payload []byte, sequence int) {
	p.seq++
	img := image.NewNRGBA(image.Rect(0, 0, p.width, p.height))
	c := palette[p.seq%len(palette)]
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			// A diagonal stripe of the next palette color keeps each frame
			// from being a single uniform block, without needing real
			// camera content.
			if (x+y+p.seq)%17 == 0 {
				img.SetNRGBA(x, y, palette[(p.seq+1)%len(palette)])
				continue
			}
			img.SetNRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality})
	return buf.Bytes(), p.seq
}

// CorruptFrame returns a payload that is guaranteed to fail JPEG decoding,
// for exercising the ingest path's "drop silently, never tear down the
// session" contract.
func CorruptFrame() []byte {
	return []byte("not a jpeg")
}
