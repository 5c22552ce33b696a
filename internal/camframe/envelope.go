// Package camframe defines the immutable frame envelope that flows through
// ingest, the priority queue, the frame buffer, and the recorder.
package camframe

import (
	"image"
	"math"
	"time"
)

// Envelope is an immutable record carrying one decoded frame plus the
// metadata computed for it at admission time. Once constructed, an Envelope
// is never mutated; components that need a different priority or image data
// produce a new Envelope (see WithImage).
type Envelope struct {
	// Image is the decoded pixel matrix (height x width x 3, 8-bit).
	Image *image.NRGBA

	// Timestamp is the producer timestamp (monotonic clock reading taken at
	// receive time).
	Timestamp time.Time

	// Sequence is the monotonically incremented admission sequence number.
	Sequence uint64

	// NetworkDelay is the time between receive-start and decode-complete.
	NetworkDelay time.Duration

	// Quality is the quality score in [0,100].
	Quality float64

	// Priority is the derived priority in [0,1], computed once at admission.
	Priority float64

	// ByteSize is the encoded size of the frame as received, in bytes.
	ByteSize int

	// ProducerID optionally identifies the upstream producer session.
	ProducerID string
}

// Weights for the admission priority formula: weighted sum of age (decayed),
// normalized quality, inverse delay, and inverse size.
const (
	weightAge     = 0.35
	weightQuality = 0.35
	weightDelay   = 0.2
	weightSize    = 0.1

	// ageDecayPerSecond controls how quickly the age term decays; frames
	// admitted "now" (age=0) score 1.0 and decay exponentially thereafter.
	ageDecayPerSecond = 0.5

	// delayNormSeconds and sizeNormBytes are the scales used to turn raw
	// network delay and byte size into [0,1] inverse terms.
	delayNormSeconds = 0.5
	sizeNormBytes    = 200_000.0
)

// NewEnvelope constructs an Envelope from a decoded image and the metadata
// gathered during admission. Priority is computed once, here, and is never
// recomputed afterward (age dominance is achieved through buffer eviction,
// not through re-scoring).
func NewEnvelope(img *image.NRGBA, timestamp time.Time, sequence uint64, networkDelay time.Duration, quality float64, byteSize int, producerID string) Envelope {
	e := Envelope{
		Image:        img,
		Timestamp:    timestamp,
		Sequence:     sequence,
		NetworkDelay: networkDelay,
		Quality:      clamp(quality, 0, 100),
		ByteSize:     byteSize,
		ProducerID:   producerID,
	}
	e.Priority = e.computePriority(time.Now())
	return e
}

func (e Envelope) computePriority(now time.Time) float64 {
	age := now.Sub(e.Timestamp).Seconds()
	if age < 0 {
		age = 0
	}
	ageScore := math.Exp(-ageDecayPerSecond * age)

	qualityScore := clamp(e.Quality, 0, 100) / 100.0

	delaySeconds := e.NetworkDelay.Seconds()
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	delayScore := delayNormSeconds / (delayNormSeconds + delaySeconds)

	sizeScore := sizeNormBytes / (sizeNormBytes + float64(maxInt(e.ByteSize, 0)))

	priority := weightAge*ageScore + weightQuality*qualityScore + weightDelay*delayScore + weightSize*sizeScore
	return clamp(priority, 0, 1)
}

// WithImage returns a copy of the envelope with its image replaced, used by
// the processor worker to hand an enhanced frame onward without mutating the
// envelope the enhancer was given. Priority is preserved: only admission
// computes priority (see the Open Questions resolution in DESIGN.md).
func (e Envelope) WithImage(img *image.NRGBA) Envelope {
	e.Image = img
	return e
}

// Bounds reports the width and height of the envelope's image.
func (e Envelope) Bounds() (width, height int) {
	if e.Image == nil {
		return 0, 0
	}
	b := e.Image.Bounds()
	return b.Dx(), b.Dy()
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
