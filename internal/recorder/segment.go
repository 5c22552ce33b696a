package recorder

import (
	"fmt"
	"image"
	"math"
	"time"

	"camwatch/internal/camframe"
)

// Defaults per spec §4.11 / §6.
const (
	DefaultRecordingFPS                  = 60
	DefaultMinFramesPerSegment           = 3600
	DefaultMinFramesPerSecond            = 30
	DefaultMinSegmentDuration            = 60 * time.Second
	DefaultTargetSegmentDuration         = 600 * time.Second
	DefaultMaxSegmentDuration            = 1800 * time.Second
	DefaultAbsoluteMinSegmentSizeBytes   = 512_000
	DefaultRetentionDays                 = 14
	outputWidth                          = 640
	outputHeight                         = 480
	segmentErrorCooldown                 = 60 * time.Second
	segmentErrorThreshold                = 5
	estimatedBytesPerPixelPerFrameFactor = 0.15
)

// SegmentConfig bounds a segment's save/merge eligibility thresholds.
type SegmentConfig struct {
	MinFramesPerSegment        int
	MinFramesPerSecond         int
	MinSegmentDuration         time.Duration
	TargetSegmentDuration      time.Duration
	MaxSegmentDuration         time.Duration
	AbsoluteMinSegmentSizeBytes int64
}

func (c SegmentConfig) withDefaults() SegmentConfig {
	if c.MinFramesPerSegment <= 0 {
		c.MinFramesPerSegment = DefaultMinFramesPerSegment
	}
	if c.MinFramesPerSecond <= 0 {
		c.MinFramesPerSecond = DefaultMinFramesPerSecond
	}
	if c.MinSegmentDuration <= 0 {
		c.MinSegmentDuration = DefaultMinSegmentDuration
	}
	if c.TargetSegmentDuration <= 0 {
		c.TargetSegmentDuration = DefaultTargetSegmentDuration
	}
	if c.MaxSegmentDuration <= 0 {
		c.MaxSegmentDuration = DefaultMaxSegmentDuration
	}
	if c.AbsoluteMinSegmentSizeBytes <= 0 {
		c.AbsoluteMinSegmentSizeBytes = DefaultAbsoluteMinSegmentSizeBytes
	}
	return c
}

// segment accumulates frames in chronological order until it is ready to
// save, merged with another segment for the same hour, or force-saved on
// disconnect (spec §4.11 "Segment lifecycle").
type segment struct {
	id        string
	hourKey   string
	cfg       SegmentConfig
	startTime time.Time
	lastFrame time.Time
	frames    []camframe.Envelope

	errorCount      int
	lastErrorTime   time.Time
	cleanupRequired bool
}

func newSegment(id, hourKey string, cfg SegmentConfig, now time.Time) *segment {
	return &segment{
		id:        id,
		hourKey:   hourKey,
		cfg:       cfg.withDefaults(),
		startTime: now,
		lastFrame: now,
	}
}

// addFrame validates and appends a frame (spec §4.11 "validate: non-null,
// 3-channel, finite-valued, in [0,255]"). NRGBA images from camframe already
// satisfy the channel/range constraints by construction; the remaining
// check is non-nilness and non-zero bounds.
func (s *segment) addFrame(env camframe.Envelope, now time.Time) error {
	if err := validateFrame(env.Image); err != nil {
		s.recordError(now)
		return err
	}
	s.frames = append(s.frames, env)
	s.lastFrame = now
	return nil
}

func validateFrame(img *image.NRGBA) error {
	if img == nil {
		return fmt.Errorf("recorder: nil frame")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return fmt.Errorf("recorder: zero-area frame")
	}
	for _, v := range img.Pix {
		if math.IsNaN(float64(v)) {
			return fmt.Errorf("recorder: non-finite pixel value")
		}
	}
	return nil
}

func (s *segment) recordError(now time.Time) {
	if !s.lastErrorTime.IsZero() && now.Sub(s.lastErrorTime) > segmentErrorCooldown {
		s.errorCount = 0
	}
	s.errorCount++
	s.lastErrorTime = now
	if s.errorCount >= segmentErrorThreshold {
		s.cleanupRequired = true
	}
}

func (s *segment) frameCount() int {
	return len(s.frames)
}

func (s *segment) duration() time.Duration {
	if len(s.frames) == 0 {
		return 0
	}
	return s.lastFrame.Sub(s.startTime)
}

// readyToSave reports whether the segment meets the minimum thresholds for a
// normal (non-forced) save (spec §4.11).
func (s *segment) readyToSave() bool {
	if s.cleanupRequired {
		return false
	}
	d := s.duration()
	minFramesForDuration := float64(s.cfg.MinFramesPerSecond) * d.Seconds()
	return s.frameCount() >= s.cfg.MinFramesPerSegment &&
		d >= s.cfg.MinSegmentDuration &&
		float64(s.frameCount()) >= minFramesForDuration
}

// atRolloverBoundary reports whether the segment has run long enough that a
// new segment should be started in its place.
func (s *segment) atRolloverBoundary() bool {
	d := s.duration()
	return d >= s.cfg.TargetSegmentDuration || d >= s.cfg.MaxSegmentDuration
}

// canBeMerged reports whether the segment is a merge candidate: non-empty,
// not yet valid on its own, and not flagged for cleanup (spec §4.11 "Merge").
func (s *segment) canBeMerged() bool {
	return s.frameCount() > 0 && !s.readyToSave() && !s.cleanupRequired
}

// estimatedSizeBytes approximates the encoded file size using the spec's
// fixed bytes-per-pixel-per-frame factor.
func (s *segment) estimatedSizeBytes() int64 {
	pixels := int64(outputWidth) * int64(outputHeight)
	return int64(float64(pixels*3*int64(s.frameCount())) * estimatedBytesPerPixelPerFrameFactor / 1024)
}

func (s *segment) age(now time.Time) time.Duration {
	return now.Sub(s.startTime)
}

// mergeSegments concatenates b's frames after a's in chronological order and
// returns a new segment so neither input is mutated in place.
func mergeSegments(id string, a, b *segment) *segment {
	cfg := a.cfg
	merged := newSegment(id, a.hourKey, cfg, a.startTime)
	merged.frames = append(merged.frames, a.frames...)
	merged.frames = append(merged.frames, b.frames...)
	if len(merged.frames) > 0 {
		merged.lastFrame = merged.frames[len(merged.frames)-1].Timestamp
	}
	return merged
}
