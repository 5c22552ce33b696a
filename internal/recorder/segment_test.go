package recorder

import (
	"image"
	"testing"
	"time"

	"camwatch/internal/camframe"
)

func testFrame(t time.Time, seq uint64) camframe.Envelope {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 100
	}
	return camframe.NewEnvelope(img, t, seq, 5*time.Millisecond, 70, 2000, "cam1")
}

func TestAddFrameRejectsNilImage(t *testing.T) {
	s := newSegment("s1", "20260101_00", SegmentConfig{}, time.Now())
	if err := s.addFrame(camframe.Envelope{Timestamp: time.Now()}, time.Now()); err == nil {
		t.Fatal("expected error for nil image")
	}
	if s.frameCount() != 0 {
		t.Fatalf("expected no frame recorded, got %d", s.frameCount())
	}
}

func TestReadyToSaveRequiresAllThresholds(t *testing.T) {
	cfg := SegmentConfig{
		MinFramesPerSegment: 3,
		MinFramesPerSecond:  1,
		MinSegmentDuration:  2 * time.Second,
	}
	start := time.Now()
	s := newSegment("s1", "20260101_00", cfg, start)

	for i := 0; i < 2; i++ {
		_ = s.addFrame(testFrame(start.Add(time.Duration(i)*time.Second), uint64(i)), start.Add(time.Duration(i)*time.Second))
	}
	if s.readyToSave() {
		t.Fatal("expected not ready with only 2 frames and short duration")
	}

	_ = s.addFrame(testFrame(start.Add(3*time.Second), 3), start.Add(3*time.Second))
	if !s.readyToSave() {
		t.Fatal("expected ready once frame count and duration thresholds are met")
	}
}

func TestRecordErrorMarksCleanupRequiredAfterThreshold(t *testing.T) {
	s := newSegment("s1", "20260101_00", SegmentConfig{}, time.Now())
	now := time.Now()
	for i := 0; i < segmentErrorThreshold; i++ {
		s.recordError(now)
	}
	if !s.cleanupRequired {
		t.Fatal("expected cleanup required after reaching error threshold")
	}
	if s.canBeMerged() {
		t.Fatal("a segment flagged for cleanup must not be a merge candidate")
	}
}

func TestRecordErrorCooldownResetsCount(t *testing.T) {
	s := newSegment("s1", "20260101_00", SegmentConfig{}, time.Now())
	now := time.Now()
	s.recordError(now)
	s.recordError(now.Add(segmentErrorCooldown + time.Second))
	if s.errorCount != 1 {
		t.Fatalf("expected error count reset after cooldown, got %d", s.errorCount)
	}
}

func TestCanBeMergedRequiresNonEmptyAndNotYetValid(t *testing.T) {
	cfg := SegmentConfig{MinFramesPerSegment: 100}
	s := newSegment("s1", "20260101_00", cfg, time.Now())
	if s.canBeMerged() {
		t.Fatal("an empty segment must not be a merge candidate")
	}
	_ = s.addFrame(testFrame(time.Now(), 1), time.Now())
	if !s.canBeMerged() {
		t.Fatal("a non-empty, not-yet-valid segment should be a merge candidate")
	}
}

func TestMergeSegmentsConcatenatesInOrder(t *testing.T) {
	start := time.Now()
	a := newSegment("a", "20260101_00", SegmentConfig{}, start)
	b := newSegment("b", "20260101_00", SegmentConfig{}, start.Add(time.Second))
	_ = a.addFrame(testFrame(start, 1), start)
	_ = b.addFrame(testFrame(start.Add(time.Second), 2), start.Add(time.Second))

	merged := mergeSegments("merged", a, b)
	if merged.frameCount() != 2 {
		t.Fatalf("expected 2 frames in merged segment, got %d", merged.frameCount())
	}
	if merged.frames[0].Sequence != 1 || merged.frames[1].Sequence != 2 {
		t.Fatal("expected frames to remain in chronological order after merge")
	}
}

func TestEstimatedSizeBytesScalesWithFrameCount(t *testing.T) {
	s := newSegment("s1", "20260101_00", SegmentConfig{}, time.Now())
	before := s.estimatedSizeBytes()
	_ = s.addFrame(testFrame(time.Now(), 1), time.Now())
	after := s.estimatedSizeBytes()
	if after <= before {
		t.Fatalf("expected estimated size to grow with frame count: before=%d after=%d", before, after)
	}
}
