// Package recorder implements the segmented disk writer described in spec
// §4.11: segment lifecycle, save/merge policy, hourly directory layout,
// disconnect/reconnect handling, low-FPS mode, retention sweeps, and
// process-level self-healing. The recorder owns all of its state exclusively;
// other components communicate with it only via Submit (frames) and the
// exported command methods (spec §5 "Recorder state... single-producer
// channel of processed frames and a small command channel").
package recorder

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"camwatch/internal/camframe"
	"camwatch/internal/observability/metrics"
	"camwatch/internal/ratelog"
)

// Config controls the recorder's directory root, segment thresholds and
// retention window (spec §6).
type Config struct {
	Root           string
	RecordingFPS   int
	RetentionDays  int
	SegmentConfig  SegmentConfig
}

func (c Config) withDefaults() Config {
	if c.Root == "" {
		c.Root = "security_videos"
	}
	if c.RecordingFPS <= 0 {
		c.RecordingFPS = DefaultRecordingFPS
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	c.SegmentConfig = c.SegmentConfig.withDefaults()
	return c
}

const (
	lowFPSThreshold      = 5.0
	lowFPSRecordingFPS   = 1
	normalAutoSaveInterval = 60 * time.Second
	lowFPSAutoSaveInterval = 30 * time.Second
	autoSaveMinAge         = 30 * time.Second
	disconnectTimeout      = 30 * time.Second
	maxCriticalRestarts    = 3
	criticalErrorThreshold = 10
)

type commandKind int

const (
	cmdForceSave commandKind = iota
	cmdForceMerge
	cmdCleanupTiny
	cmdDisconnect
	cmdReconnect
	cmdForceRestart
)

type command struct {
	kind commandKind
	done chan struct{}
}

// Recorder is the single owner of all recorder-managed state. It must be
// started with Run before frames are processed.
type Recorder struct {
	cfg Config
	log *ratelog.Logger
	met *metrics.Recorder

	frames      chan camframe.Envelope
	commands    chan command
	runner      commandRunner
	mergeRunner mergeRunner

	mu              sync.Mutex
	current         *segment
	hour            hourPath
	segmentCounter  int
	recordingActive bool
	lowFPSMode      bool
	lastFrameTime   time.Time
	lastInterval    time.Duration
	processErrors   int
	restartCount    int
	savedSegments   []savedSegment // completed, on-disk segments for status reporting
}

type savedSegment struct {
	path      string
	frames    int
	duration  time.Duration
	sizeBytes int64
	savedAt   time.Time
}

// New constructs a Recorder. Call Run to start its background loop.
func New(cfg Config, log *ratelog.Logger, met *metrics.Recorder) *Recorder {
	cfg = cfg.withDefaults()
	if met == nil {
		met = metrics.Default()
	}
	return &Recorder{
		cfg:         cfg,
		log:         log,
		met:         met,
		frames:      make(chan camframe.Envelope, 256),
		commands:    make(chan command, 8),
		runner:      runFFmpeg,
		mergeRunner: runFFmpegConcat,
	}
}

// Submit hands a processed frame to the recorder without blocking the
// caller. If the recorder's internal channel is full the frame is dropped
// and logged at a rate-limited level (spec §9 "other tasks submit frames via
// channels"; §5 "the streaming path never blocks the processor").
func (r *Recorder) Submit(env camframe.Envelope) {
	select {
	case r.frames <- env:
	default:
		if r.log != nil {
			r.log.Warn(context.Background(), "recorder.frame_drop", "recorder frame channel full, dropping frame")
		}
	}
}

// ForceSave, ForceMerge, CleanupTiny, HandleDisconnect, HandleReconnect and
// ForceRestart are the operator-facing control actions (spec §4.12). Each
// blocks until the recorder's single task has processed the command.
func (r *Recorder) ForceSave(ctx context.Context) error  { return r.sendCommand(ctx, cmdForceSave) }
func (r *Recorder) ForceMerge(ctx context.Context) error { return r.sendCommand(ctx, cmdForceMerge) }
func (r *Recorder) CleanupTiny(ctx context.Context) error {
	return r.sendCommand(ctx, cmdCleanupTiny)
}
func (r *Recorder) HandleDisconnect(ctx context.Context) error {
	return r.sendCommand(ctx, cmdDisconnect)
}
func (r *Recorder) HandleReconnect(ctx context.Context) error {
	return r.sendCommand(ctx, cmdReconnect)
}
func (r *Recorder) ForceRestart(ctx context.Context) error {
	return r.sendCommand(ctx, cmdForceRestart)
}

func (r *Recorder) sendCommand(ctx context.Context, kind commandKind) error {
	done := make(chan struct{})
	select {
	case r.commands <- command{kind: kind, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the recorder's single long-lived task. It serializes frame
// ingestion, commands and disconnect detection. The auto-save and merge
// tickers (AutoSaveTick, MergeTicker) run on their own goroutines and take
// the same mutex, so segment state is only ever mutated under that lock.
func (r *Recorder) Run(ctx context.Context) {
	r.mu.Lock()
	r.recordingActive = true
	r.mu.Unlock()

	disconnectCheck := time.NewTicker(disconnectTimeout)
	defer disconnectCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.frames:
			r.handleFrame(env, time.Now())
		case cmd := <-r.commands:
			r.handleCommand(ctx, cmd)
		case <-disconnectCheck.C:
			r.checkForDisconnect(time.Now())
		}
	}
}

func (r *Recorder) handleFrame(env camframe.Envelope, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastFrameTime.IsZero() {
		r.lastInterval = now.Sub(r.lastFrameTime)
		r.updateLowFPSModeLocked(r.lastInterval)
	}
	r.lastFrameTime = now

	if r.current == nil {
		r.startNewSegmentLocked(now)
	}

	if err := r.current.addFrame(env, now); err != nil {
		r.recordProcessErrorLocked(now)
		return
	}

	if r.current.atRolloverBoundary() {
		r.rolloverLocked(now, false)
	}
}

func (r *Recorder) updateLowFPSModeLocked(interval time.Duration) {
	if interval <= 0 {
		return
	}
	fps := 1.0 / interval.Seconds()
	if fps < lowFPSThreshold && !r.lowFPSMode {
		r.lowFPSMode = true
	} else if fps >= lowFPSThreshold && r.lowFPSMode {
		r.lowFPSMode = false
	}
}

func (r *Recorder) effectiveRecordingFPS() int {
	if r.lowFPSMode {
		return lowFPSRecordingFPS
	}
	return r.cfg.RecordingFPS
}

func (r *Recorder) autoSaveInterval() time.Duration {
	if r.lowFPSMode {
		return lowFPSAutoSaveInterval
	}
	return normalAutoSaveInterval
}

func (r *Recorder) startNewSegmentLocked(now time.Time) {
	r.hour = resolveHourPath(r.cfg.Root, now)
	r.segmentCounter++
	id := fmt.Sprintf("%s-%d", now.Format("20060102_15"), r.segmentCounter)
	r.current = newSegment(id, now.Format("20060102_15"), r.cfg.SegmentConfig, now)
}

// rolloverLocked saves the current segment (force=true bypasses the
// readiness threshold, used for disconnect handling) and clears it so the
// next frame starts a fresh one.
func (r *Recorder) rolloverLocked(now time.Time, force bool) {
	if r.current == nil || r.current.frameCount() == 0 {
		r.current = nil
		return
	}
	if !force && !r.current.readyToSave() {
		return
	}
	r.saveSegmentLocked(r.current, force)
	r.current = nil
}

func (r *Recorder) saveSegmentLocked(s *segment, force bool) {
	dir := r.hour.partialSegs
	if s.readyToSave() {
		dir = r.hour.completeHours
	}
	name := partialSegmentName(s.startTime, r.segmentCounter)
	if dir == r.hour.completeHours {
		name = completeSegmentName(s.startTime, r.segmentCounter)
	}
	outputPath := filepath.Join(dir, name)

	codec, err := writeSegment(context.Background(), r.runner, s, outputPath, r.effectiveRecordingFPS())
	if err != nil {
		r.recordProcessErrorLocked(time.Now())
		if r.log != nil {
			r.log.Error(context.Background(), "recorder segment save failed", "segment", s.id, "err", err)
		}
		return
	}

	size := fileSize(outputPath)
	if size < r.cfg.SegmentConfig.AbsoluteMinSegmentSizeBytes && !force {
		_ = removeFile(outputPath)
		if r.met != nil {
			r.met.SegmentEvent("discarded_undersized")
		}
		return
	}

	r.savedSegments = append(r.savedSegments, savedSegment{
		path:      outputPath,
		frames:    s.frameCount(),
		duration:  s.duration(),
		sizeBytes: size,
		savedAt:   time.Now(),
	})
	if r.met != nil {
		if force {
			r.met.SegmentEvent("force_saved")
		} else {
			r.met.SegmentEvent("saved")
		}
	}
	_ = codec
}

func (r *Recorder) recordProcessErrorLocked(now time.Time) {
	r.processErrors++
	if r.processErrors >= criticalErrorThreshold {
		r.triggerCriticalRecoveryLocked(now)
	}
}

// triggerCriticalRecoveryLocked implements the process-level self-heal path:
// stop recording, drop all current segments, repair directories and attempt
// to restart, bounded at maxCriticalRestarts attempts (spec §4.11 "Error
// handling and self-heal").
func (r *Recorder) triggerCriticalRecoveryLocked(now time.Time) {
	r.recordingActive = false
	r.current = nil
	r.processErrors = 0
	if r.met != nil {
		r.met.SegmentEvent("critical_recovery")
	}
	if r.restartCount >= maxCriticalRestarts {
		if r.log != nil {
			r.log.Error(context.Background(), "recorder exhausted critical restart attempts, staying stopped")
		}
		return
	}
	r.restartCount++
	r.hour = resolveHourPath(r.cfg.Root, now)
	r.recordingActive = true
}

func (r *Recorder) checkForDisconnect(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastFrameTime.IsZero() || now.Sub(r.lastFrameTime) < disconnectTimeout {
		return
	}
	r.handleDisconnectLocked(now)
}

// handleDisconnectLocked force-saves any accumulated segment (even
// sub-minimum), clears current state and marks recording inactive (spec
// §4.11 "Disconnect/reconnect").
func (r *Recorder) handleDisconnectLocked(now time.Time) {
	if r.current != nil && r.current.frameCount() > 0 {
		r.saveSegmentLocked(r.current, true)
	}
	r.current = nil
	r.recordingActive = false
	if r.met != nil {
		r.met.SegmentEvent("disconnect")
	}
}

func (r *Recorder) handleReconnectLocked(now time.Time) {
	r.current = nil
	r.hour = resolveHourPath(r.cfg.Root, now)
	r.recordingActive = true
	if r.met != nil {
		r.met.SegmentEvent("reconnect")
	}
}

func (r *Recorder) handleCommand(ctx context.Context, cmd command) {
	now := time.Now()
	r.mu.Lock()
	switch cmd.kind {
	case cmdForceSave:
		if r.current != nil {
			r.saveSegmentLocked(r.current, true)
			r.current = nil
		}
	case cmdForceMerge:
		r.mergeMergeableLocked(now)
	case cmdCleanupTiny:
		r.cleanupTinyLocked()
	case cmdDisconnect:
		r.handleDisconnectLocked(now)
	case cmdReconnect:
		r.handleReconnectLocked(now)
	case cmdForceRestart:
		r.triggerCriticalRecoveryLocked(now)
	}
	r.mu.Unlock()
	close(cmd.done)
}

// mergeMergeableLocked runs the periodic merge pass: first the on-disk sweep
// of partial_segments (mergeOnDiskPartials), then, if the current segment
// can be merged, it writes that segment to merged_videos. A written file at
// or above AbsoluteMinSegmentSizeBytes is kept and the segment retired;
// otherwise the file is removed and the segment stays current. Only the
// single current segment is considered: in-memory segments are not grouped
// by hour-key or concatenated with one another here.
func (r *Recorder) mergeMergeableLocked(now time.Time) {
	mergedOnDisk, err := mergeOnDiskPartials(context.Background(), r.mergeRunner, r.hour.partialSegs, r.hour.completeHours, now)
	if err != nil && r.log != nil {
		r.log.Warn(context.Background(), "recorder.merge_error", "on-disk merge sweep failed", "err", err)
	}
	if r.met != nil && mergedOnDisk > 0 {
		r.met.SegmentEvent("merged")
	}

	if r.current != nil && r.current.canBeMerged() && r.hour.mergedVideos != "" {
		name := mergedVideoName(r.current.startTime, r.current.startTime.Unix())
		outputPath := filepath.Join(r.hour.mergedVideos, name)
		codec, err := writeSegment(context.Background(), r.runner, r.current, outputPath, r.effectiveRecordingFPS())
		if err != nil {
			r.recordProcessErrorLocked(now)
			return
		}
		_ = codec
		if fileSize(outputPath) >= r.cfg.SegmentConfig.AbsoluteMinSegmentSizeBytes {
			r.savedSegments = append(r.savedSegments, savedSegment{
				path:      outputPath,
				frames:    r.current.frameCount(),
				duration:  r.current.duration(),
				sizeBytes: fileSize(outputPath),
				savedAt:   now,
			})
			r.current = nil
			if r.met != nil {
				r.met.SegmentEvent("merged")
			}
		} else {
			_ = removeFile(outputPath)
		}
	}
}

func (r *Recorder) cleanupTinyLocked() {
	removed, err := cleanupUndersizedFiles(r.cfg.Root, r.cfg.SegmentConfig.AbsoluteMinSegmentSizeBytes)
	if err != nil && r.log != nil {
		r.log.Warn(context.Background(), "recorder.cleanup_error", "tiny-file cleanup failed", "err", err)
	}
	if r.met != nil && removed > 0 {
		r.met.SegmentEvent("cleanup")
	}
}

// AutoSaveTick force-saves the current segment if it has existed for at
// least autoSaveMinAge but is not yet valid, protecting data against abrupt
// producer loss (spec §4.11 "Auto-save"). It satisfies the tickerWorker
// interface used by cmd/server.
func (r *Recorder) AutoSaveTick() error {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.frameCount() == 0 {
		return nil
	}
	if r.current.age(now) >= autoSaveMinAge && !r.current.readyToSave() {
		r.saveSegmentLocked(r.current, true)
		r.current = nil
	}
	return nil
}

// Tick satisfies cmd/server's tickerWorker interface for the auto-save timer.
func (r *Recorder) Tick() error { return r.AutoSaveTick() }

// MergeTicker runs the periodic merge pass (spec §4.11 "every 5 min").
type MergeTicker struct{ r *Recorder }

func (r *Recorder) MergeTicker() *MergeTicker { return &MergeTicker{r: r} }

func (m *MergeTicker) Tick() error {
	m.r.mu.Lock()
	defer m.r.mu.Unlock()
	m.r.mergeMergeableLocked(time.Now())
	return nil
}

// RetentionTicker runs the hourly retention sweep (spec §4.11 "Retention").
type RetentionTicker struct{ r *Recorder }

func (r *Recorder) RetentionTicker() *RetentionTicker { return &RetentionTicker{r: r} }

func (t *RetentionTicker) Tick() error {
	return sweepRetention(t.r.cfg.Root, t.r.cfg.RetentionDays, time.Now())
}

// Snapshot reports current recorder state for the status API (spec §4.12).
type Snapshot struct {
	RecordingActive bool
	LowFPSMode      bool
	CurrentSegment  *SegmentHealth
	SavedCount      int
	Root            string
}

// SegmentHealth reports the health of the currently-accumulating segment.
type SegmentHealth struct {
	FrameCount       int
	Duration         time.Duration
	EstimatedBytes   int64
	Ready            bool
	CanMerge         bool
	Age              time.Duration
}

// Configuration returns the recorder's effective (defaults-applied) config,
// for the status API's "recorder configuration" report (spec §4.12).
func (r *Recorder) Configuration() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// DirectoryStructure reports the current hour's three subdirectories, for
// the status API's "directory structure" report (spec §4.12).
func (r *Recorder) DirectoryStructure() (completeHours, partialSegments, mergedVideos string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hour.completeHours, r.hour.partialSegs, r.hour.mergedVideos
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		RecordingActive: r.recordingActive,
		LowFPSMode:      r.lowFPSMode,
		SavedCount:      len(r.savedSegments),
		Root:            r.cfg.Root,
	}
	if r.current != nil {
		now := time.Now()
		snap.CurrentSegment = &SegmentHealth{
			FrameCount:     r.current.frameCount(),
			Duration:       r.current.duration(),
			EstimatedBytes: r.current.estimatedSizeBytes(),
			Ready:          r.current.readyToSave(),
			CanMerge:       r.current.canBeMerged(),
			Age:            r.current.age(now),
		}
	}
	return snap
}
