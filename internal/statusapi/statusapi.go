// Package statusapi implements the read-only diagnostics and operator
// control surface described in spec §4.12: live stats (FPS, buffer,
// latency, drops, quality, compensation, jitter, predicted latency,
// congestion, state, confidence, per-segment health, recorder
// configuration/directory layout) and operator actions (reset-stats,
// force-restart recording, force-merge segments, cleanup tiny videos,
// handle-disconnection, handle-reconnection).
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"camwatch/internal/controller"
	"camwatch/internal/enhancer"
	"camwatch/internal/framebuffer"
	"camwatch/internal/netmetrics"
	"camwatch/internal/observability/metrics"
	"camwatch/internal/ratecontrol"
	"camwatch/internal/ratelog"
	"camwatch/internal/recorder"
)

// ProcessorStats is the subset of processor.Worker the status API reads.
// Defined as an interface (rather than importing internal/processor
// directly) so statusapi has no dependency on the processor's internal
// queue/buffer wiring, only the two read-only accessors it needs.
type ProcessorStats interface {
	CurrentFPS() float64
	LastEnhancement() (enhancer.Result, bool)
}

// Server wires the status/control endpoints to the live collaborators.
type Server struct {
	Controller     *controller.Controller
	RateController *ratecontrol.Controller
	NetMetrics     *netmetrics.Metrics
	Buffer         *framebuffer.Buffer
	Metrics        *metrics.Recorder
	Recorder       *recorder.Recorder
	Processor      ProcessorStats
	Log            *ratelog.Logger
}

// New constructs a statusapi Server.
func New(ctl *controller.Controller, rc *ratecontrol.Controller, nm *netmetrics.Metrics, buf *framebuffer.Buffer, met *metrics.Recorder, rec *recorder.Recorder, proc ProcessorStats, log *ratelog.Logger) *Server {
	if met == nil {
		met = metrics.Default()
	}
	return &Server{
		Controller:     ctl,
		RateController: rc,
		NetMetrics:     nm,
		Buffer:         buf,
		Metrics:        met,
		Recorder:       rec,
		Processor:      proc,
		Log:            log,
	}
}

type apiError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error apiError `json:"error"`
	}{Error: apiError{Status: status, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type fpsStats struct {
	Instantaneous float64 `json:"instantaneous"`
	OneMinAvg     float64 `json:"one_min_avg"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	Stability     float64 `json:"stability"`
}

func (s *Server) fps() fpsStats {
	if s.Controller == nil {
		return fpsStats{}
	}
	inst, avg, min, max, stability := s.Controller.FPSStats()
	return fpsStats{Instantaneous: inst, OneMinAvg: avg, Min: min, Max: max, Stability: stability}
}

type segmentHealth struct {
	FrameCount     int     `json:"frame_count"`
	DurationSec    float64 `json:"duration_seconds"`
	EstimatedBytes int64   `json:"estimated_size_bytes"`
	Ready          bool    `json:"ready_to_save"`
	CanMerge       bool    `json:"can_merge"`
	AgeSeconds     float64 `json:"age_seconds"`
}

func (s *Server) segment() *segmentHealth {
	if s.Recorder == nil {
		return nil
	}
	snap := s.Recorder.Snapshot()
	if snap.CurrentSegment == nil {
		return nil
	}
	h := snap.CurrentSegment
	return &segmentHealth{
		FrameCount:     h.FrameCount,
		DurationSec:    h.Duration.Seconds(),
		EstimatedBytes: h.EstimatedBytes,
		Ready:          h.Ready,
		CanMerge:       h.CanMerge,
		AgeSeconds:     h.Age.Seconds(),
	}
}

type recorderConfig struct {
	Root                        string  `json:"root"`
	RecordingFPS                int     `json:"recording_fps"`
	RetentionDays               int     `json:"retention_days"`
	MinFramesPerSegment         int     `json:"min_frames_per_segment"`
	MinFramesPerSecond          int     `json:"min_frames_per_second"`
	MinSegmentDurationSec       float64 `json:"min_segment_duration_seconds"`
	TargetSegmentDurationSec    float64 `json:"target_segment_duration_seconds"`
	MaxSegmentDurationSec       float64 `json:"max_segment_duration_seconds"`
	AbsoluteMinSegmentSizeBytes int64   `json:"absolute_min_segment_size_bytes"`
}

type directoryLayout struct {
	CompleteHours   string `json:"complete_hours"`
	PartialSegments string `json:"partial_segments"`
	MergedVideos    string `json:"merged_videos"`
}

func (s *Server) recorderConfigAndLayout() (*recorderConfig, *directoryLayout) {
	if s.Recorder == nil {
		return nil, nil
	}
	cfg := s.Recorder.Configuration()
	rc := &recorderConfig{
		Root:                        cfg.Root,
		RecordingFPS:                cfg.RecordingFPS,
		RetentionDays:               cfg.RetentionDays,
		MinFramesPerSegment:         cfg.SegmentConfig.MinFramesPerSegment,
		MinFramesPerSecond:          cfg.SegmentConfig.MinFramesPerSecond,
		MinSegmentDurationSec:       cfg.SegmentConfig.MinSegmentDuration.Seconds(),
		TargetSegmentDurationSec:    cfg.SegmentConfig.TargetSegmentDuration.Seconds(),
		MaxSegmentDurationSec:       cfg.SegmentConfig.MaxSegmentDuration.Seconds(),
		AbsoluteMinSegmentSizeBytes: cfg.SegmentConfig.AbsoluteMinSegmentSizeBytes,
	}
	complete, partial, merged := s.Recorder.DirectoryStructure()
	dl := &directoryLayout{CompleteHours: complete, PartialSegments: partial, MergedVideos: merged}
	return rc, dl
}

// performanceStats is the full diagnostics object returned by
// /performance_stats (spec §4.12).
type performanceStats struct {
	FPS               fpsStats       `json:"fps"`
	BufferSize        int            `json:"buffer_size"`
	BufferUtilization float64        `json:"buffer_utilization"`
	AverageLatencyMs  float64        `json:"average_latency_ms"`
	JitterMs          float64        `json:"jitter_ms"`
	PredictedLatencyMs float64       `json:"predicted_latency_ms"`
	PacketLossRate    float64        `json:"packet_loss_rate"`
	Congestion        float64        `json:"congestion"`
	Quality           float64        `json:"quality"`
	Compensation      float64        `json:"compensation"`
	State             string         `json:"state"`
	Confidence        float64        `json:"confidence"`
	FramesAdmitted    uint64         `json:"frames_admitted"`
	FramesDropped     uint64         `json:"frames_dropped"`
	ConsecutiveDrops  uint64         `json:"consecutive_drops"`
	DecodeFailures    uint64         `json:"decode_failures"`
	ActiveViewers     int64          `json:"active_viewers"`
	Segment           *segmentHealth `json:"current_segment,omitempty"`
	RecordingActive   bool           `json:"recording_active"`
	LowFPSMode        bool           `json:"low_fps_mode"`
	SavedSegments     int            `json:"saved_segments"`
}

func (s *Server) buildPerformanceStats() performanceStats {
	var out controller.Outputs
	if s.Controller != nil {
		out = s.Controller.Snapshot()
	}
	stats := performanceStats{
		FPS:     s.fps(),
		Quality: out.Quality,
		Compensation: out.Compensation,
		State:   string(out.State),
		Confidence: out.Confidence,
	}
	if s.Buffer != nil {
		stats.BufferSize = s.Buffer.Size()
		stats.BufferUtilization = s.Buffer.Utilization()
	}
	if s.NetMetrics != nil {
		stats.AverageLatencyMs = s.NetMetrics.AverageLatency()
		stats.JitterMs = s.NetMetrics.Jitter()
		stats.PredictedLatencyMs = s.NetMetrics.PredictedLatency()
		stats.PacketLossRate = s.NetMetrics.PacketLossRate()
		stats.Congestion = s.NetMetrics.Congestion()
	}
	if s.Metrics != nil {
		admitted, dropped, consecutive, decodeFailures := s.Metrics.FrameCounts()
		stats.FramesAdmitted = admitted
		stats.FramesDropped = dropped
		stats.ConsecutiveDrops = consecutive
		stats.DecodeFailures = decodeFailures
		stats.ActiveViewers = s.Metrics.ActiveViewers()
	}
	stats.Segment = s.segment()
	if s.Recorder != nil {
		snap := s.Recorder.Snapshot()
		stats.RecordingActive = snap.RecordingActive
		stats.LowFPSMode = snap.LowFPSMode
		stats.SavedSegments = snap.SavedCount
	}
	return stats
}

// PerformanceStats implements GET /performance_stats.
func (s *Server) PerformanceStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.buildPerformanceStats())
}

// Health implements GET /health: a terse summary for liveness probes.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	var out controller.Outputs
	if s.Controller != nil {
		out = s.Controller.Snapshot()
	}
	recordingActive := false
	if s.Recorder != nil {
		recordingActive = s.Recorder.Snapshot().RecordingActive
	}
	writeJSON(w, http.StatusOK, struct {
		Status          string `json:"status"`
		State           string `json:"state"`
		RecordingActive bool   `json:"recording_active"`
	}{
		Status:          "ok",
		State:           string(out.State),
		RecordingActive: recordingActive,
	})
}

// SystemInfo implements GET /system_info: diagnostics plus a short list of
// human-readable recommendations derived from current state (grounded on
// original_source/core/error_handler.py's classification-to-advice mapping,
// SPEC_FULL.md §12).
func (s *Server) SystemInfo(w http.ResponseWriter, r *http.Request) {
	stats := s.buildPerformanceStats()
	writeJSON(w, http.StatusOK, struct {
		Stats           performanceStats `json:"stats"`
		Recommendations []string         `json:"recommendations"`
	}{
		Stats:           stats,
		Recommendations: recommendationsFor(stats),
	})
}

func recommendationsFor(stats performanceStats) []string {
	var rec []string
	if stats.JitterMs > 80 {
		rec = append(rec, "network jitter is high; consider lowering target_fps")
	}
	if stats.BufferUtilization > 0.9 {
		rec = append(rec, "frame buffer is nearly full; viewers may see stale frames")
	}
	if stats.PacketLossRate > 0.05 {
		rec = append(rec, "packet loss rate is elevated; check the producer's network path")
	}
	if stats.State == "critical" {
		rec = append(rec, "system state is critical; investigate before it escalates to recorder recovery")
	}
	if stats.DecodeFailures > 0 && stats.FramesAdmitted > 0 && float64(stats.DecodeFailures)/float64(stats.FramesAdmitted) > 0.01 {
		rec = append(rec, "decode failure rate is above 1%; check the producer's JPEG encoder")
	}
	if stats.LowFPSMode {
		rec = append(rec, "recorder is in low-fps mode; confirm the producer is still healthy")
	}
	return rec
}

// ResetStats implements GET /reset_stats: resets all counters (spec §4.12
// "reset-stats").
func (s *Server) ResetStats(w http.ResponseWriter, r *http.Request) {
	if s.Metrics != nil {
		s.Metrics.Reset()
	}
	if s.Controller != nil {
		s.Controller.Reset()
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{Status: "reset"})
}

type frameRateControlPayload struct {
	TargetFPS float64 `json:"target_fps"`
	MinFPS    float64 `json:"min_fps"`
}

// FrameRateControl implements GET/POST /frame_rate_control: reports or
// updates the frame-rate controller's target/min FPS bounds.
func (s *Server) FrameRateControl(w http.ResponseWriter, r *http.Request) {
	if s.RateController == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "rate controller not configured")
		return
	}
	if r.Method == http.MethodPost {
		var payload frameRateControlPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if payload.TargetFPS < 0 || payload.MinFPS < 0 {
			writeJSONError(w, http.StatusBadRequest, "target_fps and min_fps must be non-negative")
			return
		}
		if payload.TargetFPS > 0 && payload.MinFPS > 0 && payload.MinFPS > payload.TargetFPS {
			writeJSONError(w, http.StatusBadRequest, "min_fps must not exceed target_fps")
			return
		}
		s.RateController.SetBounds(payload.TargetFPS, payload.MinFPS)
	}
	target, min, max := s.RateController.Bounds()
	writeJSON(w, http.StatusOK, struct {
		TargetFPS float64 `json:"target_fps"`
		MinFPS    float64 `json:"min_fps"`
		MaxFPS    float64 `json:"max_fps"`
	}{TargetFPS: target, MinFPS: min, MaxFPS: max})
}

type imageEnhancementPayload struct {
	ForcedMode string `json:"forced_mode"`
}

var validModes = map[string]bool{
	"":                   true,
	string(enhancer.ModeAuto):     true,
	string(enhancer.ModeDay):      true,
	string(enhancer.ModeLowLight): true,
	string(enhancer.ModeNight):    true,
	string(enhancer.ModeSecurity): true,
}

// ImageEnhancement implements GET/POST /image_enhancement: reports or sets
// the operator's forced-mode override and the most recent enhancement
// result (spec §4.5, SPEC_FULL.md §12 "forced enhancer mode persistence").
func (s *Server) ImageEnhancement(w http.ResponseWriter, r *http.Request) {
	if s.Controller == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "controller not configured")
		return
	}
	if r.Method == http.MethodPost {
		var payload imageEnhancementPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if !validModes[payload.ForcedMode] {
			writeJSONError(w, http.StatusBadRequest, "unknown enhancement mode: "+payload.ForcedMode)
			return
		}
		s.Controller.ForceMode(payload.ForcedMode)
	}
	s.writeEnhancementState(w)
}

// ImageEnhancementMode implements POST /image_enhancement/mode: forces a
// specific mode, 4xx on an unrecognized value.
func (s *Server) ImageEnhancementMode(w http.ResponseWriter, r *http.Request) {
	if s.Controller == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "controller not configured")
		return
	}
	var payload imageEnhancementPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if payload.ForcedMode == "" || !validModes[payload.ForcedMode] {
		writeJSONError(w, http.StatusBadRequest, "unknown enhancement mode: "+payload.ForcedMode)
		return
	}
	s.Controller.ForceMode(payload.ForcedMode)
	s.writeEnhancementState(w)
}

func (s *Server) writeEnhancementState(w http.ResponseWriter) {
	type lastResult struct {
		Mode               string  `json:"mode"`
		ProcessingTimeMs   float64 `json:"processing_time_ms"`
		QualityImprovement float64 `json:"quality_improvement"`
	}
	resp := struct {
		ForcedMode string      `json:"forced_mode"`
		LastResult *lastResult `json:"last_result,omitempty"`
	}{
		ForcedMode: s.Controller.ForcedMode(),
	}
	if s.Processor != nil {
		if result, ok := s.Processor.LastEnhancement(); ok {
			resp.LastResult = &lastResult{
				Mode:               string(result.Mode),
				ProcessingTimeMs:   float64(result.ProcessingTime.Microseconds()) / 1000.0,
				QualityImprovement: result.QualityImprovement,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// SecurityRecording implements GET/POST /security_recording/*: status
// reporting and the recorder's operator control actions (spec §4.12).
func (s *Server) SecurityRecording(w http.ResponseWriter, r *http.Request) {
	if s.Recorder == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "recorder not configured")
		return
	}
	action := strings.TrimPrefix(r.URL.Path, "/security_recording")
	action = strings.Trim(action, "/")

	switch action {
	case "", "status":
		s.writeRecorderStatus(w)
	case "force_save":
		s.runRecorderAction(w, r, s.Recorder.ForceSave)
	case "force_merge":
		s.runRecorderAction(w, r, s.Recorder.ForceMerge)
	case "cleanup_tiny":
		s.runRecorderAction(w, r, s.Recorder.CleanupTiny)
	case "handle_disconnect":
		s.runRecorderAction(w, r, s.Recorder.HandleDisconnect)
	case "handle_reconnect":
		s.runRecorderAction(w, r, s.Recorder.HandleReconnect)
	case "force_restart":
		s.runRecorderAction(w, r, s.Recorder.ForceRestart)
	default:
		writeJSONError(w, http.StatusNotFound, "unknown security_recording action: "+action)
	}
}

func (s *Server) runRecorderAction(w http.ResponseWriter, r *http.Request, action func(context.Context) error) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "unsupported method: "+r.Method)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := action(ctx); err != nil {
		writeJSONError(w, http.StatusGatewayTimeout, "recorder action timed out: "+err.Error())
		return
	}
	s.writeRecorderStatus(w)
}

func (s *Server) writeRecorderStatus(w http.ResponseWriter) {
	snap := s.Recorder.Snapshot()
	cfg, layout := s.recorderConfigAndLayout()
	writeJSON(w, http.StatusOK, struct {
		RecordingActive bool             `json:"recording_active"`
		LowFPSMode      bool             `json:"low_fps_mode"`
		SavedSegments   int              `json:"saved_segments"`
		CurrentSegment  *segmentHealth   `json:"current_segment,omitempty"`
		Configuration   *recorderConfig  `json:"configuration,omitempty"`
		Directories     *directoryLayout `json:"directories,omitempty"`
	}{
		RecordingActive: snap.RecordingActive,
		LowFPSMode:      snap.LowFPSMode,
		SavedSegments:   snap.SavedCount,
		CurrentSegment:  s.segment(),
		Configuration:   cfg,
		Directories:     layout,
	})
}
