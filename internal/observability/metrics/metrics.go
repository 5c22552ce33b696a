package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, ingest admission/drops, the active viewer gauge, recorder
// segment lifecycle events, and controller system-state transitions.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration

	activeViewers atomic.Int64

	framesAdmitted   atomic.Uint64
	framesDropped    atomic.Uint64
	consecutiveDrops atomic.Uint64
	decodeFailures   atomic.Uint64

	segmentEvents map[string]uint64

	stateTransitions map[string]uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		segmentEvents:    make(map[string]uint64),
		stateTransitions: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation
// pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ViewerConnected increments the active-viewer gauge when a streaming
// endpoint connection is accepted.
func (r *Recorder) ViewerConnected() {
	r.activeViewers.Add(1)
}

// ViewerDisconnected decrements the active-viewer gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) ViewerDisconnected() {
	r.decrementGauge(&r.activeViewers)
}

// ActiveViewers exposes the current gauge of connected stream viewers.
func (r *Recorder) ActiveViewers() int64 {
	return r.activeViewers.Load()
}

// FrameAdmitted records a frame that was successfully decoded, scored and
// enqueued.
func (r *Recorder) FrameAdmitted() {
	r.framesAdmitted.Add(1)
}

// FrameDropped records a frame dropped by priority-queue eviction under
// pressure and updates the consecutive-drops counter (spec
// §4.1: "if two drops occur within 1 s of each other, increment it").
func (r *Recorder) FrameDropped(withinOneSecondOfLastDrop bool) {
	r.framesDropped.Add(1)
	if withinOneSecondOfLastDrop {
		r.consecutiveDrops.Add(1)
	} else {
		r.consecutiveDrops.Store(0)
	}
}

// DecodeFailed records a frame that failed JPEG decode at ingest.
func (r *Recorder) DecodeFailed() {
	r.decodeFailures.Add(1)
}

// FrameCounts returns the raw admitted/dropped/consecutive-drop/decode-failure
// counters for diagnostics.
func (r *Recorder) FrameCounts() (admitted, dropped, consecutiveDrops, decodeFailures uint64) {
	return r.framesAdmitted.Load(), r.framesDropped.Load(), r.consecutiveDrops.Load(), r.decodeFailures.Load()
}

// SegmentEvent records a recorder lifecycle event (e.g. "saved", "merged",
// "force_saved", "cleanup", "error") by kind.
func (r *Recorder) SegmentEvent(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.segmentEvents[normalized]++
	r.mu.Unlock()
}

// SegmentEventCounts returns a copy of the segment event counters.
func (r *Recorder) SegmentEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.segmentEvents))
	for k, v := range r.segmentEvents {
		out[k] = v
	}
	return out
}

// StateTransition records the adaptive controller moving into the named
// system state.
func (r *Recorder) StateTransition(state string) {
	normalized := normalizeName(state)
	r.mu.Lock()
	r.stateTransitions[normalized]++
	r.mu.Unlock()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups and the operator reset-stats action.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.segmentEvents = make(map[string]uint64)
	r.stateTransitions = make(map[string]uint64)
	r.activeViewers.Store(0)
	r.framesAdmitted.Store(0)
	r.framesDropped.Store(0)
	r.consecutiveDrops.Store(0)
	r.decodeFailures.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	segmentEvents := r.sortedKeys(r.segmentEvents)
	stateTransitions := r.sortedKeys(r.stateTransitions)

	fmt.Fprintln(w, "# HELP camwatch_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE camwatch_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "camwatch_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP camwatch_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE camwatch_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "camwatch_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP camwatch_active_viewers Current number of connected stream viewers")
	fmt.Fprintln(w, "# TYPE camwatch_active_viewers gauge")
	fmt.Fprintf(w, "camwatch_active_viewers %d\n", r.activeViewers.Load())

	fmt.Fprintln(w, "# HELP camwatch_frames_admitted_total Total frames admitted to the priority queue")
	fmt.Fprintln(w, "# TYPE camwatch_frames_admitted_total counter")
	fmt.Fprintf(w, "camwatch_frames_admitted_total %d\n", r.framesAdmitted.Load())

	fmt.Fprintln(w, "# HELP camwatch_frames_dropped_total Total frames dropped under backpressure")
	fmt.Fprintln(w, "# TYPE camwatch_frames_dropped_total counter")
	fmt.Fprintf(w, "camwatch_frames_dropped_total %d\n", r.framesDropped.Load())

	fmt.Fprintln(w, "# HELP camwatch_frames_consecutive_drops Current consecutive-drop streak")
	fmt.Fprintln(w, "# TYPE camwatch_frames_consecutive_drops gauge")
	fmt.Fprintf(w, "camwatch_frames_consecutive_drops %d\n", r.consecutiveDrops.Load())

	fmt.Fprintln(w, "# HELP camwatch_decode_failures_total Total JPEG decode failures at ingest")
	fmt.Fprintln(w, "# TYPE camwatch_decode_failures_total counter")
	fmt.Fprintf(w, "camwatch_decode_failures_total %d\n", r.decodeFailures.Load())

	fmt.Fprintln(w, "# HELP camwatch_segment_events_total Recorder segment lifecycle events by kind")
	fmt.Fprintln(w, "# TYPE camwatch_segment_events_total counter")
	for _, event := range segmentEvents {
		fmt.Fprintf(w, "camwatch_segment_events_total{event=\"%s\"} %d\n", event, r.segmentEvents[event])
	}

	fmt.Fprintln(w, "# HELP camwatch_controller_state_transitions_total Adaptive controller state transitions")
	fmt.Fprintln(w, "# TYPE camwatch_controller_state_transitions_total counter")
	for _, state := range stateTransitions {
		fmt.Fprintf(w, "camwatch_controller_state_transitions_total{state=\"%s\"} %d\n", state, r.stateTransitions[state])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ViewerConnected increments the active-viewer gauge on the default recorder.
func ViewerConnected() {
	defaultRecorder.ViewerConnected()
}

// ViewerDisconnected decrements the active-viewer gauge on the default
// recorder.
func ViewerDisconnected() {
	defaultRecorder.ViewerDisconnected()
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}

// Registry holds a Recorder installed as the package default.
type Registry struct {
	Recorder *Recorder
}

// NewRegistry constructs a fresh Recorder and installs it as the default.
func NewRegistry() *Registry {
	rec := New()
	SetDefault(rec)
	return &Registry{Recorder: rec}
}

// SetDefault replaces the default recorder; a nil recorder is ignored.
func SetDefault(r *Recorder) {
	if r != nil {
		defaultRecorder = r
	}
}
