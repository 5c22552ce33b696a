package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestObserveRequestAccumulatesCountAndDuration(t *testing.T) {
	r := New()
	r.ObserveRequest("get", "/health", 200, 10*time.Millisecond)
	r.ObserveRequest("GET", "/health", 200, 5*time.Millisecond)

	var out strings.Builder
	r.Write(&out)
	text := out.String()
	if !strings.Contains(text, `camwatch_http_requests_total{method="GET",path="/health",status="200"} 2`) {
		t.Fatalf("expected request count of 2, got:\n%s", text)
	}
}

func TestViewerGaugeTracksConnectDisconnect(t *testing.T) {
	r := New()
	r.ViewerConnected()
	r.ViewerConnected()
	r.ViewerDisconnected()
	if got := r.ActiveViewers(); got != 1 {
		t.Fatalf("expected 1 active viewer, got %d", got)
	}
}

func TestViewerGaugeNeverGoesNegative(t *testing.T) {
	r := New()
	r.ViewerDisconnected()
	r.ViewerDisconnected()
	if got := r.ActiveViewers(); got != 0 {
		t.Fatalf("expected gauge clamped at 0, got %d", got)
	}
}

func TestFrameDroppedTracksConsecutiveStreak(t *testing.T) {
	r := New()
	r.FrameDropped(false)
	r.FrameDropped(true)
	r.FrameDropped(true)
	admitted, dropped, consecutive, _ := r.FrameCounts()
	if admitted != 0 || dropped != 3 || consecutive != 2 {
		t.Fatalf("unexpected frame counts: admitted=%d dropped=%d consecutive=%d", admitted, dropped, consecutive)
	}
}

func TestFrameDroppedResetsStreakWhenNotConsecutive(t *testing.T) {
	r := New()
	r.FrameDropped(true)
	r.FrameDropped(false)
	_, _, consecutive, _ := r.FrameCounts()
	if consecutive != 0 {
		t.Fatalf("expected streak reset, got %d", consecutive)
	}
}

func TestSegmentEventCountsByKind(t *testing.T) {
	r := New()
	r.SegmentEvent("saved")
	r.SegmentEvent("Saved")
	r.SegmentEvent("merged")
	counts := r.SegmentEventCounts()
	if counts["saved"] != 2 || counts["merged"] != 1 {
		t.Fatalf("unexpected segment event counts: %+v", counts)
	}
}

func TestResetClearsAllCounters(t *testing.T) {
	r := New()
	r.ObserveRequest("GET", "/x", 200, time.Millisecond)
	r.ViewerConnected()
	r.FrameDropped(false)
	r.SegmentEvent("saved")
	r.StateTransition("critical")
	r.Reset()

	if r.ActiveViewers() != 0 {
		t.Fatalf("expected active viewers reset")
	}
	admitted, dropped, consecutive, decodeFailures := r.FrameCounts()
	if admitted != 0 || dropped != 0 || consecutive != 0 || decodeFailures != 0 {
		t.Fatalf("expected frame counters reset")
	}
	if len(r.SegmentEventCounts()) != 0 {
		t.Fatalf("expected segment events reset")
	}
}

func TestNormalizePathCollapsesIdentifiers(t *testing.T) {
	cases := map[string]string{
		"":                                 "/",
		"/":                                "/",
		"/security_recording/segment12345": "/security_recording/:id",
		"/health":                          "/health",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Fatalf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}
