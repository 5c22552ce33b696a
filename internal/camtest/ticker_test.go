package camtest

import (
	"testing"
	"time"
)

func TestManualTickerFireDeliversOnce(t *testing.T) {
	ticker := NewManualTicker()
	ticker.Fire(time.Unix(100, 0))

	select {
	case tm := <-ticker.C():
		if tm.Unix() != 100 {
			t.Fatalf("expected delivered time 100, got %v", tm.Unix())
		}
	default:
		t.Fatal("expected a tick to be available")
	}
}

func TestManualTickerFireNeverBlocks(t *testing.T) {
	ticker := NewManualTicker()
	// Two fires with nothing draining the channel must not block, matching
	// time.Ticker's documented "drop the tick if no one is listening"
	// behavior.
	done := make(chan struct{})
	go func() {
		ticker.Fire(time.Now())
		ticker.Fire(time.Now())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Fire to never block")
	}
}

func TestManualTickerStopIsIdempotent(t *testing.T) {
	ticker := NewManualTicker()
	if ticker.Stopped() {
		t.Fatal("expected ticker to start unstopped")
	}
	ticker.Stop()
	ticker.Stop()
	if !ticker.Stopped() {
		t.Fatal("expected ticker to report stopped")
	}
}
