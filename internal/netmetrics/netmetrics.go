// Package netmetrics maintains sliding-window statistics of inter-frame
// latency, interval and bandwidth, and derives jitter, packet-loss proxy,
// predicted latency and congestion (spec §4.6).
package netmetrics

import (
	"math"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// Window lengths from spec §3.
const (
	windowLength       = 100
	jitterSampleWindow = 20
	predictionWindow   = 10
)

// Metrics aggregates sliding windows of per-frame latency, inter-arrival
// interval and instantaneous bandwidth, and derives the scalars the adaptive
// controller and streaming endpoint consume.
type Metrics struct {
	mu sync.Mutex

	latencies  []float64 // milliseconds
	intervals  []float64 // seconds
	bandwidths []float64 // bytes/sec

	nominalInterval time.Duration
	ewmaLatency     float64
	ewmaInitialized bool
}

// Config controls the nominal inter-frame interval used for the
// packet-loss proxy (derived from the target FPS).
type Config struct {
	NominalInterval time.Duration
}

// New constructs a Metrics tracker.
func New(cfg Config) *Metrics {
	nominal := cfg.NominalInterval
	if nominal <= 0 {
		nominal = time.Second / 30
	}
	return &Metrics{nominalInterval: nominal}
}

// Update records a new sample after admission of a frame.
func (m *Metrics) Update(latency time.Duration, interval time.Duration, sizeBytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latencyMs := sanitize(latency.Seconds() * 1000)
	m.latencies = pushWindow(m.latencies, latencyMs, windowLength)

	intervalSeconds := sanitize(interval.Seconds())
	m.intervals = pushWindow(m.intervals, intervalSeconds, windowLength)

	bandwidth := 0.0
	if intervalSeconds > 0 {
		bandwidth = float64(sizeBytes) / intervalSeconds
	}
	m.bandwidths = pushWindow(m.bandwidths, sanitize(bandwidth), windowLength)

	const ewmaAlpha = 0.2
	if !m.ewmaInitialized {
		m.ewmaLatency = latencyMs
		m.ewmaInitialized = true
	} else {
		m.ewmaLatency = ewmaAlpha*latencyMs + (1-ewmaAlpha)*m.ewmaLatency
	}
}

// AverageLatency returns the exponentially weighted average latency in
// milliseconds.
func (m *Metrics) AverageLatency() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sanitize(m.ewmaLatency)
}

// Jitter returns the standard deviation of latency over the last 20 samples,
// in milliseconds.
func (m *Metrics) Jitter() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	sample := lastN(m.latencies, jitterSampleWindow)
	if len(sample) < 2 {
		return 0
	}
	sd, err := stats.StandardDeviation(stats.Float64Data(sample))
	if err != nil {
		return 0
	}
	return sanitize(sd)
}

// PacketLossRate estimates the fraction of frames effectively lost, proxied
// by how far measured intervals deviate from the nominal target interval,
// clamped to [0,1].
func (m *Metrics) PacketLossRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.intervals) == 0 {
		return 0
	}
	nominal := m.nominalInterval.Seconds()
	if nominal <= 0 {
		return 0
	}
	mean, err := stats.Mean(stats.Float64Data(m.intervals))
	if err != nil {
		return 0
	}
	deviation := math.Abs(mean-nominal) / nominal
	return clamp01(sanitize(deviation))
}

// PredictedLatency extrapolates one step ahead using least-squares linear
// regression over the last 10 latency samples; on numerical failure it
// falls back to the exponentially weighted average.
func (m *Metrics) PredictedLatency() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	sample := lastN(m.latencies, predictionWindow)
	if len(sample) < 3 {
		return sanitize(m.ewmaLatency)
	}
	series := make(stats.Series, len(sample))
	for i, v := range sample {
		series[i] = stats.Coordinate{X: float64(i), Y: v}
	}
	fitted, err := stats.LinearRegression(series)
	if err != nil || len(fitted) < 2 {
		return sanitize(m.ewmaLatency)
	}
	last := fitted[len(fitted)-1]
	prev := fitted[len(fitted)-2]
	slope := last.Y - prev.Y
	predicted := last.Y + slope
	if math.IsNaN(predicted) || math.IsInf(predicted, 0) {
		return sanitize(m.ewmaLatency)
	}
	return predicted
}

// Congestion returns the ratio of recent mean bandwidth to recent peak
// bandwidth, in [0,1].
func (m *Metrics) Congestion() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bandwidths) == 0 {
		return 0
	}
	mean, err := stats.Mean(stats.Float64Data(m.bandwidths))
	if err != nil {
		return 0
	}
	peak := m.bandwidths[0]
	for _, v := range m.bandwidths {
		if v > peak {
			peak = v
		}
	}
	if peak <= 0 {
		return 0
	}
	return clamp01(sanitize(mean / peak))
}

func pushWindow(window []float64, value float64, max int) []float64 {
	window = append(window, value)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}

func lastN(window []float64, n int) []float64 {
	if len(window) <= n {
		return window
	}
	return window[len(window)-n:]
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
