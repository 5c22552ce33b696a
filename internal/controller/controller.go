// Package controller implements the adaptive quality/compensation controller
// and its four-state classifier (spec §3 "Adaptive controller state", §4.7).
package controller

import (
	"math"
	"sync"
)

// State is one of the four operational states the controller classifies the
// system into on every tick.
type State string

const (
	StateOptimal    State = "optimal"
	StateRecovering State = "recovering"
	StateDegraded   State = "degraded"
	StateCritical   State = "critical"
)

// Defaults per spec §6.
const (
	DefaultMinQuality = 60
	DefaultMaxQuality = 90

	minCompensation = 0.3
	maxCompensation = 4.0

	historyLength = 200

	// dead-zone: never adjust quality while current_fps is within this
	// fraction of target.
	fpsDeadZone = 0.05
)

// Config bounds the controller's quality range and target FPS.
type Config struct {
	MinQuality int
	MaxQuality int
	TargetFPS  float64
}

func (c Config) withDefaults() Config {
	if c.MinQuality <= 0 {
		c.MinQuality = DefaultMinQuality
	}
	if c.MaxQuality <= 0 {
		c.MaxQuality = DefaultMaxQuality
	}
	if c.TargetFPS <= 0 {
		c.TargetFPS = 30
	}
	return c
}

// Controller holds the adaptive state described in spec §3: current quality,
// compensation factor, bounded histories, confidence and system state.
type Controller struct {
	mu sync.Mutex
	cfg Config

	quality       float64
	compensation  float64
	state         State
	fpsHistory    []float64
	qualityHist   []float64
	compHistory   []float64

	forcedMode string
}

// New constructs a Controller starting at optimal state with quality seeded
// at the midpoint of [min,max].
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:          cfg,
		quality:      float64(cfg.MinQuality+cfg.MaxQuality) / 2,
		compensation: 1.0,
		state:        StateOptimal,
	}
}

// Inputs bundles the values the controller reads on each tick.
type Inputs struct {
	CurrentFPS      float64
	BufferUtil      float64 // [0,1]
	Jitter          float64 // ms stdev of latency; Tick converts it to seconds
	Congestion      float64 // [0,1]
}

// Outputs bundles the values the controller publishes on each tick.
type Outputs struct {
	Quality      float64
	Compensation float64
	State        State
	Confidence   float64
}

// Tick advances the controller by one processed frame, classifying system
// state, updating quality with a state-dependent step and dead-zone, and
// recomputing the compensation factor with second-order smoothing.
func (c *Controller) Tick(in Inputs) Outputs {
	c.mu.Lock()
	defer c.mu.Unlock()

	fpsRatio := safeDiv(in.CurrentFPS, c.cfg.TargetFPS)
	bufRatio := clamp01(in.BufferUtil)
	jitterSeconds := in.Jitter / 1000.0
	netScore := clamp01(1 - math.Min(1, 10*jitterSeconds))

	combined := 0.4*fpsRatio + 0.3*bufRatio + 0.3*netScore
	c.state = classify(combined)

	c.updateQuality(fpsRatio)
	c.updateCompensation(jitterSeconds, bufRatio, fpsRatio, in.Congestion)

	c.fpsHistory = pushHistory(c.fpsHistory, in.CurrentFPS)
	c.qualityHist = pushHistory(c.qualityHist, c.quality)
	c.compHistory = pushHistory(c.compHistory, c.compensation)

	return Outputs{
		Quality:      c.quality,
		Compensation: c.compensation,
		State:        c.state,
		Confidence:   c.confidenceLocked(),
	}
}

func classify(combined float64) State {
	switch {
	case combined < 0.5:
		return StateCritical
	case combined < 0.8:
		return StateDegraded
	case combined < 0.95:
		return StateRecovering
	default:
		return StateOptimal
	}
}

func (c *Controller) updateQuality(fpsRatio float64) {
	if math.Abs(fpsRatio-1) <= fpsDeadZone {
		return
	}
	target := float64(c.cfg.MaxQuality)
	if fpsRatio < 1 {
		target = float64(c.cfg.MinQuality)
	}

	var step float64
	switch c.state {
	case StateCritical:
		step = (target - c.quality) / 3
	case StateDegraded:
		step = (target - c.quality) / 6
	case StateOptimal:
		if fpsRatio > 0.95 {
			step = math.Min(1, (target-c.quality)/20)
		}
	default: // recovering
		step = (target - c.quality) / 10
	}

	c.quality = clamp(c.quality+step, float64(c.cfg.MinQuality), float64(c.cfg.MaxQuality))
}

func (c *Controller) updateCompensation(jitter, bufRatio, fpsRatio, congestion float64) {
	networkFactor := 1 + 15*jitter
	bufferFactor := 1 + 0.8*(1-bufRatio)
	performanceFactor := 1 + (1 - fpsRatio)
	congestionFactor := 1 + 0.5*clamp01(congestion)

	instantaneous := networkFactor * bufferFactor * performanceFactor * congestionFactor

	cap := 3.0
	if c.state == StateCritical {
		cap = maxCompensation
	}
	instantaneous = clamp(instantaneous, minCompensation, cap)

	runningMean := meanOf(lastN(c.compHistory, 10))
	if runningMean == 0 {
		runningMean = instantaneous
	}
	smoothed := 0.7*instantaneous + 0.3*runningMean
	c.compensation = clamp(smoothed, minCompensation, maxCompensation)
}

func (c *Controller) confidenceLocked() float64 {
	if len(c.fpsHistory) < 20 {
		return 0.1
	}
	sample := lastN(c.fpsHistory, 20)
	sd := stdev(sample)
	confidence := 1 - sd/c.cfg.TargetFPS
	return clamp(confidence, 0.1, 1.0)
}

// ForceMode records an operator-forced enhancer mode override; empty string
// clears it. This is published alongside controller outputs so the status
// API can report the active override (SPEC_FULL.md §12).
func (c *Controller) ForceMode(mode string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forcedMode = mode
}

// ForcedMode returns the current operator override, or "" if none is set.
func (c *Controller) ForcedMode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forcedMode
}

// Snapshot returns the most recently published outputs without advancing
// the controller.
func (c *Controller) Snapshot() Outputs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Outputs{
		Quality:      c.quality,
		Compensation: c.compensation,
		State:        c.state,
		Confidence:   c.confidenceLocked(),
	}
}

// FPSStats reports instantaneous, averaged, min/max and stability figures
// over the controller's bounded FPS history, for the status API's "current
// FPS (instantaneous, 1-min avg, min, max, stability)" report (spec §4.12).
// Stability is 1 − stdev/mean, clamped to [0,1]; history is approximated as
// the "1-min" window since the controller ticks once per processed frame
// rather than on a wall-clock timer.
func (c *Controller) FPSStats() (instantaneous, avg, min, max, stability float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fpsHistory) == 0 {
		return 0, 0, 0, 0, 0
	}
	instantaneous = c.fpsHistory[len(c.fpsHistory)-1]
	avg = meanOf(c.fpsHistory)
	min, max = c.fpsHistory[0], c.fpsHistory[0]
	for _, v := range c.fpsHistory {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	sd := stdev(c.fpsHistory)
	stability = clamp01(1 - safeDiv(sd, avg))
	return instantaneous, avg, min, max, stability
}

// Reset restores the controller to its initial optimal state, clearing all
// histories (used by the status API's reset-stats operator action).
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quality = float64(c.cfg.MinQuality+c.cfg.MaxQuality) / 2
	c.compensation = 1.0
	c.state = StateOptimal
	c.fpsHistory = nil
	c.qualityHist = nil
	c.compHistory = nil
}

func pushHistory(h []float64, v float64) []float64 {
	h = append(h, v)
	if len(h) > historyLength {
		h = h[len(h)-historyLength:]
	}
	return h
}

func lastN(h []float64, n int) []float64 {
	if len(h) <= n {
		return h
	}
	return h[len(h)-n:]
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := meanOf(values)
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
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
