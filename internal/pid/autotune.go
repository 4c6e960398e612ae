package pid

import (
	"math"
	"time"
)

// TuneState is the autotuner lifecycle.
type TuneState uint8

const (
	TuneIdle TuneState = iota
	TuneRunning
	TuneComplete
	TuneFailed
)

func (s TuneState) String() string {
	switch s {
	case TuneIdle:
		return "idle"
	case TuneRunning:
		return "running"
	case TuneComplete:
		return "complete"
	case TuneFailed:
		return "failed"
	}
	return "unknown"
}

// minPeaks is the number of recorded high-side switches needed before
// the oscillation estimate is trusted.
const minPeaks = 5

// Autotuner runs a relay (two-level) test: the output toggles between
// low and high around the setpoint with a hysteresis band, forcing the
// process into a sustained oscillation. The observed amplitude and
// period yield the ultimate gain and period, and from those the
// Ziegler–Nichols PID gains.
type Autotuner struct {
	outputLow  float64
	outputHigh float64
	hysteresis float64

	state    TuneState
	setpoint float64
	output   float64

	peakCount    int
	lastPeakTime time.Time
	peakHigh     float64
	peakLow      float64
	periodSum    time.Duration
}

// NewAutotuner creates a tuner toggling between outputLow and
// outputHigh with the given hysteresis band around the setpoint.
func NewAutotuner(outputLow, outputHigh, hysteresis float64) *Autotuner {
	return &Autotuner{
		outputLow:  outputLow,
		outputHigh: outputHigh,
		hysteresis: hysteresis,
		output:     outputLow,
	}
}

// Start begins a tuning run against the given setpoint. The output
// starts high to push the process toward the setpoint.
func (a *Autotuner) Start(setpoint float64) {
	a.state = TuneRunning
	a.setpoint = setpoint
	a.output = a.outputHigh
	a.peakCount = 0
	a.lastPeakTime = time.Time{}
	a.peakHigh = setpoint
	a.peakLow = setpoint
	a.periodSum = 0
}

// Update advances the relay with the current measurement and returns
// the output to apply. Once enough peaks are recorded the state moves
// to TuneComplete and the output parks at outputLow.
func (a *Autotuner) Update(input float64, now time.Time) float64 {
	if a.state != TuneRunning {
		return a.outputLow
	}

	switch {
	case a.output == a.outputHigh && input > a.setpoint+a.hysteresis:
		a.output = a.outputLow

		if input > a.peakHigh {
			a.peakHigh = input
		}
		if a.peakCount > 0 && !a.lastPeakTime.IsZero() {
			a.periodSum += now.Sub(a.lastPeakTime)
		}
		a.lastPeakTime = now
		a.peakCount++

	case a.output == a.outputLow && input < a.setpoint-a.hysteresis:
		a.output = a.outputHigh

		if input < a.peakLow {
			a.peakLow = input
		}
	}

	if a.peakCount >= minPeaks {
		a.state = TuneComplete
	}

	return a.output
}

// Gains returns the Ziegler–Nichols PID gains computed from the
// observed oscillation:
//
//	Ku = 4d / (π·a)   d = relay half-amplitude, a = oscillation half-amplitude
//	Pu = mean inter-peak interval
//	Kp = 0.6·Ku, Ki = 1.2·Ku/Pu, Kd = 0.075·Ku·Pu
//
// Valid only once State is TuneComplete; otherwise all zeros.
func (a *Autotuner) Gains() (kp, ki, kd float64) {
	if a.state != TuneComplete || a.peakCount < 2 {
		return 0, 0, 0
	}

	amplitude := (a.peakHigh - a.peakLow) / 2
	if amplitude <= 0 {
		return 0, 0, 0
	}
	pu := a.periodSum.Seconds() / float64(a.peakCount-1)
	if pu <= 0 {
		return 0, 0, 0
	}

	d := (a.outputHigh - a.outputLow) / 2
	ku := (4 * d) / (math.Pi * amplitude)

	return 0.6 * ku, 1.2 * ku / pu, 0.075 * ku * pu
}

// State returns the tuner lifecycle state.
func (a *Autotuner) State() TuneState { return a.state }

// PeakCount returns the number of recorded high-side switches.
func (a *Autotuner) PeakCount() int { return a.peakCount }

// Cancel aborts a running tune.
func (a *Autotuner) Cancel() { a.state = TuneIdle }
