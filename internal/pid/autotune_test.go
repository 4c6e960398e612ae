package pid

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(sec int) time.Time {
	return time.Unix(int64(sec), 0)
}

func TestRelayTogglesWithHysteresis(t *testing.T) {
	a := NewAutotuner(0, 100, 0.5)
	a.Start(20)

	// Output starts high and stays high inside the band.
	assert.Equal(t, 100.0, a.Update(20.4, at(0)))
	assert.Equal(t, 100.0, a.Update(19.0, at(1)))

	// Crossing above setpoint+hysteresis switches low.
	assert.Equal(t, 0.0, a.Update(20.6, at(2)))
	assert.Equal(t, 1, a.PeakCount())

	// Stays low inside the band, switches high below the band.
	assert.Equal(t, 0.0, a.Update(19.6, at(3)))
	assert.Equal(t, 100.0, a.Update(19.4, at(4)))
}

func TestAutotuneCompletesAndYieldsZieglerNichols(t *testing.T) {
	a := NewAutotuner(0, 100, 0.5)
	a.Start(20)

	// Drive a synthetic oscillation: high crossings every 20s, swings
	// between 18.5 and 21.5.
	script := []struct {
		sec   int
		input float64
	}{
		{0, 19},
		{10, 21}, // peak 1
		{20, 19},
		{30, 21.5}, // peak 2
		{40, 18.5},
		{50, 21}, // peak 3
		{60, 19},
		{70, 21}, // peak 4
		{80, 19},
		{90, 21}, // peak 5 -> complete
	}
	for _, s := range script {
		a.Update(s.input, at(s.sec))
	}

	require.Equal(t, TuneComplete, a.State())
	require.Equal(t, 5, a.PeakCount())

	kp, ki, kd := a.Gains()

	// d = 50, a = (21.5-18.5)/2 = 1.5, Ku = 4*50/(pi*1.5), Pu = 20s.
	ku := (4 * 50.0) / (math.Pi * 1.5)
	assert.InDelta(t, 0.6*ku, kp, 1e-6)
	assert.InDelta(t, 1.2*ku/20, ki, 1e-6)
	assert.InDelta(t, 0.075*ku*20, kd, 1e-6)

	// A finished tuner parks at the low output.
	assert.Equal(t, 0.0, a.Update(25, at(100)))
}

func TestGainsUnavailableBeforeComplete(t *testing.T) {
	a := NewAutotuner(0, 100, 0.5)
	a.Start(20)
	a.Update(21, at(0))

	kp, ki, kd := a.Gains()
	assert.Zero(t, kp)
	assert.Zero(t, ki)
	assert.Zero(t, kd)
	assert.Equal(t, TuneRunning, a.State())
}

func TestCancelStopsTuning(t *testing.T) {
	a := NewAutotuner(0, 100, 0.5)
	a.Start(20)
	a.Cancel()
	assert.Equal(t, TuneIdle, a.State())
	assert.Equal(t, 0.0, a.Update(25, at(0)))
}

func TestStartResetsPreviousRun(t *testing.T) {
	a := NewAutotuner(0, 100, 0.5)
	a.Start(20)
	a.Update(21, at(0))
	require.Equal(t, 1, a.PeakCount())

	a.Start(15)
	assert.Equal(t, 0, a.PeakCount())
	assert.Equal(t, TuneRunning, a.State())
}
