// Package pid implements the per-vessel temperature controller: a PID
// with back-calculation anti-windup plus a relay autotuner that derives
// Ziegler–Nichols gains from an induced oscillation.
package pid

// Controller is a discrete PID controller. The derivative acts on the
// measurement rather than the error, so setpoint steps do not kick the
// output. Anti-windup uses back-calculation: each step feeds the
// previous step's saturation error, scaled by the tracking gain, back
// into the integral.
type Controller struct {
	kp float64
	ki float64
	kd float64

	outputMin float64
	outputMax float64

	integral      float64
	lastError     float64
	lastInput     float64
	lastOutput    float64
	saturationErr float64
	trackingGain  float64
	firstRun      bool
}

// NewController creates a controller with the given gains and an
// output range of [0, 100].
func NewController(kp, ki, kd float64) *Controller {
	return &Controller{
		kp:           kp,
		ki:           ki,
		kd:           kd,
		outputMin:    0,
		outputMax:    100,
		trackingGain: 1,
		firstRun:     true,
	}
}

// Compute advances the controller one step and returns the output,
// clamped to the configured bounds.
func (c *Controller) Compute(setpoint, input float64) float64 {
	err := setpoint - input

	pTerm := c.kp * err

	// Accumulate before computing the output, then apply the previous
	// step's back-calculation correction.
	c.integral += c.ki * err
	c.integral += c.saturationErr * c.trackingGain
	c.integral = clamp(c.integral, c.outputMin, c.outputMax)

	// Derivative on measurement.
	dTerm := 0.0
	if !c.firstRun {
		dTerm = -c.kd * (input - c.lastInput)
	}

	unsaturated := pTerm + c.integral + dTerm
	output := clamp(unsaturated, c.outputMin, c.outputMax)

	// Saturation error drives the next step's correction.
	c.saturationErr = output - unsaturated

	c.lastError = err
	c.lastInput = input
	c.lastOutput = output
	c.firstRun = false

	return output
}

// SetOutputLimits changes the output range. Ignored when min >= max.
// The integral is re-clamped so it never sits outside the new bounds.
func (c *Controller) SetOutputLimits(min, max float64) {
	if min >= max {
		return
	}
	c.outputMin = min
	c.outputMax = max
	c.integral = clamp(c.integral, min, max)
}

// SetTunings replaces the gains. Negative gains are ignored.
func (c *Controller) SetTunings(kp, ki, kd float64) {
	if kp < 0 || ki < 0 || kd < 0 {
		return
	}
	c.kp = kp
	c.ki = ki
	c.kd = kd
}

// SetTrackingGain sets the anti-windup tracking gain. Higher values
// recover from saturation faster; typical range 0.5 to 2.
func (c *Controller) SetTrackingGain(kt float64) {
	if kt >= 0 {
		c.trackingGain = kt
	}
}

// Reset clears all state. Use when control restarts from scratch.
func (c *Controller) Reset() {
	c.integral = 0
	c.lastError = 0
	c.lastInput = 0
	c.lastOutput = 0
	c.saturationErr = 0
	c.firstRun = true
}

// Initialize seeds the integral with the current output for bumpless
// manual-to-auto transfer: the first Compute continues from output
// instead of stepping.
func (c *Controller) Initialize(output, input float64) {
	c.integral = clamp(output, c.outputMin, c.outputMax)
	c.lastInput = input
	c.lastOutput = output
	c.saturationErr = 0
	c.firstRun = false
}

// Tunings returns the current gains.
func (c *Controller) Tunings() (kp, ki, kd float64) {
	return c.kp, c.ki, c.kd
}

// OutputLimits returns the current output bounds.
func (c *Controller) OutputLimits() (min, max float64) {
	return c.outputMin, c.outputMax
}

// Integral returns the integral accumulator, for observability.
func (c *Controller) Integral() float64 { return c.integral }

// LastError returns the most recent error term.
func (c *Controller) LastError() float64 { return c.lastError }

// LastOutput returns the most recent computed output.
func (c *Controller) LastOutput() float64 { return c.lastOutput }

func clamp(v, min, max float64) float64 {
	if v > max {
		return max
	}
	if v < min {
		return min
	}
	return v
}
