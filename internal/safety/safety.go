// Package safety watches every registered fermenter for conditions
// the control loop must not be trusted to handle: runaway temperature,
// overpressure and failed sensors. It runs independently of the PID
// loop and acts directly on the state store and event bus.
package safety

import (
	"fmt"
	"log"
	"time"

	"github.com/brauwerk/fermd/internal/bus"
	"github.com/brauwerk/fermd/internal/clock"
	"github.com/brauwerk/fermd/internal/state"
)

// Limits are the configured protection thresholds.
type Limits struct {
	// MaxTempDeviation is the allowed |current - target| in degrees
	// before the deviation timer starts.
	MaxTempDeviation float64

	// MaxPressureBar trips the overpressure alarm immediately.
	MaxPressureBar float64

	// TempDeviationTimeout is how long a deviation must persist
	// before it alarms. Short excursions during crash cooling are
	// normal.
	TempDeviationTimeout time.Duration

	// AlarmCooldown suppresses re-checking a fermenter after it
	// alarmed, so one stuck condition cannot flood the bus.
	AlarmCooldown time.Duration
}

// DefaultLimits matches a typical ale cellar: 3 degrees of slack,
// 2.5 bar spunding ceiling, 15 minute deviation grace, 1 minute
// alarm cooldown.
func DefaultLimits() Limits {
	return Limits{
		MaxTempDeviation:     3.0,
		MaxPressureBar:       2.5,
		TempDeviationTimeout: 15 * time.Minute,
		AlarmCooldown:        time.Minute,
	}
}

// pressureClearMargin is the hysteresis below MaxPressureBar at which
// the overpressure alarm clears.
const pressureClearMargin = 0.2

// AlarmState is the latched alarm picture for one fermenter.
type AlarmState struct {
	TempHigh      bool
	TempLow       bool
	PressureHigh  bool
	SensorFailure bool

	// deviationStart marks when the temperature first left the
	// allowed band; zero while in band.
	deviationStart time.Time

	// lastAlarm gates the cooldown window.
	lastAlarm time.Time
}

// Active reports whether any alarm is latched.
func (a AlarmState) Active() bool {
	return a.TempHigh || a.TempLow || a.PressureHigh || a.SensorFailure
}

// Controller runs the periodic safety sweep. Not safe for concurrent
// use; call Check from a single goroutine.
type Controller struct {
	store  *state.Store
	events *bus.Bus
	clk    clock.Clock

	limits Limits

	overrideActive bool
	overrideUntil  time.Time

	alarms [state.MaxFermenters]AlarmState
}

// New creates a controller with DefaultLimits.
func New(st *state.Store, ev *bus.Bus, clk clock.Clock) *Controller {
	return &Controller{
		store:  st,
		events: ev,
		clk:    clk,
		limits: DefaultLimits(),
	}
}

// Configure replaces the protection thresholds.
func (c *Controller) Configure(l Limits) {
	if l.MaxTempDeviation > 0 {
		c.limits.MaxTempDeviation = l.MaxTempDeviation
	}
	if l.MaxPressureBar > 0 {
		c.limits.MaxPressureBar = l.MaxPressureBar
	}
	if l.TempDeviationTimeout > 0 {
		c.limits.TempDeviationTimeout = l.TempDeviationTimeout
	}
	if l.AlarmCooldown > 0 {
		c.limits.AlarmCooldown = l.AlarmCooldown
	}
}

// Check sweeps every registered fermenter once. Call it on a steady
// interval, one second is plenty.
func (c *Controller) Check() {
	now := c.clk.Now()

	if c.overrideActive {
		if now.After(c.overrideUntil) {
			c.overrideActive = false
			log.Printf("safety: override expired")
		} else {
			return
		}
	}

	for id := 1; id <= state.MaxFermenters; id++ {
		ferm, err := c.store.Fermenter(id)
		if err != nil {
			continue
		}
		c.checkFermenter(&ferm, now)
	}
}

// EnableOverride suspends all checks for the given duration. Latched
// alarms stay latched; they are simply not acted on.
func (c *Controller) EnableOverride(d time.Duration) {
	c.overrideActive = true
	c.overrideUntil = c.clk.Now().Add(d)
	log.Printf("safety: override enabled for %v", d)
}

// DisableOverride resumes checking immediately.
func (c *Controller) DisableOverride() {
	c.overrideActive = false
}

// OverrideActive reports whether checks are currently suspended.
func (c *Controller) OverrideActive() bool {
	return c.overrideActive && c.clk.Now().Before(c.overrideUntil)
}

// Alarms returns the latched alarm state for one fermenter.
func (c *Controller) Alarms(fermenterID int) (AlarmState, bool) {
	if fermenterID < 1 || fermenterID > state.MaxFermenters {
		return AlarmState{}, false
	}
	return c.alarms[fermenterID-1], true
}

// ClearAlarms resets all latched alarms for one fermenter.
func (c *Controller) ClearAlarms(fermenterID int) {
	if fermenterID < 1 || fermenterID > state.MaxFermenters {
		return
	}
	c.alarms[fermenterID-1] = AlarmState{}
}

// HasActiveAlarms reports whether any fermenter has any latched alarm.
func (c *Controller) HasActiveAlarms() bool {
	for i := range c.alarms {
		if c.alarms[i].Active() {
			return true
		}
	}
	return false
}

// HasActiveErrors reports latched sensor failures.
func (c *Controller) HasActiveErrors() bool {
	for i := range c.alarms {
		if c.alarms[i].SensorFailure {
			return true
		}
	}
	return false
}

// HasActiveWarnings reports latched limit alarms, sensor failures
// excluded.
func (c *Controller) HasActiveWarnings() bool {
	for i := range c.alarms {
		if c.alarms[i].TempHigh || c.alarms[i].TempLow || c.alarms[i].PressureHigh {
			return true
		}
	}
	return false
}

func (c *Controller) checkFermenter(ferm *state.FermenterState, now time.Time) {
	alarm := &c.alarms[ferm.ID-1]

	// Skip while in cooldown from the last alarm.
	if !alarm.lastAlarm.IsZero() && now.Sub(alarm.lastAlarm) < c.limits.AlarmCooldown {
		return
	}

	if !c.sensorOK(ferm.TempSensorID) || !c.sensorOK(ferm.PressureSensorID) {
		if !alarm.SensorFailure {
			alarm.SensorFailure = true
			alarm.lastAlarm = now
			c.publishAlarm(ferm, bus.Error, "sensor failure", now)
		}
		// Cannot judge the other limits without trusted readings.
		return
	}
	alarm.SensorFailure = false

	if ferm.Mode == state.Plan || ferm.Mode == state.Manual {
		c.checkTempDeviation(ferm, alarm, now)
	}

	c.checkPressure(ferm, alarm, now)
}

func (c *Controller) sensorOK(id int) bool {
	if id < 0 {
		return false
	}
	sen, err := c.store.Sensor(id)
	return err == nil && sen.Quality == state.Good
}

func (c *Controller) checkTempDeviation(ferm *state.FermenterState, alarm *AlarmState, now time.Time) {
	deviation := ferm.CurrentTemp - ferm.TargetTemp

	switch {
	case deviation > c.limits.MaxTempDeviation:
		if alarm.deviationStart.IsZero() {
			alarm.deviationStart = now
		} else if now.Sub(alarm.deviationStart) > c.limits.TempDeviationTimeout {
			if !alarm.TempHigh {
				alarm.TempHigh = true
				alarm.lastAlarm = now
				c.publishAlarm(ferm, bus.Warning,
					fmt.Sprintf("temperature %.1f above target %.1f", ferm.CurrentTemp, ferm.TargetTemp), now)
			}
		}
	case deviation < -c.limits.MaxTempDeviation:
		if alarm.deviationStart.IsZero() {
			alarm.deviationStart = now
		} else if now.Sub(alarm.deviationStart) > c.limits.TempDeviationTimeout {
			if !alarm.TempLow {
				alarm.TempLow = true
				alarm.lastAlarm = now
				c.publishAlarm(ferm, bus.Warning,
					fmt.Sprintf("temperature %.1f below target %.1f", ferm.CurrentTemp, ferm.TargetTemp), now)
			}
		}
	default:
		// Back in band: reset the timer and clear both alarms.
		alarm.deviationStart = time.Time{}
		alarm.TempHigh = false
		alarm.TempLow = false
	}
}

func (c *Controller) checkPressure(ferm *state.FermenterState, alarm *AlarmState, now time.Time) {
	switch {
	case ferm.CurrentPressure > c.limits.MaxPressureBar:
		if alarm.PressureHigh {
			return
		}
		alarm.PressureHigh = true
		alarm.lastAlarm = now
		c.publishAlarm(ferm, bus.Critical,
			fmt.Sprintf("pressure %.2f bar over limit, opening spunding valve", ferm.CurrentPressure), now)
		c.openSpundingValve(ferm, now)
	case ferm.CurrentPressure < c.limits.MaxPressureBar-pressureClearMargin:
		alarm.PressureHigh = false
	}
}

// openSpundingValve vents the vessel regardless of what the control
// loop wants.
func (c *Controller) openSpundingValve(ferm *state.FermenterState, now time.Time) {
	if ferm.SpundingRelayID < 0 {
		log.Printf("safety: fermenter %d over pressure but has no spunding relay", ferm.ID)
		return
	}
	if err := c.store.SetRelayState(ferm.SpundingRelayID, true, now); err != nil {
		log.Printf("safety: open spunding relay %d: %v", ferm.SpundingRelayID, err)
		return
	}
	c.events.PublishRelayChange(ferm.SpundingRelayID, true, now)
}

func (c *Controller) publishAlarm(ferm *state.FermenterState, sev bus.Severity, msg string, now time.Time) {
	log.Printf("safety: fermenter %d (%s): %s", ferm.ID, ferm.Name, msg)
	c.events.PublishAlarm(ferm.ID, sev, msg, now)
}
