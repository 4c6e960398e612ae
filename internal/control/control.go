// Package control runs the per-fermenter temperature loop: one PID
// controller per vessel driving its cooling relay, with an optional
// relay autotune pass that lands in manual mode with fresh gains.
package control

import (
	"log"
	"time"

	"github.com/brauwerk/fermd/internal/bus"
	"github.com/brauwerk/fermd/internal/clock"
	"github.com/brauwerk/fermd/internal/pid"
	"github.com/brauwerk/fermd/internal/state"
)

// coolingThreshold is the PID output above which the cooling relay
// closes. Time-proportional actuation uses the duty cycle instead;
// the threshold is the fallback for plain on/off solenoids.
const coolingThreshold = 50.0

// slot holds the volatile controller state for one fermenter id.
type slot struct {
	pid    *pid.Controller
	tuner  *pid.Autotuner
	tuning bool
}

// Runner owns the control pass over all registered fermenters. Not
// safe for concurrent use; call Step from one goroutine.
type Runner struct {
	store  *state.Store
	events *bus.Bus
	clk    clock.Clock

	slots [state.MaxFermenters]slot
}

// New creates a runner. Controllers are built lazily when a fermenter
// first steps in a control mode, picking up its stored tunings.
func New(st *state.Store, ev *bus.Bus, clk clock.Clock) *Runner {
	return &Runner{store: st, events: ev, clk: clk}
}

// Step runs one control pass. Call it once per base cycle, after the
// poll cycle has refreshed sensor values.
func (r *Runner) Step() {
	now := r.clk.Now()
	for id := 1; id <= state.MaxFermenters; id++ {
		ferm, err := r.store.Fermenter(id)
		if err != nil {
			continue
		}
		r.stepFermenter(&ferm, now)
	}
}

func (r *Runner) stepFermenter(ferm *state.FermenterState, now time.Time) {
	sl := &r.slots[ferm.ID-1]

	if ferm.Mode == state.Off {
		if sl.tuning {
			sl.tuner.Cancel()
			sl.tuning = false
		}
		return
	}

	if !r.tempSensorGood(ferm) {
		// Bad sensor: cooling off is the safe default, no compute.
		r.setCooling(ferm, false, now)
		return
	}

	if sl.pid == nil {
		sl.pid = r.newController(ferm)
	}

	if ferm.Mode == state.Autotune {
		r.stepAutotune(ferm, sl, now)
		return
	}

	output := sl.pid.Compute(ferm.TargetTemp, ferm.CurrentTemp)

	if err := r.store.SetFermenterPIDState(ferm.ID, output, sl.pid.Integral(), sl.pid.LastError()); err != nil {
		log.Printf("control: fermenter %d: record pid state: %v", ferm.ID, err)
	}

	r.applyOutput(ferm, output, now)
}

// stepAutotune feeds the relay autotuner instead of the PID. When the
// tune completes the gains go into the store and the controller, and
// the fermenter drops to manual mode at the same setpoint.
func (r *Runner) stepAutotune(ferm *state.FermenterState, sl *slot, now time.Time) {
	if !sl.tuning {
		min, max := sl.pid.OutputLimits()
		sl.tuner = pid.NewAutotuner(min, max, 0.5)
		sl.tuner.Start(ferm.TargetTemp)
		sl.tuning = true
		log.Printf("control: fermenter %d: autotune started at %.1f", ferm.ID, ferm.TargetTemp)
	}

	output := sl.tuner.Update(ferm.CurrentTemp, now)
	r.applyOutput(ferm, output, now)

	switch sl.tuner.State() {
	case pid.TuneComplete:
		kp, ki, kd := sl.tuner.Gains()
		if err := r.store.SetFermenterTunings(ferm.ID, kp, ki, kd); err != nil {
			log.Printf("control: fermenter %d: store tunings: %v", ferm.ID, err)
		}
		sl.pid.SetTunings(kp, ki, kd)
		sl.pid.Initialize(output, ferm.CurrentTemp)
		sl.tuning = false
		log.Printf("control: fermenter %d: autotune complete kp=%.3f ki=%.3f kd=%.3f", ferm.ID, kp, ki, kd)
		if err := r.store.SetFermenterMode(ferm.ID, state.Manual); err != nil {
			log.Printf("control: fermenter %d: leave autotune: %v", ferm.ID, err)
		}
	case pid.TuneFailed:
		sl.tuning = false
		log.Printf("control: fermenter %d: autotune failed", ferm.ID)
		if err := r.store.SetFermenterMode(ferm.ID, state.Manual); err != nil {
			log.Printf("control: fermenter %d: leave autotune: %v", ferm.ID, err)
		}
	}
}

// applyOutput drives the cooling relay from a 0..100 output: duty
// cycle recorded for time-proportional hardware, threshold switching
// for plain solenoids.
func (r *Runner) applyOutput(ferm *state.FermenterState, output float64, now time.Time) {
	if ferm.CoolingRelayID < 0 {
		return
	}
	if err := r.store.SetRelayDutyCycle(ferm.CoolingRelayID, output); err != nil {
		log.Printf("control: fermenter %d: set duty cycle: %v", ferm.ID, err)
	}
	r.setCooling(ferm, output > coolingThreshold, now)
}

// setCooling switches the cooling relay, publishing a change event
// only on an actual transition.
func (r *Runner) setCooling(ferm *state.FermenterState, on bool, now time.Time) {
	if ferm.CoolingRelayID < 0 {
		return
	}
	rel, err := r.store.Relay(ferm.CoolingRelayID)
	if err != nil {
		log.Printf("control: fermenter %d: read cooling relay: %v", ferm.ID, err)
		return
	}
	if rel.State == on {
		return
	}
	if err := r.store.SetRelayState(ferm.CoolingRelayID, on, now); err != nil {
		log.Printf("control: fermenter %d: switch cooling: %v", ferm.ID, err)
		return
	}
	r.events.PublishRelayChange(ferm.CoolingRelayID, on, now)
}

func (r *Runner) tempSensorGood(ferm *state.FermenterState) bool {
	if ferm.TempSensorID < 0 {
		return false
	}
	sen, err := r.store.Sensor(ferm.TempSensorID)
	return err == nil && sen.Quality == state.Good
}

// newController builds the PID for one fermenter from its stored
// tunings, falling back to conservative defaults when unset.
func (r *Runner) newController(ferm *state.FermenterState) *pid.Controller {
	p := ferm.PID
	if p.Kp == 0 && p.Ki == 0 && p.Kd == 0 {
		p.Kp, p.Ki, p.Kd = 2.0, 0.1, 1.0
	}
	c := pid.NewController(p.Kp, p.Ki, p.Kd)
	if p.OutputMax > p.OutputMin {
		c.SetOutputLimits(p.OutputMin, p.OutputMax)
	}
	// Start from the current reading so the first step is bumpless.
	c.Initialize(0, ferm.CurrentTemp)
	return c
}

// Controller exposes the live PID for one fermenter, nil when it has
// not stepped in a control mode yet.
func (r *Runner) Controller(fermenterID int) *pid.Controller {
	if fermenterID < 1 || fermenterID > state.MaxFermenters {
		return nil
	}
	return r.slots[fermenterID-1].pid
}

// Tuning reports whether an autotune pass is in progress.
func (r *Runner) Tuning(fermenterID int) bool {
	if fermenterID < 1 || fermenterID > state.MaxFermenters {
		return false
	}
	return r.slots[fermenterID-1].tuning
}
