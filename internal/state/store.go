package state

import (
	"errors"
	"time"

	"github.com/brauwerk/fermd/internal/filter"
)

// DefaultLockTimeout bounds how long any store operation waits for the
// registry lock before giving up.
const DefaultLockTimeout = 1000 * time.Millisecond

var (
	// ErrLockTimeout means the registry lock could not be acquired in
	// time. The operation did not run; callers may retry.
	ErrLockTimeout = errors.New("state: lock timeout")

	// ErrStoreFull means a fixed-capacity table has no free slot.
	ErrStoreFull = errors.New("state: capacity exceeded")

	// ErrNotFound means no entry exists for the given id or name.
	ErrNotFound = errors.New("state: not found")
)

// Store is the shared state registry. Sensors and relays get dense ids
// in registration order; fermenters carry their configured ids
// (1..MaxFermenters). Accessors return copies, never references into
// the tables.
type Store struct {
	sem     chan struct{}
	timeout time.Duration

	sensors        [MaxSensors]SensorState
	sensorCount    int
	relays         [MaxRelays]RelayState
	relayCount     int
	fermenters     [MaxFermenters]FermenterState
	fermenterCount int
	system         SystemState
}

// New creates an empty Store with the given lock timeout; zero or
// negative means DefaultLockTimeout.
func New(lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Store{
		sem:     make(chan struct{}, 1),
		timeout: lockTimeout,
	}
}

// tryLock acquires the registry lock, waiting at most the configured
// timeout. Returns false on expiry.
func (s *Store) tryLock() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
	}
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Store) unlock() { <-s.sem }

// With runs fn while holding the registry lock, releasing it on every
// exit path (including panics in fn). Returns ErrLockTimeout without
// running fn if the lock cannot be acquired in time.
func (s *Store) With(fn func()) error {
	if !s.tryLock() {
		return ErrLockTimeout
	}
	defer s.unlock()
	fn()
	return nil
}

// Sensor operations.

// RegisterSensor assigns the next free sensor slot and returns its id.
func (s *Store) RegisterSensor(name, unit string, scale, offset float64, kind filter.Kind, alpha float64) (int, error) {
	id := -1
	err := s.With(func() {
		if s.sensorCount >= MaxSensors {
			return
		}
		id = s.sensorCount
		s.sensors[id] = SensorState{
			ID:          id,
			Name:        name,
			Unit:        unit,
			Scale:       scale,
			Offset:      offset,
			Quality:     Unknown,
			FilterKind:  kind,
			FilterAlpha: alpha,
		}
		s.sensorCount++
	})
	if err != nil {
		return -1, err
	}
	if id < 0 {
		return -1, ErrStoreFull
	}
	return id, nil
}

// SensorID resolves a sensor name to its id, or -1 when unknown.
func (s *Store) SensorID(name string) int {
	id := -1
	s.With(func() {
		for i := 0; i < s.sensorCount; i++ {
			if s.sensors[i].Name == name {
				id = i
				return
			}
		}
	})
	return id
}

// Sensor returns a copy of the sensor with the given id.
func (s *Store) Sensor(id int) (SensorState, error) {
	var out SensorState
	found := false
	if err := s.With(func() {
		if id >= 0 && id < s.sensorCount {
			out = s.sensors[id]
			found = true
		}
	}); err != nil {
		return SensorState{}, err
	}
	if !found {
		return SensorState{}, ErrNotFound
	}
	return out, nil
}

// SensorByName returns a copy of the named sensor.
func (s *Store) SensorByName(name string) (SensorState, error) {
	id := s.SensorID(name)
	if id < 0 {
		return SensorState{}, ErrNotFound
	}
	return s.Sensor(id)
}

// UpdateSensorValue stores a new raw reading and its timestamp.
//
// Raw and filtered values are written in separate locked sections; a
// concurrent reader may see a fresh raw value alongside the previous
// filtered value. That weak consistency is deliberate and matches the
// one-writer poll loop.
func (s *Store) UpdateSensorValue(id int, raw float64, at time.Time) error {
	return s.withSensor(id, func(sen *SensorState) {
		sen.RawValue = raw
		sen.LastUpdate = at
	})
}

// UpdateSensorFiltered stores the filtered and display values and
// mirrors them into any fermenter bound to this sensor, so the
// control and safety passes always see the latest reading.
func (s *Store) UpdateSensorFiltered(id int, filtered, display float64) error {
	return s.withSensor(id, func(sen *SensorState) {
		sen.FilteredValue = filtered
		sen.DisplayValue = display
		for i := 0; i < s.fermenterCount; i++ {
			f := &s.fermenters[i]
			if f.TempSensorID == id {
				f.CurrentTemp = filtered
			}
			if f.PressureSensorID == id {
				f.CurrentPressure = filtered
			}
		}
	})
}

// SetSensorQuality flags a sensor without touching its stored values:
// a BAD sensor keeps reporting its last good reading, flagged.
func (s *Store) SetSensorQuality(id int, q Quality) error {
	return s.withSensor(id, func(sen *SensorState) {
		sen.Quality = q
	})
}

// SensorCount returns the number of registered sensors.
func (s *Store) SensorCount() int {
	n := 0
	s.With(func() { n = s.sensorCount })
	return n
}

func (s *Store) withSensor(id int, fn func(*SensorState)) error {
	found := false
	if err := s.With(func() {
		if id >= 0 && id < s.sensorCount {
			fn(&s.sensors[id])
			found = true
		}
	}); err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// Relay operations.

// RegisterRelay assigns the next free relay slot and returns its id.
func (s *Store) RegisterRelay(name string, kind RelayKind, gpioPin, modbusAddr, modbusReg int) (int, error) {
	id := -1
	err := s.With(func() {
		if s.relayCount >= MaxRelays {
			return
		}
		id = s.relayCount
		s.relays[id] = RelayState{
			ID:         id,
			Name:       name,
			Kind:       kind,
			GPIOPin:    gpioPin,
			ModbusAddr: modbusAddr,
			ModbusReg:  modbusReg,
		}
		s.relayCount++
	})
	if err != nil {
		return -1, err
	}
	if id < 0 {
		return -1, ErrStoreFull
	}
	return id, nil
}

// RelayID resolves a relay name to its id, or -1 when unknown.
func (s *Store) RelayID(name string) int {
	id := -1
	s.With(func() {
		for i := 0; i < s.relayCount; i++ {
			if s.relays[i].Name == name {
				id = i
				return
			}
		}
	})
	return id
}

// Relay returns a copy of the relay with the given id.
func (s *Store) Relay(id int) (RelayState, error) {
	var out RelayState
	found := false
	if err := s.With(func() {
		if id >= 0 && id < s.relayCount {
			out = s.relays[id]
			found = true
		}
	}); err != nil {
		return RelayState{}, err
	}
	if !found {
		return RelayState{}, ErrNotFound
	}
	return out, nil
}

// SetRelayState records a relay transition.
func (s *Store) SetRelayState(id int, on bool, at time.Time) error {
	return s.withRelay(id, func(r *RelayState) {
		r.State = on
		r.LastChange = at
	})
}

// SetRelayDutyCycle records the commanded output fraction (0..100).
func (s *Store) SetRelayDutyCycle(id int, duty float64) error {
	return s.withRelay(id, func(r *RelayState) {
		r.DutyCycle = duty
	})
}

// RelayCount returns the number of registered relays.
func (s *Store) RelayCount() int {
	n := 0
	s.With(func() { n = s.relayCount })
	return n
}

func (s *Store) withRelay(id int, fn func(*RelayState)) error {
	found := false
	if err := s.With(func() {
		if id >= 0 && id < s.relayCount {
			fn(&s.relays[id])
			found = true
		}
	}); err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// Fermenter operations.

// RegisterFermenter adds a fermenter, resolving its sensor and relay
// names against the registry (-1 when a name is unknown). The
// fermenter keeps its configured id.
func (s *Store) RegisterFermenter(def FermenterDef) error {
	if def.ID < 1 || def.ID > MaxFermenters {
		return ErrNotFound
	}
	tempID := s.SensorID(def.TempSensor)
	pressureID := s.SensorID(def.PressureSensor)
	coolingID := s.RelayID(def.CoolingRelay)
	spundingID := s.RelayID(def.SpundingRelay)

	full := false
	err := s.With(func() {
		if s.fermenterCount >= MaxFermenters {
			full = true
			return
		}
		s.fermenters[s.fermenterCount] = FermenterState{
			ID:               def.ID,
			Name:             def.Name,
			Mode:             Off,
			PID:              def.PID,
			TempSensorID:     tempID,
			PressureSensorID: pressureID,
			CoolingRelayID:   coolingID,
			SpundingRelayID:  spundingID,
		}
		s.fermenterCount++
	})
	if err != nil {
		return err
	}
	if full {
		return ErrStoreFull
	}
	return nil
}

// Fermenter returns a copy of the fermenter with the given id.
func (s *Store) Fermenter(id int) (FermenterState, error) {
	var out FermenterState
	found := false
	if err := s.With(func() {
		for i := 0; i < s.fermenterCount; i++ {
			if s.fermenters[i].ID == id {
				out = s.fermenters[i]
				found = true
				return
			}
		}
	}); err != nil {
		return FermenterState{}, err
	}
	if !found {
		return FermenterState{}, ErrNotFound
	}
	return out, nil
}

// FermenterByName returns a copy of the named fermenter.
func (s *Store) FermenterByName(name string) (FermenterState, error) {
	var out FermenterState
	found := false
	if err := s.With(func() {
		for i := 0; i < s.fermenterCount; i++ {
			if s.fermenters[i].Name == name {
				out = s.fermenters[i]
				found = true
				return
			}
		}
	}); err != nil {
		return FermenterState{}, err
	}
	if !found {
		return FermenterState{}, ErrNotFound
	}
	return out, nil
}

// UpdateFermenterTemps sets current and target temperature.
func (s *Store) UpdateFermenterTemps(id int, current, target float64) error {
	return s.withFermenter(id, func(f *FermenterState) {
		f.CurrentTemp = current
		f.TargetTemp = target
	})
}

// UpdateFermenterPressure sets current and target pressure.
func (s *Store) UpdateFermenterPressure(id int, current, target float64) error {
	return s.withFermenter(id, func(f *FermenterState) {
		f.CurrentPressure = current
		f.TargetPressure = target
	})
}

// SetFermenterMode switches the operating mode.
func (s *Store) SetFermenterMode(id int, mode Mode) error {
	return s.withFermenter(id, func(f *FermenterState) {
		f.Mode = mode
	})
}

// SetFermenterPIDState mirrors controller internals for observability.
func (s *Store) SetFermenterPIDState(id int, output, integral, lastError float64) error {
	return s.withFermenter(id, func(f *FermenterState) {
		f.PIDOutput = output
		f.PIDIntegral = integral
		f.PIDLastError = lastError
	})
}

// SetFermenterTunings stores new PID gains (e.g. after autotune).
func (s *Store) SetFermenterTunings(id int, kp, ki, kd float64) error {
	return s.withFermenter(id, func(f *FermenterState) {
		f.PID.Kp = kp
		f.PID.Ki = ki
		f.PID.Kd = kd
	})
}

// UpdateFermenterPlanProgress records plan step and time remaining.
func (s *Store) UpdateFermenterPlanProgress(id, step int, hoursRemaining float64) error {
	return s.withFermenter(id, func(f *FermenterState) {
		f.CurrentStep = step
		f.HoursRemaining = hoursRemaining
	})
}

// FermenterCount returns the number of registered fermenters.
func (s *Store) FermenterCount() int {
	n := 0
	s.With(func() { n = s.fermenterCount })
	return n
}

func (s *Store) withFermenter(id int, fn func(*FermenterState)) error {
	found := false
	if err := s.With(func() {
		for i := 0; i < s.fermenterCount; i++ {
			if s.fermenters[i].ID == id {
				fn(&s.fermenters[i])
				found = true
				return
			}
		}
	}); err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// System state.

// System returns a copy of the daemon diagnostics.
func (s *Store) System() SystemState {
	var out SystemState
	s.With(func() { out = s.system })
	return out
}

// SetUptime records the daemon uptime and boot time.
func (s *Store) SetUptime(uptimeSeconds, lastBoot int64) error {
	return s.With(func() {
		s.system.UptimeSeconds = uptimeSeconds
		if lastBoot > 0 {
			s.system.LastBoot = lastBoot
		}
	})
}

// AddModbusStats accumulates transaction and error counters.
func (s *Store) AddModbusStats(transactions, errors uint64) error {
	return s.With(func() {
		s.system.ModbusTransactions += transactions
		s.system.ModbusErrors += errors
	})
}
