// Package state holds the shared registry of sensor, relay, fermenter
// and system state. All compound access goes through a process-wide
// lock with a bounded timeout; callers treat a timeout as a transient,
// retryable condition rather than a deadlock.
package state

import (
	"time"

	"github.com/brauwerk/fermd/internal/filter"
)

// Fixed capacities. Registration past these limits fails; nothing in
// the registry ever grows or reallocates.
const (
	MaxSensors    = 32
	MaxRelays     = 24
	MaxFermenters = 8
)

// Quality grades how much a sensor reading can be trusted.
type Quality uint8

const (
	Good Quality = iota
	WarmingUp
	Suspect
	Bad
	Unknown
)

func (q Quality) String() string {
	switch q {
	case Good:
		return "good"
	case WarmingUp:
		return "warming_up"
	case Suspect:
		return "suspect"
	case Bad:
		return "bad"
	case Unknown:
		return "unknown"
	}
	return "invalid"
}

// RelayKind describes the physical output behind a relay slot.
type RelayKind uint8

const (
	SolenoidNC RelayKind = iota
	SolenoidNO
	ContactorCoil
	SSR
)

// Mode is a fermenter's operating mode.
type Mode uint8

const (
	Off Mode = iota
	Manual
	Plan
	Autotune
)

func (m Mode) String() string {
	switch m {
	case Off:
		return "off"
	case Manual:
		return "manual"
	case Plan:
		return "plan"
	case Autotune:
		return "autotune"
	}
	return "invalid"
}

// SensorState is the complete stored state for one sensor. IDs are
// dense indices assigned at registration and stable for the life of
// the process.
type SensorState struct {
	ID   int
	Name string
	Unit string

	// Raw-to-engineering-unit conversion.
	Scale  float64
	Offset float64

	RawValue      float64
	FilteredValue float64
	DisplayValue  float64

	Quality     Quality
	FilterKind  filter.Kind
	FilterAlpha float64

	LastUpdate time.Time
}

// RelayState is the stored state for one relay output.
type RelayState struct {
	ID   int
	Name string
	Kind RelayKind

	State      bool
	LastChange time.Time

	// DutyCycle is the commanded output fraction (0..100) for
	// time-proportional control.
	DutyCycle float64

	// Physical mapping: a local GPIO pin, or a MODBUS coil when
	// ModbusAddr is nonzero.
	GPIOPin    int
	ModbusAddr int
	ModbusReg  int
}

// PIDParams are the tuning constants for one fermenter's controller.
type PIDParams struct {
	Kp        float64
	Ki        float64
	Kd        float64
	OutputMin float64
	OutputMax float64
}

// FermenterDef describes a fermenter at registration time. Sensor and
// relay associations are by name and resolved against the registry.
type FermenterDef struct {
	ID             int
	Name           string
	TempSensor     string
	PressureSensor string
	CoolingRelay   string
	SpundingRelay  string
	PID            PIDParams
}

// FermenterState is the stored state for one vessel.
type FermenterState struct {
	ID   int
	Name string

	CurrentTemp     float64
	TargetTemp      float64
	CurrentPressure float64
	TargetPressure  float64

	Mode Mode

	// Plan progress (setpoints are pushed by an external sequencer).
	CurrentStep    int
	HoursRemaining float64

	// Controller state mirrored for observability.
	PID          PIDParams
	PIDOutput    float64
	PIDIntegral  float64
	PIDLastError float64

	// Resolved associations; -1 when the named sensor/relay did not
	// exist at registration.
	TempSensorID     int
	PressureSensorID int
	CoolingRelayID   int
	SpundingRelayID  int
}

// SystemState carries daemon-level diagnostics.
type SystemState struct {
	UptimeSeconds      int64
	LastBoot           int64 // Unix seconds
	ModbusTransactions uint64
	ModbusErrors       uint64
}
