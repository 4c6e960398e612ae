// Package config loads the daemon configuration from a YAML file,
// falling back to defaults for anything missing.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brauwerk/fermd/internal/filter"
	"github.com/brauwerk/fermd/internal/safety"
	"github.com/brauwerk/fermd/internal/sched"
	"github.com/brauwerk/fermd/internal/state"
)

// Config represents the full daemon configuration.
type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Modbus     ModbusConfig     `yaml:"modbus"`
	Safety     SafetyConfig     `yaml:"safety"`
	Control    ControlConfig    `yaml:"control"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Devices    []DeviceConfig   `yaml:"devices"`
	Relays     []RelayConfig    `yaml:"relays"`
	Fermenters []FermenterEntry `yaml:"fermenters"`
}

// SchedulerConfig contains poll schedule timing.
type SchedulerConfig struct {
	BaseCycle           time.Duration `yaml:"base_cycle"`
	BaseSamplesPerCycle int           `yaml:"base_samples_per_cycle"`
	BulkReadEnabled     *bool         `yaml:"bulk_read_enabled"`
}

// ModbusConfig contains the bus transport settings. URL takes the
// forms the underlying client accepts, e.g. rtu:///dev/ttyUSB0 or
// tcp://10.0.0.5:502.
type ModbusConfig struct {
	URL     string        `yaml:"url"`
	Baud    int           `yaml:"baud"`
	Timeout time.Duration `yaml:"timeout"`
}

// SafetyConfig contains the protection thresholds.
type SafetyConfig struct {
	CheckInterval        time.Duration `yaml:"check_interval"`
	MaxTempDeviation     float64       `yaml:"max_temp_deviation"`
	MaxPressureBar       float64       `yaml:"max_pressure_bar"`
	TempDeviationTimeout time.Duration `yaml:"temp_deviation_timeout"`
	AlarmCooldown        time.Duration `yaml:"alarm_cooldown"`
}

// ControlConfig contains control loop timing.
type ControlConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MQTTConfig contains broker and topic settings.
type MQTTConfig struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
}

// DeviceConfig groups the registers polled from one MODBUS device.
type DeviceConfig struct {
	Addr      uint8            `yaml:"addr"`
	Registers []RegisterConfig `yaml:"registers"`
}

// RegisterConfig describes one polled register.
type RegisterConfig struct {
	Name                  string  `yaml:"name"`
	Reg                   uint16  `yaml:"reg"`
	Scale                 float64 `yaml:"scale"`
	Offset                float64 `yaml:"offset"`
	Priority              string  `yaml:"priority"`
	ExtraSamplesPerSecond int     `yaml:"extra_samples_per_second"`
	Filter                string  `yaml:"filter"`
	FilterAlpha           float64 `yaml:"filter_alpha"`
	MinRaw                uint16  `yaml:"min_raw"`
	MaxRaw                uint16  `yaml:"max_raw"`
}

// RelayConfig describes one relay output.
type RelayConfig struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	GPIOPin    int    `yaml:"gpio_pin"`
	ModbusAddr int    `yaml:"modbus_addr"`
	ModbusReg  int    `yaml:"modbus_reg"`
}

// PIDConfig holds per-fermenter tuning constants.
type PIDConfig struct {
	Kp        float64 `yaml:"kp"`
	Ki        float64 `yaml:"ki"`
	Kd        float64 `yaml:"kd"`
	OutputMin float64 `yaml:"output_min"`
	OutputMax float64 `yaml:"output_max"`
}

// FermenterEntry describes one vessel and its associations by name.
type FermenterEntry struct {
	ID             int       `yaml:"id"`
	Name           string    `yaml:"name"`
	TempSensor     string    `yaml:"temp_sensor"`
	PressureSensor string    `yaml:"pressure_sensor"`
	CoolingRelay   string    `yaml:"cooling_relay"`
	SpundingRelay  string    `yaml:"spunding_relay"`
	PID            PIDConfig `yaml:"pid"`
}

// Default returns a configuration with sensible values and no
// hardware bound.
func Default() *Config {
	bulk := true
	return &Config{
		Scheduler: SchedulerConfig{
			BaseCycle:           time.Second,
			BaseSamplesPerCycle: 3,
			BulkReadEnabled:     &bulk,
		},
		Modbus: ModbusConfig{
			URL:     "rtu:///dev/ttyUSB0",
			Baud:    9600,
			Timeout: time.Second,
		},
		Safety: SafetyConfig{
			CheckInterval:        time.Second,
			MaxTempDeviation:     3.0,
			MaxPressureBar:       2.5,
			TempDeviationTimeout: 15 * time.Minute,
			AlarmCooldown:        time.Minute,
		},
		Control: ControlConfig{
			Interval: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "fermd",
			TopicPrefix: "brewery/fermentation",
			Heartbeat:   time.Minute,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields
// defaults; missing fields are filled in from them.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration back to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ensureDefaults fills required fields that the file left unset.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Scheduler.BaseCycle <= 0 {
		c.Scheduler.BaseCycle = def.Scheduler.BaseCycle
	}
	if c.Scheduler.BaseSamplesPerCycle <= 0 {
		c.Scheduler.BaseSamplesPerCycle = def.Scheduler.BaseSamplesPerCycle
	}
	if c.Scheduler.BulkReadEnabled == nil {
		c.Scheduler.BulkReadEnabled = def.Scheduler.BulkReadEnabled
	}

	if c.Modbus.URL == "" {
		c.Modbus.URL = def.Modbus.URL
	}
	if c.Modbus.Baud <= 0 {
		c.Modbus.Baud = def.Modbus.Baud
	}
	if c.Modbus.Timeout <= 0 {
		c.Modbus.Timeout = def.Modbus.Timeout
	}

	if c.Safety.CheckInterval <= 0 {
		c.Safety.CheckInterval = def.Safety.CheckInterval
	}
	if c.Safety.MaxTempDeviation <= 0 {
		c.Safety.MaxTempDeviation = def.Safety.MaxTempDeviation
	}
	if c.Safety.MaxPressureBar <= 0 {
		c.Safety.MaxPressureBar = def.Safety.MaxPressureBar
	}
	if c.Safety.TempDeviationTimeout <= 0 {
		c.Safety.TempDeviationTimeout = def.Safety.TempDeviationTimeout
	}
	if c.Safety.AlarmCooldown <= 0 {
		c.Safety.AlarmCooldown = def.Safety.AlarmCooldown
	}

	if c.Control.Interval <= 0 {
		c.Control.Interval = def.Control.Interval
	}

	if c.MQTT.Broker == "" {
		c.MQTT.Broker = def.MQTT.Broker
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = def.MQTT.ClientID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = def.MQTT.TopicPrefix
	}
	if c.MQTT.Heartbeat <= 0 {
		c.MQTT.Heartbeat = def.MQTT.Heartbeat
	}

	for i := range c.Devices {
		for j := range c.Devices[i].Registers {
			reg := &c.Devices[i].Registers[j]
			if reg.Scale == 0 {
				reg.Scale = 1.0
			}
			if reg.FilterAlpha == 0 {
				reg.FilterAlpha = 0.3
			}
		}
	}

	for i := range c.Fermenters {
		pid := &c.Fermenters[i].PID
		if pid.Kp == 0 && pid.Ki == 0 && pid.Kd == 0 {
			pid.Kp, pid.Ki, pid.Kd = 2.0, 0.1, 1.0
		}
		if pid.OutputMax <= pid.OutputMin {
			pid.OutputMin, pid.OutputMax = 0, 100
		}
	}
}

// Validate checks cross references and enumerated fields.
func (c *Config) Validate() error {
	names := make(map[string]bool)
	for _, dev := range c.Devices {
		for _, reg := range dev.Registers {
			if reg.Name == "" {
				return fmt.Errorf("device %d: register %d has no name", dev.Addr, reg.Reg)
			}
			if names[reg.Name] {
				return fmt.Errorf("duplicate sensor name %q", reg.Name)
			}
			names[reg.Name] = true
			if _, err := filter.ParseKind(reg.Filter); reg.Filter != "" && err != nil {
				return fmt.Errorf("sensor %q: %w", reg.Name, err)
			}
			if _, err := parsePriority(reg.Priority); err != nil {
				return fmt.Errorf("sensor %q: %w", reg.Name, err)
			}
		}
	}

	relays := make(map[string]bool)
	for _, rel := range c.Relays {
		if rel.Name == "" {
			return fmt.Errorf("relay with no name")
		}
		if relays[rel.Name] {
			return fmt.Errorf("duplicate relay name %q", rel.Name)
		}
		relays[rel.Name] = true
		if _, err := parseRelayKind(rel.Kind); err != nil {
			return fmt.Errorf("relay %q: %w", rel.Name, err)
		}
	}

	ids := make(map[int]bool)
	for _, ferm := range c.Fermenters {
		if ferm.ID < 1 || ferm.ID > state.MaxFermenters {
			return fmt.Errorf("fermenter %q: id %d out of range 1..%d", ferm.Name, ferm.ID, state.MaxFermenters)
		}
		if ids[ferm.ID] {
			return fmt.Errorf("duplicate fermenter id %d", ferm.ID)
		}
		ids[ferm.ID] = true
		if ferm.TempSensor != "" && !names[ferm.TempSensor] {
			return fmt.Errorf("fermenter %q: unknown temp sensor %q", ferm.Name, ferm.TempSensor)
		}
		if ferm.PressureSensor != "" && !names[ferm.PressureSensor] {
			return fmt.Errorf("fermenter %q: unknown pressure sensor %q", ferm.Name, ferm.PressureSensor)
		}
		if ferm.CoolingRelay != "" && !relays[ferm.CoolingRelay] {
			return fmt.Errorf("fermenter %q: unknown cooling relay %q", ferm.Name, ferm.CoolingRelay)
		}
		if ferm.SpundingRelay != "" && !relays[ferm.SpundingRelay] {
			return fmt.Errorf("fermenter %q: unknown spunding relay %q", ferm.Name, ferm.SpundingRelay)
		}
	}
	return nil
}

// SchedulerSettings translates the file form into the scheduler's
// runtime configuration.
func (c *Config) SchedulerSettings() (sched.Config, error) {
	out := sched.Config{
		BaseCycle:           c.Scheduler.BaseCycle,
		BaseSamplesPerCycle: c.Scheduler.BaseSamplesPerCycle,
		BulkReadEnabled:     c.Scheduler.BulkReadEnabled == nil || *c.Scheduler.BulkReadEnabled,
	}
	for _, dev := range c.Devices {
		for _, reg := range dev.Registers {
			kind := filter.None
			if reg.Filter != "" {
				var err error
				kind, err = filter.ParseKind(reg.Filter)
				if err != nil {
					return sched.Config{}, fmt.Errorf("sensor %q: %w", reg.Name, err)
				}
			}
			prio, err := parsePriority(reg.Priority)
			if err != nil {
				return sched.Config{}, fmt.Errorf("sensor %q: %w", reg.Name, err)
			}
			out.Sensors = append(out.Sensors, sched.SensorConfig{
				Name:                  reg.Name,
				DeviceAddr:            dev.Addr,
				Register:              reg.Reg,
				Scale:                 reg.Scale,
				Offset:                reg.Offset,
				Priority:              prio,
				ExtraSamplesPerSecond: reg.ExtraSamplesPerSecond,
				Filter:                kind,
				FilterAlpha:           reg.FilterAlpha,
				MinRaw:                reg.MinRaw,
				MaxRaw:                reg.MaxRaw,
			})
		}
	}
	return out, nil
}

// SafetyLimits translates the file form into the safety controller's
// thresholds.
func (c *Config) SafetyLimits() safety.Limits {
	return safety.Limits{
		MaxTempDeviation:     c.Safety.MaxTempDeviation,
		MaxPressureBar:       c.Safety.MaxPressureBar,
		TempDeviationTimeout: c.Safety.TempDeviationTimeout,
		AlarmCooldown:        c.Safety.AlarmCooldown,
	}
}

// RelayKind translates a relay entry's kind string.
func (r RelayConfig) RelayKind() state.RelayKind {
	k, _ := parseRelayKind(r.Kind)
	return k
}

// FermenterDef translates a fermenter entry into the store's
// registration form.
func (f FermenterEntry) FermenterDef() state.FermenterDef {
	return state.FermenterDef{
		ID:             f.ID,
		Name:           f.Name,
		TempSensor:     f.TempSensor,
		PressureSensor: f.PressureSensor,
		CoolingRelay:   f.CoolingRelay,
		SpundingRelay:  f.SpundingRelay,
		PID: state.PIDParams{
			Kp:        f.PID.Kp,
			Ki:        f.PID.Ki,
			Kd:        f.PID.Kd,
			OutputMin: f.PID.OutputMin,
			OutputMax: f.PID.OutputMax,
		},
	}
}

func parsePriority(s string) (sched.Priority, error) {
	switch s {
	case "", "normal":
		return sched.PriorityNormal, nil
	case "low":
		return sched.PriorityLow, nil
	case "high":
		return sched.PriorityHigh, nil
	case "critical":
		return sched.PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func parseRelayKind(s string) (state.RelayKind, error) {
	switch s {
	case "", "solenoid_nc":
		return state.SolenoidNC, nil
	case "solenoid_no":
		return state.SolenoidNO, nil
	case "contactor":
		return state.ContactorCoil, nil
	case "ssr":
		return state.SSR, nil
	}
	return 0, fmt.Errorf("unknown relay kind %q", s)
}
