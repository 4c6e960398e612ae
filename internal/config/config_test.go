package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brauwerk/fermd/internal/filter"
	"github.com/brauwerk/fermd/internal/sched"
	"github.com/brauwerk/fermd/internal/state"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, time.Second, cfg.Scheduler.BaseCycle)
	assert.Equal(t, 3, cfg.Scheduler.BaseSamplesPerCycle)
	require.NotNil(t, cfg.Scheduler.BulkReadEnabled)
	assert.True(t, *cfg.Scheduler.BulkReadEnabled)
	assert.Equal(t, "rtu:///dev/ttyUSB0", cfg.Modbus.URL)
	assert.Equal(t, 3.0, cfg.Safety.MaxTempDeviation)
	assert.Equal(t, 2.5, cfg.Safety.MaxPressureBar)
	assert.Equal(t, 15*time.Minute, cfg.Safety.TempDeviationTimeout)
	assert.Equal(t, time.Minute, cfg.Safety.AlarmCooldown)
	assert.Equal(t, "brewery/fermentation", cfg.MQTT.TopicPrefix)
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, time.Second, cfg.Scheduler.BaseCycle)
}

const sampleYAML = `
scheduler:
  base_cycle: 2s
  base_samples_per_cycle: 2
modbus:
  url: tcp://10.0.0.5:502
  timeout: 500ms
safety:
  max_pressure_bar: 3.0
mqtt:
  broker: tcp://broker.local:1883
devices:
  - addr: 1
    registers:
      - name: f1_temp
        reg: 100
        scale: 0.01
        filter: ema
        filter_alpha: 0.3
        max_raw: 65535
      - name: f1_pressure
        reg: 103
        scale: 0.0000488
        priority: critical
        extra_samples_per_second: 4
        filter: dual_rate
        min_raw: 800
        max_raw: 32000
relays:
  - name: f1_cool
    kind: solenoid_nc
    gpio_pin: 17
  - name: f1_spund
    kind: solenoid_no
    gpio_pin: 27
fermenters:
  - id: 1
    name: FV1
    temp_sensor: f1_temp
    pressure_sensor: f1_pressure
    cooling_relay: f1_cool
    spunding_relay: f1_spund
    pid:
      kp: 4.0
      ki: 0.2
      kd: 1.5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "fermd_*.yaml")
	require.NoError(t, err)
	_, err = tmpfile.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())
	return tmpfile.Name()
}

func TestLoad_ValidYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Scheduler.BaseCycle)
	assert.Equal(t, 2, cfg.Scheduler.BaseSamplesPerCycle)
	assert.Equal(t, "tcp://10.0.0.5:502", cfg.Modbus.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.Modbus.Timeout)
	// Overridden value sticks, the rest fall back to defaults.
	assert.Equal(t, 3.0, cfg.Safety.MaxPressureBar)
	assert.Equal(t, 3.0, cfg.Safety.MaxTempDeviation)
	assert.Equal(t, time.Minute, cfg.Safety.AlarmCooldown)
	assert.Equal(t, "tcp://broker.local:1883", cfg.MQTT.Broker)
	assert.Equal(t, "fermd", cfg.MQTT.ClientID)

	require.Len(t, cfg.Devices, 1)
	require.Len(t, cfg.Devices[0].Registers, 2)
	assert.Equal(t, uint16(800), cfg.Devices[0].Registers[1].MinRaw)

	require.Len(t, cfg.Fermenters, 1)
	assert.Equal(t, 4.0, cfg.Fermenters[0].PID.Kp)
	// Unset limits default to 0..100.
	assert.Equal(t, 0.0, cfg.Fermenters[0].PID.OutputMin)
	assert.Equal(t, 100.0, cfg.Fermenters[0].PID.OutputMax)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "scheduler: [not a map"))
	assert.Error(t, err)
}

func TestLoad_UnknownFilterKind(t *testing.T) {
	body := `
devices:
  - addr: 1
    registers:
      - name: f1_temp
        reg: 100
        filter: kalman
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kalman")
}

func TestLoad_DuplicateSensorName(t *testing.T) {
	body := `
devices:
  - addr: 1
    registers:
      - name: f1_temp
        reg: 100
      - name: f1_temp
        reg: 101
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate sensor name")
}

func TestLoad_UnknownAssociation(t *testing.T) {
	body := `
fermenters:
  - id: 1
    name: FV1
    temp_sensor: missing_sensor
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing_sensor")
}

func TestLoad_FermenterIDOutOfRange(t *testing.T) {
	body := `
fermenters:
  - id: 9
    name: FV9
`
	_, err := Load(writeConfig(t, body))
	assert.Error(t, err)
}

func TestSchedulerSettings(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	sc, err := cfg.SchedulerSettings()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, sc.BaseCycle)
	assert.True(t, sc.BulkReadEnabled)
	require.Len(t, sc.Sensors, 2)

	temp := sc.Sensors[0]
	assert.Equal(t, "f1_temp", temp.Name)
	assert.Equal(t, uint8(1), temp.DeviceAddr)
	assert.Equal(t, filter.EMA, temp.Filter)
	assert.Equal(t, sched.PriorityNormal, temp.Priority)

	press := sc.Sensors[1]
	assert.Equal(t, sched.PriorityCritical, press.Priority)
	assert.Equal(t, 4, press.ExtraSamplesPerSecond)
	assert.Equal(t, filter.DualRate, press.Filter)
	// Unset alpha falls back.
	assert.Equal(t, 0.3, press.FilterAlpha)
}

func TestSafetyLimits(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	lim := cfg.SafetyLimits()
	assert.Equal(t, 3.0, lim.MaxPressureBar)
	assert.Equal(t, 15*time.Minute, lim.TempDeviationTimeout)
}

func TestFermenterDefTranslation(t *testing.T) {
	entry := FermenterEntry{
		ID: 2, Name: "FV2",
		TempSensor: "t", PressureSensor: "p",
		CoolingRelay: "c", SpundingRelay: "s",
		PID: PIDConfig{Kp: 1, Ki: 2, Kd: 3, OutputMin: 0, OutputMax: 50},
	}
	def := entry.FermenterDef()
	assert.Equal(t, 2, def.ID)
	assert.Equal(t, "t", def.TempSensor)
	assert.Equal(t, state.PIDParams{Kp: 1, Ki: 2, Kd: 3, OutputMin: 0, OutputMax: 50}, def.PID)
}

func TestRelayKindTranslation(t *testing.T) {
	assert.Equal(t, state.SolenoidNC, RelayConfig{Kind: "solenoid_nc"}.RelayKind())
	assert.Equal(t, state.SSR, RelayConfig{Kind: "ssr"}.RelayKind())
	assert.Equal(t, state.SolenoidNC, RelayConfig{}.RelayKind())
}

func TestSaveRoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	path := writeConfig(t, "")
	require.NoError(t, cfg.Save(path))

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Scheduler.BaseCycle, again.Scheduler.BaseCycle)
	assert.Equal(t, cfg.MQTT.Broker, again.MQTT.Broker)
	require.Len(t, again.Fermenters, 1)
	assert.Equal(t, cfg.Fermenters[0].PID.Kp, again.Fermenters[0].PID.Kp)
}
