// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTopicPrefix is the root of the topic tree when the config
// leaves it unset.
const DefaultTopicPrefix = "brewery/fermentation"

// Message is one MQTT publication.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Publisher publishes messages to MQTT.
type Publisher interface {
	// Publish sends a message to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(msg Message) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp time.Time
	Event     string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason    string // e.g., "SIGTERM", "SIGINT" (shutdown only)

	// Heartbeat diagnostics, omitted when zero.
	UptimeSeconds      int64
	ModbusTransactions uint64
	ModbusErrors       uint64

	// Retained marks the message for broker retention.
	Retained bool
}

// SensorTopic returns the topic for one sensor's readings.
func SensorTopic(prefix, sensorName string) string {
	return fmt.Sprintf("%s/sensor/%s", prefix, sensorName)
}

// RelayTopic returns the topic for one relay's state changes.
func RelayTopic(prefix, relayName string) string {
	return fmt.Sprintf("%s/relay/%s", prefix, relayName)
}

// AlarmTopic returns the topic alarms are published on.
func AlarmTopic(prefix string) string {
	return prefix + "/alarm"
}

// PlanTopic returns the topic for one fermenter's plan progress.
func PlanTopic(prefix, fermenterName string) string {
	return fmt.Sprintf("%s/plan/%s", prefix, fermenterName)
}

// SystemTopic returns the topic for system lifecycle events. It also
// carries the broker's last-will message.
func SystemTopic(prefix string) string {
	return prefix + "/system"
}

// SensorPayload is the JSON body for a sensor reading.
type SensorPayload struct {
	Sensor SensorPayloadInner `json:"sensor"`
}

// SensorPayloadInner contains the reading details.
type SensorPayloadInner struct {
	Timestamp string  `json:"timestamp"`
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Quality   string  `json:"quality"`
}

// FormatSensorPayload creates the JSON payload for a sensor reading.
func FormatSensorPayload(at time.Time, name string, value float64, unit, quality string) ([]byte, error) {
	return json.Marshal(SensorPayload{
		Sensor: SensorPayloadInner{
			Timestamp: at.UTC().Format(time.RFC3339),
			Name:      name,
			Value:     value,
			Unit:      unit,
			Quality:   quality,
		},
	})
}

// RelayPayload is the JSON body for a relay state change.
type RelayPayload struct {
	Relay RelayPayloadInner `json:"relay"`
}

// RelayPayloadInner contains the change details.
type RelayPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Name      string `json:"name"`
	State     string `json:"state"`
}

// FormatRelayPayload creates the JSON payload for a relay change.
func FormatRelayPayload(at time.Time, name string, on bool) ([]byte, error) {
	st := "off"
	if on {
		st = "on"
	}
	return json.Marshal(RelayPayload{
		Relay: RelayPayloadInner{
			Timestamp: at.UTC().Format(time.RFC3339),
			Name:      name,
			State:     st,
		},
	})
}

// AlarmPayload is the JSON body for an alarm.
type AlarmPayload struct {
	Alarm AlarmPayloadInner `json:"alarm"`
}

// AlarmPayloadInner contains the alarm details.
type AlarmPayloadInner struct {
	Timestamp string `json:"timestamp"`
	SourceID  int    `json:"source_id"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

// FormatAlarmPayload creates the JSON payload for an alarm.
func FormatAlarmPayload(at time.Time, sourceID int, severity, message string) ([]byte, error) {
	return json.Marshal(AlarmPayload{
		Alarm: AlarmPayloadInner{
			Timestamp: at.UTC().Format(time.RFC3339),
			SourceID:  sourceID,
			Severity:  severity,
			Message:   message,
		},
	})
}

// PlanPayload is the JSON body for plan progress.
type PlanPayload struct {
	Plan PlanPayloadInner `json:"plan"`
}

// PlanPayloadInner contains the progress details.
type PlanPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Fermenter string `json:"fermenter"`
	Step      int    `json:"step"`
}

// FormatPlanPayload creates the JSON payload for a plan step change.
func FormatPlanPayload(at time.Time, fermenter string, step int) ([]byte, error) {
	return json.Marshal(PlanPayload{
		Plan: PlanPayloadInner{
			Timestamp: at.UTC().Format(time.RFC3339),
			Fermenter: fermenter,
			Step:      step,
		},
	})
}

// SystemPayload is the JSON body for system lifecycle events.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`

	UptimeSeconds      int64  `json:"uptime_seconds,omitempty"`
	ModbusTransactions uint64 `json:"modbus_transactions,omitempty"`
	ModbusErrors       uint64 `json:"modbus_errors,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp:          event.Timestamp.UTC().Format(time.RFC3339),
			Event:              event.Event,
			Reason:             event.Reason,
			UptimeSeconds:      event.UptimeSeconds,
			ModbusTransactions: event.ModbusTransactions,
			ModbusErrors:       event.ModbusErrors,
		},
	})
}

// WillPayload is the last-will body the broker publishes when the
// daemon drops off without a clean shutdown.
func WillPayload() []byte {
	return []byte(`{"system":{"event":"OFFLINE"}}`)
}
