package mqtt

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

var testTime = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func TestTopics(t *testing.T) {
	cases := []struct {
		got  string
		want string
	}{
		{SensorTopic("brewery/fermentation", "f1_temp"), "brewery/fermentation/sensor/f1_temp"},
		{RelayTopic("brewery/fermentation", "f1_cool"), "brewery/fermentation/relay/f1_cool"},
		{AlarmTopic("brewery/fermentation"), "brewery/fermentation/alarm"},
		{PlanTopic("brewery/fermentation", "FV1"), "brewery/fermentation/plan/FV1"},
		{SystemTopic("brewery/fermentation"), "brewery/fermentation/system"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("topic = %q, want %q", c.got, c.want)
		}
	}
}

func TestFormatSensorPayload(t *testing.T) {
	payload, err := FormatSensorPayload(testTime, "f1_temp", 19.25, "°C", "good")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded SensorPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.Sensor.Name != "f1_temp" {
		t.Errorf("name = %q", decoded.Sensor.Name)
	}
	if decoded.Sensor.Value != 19.25 {
		t.Errorf("value = %f", decoded.Sensor.Value)
	}
	if decoded.Sensor.Quality != "good" {
		t.Errorf("quality = %q", decoded.Sensor.Quality)
	}
	if decoded.Sensor.Timestamp != "2026-03-14T15:09:26Z" {
		t.Errorf("timestamp = %q", decoded.Sensor.Timestamp)
	}
}

func TestFormatSensorPayloadTimezoneConversion(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	local := time.Date(2026, 3, 14, 16, 9, 26, 0, loc)

	payload, err := FormatSensorPayload(local, "f1_temp", 19.25, "°C", "good")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(payload), "2026-03-14T15:09:26Z") {
		t.Errorf("timestamp not converted to UTC: %s", payload)
	}
}

func TestFormatRelayPayload(t *testing.T) {
	payload, err := FormatRelayPayload(testTime, "f1_cool", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"relay":{"timestamp":"2026-03-14T15:09:26Z","name":"f1_cool","state":"on"}}`
	if string(payload) != want {
		t.Errorf("payload = %s, want %s", payload, want)
	}

	payload, err = FormatRelayPayload(testTime, "f1_cool", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(payload), `"state":"off"`) {
		t.Errorf("off payload = %s", payload)
	}
}

func TestFormatAlarmPayload(t *testing.T) {
	payload, err := FormatAlarmPayload(testTime, 3, "critical", "pressure too high")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded AlarmPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.Alarm.SourceID != 3 {
		t.Errorf("source id = %d", decoded.Alarm.SourceID)
	}
	if decoded.Alarm.Severity != "critical" {
		t.Errorf("severity = %q", decoded.Alarm.Severity)
	}
	if decoded.Alarm.Message != "pressure too high" {
		t.Errorf("message = %q", decoded.Alarm.Message)
	}
}

func TestFormatPlanPayload(t *testing.T) {
	payload, err := FormatPlanPayload(testTime, "FV1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"plan":{"timestamp":"2026-03-14T15:09:26Z","fermenter":"FV1","step":2}}`
	if string(payload) != want {
		t.Errorf("payload = %s, want %s", payload, want)
	}
}

func TestFormatSystemPayloadShutdown(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: testTime,
		Event:     "SHUTDOWN",
		Reason:    "SIGTERM",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"system":{"timestamp":"2026-03-14T15:09:26Z","event":"SHUTDOWN","reason":"SIGTERM"}}`
	if string(payload) != want {
		t.Errorf("payload = %s, want %s", payload, want)
	}
}

func TestFormatSystemPayloadStartupOmitsReason(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp: testTime,
		Event:     "STARTUP",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(payload), "reason") {
		t.Errorf("startup payload carries reason: %s", payload)
	}
}

func TestFormatSystemPayloadHeartbeat(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{
		Timestamp:          testTime,
		Event:              "HEARTBEAT",
		UptimeSeconds:      3600,
		ModbusTransactions: 1234,
		ModbusErrors:       2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded SystemPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.System.UptimeSeconds != 3600 {
		t.Errorf("uptime = %d", decoded.System.UptimeSeconds)
	}
	if decoded.System.ModbusTransactions != 1234 {
		t.Errorf("transactions = %d", decoded.System.ModbusTransactions)
	}
	if decoded.System.ModbusErrors != 2 {
		t.Errorf("errors = %d", decoded.System.ModbusErrors)
	}
}

func TestWillPayloadIsValidJSON(t *testing.T) {
	var decoded SystemPayload
	if err := json.Unmarshal(WillPayload(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.System.Event != "OFFLINE" {
		t.Errorf("event = %q, want OFFLINE", decoded.System.Event)
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()

	msg := Message{Topic: "brewery/fermentation/sensor/f1_temp", Payload: []byte("{}")}
	if err := f.Publish(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.Messages) != 1 || f.Messages[0].Topic != msg.Topic {
		t.Errorf("messages = %+v", f.Messages)
	}
	if got := f.TopicsPublished(); len(got) != 1 || got[0] != msg.Topic {
		t.Errorf("topics = %v", got)
	}
}

func TestFakePublisherError(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("broker down")

	if err := f.Publish(Message{Topic: "t"}); err == nil {
		t.Error("expected error")
	}
	if len(f.Messages) != 0 {
		t.Error("message recorded despite error")
	}
}

func TestFakePublisherSystemEvents(t *testing.T) {
	f := NewFakePublisher()

	if err := f.PublishSystem(SystemEvent{Timestamp: testTime, Event: "STARTUP"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.SystemEvents) != 1 || f.SystemEvents[0].Event != "STARTUP" {
		t.Errorf("system events = %+v", f.SystemEvents)
	}
	if len(f.SystemPayloads) != 1 {
		t.Fatalf("system payloads = %d, want 1", len(f.SystemPayloads))
	}
	if !strings.Contains(string(f.SystemPayloads[0]), "STARTUP") {
		t.Errorf("payload = %s", f.SystemPayloads[0])
	}
}

func TestFakePublisherReset(t *testing.T) {
	f := NewFakePublisher()
	f.Publish(Message{Topic: "t"})
	f.PublishSystem(SystemEvent{Event: "STARTUP"})
	f.Close()

	f.Reset()

	if len(f.Messages) != 0 || len(f.SystemEvents) != 0 || f.Closed {
		t.Error("reset did not clear recorded state")
	}
}

func TestFakePublisherClose(t *testing.T) {
	f := NewFakePublisher()
	if f.Closed {
		t.Error("closed before Close")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("not closed after Close")
	}
}
