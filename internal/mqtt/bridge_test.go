package mqtt

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/brauwerk/fermd/internal/bus"
	"github.com/brauwerk/fermd/internal/filter"
	"github.com/brauwerk/fermd/internal/state"
)

func newBridgeFixture(t *testing.T) (*state.Store, *bus.Bus, *FakePublisher, *Bridge) {
	t.Helper()
	st := state.New(0)
	ev := bus.New()
	pub := NewFakePublisher()

	if _, err := st.RegisterSensor("f1_temp", "°C", 0.01, 0, filter.None, 0); err != nil {
		t.Fatalf("RegisterSensor: %v", err)
	}
	if _, err := st.RegisterRelay("f1_cool", state.SolenoidNC, 17, 0, 0); err != nil {
		t.Fatalf("RegisterRelay: %v", err)
	}
	err := st.RegisterFermenter(state.FermenterDef{ID: 1, Name: "FV1", TempSensor: "f1_temp", CoolingRelay: "f1_cool"})
	if err != nil {
		t.Fatalf("RegisterFermenter: %v", err)
	}

	b := NewBridge(st, ev, pub, "")
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return st, ev, pub, b
}

func TestBridgeForwardsSensorUpdates(t *testing.T) {
	st, ev, pub, _ := newBridgeFixture(t)
	if err := st.SetSensorQuality(0, state.Good); err != nil {
		t.Fatalf("SetSensorQuality: %v", err)
	}

	ev.PublishSensorUpdate(0, 19.25, testTime)

	if len(pub.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(pub.Messages))
	}
	msg := pub.Messages[0]
	if msg.Topic != "brewery/fermentation/sensor/f1_temp" {
		t.Errorf("topic = %q", msg.Topic)
	}
	body := string(msg.Payload)
	for _, want := range []string{`"name":"f1_temp"`, `"value":19.25`, `"quality":"good"`} {
		if !strings.Contains(body, want) {
			t.Errorf("payload %s missing %s", body, want)
		}
	}
}

func TestBridgeForwardsRelayChanges(t *testing.T) {
	_, ev, pub, _ := newBridgeFixture(t)

	ev.PublishRelayChange(0, true, testTime)

	if len(pub.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(pub.Messages))
	}
	if pub.Messages[0].Topic != "brewery/fermentation/relay/f1_cool" {
		t.Errorf("topic = %q", pub.Messages[0].Topic)
	}
	if !strings.Contains(string(pub.Messages[0].Payload), `"state":"on"`) {
		t.Errorf("payload = %s", pub.Messages[0].Payload)
	}
}

func TestBridgeForwardsAlarmsAtQoS1(t *testing.T) {
	_, ev, pub, _ := newBridgeFixture(t)

	ev.PublishAlarm(1, bus.Critical, "pressure too high", testTime)

	if len(pub.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(pub.Messages))
	}
	msg := pub.Messages[0]
	if msg.Topic != "brewery/fermentation/alarm" {
		t.Errorf("topic = %q", msg.Topic)
	}
	if msg.QoS != 1 {
		t.Errorf("qos = %d, want 1", msg.QoS)
	}
	if !strings.Contains(string(msg.Payload), `"severity":"critical"`) {
		t.Errorf("payload = %s", msg.Payload)
	}
}

func TestBridgeForwardsPlanSteps(t *testing.T) {
	_, ev, pub, _ := newBridgeFixture(t)

	ev.PublishPlanStepChange(1, 3, testTime)

	if len(pub.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(pub.Messages))
	}
	if pub.Messages[0].Topic != "brewery/fermentation/plan/FV1" {
		t.Errorf("topic = %q", pub.Messages[0].Topic)
	}
	if !strings.Contains(string(pub.Messages[0].Payload), `"step":3`) {
		t.Errorf("payload = %s", pub.Messages[0].Payload)
	}
}

func TestBridgeIgnoresUnknownSources(t *testing.T) {
	_, ev, pub, _ := newBridgeFixture(t)

	ev.PublishSensorUpdate(99, 1.0, testTime)
	ev.PublishRelayChange(99, true, testTime)

	if len(pub.Messages) != 0 {
		t.Errorf("messages = %d, want 0", len(pub.Messages))
	}
}

func TestBridgePublishFailureDoesNotCrash(t *testing.T) {
	st, ev, pub, _ := newBridgeFixture(t)
	pub.PublishError = errors.New("broker down")
	if err := st.SetSensorQuality(0, state.Good); err != nil {
		t.Fatalf("SetSensorQuality: %v", err)
	}

	ev.PublishSensorUpdate(0, 19.25, testTime)
	// No panic, nothing recorded.
	if len(pub.Messages) != 0 {
		t.Errorf("messages = %d, want 0", len(pub.Messages))
	}
}

func TestBridgeHeartbeat(t *testing.T) {
	st, _, pub, b := newBridgeFixture(t)
	if err := st.AddModbusStats(120, 3); err != nil {
		t.Fatalf("AddModbusStats: %v", err)
	}
	if err := st.SetUptime(3600, time.Now().Unix()); err != nil {
		t.Fatalf("SetUptime: %v", err)
	}

	b.Heartbeat(testTime)

	if len(pub.SystemEvents) != 1 {
		t.Fatalf("system events = %d, want 1", len(pub.SystemEvents))
	}
	hb := pub.SystemEvents[0]
	if hb.Event != "HEARTBEAT" || !hb.Retained {
		t.Errorf("heartbeat = %+v", hb)
	}
	if hb.UptimeSeconds != 3600 || hb.ModbusTransactions != 120 || hb.ModbusErrors != 3 {
		t.Errorf("heartbeat stats = %+v", hb)
	}
}

func TestBridgeStopUnsubscribes(t *testing.T) {
	_, ev, pub, b := newBridgeFixture(t)
	b.Stop()

	ev.PublishRelayChange(0, true, testTime)

	if len(pub.Messages) != 0 {
		t.Errorf("messages after Stop = %d, want 0", len(pub.Messages))
	}
	if ev.SubscriberCount() != 0 {
		t.Errorf("subscribers after Stop = %d, want 0", ev.SubscriberCount())
	}
}
