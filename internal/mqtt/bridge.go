package mqtt

import (
	"log"
	"time"

	"github.com/brauwerk/fermd/internal/bus"
	"github.com/brauwerk/fermd/internal/state"
)

// Bridge forwards bus events to the MQTT publisher, resolving ids to
// names through the state store.
type Bridge struct {
	store  *state.Store
	events *bus.Bus
	pub    Publisher
	prefix string

	subs []int
}

// NewBridge creates a bridge with the given topic prefix.
func NewBridge(st *state.Store, ev *bus.Bus, pub Publisher, prefix string) *Bridge {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Bridge{store: st, events: ev, pub: pub, prefix: prefix}
}

// Start subscribes to the event types the bridge forwards.
func (b *Bridge) Start() error {
	for _, typ := range []bus.EventType{
		bus.SensorUpdate, bus.RelayChange, bus.Alarm, bus.PlanStepChange,
	} {
		sub, err := b.events.Subscribe(typ, b.onEvent)
		if err != nil {
			b.Stop()
			return err
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

// Stop unsubscribes from the bus. The publisher stays open.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		b.events.Unsubscribe(sub)
	}
	b.subs = nil
}

// Heartbeat publishes a retained system snapshot. Call it on a timer.
func (b *Bridge) Heartbeat(at time.Time) {
	sys := b.store.System()
	err := b.pub.PublishSystem(SystemEvent{
		Timestamp:          at,
		Event:              "HEARTBEAT",
		UptimeSeconds:      sys.UptimeSeconds,
		ModbusTransactions: sys.ModbusTransactions,
		ModbusErrors:       sys.ModbusErrors,
		Retained:           true,
	})
	if err != nil {
		log.Printf("mqtt: heartbeat: %v", err)
	}
}

// A publish failure is logged and dropped; the control loops must
// never block on the broker.
func (b *Bridge) onEvent(e bus.Event) {
	msg, ok := b.format(e)
	if !ok {
		return
	}
	if err := b.pub.Publish(msg); err != nil {
		log.Printf("mqtt: publish %s: %v", msg.Topic, err)
	}
}

func (b *Bridge) format(e bus.Event) (Message, bool) {
	switch e.Type {
	case bus.SensorUpdate:
		sen, err := b.store.Sensor(e.SourceID)
		if err != nil {
			log.Printf("mqtt: sensor update for unknown sensor %d", e.SourceID)
			return Message{}, false
		}
		payload, err := FormatSensorPayload(e.Time, sen.Name, e.Value, sen.Unit, sen.Quality.String())
		if err != nil {
			return Message{}, false
		}
		return Message{Topic: SensorTopic(b.prefix, sen.Name), Payload: payload}, true

	case bus.RelayChange:
		rel, err := b.store.Relay(e.SourceID)
		if err != nil {
			log.Printf("mqtt: relay change for unknown relay %d", e.SourceID)
			return Message{}, false
		}
		payload, err := FormatRelayPayload(e.Time, rel.Name, e.State)
		if err != nil {
			return Message{}, false
		}
		return Message{Topic: RelayTopic(b.prefix, rel.Name), Payload: payload}, true

	case bus.Alarm:
		payload, err := FormatAlarmPayload(e.Time, e.SourceID, e.Severity.String(), e.Message)
		if err != nil {
			return Message{}, false
		}
		// Alarms matter: at-least-once.
		return Message{Topic: AlarmTopic(b.prefix), Payload: payload, QoS: 1}, true

	case bus.PlanStepChange:
		ferm, err := b.store.Fermenter(e.SourceID)
		if err != nil {
			log.Printf("mqtt: plan step for unknown fermenter %d", e.SourceID)
			return Message{}, false
		}
		payload, err := FormatPlanPayload(e.Time, ferm.Name, e.Step)
		if err != nil {
			return Message{}, false
		}
		return Message{Topic: PlanTopic(b.prefix, ferm.Name), Payload: payload}, true
	}
	return Message{}, false
}
