// Package bus is the in-process publish/subscribe hub that decouples
// the poll scheduler, safety controller and control loop from their
// consumers (MQTT bridge, relay follower, future admin surfaces).
package bus

import (
	"errors"
	"sync"
	"time"
)

// EventType discriminates the event variants carried by the bus.
type EventType uint8

const (
	SensorUpdate EventType = iota
	RelayChange
	PlanStepChange
	PlanComplete
	Alarm
	ConfigChange
	SystemStatus
)

func (t EventType) String() string {
	switch t {
	case SensorUpdate:
		return "sensor_update"
	case RelayChange:
		return "relay_change"
	case PlanStepChange:
		return "plan_step_change"
	case PlanComplete:
		return "plan_complete"
	case Alarm:
		return "alarm"
	case ConfigChange:
		return "config_change"
	case SystemStatus:
		return "system_status"
	}
	return "unknown"
}

// Severity grades alarm events.
type Severity uint8

const (
	Info Severity = iota
	Warning
	Error
	Critical
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Critical:
		return "critical"
	}
	return "unknown"
}

// Event is a tagged variant: Type selects which payload field is
// meaningful (Value for sensor updates, State for relay changes, Step
// for plan progress, Severity/Message for alarms).
type Event struct {
	Type     EventType
	SourceID int
	Time     time.Time

	Value    float64
	State    bool
	Step     int
	Severity Severity
	Message  string
}

// Callback receives a published event. Callbacks run synchronously on
// the publisher's goroutine, outside the bus lock, so they may safely
// re-enter the bus (publish, subscribe, unsubscribe) without deadlock.
type Callback func(Event)

// MaxSubscribers is the fixed size of the subscriber slot table.
const MaxSubscribers = 32

// ErrFull is returned by Subscribe when every slot is taken.
var ErrFull = errors.New("bus: subscriber table full")

type subscriber struct {
	typ    EventType
	cb     Callback
	active bool
	seq    uint64
}

// Bus is a fixed-capacity publish/subscribe hub. The zero value is
// ready to use.
type Bus struct {
	mu      sync.Mutex
	slots   [MaxSubscribers]subscriber
	count   int
	nextSeq uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a callback for one event type and returns its
// slot id for Unsubscribe. Fails with ErrFull when all slots are taken.
func (b *Bus) Subscribe(typ EventType, cb Callback) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.slots {
		if !b.slots[i].active {
			b.nextSeq++
			b.slots[i] = subscriber{typ: typ, cb: cb, active: true, seq: b.nextSeq}
			b.count++
			return i, nil
		}
	}
	return -1, ErrFull
}

// Unsubscribe frees a slot. Unknown or already-freed ids are ignored.
func (b *Bus) Unsubscribe(id int) {
	if id < 0 || id >= MaxSubscribers {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.slots[id].active {
		b.slots[id] = subscriber{}
		b.count--
	}
}

// Publish delivers the event to every subscriber of its type, in
// registration order. Matching subscribers are snapshotted under the
// lock and invoked after it is released; a callback that blocks or
// re-enters the bus cannot deadlock the publisher.
func (b *Bus) Publish(ev Event) {
	var local [MaxSubscribers]subscriber
	n := 0

	b.mu.Lock()
	for i := range b.slots {
		if b.slots[i].active && b.slots[i].typ == ev.Type {
			local[n] = b.slots[i]
			n++
		}
	}
	b.mu.Unlock()

	// Slot order is reuse order, not registration order; sort by the
	// subscription sequence so delivery order survives slot reuse.
	subs := local[:n]
	for i := 1; i < n; i++ {
		for j := i; j > 0 && subs[j].seq < subs[j-1].seq; j-- {
			subs[j], subs[j-1] = subs[j-1], subs[j]
		}
	}

	for i := 0; i < n; i++ {
		if subs[i].cb != nil {
			subs[i].cb(ev)
		}
	}
}

// PublishSensorUpdate publishes a filtered sensor value.
func (b *Bus) PublishSensorUpdate(sensorID int, value float64, at time.Time) {
	b.Publish(Event{Type: SensorUpdate, SourceID: sensorID, Time: at, Value: value})
}

// PublishRelayChange publishes a relay state transition.
func (b *Bus) PublishRelayChange(relayID int, state bool, at time.Time) {
	b.Publish(Event{Type: RelayChange, SourceID: relayID, Time: at, State: state})
}

// PublishPlanStepChange publishes a fermentation-plan step advance.
func (b *Bus) PublishPlanStepChange(fermenterID, step int, at time.Time) {
	b.Publish(Event{Type: PlanStepChange, SourceID: fermenterID, Time: at, Step: step})
}

// PublishAlarm publishes an alarm with severity and message.
func (b *Bus) PublishAlarm(sourceID int, sev Severity, msg string, at time.Time) {
	b.Publish(Event{Type: Alarm, SourceID: sourceID, Time: at, Severity: sev, Message: msg})
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
