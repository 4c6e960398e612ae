// Package relay drives the physical relay outputs behind the state
// store: local GPIO lines through the Linux character device, or
// coils on a MODBUS device. A Follower mirrors relay-change events
// from the bus onto the hardware.
package relay

import (
	"fmt"
	"log"

	"github.com/brauwerk/fermd/internal/bus"
	"github.com/brauwerk/fermd/internal/sched"
	"github.com/brauwerk/fermd/internal/state"
)

// Driver sets GPIO output lines.
type Driver interface {
	// Request claims a pin as an output, initially inactive.
	Request(pin int) error

	// Set drives a previously requested pin.
	Set(pin int, value bool) error

	// Close releases all claimed lines.
	Close() error
}

// LineLevel maps a relay's logical state to the wire level. The
// store's State means "actuated": cooling flowing, valve venting. A
// normally-open solenoid needs the coil energized to block, so its
// level is inverted.
func LineLevel(kind state.RelayKind, on bool) bool {
	if kind == state.SolenoidNO {
		return !on
	}
	return on
}

// Follower subscribes to relay-change events and mirrors them onto
// the hardware. GPIO-mapped relays go through the Driver; MODBUS
// mapped relays are written through the transport.
type Follower struct {
	store     *state.Store
	events    *bus.Bus
	driver    Driver
	transport sched.Transport

	sub int
}

// NewFollower creates a follower. transport may be nil when no relay
// is MODBUS-mapped.
func NewFollower(st *state.Store, ev *bus.Bus, d Driver, t sched.Transport) *Follower {
	return &Follower{store: st, events: ev, driver: d, transport: t, sub: -1}
}

// Start claims every GPIO-mapped relay's line, applies the current
// stored states and subscribes to relay changes.
func (f *Follower) Start() error {
	for id := 0; id < f.store.RelayCount(); id++ {
		rel, err := f.store.Relay(id)
		if err != nil {
			return fmt.Errorf("relay %d: %w", id, err)
		}
		if rel.ModbusAddr == 0 && rel.GPIOPin >= 0 {
			if err := f.driver.Request(rel.GPIOPin); err != nil {
				return fmt.Errorf("relay %q pin %d: %w", rel.Name, rel.GPIOPin, err)
			}
		}
		f.apply(rel, rel.State)
	}

	sub, err := f.events.Subscribe(bus.RelayChange, f.onRelayChange)
	if err != nil {
		return fmt.Errorf("subscribe relay changes: %w", err)
	}
	f.sub = sub
	return nil
}

// Stop unsubscribes. The driver is left open; the owner closes it.
func (f *Follower) Stop() {
	if f.sub >= 0 {
		f.events.Unsubscribe(f.sub)
		f.sub = -1
	}
}

func (f *Follower) onRelayChange(e bus.Event) {
	rel, err := f.store.Relay(e.SourceID)
	if err != nil {
		log.Printf("relay: change for unknown relay %d: %v", e.SourceID, err)
		return
	}
	f.apply(rel, e.State)
}

func (f *Follower) apply(rel state.RelayState, on bool) {
	level := LineLevel(rel.Kind, on)

	if rel.ModbusAddr > 0 {
		if f.transport == nil {
			log.Printf("relay: %q is modbus-mapped but no transport is wired", rel.Name)
			return
		}
		var value uint16
		if level {
			value = 1
		}
		if err := f.transport.WriteRegister(uint8(rel.ModbusAddr), uint16(rel.ModbusReg), value); err != nil {
			log.Printf("relay: write %q: %v", rel.Name, err)
		}
		return
	}

	if rel.GPIOPin < 0 {
		return
	}
	if err := f.driver.Set(rel.GPIOPin, level); err != nil {
		log.Printf("relay: set %q pin %d: %v", rel.Name, rel.GPIOPin, err)
	}
}
