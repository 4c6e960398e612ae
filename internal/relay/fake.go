package relay

import "fmt"

// FakeDriver is a test double recording line levels in memory.
type FakeDriver struct {
	// Levels holds the last value set per pin.
	Levels map[int]bool

	// Requested lists pins claimed via Request, in order.
	Requested []int

	// Closed tracks if Close was called.
	Closed bool

	// SetError, if set, is returned by Set.
	SetError error
}

// NewFakeDriver creates an empty fake.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{Levels: make(map[int]bool)}
}

// Request records the claim.
func (d *FakeDriver) Request(pin int) error {
	d.Requested = append(d.Requested, pin)
	return nil
}

// Set records the level. Pins must have been requested first.
func (d *FakeDriver) Set(pin int, value bool) error {
	if d.SetError != nil {
		return d.SetError
	}
	requested := false
	for _, p := range d.Requested {
		if p == pin {
			requested = true
			break
		}
	}
	if !requested {
		return fmt.Errorf("pin %d not requested", pin)
	}
	d.Levels[pin] = value
	return nil
}

// Close marks the driver as closed.
func (d *FakeDriver) Close() error {
	d.Closed = true
	return nil
}
