//go:build linux

package relay

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealDriver drives relay boards wired to local GPIO through the
// Linux GPIO character device.
type RealDriver struct {
	chip  *gpiocdev.Chip
	lines map[int]*gpiocdev.Line
}

// NewRealDriver opens the GPIO chip. Lines are claimed on Request.
func NewRealDriver() (*RealDriver, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	return &RealDriver{
		chip:  chip,
		lines: make(map[int]*gpiocdev.Line),
	}, nil
}

// Request claims a pin as an output driven low.
func (d *RealDriver) Request(pin int) error {
	if _, ok := d.lines[pin]; ok {
		return nil
	}
	line, err := d.chip.RequestLine(pin, gpiocdev.AsOutput(0))
	if err != nil {
		return fmt.Errorf("request pin %d: %w", pin, err)
	}
	d.lines[pin] = line
	return nil
}

// Set drives a claimed pin.
func (d *RealDriver) Set(pin int, value bool) error {
	line, ok := d.lines[pin]
	if !ok {
		return fmt.Errorf("pin %d not requested", pin)
	}
	v := 0
	if value {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set pin %d: %w", pin, err)
	}
	return nil
}

// Close drives every line low and releases it, then closes the chip.
// Relay boards must not be left energized across a daemon restart.
func (d *RealDriver) Close() error {
	var errs []error
	for pin, line := range d.lines {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("clear pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
	}
	if err := d.chip.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chip: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
