//go:build !linux

package relay

import "errors"

// RealDriver is not available on non-Linux platforms.
type RealDriver struct{}

// NewRealDriver returns an error on non-Linux platforms.
func NewRealDriver() (*RealDriver, error) {
	return nil, errors.New("relay: gpio not supported on this platform (requires Linux)")
}

// Request is not implemented on non-Linux platforms.
func (d *RealDriver) Request(pin int) error {
	return errors.New("relay: gpio not supported")
}

// Set is not implemented on non-Linux platforms.
func (d *RealDriver) Set(pin int, value bool) error {
	return errors.New("relay: gpio not supported")
}

// Close is not implemented on non-Linux platforms.
func (d *RealDriver) Close() error {
	return nil
}
