// Package modbus adapts the serial/TCP MODBUS client to the
// scheduler's transport interface. One client serves every device on
// the bus; the unit id is set per transaction.
package modbus

import (
	"fmt"
	"time"

	"github.com/simonvetter/modbus"

	"github.com/brauwerk/fermd/internal/sched"
)

var _ sched.Transport = (*Client)(nil)

// ClientConfig holds the bus settings. URL takes the forms the
// underlying library accepts, e.g. "rtu:///dev/ttyUSB0" or
// "tcp://10.0.0.5:502".
type ClientConfig struct {
	URL      string
	BaudRate uint
	DataBits uint
	Parity   string // "N", "E" or "O"
	StopBits uint
	Timeout  time.Duration
}

// Client wraps the modbus library behind the scheduler's Transport
// interface.
type Client struct {
	mb  *modbus.ModbusClient
	cfg ClientConfig
}

// NewClient creates a client and opens the connection.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}

	var parity uint
	switch cfg.Parity {
	case "E":
		parity = modbus.PARITY_EVEN
	case "O":
		parity = modbus.PARITY_ODD
	default:
		parity = modbus.PARITY_NONE
	}

	mb, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:      cfg.URL,
		Speed:    cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   parity,
		StopBits: cfg.StopBits,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create modbus client: %w", err)
	}

	c := &Client{mb: mb, cfg: cfg}
	if err := c.mb.Open(); err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.URL, err)
	}
	return c, nil
}

// ReadHoldingRegisters reads count holding registers from one device.
func (c *Client) ReadHoldingRegisters(addr uint8, startReg, count uint16) ([]uint16, error) {
	if err := c.mb.SetUnitId(addr); err != nil {
		return nil, fmt.Errorf("device %d: %w", addr, err)
	}
	regs, err := c.mb.ReadRegisters(startReg, count, modbus.HOLDING_REGISTER)
	if err != nil {
		return nil, fmt.Errorf("device %d reg %d: %w", addr, startReg, err)
	}
	return regs, nil
}

// WriteRegister writes a single holding register.
func (c *Client) WriteRegister(addr uint8, reg, value uint16) error {
	if err := c.mb.SetUnitId(addr); err != nil {
		return fmt.Errorf("device %d: %w", addr, err)
	}
	if err := c.mb.WriteRegister(reg, value); err != nil {
		return fmt.Errorf("device %d reg %d: %w", addr, reg, err)
	}
	return nil
}

// WriteMultipleRegisters writes a contiguous register block.
func (c *Client) WriteMultipleRegisters(addr uint8, startReg uint16, values []uint16) error {
	if err := c.mb.SetUnitId(addr); err != nil {
		return fmt.Errorf("device %d: %w", addr, err)
	}
	if err := c.mb.WriteRegisters(startReg, values); err != nil {
		return fmt.Errorf("device %d reg %d: %w", addr, startReg, err)
	}
	return nil
}

// Close closes the bus connection.
func (c *Client) Close() error {
	return c.mb.Close()
}
