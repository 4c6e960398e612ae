// Package sched builds and executes the time-sliced MODBUS poll
// schedule: bulk reads per device group at the base rate, extra
// single-register samples for high-priority sensors in the gaps.
package sched

import (
	"errors"
	"fmt"
)

// Transport is the abstract register transport the scheduler polls.
// Implementations enforce their own wire timeouts; the scheduler only
// observes success or failure per transaction.
type Transport interface {
	// ReadHoldingRegisters reads count holding registers starting at
	// startReg from the device at addr.
	ReadHoldingRegisters(addr uint8, startReg, count uint16) ([]uint16, error)

	// WriteRegister writes a single holding register.
	WriteRegister(addr uint8, reg, value uint16) error

	// WriteMultipleRegisters writes a contiguous register block.
	WriteMultipleRegisters(addr uint8, startReg uint16, values []uint16) error
}

// FakeTransport is a scripted test double. Register values are served
// from a per-device map; failure modes are switchable per device.
type FakeTransport struct {
	// Registers maps device address -> register -> value.
	Registers map[uint8]map[uint16]uint16

	// FailDevices lists device addresses whose transactions fail.
	FailDevices map[uint8]bool

	// FailAll makes every transaction fail.
	FailAll bool

	// Reads records every read transaction in order.
	Reads []FakeRead

	// Writes records every write in order.
	Writes []FakeWrite
}

// FakeRead is one recorded read transaction.
type FakeRead struct {
	Addr     uint8
	StartReg uint16
	Count    uint16
}

// FakeWrite is one recorded register write.
type FakeWrite struct {
	Addr   uint8
	Reg    uint16
	Values []uint16
}

// ErrFakeTransport is returned by scripted failures.
var ErrFakeTransport = errors.New("sched: scripted transport failure")

// NewFakeTransport creates an empty fake.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		Registers:   make(map[uint8]map[uint16]uint16),
		FailDevices: make(map[uint8]bool),
	}
}

// SetRegister scripts one register value.
func (f *FakeTransport) SetRegister(addr uint8, reg, value uint16) {
	regs, ok := f.Registers[addr]
	if !ok {
		regs = make(map[uint16]uint16)
		f.Registers[addr] = regs
	}
	regs[reg] = value
}

// ReadHoldingRegisters serves scripted values; unscripted registers
// read as zero.
func (f *FakeTransport) ReadHoldingRegisters(addr uint8, startReg, count uint16) ([]uint16, error) {
	f.Reads = append(f.Reads, FakeRead{Addr: addr, StartReg: startReg, Count: count})

	if f.FailAll || f.FailDevices[addr] {
		return nil, fmt.Errorf("device %d: %w", addr, ErrFakeTransport)
	}

	out := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		out[i] = f.Registers[addr][startReg+i]
	}
	return out, nil
}

// WriteRegister records the write and updates the register map.
func (f *FakeTransport) WriteRegister(addr uint8, reg, value uint16) error {
	if f.FailAll || f.FailDevices[addr] {
		return fmt.Errorf("device %d: %w", addr, ErrFakeTransport)
	}
	f.Writes = append(f.Writes, FakeWrite{Addr: addr, Reg: reg, Values: []uint16{value}})
	f.SetRegister(addr, reg, value)
	return nil
}

// WriteMultipleRegisters records the write and updates the register map.
func (f *FakeTransport) WriteMultipleRegisters(addr uint8, startReg uint16, values []uint16) error {
	if f.FailAll || f.FailDevices[addr] {
		return fmt.Errorf("device %d: %w", addr, ErrFakeTransport)
	}
	f.Writes = append(f.Writes, FakeWrite{Addr: addr, Reg: startReg, Values: append([]uint16(nil), values...)})
	for i, v := range values {
		f.SetRegister(addr, startReg+uint16(i), v)
	}
	return nil
}
