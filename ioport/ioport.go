// Package ioport implements the port-I/O dispatch table (spec section 4.3):
// a flat array indexed by 16-bit port number, with independent optional
// handlers for 8-bit and 16-bit in/out. It replaces the teacher's ad hoc
// [0x10000][2]func array embedded directly in the machine type with a named,
// independently testable component devices register themselves into.
package ioport

// In8Func handles an 8-bit IN on a port.
type In8Func func(port uint16) (uint8, error)

// Out8Func handles an 8-bit OUT on a port.
type Out8Func func(port uint16, value uint8) error

// In16Func handles a 16-bit IN on a port.
type In16Func func(port uint16) (uint16, error)

// Out16Func handles a 16-bit OUT on a port.
type Out16Func func(port uint16, value uint16) error

type entry struct {
	in8   In8Func
	out8  Out8Func
	in16  In16Func
	out16 Out16Func
}

// Table is the flat 64K-entry port-I/O dispatch table for one VM.
type Table struct {
	entries [0x10000]entry
}

// NewTable returns an empty port-I/O table.
func NewTable() *Table {
	return &Table{}
}

// Register installs handlers for port, overwriting whatever was registered
// before. A nil handler leaves that direction/width unhandled. Devices
// register before the run loop starts; this is not safe to call
// concurrently with HandleIn8/HandleOut8/HandleIn16/HandleOut16.
func (t *Table) Register(port uint16, in8 In8Func, out8 Out8Func, in16 In16Func, out16 Out16Func) {
	t.entries[port] = entry{in8: in8, out8: out8, in16: in16, out16: out16}
}

// Unregister clears every handler for port.
func (t *Table) Unregister(port uint16) {
	t.entries[port] = entry{}
}

// HandleIn8 dispatches an 8-bit IN, returning ok=false if nothing is
// registered for this port and width.
func (t *Table) HandleIn8(port uint16) (value uint8, ok bool, err error) {
	h := t.entries[port].in8
	if h == nil {
		return 0, false, nil
	}

	value, err = h(port)

	return value, true, err
}

// HandleOut8 dispatches an 8-bit OUT, returning ok=false if nothing is
// registered for this port and width.
func (t *Table) HandleOut8(port uint16, value uint8) (ok bool, err error) {
	h := t.entries[port].out8
	if h == nil {
		return false, nil
	}

	return true, h(port, value)
}

// HandleIn16 dispatches a 16-bit IN, returning ok=false if nothing is
// registered for this port and width.
func (t *Table) HandleIn16(port uint16) (value uint16, ok bool, err error) {
	h := t.entries[port].in16
	if h == nil {
		return 0, false, nil
	}

	value, err = h(port)

	return value, true, err
}

// HandleOut16 dispatches a 16-bit OUT, returning ok=false if nothing is
// registered for this port and width.
func (t *Table) HandleOut16(port uint16, value uint16) (ok bool, err error) {
	h := t.entries[port].out16
	if h == nil {
		return false, nil
	}

	return true, h(port, value)
}
