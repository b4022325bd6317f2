package kvm

import "unsafe"

// irqLevel is the argument to KVM_IRQ_LINE.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises (level=1) or lowers (level=0) the given IRQ on the VM's
// in-kernel IRQ chip.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	l := irqLevel{IRQ: irq, Level: level}
	_, err := Ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&l)))

	return err
}

// CreateIRQChip instantiates an in-kernel IRQ chip for the VM (spec section
// 4.8 step 3).
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// pitConfig is the argument to KVM_CREATE_PIT2.
type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates an in-kernel PIT with default flags (spec section 4.8
// step 4).
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{Flags: 0}
	_, err := Ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit)))

	return err
}
