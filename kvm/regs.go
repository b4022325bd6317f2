package kvm

import "unsafe"

// Regs holds the general-purpose registers of a vCPU. Only the low 32 bits
// of each field are meaningful in the real/protected modes this VMM drives
// (spec non-goal: 64-bit long mode).
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// GetRegs fetches the general-purpose registers for a vCPU.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(regs)))

	return regs, err
}

// SetRegs writes the general-purpose registers for a vCPU.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(regs)))

	return err
}

// Segment is an x86 segment descriptor as KVM represents it in Sregs.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor describes a GDT/IDT pointer.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs holds the special (segment and control) registers of a vCPU.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// CR0 bits this VMM cares about.
const (
	CR0ProtectionEnable = 1 << 0
)

// GetSregs fetches the special registers for a vCPU.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

// SetSregs writes the special registers for a vCPU.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(sregs)))

	return err
}
