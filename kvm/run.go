package kvm

import "unsafe"

// ExitType identifies why KVM_RUN returned control to userspace.
type ExitType uint32

// Exit reasons, from <linux/kvm.h>. Spec section 4.9 dispatches on a subset
// of these; the rest fall into the run loop's fatal default case.
const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITS390SIEIC     ExitType = 13
	EXITS390RESET     ExitType = 14
	EXITDCR           ExitType = 15
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17
)

var exitTypeNames = map[ExitType]string{
	EXITUNKNOWN:       "EXITUNKNOWN",
	EXITEXCEPTION:     "EXITEXCEPTION",
	EXITIO:            "EXITIO",
	EXITHYPERCALL:     "EXITHYPERCALL",
	EXITDEBUG:         "EXITDEBUG",
	EXITHLT:           "EXITHLT",
	EXITMMIO:          "EXITMMIO",
	EXITIRQWINDOWOPEN: "EXITIRQWINDOWOPEN",
	EXITSHUTDOWN:      "EXITSHUTDOWN",
	EXITFAILENTRY:     "EXITFAILENTRY",
	EXITINTR:          "EXITINTR",
	EXITSETTPR:        "EXITSETTPR",
	EXITTPRACCESS:     "EXITTPRACCESS",
	EXITS390SIEIC:     "EXITS390SIEIC",
	EXITS390RESET:     "EXITS390RESET",
	EXITDCR:           "EXITDCR",
	EXITNMI:           "EXITNMI",
	EXITINTERNALERROR: "EXITINTERNALERROR",
}

// String renders an ExitType for diagnostics.
func (e ExitType) String() string {
	if s, ok := exitTypeNames[e]; ok {
		return s
	}

	return "EXIT(unknown)"
}

// IO direction, matching KVM_EXIT_IO's direction field.
const (
	DirIn  = 0
	DirOut = 1
)

// RunData mirrors the fixed prefix of the shared struct kvm_run page (spec
// section 6's "vCPU shared run page"). Only the fields this VMM dispatches
// on are named; Data is the payload area IO/MMIO exits read and write
// through, addressed by byte offset from the start of this struct.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the KVM_EXIT_IO union: direction, operand size in bytes, port
// number, repeat count, and the byte offset of the data within this page.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// IOData returns the byte slice of len size backing an IO exit's payload.
func (r *RunData) IOData(offset, size uint64) []byte {
	base := uintptr(unsafe.Pointer(r)) + uintptr(offset)

	return unsafe.Slice((*byte)(unsafe.Pointer(base)), int(size))
}

// mmioPayload mirrors the KVM_EXIT_MMIO union layout within RunData.Data.
type mmioPayload struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]uint8
}

// MMIO decodes the KVM_EXIT_MMIO union.
func (r *RunData) MMIO() (physAddr uint64, data []byte, isWrite bool) {
	m := (*mmioPayload)(unsafe.Pointer(&r.Data[0]))

	return m.PhysAddr, m.Data[:m.Len], m.IsWrite != 0
}
