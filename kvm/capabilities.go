package kvm

import "fmt"

// Capability identifies an optional KVM extension queried via
// KVM_CHECK_EXTENSION.
type Capability uintptr

// Capabilities this VMM queries before relying on the matching feature.
const (
	CapIRQChip       Capability = 0
	CapMPState       Capability = 14
	CapIOMMU         Capability = 18
	CapIRQRouting    Capability = 25
	CapKVMClockCtrl  Capability = 76
	CapNRMemSlots    Capability = 10
)

var capabilityNames = map[Capability]string{
	CapIRQChip:      "CapIRQChip",
	CapMPState:      "CapMPState",
	CapIOMMU:        "CapIOMMU",
	CapIRQRouting:   "CapIRQRouting",
	CapKVMClockCtrl: "CapKVMClockCtrl",
	CapNRMemSlots:   "CapNRMemSlots",
}

// String renders a Capability for diagnostics, falling back to a numeric
// form for capabilities this package does not name.
func (c Capability) String() string {
	if s, ok := capabilityNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uintptr(c))
}

// CheckExtension reports whether the host kernel supports cap, and if so
// the extension-specific value (often just 1, sometimes a count such as the
// number of memory slots for CapNRMemSlots).
func CheckExtension(kvmFd uintptr, cap Capability) (uintptr, error) {
	return Ioctl(kvmFd, kvmCheckExtension, uintptr(cap))
}
