package kvm

import "unsafe"

// UserspaceMemoryRegion describes one guest-physical memory slot backed by
// host memory (KVM_SET_USER_MEMORY_REGION), spec section 6.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemReadonly marks the slot as guest-read-only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion installs or updates a memory slot. Per spec section 5,
// the known quirk is that passing MemorySize=0 to remove a slot is rejected
// by some kernels; callers fall back to munmap-only teardown.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}
