package kvm

import "unsafe"

// maxCPUIDEntries bounds the fixed-size CPUID entry array; 100 is comfortably
// above what any real CPU reports and matches the teacher's own sizing.
const maxCPUIDEntries = 100

// CPUIDEntry2 is one leaf/subleaf entry, as KVM_GET_SUPPORTED_CPUID and
// KVM_SET_CPUID2 exchange them.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID is a fixed-capacity list of CPUID entries.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// GetSupportedCPUID retrieves every CPUID leaf the host can expose to a
// guest. It sets Nent to the capacity of Entries itself before the single
// ioctl call, so callers need not set it.
func GetSupportedCPUID(kvmFd uintptr, cpuid *CPUID) error {
	cpuid.Nent = maxCPUIDEntries
	_, err := Ioctl(kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(cpuid)))

	return err
}

// SetCPUID2 uploads the (possibly patched) CPUID leaves to a vCPU.
func SetCPUID2(vcpuFd uintptr, cpuid *CPUID) error {
	_, err := Ioctl(vcpuFd, kvmSetCPUID2, uintptr(unsafe.Pointer(cpuid)))

	return err
}

// PatchSignature overwrites every KVM-signature leaf (CPUIDSignature) with a
// synthetic hypervisor signature, per spec section 4.8 step 6. sig must be
// exactly 12 ASCII bytes (three little-endian dwords, ebx/ecx/edx).
func PatchSignature(cpuid *CPUID, sig [12]byte) {
	for i := 0; i < int(cpuid.Nent); i++ {
		e := &cpuid.Entries[i]
		if e.Function != CPUIDSignature {
			continue
		}

		e.Eax = CPUIDFeatures
		e.Ebx = uint32(sig[0]) | uint32(sig[1])<<8 | uint32(sig[2])<<16 | uint32(sig[3])<<24
		e.Ecx = uint32(sig[4]) | uint32(sig[5])<<8 | uint32(sig[6])<<16 | uint32(sig[7])<<24
		e.Edx = uint32(sig[8]) | uint32(sig[9])<<8 | uint32(sig[10])<<16 | uint32(sig[11])<<24
	}
}
