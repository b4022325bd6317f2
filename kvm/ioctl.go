// Package kvm wraps the host hypervisor ioctl interface (spec section 6's
// HvApi): opening /dev/kvm, creating a VM and vCPUs, registering memory
// slots, and driving KVM_RUN. Everything above this package talks to the
// hypervisor only through these calls.
package kvm

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Request codes, from <linux/kvm.h>. Kept as the teacher keeps them:
// unexported numeric constants next to the functions that use them.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmCreateVCPU          = 0xAE41
	kvmRun                 = 0xAE80
	kvmGetVCPUMMapSize     = 0xAE04
	kvmGetSupportedCPUID   = 0xC008AE05
	kvmGetMSRIndexList     = 0xC004AE02
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmSetTSSAddr          = 0xAE47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmCreateIRQChip       = 0xAE60
	kvmCreatePIT2          = 0x4040AE77
	kvmSetCPUID2           = 0x4008AE90
	kvmIRQLine             = 0x4008AE61
	kvmCheckExtension      = 0xAE03
	kvmGetDirtyLog         = 0x4010AE42

	numInterrupts = 0x100

	// CPUIDSignature is the KVM-reserved leaf a hypervisor uses to advertise
	// itself to the guest (spec section 4.8 step 6).
	CPUIDSignature = 0x40000000
	// CPUIDFeatures is the leaf immediately following CPUIDSignature.
	CPUIDFeatures = 0x40000001
)

// ErrUnexpectedExitReason is any exit reason the run loop does not know how
// to dispatch (spec section 4.9, "anything else").
var ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

// ErrDebug is returned when the guest hits an EXITDEBUG exit; this VMM does
// not implement guest debugging (spec non-goal).
var ErrDebug = errors.New("kvm debug exit")

// Ioctl issues a single ioctl on fd, retrying transparently on EINTR the way
// every well-behaved ioctl wrapper must (a signal landing mid-syscall is not
// a failure).
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}

// GetAPIVersion returns the KVM API version; callers should check it is 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetAPIVersion, 0)
}

// CreateVM asks the host kernel for a new VM file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmCreateVM, 0)
}

// CreateVCPU creates vCPU number cpu within vmFd.
func CreateVCPU(vmFd uintptr, cpu int) (uintptr, error) {
	return Ioctl(vmFd, kvmCreateVCPU, uintptr(cpu))
}

// Run executes the guest until the next VM-exit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, kvmRun, 0)

	return err
}

// GetVCPUMMmapSize returns the size in bytes of the shared kvm_run page.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmGetVCPUMMapSize, 0)
}

// SetTSSAddr reserves a 3-page TSS region at addr (spec section 4.8 step 1).
func SetTSSAddr(vmFd uintptr, addr uint64) error {
	_, err := Ioctl(vmFd, kvmSetTSSAddr, uintptr(addr))

	return err
}

// SetIdentityMapAddr reserves a 1-page identity map at addr (step 2).
func SetIdentityMapAddr(vmFd uintptr, addr uint64) error {
	a := addr
	_, err := Ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&a)))

	return err
}
