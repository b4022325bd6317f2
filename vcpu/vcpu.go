// Package vcpu builds the one-time vCPU setup sequence of spec section 4.8:
// TSS/identity-map reservation, in-kernel IRQ chip and PIT creation, a flat
// real-mode or 32-bit protected-mode segment layout, general-purpose
// register seeding, and CPUID signature patching.
//
// Grounded on the teacher's initRegs/initSregs/initCPUID; this package drops
// the teacher's amd64 long-mode branch (paging setup, EFER.LME) since 64-bit
// long mode is explicitly out of scope here, and instead drives either real
// mode or the flat 32-bit protected-mode layout the teacher used for its
// non-amd64 guests.
package vcpu

import (
	"fmt"

	"github.com/blackhv-go/blackhv/kvm"
)

// Mode selects the processor mode a vCPU starts executing in.
type Mode int

const (
	// RealMode leaves CR0.PE clear and zeroes CS's selector and base, so
	// rip is the physical entry address; the other segments keep their
	// power-on reset state.
	RealMode Mode = iota
	// ProtectedMode sets CR0.PE and installs flat 4 GiB segments, per
	// testable property 14.
	ProtectedMode
)

// Flat protected-mode selectors, matching the GDT layout a bzImage/ELF
// loader's 32-bit entry point expects: null, code at 0x08, data at 0x10.
const (
	selNull = 0x00
	selCode = 0x08
	selData = 0x10
)

// Setup performs the per-vCPU part of the sequence for vcpuFd: CPUID
// negotiation with the hypervisor-signature patch, and the initial register
// state for entry at rip in the given mode. vmFd is not used here; TSS and
// identity-map reservation and IRQ chip and PIT creation are done once per VM
// by SetupMachine.
func Setup(kvmFd, vmFd, vcpuFd uintptr, mode Mode, rip, rsi uint64, sig [12]byte) error {
	cpuid := &kvm.CPUID{}
	if err := kvm.GetSupportedCPUID(kvmFd, cpuid); err != nil {
		return fmt.Errorf("vcpu: GetSupportedCPUID: %w", err)
	}

	kvm.PatchSignature(cpuid, sig)

	if err := kvm.SetCPUID2(vcpuFd, cpuid); err != nil {
		return fmt.Errorf("vcpu: SetCPUID2: %w", err)
	}

	if err := initSregs(vcpuFd, mode); err != nil {
		return fmt.Errorf("vcpu: initSregs: %w", err)
	}

	if err := initRegs(vcpuFd, rip, rsi); err != nil {
		return fmt.Errorf("vcpu: initRegs: %w", err)
	}

	return nil
}

// SetupMachine performs the once-per-VM hypervisor setup: TSS addr,
// identity map addr, in-kernel IRQ chip, and in-kernel PIT.
func SetupMachine(vmFd uintptr, tssAddr, identityMapAddr uint64) error {
	if err := kvm.SetTSSAddr(vmFd, tssAddr); err != nil {
		return fmt.Errorf("vcpu: SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, identityMapAddr); err != nil {
		return fmt.Errorf("vcpu: SetIdentityMapAddr: %w", err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return fmt.Errorf("vcpu: CreateIRQChip: %w", err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		return fmt.Errorf("vcpu: CreatePIT2: %w", err)
	}

	return nil
}

func flatSegment(selector uint16, typ uint8) kvm.Segment {
	return kvm.Segment{
		Base:     0,
		Limit:    0xFFFFFFFF,
		Selector: selector,
		Typ:      typ,
		Present:  1,
		DPL:      0,
		DB:       1,
		S:        1,
		L:        0,
		G:        1,
	}
}

func initSregs(vcpuFd uintptr, mode Mode) error {
	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		return err
	}

	if mode == ProtectedMode {
		code := flatSegment(selCode, 11) // execute, read, accessed
		data := flatSegment(selData, 3)  // read/write, accessed

		sregs.CS = code
		sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data
		sregs.CR0 |= kvm.CR0ProtectionEnable
	} else {
		sregs.CS.Selector = 0
		sregs.CS.Base = 0
	}

	return kvm.SetSregs(vcpuFd, sregs)
}

func initRegs(vcpuFd uintptr, rip, rsi uint64) error {
	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2 // bit 1 is always set; everything else clear
	regs.RIP = rip
	regs.RSI = rsi

	return kvm.SetRegs(vcpuFd, regs)
}
