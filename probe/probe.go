// Package probe reports the host KVM API version, a fixed set of optional
// capabilities, and the supported CPUID leaves, for the "probe" subcommand.
//
// Grounded on the teacher's probe.CPUID, extended to also walk
// kvm.Capability the way a human running "probe" would want confirmed
// before attempting "boot".
package probe

import (
	"fmt"

	"github.com/blackhv-go/blackhv/kvm"
	"golang.org/x/sys/unix"
)

// capabilities is the fixed set probe reports: IRQCHIP for
// vcpu.SetupMachine, memory slots for memory.Manager, and a few further
// extensions this VMM does not itself use.
var capabilities = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapNRMemSlots,
	kvm.CapMPState,
	kvm.CapIOMMU,
	kvm.CapIRQRouting,
	kvm.CapKVMClockCtrl,
}

// Run opens devPath and prints the API version, capability table, and
// supported CPUID leaves to stdout.
func Run(devPath string) error {
	fd, err := unix.Open(devPath, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("probe: open %s: %w", devPath, err)
	}

	defer unix.Close(fd)

	kvmFd := uintptr(fd)

	version, err := kvm.GetAPIVersion(kvmFd)
	if err != nil {
		return fmt.Errorf("probe: GetAPIVersion: %w", err)
	}

	fmt.Printf("KVM API version: %d\n", version)

	for _, cap := range capabilities {
		val, err := kvm.CheckExtension(kvmFd, cap)
		if err != nil {
			fmt.Printf("%-20s unavailable: %v\n", cap, err)

			continue
		}

		fmt.Printf("%-20s %d\n", cap, val)
	}

	cpuid := kvm.CPUID{}
	if err := kvm.GetSupportedCPUID(kvmFd, &cpuid); err != nil {
		return fmt.Errorf("probe: GetSupportedCPUID: %w", err)
	}

	for _, e := range cpuid.Entries[:cpuid.Nent] {
		fmt.Printf("0x%08x 0x%02x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x\n",
			e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx)
	}

	return nil
}
