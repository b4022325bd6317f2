// Package vmm wires together a vm.VM, the boot loaders, and the UART,
// ATAPI and display devices into a runnable guest, the way the teacher's
// VMM type sequences Init/Setup/Boot around a *machine.Machine. Only
// single-vCPU guests are driven here; the teacher's NCPUs loop, tap
// interface and virtio disk are not carried forward (non-goals: SMP,
// networking, virtio, disk writes).
package vmm

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/blackhv-go/blackhv/device/atapi"
	"github.com/blackhv-go/blackhv/device/uart"
	"github.com/blackhv-go/blackhv/display"
	"github.com/blackhv-go/blackhv/loader"
	"github.com/blackhv-go/blackhv/memory"
	"github.com/blackhv-go/blackhv/term"
	"github.com/blackhv-go/blackhv/vcpu"
	"github.com/blackhv-go/blackhv/vm"
)

// Config mirrors flag.BootArgs; kept separate so vmm does not depend on the
// flag package's CLI concerns.
type Config struct {
	Dev     string
	Kernel  string
	Disk    string
	Params  string
	MemSize int
}

// guestRAMBase is the guest-physical start of the single RAM region; an
// identity-mapped layout, consistent with the teacher's flat address space
// and with vcpu.SetupMachine's TSS/identity-map reservation above it.
const guestRAMBase = 0

// framebufferBase is the guest-physical address guest32.c's splash-screen
// code writes to.
const framebufferBase = 0xC2000000

// hvSignature is the CPUID hypervisor-signature leaf this VMM reports to the
// guest, matching the test fixtures' convention.
var hvSignature = [12]byte{'b', 'l', 'a', 'c', 'k', 'h', 'v', '0', '0', '0', '0', '0'}

// VMM owns one guest's lifecycle: construction, boot-image loading, and
// running it to completion.
type VMM struct {
	cfg  Config
	vm   *vm.VM
	drv  *atapi.Drive
	uart *uart.UART
}

// New constructs an unopened VMM from cfg.
func New(cfg Config) *VMM {
	return &VMM{cfg: cfg}
}

// Init opens the KVM device, creates the VM and its single vCPU, reserves
// guest RAM and the framebuffer, and wires the UART and ATAPI devices into
// the VM's port table.
func (v *VMM) Init(sink display.Sink) error {
	m, err := vm.Open(v.cfg.Dev)
	if err != nil {
		return err
	}

	v.vm = m

	if err := m.Mem.Alloc(guestRAMBase, memory.AlignUp(uint64(v.cfg.MemSize)), memory.RAM); err != nil {
		return fmt.Errorf("vmm: reserving guest RAM: %w", err)
	}

	if _, err := display.Init(m.Mem, framebufferBase, sink); err != nil {
		return err
	}

	if err := m.CreateVCPU(); err != nil {
		return err
	}

	if err := vcpu.SetupMachine(m.VMFd, 0xffffd000, 0xffffc000); err != nil {
		return fmt.Errorf("vmm: SetupMachine: %w", err)
	}

	v.uart = uart.New(m)
	for offset := uint16(0); offset < 8; offset++ {
		offset := offset

		in8 := func(port uint16) (uint8, error) { return v.uart.In8(offset), nil }
		out8 := func(port uint16, value uint8) error { return v.uart.Out8(offset, value) }
		m.Ports.Register(uart.COM1+offset, in8, out8, nil, nil)
	}

	v.drv = atapi.NewDrive(nil)
	if v.cfg.Disk != "" {
		f, err := os.Open(v.cfg.Disk)
		if err != nil {
			return fmt.Errorf("vmm: opening disk %s: %w", v.cfg.Disk, err)
		}

		v.drv = atapi.NewDrive(f)
	}

	v.drv.Register(m.Ports)

	return nil
}

// Setup loads kernel into guest memory, auto-detecting its format: a
// multiboot1 ELF, else a Linux bzImage, else a raw flat binary, matching
// the teacher's elf.NewFile-then-bootparam.New fallback in LoadLinux. The
// vCPU's CPUID signature patch and segment/mode setup (spec §4.8 operations
// 6-7) run here too, since the mode a loader's entry point expects
// (protected mode for bzImage/multiboot1, real mode for a raw boot sector)
// is only known once the format is detected.
func (v *VMM) Setup() error {
	f, err := os.Open(v.cfg.Kernel)
	if err != nil {
		return fmt.Errorf("vmm: opening kernel %s: %w", v.cfg.Kernel, err)
	}

	defer f.Close()

	format, err := loader.DetectFormat(f)
	if err != nil {
		return fmt.Errorf("vmm: detecting kernel format: %w", err)
	}

	mode := vcpu.RealMode
	if format != loader.FormatRaw {
		mode = vcpu.ProtectedMode
	}

	if err := vcpu.Setup(v.vm.KVMFd, v.vm.VMFd, v.vm.VCPUFd, mode, 0, 0, hvSignature); err != nil {
		return fmt.Errorf("vmm: vcpu.Setup: %w", err)
	}

	switch format {
	case loader.FormatMultiboot1:
		return loader.LoadMultiboot1(v.vm.Mem, v.vm.VCPUFd, f, v.cfg.Params)
	case loader.FormatBzImage:
		return loader.LoadBzImage(v.vm.Mem, v.vm.VCPUFd, f, v.cfg.Params)
	default:
		return loader.LoadRaw(v.vm.Mem, v.vm.VCPUFd, f)
	}
}

// Boot runs the guest to completion, bridging the host terminal to the
// UART's ring queues for the duration, matching the teacher's
// term.SetRawMode-guarded stdin/stdout bridge in VMM.Boot.
func (v *VMM) Boot() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	if term.IsTerminal() {
		restore, err := term.SetRawMode()
		if err != nil {
			return err
		}

		defer restore()

		wg.Add(2)

		go v.uart.RunReader(ctx, &wg, os.Stdout)
		go v.uart.RunWriter(ctx, &wg, bufio.NewReader(os.Stdin))
	}

	err := v.vm.RunLoop()

	cancel()
	wg.Wait()

	return err
}

// Close releases the VM's resources.
func (v *VMM) Close() error {
	return v.vm.Close()
}
