// Package vm drives the single-vCPU run loop of spec section 4.9: execute
// the guest until the next VM-exit, dispatch IO exits to the port table and
// MMIO exits to the MMIO table, resume on benign exits, and fail hard on
// anything else. A HLT exit stops the loop: it is not logged, no registers
// are dumped, and the guest is not resumed.
//
// Grounded on the teacher's Machine.RunOnce/RunInfiniteLoop, reworked per
// the "Run-loop unknown exits" design note: every exit reason this loop does
// not explicitly recognize is now fatal, rather than sometimes continuing.
package vm

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"unsafe"

	"github.com/blackhv-go/blackhv/ioport"
	"github.com/blackhv-go/blackhv/kvm"
	"github.com/blackhv-go/blackhv/memory"
	"github.com/blackhv-go/blackhv/mmio"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"
)

// VM owns one guest's file descriptors, memory, and dispatch tables.
type VM struct {
	KVMFd  uintptr
	VMFd   uintptr
	VCPUFd uintptr

	Mem   *memory.Manager
	Ports *ioport.Table
	MMIO  *mmio.Table

	run *kvm.RunData
}

// Open opens the host hypervisor control handle, creates a VM, and wires
// empty port/MMIO dispatch tables and a memory manager. Devices register
// into Ports/MMIO and the memory manager's regions before RunLoop is called.
func Open(kvmPath string) (*VM, error) {
	fd, err := unix.Open(kvmPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vm: open %s: %w", kvmPath, err)
	}

	kvmFd := uintptr(fd)

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("vm: CreateVM: %w", err)
	}

	return &VM{
		KVMFd: kvmFd,
		VMFd:  vmFd,
		Mem:   memory.New(vmFd),
		Ports: ioport.NewTable(),
		MMIO:  mmio.NewTable(),
	}, nil
}

// CreateVCPU creates the VM's single vCPU and maps its shared kvm_run page.
func (v *VM) CreateVCPU() error {
	fd, err := kvm.CreateVCPU(v.VMFd, 0)
	if err != nil {
		return fmt.Errorf("vm: CreateVCPU: %w", err)
	}

	v.VCPUFd = fd

	mmapSize, err := kvm.GetVCPUMMmapSize(v.KVMFd)
	if err != nil {
		return fmt.Errorf("vm: GetVCPUMMmapSize: %w", err)
	}

	page, err := unix.Mmap(int(fd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("vm: mmap kvm_run: %w", err)
	}

	v.run = (*kvm.RunData)(unsafe.Pointer(&page[0]))

	return nil
}

// RunData returns the vCPU's shared kvm_run page.
func (v *VM) RunData() *kvm.RunData {
	return v.run
}

// InjectSerialIRQ raises the legacy COM1 IRQ (4) on the in-kernel IRQ chip.
func (v *VM) InjectSerialIRQ() error {
	if err := kvm.IRQLine(v.VMFd, 4, 1); err != nil {
		return err
	}

	return kvm.IRQLine(v.VMFd, 4, 0)
}

// RunLoop pins the calling goroutine to its OS thread (vCPU ioctls must be
// issued from the thread that created the vCPU) and repeatedly calls
// RunOnce until the guest halts or a fatal error occurs.
func (v *VM) RunLoop() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		cont, err := v.RunOnce()
		if !cont {
			return err
		}

		if err != nil {
			log.Printf("vm: %v", err)
		}
	}
}

// RunOnce executes the guest until the next VM-exit and dispatches it.
// The first return value is false when the run loop should stop (HLT or a
// fatal error); the second carries a KVM_RUN or device-handler error. With
// false it is the reason the loop stops (nil after a clean HLT); with true
// RunLoop only logs it and keeps running.
func (v *VM) RunOnce() (bool, error) {
	runErr := kvm.Run(v.VCPUFd)

	exit := kvm.ExitType(v.run.ExitReason)

	switch exit {
	case kvm.EXITHLT:
		return false, runErr

	case kvm.EXITIO:
		return true, v.handleIO()

	case kvm.EXITMMIO:
		v.handleMMIO()

		return true, nil

	case kvm.EXITUNKNOWN, kvm.EXITINTR:
		return true, runErr

	case kvm.EXITDEBUG:
		return false, kvm.ErrDebug

	default:
		log.Printf("vm: unexpected exit %s\n%s", exit, v.dumpState())

		if runErr != nil {
			return false, runErr
		}

		return false, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit)
	}
}

// dumpState renders the general-purpose registers and the instruction at
// RIP, for the log line an unexpected exit reason produces.
func (v *VM) dumpState() string {
	regs, err := kvm.GetRegs(v.VCPUFd)
	if err != nil {
		return fmt.Sprintf("GetRegs: %v", err)
	}

	line := fmt.Sprintf("rax=%#x rbx=%#x rcx=%#x rdx=%#x rsi=%#x rdi=%#x "+
		"rsp=%#x rbp=%#x rip=%#x rflags=%#x",
		regs.RAX, regs.RBX, regs.RCX, regs.RDX, regs.RSI, regs.RDI,
		regs.RSP, regs.RBP, regs.RIP, regs.RFLAGS)

	code := make([]byte, 16)
	if _, err := v.Mem.Read(regs.RIP, code); err != nil {
		return line
	}

	inst, err := x86asm.Decode(code, 32)
	if err != nil {
		return line + "\ninsn: <decode error>"
	}

	return line + "\ninsn: " + x86asm.GNUSyntax(inst, regs.RIP, nil)
}

func (v *VM) handleIO() error {
	direction, size, port, count, offset := v.run.IO()

	for i := uint64(0); i < count; i++ {
		data := v.run.IOData(offset+i*size, size)

		var (
			ok  bool
			err error
		)

		switch {
		case direction == kvm.DirIn && size == 1:
			var val uint8
			val, ok, err = v.Ports.HandleIn8(uint16(port))
			data[0] = val
		case direction == kvm.DirOut && size == 1:
			ok, err = v.Ports.HandleOut8(uint16(port), data[0])
		case direction == kvm.DirIn && size == 2:
			var val uint16
			val, ok, err = v.Ports.HandleIn16(uint16(port))
			data[0], data[1] = byte(val), byte(val>>8)
		case direction == kvm.DirOut && size == 2:
			ok, err = v.Ports.HandleOut16(uint16(port), uint16(data[0])|uint16(data[1])<<8)
		default:
			log.Printf("vm: unhandled IO width %d bytes on port %#x", size, port)

			continue
		}

		if err != nil {
			return err
		}

		if !ok {
			log.Printf("vm: unhandled port %#x", port)
		}
	}

	return nil
}

func (v *VM) handleMMIO() {
	addr, data, isWrite := v.run.MMIO()

	if isWrite {
		v.MMIO.HandleWrite(addr, data)

		return
	}

	copy(data, v.MMIO.HandleRead(addr, len(data)))
}

// Close tears down the vCPU mapping and releases memory regions.
func (v *VM) Close() error {
	var errs []error

	if v.Mem != nil {
		if err := v.Mem.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := unix.Close(int(v.VMFd)); err != nil {
		errs = append(errs, err)
	}

	if err := unix.Close(int(v.KVMFd)); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
