package vm_test

import (
	"os"
	"testing"

	"github.com/blackhv-go/blackhv/kvm"
	"github.com/blackhv-go/blackhv/memory"
	"github.com/blackhv-go/blackhv/vcpu"
	"github.com/blackhv-go/blackhv/vm"
)

func openVM(t *testing.T) *vm.VM {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("requires root to open /dev/kvm")
	}

	v, err := vm.Open("/dev/kvm")
	if err != nil {
		t.Skipf("/dev/kvm unavailable: %v", err)
	}

	t.Cleanup(func() { _ = v.Close() })

	if err := v.Mem.Alloc(0, 1<<20, memory.RAM); err != nil {
		t.Fatalf("Mem.Alloc: %v", err)
	}

	if err := v.CreateVCPU(); err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	return v
}

func TestOutThenHaltDrainsByte(t *testing.T) {
	t.Parallel()

	v := openVM(t)

	// Real-mode guest: out dx, al ; hlt
	// b0 41         mov al, 'A'
	// ba f8 03      mov dx, 0x3f8
	// ee            out dx, al
	// f4            hlt
	code := []byte{0xB0, 'A', 0xBA, 0xF8, 0x03, 0xEE, 0xF4}
	if _, err := v.Mem.Write(0x1000, code); err != nil {
		t.Fatalf("Mem.Write: %v", err)
	}

	sig := [12]byte{'b', 'l', 'a', 'c', 'k', 'h', 'v', '0', '0', '0', '0', '0'}
	if err := vcpu.Setup(v.KVMFd, v.VMFd, v.VCPUFd, vcpu.RealMode, 0x1000, 0, sig); err != nil {
		t.Fatalf("vcpu.Setup: %v", err)
	}

	var gotByte uint8

	var gotPort uint16

	v.Ports.Register(0x3F8, nil,
		func(port uint16, value uint8) error {
			gotByte = value
			gotPort = port

			return nil
		}, nil, nil)

	for i := 0; i < 10; i++ {
		cont, err := v.RunOnce()
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}

		if !cont {
			break
		}
	}

	if gotByte != 'A' || gotPort != 0x3F8 {
		t.Fatalf("got byte=%q port=%#x, want 'A' on 0x3f8", gotByte, gotPort)
	}

	exit := kvm.ExitType(v.RunData().ExitReason)
	if exit != kvm.EXITHLT {
		t.Fatalf("final exit = %v, want EXITHLT", exit)
	}
}
