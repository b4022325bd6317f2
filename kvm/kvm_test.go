package kvm_test

import (
	"os"
	"testing"

	"github.com/blackhv-go/blackhv/kvm"
	"golang.org/x/sys/unix"
)

func openKVM(t *testing.T) uintptr {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("requires root to open /dev/kvm")
	}

	fd, err := unix.Open("/dev/kvm", unix.O_RDWR, 0)
	if err != nil {
		t.Skipf("/dev/kvm unavailable: %v", err)
	}

	t.Cleanup(func() { _ = unix.Close(fd) })

	return uintptr(fd)
}

func TestGetAPIVersion(t *testing.T) {
	t.Parallel()

	kvmFd := openKVM(t)

	v, err := kvm.GetAPIVersion(kvmFd)
	if err != nil {
		t.Fatalf("GetAPIVersion: %v", err)
	}

	if v != 12 {
		t.Fatalf("GetAPIVersion = %d, want 12", v)
	}
}

func TestCreateVM(t *testing.T) {
	t.Parallel()

	kvmFd := openKVM(t)

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	if err := kvm.SetTSSAddr(vmFd, 0xffffd000); err != nil {
		t.Fatalf("SetTSSAddr: %v", err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, 0xffffc000); err != nil {
		t.Fatalf("SetIdentityMapAddr: %v", err)
	}

	if _, err := kvm.CreateVCPU(vmFd, 0); err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}
}

func TestCPUID(t *testing.T) {
	t.Parallel()

	kvmFd := openKVM(t)

	cpuid := &kvm.CPUID{}
	if err := kvm.GetSupportedCPUID(kvmFd, cpuid); err != nil {
		t.Fatalf("GetSupportedCPUID: %v", err)
	}

	if cpuid.Nent == 0 {
		t.Fatal("GetSupportedCPUID returned zero entries")
	}

	kvm.PatchSignature(cpuid, [12]byte{'b', 'l', 'a', 'c', 'k', 'h', 'v', '0', '0', '0', '0', '0'})
}
