// Package memory implements the guest-physical address space manager (spec
// section 4.2): an overlap-checked table of regions, host-backed mmap
// allocation and memory-slot registration for RAM and framebuffer regions,
// and E820-style export for the boot loaders in package loader.
//
// This is a rework of the original implementation's hand-rolled linked list
// of memory_entry records into a Go slice; the overlap check stays O(n)
// either way, so the slice only drops bookkeeping, not behavior.
package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/blackhv-go/blackhv/kvm"
	"golang.org/x/sys/unix"
)

// Kind distinguishes how a region is backed.
type Kind int

const (
	// RAM is host-backed guest memory the vCPU and this VMM can both read
	// and write.
	RAM Kind = iota
	// MMIO is a guest-physical hole with no host backing; reads and
	// writes are trapped and dispatched to device handlers instead.
	MMIO
	// Framebuffer is host-backed like RAM, but is written by the guest
	// and read by the display sink rather than emulated core logic.
	Framebuffer
)

func (k Kind) String() string {
	switch k {
	case RAM:
		return "RAM"
	case MMIO:
		return "MMIO"
	case Framebuffer:
		return "Framebuffer"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Errors returned by this package, per the error-kind taxonomy.
var (
	ErrOverlap         = errors.New("memory: region overlaps an existing region")
	ErrUnmapped        = errors.New("memory: address has no backing region")
	ErrWrongKind       = errors.New("memory: operation not valid for region kind")
	ErrResourceExhaust = errors.New("memory: host allocation failed")
)

// pageSize is the host page size RAM and framebuffer allocations are
// rounded up to.
const pageSize = 4096

// AlignUp rounds size up to the next multiple of the host page size.
func AlignUp(size uint64) uint64 {
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// region is one entry in the manager's table.
type region struct {
	guestPhys uint64
	size      uint64
	kind      Kind
	slot      uint32
	hasSlot   bool
	hostBuf   []byte
}

// Manager is the guest-physical address space of one VM.
type Manager struct {
	vmFd     uintptr
	regions  []region
	nextSlot uint32
}

// New creates an empty manager bound to a VM's file descriptor; memory slots
// registered through it use vmFd.
func New(vmFd uintptr) *Manager {
	return &Manager{vmFd: vmFd}
}

func overlaps(aBase, aSize, bBase, bSize uint64) bool {
	return aBase < bBase+bSize && bBase < aBase+aSize
}

func (m *Manager) findOverlap(phys, size uint64) bool {
	for _, r := range m.regions {
		if overlaps(phys, size, r.guestPhys, r.size) {
			return true
		}
	}

	return false
}

// Alloc registers a new region of kind at [phys, phys+size). RAM and
// Framebuffer regions get host-backed anonymous memory and a monotonically
// increasing, never-reused memory slot; MMIO regions get neither.
func (m *Manager) Alloc(phys, size uint64, kind Kind) error {
	if size == 0 {
		return fmt.Errorf("memory: zero-size region at %#x", phys)
	}

	if m.findOverlap(phys, size) {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, phys, phys+size)
	}

	r := region{guestPhys: phys, size: size, kind: kind}

	switch kind {
	case RAM, Framebuffer:
		buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
		if err != nil {
			return fmt.Errorf("%w: mmap %d bytes: %v", ErrResourceExhaust, size, err)
		}

		slot := m.nextSlot
		kregion := kvm.UserspaceMemoryRegion{
			Slot:          slot,
			GuestPhysAddr: phys,
			MemorySize:    size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
		}

		if err := kvm.SetUserMemoryRegion(m.vmFd, &kregion); err != nil {
			_ = unix.Munmap(buf)

			return fmt.Errorf("%w: KVM_SET_USER_MEMORY_REGION: %v", ErrResourceExhaust, err)
		}

		r.slot = slot
		r.hasSlot = true
		r.hostBuf = buf
		m.nextSlot++
	case MMIO:
		// no host backing, no slot
	}

	m.regions = append(m.regions, r)

	return nil
}

func (m *Manager) find(addr uint64) *region {
	for i := range m.regions {
		r := &m.regions[i]
		if r.guestPhys <= addr && addr < r.guestPhys+r.size {
			return r
		}
	}

	return nil
}

// Write copies up to len(buf) bytes into guest memory starting at dest,
// truncating at the region boundary rather than wrapping, and returns the
// number of bytes actually written.
func (m *Manager) Write(dest uint64, buf []byte) (int, error) {
	r := m.find(dest)
	if r == nil {
		return 0, fmt.Errorf("%w: %#x", ErrUnmapped, dest)
	}

	if r.kind == MMIO {
		return 0, fmt.Errorf("%w: write to MMIO region at %#x", ErrWrongKind, dest)
	}

	base := dest - r.guestPhys
	limit := r.size - base

	n := uint64(len(buf))
	if n > limit {
		n = limit
	}

	copy(r.hostBuf[base:base+n], buf[:n])

	return int(n), nil
}

// Read copies up to len(buf) bytes from guest memory starting at src,
// truncating at the region boundary, and returns the number of bytes
// actually read.
func (m *Manager) Read(src uint64, buf []byte) (int, error) {
	r := m.find(src)
	if r == nil {
		return 0, fmt.Errorf("%w: %#x", ErrUnmapped, src)
	}

	if r.kind == MMIO {
		return 0, fmt.Errorf("%w: read from MMIO region at %#x", ErrWrongKind, src)
	}

	base := src - r.guestPhys
	limit := r.size - base

	n := uint64(len(buf))
	if n > limit {
		n = limit
	}

	copy(buf[:n], r.hostBuf[base:base+n])

	return int(n), nil
}

// Ptr returns a direct slice into the host buffer backing addr, translated
// by the region's guest-physical base. Unlike the source this is grounded
// on, the translation subtracts region.guestPhys before indexing, so a
// region that does not start at guest-physical 0 still resolves correctly.
func (m *Manager) Ptr(addr uint64) ([]byte, error) {
	r := m.find(addr)
	if r == nil {
		return nil, fmt.Errorf("%w: %#x", ErrUnmapped, addr)
	}

	if r.kind == MMIO {
		return nil, fmt.Errorf("%w: pointer into MMIO region at %#x", ErrWrongKind, addr)
	}

	offset := addr - r.guestPhys

	return r.hostBuf[offset:], nil
}

// E820Type is the legacy BIOS memory-map type code.
type E820Type uint32

const (
	E820Usable   E820Type = 1
	E820Reserved E820Type = 2
)

// E820Entry is one row of an exported memory map.
type E820Entry struct {
	Base uint64
	Size uint64
	Type E820Type
}

// E820 snapshots the manager's regions, in insertion order, as an E820-style
// memory map: RAM is Usable, everything else is Reserved.
func (m *Manager) E820() []E820Entry {
	entries := make([]E820Entry, len(m.regions))

	for i, r := range m.regions {
		typ := E820Reserved
		if r.kind == RAM {
			typ = E820Usable
		}

		entries[i] = E820Entry{Base: r.guestPhys, Size: r.size, Type: typ}
	}

	return entries
}

// Close releases every host-backed region's memory. Each slot is first
// withdrawn from KVM with a zero-size KVM_SET_USER_MEMORY_REGION, matching
// the original implementation's vm_destroy; a failure there is tolerated
// since the VM file descriptor may already be gone, and munmap still runs.
func (m *Manager) Close() error {
	var firstErr error

	for _, r := range m.regions {
		if r.hostBuf == nil {
			continue
		}

		if r.hasSlot {
			withdraw := kvm.UserspaceMemoryRegion{
				Slot:          r.slot,
				GuestPhysAddr: r.guestPhys,
				MemorySize:    0,
			}
			_ = kvm.SetUserMemoryRegion(m.vmFd, &withdraw)
		}

		if err := unix.Munmap(r.hostBuf); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
