// Package loader implements the three guest boot protocols of spec section
// 6: a raw flat binary loaded at 0x7C00, a Linux bzImage following the x86
// boot protocol, and a multiboot1 ELF image. Each loader only calls into
// the core through memory.Write/memory.Ptr and kvm's register setters,
// exactly as spec section 6 describes loaders as external callers of the
// core rather than part of it.
//
// Grounded on the teacher's Machine.LoadLinux, split into one function per
// format and rebased onto this VMM's memory.Manager and vcpu packages
// instead of a monolithic Machine type.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/blackhv-go/blackhv/bootparam"
	"github.com/blackhv-go/blackhv/kvm"
	"github.com/blackhv-go/blackhv/memory"
)

// ErrZeroSizeKernel is returned when a kernel image reads back 0 bytes.
var ErrZeroSizeKernel = errors.New("loader: kernel is 0 bytes")

// Format identifies which of the three boot-image formats a kernel image
// matches, as reported by DetectFormat.
type Format int

const (
	// FormatRaw is a flat binary with no header, loaded by LoadRaw. The
	// vCPU must start this format in real mode.
	FormatRaw Format = iota
	// FormatBzImage is a Linux bzImage, loaded by LoadBzImage. The vCPU
	// must already be in protected mode with flat segments installed
	// before the kernel's 32-bit entry point is reached.
	FormatBzImage
	// FormatMultiboot1 is a multiboot1 ELF image, loaded by
	// LoadMultiboot1. Like FormatBzImage, it expects protected mode.
	FormatMultiboot1
)

// DetectFormat inspects kernel without loading it: a multiboot1 ELF if
// debug/elf can parse it, else a Linux bzImage if its embedded setup_header
// carries the "HdrS" magic, else a raw flat binary. Matches the teacher's
// Machine.LoadLinux detection order (elf.NewFile, then bootparam.New).
func DetectFormat(kernel io.ReaderAt) (Format, error) {
	if _, err := elf.NewFile(kernel); err == nil {
		return FormatMultiboot1, nil
	}

	header, err := readHeaderAt(kernel)
	if err != nil {
		return FormatRaw, fmt.Errorf("loader: reading header: %w", err)
	}

	if _, err := bootparam.New(bytes.NewReader(header)); err == nil {
		return FormatBzImage, nil
	}

	return FormatRaw, nil
}

// rawLoadAddr is where a raw flat binary is expected to start, matching the
// classic x86 boot-sector convention.
const rawLoadAddr = 0x7C00

// LoadRaw copies image to guest physical 0x7C00 and points rip at it. The
// caller is expected to have already allocated RAM covering this range.
func LoadRaw(mem *memory.Manager, vcpuFd uintptr, image io.Reader) error {
	data, err := io.ReadAll(image)
	if err != nil {
		return fmt.Errorf("loader: reading raw image: %w", err)
	}

	if len(data) == 0 {
		return ErrZeroSizeKernel
	}

	if _, err := mem.Write(rawLoadAddr, data); err != nil {
		return fmt.Errorf("loader: writing raw image: %w", err)
	}

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		return err
	}

	regs.RIP = rawLoadAddr

	return kvm.SetRegs(vcpuFd, regs)
}

// Linux bzImage guest-physical layout, matching the teacher's constants.
const (
	setupAddr    = 0x90000
	kernelAddr   = 0x100000
	bootParamAddr = 0x10000
	cmdlineAddr  = setupAddr + 0xE000 - 0x200
)

// LoadBzImage loads a Linux bzImage kernel per spec section 6: setup
// sectors to 0x90000, kernel to 0x100000, a populated boot_params at
// 0x10000, cmdline at 0x9DE00 (0x90000 + 0xE000 - 0x200), and rip/rsi set to the kernel's 32-bit
// entry point and boot_params respectively. The vCPU must already be in
// protected mode with flat segments installed (vcpu.Setup); this loader only
// places the image and points the entry registers at it.
func LoadBzImage(mem *memory.Manager, vcpuFd uintptr, kernel io.ReaderAt, cmdline string) error {
	header, err := readHeaderAt(kernel)
	if err != nil {
		return fmt.Errorf("loader: reading bzImage header: %w", err)
	}

	bp, err := bootparam.New(bytes.NewReader(header))
	if err != nil {
		return fmt.Errorf("loader: parsing boot_params: %w", err)
	}

	for _, e := range mem.E820() {
		bp.AddE820Entry(e.Base, e.Size, bootparam.E820Type(e.Type))
	}

	bp.Hdr.VidMode = 0xFFFF
	bp.Hdr.TypeOfLoader = 0xFF
	bp.Hdr.LoadFlags |= bootparam.CanUseHeap | bootparam.LoadedHigh | bootparam.KeepSegments
	bp.Hdr.HeapEndPtr = 0xFE00
	bp.Hdr.CmdlinePtr = cmdlineAddr
	bp.Hdr.CmdlineSize = uint32(len(cmdline) + 1)

	if _, err := mem.Write(cmdlineAddr, append([]byte(cmdline), 0)); err != nil {
		return fmt.Errorf("loader: writing cmdline: %w", err)
	}

	setupSects := int(bp.Hdr.SetupSects)
	if setupSects == 0 {
		setupSects = 4
	}

	kernelOffset := int64((setupSects + 1) * 512)

	setup := make([]byte, kernelOffset)

	n, err := kernel.ReadAt(setup, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("loader: reading setup sectors: %w", err)
	}

	if _, err := mem.Write(setupAddr, setup[:n]); err != nil {
		return fmt.Errorf("loader: writing setup sectors: %w", err)
	}

	kernSize, err := readAllAt(kernel, kernelOffset)
	if err != nil {
		return fmt.Errorf("loader: reading kernel body: %w", err)
	}

	if len(kernSize) == 0 {
		return ErrZeroSizeKernel
	}

	if _, err := mem.Write(kernelAddr, kernSize); err != nil {
		return fmt.Errorf("loader: writing kernel: %w", err)
	}

	raw, err := bp.Bytes()
	if err != nil {
		return fmt.Errorf("loader: serializing boot_params: %w", err)
	}

	if _, err := mem.Write(bootParamAddr, raw); err != nil {
		return fmt.Errorf("loader: writing boot_params: %w", err)
	}

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		return err
	}

	regs.RIP = uint64(bp.Hdr.Code32Start)
	regs.RSI = bootParamAddr

	return kvm.SetRegs(vcpuFd, regs)
}

func readHeaderAt(r io.ReaderAt) ([]byte, error) {
	buf := make([]byte, 0x300)

	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}

	return buf[:n], nil
}

func readAllAt(r io.ReaderAt, offset int64) ([]byte, error) {
	const chunkSize = 1 << 20

	var out []byte

	buf := make([]byte, chunkSize)

	for {
		n, err := r.ReadAt(buf, offset+int64(len(out)))
		out = append(out, buf[:n]...)

		if err != nil {
			if err == io.EOF {
				return out, nil
			}

			return out, err
		}
	}
}

// Multiboot1 guest-physical layout, per spec section 6.
const (
	multibootMagic   = 0x2BADB002
	multibootInfoAt  = 0xC10000
	multibootCmdAt   = 0xC20000
	multibootMmapAt  = 0xC30000
)

// multibootInfo mirrors the fields of struct multiboot_info this loader
// populates; every other field is left zero.
type multibootInfo struct {
	Flags      uint32
	MemLower   uint32
	MemUpper   uint32
	BootDevice uint32
	Cmdline    uint32
	ModsCount  uint32
	ModsAddr   uint32
	_          [16]byte // syms union (aout_sym/elf_sec), unused
	MmapLength uint32
	MmapAddr   uint32
}

// multibootMmapEntry mirrors one struct multiboot_mmap_entry.
type multibootMmapEntry struct {
	Size    uint32
	Addr    uint64
	Len     uint64
	Type    uint32
}

const flagCmdline = 1 << 2
const flagMmap = 1 << 6

// LoadMultiboot1 loads a multiboot1 ELF image: every PT_LOAD segment is
// copied to its guest-physical address, a multiboot_info block is built at
// 0xC10000 pointing at a copied cmdline and an E820-translated mmap array,
// and rip/rax/rbx are set to the ELF entry point, the multiboot magic, and
// the info block address respectively. As with LoadBzImage, the vCPU must
// already be in protected mode with flat segments installed (vcpu.Setup)
// before this entry point is reached.
func LoadMultiboot1(mem *memory.Manager, vcpuFd uintptr, image io.ReaderAt, cmdline string) error {
	f, err := elf.NewFile(image)
	if err != nil {
		return fmt.Errorf("loader: parsing multiboot1 ELF: %w", err)
	}

	var total int

	for i, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && err != io.EOF {
			return fmt.Errorf("loader: reading PT_LOAD segment %d: %w", i, err)
		}

		if _, err := mem.Write(p.Paddr, data); err != nil {
			return fmt.Errorf("loader: writing PT_LOAD segment %d: %w", i, err)
		}

		if p.Memsz > p.Filesz {
			zero := make([]byte, p.Memsz-p.Filesz)
			if _, err := mem.Write(p.Paddr+p.Filesz, zero); err != nil {
				return fmt.Errorf("loader: zeroing bss for segment %d: %w", i, err)
			}
		}

		total += int(p.Filesz)
	}

	if total == 0 {
		return ErrZeroSizeKernel
	}

	if _, err := mem.Write(multibootCmdAt, append([]byte(cmdline), 0)); err != nil {
		return fmt.Errorf("loader: writing cmdline: %w", err)
	}

	e820 := mem.E820()

	mmapBuf := new(bytes.Buffer)

	for _, e := range e820 {
		entry := multibootMmapEntry{
			Size: 20,
			Addr: e.Base,
			Len:  e.Size,
			Type: uint32(e.Type),
		}
		if err := binary.Write(mmapBuf, binary.LittleEndian, &entry); err != nil {
			return fmt.Errorf("loader: encoding mmap entry: %w", err)
		}
	}

	if _, err := mem.Write(multibootMmapAt, mmapBuf.Bytes()); err != nil {
		return fmt.Errorf("loader: writing mmap table: %w", err)
	}

	info := multibootInfo{
		Flags:      flagCmdline | flagMmap,
		Cmdline:    multibootCmdAt,
		MmapLength: uint32(mmapBuf.Len()),
		MmapAddr:   multibootMmapAt,
	}

	infoBuf := new(bytes.Buffer)
	if err := binary.Write(infoBuf, binary.LittleEndian, &info); err != nil {
		return fmt.Errorf("loader: encoding multiboot_info: %w", err)
	}

	if _, err := mem.Write(multibootInfoAt, infoBuf.Bytes()); err != nil {
		return fmt.Errorf("loader: writing multiboot_info: %w", err)
	}

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		return err
	}

	regs.RAX = multibootMagic
	regs.RBX = multibootInfoAt
	regs.RIP = f.Entry

	return kvm.SetRegs(vcpuFd, regs)
}
