// Package bootparam implements the Linux x86 boot_params struct (spec
// section 6's Linux bzImage boot protocol): reading a bzImage's embedded
// setup_header, and building the e820 table the guest kernel reads its
// memory map from.
//
// The byte offsets below (e820_entries at 0x1E8, setup_header at 0x1F1,
// e820_table at 0x2D0) are exactly Linux's arch/x86/include/uapi/asm/bootparam.h
// layout; this package reconstructs them as fixed-size padding blocks rather
// than naming every intervening field, since nothing in this VMM reads
// screen_info, apm_bios_info, or the other legacy fields those gaps cover.
package bootparam

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// bootProtoMagicSignature is setup_header.header's required value ("HdrS").
const bootProtoMagicSignature = 0x53726448

// ErrSignatureNotMatch is returned when a file does not look like a bzImage.
var ErrSignatureNotMatch = errors.New("bootparam: signature not match in bzImage")

// setupHeaderOffset and e820TableOffset are fixed byte offsets within
// BootParam's wire encoding.
const (
	e820EntriesOffset = 0x1E8
	setupHeaderOffset = 0x1F1
	e820TableOffset   = 0x2D0
	maxE820Entries    = 128
	structSize        = 0x1000
)

// Load flag bits used by SetupHeader.LoadFlags.
const (
	LoadedHigh    = 1 << 0
	KeepSegments  = 1 << 6
	CanUseHeap    = 1 << 7
)

// E820Type is the BIOS memory-map type code.
type E820Type uint32

const (
	E820Ram      E820Type = 1
	E820Reserved E820Type = 2
)

// SetupHeader is the bzImage setup_header, as read from offset 0x1F1 of the
// kernel image and written back at the same offset within BootParam.
type SetupHeader struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	ReadModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// E820Entry is one row of the guest-visible e820 table.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type E820Type
}

// BootParam is the subset of Linux's struct boot_params this VMM populates:
// the e820 entry count, the setup_header, and the e820 table itself, each
// kept at its real byte offset so a guest kernel's boot code reads it
// correctly regardless of which other legacy fields this package omits.
type BootParam struct {
	Hdr         SetupHeader
	e820Entries []E820Entry
}

// New reads the setup_header out of a bzImage (or any reader positioned at
// its start), verifying the "HdrS" magic.
func New(r io.Reader) (*BootParam, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if len(raw) < setupHeaderOffset+4 {
		return nil, ErrSignatureNotMatch
	}

	b := &BootParam{}

	reader := bytes.NewReader(raw[setupHeaderOffset:])
	if err := binary.Read(reader, binary.LittleEndian, &b.Hdr); err != nil {
		return nil, err
	}

	if b.Hdr.Header != bootProtoMagicSignature {
		return nil, ErrSignatureNotMatch
	}

	return b, nil
}

// AddE820Entry appends one row to the guest-visible e820 table.
func (b *BootParam) AddE820Entry(addr, size uint64, typ E820Type) {
	b.e820Entries = append(b.e820Entries, E820Entry{Addr: addr, Size: size, Type: typ})
}

// Bytes serializes BootParam into the 4 KiB boot_params wire image a guest
// kernel expects at its cmdline/boot_params guest-physical address.
func (b *BootParam) Bytes() ([]byte, error) {
	if len(b.e820Entries) > maxE820Entries {
		return nil, errors.New("bootparam: too many e820 entries")
	}

	buf := make([]byte, structSize)

	buf[e820EntriesOffset] = byte(len(b.e820Entries))

	hdrBuf := new(bytes.Buffer)
	if err := binary.Write(hdrBuf, binary.LittleEndian, &b.Hdr); err != nil {
		return nil, err
	}

	copy(buf[setupHeaderOffset:], hdrBuf.Bytes())

	entryBuf := new(bytes.Buffer)
	for _, e := range b.e820Entries {
		if err := binary.Write(entryBuf, binary.LittleEndian, &e); err != nil {
			return nil, err
		}
	}

	copy(buf[e820TableOffset:], entryBuf.Bytes())

	return buf, nil
}
