package bootparam_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/blackhv-go/blackhv/bootparam"
)

func TestNewRejectsBadSignature(t *testing.T) {
	t.Parallel()

	junk := make([]byte, 0x300)

	if _, err := bootparam.New(bytes.NewReader(junk)); err != bootparam.ErrSignatureNotMatch {
		t.Fatalf("New on non-bzImage err = %v, want ErrSignatureNotMatch", err)
	}
}

func TestAddE820Entry(t *testing.T) {
	t.Parallel()

	b := &bootparam.BootParam{}

	b.AddE820Entry(0x1234567812345678, 0xabcdefabcdefabcd, bootparam.E820Ram)

	raw, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	if raw[0x1E8] != 1 {
		t.Fatalf("e820 entry count byte = %d, want 1", raw[0x1E8])
	}

	var actual bootparam.E820Entry
	if err := binary.Read(bytes.NewReader(raw[0x2D0:]), binary.LittleEndian, &actual); err != nil {
		t.Fatal(err)
	}

	if actual.Addr != 0x1234567812345678 {
		t.Fatalf("e820 addr = %#x", actual.Addr)
	}

	if actual.Size != 0xabcdefabcdefabcd {
		t.Fatalf("e820 size = %#x", actual.Size)
	}

	if actual.Type != bootparam.E820Ram {
		t.Fatalf("e820 type = %v, want E820Ram", actual.Type)
	}
}

func TestMultipleE820EntriesOrdering(t *testing.T) {
	t.Parallel()

	b := &bootparam.BootParam{}
	b.AddE820Entry(0, 0x1000, bootparam.E820Ram)
	b.AddE820Entry(0x1000, 0x1000, bootparam.E820Reserved)

	raw, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	if raw[0x1E8] != 2 {
		t.Fatalf("entry count = %d, want 2", raw[0x1E8])
	}

	var first, second bootparam.E820Entry

	r := bytes.NewReader(raw[0x2D0:])
	if err := binary.Read(r, binary.LittleEndian, &first); err != nil {
		t.Fatal(err)
	}

	if err := binary.Read(r, binary.LittleEndian, &second); err != nil {
		t.Fatal(err)
	}

	if first.Type != bootparam.E820Ram || second.Type != bootparam.E820Reserved {
		t.Fatalf("ordering/type mismatch: %+v %+v", first, second)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	b := &bootparam.BootParam{}
	b.Hdr.Code32Start = 0x100000
	b.Hdr.CmdlinePtr = 0x20000
	b.Hdr.LoadFlags = bootparam.LoadedHigh | bootparam.CanUseHeap

	raw, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	var hdr bootparam.SetupHeader
	if err := binary.Read(bytes.NewReader(raw[0x1F1:]), binary.LittleEndian, &hdr); err != nil {
		t.Fatal(err)
	}

	if hdr.Code32Start != 0x100000 || hdr.CmdlinePtr != 0x20000 {
		t.Fatalf("header round-trip mismatch: %+v", hdr)
	}
}
