package mmio_test

import (
	"bytes"
	"testing"

	"github.com/blackhv-go/blackhv/mmio"
)

func TestUnhandledReadReturnsZeroes(t *testing.T) {
	t.Parallel()

	tbl := mmio.NewTable()

	got := tbl.HandleRead(0x1000, 4)
	if !bytes.Equal(got, make([]byte, 4)) {
		t.Fatalf("HandleRead on empty table = %v, want zeroes", got)
	}
}

func TestRegisterAndDispatch(t *testing.T) {
	t.Parallel()

	tbl := mmio.NewTable()

	var lastWrite []byte

	id, err := tbl.Register(0x1000, 0x100,
		func(addr uint64, data []byte) { lastWrite = append([]byte(nil), data...) },
		func(addr uint64, n int) []byte { return bytes.Repeat([]byte{0xAB}, n) })
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if id != 0 {
		t.Fatalf("Register id = %d, want 0", id)
	}

	tbl.HandleWrite(0x1010, []byte{1, 2, 3})
	if !bytes.Equal(lastWrite, []byte{1, 2, 3}) {
		t.Fatalf("write handler got %v", lastWrite)
	}

	got := tbl.HandleRead(0x1010, 2)
	if !bytes.Equal(got, []byte{0xAB, 0xAB}) {
		t.Fatalf("HandleRead = %v, want [0xAB 0xAB]", got)
	}
}

func TestMultipleMatchesAllInvoked(t *testing.T) {
	t.Parallel()

	tbl := mmio.NewTable()

	var calls int

	for i := 0; i < 2; i++ {
		if _, err := tbl.Register(0x2000, 0x100, func(addr uint64, data []byte) { calls++ }, nil); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}

	tbl.HandleWrite(0x2050, []byte{0})

	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (both overlapping regions invoked)", calls)
	}
}

func TestUnregisterFreesSlot(t *testing.T) {
	t.Parallel()

	tbl := mmio.NewTable()

	id, err := tbl.Register(0x3000, 0x10, nil, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tbl.Unregister(id)

	id2, err := tbl.Register(0x4000, 0x10, nil, nil)
	if err != nil {
		t.Fatalf("Register after unregister: %v", err)
	}

	if id2 != id {
		t.Fatalf("freed slot %d not reused, got new id %d", id, id2)
	}
}

func TestTableFull(t *testing.T) {
	t.Parallel()

	tbl := mmio.NewTable()

	for i := 0; i < mmio.MaxRegions; i++ {
		if _, err := tbl.Register(uint64(i)*0x1000, 0x1000, nil, nil); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}

	if _, err := tbl.Register(0xFFFF0000, 0x1000, nil, nil); err != mmio.ErrTableFull {
		t.Fatalf("Register on full table err = %v, want ErrTableFull", err)
	}
}
