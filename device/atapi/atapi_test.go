package atapi_test

import (
	"testing"

	"github.com/blackhv-go/blackhv/device/atapi"
)

const blockSize = 2048

// sector returns an n-byte block filled with fill.
func sector(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}

	return b
}

// fakeDisk is a fixed-size in-memory ReaderAt backing a Drive.
type fakeDisk struct {
	data []byte
}

func (f *fakeDisk) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, nil
	}

	n := copy(p, f.data[off:])

	return n, nil
}

// writePacket drives a 12-byte packet command through a Drive's DataOut16,
// matching how the guest's IDE driver streams PACKET bytes onto RegData.
func writePacket(d *atapi.Drive, op byte, lba uint32) {
	var packet [12]byte

	packet[0] = op
	packet[2] = byte(lba >> 24)
	packet[3] = byte(lba >> 16)
	packet[4] = byte(lba >> 8)
	packet[5] = byte(lba)

	for i := 0; i < len(packet); i += 2 {
		word := uint16(packet[i]) | uint16(packet[i+1])<<8
		d.DataOut16(word)
	}
}

func TestIdentificationSignature(t *testing.T) {
	t.Parallel()

	d := atapi.NewDrive(nil)
	d.SelectOut8(atapi.DriveMaster)

	if got := d.SignatureIn8(atapi.RegSectorCount); got != atapi.SigSectorCount {
		t.Fatalf("RegSectorCount signature = %#x, want %#x", got, atapi.SigSectorCount)
	}

	if got := d.SignatureIn8(atapi.RegLBAMi); got != atapi.SigLBAMi {
		t.Fatalf("RegLBAMi signature = %#x, want %#x", got, atapi.SigLBAMi)
	}

	if got := d.SignatureIn8(atapi.RegLBAHi); got != atapi.SigLBAHi {
		t.Fatalf("RegLBAHi signature = %#x, want %#x", got, atapi.SigLBAHi)
	}

	if got := d.SignatureIn8(atapi.RegLBALo); got != atapi.SigLBALo {
		t.Fatalf("RegLBALo signature = %#x, want %#x", got, atapi.SigLBALo)
	}
}

func TestUnselectedDriveReturnsZero(t *testing.T) {
	t.Parallel()

	d := atapi.NewDrive(nil)
	d.SelectOut8(atapi.DriveSlave)

	if got := d.SignatureIn8(atapi.RegLBAHi); got != 0 {
		t.Fatalf("slave-selected SignatureIn8 = %#x, want 0", got)
	}
}

func TestRead12RoundTrip(t *testing.T) {
	t.Parallel()

	want := sector(blockSize, 0xAB)

	disk := &fakeDisk{data: want}
	d := atapi.NewDrive(disk)
	d.SelectOut8(atapi.DriveMaster)

	writePacket(d, 0xA8, 0)

	if got := d.SignatureIn8(atapi.RegSectorCount); got != atapi.PhaseDataTransmit {
		t.Fatalf("phase after packet write = %#x, want PhaseDataTransmit", got)
	}

	if err := d.Err(); err != nil {
		t.Fatalf("Err() after READ(12): %v", err)
	}

	got := make([]byte, 0, blockSize)
	for i := 0; i < blockSize/2; i++ {
		word := d.DataIn16()
		got = append(got, byte(word), byte(word>>8))
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}

	if phase := d.SignatureIn8(atapi.RegSectorCount); phase != atapi.PhaseCommandComplete {
		t.Fatalf("phase after draining transfer = %#x, want PhaseCommandComplete", phase)
	}

	if phase := d.SignatureIn8(atapi.RegSectorCount); phase != atapi.SigSectorCount {
		t.Fatalf("phase after transaction retired = %#x, want AWAIT_COMMAND", phase)
	}
}

func TestUnsupportedCommandRecordsError(t *testing.T) {
	t.Parallel()

	d := atapi.NewDrive(&fakeDisk{})
	d.SelectOut8(atapi.DriveMaster)

	writePacket(d, 0xFF, 0)
	d.SignatureIn8(atapi.RegSectorCount)

	if err := d.Err(); err == nil {
		t.Fatal("expected an error after an unsupported packet command")
	}
}

func TestStatusAlwaysReady(t *testing.T) {
	t.Parallel()

	d := atapi.NewDrive(nil)

	if got := d.StatusIn8(); got&(1<<3) == 0 {
		t.Fatalf("StatusIn8 = %#x, want DRQ set", got)
	}
}
