package uart_test

import (
	"bufio"
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blackhv-go/blackhv/device/uart"
)

type fakeIRQ struct {
	mu    sync.Mutex
	count int
}

func (f *fakeIRQ) InjectSerialIRQ() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.count++

	return nil
}

func (f *fakeIRQ) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.count
}

func TestOut8ThenIn8RoundTrip(t *testing.T) {
	t.Parallel()

	u := uart.New(nil)

	// Host enqueues a byte for the guest; guest reads it back via RBR.
	if n := u.Write([]byte{'h'}); n != 1 {
		t.Fatalf("Write = %d, want 1", n)
	}

	if got := u.In8(0); got != 'h' {
		t.Fatalf("In8(0) = %q, want 'h'", got)
	}

	// Guest writes to THR; host drains it via Read.
	if err := u.Out8(0, 'g'); err != nil {
		t.Fatalf("Out8: %v", err)
	}

	buf := make([]byte, 1)
	if n := u.Read(buf); n != 1 || buf[0] != 'g' {
		t.Fatalf("Read = (%d, %q), want (1, 'g')", n, buf[0])
	}
}

func TestIn8LineStatusReflectsQueue(t *testing.T) {
	t.Parallel()

	u := uart.New(nil)

	if got := u.In8(5); got&0x1 != 0 {
		t.Fatalf("LSR DR bit set before any data queued: %#x", got)
	}

	u.Write([]byte{'x'})

	if got := u.In8(5); got&0x1 == 0 {
		t.Fatalf("LSR DR bit clear after queuing data: %#x", got)
	}

	if got := u.In8(5); got&0x20 == 0 {
		t.Fatalf("LSR THRE bit clear, want always set: %#x", got)
	}
}

func TestOut8IERInjectsIRQOnNonzero(t *testing.T) {
	t.Parallel()

	irq := &fakeIRQ{}
	u := uart.New(irq)

	if err := u.Out8(1, 0x01); err != nil {
		t.Fatalf("Out8: %v", err)
	}

	if irq.calls() != 1 {
		t.Fatalf("InjectSerialIRQ calls = %d, want 1", irq.calls())
	}

	if err := u.Out8(1, 0x00); err != nil {
		t.Fatalf("Out8: %v", err)
	}

	if irq.calls() != 1 {
		t.Fatalf("InjectSerialIRQ calls after zeroing IER = %d, want still 1", irq.calls())
	}
}

func TestDLABGatesDataAndIERRegisters(t *testing.T) {
	t.Parallel()

	u := uart.New(nil)

	// Set DLAB via LCR bit 7.
	if err := u.Out8(3, 0x80); err != nil {
		t.Fatalf("Out8 LCR: %v", err)
	}

	u.Write([]byte{'z'})

	// With DLAB set, offset 0/1 address the divisor latch, not RBR/IER.
	if got := u.In8(0); got != 0 {
		t.Fatalf("In8(0) with DLAB set = %#x, want 0", got)
	}

	// A write to offset 1 with DLAB set must not reach IER.
	if err := u.Out8(1, 0x0F); err != nil {
		t.Fatalf("Out8 DLH: %v", err)
	}

	if err := u.Out8(3, 0x00); err != nil {
		t.Fatalf("Out8 LCR: %v", err)
	}

	if got := u.In8(1); got != 0 {
		t.Fatalf("IER after write with DLAB set = %#x, want 0", got)
	}
}

func TestRunReaderPumpsGuestToHostBytes(t *testing.T) {
	t.Parallel()

	u := uart.New(nil)

	if err := u.Out8(0, 'a'); err != nil {
		t.Fatalf("Out8: %v", err)
	}

	if err := u.Out8(0, 'b'); err != nil {
		t.Fatalf("Out8: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup

	var out bytes.Buffer

	wg.Add(1)

	go u.RunReader(ctx, &wg, &out)

	deadline := time.Now().Add(time.Second)
	for out.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	cancel()
	wg.Wait()

	if got := out.String(); got != "ab" {
		t.Fatalf("RunReader output = %q, want %q", got, "ab")
	}
}

func TestRunWriterPumpsHostToGuestBytesAndInjectsIRQ(t *testing.T) {
	t.Parallel()

	irq := &fakeIRQ{}
	u := uart.New(irq)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)

	go u.RunWriter(ctx, &wg, bufio.NewReader(bytes.NewBufferString("hi")))

	wg.Wait()

	var got []byte

	for i := 0; i < 2; i++ {
		if lsr := u.In8(5); lsr&0x1 == 0 {
			t.Fatalf("expected DR set before reading queued byte %d", i)
		}

		got = append(got, u.In8(0))
	}

	if string(got) != "hi" {
		t.Fatalf("queued bytes = %q, want %q", got, "hi")
	}

	if irq.calls() != 2 {
		t.Fatalf("InjectSerialIRQ calls = %d, want 2", irq.calls())
	}
}

func TestStringReportsRegisters(t *testing.T) {
	t.Parallel()

	u := uart.New(nil)

	if err := u.Out8(1, 0x0F); err != nil {
		t.Fatalf("Out8: %v", err)
	}

	if got, want := u.String(), "uart(ier=0xf lcr=0x0)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
