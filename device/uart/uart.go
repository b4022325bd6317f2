// Package uart emulates the 16550 UART subset at spec section 4.5: eight
// consecutive I/O ports starting at COM1, backed by a pair of ring queues
// (one per direction) instead of the teacher's single Go channel, so the
// vCPU thread and the host-side reader/writer goroutines serialize through
// the mutex-guarded queue abstraction of package ring.
package uart

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/blackhv-go/blackhv/ring"
)

// COM1 is the default base port for the first serial line.
const COM1 = 0x03f8

// queueCapacity matches the teacher's buffered-channel depth.
const queueCapacity = 10000

// IRQInjector raises the UART's interrupt line on the VM's IRQ chip.
type IRQInjector interface {
	InjectSerialIRQ() error
}

// UART is a 16550-subset serial port. HostToGuest carries bytes the host
// writer goroutine feeds to the guest; GuestToHost carries bytes the guest
// writes to THR.
type UART struct {
	mu  sync.Mutex
	ier byte
	lcr byte

	hostToGuest *ring.Queue
	guestToHost *ring.Queue

	irq IRQInjector
}

// New creates a UART with empty queues.
func New(irq IRQInjector) *UART {
	return &UART{
		hostToGuest: ring.New(queueCapacity),
		guestToHost: ring.New(queueCapacity),
		irq:         irq,
	}
}

func (u *UART) dlab() bool {
	return u.lcr&0x80 != 0
}

// In8 handles an 8-bit IN at offset (already relative to the UART's base
// port) per the register table in spec section 4.5.
func (u *UART) In8(offset uint16) uint8 {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch {
	case offset == 0 && !u.dlab():
		var b [1]byte
		if n := u.hostToGuest.Read(b[:]); n == 0 {
			return 0
		}

		return b[0]
	case offset == 1 && !u.dlab():
		return u.ier
	case offset == 5:
		var lsr uint8 = 0x20 // THR always empty, always accepts
		if !u.hostToGuest.Empty() {
			lsr |= 0x1 // DR
		}

		return lsr
	default:
		return 0
	}
}

// Out8 handles an 8-bit OUT at offset.
func (u *UART) Out8(offset uint16, value uint8) error {
	u.mu.Lock()

	var injectIRQ bool

	switch {
	case offset == 0 && !u.dlab():
		u.guestToHost.Write([]byte{value})
	case offset == 1 && !u.dlab():
		u.ier = value
		injectIRQ = value != 0
	case offset == 3:
		u.lcr = value
	default:
		// IIR/FCR, MCR, SR writes are accepted and ignored.
	}

	u.mu.Unlock()

	if injectIRQ && u.irq != nil {
		return u.irq.InjectSerialIRQ()
	}

	return nil
}

// Read drains bytes the guest has written to THR (guest→host), host side.
func (u *UART) Read(buf []byte) int {
	return u.guestToHost.Read(buf)
}

// Write enqueues bytes for the guest to read from RBR (host→guest).
func (u *UART) Write(buf []byte) int {
	return u.hostToGuest.Write(buf)
}

// RunReader pumps bytes out of guestToHost to w until ctx is cancelled,
// matching the guest-to-host direction of the spec's "one host-side reader
// per UART" auxiliary thread.
func (u *UART) RunReader(ctx context.Context, wg *sync.WaitGroup, w io.Writer) {
	defer wg.Done()

	buf := make([]byte, 1)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if n := u.Read(buf); n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				log.Printf("uart: write to host sink: %v", err)

				return
			}
		}
	}
}

// RunWriter pumps bytes from r into hostToGuest, injecting the serial IRQ on
// each byte, until r hits EOF or ctx is cancelled. ctx is checked between
// bytes, so a ReadByte that is blocked waiting on r is not interrupted.
func (u *UART) RunWriter(ctx context.Context, wg *sync.WaitGroup, r *bufio.Reader) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := r.ReadByte()
		if err != nil {
			if err != io.EOF {
				log.Printf("uart: read from host source: %v", err)
			}

			return
		}

		u.Write([]byte{b})

		if u.irq != nil {
			if err := u.irq.InjectSerialIRQ(); err != nil {
				log.Printf("uart: InjectSerialIRQ: %v", err)
			}
		}
	}
}

func (u *UART) String() string {
	return fmt.Sprintf("uart(ier=%#x lcr=%#x)", u.ier, u.lcr)
}
