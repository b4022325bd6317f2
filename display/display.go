// Package display drives the periodic framebuffer presentation described in
// spec section 4.7: a region of guest memory is read on a fixed cadence and
// handed to an external presentation surface. It mirrors the original
// SDL2-based screen thread's lock/read/unlock/present cycle, but behind a
// Sink interface so the core never depends on a specific windowing toolkit;
// cmd/blackhv wires in whatever Sink fits its build.
package display

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blackhv-go/blackhv/memory"
)

// Framebuffer dimensions and pixel format, matching the original fixed
// 640x400 ARGB8888 screen.
const (
	Width  = 640
	Height = 400
	BPP    = 4

	// refreshInterval approximates the original's SDL_Delay(1000/60).
	refreshInterval = time.Second / 60
)

// Size is the total byte size of one framebuffer, already page-aligned by
// construction (640*400*4 = 1,024,000 = 250 pages of 4 KiB, which AlignUp
// leaves unchanged).
const Size = Width * Height * BPP

// Sink receives presented frames. A real cmd/blackhv build wires this to an
// actual window; tests use a recording stub.
type Sink interface {
	Present(pixels []byte) error
}

// Manager owns the framebuffer's guest-memory region and pumps it to a Sink
// on a fixed cadence.
type Manager struct {
	mem  *memory.Manager
	phys uint64
	sink Sink
}

// Init reserves the framebuffer region in mem at guestPhys and binds sink as
// its presentation target.
func Init(mem *memory.Manager, guestPhys uint64, sink Sink) (*Manager, error) {
	if err := mem.Alloc(guestPhys, memory.AlignUp(Size), memory.Framebuffer); err != nil {
		return nil, fmt.Errorf("display: reserving framebuffer: %w", err)
	}

	return &Manager{mem: mem, phys: guestPhys, sink: sink}, nil
}

// Run reads and presents one frame every refreshInterval until ctx is
// cancelled; the core never writes to the framebuffer itself, only the
// guest does, so this goroutine only ever reads.
func (m *Manager) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	pixels := make([]byte, Size)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.mem.Read(m.phys, pixels); err != nil {
				continue
			}

			_ = m.sink.Present(pixels)
		}
	}
}
