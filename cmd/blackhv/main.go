// Command blackhv is a minimal KVM-ioctl-based userspace hypervisor:
// "boot" runs a guest, "probe" reports host KVM capabilities.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/blackhv-go/blackhv/flag"
	"github.com/blackhv-go/blackhv/probe"
	"github.com/blackhv-go/blackhv/vmm"
	"github.com/pkg/profile"
)

// logSink is the default display.Sink: no Go windowing library is available
// to present a real framebuffer, so frames are only logged at a coarse
// cadence as evidence the guest is drawing.
type logSink struct {
	frames int
}

func (s *logSink) Present(pixels []byte) error {
	s.frames++
	if s.frames%300 == 1 {
		log.Printf("display: frame %d, %d bytes, first pixel=%#v", s.frames, len(pixels), pixels[:4])
	}

	return nil
}

func profileMode(mode string) func() {
	switch mode {
	case "cpu":
		return profile.Start(profile.CPUProfile).Stop
	case "mem":
		return profile.Start(profile.MemProfile).Stop
	case "trace":
		return profile.Start(profile.TraceProfile).Stop
	default:
		return func() {}
	}
}

func main() {
	bootArgs, probeArgs, err := flag.ParseArgs(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	if probeArgs != nil {
		if err := probe.Run(probeArgs.Dev); err != nil {
			log.Fatal(err)
		}

		return
	}

	if bootArgs.Kernel == "" {
		log.Fatal("boot: a kernel path is required, either via -k or as a positional argument")
	}

	stop := profileMode(bootArgs.Profile)
	defer stop()

	v := vmm.New(vmm.Config{
		Dev:     bootArgs.Dev,
		Kernel:  bootArgs.Kernel,
		Disk:    bootArgs.Disk,
		Params:  bootArgs.Params,
		MemSize: bootArgs.MemSize,
	})

	if err := v.Init(&logSink{}); err != nil {
		log.Fatal(err)
	}

	defer v.Close()

	if err := v.Setup(); err != nil {
		log.Fatal(err)
	}

	fmt.Fprintf(os.Stderr, "blackhv: booting %s\n", bootArgs.Kernel)

	if err := v.Boot(); err != nil {
		log.Fatal(err)
	}
}
