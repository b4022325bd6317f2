// Package flag parses cmd/blackhv's command line: a "boot" subcommand that
// starts a guest and a "probe" subcommand that reports host KVM
// capabilities, mirroring the teacher's subcommand split and its
// num[gGmMkK] memory-size parsing.
package flag

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSubcommand is returned when args[1] is neither "boot" nor "probe".
var ErrInvalidSubcommand = errors.New(`expected "boot" or "probe" subcommand`)

// BootArgs holds the "boot" subcommand's parsed flags.
type BootArgs struct {
	Dev     string
	Kernel  string
	Initrd  string
	Disk    string
	Params  string
	MemSize int
	Profile string
}

// defaultParams mirrors the teacher's default kernel command line, trimmed
// of the networking/virtio options this VMM's non-goals exclude.
const defaultParams = `console=ttyS0 earlyprintk=serial noapic noacpi notsc nowatchdog`

func parseBootArgs(args []string) (*BootArgs, error) {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)
	c := &BootArgs{}

	fs.StringVar(&c.Dev, "D", "/dev/kvm", "path of kvm device")
	fs.StringVar(&c.Kernel, "k", "", "kernel image path (bzImage, multiboot1 ELF, or raw flat binary)")
	fs.StringVar(&c.Initrd, "i", "", "initrd path (unused until an initrd-aware boot protocol needs it)")
	fs.StringVar(&c.Disk, "d", "", "path of an ISO image to present as the ATAPI drive")
	fs.StringVar(&c.Params, "p", defaultParams, "kernel command-line parameters")
	fs.StringVar(&c.Profile, "profile", "none", "profile.Start mode: cpu, mem, trace, or none")

	msize := fs.String("m", "256M", "memory size: as number[gGmMkK], defaults to M")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() > 0 && c.Kernel == "" {
		c.Kernel = fs.Arg(0)
	}

	var err error

	if c.MemSize, err = ParseSize(*msize, "m"); err != nil {
		return nil, err
	}

	return c, nil
}

// ProbeArgs holds the "probe" subcommand's arguments: only the -D device path.
type ProbeArgs struct {
	Dev string
}

func parseProbeArgs(args []string) (*ProbeArgs, error) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	c := &ProbeArgs{}

	fs.StringVar(&c.Dev, "D", "/dev/kvm", "path of kvm device")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// ParseArgs dispatches on args[1] ("boot" or "probe") and parses the rest
// of the command line for that subcommand.
func ParseArgs(args []string) (*BootArgs, *ProbeArgs, error) {
	if len(args) < 2 {
		return nil, nil, ErrInvalidSubcommand
	}

	switch args[1] {
	case "boot":
		c, err := parseBootArgs(args[2:])

		return c, nil, err
	case "probe":
		c, err := parseProbeArgs(args[2:])

		return nil, c, err
	default:
		return nil, nil, ErrInvalidSubcommand
	}
}

// ParseSize parses a size string as number[gGmMkK]; unit is used when s
// carries no suffix of its own.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	default:
		return -1, fmt.Errorf("can not parse %q as num[gGmMkK]: %w", s, strconv.ErrSyntax)
	}
}
