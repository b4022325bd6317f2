// Package term puts the host's stdin into raw mode for the duration of a
// guest run, so the interactive serial console in cmd/blackhv sees every
// keystroke unbuffered and unechoed rather than waiting on a host line
// discipline the guest knows nothing about.
package term

import "golang.org/x/sys/unix"

// IsTerminal reports whether stdin is attached to a terminal. cmd/blackhv
// skips raw-mode setup entirely when it isn't, since piped input has no
// line discipline to disable.
func IsTerminal() bool {
	_, err := unix.IoctlGetTermios(0, unix.TCGETS)

	return err == nil
}

// SetRawMode disables canonical mode, echo, and signal generation on stdin
// and returns a restore function that undoes it. Mirrors the flags a
// standard cfmakeraw call clears.
func SetRawMode() (func(), error) {
	t, err := unix.IoctlGetTermios(0, unix.TCGETS)
	if err != nil {
		return func() {}, err
	}

	old := *t

	raw := *t
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(0, unix.TCSETS, &raw); err != nil {
		return func() {}, err
	}

	return func() {
		_ = unix.IoctlSetTermios(0, unix.TCSETS, &old)
	}, nil
}
