//go:build linux

package shutdown

import (
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// enterKeyMode disables line buffering and echo but keeps output processing
// and signal keys, so log lines still render and Ctrl-C still raises SIGINT.
func enterKeyMode(fd int) (restoreFunc, error) {
	state, err := term.GetState(fd)
	if err != nil {
		return nil, err
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}
	termios.Lflag &^= unix.ICANON | unix.ECHO
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return nil, err
	}

	return restoreWith(fd, state), nil
}
