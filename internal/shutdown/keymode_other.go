//go:build !linux

package shutdown

import "golang.org/x/term"

func enterKeyMode(fd int) (restoreFunc, error) {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return restoreWith(fd, state), nil
}
