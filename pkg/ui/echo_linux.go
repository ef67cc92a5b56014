//go:build linux

package ui

import "golang.org/x/sys/unix"

// quietLflags are cleared while the watch view owns the terminal: no echo and
// no line buffering, so keystrokes neither print nor pile up for the shell.
const quietLflags = unix.ECHO | unix.ICANON

func disableInputEcho(fd int) (func(), error) {
	saved, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}
	if saved.Lflag&quietLflags == 0 {
		return nil, nil
	}

	quiet := *saved
	quiet.Lflag &^= quietLflags
	quiet.Cc[unix.VMIN] = 1
	quiet.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &quiet); err != nil {
		return nil, err
	}
	return func() { _ = unix.IoctlSetTermios(fd, unix.TCSETS, saved) }, nil
}
