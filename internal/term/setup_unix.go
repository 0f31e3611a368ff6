//go:build unix

package term

import "golang.org/x/sys/unix"

// setSilent clears the echo flags while keeping canonical line editing,
// which x/term's all-or-nothing raw mode cannot express.
func setSilent(fd int) (func(), error) {
	saved, err := unix.IoctlGetTermios(fd, ioctlReadTermios)
	if err != nil {
		return nil, err
	}
	attr := *saved
	attr.Lflag &^= unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL
	if err := unix.IoctlSetTermios(fd, ioctlWriteTermios, &attr); err != nil {
		return nil, err
	}
	return func() { _ = unix.IoctlSetTermios(fd, ioctlWriteTermios, saved) }, nil
}
