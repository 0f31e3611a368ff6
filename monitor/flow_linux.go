//go:build linux

package monitor

import (
	"golang.org/x/sys/unix"

	"github.com/NanotokLLC/tytools/board"
)

// applyFlowControl sets the handshake bits the serial library's raw
// termios setup leaves cleared. The library does not expose its file
// descriptor, so the device node is reopened for the ioctl pair.
func applyFlowControl(device string, flow board.FlowControl) error {
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	attr, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	attr.Iflag &^= unix.IXON | unix.IXOFF
	attr.Cflag &^= unix.CRTSCTS
	switch flow {
	case board.FlowXonXoff:
		attr.Iflag |= unix.IXON | unix.IXOFF
	case board.FlowRtsCts:
		attr.Cflag |= unix.CRTSCTS
	}
	return unix.IoctlSetTermios(fd, unix.TCSETS, attr)
}
