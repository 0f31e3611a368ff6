//go:build linux

package monitor

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// watchHotplug subscribes to kernel uevents over netlink and raises the
// topology-change signal whenever a USB device comes or goes. This is
// the uncooked form of what udev monitors deliver.
func (u *USBBackend) watchHotplug(stop chan struct{}) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return err
	}
	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 1, // kernel uevent multicast group
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return err
	}

	u.stopped.Add(2)
	go func() {
		defer u.stopped.Done()
		<-stop
		// Unblocks the reader.
		unix.Close(fd)
	}()
	go func() {
		defer u.stopped.Done()
		buf := make([]byte, 4096)
		for {
			n, err := unix.Read(fd, buf)
			if err != nil {
				return
			}
			if n > 0 && isUSBEvent(buf[:n]) {
				u.signal.Raise()
			}
		}
	}()
	return nil
}

// isUSBEvent filters uevent payloads down to USB subsystem add/remove
// notifications. Payloads are NUL-separated KEY=value pairs after the
// "action@devpath" header.
func isUSBEvent(payload []byte) bool {
	return bytes.Contains(payload, []byte("SUBSYSTEM=usb")) ||
		bytes.Contains(payload, []byte("SUBSYSTEM=tty"))
}
