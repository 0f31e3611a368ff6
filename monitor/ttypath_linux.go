//go:build linux

package monitor

import (
	"fmt"
	"os"
	"path/filepath"
)

// ttyPath resolves the /dev node of a USB serial interface through
// sysfs: /sys/bus/usb/devices/<location>:<config>.<iface>/tty/<name>.
func ttyPath(bus int, location string, config, iface int) string {
	dir := fmt.Sprintf("/sys/bus/usb/devices/%s:%d.%d/tty", location, config, iface)
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return ""
	}
	return filepath.Join("/dev", entries[0].Name())
}
