//go:build !linux

package monitor

// ttyPath has no portable implementation; without a device node the
// interface is treated as non-serial.
func ttyPath(bus int, location string, config, iface int) string {
	return ""
}
