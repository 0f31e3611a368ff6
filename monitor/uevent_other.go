//go:build !linux

package monitor

import "errors"

// watchHotplug is not implemented off Linux; the poll ticker carries the
// notification duty alone.
func (u *USBBackend) watchHotplug(stop chan struct{}) error {
	return errors.New("hotplug events not implemented on this platform")
}
