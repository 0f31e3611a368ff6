// Package monitor owns USB enumeration: it merges raw backend interfaces
// into composite board identities, diffs successive enumeration passes
// and delivers lifecycle events to a registered callback.
package monitor

import (
	"github.com/NanotokLLC/tytools/board"
	"github.com/NanotokLLC/tytools/descset"
)

// IfaceInfo describes one raw USB interface as reported by a backend.
// Sibling interfaces sharing a Location belong to the same physical
// device and are merged into one board.
type IfaceInfo struct {
	// Location is the physical bus/port path, e.g. "1-1.4".
	Location string
	// Iface is the interface number within the device.
	Iface int
	// SerialNumber is the hardware serial number, or "" if the device
	// does not advertise one.
	SerialNumber string

	VendorID  uint16
	ProductID uint16
	// Class is the USB interface class code.
	Class uint8
	// Product is the product string descriptor, used as a fallback model
	// name for devices missing from the model table.
	Product string

	// Device is the backend-specific handle needed to open the serial
	// interface (a tty path on Linux). Empty when the interface is not a
	// serial one.
	Device string
}

// Backend is the contract the monitor requires from a USB backend:
// enumerate, notify on topology change, and open serial interfaces.
// Nothing more is prescribed.
type Backend interface {
	// Start begins hotplug subscription. It must be idempotent.
	Start() error
	// Stop ends the hotplug subscription. Safe to call repeatedly.
	Stop()
	// Enumerate reports every interface currently attached.
	Enumerate() ([]IfaceInfo, error)
	// Notify returns the signal raised whenever topology may have
	// changed. The same signal is returned on every call.
	Notify() *descset.Signal
	// OpenSerial opens the serial interface described by info with the
	// given line settings.
	OpenSerial(info IfaceInfo, cfg board.SerialConfig) (board.SerialPort, error)
	// Close releases backend resources. The backend is unusable
	// afterwards.
	Close() error
}
