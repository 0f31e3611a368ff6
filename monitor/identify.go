package monitor

import "github.com/NanotokLLC/tytools/board"

// USB class code for CDC-ACM data/control interfaces.
const (
	classCDCControl = 0x02
	classCDCData    = 0x0a
)

type knownModel struct {
	vendor, product uint16
	name            string
	caps            board.Capability
}

// Devices the tools know how to drive. Interfaces of unlisted devices
// still get serial capability when they look like CDC-ACM, so the monitor
// remains useful with plain USB-serial adapters.
var knownModels = []knownModel{
	// PJRC Teensy running user firmware with USB Serial.
	{0x16c0, 0x0483, "Teensy", board.CapabilitySerial | board.CapabilityUnique | board.CapabilityUpload | board.CapabilityReset},
	// Teensy with Serial + HID composite firmware.
	{0x16c0, 0x0487, "Teensy", board.CapabilitySerial | board.CapabilityUnique | board.CapabilityUpload | board.CapabilityReset},
	// HalfKay bootloader; serial interface is gone until reboot.
	{0x16c0, 0x0478, "Teensy (bootloader)", board.CapabilityUnique | board.CapabilityUpload | board.CapabilityReset},
}

// identify derives the capability contribution and model name of one raw
// interface.
func identify(info IfaceInfo) (board.Capability, string) {
	for _, m := range knownModels {
		if m.vendor == info.VendorID && m.product == info.ProductID {
			caps := m.caps
			if info.SerialNumber == "" {
				caps &^= board.CapabilityUnique
			}
			if info.Device == "" {
				caps &^= board.CapabilitySerial
			}
			return caps, m.name
		}
	}

	var caps board.Capability
	if (info.Class == classCDCControl || info.Class == classCDCData) && info.Device != "" {
		caps |= board.CapabilitySerial
	}
	if info.SerialNumber != "" {
		caps |= board.CapabilityUnique
	}
	model := info.Product
	if model == "" {
		model = "Generic"
	}
	return caps, model
}
