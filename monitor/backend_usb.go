package monitor

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	serial "github.com/albenik/go-serial/v2"
	"github.com/google/gousb"

	"github.com/NanotokLLC/tytools/board"
	"github.com/NanotokLLC/tytools/descset"
	"github.com/NanotokLLC/tytools/tyerr"
)

// pollInterval is the fallback enumeration cadence for platforms (or
// kernels) where no hotplug notification arrives. The uevent watcher
// makes changes visible much sooner on Linux.
const pollInterval = 2 * time.Second

// USBBackend implements Backend on top of libusb enumeration and
// OS serial ports.
type USBBackend struct {
	ctx    *gousb.Context
	logger *slog.Logger
	signal *descset.Signal

	mu      sync.Mutex
	stop    chan struct{}
	stopped sync.WaitGroup
}

// NewUSBBackend opens a libusb context.
func NewUSBBackend(logger *slog.Logger) (*USBBackend, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &USBBackend{
		ctx:    gousb.NewContext(),
		logger: logger,
		signal: descset.NewSignal(),
	}, nil
}

func (u *USBBackend) Notify() *descset.Signal { return u.signal }

// Start launches the hotplug watcher and the fallback poll ticker.
// Idempotent.
func (u *USBBackend) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stop != nil {
		return nil
	}
	stop := make(chan struct{})
	u.stop = stop

	u.stopped.Add(1)
	go func() {
		defer u.stopped.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				u.signal.Raise()
			case <-stop:
				return
			}
		}
	}()

	if err := u.watchHotplug(stop); err != nil {
		u.logger.Warn("hotplug notification unavailable, falling back to polling", "error", err)
	}
	return nil
}

// Stop ends the watcher goroutines. Safe to call repeatedly.
func (u *USBBackend) Stop() {
	u.mu.Lock()
	stop := u.stop
	u.stop = nil
	u.mu.Unlock()
	if stop != nil {
		close(stop)
		u.stopped.Wait()
	}
}

// Close stops the watchers and releases the libusb context.
func (u *USBBackend) Close() error {
	u.Stop()
	return u.ctx.Close()
}

// Enumerate walks the USB topology and reports one IfaceInfo per
// interface. Devices are opened briefly to read their string
// descriptors; no interface is claimed.
func (u *USBBackend) Enumerate() ([]IfaceInfo, error) {
	var out []IfaceInfo

	devs, err := u.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return true
	})
	// libusb reports partial failures even when some devices opened.
	if err != nil && len(devs) == 0 {
		return nil, err
	}
	for _, dev := range devs {
		desc := dev.Desc
		location := locationString(desc)

		serialNumber, _ := dev.SerialNumber()
		product, _ := dev.Product()

		for _, conf := range desc.Configs {
			for _, iface := range conf.Interfaces {
				info := IfaceInfo{
					Location:     location,
					Iface:        iface.Number,
					SerialNumber: serialNumber,
					VendorID:     uint16(desc.Vendor),
					ProductID:    uint16(desc.Product),
					Product:      product,
				}
				if len(iface.AltSettings) > 0 {
					info.Class = uint8(iface.AltSettings[0].Class)
				}
				info.Device = ttyPath(desc.Bus, location, conf.Number, iface.Number)
				out = append(out, info)
			}
		}
		_ = dev.Close()
	}
	return out, nil
}

// locationString renders the physical path the way sysfs does:
// "<bus>-<port[.port...]>".
func locationString(desc *gousb.DeviceDesc) string {
	if len(desc.Path) == 0 {
		return fmt.Sprintf("%d-0", desc.Bus)
	}
	parts := make([]string, len(desc.Path))
	for i, p := range desc.Path {
		parts[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("%d-%s", desc.Bus, strings.Join(parts, "."))
}

// OpenSerial opens the tty behind info with the requested line settings.
func (u *USBBackend) OpenSerial(info IfaceInfo, cfg board.SerialConfig) (board.SerialPort, error) {
	if info.Device == "" {
		return nil, tyerr.System(nil, "no serial device node for %s", info.Location)
	}

	var parity serial.Parity
	switch cfg.Parity {
	case board.ParityNone:
		parity = serial.NoParity
	case board.ParityOdd:
		parity = serial.OddParity
	case board.ParityEven:
		parity = serial.EvenParity
	}
	port, err := serial.Open(info.Device,
		serial.WithBaudrate(int(cfg.BaudRate)),
		serial.WithDataBits(cfg.DataBits),
		serial.WithParity(parity),
		serial.WithStopBits(serial.OneStopBit),
		serial.WithHUPCL(!cfg.NoReset),
	)
	if err != nil {
		return nil, tyerr.System(err, "failed to open %s", info.Device)
	}
	// The serial library configures a raw termios with the handshake bits
	// cleared, so flow control is patched in afterwards.
	if cfg.Flow != board.FlowNone {
		if err := applyFlowControl(info.Device, cfg.Flow); err != nil {
			_ = port.Close()
			return nil, tyerr.System(err, "failed to set flow control on %s", info.Device)
		}
	}
	return &usbSerialPort{port: port}, nil
}

// usbSerialPort adapts *serial.Port to board.SerialPort.
type usbSerialPort struct {
	port *serial.Port
}

func (p *usbSerialPort) Read(buf []byte) (int, error)  { return p.port.Read(buf) }
func (p *usbSerialPort) Write(buf []byte) (int, error) { return p.port.Write(buf) }
func (p *usbSerialPort) Close() error                  { return p.port.Close() }

func (p *usbSerialPort) SetReadTimeout(d time.Duration) error {
	return p.port.SetReadTimeout(int(d.Milliseconds()))
}
