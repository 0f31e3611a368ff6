package monitor

import (
	"sync"
	"time"

	"github.com/NanotokLLC/tytools/board"
	"github.com/NanotokLLC/tytools/descset"
	"github.com/NanotokLLC/tytools/tyerr"
)

// SimDevice is one simulated USB device. Attach it to a SimBackend to
// make it show up in enumeration. The far end of its serial interface is
// reachable through FarEnd, so tests and demos can talk back.
type SimDevice struct {
	Location     string
	SerialNumber string
	VendorID     uint16
	ProductID    uint16
	Product      string
	// NoSerial omits the serial interface entirely, as a device in
	// bootloader mode would.
	NoSerial bool

	mu       sync.Mutex
	far      *SimPort
	lastCfg  board.SerialConfig
	opened   int
	injected error
}

// FarEnd returns the far end of the currently open serial channel, or
// nil when no channel is open.
func (d *SimDevice) FarEnd() *SimPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.far
}

// LastSerialConfig returns the line settings of the most recent open.
func (d *SimDevice) LastSerialConfig() board.SerialConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCfg
}

// OpenCount returns how many times the serial interface has been opened.
func (d *SimDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// InjectIOError makes the near end of the open channel fail its next
// reads and writes with err, simulating a cable-level fault.
func (d *SimDevice) InjectIOError(err error) {
	d.mu.Lock()
	far := d.far
	d.injected = err
	d.mu.Unlock()
	if far != nil && far.peer != nil {
		far.peer.fail(err)
	}
}

// SimBackend is an in-memory Backend implementation. Attach, Detach and
// Relocate raise the topology-change signal just like real hotplug
// events.
type SimBackend struct {
	mu      sync.Mutex
	devices []*SimDevice
	signal  *descset.Signal
	started bool
	enumErr error
}

// NewSimBackend returns an empty simulated bus.
func NewSimBackend() *SimBackend {
	return &SimBackend{signal: descset.NewSignal()}
}

func (s *SimBackend) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *SimBackend) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
}

func (s *SimBackend) Notify() *descset.Signal { return s.signal }

func (s *SimBackend) Close() error { return nil }

// Attach adds dev to the simulated bus and signals a topology change.
func (s *SimBackend) Attach(dev *SimDevice) {
	s.mu.Lock()
	s.devices = append(s.devices, dev)
	s.mu.Unlock()
	s.signal.Raise()
}

// Detach removes the device at location, if any.
func (s *SimBackend) Detach(location string) {
	s.mu.Lock()
	out := s.devices[:0]
	for _, d := range s.devices {
		if d.Location != location {
			out = append(out, d)
		}
	}
	s.devices = out
	s.mu.Unlock()
	s.signal.Raise()
}

// Relocate moves a device to a new port path, as re-plugging would.
func (s *SimBackend) Relocate(oldLocation, newLocation string) {
	s.mu.Lock()
	for _, d := range s.devices {
		if d.Location == oldLocation {
			d.Location = newLocation
		}
	}
	s.mu.Unlock()
	s.signal.Raise()
}

// FailEnumeration makes Enumerate return err until cleared with nil.
func (s *SimBackend) FailEnumeration(err error) {
	s.mu.Lock()
	s.enumErr = err
	s.mu.Unlock()
}

func (s *SimBackend) Enumerate() ([]IfaceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enumErr != nil {
		return nil, s.enumErr
	}
	var out []IfaceInfo
	for _, d := range s.devices {
		info := IfaceInfo{
			Location:     d.Location,
			SerialNumber: d.SerialNumber,
			VendorID:     d.VendorID,
			ProductID:    d.ProductID,
			Product:      d.Product,
		}
		if !d.NoSerial {
			info.Class = classCDCControl
			info.Device = "sim:" + d.Location
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *SimBackend) OpenSerial(info IfaceInfo, cfg board.SerialConfig) (board.SerialPort, error) {
	s.mu.Lock()
	var dev *SimDevice
	for _, d := range s.devices {
		if d.Location == info.Location {
			dev = d
			break
		}
	}
	s.mu.Unlock()
	if dev == nil {
		return nil, tyerr.System(nil, "simulated device %q is gone", info.Location)
	}

	near, far := NewSimPair()
	dev.mu.Lock()
	dev.far = far
	dev.lastCfg = cfg
	dev.opened++
	injected := dev.injected
	dev.mu.Unlock()
	if injected != nil {
		near.fail(injected)
	}
	return near, nil
}

// SimPort is one end of an in-memory duplex byte pipe implementing
// board.SerialPort.
type SimPort struct {
	in   *simBuf
	peer *SimPort

	mu          sync.Mutex
	readTimeout time.Duration
}

// NewSimPair returns the two cross-connected ends of a pipe.
func NewSimPair() (*SimPort, *SimPort) {
	a := &SimPort{in: newSimBuf(), readTimeout: -1}
	b := &SimPort{in: newSimBuf(), readTimeout: -1}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *SimPort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = d
	return nil
}

func (p *SimPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	timeout := p.readTimeout
	p.mu.Unlock()
	return p.in.read(buf, timeout)
}

func (p *SimPort) Write(buf []byte) (int, error) {
	return p.peer.in.write(buf)
}

func (p *SimPort) Close() error {
	p.in.close(nil)
	return nil
}

// fail poisons the port so pending and future reads and writes return
// err.
func (p *SimPort) fail(err error) {
	p.in.close(err)
	p.peer.in.close(err)
}

// simBuf is a byte queue with blocking reads and poisoning.
type simBuf struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	err    error
	closed bool
}

func newSimBuf() *simBuf {
	b := &simBuf{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *simBuf) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		if b.err != nil {
			return 0, b.err
		}
		return 0, tyerr.IO(nil, "simulated port is closed")
	}
	b.buf = append(b.buf, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *simBuf) read(p []byte, timeout time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
		// Timed wait via a watchdog wake-up; sync.Cond has no native
		// deadline support.
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			t := time.NewTimer(timeout)
			defer t.Stop()
			select {
			case <-t.C:
				b.cond.Broadcast()
			case <-stop:
			}
		}()
	}

	for len(b.buf) == 0 {
		if b.closed {
			return 0, b.err
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return 0, nil
		}
		b.cond.Wait()
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *simBuf) close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	b.cond.Broadcast()
}
