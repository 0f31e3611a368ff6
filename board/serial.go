package board

import (
	"sync"
	"time"

	"github.com/NanotokLLC/tytools/descset"
	"github.com/NanotokLLC/tytools/tyerr"
)

// Parity selects the serial parity mode.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// FlowControl selects the serial flow-control mode.
type FlowControl int

const (
	FlowNone FlowControl = iota
	FlowXonXoff
	FlowRtsCts
)

// SerialConfig holds the line settings applied when opening the serial
// interface. The zero value is not usable; start from DefaultSerialConfig.
type SerialConfig struct {
	BaudRate uint32
	DataBits int
	Parity   Parity
	Flow     FlowControl
	// NoReset skips resetting the serial interface when the channel is
	// closed (HUPCL off).
	NoReset bool
}

// DefaultSerialConfig returns the usual 115200 8N1 settings.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{BaudRate: 115200, DataBits: 8}
}

// Validate checks the parameter ranges.
func (c SerialConfig) Validate() error {
	if c.BaudRate == 0 {
		return tyerr.Param("baud rate must not be zero")
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return tyerr.Param("databits must be one of 5, 6, 7 or 8, got %d", c.DataBits)
	}
	return nil
}

// SerialPort is what the monitor backend hands to a board when its serial
// interface is opened. Read must return (0, nil) when the port's read
// timeout elapses without data, so the feeder can keep polling.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadTimeout(d time.Duration) error
	Close() error
}

// feederReadTimeout is the polling granularity of the channel's reader
// goroutine. It only bounds shutdown latency, not data latency.
const feederReadTimeout = 100 * time.Millisecond

// serialChannel bridges a blocking SerialPort into a readiness signal
// plus a buffered byte stream, so the reactor can wait on it through a
// descriptor set.
type serialChannel struct {
	port   SerialPort
	signal *descset.Signal

	mu   sync.Mutex
	buf  []byte
	err  error
	done chan struct{}
}

func newSerialChannel(port SerialPort) *serialChannel {
	ch := &serialChannel{
		port:   port,
		signal: descset.NewSignal(),
		done:   make(chan struct{}),
	}
	go ch.feed()
	return ch
}

// feed runs in its own goroutine, moving bytes from the port into the
// buffer and raising the signal. A port error ends the feeder; the error
// is surfaced on the next read.
func (ch *serialChannel) feed() {
	tmp := make([]byte, 1024)
	for {
		select {
		case <-ch.done:
			return
		default:
		}

		n, err := ch.port.Read(tmp)
		ch.mu.Lock()
		if n > 0 {
			ch.buf = append(ch.buf, tmp[:n]...)
		}
		if err != nil && ch.err == nil {
			ch.err = tyerr.IO(err, "serial read failed")
		}
		failed := ch.err != nil
		ready := len(ch.buf) > 0 || failed
		ch.mu.Unlock()

		if ready {
			ch.signal.Raise()
		}
		if failed {
			return
		}
	}
}

// read moves up to len(p) buffered bytes into p, waiting up to timeout
// for data to arrive. Zero timeout polls. A negative timeout blocks
// until data or an error.
func (ch *serialChannel) read(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		ch.mu.Lock()
		if len(ch.buf) > 0 {
			n := copy(p, ch.buf)
			ch.buf = ch.buf[n:]
			leftover := len(ch.buf) > 0
			ch.mu.Unlock()
			if leftover {
				ch.signal.Raise()
			}
			return n, nil
		}
		err := ch.err
		ch.mu.Unlock()
		if err != nil {
			return 0, err
		}
		if timeout == 0 {
			return 0, nil
		}

		if timeout < 0 {
			select {
			case <-ch.signal.C():
			case <-ch.done:
				return 0, tyerr.IO(nil, "serial channel closed")
			}
			continue
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ch.signal.C():
			timer.Stop()
		case <-ch.done:
			timer.Stop()
			return 0, tyerr.IO(nil, "serial channel closed")
		case <-timer.C:
			return 0, nil
		}
	}
}

func (ch *serialChannel) write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := ch.port.Write(p[written:])
		written += n
		if err != nil {
			return written, tyerr.IO(err, "serial write failed")
		}
		if n == 0 {
			return written, tyerr.IO(nil, "serial write made no progress")
		}
	}
	return written, nil
}

func (ch *serialChannel) close() {
	select {
	case <-ch.done:
		return
	default:
	}
	close(ch.done)
	_ = ch.port.Close()
}

// OpenSerial opens the board's serial interface with the given line
// settings. The board must be present and serial-capable, and at most one
// channel can be open at a time.
func (b *Board) OpenSerial(cfg SerialConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.status != StatusPresent {
		b.mu.Unlock()
		return tyerr.IO(nil, "board %q is not available (status: %s)", b.tag, b.status)
	}
	if !b.capabilities.Has(CapabilitySerial) {
		b.mu.Unlock()
		return tyerr.Param("board %q has no serial capability", b.tag)
	}
	if b.channel != nil {
		b.mu.Unlock()
		return tyerr.Param("board %q serial channel is already open", b.tag)
	}
	opener := b.opener
	b.mu.Unlock()

	if opener == nil {
		return tyerr.System(nil, "board %q has no serial backend", b.Tag())
	}
	port, err := opener(cfg)
	if err != nil {
		return err
	}
	if err := port.SetReadTimeout(feederReadTimeout); err != nil {
		_ = port.Close()
		return tyerr.System(err, "failed to configure serial read timeout")
	}

	ch := newSerialChannel(port)
	b.mu.Lock()
	if b.status != StatusPresent {
		status := b.status
		b.mu.Unlock()
		ch.close()
		return tyerr.IO(nil, "board %q is not available (status: %s)", b.Tag(), status)
	}
	if b.channel != nil {
		b.mu.Unlock()
		ch.close()
		return tyerr.Param("board %q serial channel is already open", b.Tag())
	}
	b.channel = ch
	b.mu.Unlock()
	return nil
}

// SerialOpen reports whether a serial channel is currently open.
func (b *Board) SerialOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channel != nil
}

// SerialRead reads available serial data into p, waiting up to timeout.
// Zero timeout polls, negative blocks. Returns 0 with no error when the
// timeout elapses without data.
func (b *Board) SerialRead(p []byte, timeout time.Duration) (int, error) {
	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()
	if ch == nil {
		return 0, tyerr.Param("board %q has no open serial channel", b.Tag())
	}
	return ch.read(p, timeout)
}

// SerialWrite writes all of p to the serial channel.
func (b *Board) SerialWrite(p []byte) (int, error) {
	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()
	if ch == nil {
		return 0, tyerr.Param("board %q has no open serial channel", b.Tag())
	}
	return ch.write(p)
}

// CloseSerial releases the serial channel. Whether the device interface
// is reset on close was decided by SerialConfig.NoReset at open time.
func (b *Board) CloseSerial() {
	b.mu.Lock()
	ch := b.channel
	b.channel = nil
	b.mu.Unlock()
	if ch != nil {
		ch.close()
	}
}
