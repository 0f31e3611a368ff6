// Package reactor drives one board's serial session: it multiplexes the
// device monitor's change notification, the board's serial channel and a
// local input source through a single descriptor-set wait, handling
// reconnection and EOF draining along the way.
package reactor

import (
	"io"
	"log/slog"
	"time"

	"github.com/NanotokLLC/tytools/board"
	"github.com/NanotokLLC/tytools/descset"
	"github.com/NanotokLLC/tytools/internal/log"
	"github.com/NanotokLLC/tytools/monitor"
	"github.com/NanotokLLC/tytools/tyerr"
)

// Direction selects which sides of the serial session are active.
type Direction int

const (
	// DirectionInput reads from the device to local output.
	DirectionInput Direction = 1 << iota
	// DirectionOutput writes local input to the device.
	DirectionOutput
)

// Wait-set tags. Keeping them fixed makes the dispatch switch readable.
const (
	tagMonitor = 1
	tagSerial  = 2
	tagInput   = 3
)

const bufferSize = 1024

// reconnectGrace is how long the loop keeps retrying after an I/O error
// in reconnect mode before giving up. Policy constant, not configurable.
const reconnectGrace = 5000 * time.Millisecond

// LocalInput is the local input source. Read must not block: it returns
// buffered bytes, (0, io.EOF) once the source is exhausted, or (0, nil)
// when a readiness wake-up carried no data. The implementation may
// bridge a blocking reader through a feeder goroutine; only the
// readiness signal and the buffered bytes are part of the contract.
type LocalInput interface {
	Descriptors(set *descset.Set, tag int) error
	Read(p []byte) (int, error)
}

// Config carries the session settings. It replaces every piece of
// process-wide state the session depends on.
type Config struct {
	Serial    board.SerialConfig
	Direction Direction
	// Reconnect converts transient I/O errors into timed retries.
	Reconnect bool
	// TimeoutEOF is the drain delay after local EOF; negative disables
	// draining and ends the session immediately on EOF.
	TimeoutEOF time.Duration
	Logger     *slog.Logger
	// Trace receives every raw chunk crossing the session, both ways.
	Trace log.RawLogger
}

// Reactor owns the wait loop for one board session. It must run on a
// single goroutine; nothing here is safe for concurrent use.
type Reactor struct {
	mon    *monitor.Monitor
	board  *board.Board
	input  LocalInput
	output io.Writer
	cfg    Config
	logger *slog.Logger
	trace  log.RawLogger

	set     descset.Set
	timeout time.Duration

	reconnecting bool
}

// New builds a reactor. input may be nil when cfg.Direction excludes
// output; output must be non-nil when it includes input.
func New(mon *monitor.Monitor, b *board.Board, input LocalInput, output io.Writer, cfg Config) *Reactor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	trace := cfg.Trace
	if trace == nil {
		trace = log.NewRaw(nil)
	}
	return &Reactor{
		mon:    mon,
		board:  b,
		input:  input,
		output: output,
		cfg:    cfg,
		logger: logger,
		trace:  trace,
	}
}

// Run executes the session until clean termination (nil) or a fatal
// error. The board's serial channel is closed on the way out.
func (r *Reactor) Run() error {
	defer r.board.CloseSerial()

	for {
		if err := r.restart(); err != nil {
			return err
		}
		again, err := r.loop()
		if err != nil || !again {
			return err
		}
		// Reconnect path: reopen with the same line settings.
		r.board.CloseSerial()
	}
}

// restart (re)opens the serial channel with the configured line settings
// and rebuilds the descriptor set.
func (r *Reactor) restart() error {
	if !r.board.SerialOpen() {
		if err := r.board.OpenSerial(r.cfg.Serial); err != nil {
			return err
		}
	}
	if err := r.fillSet(); err != nil {
		return err
	}
	r.timeout = -1
	r.reconnecting = false
	r.logger.Info("connection ready", "board", r.board.Tag(), "location", r.board.Location())
	return nil
}

func (r *Reactor) fillSet() error {
	r.set.Clear()
	if err := r.mon.Descriptors(&r.set, tagMonitor); err != nil {
		return err
	}
	if r.cfg.Direction&DirectionInput != 0 && r.board.Status() == board.StatusPresent {
		if err := r.board.Descriptors(&r.set, tagSerial); err != nil {
			return err
		}
	}
	if r.cfg.Direction&DirectionOutput != 0 && r.input != nil {
		if err := r.input.Descriptors(&r.set, tagInput); err != nil {
			return err
		}
	}
	return nil
}

// loop runs until the session ends. It returns (true, nil) when the
// caller should reopen the channel and start over.
func (r *Reactor) loop() (bool, error) {
	buf := make([]byte, bufferSize)

	for {
		if r.set.Count() == 0 {
			return false, nil
		}

		tag, err := r.set.Wait(r.timeout)
		if err != nil {
			return false, err
		}

		switch tag {
		case descset.TimedOut:
			if r.reconnecting {
				// Grace period elapsed without the device coming back.
				return false, tyerr.IO(nil, "board %q did not reconnect in time", r.board.Tag())
			}
			// Drain delay elapsed, normal completion.
			return false, nil

		case tagMonitor:
			if err := r.mon.Refresh(); err != nil {
				return false, err
			}
			serviceable := r.board.Status() == board.StatusPresent &&
				r.board.HasCapability(board.CapabilitySerial)
			if r.reconnecting {
				if serviceable {
					return true, nil
				}
				if r.board.Status() == board.StatusDropped {
					return false, tyerr.IO(nil, "board %q is gone", r.board.Tag())
				}
				continue
			}
			if !serviceable {
				if !r.cfg.Reconnect {
					return false, nil
				}
				r.logger.Info("waiting for device", "board", r.board.Tag())
				if err := r.waitForSerial(); err != nil {
					return false, err
				}
				return true, nil
			}

		case tagSerial:
			n, err := r.board.SerialRead(buf, 0)
			if err != nil {
				if cont, cerr := r.handleIOError(err); cerr != nil || !cont {
					return false, cerr
				}
				continue
			}
			if n == 0 {
				continue
			}
			r.trace.Log(true, buf[:n])
			if _, err := r.output.Write(buf[:n]); err != nil {
				return false, tyerr.IO(err, "failed to write to local output")
			}

		case tagInput:
			n, err := r.input.Read(buf)
			if err == io.EOF {
				// Local EOF. Keep listening to the device for a while so
				// pending output can flush, unless draining is disabled.
				if r.cfg.TimeoutEOF < 0 {
					return false, nil
				}
				r.timeout = r.cfg.TimeoutEOF
				r.set.Remove(tagMonitor)
				r.set.Remove(tagInput)
				continue
			}
			if err != nil {
				return false, tyerr.IO(err, "failed to read local input")
			}
			if n == 0 {
				continue
			}
			r.trace.Log(false, buf[:n])
			if _, err := r.board.SerialWrite(buf[:n]); err != nil {
				if cont, cerr := r.handleIOError(err); cerr != nil || !cont {
					return false, cerr
				}
			}
		}
	}
}

// handleIOError converts a transient serial I/O failure into the timed
// reconnect state when reconnect mode is on. It reports whether the loop
// continues.
func (r *Reactor) handleIOError(err error) (bool, error) {
	if !tyerr.IsIO(err) || !r.cfg.Reconnect {
		return false, err
	}
	r.logger.Debug("serial I/O error, waiting for reconnection", "error", err)
	r.reconnecting = true
	r.timeout = reconnectGrace
	r.set.Remove(tagSerial)
	r.set.Remove(tagInput)
	r.board.CloseSerial()
	return true, nil
}

// waitForSerial blocks until the board regains its serial capability.
// The stale channel, if any, is released so restart reopens cleanly.
func (r *Reactor) waitForSerial() error {
	if err := r.mon.WaitFor(r.board, board.CapabilitySerial, -1); err != nil {
		return err
	}
	r.board.CloseSerial()
	return nil
}
