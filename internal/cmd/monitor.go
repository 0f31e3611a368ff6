package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/NanotokLLC/tytools/board"
	"github.com/NanotokLLC/tytools/internal/database"
	"github.com/NanotokLLC/tytools/internal/log"
	"github.com/NanotokLLC/tytools/internal/term"
	"github.com/NanotokLLC/tytools/reactor"
	"github.com/NanotokLLC/tytools/tyerr"
)

// MonitorCmd opens an interactive serial session with a board, the
// terminal-emulator half of the tools.
type MonitorCmd struct {
	Baud       uint32 `help:"Use baudrate for serial port" short:"b" default:"115200"`
	Databits   int    `help:"Number of bits per character" short:"d" enum:"5,6,7,8" default:"8"`
	Direction  string `help:"Open serial connection in given direction" short:"D" enum:"input,output,both" default:"both"`
	Flow       string `help:"Flow-control mode" short:"f" enum:"none,xonxoff,rtscts" default:"none"`
	Parity     string `help:"Parity mode for the serial port" short:"p" enum:"none,odd,even" default:"none"`
	Raw        bool   `help:"Disable line-buffering and line-editing" short:"r"`
	Silent     bool   `help:"Disable echoing of local input on terminal" short:"s"`
	Reconnect  bool   `help:"Try to reconnect on I/O errors" short:"R"`
	NoReset    bool   `help:"Don't reset serial port when closing" name:"noreset"`
	TimeoutEOF int    `help:"Time in ms before closing after EOF on standard input, -1 to disable" name:"timeout-eof" default:"200"`
	Board      string `help:"Act on the board with this tag, serial number or location"`
}

func (c *MonitorCmd) serialConfig() (board.SerialConfig, error) {
	cfg := board.SerialConfig{
		BaudRate: c.Baud,
		DataBits: c.Databits,
		NoReset:  c.NoReset,
	}
	switch c.Parity {
	case "none":
	case "odd":
		cfg.Parity = board.ParityOdd
	case "even":
		cfg.Parity = board.ParityEven
	}
	switch c.Flow {
	case "none":
	case "xonxoff":
		cfg.Flow = board.FlowXonXoff
	case "rtscts":
		cfg.Flow = board.FlowRtsCts
	}
	return cfg, cfg.Validate()
}

func (c *MonitorCmd) direction() reactor.Direction {
	switch c.Direction {
	case "input":
		return reactor.DirectionInput
	case "output":
		return reactor.DirectionOutput
	default:
		return reactor.DirectionInput | reactor.DirectionOutput
	}
}

// Run is called by kong when the monitor command is executed.
func (c *MonitorCmd) Run(logger *slog.Logger, cli *CLI, raw log.RawLogger, db database.Database) error {
	serialCfg, err := c.serialConfig()
	if err != nil {
		return err
	}
	dir := c.direction()

	mon, backend, err := cli.newMonitor(logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	defer mon.Stop()

	b, err := waitForBoard(mon, c.Board, db, logger)
	if err != nil {
		return err
	}
	if !b.HasCapability(board.CapabilitySerial) {
		return tyerr.Param("board %q has no serial capability", b.Tag())
	}

	var input reactor.LocalInput
	if dir&reactor.DirectionOutput != 0 {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			restore, err := term.Setup(int(os.Stdin.Fd()), term.Mode{Raw: c.Raw, Silent: c.Silent})
			if err != nil {
				return err
			}
			if restore != nil {
				defer restore()
			}
		}
		input = term.NewInput(os.Stdin)
	}

	r := reactor.New(mon, b, input, os.Stdout, reactor.Config{
		Serial:     serialCfg,
		Direction:  dir,
		Reconnect:  c.Reconnect,
		TimeoutEOF: time.Duration(c.TimeoutEOF) * time.Millisecond,
		Logger:     logger,
		Trace:      raw,
	})
	return r.Run()
}
