// Package cmd defines the tyc command tree. Commands receive their
// shared dependencies (logger, settings database) through kong bindings.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/NanotokLLC/tytools/board"
	"github.com/NanotokLLC/tytools/descset"
	"github.com/NanotokLLC/tytools/internal/database"
	"github.com/NanotokLLC/tytools/monitor"
	"github.com/NanotokLLC/tytools/tyerr"
)

// CLI is the root command structure parsed by kong.
type CLI struct {
	Log struct {
		Level   string `help:"Log level (trace, debug, info, warn, error)" default:"info" env:"TYTOOLS_LOG_LEVEL"`
		File    string `help:"Also write logs to this file" env:"TYTOOLS_LOG_FILE"`
		RawFile string `help:"Write a hex dump of raw serial traffic to this file" env:"TYTOOLS_LOG_RAW_FILE"`
	} `embed:"" prefix:"log."`
	Config string `help:"Path to a configuration file" env:"TYTOOLS_CONFIG"`
	// Sim replaces the USB backend with N simulated boards. Meant for
	// development and CI machines without hardware.
	Sim int `help:"Use a simulated bus with N boards instead of USB" hidden:""`

	Monitor MonitorCmd    `cmd:"" help:"Open a serial session with a board"`
	List    ListCmd       `cmd:"" help:"List connected boards"`
	Reset   ResetCmd      `cmd:"" help:"Reset a board"`
	Conf    ConfigCommand `cmd:"" name:"config" help:"Configuration file helpers"`
}

// newBackend picks the USB backend, or the simulated one when --sim is
// set.
func (c *CLI) newBackend(logger *slog.Logger) (monitor.Backend, error) {
	if c.Sim > 0 {
		sim := monitor.NewSimBackend()
		for i := 0; i < c.Sim; i++ {
			sim.Attach(&monitor.SimDevice{
				Location:     fmt.Sprintf("sim-%d", i+1),
				SerialNumber: fmt.Sprintf("sim%07d", i+1),
				VendorID:     0x16c0,
				ProductID:    0x0483,
				Product:      "Simulated board",
			})
		}
		return sim, nil
	}
	return monitor.NewUSBBackend(logger)
}

// newMonitor builds and starts a device monitor over the chosen backend.
func (c *CLI) newMonitor(logger *slog.Logger) (*monitor.Monitor, monitor.Backend, error) {
	backend, err := c.newBackend(logger)
	if err != nil {
		return nil, nil, err
	}
	mon := monitor.New(monitor.Config{Backend: backend, Logger: logger})
	if err := mon.Start(); err != nil {
		backend.Close()
		return nil, nil, err
	}
	return mon, backend, nil
}

// waitForBoard resolves the session's target board, waiting for one to
// show up when nothing matches yet. Without a selector the default is
// the first serial-capable board, or the first board of any kind when
// the serialByDefault setting is turned off.
func waitForBoard(mon *monitor.Monitor, selector string, db database.Database, logger *slog.Logger) (*board.Board, error) {
	requireSerial := db.Get("serialByDefault", "true") == "true"
	find := func() *board.Board {
		if selector != "" {
			return mon.FindByTag(selector)
		}
		if requireSerial {
			return mon.Find(func(b *board.Board) bool {
				return b.HasCapability(board.CapabilitySerial)
			})
		}
		boards := mon.Boards()
		if len(boards) > 0 {
			return boards[0]
		}
		return nil
	}

	var set descset.Set
	if err := mon.Descriptors(&set, 1); err != nil {
		return nil, err
	}
	announced := false
	for {
		if b := find(); b != nil {
			return b, nil
		}
		if !announced {
			logger.Info("waiting for board", "selector", selector)
			announced = true
		}
		if _, err := set.Wait(-1); err != nil {
			return nil, err
		}
		if err := mon.Refresh(); err != nil {
			return nil, err
		}
	}
}

// selectBoard resolves which board a command operates on. With an empty
// selector exactly one board must be connected, matching the behavior
// users expect from single-board workbenches.
func selectBoard(mon *monitor.Monitor, selector string) (*board.Board, error) {
	if selector != "" {
		if b := mon.FindByTag(selector); b != nil {
			return b, nil
		}
		return nil, tyerr.Param("no board matches %q", selector)
	}

	boards := mon.Boards()
	switch len(boards) {
	case 0:
		return nil, tyerr.Param("no board connected")
	case 1:
		return boards[0], nil
	default:
		return nil, tyerr.Param("%d boards connected, use --board to select one", len(boards))
	}
}
