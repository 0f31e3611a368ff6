package cmd

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/NanotokLLC/tytools/board"
	"github.com/NanotokLLC/tytools/internal/database"
	"github.com/NanotokLLC/tytools/pool"
	"github.com/NanotokLLC/tytools/tyerr"
)

// ResetCmd restarts one or more boards by pulsing the serial control
// lines. Boards are reset concurrently through the task pool.
type ResetCmd struct {
	All   bool   `help:"Reset every connected board" short:"a"`
	Board string `help:"Board tag to reset" name:"board" short:"B"`
}

// Run is called by kong when the reset command is executed.
func (c *ResetCmd) Run(logger *slog.Logger, cli *CLI, db database.Database) error {
	mon, backend, err := cli.newMonitor(logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	defer mon.Stop()

	var targets []*board.Board
	if c.All {
		for _, b := range mon.SortedBoards() {
			if b.HasCapability(board.CapabilityReset) {
				targets = append(targets, b)
			}
		}
		if len(targets) == 0 {
			return tyerr.Param("no board supports reset")
		}
	} else {
		b, err := selectBoard(mon, c.Board)
		if err != nil {
			return err
		}
		if !b.HasCapability(board.CapabilityReset) {
			return tyerr.Param("board '%s' does not support reset", b.Tag())
		}
		targets = []*board.Board{b}
	}

	maxTasks := 4
	if v, err := strconv.Atoi(db.Get("maxTasks", "")); err == nil && v > 0 {
		maxTasks = v
	}
	p := pool.New(maxTasks, logger)
	defer p.Close()

	tasks := make([]*pool.Task, 0, len(targets))
	for _, b := range targets {
		t, err := p.Submit(b, resetBoard)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}

	var failed int
	for _, t := range tasks {
		if err := t.Wait(); err != nil {
			logger.Error("reset failed", "board", t.Board().Tag(), "error", err)
			failed++
			continue
		}
		fmt.Printf("reset %s\n", t.Board().Tag())
	}
	if failed > 0 {
		return tyerr.System(nil, "%d of %d resets failed", failed, len(tasks))
	}
	return nil
}

// resetBoard pulses the modem control lines by opening and closing the
// serial link with hangup-on-close enabled.
func resetBoard(t *pool.Task) error {
	b := t.Board()
	if !b.HasCapability(board.CapabilitySerial) {
		return tyerr.Param("board '%s' has no serial interface to reset through", b.Tag())
	}
	cfg := board.DefaultSerialConfig()
	cfg.NoReset = false
	if err := b.OpenSerial(cfg); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	b.CloseSerial()
	return nil
}
