package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/NanotokLLC/tytools/board"
	"github.com/NanotokLLC/tytools/descset"
	"github.com/NanotokLLC/tytools/monitor"
)

// ListCmd prints the connected boards, optionally following lifecycle
// events as they happen.
type ListCmd struct {
	Watch   bool `help:"Keep running and report board changes" short:"w"`
	Verbose bool `help:"Show capabilities and locations" short:"v"`
}

// Run is called by kong when the list command is executed.
func (c *ListCmd) Run(logger *slog.Logger, cli *CLI) error {
	mon, backend, err := cli.newMonitor(logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	defer mon.Stop()

	c.printBoards(mon)
	if !c.Watch {
		return nil
	}

	mon.RegisterCallback(func(b *board.Board, ev monitor.Event) {
		fmt.Printf("%s %s %s\n", ev, b.Tag(), b.Location())
	})

	var set descset.Set
	if err := mon.Descriptors(&set, 1); err != nil {
		return err
	}
	for {
		if _, err := set.Wait(-1); err != nil {
			return err
		}
		if err := mon.Refresh(); err != nil {
			return err
		}
	}
}

func (c *ListCmd) printBoards(mon *monitor.Monitor) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if c.Verbose {
		fmt.Fprintln(w, "TAG\tMODEL\tSTATUS\tLOCATION\tCAPABILITIES")
		for _, b := range mon.SortedBoards() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				b.Tag(), b.Model(), b.Status(), b.Location(), b.Capabilities())
		}
		return
	}
	fmt.Fprintln(w, "TAG\tMODEL\tSTATUS")
	for _, b := range mon.SortedBoards() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", b.Tag(), b.Model(), b.Status())
	}
}
