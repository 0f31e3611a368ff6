package term

import (
	"golang.org/x/term"

	"github.com/NanotokLLC/tytools/tyerr"
)

// Mode selects how the controlling terminal is reconfigured for the
// session.
type Mode struct {
	// Raw disables line buffering and line editing.
	Raw bool
	// Silent disables local echo.
	Silent bool
}

// IsTerminal reports whether fd is attached to a terminal.
func IsTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// Setup applies mode to the terminal on fd and returns a restore
// function. A nil restore is returned when nothing was changed.
func Setup(fd int, mode Mode) (func(), error) {
	if !mode.Raw && !mode.Silent {
		return nil, nil
	}

	if mode.Raw {
		// Raw implies no echo; MakeRaw covers both flags.
		state, err := term.MakeRaw(fd)
		if err != nil {
			return nil, tyerr.System(err, "failed to set raw terminal mode")
		}
		return func() { _ = term.Restore(fd, state) }, nil
	}

	restore, err := setSilent(fd)
	if err != nil {
		return nil, tyerr.System(err, "failed to disable terminal echo")
	}
	return restore, nil
}
