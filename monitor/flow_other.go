//go:build !linux

package monitor

import (
	"github.com/NanotokLLC/tytools/board"
	"github.com/NanotokLLC/tytools/tyerr"
)

func applyFlowControl(device string, flow board.FlowControl) error {
	return tyerr.Param("flow control is not supported on this platform")
}
