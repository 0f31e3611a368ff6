//go:build windows

package term

import "errors"

// setSilent is unsupported on Windows consoles; callers fall back to raw
// mode, which disables echo as part of the deal.
func setSilent(fd int) (func(), error) {
	return nil, errors.New("silent mode requires raw mode on this platform")
}
