package descset

// Signal bridges edge-style notifications into a level-ish readiness
// channel a Set can wait on. Raise is safe from any goroutine and never
// blocks; while a raise is pending further raises coalesce into it.
type Signal struct {
	ch chan struct{}
}

// NewSignal returns an unraised signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Raise marks the signal ready. Coalesces with a pending raise.
func (s *Signal) Raise() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the channel to register in a Set. Receiving consumes the
// pending raise.
func (s *Signal) C() <-chan struct{} { return s.ch }

// Drain consumes a pending raise without blocking, if there is one.
func (s *Signal) Drain() {
	select {
	case <-s.ch:
	default:
	}
}
