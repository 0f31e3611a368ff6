// Package descset provides the descriptor set used by the monitor loop: a
// small ordered collection of readiness channels, each registered under a
// caller-chosen tag, and a single blocking wait that reports which one
// became ready.
package descset

import (
	"reflect"
	"time"

	"github.com/NanotokLLC/tytools/tyerr"
)

// TimedOut is returned by Wait when the timeout elapses or the set is
// empty. It is not an error.
const TimedOut = 0

type entry struct {
	ch  <-chan struct{}
	tag int
}

// Set is an ordered registration table of readiness channels. It is owned
// by a single goroutine; Wait and the mutators must not be called
// concurrently.
type Set struct {
	entries []entry
}

// Clear discards all registered channels.
func (s *Set) Clear() {
	s.entries = s.entries[:0]
}

// Count returns the number of registered entries.
func (s *Set) Count() int { return len(s.entries) }

// Add registers ch under tag. Duplicate tags are allowed; callers must
// handle fan-in themselves. Tags must be positive so that Wait can
// reserve 0 for TimedOut.
func (s *Set) Add(ch <-chan struct{}, tag int) error {
	if ch == nil {
		return tyerr.Param("cannot register nil channel in descriptor set")
	}
	if tag <= 0 {
		return tyerr.Param("descriptor tag must be positive, got %d", tag)
	}
	s.entries = append(s.entries, entry{ch: ch, tag: tag})
	return nil
}

// Remove deregisters every entry with the given tag. Unknown tags are a
// no-op.
func (s *Set) Remove(tag int) {
	out := s.entries[:0]
	for _, e := range s.entries {
		if e.tag != tag {
			out = append(out, e)
		}
	}
	s.entries = out
}

// Wait blocks until one registered channel is ready or timeout elapses.
// A negative timeout blocks forever, zero polls without blocking. When
// several channels are ready the earliest registered one wins, which
// keeps dispatch order deterministic. An empty set reports TimedOut
// immediately regardless of the requested timeout.
func (s *Set) Wait(timeout time.Duration) (int, error) {
	if len(s.entries) == 0 {
		return TimedOut, nil
	}

	// Ordered non-blocking sweep first so simultaneous readiness resolves
	// in registration order.
	if tag, ok := s.poll(); ok {
		return tag, nil
	}
	if timeout == 0 {
		return TimedOut, nil
	}

	cases := make([]reflect.SelectCase, 0, len(s.entries)+1)
	for _, e := range s.entries {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(e.ch),
		})
	}
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(timer.C),
		})
	}

	chosen, _, recvOK := reflect.Select(cases)
	if timer != nil && chosen == len(s.entries) {
		return TimedOut, nil
	}
	if !recvOK {
		return TimedOut, tyerr.IO(nil, "descriptor channel closed while waiting")
	}
	return s.entries[chosen].tag, nil
}

func (s *Set) poll() (int, bool) {
	for _, e := range s.entries {
		select {
		case _, ok := <-e.ch:
			if ok {
				return e.tag, true
			}
		default:
		}
	}
	return 0, false
}
