// Package term handles the local side of a monitor session: putting the
// controlling terminal into raw or silent mode and bridging blocking
// stdin reads into a waitable readiness signal.
package term

import (
	"io"
	"sync"

	"github.com/NanotokLLC/tytools/descset"
)

// Input bridges a blocking reader into the descriptor-set world through
// a feeder goroutine. Read never blocks: it drains the internal buffer,
// reports io.EOF once the source is exhausted, and (0, nil) on a wake-up
// whose data was already consumed.
type Input struct {
	signal *descset.Signal

	mu  sync.Mutex
	buf []byte
	err error
	eof bool
}

// NewInput starts a feeder goroutine reading from r.
func NewInput(r io.Reader) *Input {
	in := &Input{signal: descset.NewSignal()}
	go in.feed(r)
	return in
}

func (in *Input) feed(r io.Reader) {
	tmp := make([]byte, 1024)
	for {
		n, err := r.Read(tmp)
		in.mu.Lock()
		if n > 0 {
			in.buf = append(in.buf, tmp[:n]...)
		}
		if err == io.EOF {
			in.eof = true
		} else if err != nil {
			in.err = err
		}
		done := in.eof || in.err != nil
		in.mu.Unlock()

		in.signal.Raise()
		if done {
			return
		}
	}
}

// Descriptors registers the readiness primitive in set under tag.
func (in *Input) Descriptors(set *descset.Set, tag int) error {
	return set.Add(in.signal.C(), tag)
}

// Read drains buffered input into p.
func (in *Input) Read(p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.buf) > 0 {
		n := copy(p, in.buf)
		in.buf = in.buf[n:]
		if len(in.buf) > 0 || in.eof || in.err != nil {
			in.signal.Raise()
		}
		return n, nil
	}
	if in.err != nil {
		return 0, in.err
	}
	if in.eof {
		return 0, io.EOF
	}
	return 0, nil
}
