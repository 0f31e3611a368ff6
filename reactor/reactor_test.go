package reactor_test

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NanotokLLC/tytools/board"
	"github.com/NanotokLLC/tytools/descset"
	"github.com/NanotokLLC/tytools/monitor"
	"github.com/NanotokLLC/tytools/reactor"
	"github.com/NanotokLLC/tytools/tyerr"
)

// fakeInput is a scriptable local input source following the non-blocking
// read contract.
type fakeInput struct {
	signal *descset.Signal

	mu  sync.Mutex
	buf []byte
	eof bool
}

func newFakeInput() *fakeInput {
	return &fakeInput{signal: descset.NewSignal()}
}

func (f *fakeInput) Descriptors(set *descset.Set, tag int) error {
	return set.Add(f.signal.C(), tag)
}

func (f *fakeInput) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) > 0 {
		n := copy(p, f.buf)
		f.buf = f.buf[n:]
		if len(f.buf) > 0 || f.eof {
			f.signal.Raise()
		}
		return n, nil
	}
	if f.eof {
		return 0, io.EOF
	}
	return 0, nil
}

func (f *fakeInput) send(data string) {
	f.mu.Lock()
	f.buf = append(f.buf, data...)
	f.mu.Unlock()
	f.signal.Raise()
}

func (f *fakeInput) closeInput() {
	f.mu.Lock()
	f.eof = true
	f.mu.Unlock()
	f.signal.Raise()
}

// syncBuffer is a goroutine-safe output sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func teensy(location, serial string) *monitor.SimDevice {
	return &monitor.SimDevice{
		Location:     location,
		SerialNumber: serial,
		VendorID:     0x16c0,
		ProductID:    0x0483,
		Product:      "Teensy",
	}
}

type fixture struct {
	sim *monitor.SimBackend
	mon *monitor.Monitor
	dev *monitor.SimDevice
	b   *board.Board
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := teensy("1-1", "1234567")
	sim := monitor.NewSimBackend()
	sim.Attach(dev)
	mon := monitor.New(monitor.Config{Backend: sim, DropDelay: 50 * time.Millisecond})
	require.NoError(t, mon.Start())
	t.Cleanup(mon.Stop)
	b := mon.FindByTag("1234567")
	require.NotNil(t, b)
	return &fixture{sim: sim, mon: mon, dev: dev, b: b}
}

func runReactor(r *reactor.Reactor) chan error {
	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	return done
}

func waitErr(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end in time")
		return nil
	}
}

func TestPumpsDeviceOutput(t *testing.T) {
	fx := newFixture(t)
	out := &syncBuffer{}

	r := reactor.New(fx.mon, fx.b, nil, out, reactor.Config{
		Serial:    board.DefaultSerialConfig(),
		Direction: reactor.DirectionInput,
	})
	done := runReactor(r)

	var far *monitor.SimPort
	require.Eventually(t, func() bool {
		far = fx.dev.FarEnd()
		return far != nil
	}, time.Second, time.Millisecond)

	_, err := far.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = far.Write([]byte("world"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return out.String() == "hello world"
	}, time.Second, time.Millisecond)

	// Without reconnect mode the session ends when the device goes away.
	fx.sim.Detach("1-1")
	assert.NoError(t, waitErr(t, done))
}

func TestForwardsLocalInput(t *testing.T) {
	fx := newFixture(t)
	in := newFakeInput()
	out := &syncBuffer{}

	r := reactor.New(fx.mon, fx.b, in, out, reactor.Config{
		Serial:     board.DefaultSerialConfig(),
		Direction:  reactor.DirectionInput | reactor.DirectionOutput,
		TimeoutEOF: 100 * time.Millisecond,
	})
	done := runReactor(r)

	var far *monitor.SimPort
	require.Eventually(t, func() bool {
		far = fx.dev.FarEnd()
		return far != nil
	}, time.Second, time.Millisecond)
	require.NoError(t, far.SetReadTimeout(time.Second))

	in.send("reboot\n")
	buf := make([]byte, 32)
	n, err := far.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "reboot\n", string(buf[:n]))

	in.closeInput()
	assert.NoError(t, waitErr(t, done))
}

func TestDrainAfterEOF(t *testing.T) {
	fx := newFixture(t)
	in := newFakeInput()
	out := &syncBuffer{}

	r := reactor.New(fx.mon, fx.b, in, out, reactor.Config{
		Serial:     board.DefaultSerialConfig(),
		Direction:  reactor.DirectionInput | reactor.DirectionOutput,
		TimeoutEOF: 200 * time.Millisecond,
	})
	done := runReactor(r)

	var far *monitor.SimPort
	require.Eventually(t, func() bool {
		far = fx.dev.FarEnd()
		return far != nil
	}, time.Second, time.Millisecond)

	in.closeInput()
	// Device output arriving during the drain window still reaches the
	// local sink.
	time.Sleep(20 * time.Millisecond)
	_, err := far.Write([]byte("late output"))
	require.NoError(t, err)

	start := time.Now()
	assert.NoError(t, waitErr(t, done))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, "late output", out.String())
}

func TestEOFWithDrainingDisabled(t *testing.T) {
	fx := newFixture(t)
	in := newFakeInput()
	out := &syncBuffer{}

	r := reactor.New(fx.mon, fx.b, in, out, reactor.Config{
		Serial:     board.DefaultSerialConfig(),
		Direction:  reactor.DirectionInput | reactor.DirectionOutput,
		TimeoutEOF: -1,
	})
	done := runReactor(r)

	require.Eventually(t, func() bool {
		return fx.dev.FarEnd() != nil
	}, time.Second, time.Millisecond)

	in.closeInput()
	assert.NoError(t, waitErr(t, done))
}

func TestIOErrorWithoutReconnectIsFatal(t *testing.T) {
	fx := newFixture(t)
	out := &syncBuffer{}

	r := reactor.New(fx.mon, fx.b, nil, out, reactor.Config{
		Serial:    board.DefaultSerialConfig(),
		Direction: reactor.DirectionInput,
	})
	done := runReactor(r)

	require.Eventually(t, func() bool {
		return fx.dev.FarEnd() != nil
	}, time.Second, time.Millisecond)

	fx.dev.InjectIOError(tyerr.IO(nil, "cable yanked"))

	err := waitErr(t, done)
	assert.True(t, tyerr.IsIO(err))
}

func TestReconnectAfterIOError(t *testing.T) {
	fx := newFixture(t)
	out := &syncBuffer{}

	r := reactor.New(fx.mon, fx.b, nil, out, reactor.Config{
		Serial:    board.DefaultSerialConfig(),
		Direction: reactor.DirectionInput,
		Reconnect: true,
	})
	done := runReactor(r)

	require.Eventually(t, func() bool {
		return fx.dev.FarEnd() != nil
	}, time.Second, time.Millisecond)
	firstOpens := fx.dev.OpenCount()

	fx.dev.InjectIOError(tyerr.IO(nil, "cable glitch"))
	// The session notices the error and enters its reconnect window,
	// releasing the serial channel.
	require.Eventually(t, func() bool {
		return !fx.b.SerialOpen()
	}, time.Second, time.Millisecond)

	fx.sim.Detach("1-1")
	require.Eventually(t, func() bool {
		return fx.b.Status() == board.StatusMissing
	}, time.Second, time.Millisecond)

	// Same hardware returns on another port; the session resumes with the
	// original line settings.
	replacement := teensy("2-1", "1234567")
	fx.sim.Attach(replacement)

	var far *monitor.SimPort
	require.Eventually(t, func() bool {
		far = replacement.FarEnd()
		return far != nil
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint32(115200), replacement.LastSerialConfig().BaudRate)
	assert.GreaterOrEqual(t, firstOpens, 1)

	_, err := far.Write([]byte("back online"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return out.String() == "back online"
	}, time.Second, time.Millisecond)

	// A fresh I/O error with the device gone for good ends the session
	// once the board drops.
	replacement.InjectIOError(tyerr.IO(nil, "gone"))
	require.Eventually(t, func() bool {
		return !fx.b.SerialOpen()
	}, time.Second, time.Millisecond)
	fx.sim.Detach("2-1")
	require.Eventually(t, func() bool {
		return fx.b.Status() != board.StatusPresent
	}, time.Second, time.Millisecond)

	// Nudge the topology signal until the grace period has expired and
	// the monitor drops the board.
	require.Eventually(t, func() bool {
		fx.sim.Detach("none")
		return fx.b.Status() == board.StatusDropped
	}, 3*time.Second, 20*time.Millisecond)

	err = waitErr(t, done)
	assert.True(t, tyerr.IsIO(err))
}

func TestSessionSurvivesUnrelatedTopologyChanges(t *testing.T) {
	fx := newFixture(t)
	out := &syncBuffer{}

	r := reactor.New(fx.mon, fx.b, nil, out, reactor.Config{
		Serial:    board.DefaultSerialConfig(),
		Direction: reactor.DirectionInput,
	})
	done := runReactor(r)

	var far *monitor.SimPort
	require.Eventually(t, func() bool {
		far = fx.dev.FarEnd()
		return far != nil
	}, time.Second, time.Millisecond)

	// Another device coming and going must not disturb the session.
	fx.sim.Attach(teensy("3-1", "9999999"))
	fx.sim.Detach("3-1")

	_, err := far.Write([]byte("still here"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return out.String() == "still here"
	}, time.Second, time.Millisecond)

	fx.sim.Detach("1-1")
	assert.NoError(t, waitErr(t, done))
}
