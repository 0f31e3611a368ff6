package monitor_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NanotokLLC/tytools/board"
	"github.com/NanotokLLC/tytools/descset"
	"github.com/NanotokLLC/tytools/monitor"
	"github.com/NanotokLLC/tytools/tyerr"
)

// stubBackend returns a canned interface list, for diff tests that need
// precise control over enumeration output.
type stubBackend struct {
	ifaces []monitor.IfaceInfo
	err    error
	signal *descset.Signal
}

func newStubBackend() *stubBackend {
	return &stubBackend{signal: descset.NewSignal()}
}

func (s *stubBackend) Start() error            { return nil }
func (s *stubBackend) Stop()                   {}
func (s *stubBackend) Notify() *descset.Signal { return s.signal }
func (s *stubBackend) Close() error            { return nil }
func (s *stubBackend) Enumerate() ([]monitor.IfaceInfo, error) {
	return s.ifaces, s.err
}
func (s *stubBackend) OpenSerial(info monitor.IfaceInfo, cfg board.SerialConfig) (board.SerialPort, error) {
	near, _ := monitor.NewSimPair()
	return near, nil
}

type eventRecord struct {
	event monitor.Event
	id    string
}

type recorder struct {
	events []eventRecord
}

func (r *recorder) callback(b *board.Board, ev monitor.Event) {
	r.events = append(r.events, eventRecord{ev, b.ID()})
}

func (r *recorder) take() []eventRecord {
	out := r.events
	r.events = nil
	return out
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

func cdcAdapter(location string) *monitor.SimDevice {
	return &monitor.SimDevice{
		Location:  location,
		VendorID:  0x0403,
		ProductID: 0x6001,
		Product:   "USB serial",
	}
}

func newTestMonitor(t *testing.T, backend monitor.Backend, rec *recorder, clock func() time.Time) *monitor.Monitor {
	t.Helper()
	mon := monitor.New(monitor.Config{
		Backend:   backend,
		DropDelay: 50 * time.Millisecond,
		Clock:     clock,
	})
	if rec != nil {
		mon.RegisterCallback(rec.callback)
	}
	require.NoError(t, mon.Start())
	return mon
}

func TestStartReportsExistingBoards(t *testing.T) {
	sim := monitor.NewSimBackend()
	sim.Attach(teensy("1-1", "1234567"))
	sim.Attach(teensy("1-2", "7654321"))

	rec := &recorder{}
	mon := newTestMonitor(t, sim, rec, nil)
	defer mon.Stop()

	assert.Equal(t, []eventRecord{
		{monitor.EventAdded, "1234567"},
		{monitor.EventAdded, "7654321"},
	}, rec.take())
	assert.Len(t, mon.Boards(), 2)
}

func TestRefreshWithoutChangeIsSilent(t *testing.T) {
	sim := monitor.NewSimBackend()
	sim.Attach(teensy("1-1", "1234567"))

	rec := &recorder{}
	mon := newTestMonitor(t, sim, rec, nil)
	defer mon.Stop()
	rec.take()

	require.NoError(t, mon.Refresh())
	require.NoError(t, mon.Refresh())
	assert.Empty(t, rec.take())
}

func TestUniqueBoardGetsGracePeriod(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	sim := monitor.NewSimBackend()
	sim.Attach(teensy("1-1", "1234567"))

	rec := &recorder{}
	mon := newTestMonitor(t, sim, rec, clock)
	defer mon.Stop()
	rec.take()

	sim.Detach("1-1")
	require.NoError(t, mon.Refresh())
	assert.Equal(t, []eventRecord{{monitor.EventDisappeared, "1234567"}}, rec.take())

	b := mon.FindByTag("1234567")
	require.NotNil(t, b)
	assert.Equal(t, board.StatusMissing, b.Status())

	// Still within the grace period: nothing happens.
	now = now.Add(20 * time.Millisecond)
	require.NoError(t, mon.Refresh())
	assert.Empty(t, rec.take())

	// Grace expired: the board drops.
	now = now.Add(50 * time.Millisecond)
	require.NoError(t, mon.Refresh())
	assert.Equal(t, []eventRecord{{monitor.EventDropped, "1234567"}}, rec.take())
	assert.Equal(t, board.StatusDropped, b.Status())
	assert.Empty(t, mon.Boards())
}

func TestUniqueBoardComesBackAsChanged(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	dev := teensy("1-1", "1234567")
	sim := monitor.NewSimBackend()
	sim.Attach(dev)

	rec := &recorder{}
	mon := newTestMonitor(t, sim, rec, clock)
	defer mon.Stop()
	rec.take()
	b := mon.FindByTag("1234567")
	require.NotNil(t, b)

	sim.Detach("1-1")
	require.NoError(t, mon.Refresh())
	rec.take()

	// Same hardware shows up on another port before the grace runs out.
	sim.Attach(teensy("2-3", "1234567"))
	now = now.Add(20 * time.Millisecond)
	require.NoError(t, mon.Refresh())

	assert.Equal(t, []eventRecord{{monitor.EventChanged, "1234567"}}, rec.take())
	assert.Same(t, b, mon.FindByTag("1234567"))
	assert.Equal(t, board.StatusPresent, b.Status())
	assert.Equal(t, "2-3", b.Location())
}

func TestUniqueRelocationIsOneChange(t *testing.T) {
	sim := monitor.NewSimBackend()
	sim.Attach(teensy("1-1", "1234567"))

	rec := &recorder{}
	mon := newTestMonitor(t, sim, rec, nil)
	defer mon.Stop()
	rec.take()
	b := mon.FindByTag("1234567")

	sim.Relocate("1-1", "3-2")
	require.NoError(t, mon.Refresh())

	assert.Equal(t, []eventRecord{{monitor.EventChanged, "1234567"}}, rec.take())
	assert.Same(t, b, mon.FindByTag("1234567"))
}

func TestNonUniqueBoardDropsImmediately(t *testing.T) {
	sim := monitor.NewSimBackend()
	sim.Attach(cdcAdapter("1-1"))

	rec := &recorder{}
	mon := newTestMonitor(t, sim, rec, nil)
	defer mon.Stop()
	assert.Equal(t, []eventRecord{{monitor.EventAdded, "1-1"}}, rec.take())

	sim.Detach("1-1")
	require.NoError(t, mon.Refresh())
	assert.Equal(t, []eventRecord{{monitor.EventDropped, "1-1"}}, rec.take())
	assert.Empty(t, mon.Boards())
}

func TestNonUniqueRelocationIsDropPlusAdd(t *testing.T) {
	sim := monitor.NewSimBackend()
	sim.Attach(cdcAdapter("1-1"))

	rec := &recorder{}
	mon := newTestMonitor(t, sim, rec, nil)
	defer mon.Stop()
	rec.take()

	sim.Relocate("1-1", "2-2")
	require.NoError(t, mon.Refresh())

	assert.Equal(t, []eventRecord{
		{monitor.EventDropped, "1-1"},
		{monitor.EventAdded, "2-2"},
	}, rec.take())
}

func TestModeSwitchKeepsIdentity(t *testing.T) {
	backend := newStubBackend()
	backend.ifaces = []monitor.IfaceInfo{{
		Location:     "1-1",
		SerialNumber: "1234567",
		VendorID:     0x16c0,
		ProductID:    0x0483,
		Device:       "/dev/ttyACM0",
	}}

	rec := &recorder{}
	mon := newTestMonitor(t, backend, rec, nil)
	defer mon.Stop()
	rec.take()

	b := mon.FindByTag("1234567")
	require.NotNil(t, b)
	assert.True(t, b.HasCapability(board.CapabilitySerial))

	// Reboot to bootloader: same serial number, new product ID, serial
	// interface gone.
	backend.ifaces = []monitor.IfaceInfo{{
		Location:     "1-1",
		SerialNumber: "1234567",
		VendorID:     0x16c0,
		ProductID:    0x0478,
	}}
	require.NoError(t, mon.Refresh())

	assert.Equal(t, []eventRecord{{monitor.EventChanged, "1234567"}}, rec.take())
	assert.Same(t, b, mon.FindByTag("1234567"))
	assert.False(t, b.HasCapability(board.CapabilitySerial))
	assert.True(t, b.HasCapability(board.CapabilityUpload))
	assert.Equal(t, "Teensy (bootloader)", b.Model())
}

func TestSiblingInterfacesMergeIntoOneBoard(t *testing.T) {
	backend := newStubBackend()
	backend.ifaces = []monitor.IfaceInfo{
		{Location: "1-1", Iface: 0, SerialNumber: "1234567", VendorID: 0x16c0, ProductID: 0x0487, Device: "/dev/ttyACM0"},
		{Location: "1-1", Iface: 1, SerialNumber: "1234567", VendorID: 0x16c0, ProductID: 0x0487},
	}

	rec := &recorder{}
	mon := newTestMonitor(t, backend, rec, nil)
	defer mon.Stop()

	assert.Equal(t, []eventRecord{{monitor.EventAdded, "1234567"}}, rec.take())
	b := mon.FindByTag("1234567")
	require.NotNil(t, b)
	assert.True(t, b.HasCapability(board.CapabilitySerial))
}

func TestInterfacesWithoutCapabilitiesAreIgnored(t *testing.T) {
	backend := newStubBackend()
	backend.ifaces = []monitor.IfaceInfo{
		// A hub or similar: not in the model table, not CDC, no serial
		// number.
		{Location: "1-0", VendorID: 0x1d6b, ProductID: 0x0002, Class: 0x09},
	}

	mon := newTestMonitor(t, backend, nil, nil)
	defer mon.Stop()
	assert.Empty(t, mon.Boards())
}

func TestEnumerationFailureLeavesSetIntact(t *testing.T) {
	backend := newStubBackend()
	backend.ifaces = []monitor.IfaceInfo{{
		Location:     "1-1",
		SerialNumber: "1234567",
		VendorID:     0x16c0,
		ProductID:    0x0483,
		Device:       "/dev/ttyACM0",
	}}

	rec := &recorder{}
	mon := newTestMonitor(t, backend, rec, nil)
	defer mon.Stop()
	rec.take()

	backend.err = errors.New("bus gone")
	err := mon.Refresh()
	assert.Equal(t, tyerr.KindSystem, tyerr.KindOf(err))
	assert.Empty(t, rec.take())
	assert.Len(t, mon.Boards(), 1)
}

// midScanBackend simulates a device arriving while an enumeration pass
// is in flight: the first Enumerate returns the stale snapshot but
// mutates the topology and raises the notification before returning.
type midScanBackend struct {
	stubBackend
	mutated bool
}

func (s *midScanBackend) Enumerate() ([]monitor.IfaceInfo, error) {
	snapshot := append([]monitor.IfaceInfo(nil), s.ifaces...)
	if !s.mutated {
		s.mutated = true
		s.ifaces = append(s.ifaces, monitor.IfaceInfo{
			Location:     "1-1",
			SerialNumber: "1234567",
			VendorID:     0x16c0,
			ProductID:    0x0483,
			Device:       "/dev/ttyACM0",
		})
		s.signal.Raise()
	}
	return snapshot, nil
}

func TestRefreshKeepsMidScanNotification(t *testing.T) {
	backend := &midScanBackend{stubBackend: *newStubBackend()}

	mon := newTestMonitor(t, backend, nil, nil)
	defer mon.Stop()
	assert.Empty(t, mon.Boards())

	// The pulse raised during the first scan must survive it, or waiters
	// would sleep through the change it announced.
	var set descset.Set
	require.NoError(t, mon.Descriptors(&set, 1))
	tag, err := set.Wait(0)
	require.NoError(t, err)
	require.Equal(t, 1, tag)

	require.NoError(t, mon.Refresh())
	require.Len(t, mon.Boards(), 1)
	assert.Equal(t, "1234567", mon.Boards()[0].SerialNumber())
}

func TestFlowControlReachesPort(t *testing.T) {
	dev := teensy("1-1", "1234567")
	sim := monitor.NewSimBackend()
	sim.Attach(dev)

	mon := newTestMonitor(t, sim, nil, nil)
	defer mon.Stop()

	b := mon.FindByTag("1234567")
	require.NotNil(t, b)

	cfg := board.DefaultSerialConfig()
	cfg.Flow = board.FlowRtsCts
	require.NoError(t, b.OpenSerial(cfg))
	defer b.CloseSerial()

	assert.Equal(t, board.FlowRtsCts, dev.LastSerialConfig().Flow)
}

func TestStopDropsEverything(t *testing.T) {
	sim := monitor.NewSimBackend()
	sim.Attach(teensy("1-1", "1234567"))
	sim.Attach(cdcAdapter("1-2"))

	rec := &recorder{}
	mon := newTestMonitor(t, sim, rec, nil)
	rec.take()

	mon.Stop()
	assert.Equal(t, []eventRecord{
		{monitor.EventDropped, "1234567"},
		{monitor.EventDropped, "1-2"},
	}, rec.take())
	assert.Empty(t, mon.Boards())

	// Stop is idempotent.
	mon.Stop()
	assert.Empty(t, rec.take())
}

func TestFindByTag(t *testing.T) {
	sim := monitor.NewSimBackend()
	sim.Attach(teensy("1-1", "1234567"))

	mon := newTestMonitor(t, sim, nil, nil)
	defer mon.Stop()

	b := mon.FindByTag("1234567")
	require.NotNil(t, b)
	assert.Same(t, b, mon.FindByTag("1-1"))

	b.SetTag("bench")
	assert.Same(t, b, mon.FindByTag("bench"))
	assert.Nil(t, mon.FindByTag("nope"))
}

func TestTopologySignalWakesWaiters(t *testing.T) {
	sim := monitor.NewSimBackend()
	mon := newTestMonitor(t, sim, nil, nil)
	defer mon.Stop()

	var set descset.Set
	require.NoError(t, mon.Descriptors(&set, 1))

	go func() {
		time.Sleep(10 * time.Millisecond)
		sim.Attach(teensy("1-1", "1234567"))
	}()

	tag, err := set.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, tag)

	require.NoError(t, mon.Refresh())
	assert.Len(t, mon.Boards(), 1)
}

func TestWaitFor(t *testing.T) {
	sim := monitor.NewSimBackend()
	sim.Attach(teensy("1-1", "1234567"))

	mon := newTestMonitor(t, sim, nil, nil)
	defer mon.Stop()
	b := mon.FindByTag("1234567")
	require.NotNil(t, b)

	t.Run("already satisfied", func(t *testing.T) {
		require.NoError(t, mon.WaitFor(b, board.CapabilitySerial, 0))
	})

	t.Run("capability returns", func(t *testing.T) {
		sim.Detach("1-1")
		require.NoError(t, mon.Refresh())
		require.Equal(t, board.StatusMissing, b.Status())

		go func() {
			time.Sleep(10 * time.Millisecond)
			sim.Attach(teensy("1-1", "1234567"))
		}()
		require.NoError(t, mon.WaitFor(b, board.CapabilitySerial, time.Second))
		assert.Equal(t, board.StatusPresent, b.Status())
	})

	t.Run("timeout", func(t *testing.T) {
		sim.Detach("1-1")
		require.NoError(t, mon.Refresh())

		err := mon.WaitFor(b, board.CapabilitySerial, 30*time.Millisecond)
		assert.True(t, tyerr.IsIO(err))
	})

	t.Run("dropped board", func(t *testing.T) {
		b.Drop()
		err := mon.WaitFor(b, board.CapabilitySerial, time.Second)
		assert.True(t, tyerr.IsIO(err))
	})
}

func TestSerialThroughSimulatedBackend(t *testing.T) {
	dev := teensy("1-1", "1234567")
	sim := monitor.NewSimBackend()
	sim.Attach(dev)

	mon := newTestMonitor(t, sim, nil, nil)
	defer mon.Stop()

	b := mon.FindByTag("1234567")
	require.NotNil(t, b)
	require.NoError(t, b.OpenSerial(board.DefaultSerialConfig()))
	defer b.CloseSerial()

	assert.Equal(t, 1, dev.OpenCount())
	assert.Equal(t, uint32(115200), dev.LastSerialConfig().BaudRate)

	far := dev.FarEnd()
	require.NotNil(t, far)
	_, err := far.Write([]byte("boot ok\n"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := b.SerialRead(buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "boot ok\n", string(buf[:n]))

	_, err = b.SerialWrite([]byte("reset\n"))
	require.NoError(t, err)
	require.NoError(t, far.SetReadTimeout(time.Second))
	n, err = far.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "reset\n", string(buf[:n]))
}
