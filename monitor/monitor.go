package monitor

import (
	"log/slog"
	"sort"
	"time"

	"github.com/NanotokLLC/tytools/board"
	"github.com/NanotokLLC/tytools/descset"
	"github.com/NanotokLLC/tytools/tyerr"
)

// Event is a board lifecycle transition delivered during Refresh.
type Event int

const (
	// EventAdded means a board was seen for the first time.
	EventAdded Event = iota
	// EventChanged means the board's location, capabilities or descriptor
	// changed while its identity persisted.
	EventChanged
	// EventDisappeared means enumeration momentarily lost the board.
	EventDisappeared
	// EventDropped is terminal: the board left the live set.
	EventDropped
)

func (e Event) String() string {
	switch e {
	case EventAdded:
		return "added"
	case EventChanged:
		return "changed"
	case EventDisappeared:
		return "disappeared"
	case EventDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Callback receives board lifecycle events. It is invoked synchronously
// during Refresh, never concurrently with itself.
type Callback func(*board.Board, Event)

// dropDelay is how long a unique-identity board may stay missing before
// it is dropped. Devices rebooting into another mode (bootloader)
// disappear briefly and must not lose their identity over it.
const dropDelay = 15 * time.Second

// Config configures a Monitor.
type Config struct {
	Backend Backend
	Logger  *slog.Logger
	// DropDelay overrides the missing-board grace period. Zero keeps the
	// default.
	DropDelay time.Duration
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Monitor is the single source of truth for board identity lifetime. It
// is driven from one goroutine (the reactor); only the live-set snapshot
// accessors are safe to call from elsewhere.
type Monitor struct {
	backend   Backend
	logger    *slog.Logger
	dropDelay time.Duration
	now       func() time.Time

	boards   map[string]*board.Board
	order    []string // identity keys in first-seen order
	callback Callback
	started  bool
}

// New creates a monitor. cfg.Backend is required.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	delay := cfg.DropDelay
	if delay == 0 {
		delay = dropDelay
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		backend:   cfg.Backend,
		logger:    logger,
		dropDelay: delay,
		now:       now,
		boards:    make(map[string]*board.Board),
	}
}

// Start begins backend enumeration and hotplug subscription. Calling it
// on a started monitor is a no-op.
func (m *Monitor) Start() error {
	if m.started {
		return nil
	}
	if err := m.backend.Start(); err != nil {
		return err
	}
	m.started = true
	return m.Refresh()
}

// Stop unsubscribes from the backend and drops every live board, firing
// exactly one Dropped event each. Safe to call repeatedly.
func (m *Monitor) Stop() {
	if !m.started {
		return
	}
	m.backend.Stop()
	for _, key := range m.order {
		b := m.boards[key]
		if b.Drop() {
			m.dispatch(b, EventDropped)
		}
	}
	m.boards = make(map[string]*board.Board)
	m.order = nil
	m.started = false
}

// Descriptors appends the backend's topology-change primitive to set
// under baseTag.
func (m *Monitor) Descriptors(set *descset.Set, baseTag int) error {
	return set.Add(m.backend.Notify().C(), baseTag)
}

// RegisterCallback installs fn as the active event callback, replacing
// any previous one. A single callback is active per monitor.
func (m *Monitor) RegisterCallback(fn Callback) {
	m.callback = fn
}

func (m *Monitor) dispatch(b *board.Board, ev Event) {
	m.logger.Debug("board event", "event", ev.String(), "board", b.Tag(), "location", b.Location())
	if m.callback != nil {
		m.callback(b, ev)
	}
}

// composite is one physical device: sibling interfaces merged by
// location.
type composite struct {
	key      string
	location string
	serial   string
	model    string
	caps     board.Capability
	serialIf IfaceInfo // the interface carrying the serial channel
	hasIf    bool
}

// merge groups raw interfaces by physical location and computes each
// group's identity key: the hardware serial number when the device
// advertises one, the location otherwise.
func merge(ifaces []IfaceInfo) []*composite {
	byLoc := make(map[string]*composite)
	var order []string
	for _, info := range ifaces {
		c, ok := byLoc[info.Location]
		if !ok {
			c = &composite{location: info.Location}
			byLoc[info.Location] = c
			order = append(order, info.Location)
		}
		caps, model := identify(info)
		c.caps |= caps
		if c.model == "" || model != "Generic" && c.model == "Generic" {
			c.model = model
		}
		if c.serial == "" {
			c.serial = info.SerialNumber
		}
		if caps.Has(board.CapabilitySerial) && !c.hasIf {
			c.serialIf = info
			c.hasIf = true
		}
	}

	out := make([]*composite, 0, len(byLoc))
	for _, loc := range order {
		c := byLoc[loc]
		if c.caps == 0 {
			continue
		}
		if c.caps.Has(board.CapabilityUnique) {
			c.key = c.serial
		} else {
			c.key = c.location
		}
		out = append(out, c)
	}
	return out
}

// Refresh re-enumerates the backend, diffs against the live set and fires
// one event per delta in the order Dropped, Disappeared, Changed, Added.
// It must only be called from the goroutine that owns the wait loop and
// is not reentrant.
func (m *Monitor) Refresh() error {
	// Drain before enumerating. A notification raised after the drain but
	// before the snapshot costs one spurious refresh; draining afterwards
	// could eat a pulse whose change the snapshot missed, leaving waiters
	// asleep forever.
	m.backend.Notify().Drain()
	ifaces, err := m.backend.Enumerate()
	if err != nil {
		return tyerr.System(err, "device enumeration failed")
	}

	seen := make(map[string]*composite)
	var seenOrder []string
	for _, c := range merge(ifaces) {
		if _, dup := seen[c.key]; dup {
			continue
		}
		seen[c.key] = c
		seenOrder = append(seenOrder, c.key)
	}

	now := m.now()
	var dropped, disappeared, changed, added []*board.Board

	keep := m.order[:0]
	for _, key := range m.order {
		b := m.boards[key]
		if _, ok := seen[key]; ok {
			keep = append(keep, key)
			continue
		}
		// Vanished. Unique boards get a grace period because mode
		// switches re-enumerate the same hardware; location-keyed boards
		// cannot come back as the same identity, so they drop at once.
		if b.HasCapability(board.CapabilityUnique) {
			if b.MarkMissing(now) {
				disappeared = append(disappeared, b)
				keep = append(keep, key)
				continue
			}
			if now.Sub(b.MissingSince()) < m.dropDelay {
				keep = append(keep, key)
				continue
			}
		}
		if b.Drop() {
			dropped = append(dropped, b)
		}
		delete(m.boards, key)
	}
	m.order = keep

	for _, key := range seenOrder {
		c := seen[key]
		opener := m.serialOpener(c)
		if b, ok := m.boards[key]; ok {
			if b.UpdateInfo(c.location, c.caps, c.model, opener) {
				changed = append(changed, b)
			}
			continue
		}
		b := board.New(key, c.location, c.serial, c.model, c.caps)
		b.UpdateInfo(c.location, c.caps, c.model, opener)
		m.boards[key] = b
		m.order = append(m.order, key)
		added = append(added, b)
	}

	for _, b := range dropped {
		m.dispatch(b, EventDropped)
	}
	for _, b := range disappeared {
		m.dispatch(b, EventDisappeared)
	}
	for _, b := range changed {
		m.dispatch(b, EventChanged)
	}
	for _, b := range added {
		m.dispatch(b, EventAdded)
	}
	return nil
}

func (m *Monitor) serialOpener(c *composite) board.SerialOpener {
	if !c.hasIf {
		return nil
	}
	iface := c.serialIf
	return func(cfg board.SerialConfig) (board.SerialPort, error) {
		return m.backend.OpenSerial(iface, cfg)
	}
}

// WaitFor blocks until b exposes capability c, pumping refreshes as
// change notifications arrive. A dropped board cannot come back, so it
// ends the wait with an I/O error, as does an expired timeout. Negative
// timeout waits forever. Like Refresh, this must run on the goroutine
// that owns the wait loop.
func (m *Monitor) WaitFor(b *board.Board, c board.Capability, timeout time.Duration) error {
	var set descset.Set
	if err := m.Descriptors(&set, 1); err != nil {
		return err
	}
	var deadline time.Time
	if timeout >= 0 {
		deadline = m.now().Add(timeout)
	}
	for {
		if b.Status() == board.StatusDropped {
			return tyerr.IO(nil, "board %q is gone", b.Tag())
		}
		if b.Status() == board.StatusPresent && b.HasCapability(c) {
			return nil
		}
		wait := time.Duration(-1)
		if timeout >= 0 {
			wait = deadline.Sub(m.now())
			if wait <= 0 {
				return tyerr.IO(nil, "timed out waiting for board %q", b.Tag())
			}
		}
		if _, err := set.Wait(wait); err != nil {
			return err
		}
		if err := m.Refresh(); err != nil {
			return err
		}
	}
}

// Boards returns a snapshot of the live set in first-seen order.
func (m *Monitor) Boards() []*board.Board {
	out := make([]*board.Board, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.boards[key])
	}
	return out
}

// Find returns the first live board matching filter, in first-seen order.
func (m *Monitor) Find(filter func(*board.Board) bool) *board.Board {
	for _, key := range m.order {
		if b := m.boards[key]; filter(b) {
			return b
		}
	}
	return nil
}

// FindByTag matches a board by tag, identity, serial number or location.
func (m *Monitor) FindByTag(tag string) *board.Board {
	return m.Find(func(b *board.Board) bool {
		return b.Tag() == tag || b.ID() == tag || b.SerialNumber() == tag || b.Location() == tag
	})
}

// SortedBoards returns the live set sorted by identity, for stable
// listing output.
func (m *Monitor) SortedBoards() []*board.Board {
	out := m.Boards()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
