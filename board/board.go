// Package board models one logical embedded device: a stable identity
// merged from sibling USB interfaces, a capability bitmask, a lifecycle
// status and an optional open serial channel.
//
// The device monitor is the sole owner of board identity: it creates
// boards, mutates their status and eventually drops them. Everything else
// holds shared handles and must revalidate Status before use, because a
// board can become Dropped at any time.
package board

import (
	"strings"
	"sync"
	"time"

	"github.com/NanotokLLC/tytools/descset"
	"github.com/NanotokLLC/tytools/tyerr"
)

// Capability is a bitmask of operations and identities a board currently
// exposes.
type Capability uint

const (
	// CapabilityUnique means the device advertises a hardware serial
	// number, making its identity stable across ports.
	CapabilityUnique Capability = 1 << iota
	// CapabilitySerial means a serial interface is available.
	CapabilitySerial
	// CapabilityUpload means firmware can be uploaded.
	CapabilityUpload
	// CapabilityReset means the device supports a soft reset request.
	CapabilityReset
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapabilityUnique, "unique"},
	{CapabilitySerial, "serial"},
	{CapabilityUpload, "upload"},
	{CapabilityReset, "reset"},
}

// Has reports whether all bits of c2 are set in c.
func (c Capability) Has(c2 Capability) bool { return c&c2 == c2 }

func (c Capability) String() string {
	var parts []string
	for _, cn := range capabilityNames {
		if c.Has(cn.cap) {
			parts = append(parts, cn.name)
		}
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, ", ")
}

// Status is the lifecycle state of a board.
type Status int

const (
	// StatusMissing means enumeration briefly lost the device; the same
	// logical board may come back.
	StatusMissing Status = iota
	// StatusPresent means the backing hardware is currently enumerated.
	StatusPresent
	// StatusDropped is terminal; the board object is inert.
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusPresent:
		return "present"
	case StatusMissing:
		return "missing"
	case StatusDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// SerialOpener opens the board's serial interface with the given line
// settings. The monitor backend provides it while the board is present.
type SerialOpener func(cfg SerialConfig) (SerialPort, error)

// Board is one logical device. All fields are guarded by mu; getters
// return snapshots that may be stale by the time the caller looks at
// them.
type Board struct {
	mu sync.Mutex

	id           string
	tag          string
	location     string
	serialNumber string
	model        string

	capabilities Capability
	status       Status
	missingSince time.Time

	opener  SerialOpener
	channel *serialChannel
}

// New creates a board. Only the device monitor should call this.
func New(id, location, serialNumber, model string, caps Capability) *Board {
	return &Board{
		id:           id,
		tag:          id,
		location:     location,
		serialNumber: serialNumber,
		model:        model,
		capabilities: caps,
		status:       StatusPresent,
	}
}

// ID returns the stable composite identity.
func (b *Board) ID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// Tag returns the user-facing name, which defaults to the identity.
func (b *Board) Tag() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tag
}

// SetTag renames the board for display and selection purposes.
func (b *Board) SetTag(tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tag == "" {
		tag = b.id
	}
	b.tag = tag
}

// Location returns the physical bus/port path.
func (b *Board) Location() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.location
}

// SerialNumber returns the hardware serial number, or "" if the device
// does not advertise one.
func (b *Board) SerialNumber() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serialNumber
}

// Model returns the human-readable model name.
func (b *Board) Model() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model
}

// Capabilities returns the current capability bitmask.
func (b *Board) Capabilities() Capability {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capabilities
}

// HasCapability reports whether the board currently exposes c.
func (b *Board) HasCapability(c Capability) bool {
	return b.Capabilities().Has(c)
}

// Status returns the current lifecycle status.
func (b *Board) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// UpdateInfo is called by the monitor when the device is (re)enumerated.
// It reports whether anything observable changed, so the monitor can
// decide between a Changed event and silence. A Missing board flips back
// to Present. Dropped boards never change.
func (b *Board) UpdateInfo(location string, caps Capability, model string, opener SerialOpener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusDropped {
		return false
	}

	changed := b.status == StatusMissing || b.location != location || b.capabilities != caps || b.model != model
	b.location = location
	b.capabilities = caps
	if model != "" {
		b.model = model
	}
	b.opener = opener
	b.status = StatusPresent
	b.missingSince = time.Time{}
	return changed
}

// MarkMissing is called by the monitor when enumeration lost the device.
// It reports whether the board actually transitioned.
func (b *Board) MarkMissing(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusPresent {
		return false
	}
	b.status = StatusMissing
	b.missingSince = now
	b.opener = nil
	return true
}

// MissingSince returns when the board went missing; zero if it is not
// missing.
func (b *Board) MissingSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.missingSince
}

// Drop makes the board terminal. Any open serial channel is released.
// It reports whether the board transitioned (false if already dropped).
func (b *Board) Drop() bool {
	b.mu.Lock()
	if b.status == StatusDropped {
		b.mu.Unlock()
		return false
	}
	b.status = StatusDropped
	b.opener = nil
	ch := b.channel
	b.channel = nil
	b.mu.Unlock()

	if ch != nil {
		ch.close()
	}
	return true
}

// Descriptors registers the open serial channel's readiness primitive in
// set under tag.
func (b *Board) Descriptors(set *descset.Set, tag int) error {
	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()
	if ch == nil {
		return tyerr.Param("board %q has no open serial channel", b.Tag())
	}
	return set.Add(ch.signal.C(), tag)
}
