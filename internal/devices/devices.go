// Package devices owns the MMIO bus: which device claims which guest
// physical range, dispatch of vCPU exits into device handlers, and the
// attach/detach lifecycle including drain on hot-unplug.
package devices

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/btree"
)

var (
	// ErrAddressConflict is returned when a range being claimed overlaps a
	// range already on the bus.
	ErrAddressConflict = errors.New("bus address conflict")

	// ErrUnmappedAccess is returned for a guest access that no device
	// claims. It is a guest fault, not a monitor failure.
	ErrUnmappedAccess = errors.New("unmapped bus access")

	// ErrQuiesceTimeout is returned when a detaching device's in-flight
	// operations do not drain in time. The detach is aborted.
	ErrQuiesceTimeout = errors.New("device quiesce timeout")
)

// MMIORange is one guest physical window claimed by a device.
type MMIORange struct {
	Base uint64
	Size uint64
}

func (r MMIORange) End() uint64 { return r.Base + r.Size }

func (r MMIORange) contains(addr uint64, length int) bool {
	return addr >= r.Base && addr+uint64(length) <= r.End()
}

// Device is anything attachable to the bus. Reads and writes receive the
// offset relative to the matched range base. Handlers run on vCPU threads
// and must not block on guest progress.
type Device interface {
	DeviceID() string
	MMIORanges() []MMIORange
	ReadMMIO(rangeIdx int, offset uint64, data []byte) error
	WriteMMIO(rangeIdx int, offset uint64, data []byte) error
}

// Snapshotter is implemented by devices with state worth carrying across
// snapshot and restore.
type Snapshotter interface {
	SaveState() ([]byte, error)
	RestoreState(data []byte) error
}

// Resetter is implemented by devices that need to return to power-on state
// on a machine reset.
type Resetter interface {
	Reset() error
}

type entry struct {
	dev    Device
	ranges []MMIORange

	mu       sync.Mutex
	inflight int
	draining bool
	idle     chan struct{} // closed when draining and inflight hits zero
}

// begin admits one operation unless the device is draining.
func (e *entry) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		return false
	}
	e.inflight++
	return true
}

func (e *entry) end() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	if e.draining && e.inflight == 0 && e.idle != nil {
		close(e.idle)
		e.idle = nil
	}
}

// startDrain flips the device into draining mode and returns a channel that
// is closed once in-flight operations reach zero.
func (e *entry) startDrain() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.draining = true
	ch := make(chan struct{})
	if e.inflight == 0 {
		close(ch)
	} else {
		e.idle = ch
	}
	return ch
}

func (e *entry) cancelDrain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.draining = false
	e.idle = nil
}

// busRange is one btree node: a claimed window plus its owner.
type busRange struct {
	MMIORange
	owner    *entry
	rangeIdx int
}

func lessRange(a, b busRange) bool { return a.Base < b.Base }

// MemoryLayout is the slice of the memory manager the bus needs: enough to
// keep MMIO windows out of RAM.
type MemoryLayout interface {
	Overlaps(start, size uint64) bool
}

// Manager is the MMIO bus.
type Manager struct {
	layout MemoryLayout

	mu      sync.RWMutex
	tree    *btree.BTreeG[busRange]
	entries map[string]*entry
	order   []string // attach order, drives snapshot ordering
}

func NewManager(layout MemoryLayout) *Manager {
	return &Manager{
		layout:  layout,
		tree:    btree.NewG(8, lessRange),
		entries: make(map[string]*entry),
	}
}

// Attach claims the device's ranges and puts it on the bus. Attachment is
// atomic: on any conflict nothing is claimed.
func (m *Manager) Attach(dev Device) error {
	ranges := dev.MMIORanges()
	if len(ranges) == 0 {
		return fmt.Errorf("devices: %q claims no ranges", dev.DeviceID())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[dev.DeviceID()]; exists {
		return fmt.Errorf("devices: %q already attached", dev.DeviceID())
	}
	for i, r := range ranges {
		if r.Size == 0 {
			return fmt.Errorf("%w: %q range %d is empty", ErrAddressConflict, dev.DeviceID(), i)
		}
		if m.layout != nil && m.layout.Overlaps(r.Base, r.Size) {
			return fmt.Errorf("%w: %q range [0x%x, +0x%x) overlaps guest RAM",
				ErrAddressConflict, dev.DeviceID(), r.Base, r.Size)
		}
		if conflict, ok := m.overlapLocked(r); ok {
			return fmt.Errorf("%w: %q range [0x%x, +0x%x) overlaps %q at 0x%x",
				ErrAddressConflict, dev.DeviceID(), r.Base, r.Size, conflict.owner.dev.DeviceID(), conflict.Base)
		}
		// The device's own ranges must not collide either.
		for j := 0; j < i; j++ {
			if ranges[j].Base < r.End() && r.Base < ranges[j].End() {
				return fmt.Errorf("%w: %q ranges %d and %d overlap", ErrAddressConflict, dev.DeviceID(), j, i)
			}
		}
	}

	e := &entry{dev: dev, ranges: ranges}
	for i, r := range ranges {
		m.tree.ReplaceOrInsert(busRange{MMIORange: r, owner: e, rangeIdx: i})
	}
	m.entries[dev.DeviceID()] = e
	m.order = append(m.order, dev.DeviceID())

	slog.Debug("devices: attached", "id", dev.DeviceID(), "ranges", len(ranges))
	return nil
}

// Detach quiesces the device and removes it from the bus. New operations are
// refused as soon as the drain starts; if in-flight operations outlast the
// timeout the detach is aborted, the device resumes service, and
// ErrQuiesceTimeout is returned.
func (m *Manager) Detach(id string, timeout time.Duration) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("devices: %q not attached", id)
	}

	idle := e.startDrain()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
	case <-timer.C:
		e.cancelDrain()
		return fmt.Errorf("%w: %q still busy after %v", ErrQuiesceTimeout, id, timeout)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range e.ranges {
		m.tree.Delete(busRange{MMIORange: r, owner: e, rangeIdx: i})
	}
	delete(m.entries, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	slog.Debug("devices: detached", "id", id)
	return nil
}

// DispatchRead routes a guest MMIO load to the owning device.
func (m *Manager) DispatchRead(addr uint64, data []byte) error {
	return m.dispatch(addr, data, false)
}

// DispatchWrite routes a guest MMIO store to the owning device.
func (m *Manager) DispatchWrite(addr uint64, data []byte) error {
	return m.dispatch(addr, data, true)
}

func (m *Manager) dispatch(addr uint64, data []byte, isWrite bool) error {
	m.mu.RLock()
	br, ok := m.lookupLocked(addr, len(data))
	var admitted bool
	if ok {
		admitted = br.owner.begin()
	}
	m.mu.RUnlock()

	if !ok || !admitted {
		return fmt.Errorf("%w: %s at 0x%x (%d bytes)", ErrUnmappedAccess, accessKind(isWrite), addr, len(data))
	}
	defer br.owner.end()

	offset := addr - br.Base
	if isWrite {
		return br.owner.dev.WriteMMIO(br.rangeIdx, offset, data)
	}
	return br.owner.dev.ReadMMIO(br.rangeIdx, offset, data)
}

// lookupLocked finds the range containing [addr, addr+length). Descends from
// the first range at or below addr, so the match is a single tree seek.
func (m *Manager) lookupLocked(addr uint64, length int) (busRange, bool) {
	var found busRange
	var ok bool
	m.tree.DescendLessOrEqual(busRange{MMIORange: MMIORange{Base: addr}}, func(br busRange) bool {
		if br.contains(addr, length) {
			found, ok = br, true
		}
		return false
	})
	return found, ok
}

func (m *Manager) overlapLocked(r MMIORange) (busRange, bool) {
	var found busRange
	var ok bool
	// One neighbor below, then everything starting inside the range.
	m.tree.DescendLessOrEqual(busRange{MMIORange: MMIORange{Base: r.Base}}, func(br busRange) bool {
		if br.End() > r.Base {
			found, ok = br, true
		}
		return false
	})
	if ok {
		return found, true
	}
	m.tree.AscendGreaterOrEqual(busRange{MMIORange: MMIORange{Base: r.Base}}, func(br busRange) bool {
		if br.Base < r.End() {
			found, ok = br, true
		}
		return false
	})
	return found, ok
}

// Lookup reports the device claiming addr, for diagnostics.
func (m *Manager) Lookup(addr uint64) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	br, ok := m.lookupLocked(addr, 1)
	if !ok {
		return nil, false
	}
	return br.owner.dev, true
}

// Devices returns the attached devices in attach order.
func (m *Manager) Devices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Device, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.entries[id].dev)
	}
	return out
}

// Reset returns every device supporting it to power-on state, in attach
// order.
func (m *Manager) Reset() error {
	for _, dev := range m.Devices() {
		r, ok := dev.(Resetter)
		if !ok {
			continue
		}
		if err := r.Reset(); err != nil {
			return fmt.Errorf("reset %q: %w", dev.DeviceID(), err)
		}
	}
	return nil
}

func accessKind(isWrite bool) string {
	if isWrite {
		return "write"
	}
	return "read"
}
