// Package memory owns the guest physical address space: the table of
// non-overlapping regions, their host backing, and the mapping of each region
// into the hypervisor. Everything above it (devices, vCPUs, the orchestrator)
// resolves guest addresses through this package.
package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/skiffvm/skiff/internal/hv"
)

var (
	// ErrInvalidLayout is returned when a region would overlap an existing
	// region or is otherwise malformed.
	ErrInvalidLayout = errors.New("invalid guest memory layout")

	// ErrCapacityExceeded is returned when a region would push the address
	// space past the ceiling reserved at construction.
	ErrCapacityExceeded = errors.New("guest memory capacity exceeded")

	// ErrRegionBusy is returned when removing a region that devices or
	// in-flight DMA still reference.
	ErrRegionBusy = errors.New("memory region busy")

	// ErrOutOfBounds is returned when a guest address range is not fully
	// covered by a single region.
	ErrOutOfBounds = errors.New("guest address out of bounds")
)

// RegionHandle identifies an installed region. It doubles as the hypervisor
// memory-slot id.
type RegionHandle uint32

// RegionSpec describes a region to install.
type RegionSpec struct {
	GuestAddr uint64
	Size      uint64
	ReadOnly  bool
	// Hotplug marks the region as removable at runtime.
	Hotplug bool
}

type region struct {
	handle   RegionHandle
	spec     RegionSpec
	backing  []byte
	refs     int
	tracked  bool
	dirty    []uint64 // software dirty bitmap, one bit per page
	numPages int
}

// Config bounds the manager.
type Config struct {
	// Capacity is the total guest memory ceiling, boot memory plus the
	// hotplug headroom reserved up front.
	Capacity uint64
	// MaxRegions bounds the region count (hypervisor slots are finite).
	MaxRegions int
}

// Manager is the guest physical address space. Structural mutation happens
// only on the control path while vCPUs are paused; Translate/ReadAt/WriteAt
// are safe for concurrent use from device and vCPU contexts.
type Manager struct {
	machine hv.Machine
	cfg     Config

	mu       sync.RWMutex
	regions  map[RegionHandle]*region
	ordered  []*region // sorted by GuestAddr
	next     RegionHandle
	tracking bool
}

func NewManager(machine hv.Machine, cfg Config) *Manager {
	return &Manager{
		machine: machine,
		cfg:     cfg,
		regions: make(map[RegionHandle]*region),
	}
}

// AddRegion validates the spec, allocates backing, installs the hypervisor
// mapping and returns the region handle.
func (m *Manager) AddRegion(spec RegionSpec) (RegionHandle, error) {
	if spec.Size == 0 || spec.Size%hv.PageSize != 0 || spec.GuestAddr%hv.PageSize != 0 {
		return 0, fmt.Errorf("%w: region [0x%x, +0x%x) not page-aligned", ErrInvalidLayout, spec.GuestAddr, spec.Size)
	}
	if spec.GuestAddr+spec.Size < spec.GuestAddr {
		return 0, fmt.Errorf("%w: region [0x%x, +0x%x) wraps the address space", ErrInvalidLayout, spec.GuestAddr, spec.Size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxRegions > 0 && len(m.regions) >= m.cfg.MaxRegions {
		return 0, fmt.Errorf("%w: region limit %d reached", ErrCapacityExceeded, m.cfg.MaxRegions)
	}
	if m.cfg.Capacity > 0 && m.totalBytesLocked()+spec.Size > m.cfg.Capacity {
		return 0, fmt.Errorf("%w: %d bytes over the %d byte ceiling",
			ErrCapacityExceeded, m.totalBytesLocked()+spec.Size-m.cfg.Capacity, m.cfg.Capacity)
	}
	for _, r := range m.ordered {
		if rangesOverlap(spec.GuestAddr, spec.Size, r.spec.GuestAddr, r.spec.Size) {
			return 0, fmt.Errorf("%w: [0x%x, +0x%x) overlaps region %d [0x%x, +0x%x)",
				ErrInvalidLayout, spec.GuestAddr, spec.Size, r.handle, r.spec.GuestAddr, r.spec.Size)
		}
	}

	backing, err := m.machine.AllocateBacking(spec.Size)
	if err != nil {
		return 0, fmt.Errorf("allocate backing: %w", err)
	}

	handle := m.next
	m.next++

	flags := hv.SlotFlags(0)
	if spec.ReadOnly {
		flags |= hv.SlotReadOnly
	}
	if m.tracking {
		flags |= hv.SlotTrackDirty
	}

	if err := m.machine.MapSlot(uint32(handle), spec.GuestAddr, backing, flags); err != nil {
		if rerr := m.machine.ReleaseBacking(backing); rerr != nil {
			slog.Error("memory: release backing after failed map", "error", rerr)
		}
		return 0, fmt.Errorf("map region: %w", err)
	}

	pages := int(spec.Size / hv.PageSize)
	r := &region{
		handle:   handle,
		spec:     spec,
		backing:  backing,
		tracked:  m.tracking,
		dirty:    make([]uint64, (pages+63)/64),
		numPages: pages,
	}
	m.regions[handle] = r
	m.insertOrderedLocked(r)

	slog.Debug("memory: region added", "handle", handle, "guest_addr", spec.GuestAddr, "size", spec.Size)
	return handle, nil
}

// RemoveRegion tears down a region. It fails with ErrRegionBusy while any
// device or in-flight DMA still holds a reference.
func (m *Manager) RemoveRegion(handle RegionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[handle]
	if !ok {
		return fmt.Errorf("%w: region %d not mapped", ErrOutOfBounds, handle)
	}
	if r.refs > 0 {
		return fmt.Errorf("%w: region %d has %d references", ErrRegionBusy, handle, r.refs)
	}

	if err := m.machine.UnmapSlot(uint32(handle)); err != nil {
		return fmt.Errorf("unmap region %d: %w", handle, err)
	}
	if err := m.machine.ReleaseBacking(r.backing); err != nil {
		slog.Error("memory: release backing", "handle", handle, "error", err)
	}

	delete(m.regions, handle)
	m.removeOrderedLocked(r)

	slog.Debug("memory: region removed", "handle", handle)
	return nil
}

// Retain pins a region against removal, for devices referencing it or DMA in
// flight. Release undoes one Retain.
func (m *Manager) Retain(handle RegionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[handle]
	if !ok {
		return fmt.Errorf("%w: region %d not mapped", ErrOutOfBounds, handle)
	}
	r.refs++
	return nil
}

func (m *Manager) Release(handle RegionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[handle]
	if !ok {
		return fmt.Errorf("%w: region %d not mapped", ErrOutOfBounds, handle)
	}
	if r.refs == 0 {
		return fmt.Errorf("memory: region %d release without retain", handle)
	}
	r.refs--
	return nil
}

// Translate resolves a guest range to the host memory backing it. The range
// must lie fully within one region.
func (m *Manager) Translate(guestAddr uint64, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length translation at 0x%x", ErrOutOfBounds, guestAddr)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.findRegionLocked(guestAddr)
	if r == nil || guestAddr+length > r.spec.GuestAddr+r.spec.Size {
		return nil, fmt.Errorf("%w: [0x%x, +0x%x)", ErrOutOfBounds, guestAddr, length)
	}
	off := guestAddr - r.spec.GuestAddr
	return r.backing[off : off+length : off+length], nil
}

// ReadAt implements io.ReaderAt over the guest physical address space.
func (m *Manager) ReadAt(p []byte, off int64) (int, error) {
	buf, err := m.Translate(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, buf), nil
}

// WriteAt implements io.WriterAt over the guest physical address space.
// Writes to read-only regions fail, and writes during active dirty tracking
// mark the touched pages before the data lands.
func (m *Manager) WriteAt(p []byte, off int64) (int, error) {
	guestAddr := uint64(off)
	length := uint64(len(p))
	if length == 0 {
		return 0, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.findRegionLocked(guestAddr)
	if r == nil || guestAddr+length > r.spec.GuestAddr+r.spec.Size {
		return 0, fmt.Errorf("%w: [0x%x, +0x%x)", ErrOutOfBounds, guestAddr, length)
	}
	if r.spec.ReadOnly {
		return 0, fmt.Errorf("%w: region %d is read-only", ErrOutOfBounds, r.handle)
	}

	regionOff := guestAddr - r.spec.GuestAddr
	if r.tracked {
		// Mark before writing so a harvest racing this store still sees
		// the page as dirty.
		markDirtyRange(r.dirty, regionOff, length)
	}
	return copy(r.backing[regionOff:regionOff+length], p), nil
}

// Overlaps reports whether [start, start+size) intersects any region. Used by
// the device manager to keep bus ranges out of RAM.
func (m *Manager) Overlaps(start, size uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.ordered {
		if rangesOverlap(start, size, r.spec.GuestAddr, r.spec.Size) {
			return true
		}
	}
	return false
}

// RegionInfo is the externally visible description of one region.
type RegionInfo struct {
	Handle    RegionHandle
	GuestAddr uint64
	Size      uint64
	ReadOnly  bool
	Hotplug   bool
}

// Regions returns the current layout in guest address order.
func (m *Manager) Regions() []RegionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RegionInfo, 0, len(m.ordered))
	for _, r := range m.ordered {
		out = append(out, RegionInfo{
			Handle:    r.handle,
			GuestAddr: r.spec.GuestAddr,
			Size:      r.spec.Size,
			ReadOnly:  r.spec.ReadOnly,
			Hotplug:   r.spec.Hotplug,
		})
	}
	return out
}

// TotalBytes returns the installed guest memory size.
func (m *Manager) TotalBytes() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalBytesLocked()
}

// Close tears down every remaining region regardless of reference counts.
// Only the orchestrator calls this, after devices and vCPUs are gone.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for handle, r := range m.regions {
		if err := m.machine.UnmapSlot(uint32(handle)); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := m.machine.ReleaseBacking(r.backing); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.regions = make(map[RegionHandle]*region)
	m.ordered = nil
	return firstErr
}

func (m *Manager) totalBytesLocked() uint64 {
	var total uint64
	for _, r := range m.ordered {
		total += r.spec.Size
	}
	return total
}

// findRegionLocked returns the region containing guestAddr, or nil. Binary
// search over the ordered slice.
func (m *Manager) findRegionLocked(guestAddr uint64) *region {
	i := sort.Search(len(m.ordered), func(i int) bool {
		return m.ordered[i].spec.GuestAddr+m.ordered[i].spec.Size > guestAddr
	})
	if i < len(m.ordered) && m.ordered[i].spec.GuestAddr <= guestAddr {
		return m.ordered[i]
	}
	return nil
}

func (m *Manager) insertOrderedLocked(r *region) {
	i := sort.Search(len(m.ordered), func(i int) bool {
		return m.ordered[i].spec.GuestAddr > r.spec.GuestAddr
	})
	m.ordered = append(m.ordered, nil)
	copy(m.ordered[i+1:], m.ordered[i:])
	m.ordered[i] = r
}

func (m *Manager) removeOrderedLocked(r *region) {
	for i, cand := range m.ordered {
		if cand == r {
			m.ordered = append(m.ordered[:i], m.ordered[i+1:]...)
			return
		}
	}
}

func rangesOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}
