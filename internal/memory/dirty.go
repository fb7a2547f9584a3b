package memory

import (
	"fmt"
	"log/slog"

	"github.com/skiffvm/skiff/internal/hv"
)

// StartTracking enables dirty logging on every region and arms the software
// bitmaps. Safe while vCPUs run: the slot flags change in place, so no guest
// write can land in an unmapped window during the transition.
func (m *Manager) StartTracking() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracking {
		return nil
	}
	for _, r := range m.ordered {
		if err := m.setTrackingLocked(r, true); err != nil {
			return fmt.Errorf("enable dirty tracking on region %d: %w", r.handle, err)
		}
		r.tracked = true
		clearBitmap(r.dirty)
	}
	m.tracking = true
	slog.Debug("memory: dirty tracking started", "regions", len(m.ordered))
	return nil
}

// StopTracking disables dirty logging on every region.
func (m *Manager) StopTracking() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.tracking {
		return nil
	}
	for _, r := range m.ordered {
		if err := m.setTrackingLocked(r, false); err != nil {
			return fmt.Errorf("disable dirty tracking on region %d: %w", r.handle, err)
		}
		r.tracked = false
	}
	m.tracking = false
	return nil
}

// DirtyPages is one region's harvested dirty set: page indexes relative to
// the region base.
type DirtyPages struct {
	Handle    RegionHandle
	GuestAddr uint64
	Pages     []int
}

// HarvestDirty collects and clears the dirty set of every region, merging the
// hypervisor log with pages dirtied through WriteAt. The result may
// over-report pages but never under-reports them.
func (m *Manager) HarvestDirty() ([]DirtyPages, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.tracking {
		return nil, fmt.Errorf("memory: dirty tracking not active")
	}

	var out []DirtyPages
	for _, r := range m.ordered {
		hwBitmap, err := m.machine.DirtyLog(uint32(r.handle), r.numPages)
		if err != nil {
			return nil, fmt.Errorf("dirty log for region %d: %w", r.handle, err)
		}
		var pages []int
		for page := 0; page < r.numPages; page++ {
			word, bit := page/64, uint(page%64)
			set := r.dirty[word]&(1<<bit) != 0
			if !set && word < len(hwBitmap) {
				set = hwBitmap[word]&(1<<bit) != 0
			}
			if set {
				pages = append(pages, page)
			}
		}
		clearBitmap(r.dirty)
		if len(pages) > 0 {
			out = append(out, DirtyPages{Handle: r.handle, GuestAddr: r.spec.GuestAddr, Pages: pages})
		}
	}
	return out, nil
}

// setTrackingLocked flips the dirty-logging flag of r's slot in place. The
// mapping stays installed for the whole transition.
func (m *Manager) setTrackingLocked(r *region, track bool) error {
	flags := hv.SlotFlags(0)
	if r.spec.ReadOnly {
		flags |= hv.SlotReadOnly
	}
	if track {
		flags |= hv.SlotTrackDirty
	}
	return m.machine.SetSlotFlags(uint32(r.handle), flags)
}

func markDirtyRange(bitmap []uint64, off, length uint64) {
	first := off / hv.PageSize
	last := (off + length - 1) / hv.PageSize
	for page := first; page <= last; page++ {
		bitmap[page/64] |= 1 << uint(page%64)
	}
}

func clearBitmap(bitmap []uint64) {
	for i := range bitmap {
		bitmap[i] = 0
	}
}
