package memory

import "fmt"

// RegionState is the serializable form of one region: its layout plus, when
// captured with contents, the full backing bytes.
type RegionState struct {
	GuestAddr uint64
	Size      uint64
	ReadOnly  bool
	Hotplug   bool
	Contents  []byte
}

// State is the serializable form of the whole address space, in guest
// address order.
type State struct {
	Regions []RegionState
}

// SaveState captures the current layout. With contents set, each region's
// backing bytes are copied out as well. Callers snapshot only while vCPUs are
// paused, so the copy is consistent.
func (m *Manager) SaveState(contents bool) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := State{Regions: make([]RegionState, 0, len(m.ordered))}
	for _, r := range m.ordered {
		rs := RegionState{
			GuestAddr: r.spec.GuestAddr,
			Size:      r.spec.Size,
			ReadOnly:  r.spec.ReadOnly,
			Hotplug:   r.spec.Hotplug,
		}
		if contents {
			rs.Contents = make([]byte, len(r.backing))
			copy(rs.Contents, r.backing)
		}
		st.Regions = append(st.Regions, rs)
	}
	return st, nil
}

// RestoreState rebuilds the address space from a saved state. The manager
// must be empty.
func (m *Manager) RestoreState(st State) error {
	if n := len(m.Regions()); n != 0 {
		return fmt.Errorf("%w: restore into a populated address space (%d regions)", ErrInvalidLayout, n)
	}
	for _, rs := range st.Regions {
		handle, err := m.AddRegion(RegionSpec{
			GuestAddr: rs.GuestAddr,
			Size:      rs.Size,
			ReadOnly:  rs.ReadOnly,
			Hotplug:   rs.Hotplug,
		})
		if err != nil {
			return fmt.Errorf("restore region at 0x%x: %w", rs.GuestAddr, err)
		}
		if rs.Contents == nil {
			continue
		}
		if uint64(len(rs.Contents)) != rs.Size {
			return fmt.Errorf("%w: region %d contents length %d, want %d",
				ErrInvalidLayout, handle, len(rs.Contents), rs.Size)
		}
		buf, err := m.Translate(rs.GuestAddr, rs.Size)
		if err != nil {
			return err
		}
		copy(buf, rs.Contents)
	}
	return nil
}
