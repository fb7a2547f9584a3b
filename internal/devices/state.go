package devices

import "fmt"

// DeviceState is one device's snapshot payload, keyed by its bus id.
type DeviceState struct {
	ID   string
	Data []byte
}

// SaveState captures every snapshotting device in attach order, which makes
// the serialized form deterministic for a given configuration.
func (m *Manager) SaveState() ([]DeviceState, error) {
	var out []DeviceState
	for _, dev := range m.Devices() {
		s, ok := dev.(Snapshotter)
		if !ok {
			continue
		}
		data, err := s.SaveState()
		if err != nil {
			return nil, fmt.Errorf("save %q: %w", dev.DeviceID(), err)
		}
		out = append(out, DeviceState{ID: dev.DeviceID(), Data: data})
	}
	return out, nil
}

// RestoreState pushes saved payloads back into the attached devices. The
// device set comes from configuration, so every saved id must already be on
// the bus.
func (m *Manager) RestoreState(states []DeviceState) error {
	m.mu.RLock()
	byID := make(map[string]Device, len(m.entries))
	for id, e := range m.entries {
		byID[id] = e.dev
	}
	m.mu.RUnlock()

	for _, st := range states {
		dev, ok := byID[st.ID]
		if !ok {
			return fmt.Errorf("devices: restore for %q but it is not attached", st.ID)
		}
		s, ok := dev.(Snapshotter)
		if !ok {
			return fmt.Errorf("devices: %q does not restore state", st.ID)
		}
		if err := s.RestoreState(st.Data); err != nil {
			return fmt.Errorf("restore %q: %w", st.ID, err)
		}
	}
	return nil
}
