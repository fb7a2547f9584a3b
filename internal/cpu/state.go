package cpu

import (
	"fmt"
	"sort"

	"github.com/skiffvm/skiff/internal/hv"
)

var savedRegisters = []hv.Register{
	hv.RegRax, hv.RegRbx, hv.RegRcx, hv.RegRdx,
	hv.RegRsi, hv.RegRdi, hv.RegRsp, hv.RegRbp,
	hv.RegR8, hv.RegR9, hv.RegR10, hv.RegR11,
	hv.RegR12, hv.RegR13, hv.RegR14, hv.RegR15,
	hv.RegRip, hv.RegRflags,
}

// VCPUState is one vCPU's serializable register file.
type VCPUState struct {
	ID        int
	Registers map[hv.Register]uint64
}

// State is the serializable form of the whole vCPU set, ordered by id.
type State struct {
	VCPUs []VCPUState
}

// SaveState captures every vCPU's registers. The machine must be at the
// pause barrier, register access on a running vCPU is undefined.
func (m *Manager) SaveState() (State, error) {
	if !m.Paused() {
		return State{}, fmt.Errorf("cpu: save requires the pause barrier")
	}

	m.mu.Lock()
	runners := make([]*runner, 0, len(m.vcpus))
	for _, r := range m.vcpus {
		runners = append(runners, r)
	}
	m.mu.Unlock()
	sort.Slice(runners, func(i, j int) bool { return runners[i].id < runners[j].id })

	st := State{VCPUs: make([]VCPUState, 0, len(runners))}
	for _, r := range runners {
		regs := make(map[hv.Register]uint64, len(savedRegisters))
		for _, reg := range savedRegisters {
			regs[reg] = 0
		}
		if err := r.vcpu.GetRegisters(regs); err != nil {
			return State{}, fmt.Errorf("read vcpu %d registers: %w", r.id, err)
		}
		st.VCPUs = append(st.VCPUs, VCPUState{ID: r.id, Registers: regs})
	}
	return st, nil
}

// RestoreState recreates the vCPU set from a saved state. The manager must
// be empty and paused; resuming afterward is the caller's decision.
func (m *Manager) RestoreState(st State, setup func(hv.VCPU) error) error {
	if m.Count() != 0 {
		return fmt.Errorf("cpu: restore into a populated manager")
	}
	if !m.Paused() {
		return fmt.Errorf("cpu: restore requires the pause barrier")
	}

	for _, vs := range st.VCPUs {
		vs := vs
		err := m.AddVCPU(vs.ID, func(vcpu hv.VCPU) error {
			if setup != nil {
				if err := setup(vcpu); err != nil {
					return err
				}
			}
			return vcpu.SetRegisters(vs.Registers)
		})
		if err != nil {
			return fmt.Errorf("restore vcpu %d: %w", vs.ID, err)
		}
	}
	return nil
}

// Pause marks the manager paused without waiting on runners. Used when
// building a machine that must start parked, before any vCPU exists.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}
