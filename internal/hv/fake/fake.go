// Package fake implements the hv contract in-process for tests. vCPUs do not
// execute code; each Run call blocks until the test scripts an exit, the vCPU
// is kicked, or the context ends. Guest memory is plain host memory, with a
// software dirty log fed by WriteGuest.
package fake

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/skiffvm/skiff/internal/hv"
)

type Hypervisor struct {
	mu       sync.Mutex
	machines []*Machine
	closed   bool
}

func New() *Hypervisor { return &Hypervisor{} }

func (h *Hypervisor) Architecture() hv.Arch { return hv.ArchX86_64 }

func (h *Hypervisor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *Hypervisor) NewMachine(cfg hv.MachineConfig) (hv.Machine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("%w: hypervisor closed", hv.ErrHypervisor)
	}
	m := &Machine{
		hv:    h,
		cfg:   cfg,
		slots: make(map[uint32]*memSlot),
		vcpus: make(map[int]*VCPU),
	}
	h.machines = append(h.machines, m)
	return m, nil
}

// Machines returns every machine created so far, for test control.
func (h *Hypervisor) Machines() []*Machine {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Machine, len(h.machines))
	copy(out, h.machines)
	return out
}

var _ hv.Hypervisor = (*Hypervisor)(nil)

type memSlot struct {
	gpa   uint64
	mem   []byte
	flags hv.SlotFlags
	dirty []uint64
}

// Injection records one interrupt delivered through the machine.
type Injection struct {
	Line  uint32
	Level bool
	MSI   *hv.MSIMessage
}

type Machine struct {
	hv  *Hypervisor
	cfg hv.MachineConfig

	mu         sync.Mutex
	slots      map[uint32]*memSlot
	vcpus      map[int]*VCPU
	injections []Injection
	closed     bool
}

func (m *Machine) Hypervisor() hv.Hypervisor { return m.hv }

func (m *Machine) AllocateBacking(size uint64) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("fake: zero-size backing")
	}
	return make([]byte, size), nil
}

func (m *Machine) ReleaseBacking(mem []byte) error { return nil }

func (m *Machine) MapSlot(id uint32, gpa uint64, hostMem []byte, flags hv.SlotFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.slots[id]; exists {
		return fmt.Errorf("fake: slot %d already mapped", id)
	}
	if m.cfg.MaxSlots > 0 && len(m.slots) >= m.cfg.MaxSlots {
		return fmt.Errorf("fake: slot limit %d reached", m.cfg.MaxSlots)
	}
	pages := (len(hostMem) + hv.PageSize - 1) / hv.PageSize
	m.slots[id] = &memSlot{
		gpa:   gpa,
		mem:   hostMem,
		flags: flags,
		dirty: make([]uint64, (pages+63)/64),
	}
	return nil
}

// SetSlotFlags implements hv.Machine as an in-place flags update.
func (m *Machine) SetSlotFlags(id uint32, flags hv.SlotFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.slots[id]
	if !exists {
		return fmt.Errorf("fake: slot %d not mapped", id)
	}
	s.flags = flags
	return nil
}

func (m *Machine) UnmapSlot(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.slots[id]; !ok {
		return fmt.Errorf("fake: slot %d not mapped", id)
	}
	delete(m.slots, id)
	return nil
}

func (m *Machine) DirtyLog(id uint32, pages int) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, fmt.Errorf("fake: slot %d not mapped", id)
	}
	if s.flags&hv.SlotTrackDirty == 0 {
		return nil, fmt.Errorf("fake: slot %d not dirty-tracked", id)
	}
	words := (pages + 63) / 64
	out := make([]uint64, words)
	copy(out, s.dirty)
	for i := range s.dirty {
		s.dirty[i] = 0
	}
	return out, nil
}

// WriteGuest emulates a guest-initiated store: it lands in the slot backing
// and marks the touched pages in the slot's dirty log.
func (m *Machine) WriteGuest(gpa uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if gpa >= s.gpa && gpa+uint64(len(data)) <= s.gpa+uint64(len(s.mem)) {
			off := gpa - s.gpa
			copy(s.mem[off:], data)
			first := off / hv.PageSize
			last := (off + uint64(len(data)) - 1) / hv.PageSize
			for p := first; p <= last; p++ {
				s.dirty[p/64] |= 1 << (p % 64)
			}
			return nil
		}
	}
	return fmt.Errorf("fake: guest write at 0x%x not backed", gpa)
}

func (m *Machine) SetIRQLine(line uint32, level bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: machine closed", hv.ErrHypervisor)
	}
	m.injections = append(m.injections, Injection{Line: line, Level: level})
	return nil
}

func (m *Machine) SignalMSI(msi hv.MSIMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: machine closed", hv.ErrHypervisor)
	}
	m.injections = append(m.injections, Injection{MSI: &msi})
	return nil
}

// Injections returns a copy of every interrupt delivered so far.
func (m *Machine) Injections() []Injection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Injection, len(m.injections))
	copy(out, m.injections)
	return out
}

func (m *Machine) NewVCPU(id int) (hv.VCPU, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.vcpus[id]; exists {
		return nil, fmt.Errorf("fake: vCPU %d already exists", id)
	}
	if m.cfg.MaxVCPUs > 0 && len(m.vcpus) >= m.cfg.MaxVCPUs {
		return nil, fmt.Errorf("fake: vCPU limit %d reached", m.cfg.MaxVCPUs)
	}
	v := &VCPU{
		id:     id,
		exits:  make(chan scriptedExit, 64),
		kicked: make(chan struct{}, 1),
		regs:   make(map[hv.Register]uint64),
	}
	m.vcpus[id] = v
	return v, nil
}

// FakeVCPU returns the scripted vCPU with the given id, for test control.
func (m *Machine) FakeVCPU(id int) *VCPU {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vcpus[id]
}

func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ hv.Machine = (*Machine)(nil)

type scriptedExit struct {
	exit hv.Exit
	done chan struct{}
}

// VCPU is a scripted virtual CPU. Tests queue exits; the run loop under test
// consumes them.
type VCPU struct {
	id     int
	exits  chan scriptedExit
	kicked chan struct{}

	mu     sync.Mutex
	regs   map[hv.Register]uint64
	closed bool
}

func (v *VCPU) ID() int { return v.id }

// QueueExit schedules the next exit Run will observe. The returned channel is
// closed once the run loop has finished handling it (i.e. called Run again or
// the exit was consumed).
func (v *VCPU) QueueExit(exit hv.Exit) <-chan struct{} {
	done := make(chan struct{})
	v.exits <- scriptedExit{exit: exit, done: done}
	return done
}

// QueueMMIOWrite scripts a guest store of value (little-endian, len(width))
// to addr.
func (v *VCPU) QueueMMIOWrite(addr uint64, value uint64, width int) <-chan struct{} {
	data := make([]byte, width)
	switch width {
	case 1:
		data[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(data, uint32(value))
	default:
		binary.LittleEndian.PutUint64(data, value)
	}
	return v.QueueExit(hv.Exit{
		Reason: hv.ExitMMIO,
		MMIO:   &hv.MMIOExit{Addr: addr, Data: data, IsWrite: true},
	})
}

// QueueMMIORead scripts a guest load from addr. The run loop fills data; the
// caller can read it after the done channel closes.
func (v *VCPU) QueueMMIORead(addr uint64, data []byte) <-chan struct{} {
	return v.QueueExit(hv.Exit{
		Reason: hv.ExitMMIO,
		MMIO:   &hv.MMIOExit{Addr: addr, Data: data, IsWrite: false},
	})
}

// QueueShutdown scripts a guest shutdown request.
func (v *VCPU) QueueShutdown() <-chan struct{} {
	return v.QueueExit(hv.Exit{Reason: hv.ExitShutdown})
}

func (v *VCPU) Kick() error {
	select {
	case v.kicked <- struct{}{}:
	default:
	}
	return nil
}

func (v *VCPU) Run(ctx context.Context) (hv.Exit, error) {
	// A kick delivered while outside guest mode is observed on the next Run,
	// mirroring the immediate-exit flag semantics of real backends.
	select {
	case s := <-v.exits:
		close(s.done)
		return s.exit, nil
	case <-v.kicked:
		return hv.Exit{Reason: hv.ExitInterrupted}, nil
	case <-ctx.Done():
		return hv.Exit{Reason: hv.ExitInterrupted}, ctx.Err()
	}
}

func (v *VCPU) SetRegisters(regs map[hv.Register]uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("fake: vCPU %d closed", v.id)
	}
	for reg, val := range regs {
		v.regs[reg] = val
	}
	return nil
}

func (v *VCPU) GetRegisters(regs map[hv.Register]uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("fake: vCPU %d closed", v.id)
	}
	for reg := range regs {
		regs[reg] = v.regs[reg]
	}
	return nil
}

func (v *VCPU) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

var _ hv.VCPU = (*VCPU)(nil)
