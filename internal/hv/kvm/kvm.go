//go:build linux && amd64

// Package kvm implements the hv contract on the Linux Kernel Virtual Machine
// interface. One Machine maps to one VM file descriptor; vCPUs are run
// structures mmapped from their own descriptors and driven with KVM_RUN.
package kvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/skiffvm/skiff/internal/hv"
)

type hypervisor struct {
	fd int
}

// Open opens /dev/kvm and validates the API version.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, hv.ErrUnsupported
		}
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}

func (h *hypervisor) Architecture() hv.Arch { return hv.ArchX86_64 }

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}
	return nil
}

// NewMachine implements hv.Hypervisor.
func (h *hypervisor) NewMachine(cfg hv.MachineConfig) (hv.Machine, error) {
	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	if err := setTSSAddr(vmFd, 0xfffbd000); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: set TSS addr: %w", err)
	}
	if err := createIRQChip(vmFd); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: create IRQ chip: %w", err)
	}
	if err := createPIT(vmFd); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: create PIT: %w", err)
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: get kvm_run mmap size: %w", err)
	}

	return &machine{
		hv:       h,
		vmFd:     vmFd,
		mmapSize: mmapSize,
		cfg:      cfg,
		slots:    make(map[uint32]*slot),
	}, nil
}

var _ hv.Hypervisor = (*hypervisor)(nil)

type slot struct {
	gpa   uint64
	mem   []byte
	flags hv.SlotFlags
}

type machine struct {
	hv       *hypervisor
	vmFd     int
	mmapSize int
	cfg      hv.MachineConfig

	mu    sync.Mutex
	slots map[uint32]*slot
	vcpus []*vcpu
}

func (m *machine) Hypervisor() hv.Hypervisor { return m.hv }

// AllocateBacking implements hv.Machine.
func (m *machine) AllocateBacking(size uint64) ([]byte, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 || size > maxInt {
		return nil, fmt.Errorf("kvm: invalid backing size %d", size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("kvm: mmap backing: %w", err)
	}

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("kvm: madvise backing: %w", err)
	}

	return mem, nil
}

func (m *machine) ReleaseBacking(mem []byte) error {
	if mem == nil {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("kvm: munmap backing: %w", err)
	}
	return nil
}

// MapSlot implements hv.Machine.
func (m *machine) MapSlot(id uint32, gpa uint64, hostMem []byte, flags hv.SlotFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.slots[id]; exists {
		return fmt.Errorf("kvm: slot %d already mapped", id)
	}
	if m.cfg.MaxSlots > 0 && len(m.slots) >= m.cfg.MaxSlots {
		return fmt.Errorf("kvm: slot limit %d reached", m.cfg.MaxSlots)
	}

	var kvmFlags uint32
	if flags&hv.SlotReadOnly != 0 {
		kvmFlags |= kvmMemReadonly
	}
	if flags&hv.SlotTrackDirty != 0 {
		kvmFlags |= kvmMemLogDirtyPages
	}

	if err := setUserMemoryRegion(m.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          id,
		Flags:         kvmFlags,
		GuestPhysAddr: gpa,
		MemorySize:    uint64(len(hostMem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&hostMem[0]))),
	}); err != nil {
		return fmt.Errorf("%w: set user memory region: %v", hv.ErrHypervisor, err)
	}

	m.slots[id] = &slot{gpa: gpa, mem: hostMem, flags: flags}
	return nil
}

// SetSlotFlags implements hv.Machine. KVM_SET_USER_MEMORY_REGION accepts a
// flags-only change on an existing slot, so the mapping never disappears
// under running vCPUs.
func (m *machine) SetSlotFlags(id uint32, flags hv.SlotFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.slots[id]
	if !exists {
		return fmt.Errorf("kvm: slot %d not mapped", id)
	}

	var kvmFlags uint32
	if flags&hv.SlotReadOnly != 0 {
		kvmFlags |= kvmMemReadonly
	}
	if flags&hv.SlotTrackDirty != 0 {
		kvmFlags |= kvmMemLogDirtyPages
	}

	if err := setUserMemoryRegion(m.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          id,
		Flags:         kvmFlags,
		GuestPhysAddr: s.gpa,
		MemorySize:    uint64(len(s.mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&s.mem[0]))),
	}); err != nil {
		return fmt.Errorf("%w: update memory region flags: %v", hv.ErrHypervisor, err)
	}

	s.flags = flags
	return nil
}

// UnmapSlot implements hv.Machine. A zero-size region deletes the slot.
func (m *machine) UnmapSlot(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return fmt.Errorf("kvm: slot %d not mapped", id)
	}

	if err := setUserMemoryRegion(m.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          id,
		GuestPhysAddr: s.gpa,
		MemorySize:    0,
	}); err != nil {
		return fmt.Errorf("%w: delete memory region: %v", hv.ErrHypervisor, err)
	}

	delete(m.slots, id)
	return nil
}

// DirtyLog implements hv.Machine. KVM clears its internal log on read, so
// each call returns the pages written since the previous harvest.
func (m *machine) DirtyLog(id uint32, pages int) ([]uint64, error) {
	m.mu.Lock()
	s, ok := m.slots[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("kvm: slot %d not mapped", id)
	}
	if s.flags&hv.SlotTrackDirty == 0 {
		return nil, fmt.Errorf("kvm: slot %d not dirty-tracked", id)
	}

	words := (pages + 63) / 64
	bitmap := make([]uint64, words)

	log := kvmDirtyLog{
		Slot:   id,
		Bitmap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}
	if err := getDirtyLog(m.vmFd, &log); err != nil {
		return nil, fmt.Errorf("%w: get dirty log: %v", hv.ErrHypervisor, err)
	}

	return bitmap, nil
}

// SetIRQLine implements hv.Machine, routing through the in-kernel IOAPIC.
func (m *machine) SetIRQLine(line uint32, level bool) error {
	if err := irqLevel(m.vmFd, line, level); err != nil {
		return fmt.Errorf("%w: set IRQ line %d: %v", hv.ErrHypervisor, line, err)
	}
	return nil
}

// SignalMSI implements hv.Machine.
func (m *machine) SignalMSI(msi hv.MSIMessage) error {
	if err := signalMSI(m.vmFd, msi.Addr, msi.Data); err != nil {
		return fmt.Errorf("%w: signal MSI: %v", hv.ErrHypervisor, err)
	}
	return nil
}

// NewVCPU implements hv.Machine.
func (m *machine) NewVCPU(id int) (hv.VCPU, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxVCPUs > 0 && len(m.vcpus) >= m.cfg.MaxVCPUs {
		return nil, fmt.Errorf("kvm: vCPU limit %d reached", m.cfg.MaxVCPUs)
	}

	fd, err := createVCPU(m.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("%w: create vCPU %d: %v", hv.ErrHypervisor, id, err)
	}

	run, err := unix.Mmap(fd, 0, m.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: mmap vCPU %d kvm_run: %w", id, err)
	}

	v := &vcpu{id: id, fd: fd, run: run}
	m.vcpus = append(m.vcpus, v)
	return v, nil
}

func (m *machine) Close() error {
	m.mu.Lock()
	vcpus := m.vcpus
	m.vcpus = nil
	slots := m.slots
	m.slots = nil
	vmFd := m.vmFd
	m.vmFd = -1
	m.mu.Unlock()

	for _, v := range vcpus {
		if err := v.Close(); err != nil {
			slog.Error("kvm: close vcpu", "id", v.id, "error", err)
		}
	}
	for _, s := range slots {
		if err := unix.Munmap(s.mem); err != nil {
			slog.Error("kvm: munmap slot backing", "error", err)
		}
	}
	if vmFd >= 0 {
		if err := unix.Close(vmFd); err != nil {
			return fmt.Errorf("kvm: close vm fd: %w", err)
		}
	}
	return nil
}

var _ hv.Machine = (*machine)(nil)

type vcpu struct {
	id  int
	fd  int
	run []byte

	// tid of the OS thread currently inside Run, for Kick delivery.
	tid atomic.Int64
}

func (v *vcpu) ID() int { return v.id }

func (v *vcpu) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

// Kick forces the vCPU out of guest mode. Safe to call from any goroutine.
func (v *vcpu) Kick() error {
	run := v.runData()
	run.immediate_exit = 1

	tid := v.tid.Load()
	if tid == 0 {
		// Not inside Run; the immediate_exit flag alone covers the race
		// where Run starts after this point.
		return nil
	}
	if err := unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kvm: kick vCPU %d: %w", v.id, err)
	}
	return nil
}

// Run implements hv.VCPU. It must be called from a locked OS thread so Kick
// can target the right tid.
func (v *vcpu) Run(ctx context.Context) (hv.Exit, error) {
	v.tid.Store(int64(unix.Gettid()))
	defer v.tid.Store(0)

	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		tid := unix.Gettid()
		stopNotify = context.AfterFunc(ctx, func() {
			run := v.runData()
			run.immediate_exit = 1
			_ = unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1)
		})
		defer stopNotify()
	}

	run := v.runData()

	_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
	if errors.Is(err, unix.EINTR) || run.immediate_exit != 0 {
		run.immediate_exit = 0
		if ctxErr := ctx.Err(); ctxErr != nil {
			return hv.Exit{Reason: hv.ExitInterrupted}, ctxErr
		}
		return hv.Exit{Reason: hv.ExitInterrupted}, nil
	} else if err != nil {
		return hv.Exit{}, fmt.Errorf("%w: run vCPU %d: %v", hv.ErrHypervisor, v.id, err)
	}

	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitIntr:
		return hv.Exit{Reason: hv.ExitInterrupted}, nil
	case kvmExitHlt:
		return hv.Exit{Reason: hv.ExitHalt}, nil
	case kvmExitShutdown:
		return hv.Exit{Reason: hv.ExitShutdown}, nil
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		if system.typ == kvmSystemEventShutdown {
			return hv.Exit{Reason: hv.ExitShutdown}, nil
		}
		return hv.Exit{}, fmt.Errorf("kvm: vCPU %d system event %d", v.id, system.typ)
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]
		return hv.Exit{
			Reason: hv.ExitPIO,
			PIO: &hv.PIOExit{
				Port:    ioData.port,
				Data:    data,
				IsWrite: ioData.direction != 0,
			},
		}, nil
	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
		return hv.Exit{
			Reason: hv.ExitMMIO,
			MMIO: &hv.MMIOExit{
				Addr:    mmioData.physAddr,
				Data:    mmioData.data[:mmioData.len],
				IsWrite: mmioData.isWrite != 0,
			},
		}, nil
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		return hv.Exit{}, fmt.Errorf("%w: vCPU %d internal error %d", hv.ErrHypervisor, v.id, ie.Suberror)
	default:
		return hv.Exit{}, fmt.Errorf("kvm: vCPU %d exited with unknown reason %s", v.id, reason)
	}
}

func (v *vcpu) SetRegisters(want map[hv.Register]uint64) error {
	var regs kvmRegs
	if err := getRegs(v.fd, &regs); err != nil {
		return fmt.Errorf("%w: get regs: %v", hv.ErrHypervisor, err)
	}
	for reg, val := range want {
		p := regFieldPtr(&regs, reg)
		if p == nil {
			return fmt.Errorf("kvm: unsupported register %d", reg)
		}
		*p = val
	}
	if err := setRegs(v.fd, &regs); err != nil {
		return fmt.Errorf("%w: set regs: %v", hv.ErrHypervisor, err)
	}
	return nil
}

func (v *vcpu) GetRegisters(want map[hv.Register]uint64) error {
	var regs kvmRegs
	if err := getRegs(v.fd, &regs); err != nil {
		return fmt.Errorf("%w: get regs: %v", hv.ErrHypervisor, err)
	}
	for reg := range want {
		p := regFieldPtr(&regs, reg)
		if p == nil {
			return fmt.Errorf("kvm: unsupported register %d", reg)
		}
		want[reg] = *p
	}
	return nil
}

func regFieldPtr(regs *kvmRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegRax:
		return &regs.Rax
	case hv.RegRbx:
		return &regs.Rbx
	case hv.RegRcx:
		return &regs.Rcx
	case hv.RegRdx:
		return &regs.Rdx
	case hv.RegRsi:
		return &regs.Rsi
	case hv.RegRdi:
		return &regs.Rdi
	case hv.RegRsp:
		return &regs.Rsp
	case hv.RegRbp:
		return &regs.Rbp
	case hv.RegR8:
		return &regs.R8
	case hv.RegR9:
		return &regs.R9
	case hv.RegR10:
		return &regs.R10
	case hv.RegR11:
		return &regs.R11
	case hv.RegR12:
		return &regs.R12
	case hv.RegR13:
		return &regs.R13
	case hv.RegR14:
		return &regs.R14
	case hv.RegR15:
		return &regs.R15
	case hv.RegRip:
		return &regs.Rip
	case hv.RegRflags:
		return &regs.Rflags
	default:
		return nil
	}
}

func (v *vcpu) Close() error {
	if v.run != nil {
		if err := unix.Munmap(v.run); err != nil {
			return fmt.Errorf("kvm: munmap vcpu run: %w", err)
		}
		v.run = nil
	}
	if v.fd >= 0 {
		if err := unix.Close(v.fd); err != nil {
			return fmt.Errorf("kvm: close vcpu fd: %w", err)
		}
		v.fd = -1
	}
	return nil
}

var _ hv.VCPU = (*vcpu)(nil)
