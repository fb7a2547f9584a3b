// Package hv defines the capability contract between the VMM core and the
// underlying hardware hypervisor. The core owns a Machine by handle and never
// assumes anything about the backend beyond this contract; internal/hv/kvm
// implements it on Linux KVM and internal/hv/fake implements it in-process
// for tests.
package hv

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrHypervisor marks a failure of the hypervisor handle itself. It is
	// always fatal to the virtual machine that observed it.
	ErrHypervisor = errors.New("hypervisor failure")

	// ErrHalted is returned by VCPU.Run when the guest has permanently
	// stopped executing (shutdown request or triple fault).
	ErrHalted = errors.New("virtual machine halted")

	// ErrUnsupported is returned when no hypervisor backend is available on
	// this platform.
	ErrUnsupported = errors.New("hypervisor unsupported on this platform")
)

type Arch string

const (
	ArchInvalid Arch = "invalid"
	ArchX86_64  Arch = "x86_64"
	ArchARM64   Arch = "arm64"
)

// Register identifies a guest-visible register in the Get/SetRegisters maps.
type Register int

const (
	RegInvalid Register = iota

	RegRax
	RegRbx
	RegRcx
	RegRdx
	RegRsi
	RegRdi
	RegRsp
	RegRbp
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRip
	RegRflags
)

// SlotFlags modify how a memory slot is installed.
type SlotFlags uint32

const (
	// SlotReadOnly installs the slot so guest writes trap instead of landing.
	SlotReadOnly SlotFlags = 1 << iota
	// SlotTrackDirty asks the hypervisor to maintain a write log for the
	// slot, harvested with Machine.DirtyLog.
	SlotTrackDirty
)

// ExitReason describes why a vCPU left guest execution.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitMMIO
	ExitPIO
	ExitHalt
	ExitShutdown
	// ExitInterrupted means Run was kicked out of guest mode by Kick or
	// context cancellation before the guest caused an exit.
	ExitInterrupted
)

func (r ExitReason) String() string {
	switch r {
	case ExitMMIO:
		return "mmio"
	case ExitPIO:
		return "pio"
	case ExitHalt:
		return "halt"
	case ExitShutdown:
		return "shutdown"
	case ExitInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// MMIOExit describes a trapped guest access to unbacked physical memory.
// For writes, Data holds the bytes the guest stored. For reads, the handler
// must fill Data before the vCPU re-enters the guest; Data aliases the
// backend's run structure so the fill is observed on the next Run.
type MMIOExit struct {
	Addr    uint64
	Data    []byte
	IsWrite bool
}

// PIOExit describes a trapped x86 port I/O access.
type PIOExit struct {
	Port    uint16
	Data    []byte
	IsWrite bool
}

// Exit is the decoded result of one blocking Run call.
type Exit struct {
	Reason ExitReason
	MMIO   *MMIOExit
	PIO    *PIOExit
}

// VCPU is one guest logical processor. Run and Kick are safe to call from
// different goroutines; everything else must be called from the vCPU's own
// execution context.
type VCPU interface {
	io.Closer

	ID() int

	SetRegisters(regs map[Register]uint64) error
	GetRegisters(regs map[Register]uint64) error

	// Run enters guest execution and blocks until the next exit. The
	// returned Exit is only valid until the next Run call.
	Run(ctx context.Context) (Exit, error)

	// Kick forces a running vCPU out of guest mode, producing an
	// ExitInterrupted. Calling Kick on a vCPU that is not in guest mode is
	// harmless.
	Kick() error
}

// MSIMessage is a message-signaled interrupt as the guest programmed it.
type MSIMessage struct {
	Addr uint64
	Data uint32
}

// Machine is a created virtual machine: an address-space container plus the
// injection and vCPU factory surface.
type Machine interface {
	io.Closer

	Hypervisor() Hypervisor

	// AllocateBacking returns host memory suitable for mapping into the
	// guest. ReleaseBacking returns it to the host.
	AllocateBacking(size uint64) ([]byte, error)
	ReleaseBacking(mem []byte) error

	// MapSlot installs hostMem at gpa in the guest physical address space.
	// Slots are identified by caller-chosen ids and must not overlap.
	MapSlot(slot uint32, gpa uint64, hostMem []byte, flags SlotFlags) error
	UnmapSlot(slot uint32) error

	// SetSlotFlags changes the flags of a mapped slot in place. The slot
	// stays visible to running vCPUs for the whole transition; a guest
	// write can never land in an unmapped window.
	SetSlotFlags(slot uint32, flags SlotFlags) error

	// DirtyLog returns the write bitmap for a dirty-tracked slot since the
	// previous harvest, one bit per page, packed into uint64 words.
	DirtyLog(slot uint32, pages int) ([]uint64, error)

	// SetIRQLine drives a virtual interrupt line. Level-triggered consumers
	// call it with both states; edge injection is a true/false pulse.
	SetIRQLine(line uint32, level bool) error

	// SignalMSI delivers a message-signaled interrupt.
	SignalMSI(msi MSIMessage) error

	NewVCPU(id int) (VCPU, error)
}

// MachineConfig bounds the resources a Machine may consume.
type MachineConfig struct {
	MaxVCPUs int
	MaxSlots int
}

type Hypervisor interface {
	io.Closer

	Architecture() Arch

	NewMachine(cfg MachineConfig) (Machine, error)
}

// PageSize is the guest page granularity assumed by dirty tracking.
const PageSize = 4096
