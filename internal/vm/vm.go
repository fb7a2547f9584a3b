// Package vm is the orchestrator: it owns one instance of every manager
// and sequences control-plane operations (boot, pause, hotplug, snapshot,
// migration) so that each appears atomic to the caller.
package vm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/skiffvm/skiff/internal/cpu"
	"github.com/skiffvm/skiff/internal/devices"
	"github.com/skiffvm/skiff/internal/hv"
	"github.com/skiffvm/skiff/internal/interrupts"
	"github.com/skiffvm/skiff/internal/memory"
)

var (
	// ErrSnapshotFailed wraps any failure while producing an image. The
	// machine is left paused and no image is published.
	ErrSnapshotFailed = errors.New("snapshot failed")

	// ErrIncompatibleVersion is returned by restore when an image carries
	// a component format from a future major version.
	ErrIncompatibleVersion = errors.New("incompatible image version")

	// ErrFenced is returned when resuming a machine whose memory ownership
	// has been handed to a migration destination.
	ErrFenced = errors.New("machine fenced after migration handoff")
)

// State is the global lifecycle position.
type State int

const (
	StateCreated State = iota
	StateRunning
	StatePaused
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Guest RAM starts at zero; hotplug regions are placed above the 4GiB line
// so they never collide with the MMIO window below it.
const (
	ramBase     = 0x0
	hotplugBase = 0x1_0000_0000
)

// VM is one virtual machine. All exported methods are safe for concurrent
// use; structural operations serialize on the control mutex.
type VM struct {
	id      string
	cfg     Config
	machine hv.Machine

	mem  *memory.Manager
	intc *interrupts.Controller
	devs *devices.Manager
	cpus *cpu.Manager

	mu     sync.Mutex
	state  State
	fenced bool

	// bootRegion is the fixed low-memory region; hotplugged regions are
	// tracked separately so remove can police them.
	bootRegion memory.RegionHandle
	hotplugged map[memory.RegionHandle]uint64

	memDev memNotifier

	done chan struct{}
}

// memNotifier is the guest-visible memory hotplug channel, implemented by
// the virtio-mem device model when one is attached.
type memNotifier interface {
	Resize(requested uint64) error
}

// New constructs the manager stack and the boot memory region. The machine
// comes up in StateCreated with every vCPU parked; Boot releases them.
func New(hyp hv.Hypervisor, cfg Config) (*VM, error) {
	v, err := newShell(hyp, cfg)
	if err != nil {
		return nil, err
	}

	v.bootRegion, err = v.mem.AddRegion(memory.RegionSpec{
		GuestAddr: ramBase,
		Size:      uint64(cfg.Memory),
	})
	if err != nil {
		v.teardown()
		return nil, fmt.Errorf("boot memory: %w", err)
	}
	for i := 0; i < cfg.VCPUs; i++ {
		if err := v.cpus.AddVCPU(i, nil); err != nil {
			v.teardown()
			return nil, fmt.Errorf("vcpu %d: %w", i, err)
		}
	}

	slog.Debug("vm: created", "id", v.id, "name", cfg.Name,
		"vcpus", cfg.VCPUs, "memory", cfg.Memory.String())
	return v, nil
}

// newShell builds the manager stack with no memory regions and no vCPUs.
// Restore populates the shell from an image; New populates it from the
// config.
func newShell(hyp hv.Hypervisor, cfg Config) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	machine, err := hyp.NewMachine(hv.MachineConfig{
		MaxVCPUs: cfg.MaxVCPUs,
		MaxSlots: cfg.MaxRegions,
	})
	if err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}

	v := &VM{
		id:         uuid.NewString(),
		cfg:        cfg,
		machine:    machine,
		hotplugged: make(map[memory.RegionHandle]uint64),
		done:       make(chan struct{}),
	}
	v.mem = memory.NewManager(machine, memory.Config{
		Capacity:   cfg.ceiling(),
		MaxRegions: cfg.MaxRegions,
	})
	v.intc = interrupts.NewController(machine, interrupts.Config{
		FirstGSI: uint32(cfg.FirstGSI),
		NumLines: cfg.GSILines,
	})
	v.devs = devices.NewManager(v.mem)
	v.cpus = cpu.NewManager(machine, v.devs, cpu.Config{
		PauseTimeout: time.Duration(cfg.PauseTimeout),
		MaxVCPUs:     cfg.MaxVCPUs,
	}, v.onCPUEvent)

	// vCPUs park until Boot or until restore completes.
	v.cpus.Pause()
	return v, nil
}

func (v *VM) ID() string { return v.id }

func (v *VM) Name() string { return v.cfg.Name }

func (v *VM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Memory exposes the address space for device wiring and guest loading.
func (v *VM) Memory() *memory.Manager { return v.mem }

// Interrupts exposes the line pool for device wiring.
func (v *VM) Interrupts() *interrupts.Controller { return v.intc }

// Devices exposes the bus for lookup; structural changes go through the
// hotplug operations.
func (v *VM) Devices() *devices.Manager { return v.devs }

// CPUs exposes the vCPU set for register setup before Boot.
func (v *VM) CPUs() *cpu.Manager { return v.cpus }

// Done is closed when the machine reaches StateShutdown.
func (v *VM) Done() <-chan struct{} { return v.done }

// Boot releases the parked vCPUs. Only valid once, from StateCreated.
func (v *VM) Boot() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateCreated {
		return fmt.Errorf("boot from %s", v.state)
	}
	v.cpus.ResumeAll()
	v.setStateLocked(StateRunning)
	return nil
}

// Pause brings every vCPU to the barrier. On timeout the machine keeps
// running and the error reports which barrier failed.
func (v *VM) Pause() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pauseLocked()
}

func (v *VM) pauseLocked() error {
	switch v.state {
	case StatePaused:
		return nil
	case StateRunning:
	default:
		return fmt.Errorf("pause from %s", v.state)
	}
	if err := v.cpus.PauseAll(); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	v.setStateLocked(StatePaused)
	return nil
}

// Resume is the inverse of Pause and is idempotent while running.
func (v *VM) Resume() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resumeLocked()
}

func (v *VM) resumeLocked() error {
	switch v.state {
	case StateRunning:
		return nil
	case StatePaused:
	default:
		return fmt.Errorf("resume from %s", v.state)
	}
	if v.fenced {
		return ErrFenced
	}
	v.cpus.ResumeAll()
	v.setStateLocked(StateRunning)
	return nil
}

// Shutdown tears the machine down in reverse dependency order. Errors are
// aggregated; the machine reaches StateShutdown regardless.
func (v *VM) Shutdown() error {
	v.mu.Lock()
	if v.state == StateShutdown {
		v.mu.Unlock()
		return nil
	}
	v.setStateLocked(StateShutdown)
	v.mu.Unlock()

	err := v.teardown()
	close(v.done)
	slog.Debug("vm: shut down", "id", v.id)
	return err
}

func (v *VM) teardown() error {
	var errs *multierror.Error
	if err := v.cpus.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("cpus: %w", err))
	}
	if err := v.devs.Reset(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("devices: %w", err))
	}
	if err := v.mem.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("memory: %w", err))
	}
	if err := v.machine.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("machine: %w", err))
	}
	return errs.ErrorOrNil()
}

// withPaused runs fn at the pause barrier. If the machine was running it is
// resumed afterward, whether fn succeeded or not; if the caller had already
// paused it stays paused. Structural changes to memory, devices, and vCPUs
// all funnel through here. Before boot the vCPUs are already parked, so a
// machine still in StateCreated takes the change directly.
func (v *VM) withPaused(fn func() error) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == StateCreated {
		return fn()
	}
	wasRunning := v.state == StateRunning
	if err := v.pauseLocked(); err != nil {
		return err
	}
	ferr := fn()
	if wasRunning {
		if err := v.resumeLocked(); err != nil {
			// Failing to re-establish a running machine after a
			// structural change is fatal: the machine goes down.
			slog.Error("vm: resume after structural change failed", "id", v.id, "err", err)
			go func() {
				if serr := v.Shutdown(); serr != nil {
					slog.Error("vm: shutdown", "id", v.id, "err", serr)
				}
			}()
			return fmt.Errorf("%w: resume after structural change: %v", hv.ErrHypervisor, err)
		}
	}
	return ferr
}

func (v *VM) setStateLocked(s State) {
	if v.state == s {
		return
	}
	slog.Debug("vm: state", "id", v.id, "from", v.state.String(), "to", s.String())
	lifecycleTransitions.WithLabelValues(s.String()).Inc()
	v.state = s
}

// onCPUEvent handles run-loop notifications. A guest-initiated shutdown or
// a fatal device error both end the machine; the callback runs on the vCPU
// thread so the teardown is deferred to its own goroutine.
func (v *VM) onCPUEvent(ev cpu.Event) {
	switch ev.Kind {
	case cpu.EventShutdown:
		slog.Debug("vm: guest shutdown request", "id", v.id, "vcpu", ev.VCPU)
	case cpu.EventError:
		slog.Error("vm: fatal vcpu error", "id", v.id, "vcpu", ev.VCPU, "err", ev.Err)
	}
	go func() {
		if err := v.Shutdown(); err != nil {
			slog.Error("vm: shutdown", "id", v.id, "err", err)
		}
	}()
}
