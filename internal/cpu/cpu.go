// Package cpu runs the vCPUs: one OS thread per vCPU, exit dispatch into
// the bus, and the pause barrier the control plane uses for snapshots and
// hotplug.
package cpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skiffvm/skiff/internal/devices"
	"github.com/skiffvm/skiff/internal/hv"
)

// ErrPauseTimeout is returned when a vCPU does not reach the pause barrier
// in time.
var ErrPauseTimeout = errors.New("vcpu pause timeout")

// Bus receives the MMIO exits.
type Bus interface {
	DispatchRead(addr uint64, data []byte) error
	DispatchWrite(addr uint64, data []byte) error
}

// EventKind classifies run-loop events delivered to the orchestrator.
type EventKind int

const (
	// EventShutdown means the guest requested shutdown or triple-faulted.
	EventShutdown EventKind = iota
	// EventError means a vCPU run loop died on a hypervisor error.
	EventError
)

// Event is a run-loop notification.
type Event struct {
	VCPU int
	Kind EventKind
	Err  error
}

// Config tunes the manager.
type Config struct {
	// PauseTimeout bounds the wait for each vCPU to reach the barrier.
	// A second kick is sent at half the timeout.
	PauseTimeout time.Duration
	// MaxVCPUs bounds hotplug.
	MaxVCPUs int
}

const defaultPauseTimeout = 2 * time.Second

// Manager owns the vCPU threads.
type Manager struct {
	machine hv.Machine
	bus     Bus
	cfg     Config
	notify  func(Event)

	mu     sync.Mutex
	vcpus  map[int]*runner
	paused bool
	closed bool
}

func NewManager(machine hv.Machine, bus Bus, cfg Config, notify func(Event)) *Manager {
	if cfg.PauseTimeout <= 0 {
		cfg.PauseTimeout = defaultPauseTimeout
	}
	return &Manager{
		machine: machine,
		bus:     bus,
		cfg:     cfg,
		notify:  notify,
		vcpus:   make(map[int]*runner),
	}
}

type runner struct {
	id   int
	vcpu hv.VCPU

	ctx    context.Context
	cancel context.CancelFunc

	pauseReq atomic.Bool
	parked   chan struct{} // buffered 1, runner announces arrival at the barrier
	resumeMu sync.Mutex
	resume   chan struct{} // replaced each pause cycle, closed to release

	done chan struct{}
}

func (r *runner) resumeCh() chan struct{} {
	r.resumeMu.Lock()
	defer r.resumeMu.Unlock()
	return r.resume
}

func (r *runner) armPause() {
	// Drop any stale barrier token from an aborted pause cycle.
	select {
	case <-r.parked:
	default:
	}
	r.resumeMu.Lock()
	r.resume = make(chan struct{})
	r.resumeMu.Unlock()
	r.pauseReq.Store(true)
}

func (r *runner) release() {
	r.pauseReq.Store(false)
	r.resumeMu.Lock()
	ch := r.resume
	r.resume = nil
	r.resumeMu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// AddVCPU creates the vCPU and starts its run loop. If the manager is at the
// pause barrier the new vCPU parks immediately, so hotplug during a paused
// window cannot leak a running thread.
func (m *Manager) AddVCPU(id int, setup func(hv.VCPU) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("cpu: manager closed")
	}
	if _, exists := m.vcpus[id]; exists {
		return fmt.Errorf("cpu: vcpu %d already present", id)
	}
	if m.cfg.MaxVCPUs > 0 && len(m.vcpus) >= m.cfg.MaxVCPUs {
		return fmt.Errorf("cpu: vcpu limit %d reached", m.cfg.MaxVCPUs)
	}

	vcpu, err := m.machine.NewVCPU(id)
	if err != nil {
		return fmt.Errorf("create vcpu %d: %w", id, err)
	}
	if setup != nil {
		if err := setup(vcpu); err != nil {
			vcpu.Close()
			return fmt.Errorf("setup vcpu %d: %w", id, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		id:     id,
		vcpu:   vcpu,
		ctx:    ctx,
		cancel: cancel,
		parked: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if m.paused {
		r.armPause()
	}
	m.vcpus[id] = r
	go m.run(r)

	slog.Debug("cpu: vcpu added", "id", id)
	return nil
}

// RemoveVCPU stops one vCPU and releases it. Called with the machine paused;
// the barrier guarantees the run loop is parked, stopping it is then just a
// cancellation.
func (m *Manager) RemoveVCPU(id int) error {
	m.mu.Lock()
	r, ok := m.vcpus[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("cpu: vcpu %d not present", id)
	}
	delete(m.vcpus, id)
	m.mu.Unlock()

	r.cancel()
	r.release()
	if err := r.vcpu.Kick(); err != nil {
		slog.Debug("cpu: kick during remove", "id", id, "error", err)
	}
	<-r.done
	if err := r.vcpu.Close(); err != nil {
		return fmt.Errorf("close vcpu %d: %w", id, err)
	}
	slog.Debug("cpu: vcpu removed", "id", id)
	return nil
}

// Count reports the current vCPU count.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vcpus)
}

// IDs returns the present vCPU ids in unspecified order.
func (m *Manager) IDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.vcpus))
	for id := range m.vcpus {
		ids = append(ids, id)
	}
	return ids
}

// VCPU returns the underlying vCPU for register access. Only meaningful
// while the machine is paused.
func (m *Manager) VCPU(id int) (hv.VCPU, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.vcpus[id]
	if !ok {
		return nil, false
	}
	return r.vcpu, true
}

// PauseAll drives every vCPU to the barrier and returns once all are parked.
// On timeout the already-parked vCPUs are released again and ErrPauseTimeout
// is returned, so a failed pause leaves the machine running.
func (m *Manager) PauseAll() error {
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		return nil
	}
	m.paused = true
	runners := make([]*runner, 0, len(m.vcpus))
	for _, r := range m.vcpus {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		r.armPause()
		if err := r.vcpu.Kick(); err != nil {
			slog.Debug("cpu: pause kick", "id", r.id, "error", err)
		}
	}

	deadline := time.Now().Add(m.cfg.PauseTimeout)
	rekickAt := time.Now().Add(m.cfg.PauseTimeout / 2)
	for _, r := range runners {
		if !m.awaitParked(r, deadline, rekickAt) {
			slog.Warn("cpu: vcpu missed the pause barrier", "id", r.id, "timeout", m.cfg.PauseTimeout)
			m.ResumeAll()
			return fmt.Errorf("%w: vcpu %d", ErrPauseTimeout, r.id)
		}
	}
	return nil
}

func (m *Manager) awaitParked(r *runner, deadline, rekickAt time.Time) bool {
	for {
		now := time.Now()
		if now.After(deadline) {
			return false
		}
		wait := deadline.Sub(now)
		if now.Before(rekickAt) && rekickAt.Sub(now) < wait {
			wait = rekickAt.Sub(now)
		}
		select {
		case <-r.parked:
			return true
		case <-r.done:
			// A vCPU that exited counts as parked; it cannot touch state.
			return true
		case <-time.After(wait):
			if time.Now().After(rekickAt) && time.Now().Before(deadline) {
				if err := r.vcpu.Kick(); err != nil {
					slog.Debug("cpu: pause re-kick", "id", r.id, "error", err)
				}
				rekickAt = deadline // only one escalation
			}
		}
	}
}

// ResumeAll releases the barrier. Resuming a running machine is a no-op.
func (m *Manager) ResumeAll() {
	m.mu.Lock()
	if !m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = false
	runners := make([]*runner, 0, len(m.vcpus))
	for _, r := range m.vcpus {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		r.release()
	}
}

// Paused reports whether the barrier is held.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Close stops every run loop and releases the vCPUs.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	runners := make([]*runner, 0, len(m.vcpus))
	for _, r := range m.vcpus {
		runners = append(runners, r)
	}
	m.vcpus = make(map[int]*runner)
	m.mu.Unlock()

	var firstErr error
	for _, r := range runners {
		r.cancel()
		r.release()
		if err := r.vcpu.Kick(); err != nil {
			slog.Debug("cpu: kick during close", "id", r.id, "error", err)
		}
	}
	for _, r := range runners {
		<-r.done
		if err := r.vcpu.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// run is the per-vCPU loop. It owns its OS thread for the lifetime of the
// vCPU, which KVM requires for KVM_RUN.
func (m *Manager) run(r *runner) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)

	for {
		if r.pauseReq.Load() {
			select {
			case r.parked <- struct{}{}:
			default:
			}
			ch := r.resumeCh()
			if ch != nil {
				select {
				case <-ch:
				case <-r.ctx.Done():
					return
				}
			}
			continue
		}
		if r.ctx.Err() != nil {
			return
		}

		exit, err := r.vcpu.Run(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			slog.Error("cpu: vcpu run failed", "id", r.id, "error", err)
			m.emit(Event{VCPU: r.id, Kind: EventError, Err: err})
			return
		}

		switch exit.Reason {
		case hv.ExitInterrupted:
			// Kicked for a pause or cancellation, loop re-checks.
		case hv.ExitMMIO:
			if exit.MMIO != nil && !m.handleMMIO(r, exit.MMIO) {
				return
			}
		case hv.ExitPIO:
			// Port IO is not decoded into the bus; reads float zeros.
			if exit.PIO != nil && !exit.PIO.IsWrite {
				for i := range exit.PIO.Data {
					exit.PIO.Data[i] = 0
				}
			}
		case hv.ExitHalt:
			// Halt with interrupts pending resumes on its own.
		case hv.ExitShutdown:
			m.emit(Event{VCPU: r.id, Kind: EventShutdown})
			return
		}
	}
}

// handleMMIO routes the access and reports whether the run loop should keep
// going. An unmapped access is a guest bug, not a monitor failure: it is
// logged, reads float zeros, and the guest keeps running. A device error is
// fatal for the loop.
func (m *Manager) handleMMIO(r *runner, mmio *hv.MMIOExit) bool {
	var err error
	if mmio.IsWrite {
		err = m.bus.DispatchWrite(mmio.Addr, mmio.Data)
	} else {
		err = m.bus.DispatchRead(mmio.Addr, mmio.Data)
	}
	if err == nil {
		return true
	}
	if errors.Is(err, devices.ErrUnmappedAccess) {
		if !mmio.IsWrite {
			for i := range mmio.Data {
				mmio.Data[i] = 0
			}
		}
		slog.Warn("cpu: unmapped guest access", "vcpu", r.id, "addr", fmt.Sprintf("0x%x", mmio.Addr), "write", mmio.IsWrite)
		return true
	}
	slog.Error("cpu: device dispatch failed", "vcpu", r.id, "addr", fmt.Sprintf("0x%x", mmio.Addr), "error", err)
	m.emit(Event{VCPU: r.id, Kind: EventError, Err: err})
	return false
}

func (m *Manager) emit(ev Event) {
	if m.notify != nil {
		m.notify(ev)
	}
}
