package cpu

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skiffvm/skiff/internal/devices"
	"github.com/skiffvm/skiff/internal/hv"
	"github.com/skiffvm/skiff/internal/hv/fake"
)

// recordingBus captures dispatched accesses and serves reads from a map.
type recordingBus struct {
	mu     sync.Mutex
	writes map[uint64]uint64
	reads  map[uint64]uint64
	fail   error
}

func newRecordingBus() *recordingBus {
	return &recordingBus{writes: make(map[uint64]uint64), reads: make(map[uint64]uint64)}
}

func (b *recordingBus) DispatchRead(addr uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	val, ok := b.reads[addr]
	if !ok {
		return devices.ErrUnmappedAccess
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	copy(data, buf[:])
	return nil
}

func (b *recordingBus) DispatchWrite(addr uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	var buf [8]byte
	copy(buf[:], data)
	b.writes[addr] = binary.LittleEndian.Uint64(buf[:])
	return nil
}

func (b *recordingBus) writtenValue(addr uint64) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.writes[addr]
	return v, ok
}

type testRig struct {
	machine *fake.Machine
	bus     *recordingBus
	mgr     *Manager
	events  chan Event
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	machine, err := fake.New().NewMachine(hv.MachineConfig{MaxVCPUs: 8, MaxSlots: 8})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { machine.Close() })

	rig := &testRig{
		machine: machine.(*fake.Machine),
		bus:     newRecordingBus(),
		events:  make(chan Event, 16),
	}
	rig.mgr = NewManager(machine, rig.bus, cfg, func(ev Event) { rig.events <- ev })
	t.Cleanup(func() { rig.mgr.Close() })
	return rig
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunLoopDispatchesMMIO(t *testing.T) {
	rig := newTestRig(t, Config{})
	if err := rig.mgr.AddVCPU(0, nil); err != nil {
		t.Fatal(err)
	}
	vcpu := rig.machine.FakeVCPU(0)

	done := vcpu.QueueMMIOWrite(0xd0000000, 0xcafe, 4)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("write exit not consumed")
	}
	waitFor(t, "bus write", func() bool {
		v, ok := rig.bus.writtenValue(0xd0000000)
		return ok && v == 0xcafe
	})

	rig.bus.mu.Lock()
	rig.bus.reads[0xd0000010] = 0x1234
	rig.bus.mu.Unlock()
	data := make([]byte, 4)
	<-vcpu.QueueMMIORead(0xd0000010, data)
	// The read result is visible once a later exit proves the loop moved on.
	<-vcpu.QueueExit(hv.Exit{Reason: hv.ExitHalt})
	if got := binary.LittleEndian.Uint32(data); got != 0x1234 {
		t.Fatalf("read data = 0x%x", got)
	}
}

func TestUnmappedAccessIsNotFatal(t *testing.T) {
	rig := newTestRig(t, Config{})
	if err := rig.mgr.AddVCPU(0, nil); err != nil {
		t.Fatal(err)
	}
	vcpu := rig.machine.FakeVCPU(0)

	data := []byte{0xff, 0xff, 0xff, 0xff}
	<-vcpu.QueueMMIORead(0x99999000, data)
	<-vcpu.QueueExit(hv.Exit{Reason: hv.ExitHalt})

	// Reads of unmapped addresses float zeros and the loop keeps running.
	for i, b := range data {
		if b != 0 {
			t.Fatalf("data[%d] = 0x%x, want 0", i, b)
		}
	}
	select {
	case ev := <-rig.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestDeviceErrorStopsLoop(t *testing.T) {
	rig := newTestRig(t, Config{})
	if err := rig.mgr.AddVCPU(0, nil); err != nil {
		t.Fatal(err)
	}
	vcpu := rig.machine.FakeVCPU(0)

	rig.bus.mu.Lock()
	rig.bus.fail = errors.New("device wedged")
	rig.bus.mu.Unlock()

	<-vcpu.QueueMMIOWrite(0xd0000000, 1, 4)
	select {
	case ev := <-rig.events:
		if ev.Kind != EventError || ev.VCPU != 0 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error event")
	}
}

func TestShutdownEvent(t *testing.T) {
	rig := newTestRig(t, Config{})
	if err := rig.mgr.AddVCPU(0, nil); err != nil {
		t.Fatal(err)
	}
	rig.machine.FakeVCPU(0).QueueShutdown()

	select {
	case ev := <-rig.events:
		if ev.Kind != EventShutdown {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no shutdown event")
	}
}

func TestPauseBarrier(t *testing.T) {
	rig := newTestRig(t, Config{PauseTimeout: 2 * time.Second})
	for id := 0; id < 3; id++ {
		if err := rig.mgr.AddVCPU(id, nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := rig.mgr.PauseAll(); err != nil {
		t.Fatal(err)
	}
	if !rig.mgr.Paused() {
		t.Fatal("not paused")
	}
	// Pause is idempotent.
	if err := rig.mgr.PauseAll(); err != nil {
		t.Fatal(err)
	}

	// While parked, queued exits are not consumed.
	vcpu := rig.machine.FakeVCPU(0)
	done := vcpu.QueueMMIOWrite(0xd0000000, 1, 4)
	select {
	case <-done:
		t.Fatal("exit consumed while paused")
	case <-time.After(50 * time.Millisecond):
	}

	rig.mgr.ResumeAll()
	// Resume is idempotent.
	rig.mgr.ResumeAll()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("exit not consumed after resume")
	}
}

func TestPauseWithBlockedVCPUTimesOut(t *testing.T) {
	machine, err := fake.New().NewMachine(hv.MachineConfig{MaxVCPUs: 2, MaxSlots: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer machine.Close()

	bus := newRecordingBus()
	mgr := NewManager(machine, bus, Config{PauseTimeout: 100 * time.Millisecond}, nil)
	defer mgr.Close()

	// A handler that never returns keeps the vCPU off the barrier.
	blocked := make(chan struct{})
	release := make(chan struct{})
	slowBus := &funcBus{
		write: func(addr uint64, data []byte) error {
			close(blocked)
			<-release
			return nil
		},
	}
	mgr.bus = slowBus

	if err := mgr.AddVCPU(0, nil); err != nil {
		t.Fatal(err)
	}
	machine.(*fake.Machine).FakeVCPU(0).QueueMMIOWrite(0xd0000000, 1, 4)
	<-blocked

	if err := mgr.PauseAll(); !errors.Is(err, ErrPauseTimeout) {
		t.Fatalf("PauseAll = %v, want ErrPauseTimeout", err)
	}
	// A failed pause leaves the machine running.
	if mgr.Paused() {
		t.Fatal("manager still paused after timeout")
	}
	close(release)

	// Once the handler returns, a fresh pause succeeds.
	if err := mgr.PauseAll(); err != nil {
		t.Fatal(err)
	}
}

type funcBus struct {
	write func(addr uint64, data []byte) error
}

func (b *funcBus) DispatchRead(addr uint64, data []byte) error { return devices.ErrUnmappedAccess }
func (b *funcBus) DispatchWrite(addr uint64, data []byte) error {
	if b.write != nil {
		return b.write(addr, data)
	}
	return nil
}

func TestHotplugWhilePaused(t *testing.T) {
	rig := newTestRig(t, Config{})
	if err := rig.mgr.AddVCPU(0, nil); err != nil {
		t.Fatal(err)
	}
	if err := rig.mgr.PauseAll(); err != nil {
		t.Fatal(err)
	}

	// A vCPU added under the barrier starts parked.
	if err := rig.mgr.AddVCPU(1, nil); err != nil {
		t.Fatal(err)
	}
	vcpu := rig.machine.FakeVCPU(1)
	done := vcpu.QueueMMIOWrite(0xd0000000, 7, 4)
	select {
	case <-done:
		t.Fatal("hotplugged vcpu ran while paused")
	case <-time.After(50 * time.Millisecond):
	}

	if err := rig.mgr.RemoveVCPU(0); err != nil {
		t.Fatal(err)
	}
	if rig.mgr.Count() != 1 {
		t.Fatalf("count = %d", rig.mgr.Count())
	}

	rig.mgr.ResumeAll()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("hotplugged vcpu never ran after resume")
	}
}

func TestSaveRestoreRegisters(t *testing.T) {
	rig := newTestRig(t, Config{})
	err := rig.mgr.AddVCPU(0, func(v hv.VCPU) error {
		return v.SetRegisters(map[hv.Register]uint64{hv.RegRip: 0xfff0, hv.RegRsp: 0x8000})
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := rig.mgr.AddVCPU(1, func(v hv.VCPU) error {
		return v.SetRegisters(map[hv.Register]uint64{hv.RegRip: 0x1000})
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := rig.mgr.SaveState(); err == nil {
		t.Fatal("save without the pause barrier should fail")
	}
	if err := rig.mgr.PauseAll(); err != nil {
		t.Fatal(err)
	}
	st, err := rig.mgr.SaveState()
	if err != nil {
		t.Fatal(err)
	}
	if len(st.VCPUs) != 2 || st.VCPUs[0].ID != 0 || st.VCPUs[1].ID != 1 {
		t.Fatalf("state = %+v", st)
	}
	if st.VCPUs[0].Registers[hv.RegRip] != 0xfff0 {
		t.Fatalf("saved rip = 0x%x", st.VCPUs[0].Registers[hv.RegRip])
	}

	rig2 := newTestRig(t, Config{})
	rig2.mgr.Pause()
	if err := rig2.mgr.RestoreState(st, nil); err != nil {
		t.Fatal(err)
	}
	if rig2.mgr.Count() != 2 {
		t.Fatalf("restored count = %d", rig2.mgr.Count())
	}
	vcpu, ok := rig2.mgr.VCPU(0)
	if !ok {
		t.Fatal("vcpu 0 missing")
	}
	regs := map[hv.Register]uint64{hv.RegRip: 0, hv.RegRsp: 0}
	if err := vcpu.GetRegisters(regs); err != nil {
		t.Fatal(err)
	}
	if regs[hv.RegRip] != 0xfff0 || regs[hv.RegRsp] != 0x8000 {
		t.Fatalf("restored regs = %+v", regs)
	}
}
