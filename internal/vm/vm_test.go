package vm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skiffvm/skiff/internal/devices"
	"github.com/skiffvm/skiff/internal/devices/virtio"
	"github.com/skiffvm/skiff/internal/hv/fake"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.VCPUs = 1
	cfg.Memory = Size(1 << 20)
	cfg.MemoryCeiling = Size(64 << 30)
	return cfg
}

func newTestVM(t *testing.T) (*VM, *fake.Machine) {
	t.Helper()
	hyp := fake.New()
	v, err := New(hyp, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { v.Shutdown() })

	machines := hyp.Machines()
	require.Len(t, machines, 1)
	return v, machines[0]
}

// scratchDevice is a byte-addressed register window for bus tests.
type scratchDevice struct {
	id   string
	base uint64

	mu   sync.Mutex
	regs [16]byte
}

func (d *scratchDevice) DeviceID() string { return d.id }

func (d *scratchDevice) MMIORanges() []devices.MMIORange {
	return []devices.MMIORange{{Base: d.base, Size: 0x1000}}
}

func (d *scratchDevice) ReadMMIO(rangeIdx int, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range data {
		data[i] = d.regs[(offset+uint64(i))%uint64(len(d.regs))]
	}
	return nil
}

func (d *scratchDevice) WriteMMIO(rangeIdx int, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, b := range data {
		d.regs[(offset+uint64(i))%uint64(len(d.regs))] = b
	}
	return nil
}

func (d *scratchDevice) SaveState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]byte, len(d.regs))
	copy(out, d.regs[:])
	return out, nil
}

func (d *scratchDevice) RestoreState(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.regs[:], data)
	return nil
}

func (d *scratchDevice) peek(off int) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[off]
}

func TestLifecycle(t *testing.T) {
	v, _ := newTestVM(t)
	require.Equal(t, StateCreated, v.State())
	require.NotEmpty(t, v.ID())

	require.Error(t, v.Resume(), "resume before boot")

	require.NoError(t, v.Boot())
	require.Equal(t, StateRunning, v.State())
	require.Error(t, v.Boot(), "double boot")

	require.NoError(t, v.Pause())
	require.Equal(t, StatePaused, v.State())
	require.NoError(t, v.Pause(), "pause is idempotent")

	require.NoError(t, v.Resume())
	require.Equal(t, StateRunning, v.State())
	require.NoError(t, v.Resume(), "resume is idempotent")

	require.NoError(t, v.Shutdown())
	require.Equal(t, StateShutdown, v.State())
	require.NoError(t, v.Shutdown(), "shutdown is idempotent")

	select {
	case <-v.Done():
	default:
		t.Fatal("done channel not closed after shutdown")
	}
	require.Error(t, v.Boot(), "boot after shutdown")
}

func TestGuestShutdownEndsVM(t *testing.T) {
	v, m := newTestVM(t)
	require.NoError(t, v.Boot())

	m.FakeVCPU(0).QueueShutdown()

	select {
	case <-v.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("guest shutdown did not end the machine")
	}
	require.Equal(t, StateShutdown, v.State())
}

func TestGuestMMIOReachesDevice(t *testing.T) {
	v, m := newTestVM(t)
	dev := &scratchDevice{id: "scratch0", base: 0xd000_0000}
	require.NoError(t, v.HotplugAddDevice(dev))
	require.NoError(t, v.Boot())

	m.FakeVCPU(0).QueueMMIOWrite(0xd000_0004, 0xab, 1)

	require.Eventually(t, func() bool {
		return dev.peek(4) == 0xab
	}, 5*time.Second, time.Millisecond)
}

func TestCPUHotplug(t *testing.T) {
	v, _ := newTestVM(t)
	require.NoError(t, v.Boot())

	require.NoError(t, v.HotplugAddCPU(1, nil))
	require.Equal(t, 2, v.CPUs().Count())
	require.Equal(t, StateRunning, v.State(), "machine resumes after hotplug")

	require.Error(t, v.HotplugAddCPU(1, nil), "duplicate vcpu id")
	require.Equal(t, StateRunning, v.State())

	require.NoError(t, v.HotplugRemoveCPU(1))
	require.Equal(t, 1, v.CPUs().Count())
}

func TestMemoryHotplug(t *testing.T) {
	v, _ := newTestVM(t)
	require.NoError(t, v.Boot())

	before := v.Memory().TotalBytes()
	handle, err := v.HotplugAddMemory(2 << 20)
	require.NoError(t, err)
	require.Equal(t, before+(2<<20), v.Memory().TotalBytes())
	require.Equal(t, StateRunning, v.State())

	var found bool
	for _, ri := range v.Memory().Regions() {
		if ri.Handle == handle {
			found = true
			require.True(t, ri.Hotplug)
			require.GreaterOrEqual(t, ri.GuestAddr, uint64(hotplugBase))
			// The new region is writable guest memory.
			_, err := v.Memory().WriteAt([]byte{1, 2, 3}, int64(ri.GuestAddr))
			require.NoError(t, err)
		}
	}
	require.True(t, found)

	require.NoError(t, v.HotplugRemoveMemory(handle))
	require.Equal(t, before, v.Memory().TotalBytes())
	require.Error(t, v.HotplugRemoveMemory(handle), "double remove")
}

func TestBootRegionNotRemovable(t *testing.T) {
	v, _ := newTestVM(t)
	require.NoError(t, v.Boot())
	require.Error(t, v.HotplugRemoveMemory(v.bootRegion))
}

func TestDeviceHotplugAtomicity(t *testing.T) {
	v, _ := newTestVM(t)
	require.NoError(t, v.Boot())

	a := &scratchDevice{id: "a", base: 0xd000_0000}
	require.NoError(t, v.HotplugAddDevice(a))

	// Overlapping placement fails without touching the bus, and the
	// machine keeps running.
	b := &scratchDevice{id: "b", base: 0xd000_0800}
	err := v.HotplugAddDevice(b)
	require.ErrorIs(t, err, devices.ErrAddressConflict)
	require.Len(t, v.Devices().Devices(), 1)
	require.Equal(t, StateRunning, v.State())

	require.NoError(t, v.HotplugRemoveDevice("a"))
	require.Empty(t, v.Devices().Devices())

	require.Error(t, v.HotplugRemoveDevice("a"), "double detach")
}

func TestHotplugRejectedAfterShutdown(t *testing.T) {
	v, _ := newTestVM(t)
	require.NoError(t, v.Shutdown())

	err := v.HotplugAddCPU(1, nil)
	require.Error(t, err)
	_, err = v.HotplugAddMemory(2 << 20)
	require.Error(t, err)
}

func TestMemoryCeilingEnforced(t *testing.T) {
	hyp := fake.New()
	cfg := testConfig()
	cfg.MemoryCeiling = cfg.Memory // no hotplug headroom
	v, err := New(hyp, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { v.Shutdown() })
	require.NoError(t, v.Boot())

	_, err = v.HotplugAddMemory(2 << 20)
	require.Error(t, err)
	require.Equal(t, StateRunning, v.State())
}

func TestMemoryHotplugNotifiesGuest(t *testing.T) {
	v, _ := newTestVM(t)
	memDev, err := virtio.NewMem(hotplugBase, 1<<30)
	require.NoError(t, err)
	v.BindMemoryDevice(memDev)
	require.NoError(t, v.Boot())

	handle, err := v.HotplugAddMemory(4 << 20)
	require.NoError(t, err)
	require.Equal(t, uint64(4<<20), memDev.RequestedBytes())

	require.NoError(t, v.HotplugRemoveMemory(handle))
	require.Equal(t, uint64(0), memDev.RequestedBytes())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "created", StateCreated.String())
	require.Equal(t, "shutdown", StateShutdown.String())
}

func TestShutdownErrorsAggregate(t *testing.T) {
	// Shutdown after the hypervisor machine is gone surfaces the close
	// error but still lands in StateShutdown.
	v, m := newTestVM(t)
	require.NoError(t, m.Close())
	err := v.Shutdown()
	if err != nil {
		require.Equal(t, StateShutdown, v.State())
	}
	require.Equal(t, StateShutdown, v.State())
	_ = errors.Unwrap(err)
}
