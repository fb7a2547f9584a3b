package vm

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skiffvm/skiff/internal/hv"
	"github.com/skiffvm/skiff/internal/hv/fake"
)

func TestMigrateMovesMachine(t *testing.T) {
	v, _ := preparedVM(t)
	require.NoError(t, v.Resume())

	srcConn, dstConn := net.Pipe()
	defer srcConn.Close()
	defer dstConn.Close()

	type result struct {
		vm  *VM
		err error
	}
	recv := make(chan result, 1)
	dev2 := &scratchDevice{id: "scratch0", base: 0xd000_0000}
	go func() {
		dst, err := MigrateReceive(fake.New(), testConfig(), dstConn, scratchBuilder(dev2))
		recv <- result{dst, err}
	}()

	require.NoError(t, v.MigrateSend(srcConn, MigrateOptions{}))

	var res result
	select {
	case res = <-recv:
	case <-time.After(10 * time.Second):
		t.Fatal("receive did not finish")
	}
	require.NoError(t, res.err)
	dst := res.vm
	t.Cleanup(func() { dst.Shutdown() })

	// Ownership moved: the source is paused and fenced for good.
	require.Equal(t, StatePaused, v.State())
	require.ErrorIs(t, v.Resume(), ErrFenced)

	require.Equal(t, StatePaused, dst.State())

	buf := make([]byte, 16)
	_, err := dst.Memory().ReadAt(buf, 0x1000)
	require.NoError(t, err)
	require.Equal(t, []byte("snapshot payload"), buf)

	require.Equal(t, byte(0xaa), dev2.peek(0))

	vcpu, ok := dst.CPUs().VCPU(0)
	require.True(t, ok)
	regs := map[hv.Register]uint64{hv.RegRax: 0}
	require.NoError(t, vcpu.GetRegisters(regs))
	require.Equal(t, uint64(0x1234), regs[hv.RegRax])

	require.NoError(t, dst.Resume())
	require.Equal(t, StateRunning, dst.State())
}

func TestMigrateSendFailureLeavesSourceUsable(t *testing.T) {
	v, _ := newTestVM(t)
	require.NoError(t, v.Boot())

	srcConn, dstConn := net.Pipe()
	dstConn.Close() // every write fails

	err := v.MigrateSend(srcConn, MigrateOptions{})
	require.Error(t, err)
	srcConn.Close()

	// Not fenced, still running, dirty tracking released: a second
	// attempt works end to end.
	require.Equal(t, StateRunning, v.State())
	require.NoError(t, v.Pause())
	require.NoError(t, v.Resume())

	srcConn2, dstConn2 := net.Pipe()
	defer srcConn2.Close()
	defer dstConn2.Close()
	done := make(chan error, 1)
	go func() {
		dst, err := MigrateReceive(fake.New(), testConfig(), dstConn2, nil)
		if dst != nil {
			dst.Shutdown()
		}
		done <- err
	}()
	require.NoError(t, v.MigrateSend(srcConn2, MigrateOptions{}))
	require.NoError(t, <-done)
}

func TestMigrateRejectsBadStates(t *testing.T) {
	v, _ := newTestVM(t)

	srcConn, dstConn := net.Pipe()
	defer srcConn.Close()
	defer dstConn.Close()

	require.Error(t, v.MigrateSend(srcConn, MigrateOptions{}), "migrate before boot")

	require.NoError(t, v.Shutdown())
	require.Error(t, v.MigrateSend(srcConn, MigrateOptions{}), "migrate after shutdown")
}

func TestCollectDelta(t *testing.T) {
	v, _ := newTestVM(t)
	require.NoError(t, v.Boot())
	require.NoError(t, v.Pause())

	require.NoError(t, v.Memory().StartTracking())
	defer v.Memory().StopTracking()

	payload := []byte("dirty page data")
	_, err := v.Memory().WriteAt(payload, 0x2000)
	require.NoError(t, err)

	delta, err := v.collectDelta()
	require.NoError(t, err)
	require.Len(t, delta, 1)
	require.Equal(t, uint64(0x2000), delta[0].GuestAddr)
	require.Equal(t, payload, delta[0].Data[:len(payload)])
	require.Len(t, delta[0].Data, int(hv.PageSize))

	// The harvest cleared the bitmap.
	delta, err = v.collectDelta()
	require.NoError(t, err)
	require.Empty(t, delta)
}
