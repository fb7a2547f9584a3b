package virtio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
)

// testMem is a flat guest memory for driving the queue machinery.
type testMem struct {
	data []byte
}

func newTestMem(size int) *testMem { return &testMem{data: make([]byte, size)} }

func (m *testMem) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(m.data) {
		return 0, fmt.Errorf("read [0x%x, +%d) out of bounds", off, len(p))
	}
	return copy(p, m.data[off:]), nil
}

func (m *testMem) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(m.data) {
		return 0, fmt.Errorf("write [0x%x, +%d) out of bounds", off, len(p))
	}
	return copy(m.data[off:], p), nil
}

const (
	testDescTable = 0x1000
	testAvailRing = 0x2000
	testUsedRing  = 0x3000
)

// ringBuilder assembles split-ring state in guest memory the way a driver
// would.
type ringBuilder struct {
	mem      *testMem
	availIdx uint16
}

func newRing(mem *testMem, q *VirtQueue, size uint16) *ringBuilder {
	q.DescTableAddr = testDescTable
	q.AvailRingAddr = testAvailRing
	q.UsedRingAddr = testUsedRing
	if err := q.SetSize(size); err != nil {
		panic(err)
	}
	q.Ready = true
	return &ringBuilder{mem: mem}
}

func (r *ringBuilder) writeDesc(idx uint16, desc Descriptor) {
	base := testDescTable + uint64(idx)*16
	binary.LittleEndian.PutUint64(r.mem.data[base:], desc.Addr)
	binary.LittleEndian.PutUint32(r.mem.data[base+8:], desc.Length)
	binary.LittleEndian.PutUint16(r.mem.data[base+12:], desc.Flags)
	binary.LittleEndian.PutUint16(r.mem.data[base+14:], desc.Next)
}

// offer puts head on the available ring and bumps the index.
func (r *ringBuilder) offer(q *VirtQueue, head uint16) {
	slot := testAvailRing + 4 + uint64(r.availIdx%q.Size)*2
	binary.LittleEndian.PutUint16(r.mem.data[slot:], head)
	r.availIdx++
	binary.LittleEndian.PutUint16(r.mem.data[testAvailRing+2:], r.availIdx)
}

func (r *ringBuilder) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(r.mem.data[testUsedRing+2:])
}

func (r *ringBuilder) usedElem(slot uint16) (head uint32, written uint32) {
	base := testUsedRing + 4 + uint64(slot)*8
	return binary.LittleEndian.Uint32(r.mem.data[base:]), binary.LittleEndian.Uint32(r.mem.data[base+4:])
}

func TestQueueChainWalk(t *testing.T) {
	mem := newTestMem(1 << 20)
	q := NewVirtQueue(mem, 64)
	ring := newRing(mem, q, 8)

	copy(mem.data[0x10000:], "hello ")
	copy(mem.data[0x11000:], "world")
	ring.writeDesc(0, Descriptor{Addr: 0x10000, Length: 6, Flags: virtqDescFNext, Next: 3})
	ring.writeDesc(3, Descriptor{Addr: 0x11000, Length: 5, Flags: virtqDescFNext, Next: 5})
	ring.writeDesc(5, Descriptor{Addr: 0x12000, Length: 32, Flags: virtqDescFWrite})
	ring.offer(q, 0)

	head, ok, err := q.PopAvail()
	if err != nil || !ok {
		t.Fatalf("PopAvail = %v, %v", ok, err)
	}
	descs, err := q.Chain(head)
	if err != nil {
		t.Fatal(err)
	}
	if len(descs) != 3 {
		t.Fatalf("chain length %d, want 3", len(descs))
	}

	data, err := q.ReadChain(descs)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Fatalf("ReadChain = %q", data)
	}

	written, err := q.WriteChain(descs, []byte("response"))
	if err != nil {
		t.Fatal(err)
	}
	if written != 8 {
		t.Fatalf("WriteChain wrote %d, want 8", written)
	}
	if !bytes.Equal(mem.data[0x12000:0x12008], []byte("response")) {
		t.Fatalf("writable descriptor holds %q", mem.data[0x12000:0x12008])
	}

	if err := q.Complete(head, written); err != nil {
		t.Fatal(err)
	}
	if ring.usedIdx() != 1 {
		t.Fatalf("used idx %d, want 1", ring.usedIdx())
	}
	usedHead, usedLen := ring.usedElem(0)
	if usedHead != uint32(head) || usedLen != 8 {
		t.Fatalf("used elem (%d, %d), want (%d, 8)", usedHead, usedLen, head)
	}
}

func TestQueueCompleteAtMostOnce(t *testing.T) {
	mem := newTestMem(1 << 20)
	q := NewVirtQueue(mem, 64)
	ring := newRing(mem, q, 8)

	ring.writeDesc(2, Descriptor{Addr: 0x10000, Length: 16, Flags: virtqDescFWrite})
	ring.offer(q, 2)

	head, ok, err := q.PopAvail()
	if err != nil || !ok {
		t.Fatalf("PopAvail = %v, %v", ok, err)
	}

	// Completing a head that was never popped is rejected.
	if err := q.Complete(head+1, 0); err == nil {
		t.Fatal("completion of un-popped head should fail")
	}

	if err := q.Complete(head, 4); err != nil {
		t.Fatal(err)
	}
	// Second completion of the same head is rejected and the used ring
	// does not advance.
	if err := q.Complete(head, 4); err == nil {
		t.Fatal("double completion should fail")
	}
	if ring.usedIdx() != 1 {
		t.Fatalf("used idx %d after double complete, want 1", ring.usedIdx())
	}
}

func TestQueueConcurrentPopComplete(t *testing.T) {
	mem := newTestMem(1 << 20)
	q := NewVirtQueue(mem, 64)
	ring := newRing(mem, q, 64)

	const heads = 64
	for i := uint16(0); i < heads; i++ {
		ring.writeDesc(i, Descriptor{Addr: 0x10000 + uint64(i)*16, Length: 8, Flags: virtqDescFWrite})
		ring.offer(q, i)
	}

	// Several dispatchers drain the same ring at once, the way an SMP
	// guest kicks one queue from multiple vCPUs.
	const workers = 4
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				head, ok, err := q.PopAvail()
				if err != nil {
					errCh <- err
					return
				}
				if !ok {
					return
				}
				if err := q.Complete(head, 8); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	if got := ring.usedIdx(); got != heads {
		t.Fatalf("used idx %d, want %d", got, heads)
	}
	seen := make(map[uint32]bool)
	for slot := uint16(0); slot < heads; slot++ {
		head, _ := ring.usedElem(slot)
		if seen[head] {
			t.Fatalf("head %d completed twice", head)
		}
		seen[head] = true
	}
	if len(q.inflight) != 0 {
		t.Fatalf("%d heads left in flight", len(q.inflight))
	}
}

func TestQueuePopAvailEmpty(t *testing.T) {
	mem := newTestMem(1 << 20)
	q := NewVirtQueue(mem, 64)
	newRing(mem, q, 8)

	_, ok, err := q.PopAvail()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("pop on empty ring returned a buffer")
	}
}

func TestQueueNotReady(t *testing.T) {
	mem := newTestMem(1 << 20)
	q := NewVirtQueue(mem, 64)

	if _, _, err := q.PopAvail(); err == nil {
		t.Fatal("pop on unready queue should fail")
	}
	if err := q.Complete(0, 0); err == nil {
		t.Fatal("complete on unready queue should fail")
	}
}

func TestQueueBoundedChainWalk(t *testing.T) {
	mem := newTestMem(1 << 20)
	q := NewVirtQueue(mem, 64)
	ring := newRing(mem, q, 4)

	// A self-loop must terminate with an error, not spin.
	ring.writeDesc(0, Descriptor{Addr: 0x10000, Length: 8, Flags: virtqDescFNext, Next: 0})
	if _, err := q.Chain(0); err == nil {
		t.Fatal("cyclic chain should fail")
	}
}

func TestQueueInterruptSuppression(t *testing.T) {
	mem := newTestMem(1 << 20)
	q := NewVirtQueue(mem, 64)
	newRing(mem, q, 8)

	if q.InterruptSuppressed() {
		t.Fatal("suppression flag set on a fresh ring")
	}
	binary.LittleEndian.PutUint16(mem.data[testAvailRing:], virtqAvailFNoInterrupt)
	if !q.InterruptSuppressed() {
		t.Fatal("suppression flag not observed")
	}
}

func TestQueueReset(t *testing.T) {
	mem := newTestMem(1 << 20)
	q := NewVirtQueue(mem, 64)
	ring := newRing(mem, q, 8)

	ring.writeDesc(1, Descriptor{Addr: 0x10000, Length: 8})
	ring.offer(q, 1)
	if _, _, err := q.PopAvail(); err != nil {
		t.Fatal(err)
	}

	q.Reset()
	if q.Ready || q.Size != 0 || q.DescTableAddr != 0 {
		t.Fatal("reset did not clear queue state")
	}
	// The in-flight set is cleared too: the old head cannot complete.
	if err := q.Complete(1, 0); err == nil {
		t.Fatal("completion across reset should fail")
	}
}
