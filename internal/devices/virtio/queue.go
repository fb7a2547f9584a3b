// Package virtio implements the virtio-mmio transport and the split
// virtqueue machinery shared by the device models.
package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
)

const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2

	virtqAvailFNoInterrupt = 1
)

// GuestMemory is the slice of guest physical memory the queue machinery
// needs.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

func (d Descriptor) IsWrite() bool { return d.Flags&virtqDescFWrite != 0 }
func (d Descriptor) HasNext() bool { return d.Flags&virtqDescFNext != 0 }

// VirtQueue is one split virtqueue. The device side pops available heads,
// processes the chains, and completes each popped head exactly once.
type VirtQueue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Ready         bool

	// mu serializes pops and completions. Notifies can arrive on several
	// vCPUs at once; without it two dispatchers would pop the same head.
	mu           sync.Mutex
	lastAvailIdx uint16
	usedIdx      uint16

	// inflight tracks popped-but-not-completed heads so a chain can never
	// be completed twice or completed without being popped.
	inflight map[uint16]struct{}

	mem GuestMemory
}

func NewVirtQueue(mem GuestMemory, maxSize uint16) *VirtQueue {
	return &VirtQueue{
		MaxSize:  maxSize,
		mem:      mem,
		inflight: make(map[uint16]struct{}),
	}
}

// Reset returns the queue to its power-on state.
func (q *VirtQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Size = 0
	q.Ready = false
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.inflight = make(map[uint16]struct{})
}

func (q *VirtQueue) SetSize(size uint16) error {
	if size == 0 || size > q.MaxSize {
		return fmt.Errorf("virtio: queue size %d out of range (max %d)", size, q.MaxSize)
	}
	q.mu.Lock()
	q.Size = size
	q.mu.Unlock()
	return nil
}

func (q *VirtQueue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return fmt.Errorf("virtio: queue not ready")
	}
	return nil
}

// PopAvail takes the next available head off the ring. The head enters the
// in-flight set and stays there until Complete.
func (q *VirtQueue) PopAvail() (head uint16, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}

	var header [4]byte
	if err := q.readGuest(q.AvailRingAddr, header[:]); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(header[2:4])
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}

	var buf [2]byte
	offset := q.AvailRingAddr + 4 + uint64(q.lastAvailIdx%q.Size)*2
	if err := q.readGuest(offset, buf[:]); err != nil {
		return 0, false, err
	}
	head = binary.LittleEndian.Uint16(buf[:])
	if head >= q.Size {
		return 0, false, fmt.Errorf("virtio: available head %d out of bounds (size %d)", head, q.Size)
	}
	if _, dup := q.inflight[head]; dup {
		return 0, false, fmt.Errorf("virtio: head %d offered while still in flight", head)
	}

	q.lastAvailIdx++
	q.inflight[head] = struct{}{}
	return head, true, nil
}

// Complete publishes a used element for a previously popped head. Completing
// a head that is not in flight is rejected, so each chain completes at most
// once.
func (q *VirtQueue) Complete(head uint16, written uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureReady(); err != nil {
		return err
	}
	if _, ok := q.inflight[head]; !ok {
		return fmt.Errorf("virtio: completion for head %d which is not in flight", head)
	}
	delete(q.inflight, head)

	base := q.UsedRingAddr + 4 + uint64(q.usedIdx%q.Size)*8
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	if err := q.writeGuest(base, elem[:]); err != nil {
		return err
	}

	q.usedIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	return q.writeGuest(q.UsedRingAddr+2, idx[:])
}

// InterruptSuppressed reports whether the driver asked for completion
// interrupts to be withheld.
func (q *VirtQueue) InterruptSuppressed() bool {
	var header [2]byte
	if err := q.readGuest(q.AvailRingAddr, header[:]); err != nil {
		return false
	}
	return binary.LittleEndian.Uint16(header[:])&virtqAvailFNoInterrupt != 0
}

// ReadDescriptor reads one descriptor table entry.
func (q *VirtQueue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if err := q.ensureReady(); err != nil {
		return Descriptor{}, err
	}
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("virtio: descriptor index %d out of bounds (size %d)", idx, q.Size)
	}

	var buf [16]byte
	if err := q.readGuest(q.DescTableAddr+uint64(idx)*16, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// Chain walks the descriptor chain starting at head. The walk is bounded by
// the queue size, so a cyclic chain cannot spin forever.
func (q *VirtQueue) Chain(head uint16) ([]Descriptor, error) {
	var descs []Descriptor
	index := head
	for i := uint16(0); i < q.Size; i++ {
		desc, err := q.ReadDescriptor(index)
		if err != nil {
			return descs, err
		}
		descs = append(descs, desc)
		if !desc.HasNext() {
			return descs, nil
		}
		index = desc.Next
	}
	return descs, fmt.Errorf("virtio: descriptor chain from head %d exceeds queue size", head)
}

// ReadChain concatenates the device-readable part of a chain.
func (q *VirtQueue) ReadChain(descs []Descriptor) ([]byte, error) {
	var data []byte
	for _, desc := range descs {
		if desc.IsWrite() {
			break
		}
		if desc.Length == 0 {
			continue
		}
		chunk := make([]byte, desc.Length)
		if err := q.readGuest(desc.Addr, chunk); err != nil {
			return nil, err
		}
		data = append(data, chunk...)
	}
	return data, nil
}

// WriteChain scatters data across the device-writable part of a chain and
// returns the byte count written.
func (q *VirtQueue) WriteChain(descs []Descriptor, data []byte) (uint32, error) {
	var written uint32
	for _, desc := range descs {
		if !desc.IsWrite() || len(data) == 0 {
			if !desc.IsWrite() {
				continue
			}
			break
		}
		n := len(data)
		if n > int(desc.Length) {
			n = int(desc.Length)
		}
		if err := q.writeGuest(desc.Addr, data[:n]); err != nil {
			return written, err
		}
		written += uint32(n)
		data = data[n:]
	}
	if len(data) > 0 {
		return written, fmt.Errorf("virtio: chain too small, %d bytes left over", len(data))
	}
	return written, nil
}

// WritableLen sums the device-writable capacity of a chain.
func (q *VirtQueue) WritableLen(descs []Descriptor) uint32 {
	var total uint64
	for _, desc := range descs {
		if desc.IsWrite() {
			total += uint64(desc.Length)
		}
	}
	if total > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(total)
}

func (q *VirtQueue) readGuest(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return fmt.Errorf("virtio: guest read at 0x%x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest read at 0x%x (%d of %d)", addr, n, len(buf))
	}
	return nil
}

func (q *VirtQueue) writeGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	n, err := q.mem.WriteAt(data, int64(addr))
	if err != nil {
		return fmt.Errorf("virtio: guest write at 0x%x: %w", addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest write at 0x%x (%d of %d)", addr, n, len(data))
	}
	return nil
}

// state is the serializable queue core.
type queueState struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	Ready         bool
	LastAvailIdx  uint16
	UsedIdx       uint16
}

func (q *VirtQueue) saveState() queueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queueState{
		DescTableAddr: q.DescTableAddr,
		AvailRingAddr: q.AvailRingAddr,
		UsedRingAddr:  q.UsedRingAddr,
		Size:          q.Size,
		Ready:         q.Ready,
		LastAvailIdx:  q.lastAvailIdx,
		UsedIdx:       q.usedIdx,
	}
}

func (q *VirtQueue) restoreState(st queueState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.DescTableAddr = st.DescTableAddr
	q.AvailRingAddr = st.AvailRingAddr
	q.UsedRingAddr = st.UsedRingAddr
	q.Size = st.Size
	q.Ready = st.Ready
	q.lastAvailIdx = st.LastAvailIdx
	q.usedIdx = st.UsedIdx
	q.inflight = make(map[uint16]struct{})
}
