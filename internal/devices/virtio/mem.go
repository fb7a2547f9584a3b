package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Guest request types on the virtio-mem queue.
const (
	memQueueGuestRequest = 0
	memQueueNumMax       = 32

	VIRTIO_MEM_REQ_PLUG       = 0
	VIRTIO_MEM_REQ_UNPLUG     = 1
	VIRTIO_MEM_REQ_UNPLUG_ALL = 2
	VIRTIO_MEM_REQ_STATE      = 3

	VIRTIO_MEM_RESP_ACK   = 0
	VIRTIO_MEM_RESP_NACK  = 1
	VIRTIO_MEM_RESP_ERROR = 3

	memBlockSize = 2 << 20 // 2 MiB plug granularity
)

// Mem is a virtio-mem device model: the monitor raises or lowers the
// requested size, the guest plugs and unplugs blocks inside the window to
// converge on it.
type Mem struct {
	mu            sync.Mutex
	regionAddr    uint64
	regionSize    uint64
	requestedSize uint64
	pluggedSize   uint64

	dev *Transport
}

// NewMem describes a hotplug window at regionAddr spanning regionSize bytes.
func NewMem(regionAddr, regionSize uint64) (*Mem, error) {
	if regionSize%memBlockSize != 0 {
		return nil, fmt.Errorf("virtio-mem: region size 0x%x not a multiple of the block size", regionSize)
	}
	return &Mem{regionAddr: regionAddr, regionSize: regionSize}, nil
}

func (m *Mem) Features() uint64 { return 0 }

func (m *Mem) NumQueues() int                { return 1 }
func (m *Mem) QueueMaxSize(queue int) uint16 { return memQueueNumMax }

func (m *Mem) OnReset(dev *Transport) {
	m.mu.Lock()
	m.pluggedSize = 0
	m.mu.Unlock()
}

// Resize changes the requested size and tells the guest via a config-change
// interrupt. The transport is bound on first notify; a resize before the
// guest driver is up just records the target.
func (m *Mem) Resize(requested uint64) error {
	if requested%memBlockSize != 0 {
		return fmt.Errorf("virtio-mem: requested size 0x%x not a multiple of the block size", requested)
	}
	m.mu.Lock()
	if requested > m.regionSize {
		m.mu.Unlock()
		return fmt.Errorf("virtio-mem: requested size 0x%x exceeds the 0x%x window", requested, m.regionSize)
	}
	m.requestedSize = requested
	dev := m.dev
	m.mu.Unlock()

	if dev == nil {
		return nil
	}
	return dev.SignalConfigChange()
}

// RequestedBytes reports the size the guest is currently asked to converge on.
func (m *Mem) RequestedBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestedSize
}

// PluggedBytes reports how much of the window the guest has plugged.
func (m *Mem) PluggedBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pluggedSize
}

func (m *Mem) ReadConfig(dev *Transport, offset uint64, data []byte) {
	m.mu.Lock()
	var cfg [56]byte
	binary.LittleEndian.PutUint64(cfg[0:8], memBlockSize)
	binary.LittleEndian.PutUint64(cfg[16:24], m.regionAddr)
	binary.LittleEndian.PutUint64(cfg[24:32], m.regionSize)
	binary.LittleEndian.PutUint64(cfg[40:48], m.requestedSize)
	binary.LittleEndian.PutUint64(cfg[48:56], m.pluggedSize)
	m.mu.Unlock()
	readConfigWindow(cfg[:], offset, data)
}

func (m *Mem) WriteConfig(dev *Transport, offset uint64, data []byte) {}

func (m *Mem) OnQueueNotify(dev *Transport, queue int) error {
	m.mu.Lock()
	m.dev = dev
	m.mu.Unlock()
	if queue != memQueueGuestRequest {
		return nil
	}

	q := dev.Queue(queue)
	var processed bool
	for {
		head, ok, err := q.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		written, err := m.processRequest(q, head)
		if err != nil {
			return err
		}
		if err := q.Complete(head, written); err != nil {
			return err
		}
		processed = true
	}
	if processed {
		return dev.SignalUsed(queue)
	}
	return nil
}

// processRequest handles one guest request: a 24-byte request descriptor and
// a writable response descriptor.
func (m *Mem) processRequest(q *VirtQueue, head uint16) (uint32, error) {
	descs, err := q.Chain(head)
	if err != nil {
		return 0, err
	}
	req, err := q.ReadChain(descs)
	if err != nil {
		return 0, err
	}
	if len(req) < 24 {
		return 0, fmt.Errorf("virtio-mem: request of %d bytes", len(req))
	}
	reqType := binary.LittleEndian.Uint16(req[0:2])
	nbBlocks := binary.LittleEndian.Uint16(req[16:18])

	resp := m.execute(reqType, nbBlocks)

	var buf [10]byte
	binary.LittleEndian.PutUint16(buf[0:2], resp)
	var respDescs []Descriptor
	for _, d := range descs {
		if d.IsWrite() {
			respDescs = append(respDescs, d)
		}
	}
	if len(respDescs) == 0 {
		return 0, fmt.Errorf("virtio-mem: request chain has no response descriptor")
	}
	return q.WriteChain(respDescs, buf[:])
}

func (m *Mem) execute(reqType uint16, nbBlocks uint16) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	delta := uint64(nbBlocks) * memBlockSize
	switch reqType {
	case VIRTIO_MEM_REQ_PLUG:
		if m.pluggedSize+delta > m.regionSize || m.pluggedSize+delta > m.requestedSize {
			return VIRTIO_MEM_RESP_NACK
		}
		m.pluggedSize += delta
		return VIRTIO_MEM_RESP_ACK
	case VIRTIO_MEM_REQ_UNPLUG:
		if delta > m.pluggedSize {
			return VIRTIO_MEM_RESP_NACK
		}
		m.pluggedSize -= delta
		return VIRTIO_MEM_RESP_ACK
	case VIRTIO_MEM_REQ_UNPLUG_ALL:
		m.pluggedSize = 0
		return VIRTIO_MEM_RESP_ACK
	case VIRTIO_MEM_REQ_STATE:
		return VIRTIO_MEM_RESP_ACK
	default:
		return VIRTIO_MEM_RESP_ERROR
	}
}

var _ Handler = (*Mem)(nil)
