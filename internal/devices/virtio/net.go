package virtio

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
)

const (
	netQueueRx = 0
	netQueueTx = 1

	netQueueNumMax = 256

	// virtio-net v1 header prepended to every frame on the rings.
	netHdrLen = 12

	VIRTIO_NET_F_MAC    = 1 << 5
	VIRTIO_NET_F_STATUS = 1 << 16

	VIRTIO_NET_S_LINK_UP = 1
)

// NetBackend moves ethernet frames between the device model and the outside
// world. TransmitFrame carries guest egress; the backend delivers ingress by
// calling the receiver installed with Bind.
type NetBackend interface {
	TransmitFrame(frame []byte) error
	Bind(receive func(frame []byte) error)
}

// Net is a virtio network device model.
type Net struct {
	mac     net.HardwareAddr
	backend NetBackend

	mu      sync.Mutex
	dev     *Transport
	pending [][]byte // ingress frames waiting for guest rx buffers
}

func NewNet(mac net.HardwareAddr, backend NetBackend) (*Net, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("virtio-net: MAC must be 6 bytes, got %d", len(mac))
	}
	n := &Net{mac: mac, backend: backend}
	if backend != nil {
		backend.Bind(n.EnqueueRxFrame)
	}
	return n, nil
}

func (n *Net) Features() uint64 { return VIRTIO_NET_F_MAC | VIRTIO_NET_F_STATUS }

func (n *Net) NumQueues() int                { return 2 }
func (n *Net) QueueMaxSize(queue int) uint16 { return netQueueNumMax }

func (n *Net) OnReset(dev *Transport) {
	n.mu.Lock()
	n.pending = nil
	n.mu.Unlock()
}

func (n *Net) ReadConfig(dev *Transport, offset uint64, data []byte) {
	var cfg [8]byte
	copy(cfg[0:6], n.mac)
	binary.LittleEndian.PutUint16(cfg[6:8], VIRTIO_NET_S_LINK_UP)
	readConfigWindow(cfg[:], offset, data)
}

func (n *Net) WriteConfig(dev *Transport, offset uint64, data []byte) {}

func (n *Net) OnQueueNotify(dev *Transport, queue int) error {
	n.mu.Lock()
	n.dev = dev
	n.mu.Unlock()

	switch queue {
	case netQueueTx:
		return n.drainTx(dev)
	case netQueueRx:
		return n.flushRx(dev)
	}
	return nil
}

func (n *Net) drainTx(dev *Transport) error {
	q := dev.Queue(netQueueTx)
	var processed bool
	for {
		head, ok, err := q.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		descs, err := q.Chain(head)
		if err != nil {
			return err
		}
		packet, err := q.ReadChain(descs)
		if err != nil {
			return err
		}
		if err := q.Complete(head, 0); err != nil {
			return err
		}
		processed = true

		if len(packet) <= netHdrLen || n.backend == nil {
			continue
		}
		if err := n.backend.TransmitFrame(packet[netHdrLen:]); err != nil {
			return fmt.Errorf("virtio-net: transmit: %w", err)
		}
	}
	if processed {
		return dev.SignalUsed(netQueueTx)
	}
	return nil
}

// EnqueueRxFrame queues an ingress ethernet frame toward the guest.
func (n *Net) EnqueueRxFrame(frame []byte) error {
	n.mu.Lock()
	n.pending = append(n.pending, append([]byte(nil), frame...))
	dev := n.dev
	n.mu.Unlock()
	if dev == nil {
		return nil
	}
	return n.flushRx(dev)
}

func (n *Net) flushRx(dev *Transport) error {
	q := dev.Queue(netQueueRx)

	n.mu.Lock()
	defer n.mu.Unlock()

	var processed bool
	for len(n.pending) > 0 {
		head, ok, err := q.PopAvail()
		if err != nil || !ok {
			break
		}
		descs, cerr := q.Chain(head)
		if cerr != nil {
			return cerr
		}
		frame := n.pending[0]
		buf := make([]byte, netHdrLen+len(frame))
		// header: flags=0, gso_type=0, num_buffers=1
		binary.LittleEndian.PutUint16(buf[10:12], 1)
		copy(buf[netHdrLen:], frame)

		if q.WritableLen(descs) < uint32(len(buf)) {
			// Undersized buffer: drop the frame rather than stall the ring.
			if err := q.Complete(head, 0); err != nil {
				return err
			}
			n.pending = n.pending[1:]
			processed = true
			continue
		}
		written, werr := q.WriteChain(descs, buf)
		if werr != nil {
			return werr
		}
		if err := q.Complete(head, written); err != nil {
			return err
		}
		n.pending = n.pending[1:]
		processed = true
	}
	if processed {
		return dev.SignalUsed(netQueueRx)
	}
	return nil
}

var _ Handler = (*Net)(nil)
