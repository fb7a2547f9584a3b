package virtio

import (
	"encoding/binary"
	"io"
	"sync"
)

const (
	consoleQueueRx = 0
	consoleQueueTx = 1

	consoleQueueNumMax = 64

	VIRTIO_CONSOLE_F_SIZE = 1 << 0
)

// Console is a virtio console device model: guest TX lands in the output
// writer, host input queues until the guest posts receive buffers.
type Console struct {
	mu      sync.Mutex
	output  io.Writer
	pending []byte
	cols    uint16
	rows    uint16

	// transport set on first notify or input push, whichever comes first
	dev *Transport
}

func NewConsole(output io.Writer) *Console {
	return &Console{output: output, cols: 80, rows: 25}
}

func (c *Console) Features() uint64 { return VIRTIO_CONSOLE_F_SIZE }

func (c *Console) NumQueues() int                { return 2 }
func (c *Console) QueueMaxSize(queue int) uint16 { return consoleQueueNumMax }

func (c *Console) OnReset(dev *Transport) {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

func (c *Console) ReadConfig(dev *Transport, offset uint64, data []byte) {
	c.mu.Lock()
	var cfg [4]byte
	binary.LittleEndian.PutUint16(cfg[0:2], c.cols)
	binary.LittleEndian.PutUint16(cfg[2:4], c.rows)
	c.mu.Unlock()
	readConfigWindow(cfg[:], offset, data)
}

func (c *Console) WriteConfig(dev *Transport, offset uint64, data []byte) {}

func (c *Console) OnQueueNotify(dev *Transport, queue int) error {
	c.mu.Lock()
	c.dev = dev
	c.mu.Unlock()

	switch queue {
	case consoleQueueTx:
		return c.drainTx(dev)
	case consoleQueueRx:
		return c.flushPending(dev)
	}
	return nil
}

// PushInput queues host-side input and delivers as much as the guest's
// receive buffers allow.
func (c *Console) PushInput(data []byte) error {
	c.mu.Lock()
	c.pending = append(c.pending, data...)
	dev := c.dev
	c.mu.Unlock()
	if dev == nil {
		return nil
	}
	return c.flushPending(dev)
}

func (c *Console) drainTx(dev *Transport) error {
	q := dev.Queue(consoleQueueTx)
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
		data, err := q.ReadChain(descs)
		if err != nil {
			return err
		}
		if c.output != nil && len(data) > 0 {
			if _, err := c.output.Write(data); err != nil {
				return err
			}
		}
		if err := q.Complete(head, 0); err != nil {
			return err
		}
		processed = true
	}
	if processed {
		return dev.SignalUsed(consoleQueueTx)
	}
	return nil
}

func (c *Console) flushPending(dev *Transport) error {
	q := dev.Queue(consoleQueueRx)

	c.mu.Lock()
	defer c.mu.Unlock()

	var processed bool
	for len(c.pending) > 0 {
		head, ok, err := q.PopAvail()
		if err != nil || !ok {
			if processed {
				if serr := dev.SignalUsed(consoleQueueRx); serr != nil && err == nil {
					err = serr
				}
			}
			return err
		}
		descs, cerr := q.Chain(head)
		if cerr != nil {
			return cerr
		}
		n := int(q.WritableLen(descs))
		if n > len(c.pending) {
			n = len(c.pending)
		}
		written, werr := q.WriteChain(descs, c.pending[:n])
		if werr != nil {
			return werr
		}
		if err := q.Complete(head, written); err != nil {
			return err
		}
		c.pending = c.pending[n:]
		processed = true
	}
	if processed {
		return dev.SignalUsed(consoleQueueRx)
	}
	return nil
}

var _ Handler = (*Console)(nil)
