package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	blkQueueRequest = 0
	blkQueueNumMax  = 128
	blkSectorSize   = 512

	VIRTIO_BLK_T_IN     = 0
	VIRTIO_BLK_T_OUT    = 1
	VIRTIO_BLK_T_FLUSH  = 4
	VIRTIO_BLK_T_GET_ID = 8

	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2

	VIRTIO_BLK_F_RO       = 1 << 5
	VIRTIO_BLK_F_BLK_SIZE = 1 << 6
	VIRTIO_BLK_F_FLUSH    = 1 << 9
)

// BlockBackend is the storage behind a block device. *os.File satisfies it.
type BlockBackend interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// Blk is a virtio block device model.
type Blk struct {
	mu       sync.Mutex
	backend  BlockBackend
	capacity uint64 // 512-byte sectors
	readonly bool
	serial   string
}

func NewBlk(backend BlockBackend, sizeBytes uint64, readonly bool, serial string) *Blk {
	return &Blk{
		backend:  backend,
		capacity: sizeBytes / blkSectorSize,
		readonly: readonly,
		serial:   serial,
	}
}

// Features returns the feature bits to advertise through the transport.
func (b *Blk) Features() uint64 {
	features := uint64(VIRTIO_BLK_F_BLK_SIZE | VIRTIO_BLK_F_FLUSH)
	if b.readonly {
		features |= VIRTIO_BLK_F_RO
	}
	return features
}

func (b *Blk) NumQueues() int                { return 1 }
func (b *Blk) QueueMaxSize(queue int) uint16 { return blkQueueNumMax }
func (b *Blk) OnReset(dev *Transport)        {}

func (b *Blk) ReadConfig(dev *Transport, offset uint64, data []byte) {
	readConfigWindow(b.configBytes(), offset, data)
}

func (b *Blk) WriteConfig(dev *Transport, offset uint64, data []byte) {}

func (b *Blk) OnQueueNotify(dev *Transport, queue int) error {
	if queue != blkQueueRequest {
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
		written, err := b.processRequest(q, head)
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

// processRequest handles one chain: a 16-byte header descriptor, data
// descriptors, and a one-byte status descriptor at the tail.
func (b *Blk) processRequest(q *VirtQueue, head uint16) (uint32, error) {
	descs, err := q.Chain(head)
	if err != nil {
		return 0, err
	}
	if len(descs) < 2 {
		return 0, fmt.Errorf("virtio-blk: request chain of %d descriptors", len(descs))
	}

	hdrDesc, statusDesc := descs[0], descs[len(descs)-1]
	dataDescs := descs[1 : len(descs)-1]
	if hdrDesc.IsWrite() || hdrDesc.Length < 16 {
		return 0, fmt.Errorf("virtio-blk: malformed header descriptor")
	}
	if !statusDesc.IsWrite() || statusDesc.Length < 1 {
		return 0, fmt.Errorf("virtio-blk: malformed status descriptor")
	}

	var hdr [16]byte
	if err := q.readGuest(hdrDesc.Addr, hdr[:]); err != nil {
		return 0, err
	}
	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	status, written := b.execute(q, reqType, sector, dataDescs)
	if err := q.writeGuest(statusDesc.Addr, []byte{status}); err != nil {
		return 0, err
	}
	return written + 1, nil
}

func (b *Blk) execute(q *VirtQueue, reqType uint32, sector uint64, dataDescs []Descriptor) (byte, uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := int64(sector) * blkSectorSize
	var written uint32

	switch reqType {
	case VIRTIO_BLK_T_IN:
		for _, desc := range dataDescs {
			if !desc.IsWrite() {
				return VIRTIO_BLK_S_IOERR, 0
			}
			data := make([]byte, desc.Length)
			n, err := b.backend.ReadAt(data, offset)
			if err != nil && n == 0 {
				slog.Debug("virtio-blk: read failed", "offset", offset, "length", desc.Length, "error", err)
				return VIRTIO_BLK_S_IOERR, written
			}
			if err := q.writeGuest(desc.Addr, data[:n]); err != nil {
				return VIRTIO_BLK_S_IOERR, written
			}
			written += uint32(n)
			offset += int64(n)
		}
		return VIRTIO_BLK_S_OK, written

	case VIRTIO_BLK_T_OUT:
		if b.readonly {
			return VIRTIO_BLK_S_IOERR, 0
		}
		for _, desc := range dataDescs {
			if desc.IsWrite() {
				return VIRTIO_BLK_S_IOERR, 0
			}
			data := make([]byte, desc.Length)
			if err := q.readGuest(desc.Addr, data); err != nil {
				return VIRTIO_BLK_S_IOERR, 0
			}
			n, err := b.backend.WriteAt(data, offset)
			if err != nil {
				slog.Debug("virtio-blk: write failed", "offset", offset, "length", desc.Length, "error", err)
				return VIRTIO_BLK_S_IOERR, 0
			}
			offset += int64(n)
		}
		return VIRTIO_BLK_S_OK, 0

	case VIRTIO_BLK_T_FLUSH:
		if err := b.backend.Sync(); err != nil {
			return VIRTIO_BLK_S_IOERR, 0
		}
		return VIRTIO_BLK_S_OK, 0

	case VIRTIO_BLK_T_GET_ID:
		id := make([]byte, 20)
		copy(id, b.serial)
		for _, desc := range dataDescs {
			if desc.IsWrite() {
				if err := q.writeGuest(desc.Addr, id); err != nil {
					return VIRTIO_BLK_S_IOERR, 0
				}
				return VIRTIO_BLK_S_OK, 20
			}
		}
		return VIRTIO_BLK_S_OK, 0

	default:
		return VIRTIO_BLK_S_UNSUPP, 0
	}
}

func (b *Blk) configBytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], b.capacity)
	binary.LittleEndian.PutUint32(buf[20:24], blkSectorSize)
	return buf[:]
}

var _ Handler = (*Blk)(nil)
