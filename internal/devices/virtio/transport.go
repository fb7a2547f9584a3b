package virtio

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/skiffvm/skiff/internal/devices"
	"github.com/skiffvm/skiff/internal/interrupts"
)

// virtio-mmio register layout, version 2.
const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_CONFIG_GENERATION   = 0x0fc
	VIRTIO_MMIO_CONFIG              = 0x100

	VIRTIO_MMIO_INT_VRING  = 0x1
	VIRTIO_MMIO_INT_CONFIG = 0x2

	virtioMagic       = 0x74726976 // "virt"
	virtioVersion     = 2
	virtioVendorID    = 0x554d4551
	virtioWindowSize  = 0x200
	deviceStatusReset = 0

	virtioFeatureVersion1 = uint64(1) << 32

	// Device type ids from the virtio spec.
	DeviceIDNet     = 1
	DeviceIDBlock   = 2
	DeviceIDConsole = 3
	DeviceIDMem     = 24
)

// Handler is the device model behind a transport: queue shape, config space,
// and the notify entry point. Handlers that also implement
// devices.Snapshotter get their payload carried inside the transport's
// snapshot.
type Handler interface {
	NumQueues() int
	QueueMaxSize(queue int) uint16
	OnReset(dev *Transport)
	OnQueueNotify(dev *Transport, queue int) error
	ReadConfig(dev *Transport, offset uint64, data []byte)
	WriteConfig(dev *Transport, offset uint64, data []byte)
}

// TransportConfig places a transport on the bus.
type TransportConfig struct {
	ID       string
	Base     uint64
	DeviceID uint32
	Features uint64
}

// Transport is one virtio-mmio register window. It implements
// devices.Device; the device model plugs in as a Handler.
type Transport struct {
	cfg     TransportConfig
	mem     GuestMemory
	line    *interrupts.Line
	handler Handler

	// notifyMu runs the device model's pop/process/complete loop one
	// notify at a time. An SMP guest can kick the same queue from two
	// vCPUs in the same instant.
	notifyMu sync.Mutex

	mu               sync.Mutex
	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   uint64
	queueSel         uint32
	deviceStatus     uint32
	configGeneration uint32
	queues           []*VirtQueue

	interruptStatus atomic.Uint32
}

func NewTransport(cfg TransportConfig, mem GuestMemory, line *interrupts.Line, handler Handler) *Transport {
	t := &Transport{
		cfg:     cfg,
		mem:     mem,
		line:    line,
		handler: handler,
	}
	for i := 0; i < handler.NumQueues(); i++ {
		t.queues = append(t.queues, NewVirtQueue(mem, handler.QueueMaxSize(i)))
	}
	return t
}

func (t *Transport) DeviceID() string { return t.cfg.ID }

func (t *Transport) MMIORanges() []devices.MMIORange {
	return []devices.MMIORange{{Base: t.cfg.Base, Size: virtioWindowSize}}
}

// Queue returns the queue at index, or nil.
func (t *Transport) Queue(i int) *VirtQueue {
	if i < 0 || i >= len(t.queues) {
		return nil
	}
	return t.queues[i]
}

// Memory returns the guest memory accessor shared with the queues.
func (t *Transport) Memory() GuestMemory { return t.mem }

// IRQLine returns the interrupt line wired to this transport.
func (t *Transport) IRQLine() *interrupts.Line { return t.line }

// SignalUsed raises the used-buffer interrupt unless the driver suppressed
// it on the given queue.
func (t *Transport) SignalUsed(queue int) error {
	q := t.Queue(queue)
	if q != nil && q.InterruptSuppressed() {
		return nil
	}
	t.interruptStatus.Or(VIRTIO_MMIO_INT_VRING)
	return t.line.Inject()
}

// SignalConfigChange bumps the config generation and raises the config
// interrupt. Device models call it when their config space mutates at
// runtime.
func (t *Transport) SignalConfigChange() error {
	t.mu.Lock()
	t.configGeneration++
	t.mu.Unlock()
	t.interruptStatus.Or(VIRTIO_MMIO_INT_CONFIG)
	return t.line.Inject()
}

func (t *Transport) ReadMMIO(rangeIdx int, offset uint64, data []byte) error {
	if offset >= VIRTIO_MMIO_CONFIG {
		t.handler.ReadConfig(t, offset-VIRTIO_MMIO_CONFIG, data)
		return nil
	}
	if len(data) != 4 {
		return fmt.Errorf("virtio %s: %d-byte register read at 0x%x", t.cfg.ID, len(data), offset)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var value uint32
	switch offset {
	case VIRTIO_MMIO_MAGIC_VALUE:
		value = virtioMagic
	case VIRTIO_MMIO_VERSION:
		value = virtioVersion
	case VIRTIO_MMIO_DEVICE_ID:
		value = t.cfg.DeviceID
	case VIRTIO_MMIO_VENDOR_ID:
		value = virtioVendorID
	case VIRTIO_MMIO_DEVICE_FEATURES:
		features := t.cfg.Features | virtioFeatureVersion1
		value = uint32(features >> (32 * t.deviceFeatureSel))
	case VIRTIO_MMIO_QUEUE_NUM_MAX:
		if q := t.selectedQueueLocked(); q != nil {
			value = uint32(q.MaxSize)
		}
	case VIRTIO_MMIO_QUEUE_READY:
		if q := t.selectedQueueLocked(); q != nil && q.Ready {
			value = 1
		}
	case VIRTIO_MMIO_INTERRUPT_STATUS:
		value = t.interruptStatus.Load()
	case VIRTIO_MMIO_STATUS:
		value = t.deviceStatus
	case VIRTIO_MMIO_CONFIG_GENERATION:
		value = t.configGeneration
	default:
		slog.Debug("virtio: read of unhandled register", "device", t.cfg.ID, "offset", offset)
	}
	binary.LittleEndian.PutUint32(data, value)
	return nil
}

func (t *Transport) WriteMMIO(rangeIdx int, offset uint64, data []byte) error {
	if offset >= VIRTIO_MMIO_CONFIG {
		t.handler.WriteConfig(t, offset-VIRTIO_MMIO_CONFIG, data)
		return nil
	}
	if len(data) != 4 {
		return fmt.Errorf("virtio %s: %d-byte register write at 0x%x", t.cfg.ID, len(data), offset)
	}
	value := binary.LittleEndian.Uint32(data)

	// Notify runs the device model, which completes chains and re-enters
	// the transport through SignalUsed. Keep it outside the register lock,
	// but serialized against other notifies on this device.
	if offset == VIRTIO_MMIO_QUEUE_NOTIFY {
		if int(value) >= len(t.queues) {
			return fmt.Errorf("virtio %s: notify for queue %d of %d", t.cfg.ID, value, len(t.queues))
		}
		t.notifyMu.Lock()
		defer t.notifyMu.Unlock()
		return t.handler.OnQueueNotify(t, int(value))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch offset {
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		t.deviceFeatureSel = value
	case VIRTIO_MMIO_DRIVER_FEATURES:
		shift := 32 * t.driverFeatureSel
		t.driverFeatures = t.driverFeatures&^(uint64(0xffffffff)<<shift) | uint64(value)<<shift
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		t.driverFeatureSel = value
	case VIRTIO_MMIO_QUEUE_SEL:
		t.queueSel = value
	case VIRTIO_MMIO_QUEUE_NUM:
		if q := t.selectedQueueLocked(); q != nil {
			if err := q.SetSize(uint16(value)); err != nil {
				return err
			}
		}
	case VIRTIO_MMIO_QUEUE_READY:
		if q := t.selectedQueueLocked(); q != nil {
			q.Ready = value == 1
		}
	case VIRTIO_MMIO_INTERRUPT_ACK:
		t.interruptStatus.And(^value)
	case VIRTIO_MMIO_STATUS:
		if value == deviceStatusReset {
			t.resetLocked()
		} else {
			t.deviceStatus = value
		}
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		if q := t.selectedQueueLocked(); q != nil {
			q.DescTableAddr = q.DescTableAddr&^uint64(0xffffffff) | uint64(value)
		}
	case VIRTIO_MMIO_QUEUE_DESC_HIGH:
		if q := t.selectedQueueLocked(); q != nil {
			q.DescTableAddr = q.DescTableAddr&0xffffffff | uint64(value)<<32
		}
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		if q := t.selectedQueueLocked(); q != nil {
			q.AvailRingAddr = q.AvailRingAddr&^uint64(0xffffffff) | uint64(value)
		}
	case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		if q := t.selectedQueueLocked(); q != nil {
			q.AvailRingAddr = q.AvailRingAddr&0xffffffff | uint64(value)<<32
		}
	case VIRTIO_MMIO_QUEUE_USED_LOW:
		if q := t.selectedQueueLocked(); q != nil {
			q.UsedRingAddr = q.UsedRingAddr&^uint64(0xffffffff) | uint64(value)
		}
	case VIRTIO_MMIO_QUEUE_USED_HIGH:
		if q := t.selectedQueueLocked(); q != nil {
			q.UsedRingAddr = q.UsedRingAddr&0xffffffff | uint64(value)<<32
		}
	default:
		slog.Debug("virtio: write of unhandled register", "device", t.cfg.ID, "offset", offset, "value", value)
	}
	return nil
}

func (t *Transport) selectedQueueLocked() *VirtQueue {
	if int(t.queueSel) >= len(t.queues) {
		return nil
	}
	return t.queues[t.queueSel]
}

func (t *Transport) resetLocked() {
	t.deviceStatus = 0
	t.driverFeatures = 0
	t.deviceFeatureSel = 0
	t.driverFeatureSel = 0
	t.queueSel = 0
	t.interruptStatus.Store(0)
	for _, q := range t.queues {
		q.Reset()
	}
	t.handler.OnReset(t)
}

// Reset implements devices.Resetter.
func (t *Transport) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
	return nil
}

type transportState struct {
	DeviceFeatureSel uint32
	DriverFeatureSel uint32
	DriverFeatures   uint64
	QueueSel         uint32
	DeviceStatus     uint32
	ConfigGeneration uint32
	InterruptStatus  uint32
	Queues           []queueState
	HandlerState     []byte
}

// SaveState implements devices.Snapshotter. The handler's payload, if any,
// rides inside the transport's block.
func (t *Transport) SaveState() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := transportState{
		DeviceFeatureSel: t.deviceFeatureSel,
		DriverFeatureSel: t.driverFeatureSel,
		DriverFeatures:   t.driverFeatures,
		QueueSel:         t.queueSel,
		DeviceStatus:     t.deviceStatus,
		ConfigGeneration: t.configGeneration,
		InterruptStatus:  t.interruptStatus.Load(),
	}
	for _, q := range t.queues {
		st.Queues = append(st.Queues, q.saveState())
	}
	if s, ok := t.handler.(devices.Snapshotter); ok {
		data, err := s.SaveState()
		if err != nil {
			return nil, fmt.Errorf("virtio %s: handler state: %w", t.cfg.ID, err)
		}
		st.HandlerState = data
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RestoreState implements devices.Snapshotter.
func (t *Transport) RestoreState(data []byte) error {
	var st transportState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return err
	}

	t.mu.Lock()
	if len(st.Queues) != len(t.queues) {
		t.mu.Unlock()
		return fmt.Errorf("virtio %s: snapshot has %d queues, device has %d", t.cfg.ID, len(st.Queues), len(t.queues))
	}
	t.deviceFeatureSel = st.DeviceFeatureSel
	t.driverFeatureSel = st.DriverFeatureSel
	t.driverFeatures = st.DriverFeatures
	t.queueSel = st.QueueSel
	t.deviceStatus = st.DeviceStatus
	t.configGeneration = st.ConfigGeneration
	t.interruptStatus.Store(st.InterruptStatus)
	for i, qs := range st.Queues {
		t.queues[i].restoreState(qs)
	}
	t.mu.Unlock()

	if s, ok := t.handler.(devices.Snapshotter); ok {
		if err := s.RestoreState(st.HandlerState); err != nil {
			return fmt.Errorf("virtio %s: handler state: %w", t.cfg.ID, err)
		}
	}
	return nil
}
