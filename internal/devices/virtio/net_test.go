package virtio

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// recorderBackend captures guest egress and lets tests inject ingress.
type recorderBackend struct {
	frames  [][]byte
	receive func(frame []byte) error
}

func (b *recorderBackend) TransmitFrame(frame []byte) error {
	b.frames = append(b.frames, append([]byte(nil), frame...))
	return nil
}

func (b *recorderBackend) Bind(receive func(frame []byte) error) { b.receive = receive }

func setupNet(t *testing.T) (*Net, *recorderBackend, *Transport, *testMem, *ringBuilder) {
	t.Helper()
	line, _ := testLine(t)
	mem := newTestMem(1 << 20)
	backend := &recorderBackend{}
	dev, err := NewNet(net.HardwareAddr{0x02, 0, 0, 0, 0, 2}, backend)
	if err != nil {
		t.Fatal(err)
	}
	tr := NewTransport(TransportConfig{ID: "net0", Base: 0xd0000000, DeviceID: DeviceIDNet, Features: dev.Features()}, mem, line, dev)

	rx := newRing(mem, tr.Queue(netQueueRx), 8)
	txq := tr.Queue(netQueueTx)
	txq.DescTableAddr = testDescTable + 0x4000
	txq.AvailRingAddr = testAvailRing + 0x4000
	txq.UsedRingAddr = testUsedRing + 0x4000
	if err := txq.SetSize(8); err != nil {
		t.Fatal(err)
	}
	txq.Ready = true
	return dev, backend, tr, mem, rx
}

func TestNetGuestTransmit(t *testing.T) {
	dev, backend, tr, mem, _ := setupNet(t)

	frame := []byte("\x02\x00\x00\x00\x00\x01\x02\x00\x00\x00\x00\x02\x08\x00payload")
	// Ring entry: 12-byte virtio-net header then the frame.
	copy(mem.data[0x10000+netHdrLen:], frame)
	txWriteDesc(mem, 0, Descriptor{Addr: 0x10000, Length: uint32(netHdrLen + len(frame))})
	var idx uint16
	txOffer(mem, tr.Queue(netQueueTx), &idx, 0)

	if err := dev.OnQueueNotify(tr, netQueueTx); err != nil {
		t.Fatal(err)
	}
	if len(backend.frames) != 1 || !bytes.Equal(backend.frames[0], frame) {
		t.Fatalf("backend frames = %q", backend.frames)
	}
}

func TestNetIngressDelivery(t *testing.T) {
	dev, backend, tr, mem, rx := setupNet(t)

	// Ingress before buffers are posted queues up.
	if err := backend.receive([]byte("early frame")); err != nil {
		t.Fatal(err)
	}

	rxq := tr.Queue(netQueueRx)
	rx.writeDesc(0, Descriptor{Addr: 0x20000, Length: 256, Flags: virtqDescFWrite})
	rx.offer(rxq, 0)
	if err := dev.OnQueueNotify(tr, netQueueRx); err != nil {
		t.Fatal(err)
	}

	// 12-byte header with num_buffers=1, then the frame.
	if got := binary.LittleEndian.Uint16(mem.data[0x20000+10:]); got != 1 {
		t.Fatalf("num_buffers = %d", got)
	}
	if !bytes.Equal(mem.data[0x20000+netHdrLen:0x20000+netHdrLen+11], []byte("early frame")) {
		t.Fatalf("rx payload = %q", mem.data[0x20000+netHdrLen:0x20000+netHdrLen+11])
	}

	// An undersized buffer drops the frame but still completes the chain.
	rx.writeDesc(1, Descriptor{Addr: 0x21000, Length: 4, Flags: virtqDescFWrite})
	rx.offer(rxq, 1)
	if err := backend.receive(make([]byte, 512)); err != nil {
		t.Fatal(err)
	}
	if rx.usedIdx() != 2 {
		t.Fatalf("used idx = %d, want 2", rx.usedIdx())
	}
	if _, written := rx.usedElem(1); written != 0 {
		t.Fatalf("dropped frame reported %d bytes written", written)
	}
}

func TestNetConfigMAC(t *testing.T) {
	_, _, tr, _, _ := setupNet(t)
	var buf [6]byte
	if err := tr.ReadMMIO(0, VIRTIO_MMIO_CONFIG, buf[:]); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:], []byte{0x02, 0, 0, 0, 0, 2}) {
		t.Fatalf("config MAC = %x", buf)
	}
}

func TestNetstackBackendARP(t *testing.T) {
	hostMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	guestMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	backend, err := NewNetstackBackend(hostMAC, net.IPv4(10, 42, 0, 1), 24)
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()

	got := make(chan []byte, 16)
	backend.Bind(func(frame []byte) error {
		got <- append([]byte(nil), frame...)
		return nil
	})

	// ARP who-has 10.42.0.1 from the guest.
	frame := make([]byte, 42)
	copy(frame[0:6], net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], guestMAC)
	binary.BigEndian.PutUint16(frame[12:14], 0x0806)
	arp := frame[14:]
	binary.BigEndian.PutUint16(arp[0:2], 1)      // ethernet
	binary.BigEndian.PutUint16(arp[2:4], 0x0800) // IPv4
	arp[4], arp[5] = 6, 4
	binary.BigEndian.PutUint16(arp[6:8], 1) // request
	copy(arp[8:14], guestMAC)
	copy(arp[14:18], net.IPv4(10, 42, 0, 2).To4())
	copy(arp[24:28], net.IPv4(10, 42, 0, 1).To4())

	if err := backend.TransmitFrame(frame); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case reply := <-got:
			if len(reply) < 42 || binary.BigEndian.Uint16(reply[12:14]) != 0x0806 {
				continue
			}
			if binary.BigEndian.Uint16(reply[20:22]) != 2 {
				continue
			}
			if !bytes.Equal(reply[28:32], net.IPv4(10, 42, 0, 1).To4()) {
				t.Fatalf("ARP reply for %v", net.IP(reply[28:32]))
			}
			return
		case <-deadline:
			t.Fatal("no ARP reply from the netstack")
		}
	}
}
