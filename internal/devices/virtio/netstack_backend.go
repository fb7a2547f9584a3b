package virtio

import (
	"context"
	"fmt"
	"net"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const netstackNICID tcpip.NICID = 1

// NetstackBackend runs a userspace TCP/IP stack on the host side of a
// virtio-net device. Guest frames feed the stack; frames the stack emits
// flow back to the guest's receive queue.
type NetstackBackend struct {
	gs *stack.Stack
	ch *channel.Endpoint

	cancel context.CancelFunc

	mu      sync.Mutex
	receive func(frame []byte) error
}

// NewNetstackBackend builds the stack with the given host-side address.
func NewNetstackBackend(hostMAC net.HardwareAddr, hostIP net.IP, prefixLen int) (*NetstackBackend, error) {
	if len(hostMAC) != 6 {
		return nil, fmt.Errorf("netstack backend: MAC must be 6 bytes, got %d", len(hostMAC))
	}
	ip4 := hostIP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("netstack backend: %v is not an IPv4 address", hostIP)
	}

	// channel.Endpoint MTU is the L2 MTU; the ethernet wrapper subtracts
	// the header to get 1500 at L3.
	ch := channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(hostMAC)))
	gs := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := gs.CreateNIC(netstackNICID, ethernet.New(ch)); err != nil {
		return nil, fmt.Errorf("netstack backend: create NIC: %s", err)
	}

	var addr [4]byte
	copy(addr[:], ip4)
	if err := gs.AddProtocolAddress(netstackNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(addr),
			PrefixLen: prefixLen,
		},
	}, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("netstack backend: add address: %s", err)
	}
	gs.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: netstackNICID},
	})
	gs.SetPromiscuousMode(netstackNICID, true)
	gs.SetSpoofing(netstackNICID, true)

	ctx, cancel := context.WithCancel(context.Background())
	b := &NetstackBackend{gs: gs, ch: ch, cancel: cancel}
	go b.pump(ctx)
	return b, nil
}

// pump moves stack egress toward the guest.
func (b *NetstackBackend) pump(ctx context.Context) {
	for {
		pkt := b.ch.ReadContext(ctx)
		if pkt == nil {
			return
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		b.mu.Lock()
		receive := b.receive
		b.mu.Unlock()
		if receive != nil {
			// Best effort, the device drops frames it cannot buffer.
			_ = receive(frame)
		}
	}
}

// TransmitFrame implements NetBackend: a guest egress frame enters the
// stack.
func (b *NetstackBackend) TransmitFrame(frame []byte) error {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet endpoint parses the protocol out of the frame header.
	b.ch.InjectInbound(0, pkt)
	return nil
}

// Bind implements NetBackend.
func (b *NetstackBackend) Bind(receive func(frame []byte) error) {
	b.mu.Lock()
	b.receive = receive
	b.mu.Unlock()
}

// DialGuestTCP opens a TCP connection from the host stack toward a listener
// inside the guest.
func (b *NetstackBackend) DialGuestTCP(guestIP net.IP, port uint16) (net.Conn, error) {
	ip4 := guestIP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("netstack backend: %v is not an IPv4 address", guestIP)
	}
	var addr [4]byte
	copy(addr[:], ip4)
	return gonet.DialTCP(b.gs, tcpip.FullAddress{
		NIC:  netstackNICID,
		Addr: tcpip.AddrFrom4(addr),
		Port: port,
	}, ipv4.ProtocolNumber)
}

// ListenTCP exposes a host-side TCP listener reachable from the guest.
func (b *NetstackBackend) ListenTCP(port uint16) (net.Listener, error) {
	return gonet.ListenTCP(b.gs, tcpip.FullAddress{
		NIC:  netstackNICID,
		Port: port,
	}, ipv4.ProtocolNumber)
}

// Stack exposes the underlying stack for endpoint-level use.
func (b *NetstackBackend) Stack() *stack.Stack { return b.gs }

func (b *NetstackBackend) Close() error {
	b.cancel()
	b.ch.Close()
	b.gs.Close()
	return nil
}

var _ NetBackend = (*NetstackBackend)(nil)
