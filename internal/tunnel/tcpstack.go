package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/whisper-tun/whisper/internal/multiplex"
)

const (
	tcpNIC tcpip.NICID = 1
	// segments waiting to be written out to the device
	tcpOutQueueLen = 512
	// handshakes the stack completes before it starts refusing new ones
	tcpMaxInFlight = 1024
)

// tcpStack terminates TCP connections read off a TUN device in a user space
// network stack. It accepts every destination and hands each established
// connection to onConn.
type tcpStack struct {
	stack  *stack.Stack
	ep     *channel.Endpoint
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// newTCPStack writes every outgoing packet with out
func newTCPStack(mtu int, out func([]byte) error, onConn func(Flow)) (*tcpStack, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})
	ep := channel.New(tcpOutQueueLen, uint32(mtu), "")
	if err := s.CreateNIC(tcpNIC, ep); err != nil {
		s.Close()
		return nil, fmt.Errorf("creating nic: %v", err)
	}
	// the stack answers for any address so it can stand in for every
	// destination the device routes to it
	if err := s.SetPromiscuousMode(tcpNIC, true); err != nil {
		s.Close()
		return nil, fmt.Errorf("promiscuous mode: %v", err)
	}
	if err := s.SetSpoofing(tcpNIC, true); err != nil {
		s.Close()
		return nil, fmt.Errorf("spoofing: %v", err)
	}
	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: tcpNIC},
		{Destination: header.IPv6EmptySubnet, NIC: tcpNIC},
	})
	sack := tcpip.TCPSACKEnabled(true)
	s.SetTransportProtocolOption(tcp.ProtocolNumber, &sack)

	fwd := tcp.NewForwarder(s, 0, tcpMaxInFlight, func(r *tcp.ForwarderRequest) {
		id := r.ID()
		var wq waiter.Queue
		endpoint, err := r.CreateEndpoint(&wq)
		if err != nil {
			log.Tracef("tcp handshake with %v failed: %v", id.LocalAddress, err)
			r.Complete(true)
			return
		}
		r.Complete(false)
		onConn(&tcpFlow{
			Conn:   gonet.NewTCPConn(&wq, endpoint),
			target: multiplex.Target{Host: net.IP(id.LocalAddress.AsSlice()).String(), Port: id.LocalPort},
		})
	})
	s.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)

	ctx, cancel := context.WithCancel(context.Background())
	t := &tcpStack{stack: s, ep: ep, cancel: cancel, done: make(chan struct{})}
	go t.writeLoop(ctx, out)
	return t, nil
}

// inject hands one IP packet to the stack. pkt may be reused afterwards.
func (t *tcpStack) inject(pkt []byte) {
	proto := header.IPv4ProtocolNumber
	if pkt[0]>>4 == 6 {
		proto = header.IPv6ProtocolNumber
	}
	pb := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buffer.MakeWithData(append([]byte(nil), pkt...))})
	t.ep.InjectInbound(proto, pb)
	pb.DecRef()
}

func (t *tcpStack) writeLoop(ctx context.Context, out func([]byte) error) {
	defer close(t.done)
	for {
		pkt := t.ep.ReadContext(ctx)
		if pkt == nil {
			return
		}
		view := pkt.ToView()
		pkt.DecRef()
		err := out(view.AsSlice())
		view.Release()
		if err != nil {
			log.Tracef("writing tcp segment: %v", err)
		}
	}
}

func (t *tcpStack) close() {
	t.closeOnce.Do(func() {
		t.cancel()
		<-t.done
		t.ep.Close()
		t.stack.Close()
	})
}
