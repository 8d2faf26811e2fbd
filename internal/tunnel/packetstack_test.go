package tunnel

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper-tun/whisper/internal/multiplex"
	"github.com/whisper-tun/whisper/internal/multiplex/muxtest"
)

// packetDev stands in for a TUN device
type packetDev struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newPacketDev() *packetDev {
	return &packetDev{in: make(chan []byte, 16), out: make(chan []byte, 16), closed: make(chan struct{})}
}

func (d *packetDev) Read(p []byte) (int, error) {
	select {
	case pkt := <-d.in:
		return copy(p, pkt), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

func (d *packetDev) Write(p []byte) (int, error) {
	select {
	case d.out <- append([]byte(nil), p...):
		return len(p), nil
	case <-d.closed:
		return 0, io.ErrClosedPipe
	}
}

func (d *packetDev) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *packetDev) next(t *testing.T) []byte {
	select {
	case pkt := <-d.out:
		return pkt
	case <-time.After(5 * time.Second):
		t.Fatal("no packet written to the device")
		return nil
	}
}

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

func ipLayer(src, dst net.IP, proto layers.IPProtocol) gopacket.NetworkLayer {
	if src.To4() != nil {
		return &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: src.To4(), DstIP: dst.To4()}
	}
	return &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: src, DstIP: dst}
}

func udpPacket(t *testing.T, src, dst net.IP, sport, dport uint16, payload []byte) []byte {
	ip := ipLayer(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, serializeOpts, ip.(gopacket.SerializableLayer), udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestPacketStack_UDPEcho(t *testing.T) {
	cases := []struct {
		name   string
		local  net.IP
		remote net.IP
		first  gopacket.LayerType
	}{
		{"ipv4", net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), layers.LayerTypeIPv4},
		{"ipv6", net.ParseIP("fd00::1"), net.ParseIP("fd00::2"), layers.LayerTypeIPv6},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sesh, relay := startSession(t, muxtest.RelayConfig{})
			dev := newPacketDev()
			stack, err := NewPacketStack(dev, 1500, time.Minute)
			require.NoError(t, err)
			serve(t, NewForwarder(sesh, 0), stack)

			dev.in <- udpPacket(t, c.local, c.remote, 40000, 5000, []byte("query"))
			reply := gopacket.NewPacket(dev.next(t), c.first, gopacket.Default)
			require.Nil(t, reply.ErrorLayer())

			flow := reply.NetworkLayer().NetworkFlow()
			assert.Equal(t, c.remote.String(), flow.Src().String())
			assert.Equal(t, c.local.String(), flow.Dst().String())
			udp, ok := reply.Layer(layers.LayerTypeUDP).(*layers.UDP)
			require.True(t, ok)
			assert.Equal(t, layers.UDPPort(5000), udp.SrcPort)
			assert.Equal(t, layers.UDPPort(40000), udp.DstPort)
			assert.Equal(t, []byte("query"), udp.Payload)

			// a second datagram on the same 4-tuple reuses the stream
			dev.in <- udpPacket(t, c.local, c.remote, 40000, 5000, []byte("again"))
			reply = gopacket.NewPacket(dev.next(t), c.first, gopacket.Default)
			udp = reply.Layer(layers.LayerTypeUDP).(*layers.UDP)
			assert.Equal(t, []byte("again"), udp.Payload)

			connects := relay.Connects()
			require.Len(t, connects, 1)
			assert.Equal(t, multiplex.ConnectPayload{Kind: multiplex.KindUDP, Target: multiplex.Target{Host: c.remote.String(), Port: 5000}}, connects[0])

			stats := stack.Stats()
			assert.Equal(t, 1, stats.Flows)
			assert.Equal(t, uint64(2), stats.PacketsIn)
			assert.Equal(t, uint64(2), stats.PacketsOut)
		})
	}
}

func TestPacketStack_DropsWhatItCannotCarry(t *testing.T) {
	dev := newPacketDev()
	stack, err := NewPacketStack(dev, 1500, time.Minute)
	require.NoError(t, err)
	defer stack.Close()

	icmp := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(icmp, serializeOpts,
		&layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: net.IPv4(10, 0, 0, 1).To4(), DstIP: net.IPv4(10, 0, 0, 2).To4()},
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)},
	))
	dev.in <- icmp.Bytes()
	dev.in <- []byte{0x00, 0x01, 0x02}
	dev.in <- []byte{0x45, 0x00}

	assert.Eventually(t, func() bool { return stack.Stats().OtherDropped == 3 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, stack.Stats().Flows)
}

func TestPacketStack_Close(t *testing.T) {
	dev := newPacketDev()
	stack, err := NewPacketStack(dev, 0, time.Minute)
	require.NoError(t, err)
	dev.in <- udpPacket(t, net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 1000, 2000, []byte("x"))

	flow, err := stack.Accept(testCtx(t))
	require.NoError(t, err)
	require.NoError(t, stack.Close())

	_, err = stack.Accept(testCtx(t))
	assert.ErrorIs(t, err, ErrStackClosed)
	// the queued datagram may still be read, then the flow ends
	buf := make([]byte, 16)
	for {
		if _, err = flow.Read(buf); err != nil {
			break
		}
	}
	assert.Equal(t, io.EOF, err)
}
