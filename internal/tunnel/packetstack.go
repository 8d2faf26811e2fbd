package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"github.com/whisper-tun/whisper/internal/multiplex"
)

const defaultHopLimit = 64

// PacketStack is a Stack over a TUN device carrying raw IP packets. UDP
// packets are grouped into flows by 4-tuple and replies are written back as
// IP packets. TCP segments are terminated in a user space TCP stack and each
// connection becomes a flow. Anything else is counted and dropped.
type PacketStack struct {
	*flowTable
	tcp *tcpStack

	dev    io.ReadWriteCloser
	mtu    int
	writeM sync.Mutex

	packetsIn    atomic.Uint64
	packetsOut   atomic.Uint64
	tcpConns     atomic.Uint64
	otherDropped atomic.Uint64
}

type PacketStats struct {
	Flows        int
	PacketsIn    uint64
	PacketsOut   uint64
	TCPConns     uint64
	OtherDropped uint64
	// QueueDropped counts datagrams dropped because their flow was backed up
	QueueDropped uint64
}

// NewPacketStack reads packets from dev until it is closed. dev must return
// one packet per Read and take one per Write, as a TUN device does.
func NewPacketStack(dev io.ReadWriteCloser, mtu int, udpIdle time.Duration) (*PacketStack, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	s := &PacketStack{
		flowTable: newFlowTable(udpIdle),
		dev:       dev,
		mtu:       mtu,
	}
	tcp, err := newTCPStack(mtu, s.writePacket, func(f Flow) {
		s.tcpConns.Add(1)
		log.Tracef("new tcp flow to %v", f.Target())
		s.offer(f)
	})
	if err != nil {
		s.flowTable.close()
		return nil, fmt.Errorf("tcp stack: %w", err)
	}
	s.tcp = tcp
	go s.readLoop()
	return s, nil
}

func (s *PacketStack) Stats() PacketStats {
	return PacketStats{
		Flows:        s.flowTable.len(),
		PacketsIn:    s.packetsIn.Load(),
		PacketsOut:   s.packetsOut.Load(),
		TCPConns:     s.tcpConns.Load(),
		OtherDropped: s.otherDropped.Load(),
		QueueDropped: s.queueDropped.Load(),
	}
}

func (s *PacketStack) Close() error {
	s.flowTable.close()
	err := s.dev.Close()
	s.tcp.close()
	return err
}

func (s *PacketStack) readLoop() {
	defer s.flowTable.close()

	var (
		ip4     layers.IPv4
		ip6     layers.IPv6
		udp     layers.UDP
		tcp     layers.TCP
		payload gopacket.Payload
	)
	parser4 := gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &ip4, &udp, &tcp, &payload)
	parser4.IgnoreUnsupported = true
	parser6 := gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, &ip6, &udp, &tcp, &payload)
	parser6.IgnoreUnsupported = true
	decoded := make([]gopacket.LayerType, 0, 4)

	// room for packets a little over the MTU
	buf := make([]byte, s.mtu+128)
	for {
		n, err := s.dev.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Errorf("reading from tun: %v", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		s.packetsIn.Add(1)

		var parser *gopacket.DecodingLayerParser
		switch buf[0] >> 4 {
		case 4:
			parser = parser4
		case 6:
			parser = parser6
		default:
			s.otherDropped.Add(1)
			continue
		}
		if err := parser.DecodeLayers(buf[:n], &decoded); err != nil {
			log.Tracef("undecodable packet: %v", err)
			s.otherDropped.Add(1)
			continue
		}

		var src, dst net.IP
		proto := gopacket.LayerTypeZero
		for _, typ := range decoded {
			switch typ {
			case layers.LayerTypeIPv4:
				src, dst = ip4.SrcIP, ip4.DstIP
			case layers.LayerTypeIPv6:
				src, dst = ip6.SrcIP, ip6.DstIP
			case layers.LayerTypeUDP, layers.LayerTypeTCP:
				proto = typ
			}
		}
		switch proto {
		case layers.LayerTypeUDP:
			s.handleUDP(src, dst, &udp)
		case layers.LayerTypeTCP:
			s.tcp.inject(buf[:n])
		default:
			s.otherDropped.Add(1)
		}
	}
}

func (s *PacketStack) handleUDP(src, dst net.IP, udp *layers.UDP) {
	srcPort, dstPort := uint16(udp.SrcPort), uint16(udp.DstPort)
	key := fmt.Sprintf("%v>%v", net.JoinHostPort(src.String(), fmt.Sprint(srcPort)), net.JoinHostPort(dst.String(), fmt.Sprint(dstPort)))
	target := multiplex.Target{Host: dst.String(), Port: dstPort}

	// the decoder reuses its buffers, so the reply keeps its own copies
	local := append(net.IP(nil), src...)
	remote := append(net.IP(nil), dst...)
	reply := func(p []byte) error {
		return s.writeUDP(remote, dstPort, local, srcPort, p)
	}
	s.deliver(key, target, udp.Payload, reply)
}

// writeUDP writes p to the device as a UDP packet from src to dst
func (s *PacketStack) writeUDP(src net.IP, srcPort uint16, dst net.IP, dstPort uint16, p []byte) error {
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	var ip gopacket.SerializableLayer
	if v4 := src.To4(); v4 != nil {
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      defaultHopLimit,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    v4,
			DstIP:    dst.To4(),
		}
		udp.SetNetworkLayerForChecksum(ip4)
		ip = ip4
	} else {
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   defaultHopLimit,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      src,
			DstIP:      dst,
		}
		udp.SetNetworkLayerForChecksum(ip6)
		ip = ip6
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(p)); err != nil {
		return err
	}
	return s.writePacket(buf.Bytes())
}

func (s *PacketStack) writePacket(pkt []byte) error {
	s.writeM.Lock()
	defer s.writeM.Unlock()
	if _, err := s.dev.Write(pkt); err != nil {
		return err
	}
	s.packetsOut.Add(1)
	return nil
}
