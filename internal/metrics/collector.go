// Package metrics exposes session and tunnel counters to Prometheus and
// serves a small admin API next to them.
package metrics

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/whisper-tun/whisper/internal/multiplex"
	"github.com/whisper-tun/whisper/internal/tunnel"
)

const namespace = "whisper"

// SessionSource is satisfied by *multiplex.Session
type SessionSource interface {
	Stats() multiplex.Stats
	Streams() []multiplex.StreamInfo
	Stream(id uint32) (*multiplex.Stream, error)
	Peer() multiplex.Info
	RemoteAddr() net.Addr
	Err() error
}

type ForwarderSource interface {
	Stats() tunnel.ForwarderStats
}

type PacketSource interface {
	Stats() tunnel.PacketStats
}

// Sources are what gets reported. Only Session is required.
type Sources struct {
	Session   SessionSource
	Forwarder ForwarderSource
	Packets   PacketSource
}

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

var (
	sessionUp     = desc("session", "up", "Whether the relay session is alive.")
	uptime        = desc("session", "uptime_seconds", "Time since the session was established.")
	openStreams   = desc("session", "open_streams", "Streams currently registered.")
	streamsOpened = desc("session", "streams_opened_total", "Streams opened.")
	streamsFailed = desc("session", "streams_failed_total", "Streams that ended abnormally.")
	frames        = desc("session", "frames_total", "Frames exchanged with the relay.", "direction")
	payloadBytes  = desc("session", "payload_bytes_total", "Stream payload bytes exchanged with the relay.", "direction")
	wireBytes     = desc("session", "wire_bytes_total", "Bytes on the transport including framing.", "direction")
	creditStalls  = desc("session", "credit_stalls_total", "Times a stream waited for credit.")
	activeFlows   = desc("forwarder", "active_flows", "Local flows being forwarded.")
	acceptedFlows = desc("forwarder", "flows_total", "Local flows accepted.")
	failedFlows   = desc("forwarder", "failed_flows_total", "Local flows whose stream could not be opened or was ended by the relay with an error.")
	tunFlows      = desc("tun", "udp_flows", "UDP flows tracked on the tun device.")
	tunTCPConns   = desc("tun", "tcp_connections_total", "TCP connections terminated on the tun device.")
	tunPackets    = desc("tun", "packets_total", "Packets read from and written to the tun device.", "direction")
	tunDropped    = desc("tun", "dropped_packets_total", "Packets dropped by the tun stack.", "reason")
)

// Collector reads its sources at scrape time
type Collector struct {
	src Sources
}

func NewCollector(src Sources) *Collector {
	return &Collector{src: src}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		sessionUp, uptime, openStreams, streamsOpened, streamsFailed, frames, payloadBytes, wireBytes, creditStalls,
		activeFlows, acceptedFlows, failedFlows, tunFlows, tunTCPConns, tunPackets, tunDropped,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	up := 0.0
	if c.src.Session.Err() == nil {
		up = 1
	}
	s := c.src.Session.Stats()
	gauge(sessionUp, up)
	gauge(uptime, s.Uptime.Seconds())
	gauge(openStreams, float64(s.OpenStreams))
	counter(streamsOpened, s.StreamsOpened)
	counter(streamsFailed, s.StreamsFailed)
	counter(frames, s.FramesIn, "in")
	counter(frames, s.FramesOut, "out")
	counter(payloadBytes, s.BytesIn, "in")
	counter(payloadBytes, s.BytesOut, "out")
	counter(wireBytes, s.WireBytesIn, "in")
	counter(wireBytes, s.WireBytesOut, "out")
	counter(creditStalls, s.CreditStalls)

	if c.src.Forwarder != nil {
		f := c.src.Forwarder.Stats()
		gauge(activeFlows, float64(f.ActiveFlows))
		counter(acceptedFlows, f.AcceptedFlows)
		counter(failedFlows, f.FailedFlows)
	}
	if c.src.Packets != nil {
		p := c.src.Packets.Stats()
		gauge(tunFlows, float64(p.Flows))
		counter(tunTCPConns, p.TCPConns)
		counter(tunPackets, p.PacketsIn, "in")
		counter(tunPackets, p.PacketsOut, "out")
		counter(tunDropped, p.OtherDropped, "unsupported")
		counter(tunDropped, p.QueueDropped, "queue_full")
	}
}
