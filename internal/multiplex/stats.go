package multiplex

import (
	"sync/atomic"
	"time"
)

type counters struct {
	open      atomic.Int64
	opened    atomic.Uint64
	failed    atomic.Uint64
	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	wireIn    atomic.Uint64
	wireOut   atomic.Uint64
	stalls    atomic.Uint64
}

// Stats are cumulative counters of a session. BytesIn and BytesOut count
// stream payload; WireBytesIn and WireBytesOut count everything on the
// transport including frame headers.
type Stats struct {
	OpenStreams   int64
	StreamsOpened uint64
	StreamsFailed uint64
	FramesIn      uint64
	FramesOut     uint64
	BytesIn       uint64
	BytesOut      uint64
	WireBytesIn   uint64
	WireBytesOut  uint64
	// CreditStalls counts the times a stream had to wait for credit
	CreditStalls uint64
	Uptime       time.Duration
}

// Stats can be called from any goroutine, including after the session ended
func (sesh *Session) Stats() Stats {
	return Stats{
		OpenStreams:   sesh.counters.open.Load(),
		StreamsOpened: sesh.counters.opened.Load(),
		StreamsFailed: sesh.counters.failed.Load(),
		FramesIn:      sesh.counters.framesIn.Load(),
		FramesOut:     sesh.counters.framesOut.Load(),
		BytesIn:       sesh.counters.bytesIn.Load(),
		BytesOut:      sesh.counters.bytesOut.Load(),
		WireBytesIn:   sesh.counters.wireIn.Load(),
		WireBytesOut:  sesh.counters.wireOut.Load(),
		CreditStalls:  sesh.counters.stalls.Load(),
		Uptime:        time.Since(sesh.established),
	}
}
