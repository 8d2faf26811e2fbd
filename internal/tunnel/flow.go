package tunnel

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper-tun/whisper/internal/multiplex"
)

// datagrams a flow may have waiting before further ones are dropped
const flowQueueLen = 256

// udpFlow is a local UDP 4-tuple. Datagrams from the local side queue up for
// Read; Write sends a datagram back through reply.
type udpFlow struct {
	key    string
	target multiplex.Target
	reply  func([]byte) error

	queue     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	lastSeen  atomic.Int64
	onClose   func()

	// a datagram too big for the last Read, kept for the next one
	pending []byte
}

func (f *udpFlow) Kind() multiplex.StreamKind { return multiplex.KindUDP }
func (f *udpFlow) Target() multiplex.Target   { return f.target }

func (f *udpFlow) touch() { f.lastSeen.Store(time.Now().UnixNano()) }

// Read returns one datagram. A p too small for it yields io.ErrShortBuffer
// and the datagram stays queued. Reads must not be concurrent.
func (f *udpFlow) Read(p []byte) (int, error) {
	if f.pending == nil {
		select {
		case f.pending = <-f.queue:
		case <-f.closed:
			return 0, io.EOF
		}
	}
	f.touch()
	if len(f.pending) > len(p) {
		return 0, io.ErrShortBuffer
	}
	n := copy(p, f.pending)
	f.pending = nil
	return n, nil
}

func (f *udpFlow) Write(p []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	f.touch()
	if err := f.reply(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *udpFlow) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		if f.onClose != nil {
			f.onClose()
		}
	})
	return nil
}

// flowTable demultiplexes datagrams into flows by their 4-tuple and expires
// flows that have been quiet for longer than idle. New flows come out of
// Accept.
type flowTable struct {
	idle time.Duration

	mu     sync.Mutex
	flows  map[string]*udpFlow
	accept chan Flow

	closed    chan struct{}
	closeOnce sync.Once

	queueDropped atomic.Uint64
}

func newFlowTable(idle time.Duration) *flowTable {
	if idle <= 0 {
		idle = DefaultUDPIdleTimeout
	}
	t := &flowTable{
		idle:   idle,
		flows:  make(map[string]*udpFlow),
		accept: make(chan Flow, 64),
		closed: make(chan struct{}),
	}
	go t.expire()
	return t
}

// deliver queues a copy of p on the flow for key, creating the flow if it is
// new. It blocks only while a new flow waits to be accepted.
func (t *flowTable) deliver(key string, target multiplex.Target, p []byte, reply func([]byte) error) {
	t.mu.Lock()
	f, ok := t.flows[key]
	if !ok {
		select {
		case <-t.closed:
			t.mu.Unlock()
			return
		default:
		}
		f = &udpFlow{
			key:    key,
			target: target,
			reply:  reply,
			queue:  make(chan []byte, flowQueueLen),
			closed: make(chan struct{}),
		}
		f.onClose = func() { t.remove(f) }
		f.touch()
		t.flows[key] = f
	}
	t.mu.Unlock()

	select {
	case f.queue <- append([]byte(nil), p...):
	default:
		t.queueDropped.Add(1)
	}
	if !ok {
		log.Tracef("new udp flow %v", key)
		t.offer(f)
	}
}

// offer queues f for Accept, or closes it once the table is closed
func (t *flowTable) offer(f Flow) {
	select {
	case t.accept <- f:
	case <-t.closed:
		f.Close()
	}
}

func (t *flowTable) remove(f *udpFlow) {
	t.mu.Lock()
	if t.flows[f.key] == f {
		delete(t.flows, f.key)
	}
	t.mu.Unlock()
}

func (t *flowTable) Accept(ctx context.Context) (Flow, error) {
	select {
	case f := <-t.accept:
		return f, nil
	case <-t.closed:
		return nil, ErrStackClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *flowTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

func (t *flowTable) expire() {
	ticker := time.NewTicker(t.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case now := <-ticker.C:
			var stale []*udpFlow
			t.mu.Lock()
			for _, f := range t.flows {
				if now.Sub(time.Unix(0, f.lastSeen.Load())) > t.idle {
					stale = append(stale, f)
				}
			}
			t.mu.Unlock()
			for _, f := range stale {
				log.Tracef("udp flow %v idle", f.key)
				f.Close()
			}
		}
	}
}

func (t *flowTable) close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		flows := make([]*udpFlow, 0, len(t.flows))
		for _, f := range t.flows {
			flows = append(flows, f)
		}
		t.mu.Unlock()
		for _, f := range flows {
			f.Close()
		}
	})
}
