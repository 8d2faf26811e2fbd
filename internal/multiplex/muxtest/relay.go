package muxtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/whisper-tun/whisper/internal/multiplex"
)

var errStreamGone = errors.New("stream gone")

type RelayConfig struct {
	// Info is advertised in the handshake. The zero value means DefaultInfo.
	Info multiplex.Info
	// Dial connects a stream to its target. A non-zero reason refuses the
	// stream with that reason. A nil Dial echoes everything back.
	Dial func(c multiplex.ConnectPayload) (net.Conn, multiplex.CloseReason)
}

// Relay is a minimal relay. It honours the credit the client grants and grants
// credit back as soon as it has taken data off the transport.
type Relay struct {
	RelayConfig

	peer   *Peer
	client multiplex.Info

	mu         sync.Mutex
	cond       *sync.Cond
	streams    map[uint32]*relayStream
	connCredit uint32
	connects   []multiplex.ConnectPayload
	closed     bool
}

type relayStream struct {
	id     uint32
	kind   multiplex.StreamKind
	conn   net.Conn
	credit uint32

	// queue holds client data not yet written upstream
	queue   [][]byte
	closing bool

	sendM     sync.Mutex
	sentClose bool
}

func NewRelay(tr Transport, config RelayConfig) *Relay {
	if config.Info.Major == 0 {
		config.Info = DefaultInfo()
	}
	r := &Relay{
		RelayConfig: config,
		peer:        NewPeer(tr),
		streams:     map[uint32]*relayStream{},
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Serve runs the relay until the transport closes
func (r *Relay) Serve(ctx context.Context) error {
	defer r.shutdown()
	client, err := r.peer.Handshake(ctx, r.Info)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.client = client
	r.connCredit = client.ConnWindow
	r.mu.Unlock()

	for {
		f, err := r.peer.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		if err := r.handle(ctx, f); err != nil {
			return err
		}
	}
}

func (r *Relay) shutdown() {
	r.mu.Lock()
	r.closed = true
	for _, st := range r.streams {
		if st.conn != nil {
			st.conn.Close()
		}
	}
	r.cond.Broadcast()
	r.mu.Unlock()
	r.peer.Close()
}

func (r *Relay) handle(ctx context.Context, f multiplex.Frame) error {
	switch f.Type {
	case multiplex.FrameConnect:
		c, err := multiplex.ParseConnect(f.Payload)
		if err != nil {
			return err
		}
		return r.connect(ctx, f.StreamID, c)
	case multiplex.FrameData:
		if len(f.Payload) == 0 {
			return nil
		}
		r.mu.Lock()
		st, ok := r.streams[f.StreamID]
		if ok {
			st.queue = append(st.queue, f.Payload)
			r.cond.Broadcast()
		}
		r.mu.Unlock()
		if !ok {
			// the stream was refused or closed and the client has not heard yet
			return nil
		}
		n := uint32(len(f.Payload))
		return r.peer.Send(ctx,
			multiplex.Frame{StreamID: f.StreamID, Type: multiplex.FrameContinue, Payload: multiplex.MarshalContinue(n)},
			multiplex.Frame{StreamID: 0, Type: multiplex.FrameContinue, Payload: multiplex.MarshalContinue(n)},
		)
	case multiplex.FrameContinue:
		credit, err := multiplex.ParseContinue(f.Payload)
		if err != nil {
			return err
		}
		r.mu.Lock()
		if f.StreamID == 0 {
			r.connCredit += credit
		} else if st, ok := r.streams[f.StreamID]; ok {
			st.credit += credit
		}
		r.cond.Broadcast()
		r.mu.Unlock()
		return nil
	case multiplex.FrameClose:
		r.mu.Lock()
		st, ok := r.streams[f.StreamID]
		if ok {
			delete(r.streams, f.StreamID)
		}
		r.mu.Unlock()
		if ok {
			r.closeStream(ctx, st, multiplex.ReasonNormal)
		}
		return nil
	default:
		return fmt.Errorf("unexpected %v frame from client", f.Type)
	}
}

func (r *Relay) connect(ctx context.Context, id uint32, c multiplex.ConnectPayload) error {
	r.mu.Lock()
	r.connects = append(r.connects, c)
	_, dup := r.streams[id]
	r.mu.Unlock()
	if dup {
		return fmt.Errorf("stream %v opened twice", id)
	}
	if c.Kind == multiplex.KindUDP && !r.Info.HasExtension(multiplex.ExtensionUDP) {
		return r.peer.SendClose(ctx, id, multiplex.ReasonInvalidInfo)
	}

	var conn net.Conn
	if r.Dial != nil {
		var reason multiplex.CloseReason
		conn, reason = r.Dial(c)
		if reason != multiplex.ReasonNormal {
			return r.peer.SendClose(ctx, id, reason)
		}
	}
	st := &relayStream{id: id, kind: c.Kind, conn: conn}
	r.mu.Lock()
	st.credit = r.client.StreamWindow
	r.streams[id] = st
	r.mu.Unlock()

	// an empty DATA frame acknowledges the stream
	if err := r.peer.SendData(ctx, id, nil); err != nil {
		return err
	}
	go r.pumpUpstream(ctx, st)
	if conn != nil {
		go r.pumpDownstream(ctx, st)
	}
	return nil
}

// pumpUpstream writes client data to the target, or back to the client when
// echoing
func (r *Relay) pumpUpstream(ctx context.Context, st *relayStream) {
	for {
		r.mu.Lock()
		for len(st.queue) == 0 && !st.closing && !r.closed {
			r.cond.Wait()
		}
		if st.closing || r.closed {
			r.mu.Unlock()
			return
		}
		p := st.queue[0]
		st.queue = st.queue[1:]
		r.mu.Unlock()

		if st.conn == nil {
			if r.sendData(ctx, st, p) != nil {
				return
			}
			continue
		}
		if _, err := st.conn.Write(p); err != nil {
			r.relayClose(ctx, st, multiplex.ReasonNetworkError)
			return
		}
	}
}

// pumpDownstream forwards what the target sends
func (r *Relay) pumpDownstream(ctx context.Context, st *relayStream) {
	buf := make([]byte, 32<<10)
	for {
		n, err := st.conn.Read(buf)
		if n > 0 {
			if r.sendData(ctx, st, buf[:n]) != nil {
				return
			}
		}
		if err != nil {
			r.relayClose(ctx, st, multiplex.ReasonNormal)
			return
		}
	}
}

// sendData sends p within the credit the client granted. Datagrams are sent
// whole.
func (r *Relay) sendData(ctx context.Context, st *relayStream, p []byte) error {
	st.sendM.Lock()
	defer st.sendM.Unlock()
	for len(p) > 0 {
		r.mu.Lock()
		limit := r.client.MaxPayload
		if r.Info.MaxPayload < limit {
			limit = r.Info.MaxPayload
		}
		for !st.closing && !r.closed && !st.sentClose && !r.fits(st, uint32(len(p))) {
			r.cond.Wait()
		}
		if st.closing || r.closed || st.sentClose {
			r.mu.Unlock()
			return errStreamGone
		}
		n := uint32(len(p))
		if st.kind == multiplex.KindTCP {
			n = min(n, st.credit, r.connCredit, limit)
		}
		st.credit -= n
		r.connCredit -= n
		r.mu.Unlock()

		if err := r.peer.SendData(ctx, st.id, p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// fits reports whether n bytes can go out now. Called with mu held.
func (r *Relay) fits(st *relayStream, n uint32) bool {
	if st.kind == multiplex.KindUDP {
		return st.credit >= n && r.connCredit >= n
	}
	return st.credit > 0 && r.connCredit > 0
}

// closeStream answers a client CLOSE
func (r *Relay) closeStream(ctx context.Context, st *relayStream, reason multiplex.CloseReason) {
	r.mu.Lock()
	st.closing = true
	r.cond.Broadcast()
	r.mu.Unlock()
	if st.conn != nil {
		st.conn.Close()
	}

	st.sendM.Lock()
	defer st.sendM.Unlock()
	if !st.sentClose {
		st.sentClose = true
		r.peer.SendClose(ctx, st.id, reason)
	}
}

// relayClose closes a stream from the relay side. After a normal close the
// stream stays registered until the client answers with its own CLOSE.
func (r *Relay) relayClose(ctx context.Context, st *relayStream, reason multiplex.CloseReason) {
	st.sendM.Lock()
	defer st.sendM.Unlock()
	r.mu.Lock()
	_, live := r.streams[st.id]
	if live && reason != multiplex.ReasonNormal {
		// an abnormal close ends the stream without an answer from the client
		delete(r.streams, st.id)
	}
	r.mu.Unlock()
	if live && !st.sentClose {
		st.sentClose = true
		r.peer.SendClose(ctx, st.id, reason)
	}
}

// CloseStream makes the relay close stream id with reason
func (r *Relay) CloseStream(ctx context.Context, id uint32, reason multiplex.CloseReason) {
	r.mu.Lock()
	st, ok := r.streams[id]
	r.mu.Unlock()
	if ok {
		r.relayClose(ctx, st, reason)
	}
}

// Connects returns every CONNECT received so far
func (r *Relay) Connects() []multiplex.ConnectPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]multiplex.ConnectPayload(nil), r.connects...)
}

// StreamCount returns the number of streams the relay considers open
func (r *Relay) StreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// ClientInfo returns what the client advertised
func (r *Relay) ClientInfo() multiplex.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}
