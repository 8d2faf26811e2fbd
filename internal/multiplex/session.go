package multiplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultStreamWindow      = 256 << 10
	defaultConnWindow        = 1 << 20
	defaultContinueThreshold = 0.5
	defaultHandshakeTimeout  = 10 * time.Second
)

var errClosedLocally = errors.New("closed locally")

// Transport is the physical connection to the relay. Send and Receive are
// each called from a single goroutine.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	// MessageOriented reports whether each received message holds a whole
	// number of frames
	MessageOriented() bool
	Close() error
}

type SessionConfig struct {
	// MaxFramePayload is the largest payload this side accepts in a frame, and
	// the largest it sends
	MaxFramePayload int

	// StreamWindow is the credit each stream starts with on the relay side, i.e.
	// how many bytes the relay may send on a stream before hearing back
	StreamWindow uint32

	// ConnWindow bounds the bytes in flight from the relay across all streams
	ConnWindow uint32

	// ContinueThreshold is the fraction of a window that has to be freed before
	// credit is granted back with a CONTINUE frame
	ContinueThreshold float64

	// HandshakeTimeout bounds the INFO exchange
	HandshakeTimeout time.Duration

	// Extensions are advertised to the relay in addition to UDP
	Extensions []Extension
}

func (c *SessionConfig) setDefaults() error {
	if c.MaxFramePayload <= 0 {
		c.MaxFramePayload = DefaultMaxFramePayload
	}
	if c.MaxFramePayload > maxFramePayloadCeiling {
		return fmt.Errorf("max frame payload %v is above %v", c.MaxFramePayload, maxFramePayloadCeiling)
	}
	if c.StreamWindow == 0 {
		c.StreamWindow = defaultStreamWindow
	}
	if c.ConnWindow == 0 {
		c.ConnWindow = defaultConnWindow
	}
	if c.ContinueThreshold == 0 {
		c.ContinueThreshold = defaultContinueThreshold
	}
	if c.ContinueThreshold < 0 || c.ContinueThreshold > 1 {
		return fmt.Errorf("continue threshold %v is not within (0, 1]", c.ContinueThreshold)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	return nil
}

// threshold returns how many freed bytes of window trigger a grant. It is at
// least 1 so that a tiny window still gets credit back.
func threshold(window uint32, fraction float64) uint32 {
	t := uint32(float64(window) * fraction)
	if t == 0 {
		t = 1
	}
	return t
}

// A Session multiplexes logical streams over one Transport. A single loop
// goroutine owns the stream registry and all credit counters; a reader
// goroutine decodes frames from the Transport and a writer goroutine is the
// only one that ever sends on it. Everything else talks to the loop through
// requests.
type Session struct {
	SessionConfig

	transport Transport
	fr        *frameReader

	reqCh   chan interface{}
	inCh    chan Frame
	writeCh chan [][]byte
	fatalCh chan error
	closeCh chan struct{}

	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// err is the cause of termination. Written before done is closed.
	err error

	// negotiated during the handshake, read-only afterwards
	peer           Info
	maxSendPayload int
	established    time.Time

	// the fields below belong to the loop goroutine
	reg            *streamRegistry
	connSendCredit uint32
	connRecvWindow uint32
	connUnacked    uint32
	streamGrantAt  uint32
	connGrantAt    uint32
	outq           [][]byte
	stalled        []uint32

	counters counters
}

// NewSession performs the INFO handshake over transport and starts
// multiplexing. ctx only bounds the handshake. On failure transport is closed.
func NewSession(ctx context.Context, transport Transport, config SessionConfig) (*Session, error) {
	if err := config.setDefaults(); err != nil {
		transport.Close()
		return nil, err
	}
	sesh := &Session{
		SessionConfig: config,
		transport:     transport,
		reqCh:         make(chan interface{}),
		inCh:          make(chan Frame),
		writeCh:       make(chan [][]byte),
		fatalCh:       make(chan error, 2),
		closeCh:       make(chan struct{}),
		done:          make(chan struct{}),
		reg:           newStreamRegistry(),
	}
	sesh.fr = newFrameReader(transport, config.MaxFramePayload, &sesh.counters)
	sesh.streamGrantAt = threshold(config.StreamWindow, config.ContinueThreshold)
	sesh.connGrantAt = threshold(config.ConnWindow, config.ContinueThreshold)

	if err := sesh.handshake(ctx); err != nil {
		transport.Close()
		return nil, err
	}
	sesh.established = time.Now()
	log.Debugf("session established: relay protocol %v.%v, max payload %v, stream window %v, connection window %v",
		sesh.peer.Major, sesh.peer.Minor, sesh.maxSendPayload, sesh.peer.StreamWindow, sesh.peer.ConnWindow)

	sesh.ctx, sesh.cancel = context.WithCancel(context.Background())
	go sesh.readLoop()
	go sesh.writeLoop()
	go sesh.loop()
	return sesh, nil
}

func (sesh *Session) localInfo() Info {
	exts := append([]Extension{{ID: ExtensionUDP}}, sesh.Extensions...)
	return Info{
		Major:        ProtocolMajor,
		Minor:        ProtocolMinor,
		MaxPayload:   uint32(sesh.MaxFramePayload),
		StreamWindow: sesh.StreamWindow,
		ConnWindow:   sesh.ConnWindow,
		Extensions:   exts,
	}
}

func (sesh *Session) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sesh.HandshakeTimeout)
	defer cancel()

	payload, err := sesh.localInfo().Marshal()
	if err != nil {
		return err
	}
	msg := Frame{StreamID: controlStreamID, Type: FrameInfo, Payload: payload}.Marshal()
	if err := sesh.transport.Send(ctx, msg); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	sesh.counters.wireOut.Add(uint64(len(msg)))
	sesh.counters.framesOut.Add(1)

	f, err := sesh.fr.next(ctx)
	if err != nil {
		return err
	}
	sesh.counters.framesIn.Add(1)
	if f.StreamID != controlStreamID || f.Type != FrameInfo {
		return protocolErrorf("expected INFO on the control stream, got %v on stream %v", f.Type, f.StreamID)
	}
	peer, err := ParseInfo(f.Payload)
	if err != nil {
		return &ProtocolError{Err: err}
	}
	if peer.Major != ProtocolMajor {
		return protocolErrorf("relay speaks protocol %v.%v, want %v.x", peer.Major, peer.Minor, ProtocolMajor)
	}
	sesh.peer = peer
	sesh.maxSendPayload = sesh.MaxFramePayload
	if uint64(peer.MaxPayload) < uint64(sesh.maxSendPayload) {
		sesh.maxSendPayload = int(peer.MaxPayload)
	}
	sesh.connSendCredit = peer.ConnWindow
	sesh.connRecvWindow = sesh.ConnWindow
	return nil
}

// Peer returns the limits and extensions the relay advertised
func (sesh *Session) Peer() Info { return sesh.peer }

// Done is closed once the session has terminated
func (sesh *Session) Done() <-chan struct{} { return sesh.done }

// Err returns nil while the session is alive. Afterwards it returns a
// *SessionError carrying the cause of termination.
func (sesh *Session) Err() error {
	select {
	case <-sesh.done:
		return &SessionError{Cause: sesh.err}
	default:
		return nil
	}
}

func (sesh *Session) IsClosed() bool { return sesh.Err() != nil }

// RemoteAddr returns the relay's address if the transport knows it
func (sesh *Session) RemoteAddr() net.Addr {
	if a, ok := sesh.transport.(interface{ RemoteAddr() net.Addr }); ok {
		return a.RemoteAddr()
	}
	return nil
}

// Close ends the session. Every open stream terminates abnormally.
func (sesh *Session) Close() error {
	sesh.closeOnce.Do(func() { close(sesh.closeCh) })
	<-sesh.done
	return nil
}

// submit hands a request to the loop
func (sesh *Session) submit(ctx context.Context, req interface{}) error {
	select {
	case sesh.reqCh <- req:
		return nil
	case <-sesh.done:
		return sesh.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type openRequest struct {
	kind   StreamKind
	target Target
	reply  chan openResult
}

type openResult struct {
	stream *Stream
	err    error
}

type abortWriteRequest struct {
	req *writeRequest
	err error
}

type closeRequest struct {
	id     uint32
	gen    uint64
	reason CloseReason
	reply  chan struct{}
}

type consumedNotice struct {
	id  uint32
	gen uint64
	n   int
}

type lookupRequest struct {
	id    uint32
	reply chan *Stream
}

type snapshotRequest struct {
	reply chan []StreamInfo
}

// OpenStream registers a new stream and sends its CONNECT frame. It does not
// wait for the relay: a refused connection shows up as a *StreamError from
// Read or Write.
func (sesh *Session) OpenStream(ctx context.Context, kind StreamKind, target Target) (*Stream, error) {
	if kind != KindTCP && kind != KindUDP {
		return nil, fmt.Errorf("unknown stream kind %v", kind)
	}
	if err := target.validate(); err != nil {
		return nil, err
	}
	req := &openRequest{kind: kind, target: target, reply: make(chan openResult, 1)}
	if err := sesh.submit(ctx, req); err != nil {
		return nil, err
	}
	res := <-req.reply
	return res.stream, res.err
}

// Stream returns a handle for an open stream id
func (sesh *Session) Stream(id uint32) (*Stream, error) {
	req := &lookupRequest{id: id, reply: make(chan *Stream, 1)}
	if err := sesh.submit(context.Background(), req); err != nil {
		return nil, err
	}
	if s := <-req.reply; s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("stream %v: %w", id, ErrUnknownStream)
}

// Write sends p on stream id, suspending while credit is exhausted
func (sesh *Session) Write(ctx context.Context, id uint32, p []byte) (int, error) {
	return sesh.write(ctx, id, 0, p)
}

// Read reads what the relay sent on stream id
func (sesh *Session) Read(id uint32, p []byte) (int, error) {
	s, err := sesh.Stream(id)
	if err != nil {
		return 0, err
	}
	return s.Read(p)
}

// CloseStream sends CLOSE for stream id. Closing a closed or unknown stream
// does nothing.
func (sesh *Session) CloseStream(id uint32) error {
	return sesh.closeStream(id, 0, ReasonNormal)
}

// Streams returns a snapshot of every registered stream
func (sesh *Session) Streams() []StreamInfo {
	req := &snapshotRequest{reply: make(chan []StreamInfo, 1)}
	if err := sesh.submit(context.Background(), req); err != nil {
		return nil
	}
	return <-req.reply
}

func (sesh *Session) write(ctx context.Context, id uint32, gen uint64, p []byte) (int, error) {
	req := &writeRequest{id: id, gen: gen, data: p, reply: make(chan writeResult, 1)}
	if err := sesh.submit(ctx, req); err != nil {
		return 0, err
	}
	select {
	case res := <-req.reply:
		return res.n, res.err
	case <-ctx.Done():
		// every accepted request is answered exactly once, including by
		// session termination, so the reply below always arrives
		_ = sesh.submit(context.Background(), &abortWriteRequest{req: req, err: ctx.Err()})
		res := <-req.reply
		return res.n, res.err
	}
}

func (sesh *Session) closeStream(id uint32, gen uint64, reason CloseReason) error {
	req := &closeRequest{id: id, gen: gen, reason: reason, reply: make(chan struct{}, 1)}
	if err := sesh.submit(context.Background(), req); err != nil {
		// a terminated session has already closed everything
		return nil
	}
	<-req.reply
	return nil
}

func (sesh *Session) consumed(id uint32, gen uint64, n int) {
	_ = sesh.submit(context.Background(), &consumedNotice{id: id, gen: gen, n: n})
}

func (sesh *Session) loop() {
	for {
		var writeCh chan [][]byte
		if len(sesh.outq) > 0 {
			writeCh = sesh.writeCh
		}
		select {
		case req := <-sesh.reqCh:
			sesh.handleRequest(req)
		case f := <-sesh.inCh:
			sesh.counters.framesIn.Add(1)
			if err := sesh.handleFrame(f); err != nil {
				sesh.terminate(err)
				return
			}
		case writeCh <- sesh.outq:
			sesh.outq = nil
		case err := <-sesh.fatalCh:
			sesh.terminate(err)
			return
		case <-sesh.closeCh:
			sesh.terminate(errClosedLocally)
			return
		}
	}
}

func (sesh *Session) handleRequest(req interface{}) {
	switch req := req.(type) {
	case *openRequest:
		sesh.handleOpen(req)
	case *writeRequest:
		sesh.handleWrite(req)
	case *abortWriteRequest:
		if st, ok := sesh.reg.lookupGen(req.req.id, req.req.gen); ok && st.removeWrite(req.req) {
			req.req.finish(req.err)
		}
	case *closeRequest:
		sesh.handleClose(req)
		req.reply <- struct{}{}
	case *consumedNotice:
		if st, ok := sesh.reg.lookupGen(req.id, req.gen); ok {
			sesh.returnCredit(st, uint32(req.n))
		}
	case *lookupRequest:
		if st, ok := sesh.reg.lookup(req.id); ok {
			req.reply <- sesh.handleFor(st)
		} else {
			req.reply <- nil
		}
	case *snapshotRequest:
		infos := make([]StreamInfo, 0, sesh.reg.len())
		sesh.reg.each(func(st *streamState) { infos = append(infos, st.info()) })
		req.reply <- infos
	default:
		panic(fmt.Sprintf("unknown request %T", req))
	}
}

func (sesh *Session) handleFor(st *streamState) *Stream {
	return &Stream{
		sesh:    sesh,
		id:      st.id,
		gen:     st.gen,
		kind:    st.kind,
		target:  st.target,
		recvBuf: st.recvBuf,
	}
}

func (sesh *Session) handleOpen(req *openRequest) {
	if req.kind == KindUDP && !sesh.peer.HasExtension(ExtensionUDP) {
		req.reply <- openResult{err: &StreamError{Reason: ReasonInvalidInfo, Err: errUDPUnsupported}}
		return
	}
	payload, err := ConnectPayload{Kind: req.kind, Target: req.target}.Marshal()
	if err != nil {
		req.reply <- openResult{err: err}
		return
	}
	id, gen, err := sesh.reg.allocate()
	if err != nil {
		req.reply <- openResult{err: err}
		return
	}
	st := newStreamState(id, gen, req.kind, req.target, sesh.peer.StreamWindow, sesh.StreamWindow)
	sesh.reg.insert(st)
	sesh.enqueue(Frame{StreamID: id, Type: FrameConnect, Payload: payload})
	sesh.counters.opened.Add(1)
	sesh.counters.open.Add(1)
	log.Tracef("stream %v opened to %v %v", id, req.kind, req.target)
	req.reply <- openResult{stream: sesh.handleFor(st)}
}

func (sesh *Session) handleWrite(req *writeRequest) {
	st, ok := sesh.reg.lookupGen(req.id, req.gen)
	if !ok {
		req.finish(fmt.Errorf("stream %v: %w", req.id, ErrStreamClosed))
		return
	}
	if !st.state.canSend() {
		req.finish(fmt.Errorf("stream %v is %v: %w", st.id, st.state, ErrStreamClosed))
		return
	}
	// an empty DATA frame would only acknowledge the stream
	if len(req.data) == 0 {
		req.finish(nil)
		return
	}
	if st.kind == KindUDP {
		n := len(req.data)
		if n > sesh.maxSendPayload || uint32(n) > sesh.peer.StreamWindow || uint32(n) > sesh.peer.ConnWindow {
			req.finish(fmt.Errorf("%v bytes: %w", n, errDatagramTooLarge))
			return
		}
	}
	st.writes = append(st.writes, req)
	sesh.pump(st)
}

// pump frames queued writes of st for as long as credit lasts
func (sesh *Session) pump(st *streamState) {
	for len(st.writes) > 0 {
		req := st.writes[0]
		if st.kind == KindUDP {
			// a datagram goes out whole or not at all
			need := uint32(len(req.data))
			if need > st.sendCredit || need > sesh.connSendCredit {
				sesh.park(st)
				return
			}
			sesh.sendData(st, req.data)
			req.n = len(req.data)
			req.data = nil
		} else {
			for len(req.data) > 0 {
				n := sesh.sendable(st, len(req.data))
				if n == 0 {
					sesh.park(st)
					return
				}
				sesh.sendData(st, req.data[:n])
				req.data = req.data[n:]
				req.n += n
			}
		}
		st.writes = st.writes[1:]
		req.finish(nil)
	}
	st.stalled = false
}

func (sesh *Session) sendable(st *streamState, want int) int {
	n := want
	if n > sesh.maxSendPayload {
		n = sesh.maxSendPayload
	}
	if uint64(n) > uint64(st.sendCredit) {
		n = int(st.sendCredit)
	}
	if uint64(n) > uint64(sesh.connSendCredit) {
		n = int(sesh.connSendCredit)
	}
	return n
}

func (sesh *Session) sendData(st *streamState, p []byte) {
	n := uint32(len(p))
	if uint64(len(p)) > uint64(st.sendCredit) || n > sesh.connSendCredit || len(p) > sesh.maxSendPayload {
		panic(creditViolation{streamID: st.id, n: len(p), streamCredit: st.sendCredit, connCredit: sesh.connSendCredit})
	}
	st.sendCredit -= n
	sesh.connSendCredit -= n
	st.bytesOut += uint64(n)
	sesh.counters.bytesOut.Add(uint64(n))
	sesh.enqueue(Frame{StreamID: st.id, Type: FrameData, Payload: p})
}

// park puts st at the back of the stall queue
func (sesh *Session) park(st *streamState) {
	if !st.stalled {
		st.stalled = true
		sesh.stalled = append(sesh.stalled, st.id)
		sesh.counters.stalls.Add(1)
	}
}

// resumeStalled gives every stalled stream a turn, in the order they stalled.
// Streams that run out of credit again go to the back of the queue.
func (sesh *Session) resumeStalled() {
	queue := sesh.stalled
	sesh.stalled = nil
	for _, id := range queue {
		st, ok := sesh.reg.lookup(id)
		if !ok || !st.stalled {
			continue
		}
		st.stalled = false
		sesh.pump(st)
	}
}

func (sesh *Session) handleClose(req *closeRequest) {
	st, ok := sesh.reg.lookupGen(req.id, req.gen)
	if !ok {
		return
	}
	switch st.state {
	case StateConnecting, StateOpen:
		st.failWrites(fmt.Errorf("stream %v: %w", st.id, ErrStreamClosed))
		sesh.enqueue(Frame{StreamID: st.id, Type: FrameClose, Payload: MarshalClose(req.reason)})
		st.state = StateClosingLocal
		log.Tracef("stream %v closing locally", st.id)
	case StateClosingRemote:
		st.failWrites(fmt.Errorf("stream %v: %w", st.id, ErrStreamClosed))
		sesh.enqueue(Frame{StreamID: st.id, Type: FrameClose, Payload: MarshalClose(req.reason)})
		sesh.finish(st)
	}
}

// finish removes a stream whose both directions are done
func (sesh *Session) finish(st *streamState) {
	st.state = StateClosed
	sesh.reg.remove(st.id)
	sesh.counters.open.Add(-1)
	log.Tracef("stream %v to %v closed after %v: %v bytes in, %v bytes out",
		st.id, st.target, time.Since(st.opened).Round(time.Millisecond), st.bytesIn, st.bytesOut)
}

// fail ends a stream the relay reported as failed. The relay's CLOSE ends
// both directions, so no CLOSE is sent back.
func (sesh *Session) fail(st *streamState, err *StreamError) {
	st.recvBuf.CloseWithError(err)
	st.failWrites(err)
	sesh.counters.failed.Add(1)
	log.Debugf("stream %v to %v failed: %v", st.id, st.target, err.Reason)
	sesh.finish(st)
}

// returnCredit records n bytes of st's buffer as freed and grants them back
// to the relay once the threshold is reached
func (sesh *Session) returnCredit(st *streamState, n uint32) {
	st.unacked += n
	if st.unacked < sesh.streamGrantAt || !st.state.peerCanSend() {
		return
	}
	sesh.enqueue(Frame{StreamID: st.id, Type: FrameContinue, Payload: MarshalContinue(st.unacked)})
	st.recvWindow += st.unacked
	st.unacked = 0
}

// delivered counts n bytes handed to a stream buffer against the connection
// window. Connection credit is returned on delivery rather than consumption so
// that a stream nobody reads only ever holds its own window.
func (sesh *Session) delivered(n uint32) {
	sesh.connUnacked += n
	if sesh.connUnacked < sesh.connGrantAt {
		return
	}
	sesh.enqueue(Frame{StreamID: controlStreamID, Type: FrameContinue, Payload: MarshalContinue(sesh.connUnacked)})
	sesh.connRecvWindow += sesh.connUnacked
	sesh.connUnacked = 0
}

func (sesh *Session) handleFrame(f Frame) error {
	if f.StreamID == controlStreamID {
		if f.Type != FrameContinue {
			return protocolErrorf("unexpected %v frame on the control stream", f.Type)
		}
		credit, err := ParseContinue(f.Payload)
		if err != nil {
			return &ProtocolError{Err: err}
		}
		if uint64(sesh.connSendCredit)+uint64(credit) > math.MaxUint32 {
			return protocolErrorf("connection credit overflow")
		}
		sesh.connSendCredit += credit
		sesh.resumeStalled()
		return nil
	}

	st, ok := sesh.reg.lookup(f.StreamID)
	if !ok {
		return protocolErrorf("%v frame for unknown stream %v", f.Type, f.StreamID)
	}
	switch f.Type {
	case FrameData:
		return sesh.handleData(st, f.Payload)
	case FrameContinue:
		credit, err := ParseContinue(f.Payload)
		if err != nil {
			return &ProtocolError{Err: fmt.Errorf("stream %v: %w", st.id, err)}
		}
		if uint64(st.sendCredit)+uint64(credit) > math.MaxUint32 {
			return protocolErrorf("stream %v credit overflow", st.id)
		}
		sesh.acknowledge(st)
		st.sendCredit += credit
		if len(st.writes) > 0 {
			sesh.pump(st)
		}
		return nil
	case FrameClose:
		reason, err := ParseClose(f.Payload)
		if err != nil {
			return &ProtocolError{Err: fmt.Errorf("stream %v: %w", st.id, err)}
		}
		return sesh.handleRemoteClose(st, reason)
	default:
		return protocolErrorf("unexpected %v frame on stream %v", f.Type, st.id)
	}
}

func (sesh *Session) acknowledge(st *streamState) {
	if st.state == StateConnecting {
		st.state = StateOpen
		log.Tracef("stream %v to %v acknowledged by relay", st.id, st.target)
	}
}

func (sesh *Session) handleData(st *streamState, payload []byte) error {
	if !st.state.peerCanSend() {
		return protocolErrorf("DATA on stream %v after the relay closed it", st.id)
	}
	sesh.acknowledge(st)
	n := uint32(len(payload))
	if n > st.recvWindow {
		return protocolErrorf("relay sent %v bytes on stream %v holding %v credit", n, st.id, st.recvWindow)
	}
	if n > sesh.connRecvWindow {
		return protocolErrorf("relay sent %v bytes holding %v connection credit", n, sesh.connRecvWindow)
	}
	if n == 0 {
		return nil
	}
	st.recvWindow -= n
	sesh.connRecvWindow -= n
	st.bytesIn += uint64(n)
	sesh.counters.bytesIn.Add(uint64(n))
	if err := st.recvBuf.Write(payload); err != nil {
		// nobody reads this stream anymore: drop the bytes and free their credit
		sesh.returnCredit(st, n)
	}
	sesh.delivered(n)
	return nil
}

func (sesh *Session) handleRemoteClose(st *streamState, reason CloseReason) error {
	switch st.state {
	case StateConnecting:
		sesh.fail(st, &StreamError{StreamID: st.id, Reason: reason})
	case StateOpen:
		if reason != ReasonNormal {
			sesh.fail(st, &StreamError{StreamID: st.id, Reason: reason})
			return nil
		}
		st.state = StateClosingRemote
		st.recvBuf.CloseWithError(io.EOF)
		log.Tracef("stream %v closed by relay", st.id)
	case StateClosingLocal:
		if reason != ReasonNormal {
			st.recvBuf.CloseWithError(&StreamError{StreamID: st.id, Reason: reason})
		} else {
			st.recvBuf.CloseWithError(io.EOF)
		}
		sesh.finish(st)
	default:
		return protocolErrorf("duplicate CLOSE on stream %v", st.id)
	}
	return nil
}

func (sesh *Session) enqueue(f Frame) {
	sesh.outq = append(sesh.outq, f.Marshal())
	sesh.counters.framesOut.Add(1)
}

// terminate force-closes every stream and tears the session down. It runs on
// the loop goroutine, which exits right after.
func (sesh *Session) terminate(cause error) {
	if cause == errClosedLocally {
		log.Debugf("session closing with %v open streams", sesh.reg.len())
	} else {
		log.Errorf("session failed with %v open streams: %v", sesh.reg.len(), cause)
	}
	sesh.err = cause
	serr := &SessionError{Cause: cause}
	sesh.reg.each(func(st *streamState) {
		st.recvBuf.CloseWithError(serr)
		st.failWrites(serr)
		st.state = StateClosed
		sesh.reg.remove(st.id)
	})
	sesh.counters.open.Store(0)
	sesh.outq = nil
	sesh.stalled = nil
	sesh.cancel()
	sesh.transport.Close()
	close(sesh.done)
}

func (sesh *Session) reportFatal(err error) {
	select {
	case sesh.fatalCh <- err:
	default:
	}
}

func (sesh *Session) readLoop() {
	for {
		f, err := sesh.fr.next(sesh.ctx)
		if err != nil {
			if sesh.ctx.Err() == nil {
				sesh.reportFatal(err)
			}
			return
		}
		select {
		case sesh.inCh <- f:
		case <-sesh.ctx.Done():
			return
		}
	}
}

func (sesh *Session) writeLoop() {
	limit := FrameHeaderLength + sesh.maxSendPayload
	for {
		select {
		case <-sesh.ctx.Done():
			return
		case frames := <-sesh.writeCh:
			for _, msg := range coalesce(frames, limit) {
				if sesh.ctx.Err() != nil {
					return
				}
				if err := sesh.transport.Send(sesh.ctx, msg); err != nil {
					if sesh.ctx.Err() == nil {
						sesh.reportFatal(&TransportError{Op: "send", Err: err})
					}
					return
				}
				sesh.counters.wireOut.Add(uint64(len(msg)))
			}
		}
	}
}

// coalesce packs consecutive frames into messages of at most limit bytes. A
// frame is never split.
func coalesce(frames [][]byte, limit int) [][]byte {
	if len(frames) <= 1 {
		return frames
	}
	msgs := make([][]byte, 0, len(frames))
	var cur []byte
	for _, f := range frames {
		if len(cur) > 0 && len(cur)+len(f) > limit {
			msgs = append(msgs, cur)
			cur = nil
		}
		if cur == nil {
			cur = f
			continue
		}
		cur = append(cur[:len(cur):len(cur)], f...)
	}
	if cur != nil {
		msgs = append(msgs, cur)
	}
	return msgs
}
