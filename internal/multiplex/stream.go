package multiplex

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"
)

// Stream is a handle on one logical connection through the relay. It is a
// net.Conn; for UDP streams each Read and Write carries exactly one datagram.
//
// Handles are cheap and several may exist for the same stream. They all stop
// working once the stream is closed, even if its id is later reused.
type Stream struct {
	sesh   *Session
	id     uint32
	gen    uint64
	kind   StreamKind
	target Target

	recvBuf recvBuffer

	deadlineM sync.Mutex
	wDeadline time.Time
}

func (s *Stream) ID() uint32        { return s.id }
func (s *Stream) Kind() StreamKind  { return s.kind }
func (s *Stream) Target() Target    { return s.target }
func (s *Stream) Session() *Session { return s.sesh }

// Read reads what the relay sent. After the relay closes the stream normally
// it returns io.EOF once everything queued has been read.
func (s *Stream) Read(buf []byte) (n int, err error) {
	n, err = s.recvBuf.Read(buf)
	if n > 0 {
		s.sesh.consumed(s.id, s.gen, n)
	}
	return n, err
}

// Write blocks until all of p has been framed or the write deadline passes.
// A short count comes with an error.
func (s *Stream) Write(p []byte) (int, error) {
	s.deadlineM.Lock()
	deadline := s.wDeadline
	s.deadlineM.Unlock()

	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	n, err := s.WriteContext(ctx, p)
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrTimeout
	}
	return n, err
}

// WriteContext is Write bounded by ctx instead of the write deadline
func (s *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	return s.sesh.write(ctx, s.id, s.gen, p)
}

// CloseWrite tells the relay nothing more will be sent. Data the relay still
// sends can be read until it closes its side.
func (s *Stream) CloseWrite() error {
	return s.sesh.closeStream(s.id, s.gen, ReasonNormal)
}

// CloseWithReason closes the stream, telling the relay why
func (s *Stream) CloseWithReason(reason CloseReason) error {
	if discarded := s.recvBuf.closeLocal(); discarded > 0 {
		s.sesh.consumed(s.id, s.gen, discarded)
	}
	return s.sesh.closeStream(s.id, s.gen, reason)
}

// Close discards anything unread and closes the stream. Closing twice is fine.
func (s *Stream) Close() error {
	return s.CloseWithReason(ReasonNormal)
}

func (s *Stream) LocalAddr() net.Addr {
	return streamAddr{network: s.kind.network(), addr: "stream-" + strconv.FormatUint(uint64(s.id), 10)}
}

// RemoteAddr is the target the relay connected the stream to
func (s *Stream) RemoteAddr() net.Addr {
	return streamAddr{network: s.kind.network(), addr: s.target.String()}
}

func (s *Stream) SetDeadline(t time.Time) error {
	s.SetReadDeadline(t)
	s.SetWriteDeadline(t)
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.recvBuf.SetReadDeadline(t)
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.deadlineM.Lock()
	s.wDeadline = t
	s.deadlineM.Unlock()
	return nil
}

type streamAddr struct {
	network string
	addr    string
}

func (a streamAddr) Network() string { return a.network }
func (a streamAddr) String() string  { return a.addr }
