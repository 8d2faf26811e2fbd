package transport

import (
	"context"
	"io"
	"net"
	"sync"
)

const streamReadSize = 32 << 10

// StreamTransport runs over a plain byte stream. Message boundaries are not
// kept: Receive returns whatever arrived, and the session reassembles frames.
type StreamTransport struct {
	rwc  io.ReadWriteCloser
	addr net.Addr

	writeM sync.Mutex

	recvCh  chan []byte
	readErr error
	// readDone is closed after readErr is set
	readDone chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	// onClose runs before rwc is closed
	onClose func()
}

// NewStreamTransport takes ownership of rwc. addr is what RemoteAddr reports
// and may be nil.
func NewStreamTransport(rwc io.ReadWriteCloser, addr net.Addr) *StreamTransport {
	st := &StreamTransport{
		rwc:      rwc,
		addr:     addr,
		recvCh:   make(chan []byte),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go st.readLoop()
	return st
}

func (st *StreamTransport) readLoop() {
	defer close(st.readDone)
	for {
		buf := make([]byte, streamReadSize)
		n, err := st.rwc.Read(buf)
		if n > 0 {
			select {
			case st.recvCh <- buf[:n]:
			case <-st.closed:
				st.readErr = io.ErrClosedPipe
				return
			}
		}
		if err != nil {
			st.readErr = err
			return
		}
	}
}

func (st *StreamTransport) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.writeM.Lock()
	defer st.writeM.Unlock()
	_, err := st.rwc.Write(msg)
	return err
}

func (st *StreamTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-st.recvCh:
		return msg, nil
	case <-st.readDone:
		return nil, st.readErr
	case <-st.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (st *StreamTransport) MessageOriented() bool { return false }

func (st *StreamTransport) RemoteAddr() net.Addr { return st.addr }

func (st *StreamTransport) Close() error {
	var err error
	st.closeOnce.Do(func() {
		close(st.closed)
		if st.onClose != nil {
			st.onClose()
		}
		err = st.rwc.Close()
	})
	return err
}

// fileAddr names a device or command a StreamTransport runs over
type fileAddr string

func (a fileAddr) Network() string { return "pty" }
func (a fileAddr) String() string  { return string(a) }
