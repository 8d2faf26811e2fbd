package tunnel

import (
	"io"
	"time"
)

const (
	// bufSize holds the largest UDP datagram
	bufSize = 64 << 10
	// maxBufSize holds the largest frame payload a session accepts
	maxBufSize = 16 << 20
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeCloser interface {
	CloseWrite() error
}

// copyConn copies src to dst one Read at a time, so each datagram read is
// written whole. When idle is set and src supports deadlines, a Read that
// waits longer than idle fails with a timeout. A datagram source that
// reports io.ErrShortBuffer keeps the datagram, so the buffer grows and the
// Read is retried.
func copyConn(dst io.Writer, src io.Reader, idle time.Duration) (written int64, err error) {
	buf := make([]byte, bufSize)
	rd, _ := src.(readDeadliner)
	for {
		if idle != 0 && rd != nil {
			if err = rd.SetReadDeadline(time.Now().Add(idle)); err != nil {
				return
			}
		}
		nr, er := src.Read(buf)
		if er == io.ErrShortBuffer && nr == 0 && len(buf) < maxBufSize {
			buf = make([]byte, min(2*len(buf), maxBufSize))
			continue
		}
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if ew != nil {
				err = ew
				return
			}
			if nr != nw {
				err = io.ErrShortWrite
				return
			}
		}
		if er != nil {
			if er != io.EOF {
				err = er
			}
			return
		}
	}
}
