package multiplex

import (
	"io"
	"time"
)

// recvBuffer holds bytes the relay sent on a stream until the adapter reads
// them. Writes never block: the stream window bounds how much can be queued.
type recvBuffer interface {
	io.Reader
	// Write queues one DATA payload. It returns io.ErrClosedPipe once the
	// reading side has been closed locally.
	Write([]byte) error
	// CloseWithError lets readers drain what is queued, then return err
	CloseWithError(err error)
	// closeLocal discards queued bytes and fails further reads. It returns
	// the number of bytes discarded.
	closeLocal() int
	SetReadDeadline(t time.Time)
}

func newRecvBuffer(kind StreamKind) recvBuffer {
	if kind == KindUDP {
		return NewDatagramBufferedPipe()
	}
	return NewStreamBufferedPipe()
}
