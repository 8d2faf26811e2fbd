package multiplex

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrSessionClosed is matched by every error a stream reports after the
	// session it belongs to has ended
	ErrSessionClosed = errors.New("session closed")
	ErrStreamClosed  = errors.New("stream closed")
	ErrUnknownStream = errors.New("unknown stream")
	// ErrNeedMoreData is returned by Decoder.Next when the buffered bytes do not
	// yet hold a whole frame
	ErrNeedMoreData = errors.New("need more data")

	// ErrTimeout is returned by reads and writes past their deadline
	ErrTimeout          = os.ErrDeadlineExceeded
	errDatagramTooLarge = errors.New("datagram larger than what the relay accepts")
	errUDPUnsupported   = errors.New("relay does not support UDP streams")
)

// ProtocolError is a violation of the framing protocol by the relay, or a
// frame that could not be decoded. It is fatal to the session.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(format string, a ...interface{}) *ProtocolError {
	return &ProtocolError{Err: fmt.Errorf(format, a...)}
}

// TransportError is an I/O failure of the physical connection. It is fatal to
// the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// StreamError is a failure of one stream, usually reported by the relay
type StreamError struct {
	StreamID uint32
	Reason   CloseReason
	// Err is set when the stream failed on this side instead
	Err error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream %v: %v", e.StreamID, e.Err)
	}
	return fmt.Sprintf("stream %v closed by relay: %v", e.StreamID, e.Reason)
}

func (e *StreamError) Unwrap() error { return e.Err }

// SessionError is what streams see once their session has terminated. It
// matches ErrSessionClosed and unwraps to the cause.
type SessionError struct {
	Cause error
}

func (e *SessionError) Error() string {
	if e.Cause == nil {
		return ErrSessionClosed.Error()
	}
	return ErrSessionClosed.Error() + ": " + e.Cause.Error()
}

func (e *SessionError) Is(target error) bool { return target == ErrSessionClosed }
func (e *SessionError) Unwrap() error        { return e.Cause }

// creditViolation means the multiplexer itself tried to send beyond the credit
// it was granted
type creditViolation struct {
	streamID     uint32
	n            int
	streamCredit uint32
	connCredit   uint32
}

func (c creditViolation) Error() string {
	return fmt.Sprintf("credit violation on stream %v: sending %v bytes with stream credit %v and connection credit %v",
		c.streamID, c.n, c.streamCredit, c.connCredit)
}
