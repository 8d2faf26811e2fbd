// Package muxtest provides an in-memory transport and a relay that speaks the
// relay side of the multiplexing protocol, for tests.
package muxtest

import (
	"context"
	"io"
	"net"
	"sync"
)

// PipeTransport is one end of an in-memory message-oriented transport
type PipeTransport struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
	name   string
}

// Pipe returns two connected transports. Closing either closes both.
func Pipe() (client, relay *PipeTransport) {
	c2r := make(chan []byte, 64)
	r2c := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	client = &PipeTransport{in: r2c, out: c2r, closed: closed, once: once, name: "relay"}
	relay = &PipeTransport{in: c2r, out: r2c, closed: closed, once: once, name: "client"}
	return
}

func (p *PipeTransport) Send(ctx context.Context, msg []byte) error {
	buf := make([]byte, len(msg))
	copy(buf, msg)
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeTransport) MessageOriented() bool { return true }

func (p *PipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// Closed is closed once either end has been closed
func (p *PipeTransport) Closed() <-chan struct{} { return p.closed }

func (p *PipeTransport) RemoteAddr() net.Addr { return pipeAddr(p.name) }

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
