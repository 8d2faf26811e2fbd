package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper-tun/whisper/internal/multiplex"
)

// ForwardRule sends everything arriving on a local address to one target
// through the relay
type ForwardRule struct {
	Kind   multiplex.StreamKind
	Listen string
	Target multiplex.Target
}

func (r ForwardRule) String() string {
	return fmt.Sprintf("%v:%v=%v", r.Kind, r.Listen, r.Target)
}

// ParseForwardRule reads rules such as tcp:127.0.0.1:8080=example.com:80 and
// udp:[::1]:5353=1.1.1.1:53
func ParseForwardRule(s string) (ForwardRule, error) {
	var rule ForwardRule
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return rule, fmt.Errorf("forward rule %q: missing protocol", s)
	}
	switch strings.ToLower(kind) {
	case "tcp":
		rule.Kind = multiplex.KindTCP
	case "udp":
		rule.Kind = multiplex.KindUDP
	default:
		return rule, fmt.Errorf("forward rule %q: unknown protocol %q", s, kind)
	}
	listen, target, ok := strings.Cut(rest, "=")
	if !ok {
		return rule, fmt.Errorf("forward rule %q: missing target", s)
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return rule, fmt.Errorf("forward rule %q: %w", s, err)
	}
	rule.Listen = listen
	var err error
	if rule.Target, err = multiplex.ParseTarget(target); err != nil {
		return rule, fmt.Errorf("forward rule %q: %w", s, err)
	}
	return rule, nil
}

// ListenForward opens the local end of rule
func ListenForward(rule ForwardRule, udpIdle time.Duration) (Stack, error) {
	switch rule.Kind {
	case multiplex.KindTCP:
		return ListenTCP(rule.Listen, rule.Target)
	case multiplex.KindUDP:
		return ListenUDP(rule.Listen, rule.Target, udpIdle)
	default:
		return nil, fmt.Errorf("cannot forward %v", rule.Kind)
	}
}

// TCPForward accepts local TCP connections, each one a flow to target
type TCPForward struct {
	listener net.Listener
	target   multiplex.Target
}

func ListenTCP(addr string, target multiplex.Target) (*TCPForward, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	log.Infof("forwarding tcp %v to %v", l.Addr(), target)
	return &TCPForward{listener: l, target: target}, nil
}

func (t *TCPForward) Addr() net.Addr { return t.listener.Addr() }

func (t *TCPForward) Accept(ctx context.Context) (Flow, error) {
	conn, err := t.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrStackClosed
		}
		return nil, err
	}
	return &tcpFlow{Conn: conn, target: t.target}, nil
}

func (t *TCPForward) Close() error { return t.listener.Close() }

type tcpFlow struct {
	net.Conn
	target multiplex.Target
}

func (f *tcpFlow) Kind() multiplex.StreamKind { return multiplex.KindTCP }
func (f *tcpFlow) Target() multiplex.Target   { return f.target }

func (f *tcpFlow) CloseWrite() error {
	if cw, ok := f.Conn.(writeCloser); ok {
		return cw.CloseWrite()
	}
	return f.Conn.Close()
}

// UDPForward turns each local UDP peer into a flow to target
type UDPForward struct {
	*flowTable
	conn   net.PacketConn
	target multiplex.Target
}

func ListenUDP(addr string, target multiplex.Target, idle time.Duration) (*UDPForward, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	log.Infof("forwarding udp %v to %v", conn.LocalAddr(), target)
	u := &UDPForward{
		flowTable: newFlowTable(idle),
		conn:      conn,
		target:    target,
	}
	go u.readLoop()
	return u, nil
}

func (u *UDPForward) Addr() net.Addr { return u.conn.LocalAddr() }

func (u *UDPForward) readLoop() {
	defer u.flowTable.close()
	buf := make([]byte, bufSize)
	for {
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Errorf("reading from %v: %v", u.conn.LocalAddr(), err)
			}
			return
		}
		peer := addr
		u.deliver(addr.String(), u.target, buf[:n], func(p []byte) error {
			_, err := u.conn.WriteTo(p, peer)
			return err
		})
	}
}

func (u *UDPForward) Close() error {
	u.flowTable.close()
	return u.conn.Close()
}
