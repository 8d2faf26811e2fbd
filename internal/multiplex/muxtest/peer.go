package muxtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/whisper-tun/whisper/internal/multiplex"
)

// Transport is what a Peer talks over. It matches multiplex.Transport.
type Transport = multiplex.Transport

// Peer is a scripted relay: tests drive it frame by frame
type Peer struct {
	tr  Transport
	dec *multiplex.Decoder

	sendM sync.Mutex
}

func NewPeer(tr Transport) *Peer {
	return &Peer{tr: tr, dec: multiplex.NewDecoder(16 << 20)}
}

// DefaultInfo is what a Peer or Relay advertises unless told otherwise
func DefaultInfo() multiplex.Info {
	return multiplex.Info{
		Major:        multiplex.ProtocolMajor,
		Minor:        multiplex.ProtocolMinor,
		MaxPayload:   multiplex.DefaultMaxFramePayload,
		StreamWindow: 256 << 10,
		ConnWindow:   1 << 20,
		Extensions:   []multiplex.Extension{{ID: multiplex.ExtensionUDP}},
	}
}

// Handshake waits for the client's INFO and answers with info
func (p *Peer) Handshake(ctx context.Context, info multiplex.Info) (multiplex.Info, error) {
	f, err := p.Next(ctx)
	if err != nil {
		return multiplex.Info{}, err
	}
	if f.Type != multiplex.FrameInfo || f.StreamID != 0 {
		return multiplex.Info{}, fmt.Errorf("expected INFO first, got %v on stream %v", f.Type, f.StreamID)
	}
	client, err := multiplex.ParseInfo(f.Payload)
	if err != nil {
		return multiplex.Info{}, err
	}
	payload, err := info.Marshal()
	if err != nil {
		return multiplex.Info{}, err
	}
	return client, p.Send(ctx, multiplex.Frame{Type: multiplex.FrameInfo, Payload: payload})
}

// Send writes frames as one transport message
func (p *Peer) Send(ctx context.Context, frames ...multiplex.Frame) error {
	var msg []byte
	for _, f := range frames {
		msg = multiplex.AppendFrame(msg, f)
	}
	p.sendM.Lock()
	defer p.sendM.Unlock()
	return p.tr.Send(ctx, msg)
}

func (p *Peer) SendData(ctx context.Context, id uint32, data []byte) error {
	return p.Send(ctx, multiplex.Frame{StreamID: id, Type: multiplex.FrameData, Payload: data})
}

func (p *Peer) SendContinue(ctx context.Context, id uint32, credit uint32) error {
	return p.Send(ctx, multiplex.Frame{StreamID: id, Type: multiplex.FrameContinue, Payload: multiplex.MarshalContinue(credit)})
}

func (p *Peer) SendClose(ctx context.Context, id uint32, reason multiplex.CloseReason) error {
	return p.Send(ctx, multiplex.Frame{StreamID: id, Type: multiplex.FrameClose, Payload: multiplex.MarshalClose(reason)})
}

// Next returns the next frame the client sent
func (p *Peer) Next(ctx context.Context) (multiplex.Frame, error) {
	for {
		f, err := p.dec.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, multiplex.ErrNeedMoreData) {
			return f, err
		}
		msg, err := p.tr.Receive(ctx)
		if err != nil {
			return multiplex.Frame{}, err
		}
		p.dec.Feed(msg)
	}
}

// NextOf skips frames until one of type typ arrives
func (p *Peer) NextOf(ctx context.Context, typ multiplex.FrameType) (multiplex.Frame, error) {
	for {
		f, err := p.Next(ctx)
		if err != nil || f.Type == typ {
			return f, err
		}
	}
}

func (p *Peer) Close() error { return p.tr.Close() }
