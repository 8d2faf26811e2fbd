package tunnel

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper-tun/whisper/internal/multiplex"
)

// StreamOpener is satisfied by *multiplex.Session
type StreamOpener interface {
	OpenStream(ctx context.Context, kind multiplex.StreamKind, target multiplex.Target) (*multiplex.Stream, error)
}

// Forwarder opens a stream for every flow a Stack accepts and pipes them
// together until either side closes.
type Forwarder struct {
	opener        StreamOpener
	streamTimeout time.Duration

	active   atomic.Int64
	accepted atomic.Uint64
	failed   atomic.Uint64
}

type ForwarderStats struct {
	ActiveFlows   int64
	AcceptedFlows uint64
	// FailedFlows counts flows whose stream could not be opened or that the
	// relay ended with an error
	FailedFlows uint64
}

func NewForwarder(opener StreamOpener, streamTimeout time.Duration) *Forwarder {
	return &Forwarder{opener: opener, streamTimeout: streamTimeout}
}

func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		ActiveFlows:   f.active.Load(),
		AcceptedFlows: f.accepted.Load(),
		FailedFlows:   f.failed.Load(),
	}
}

// Serve accepts flows from stack until ctx is done or the stack fails. The
// stack is closed when Serve returns.
func (f *Forwarder) Serve(ctx context.Context, stack Stack) error {
	stop := context.AfterFunc(ctx, func() { stack.Close() })
	defer stop()
	defer stack.Close()
	for {
		flow, err := stack.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrStackClosed) {
				return nil
			}
			return err
		}
		f.accepted.Add(1)
		go f.handle(ctx, flow)
	}
}

func (f *Forwarder) handle(ctx context.Context, flow Flow) {
	f.active.Add(1)
	defer f.active.Add(-1)
	stop := context.AfterFunc(ctx, func() { flow.Close() })
	defer stop()

	stream, err := f.opener.OpenStream(ctx, flow.Kind(), flow.Target())
	if err != nil {
		f.failed.Add(1)
		log.Debugf("failed to open %v stream to %v: %v", flow.Kind(), flow.Target(), err)
		flow.Close()
		return
	}
	log.Tracef("%v flow to %v on stream %v", flow.Kind(), flow.Target(), stream.ID())

	// a refusal arrives after OpenStream returns, on whichever copy touches
	// the stream first
	var failed atomic.Bool
	noteErr := func(err error) {
		var serr *multiplex.StreamError
		if errors.As(err, &serr) && failed.CompareAndSwap(false, true) {
			f.failed.Add(1)
			log.Debugf("%v flow to %v: %v", flow.Kind(), flow.Target(), err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := copyConn(flow, stream, 0); err != nil {
			noteErr(err)
			log.Tracef("copying stream %v to flow: %v", stream.ID(), err)
			flow.Close()
			return
		}
		if cw, ok := flow.(writeCloser); ok && flow.Kind() == multiplex.KindTCP {
			cw.CloseWrite()
			return
		}
		flow.Close()
	}()

	timeout := time.Duration(0)
	if flow.Kind() == multiplex.KindTCP {
		timeout = f.streamTimeout
	}
	_, err = copyConn(stream, flow, timeout)
	switch {
	case err != nil:
		noteErr(err)
		log.Tracef("copying flow to stream %v: %v", stream.ID(), err)
		stream.Close()
	case flow.Kind() == multiplex.KindTCP:
		stream.CloseWrite()
	default:
		stream.Close()
	}
	<-done
	stream.Close()
	flow.Close()
}
