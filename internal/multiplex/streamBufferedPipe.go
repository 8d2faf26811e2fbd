// This is base on https://github.com/golang/go/blob/0436b162397018c45068b47ca1b5924a3eafdee0/src/net/net_fake.go#L173

package multiplex

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// The point of a streamBufferedPipe is that Read() will block until data is available
type streamBufferedPipe struct {
	// only alloc when on first Read or Write
	buf *bytes.Buffer

	// closeErr is returned by Read once buf is drained
	closeErr error
	// localClosed means the reader gave up on the stream
	localClosed bool

	rwCond    *sync.Cond
	rDeadline time.Time

	timeoutTimer *time.Timer
}

func NewStreamBufferedPipe() *streamBufferedPipe {
	p := &streamBufferedPipe{
		rwCond: sync.NewCond(&sync.Mutex{}),
	}
	return p
}

func (p *streamBufferedPipe) Read(target []byte) (int, error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	for {
		if p.localClosed {
			return 0, ErrStreamClosed
		}
		if p.buf.Len() > 0 {
			break
		}
		if p.closeErr != nil {
			return 0, p.closeErr
		}
		hasRDeadline := !p.rDeadline.IsZero()
		if hasRDeadline {
			d := time.Until(p.rDeadline)
			if d <= 0 {
				return 0, ErrTimeout
			}
			p.broadcastAfter(d)
		}
		p.rwCond.Wait()
	}
	n, err := p.buf.Read(target)
	// err will always be nil because we have already verified that buf.Len() != 0
	return n, err
}

func (p *streamBufferedPipe) Write(input []byte) error {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		p.buf = new(bytes.Buffer)
	}
	if p.localClosed {
		return io.ErrClosedPipe
	}
	p.buf.Write(input)
	p.rwCond.Broadcast()
	return nil
}

func (p *streamBufferedPipe) CloseWithError(err error) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.closeErr == nil {
		if err == nil {
			err = io.EOF
		}
		p.closeErr = err
	}
	p.rwCond.Broadcast()
}

func (p *streamBufferedPipe) closeLocal() int {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.localClosed {
		return 0
	}
	p.localClosed = true
	var discarded int
	if p.buf != nil {
		discarded = p.buf.Len()
		p.buf.Reset()
	}
	p.rwCond.Broadcast()
	return discarded
}

func (p *streamBufferedPipe) SetReadDeadline(t time.Time) {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()

	p.rDeadline = t
	p.rwCond.Broadcast()
}

func (p *streamBufferedPipe) Len() int {
	p.rwCond.L.Lock()
	defer p.rwCond.L.Unlock()
	if p.buf == nil {
		return 0
	}
	return p.buf.Len()
}

func (p *streamBufferedPipe) broadcastAfter(d time.Duration) {
	if p.timeoutTimer != nil {
		p.timeoutTimer.Stop()
	}
	p.timeoutTimer = time.AfterFunc(d, p.rwCond.Broadcast)
}
