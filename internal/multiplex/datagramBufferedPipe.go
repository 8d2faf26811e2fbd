// This is base on https://github.com/golang/go/blob/0436b162397018c45068b47ca1b5924a3eafdee0/src/net/net_fake.go#L173

package multiplex

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// datagramBufferedPipe is the same as streamBufferedPipe with the exception that it's message-oriented,
// instead of byte-oriented. The integrity of datagrams written into this buffer is preserved.
// it won't get chopped up into individual bytes
type datagramBufferedPipe struct {
	pLens       []int
	buf         *bytes.Buffer
	closeErr    error
	localClosed bool
	rwCond      *sync.Cond
	rDeadline   time.Time

	timeoutTimer *time.Timer
}

func NewDatagramBufferedPipe() *datagramBufferedPipe {
	d := &datagramBufferedPipe{
		rwCond: sync.NewCond(&sync.Mutex{}),
		buf:    new(bytes.Buffer),
	}
	return d
}

// Read returns exactly one datagram. A target too small for it yields
// io.ErrShortBuffer and leaves the datagram queued.
func (d *datagramBufferedPipe) Read(target []byte) (int, error) {
	d.rwCond.L.Lock()
	defer d.rwCond.L.Unlock()
	for {
		if d.localClosed {
			return 0, ErrStreamClosed
		}
		if len(d.pLens) > 0 {
			break
		}
		if d.closeErr != nil {
			return 0, d.closeErr
		}

		hasRDeadline := !d.rDeadline.IsZero()
		if hasRDeadline {
			if time.Until(d.rDeadline) <= 0 {
				return 0, ErrTimeout
			}
			d.broadcastAfter(time.Until(d.rDeadline))
		}
		d.rwCond.Wait()
	}
	dataLen := d.pLens[0]
	if len(target) < dataLen {
		return 0, io.ErrShortBuffer
	}
	d.pLens = d.pLens[1:]
	d.buf.Read(target[:dataLen])
	return dataLen, nil
}

func (d *datagramBufferedPipe) Write(payload []byte) error {
	d.rwCond.L.Lock()
	defer d.rwCond.L.Unlock()
	if d.localClosed {
		return io.ErrClosedPipe
	}
	d.pLens = append(d.pLens, len(payload))
	d.buf.Write(payload)
	d.rwCond.Broadcast()
	return nil
}

func (d *datagramBufferedPipe) CloseWithError(err error) {
	d.rwCond.L.Lock()
	defer d.rwCond.L.Unlock()
	if d.closeErr == nil {
		if err == nil {
			err = io.EOF
		}
		d.closeErr = err
	}
	d.rwCond.Broadcast()
}

func (d *datagramBufferedPipe) closeLocal() int {
	d.rwCond.L.Lock()
	defer d.rwCond.L.Unlock()
	if d.localClosed {
		return 0
	}
	d.localClosed = true
	discarded := d.buf.Len()
	d.buf.Reset()
	d.pLens = nil
	d.rwCond.Broadcast()
	return discarded
}

func (d *datagramBufferedPipe) SetReadDeadline(t time.Time) {
	d.rwCond.L.Lock()
	defer d.rwCond.L.Unlock()

	d.rDeadline = t
	d.rwCond.Broadcast()
}

func (d *datagramBufferedPipe) broadcastAfter(t time.Duration) {
	if d.timeoutTimer != nil {
		d.timeoutTimer.Stop()
	}
	d.timeoutTimer = time.AfterFunc(t, d.rwCond.Broadcast)
}
