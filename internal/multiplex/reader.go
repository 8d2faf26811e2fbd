package multiplex

import (
	"context"
	"errors"
)

// frameReader pulls frames off a Transport. Message-oriented transports carry
// whole frames per message; byte-stream transports go through a Decoder.
type frameReader struct {
	tr         Transport
	maxPayload int
	dec        *Decoder
	queue      []Frame
	counters   *counters
}

func newFrameReader(tr Transport, maxPayload int, c *counters) *frameReader {
	fr := &frameReader{tr: tr, maxPayload: maxPayload, counters: c}
	if !tr.MessageOriented() {
		fr.dec = NewDecoder(maxPayload)
	}
	return fr
}

func (fr *frameReader) next(ctx context.Context) (Frame, error) {
	for {
		if len(fr.queue) > 0 {
			f := fr.queue[0]
			fr.queue = fr.queue[1:]
			return f, nil
		}
		if fr.dec != nil {
			f, err := fr.dec.Next()
			if err == nil {
				return f, nil
			}
			if !errors.Is(err, ErrNeedMoreData) {
				return Frame{}, err
			}
		}

		msg, err := fr.tr.Receive(ctx)
		if err != nil {
			return Frame{}, &TransportError{Op: "receive", Err: err}
		}
		fr.counters.wireIn.Add(uint64(len(msg)))
		if fr.dec != nil {
			fr.dec.Feed(msg)
			continue
		}
		frames, err := DecodeMessage(msg, fr.maxPayload)
		if err != nil {
			return Frame{}, err
		}
		fr.queue = frames
	}
}
