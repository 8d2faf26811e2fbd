package multiplex

import (
	"encoding/binary"
)

// header: [type 1 byte][stream id 4 bytes][payload length 4 bytes]
const FrameHeaderLength = 9

const (
	DefaultMaxFramePayload = 64 << 10
	// maxFramePayloadCeiling bounds any configured limit
	maxFramePayloadCeiling = 16 << 20
)

var (
	u32    = binary.BigEndian.Uint32
	putU32 = binary.BigEndian.PutUint32
)

// AppendFrame appends the wire encoding of f to dst. The payload is copied.
func AppendFrame(dst []byte, f Frame) []byte {
	var header [FrameHeaderLength]byte
	header[0] = byte(f.Type)
	putU32(header[1:5], f.StreamID)
	putU32(header[5:9], uint32(len(f.Payload)))
	dst = append(dst, header[:]...)
	return append(dst, f.Payload...)
}

func (f Frame) Marshal() []byte {
	return AppendFrame(make([]byte, 0, FrameHeaderLength+len(f.Payload)), f)
}

// parseHeader validates a frame header. buf must hold at least
// FrameHeaderLength bytes.
func parseHeader(buf []byte, maxPayload int) (typ FrameType, id uint32, length int, err error) {
	typ = FrameType(buf[0])
	if !typ.valid() {
		return 0, 0, 0, protocolErrorf("unknown frame type %v", buf[0])
	}
	id = u32(buf[1:5])
	l := u32(buf[5:9])
	if uint64(l) > uint64(maxPayload) {
		return 0, 0, 0, protocolErrorf("%v frame on stream %v has payload length %v above limit %v", typ, id, l, maxPayload)
	}
	return typ, id, int(l), nil
}

// Decoder turns a byte stream into frames. It can be fed arbitrary chunks;
// frames may span chunks and a chunk may hold many frames.
//
// Payloads returned by Next alias memory the Decoder no longer touches, so they
// stay valid after further calls to Feed and Next.
type Decoder struct {
	maxPayload int
	buf        []byte
	err        error
}

func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 || maxPayload > maxFramePayloadCeiling {
		maxPayload = DefaultMaxFramePayload
	}
	return &Decoder{maxPayload: maxPayload}
}

// Feed appends p to the bytes awaiting decoding
func (d *Decoder) Feed(p []byte) {
	if d.err != nil {
		return
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed by a decoded frame
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next decodes the next whole frame. It returns ErrNeedMoreData when the
// buffered bytes end mid frame. A *ProtocolError is sticky: the decoder stays
// broken, and the bytes it was handed after the malformed header are never
// interpreted.
func (d *Decoder) Next() (Frame, error) {
	if d.err != nil {
		return Frame{}, d.err
	}
	if len(d.buf) < FrameHeaderLength {
		return Frame{}, ErrNeedMoreData
	}
	typ, id, length, err := parseHeader(d.buf, d.maxPayload)
	if err != nil {
		d.err = err
		d.buf = nil
		return Frame{}, err
	}
	if len(d.buf) < FrameHeaderLength+length {
		return Frame{}, ErrNeedMoreData
	}
	f := Frame{
		StreamID: id,
		Type:     typ,
		Payload:  d.buf[FrameHeaderLength : FrameHeaderLength+length : FrameHeaderLength+length],
	}
	d.buf = d.buf[FrameHeaderLength+length:]
	if len(d.buf) == 0 {
		// drop the backing array rather than reuse it: payloads still point into it
		d.buf = nil
	}
	return f, nil
}

// DecodeMessage decodes a transport message that must contain a whole number
// of frames. A frame running past the end of the message is a *ProtocolError.
// Payloads alias msg.
func DecodeMessage(msg []byte, maxPayload int) ([]Frame, error) {
	if maxPayload <= 0 || maxPayload > maxFramePayloadCeiling {
		maxPayload = DefaultMaxFramePayload
	}
	var frames []Frame
	for len(msg) > 0 {
		if len(msg) < FrameHeaderLength {
			return frames, protocolErrorf("%v trailing bytes in message are shorter than a frame header", len(msg))
		}
		typ, id, length, err := parseHeader(msg, maxPayload)
		if err != nil {
			return frames, err
		}
		end := FrameHeaderLength + length
		if len(msg) < end {
			return frames, protocolErrorf("%v frame on stream %v claims %v payload bytes but message holds %v",
				typ, id, length, len(msg)-FrameHeaderLength)
		}
		frames = append(frames, Frame{StreamID: id, Type: typ, Payload: msg[FrameHeaderLength:end:end]})
		msg = msg[end:]
	}
	return frames, nil
}
