package multiplex

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/crypto/cryptobyte"
)

// FrameType identifies what a Frame carries.
type FrameType uint8

const (
	FrameConnect  FrameType = 1
	FrameData     FrameType = 2
	FrameContinue FrameType = 3
	FrameClose    FrameType = 4
	FrameInfo     FrameType = 5
)

func (t FrameType) String() string {
	switch t {
	case FrameConnect:
		return "CONNECT"
	case FrameData:
		return "DATA"
	case FrameContinue:
		return "CONTINUE"
	case FrameClose:
		return "CLOSE"
	case FrameInfo:
		return "INFO"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

func (t FrameType) valid() bool { return t >= FrameConnect && t <= FrameInfo }

// StreamKind is the protocol a logical stream carries on the relay side.
type StreamKind uint8

const (
	KindTCP StreamKind = 1
	KindUDP StreamKind = 2
)

func (k StreamKind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	default:
		return fmt.Sprintf("StreamKind(%d)", uint8(k))
	}
}

// CloseReason is the code carried by a CLOSE frame.
type CloseReason uint8

const (
	ReasonNormal       CloseReason = 0x00
	ReasonUnspecified  CloseReason = 0x01
	ReasonNetworkError CloseReason = 0x03
	ReasonInvalidInfo  CloseReason = 0x41
	ReasonUnreachable  CloseReason = 0x42
	ReasonConnTimeout  CloseReason = 0x43
	ReasonRefused      CloseReason = 0x44
	ReasonDataTimeout  CloseReason = 0x47
	ReasonBlocked      CloseReason = 0x48
	ReasonThrottled    CloseReason = 0x49
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonUnspecified:
		return "unspecified"
	case ReasonNetworkError:
		return "network error"
	case ReasonInvalidInfo:
		return "invalid stream info"
	case ReasonUnreachable:
		return "host unreachable"
	case ReasonConnTimeout:
		return "connection timed out"
	case ReasonRefused:
		return "connection refused"
	case ReasonDataTimeout:
		return "data timed out"
	case ReasonBlocked:
		return "destination blocked"
	case ReasonThrottled:
		return "throttled"
	default:
		return fmt.Sprintf("reason 0x%02x", uint8(r))
	}
}

// controlStreamID is reserved for connection-level frames
const controlStreamID = 0

// Frame is the unit exchanged with the relay
type Frame struct {
	StreamID uint32
	Type     FrameType
	Payload  []byte
}

// Target is the destination a stream is opened to
type Target struct {
	Host string
	Port uint16
}

func (t Target) String() string { return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port))) }

const maxHostLength = 255

var errBadTarget = errors.New("invalid target")

// ParseTarget parses a host:port pair
func ParseTarget(addr string) (Target, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", errBadTarget, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Target{}, fmt.Errorf("%w: port %q", errBadTarget, portStr)
	}
	t := Target{Host: host, Port: uint16(port)}
	return t, t.validate()
}

func (t Target) validate() error {
	if t.Host == "" {
		return fmt.Errorf("%w: empty host", errBadTarget)
	}
	if len(t.Host) > maxHostLength {
		return fmt.Errorf("%w: host longer than %v bytes", errBadTarget, maxHostLength)
	}
	return nil
}

// ConnectPayload is the body of a CONNECT frame.
// Layout: kind u8 | port u16 | host_len u16 | host
type ConnectPayload struct {
	Kind   StreamKind
	Target Target
}

func (c ConnectPayload) Marshal() ([]byte, error) {
	if c.Kind != KindTCP && c.Kind != KindUDP {
		return nil, fmt.Errorf("unknown stream kind %v", c.Kind)
	}
	if err := c.Target.validate(); err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddUint8(uint8(c.Kind))
	b.AddUint16(c.Target.Port)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(c.Target.Host))
	})
	return b.Bytes()
}

func ParseConnect(payload []byte) (c ConnectPayload, err error) {
	s := cryptobyte.String(payload)
	var kind uint8
	var host cryptobyte.String
	if !s.ReadUint8(&kind) || !s.ReadUint16(&c.Target.Port) || !s.ReadUint16LengthPrefixed(&host) || !s.Empty() {
		return c, errors.New("malformed CONNECT payload")
	}
	c.Kind = StreamKind(kind)
	if c.Kind != KindTCP && c.Kind != KindUDP {
		return c, fmt.Errorf("unknown stream kind %v", kind)
	}
	c.Target.Host = string(host)
	return c, c.Target.validate()
}

func MarshalContinue(credit uint32) []byte {
	var b cryptobyte.Builder
	b.AddUint32(credit)
	return b.BytesOrPanic()
}

func ParseContinue(payload []byte) (uint32, error) {
	s := cryptobyte.String(payload)
	var credit uint32
	if !s.ReadUint32(&credit) || !s.Empty() {
		return 0, errors.New("malformed CONTINUE payload")
	}
	if credit == 0 {
		return 0, errors.New("CONTINUE grants no credit")
	}
	return credit, nil
}

func MarshalClose(reason CloseReason) []byte { return []byte{byte(reason)} }

func ParseClose(payload []byte) (CloseReason, error) {
	if len(payload) != 1 {
		return 0, errors.New("malformed CLOSE payload")
	}
	return CloseReason(payload[0]), nil
}

// Extension ids advertised in INFO
const (
	ExtensionUDP       uint8 = 0x01
	ExtensionKeepAlive uint8 = 0x02
)

type Extension struct {
	ID   uint8
	Data []byte
}

const (
	ProtocolMajor = 1
	ProtocolMinor = 0
)

// Info is exchanged on the control stream before any stream is opened. Each
// side advertises the limits the other side must respect when sending to it.
type Info struct {
	Major, Minor uint8
	// MaxPayload is the largest frame payload the sender of this Info accepts
	MaxPayload uint32
	// StreamWindow is the initial credit of every stream, in bytes
	StreamWindow uint32
	// ConnWindow is the initial connection-level credit, in bytes
	ConnWindow uint32
	Extensions []Extension
}

func (i Info) HasExtension(id uint8) bool {
	for _, ext := range i.Extensions {
		if ext.ID == id {
			return true
		}
	}
	return false
}

func (i Info) Marshal() ([]byte, error) {
	if len(i.Extensions) > 255 {
		return nil, errors.New("too many extensions")
	}
	var b cryptobyte.Builder
	b.AddUint8(i.Major)
	b.AddUint8(i.Minor)
	b.AddUint32(i.MaxPayload)
	b.AddUint32(i.StreamWindow)
	b.AddUint32(i.ConnWindow)
	b.AddUint8(uint8(len(i.Extensions)))
	for _, ext := range i.Extensions {
		b.AddUint8(ext.ID)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(ext.Data)
		})
	}
	return b.Bytes()
}

func ParseInfo(payload []byte) (i Info, err error) {
	s := cryptobyte.String(payload)
	var count uint8
	if !s.ReadUint8(&i.Major) || !s.ReadUint8(&i.Minor) ||
		!s.ReadUint32(&i.MaxPayload) || !s.ReadUint32(&i.StreamWindow) || !s.ReadUint32(&i.ConnWindow) ||
		!s.ReadUint8(&count) {
		return i, errors.New("malformed INFO payload")
	}
	for n := 0; n < int(count); n++ {
		var ext Extension
		var data cryptobyte.String
		if !s.ReadUint8(&ext.ID) || !s.ReadUint16LengthPrefixed(&data) {
			return i, errors.New("malformed INFO extension")
		}
		ext.Data = []byte(data)
		i.Extensions = append(i.Extensions, ext)
	}
	if !s.Empty() {
		return i, errors.New("trailing bytes in INFO payload")
	}
	if i.MaxPayload == 0 || i.StreamWindow == 0 || i.ConnWindow == 0 {
		return i, errors.New("INFO advertises a zero limit")
	}
	return i, nil
}

func (k StreamKind) network() string {
	if k == KindUDP {
		return "udp"
	}
	return "tcp"
}
