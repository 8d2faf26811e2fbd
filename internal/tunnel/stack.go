// Package tunnel carries local traffic into a multiplexing session. A Stack
// produces flows, from a TUN device or from local listeners, and a Forwarder
// opens one stream per flow and copies between the two.
package tunnel

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/whisper-tun/whisper/internal/multiplex"
)

var ErrStackClosed = errors.New("stack closed")

// Flow is one local connection. For UDP flows each Read and Write is one
// datagram.
type Flow interface {
	io.ReadWriteCloser
	Kind() multiplex.StreamKind
	Target() multiplex.Target
}

// Stack hands out flows until it is closed. Accept returns ErrStackClosed
// after Close.
type Stack interface {
	Accept(ctx context.Context) (Flow, error)
	Close() error
}

type Config struct {
	// TunName is the TUN interface to create or attach to
	TunName string
	// TunFD is a TUN descriptor opened by an embedder. It takes precedence
	// over TunName when positive.
	TunFD int
	// TunAddress is assigned to the interface in CIDR notation when set
	TunAddress string
	MTU        int

	UDPIdleTimeout time.Duration
	// StreamTimeout closes a flow whose local side has sent nothing for this
	// long. Zero disables it.
	StreamTimeout time.Duration

	Forward []ForwardRule
}

const (
	DefaultMTU            = 1500
	DefaultUDPIdleTimeout = 60 * time.Second
)

func (c *Config) setDefaults() {
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if c.UDPIdleTimeout <= 0 {
		c.UDPIdleTimeout = DefaultUDPIdleTimeout
	}
}

// HasTUN reports whether a TUN device is configured
func (c Config) HasTUN() bool { return c.TunFD > 0 || c.TunName != "" }
