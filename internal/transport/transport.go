// Package transport provides the physical connections a multiplexing session
// runs over: WebSocket (optionally over TLS with a browser fingerprint) and
// raw byte streams such as a PTY.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Transport is an ordered, reliable connection to the relay
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	// MessageOriented reports whether message boundaries survive the trip, so
	// that one Send arrives as one Receive
	MessageOriented() bool
	Close() error
	RemoteAddr() net.Addr
}

const (
	DefaultKeepAlive        = 20 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
	// defaultMaxMessageSize leaves room for a full 16 MiB frame and its header
	defaultMaxMessageSize = 16<<20 + 64
)

var ErrUnsupportedScheme = errors.New("unsupported relay url scheme")

type Config struct {
	// URL is ws://, wss://, pty:///path/to/device, or exec: to run Command
	URL *url.URL
	// Command bridges to the relay over its terminal when URL is exec:
	Command []string

	Trust Trust
	// ServerName overrides the name sent in SNI and checked against the
	// certificate. Defaults to the URL host.
	ServerName string
	// BrowserSig selects the TLS ClientHello fingerprint
	BrowserSig BrowserSig

	// KeepAlive is the WebSocket ping interval. Negative disables pings.
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64

	Header http.Header
}

func (c *Config) setDefaults() {
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
}

// Dial connects to the relay named by config.URL
func Dial(ctx context.Context, config Config) (Transport, error) {
	if config.URL == nil {
		return nil, errors.New("no relay url")
	}
	config.setDefaults()
	switch config.URL.Scheme {
	case "ws", "wss":
		return dialWebSocket(ctx, config)
	case "pty":
		path := config.URL.Path
		if path == "" {
			path = config.URL.Opaque
		}
		return OpenPTY(path)
	case "exec":
		return StartCommand(config.Command)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, config.URL.Scheme)
	}
}
