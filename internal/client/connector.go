// Package client dials the relay and establishes a multiplexing session over
// the resulting transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/whisper-tun/whisper/internal/multiplex"
	"github.com/whisper-tun/whisper/internal/transport"
)

const (
	defaultRetryInterval    = 3 * time.Second
	defaultMaxRetryInterval = 30 * time.Second
)

type DialFunc func(ctx context.Context, config transport.Config) (transport.Transport, error)

// Connector makes sessions, retrying failed attempts with growing intervals
type Connector struct {
	Transport transport.Config
	Session   multiplex.SessionConfig

	// Dial defaults to transport.Dial
	Dial DialFunc
	// RetryInterval is the wait after the first failure. It doubles on each
	// further failure up to MaxRetryInterval.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	// MaxAttempts of zero retries until ctx is done
	MaxAttempts int
}

// MakeSession returns an established session. It gives up when ctx is done,
// when MaxAttempts is reached, or when the relay speaks an incompatible
// protocol.
func (c *Connector) MakeSession(ctx context.Context) (*multiplex.Session, error) {
	dial := c.Dial
	if dial == nil {
		dial = transport.Dial
	}
	interval := c.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	maxInterval := c.MaxRetryInterval
	if maxInterval < interval {
		maxInterval = defaultMaxRetryInterval
		if maxInterval < interval {
			maxInterval = interval
		}
	}

	for attempt := 1; ; attempt++ {
		log.Infof("Attempting to start a new session with %v", c.Transport.URL)
		sesh, err := c.attempt(ctx, dial)
		if err == nil {
			return sesh, nil
		}
		var protoErr *multiplex.ProtocolError
		if errors.As(err, &protoErr) {
			return nil, err
		}
		if c.MaxAttempts > 0 && attempt >= c.MaxAttempts {
			return nil, fmt.Errorf("giving up after %v attempts: %w", attempt, err)
		}
		log.Errorf("Failed to establish session: %v, retrying in %v", err, interval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

func (c *Connector) attempt(ctx context.Context, dial DialFunc) (*multiplex.Session, error) {
	tr, err := dial(ctx, c.Transport)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	sesh, err := multiplex.NewSession(ctx, tr, c.Session)
	if err != nil {
		tr.Close()
		return nil, err
	}
	peer := sesh.Peer()
	log.Infof("Session established with %v, protocol %v.%v, udp %v", tr.RemoteAddr(), peer.Major, peer.Minor, peer.HasExtension(multiplex.ExtensionUDP))
	return sesh, nil
}
