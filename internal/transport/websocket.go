package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var errPongTimeout = errors.New("relay stopped answering pings")

// WebSocketTransport carries one batch of frames per binary message
type WebSocketTransport struct {
	conn   *websocket.Conn
	writeM sync.Mutex

	keepAlive time.Duration
	lastPong  atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	// closeErr is why the keepalive gave up on the connection
	closeErr atomic.Value
}

// NewWebSocketTransport wraps an established WebSocket connection. A positive
// keepAlive starts sending pings at that interval and drops the connection
// when pongs stop coming back.
func NewWebSocketTransport(conn *websocket.Conn, keepAlive time.Duration) *WebSocketTransport {
	ws := &WebSocketTransport{
		conn:      conn,
		keepAlive: keepAlive,
		closed:    make(chan struct{}),
	}
	ws.lastPong.Store(time.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		ws.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	if keepAlive > 0 {
		go ws.pingLoop()
	}
	return ws
}

func dialWebSocket(ctx context.Context, config Config) (*WebSocketTransport, error) {
	dialer := &websocket.Dialer{
		Proxy:            nil,
		HandshakeTimeout: config.HandshakeTimeout,
		ReadBufferSize:   32 << 10,
		WriteBufferSize:  32 << 10,
	}
	if config.URL.Scheme == "wss" {
		serverName := config.ServerName
		if serverName == "" {
			serverName = config.URL.Hostname()
		}
		if config.BrowserSig == BrowserGo {
			tlsConfig, err := config.Trust.tlsConfig(serverName)
			if err != nil {
				return nil, err
			}
			dialer.TLSClientConfig = tlsConfig
		} else {
			dialTLS, err := utlsDialer(config.Trust, serverName, config.BrowserSig)
			if err != nil {
				return nil, err
			}
			dialer.NetDialTLSContext = dialTLS
		}
	}

	conn, resp, err := dialer.DialContext(ctx, config.URL.String(), config.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %v: %w (HTTP %v)", config.URL.Host, err, resp.Status)
		}
		return nil, fmt.Errorf("websocket handshake with %v: %w", config.URL.Host, err)
	}
	conn.SetReadLimit(config.MaxMessageSize)
	log.Debugf("websocket connected to %v (%v)", config.URL.Host, conn.RemoteAddr())
	return NewWebSocketTransport(conn, config.KeepAlive), nil
}

func (ws *WebSocketTransport) Send(ctx context.Context, msg []byte) error {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		ws.conn.SetWriteDeadline(deadline)
		defer ws.conn.SetWriteDeadline(time.Time{})
	}
	return ws.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// Receive returns the next binary message. Other message types are skipped.
// Once ctx has cancelled a Receive the connection is unusable.
func (ws *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		ws.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	for {
		t, r, err := ws.conn.NextReader()
		if err != nil {
			return nil, ws.readErr(ctx, err)
		}
		if t != websocket.BinaryMessage {
			continue
		}
		msg, err := io.ReadAll(r)
		if err != nil {
			return nil, ws.readErr(ctx, err)
		}
		return msg, nil
	}
}

func (ws *WebSocketTransport) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if cause, ok := ws.closeErr.Load().(error); ok {
		return cause
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return err
}

func (ws *WebSocketTransport) MessageOriented() bool { return true }

func (ws *WebSocketTransport) RemoteAddr() net.Addr { return ws.conn.RemoteAddr() }

func (ws *WebSocketTransport) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.closed)
		deadline := time.Now().Add(time.Second)
		ws.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = ws.conn.Close()
	})
	return err
}

func (ws *WebSocketTransport) pingLoop() {
	ticker := time.NewTicker(ws.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ws.closed:
			return
		case now := <-ticker.C:
			// the read loop runs the pong handler, so a session that stopped
			// reading also looks dead
			if now.Sub(time.Unix(0, ws.lastPong.Load())) > 3*ws.keepAlive {
				log.Warnf("no pong from %v in %v, dropping connection", ws.conn.RemoteAddr(), 3*ws.keepAlive)
				ws.closeErr.Store(errPongTimeout)
				ws.conn.Close()
				return
			}
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, now.Add(ws.keepAlive)); err != nil {
				log.Tracef("ping failed: %v", err)
				return
			}
		}
	}
}
