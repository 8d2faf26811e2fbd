package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper-tun/whisper/internal/multiplex"
	"github.com/whisper-tun/whisper/internal/multiplex/muxtest"
)

func wsServer(t *testing.T, tls bool, handler func(conn *websocket.Conn)) (*httptest.Server, *url.URL) {
	upgrader := websocket.Upgrader{}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	})
	var srv *httptest.Server
	scheme := "ws"
	if tls {
		srv = httptest.NewTLSServer(h)
		scheme = "wss"
	} else {
		srv = httptest.NewServer(h)
	}
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	u.Scheme = scheme
	u.Path = "/wisp/"
	return srv, u
}

func echoHandler(conn *websocket.Conn) {
	tr := NewWebSocketTransport(conn, 0)
	for {
		msg, err := tr.Receive(context.Background())
		if err != nil {
			return
		}
		if tr.Send(context.Background(), msg) != nil {
			return
		}
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWebSocket_MessageBoundaries(t *testing.T) {
	_, u := wsServer(t, false, echoHandler)
	tr, err := Dial(testCtx(t), Config{URL: u})
	require.NoError(t, err)
	defer tr.Close()
	assert.True(t, tr.MessageOriented())
	assert.NotNil(t, tr.RemoteAddr())

	ctx := testCtx(t)
	require.NoError(t, tr.Send(ctx, []byte("hello")))
	require.NoError(t, tr.Send(ctx, []byte("world!")))
	msg, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))
	msg, err = tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "world!", string(msg))
}

func TestWebSocket_SkipsTextMessages(t *testing.T) {
	_, u := wsServer(t, false, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte("ignored"))
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		conn.ReadMessage()
	})
	tr, err := Dial(testCtx(t), Config{URL: u})
	require.NoError(t, err)
	defer tr.Close()

	msg, err := tr.Receive(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, msg)
}

func TestWebSocket_ReceiveHonoursContext(t *testing.T) {
	_, u := wsServer(t, false, func(conn *websocket.Conn) { conn.ReadMessage() })
	tr, err := Dial(testCtx(t), Config{URL: u})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebSocket_RemoteClose(t *testing.T) {
	_, u := wsServer(t, false, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	})
	tr, err := Dial(testCtx(t), Config{URL: u})
	require.NoError(t, err)
	defer tr.Close()
	_, err = tr.Receive(testCtx(t))
	assert.Equal(t, io.EOF, err)
}

func TestWebSocket_KeepAliveDetectsDeadRelay(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	// never reading means never answering pings
	_, u := wsServer(t, false, func(conn *websocket.Conn) { <-block })
	tr, err := Dial(testCtx(t), Config{URL: u, KeepAlive: 20 * time.Millisecond})
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Receive(testCtx(t))
	assert.ErrorIs(t, err, errPongTimeout)
}

func TestWebSocket_Session(t *testing.T) {
	_, u := wsServer(t, false, func(conn *websocket.Conn) {
		muxtest.NewRelay(NewWebSocketTransport(conn, 0), muxtest.RelayConfig{}).Serve(context.Background())
	})
	tr, err := Dial(testCtx(t), Config{URL: u})
	require.NoError(t, err)

	sesh, err := multiplex.NewSession(testCtx(t), tr, multiplex.SessionConfig{})
	require.NoError(t, err)
	defer sesh.Close()

	stream, err := sesh.OpenStream(testCtx(t), multiplex.KindTCP, multiplex.Target{Host: "example.com", Port: 80})
	require.NoError(t, err)
	data := []byte(strings.Repeat("0123456789", 10000))
	go stream.Write(data)
	got := make([]byte, len(data))
	_, err = io.ReadFull(stream, got)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, tr.RemoteAddr(), sesh.RemoteAddr())
}

func TestDial_UnsupportedScheme(t *testing.T) {
	u, _ := url.Parse("http://example.com")
	_, err := Dial(testCtx(t), Config{URL: u})
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = Dial(testCtx(t), Config{})
	assert.Error(t, err)
}

func certPin(srv *httptest.Server) string {
	sum := sha256.Sum256(srv.Certificate().Raw)
	return "pin:" + hex.EncodeToString(sum[:])
}

func TestWebSocket_TLSTrust(t *testing.T) {
	srv, u := wsServer(t, true, echoHandler)

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}), 0600))

	wrongPin := "pin:" + strings.Repeat("ab", sha256.Size)

	cases := []struct {
		name    string
		trust   string
		browser BrowserSig
		ok      bool
	}{
		{"system roots reject a self signed relay", "system", BrowserGo, false},
		{"insecure", "insecure", BrowserGo, true},
		{"pinned", certPin(srv), BrowserGo, true},
		{"wrong pin", wrongPin, BrowserGo, false},
		{"ca file", "ca:" + caFile, BrowserGo, true},
		{"chrome fingerprint pinned", certPin(srv), BrowserChrome, true},
		{"firefox fingerprint wrong pin", wrongPin, BrowserFirefox, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			trust, err := ParseTrust(c.trust)
			require.NoError(t, err)
			tr, err := Dial(testCtx(t), Config{URL: u, Trust: trust, BrowserSig: c.browser})
			if !c.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer tr.Close()
			require.NoError(t, tr.Send(testCtx(t), []byte("over tls")))
			msg, err := tr.Receive(testCtx(t))
			require.NoError(t, err)
			assert.Equal(t, "over tls", string(msg))
		})
	}
}
