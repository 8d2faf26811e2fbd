package tunnel

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper-tun/whisper/internal/multiplex"
	"github.com/whisper-tun/whisper/internal/multiplex/muxtest"
)

var testTarget = multiplex.Target{Host: "example.com", Port: 80}

func startSession(t *testing.T, relayConfig muxtest.RelayConfig) (*multiplex.Session, *muxtest.Relay) {
	client, relaySide := muxtest.Pipe()
	relay := muxtest.NewRelay(relaySide, relayConfig)
	go relay.Serve(context.Background())
	sesh, err := multiplex.NewSession(context.Background(), client, multiplex.SessionConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { sesh.Close() })
	return sesh, relay
}

func serve(t *testing.T, fwd *Forwarder, stack Stack) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fwd.Serve(ctx, stack)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestForwarder_TCP(t *testing.T) {
	sesh, relay := startSession(t, muxtest.RelayConfig{})
	stack, err := ListenTCP("127.0.0.1:0", testTarget)
	require.NoError(t, err)
	fwd := NewForwarder(sesh, 0)
	serve(t, fwd, stack)

	conn, err := net.Dial("tcp", stack.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	got := make([]byte, 5)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	connects := relay.Connects()
	require.Len(t, connects, 1)
	assert.Equal(t, multiplex.KindTCP, connects[0].Kind)
	assert.Equal(t, testTarget, connects[0].Target)

	// half close travels to the relay, which closes, which ends our read
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	rest, err := io.ReadAll(conn)
	assert.NoError(t, err)
	assert.Empty(t, rest)

	assert.Eventually(t, func() bool { return fwd.Stats().ActiveFlows == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), fwd.Stats().AcceptedFlows)
}

func TestForwarder_StreamRefused(t *testing.T) {
	sesh, _ := startSession(t, muxtest.RelayConfig{
		Dial: func(multiplex.ConnectPayload) (net.Conn, multiplex.CloseReason) {
			return nil, multiplex.ReasonRefused
		},
	})
	stack, err := ListenTCP("127.0.0.1:0", testTarget)
	require.NoError(t, err)
	fwd := NewForwarder(sesh, 0)
	serve(t, fwd, stack)

	conn, err := net.Dial("tcp", stack.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte("anyone there"))

	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return fwd.Stats().FailedFlows == 1 }, time.Second, 10*time.Millisecond)
}

func TestForwarder_StreamTimeout(t *testing.T) {
	sesh, relay := startSession(t, muxtest.RelayConfig{})
	stack, err := ListenTCP("127.0.0.1:0", testTarget)
	require.NoError(t, err)
	fwd := NewForwarder(sesh, 50*time.Millisecond)
	serve(t, fwd, stack)

	conn, err := net.Dial("tcp", stack.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.Write([]byte("x"))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	io.ReadFull(conn, make([]byte, 1))

	// the forwarder hangs up once the local side has been quiet too long
	io.ReadAll(conn)
	assert.Eventually(t, func() bool { return relay.StreamCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestForwarder_UDP(t *testing.T) {
	sesh, relay := startSession(t, muxtest.RelayConfig{})
	dns := multiplex.Target{Host: "1.1.1.1", Port: 53}
	stack, err := ListenUDP("127.0.0.1:0", dns, 200*time.Millisecond)
	require.NoError(t, err)
	fwd := NewForwarder(sesh, 0)
	serve(t, fwd, stack)

	conn, err := net.Dial("udp", stack.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 64)
	for _, msg := range []string{"a", "bb", "ccc"} {
		_, err = conn.Write([]byte(msg))
		require.NoError(t, err)
		n, err := conn.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, msg, string(buf[:n]))
	}
	connects := relay.Connects()
	require.Len(t, connects, 1)
	assert.Equal(t, multiplex.KindUDP, connects[0].Kind)
	assert.Equal(t, dns, connects[0].Target)

	// an idle flow gives its stream back
	assert.Eventually(t, func() bool {
		return relay.StreamCount() == 0 && fwd.Stats().ActiveFlows == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestForwarder_ServeStopsWithContext(t *testing.T) {
	sesh, _ := startSession(t, muxtest.RelayConfig{})
	stack, err := ListenTCP("127.0.0.1:0", testTarget)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- NewForwarder(sesh, 0).Serve(ctx, stack) }()
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
	_, err = net.Dial("tcp", stack.Addr().String())
	assert.Error(t, err)
}

func TestParseForwardRule(t *testing.T) {
	rule, err := ParseForwardRule("tcp:127.0.0.1:8080=example.com:80")
	require.NoError(t, err)
	assert.Equal(t, ForwardRule{Kind: multiplex.KindTCP, Listen: "127.0.0.1:8080", Target: testTarget}, rule)

	rule, err = ParseForwardRule("UDP:[::1]:5353=1.1.1.1:53")
	require.NoError(t, err)
	assert.Equal(t, multiplex.KindUDP, rule.Kind)
	assert.Equal(t, "[::1]:5353", rule.Listen)
	assert.Equal(t, multiplex.Target{Host: "1.1.1.1", Port: 53}, rule.Target)

	for _, bad := range []string{"", "tcp", "sctp:1.2.3.4:5=a:1", "tcp:127.0.0.1=a:1", "tcp:127.0.0.1:80", "udp:127.0.0.1:53=nowhere"} {
		_, err := ParseForwardRule(bad)
		assert.Error(t, err, bad)
	}
}
