//go:build linux

package transport

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper-tun/whisper/internal/multiplex"
	"github.com/whisper-tun/whisper/internal/multiplex/muxtest"
)

func TestPTY_Session(t *testing.T) {
	ptmx, tty, err := pty.Open()
	require.NoError(t, err)
	defer ptmx.Close()

	u := &url.URL{Scheme: "pty", Path: tty.Name()}
	tr, err := Dial(testCtx(t), Config{URL: u})
	require.NoError(t, err)
	tty.Close()
	assert.False(t, tr.MessageOriented())
	assert.Equal(t, u.Path, tr.RemoteAddr().String())

	go muxtest.NewRelay(NewStreamTransport(ptmx, nil), muxtest.RelayConfig{}).Serve(context.Background())

	sesh, err := multiplex.NewSession(testCtx(t), tr, multiplex.SessionConfig{})
	require.NoError(t, err)
	defer sesh.Close()

	stream, err := sesh.OpenStream(testCtx(t), multiplex.KindTCP, multiplex.Target{Host: "example.com", Port: 22})
	require.NoError(t, err)
	// every byte value has to survive the terminal
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	go stream.Write(data)
	got := make([]byte, len(data))
	_, err = io.ReadFull(stream, got)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStartCommand_Cat(t *testing.T) {
	tr, err := StartCommand([]string{"cat"})
	require.NoError(t, err)
	defer tr.Close()

	sent := []byte{0x00, 0x03, 0x04, 0x0a, 0x0d, 0x1a, 0x7f, 0xff}
	require.NoError(t, tr.Send(testCtx(t), sent))

	var got []byte
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for len(got) < len(sent) {
		msg, err := tr.Receive(ctx)
		require.NoError(t, err)
		got = append(got, msg...)
	}
	assert.True(t, bytes.Equal(sent, got), "got %x", got)
}

func TestStreamTransport_ReceiveAfterClose(t *testing.T) {
	ptmx, tty, err := pty.Open()
	require.NoError(t, err)
	defer tty.Close()
	tr := NewStreamTransport(ptmx, nil)
	require.NoError(t, tr.Close())
	_, err = tr.Receive(testCtx(t))
	assert.Error(t, err)
}
