package multiplex

import (
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPipeRW(t *testing.T) {
	pipe := NewStreamBufferedPipe()
	b := []byte{0x01, 0x02, 0x03}
	assert.NoError(t, pipe.Write(b))

	b2 := make([]byte, len(b))
	n, err := pipe.Read(b2)
	assert.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, b, b2)
}

func TestReadBlock(t *testing.T) {
	pipe := NewStreamBufferedPipe()
	b := []byte{0x01, 0x02, 0x03}
	go func() {
		time.Sleep(100 * time.Millisecond)
		pipe.Write(b)
	}()
	b2 := make([]byte, len(b))
	n, err := pipe.Read(b2)
	assert.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, b, b2)
}

func TestPartialRead(t *testing.T) {
	pipe := NewStreamBufferedPipe()
	b := []byte{0x01, 0x02, 0x03}
	pipe.Write(b)
	b1 := make([]byte, 1)
	n, err := pipe.Read(b1)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, b[0], b1[0])

	b2 := make([]byte, 2)
	n, err = pipe.Read(b2)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, b[1:], b2)
}

func TestReadAfterClose(t *testing.T) {
	pipe := NewStreamBufferedPipe()
	b := []byte{0x01, 0x02, 0x03}
	pipe.Write(b)
	pipe.CloseWithError(nil)

	b2 := make([]byte, len(b))
	n, err := pipe.Read(b2)
	assert.NoError(t, err)
	assert.Equal(t, len(b), n)
	assert.Equal(t, b, b2)

	_, err = pipe.Read(b2)
	assert.Equal(t, io.EOF, err)
}

func TestPipeCloseLocal(t *testing.T) {
	pipe := NewStreamBufferedPipe()
	pipe.Write(make([]byte, 10))
	assert.Equal(t, 10, pipe.closeLocal())
	assert.Equal(t, 0, pipe.closeLocal(), "second close discards nothing")

	_, err := pipe.Read(make([]byte, 10))
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Equal(t, io.ErrClosedPipe, pipe.Write([]byte{1}))
}

func TestPipeReadDeadline(t *testing.T) {
	pipe := NewStreamBufferedPipe()
	pipe.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	start := time.Now()
	_, err := pipe.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	pipe.SetReadDeadline(time.Time{})
	pipe.Write([]byte{1})
	n, err := pipe.Read(make([]byte, 1))
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPipeCloseWithErrorWakesReader(t *testing.T) {
	pipe := NewStreamBufferedPipe()
	sentinel := &StreamError{StreamID: 3, Reason: ReasonRefused}
	go func() {
		time.Sleep(50 * time.Millisecond)
		pipe.CloseWithError(sentinel)
	}()
	_, err := pipe.Read(make([]byte, 1))
	assert.Equal(t, sentinel, err)
}

func BenchmarkBufferedPipe_RW(b *testing.B) {
	const PAYLOAD_LEN = 1000
	testData := make([]byte, PAYLOAD_LEN)
	rand.Read(testData)

	pipe := NewStreamBufferedPipe()

	smallBuf := make([]byte, PAYLOAD_LEN-10)
	go func() {
		for {
			pipe.Read(smallBuf)
		}
	}()
	b.SetBytes(int64(len(testData)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pipe.Write(testData)
	}
}
