package tunnel

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper-tun/whisper/internal/multiplex"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFlowTable_DemultiplexesByKey(t *testing.T) {
	table := newFlowTable(time.Minute)
	defer table.close()
	target := multiplex.Target{Host: "1.1.1.1", Port: 53}

	var replies [][]byte
	reply := func(p []byte) error {
		replies = append(replies, p)
		return nil
	}
	buf := []byte("one")
	table.deliver("a", target, buf, reply)
	// deliver copies, so the caller may reuse its buffer
	copy(buf, "two")
	table.deliver("a", target, buf, reply)
	table.deliver("b", target, []byte("other"), reply)

	a, err := table.Accept(testCtx(t))
	require.NoError(t, err)
	b, err := table.Accept(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 2, table.len())
	assert.Equal(t, multiplex.KindUDP, a.Kind())
	assert.Equal(t, target, a.Target())

	got := make([]byte, 16)
	n, err := a.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got[:n]))
	n, err = a.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got[:n]))
	n, err = b.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "other", string(got[:n]))

	_, err = a.Write([]byte("answer"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("answer")}, replies)

	require.NoError(t, a.Close())
	assert.Equal(t, 1, table.len())
	_, err = a.Write([]byte("late"))
	assert.Error(t, err)
}

func TestFlowTable_ExpiresIdleFlows(t *testing.T) {
	table := newFlowTable(40 * time.Millisecond)
	defer table.close()
	table.deliver("a", multiplex.Target{Host: "1.1.1.1", Port: 53}, []byte("x"), func([]byte) error { return nil })
	flow, err := table.Accept(testCtx(t))
	require.NoError(t, err)
	flow.Read(make([]byte, 1))

	_, err = flow.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
	assert.Eventually(t, func() bool { return table.len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestFlowTable_QueueOverflowDrops(t *testing.T) {
	table := newFlowTable(time.Minute)
	defer table.close()
	target := multiplex.Target{Host: "1.1.1.1", Port: 53}
	for i := 0; i < flowQueueLen+10; i++ {
		table.deliver("a", target, []byte{byte(i)}, func([]byte) error { return nil })
	}
	assert.Equal(t, uint64(10), table.queueDropped.Load())
}

func TestUDPFlow_ShortBuffer(t *testing.T) {
	table := newFlowTable(time.Minute)
	defer table.close()
	big := make([]byte, 100)
	big[99] = 'z'
	table.deliver("a", multiplex.Target{Host: "1.1.1.1", Port: 53}, big, func([]byte) error { return nil })
	flow, err := table.Accept(testCtx(t))
	require.NoError(t, err)

	n, err := flow.Read(make([]byte, 10))
	assert.Equal(t, io.ErrShortBuffer, err)
	assert.Zero(t, n)

	// the datagram is still there for a large enough buffer
	got := make([]byte, 200)
	n, err = flow.Read(got)
	require.NoError(t, err)
	assert.Equal(t, big, got[:n])
}
