package multiplex

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Unique(t *testing.T) {
	r := newStreamRegistry()
	seen := map[uint32]bool{}
	for i := 0; i < 1000; i++ {
		id, gen, err := r.allocate()
		require.NoError(t, err)
		assert.NotZero(t, id)
		assert.False(t, seen[id])
		seen[id] = true
		r.insert(newStreamState(id, gen, KindTCP, Target{Host: "a", Port: 1}, 1, 1))
	}
	assert.Equal(t, 1000, r.len())
}

func TestRegistry_WrapSkipsTaken(t *testing.T) {
	r := newStreamRegistry()
	id, gen, _ := r.allocate()
	assert.Equal(t, uint32(1), id)
	r.insert(newStreamState(id, gen, KindTCP, Target{Host: "a", Port: 1}, 1, 1))

	r.nextID = math.MaxUint32
	id, _, _ = r.allocate()
	assert.Equal(t, uint32(math.MaxUint32), id)
	id, _, _ = r.allocate()
	assert.Equal(t, uint32(2), id, "wraps past 0 and the taken id 1")
}

func TestRegistry_Generation(t *testing.T) {
	r := newStreamRegistry()
	id, gen, _ := r.allocate()
	r.insert(newStreamState(id, gen, KindTCP, Target{Host: "a", Port: 1}, 1, 1))

	_, ok := r.lookupGen(id, gen)
	assert.True(t, ok)
	_, ok = r.lookupGen(id, 0)
	assert.True(t, ok)
	_, ok = r.lookupGen(id, gen+1)
	assert.False(t, ok, "stale handle")

	r.remove(id)
	_, ok = r.lookup(id)
	assert.False(t, ok)
}

func TestRegistry_DuplicateInsertPanics(t *testing.T) {
	r := newStreamRegistry()
	r.insert(newStreamState(5, 1, KindTCP, Target{Host: "a", Port: 1}, 1, 1))
	assert.Panics(t, func() {
		r.insert(newStreamState(5, 2, KindTCP, Target{Host: "a", Port: 1}, 1, 1))
	})
}

func TestCoalesce(t *testing.T) {
	a := make([]byte, 10)
	b := make([]byte, 10)
	c := make([]byte, 25)
	msgs := coalesce([][]byte{a, b, c}, 20)
	require.Len(t, msgs, 2)
	assert.Len(t, msgs[0], 20)
	assert.Len(t, msgs[1], 25, "an oversize frame still goes out whole")
	assert.Len(t, a, 10, "input frames are not grown in place")
}

func TestSendBeyondCreditPanics(t *testing.T) {
	sesh := &Session{reg: newStreamRegistry(), maxSendPayload: 100, connSendCredit: 100}
	st := newStreamState(1, 1, KindTCP, Target{Host: "a", Port: 1}, 5, 5)
	assert.Panics(t, func() { sesh.sendData(st, make([]byte, 6)) })
}
