package multiplex

import (
	"errors"
	"math"
)

var errIDsExhausted = errors.New("no stream id available")

// streamRegistry maps stream ids to stream state. It is owned by the session
// loop and never touched from any other goroutine.
type streamRegistry struct {
	streams map[uint32]*streamState
	nextID  uint32
	// nextGen tags every stream so that handles of a closed stream cannot act
	// on a later stream that reuses its id
	nextGen uint64
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{
		streams: map[uint32]*streamState{},
		nextID:  1,
		nextGen: 1,
	}
}

// allocate hands out the next id not currently registered. Ids increase
// monotonically and wrap around, skipping 0.
func (r *streamRegistry) allocate() (id uint32, gen uint64, err error) {
	if uint64(len(r.streams)) >= math.MaxUint32 {
		return 0, 0, errIDsExhausted
	}
	for {
		id = r.nextID
		r.nextID++
		if r.nextID == controlStreamID {
			r.nextID = 1
		}
		if _, taken := r.streams[id]; !taken {
			break
		}
	}
	gen = r.nextGen
	r.nextGen++
	return id, gen, nil
}

func (r *streamRegistry) insert(st *streamState) {
	if _, dup := r.streams[st.id]; dup {
		panic("stream id registered twice")
	}
	r.streams[st.id] = st
}

func (r *streamRegistry) lookup(id uint32) (*streamState, bool) {
	st, ok := r.streams[id]
	return st, ok
}

// lookupGen is lookup that also requires the stream generation to match.
// gen 0 matches any generation.
func (r *streamRegistry) lookupGen(id uint32, gen uint64) (*streamState, bool) {
	st, ok := r.streams[id]
	if !ok || (gen != 0 && st.gen != gen) {
		return nil, false
	}
	return st, true
}

func (r *streamRegistry) remove(id uint32) { delete(r.streams, id) }

func (r *streamRegistry) len() int { return len(r.streams) }

// each calls fn for every registered stream. fn may remove the stream it is
// given.
func (r *streamRegistry) each(fn func(*streamState)) {
	for _, st := range r.streams {
		fn(st)
	}
}
