package multiplex

import (
	"time"
)

// StreamState is the lifecycle position of a stream.
//
//	Connecting --DATA/CONTINUE--> Open
//	Connecting/Open --local close--> ClosingLocal --remote CLOSE--> Closed
//	Open --remote CLOSE(normal)--> ClosingRemote --local close--> Closed
//	Connecting --remote CLOSE--> Closed (connect failed)
//	any --session failure--> Closed
type StreamState int

const (
	StateConnecting StreamState = iota
	StateOpen
	StateClosingLocal
	StateClosingRemote
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosingLocal:
		return "closing-local"
	case StateClosingRemote:
		return "closing-remote"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// canSend reports whether DATA may still be written by this side
func (s StreamState) canSend() bool {
	return s == StateConnecting || s == StateOpen || s == StateClosingRemote
}

// peerCanSend reports whether the relay may still write DATA
func (s StreamState) peerCanSend() bool {
	return s == StateConnecting || s == StateOpen || s == StateClosingLocal
}

type writeResult struct {
	n   int
	err error
}

type writeRequest struct {
	id   uint32
	gen  uint64
	data []byte
	// n counts the bytes already framed
	n     int
	reply chan writeResult
}

func (req *writeRequest) finish(err error) {
	req.reply <- writeResult{n: req.n, err: err}
}

// streamState is the registry's record of one stream
type streamState struct {
	id     uint32
	gen    uint64
	kind   StreamKind
	target Target
	state  StreamState

	// sendCredit is what this side may still send before the relay grants more
	sendCredit uint32
	// recvWindow is what the relay may still send before this side grants more
	recvWindow uint32
	// unacked counts bytes the adapter consumed that have not been granted
	// back to the relay yet
	unacked uint32

	recvBuf recvBuffer

	// writes wait here, head first, while credit is short
	writes []*writeRequest
	// stalled is set while the stream sits in the session's stall queue
	stalled bool

	opened   time.Time
	bytesIn  uint64
	bytesOut uint64
}

func newStreamState(id uint32, gen uint64, kind StreamKind, target Target, sendCredit, recvWindow uint32) *streamState {
	return &streamState{
		id:         id,
		gen:        gen,
		kind:       kind,
		target:     target,
		state:      StateConnecting,
		sendCredit: sendCredit,
		recvWindow: recvWindow,
		recvBuf:    newRecvBuffer(kind),
		opened:     time.Now(),
	}
}

// failWrites answers every queued write with err
func (st *streamState) failWrites(err error) {
	for _, req := range st.writes {
		req.finish(err)
	}
	st.writes = nil
}

func (st *streamState) removeWrite(target *writeRequest) bool {
	for i, req := range st.writes {
		if req == target {
			st.writes = append(st.writes[:i], st.writes[i+1:]...)
			return true
		}
	}
	return false
}

// StreamInfo is a point-in-time view of a stream
type StreamInfo struct {
	ID         uint32
	Kind       StreamKind
	Target     Target
	State      StreamState
	SendCredit uint32
	RecvWindow uint32
	Queued     int
	BytesIn    uint64
	BytesOut   uint64
	Opened     time.Time
}

func (st *streamState) info() StreamInfo {
	return StreamInfo{
		ID:         st.id,
		Kind:       st.kind,
		Target:     st.target,
		State:      st.state,
		SendCredit: st.sendCredit,
		RecvWindow: st.recvWindow,
		Queued:     len(st.writes),
		BytesIn:    st.bytesIn,
		BytesOut:   st.bytesOut,
		Opened:     st.opened,
	}
}
