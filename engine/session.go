package engine

import (
	"sync"
	"time"

	"github.com/database64128/blockack-go/frame"
	"github.com/database64128/blockack-go/reorder"
	"github.com/database64128/blockack-go/seqnum"
)

// State is a session lifecycle state.
type State uint8

const (
	// StateIdle means the slot is unallocated.
	StateIdle State = iota

	// StateNegotiating means an open exchange is in flight.
	StateNegotiating

	// StateActive means the session is reordering data frames.
	StateActive

	// StateClosing means the session has drained and is about to
	// return to the free pool.
	StateClosing
)

// String implements [fmt.Stringer.String].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// session is one (peer, traffic class) reorder session. Its lock is held
// for the whole of a frame-arrival or timer operation; all such work is
// short and never blocks.
type session struct {
	mu    sync.Mutex
	state State

	// gen increments every time the slot is retired, so in-flight timer
	// callbacks for a previous occupant detect the reuse and bail.
	gen uint32

	peer     frame.Peer
	tid      uint8
	policy   frame.Policy
	startSeq seqnum.Num
	window   uint16

	buf  *reorder.Buffer
	sink reorder.Sink

	reorderTimeout time.Duration
	flushTimer     *time.Timer
	flushArmed     bool
	inactTimer     *time.Timer
}

func (s *session) stopTimersLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushArmed = false
	}
	if s.inactTimer != nil {
		s.inactTimer.Stop()
	}
}

// retireLocked returns the slot to its idle state.
func (s *session) retireLocked() {
	s.stopTimersLocked()
	s.state = StateIdle
	s.gen++
	s.buf = nil
	s.sink = nil
	s.flushTimer = nil
	s.inactTimer = nil
}

func (s *session) snapshotLocked() SessionStats {
	ss := SessionStats{
		Peer:   s.peer,
		TID:    s.tid,
		State:  s.state,
		Window: s.window,
	}
	if s.buf != nil {
		ss.Head = s.buf.Head()
		ss.Tail = s.buf.Tail()
		ss.Held = s.buf.Len()
		ss.Reorder = s.buf.Stats()
	}
	return ss
}
