package engine

import (
	"sync/atomic"

	"github.com/database64128/blockack-go/frame"
	"github.com/database64128/blockack-go/reorder"
	"github.com/database64128/blockack-go/seqnum"
)

// SessionStats is a snapshot of one session's state and counters.
type SessionStats struct {
	Peer   frame.Peer
	TID    uint8
	State  State
	Window uint16
	Head   seqnum.Num
	Tail   seqnum.Num
	Held   int

	// Reorder holds the session's reorder buffer counters.
	Reorder reorder.Stats
}

// Stats is a snapshot of device-wide counters. Frame counters cover both
// live sessions and sessions that have since been torn down.
type Stats struct {
	// Sessions is the number of currently allocated sessions.
	Sessions int

	SessionsOpened       uint64
	SessionsClosed       uint64
	NegotiationsRejected uint64
	FramesMalformed      uint64
	FramesInvalidSession uint64

	FramesReceived   uint64
	FramesDelivered  uint64
	FramesOutOfOrder uint64
	FramesDuplicate  uint64
	FramesStale      uint64
	SlideLost        uint64
	TimeoutGaps      uint64
}

func (st *Stats) addReorder(s reorder.Stats) {
	st.FramesReceived += s.Received
	st.FramesDelivered += s.Delivered
	st.FramesOutOfOrder += s.OutOfOrder
	st.FramesDuplicate += s.Duplicates
	st.FramesStale += s.Stale
	st.SlideLost += s.SlideLost
	st.TimeoutGaps += s.TimeoutGaps
}

// deviceCounters accumulates counters that outlive individual sessions.
// Reorder buffer counters are folded in when a session's slot is released.
type deviceCounters struct {
	sessionsOpened       atomic.Uint64
	sessionsClosed       atomic.Uint64
	negotiationsRejected atomic.Uint64
	framesMalformed      atomic.Uint64
	framesInvalidSession atomic.Uint64

	received    atomic.Uint64
	delivered   atomic.Uint64
	outOfOrder  atomic.Uint64
	duplicates  atomic.Uint64
	stale       atomic.Uint64
	slideLost   atomic.Uint64
	timeoutGaps atomic.Uint64
}

func (c *deviceCounters) addReorderStats(s reorder.Stats) {
	c.received.Add(s.Received)
	c.delivered.Add(s.Delivered)
	c.outOfOrder.Add(s.OutOfOrder)
	c.duplicates.Add(s.Duplicates)
	c.stale.Add(s.Stale)
	c.slideLost.Add(s.SlideLost)
	c.timeoutGaps.Add(s.TimeoutGaps)
}

func (c *deviceCounters) snapshot() Stats {
	return Stats{
		SessionsOpened:       c.sessionsOpened.Load(),
		SessionsClosed:       c.sessionsClosed.Load(),
		NegotiationsRejected: c.negotiationsRejected.Load(),
		FramesMalformed:      c.framesMalformed.Load(),
		FramesInvalidSession: c.framesInvalidSession.Load(),
		FramesReceived:       c.received.Load(),
		FramesDelivered:      c.delivered.Load(),
		FramesOutOfOrder:     c.outOfOrder.Load(),
		FramesDuplicate:      c.duplicates.Load(),
		FramesStale:          c.stale.Load(),
		SlideLost:            c.slideLost.Load(),
		TimeoutGaps:          c.timeoutGaps.Load(),
	}
}
