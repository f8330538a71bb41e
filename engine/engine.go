// Package engine implements the receive-side block-ack reordering engine:
// per-peer, per-traffic-class reorder sessions negotiated with ADDBA and
// DELBA frames, bounded by a fixed-capacity session table, and driven by
// the frame arrival path and by reorder flush and inactivity timers.
package engine

import (
	"errors"
	"log/slog"
	"math/bits"
	"time"

	"github.com/database64128/blockack-go/frame"
	"github.com/database64128/blockack-go/reorder"
	"github.com/database64128/blockack-go/seqnum"
	"github.com/database64128/blockack-go/tslog"
)

var (
	// ErrClosed is returned when the engine has been closed.
	ErrClosed = errors.New("engine is closed")

	// ErrResourceExhausted is returned when the session table is full.
	ErrResourceExhausted = errors.New("session table is full")

	// ErrSessionExists is returned when a session already exists for the
	// (peer, traffic class) pair.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned when no session exists for the
	// (peer, traffic class) pair.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidSession is returned when a data frame has no active session.
	ErrInvalidSession = errors.New("no active session for frame")

	// ErrDuplicate is returned when a data frame's slot is already occupied.
	ErrDuplicate = errors.New("duplicate frame")

	// ErrStale is returned when a data frame is behind the reorder window.
	ErrStale = errors.New("frame behind reorder window")
)

// Deliverer receives reordered frames from the engine.
//
// Deliver is called with the owning session's lock held, so it must not
// call back into the engine, and it must return quickly. The payload is
// only valid until Deliver returns.
type Deliverer interface {
	Deliver(peer frame.Peer, tid uint8, seq seqnum.Num, payload []byte)
}

// DelivererFunc is a function that implements [Deliverer].
type DelivererFunc func(peer frame.Peer, tid uint8, seq seqnum.Num, payload []byte)

// Deliver implements [Deliverer.Deliver].
func (f DelivererFunc) Deliver(peer frame.Peer, tid uint8, seq seqnum.Num, payload []byte) {
	f(peer, tid, seq, payload)
}

// SessionID identifies an allocated session slot. The generation field
// distinguishes successive occupants of the same slot.
type SessionID struct {
	idx int32
	gen uint32
}

// OpenOptions carries the negotiation parameters for a locally originated
// session open.
type OpenOptions struct {
	// Policy is the set of requested block-ack policy flags.
	Policy frame.Policy

	// Window is the requested window size. It is clamped to the engine's
	// window bounds and rounded up to a power of two.
	Window uint16

	// StartSeq is the first expected sequence number.
	StartSeq seqnum.Num

	// Timeout is the requested reorder flush timeout.
	// Zero selects the engine default.
	Timeout time.Duration
}

// Engine reorders sequenced data frames on behalf of its sessions and
// hands them to the deliverer in sequence order.
type Engine struct {
	logger    *tslog.Logger
	deliverer Deliverer

	minWindow          uint16
	maxWindow          uint16
	reorderTimeout     time.Duration
	inactivityTimeout  time.Duration
	negotiationTimeout time.Duration

	table    *table
	counters deviceCounters
}

// Engine creates a block-ack reorder engine from the config.
func (c Config) Engine(logger *tslog.Logger, deliverer Deliverer) (*Engine, error) {
	if deliverer == nil {
		return nil, errors.New("deliverer must not be nil")
	}
	if err := c.CheckAndApplyDefaults(); err != nil {
		return nil, err
	}
	return &Engine{
		logger:             logger,
		deliverer:          deliverer,
		minWindow:          uint16(c.MinWindow),
		maxWindow:          uint16(c.MaxWindow),
		reorderTimeout:     time.Duration(c.DefaultReorderTimeout),
		inactivityTimeout:  time.Duration(c.InactivityTimeout),
		negotiationTimeout: time.Duration(c.NegotiationTimeout),
		table:              newTable(c.MaxSessions),
	}, nil
}

// clampWindow clamps w to the engine's window bounds and rounds it up to
// a power of two, so reorder buffer slot indexing stays a bitmask.
// MaxWindow is itself a power of two, so the upper bound holds.
func (e *Engine) clampWindow(w uint16) uint16 {
	w = min(max(w, e.minWindow), e.maxWindow)
	return 1 << bits.Len16(w-1)
}

// OpenSession starts negotiating a reorder session with peer for the
// given traffic class, as if an ADDBA request had been sent. The session
// becomes active when the peer's accepting ADDBA response is handled,
// and is abandoned if none arrives before the negotiation timeout.
func (e *Engine) OpenSession(peer frame.Peer, tid uint8, o OpenOptions) (SessionID, error) {
	if tid > frame.MaxTID {
		return SessionID{}, frame.ErrInvalidTID
	}
	if !seqnum.Valid(o.StartSeq) {
		return SessionID{}, frame.ErrInvalidSeq
	}

	idx, err := e.table.allocate(sessionKey{peer: peer, tid: tid})
	if err != nil {
		return SessionID{}, err
	}

	timeout := o.Timeout
	if timeout == 0 {
		timeout = e.reorderTimeout
	}

	s := &e.table.sessions[idx]
	s.mu.Lock()
	gen := s.gen
	s.state = StateNegotiating
	s.peer = peer
	s.tid = tid
	s.policy = o.Policy
	s.startSeq = o.StartSeq
	s.window = e.clampWindow(o.Window)
	s.reorderTimeout = timeout
	s.inactTimer = time.AfterFunc(e.negotiationTimeout, func() {
		e.onNegotiationTimeout(idx, gen)
	})
	s.mu.Unlock()

	e.logger.Info("Started session negotiation",
		tslog.Peer("peer", peer),
		tslog.Uint("tid", tid),
		tslog.Uint("startSeq", o.StartSeq),
	)
	return SessionID{idx: idx, gen: gen}, nil
}

// HandleFrame classifies one inbound frame and routes it to the owning
// session. For ADDBA requests it returns the response frame to send back
// to the peer. Per-frame errors are counted and returned for visibility;
// none of them are fatal.
func (e *Engine) HandleFrame(raw []byte) (resp []byte, err error) {
	typ, err := frame.Classify(raw)
	if err != nil {
		e.counters.framesMalformed.Add(1)
		return nil, err
	}

	switch typ {
	case frame.TypeData:
		f, err := frame.ParseData(raw)
		if err != nil {
			e.counters.framesMalformed.Add(1)
			return nil, err
		}
		return nil, e.SubmitFrame(f.Peer, f.TID, f.Seq, f.Payload)

	case frame.TypeAddBAReq:
		f, err := frame.ParseAddBAReq(raw)
		if err != nil {
			e.counters.framesMalformed.Add(1)
			return nil, err
		}
		return e.handleAddBAReq(f)

	case frame.TypeAddBAResp:
		f, err := frame.ParseAddBAResp(raw)
		if err != nil {
			e.counters.framesMalformed.Add(1)
			return nil, err
		}
		return nil, e.handleAddBAResp(f)

	default: // frame.TypeDelBA
		f, err := frame.ParseDelBA(raw)
		if err != nil {
			e.counters.framesMalformed.Add(1)
			return nil, err
		}
		return nil, e.CloseSession(f.Peer, f.TID, f.Reason)
	}
}

// SubmitFrame hands one sequenced data frame to the owning session for
// reordering. The payload is only retained until it is delivered.
func (e *Engine) SubmitFrame(peer frame.Peer, tid uint8, seq seqnum.Num, payload []byte) error {
	if tid > frame.MaxTID {
		e.counters.framesMalformed.Add(1)
		return frame.ErrInvalidTID
	}
	if !seqnum.Valid(seq) {
		e.counters.framesMalformed.Add(1)
		return frame.ErrInvalidSeq
	}

	idx, ok := e.table.get(sessionKey{peer: peer, tid: tid})
	if !ok {
		e.counters.framesInvalidSession.Add(1)
		return ErrInvalidSession
	}

	s := &e.table.sessions[idx]
	s.mu.Lock()
	if s.state != StateActive || s.peer != peer || s.tid != tid {
		s.mu.Unlock()
		e.counters.framesInvalidSession.Add(1)
		return ErrInvalidSession
	}

	res := s.buf.Submit(seq, payload, s.sink)
	switch res {
	case reorder.Delivered, reorder.Buffered:
		s.inactTimer.Reset(e.inactivityTimeout)
		if s.buf.Len() > 0 {
			if !s.flushArmed {
				s.flushTimer.Reset(s.reorderTimeout)
				s.flushArmed = true
			}
		} else if s.flushArmed {
			s.flushTimer.Stop()
			s.flushArmed = false
		}
	}
	s.mu.Unlock()

	switch res {
	case reorder.Duplicate:
		return ErrDuplicate
	case reorder.Stale:
		return ErrStale
	default:
		return nil
	}
}

// SessionStats returns a snapshot of the session for the
// (peer, traffic class) pair.
func (e *Engine) SessionStats(peer frame.Peer, tid uint8) (SessionStats, bool) {
	idx, ok := e.table.get(sessionKey{peer: peer, tid: tid})
	if !ok {
		return SessionStats{}, false
	}
	s := &e.table.sessions[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || s.peer != peer || s.tid != tid {
		return SessionStats{}, false
	}
	return s.snapshotLocked(), true
}

// Stats returns a snapshot of device-wide counters.
func (e *Engine) Stats() Stats {
	st := e.counters.snapshot()

	t := e.table
	t.mu.Lock()
	idxs := make([]int32, 0, len(t.lookup))
	for _, idx := range t.lookup {
		idxs = append(idxs, idx)
	}
	t.mu.Unlock()

	for _, idx := range idxs {
		s := &t.sessions[idx]
		s.mu.Lock()
		if s.state != StateIdle {
			st.Sessions++
			if s.buf != nil {
				st.addReorder(s.buf.Stats())
			}
		}
		s.mu.Unlock()
	}
	return st
}

// CloseSession drains and tears down the session for the
// (peer, traffic class) pair. Held frames are delivered in sequence
// order before the slot is released.
func (e *Engine) CloseSession(peer frame.Peer, tid uint8, reason frame.Reason) error {
	if tid > frame.MaxTID {
		e.counters.framesMalformed.Add(1)
		return frame.ErrInvalidTID
	}

	idx, ok := e.table.get(sessionKey{peer: peer, tid: tid})
	if !ok {
		e.counters.framesInvalidSession.Add(1)
		return ErrSessionNotFound
	}

	s := &e.table.sessions[idx]
	s.mu.Lock()
	if (s.state != StateActive && s.state != StateNegotiating) || s.peer != peer || s.tid != tid {
		s.mu.Unlock()
		e.counters.framesInvalidSession.Add(1)
		return ErrSessionNotFound
	}
	gen := s.gen
	s.state = StateClosing
	if s.buf != nil {
		s.buf.Drain(s.sink)
	}
	s.stopTimersLocked()
	s.mu.Unlock()

	e.releaseSlot(idx, gen)
	e.counters.sessionsClosed.Add(1)
	e.logger.Info("Closed session",
		tslog.Peer("peer", peer),
		tslog.Uint("tid", tid),
		slog.Any("reason", reason),
	)
	return nil
}

// Close drains and tears down all sessions and rejects further opens.
func (e *Engine) Close() error {
	t := e.table
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	keys := make([]sessionKey, 0, len(t.lookup))
	for k := range t.lookup {
		keys = append(keys, k)
	}
	t.mu.Unlock()

	for _, k := range keys {
		_ = e.CloseSession(k.peer, k.tid, frame.ReasonUnspecified)
	}
	e.logger.Info("Closed engine")
	return nil
}

// handleAddBAReq decides an inbound session-open request, activating a
// session on acceptance. It always returns a response frame for the peer.
func (e *Engine) handleAddBAReq(f frame.AddBAReq) (resp []byte, err error) {
	refuse := func(status frame.Status) []byte {
		return frame.AddBAResp{
			Header: frame.Header{Peer: f.Peer, TID: f.TID},
			Status: status,
			Policy: f.Policy,
		}.AppendTo(nil)
	}

	idx, err := e.table.allocate(sessionKey{peer: f.Peer, tid: f.TID})
	if err != nil {
		e.counters.negotiationsRejected.Add(1)
		e.logger.Info("Refused session open",
			tslog.Peer("peer", f.Peer),
			tslog.Uint("tid", f.TID),
			tslog.Err(err),
		)
		switch err {
		case ErrSessionExists:
			return refuse(frame.StatusAlreadyExists), err
		case ErrResourceExhausted:
			return refuse(frame.StatusResourceLimit), err
		default:
			return refuse(frame.StatusRefused), err
		}
	}

	window := e.clampWindow(f.Window)
	timeout := e.reorderTimeout
	if f.Timeout != 0 {
		timeout = time.Duration(f.Timeout) * time.Millisecond
	}

	// The responder accepts and activates in one critical section: the
	// response frame completes the exchange, so the slot never needs an
	// observable negotiating state.
	s := &e.table.sessions[idx]
	s.mu.Lock()
	s.peer = f.Peer
	s.tid = f.TID
	s.policy = f.Policy
	s.startSeq = f.StartSeq
	e.activateLocked(s, idx, window, timeout)
	s.mu.Unlock()

	e.counters.sessionsOpened.Add(1)
	e.logger.Info("Accepted session open",
		tslog.Peer("peer", f.Peer),
		tslog.Uint("tid", f.TID),
		tslog.Uint("window", window),
		tslog.Uint("startSeq", f.StartSeq),
		slog.Duration("reorderTimeout", timeout),
	)

	return frame.AddBAResp{
		Header:  frame.Header{Peer: f.Peer, TID: f.TID},
		Status:  frame.StatusSuccess,
		Policy:  f.Policy,
		Window:  window,
		Timeout: uint16(timeout / time.Millisecond),
	}.AppendTo(nil), nil
}

// handleAddBAResp completes a locally originated open exchange.
// A rejection by the peer is a normal outcome, not a fault.
func (e *Engine) handleAddBAResp(f frame.AddBAResp) error {
	idx, ok := e.table.get(sessionKey{peer: f.Peer, tid: f.TID})
	if !ok {
		e.counters.framesInvalidSession.Add(1)
		return ErrInvalidSession
	}

	s := &e.table.sessions[idx]
	s.mu.Lock()
	if s.state != StateNegotiating || s.peer != f.Peer || s.tid != f.TID {
		s.mu.Unlock()
		e.counters.framesInvalidSession.Add(1)
		return ErrInvalidSession
	}
	gen := s.gen

	if f.Status != frame.StatusSuccess {
		s.state = StateClosing
		s.stopTimersLocked()
		s.mu.Unlock()

		e.releaseSlot(idx, gen)
		e.counters.negotiationsRejected.Add(1)
		e.logger.Info("Session open rejected by peer",
			tslog.Peer("peer", f.Peer),
			tslog.Uint("tid", f.TID),
			slog.Any("status", f.Status),
		)
		return nil
	}

	window := e.clampWindow(f.Window)
	timeout := s.reorderTimeout
	if f.Timeout != 0 {
		timeout = time.Duration(f.Timeout) * time.Millisecond
	}
	e.activateLocked(s, idx, window, timeout)
	s.mu.Unlock()

	e.counters.sessionsOpened.Add(1)
	e.logger.Info("Session open accepted by peer",
		tslog.Peer("peer", f.Peer),
		tslog.Uint("tid", f.TID),
		tslog.Uint("window", window),
		slog.Duration("reorderTimeout", timeout),
	)
	return nil
}

// activateLocked moves a claimed slot to [StateActive]. The session's
// identity fields must already be set and its lock held.
func (e *Engine) activateLocked(s *session, idx int32, window uint16, timeout time.Duration) {
	gen := s.gen
	peer, tid := s.peer, s.tid
	s.state = StateActive
	s.window = window
	s.reorderTimeout = timeout
	s.buf = reorder.New(window, s.startSeq)
	s.sink = func(seq seqnum.Num, payload []byte) {
		e.deliverer.Deliver(peer, tid, seq, payload)
	}
	if s.inactTimer != nil {
		s.inactTimer.Stop()
	}
	// The flush timer is created stopped and armed on demand by the
	// frame arrival path.
	s.flushTimer = time.AfterFunc(time.Hour, func() {
		e.onFlushTimeout(idx, gen)
	})
	s.flushTimer.Stop()
	s.flushArmed = false
	s.inactTimer = time.AfterFunc(e.inactivityTimeout, func() {
		e.onInactivity(idx, gen)
	})
}

// releaseSlot returns a closing slot to the free pool, folding its final
// reorder buffer counters into the device totals. The caller must have
// moved the session to [StateClosing] with its timers stopped.
func (e *Engine) releaseSlot(idx int32, gen uint32) {
	t := e.table
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.sessions[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateClosing {
		return
	}
	delete(t.lookup, sessionKey{peer: s.peer, tid: s.tid})
	if s.buf != nil {
		e.counters.addReorderStats(s.buf.Stats())
	}
	s.retireLocked()
	t.free = append(t.free, idx)
}

// onFlushTimeout advances the reorder buffer past the missing frames at
// its head, accepting the loss, and re-arms if frames remain held.
func (e *Engine) onFlushTimeout(idx int32, gen uint32) {
	s := &e.table.sessions[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateActive {
		return
	}
	if e.logger.Enabled(slog.LevelDebug) {
		e.logger.Debug("Reorder flush timeout",
			tslog.Peer("peer", s.peer),
			tslog.Uint("tid", s.tid),
			tslog.Uint("head", s.buf.Head()),
			tslog.Int("held", s.buf.Len()),
		)
	}
	if s.buf.FlushTimeout(s.sink) {
		s.flushTimer.Reset(s.reorderTimeout)
	} else {
		s.flushArmed = false
	}
}

// onInactivity tears down a session that stopped receiving frames.
func (e *Engine) onInactivity(idx int32, gen uint32) {
	s := &e.table.sessions[idx]
	s.mu.Lock()
	if s.gen != gen || s.state != StateActive {
		s.mu.Unlock()
		return
	}
	peer, tid := s.peer, s.tid
	s.state = StateClosing
	s.buf.Drain(s.sink)
	s.stopTimersLocked()
	s.mu.Unlock()

	e.releaseSlot(idx, gen)
	e.counters.sessionsClosed.Add(1)
	e.logger.Info("Closed session after inactivity timeout",
		tslog.Peer("peer", peer),
		tslog.Uint("tid", tid),
	)
}

// onNegotiationTimeout abandons a session whose open exchange never
// completed.
func (e *Engine) onNegotiationTimeout(idx int32, gen uint32) {
	s := &e.table.sessions[idx]
	s.mu.Lock()
	if s.gen != gen || s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	peer, tid := s.peer, s.tid
	s.state = StateClosing
	s.stopTimersLocked()
	s.mu.Unlock()

	e.releaseSlot(idx, gen)
	e.counters.negotiationsRejected.Add(1)
	e.logger.Warn("Abandoned session negotiation after timeout",
		tslog.Peer("peer", peer),
		tslog.Uint("tid", tid),
	)
}
