package engine

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/database64128/blockack-go/frame"
	"github.com/database64128/blockack-go/jsonhelper"
	"github.com/database64128/blockack-go/seqnum"
	"github.com/database64128/blockack-go/tslogtest"
)

var (
	peerA = frame.Peer{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01}
	peerB = frame.Peer{0x02, 0x00, 0x5e, 0x00, 0x00, 0x02}
)

type delivery struct {
	peer    frame.Peer
	tid     uint8
	seq     seqnum.Num
	payload string
}

// deliveryRecorder collects delivered frames. Deliver is called with the
// session lock held, possibly from timer goroutines, so it keeps its own
// lock and never calls back into the engine.
type deliveryRecorder struct {
	mu      sync.Mutex
	entries []delivery
}

// Deliver implements [Deliverer.Deliver].
func (r *deliveryRecorder) Deliver(peer frame.Peer, tid uint8, seq seqnum.Num, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, delivery{peer: peer, tid: tid, seq: seq, payload: string(payload)})
}

func (r *deliveryRecorder) seqs() []seqnum.Num {
	r.mu.Lock()
	defer r.mu.Unlock()
	seqs := make([]seqnum.Num, len(r.entries))
	for i, e := range r.entries {
		seqs[i] = e.seq
	}
	return seqs
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *deliveryRecorder) {
	t.Helper()
	logger := tslogtest.Config{Level: slog.LevelDebug}.NewTestLogger(t)
	rec := &deliveryRecorder{}
	e, err := cfg.Engine(logger, rec)
	if err != nil {
		t.Fatalf("cfg.Engine failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, rec
}

func openActiveSession(t *testing.T, e *Engine, peer frame.Peer, tid uint8, window uint16, start seqnum.Num) frame.AddBAResp {
	t.Helper()
	raw := frame.AddBAReq{
		Header:   frame.Header{Peer: peer, TID: tid},
		Policy:   frame.PolicyImmediateAck,
		Window:   window,
		StartSeq: start,
	}.AppendTo(nil)
	respRaw, err := e.HandleFrame(raw)
	if err != nil {
		t.Fatalf("HandleFrame(AddBAReq) failed: %v", err)
	}
	resp, err := frame.ParseAddBAResp(respRaw)
	if err != nil {
		t.Fatalf("ParseAddBAResp failed: %v", err)
	}
	if resp.Status != frame.StatusSuccess {
		t.Fatalf("resp.Status = %v, want %v", resp.Status, frame.StatusSuccess)
	}
	return resp
}

func dataFrame(peer frame.Peer, tid uint8, seq seqnum.Num, payload string) []byte {
	return frame.Data{
		Header:  frame.Header{Peer: peer, TID: tid},
		Seq:     seq,
		Payload: []byte(payload),
	}.AppendTo(nil)
}

func TestAddBAReqOpensSession(t *testing.T) {
	e, _ := newTestEngine(t, Config{MinWindow: 8, MaxWindow: 128})

	resp := openActiveSession(t, e, peerA, 3, 100, 10)
	if resp.Window != 128 {
		t.Errorf("resp.Window = %d, want 128", resp.Window)
	}
	if resp.Timeout == 0 {
		t.Error("resp.Timeout = 0, want granted default")
	}

	ss, ok := e.SessionStats(peerA, 3)
	if !ok {
		t.Fatal("SessionStats: session not found")
	}
	if ss.State != StateActive {
		t.Errorf("ss.State = %v, want %v", ss.State, StateActive)
	}
	if ss.Window != 128 {
		t.Errorf("ss.Window = %d, want 128", ss.Window)
	}
	if ss.Head != 10 {
		t.Errorf("ss.Head = %d, want 10", ss.Head)
	}
}

func TestWindowClampRoundsUp(t *testing.T) {
	e, _ := newTestEngine(t, Config{MinWindow: 8, MaxWindow: 128})

	for _, c := range []struct {
		requested uint16
		granted   uint16
	}{
		{1, 8},
		{8, 8},
		{9, 16},
		{33, 64},
		{128, 128},
		{1000, 128},
	} {
		peer := peerA
		peer[5] = byte(c.requested)
		resp := openActiveSession(t, e, peer, 0, c.requested, 0)
		if resp.Window != c.granted {
			t.Errorf("requested window %d: granted %d, want %d", c.requested, resp.Window, c.granted)
		}
	}
}

func TestReorderDelivery(t *testing.T) {
	e, rec := newTestEngine(t, Config{MinWindow: 4, MaxWindow: 4})
	openActiveSession(t, e, peerA, 0, 4, 10)

	// 12 is held, 10 releases itself and nothing more, 11 releases the run
	// through 12, 13 is in order.
	for _, seq := range []seqnum.Num{12, 10, 11, 13} {
		if _, err := e.HandleFrame(dataFrame(peerA, 0, seq, "p")); err != nil {
			t.Fatalf("HandleFrame(data %d) failed: %v", seq, err)
		}
	}

	want := []seqnum.Num{10, 11, 12, 13}
	if got := rec.seqs(); !slices.Equal(got, want) {
		t.Errorf("delivered %v, want %v", got, want)
	}

	st := e.Stats()
	if st.FramesReceived != 4 {
		t.Errorf("st.FramesReceived = %d, want 4", st.FramesReceived)
	}
	if st.FramesDelivered != 4 {
		t.Errorf("st.FramesDelivered = %d, want 4", st.FramesDelivered)
	}
	if st.FramesOutOfOrder != 1 {
		t.Errorf("st.FramesOutOfOrder = %d, want 1", st.FramesOutOfOrder)
	}
}

func TestDuplicateAndStale(t *testing.T) {
	e, rec := newTestEngine(t, Config{MinWindow: 8, MaxWindow: 8})
	openActiveSession(t, e, peerA, 0, 8, 100)

	if err := e.SubmitFrame(peerA, 0, 102, []byte("held")); err != nil {
		t.Fatalf("SubmitFrame(102) failed: %v", err)
	}
	if err := e.SubmitFrame(peerA, 0, 102, []byte("dup")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("SubmitFrame(102) again: err = %v, want %v", err, ErrDuplicate)
	}
	if err := e.SubmitFrame(peerA, 0, 99, []byte("old")); !errors.Is(err, ErrStale) {
		t.Errorf("SubmitFrame(99): err = %v, want %v", err, ErrStale)
	}

	if err := e.SubmitFrame(peerA, 0, 100, []byte("a")); err != nil {
		t.Fatalf("SubmitFrame(100) failed: %v", err)
	}
	if err := e.SubmitFrame(peerA, 0, 101, []byte("b")); err != nil {
		t.Fatalf("SubmitFrame(101) failed: %v", err)
	}

	want := []seqnum.Num{100, 101, 102}
	if got := rec.seqs(); !slices.Equal(got, want) {
		t.Errorf("delivered %v, want %v", got, want)
	}

	rec.mu.Lock()
	last := rec.entries[2]
	rec.mu.Unlock()
	if last.payload != "held" {
		t.Errorf("frame 102 payload = %q, want the first copy", last.payload)
	}

	st := e.Stats()
	if st.FramesDuplicate != 1 {
		t.Errorf("st.FramesDuplicate = %d, want 1", st.FramesDuplicate)
	}
	if st.FramesStale != 1 {
		t.Errorf("st.FramesStale = %d, want 1", st.FramesStale)
	}
}

func TestForcedWindowSlide(t *testing.T) {
	e, rec := newTestEngine(t, Config{MinWindow: 4, MaxWindow: 4})
	openActiveSession(t, e, peerA, 0, 4, 0)

	if err := e.SubmitFrame(peerA, 0, 2, []byte("p")); err != nil {
		t.Fatalf("SubmitFrame(2) failed: %v", err)
	}
	// 7 is outside [0, 3]. The window slides to [4, 7], releasing the held
	// 2 and counting 0, 1 and 3 as lost.
	if err := e.SubmitFrame(peerA, 0, 7, []byte("p")); err != nil {
		t.Fatalf("SubmitFrame(7) failed: %v", err)
	}

	want := []seqnum.Num{2}
	if got := rec.seqs(); !slices.Equal(got, want) {
		t.Errorf("delivered %v, want %v", got, want)
	}

	ss, ok := e.SessionStats(peerA, 0)
	if !ok {
		t.Fatal("SessionStats: session not found")
	}
	if ss.Head != 4 {
		t.Errorf("ss.Head = %d, want 4", ss.Head)
	}
	if ss.Reorder.SlideLost != 3 {
		t.Errorf("ss.Reorder.SlideLost = %d, want 3", ss.Reorder.SlideLost)
	}
}

func TestSessionTableLimit(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxSessions: 2})

	openActiveSession(t, e, peerA, 0, 16, 0)
	openActiveSession(t, e, peerA, 1, 16, 0)

	raw := frame.AddBAReq{
		Header:   frame.Header{Peer: peerB, TID: 0},
		Window:   16,
		StartSeq: 0,
	}.AppendTo(nil)
	respRaw, err := e.HandleFrame(raw)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("HandleFrame(AddBAReq): err = %v, want %v", err, ErrResourceExhausted)
	}
	resp, err := frame.ParseAddBAResp(respRaw)
	if err != nil {
		t.Fatalf("ParseAddBAResp failed: %v", err)
	}
	if resp.Status != frame.StatusResourceLimit {
		t.Errorf("resp.Status = %v, want %v", resp.Status, frame.StatusResourceLimit)
	}

	// Closing a session frees its slot for the refused peer.
	if err := e.CloseSession(peerA, 1, frame.ReasonUnspecified); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	openActiveSession(t, e, peerB, 0, 16, 0)

	st := e.Stats()
	if st.Sessions != 2 {
		t.Errorf("st.Sessions = %d, want 2", st.Sessions)
	}
	if st.NegotiationsRejected != 1 {
		t.Errorf("st.NegotiationsRejected = %d, want 1", st.NegotiationsRejected)
	}
}

func TestDuplicateAddBAReq(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	openActiveSession(t, e, peerA, 0, 16, 0)

	raw := frame.AddBAReq{
		Header:   frame.Header{Peer: peerA, TID: 0},
		Window:   16,
		StartSeq: 0,
	}.AppendTo(nil)
	respRaw, err := e.HandleFrame(raw)
	if !errors.Is(err, ErrSessionExists) {
		t.Errorf("HandleFrame(AddBAReq): err = %v, want %v", err, ErrSessionExists)
	}
	resp, err := frame.ParseAddBAResp(respRaw)
	if err != nil {
		t.Fatalf("ParseAddBAResp failed: %v", err)
	}
	if resp.Status != frame.StatusAlreadyExists {
		t.Errorf("resp.Status = %v, want %v", resp.Status, frame.StatusAlreadyExists)
	}
}

func TestOpenSessionNegotiation(t *testing.T) {
	e, rec := newTestEngine(t, Config{MinWindow: 8, MaxWindow: 64})

	if _, err := e.OpenSession(peerA, 5, OpenOptions{Window: 32, StartSeq: 200}); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	ss, ok := e.SessionStats(peerA, 5)
	if !ok {
		t.Fatal("SessionStats: session not found")
	}
	if ss.State != StateNegotiating {
		t.Errorf("ss.State = %v, want %v", ss.State, StateNegotiating)
	}

	// Data frames are invalid until the peer accepts.
	if err := e.SubmitFrame(peerA, 5, 200, []byte("p")); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("SubmitFrame before activation: err = %v, want %v", err, ErrInvalidSession)
	}

	raw := frame.AddBAResp{
		Header: frame.Header{Peer: peerA, TID: 5},
		Status: frame.StatusSuccess,
		Window: 32,
	}.AppendTo(nil)
	if _, err := e.HandleFrame(raw); err != nil {
		t.Fatalf("HandleFrame(AddBAResp) failed: %v", err)
	}

	ss, ok = e.SessionStats(peerA, 5)
	if !ok {
		t.Fatal("SessionStats: session not found after activation")
	}
	if ss.State != StateActive {
		t.Errorf("ss.State = %v, want %v", ss.State, StateActive)
	}

	if err := e.SubmitFrame(peerA, 5, 200, []byte("p")); err != nil {
		t.Fatalf("SubmitFrame after activation failed: %v", err)
	}
	want := []seqnum.Num{200}
	if got := rec.seqs(); !slices.Equal(got, want) {
		t.Errorf("delivered %v, want %v", got, want)
	}
}

func TestOpenSessionRejectedByPeer(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	if _, err := e.OpenSession(peerA, 0, OpenOptions{Window: 16}); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	raw := frame.AddBAResp{
		Header: frame.Header{Peer: peerA, TID: 0},
		Status: frame.StatusRefused,
	}.AppendTo(nil)
	if _, err := e.HandleFrame(raw); err != nil {
		t.Fatalf("HandleFrame(AddBAResp) failed: %v", err)
	}

	if _, ok := e.SessionStats(peerA, 0); ok {
		t.Error("SessionStats: rejected session still present")
	}
	st := e.Stats()
	if st.NegotiationsRejected != 1 {
		t.Errorf("st.NegotiationsRejected = %d, want 1", st.NegotiationsRejected)
	}
	if st.Sessions != 0 {
		t.Errorf("st.Sessions = %d, want 0", st.Sessions)
	}
}

func TestOpenSessionDuplicate(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	if _, err := e.OpenSession(peerA, 0, OpenOptions{Window: 16}); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if _, err := e.OpenSession(peerA, 0, OpenOptions{Window: 16}); !errors.Is(err, ErrSessionExists) {
		t.Errorf("OpenSession again: err = %v, want %v", err, ErrSessionExists)
	}
}

func TestNegotiationTimeout(t *testing.T) {
	e, _ := newTestEngine(t, Config{
		NegotiationTimeout: jsonhelper.Duration(25 * time.Millisecond),
	})

	if _, err := e.OpenSession(peerA, 0, OpenOptions{Window: 16}); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	time.Sleep(250 * time.Millisecond)

	if _, ok := e.SessionStats(peerA, 0); ok {
		t.Error("SessionStats: abandoned session still present")
	}
	st := e.Stats()
	if st.NegotiationsRejected != 1 {
		t.Errorf("st.NegotiationsRejected = %d, want 1", st.NegotiationsRejected)
	}
}

func TestFlushTimeout(t *testing.T) {
	e, rec := newTestEngine(t, Config{
		MinWindow:             8,
		MaxWindow:             8,
		DefaultReorderTimeout: jsonhelper.Duration(25 * time.Millisecond),
	})
	openActiveSession(t, e, peerA, 0, 8, 500)

	if err := e.SubmitFrame(peerA, 0, 500, []byte("a")); err != nil {
		t.Fatalf("SubmitFrame(500) failed: %v", err)
	}
	// 501 never arrives. The flush timeout gives up on it and releases 502.
	if err := e.SubmitFrame(peerA, 0, 502, []byte("c")); err != nil {
		t.Fatalf("SubmitFrame(502) failed: %v", err)
	}

	time.Sleep(250 * time.Millisecond)

	want := []seqnum.Num{500, 502}
	if got := rec.seqs(); !slices.Equal(got, want) {
		t.Errorf("delivered %v, want %v", got, want)
	}

	ss, ok := e.SessionStats(peerA, 0)
	if !ok {
		t.Fatal("SessionStats: session not found")
	}
	if ss.Head != 503 {
		t.Errorf("ss.Head = %d, want 503", ss.Head)
	}
	if ss.Reorder.TimeoutGaps == 0 {
		t.Error("ss.Reorder.TimeoutGaps = 0, want at least 1")
	}
	if ss.Held != 0 {
		t.Errorf("ss.Held = %d, want 0", ss.Held)
	}
}

func TestInactivityTimeout(t *testing.T) {
	e, rec := newTestEngine(t, Config{
		MinWindow:         8,
		MaxWindow:         8,
		InactivityTimeout: jsonhelper.Duration(50 * time.Millisecond),
		// Keep the flush timer from draining the gap first.
		DefaultReorderTimeout: jsonhelper.Duration(10 * time.Second),
	})
	openActiveSession(t, e, peerA, 0, 8, 0)

	if err := e.SubmitFrame(peerA, 0, 2, []byte("held")); err != nil {
		t.Fatalf("SubmitFrame(2) failed: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	if _, ok := e.SessionStats(peerA, 0); ok {
		t.Error("SessionStats: expired session still present")
	}

	// Teardown drains held frames in order.
	want := []seqnum.Num{2}
	if got := rec.seqs(); !slices.Equal(got, want) {
		t.Errorf("delivered %v, want %v", got, want)
	}

	st := e.Stats()
	if st.SessionsClosed != 1 {
		t.Errorf("st.SessionsClosed = %d, want 1", st.SessionsClosed)
	}
	// The drained frame's counters survive the teardown.
	if st.FramesReceived != 1 {
		t.Errorf("st.FramesReceived = %d, want 1", st.FramesReceived)
	}
	if st.FramesDelivered != 1 {
		t.Errorf("st.FramesDelivered = %d, want 1", st.FramesDelivered)
	}
}

func TestDelBADrainsSession(t *testing.T) {
	e, rec := newTestEngine(t, Config{MinWindow: 8, MaxWindow: 8})
	openActiveSession(t, e, peerA, 0, 8, 0)

	if err := e.SubmitFrame(peerA, 0, 1, []byte("b")); err != nil {
		t.Fatalf("SubmitFrame(1) failed: %v", err)
	}
	if err := e.SubmitFrame(peerA, 0, 3, []byte("d")); err != nil {
		t.Fatalf("SubmitFrame(3) failed: %v", err)
	}

	raw := frame.DelBA{
		Header: frame.Header{Peer: peerA, TID: 0},
		Reason: frame.ReasonReset,
	}.AppendTo(nil)
	if _, err := e.HandleFrame(raw); err != nil {
		t.Fatalf("HandleFrame(DelBA) failed: %v", err)
	}

	want := []seqnum.Num{1, 3}
	if got := rec.seqs(); !slices.Equal(got, want) {
		t.Errorf("delivered %v, want %v", got, want)
	}
	if _, ok := e.SessionStats(peerA, 0); ok {
		t.Error("SessionStats: closed session still present")
	}
	if err := e.SubmitFrame(peerA, 0, 4, []byte("e")); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("SubmitFrame after close: err = %v, want %v", err, ErrInvalidSession)
	}
}

func TestCloseSessionNotFound(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	if err := e.CloseSession(peerA, 0, frame.ReasonUnspecified); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("CloseSession: err = %v, want %v", err, ErrSessionNotFound)
	}
}

func TestSubmitFrameInvalidSession(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	if err := e.SubmitFrame(peerA, 0, 0, []byte("p")); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("SubmitFrame: err = %v, want %v", err, ErrInvalidSession)
	}
	st := e.Stats()
	if st.FramesInvalidSession != 1 {
		t.Errorf("st.FramesInvalidSession = %d, want 1", st.FramesInvalidSession)
	}
}

func TestHandleFrameMalformed(t *testing.T) {
	e, _ := newTestEngine(t, Config{})

	if _, err := e.HandleFrame([]byte{0}); !errors.Is(err, frame.ErrFrameTooShort) {
		t.Errorf("HandleFrame(short): err = %v, want %v", err, frame.ErrFrameTooShort)
	}
	bad := make([]byte, frame.DataHeaderSize)
	bad[0] = 0xff
	if _, err := e.HandleFrame(bad); !errors.Is(err, frame.ErrUnknownType) {
		t.Errorf("HandleFrame(unknown type): err = %v, want %v", err, frame.ErrUnknownType)
	}

	st := e.Stats()
	if st.FramesMalformed != 2 {
		t.Errorf("st.FramesMalformed = %d, want 2", st.FramesMalformed)
	}
}

func TestEngineClose(t *testing.T) {
	e, rec := newTestEngine(t, Config{MinWindow: 8, MaxWindow: 8})
	openActiveSession(t, e, peerA, 0, 8, 0)
	openActiveSession(t, e, peerA, 1, 8, 100)

	if err := e.SubmitFrame(peerA, 0, 1, []byte("held")); err != nil {
		t.Fatalf("SubmitFrame(1) failed: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	want := []seqnum.Num{1}
	if got := rec.seqs(); !slices.Equal(got, want) {
		t.Errorf("delivered %v, want %v", got, want)
	}
	st := e.Stats()
	if st.Sessions != 0 {
		t.Errorf("st.Sessions = %d, want 0", st.Sessions)
	}
	if st.SessionsClosed != 2 {
		t.Errorf("st.SessionsClosed = %d, want 2", st.SessionsClosed)
	}

	if _, err := e.OpenSession(peerA, 0, OpenOptions{Window: 8}); !errors.Is(err, ErrClosed) {
		t.Errorf("OpenSession after close: err = %v, want %v", err, ErrClosed)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close again failed: %v", err)
	}
}

func TestSessionsIndependent(t *testing.T) {
	e, rec := newTestEngine(t, Config{MinWindow: 8, MaxWindow: 8})
	openActiveSession(t, e, peerA, 0, 8, 0)
	openActiveSession(t, e, peerB, 0, 8, 0)

	if err := e.SubmitFrame(peerA, 0, 1, []byte("held")); err != nil {
		t.Fatalf("SubmitFrame(peerA, 1) failed: %v", err)
	}
	// peerB's in-order frame is not blocked by peerA's gap.
	if err := e.SubmitFrame(peerB, 0, 0, []byte("p")); err != nil {
		t.Fatalf("SubmitFrame(peerB, 0) failed: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.entries) != 1 {
		t.Fatalf("len(rec.entries) = %d, want 1", len(rec.entries))
	}
	if rec.entries[0].peer != peerB {
		t.Errorf("delivered peer = %v, want %v", rec.entries[0].peer, peerB)
	}
}
