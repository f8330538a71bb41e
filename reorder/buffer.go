// Package reorder implements the sliding-window buffer that puts
// out-of-order block-ack data frames back into sequence.
//
// A Buffer is not safe for concurrent use. The owning session serializes
// the frame-arrival path and timer callbacks with its own lock.
package reorder

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/database64128/blockack-go/seqnum"
)

// Sink receives frames released from a Buffer, one call per frame,
// in strictly increasing sequence order.
type Sink func(seq seqnum.Num, payload []byte)

// Result describes the outcome of submitting a frame.
type Result uint8

const (
	// Delivered means the frame was released to the sink immediately,
	// possibly together with a contiguous run of previously held frames.
	Delivered Result = iota

	// Buffered means the frame was ahead of the next expected sequence
	// number and is now held for reordering.
	Buffered

	// Duplicate means the frame's slot was already held. The held copy
	// is kept and the submitted frame is dropped.
	Duplicate

	// Stale means the frame was circularly behind the window and dropped.
	Stale
)

// String implements [fmt.Stringer.String].
func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Buffered:
		return "buffered"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Stats is a set of monotonic counters kept by a Buffer.
type Stats struct {
	// Received counts frames accepted into the window,
	// whether delivered immediately or buffered.
	Received uint64

	// Delivered counts frames released to the sink.
	Delivered uint64

	// OutOfOrder counts frames that arrived ahead of the next
	// expected sequence number and had to be buffered.
	OutOfOrder uint64

	// Duplicates counts frames dropped because their slot was held.
	Duplicates uint64

	// Stale counts frames dropped for being circularly behind the window.
	Stale uint64

	// SlideLost counts window positions skipped as lost during a
	// forced window slide.
	SlideLost uint64

	// TimeoutGaps counts window positions given up on by the reorder
	// flush timeout.
	TimeoutGaps uint64
}

// Buffer is a fixed-capacity sliding window over the sequence-number space.
//
// A slot is occupied iff its occupancy bit is set iff it holds the frame
// whose sequence number maps to that slot index under the current head.
type Buffer struct {
	head  seqnum.Num
	win   uint16
	mask  uint16
	count int
	slots [][]byte
	occ   *bitset.BitSet
	stats Stats
}

// New returns a Buffer with the given window size, expecting start as the
// next in-order sequence number. The window size must be a power of two
// so slot indexing reduces to a mask.
func New(window uint16, start seqnum.Num) *Buffer {
	if window == 0 || window&(window-1) != 0 || window > seqnum.HalfSpace {
		panic(fmt.Sprintf("reorder: invalid window size %d", window))
	}
	return &Buffer{
		head:  start,
		win:   window,
		mask:  window - 1,
		slots: make([][]byte, window),
		occ:   bitset.New(uint(window)),
	}
}

// Head returns the next expected sequence number.
func (b *Buffer) Head() seqnum.Num {
	return b.head
}

// Tail returns the highest sequence number the window can hold.
func (b *Buffer) Tail() seqnum.Num {
	return seqnum.Add(b.head, b.win-1)
}

// Window returns the window size.
func (b *Buffer) Window() uint16 {
	return b.win
}

// Len returns the number of held frames.
func (b *Buffer) Len() int {
	return b.count
}

// Stats returns a snapshot of the buffer's counters.
func (b *Buffer) Stats() Stats {
	return b.stats
}

func (b *Buffer) slot(seq seqnum.Num) uint {
	return uint(uint16(seq) & b.mask)
}

// Submit processes one arriving frame.
//
// An in-order frame is released immediately, followed by the contiguous run
// of held frames behind it. A frame within the window is held, unless its
// slot is occupied, in which case it is dropped as a duplicate. A frame
// ahead of the window forces a window slide: every position between the old
// head and the frame's new window is released or counted as lost. A frame
// circularly behind the head is dropped as stale.
func (b *Buffer) Submit(seq seqnum.Num, payload []byte, sink Sink) Result {
	d := seqnum.Diff(seq, b.head)
	if d >= seqnum.HalfSpace {
		b.stats.Stale++
		return Stale
	}

	if d >= b.win {
		// The frame is farther ahead than the window can represent.
		// Slide the window so the frame lands on its upper edge. Dropping
		// the frame instead would stall delivery for as long as the gap
		// stays unfilled; forced advancement bounds reordering latency.
		b.advanceTo(seqnum.Sub(seq, b.win-1), sink)
		b.releaseRun(sink)
		d = seqnum.Diff(seq, b.head)
	}

	if d == 0 {
		b.stats.Received++
		b.stats.Delivered++
		sink(b.head, payload)
		b.head = seqnum.Next(b.head)
		b.releaseRun(sink)
		return Delivered
	}

	idx := b.slot(seq)
	if b.occ.Test(idx) {
		b.stats.Duplicates++
		return Duplicate
	}
	b.slots[idx] = payload
	b.occ.Set(idx)
	b.count++
	b.stats.Received++
	b.stats.OutOfOrder++
	return Buffered
}

// FlushTimeout gives up on the gap below the oldest held frame, releasing
// that frame and the contiguous run behind it. Each skipped position is
// counted as a timeout gap. It reports whether frames remain held, in which
// case the caller should re-arm its flush timer.
func (b *Buffer) FlushTimeout(sink Sink) (remaining bool) {
	if b.count == 0 {
		return false
	}
	for !b.occ.Test(b.slot(b.head)) {
		b.stats.TimeoutGaps++
		b.head = seqnum.Next(b.head)
	}
	b.releaseRun(sink)
	return b.count > 0
}

// Drain releases every held frame in sequence order without counting the
// gaps between them. Used on session teardown.
func (b *Buffer) Drain(sink Sink) {
	for b.count > 0 {
		if !b.occ.Test(b.slot(b.head)) {
			b.head = seqnum.Next(b.head)
			continue
		}
		b.releaseRun(sink)
	}
}

// releaseRun releases the contiguous run of held frames starting at head.
func (b *Buffer) releaseRun(sink Sink) {
	for b.count > 0 {
		idx := b.slot(b.head)
		if !b.occ.Test(idx) {
			return
		}
		payload := b.slots[idx]
		b.slots[idx] = nil
		b.occ.Clear(idx)
		b.count--
		b.stats.Delivered++
		sink(b.head, payload)
		b.head = seqnum.Next(b.head)
	}
}

// advanceTo moves head forward to newHead, releasing held frames and
// counting empty positions as lost.
func (b *Buffer) advanceTo(newHead seqnum.Num, sink Sink) {
	for b.head != newHead {
		idx := b.slot(b.head)
		if b.occ.Test(idx) {
			payload := b.slots[idx]
			b.slots[idx] = nil
			b.occ.Clear(idx)
			b.count--
			b.stats.Delivered++
			sink(b.head, payload)
		} else {
			b.stats.SlideLost++
		}
		b.head = seqnum.Next(b.head)
	}
}
