package engine

import (
	"sync"

	"github.com/database64128/blockack-go/frame"
)

type sessionKey struct {
	peer frame.Peer
	tid  uint8
}

// table is a fixed-capacity arena of session slots with free-list
// allocation. Its mutex guards lookup and slot ownership only;
// session-internal state is guarded by each session's own lock.
// The lock order is table before session.
type table struct {
	mu       sync.Mutex
	closed   bool
	sessions []session
	free     []int32
	lookup   map[sessionKey]int32
}

func newTable(capacity int) *table {
	t := &table{
		sessions: make([]session, capacity),
		free:     make([]int32, 0, capacity),
		lookup:   make(map[sessionKey]int32, capacity),
	}
	// Slots are popped from the tail, so push in reverse for
	// ascending allocation order.
	for i := capacity - 1; i >= 0; i-- {
		t.free = append(t.free, int32(i))
	}
	return t
}

// get returns the slot index for k. The caller must re-verify the key
// under the session lock, as the slot may be released concurrently.
func (t *table) get(k sessionKey) (int32, bool) {
	t.mu.Lock()
	idx, ok := t.lookup[k]
	t.mu.Unlock()
	return idx, ok
}

// allocate claims a free slot for k. The claimed slot stays in
// [StateIdle] until the caller initializes it under the session lock.
func (t *table) allocate(k sessionKey) (int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	if _, ok := t.lookup[k]; ok {
		return 0, ErrSessionExists
	}
	if len(t.free) == 0 {
		return 0, ErrResourceExhausted
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.lookup[k] = idx
	return idx, nil
}
