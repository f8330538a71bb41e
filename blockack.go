// Package blockack implements the receive side of block-acknowledgment
// frame reordering for wireless peers.
//
// Aggregated bursts and retries deliver data frames out of transmission
// order. The engine reassembles them into the original sequence using
// per-(peer, traffic-class) reorder sessions, each owning a bounded
// sliding-window buffer over the 12-bit sequence-number space.
//
// Sessions are negotiated with ADDBA request/response frames and torn down
// with DELBA frames, an inactivity timeout, or an explicit close. Frames
// held in a session's buffer are released by the arrival of the missing
// sequence number or by a reorder flush timeout, so a never-filled gap can
// only stall delivery for a bounded time.
package blockack
