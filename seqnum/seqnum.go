// Package seqnum provides circular arithmetic over the 12-bit
// sequence-number space carried by block-ack data frames.
//
// Raw integer comparison breaks at the wraparound boundary, so every
// ordering decision must route through [Diff] or [Behind].
package seqnum

// Num is a sequence number in [0, SpaceSize).
type Num uint16

const (
	// SpaceSize is the size of the sequence-number space.
	SpaceSize = 1 << 12

	// HalfSpace splits circular distances into ahead and behind halves.
	HalfSpace = SpaceSize / 2

	mask = SpaceSize - 1
)

// Valid reports whether n is within the sequence-number space.
func Valid(n Num) bool {
	return n < SpaceSize
}

// Diff returns how far a is ahead of b, in [0, SpaceSize).
// A result in [HalfSpace, SpaceSize) means a is circularly behind b.
func Diff(a, b Num) uint16 {
	return uint16(a-b) & mask
}

// Behind reports whether a is circularly behind b.
func Behind(a, b Num) bool {
	return Diff(a, b) >= HalfSpace
}

// Next returns the sequence number after n.
func Next(n Num) Num {
	return (n + 1) & mask
}

// Add returns n advanced by d.
func Add(n Num, d uint16) Num {
	return (n + Num(d)) & mask
}

// Sub returns n moved back by d.
func Sub(n Num, d uint16) Num {
	return (n - Num(d)) & mask
}
