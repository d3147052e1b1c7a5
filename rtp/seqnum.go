package rtp

// SeqLess reports whether sequence number a precedes b in circular
// order. Sequence numbers wrap at 2^16, so a precedes b when the
// forward distance from a to b is less than half the number space.
// This keeps frame ordering correct across a wraparound, unlike a
// plain numeric comparison.
func SeqLess(a, b uint16) bool {
	return a != b && b-a < 0x8000
}
