package rtspstream

import (
	"sort"

	"github.com/opd-ai/rtspstream/rtp"
)

// frameBuffer is the session's jitter buffer: frames kept in circular
// sequence-number order, duplicates rejected. It restores per-session
// ordering that the datagram transport does not guarantee; a
// permanently lost sequence number is simply skipped when its turn
// comes up, never blocked on. Not safe for concurrent use; the
// session's lock guards it.
type frameBuffer struct {
	frames []rtp.Frame
}

// insert adds frame at its position in sequence order. Returns false
// when a frame with the same sequence number is already buffered, so
// ingest is idempotent.
func (b *frameBuffer) insert(frame rtp.Frame) bool {
	i := sort.Search(len(b.frames), func(i int) bool {
		return !rtp.SeqLess(b.frames[i].SequenceNumber, frame.SequenceNumber)
	})
	if i < len(b.frames) && b.frames[i].SequenceNumber == frame.SequenceNumber {
		return false
	}
	b.frames = append(b.frames, rtp.Frame{})
	copy(b.frames[i+1:], b.frames[i:])
	b.frames[i] = frame
	return true
}

// popFront removes and returns the lowest-sequence frame.
func (b *frameBuffer) popFront() (rtp.Frame, bool) {
	if len(b.frames) == 0 {
		return rtp.Frame{}, false
	}
	frame := b.frames[0]
	copy(b.frames, b.frames[1:])
	b.frames = b.frames[:len(b.frames)-1]
	return frame, true
}

func (b *frameBuffer) len() int {
	return len(b.frames)
}

func (b *frameBuffer) clear() {
	b.frames = nil
}
