package rtspstream

import "github.com/opd-ai/rtspstream/rtp"

// SessionListener is the presentation sink's view of a session. Any
// interaction with user interfaces happens through these callbacks.
//
// Callbacks arrive on the session's dispatch goroutine or on the
// network receive path, never on the caller's own goroutine;
// implementations must tolerate that and return promptly.
type SessionListener interface {
	// FrameReceived delivers the next frame in sequence order.
	FrameReceived(frame rtp.Frame)

	// VideoNameChanged reports the name of the currently open video,
	// or the empty string when no video is open. Also called once,
	// immediately, when the listener is registered.
	VideoNameChanged(name string)

	// VideoEnded reports that the stream finished or was closed.
	VideoEnded()

	// ExceptionThrown reports a failure surfaced by the session: a
	// control operation error or a fatal receiver error.
	ExceptionThrown(err error)
}
