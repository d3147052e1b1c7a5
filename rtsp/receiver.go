package rtsp

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtspstream/rtp"
)

// receiverBufferLen bounds the size of a single datagram.
const receiverBufferLen = 0x10000

// FrameHandler receives the output of the background receiver task.
// Calls arrive on the receiver's goroutine, never the caller's;
// implementations must return promptly and must not wait on a lock
// held across a Connection operation.
type FrameHandler interface {
	// ProcessFrame delivers one decoded, playable frame.
	ProcessFrame(frame rtp.Frame)

	// StreamEnded reports arrival of the end-of-stream sentinel.
	// lastSeq is the sentinel's sequence number, the last frame's
	// plus one, usable to detect a missing frame at the end of the
	// stream. Called at most once per receiver task.
	StreamEnded(lastSeq uint16)

	// ReceiveFailed reports the fatal error that terminated the
	// receiver task: a decode failure or a non-timeout I/O error.
	ReceiveFailed(err error)
}

// receiver is the background task that reads the datagram socket
// while a stream is playing. It runs until cancelled, until the
// end-of-stream sentinel is decoded, or until a fatal error.
type receiver struct {
	conn        net.PacketConn
	handler     FrameHandler
	readTimeout time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

func newReceiver(conn net.PacketConn, handler FrameHandler, readTimeout time.Duration) *receiver {
	ctx, cancel := context.WithCancel(context.Background())
	return &receiver{
		conn:        conn,
		handler:     handler,
		readTimeout: readTimeout,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// run loops on the datagram socket. Each iteration waits at most
// readTimeout for a datagram; the timeout doubles as the cancellation
// poll, so cancellation takes effect within one timeout period. The
// blocking read holds no lock.
func (r *receiver) run() {
	defer close(r.done)

	buffer := make([]byte, receiverBufferLen)
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(r.readTimeout))
		n, _, err := r.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if r.ctx.Err() != nil {
				// Cancelled; the socket may already be closing.
				return
			}
			r.handler.ReceiveFailed(&TransportError{Op: "datagram read", Err: err})
			return
		}

		frame, err := rtp.ParsePacket(buffer[:n])
		if err != nil {
			// The datagram channel's framing cannot self-heal, so a
			// decode failure is fatal to the task.
			r.handler.ReceiveFailed(err)
			return
		}

		if frame.EndOfStream() {
			logrus.WithFields(logrus.Fields{
				"function":      "receiver.run",
				"last_sequence": frame.SequenceNumber,
			}).Info("End-of-stream sentinel received")
			r.handler.StreamEnded(frame.SequenceNumber)
			return
		}

		r.handler.ProcessFrame(frame)
	}
}

// stop requests cancellation and waits for the task to terminate, so
// the datagram socket can be closed without racing the blocked read.
func (r *receiver) stop() {
	r.cancel()
	<-r.done
}

// alive reports whether the task is still running.
func (r *receiver) alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}
