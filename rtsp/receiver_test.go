package rtsp

import (
	"net"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rtspstream/rtp"
)

// captureHandler records receiver callbacks on channels so tests can
// wait for them.
type captureHandler struct {
	frames chan rtp.Frame
	ended  chan uint16
	errs   chan error
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{
		frames: make(chan rtp.Frame, 16),
		ended:  make(chan uint16, 1),
		errs:   make(chan error, 1),
	}
}

func (h *captureHandler) ProcessFrame(frame rtp.Frame) { h.frames <- frame }
func (h *captureHandler) StreamEnded(lastSeq uint16)   { h.ended <- lastSeq }
func (h *captureHandler) ReceiveFailed(err error)      { h.errs <- err }

// startReceiver binds a loopback datagram socket, starts a receiver
// task on it, and returns a sender connected to that socket.
func startReceiver(t *testing.T, handler FrameHandler, timeout time.Duration) (*receiver, net.Conn) {
	t.Helper()
	listener, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	recv := newReceiver(listener, handler, timeout)
	go recv.run()
	t.Cleanup(recv.cancel)

	sender, err := net.Dial("udp4", listener.LocalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sender.Close() })
	return recv, sender
}

func sendDatagram(t *testing.T, sender net.Conn, seq uint16, payload []byte) {
	t.Helper()
	pkt := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    26,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3600,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = sender.Write(data)
	require.NoError(t, err)
}

func TestReceiverForwardsFrames(t *testing.T) {
	handler := newCaptureHandler()
	_, sender := startReceiver(t, handler, 200*time.Millisecond)

	sendDatagram(t, sender, 10, []byte("frame-ten"))

	select {
	case frame := <-handler.frames:
		assert.Equal(t, uint16(10), frame.SequenceNumber)
		assert.Equal(t, []byte("frame-ten"), frame.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("frame was not forwarded")
	}
}

func TestReceiverContinuesAfterTimeout(t *testing.T) {
	handler := newCaptureHandler()
	_, sender := startReceiver(t, handler, 100*time.Millisecond)

	// Let several read deadlines expire before sending anything.
	time.Sleep(350 * time.Millisecond)
	sendDatagram(t, sender, 3, []byte("late"))

	select {
	case frame := <-handler.frames:
		assert.Equal(t, uint16(3), frame.SequenceNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not survive its read timeouts")
	}
	select {
	case err := <-handler.errs:
		t.Fatalf("timeout surfaced as error: %v", err)
	default:
	}
}

func TestReceiverStopsWithinOneTimeout(t *testing.T) {
	handler := newCaptureHandler()
	recv, _ := startReceiver(t, handler, 300*time.Millisecond)

	start := time.Now()
	recv.stop()
	elapsed := time.Since(start)

	assert.False(t, recv.alive())
	assert.Less(t, elapsed, 600*time.Millisecond,
		"cancellation should take effect within one timeout period")
	// The socket must be closeable afterwards without the receiver
	// racing the close.
	assert.NoError(t, recv.conn.Close())
}

func TestReceiverEndOfStreamSentinel(t *testing.T) {
	handler := newCaptureHandler()
	recv, sender := startReceiver(t, handler, 200*time.Millisecond)

	sendDatagram(t, sender, 501, nil)

	select {
	case lastSeq := <-handler.ended:
		assert.Equal(t, uint16(501), lastSeq)
	case <-time.After(2 * time.Second):
		t.Fatal("end-of-stream was not signaled")
	}

	// The task terminates after the sentinel.
	require.Eventually(t, func() bool { return !recv.alive() },
		time.Second, 10*time.Millisecond)
	assert.Empty(t, handler.frames, "sentinel must not be forwarded as a playable frame")
}

func TestReceiverMalformedDatagramIsFatal(t *testing.T) {
	handler := newCaptureHandler()
	recv, sender := startReceiver(t, handler, 200*time.Millisecond)

	_, err := sender.Write([]byte{0x80, 0x1a, 0x00})
	require.NoError(t, err)

	select {
	case err := <-handler.errs:
		var malformed *rtp.MalformedDatagramError
		assert.ErrorAs(t, err, &malformed)
	case <-time.After(2 * time.Second):
		t.Fatal("decode failure was not surfaced")
	}
	require.Eventually(t, func() bool { return !recv.alive() },
		time.Second, 10*time.Millisecond)
}
