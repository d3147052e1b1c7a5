// Package rtsp implements the control side of the streaming client:
// the text request/response protocol driven over a reliable byte
// stream, the connection state machine that owns the datagram channel,
// and the background task receiving media datagrams.
//
// A Connection serializes its public operations with a single lock so
// only one control request is ever outstanding, which keeps responses
// paired with requests in order. The receiver task runs independently:
// its blocking datagram read holds no lock, and its callbacks are
// delivered on its own goroutine.
package rtsp

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtspstream/rtp"
)

// DefaultReadTimeout is the datagram receive timeout. It doubles as
// the receiver task's cancellation poll interval.
const DefaultReadTimeout = 2 * time.Second

// State identifies where a Connection is in its stream lifecycle.
type State int

const (
	// StateIdle: control channel open, no stream set up. Teardown
	// returns here; a further SETUP on the same connection is valid.
	StateIdle State = iota
	// StateSetup: datagram channel open, not receiving.
	StateSetup
	// StatePlaying: receiver task active.
	StatePlaying
	// StatePaused: receiver task stopped, datagram channel still open.
	StatePaused
	// StateClosed: control channel closed. Terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSetup:
		return "setup"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection drives the control channel for one server and owns the
// datagram channel and receiver task for the stream it sets up. The
// datagram socket and the receiver task are created together by
// SETUP/PLAY and destroyed together by TEARDOWN/CLOSE.
type Connection struct {
	mu sync.Mutex

	control net.Conn
	br      *bufio.Reader

	handler     FrameHandler
	readTimeout time.Duration

	cseq      int
	sessionID string
	target    string

	data net.PacketConn
	recv *receiver

	state     State
	completed atomic.Bool
}

// Dial establishes the control connection with a server. No request
// is sent and no stream is set up at this point.
func Dial(addr string, handler FrameHandler) (*Connection, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"server":   addr,
	}).Info("Control connection established")
	return NewConnection(conn, handler), nil
}

// NewConnection wraps an established control-channel byte stream.
func NewConnection(control net.Conn, handler FrameHandler) *Connection {
	return &Connection{
		control:     control,
		br:          bufio.NewReader(control),
		handler:     handler,
		readTimeout: DefaultReadTimeout,
	}
}

// SetReadTimeout overrides the datagram receive timeout for receiver
// tasks started after the call.
func (c *Connection) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.readTimeout = d
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the identifier assigned by the server at setup,
// or the empty string when no stream is set up.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Setup sets up a new stream for target. Any previously set up stream
// is torn down first, so at most one datagram channel exists per
// connection. A datagram socket is bound to an ephemeral local port
// and advertised in the SETUP request's Transport header. On failure
// the socket is closed, the connection returns to idle, and the error
// is a SetupError wrapping the cause.
func (c *Connection) Setup(target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrConnectionClosed
	}
	if c.data != nil {
		// Implicit teardown of the prior stream.
		if err := c.teardownLocked(); err != nil {
			return &SetupError{Target: target, Err: err}
		}
		c.state = StateIdle
	}

	data, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return &SetupError{Target: target, Err: &TransportError{Op: "datagram listen", Err: err}}
	}
	c.data = data
	c.target = target
	c.sessionID = ""
	c.completed.Store(false)

	resp, err := c.do(MethodSetup)
	if err == nil {
		var ok bool
		if c.sessionID, ok = resp.Headers[sessionHeader]; !ok {
			err = &MalformedResponseError{Reason: "setup response missing Session header"}
		}
	}
	if err != nil {
		_ = c.data.Close()
		c.data = nil
		c.target = ""
		c.sessionID = ""
		c.state = StateIdle
		return &SetupError{Target: target, Err: err}
	}

	c.state = StateSetup
	logrus.WithFields(logrus.Fields{
		"function":   "Connection.Setup",
		"target":     target,
		"session_id": c.sessionID,
		"data_port":  c.dataPort(),
	}).Info("Stream set up")
	return nil
}

// Play starts or resumes playback of the set up stream. Calling it
// with no stream set up, or after the stream signaled completion, is
// a logged no-op. Idempotent with respect to the receiver task: at
// most one is alive per connection at any instant.
func (c *Connection) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrConnectionClosed
	}
	if c.data == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.Play",
		}).Warn("Play requested with no stream set up, ignoring")
		return nil
	}
	if c.completed.Load() {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.Play",
			"target":   c.target,
		}).Info("Play requested after stream completed, ignoring")
		return nil
	}

	if _, err := c.do(MethodPlay); err != nil {
		return err
	}
	c.state = StatePlaying
	if c.recv == nil || !c.recv.alive() {
		c.recv = newReceiver(c.data, streamEvents{c}, c.readTimeout)
		go c.recv.run()
		logrus.WithFields(logrus.Fields{
			"function": "Connection.Play",
			"target":   c.target,
		}).Debug("Receiver task started")
	}
	return nil
}

// Pause suspends playback of the set up stream and signals the
// receiver task to stop. Calling it with no stream set up, while
// already paused, or after the stream completed is a no-op. The
// server might still send a few datagrams before stopping; they are
// discarded once the receiver has terminated.
func (c *Connection) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrConnectionClosed
	}
	if c.data == nil || c.completed.Load() || c.state == StatePaused {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.Pause",
			"state":    c.state.String(),
		}).Debug("Pause is a no-op in this state")
		return nil
	}

	if _, err := c.do(MethodPause); err != nil {
		return err
	}
	c.state = StatePaused
	if c.recv != nil {
		c.recv.stop()
		c.recv = nil
	}
	return nil
}

// Teardown terminates the set up stream: the receiver task is joined,
// the datagram socket is closed, and the connection returns to idle.
// The control channel stays open and a further Setup is accepted.
// Calling it with no stream set up is a no-op.
func (c *Connection) Teardown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrConnectionClosed
	}
	if c.data == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Connection.Teardown",
		}).Debug("Teardown with no stream set up, ignoring")
		return nil
	}
	if err := c.teardownLocked(); err != nil {
		return err
	}
	c.state = StateIdle
	return nil
}

// Close closes the connection: a best-effort teardown of any set up
// stream (failures logged, not propagated), then the control channel.
// Terminal; no further operations are valid afterwards. Closing an
// already closed connection is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil
	}
	if c.data != nil {
		if err := c.teardownLocked(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Connection.Close",
				"error":    err.Error(),
			}).Warn("Teardown during close failed")
			c.releaseStreamLocked()
		}
	}
	c.state = StateClosed
	if err := c.control.Close(); err != nil {
		return &TransportError{Op: "control close", Err: err}
	}
	return nil
}

// Resynchronize discards any buffered, unread control-channel bytes.
// It is the recovery policy for a DesynchronizedResponseError: the
// stale responses that drifted out of pairing are dropped so the next
// request starts from a clean read position.
func (c *Connection) Resynchronize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.br.Buffered(); n > 0 {
		discarded, _ := c.br.Discard(n)
		logrus.WithFields(logrus.Fields{
			"function": "Connection.Resynchronize",
			"bytes":    discarded,
		}).Info("Discarded buffered control-channel bytes")
	}
}

// teardownLocked sends TEARDOWN and, on success, releases the stream's
// resources. Callers hold c.mu and remain responsible for the state
// transition.
func (c *Connection) teardownLocked() error {
	if _, err := c.do(MethodTeardown); err != nil {
		return err
	}
	c.releaseStreamLocked()
	logrus.WithFields(logrus.Fields{
		"function": "Connection.teardownLocked",
	}).Info("Stream torn down")
	return nil
}

// releaseStreamLocked joins the receiver task and closes the datagram
// socket, in that order: the task is guaranteed to have stopped
// touching the socket before the close. Receiver callbacks never wait
// on c.mu, so joining under the lock cannot deadlock.
func (c *Connection) releaseStreamLocked() {
	if c.recv != nil {
		c.recv.stop()
		c.recv = nil
	}
	if c.data != nil {
		_ = c.data.Close()
		c.data = nil
	}
	c.sessionID = ""
	c.target = ""
}

// do sends one request and reads its response under the operation
// lock. Only one request is ever outstanding, so responses are
// consumed strictly in request order. The response is accepted only
// with a 200 status and, when a CSeq echo is present, a matching CSeq.
func (c *Connection) do(method Method) (*Response, error) {
	c.cseq++
	req := Request{
		Method:  method,
		Target:  c.target,
		CSeq:    c.cseq,
		Session: c.sessionID,
	}
	if method == MethodSetup {
		req.ClientPort = c.dataPort()
	}

	if _, err := c.control.Write(req.Marshal()); err != nil {
		return nil, &TransportError{Op: "control write", Err: err}
	}
	resp, err := ReadResponse(c.br)
	if err != nil {
		return nil, err
	}

	if echo, ok := resp.Headers[cseqHeader]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(echo))
		if err != nil {
			return nil, &MalformedResponseError{Line: cseqHeader + ": " + echo, Reason: "CSeq echo is not an integer"}
		}
		if n != req.CSeq {
			return nil, &DesynchronizedResponseError{Sent: req.CSeq, Received: n}
		}
	}
	if resp.StatusCode != StatusOK {
		return nil, &RequestRejectedError{StatusCode: resp.StatusCode, StatusText: resp.StatusText}
	}
	return resp, nil
}

// dataPort returns the local port of the datagram socket, or zero when
// none is open.
func (c *Connection) dataPort() int {
	if c.data == nil {
		return 0
	}
	if addr, ok := c.data.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// streamEvents forwards receiver callbacks to the connection's
// handler, recording stream completion on the way so later Play and
// Pause calls become no-ops.
type streamEvents struct {
	c *Connection
}

func (e streamEvents) ProcessFrame(frame rtp.Frame) {
	e.c.handler.ProcessFrame(frame)
}

func (e streamEvents) StreamEnded(lastSeq uint16) {
	e.c.completed.Store(true)
	e.c.handler.StreamEnded(lastSeq)
}

func (e streamEvents) ReceiveFailed(err error) {
	e.c.handler.ReceiveFailed(err)
}
