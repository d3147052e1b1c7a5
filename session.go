package rtspstream

import (
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtspstream/rtp"
	"github.com/opd-ai/rtspstream/rtsp"
)

// intent is one position on the session's two independent state axes.
// The user axis records what the caller last asked for; the connection
// axis records what the server was last told. They move independently
// because a user request can race a server-driven change: frames that
// arrive after the user asked to pause, but before the PAUSE request
// completed, still need buffering.
type intent int

const (
	intentSetup intent = iota
	intentPlay
	intentPause
	intentClosed
)

// controller is the subset of rtsp.Connection the session drives.
// Narrowed to an interface so the flow-control policy is testable
// against a fake.
type controller interface {
	Setup(target string) error
	Play() error
	Pause() error
	Teardown() error
	Close() error
}

// Session decouples erratic datagram arrival from smooth, paced
// delivery to its listeners. Frames ingested from the network are
// held in an ordered jitter buffer; a periodic dispatch tick pops the
// lowest-sequence frame to every listener; watermark crossings
// throttle the server with PAUSE/PLAY before memory grows unbounded.
//
// The session's lock guards the buffer, the flags, and both intent
// axes. It is never held across a connection operation or a listener
// callback, so the network receive path can always make progress.
type Session struct {
	mu sync.Mutex

	// ctrl serializes control requests with the intent change that
	// motivates each one, so two requests decided in one order cannot
	// reach the wire in the other. Without it a backpressure PAUSE
	// could overtake a user PLAY and leave the server paused while the
	// session believes it is playing. Never acquired while mu is held,
	// and never held across a listener callback.
	ctrl sync.Mutex

	conn controller
	cfg  Config

	listeners []SessionListener

	videoName  string
	userIntent intent
	connIntent intent

	sendingToUI   bool
	completed     bool
	endNotified   bool
	backpressured bool
	closed        bool

	buffer frameBuffer

	ticker *time.Ticker
	done   chan struct{}
}

// New creates a session and establishes the control connection with
// the server at addr ("host:port"). No stream is set up at this
// point. The dispatch tick starts immediately and runs until
// CloseConnection.
func New(addr string, cfg Config) (*Session, error) {
	s := newSession(cfg)
	conn, err := rtsp.Dial(addr, s)
	if err != nil {
		return nil, err
	}
	conn.SetReadTimeout(s.cfg.ReadTimeout)
	s.conn = conn
	s.start()
	return s, nil
}

// newSession builds the session without a connection or dispatch
// loop; New and the tests complete the wiring.
func newSession(cfg Config) *Session {
	return &Session{
		cfg:  cfg.withDefaults(),
		done: make(chan struct{}),
	}
}

// start begins the periodic dispatch tick.
func (s *Session) start() {
	s.ticker = time.NewTicker(s.cfg.DispatchInterval)
	go s.dispatchLoop()
}

// AddListener registers a listener for session events. The listener
// is immediately told the current video name.
func (s *Session) AddListener(l SessionListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	name := s.videoName
	s.mu.Unlock()
	l.VideoNameChanged(name)
}

// RemoveListener unregisters a previously added listener.
func (s *Session) RemoveListener(l SessionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// VideoName returns the name of the currently open video, or the
// empty string when none is open.
func (s *Session) VideoName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoName
}

// Open sets up the named video stream and starts pre-filling the
// buffer: playback is requested immediately so frames accumulate
// before the user hits play, up to the pre-fill high-water mark.
// Failures are reported to listeners and returned.
func (s *Session) Open(name string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return rtsp.ErrConnectionClosed
	}
	s.userIntent = intentSetup
	s.connIntent = intentSetup
	s.sendingToUI = false
	s.completed = false
	s.endNotified = false
	s.backpressured = false
	s.buffer.clear()
	conn := s.conn
	s.mu.Unlock()

	s.ctrl.Lock()
	err := conn.Setup(name)
	if err == nil {
		s.mu.Lock()
		s.videoName = name
		// Setup joins the previous stream's receiver on the way in; a
		// final datagram from that stream can land in the buffer before
		// the join completes. Discard it now that ingest has stopped.
		s.buffer.clear()
		s.connIntent = intentPlay
		s.mu.Unlock()
	}
	s.ctrl.Unlock()
	if err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Session.Open",
		"video":    name,
	}).Info("Video opened")
	for _, l := range listeners {
		l.VideoNameChanged(name)
	}

	s.ctrl.Lock()
	err = conn.Play()
	s.ctrl.Unlock()
	if err != nil {
		return s.fail(err)
	}
	return nil
}

// Play starts or resumes playback of the open video. Returns
// immediately after the request is responded to; frames keep arriving
// in the background and reach listeners through the dispatch tick.
// A no-op once the stream has completed.
func (s *Session) Play() error {
	s.ctrl.Lock()
	s.mu.Lock()
	if s.closed || s.completed {
		s.mu.Unlock()
		s.ctrl.Unlock()
		return nil
	}
	prevConn := s.connIntent
	prevBackpressured := s.backpressured
	s.userIntent = intentPlay
	s.connIntent = intentPlay
	s.backpressured = false
	if s.buffer.len() >= s.cfg.LowWater {
		s.sendingToUI = true
	}
	conn := s.conn
	s.mu.Unlock()

	err := conn.Play()
	if err != nil {
		// The server never saw the request take effect; put the
		// connection axis back so the flow-control state stays honest.
		s.mu.Lock()
		s.connIntent = prevConn
		s.backpressured = prevBackpressured
		s.mu.Unlock()
	}
	s.ctrl.Unlock()
	if err != nil {
		return s.fail(err)
	}
	return nil
}

// Pause suspends playback. The server might still deliver a few
// frames before stopping completely; they are buffered as usual. A
// no-op once the stream has completed.
func (s *Session) Pause() error {
	s.ctrl.Lock()
	s.mu.Lock()
	if s.closed || s.completed {
		s.mu.Unlock()
		s.ctrl.Unlock()
		return nil
	}
	s.userIntent = intentPause
	s.connIntent = intentPause
	conn := s.conn
	s.mu.Unlock()

	err := conn.Pause()
	s.ctrl.Unlock()
	if err != nil {
		return s.fail(err)
	}
	return nil
}

// Close tears down the currently open video. The control connection
// stays usable and a further Open is accepted. Listeners are told the
// video ended and the name reverted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.userIntent = intentClosed
	conn := s.conn
	s.mu.Unlock()

	s.ctrl.Lock()
	tearErr := conn.Teardown()
	s.ctrl.Unlock()

	s.mu.Lock()
	s.buffer.clear()
	s.sendingToUI = false
	s.videoName = ""
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l.VideoEnded()
		l.VideoNameChanged("")
	}
	if tearErr != nil {
		return s.fail(tearErr)
	}
	return nil
}

// CloseConnection closes the underlying control connection and stops
// the dispatch tick. Terminal: the session must not be used after
// this point.
func (s *Session) CloseConnection() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.userIntent = intentClosed
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.done)
	conn := s.conn
	s.mu.Unlock()

	s.ctrl.Lock()
	err := conn.Close()
	s.ctrl.Unlock()
	return err
}

// ProcessFrame ingests one frame arriving from the network. Frames
// with a sequence number already buffered are dropped. Depending on
// the intent axes, a watermark crossing pauses the server: once per
// crossing, not once per insertion above the mark. Implements
// rtsp.FrameHandler.
func (s *Session) ProcessFrame(frame rtp.Frame) {
	s.mu.Lock()
	if s.closed || s.userIntent == intentClosed {
		s.mu.Unlock()
		return
	}
	if !s.buffer.insert(frame) {
		s.mu.Unlock()
		return
	}

	occupancy := s.buffer.len()
	var pause bool
	switch {
	case s.userIntent == intentSetup && s.connIntent == intentPlay:
		// Pre-fill: accumulate up to the high-water mark, then stop
		// the server from sending faster than the sink can consume.
		if occupancy >= s.cfg.PrefillHighWater && !s.backpressured {
			s.backpressured = true
			s.connIntent = intentPause
			pause = true
		}
	case s.userIntent == intentPlay && s.connIntent == intentPlay:
		if occupancy >= s.cfg.LowWater {
			s.sendingToUI = true
		}
		if occupancy >= s.cfg.HighWater && !s.backpressured {
			s.backpressured = true
			s.connIntent = intentPause
			pause = true
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if pause {
		// Issued off the receive path so the control exchange cannot
		// stall datagram reception.
		go s.backpressurePause(conn, occupancy)
	}
}

// backpressurePause carries out the PAUSE decided on the ingest path.
// The decision is re-validated under the control lock: a user request
// that landed since the decision supersedes it, and the pause must not
// reach the wire.
func (s *Session) backpressurePause(conn controller, occupancy int) {
	s.ctrl.Lock()
	s.mu.Lock()
	wanted := s.backpressured && s.connIntent == intentPause && !s.closed
	s.mu.Unlock()
	var err error
	if wanted {
		logrus.WithFields(logrus.Fields{
			"function":  "Session.backpressurePause",
			"occupancy": occupancy,
		}).Info("Buffer crossed high-water mark, pausing server")
		err = conn.Pause()
	}
	s.ctrl.Unlock()
	if err != nil {
		s.notifyException(err)
	}
}

// StreamEnded records the end-of-stream notification from the
// receive path and tells listeners exactly once. Later Play and Pause
// calls against the completed stream are no-ops. Implements
// rtsp.FrameHandler.
func (s *Session) StreamEnded(lastSeq uint16) {
	s.mu.Lock()
	s.completed = true
	if s.endNotified {
		s.mu.Unlock()
		return
	}
	s.endNotified = true
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "Session.StreamEnded",
		"last_sequence": lastSeq,
	}).Info("Stream completed")
	for _, l := range listeners {
		l.VideoEnded()
	}
}

// ReceiveFailed surfaces a fatal receiver error to listeners. The
// session's own state stays consistent; the buffer keeps whatever was
// ingested before the failure. Implements rtsp.FrameHandler.
func (s *Session) ReceiveFailed(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Session.ReceiveFailed",
		"error":    err.Error(),
	}).Error("Receiver task failed")
	s.notifyException(err)
}

// dispatchLoop runs the periodic dispatch tick until the session's
// connection is closed.
func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.dispatchTick()
		}
	}
}

// dispatchTick delivers the lowest-sequence buffered frame to every
// listener when dispatch is enabled, disables dispatch when the
// buffer empties, and resumes a backpressure-paused server once the
// buffer drains below the low-water mark. The fixed tick period
// decouples bursty network arrival from a steady presentation
// cadence.
func (s *Session) dispatchTick() {
	s.mu.Lock()
	var frame rtp.Frame
	var deliver bool
	if s.sendingToUI {
		frame, deliver = s.buffer.popFront()
		if deliver && s.buffer.len() == 0 {
			// Drained dry: wait for the buffer to refill past the
			// low-water mark before dispatching again.
			s.sendingToUI = false
		}
	}
	tryResume := s.backpressured && s.userIntent == intentPlay && !s.completed &&
		s.buffer.len() < s.cfg.LowWater
	listeners := slices.Clone(s.listeners)
	conn := s.conn
	s.mu.Unlock()

	if deliver {
		for _, l := range listeners {
			l.FrameReceived(frame)
		}
	}
	if tryResume {
		s.resume(conn)
	}
}

// resume re-issues PLAY after a backpressure pause. The condition is
// re-evaluated under the control lock: a user pause or close that
// landed since the tick sampled it wins.
func (s *Session) resume(conn controller) {
	s.ctrl.Lock()
	s.mu.Lock()
	resume := s.backpressured && s.userIntent == intentPlay && !s.completed &&
		!s.closed && s.buffer.len() < s.cfg.LowWater
	if resume {
		s.backpressured = false
		s.connIntent = intentPlay
	}
	s.mu.Unlock()
	var err error
	if resume {
		logrus.WithFields(logrus.Fields{
			"function": "Session.resume",
		}).Info("Buffer drained below low-water mark, resuming server")
		err = conn.Play()
		if err != nil {
			// Leave the pause in force so a later tick can retry.
			s.mu.Lock()
			s.backpressured = true
			s.connIntent = intentPause
			s.mu.Unlock()
		}
	}
	s.ctrl.Unlock()
	if err != nil {
		s.notifyException(err)
	}
}

// fail reports err to listeners and returns it to the caller.
func (s *Session) fail(err error) error {
	s.notifyException(err)
	return err
}

func (s *Session) notifyException(err error) {
	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, l := range listeners {
		l.ExceptionThrown(err)
	}
}

var _ rtsp.FrameHandler = (*Session)(nil)
