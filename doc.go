// Package rtspstream implements a client for a paired streaming-media
// protocol: a text-based control protocol (SETUP/PLAY/PAUSE/TEARDOWN
// over a reliable stream) and a binary datagram protocol carrying the
// media payload.
//
// A Session drives the control state machine, absorbs the jitter and
// bursts of unreliable datagram delivery in an ordered buffer, and
// paces frames to registered listeners on a fixed tick. When the
// buffer saturates it throttles the server with PAUSE and resumes
// with PLAY once it drains, with separate high and low watermarks to
// avoid oscillation.
//
// Example:
//
//	session, err := rtspstream.New("media.example.com:554", rtspstream.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	session.AddListener(ui)
//
//	if err := session.Open("movie1.Mjpeg"); err != nil {
//	    log.Fatal(err)
//	}
//	session.Play()
//
//	// ... frames arrive on ui.FrameReceived every tick ...
//
//	session.Close()
//	session.CloseConnection()
//
// The rtsp subpackage holds the control-channel codec, the connection
// state machine, and the background datagram receiver; the rtp
// subpackage holds the binary frame format.
package rtspstream
