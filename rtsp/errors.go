package rtsp

import (
	"errors"
	"fmt"
)

// Sentinel errors for control-channel operations.
// These errors enable reliable classification using errors.Is().
var (
	// ErrControlClosed indicates end of stream was reached before any
	// response line could be read: the server closed the control
	// channel, and no further responses should be expected.
	ErrControlClosed = errors.New("control channel closed by server")

	// ErrConnectionClosed indicates the Connection was closed and no
	// further operations are valid on it.
	ErrConnectionClosed = errors.New("connection closed")
)

// TransportError wraps a connect, read, or write failure on the
// control or data channel. It is generally fatal to the operation
// that observed it and is never retried automatically.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedResponseError reports a control-channel reply that violates
// the response grammar. The channel itself may remain usable for
// subsequent operations.
type MalformedResponseError struct {
	Line   string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("malformed response: %s", e.Reason)
	}
	return fmt.Sprintf("malformed response: %s (%q)", e.Reason, e.Line)
}

// RequestRejectedError reports a response with a non-200 status code.
// Recoverable: the caller decides whether to retry or abort.
type RequestRejectedError struct {
	StatusCode int
	StatusText string
}

func (e *RequestRejectedError) Error() string {
	return fmt.Sprintf("request rejected: %d %s", e.StatusCode, e.StatusText)
}

// DesynchronizedResponseError reports a response whose CSeq echo does
// not match the request it should answer. The control channel's
// line-based framing has likely drifted out of sync with the
// request/response pairing; the caller may resynchronize by discarding
// buffered responses (see Connection.Resynchronize) but the operation
// is not retried automatically.
type DesynchronizedResponseError struct {
	Sent     int
	Received int
}

func (e *DesynchronizedResponseError) Error() string {
	return fmt.Sprintf("desynchronized response: sent CSeq %d, response echoed %d", e.Sent, e.Received)
}

// SetupError wraps the failure of a stream setup, naming the target
// that could not be set up. The underlying cause is available through
// errors.As / errors.Is.
type SetupError struct {
	Target string
	Err    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %q failed: %v", e.Target, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }
