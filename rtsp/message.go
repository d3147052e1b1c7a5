package rtsp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// protocolVersion is the version token on every request line and
// expected on every status line.
const protocolVersion = "RTSP/1.0"

// StatusOK is the only status code accepted as a successful response.
const StatusOK = 200

// Header names the Connection depends on. Header keys are
// case-sensitive as received; these are the spellings the protocol
// uses on the wire.
const (
	sessionHeader = "Session"
	cseqHeader    = "CSeq"
)

// Method is a control request method.
type Method string

const (
	MethodSetup    Method = "SETUP"
	MethodPlay     Method = "PLAY"
	MethodPause    Method = "PAUSE"
	MethodTeardown Method = "TEARDOWN"
)

// Request is one control-channel request. The Connection assigns CSeq
// values; they are unique and strictly increasing for the lifetime of
// a connection.
type Request struct {
	Method Method
	Target string
	CSeq   int

	// Session is the identifier echoed from the most recent response.
	// Empty on the first SETUP, which carries no Session header.
	Session string

	// ClientPort is the local datagram port advertised in the SETUP
	// request's Transport header. Ignored for other methods.
	ClientPort int
}

// Marshal renders the request in wire form: the request line, a CSeq
// header, then either the Transport header (SETUP) or the Session
// header, each line CRLF-terminated, and a terminating blank line.
func (r Request) Marshal() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", r.Method, r.Target, protocolVersion)
	fmt.Fprintf(&buf, "CSeq: %d\r\n", r.CSeq)
	if r.Method == MethodSetup {
		fmt.Fprintf(&buf, "Transport: RTP/UDP; client_port=%d\r\n", r.ClientPort)
	} else if r.Session != "" {
		fmt.Fprintf(&buf, "Session: %s\r\n", r.Session)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// Response is one parsed control-channel reply.
type Response struct {
	ProtoVersion string
	StatusCode   int
	StatusText   string

	// Headers holds every header line, keys case-sensitive as
	// received. A response to SETUP must carry the Session key.
	Headers map[string]string
}

// ReadResponse reads one response from the control channel: a status
// line, zero or more header lines, and a blank line. End of stream
// after the status line terminates the message; end of stream before
// any line is read returns ErrControlClosed so the caller can stop
// reading further responses. Grammar violations return
// MalformedResponseError.
func ReadResponse(br *bufio.Reader) (*Response, error) {
	line, err := readLine(br)
	if err != nil {
		if err == io.EOF {
			return nil, ErrControlClosed
		}
		return nil, &TransportError{Op: "control read", Err: err}
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, &MalformedResponseError{Line: line, Reason: "status line missing status code"}
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, &MalformedResponseError{Line: line, Reason: "status code is not an integer"}
	}

	resp := &Response{
		ProtoVersion: parts[0],
		StatusCode:   code,
		Headers:      make(map[string]string),
	}
	if len(parts) == 3 {
		resp.StatusText = parts[2]
	}

	for {
		line, err := readLine(br)
		if err != nil {
			if err == io.EOF {
				return resp, nil
			}
			return nil, &TransportError{Op: "control read", Err: err}
		}
		if line == "" {
			return resp, nil
		}
		name, value, ok := cutHeader(line)
		if !ok {
			return nil, &MalformedResponseError{Line: line, Reason: "header line missing separator"}
		}
		resp.Headers[name] = value
	}
}

// cutHeader splits a header line on the first ": " only; values may
// themselves contain colons.
func cutHeader(line string) (name, value string, ok bool) {
	return strings.Cut(line, ": ")
}

// readLine reads one line, tolerating either bare LF or CRLF endings.
// A final line without a terminator is still returned; io.EOF is
// reported only when no bytes at all were read.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
