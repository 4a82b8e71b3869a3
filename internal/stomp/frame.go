// Package stomp adapts the go-stomp frame codec to the chat WebSocket, where
// every message carries exactly one STOMP 1.2 frame, and adds heart-beat
// negotiation. It does not own any connection.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// Client and server commands.
const (
	CmdConnect     = frame.CONNECT
	CmdStomp       = frame.STOMP
	CmdConnected   = frame.CONNECTED
	CmdSend        = frame.SEND
	CmdSubscribe   = frame.SUBSCRIBE
	CmdUnsubscribe = frame.UNSUBSCRIBE
	CmdDisconnect  = frame.DISCONNECT
	CmdMessage     = frame.MESSAGE
	CmdReceipt     = frame.RECEIPT
	CmdError       = frame.ERROR
)

// Well-known header names.
const (
	HdrAcceptVersion = frame.AcceptVersion
	HdrVersion       = frame.Version
	HdrHost          = frame.Host
	HdrHeartBeat     = frame.HeartBeat
	HdrAuthorization = "Authorization"
	HdrDestination   = frame.Destination
	HdrID            = frame.Id
	HdrSubscription  = frame.Subscription
	HdrMessageID     = frame.MessageId
	HdrContentType   = frame.ContentType
	HdrContentLength = frame.ContentLength
	HdrReceipt       = frame.Receipt
	HdrReceiptID     = frame.ReceiptId
	HdrMessage       = frame.Message
	HdrAck           = frame.Ack
)

var ErrMalformedFrame = errors.New("malformed stomp frame")

type (
	Frame  = frame.Frame
	Header = frame.Header
)

// New builds a frame from alternating key/value pairs.
func New(command string, kv ...string) *Frame {
	return frame.New(command, kv...)
}

// Marshal encodes f, setting content-length when a body is present.
func Marshal(f *Frame) []byte {
	if f.Header == nil {
		f.Header = frame.NewHeader()
	}
	if len(f.Body) > 0 {
		f.Header.Set(HdrContentLength, strconv.Itoa(len(f.Body)))
	} else {
		f.Header.Del(HdrContentLength)
	}
	var buf bytes.Buffer
	// Writes to a bytes.Buffer cannot fail.
	_ = frame.NewWriter(&buf).Write(f)
	return buf.Bytes()
}

// IsHeartbeat reports whether data consists only of EOLs.
func IsHeartbeat(data []byte) bool {
	return len(bytes.Trim(data, "\r\n")) == 0
}

// Unmarshal decodes the single frame carried by one WebSocket message.
// Heart-beat EOLs around the frame are skipped; a second frame is an error.
func Unmarshal(data []byte) (*Frame, error) {
	if err := checkContentLength(data); err != nil {
		return nil, err
	}

	r := frame.NewReader(bytes.NewReader(data))
	var f *Frame
	for f == nil {
		next, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: incomplete frame", ErrMalformedFrame)
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		f = next
	}
	for {
		next, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil || next != nil {
			return nil, fmt.Errorf("%w: trailing data after frame", ErrMalformedFrame)
		}
	}

	if f.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrMalformedFrame)
	}
	if len(f.Body) == 0 {
		f.Body = nil
	}
	return f, nil
}

// checkContentLength rejects a declared body length the message cannot hold
// before the reader allocates a buffer for it.
func checkContentLength(data []byte) error {
	data = bytes.TrimLeft(data, "\r\n")
	// Skip the command line.
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[i+1:]
	} else {
		return nil
	}
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			return nil
		}
		value, ok := bytes.CutPrefix(line, []byte(HdrContentLength+":"))
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(string(value)), 10, 63)
		if err != nil || n >= uint64(len(data)) {
			return fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, value)
		}
		// First occurrence wins.
		return nil
	}
	return nil
}

// FormatHeartBeat renders the heart-beat header value "out,in" in milliseconds.
func FormatHeartBeat(out, in time.Duration) string {
	return strconv.FormatInt(out.Milliseconds(), 10) + "," + strconv.FormatInt(in.Milliseconds(), 10)
}

// ParseHeartBeat parses "x,y" in milliseconds. An empty value means "0,0".
func ParseHeartBeat(v string) (x, y time.Duration, err error) {
	if strings.TrimSpace(v) == "" {
		return 0, 0, nil
	}
	x, y, err = frame.ParseHeartBeat(strings.ReplaceAll(v, " ", ""))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: heart-beat %q", ErrMalformedFrame, v)
	}
	return x, y, nil
}

// NegotiateHeartBeat combines the client's wishes with the server's
// CONNECTED heart-beat header. Zero means disabled in that direction.
func NegotiateHeartBeat(clientOut, clientIn time.Duration, server string) (out, in time.Duration, err error) {
	sx, sy, err := ParseHeartBeat(server)
	if err != nil {
		return 0, 0, err
	}
	if clientOut > 0 && sy > 0 {
		out = max(clientOut, sy)
	}
	if clientIn > 0 && sx > 0 {
		in = max(clientIn, sx)
	}
	return out, in, nil
}
