package stomp

import (
	"strings"
)

// Frame commands.
const (
	CONNECT     = "CONNECT"
	STOMP       = "STOMP"
	CONNECTED   = "CONNECTED"
	SEND        = "SEND"
	SUBSCRIBE   = "SUBSCRIBE"
	UNSUBSCRIBE = "UNSUBSCRIBE"
	ACK         = "ACK"
	NACK        = "NACK"
	DISCONNECT  = "DISCONNECT"
	MESSAGE     = "MESSAGE"
	RECEIPT     = "RECEIPT"
	ERROR       = "ERROR"
)

// Well-known header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrAck           = "ack"
	HdrClientID      = "client-id"
	HdrContentLength = "content-length"
	HdrContentType   = "content-type"
	HdrDestination   = "destination"
	HdrHeartBeat     = "heart-beat"
	HdrHost          = "host"
	HdrID            = "id"
	HdrLogin         = "login"
	HdrMessage       = "message"
	HdrMessageID     = "message-id"
	HdrPasscode      = "passcode"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrSelector      = "selector"
	HdrServer        = "server"
	HdrSubscription  = "subscription"
	HdrVersion       = "version"
)

// Header is an ordered list of header name/value pairs. STOMP permits repeated
// headers, of which the first occurrence is significant.
type Header [][2]string

// Get returns the value of the first header |name|, or "".
func (h Header) Get(name string) string {
	var v, _ = h.Lookup(name)
	return v
}

// Lookup returns the value of the first header |name|, and whether it was present.
func (h Header) Lookup(name string) (string, bool) {
	for _, kv := range h {
		if kv[0] == name {
			return kv[1], true
		}
	}
	return "", false
}

// Add appends a header, without regard for existing headers of the same name.
func (h *Header) Add(name, value string) { *h = append(*h, [2]string{name, value}) }

// Set replaces the first header |name|, or appends it if not present.
func (h *Header) Set(name, value string) {
	for i := range *h {
		if (*h)[i][0] == name {
			(*h)[i][1] = value
			return
		}
	}
	h.Add(name, value)
}

// Frame is a decoded STOMP frame. A Frame with an empty Command is a
// heart-beat: a bare end-of-line received between frames.
type Frame struct {
	Command string
	Header  Header
	Body    []byte
}

// IsHeartBeat is true if the Frame is a heart-beat.
func (f *Frame) IsHeartBeat() bool { return f.Command == "" }

// escapesHeaders is false for the CONNECT and CONNECTED frames, whose
// headers are not escaped for compatibility with STOMP 1.0.
func escapesHeaders(command string) bool {
	return command != CONNECT && command != CONNECTED
}

var headerEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\r", "\\r",
	"\n", "\\n",
	":", "\\c",
)

func unescapeHeader(s string) (string, error) {
	if strings.IndexByte(s, '\\') == -1 {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		} else if i+1 == len(s) {
			return "", ErrInvalidEscape
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", ErrInvalidEscape
		}
	}
	return b.String(), nil
}
