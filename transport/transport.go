// Package transport adapts protocol codecs to a uniform Transport contract of
// Send, receive (via a Listener), and Stop, and monitors Transports for
// inactivity.
package transport

import (
	"errors"

	"go.gazette.dev/mqgate/protocol"
)

// Transport is a bidirectional conduit of protocol.Commands.
type Transport interface {
	// Start begins delivering received Commands to the Transport's Listener.
	Start() error
	// Send a Command. Send is safe for concurrent use, and Commands of
	// concurrent Sends are written whole and in some serial order.
	Send(protocol.Command) error
	// Stop the Transport, closing its underlying connection. Stop is idempotent.
	Stop() error
	// RemoteAddr describes the remote peer of the Transport.
	RemoteAddr() string
}

// Listener receives Commands and failures of a Transport. Calls are made from
// the Transport's read goroutine, one at a time.
type Listener interface {
	OnCommand(protocol.Command)
	OnError(error)
}

// ReadObserver is optionally implemented by a Listener which wishes to learn
// of raw bytes read by the Transport, including those of partial frames.
type ReadObserver interface {
	OnRead(n int)
}

// Codec encodes and decodes Commands of a particular wire protocol.
type Codec interface {
	// Name of the protocol implemented by the Codec.
	Name() string
	// NewDecoder returns a Decoder of a new connection.
	NewDecoder() Decoder
	// Encode appends the encoding of |cmd| to |b|. Commands having no wire
	// representation in the protocol append nothing.
	Encode(cmd protocol.Command, b []byte) ([]byte, error)
}

// Decoder is a restartable decoder of a byte stream into Commands.
type Decoder interface {
	// Feed appends input bytes, which are copied.
	Feed([]byte)
	// Next returns the next decoded Command, or nil if more input is required.
	Next() (protocol.Command, error)
}

// ErrStopped is returned by Send of a Transport which isn't started.
var ErrStopped = errors.New("transport is stopped")

// ListenerFuncs adapts a pair of functions to a Listener.
type ListenerFuncs struct {
	Command func(protocol.Command)
	Error   func(error)
}

// OnCommand invokes the Command function.
func (l ListenerFuncs) OnCommand(cmd protocol.Command) { l.Command(cmd) }

// OnError invokes the Error function.
func (l ListenerFuncs) OnError(err error) { l.Error(err) }
