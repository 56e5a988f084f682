package transport

import (
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/protocol"
	"go.gazette.dev/mqgate/task"
)

// ConnTransport is a Transport over a net.Conn, which decodes and encodes
// Commands using a Codec. Received Commands are delivered to the Listener
// from a single read goroutine, in the order they were decoded.
type ConnTransport struct {
	conn     net.Conn
	codec    Codec
	listener Listener
	lc       task.Lifecycle

	mu   sync.Mutex // Guards |wbuf| and serializes writes to |conn|.
	wbuf []byte
}

// NewConnTransport returns a ConnTransport of the net.Conn, Codec, and Listener.
// The Listener may be nil, in which case SetListener must be called before Start.
func NewConnTransport(conn net.Conn, codec Codec, listener Listener) *ConnTransport {
	return &ConnTransport{
		conn:     conn,
		codec:    codec,
		listener: listener,
	}
}

// SetListener sets the Listener of the Transport. It must be called before Start.
func (t *ConnTransport) SetListener(l Listener) { t.listener = l }

// Codec returns the Codec of the ConnTransport.
func (t *ConnTransport) Codec() Codec { return t.codec }

// Start the read goroutine of the ConnTransport.
func (t *ConnTransport) Start() error {
	return t.lc.Start(func() error {
		if t.listener == nil {
			return errors.New("ConnTransport has no Listener")
		}
		go t.serveReads()
		return nil
	})
}

// Send encodes and writes the Command.
func (t *ConnTransport) Send(cmd protocol.Command) error {
	if !t.lc.IsStarted() {
		return ErrStopped
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.wbuf, err = t.codec.Encode(cmd, t.wbuf[:0]); err != nil {
		return errors.WithMessagef(err, "encoding %T", cmd)
	} else if len(t.wbuf) == 0 {
		return nil // No wire representation.
	}
	if _, err = t.conn.Write(t.wbuf); err != nil {
		return errors.WithMessage(err, "writing to connection")
	}
	return nil
}

// Stop closes the underlying connection. The read goroutine exits without
// notifying the Listener of the resulting read error.
func (t *ConnTransport) Stop() error {
	return t.lc.Stop(t.conn.Close)
}

// RemoteAddr returns the remote address of the connection.
func (t *ConnTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *ConnTransport) serveReads() {
	var dec = t.codec.NewDecoder()
	var buf = make([]byte, readBufferSize)
	var observer, _ = t.listener.(ReadObserver)

	for {
		var n, err = t.conn.Read(buf)

		if n != 0 {
			if observer != nil {
				observer.OnRead(n)
			}
			dec.Feed(buf[:n])

			for {
				var cmd, derr = dec.Next()
				if derr != nil {
					t.fail(errors.WithMessage(derr, t.codec.Name()))
					return
				} else if cmd == nil {
					break
				}
				t.listener.OnCommand(cmd)
			}
		}
		if err == io.EOF {
			t.fail(io.ErrUnexpectedEOF)
			return
		} else if err != nil {
			t.fail(err)
			return
		}
	}
}

func (t *ConnTransport) fail(err error) {
	switch t.lc.State() {
	case task.Stopping, task.Stopped:
		log.WithFields(log.Fields{"remote": t.RemoteAddr(), "err": err}).
			Debug("read loop exiting after stop")
	default:
		t.listener.OnError(err)
	}
}

const readBufferSize = 32 * 1024
