package sniffer

import (
	"bytes"
	"io"
	"net"

	"github.com/pkg/errors"
)

// MaxPeekLength bounds the bytes which Peek will buffer while awaiting a
// complete handshake.
const MaxPeekLength = 64 * 1024

// ErrHandshakeTooLong is returned by Peek if a complete handshake isn't read
// within MaxPeekLength bytes.
var ErrHandshakeTooLong = errors.New("handshake exceeds maximum peek length")

// Peek reads from |conn| until Protocol |p| is able to extract Parameters of
// the connection's handshake. It returns the Parameters and a net.Conn which
// replays all peeked bytes before continuing to read from |conn|.
func Peek(conn net.Conn, p Protocol) (Parameters, net.Conn, error) {
	var buf = make([]byte, 0, 512)

	for {
		var params, ok, err = p.Parameters(buf)
		if err != nil {
			return Parameters{}, nil, errors.WithMessagef(err, "extracting %s parameters", p.Name())
		} else if ok {
			return params, &replayConn{Conn: conn, r: io.MultiReader(bytes.NewReader(buf), conn)}, nil
		} else if len(buf) == MaxPeekLength {
			return Parameters{}, nil, ErrHandshakeTooLong
		}

		if len(buf) == cap(buf) {
			var next = 2 * cap(buf)
			if next > MaxPeekLength {
				next = MaxPeekLength
			}
			buf = append(make([]byte, 0, next), buf...)
		}
		if buf, err = readMore(conn, buf); err != nil {
			return Parameters{}, nil, errors.WithMessage(err, "reading handshake")
		}
	}
}

// replayConn is a net.Conn which reads through |r|.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) { return c.r.Read(p) }
