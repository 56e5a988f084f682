// Package sniffer classifies newly accepted connections by their wire
// protocol, from the connection's initial bytes, and extracts Parameters of
// the connection's handshake. Classification fails closed: a connection
// which matches no Protocol within its identification length is rejected.
package sniffer

import (
	"errors"
	"io"

	"github.com/soheilhy/cmux"
)

var (
	// ErrNeedMoreBytes is returned by Detect if a Protocol could yet match
	// an extension of the prefix.
	ErrNeedMoreBytes = errors.New("need more bytes to identify protocol")
	// ErrUnknownProtocol is returned by Detect if no Protocol can match.
	ErrUnknownProtocol = errors.New("unknown protocol")
)

// Sniffer detects the Protocol of a connection from an ordered set of
// candidate Protocols. The first matching Protocol wins.
type Sniffer struct {
	protocols []Protocol
	maxLen    int
}

// New returns a Sniffer of the candidate Protocols.
func New(protocols ...Protocol) *Sniffer {
	var s = &Sniffer{protocols: protocols}
	for _, p := range protocols {
		if l := p.MaxIdentificationLength(); l > s.maxLen {
			s.maxLen = l
		}
	}
	return s
}

// Default returns a Sniffer of all built-in Protocols.
func Default() *Sniffer { return New(STOMP, MQTT, AMQP, OpenWire, HTTP) }

// Protocols returns the candidate Protocols of the Sniffer, in match order.
func (s *Sniffer) Protocols() []Protocol { return s.protocols }

// MaxIdentificationLength is the largest identification length of any Protocol.
func (s *Sniffer) MaxIdentificationLength() int { return s.maxLen }

// Detect the Protocol of a connection from its |prefix|.
func (s *Sniffer) Detect(prefix []byte) (Protocol, error) {
	for _, p := range s.protocols {
		if p.Matches(prefix) {
			return p, nil
		}
	}
	for _, p := range s.protocols {
		if len(prefix) < p.MaxIdentificationLength() && p.CouldMatch(prefix) {
			return nil, ErrNeedMoreBytes
		}
	}
	return nil, ErrUnknownProtocol
}

// Sniff reads from |r| until the Protocol of the connection is decided,
// returning the Protocol and the bytes read.
func (s *Sniffer) Sniff(r io.Reader) (Protocol, []byte, error) {
	var buf = make([]byte, 0, s.maxLen)
	for {
		var p, err = s.Detect(buf)
		if err != ErrNeedMoreBytes {
			return p, buf, err
		}
		if buf, err = readMore(r, buf); err != nil {
			return nil, buf, err
		}
	}
}

// Matcher adapts the Protocol to a cmux.Matcher. The Matcher reads only as
// many bytes as are needed to decide the match, so that it doesn't block on
// connections whose handshake is shorter than the identification length of
// the Protocol.
func Matcher(p Protocol) cmux.Matcher {
	return func(r io.Reader) bool {
		var buf = make([]byte, 0, p.MaxIdentificationLength())

		for !p.Matches(buf) {
			if len(buf) >= p.MaxIdentificationLength() || !p.CouldMatch(buf) {
				return false
			}
			var err error
			if buf, err = readMore(r, buf); err != nil {
				return false
			}
		}
		return true
	}
}

// Matchers returns Matchers of each of the Sniffer's Protocols.
func (s *Sniffer) Matchers() []cmux.Matcher {
	var out []cmux.Matcher
	for _, p := range s.protocols {
		out = append(out, Matcher(p))
	}
	return out
}

// readMore reads into the spare capacity of |buf|, which must have some.
func readMore(r io.Reader, buf []byte) ([]byte, error) {
	var n, err = r.Read(buf[len(buf):cap(buf)])
	buf = buf[:len(buf)+n]

	if n != 0 {
		return buf, nil
	} else if err == nil {
		err = io.ErrNoProgress
	}
	return buf, err
}
