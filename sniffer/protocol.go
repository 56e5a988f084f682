package sniffer

import (
	"bytes"

	"go.gazette.dev/mqgate/protocol"
	"go.gazette.dev/mqgate/stomp"
)

// Parameters of a connection which are derived from its handshake.
type Parameters struct {
	VirtualHost string
	UserID      string
	ClientID    string
}

// Protocol identifies connections of a wire protocol from their initial bytes.
type Protocol interface {
	// Name of the protocol.
	Name() string
	// MaxIdentificationLength is the number of leading bytes beyond which
	// Matches is certain to have decided.
	MaxIdentificationLength() int
	// Matches is true if |prefix| begins a connection of this protocol.
	Matches(prefix []byte) bool
	// CouldMatch is false if no extension of |prefix| can Match.
	CouldMatch(prefix []byte) bool
	// Parameters extracts connection Parameters from the buffered initial
	// bytes of a matched connection. It returns false if a complete
	// handshake isn't yet available.
	Parameters(buf []byte) (Parameters, bool, error)
}

// tokenProtocol matches connections beginning with any of a set of tokens.
type tokenProtocol struct {
	name   string
	tokens [][]byte
	maxLen int
}

func newTokenProtocol(name string, tokens ...string) tokenProtocol {
	var p = tokenProtocol{name: name}
	for _, t := range tokens {
		p.tokens = append(p.tokens, []byte(t))
		if len(t) > p.maxLen {
			p.maxLen = len(t)
		}
	}
	return p
}

func (p tokenProtocol) Name() string                 { return p.name }
func (p tokenProtocol) MaxIdentificationLength() int { return p.maxLen }

func (p tokenProtocol) Matches(prefix []byte) bool {
	for _, t := range p.tokens {
		if bytes.HasPrefix(prefix, t) {
			return true
		}
	}
	return false
}

func (p tokenProtocol) CouldMatch(prefix []byte) bool {
	for _, t := range p.tokens {
		if bytes.HasPrefix(prefix, t) || bytes.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}

func (p tokenProtocol) Parameters([]byte) (Parameters, bool, error) {
	return Parameters{}, true, nil
}

// STOMP matches STOMP connections, which open with a CONNECT or STOMP frame.
// Parameters are available once the complete frame has been read.
var STOMP Protocol = stompProtocol{newTokenProtocol(protocol.STOMP,
	"CONNECT\n", "CONNECT\r\n", "STOMP\n", "STOMP\r\n")}

type stompProtocol struct{ tokenProtocol }

func (stompProtocol) Parameters(buf []byte) (Parameters, bool, error) {
	var dec = stomp.NewDecoder()
	dec.Feed(buf)

	var f, err = dec.Next()
	if err != nil || f == nil {
		return Parameters{}, false, err
	}
	return Parameters{
		VirtualHost: f.Header.Get(stomp.HdrHost),
		UserID:      f.Header.Get(stomp.HdrLogin),
		ClientID:    f.Header.Get(stomp.HdrClientID),
	}, true, nil
}

// AMQP matches AMQP connections, which open with a protocol header.
var AMQP Protocol = newTokenProtocol(protocol.AMQP, "AMQP")

// HTTP matches HTTP/1 connections by their request method. The CONNECT method
// is omitted, as it's ambiguous with STOMP.
var HTTP Protocol = newTokenProtocol(protocol.HTTP,
	"GET ", "HEAD ", "POST ", "PUT ", "DELETE ", "OPTIONS ", "PATCH ")

// OpenWire matches OpenWire connections, which open with a size-prefixed
// WireFormatInfo command carrying the "ActiveMQ" magic.
var OpenWire Protocol = openWireProtocol{}

type openWireProtocol struct{}

var openWireMagic = []byte("ActiveMQ")

const (
	openWireSizePrefix     = 4
	openWireWireFormatInfo = 1
)

func (openWireProtocol) Name() string { return protocol.OpenWire }

func (openWireProtocol) MaxIdentificationLength() int {
	return openWireSizePrefix + 1 + len(openWireMagic)
}

func (p openWireProtocol) Matches(prefix []byte) bool {
	return len(prefix) >= p.MaxIdentificationLength() && p.CouldMatch(prefix)
}

func (openWireProtocol) CouldMatch(prefix []byte) bool {
	if len(prefix) <= openWireSizePrefix {
		return true
	} else if prefix[openWireSizePrefix] != openWireWireFormatInfo {
		return false
	}
	var rest = prefix[openWireSizePrefix+1:]
	if len(rest) > len(openWireMagic) {
		rest = rest[:len(openWireMagic)]
	}
	return bytes.HasPrefix(openWireMagic, rest)
}

func (openWireProtocol) Parameters([]byte) (Parameters, bool, error) {
	return Parameters{}, true, nil
}
