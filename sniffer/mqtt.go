package sniffer

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.gazette.dev/mqgate/protocol"
)

// MQTT matches MQTT connections, which open with a CONNECT control packet
// naming the "MQTT" (3.1.1 and 5) or "MQIsdp" (3.1) protocol. Parameters
// are available once the complete CONNECT packet has been read.
var MQTT Protocol = mqttProtocol{}

type mqttProtocol struct{}

const (
	mqttConnect         = 0x10
	mqttMaxVarIntLength = 4
	mqttVersion5        = 5

	mqttFlagUserName = 0x80
	mqttFlagWill     = 0x04
)

var mqttProtocolNames = [][]byte{
	{0, 4, 'M', 'Q', 'T', 'T'},
	{0, 6, 'M', 'Q', 'I', 's', 'd', 'p'},
}

func (mqttProtocol) Name() string { return protocol.MQTT }

// MaxIdentificationLength is the fixed header (of maximal length) followed by
// the longest protocol name.
func (mqttProtocol) MaxIdentificationLength() int { return 1 + mqttMaxVarIntLength + 8 }

func (p mqttProtocol) Matches(prefix []byte) bool {
	var name, ok = p.name(prefix)
	if !ok {
		return false
	}
	for _, n := range mqttProtocolNames {
		if bytes.HasPrefix(name, n) {
			return true
		}
	}
	return false
}

func (p mqttProtocol) CouldMatch(prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	} else if prefix[0] != mqttConnect {
		return false
	}
	var name, ok = p.name(prefix)
	if !ok {
		return true // Remaining length is incomplete.
	}
	for _, n := range mqttProtocolNames {
		if bytes.HasPrefix(name, n) || bytes.HasPrefix(n, name) {
			return true
		}
	}
	return false
}

// name returns the bytes of |prefix| following the fixed header.
func (mqttProtocol) name(prefix []byte) ([]byte, bool) {
	if len(prefix) == 0 || prefix[0] != mqttConnect {
		return nil, false
	}
	var _, n, err = mqttVarInt(prefix[1:])
	if err != nil || n == 0 {
		return nil, false
	}
	return prefix[1+n:], true
}

func (mqttProtocol) Parameters(buf []byte) (Parameters, bool, error) {
	if len(buf) < 2 {
		return Parameters{}, false, nil
	}
	var length, n, err = mqttVarInt(buf[1:])
	if err != nil {
		return Parameters{}, false, err
	} else if n == 0 || len(buf) < 1+n+length {
		return Parameters{}, false, nil
	}
	var r = mqttReader{b: buf[1+n : 1+n+length]}

	var name = r.str()
	var level = r.byte()
	var flags = r.byte()
	r.skip(2) // Keep-alive.

	if level == mqttVersion5 {
		var propLen, pn, err = mqttVarInt(r.b)
		if err != nil {
			return Parameters{}, false, err
		}
		r.skip(pn + propLen)
	}
	var out = Parameters{ClientID: r.str()}

	if flags&mqttFlagWill != 0 {
		if level == mqttVersion5 {
			var propLen, pn, err = mqttVarInt(r.b)
			if err != nil {
				return Parameters{}, false, err
			}
			r.skip(pn + propLen)
		}
		r.str() // Will topic.
		r.str() // Will payload.
	}
	if flags&mqttFlagUserName != 0 {
		out.UserID = r.str()
	}

	if r.err != nil {
		return Parameters{}, false, errors.WithMessagef(r.err, "decoding MQTT %s CONNECT", name)
	}
	return out, true, nil
}

var errMQTTMalformed = errors.New("malformed packet")

// mqttVarInt decodes a variable byte integer, returning its value and encoded
// length, or a zero length if |b| is insufficient.
func mqttVarInt(b []byte) (value, n int, err error) {
	var mult = 1
	for n < len(b) {
		var c = b[n]
		value += int(c&0x7f) * mult
		n++

		if c&0x80 == 0 {
			return value, n, nil
		} else if n == mqttMaxVarIntLength {
			return 0, 0, errMQTTMalformed
		}
		mult *= 128
	}
	return 0, 0, nil
}

type mqttReader struct {
	b   []byte
	err error
}

func (r *mqttReader) skip(n int) {
	if r.err != nil {
		return
	} else if n > len(r.b) {
		r.err = errMQTTMalformed
		return
	}
	r.b = r.b[n:]
}

func (r *mqttReader) byte() byte {
	if r.err != nil || len(r.b) < 1 {
		r.err = errMQTTMalformed
		return 0
	}
	var c = r.b[0]
	r.b = r.b[1:]
	return c
}

func (r *mqttReader) str() string {
	if r.err != nil || len(r.b) < 2 {
		r.err = errMQTTMalformed
		return ""
	}
	var n = int(binary.BigEndian.Uint16(r.b))
	if len(r.b) < 2+n {
		r.err = errMQTTMalformed
		return ""
	}
	var s = string(r.b[2 : 2+n])
	r.b = r.b[2+n:]
	return s
}
