package stomp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/mqgate/protocol"
)

func decodeAll(t *testing.T, c *Codec, b []byte) []protocol.Command {
	var dec = c.NewDecoder()
	dec.Feed(b)

	var out []protocol.Command
	for {
		var cmd, err = dec.Next()
		require.NoError(t, err)
		if cmd == nil {
			return out
		}
		out = append(out, cmd)
	}
}

func TestCodecClientFrames(t *testing.T) {
	var c = NewCodec()
	var in = "STOMP\naccept-version:1.2\nhost:vh\nlogin:bob\npasscode:pw\nclient-id:c1\nheart-beat:1000,0\n\n\x00" +
		"SUBSCRIBE\nid:sub-0\ndestination:/topic/prices\n\n\x00" +
		"SEND\ndestination:/queue/orders\nreceipt:9\npriority:4\n\nbody\x00" +
		"ACK\nid:m-1\nsubscription:sub-0\n\n\x00" +
		"NACK\nmessage-id:m-2\n\n\x00" +
		"UNSUBSCRIBE\nid:sub-0\n\n\x00" +
		"\r\n" +
		"DISCONNECT\nreceipt:done\n\n\x00"

	assert.Equal(t, []protocol.Command{
		&protocol.ConnectionInfo{
			ClientID:    "c1",
			UserName:    "bob",
			Password:    "pw",
			VirtualHost: "vh",
			HeartBeat:   [2]int{1000, 0},
		},
		&protocol.ConsumerInfo{
			ConsumerID:  "sub-0",
			Destination: protocol.NewTopic("prices"),
			AckMode:     "auto",
		},
		&protocol.Message{
			CommandID:   "9",
			Destination: protocol.NewQueue("orders"),
			Headers:     map[string]string{"priority": "4"},
			Body:        []byte("body"),
		},
		&protocol.MessageAck{ConsumerID: "sub-0", MessageID: "m-1"},
		&protocol.MessageAck{MessageID: "m-2", Nack: true},
		&protocol.RemoveInfo{ObjectID: "sub-0", Kind: protocol.RemoveConsumer},
		&protocol.KeepAlive{},
		&protocol.Shutdown{CommandID: "done"},
	}, decodeAll(t, c, []byte(in)))
}

func TestCodecBrokerFramesRoundTrip(t *testing.T) {
	var c = NewCodec()
	var cmds = []protocol.Command{
		&protocol.Response{Handshake: true, HeartBeat: [2]int{0, 5000}},
		&protocol.Response{CorrelationID: "9"},
		&protocol.Response{CorrelationID: "10", Failure: "no such queue"},
		&protocol.MessageDispatch{
			ConsumerID: "sub-0",
			Message: &protocol.Message{
				MessageID:   "ID:1",
				Destination: protocol.NewQueue("orders"),
				Headers:     map[string]string{"priority": "4", "type": "x"},
				Body:        []byte("payload"),
			},
		},
	}
	var b []byte
	var err error
	for _, cmd := range cmds {
		b, err = c.Encode(cmd, b)
		require.NoError(t, err)
	}
	assert.Equal(t, cmds, decodeAll(t, c, b))
}

func TestCodecCommandsWithoutFrames(t *testing.T) {
	var c = NewCodec()

	var b, err = c.Encode(&protocol.ProducerInfo{ProducerID: "p"}, nil)
	assert.NoError(t, err)
	assert.Empty(t, b)

	b, err = c.Encode(&protocol.RemoveInfo{ObjectID: "p", Kind: protocol.RemoveProducer}, nil)
	assert.NoError(t, err)
	assert.Empty(t, b)

	b, err = c.Encode(&protocol.KeepAlive{}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "\n", string(b))
}

func TestCodecRejectsUnsupportedFrames(t *testing.T) {
	var dec = NewCodec().NewDecoder()
	dec.Feed([]byte("BEGIN\ntransaction:tx1\n\n\x00"))

	var _, err = dec.Next()
	assert.EqualError(t, err, `"BEGIN": stomp: unsupported frame command`)

	dec = NewCodec().NewDecoder()
	dec.Feed([]byte("SEND\ndestination:nowhere\n\n\x00"))
	_, err = dec.Next()
	assert.EqualError(t, err, `SEND destination: unrecognized destination form ("nowhere")`)
}
