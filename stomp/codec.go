package stomp

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.gazette.dev/mqgate/protocol"
	"go.gazette.dev/mqgate/transport"
)

// ErrUnsupportedFrame is returned when decoding a frame whose command the
// gateway doesn't route (eg, transaction frames).
var ErrUnsupportedFrame = errors.New("stomp: unsupported frame command")

// Codec is a transport.Codec of the STOMP 1.2 protocol.
type Codec struct {
	Limits Limits
	// Server names the gateway in CONNECTED frames.
	Server string
}

// NewCodec returns a Codec using DefaultLimits.
func NewCodec() *Codec { return &Codec{Limits: DefaultLimits, Server: "mqgate"} }

var _ transport.Codec = (*Codec)(nil) // Codec is-a transport.Codec.

// Name returns protocol.STOMP.
func (c *Codec) Name() string { return protocol.STOMP }

// NewDecoder returns a transport.Decoder of STOMP frames into Commands.
func (c *Codec) NewDecoder() transport.Decoder {
	return &commandDecoder{frames: NewDecoderWithLimits(c.Limits)}
}

// Encode appends the STOMP frame of |cmd| to |b|.
func (c *Codec) Encode(cmd protocol.Command, b []byte) ([]byte, error) {
	if f, err := c.ToFrame(cmd); err != nil {
		return b, err
	} else if f == nil {
		return b, nil
	} else {
		return AppendFrame(b, f), nil
	}
}

type commandDecoder struct {
	frames *Decoder
}

func (d *commandDecoder) Feed(p []byte) { d.frames.Feed(p) }

func (d *commandDecoder) Next() (protocol.Command, error) {
	if f, err := d.frames.Next(); err != nil || f == nil {
		return nil, err
	} else {
		return FromFrame(f)
	}
}

// FromFrame maps a decoded Frame to its Command.
func FromFrame(f *Frame) (protocol.Command, error) {
	var receipt = f.Header.Get(HdrReceipt)

	switch f.Command {
	case "":
		return &protocol.KeepAlive{}, nil

	case CONNECT, STOMP:
		var info = &protocol.ConnectionInfo{
			ClientID:    f.Header.Get(HdrClientID),
			UserName:    f.Header.Get(HdrLogin),
			Password:    f.Header.Get(HdrPasscode),
			VirtualHost: f.Header.Get(HdrHost),
		}
		var err error
		if info.HeartBeat, err = parseHeartBeat(f.Header.Get(HdrHeartBeat)); err != nil {
			return nil, err
		}
		return info, nil

	case CONNECTED:
		var resp = &protocol.Response{Handshake: true}
		var err error
		if resp.HeartBeat, err = parseHeartBeat(f.Header.Get(HdrHeartBeat)); err != nil {
			return nil, err
		}
		return resp, nil

	case SEND:
		var dest, err = protocol.ParseDestination(f.Header.Get(HdrDestination))
		if err != nil {
			return nil, errors.WithMessage(err, "SEND destination")
		}
		return &protocol.Message{
			CommandID:   receipt,
			Destination: dest,
			Headers:     userHeaders(f.Header),
			Body:        f.Body,
		}, nil

	case SUBSCRIBE:
		var dest, err = protocol.ParseDestination(f.Header.Get(HdrDestination))
		if err != nil {
			return nil, errors.WithMessage(err, "SUBSCRIBE destination")
		}
		var ack = f.Header.Get(HdrAck)
		if ack == "" {
			ack = "auto"
		}
		return &protocol.ConsumerInfo{
			CommandID:   receipt,
			ConsumerID:  f.Header.Get(HdrID),
			Destination: dest,
			AckMode:     ack,
			Selector:    f.Header.Get(HdrSelector),
		}, nil

	case UNSUBSCRIBE:
		return &protocol.RemoveInfo{
			CommandID: receipt,
			ObjectID:  f.Header.Get(HdrID),
			Kind:      protocol.RemoveConsumer,
		}, nil

	case ACK, NACK:
		// STOMP 1.2 names the acknowledged message by "id"; 1.1 by "message-id".
		var id = f.Header.Get(HdrID)
		if id == "" {
			id = f.Header.Get(HdrMessageID)
		}
		return &protocol.MessageAck{
			CommandID:  receipt,
			ConsumerID: f.Header.Get(HdrSubscription),
			MessageID:  id,
			Nack:       f.Command == NACK,
		}, nil

	case DISCONNECT:
		return &protocol.Shutdown{CommandID: receipt}, nil

	case MESSAGE:
		var dest, err = protocol.ParseDestination(f.Header.Get(HdrDestination))
		if err != nil {
			return nil, errors.WithMessage(err, "MESSAGE destination")
		}
		return &protocol.MessageDispatch{
			ConsumerID: f.Header.Get(HdrSubscription),
			Message: &protocol.Message{
				MessageID:   f.Header.Get(HdrMessageID),
				Destination: dest,
				Headers:     userHeaders(f.Header),
				Body:        f.Body,
			},
		}, nil

	case RECEIPT:
		return &protocol.Response{CorrelationID: f.Header.Get(HdrReceiptID)}, nil

	case ERROR:
		var msg = f.Header.Get(HdrMessage)
		if msg == "" {
			msg = strings.TrimSpace(string(f.Body))
		}
		if msg == "" {
			msg = ERROR
		}
		return &protocol.Response{
			CorrelationID: f.Header.Get(HdrReceiptID),
			Failure:       msg,
		}, nil

	default:
		return nil, errors.WithMessagef(ErrUnsupportedFrame, "%q", f.Command)
	}
}

// ToFrame maps a Command to its Frame. Commands without a STOMP
// representation (ProducerInfo, and RemoveInfo of a producer) map to nil.
func (c *Codec) ToFrame(cmd protocol.Command) (*Frame, error) {
	var f = new(Frame)

	switch cmd := cmd.(type) {
	case *protocol.KeepAlive:
		return f, nil

	case *protocol.ConnectionInfo:
		f.Command = CONNECT
		f.Header.Add(HdrAcceptVersion, "1.2")
		f.Header.Add(HdrHost, cmd.VirtualHost)
		addIfSet(&f.Header, HdrLogin, cmd.UserName)
		addIfSet(&f.Header, HdrPasscode, cmd.Password)
		addIfSet(&f.Header, HdrClientID, cmd.ClientID)
		if cmd.HeartBeat != [2]int{} {
			f.Header.Add(HdrHeartBeat, formatHeartBeat(cmd.HeartBeat))
		}

	case *protocol.Response:
		switch {
		case cmd.Handshake && cmd.Failure == "":
			f.Command = CONNECTED
			f.Header.Add(HdrVersion, "1.2")
			f.Header.Add(HdrServer, c.Server)
			f.Header.Add(HdrHeartBeat, formatHeartBeat(cmd.HeartBeat))
		case cmd.Failure != "":
			f.Command = ERROR
			f.Header.Add(HdrMessage, cmd.Failure)
			addIfSet(&f.Header, HdrReceiptID, cmd.CorrelationID)
		default:
			f.Command = RECEIPT
			f.Header.Add(HdrReceiptID, cmd.CorrelationID)
		}

	case *protocol.Message:
		f.Command = SEND
		f.Header.Add(HdrDestination, cmd.Destination.String())
		addIfSet(&f.Header, HdrReceipt, cmd.CommandID)
		addUserHeaders(&f.Header, cmd.Headers)
		f.Body = cmd.Body

	case *protocol.ConsumerInfo:
		f.Command = SUBSCRIBE
		f.Header.Add(HdrID, cmd.ConsumerID)
		f.Header.Add(HdrDestination, cmd.Destination.String())
		addIfSet(&f.Header, HdrAck, cmd.AckMode)
		addIfSet(&f.Header, HdrSelector, cmd.Selector)
		addIfSet(&f.Header, HdrReceipt, cmd.CommandID)

	case *protocol.RemoveInfo:
		switch cmd.Kind {
		case protocol.RemoveConsumer:
			f.Command = UNSUBSCRIBE
			f.Header.Add(HdrID, cmd.ObjectID)
		case protocol.RemoveConnection:
			f.Command = DISCONNECT
		case protocol.RemoveProducer:
			return nil, nil
		}
		addIfSet(&f.Header, HdrReceipt, cmd.CommandID)

	case *protocol.MessageAck:
		f.Command = ACK
		if cmd.Nack {
			f.Command = NACK
		}
		f.Header.Add(HdrID, cmd.MessageID)
		addIfSet(&f.Header, HdrSubscription, cmd.ConsumerID)
		addIfSet(&f.Header, HdrReceipt, cmd.CommandID)

	case *protocol.MessageDispatch:
		f.Command = MESSAGE
		f.Header.Add(HdrSubscription, cmd.ConsumerID)
		f.Header.Add(HdrMessageID, cmd.Message.MessageID)
		f.Header.Add(HdrDestination, cmd.Message.Destination.String())
		addUserHeaders(&f.Header, cmd.Message.Headers)
		f.Body = cmd.Message.Body

	case *protocol.Shutdown:
		f.Command = DISCONNECT
		addIfSet(&f.Header, HdrReceipt, cmd.CommandID)

	case *protocol.ProducerInfo:
		return nil, nil

	default:
		return nil, errors.Errorf("unexpected Command %T", cmd)
	}
	return f, nil
}

// routingHeaders are consumed by the codec, and are not user headers of a Message.
var routingHeaders = map[string]bool{
	HdrContentLength: true,
	HdrDestination:   true,
	HdrMessageID:     true,
	HdrReceipt:       true,
	HdrSubscription:  true,
}

func userHeaders(h Header) map[string]string {
	var out map[string]string
	for _, kv := range h {
		if routingHeaders[kv[0]] {
			continue
		} else if out == nil {
			out = make(map[string]string)
		}
		if _, ok := out[kv[0]]; !ok {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

func addUserHeaders(h *Header, m map[string]string) {
	var names = make([]string, 0, len(m))
	for n := range m {
		if !routingHeaders[n] {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	for _, n := range names {
		h.Add(n, m[n])
	}
}

func addIfSet(h *Header, name, value string) {
	if value != "" {
		h.Add(name, value)
	}
}

func parseHeartBeat(s string) ([2]int, error) {
	var out [2]int
	if s == "" {
		return out, nil
	}
	var parts = strings.Split(s, ",")
	if len(parts) != 2 {
		return out, errors.Errorf("stomp: malformed heart-beat (%q)", s)
	}
	for i, p := range parts {
		var n, err = strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return out, errors.Errorf("stomp: malformed heart-beat (%q)", s)
		}
		out[i] = n
	}
	return out, nil
}

func formatHeartBeat(hb [2]int) string {
	return strconv.Itoa(hb[0]) + "," + strconv.Itoa(hb[1])
}
