package protocol

import (
	"errors"
	"fmt"
)

// Command is the closed set of commands exchanged between clients, the
// gateway, and brokers. Implementations are the concrete types of this file,
// and callers dispatch over them with an exhaustive type switch.
type Command interface {
	isCommand()
}

// ConnectionInfo opens a logical client connection.
type ConnectionInfo struct {
	CommandID    string
	ConnectionID string
	ClientID     string
	UserName     string
	Password     string
	VirtualHost  string
	// HeartBeat is the client's requested (send, receive) heart-beat, in milliseconds.
	HeartBeat [2]int
}

// ProducerInfo announces a producer of a Destination.
type ProducerInfo struct {
	CommandID    string
	ProducerID   string
	ConnectionID string
	Destination  Destination
}

// ConsumerInfo subscribes a consumer to a Destination.
type ConsumerInfo struct {
	CommandID    string
	ConsumerID   string
	ConnectionID string
	Destination  Destination
	AckMode      string
	Selector     string
}

// RemoveKind is the kind of object a RemoveInfo removes.
type RemoveKind int8

const (
	RemoveConsumer RemoveKind = iota
	RemoveProducer
	RemoveConnection
)

// RemoveInfo removes a previously announced consumer, producer, or connection.
type RemoveInfo struct {
	CommandID string
	ObjectID  string
	Kind      RemoveKind
}

// Message is a message produced to a Destination.
type Message struct {
	CommandID   string
	MessageID   string
	ProducerID  string
	Destination Destination
	Headers     map[string]string
	Body        []byte
}

// MessageDispatch delivers a Message to a subscribed consumer.
type MessageDispatch struct {
	ConsumerID string
	Message    *Message
}

// MessageAck acknowledges (or with Nack, rejects) a dispatched message.
type MessageAck struct {
	CommandID  string
	ConsumerID string
	MessageID  string
	Nack       bool
}

// Response answers a command which carried a CommandID.
type Response struct {
	CorrelationID string
	// Handshake is set if this Response completes a ConnectionInfo.
	Handshake bool
	// Failure is non-empty if the command failed.
	Failure string
	// HeartBeat is the negotiated (send, receive) heart-beat of a Handshake.
	HeartBeat [2]int
}

// KeepAlive carries no content and exists only to show liveness.
type KeepAlive struct{}

// Shutdown is a graceful close of the client connection.
type Shutdown struct {
	CommandID string
}

func (*ConnectionInfo) isCommand()  {}
func (*ProducerInfo) isCommand()    {}
func (*ConsumerInfo) isCommand()    {}
func (*RemoveInfo) isCommand()      {}
func (*Message) isCommand()         {}
func (*MessageDispatch) isCommand() {}
func (*MessageAck) isCommand()      {}
func (*Response) isCommand()        {}
func (*KeepAlive) isCommand()       {}
func (*Shutdown) isCommand()        {}

// Err returns the Failure of the Response as an error, or nil.
func (r *Response) Err() error {
	if r.Failure == "" {
		return nil
	}
	return errors.New(r.Failure)
}

// CommandID returns the identifier of |cmd| to which a Response is expected
// to correlate, or "" if |cmd| requires no Response.
func CommandID(cmd Command) string {
	switch c := cmd.(type) {
	case *ConnectionInfo:
		return c.CommandID
	case *ProducerInfo:
		return c.CommandID
	case *ConsumerInfo:
		return c.CommandID
	case *RemoveInfo:
		return c.CommandID
	case *Message:
		return c.CommandID
	case *MessageAck:
		return c.CommandID
	case *Shutdown:
		return c.CommandID
	case *MessageDispatch, *Response, *KeepAlive:
		return ""
	default:
		panic(fmt.Sprintf("unexpected Command %T", cmd))
	}
}

// WithCommandID returns a shallow copy of |cmd| having CommandID |id|.
// It panics if |cmd| is of a type which cannot carry a CommandID.
func WithCommandID(cmd Command, id string) Command {
	switch c := cmd.(type) {
	case *ConnectionInfo:
		var cp = *c
		cp.CommandID = id
		return &cp
	case *ProducerInfo:
		var cp = *c
		cp.CommandID = id
		return &cp
	case *ConsumerInfo:
		var cp = *c
		cp.CommandID = id
		return &cp
	case *RemoveInfo:
		var cp = *c
		cp.CommandID = id
		return &cp
	case *Message:
		var cp = *c
		cp.CommandID = id
		return &cp
	case *MessageAck:
		var cp = *c
		cp.CommandID = id
		return &cp
	case *Shutdown:
		var cp = *c
		cp.CommandID = id
		return &cp
	default:
		panic(fmt.Sprintf("%T cannot carry a CommandID", cmd))
	}
}
