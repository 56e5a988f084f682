package multiplexer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/distribution"
	"go.gazette.dev/mqgate/protocol"
	"go.gazette.dev/mqgate/registry"
	"go.gazette.dev/mqgate/transport"
)

// Input is a client connection of a Multiplexer.
type Input struct {
	id     string
	mux    *Multiplexer
	client transport.MonitoredTransport
	dist   *distribution.Distribution

	state   atomic.Pointer[ConnectionState]
	session atomic.Pointer[SessionState]

	mu     sync.Mutex // Serializes command handling with Close.
	closed bool
	err    error
	done   chan struct{}
}

// ID is the connection ID of the Input.
func (in *Input) ID() string { return in.id }

// Done is closed when the Input has closed.
func (in *Input) Done() <-chan struct{} { return in.done }

// Err returns the error which closed the Input, or nil if it closed
// gracefully. It may only be called after Done is closed.
func (in *Input) Err() error { return in.err }

// Session returns the SessionState of the Input, or nil if the client hasn't
// completed its handshake.
func (in *Input) Session() *SessionState { return in.session.Load() }

// Distribution of the Input.
func (in *Input) Distribution() *distribution.Distribution { return in.dist }

// OnCommand handles a Command of the client. Any error closes the Input.
func (in *Input) OnCommand(cmd protocol.Command) {
	in.mu.Lock()
	var err error
	if !in.closed {
		err = in.handle(cmd)
	}
	in.mu.Unlock()

	if err != nil {
		go in.Close(err)
	}
}

// OnError closes the Input upon failure of the client Transport.
func (in *Input) OnError(err error) { go in.Close(err) }

func (in *Input) handle(cmd protocol.Command) error {
	if c, ok := cmd.(*protocol.ConnectionInfo); ok {
		return in.onConnect(c)
	}
	var session = in.session.Load()
	if session == nil {
		return errors.Errorf("expected handshake (got %T)", cmd)
	}
	var reg = in.mux.registry

	switch c := cmd.(type) {
	case *protocol.KeepAlive:
		return nil

	case *protocol.ProducerInfo:
		if !session.addProducer(c.ProducerID, c.Destination) {
			return errors.Errorf("duplicate producer %q", c.ProducerID)
		}
		var err = in.registerComponents(session, c, c.Destination, reg.RegisterProducer, reg.UnregisterProducer)
		if err != nil {
			session.removeProducer(c.ProducerID)
		}
		return err

	case *protocol.ConsumerInfo:
		if !session.addConsumer(c) {
			return errors.Errorf("duplicate consumer %q", c.ConsumerID)
		}
		var err = in.registerComponents(session, c, c.Destination, reg.RegisterConsumer, reg.UnregisterConsumer)
		if err != nil {
			session.removeConsumer(c.ConsumerID)
		}
		return err

	case *protocol.Message:
		for i, dest := range c.Destination.Components() {
			if c.ProducerID == "" && session.addProducer(implicitProducerID(dest), dest) {
				session.setStats(reg.RegisterProducer(dest))
			}
			if st := session.statsOf(dest); st != nil {
				reg.AddMessageInbound(st)
			}
			if err := in.dist.Send(dest, retarget(c, dest, i == 0)); err != nil {
				return err
			}
		}
		return nil

	case *protocol.MessageAck:
		if ack, ok := session.takeAck(c.MessageID); ok {
			return in.dist.Send(ack.dest, c)
		} else if info, ok := session.consumer(c.ConsumerID); ok {
			return in.dist.Send(info.Destination.Components()[0], c)
		}
		return in.dist.SendAll(c)

	case *protocol.RemoveInfo:
		switch c.Kind {
		case protocol.RemoveConsumer:
			var info, ok = session.removeConsumer(c.ObjectID)
			if !ok {
				return in.dist.SendAll(c)
			}
			for i, dest := range info.Destination.Components() {
				session.releaseStats(reg.UnregisterConsumer(dest))
				if err := in.dist.Send(dest, keepCommandID(c, i == 0)); err != nil {
					return err
				}
			}
			return nil

		case protocol.RemoveProducer:
			var dest, ok = session.removeProducer(c.ObjectID)
			if !ok {
				return errors.Errorf("unknown producer %q", c.ObjectID)
			}
			for i, d := range dest.Components() {
				session.releaseStats(reg.UnregisterProducer(d))
				if err := in.dist.Send(d, keepCommandID(c, i == 0)); err != nil {
					return err
				}
			}
			return nil

		default:
			return in.shutdown(c.CommandID)
		}

	case *protocol.Shutdown:
		return in.shutdown(c.CommandID)

	case *protocol.ConnectionInfo, *protocol.Response, *protocol.MessageDispatch:
		return errors.Errorf("unexpected client command %T", cmd)

	default:
		panic(fmt.Sprintf("unexpected Command %T", cmd))
	}
}

// registerComponents registers and sends |cmd| to each component of its
// Destination. If a send fails, components registered thus far are
// unregistered before the error is returned.
func (in *Input) registerComponents(
	session *SessionState,
	cmd protocol.Command,
	dest protocol.Destination,
	register, unregister func(protocol.Destination) *registry.Statistics,
) error {
	var components = dest.Components()

	for i, d := range components {
		session.setStats(register(d))

		if err := in.dist.Send(d, retarget(cmd, d, i == 0)); err != nil {
			for _, r := range components[:i+1] {
				session.releaseStats(unregister(r))
			}
			return err
		}
	}
	return nil
}

func (in *Input) onConnect(c *protocol.ConnectionInfo) error {
	if in.session.Load() != nil {
		return errors.New("duplicate handshake")
	}
	var info = *c
	info.ConnectionID = in.id

	var clientID = info.ClientID
	if clientID == "" {
		clientID = in.id
	}
	var state = in.mux.acquireState(clientID)
	in.state.Store(state)
	in.session.Store(state.attach(&info))

	var _, err = in.dist.AsyncSendAll(&info, func(resp *protocol.Response) {
		if resp.Failure != "" {
			go in.Close(errors.WithMessage(resp.Err(), "broker handshake"))
			return
		}
		if err := in.client.Send(&protocol.Response{Handshake: true, HeartBeat: resp.HeartBeat}); err != nil {
			go in.Close(err)
		}
	})
	return err
}

// shutdown closes the Input gracefully, first answering |receipt| if set.
func (in *Input) shutdown(receipt string) error {
	if receipt != "" {
		_ = in.client.Send(&protocol.Response{CorrelationID: receipt})
	}
	go in.Close(nil)
	return nil
}

// Close the Input. A non-nil |err| is reported to the client, if possible.
// Registrations of the Input are released, brokers are told of the closed
// connection, and Transports of the Input are stopped. Close is idempotent.
func (in *Input) Close(err error) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	in.err = err

	var fields = log.Fields{"vhost": in.mux.vhost, "conn": in.id, "remote": in.client.RemoteAddr()}
	if err != nil {
		fields["err"] = err
		log.WithFields(fields).Warn("closing client input")
		_ = in.client.Send(&protocol.Response{Failure: err.Error()})
	} else {
		log.WithFields(fields).Debug("closing client input")
	}

	if session := in.session.Load(); session != nil {
		var reg = in.mux.registry
		var producers, consumers = session.drain()

		for _, dest := range producers {
			for _, d := range dest.Components() {
				reg.UnregisterProducer(d)
			}
		}
		for _, info := range consumers {
			for _, d := range info.Destination.Components() {
				reg.UnregisterConsumer(d)
			}
		}
		if sendErr := in.dist.SendAll(&protocol.RemoveInfo{ObjectID: in.id, Kind: protocol.RemoveConnection}); sendErr != nil {
			log.WithFields(log.Fields{"conn": in.id, "err": sendErr}).Debug("failed to remove connection from brokers")
		}
	}
	in.mu.Unlock()

	if stopErr := in.dist.Stop(); stopErr != nil {
		log.WithFields(log.Fields{"conn": in.id, "err": stopErr}).Warn("failed to stop distribution")
	}
	if stopErr := in.client.Stop(); stopErr != nil {
		log.WithFields(log.Fields{"conn": in.id, "err": stopErr}).Warn("failed to stop client transport")
	}
	if state := in.state.Load(); state != nil {
		in.mux.releaseState(state, in.id)
	}
	in.mux.removeInput(in)
	close(in.done)
}

// brokerListener receives broker commands of an Input which don't correlate
// to a pending request of its Distribution.
type brokerListener struct{ in *Input }

func (l brokerListener) OnCommand(cmd protocol.Command) {
	var in = l.in

	switch c := cmd.(type) {
	case *protocol.MessageDispatch:
		if session := in.session.Load(); session != nil && c.Message != nil {
			if st := session.statsOf(c.Message.Destination); st != nil {
				in.mux.registry.AddMessageOutbound(st)
			}
			session.expectAck(c.ConsumerID, c.Message.MessageID, c.Message.Destination)
		}
		if err := in.client.Send(c); err != nil {
			go in.Close(err)
		}
	case *protocol.Response:
		if err := in.client.Send(c); err != nil {
			go in.Close(err)
		}
	default:
		log.WithFields(log.Fields{"conn": in.id, "cmd": fmt.Sprintf("%T", cmd)}).
			Debug("dropping unexpected broker command")
	}
}

func (l brokerListener) OnError(err error) { go l.in.Close(err) }

func implicitProducerID(dest protocol.Destination) string { return "implicit:" + dest.String() }

// retarget returns a copy of |cmd| addressed to |dest|. The copy retains the
// CommandID of |cmd| only if |keepID|, so that a command fanned out to
// multiple brokers is answered once.
func retarget(cmd protocol.Command, dest protocol.Destination, keepID bool) protocol.Command {
	switch c := cmd.(type) {
	case *protocol.ProducerInfo:
		var cp = *c
		cp.Destination = dest
		return keepCommandID(&cp, keepID)
	case *protocol.ConsumerInfo:
		var cp = *c
		cp.Destination = dest
		return keepCommandID(&cp, keepID)
	case *protocol.Message:
		var cp = *c
		cp.Destination = dest
		return keepCommandID(&cp, keepID)
	default:
		panic(fmt.Sprintf("unexpected Command %T", cmd))
	}
}

func keepCommandID(cmd protocol.Command, keep bool) protocol.Command {
	if keep || protocol.CommandID(cmd) == "" {
		return cmd
	}
	return protocol.WithCommandID(cmd, "")
}
