package multiplexer

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/mqgate/distribution"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/protocol"
	"go.gazette.dev/mqgate/registry"
	"go.gazette.dev/mqgate/transport"
)

func TestHandshakeIsAnsweredByFirstBroker(t *testing.T) {
	var f = newFixture(t, 2)
	var client = new(fakeClient)
	var in, err = f.mux.AddInput(client)
	require.NoError(t, err)
	client.Deliver(&protocol.ConnectionInfo{ClientID: "client-a"})

	// Each broker was sent the handshake, re-identified as a tracked request.
	for i := 0; i != 2; i++ {
		var sent = f.broker(i).Sent()
		require.Len(t, sent, 1)
		var info = sent[0].(*protocol.ConnectionInfo)
		assert.Equal(t, in.ID(), info.ConnectionID)
		assert.Equal(t, "client-a", info.ClientID)
		assert.True(t, strings.HasPrefix(info.CommandID, distribution.RequestIDPrefix))
	}
	f.broker(1).Deliver(&protocol.Response{Handshake: true, HeartBeat: [2]int{0, 10000}})
	f.broker(0).Deliver(&protocol.Response{Handshake: true})

	assert.Equal(t, []protocol.Command{
		&protocol.Response{Handshake: true, HeartBeat: [2]int{0, 10000}},
	}, client.Sent())

	var state = f.mux.ConnectionState("client-a")
	require.NotNil(t, state)
	assert.Equal(t, int32(1), state.References())
	assert.Equal(t, []string{in.ID()}, state.Sessions())
}

func TestProducersAndConsumersAreRegistered(t *testing.T) {
	var f = newFixture(t, 1)
	var client, in = f.connect(t, "client-a")
	var a, b = protocol.NewQueue("a"), protocol.NewQueue("b")

	client.Deliver(&protocol.ConsumerInfo{
		CommandID:   "sub-receipt",
		ConsumerID:  "sub",
		Destination: protocol.NewQueue("a,b"),
		AckMode:     "client",
	})
	client.Deliver(&protocol.ProducerInfo{ProducerID: "prod", Destination: a})

	assert.Equal(t, int64(1), f.reg.Get(a).Consumers())
	assert.Equal(t, int64(1), f.reg.Get(b).Consumers())
	assert.Equal(t, int64(1), f.reg.Get(a).Producers())
	assert.Equal(t, 1, in.Session().Consumers())
	assert.Equal(t, 1, in.Session().Producers())

	// The composite subscription was decomposed, and only its first component
	// carries the receipt request.
	var sent = f.broker(0).Sent()[1:]
	require.Len(t, sent, 3)
	assert.Equal(t, &protocol.ConsumerInfo{CommandID: "sub-receipt", ConsumerID: "sub", Destination: a, AckMode: "client"}, sent[0])
	assert.Equal(t, &protocol.ConsumerInfo{ConsumerID: "sub", Destination: b, AckMode: "client"}, sent[1])
	assert.Equal(t, &protocol.ProducerInfo{ProducerID: "prod", Destination: a}, sent[2])

	client.Deliver(&protocol.RemoveInfo{ObjectID: "sub", Kind: protocol.RemoveConsumer})
	assert.Nil(t, f.reg.Get(b))
	assert.Equal(t, int64(0), f.reg.Get(a).Consumers())

	client.Deliver(&protocol.RemoveInfo{ObjectID: "prod", Kind: protocol.RemoveProducer})
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, 0, in.Session().Producers())
}

func TestPartialCompositeRegistrationIsRolledBack(t *testing.T) {
	var f = newFixture(t, 2)
	var a, b = protocol.NewQueue("a"), protocol.NewQueue("b")
	require.NoError(t, f.model.Reassign(a, brokerID(0)))
	require.NoError(t, f.model.Reassign(b, brokerID(1)))

	// Another client holds a consumer of |b|.
	var other, _ = f.connect(t, "client-b")
	other.Deliver(&protocol.ConsumerInfo{ConsumerID: "sub", Destination: b})
	require.Equal(t, int64(1), f.reg.Get(b).Consumers())

	var client, in = f.connect(t, "client-a")
	require.NoError(t, f.broker(1).Stop()) // Sends of |client| to broker-1 fail.

	client.Deliver(&protocol.ConsumerInfo{ConsumerID: "sub", Destination: protocol.NewQueue("a,b")})
	waitDone(t, in)
	require.Error(t, in.Err())

	// Only registrations which were made are released.
	assert.Nil(t, f.reg.Get(a))
	assert.Equal(t, int64(1), f.reg.Get(b).Consumers())
	owner, ok := f.model.Assignment(b)
	assert.True(t, ok)
	assert.Equal(t, brokerID(1), owner.ID())
}

func TestMessagesDispatchesAndAcks(t *testing.T) {
	var f = newFixture(t, 2)
	var client, _ = f.connect(t, "client-a")
	var q = protocol.NewQueue("orders")

	client.Deliver(&protocol.ConsumerInfo{ConsumerID: "sub", Destination: q, AckMode: "client"})
	var owner, ok = f.model.Assignment(q)
	require.True(t, ok)
	var broker = f.brokerByID(owner.ID())

	// A message of an unannounced producer registers an implicit one.
	client.Deliver(&protocol.Message{MessageID: "m1", Destination: q, Body: []byte("hi")})
	client.Deliver(&protocol.Message{MessageID: "m2", Destination: q, Body: []byte("there")})

	var stats = f.reg.Get(q)
	assert.Equal(t, int64(1), stats.Producers())
	assert.Equal(t, int64(2), stats.Inbound())

	var dispatch = &protocol.MessageDispatch{
		ConsumerID: "sub",
		Message:    &protocol.Message{MessageID: "m1", Destination: q},
	}
	broker.Deliver(dispatch)
	assert.Equal(t, int64(1), stats.Outbound())
	assert.Equal(t, dispatch, client.Sent()[1])

	// The ack is routed to the broker which dispatched the message.
	var ack = &protocol.MessageAck{ConsumerID: "sub", MessageID: "m1"}
	client.Deliver(ack)

	var sent = broker.Sent()
	assert.Equal(t, ack, sent[len(sent)-1])

	// Receipts of the client pass through.
	var receipt = &protocol.Response{CorrelationID: "r-1"}
	broker.Deliver(receipt)
	assert.Equal(t, receipt, client.Sent()[2])
}

func TestCloseReleasesState(t *testing.T) {
	var f = newFixture(t, 2)
	var client, in = f.connect(t, "client-a")

	client.Deliver(&protocol.ConsumerInfo{ConsumerID: "sub", Destination: protocol.NewTopic("t")})
	client.Deliver(&protocol.Message{MessageID: "m", Destination: protocol.NewQueue("q")})
	require.Equal(t, 2, f.reg.Len())

	client.Fail(errors.New("connection reset"))
	waitDone(t, in)

	assert.EqualError(t, in.Err(), "connection reset")
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, 0, f.mux.Inputs())
	assert.Nil(t, f.mux.ConnectionState("client-a"))
	assert.True(t, client.Stopped())

	for i := 0; i != 2; i++ {
		var sent = f.broker(i).Sent()
		assert.Equal(t, &protocol.RemoveInfo{ObjectID: in.ID(), Kind: protocol.RemoveConnection}, sent[len(sent)-1])
		assert.True(t, f.broker(i).Stopped())
		assert.Equal(t, 0, f.model.BrokerByID(brokerID(i)).TransportCount())
	}
}

func TestCommandBeforeHandshakeIsAnError(t *testing.T) {
	var f = newFixture(t, 1)
	var client = new(fakeClient)
	var in, err = f.mux.AddInput(client)
	require.NoError(t, err)

	client.Deliver(&protocol.ProducerInfo{ProducerID: "p", Destination: protocol.NewQueue("q")})
	waitDone(t, in)

	assert.EqualError(t, in.Err(), "expected handshake (got *protocol.ProducerInfo)")
	assert.Equal(t, []protocol.Command{
		&protocol.Response{Failure: "expected handshake (got *protocol.ProducerInfo)"},
	}, client.Sent())
	assert.Equal(t, 0, f.reg.Len())
}

func TestShutdownIsGraceful(t *testing.T) {
	var f = newFixture(t, 1)
	var client, in = f.connect(t, "")

	client.Deliver(&protocol.Shutdown{CommandID: "bye"})
	waitDone(t, in)

	assert.NoError(t, in.Err())
	assert.Equal(t, &protocol.Response{CorrelationID: "bye"}, client.Sent()[1])
	assert.True(t, client.Stopped())
}

func TestConnectionStateIsSharedByClientID(t *testing.T) {
	var f = newFixture(t, 1)
	var _, in1 = f.connect(t, "shared")
	var client2, in2 = f.connect(t, "shared")

	var state = f.mux.ConnectionState("shared")
	assert.Equal(t, int32(2), state.References())
	assert.Len(t, state.Sessions(), 2)

	client2.Deliver(&protocol.RemoveInfo{Kind: protocol.RemoveConnection})
	waitDone(t, in2)

	assert.Equal(t, int32(1), state.References())
	assert.Equal(t, []string{in1.ID()}, state.Sessions())
	assert.Equal(t, state, f.mux.ConnectionState("shared"))
}

func TestStopClosesInputs(t *testing.T) {
	var f = newFixture(t, 1)
	var c1, in1 = f.connect(t, "a")
	var c2, in2 = f.connect(t, "b")

	require.NoError(t, f.mux.Stop())
	waitDone(t, in1)
	waitDone(t, in2)

	assert.True(t, c1.Stopped())
	assert.True(t, c2.Stopped())
	assert.Equal(t, 0, f.mux.Inputs())

	var _, err = f.mux.AddInput(new(fakeClient))
	assert.Equal(t, ErrStopped, err)
}

type fixture struct {
	model *fleet.Model
	reg   *registry.Registry
	mux   *Multiplexer

	mu      sync.Mutex
	brokers map[string]*fakeBroker
}

func newFixture(t *testing.T, brokers int) *fixture {
	var f = &fixture{
		model:   fleet.NewModel(fleet.Limits{MaxBrokers: 10}),
		brokers: make(map[string]*fakeBroker),
	}
	f.reg = registry.New(f.model)

	for i := 0; i != brokers; i++ {
		var id = brokerID(i)
		f.model.Add(fleet.NewBrokerView(protocol.BrokerSpec{
			ID:        id,
			Name:      id,
			Endpoints: map[string]string{protocol.STOMP: id + ":61613"},
		}))
	}
	f.mux = New("vhost", f.model, f.reg, f.dial, distribution.Config{AsyncRequestCapacity: 16})
	t.Cleanup(func() { _ = f.mux.Stop() })
	return f
}

// connect adds a client Input and completes its handshake.
func (f *fixture) connect(t *testing.T, clientID string) (*fakeClient, *Input) {
	var client = new(fakeClient)
	var in, err = f.mux.AddInput(client)
	require.NoError(t, err)

	client.Deliver(&protocol.ConnectionInfo{ClientID: clientID})
	f.broker(0).Deliver(&protocol.Response{Handshake: true})
	require.Len(t, client.Sent(), 1)

	return client, in
}

func (f *fixture) dial(b *fleet.BrokerView, l transport.Listener) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var t = &fakeBroker{listener: l}
	f.brokers[b.ID()] = t
	return t, nil
}

func (f *fixture) broker(i int) *fakeBroker { return f.brokerByID(brokerID(i)) }

func (f *fixture) brokerByID(id string) *fakeBroker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.brokers[id]
}

func brokerID(i int) string { return fmt.Sprintf("broker-%d", i) }

func waitDone(t *testing.T, in *Input) {
	select {
	case <-in.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Input to close")
	}
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []protocol.Command
	stopped bool
}

func (t *fakeTransport) Start() error { return nil }

func (t *fakeTransport) Send(cmd protocol.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return transport.ErrStopped
	}
	t.sent = append(t.sent, cmd)
	return nil
}

func (t *fakeTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *fakeTransport) RemoteAddr() string { return "fake" }

func (t *fakeTransport) Sent() []protocol.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Command(nil), t.sent...)
}

func (t *fakeTransport) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeBroker struct {
	fakeTransport
	listener transport.Listener
}

func (b *fakeBroker) Deliver(cmd protocol.Command) { b.listener.OnCommand(cmd) }

type fakeClient struct {
	fakeTransport
	listener transport.Listener
}

func (c *fakeClient) SetListener(l transport.Listener) { c.listener = l }
func (c *fakeClient) Deliver(cmd protocol.Command)     { c.listener.OnCommand(cmd) }
func (c *fakeClient) Fail(err error)                   { c.listener.OnError(err) }
