package distribution

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/protocol"
	"go.gazette.dev/mqgate/transport"
)

func TestAsyncSendAllCompletesAtMostOnce(t *testing.T) {
	var f = newFixture(t, 5, 16)

	var calls int32
	var got *protocol.Response
	var completion, err = f.d.AsyncSendAll(&protocol.ConnectionInfo{ClientID: "c"}, func(r *protocol.Response) {
		atomic.AddInt32(&calls, 1)
		got = r
	})
	require.NoError(t, err)

	// Each of the five brokers was sent the request.
	var id string
	for i := 0; i != 5; i++ {
		var sent = f.transport(i).Sent()
		require.Len(t, sent, 1)
		id = protocol.CommandID(sent[0])
		assert.True(t, strings.HasPrefix(id, RequestIDPrefix))
	}
	assert.Equal(t, 1, f.d.PendingRequests())

	// Three of five brokers respond.
	for i := 0; i != 3; i++ {
		f.transport(i).Deliver(&protocol.Response{Handshake: true, HeartBeat: [2]int{i, 0}})
	}
	require.NoError(t, f.d.Stop())

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, &protocol.Response{Handshake: true}, got)
	assert.Equal(t, got, completion.Wait())
	assert.Equal(t, 0, f.d.PendingRequests())

	// Handshake responses are internal, and never reach the client.
	assert.Empty(t, f.rec.Commands())
}

func TestStopCompletesPendingRequests(t *testing.T) {
	var f = newFixture(t, 5, 16)

	var calls int32
	var completion, err = f.d.AsyncSendAll(&protocol.ConsumerInfo{
		ConsumerID:  "sub",
		Destination: protocol.NewTopic("t"),
	}, func(*protocol.Response) { atomic.AddInt32(&calls, 1) })
	require.NoError(t, err)

	var id = protocol.CommandID(f.transport(0).Sent()[0])
	require.NoError(t, f.d.Stop())

	// Resolution happens-before Stop returns.
	assert.True(t, completion.IsResolved())
	assert.Equal(t, &protocol.Response{CorrelationID: id, Failure: FailureStopped}, completion.Wait())

	// Late responses are discarded.
	for i := 0; i != 3; i++ {
		f.transport(i).Deliver(&protocol.Response{CorrelationID: id})
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, f.rec.Commands())

	// Transports of the connection were stopped and released.
	for i := 0; i != 5; i++ {
		assert.True(t, f.transport(i).Stopped())
		assert.Equal(t, 0, f.model.BrokerByID(brokerID(i)).TransportCount())
	}
	var _, serr = f.d.AsyncSendAll(&protocol.ConnectionInfo{}, nil)
	assert.Equal(t, ErrStopped, serr)
	assert.Equal(t, ErrStopped, f.d.Send(protocol.NewQueue("q"), &protocol.Message{}))
}

func TestResponsesRacingStop(t *testing.T) {
	for iter := 0; iter != 50; iter++ {
		var f = newFixture(t, 5, 16)

		var calls int32
		var _, err = f.d.AsyncSendAll(&protocol.ConnectionInfo{}, func(*protocol.Response) {
			atomic.AddInt32(&calls, 1)
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i != 3; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				f.transport(i).Deliver(&protocol.Response{Handshake: true})
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.d.Stop())
		}()
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	}
}

func TestEvictionCompletesOldestRequest(t *testing.T) {
	var f = newFixture(t, 1, 2)

	var results = make([]*Completion, 3)
	for i := range results {
		var err error
		results[i], err = f.d.AsyncSendAll(&protocol.RemoveInfo{ObjectID: fmt.Sprint(i)}, nil)
		require.NoError(t, err)
	}
	assert.True(t, results[0].IsResolved())
	assert.Equal(t, FailureEvicted, results[0].Wait().Failure)
	assert.False(t, results[1].IsResolved())
	assert.False(t, results[2].IsResolved())
	assert.Equal(t, 2, f.d.PendingRequests())

	// A response to the evicted request is discarded.
	f.transport(0).Deliver(&protocol.Response{CorrelationID: results[0].Wait().CorrelationID})

	var id = protocol.CommandID(f.transport(0).Sent()[1])
	f.transport(0).Deliver(&protocol.Response{CorrelationID: id, Failure: "no such consumer"})
	assert.Equal(t, "no such consumer", results[1].Wait().Failure)
	assert.Equal(t, 1, f.d.PendingRequests())
	assert.Empty(t, f.rec.Commands())
}

func TestSendRoutesToOwnerAndReplaysHandshake(t *testing.T) {
	var f = newFixture(t, 2, 16)
	f.model.BrokerByID(brokerID(0)).SetOverview(&fleet.Overview{TotalConnections: 10})

	var _, err = f.d.AsyncSendAll(&protocol.ConnectionInfo{ClientID: "c"}, nil)
	require.NoError(t, err)
	var hs = f.d.Handshake()
	require.NotNil(t, hs)

	var q = protocol.NewQueue("orders")
	require.NoError(t, f.d.Send(q, &protocol.Message{Destination: q, Body: []byte("1")}))
	require.NoError(t, f.d.Send(q, &protocol.Message{Destination: q, Body: []byte("2")}))

	// broker-1 is least loaded, and owns the destination.
	assert.Len(t, f.transport(0).Sent(), 1)
	assert.Equal(t, []protocol.Command{
		hs,
		&protocol.Message{Destination: q, Body: []byte("1")},
		&protocol.Message{Destination: q, Body: []byte("2")},
	}, f.transport(1).Sent())

	// A broker joining later is sent the handshake before its first command.
	f.model.Add(fleet.NewBrokerView(testSpec(brokerID(2))))
	f.model.BrokerByID(brokerID(1)).SetOverview(&fleet.Overview{TotalConnections: 20})

	var topic = protocol.NewTopic("prices")
	require.NoError(t, f.d.Send(topic, &protocol.Message{Destination: topic}))
	assert.Equal(t, []protocol.Command{hs, &protocol.Message{Destination: topic}}, f.transport(2).Sent())
}

func TestSendAllIsolatesBrokerFailures(t *testing.T) {
	var f = newFixture(t, 3, 16)
	require.NoError(t, f.d.SendAll(&protocol.KeepAlive{}))

	f.transport(1).SetSendErr(errors.New("broken pipe"))
	require.NoError(t, f.d.SendAll(&protocol.RemoveInfo{Kind: protocol.RemoveConnection}))
	assert.Len(t, f.transport(0).Sent(), 2)
	assert.Len(t, f.transport(1).Sent(), 1)
	assert.Len(t, f.transport(2).Sent(), 2)

	f.transport(0).SetSendErr(errors.New("broken pipe"))
	f.transport(2).SetSendErr(errors.New("broken pipe"))
	assert.Equal(t, ErrNoBroker, f.d.SendAll(&protocol.KeepAlive{}))

	// A tracked request which reaches no broker fails immediately.
	var completion, err = f.d.AsyncSendAll(&protocol.Shutdown{}, nil)
	require.NoError(t, err)
	assert.Equal(t, FailureNoSend, completion.Wait().Failure)
	assert.Equal(t, 0, f.d.PendingRequests())

	assert.EqualError(t, f.d.Send(protocol.NewQueue("q"), &protocol.Message{}),
		"sending to broker broker-0: broken pipe")
}

func TestNoBrokers(t *testing.T) {
	var f = newFixture(t, 0, 16)

	assert.Equal(t, ErrNoBroker, f.d.Send(protocol.NewQueue("q"), &protocol.Message{}))
	assert.Equal(t, ErrNoBroker, f.d.SendAll(&protocol.KeepAlive{}))

	var completion, err = f.d.AsyncSendAll(&protocol.ConnectionInfo{}, nil)
	require.NoError(t, err)
	assert.Equal(t, FailureNoSend, completion.Wait().Failure)
}

func TestBrokerCommandsPassThrough(t *testing.T) {
	var f = newFixture(t, 1, 16)
	require.NoError(t, f.d.SendAll(&protocol.KeepAlive{}))

	var dispatch = &protocol.MessageDispatch{ConsumerID: "sub", Message: &protocol.Message{MessageID: "m"}}
	var receipt = &protocol.Response{CorrelationID: "client-receipt"}
	f.transport(0).Deliver(dispatch)
	f.transport(0).Deliver(receipt)
	assert.Equal(t, []protocol.Command{dispatch, receipt}, f.rec.Commands())

	// A broker transport failure is passed through, and the transport released.
	f.transport(0).Fail(errors.New("connection reset"))
	assert.EqualError(t, f.rec.Err(), "broker broker-0: connection reset")
	assert.Equal(t, 0, f.model.BrokerByID(brokerID(0)).TransportCount())
}

type fixture struct {
	model *fleet.Model
	d     *Distribution
	rec   *recorder

	mu         sync.Mutex
	transports map[string]*fakeTransport
}

func newFixture(t *testing.T, brokers, capacity int) *fixture {
	var f = &fixture{
		model:      fleet.NewModel(fleet.Limits{MaxBrokers: 10}),
		rec:        new(recorder),
		transports: make(map[string]*fakeTransport),
	}
	for i := 0; i != brokers; i++ {
		f.model.Add(fleet.NewBrokerView(testSpec(brokerID(i))))
	}
	var err error
	f.d, err = New("conn-1", f.model, f.dial, f.rec, Config{AsyncRequestCapacity: capacity})
	require.NoError(t, err)
	return f
}

func (f *fixture) dial(b *fleet.BrokerView, l transport.Listener) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var t = &fakeTransport{listener: l}
	f.transports[b.ID()] = t
	return t, nil
}

func (f *fixture) transport(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[brokerID(i)]
}

func brokerID(i int) string { return fmt.Sprintf("broker-%d", i) }

func testSpec(id string) protocol.BrokerSpec {
	return protocol.BrokerSpec{ID: id, Name: id, Endpoints: map[string]string{protocol.STOMP: id + ":61613"}}
}

type fakeTransport struct {
	listener transport.Listener

	mu      sync.Mutex
	sent    []protocol.Command
	sendErr error
	started bool
	stopped bool
}

func (t *fakeTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	return nil
}

func (t *fakeTransport) Send(cmd protocol.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sendErr != nil {
		return t.sendErr
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

func (t *fakeTransport) SetSendErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

func (t *fakeTransport) Deliver(cmd protocol.Command) { t.listener.OnCommand(cmd) }
func (t *fakeTransport) Fail(err error)               { t.listener.OnError(err) }

type recorder struct {
	mu   sync.Mutex
	cmds []protocol.Command
	err  error
}

func (r *recorder) OnCommand(cmd protocol.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recorder) Commands() []protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cmds
}

func (r *recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
