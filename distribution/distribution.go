// Package distribution routes the commands of a client connection to the
// brokers of the fleet: commands of a Destination go to its owning broker,
// and broadcast commands fan out to every broker. Broadcasts may be tracked
// as pending requests, which complete at most once.
package distribution

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/async"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/metrics"
	"go.gazette.dev/mqgate/protocol"
	"go.gazette.dev/mqgate/transport"
)

var (
	// ErrNoBroker is returned if no broker could be resolved for a command.
	ErrNoBroker = errors.New("no broker available")
	// ErrStopped is returned by operations of a stopped Distribution.
	ErrStopped = errors.New("distribution is stopped")
)

// Failure messages of synthetic Responses which complete pending requests.
const (
	FailureStopped = "stopped"
	FailureEvicted = "evicted"
	FailureNoSend  = "not sent to any broker"
)

// RequestIDPrefix prefixes the CommandIDs of requests tracked by a
// Distribution. Responses bearing the prefix are never passed through to
// the client.
const RequestIDPrefix = "mqgate-"

// Config of a Distribution.
type Config struct {
	AsyncRequestCapacity int `long:"async-request-capacity" env:"ASYNC_REQUEST_CAPACITY" default:"1024" description:"Maximum number of in-flight broadcast requests of a client connection"`
}

// Dialer dials a Transport to the broker on behalf of a client connection,
// which delivers received broker commands to |listener|. The returned
// Transport must not yet be started.
type Dialer func(b *fleet.BrokerView, listener transport.Listener) (transport.Transport, error)

// Completion of a pending request.
type Completion = async.Completion[*protocol.Response]

type pendingRequest struct {
	cmd        protocol.Command
	completion *Completion
}

// Distribution routes commands of a single client connection. Broker
// Transports are dialed on first use and cached in each BrokerView under the
// client's connection ID.
type Distribution struct {
	connID   string
	model    *fleet.Model
	dial     Dialer
	listener transport.Listener

	pending *lru.Cache // Internally synchronized.

	mu        sync.Mutex // Guards following fields.
	handshake *protocol.ConnectionInfo
	evicted   []*pendingRequest
	stopped   bool
}

// New returns a Distribution of client connection |connID| over the fleet
// Model. Commands received from brokers which don't correlate to a pending
// request, and failures of broker Transports, are passed to |listener|.
func New(connID string, model *fleet.Model, dial Dialer, listener transport.Listener, cfg Config) (*Distribution, error) {
	var d = &Distribution{
		connID:   connID,
		model:    model,
		dial:     dial,
		listener: listener,
	}
	var err error
	d.pending, err = lru.NewWithEvict(cfg.AsyncRequestCapacity, d.onEvicted)
	if err != nil {
		return nil, errors.WithMessage(err, "building pending request map")
	}
	return d, nil
}

// ConnectionID of the Distribution's client connection.
func (d *Distribution) ConnectionID() string { return d.connID }

// Handshake returns the ConnectionInfo which is replayed to brokers whose
// Transports are dialed after the connection's handshake, or nil.
func (d *Distribution) Handshake() *protocol.ConnectionInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handshake
}

// Send |cmd| to the broker owning |dest|, assigning |dest| to the
// least-loaded broker if it has no owner.
func (d *Distribution) Send(dest protocol.Destination, cmd protocol.Command) error {
	if d.isStopped() {
		return ErrStopped
	}
	var b, err = d.model.Assign(dest)
	if err == fleet.ErrNoBrokers {
		return ErrNoBroker
	} else if err != nil {
		return err
	}
	if err = d.sendTo(b, cmd); err != nil {
		metrics.DistributionSendsTotal.WithLabelValues(metrics.Fail).Inc()
		return errors.WithMessagef(err, "sending to broker %s", b.ID())
	}
	metrics.DistributionSendsTotal.WithLabelValues(metrics.Ok).Inc()
	return nil
}

// SendAll sends |cmd| to every broker of the fleet. A failure to send to one
// broker is logged and doesn't prevent sends to others. SendAll returns an
// error only if |cmd| was not sent to any broker.
func (d *Distribution) SendAll(cmd protocol.Command) error {
	var n, err = d.sendAll(cmd)
	if err == nil && n == 0 {
		err = ErrNoBroker
	}
	return err
}

// AsyncSendAll sends |cmd| to every broker of the fleet, as a request whose
// Completion resolves with the first Response of any broker. Stop or
// eviction of the request resolves it with a synthetic failure Response.
// |callback|, if non-nil, is invoked exactly once with the resolution.
func (d *Distribution) AsyncSendAll(cmd protocol.Command, callback func(*protocol.Response)) (*Completion, error) {
	var id = RequestIDPrefix + uuid.New().String()
	var req = &pendingRequest{
		cmd:        protocol.WithCommandID(cmd, id),
		completion: async.NewCompletion(callback),
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil, ErrStopped
	}
	if info, ok := req.cmd.(*protocol.ConnectionInfo); ok {
		d.handshake = info
	}
	// Register before dispatch, so that no Response can precede it.
	d.pending.Add(id, req)
	metrics.DistributionPending.Inc()
	var evicted = d.takeEvicted()
	d.mu.Unlock()

	complete(evicted, FailureEvicted)

	if n, err := d.sendAll(req.cmd); err != nil || n == 0 {
		var failure = FailureNoSend
		if err != nil {
			failure = err.Error()
		}
		d.resolve(id, &protocol.Response{CorrelationID: id, Failure: failure}, "failure")
	}
	return req.completion, nil
}

// OnResponse correlates a broker Response to a pending request, resolving
// it. It returns true if the Response is internal to the Distribution, and
// shouldn't be passed through to the client.
func (d *Distribution) OnResponse(resp *protocol.Response) bool {
	var id = resp.CorrelationID

	if id == "" && resp.Handshake {
		// Handshake Responses don't carry a correlation ID.
		if hs := d.Handshake(); hs != nil {
			id = hs.CommandID
		}
	}
	if !strings.HasPrefix(id, RequestIDPrefix) {
		return false
	}
	var outcome = "response"
	if resp.Failure != "" {
		outcome = "failure"
	}
	d.resolve(id, resp, outcome)
	return true
}

// Stop the Distribution. Every pending request is resolved with a "stopped"
// failure before Stop returns, and broker Transports of the connection are
// stopped. Stop is idempotent.
func (d *Distribution) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true

	var outstanding []*pendingRequest
	for _, key := range d.pending.Keys() {
		if v, ok := d.pending.Peek(key); ok {
			outstanding = append(outstanding, v.(*pendingRequest))
		}
	}
	d.pending.Purge()
	d.evicted = nil
	d.mu.Unlock()

	complete(outstanding, FailureStopped)

	var first error
	for _, b := range d.model.Brokers() {
		if t, ok := b.RemoveTransport(d.connID); ok {
			if err := t.Stop(); err != nil && first == nil {
				first = errors.WithMessagef(err, "stopping transport of broker %s", b.ID())
			}
		}
	}
	return first
}

// PendingRequests is the number of unresolved requests.
func (d *Distribution) PendingRequests() int { return d.pending.Len() }

func (d *Distribution) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func (d *Distribution) sendAll(cmd protocol.Command) (int, error) {
	if d.isStopped() {
		return 0, ErrStopped
	}
	var n int
	for _, b := range d.model.Brokers() {
		if err := d.sendTo(b, cmd); err != nil {
			metrics.DistributionSendsTotal.WithLabelValues(metrics.Fail).Inc()
			log.WithFields(log.Fields{
				"conn":   d.connID,
				"broker": b.ID(),
				"cmd":    cmd,
				"err":    err,
			}).Warn("failed to send broadcast command to broker")
			continue
		}
		metrics.DistributionSendsTotal.WithLabelValues(metrics.Ok).Inc()
		n++
	}
	return n, nil
}

func (d *Distribution) sendTo(b *fleet.BrokerView, cmd protocol.Command) error {
	var t, err = b.LoadOrDialTransport(d.connID, func(b *fleet.BrokerView) (transport.Transport, error) {
		return d.dialBroker(b, cmd)
	})
	if err != nil {
		return err
	}
	return t.Send(cmd)
}

func (d *Distribution) dialBroker(b *fleet.BrokerView, cmd protocol.Command) (transport.Transport, error) {
	var t, err = d.dial(b, &brokerListener{d: d, broker: b})
	if err != nil {
		return nil, errors.WithMessage(err, "dialing broker")
	} else if err = t.Start(); err != nil {
		return nil, errors.WithMessage(err, "starting broker transport")
	}
	// Brokers joining after the client handshake are first sent the
	// handshake, unless |cmd| is itself the handshake.
	if hs := d.Handshake(); hs != nil && cmd != protocol.Command(hs) {
		if err = t.Send(hs); err != nil {
			_ = t.Stop()
			return nil, errors.WithMessage(err, "replaying handshake")
		}
	}
	log.WithFields(log.Fields{"conn": d.connID, "broker": b.ID()}).Debug("dialed broker transport")
	return t, nil
}

func (d *Distribution) resolve(id string, resp *protocol.Response, outcome string) {
	var v, ok = d.pending.Peek(id)
	if !ok {
		return // Already resolved, evicted, or stopped.
	}
	if v.(*pendingRequest).completion.Resolve(resp) {
		metrics.DistributionCompletions.WithLabelValues(outcome).Inc()
	}

	d.mu.Lock()
	d.pending.Remove(id)
	var evicted = d.takeEvicted()
	d.mu.Unlock()

	// Resolution precedes removal, so |evicted| resolves only requests
	// which were evicted by a concurrent Add.
	complete(evicted, FailureEvicted)
}

// onEvicted is called by the pending LRU upon any removal of a request.
// The LRU is modified only with |mu| held.
func (d *Distribution) onEvicted(_, value interface{}) {
	metrics.DistributionPending.Dec()
	d.evicted = append(d.evicted, value.(*pendingRequest))
}

func (d *Distribution) takeEvicted() []*pendingRequest {
	var out = d.evicted
	d.evicted = nil
	return out
}

func complete(reqs []*pendingRequest, failure string) {
	for _, req := range reqs {
		var resp = &protocol.Response{
			CorrelationID: protocol.CommandID(req.cmd),
			Failure:       failure,
		}
		if req.completion.Resolve(resp) {
			metrics.DistributionCompletions.WithLabelValues(failure).Inc()
		}
	}
}

// brokerListener receives the commands of a broker Transport.
type brokerListener struct {
	d      *Distribution
	broker *fleet.BrokerView
}

func (l *brokerListener) OnCommand(cmd protocol.Command) {
	if resp, ok := cmd.(*protocol.Response); ok && l.d.OnResponse(resp) {
		return
	}
	l.d.listener.OnCommand(cmd)
}

func (l *brokerListener) OnError(err error) {
	l.broker.RemoveTransport(l.d.connID)
	l.d.listener.OnError(errors.WithMessagef(err, "broker %s", l.broker.ID()))
}
