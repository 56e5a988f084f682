// Package multiplexer binds client Transports of a virtual host to the
// broker fleet. Each client connection is an Input, which tracks the
// connection's producers and consumers in the Destination registry and
// routes its commands through its own Distribution.
package multiplexer

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/distribution"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/registry"
	"go.gazette.dev/mqgate/task"
	"go.gazette.dev/mqgate/transport"
)

// ErrStopped is returned by AddInput of a stopped Multiplexer.
var ErrStopped = errors.New("multiplexer is stopped")

// Multiplexer of the client connections of a virtual host.
type Multiplexer struct {
	vhost    string
	model    *fleet.Model
	registry *registry.Registry
	dial     distribution.Dialer
	distCfg  distribution.Config
	lc       task.Lifecycle

	mu     sync.Mutex
	inputs map[string]*Input
	states map[string]*ConnectionState
	wg     sync.WaitGroup
}

// New returns a Multiplexer of the virtual host, which routes over the fleet
// Model and registers Destinations with the Registry. The Multiplexer is
// started.
func New(vhost string, model *fleet.Model, reg *registry.Registry, dial distribution.Dialer, cfg distribution.Config) *Multiplexer {
	var m = &Multiplexer{
		vhost:    vhost,
		model:    model,
		registry: reg,
		dial:     dial,
		distCfg:  cfg,
		inputs:   make(map[string]*Input),
		states:   make(map[string]*ConnectionState),
	}
	_ = m.lc.Start(nil)
	return m
}

// VirtualHost of the Multiplexer.
func (m *Multiplexer) VirtualHost() string { return m.vhost }

// Registry of the Multiplexer.
func (m *Multiplexer) Registry() *registry.Registry { return m.registry }

// AddInput binds the client Transport to the Multiplexer, and starts it.
// The Input is closed when the Transport fails, the client disconnects, or
// the Multiplexer stops.
func (m *Multiplexer) AddInput(t transport.MonitoredTransport) (*Input, error) {
	if !m.lc.IsStarted() {
		return nil, ErrStopped
	}
	var in = &Input{
		id:     uuid.New().String(),
		mux:    m,
		client: t,
		done:   make(chan struct{}),
	}
	var err error
	if in.dist, err = distribution.New(in.id, m.model, m.dial, brokerListener{in}, m.distCfg); err != nil {
		return nil, err
	}
	t.SetListener(in)

	m.mu.Lock()
	if !m.lc.IsStarted() {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	m.inputs[in.id] = in
	m.wg.Add(1)
	m.mu.Unlock()

	if err = t.Start(); err != nil {
		in.Close(err)
		return nil, errors.WithMessage(err, "starting client transport")
	}
	log.WithFields(log.Fields{
		"vhost":  m.vhost,
		"conn":   in.id,
		"remote": t.RemoteAddr(),
	}).Debug("added client input")

	return in, nil
}

// Inputs returns the number of open Inputs.
func (m *Multiplexer) Inputs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

// ConnectionState returns the ConnectionState of |clientID|, or nil.
func (m *Multiplexer) ConnectionState(clientID string) *ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[clientID]
}

// Stop closes all Inputs and waits for them to exit.
func (m *Multiplexer) Stop() error {
	return m.lc.Stop(func() error {
		m.mu.Lock()
		var inputs = make([]*Input, 0, len(m.inputs))
		for _, in := range m.inputs {
			inputs = append(inputs, in)
		}
		m.mu.Unlock()

		for _, in := range inputs {
			in.Close(nil)
		}
		m.wg.Wait()
		return nil
	})
}

func (m *Multiplexer) acquireState(clientID string) *ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s, ok = m.states[clientID]
	if !ok {
		s = newConnectionState(clientID)
		m.states[clientID] = s
	}
	s.refs.Add(1)
	return s
}

func (m *Multiplexer) releaseState(s *ConnectionState, connID string) {
	s.detach(connID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.refs.Add(-1) == 0 && m.states[s.ClientID] == s {
		delete(m.states, s.ClientID)
	}
}

func (m *Multiplexer) removeInput(in *Input) {
	m.mu.Lock()
	delete(m.inputs, in.id)
	m.mu.Unlock()
	m.wg.Done()
}
