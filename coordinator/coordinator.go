// Package coordinator arbitrates which gateway controller is authoritative
// over the fleet, and propagates broker lifecycle events to listeners.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/metrics"
	"go.gazette.dev/mqgate/protocol"
)

var (
	// ErrLockTimeout is returned by AcquireLock if the lock wasn't acquired
	// within its timeout.
	ErrLockTimeout = errors.New("timeout acquiring coordinator lock")
	// ErrSessionLost is returned by AcquireLock if the coordination session
	// has been lost. The Coordinator will never again acquire its lock.
	ErrSessionLost = errors.New("coordinator session lost")
)

// BrokerChangeListener is notified of brokers joining, changing, or leaving
// the fleet.
type BrokerChangeListener interface {
	BrokerCreated(protocol.BrokerSpec)
	BrokerUpdated(protocol.BrokerSpec)
	BrokerDeleted(protocol.BrokerSpec)
}

// Coordinator of gateway controllers.
type Coordinator interface {
	// AcquireLock acquires the coordinator lock, waiting up to |timeout|.
	// Acquiring an already-held lock succeeds immediately.
	AcquireLock(ctx context.Context, timeout time.Duration) error
	// ReleaseLock releases the coordinator lock. Releasing a lock which isn't
	// held is a no-op.
	ReleaseLock() error
	// AddBrokerChangeListener adds a BrokerChangeListener, which is notified
	// of every following broker event.
	AddBrokerChangeListener(BrokerChangeListener)
	// CreateBroker, UpdateBroker, and DeleteBroker notify all listeners.
	CreateBroker(protocol.BrokerSpec)
	UpdateBroker(protocol.BrokerSpec)
	DeleteBroker(protocol.BrokerSpec)
}

// Fanout of broker events to BrokerChangeListeners. Each event is delivered
// to every listener before the notifying call returns.
type Fanout struct {
	mu        sync.RWMutex
	listeners []BrokerChangeListener
}

// AddBrokerChangeListener adds a listener of the Fanout.
func (f *Fanout) AddBrokerChangeListener(l BrokerChangeListener) {
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
}

// CreateBroker notifies listeners of a created broker.
func (f *Fanout) CreateBroker(spec protocol.BrokerSpec) {
	f.notify("created", spec, BrokerChangeListener.BrokerCreated)
}

// UpdateBroker notifies listeners of an updated broker.
func (f *Fanout) UpdateBroker(spec protocol.BrokerSpec) {
	f.notify("updated", spec, BrokerChangeListener.BrokerUpdated)
}

// DeleteBroker notifies listeners of a deleted broker.
func (f *Fanout) DeleteBroker(spec protocol.BrokerSpec) {
	f.notify("deleted", spec, BrokerChangeListener.BrokerDeleted)
}

func (f *Fanout) notify(event string, spec protocol.BrokerSpec, fn func(BrokerChangeListener, protocol.BrokerSpec)) {
	f.mu.RLock()
	var listeners = f.listeners
	f.mu.RUnlock()

	metrics.CoordinatorBrokerEvents.WithLabelValues(event).Inc()
	log.WithFields(log.Fields{"event": event, "broker": spec.ID, "listeners": len(listeners)}).
		Info("broker event")

	for _, l := range listeners {
		fn(l, spec)
	}
}

// NoopCoordinator is a Coordinator of a single controller, which always
// holds the lock.
type NoopCoordinator struct {
	Fanout
}

// AcquireLock succeeds immediately.
func (*NoopCoordinator) AcquireLock(context.Context, time.Duration) error { return nil }

// ReleaseLock succeeds immediately.
func (*NoopCoordinator) ReleaseLock() error { return nil }

var (
	_ Coordinator = (*NoopCoordinator)(nil)
	_ Coordinator = (*EtcdCoordinator)(nil)
)
