package coordinator

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.gazette.dev/mqgate/metrics"
)

// EtcdCoordinator is a Coordinator whose lock is an Etcd mutex, held under
// the lease of an Etcd session. Loss of the session releases the lock.
type EtcdCoordinator struct {
	Fanout

	session *concurrency.Session
	mutex   *concurrency.Mutex

	mu   sync.Mutex
	held bool
}

// NewEtcdCoordinator returns an EtcdCoordinator having a new session of the
// lease |ttl|, and a lock keyed under |prefix|.
func NewEtcdCoordinator(etcd *clientv3.Client, prefix string, ttl time.Duration) (*EtcdCoordinator, error) {
	var session, err = concurrency.NewSession(etcd, concurrency.WithTTL(int(ttl.Seconds())))
	if err != nil {
		return nil, errors.WithMessage(err, "establishing Etcd session")
	}
	return &EtcdCoordinator{
		session: session,
		mutex:   concurrency.NewMutex(session, LockKey(prefix)),
	}, nil
}

// LockKey is the Etcd key prefix of the coordinator lock.
func LockKey(prefix string) string { return path.Join(prefix, "lock") }

// Lease of the coordinator session.
func (c *EtcdCoordinator) Lease() clientv3.LeaseID { return c.session.Lease() }

// Done is closed if the coordinator session is lost.
func (c *EtcdCoordinator) Done() <-chan struct{} { return c.session.Done() }

// IsLockHeld is true if the lock is held.
func (c *EtcdCoordinator) IsLockHeld() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held && !c.sessionLost()
}

// AcquireLock acquires the Etcd mutex, waiting up to |timeout|.
func (c *EtcdCoordinator) AcquireLock(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionLost() {
		c.setHeld(false)
		return ErrSessionLost
	} else if c.held {
		return nil
	}

	var lockCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.mutex.Lock(lockCtx); err != nil && lockCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		metrics.CoordinatorLockTotal.WithLabelValues("timeout").Inc()
		return ErrLockTimeout
	} else if err != nil {
		metrics.CoordinatorLockTotal.WithLabelValues(metrics.Fail).Inc()
		return errors.WithMessage(err, "acquiring Etcd mutex")
	}
	metrics.CoordinatorLockTotal.WithLabelValues(metrics.Ok).Inc()
	c.setHeld(true)

	log.WithFields(log.Fields{"key": c.mutex.Key(), "lease": c.session.Lease()}).
		Info("acquired coordinator lock")
	return nil
}

// ReleaseLock releases the Etcd mutex, if held.
func (c *EtcdCoordinator) ReleaseLock() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.held {
		return nil
	}
	c.setHeld(false)

	if c.sessionLost() {
		return nil // Released with the session's lease.
	}
	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.mutex.Unlock(ctx); err != nil {
		return errors.WithMessage(err, "releasing Etcd mutex")
	}
	log.WithField("key", c.mutex.Key()).Info("released coordinator lock")
	return nil
}

// Close releases the lock, and then the session and its lease.
func (c *EtcdCoordinator) Close() error {
	var err = c.ReleaseLock()
	if cErr := c.session.Close(); err == nil {
		err = cErr
	}
	return err
}

func (c *EtcdCoordinator) sessionLost() bool {
	select {
	case <-c.session.Done():
		return true
	default:
		return false
	}
}

func (c *EtcdCoordinator) setHeld(held bool) {
	c.held = held
	if held {
		metrics.CoordinatorLeader.Set(1)
	} else {
		metrics.CoordinatorLeader.Set(0)
	}
}
