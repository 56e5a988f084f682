package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/metrics"
	"go.gazette.dev/mqgate/protocol"
	"go.gazette.dev/mqgate/task"
)

// Liveness failures raised by an InactivityMonitor. They're delivered to the
// monitored Transport's Listener as I/O failures, after which the Transport
// is stopped.
var (
	ErrInactivityTimeout = errors.New("inactivity timeout")
	ErrConnectTimeout    = errors.New("connect timeout")
)

// MonitorConfig configures an InactivityMonitor. Zero-valued intervals
// disable their respective check.
type MonitorConfig struct {
	// ReadCheckInterval is the period within which at least one Command must
	// be received.
	ReadCheckInterval time.Duration `long:"interval" env:"INTERVAL" default:"30s" description:"Interval within which a client must send at least one command or heart-beat"`
	// WriteCheckInterval is the period after which a KeepAlive is sent if no
	// other Command was.
	WriteCheckInterval time.Duration `long:"write-interval" env:"WRITE_INTERVAL" default:"10s" description:"Interval after which an idle connection is sent a heart-beat"`
	// ConnectTimeout bounds the time from Start until a handshake is received.
	ConnectTimeout time.Duration `long:"connect-timeout" env:"CONNECT_TIMEOUT" default:"30s" description:"Time allowed between connection accept and the client handshake"`
}

// MonitoredTransport is a Transport whose Listener may be replaced prior to Start.
type MonitoredTransport interface {
	Transport
	SetListener(Listener)
}

// InactivityMonitor decorates a Transport with liveness checks. A read-check
// fails the Transport if no Command arrived over a check interval, unless a
// Command is currently being received. A write-check sends a KeepAlive if
// nothing was sent over a check interval. A one-shot connect check fails the
// Transport if no handshake arrives within ConnectTimeout.
type InactivityMonitor struct {
	next     MonitoredTransport
	listener Listener
	cfg      MonitorConfig
	lc       task.Lifecycle

	lastRead  atomic.Bool
	lastWrite atomic.Bool
	inReceive atomic.Bool
	inSend    atomic.Bool
	connected atomic.Bool
	failed    atomic.Bool

	// Failures raised while Starting are held until Started.
	pendingMu sync.Mutex
	pending   error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInactivityMonitor returns an InactivityMonitor of |next|, which delivers
// to |listener|. The InactivityMonitor installs itself as |next|'s Listener.
func NewInactivityMonitor(next MonitoredTransport, listener Listener, cfg MonitorConfig) *InactivityMonitor {
	var m = &InactivityMonitor{
		next:     next,
		listener: listener,
		cfg:      cfg,
	}
	next.SetListener(m)
	return m
}

// SetListener replaces the Listener of the InactivityMonitor.
// It must be called before Start.
func (m *InactivityMonitor) SetListener(l Listener) { m.listener = l }

var _ MonitoredTransport = (*InactivityMonitor)(nil)

// Start the monitored Transport and its periodic checks.
func (m *InactivityMonitor) Start() error {
	var err = m.lc.Start(func() error {
		var ctx, cancel = context.WithCancel(context.Background())
		m.cancel = cancel

		if d := m.cfg.ConnectTimeout; d > 0 {
			m.goCheck(func() {
				var timer = time.NewTimer(d)
				defer timer.Stop()

				select {
				case <-timer.C:
					if !m.connected.Load() {
						m.fail(errors.WithMessagef(ErrConnectTimeout, "no handshake within %s", d))
					}
				case <-ctx.Done():
				}
			})
		}
		if d := m.cfg.ReadCheckInterval; d > 0 {
			m.goCheck(func() { m.tick(ctx, d, m.readCheck) })
		}
		if d := m.cfg.WriteCheckInterval; d > 0 {
			m.goCheck(func() { m.tick(ctx, d, m.writeCheck) })
		}

		if err := m.next.Start(); err != nil {
			cancel()
			m.wg.Wait()
			return err
		}
		return nil
	})

	m.pendingMu.Lock()
	var pending = m.pending
	m.pending = nil
	m.pendingMu.Unlock()

	if err != nil {
		return err
	} else if pending != nil {
		m.fail(pending)
	}
	return nil
}

// Send the Command through the monitored Transport, marking write activity.
func (m *InactivityMonitor) Send(cmd protocol.Command) error {
	m.inSend.Store(true)
	defer m.inSend.Store(false)

	if err := m.next.Send(cmd); err != nil {
		return err
	}
	m.lastWrite.Store(true)
	return nil
}

// Stop cancels all checks, stops the monitored Transport, and waits for
// checks to exit. The Transport is stopped first so that a check blocked in
// Send is released.
func (m *InactivityMonitor) Stop() error {
	return m.lc.Stop(func() error {
		m.cancel()
		var err = m.next.Stop()
		m.wg.Wait()
		return err
	})
}

// RemoteAddr of the monitored Transport.
func (m *InactivityMonitor) RemoteAddr() string { return m.next.RemoteAddr() }

// OnRead marks that a Command is being received.
func (m *InactivityMonitor) OnRead(int) { m.inReceive.Store(true) }

// OnCommand marks read activity and passes the Command through to the
// Listener. KeepAlives are consumed by the InactivityMonitor.
func (m *InactivityMonitor) OnCommand(cmd protocol.Command) {
	m.lastRead.Store(true)
	defer m.inReceive.Store(false)

	switch c := cmd.(type) {
	case *protocol.KeepAlive:
		return
	case *protocol.ConnectionInfo:
		m.connected.Store(true)
	case *protocol.Response:
		if c.Handshake {
			m.connected.Store(true)
		}
	}
	m.listener.OnCommand(cmd)
}

// OnError fails the Transport.
func (m *InactivityMonitor) OnError(err error) { m.fail(err) }

func (m *InactivityMonitor) readCheck() {
	if m.inReceive.Load() {
		return
	} else if !m.lastRead.Swap(false) {
		metrics.InactivityTimeoutsTotal.WithLabelValues("read").Inc()
		m.fail(errors.WithMessagef(ErrInactivityTimeout,
			"no command received within %s", m.cfg.ReadCheckInterval))
	}
}

func (m *InactivityMonitor) writeCheck() {
	if m.inSend.Load() {
		return
	} else if !m.lastWrite.Swap(false) {
		if err := m.next.Send(&protocol.KeepAlive{}); err != nil {
			m.fail(errors.WithMessage(err, "sending keep-alive"))
		}
	}
}

// fail delivers |err| to the Listener at most once, and then stops the
// Transport asynchronously (as fail may be called from a check or read
// goroutine which Stop must wait on). A failure raised while Starting is
// delivered once Start completes.
func (m *InactivityMonitor) fail(err error) {
	m.pendingMu.Lock()
	var state = m.lc.State()
	if state == task.Starting && m.pending == nil {
		m.pending = err
	}
	m.pendingMu.Unlock()

	if state == task.Starting {
		return
	} else if state != task.Started {
		log.WithFields(log.Fields{"remote": m.RemoteAddr(), "err": err}).
			Debug("ignoring failure of stopping transport")
		return
	} else if !m.failed.CompareAndSwap(false, true) {
		return
	}
	m.listener.OnError(err)

	go func() {
		if stopErr := m.Stop(); stopErr != nil {
			log.WithFields(log.Fields{
				"remote": m.RemoteAddr(),
				"cause":  err,
				"err":    stopErr,
			}).Warn("failed to stop transport")
		}
	}()
}

func (m *InactivityMonitor) tick(ctx context.Context, period time.Duration, fn func()) {
	var ticker = time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func (m *InactivityMonitor) goCheck(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}
