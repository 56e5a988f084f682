// Package registry tracks reference-counted statistics of each Destination
// having a registered producer or consumer.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/metrics"
	"go.gazette.dev/mqgate/protocol"
)

// Statistics of a Destination. Counters are updated atomically, and may be
// read at any time.
type Statistics struct {
	Destination protocol.Destination

	refs      atomic.Int64
	producers atomic.Int64
	consumers atomic.Int64
	inbound   atomic.Int64
	outbound  atomic.Int64

	inboundRate  *RateTracker
	outboundRate *RateTracker
}

// References is the number of outstanding producer and consumer registrations.
func (s *Statistics) References() int64 { return s.refs.Load() }

// Producers is the number of registered producers.
func (s *Statistics) Producers() int64 { return s.producers.Load() }

// Consumers is the number of registered consumers.
func (s *Statistics) Consumers() int64 { return s.consumers.Load() }

// Inbound is the total number of messages produced to the Destination.
func (s *Statistics) Inbound() int64 { return s.inbound.Load() }

// Outbound is the total number of messages dispatched from the Destination.
func (s *Statistics) Outbound() int64 { return s.outbound.Load() }

// InboundRate is the per-second rate of produced messages, as of the last Sample.
func (s *Statistics) InboundRate() float64 { return s.inboundRate.Rate() }

// OutboundRate is the per-second rate of dispatched messages, as of the last Sample.
func (s *Statistics) OutboundRate() float64 { return s.outboundRate.Rate() }

// RemovalListener is notified of Destinations removed from the Registry.
type RemovalListener interface {
	OnDestinationRemoved(protocol.Destination)
}

// Config of a Registry.
type Config struct {
	// RateWindow is the trailing window over which message rates are computed.
	RateWindow time.Duration
	// RateSamples bounds the samples retained within the RateWindow.
	RateSamples int
}

// DefaultConfig is the Config of New.
var DefaultConfig = Config{RateWindow: time.Minute, RateSamples: 60}

// Registry of Destination Statistics. Keys of the Registry are simple
// Destinations: callers register each component of a composite Destination.
type Registry struct {
	cfg       Config
	listeners []RemovalListener

	mu    sync.Mutex
	stats map[protocol.Destination]*Statistics
}

// New returns a Registry which notifies |listeners| of removed Destinations.
func New(listeners ...RemovalListener) *Registry {
	return NewWithConfig(DefaultConfig, listeners...)
}

// NewWithConfig returns a Registry of the Config.
func NewWithConfig(cfg Config, listeners ...RemovalListener) *Registry {
	return &Registry{
		cfg:       cfg,
		listeners: listeners,
		stats:     make(map[protocol.Destination]*Statistics),
	}
}

// RegisterProducer registers a producer of |dest|, returning its Statistics.
// Statistics are created on first registration of the Destination, and the
// same instance is returned by subsequent registrations.
func (r *Registry) RegisterProducer(dest protocol.Destination) *Statistics {
	var s = r.acquire(dest)
	s.producers.Add(1)
	return s
}

// RegisterConsumer registers a consumer of |dest|, returning its Statistics.
func (r *Registry) RegisterConsumer(dest protocol.Destination) *Statistics {
	var s = r.acquire(dest)
	s.consumers.Add(1)
	return s
}

// UnregisterProducer releases a producer registration of |dest|. It returns
// the Destination's Statistics, which were removed from the Registry if this
// was the last outstanding registration, or nil if |dest| isn't registered.
func (r *Registry) UnregisterProducer(dest protocol.Destination) *Statistics {
	return r.release(dest, func(s *Statistics) { s.producers.Add(-1) })
}

// UnregisterConsumer releases a consumer registration of |dest|.
func (r *Registry) UnregisterConsumer(dest protocol.Destination) *Statistics {
	return r.release(dest, func(s *Statistics) { s.consumers.Add(-1) })
}

// AddMessageInbound counts a message produced to the Statistics' Destination.
// It doesn't take the Registry lock.
func (r *Registry) AddMessageInbound(s *Statistics) {
	s.inbound.Add(1)
	metrics.DestinationMessagesTotal.WithLabelValues("inbound").Inc()
}

// AddMessageOutbound counts a message dispatched from the Statistics' Destination.
func (r *Registry) AddMessageOutbound(s *Statistics) {
	s.outbound.Add(1)
	metrics.DestinationMessagesTotal.WithLabelValues("outbound").Inc()
}

// Get returns the Statistics of |dest|, or nil if it isn't registered.
func (r *Registry) Get(dest protocol.Destination) *Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats[dest]
}

// Len returns the number of registered Destinations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stats)
}

// Snapshot returns all registered Statistics, ordered on Destination.
func (r *Registry) Snapshot() []*Statistics {
	r.mu.Lock()
	var out = make([]*Statistics, 0, len(r.stats))
	for _, s := range r.stats {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		var lhs, rhs = out[i].Destination, out[j].Destination
		if lhs.Kind != rhs.Kind {
			return lhs.Kind < rhs.Kind
		}
		return lhs.Name < rhs.Name
	})
	return out
}

// Sample message counters of all registered Destinations into their rate
// trackers, as of |now|.
func (r *Registry) Sample(now time.Time) {
	for _, s := range r.Snapshot() {
		s.inboundRate.Record(s.Inbound(), now)
		s.outboundRate.Record(s.Outbound(), now)
	}
}

func (r *Registry) acquire(dest protocol.Destination) *Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s, ok = r.stats[dest]
	if !ok {
		s = &Statistics{
			Destination:  dest,
			inboundRate:  NewRateTracker(r.cfg.RateWindow, r.cfg.RateSamples),
			outboundRate: NewRateTracker(r.cfg.RateWindow, r.cfg.RateSamples),
		}
		r.stats[dest] = s
		metrics.DestinationsActive.Set(float64(len(r.stats)))

		log.WithField("destination", dest).Debug("registered destination")
	}
	s.refs.Add(1)
	return s
}

func (r *Registry) release(dest protocol.Destination, fn func(*Statistics)) *Statistics {
	r.mu.Lock()

	var s, ok = r.stats[dest]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	fn(s)

	if s.refs.Add(-1) != 0 {
		r.mu.Unlock()
		return s
	}
	delete(r.stats, dest)
	metrics.DestinationsActive.Set(float64(len(r.stats)))

	// Listeners are notified while |r.mu| is held, so that a racing
	// registration of |dest| is ordered after the removal.
	for _, l := range r.listeners {
		l.OnDestinationRemoved(dest)
	}
	r.mu.Unlock()

	log.WithField("destination", dest).Debug("removed destination")
	return s
}
