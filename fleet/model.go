// Package fleet models the fleet of backend brokers: a BrokerView of each
// broker, a total ordering of brokers on load, capacity limit queries, and
// the sticky assignment of Destinations to owning brokers.
package fleet

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/metrics"
	"go.gazette.dev/mqgate/protocol"
)

// ErrNoBrokers is returned when assigning a Destination of an empty fleet.
var ErrNoBrokers = errors.New("fleet has no brokers")

// Limits of the fleet and of each of its brokers.
type Limits struct {
	MaxConnectionsPerBroker  int64 `long:"max-connections-per-broker" env:"MAX_CONNECTIONS_PER_BROKER" default:"1000" description:"Maximum client connections of a broker"`
	MaxDestinationsPerBroker int64 `long:"max-destinations-per-broker" env:"MAX_DESTINATIONS_PER_BROKER" default:"500" description:"Maximum active destinations of a broker"`
	MinBrokers               int   `long:"min-brokers" env:"MIN_BROKERS" default:"1" description:"Minimum number of brokers of the fleet"`
	MaxBrokers               int   `long:"max-brokers" env:"MAX_BROKERS" default:"10" description:"Maximum number of brokers of the fleet"`
}

// Model of the broker fleet. All methods are safe for concurrent use,
// including with concurrent replacement of BrokerView Overviews.
type Model struct {
	limits Limits

	mu          sync.RWMutex
	brokers     map[string]*BrokerView
	assignments map[protocol.Destination]string
}

// NewModel returns an empty Model of the Limits.
func NewModel(limits Limits) *Model {
	return &Model{
		limits:      limits,
		brokers:     make(map[string]*BrokerView),
		assignments: make(map[protocol.Destination]string),
	}
}

// Limits of the Model.
func (m *Model) Limits() Limits { return m.limits }

// Brokers returns all BrokerViews, ordered on broker ID.
func (m *Model) Brokers() []*BrokerView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.brokersLocked()
}

func (m *Model) brokersLocked() []*BrokerView {
	var out = make([]*BrokerView, 0, len(m.brokers))
	for _, b := range m.brokers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len is the number of brokers of the Model.
func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.brokers)
}

// BrokerByID returns the BrokerView having |id|, or nil.
func (m *Model) BrokerByID(id string) *BrokerView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.brokers[id]
}

// Add the BrokerView to the Model, replacing any prior BrokerView of its ID.
func (m *Model) Add(b *BrokerView) {
	m.mu.Lock()
	m.brokers[b.ID()] = b
	metrics.FleetBrokers.Set(float64(len(m.brokers)))
	m.mu.Unlock()

	log.WithFields(log.Fields{"id": b.ID(), "name": b.Name()}).Info("added broker")
}

// Remove the BrokerView having |id|, returning it or nil if not found.
// Destination assignments of the broker are dropped, and are re-assigned
// upon their next use.
func (m *Model) Remove(id string) *BrokerView {
	m.mu.Lock()
	var b, ok = m.brokers[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.brokers, id)

	var dropped int
	for dest, owner := range m.assignments {
		if owner == id {
			delete(m.assignments, dest)
			dropped++
		}
	}
	metrics.FleetBrokers.Set(float64(len(m.brokers)))
	metrics.FleetBrokerLoad.DeleteLabelValues(id)
	m.mu.Unlock()

	log.WithFields(log.Fields{"id": id, "assignments": dropped}).Info("removed broker")
	return b
}

// Load of the broker.
func (m *Model) Load(b *BrokerView) int64 { return b.Load() }

// ByLoad returns all BrokerViews ordered on increasing load, with ties
// broken on broker ID.
func (m *Model) ByLoad() []*BrokerView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byLoadLocked()
}

func (m *Model) byLoadLocked() []*BrokerView {
	type loaded struct {
		b    *BrokerView
		id   string
		load int64
	}
	// Loads are sampled once, as Overviews may be concurrently replaced.
	var l = make([]loaded, 0, len(m.brokers))
	for id, b := range m.brokers {
		l = append(l, loaded{b: b, id: id, load: b.Load()})
	}
	sort.Slice(l, func(i, j int) bool {
		if l[i].load != l[j].load {
			return l[i].load < l[j].load
		}
		return l[i].id < l[j].id
	})

	var out = make([]*BrokerView, len(l))
	for i := range l {
		out[i] = l[i].b
	}
	return out
}

// LeastLoaded returns the least-loaded broker, or nil if there are none.
func (m *Model) LeastLoaded() *BrokerView {
	if s := m.ByLoad(); len(s) != 0 {
		return s[0]
	}
	return nil
}

// MostLoaded returns the most-loaded broker, or nil if there are none.
func (m *Model) MostLoaded() *BrokerView {
	if s := m.ByLoad(); len(s) != 0 {
		return s[len(s)-1]
	}
	return nil
}

// NextLeastLoaded returns the least-loaded broker having a load strictly
// greater than that of |b|, or nil if there is none (or |b| isn't part of
// the Model).
func (m *Model) NextLeastLoaded(b *BrokerView) *BrokerView {
	var s = m.ByLoad()
	for i := range s {
		if s[i] != b {
			continue
		}
		var load = b.Load()
		for _, n := range s[i+1:] {
			if n.Load() > load {
				return n
			}
		}
		return nil
	}
	return nil
}

// DestinationCount is the number of Destinations reported by the broker.
func (m *Model) DestinationCount(b *BrokerView) int64 {
	return int64(len(b.Overview().Destinations))
}

// AreBrokerConnectionLimitsExceeded is true if any broker has more
// connections than MaxConnectionsPerBroker.
func (m *Model) AreBrokerConnectionLimitsExceeded() bool {
	for _, b := range m.Brokers() {
		if b.Overview().TotalConnections > m.limits.MaxConnectionsPerBroker {
			return true
		}
	}
	return false
}

// AreDestinationLimitsExceeded is true if any broker has more Destinations
// than MaxDestinationsPerBroker.
func (m *Model) AreDestinationLimitsExceeded() bool {
	for _, b := range m.Brokers() {
		if m.DestinationCount(b) > m.limits.MaxDestinationsPerBroker {
			return true
		}
	}
	return false
}

// SpareConnections is the sum across brokers of their remaining connection
// capacity. A broker over its limit contributes zero.
func (m *Model) SpareConnections() int64 { return m.SpareConnectionsExcluding(nil) }

// SpareDestinations is the sum across brokers of their remaining
// Destination capacity. A broker over its limit contributes zero.
func (m *Model) SpareDestinations() int64 { return m.SpareDestinationsExcluding(nil) }

// SpareConnectionsExcluding is SpareConnections of all brokers other than |x|.
func (m *Model) SpareConnectionsExcluding(x *BrokerView) int64 {
	var spare int64
	for _, b := range m.Brokers() {
		if b != x {
			spare += clampSpare(m.limits.MaxConnectionsPerBroker - b.Overview().TotalConnections)
		}
	}
	return spare
}

// SpareDestinationsExcluding is SpareDestinations of all brokers other than |x|.
func (m *Model) SpareDestinationsExcluding(x *BrokerView) int64 {
	var spare int64
	for _, b := range m.Brokers() {
		if b != x {
			spare += clampSpare(m.limits.MaxDestinationsPerBroker - m.DestinationCount(b))
		}
	}
	return spare
}

// IsMaximumNumberOfBrokersReached is true if the fleet has MaxBrokers or more.
func (m *Model) IsMaximumNumberOfBrokersReached() bool { return m.Len() >= m.limits.MaxBrokers }

// IsMinimumNumberOfBrokersReached is true if the fleet has MinBrokers or fewer.
func (m *Model) IsMinimumNumberOfBrokersReached() bool { return m.Len() <= m.limits.MinBrokers }

// Assign returns the broker owning |dest|. A Destination without an owner is
// assigned to the least-loaded broker, and the assignment is sticky until
// the Destination is reassigned, removed, or its broker leaves the fleet.
func (m *Model) Assign(dest protocol.Destination) (*BrokerView, error) {
	m.mu.RLock()
	if b, ok := m.brokers[m.assignments[dest]]; ok {
		m.mu.RUnlock()
		return b, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check, as another Assign may have raced.
	if b, ok := m.brokers[m.assignments[dest]]; ok {
		return b, nil
	}
	var s = m.byLoadLocked()
	if len(s) == 0 {
		return nil, ErrNoBrokers
	}
	m.assignments[dest] = s[0].ID()

	log.WithFields(log.Fields{"destination": dest, "broker": s[0].ID()}).Debug("assigned destination")
	return s[0], nil
}

// Assignment returns the current owner of |dest|, if it has one.
func (m *Model) Assignment(dest protocol.Destination) (*BrokerView, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b, ok = m.brokers[m.assignments[dest]]
	return b, ok
}

// Reassign |dest| to the broker having |brokerID|.
func (m *Model) Reassign(dest protocol.Destination, brokerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.brokers[brokerID]; !ok {
		return errors.Errorf("broker %s is not a member of the fleet", brokerID)
	}
	m.assignments[dest] = brokerID
	return nil
}

// AssignedDestinations returns Destinations assigned to the broker, ordered
// on Destination name.
func (m *Model) AssignedDestinations(b *BrokerView) []protocol.Destination {
	var id = b.ID()

	m.mu.RLock()
	var out []protocol.Destination
	for dest, owner := range m.assignments {
		if owner == id {
			out = append(out, dest)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// OnDestinationRemoved drops the assignment of a Destination which no longer
// has registered producers or consumers. An assignment is retained while its
// owner's Overview reports messages queued at the Destination, so that
// future clients of the Destination are routed to its messages.
func (m *Model) OnDestinationRemoved(dest protocol.Destination) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var owner, ok = m.brokers[m.assignments[dest]]
	if !ok {
		delete(m.assignments, dest)
		return
	}
	if ov := owner.Overview(); ov != nil && ov.Destinations[dest].Depth != 0 {
		log.WithFields(log.Fields{
			"destination": dest,
			"broker":      owner.ID(),
			"depth":       ov.Destinations[dest].Depth,
		}).Debug("retaining assignment of idle destination having queued messages")
		return
	}
	delete(m.assignments, dest)
}

// BrokerCreated adds a BrokerView of the |spec|. If a broker of the ID is
// already known, its BrokerSpec is updated instead.
func (m *Model) BrokerCreated(spec protocol.BrokerSpec) {
	if b := m.BrokerByID(spec.ID); b != nil {
		b.setSpec(spec)
		return
	}
	m.Add(NewBrokerView(spec))
}

// BrokerUpdated updates the BrokerSpec of a known broker, or adds it.
func (m *Model) BrokerUpdated(spec protocol.BrokerSpec) { m.BrokerCreated(spec) }

// BrokerDeleted removes the broker of the |spec| and stops its Transports.
func (m *Model) BrokerDeleted(spec protocol.BrokerSpec) {
	var b = m.Remove(spec.ID)
	if b == nil {
		return
	}
	for _, t := range b.RemoveAllTransports() {
		if err := t.Stop(); err != nil {
			log.WithFields(log.Fields{"broker": spec.ID, "err": err}).Warn("failed to stop broker transport")
		}
	}
}

func clampSpare(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
