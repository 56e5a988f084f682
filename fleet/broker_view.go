package fleet

import (
	"sort"
	"sync"

	"go.gazette.dev/mqgate/metrics"
	"go.gazette.dev/mqgate/protocol"
	"go.gazette.dev/mqgate/transport"
	corev1 "k8s.io/api/core/v1"
)

// DestinationOverview is polled statistics of a Destination of a broker.
type DestinationOverview struct {
	Depth     int64
	Producers int64
	Consumers int64
}

// Overview is an immutable snapshot of a broker's statistics. An Overview is
// never mutated once published to a BrokerView: a new poll produces a new
// Overview which replaces the former wholesale.
type Overview struct {
	TotalConnections int64
	Destinations     map[protocol.Destination]DestinationOverview
}

// Load of the Overview, which is the sum of its destination depths and its
// total connections.
func (o *Overview) Load() int64 {
	if o == nil {
		return 0
	}
	var load = o.TotalConnections
	for _, d := range o.Destinations {
		load += d.Depth
	}
	return load
}

// SortedDestinations returns Destinations of the Overview ordered on
// increasing depth, with ties broken on Destination name.
func (o *Overview) SortedDestinations() []protocol.Destination {
	if o == nil {
		return nil
	}
	var out = make([]protocol.Destination, 0, len(o.Destinations))
	for d := range o.Destinations {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		var di, dj = o.Destinations[out[i]].Depth, o.Destinations[out[j]].Depth
		if di != dj {
			return di < dj
		} else if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// BrokerView is the live state of a backend broker: its BrokerSpec, its
// latest polled Overview, and the Transports dialed to it on behalf of each
// client connection.
type BrokerView struct {
	mu       sync.RWMutex // Guards |spec| and |overview|.
	spec     protocol.BrokerSpec
	overview *Overview

	transportsMu sync.Mutex
	transports   map[string]transport.Transport
}

// NewBrokerView returns a BrokerView of the BrokerSpec, having an empty Overview.
func NewBrokerView(spec protocol.BrokerSpec) *BrokerView {
	return &BrokerView{
		spec:       spec,
		overview:   &Overview{},
		transports: make(map[string]transport.Transport),
	}
}

// ID of the broker.
func (b *BrokerView) ID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.spec.ID
}

// Name of the broker.
func (b *BrokerView) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.spec.Name
}

// PodReference of the broker.
func (b *BrokerView) PodReference() corev1.ObjectReference {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.spec.Pod
}

// Spec returns a copy of the broker's BrokerSpec.
func (b *BrokerView) Spec() protocol.BrokerSpec {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.spec
}

// Endpoint returns the broker's address for |proto|, if it serves it.
func (b *BrokerView) Endpoint(proto string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var addr, ok = b.spec.Endpoints[proto]
	return addr, ok
}

// URI of the broker's STOMP endpoint.
func (b *BrokerView) URI() string {
	var addr, _ = b.Endpoint(protocol.STOMP)
	return "tcp://" + addr
}

// Overview returns the current Overview, which must not be modified.
func (b *BrokerView) Overview() *Overview {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.overview
}

// SetOverview replaces the current Overview.
func (b *BrokerView) SetOverview(o *Overview) {
	b.mu.Lock()
	b.overview = o
	var id = b.spec.ID
	b.mu.Unlock()

	metrics.FleetBrokerLoad.WithLabelValues(id).Set(float64(o.Load()))
}

// Load of the broker's current Overview.
func (b *BrokerView) Load() int64 { return b.Overview().Load() }

func (b *BrokerView) setSpec(spec protocol.BrokerSpec) {
	b.mu.Lock()
	b.spec = spec
	b.mu.Unlock()
}

// Transport returns the Transport of the client connection |connID|.
func (b *BrokerView) Transport(connID string) (transport.Transport, bool) {
	b.transportsMu.Lock()
	defer b.transportsMu.Unlock()

	var t, ok = b.transports[connID]
	return t, ok
}

// LoadOrDialTransport returns the Transport of client connection |connID|,
// invoking |dial| to create it if it doesn't yet exist. |dial| is invoked
// with the BrokerView's transport lock held.
func (b *BrokerView) LoadOrDialTransport(connID string, dial func(*BrokerView) (transport.Transport, error)) (transport.Transport, error) {
	b.transportsMu.Lock()
	defer b.transportsMu.Unlock()

	if t, ok := b.transports[connID]; ok {
		return t, nil
	}
	var t, err = dial(b)
	if err != nil {
		return nil, err
	}
	b.transports[connID] = t
	return t, nil
}

// RemoveTransport removes and returns the Transport of client connection |connID|.
func (b *BrokerView) RemoveTransport(connID string) (transport.Transport, bool) {
	b.transportsMu.Lock()
	defer b.transportsMu.Unlock()

	var t, ok = b.transports[connID]
	delete(b.transports, connID)
	return t, ok
}

// RemoveAllTransports removes and returns all Transports of the BrokerView.
func (b *BrokerView) RemoveAllTransports() []transport.Transport {
	b.transportsMu.Lock()
	defer b.transportsMu.Unlock()

	var out = make([]transport.Transport, 0, len(b.transports))
	for id, t := range b.transports {
		out = append(out, t)
		delete(b.transports, id)
	}
	return out
}

// TransportCount is the number of client connections having a Transport.
func (b *BrokerView) TransportCount() int {
	b.transportsMu.Lock()
	defer b.transportsMu.Unlock()
	return len(b.transports)
}
