// Package migration copies or moves the content of Destinations between
// brokers of the fleet.
package migration

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/protocol"
)

// Store provides message store access to brokers of the fleet.
type Store interface {
	// Open a Session with the message store of the broker.
	Open(ctx context.Context, broker *fleet.BrokerView) (Session, error)
}

// Session reads and writes messages of a broker's Destinations. A Session is
// used by a single goroutine.
type Session interface {
	// Get the next message of the Destination. Get returns false if the
	// Destination has no further messages available to the Session. A gotten
	// message is not available to later Gets of the Session, and remains
	// unacknowledged until Ack.
	Get(ctx context.Context, dest protocol.Destination) (Delivery, bool, error)
	// Ack removes a gotten message from its Destination.
	Ack(ctx context.Context, d Delivery) error
	// Publish a message to the Destination. Publish returns without error
	// only once the broker has durably accepted the message.
	Publish(ctx context.Context, dest protocol.Destination, msg *protocol.Message) error
	// Close the Session. Messages which were gotten but not acknowledged are
	// returned to their Destinations.
	Close() error
}

// Delivery is a message gotten from a Session.
type Delivery struct {
	Tag     uint64
	Message *protocol.Message
}

// MemoryStore is an in-memory Store of queued messages.
type MemoryStore struct {
	mu      sync.Mutex
	queues  map[memoryKey][]*protocol.Message
	failPub map[memoryKey]int
}

type memoryKey struct {
	broker string
	dest   protocol.Destination
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues:  make(map[memoryKey][]*protocol.Message),
		failPub: make(map[memoryKey]int),
	}
}

// Put appends messages to the Destination of the broker.
func (s *MemoryStore) Put(brokerID string, dest protocol.Destination, msgs ...*protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var k = memoryKey{brokerID, dest}
	s.queues[k] = append(s.queues[k], msgs...)
}

// Len is the number of messages of the Destination of the broker, excluding
// messages gotten by an open Session.
func (s *MemoryStore) Len(brokerID string, dest protocol.Destination) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[memoryKey{brokerID, dest}])
}

// FailPublishes causes the next |n| publishes to the Destination of the
// broker to fail.
func (s *MemoryStore) FailPublishes(brokerID string, dest protocol.Destination, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPub[memoryKey{brokerID, dest}] = n
}

// Open a Session of the broker.
func (s *MemoryStore) Open(_ context.Context, broker *fleet.BrokerView) (Session, error) {
	return &memorySession{
		store:    s,
		broker:   broker.ID(),
		inflight: make(map[uint64]memoryInflight),
	}, nil
}

type memorySession struct {
	store    *MemoryStore
	broker   string
	nextTag  uint64
	inflight map[uint64]memoryInflight
}

type memoryInflight struct {
	dest protocol.Destination
	msg  *protocol.Message
}

func (s *memorySession) Get(_ context.Context, dest protocol.Destination) (Delivery, bool, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var k = memoryKey{s.broker, dest}
	var q = s.store.queues[k]
	if len(q) == 0 {
		return Delivery{}, false, nil
	}
	var msg = q[0]
	s.store.queues[k] = q[1:]

	s.nextTag++
	s.inflight[s.nextTag] = memoryInflight{dest: dest, msg: msg}
	return Delivery{Tag: s.nextTag, Message: msg}, true, nil
}

func (s *memorySession) Ack(_ context.Context, d Delivery) error {
	if _, ok := s.inflight[d.Tag]; !ok {
		return errors.Errorf("unknown delivery tag %d", d.Tag)
	}
	delete(s.inflight, d.Tag)
	return nil
}

func (s *memorySession) Publish(_ context.Context, dest protocol.Destination, msg *protocol.Message) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var k = memoryKey{s.broker, dest}
	if n := s.store.failPub[k]; n != 0 {
		s.store.failPub[k] = n - 1
		return errors.Errorf("publish to %s of broker %s failed", dest, s.broker)
	}
	s.store.queues[k] = append(s.store.queues[k], msg)
	return nil
}

func (s *memorySession) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	// Requeue in delivery order at the head of each queue.
	for tag := s.nextTag; tag != 0; tag-- {
		if f, ok := s.inflight[tag]; ok {
			var k = memoryKey{s.broker, f.dest}
			s.store.queues[k] = append([]*protocol.Message{f.msg}, s.store.queues[k]...)
		}
	}
	s.inflight = make(map[uint64]memoryInflight)
	return nil
}
