package multiplexer

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.gazette.dev/mqgate/protocol"
	"go.gazette.dev/mqgate/registry"
)

// ConnectionState is the state of a logical client connection, keyed on its
// client ID. A logical connection is shared by every Input which connected
// with the client ID, each having its own SessionState. The ConnectionState
// is reference counted, and is removed once its last Input closes.
type ConnectionState struct {
	ClientID string

	refs atomic.Int32

	mu       sync.Mutex
	info     *protocol.ConnectionInfo
	sessions map[string]*SessionState
}

func newConnectionState(clientID string) *ConnectionState {
	return &ConnectionState{
		ClientID: clientID,
		sessions: make(map[string]*SessionState),
	}
}

// References is the number of Inputs holding the ConnectionState.
func (s *ConnectionState) References() int32 { return s.refs.Load() }

// Info returns the most recent ConnectionInfo of the connection.
func (s *ConnectionState) Info() *protocol.ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Session returns the SessionState of Input |connID|, or nil.
func (s *ConnectionState) Session(connID string) *SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[connID]
}

// Sessions returns the connection IDs of attached Inputs, in sorted order.
func (s *ConnectionState) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out = make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *ConnectionState) attach(info *protocol.ConnectionInfo) *SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session = newSessionState()
	s.info = info
	s.sessions[info.ConnectionID] = session
	return session
}

func (s *ConnectionState) detach(connID string) {
	s.mu.Lock()
	delete(s.sessions, connID)
	s.mu.Unlock()
}

// SessionState is the producer and consumer state of a single Input.
type SessionState struct {
	mu        sync.Mutex
	producers map[string]protocol.Destination
	consumers map[string]*protocol.ConsumerInfo
	// Acks which are expected of dispatched messages, and the Destination
	// from which each message was dispatched.
	acks map[string]pendingAck
	// Registry Statistics of each Destination registered by the session.
	stats map[protocol.Destination]*registry.Statistics
}

type pendingAck struct {
	consumerID string
	dest       protocol.Destination
}

func newSessionState() *SessionState {
	return &SessionState{
		producers: make(map[string]protocol.Destination),
		consumers: make(map[string]*protocol.ConsumerInfo),
		acks:      make(map[string]pendingAck),
		stats:     make(map[protocol.Destination]*registry.Statistics),
	}
}

// Producers is the number of producers of the session.
func (s *SessionState) Producers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.producers)
}

// Consumers is the number of consumers of the session.
func (s *SessionState) Consumers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// addProducer returns false if |id| is already a producer.
func (s *SessionState) addProducer(id string, dest protocol.Destination) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.producers[id]; ok {
		return false
	}
	s.producers[id] = dest
	return true
}

func (s *SessionState) removeProducer(id string) (protocol.Destination, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dest, ok = s.producers[id]
	delete(s.producers, id)
	return dest, ok
}

// addConsumer returns false if the ConsumerID is already a consumer.
func (s *SessionState) addConsumer(info *protocol.ConsumerInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.consumers[info.ConsumerID]; ok {
		return false
	}
	s.consumers[info.ConsumerID] = info
	return true
}

func (s *SessionState) consumer(id string) (*protocol.ConsumerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var info, ok = s.consumers[id]
	return info, ok
}

func (s *SessionState) removeConsumer(id string) (*protocol.ConsumerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var info, ok = s.consumers[id]
	delete(s.consumers, id)

	for msgID, ack := range s.acks {
		if ack.consumerID == id {
			delete(s.acks, msgID)
		}
	}
	return info, ok
}

// expectAck records the dispatch of |msgID| to a consumer having a
// client acknowledgement mode.
func (s *SessionState) expectAck(consumerID, msgID string, dest protocol.Destination) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.consumers[consumerID]; ok && info.AckMode != "auto" {
		s.acks[msgID] = pendingAck{consumerID: consumerID, dest: dest}
	}
}

func (s *SessionState) takeAck(msgID string) (pendingAck, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ack, ok = s.acks[msgID]
	delete(s.acks, msgID)
	return ack, ok
}

func (s *SessionState) setStats(st *registry.Statistics) {
	s.mu.Lock()
	s.stats[st.Destination] = st
	s.mu.Unlock()
}

// releaseStats drops Statistics which were removed from the registry.
func (s *SessionState) releaseStats(st *registry.Statistics) {
	if st == nil || st.References() != 0 {
		return
	}
	s.mu.Lock()
	if s.stats[st.Destination] == st {
		delete(s.stats, st.Destination)
	}
	s.mu.Unlock()
}

func (s *SessionState) statsOf(dest protocol.Destination) *registry.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[dest]
}

// drain removes and returns all producers and consumers of the session.
func (s *SessionState) drain() (map[string]protocol.Destination, map[string]*protocol.ConsumerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var producers, consumers = s.producers, s.consumers
	s.producers = make(map[string]protocol.Destination)
	s.consumers = make(map[string]*protocol.ConsumerInfo)
	s.acks = make(map[string]pendingAck)
	s.stats = make(map[protocol.Destination]*registry.Statistics)
	return producers, consumers
}
