package fleet

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/mqgate/protocol"
)

var testLimits = Limits{
	MaxConnectionsPerBroker:  100,
	MaxDestinationsPerBroker: 4,
	MinBrokers:               1,
	MaxBrokers:               10,
}

func testSpec(id string) protocol.BrokerSpec {
	return protocol.BrokerSpec{
		ID:        id,
		Name:      "broker-" + id,
		Endpoints: map[string]string{protocol.STOMP: id + ":61613"},
	}
}

func overview(conns int64, depths ...int64) *Overview {
	var o = &Overview{
		TotalConnections: conns,
		Destinations:     make(map[protocol.Destination]DestinationOverview),
	}
	for i, d := range depths {
		o.Destinations[protocol.NewQueue(fmt.Sprintf("q%d", i))] = DestinationOverview{Depth: d}
	}
	return o
}

func TestLoadOrdering(t *testing.T) {
	var m = NewModel(testLimits)
	var brokers []*BrokerView

	// Broker i has a destination of depth 10-i.
	for i := 0; i != 10; i++ {
		var b = NewBrokerView(testSpec(fmt.Sprintf("broker-%d", i)))
		b.SetOverview(overview(0, int64(10-i)))
		m.Add(b)
		brokers = append(brokers, b)
	}

	var least, most = m.LeastLoaded(), m.MostLoaded()
	assert.Same(t, brokers[9], least)
	assert.Same(t, brokers[0], most)

	var next = m.NextLeastLoaded(least)
	assert.Same(t, brokers[8], next)
	assert.True(t, m.Load(least) < m.Load(next))
	assert.True(t, m.Load(next) < m.Load(most))
	assert.Nil(t, m.NextLeastLoaded(most))

	var byLoad = m.ByLoad()
	for i := range byLoad {
		assert.Same(t, brokers[9-i], byLoad[i])
	}
}

func TestLoadTiesBreakOnID(t *testing.T) {
	var m = NewModel(testLimits)
	for _, id := range []string{"c", "a", "b"} {
		var b = NewBrokerView(testSpec(id))
		b.SetOverview(overview(2, 3))
		m.Add(b)
	}
	assert.Equal(t, "a", m.LeastLoaded().ID())
	assert.Equal(t, "c", m.MostLoaded().ID())
	assert.Nil(t, m.NextLeastLoaded(m.LeastLoaded())) // No strictly greater load.

	m.BrokerByID("c").SetOverview(overview(2, 4))
	assert.Equal(t, "c", m.NextLeastLoaded(m.LeastLoaded()).ID())
}

func TestLoadCombinesDepthAndConnections(t *testing.T) {
	var o = overview(7, 1, 2, 3)
	assert.Equal(t, int64(13), o.Load())
	assert.Equal(t, int64(0), (*Overview)(nil).Load())

	assert.Equal(t, []protocol.Destination{
		protocol.NewQueue("q0"), protocol.NewQueue("q1"), protocol.NewQueue("q2"),
	}, o.SortedDestinations())
}

func TestEmptyModelQueries(t *testing.T) {
	var m = NewModel(testLimits)
	assert.Nil(t, m.LeastLoaded())
	assert.Nil(t, m.MostLoaded())
	assert.Nil(t, m.BrokerByID("missing"))
	assert.Nil(t, m.Remove("missing"))
	assert.False(t, m.AreBrokerConnectionLimitsExceeded())
	assert.Equal(t, int64(0), m.SpareConnections())

	var _, err = m.Assign(protocol.NewQueue("q"))
	assert.Equal(t, ErrNoBrokers, err)
}

func TestLimitsAndSpareCapacity(t *testing.T) {
	var m = NewModel(testLimits)
	var a, b = NewBrokerView(testSpec("a")), NewBrokerView(testSpec("b"))
	m.Add(a)
	m.Add(b)

	a.SetOverview(overview(60, 1, 1))
	b.SetOverview(overview(30, 1))

	assert.False(t, m.AreBrokerConnectionLimitsExceeded())
	assert.False(t, m.AreDestinationLimitsExceeded())
	assert.Equal(t, int64(40+70), m.SpareConnections())
	assert.Equal(t, int64(2+3), m.SpareDestinations())
	assert.Equal(t, int64(70), m.SpareConnectionsExcluding(a))
	assert.Equal(t, int64(2), m.SpareDestinationsExcluding(b))

	// A broker over its limits contributes no spare capacity.
	a.SetOverview(overview(150, 1, 1, 1, 1, 1))
	assert.True(t, m.AreBrokerConnectionLimitsExceeded())
	assert.True(t, m.AreDestinationLimitsExceeded())
	assert.Equal(t, int64(70), m.SpareConnections())
	assert.Equal(t, int64(3), m.SpareDestinations())
}

func TestFleetSizeLimits(t *testing.T) {
	var m = NewModel(Limits{MinBrokers: 1, MaxBrokers: 2})
	assert.True(t, m.IsMinimumNumberOfBrokersReached())

	m.Add(NewBrokerView(testSpec("a")))
	assert.True(t, m.IsMinimumNumberOfBrokersReached())
	assert.False(t, m.IsMaximumNumberOfBrokersReached())

	m.Add(NewBrokerView(testSpec("b")))
	assert.False(t, m.IsMinimumNumberOfBrokersReached())
	assert.True(t, m.IsMaximumNumberOfBrokersReached())
}

func TestStickyAssignment(t *testing.T) {
	var m = NewModel(testLimits)
	var a, b = NewBrokerView(testSpec("a")), NewBrokerView(testSpec("b"))
	a.SetOverview(overview(5))
	b.SetOverview(overview(1))
	m.Add(a)
	m.Add(b)

	var q = protocol.NewQueue("orders")
	var owner, err = m.Assign(q)
	require.NoError(t, err)
	assert.Same(t, b, owner)

	// The assignment is sticky, even as loads change.
	b.SetOverview(overview(50))
	owner, _ = m.Assign(q)
	assert.Same(t, b, owner)

	// A new destination goes to the now least-loaded broker.
	owner, _ = m.Assign(protocol.NewTopic("prices"))
	assert.Same(t, a, owner)
	assert.Equal(t, []protocol.Destination{q}, m.AssignedDestinations(b))

	require.NoError(t, m.Reassign(q, "a"))
	owner, ok := m.Assignment(q)
	assert.True(t, ok)
	assert.Same(t, a, owner)
	assert.EqualError(t, m.Reassign(q, "zz"), "broker zz is not a member of the fleet")

	// Removing a destination drops its assignment.
	m.OnDestinationRemoved(q)
	_, ok = m.Assignment(q)
	assert.False(t, ok)
}

func TestIdleDestinationWithQueuedMessagesStaysAssigned(t *testing.T) {
	var m = NewModel(testLimits)
	m.BrokerCreated(testSpec("a"))
	m.BrokerCreated(testSpec("b"))
	m.BrokerByID("b").SetOverview(overview(10))

	var q = protocol.NewQueue("orders")
	var owner, _ = m.Assign(q)
	require.Equal(t, "a", owner.ID())

	// Messages remain queued at |a| once the last producer leaves.
	m.BrokerByID("a").SetOverview(&Overview{
		Destinations: map[protocol.Destination]DestinationOverview{q: {Depth: 100}},
	})
	m.OnDestinationRemoved(q)

	owner, _ = m.Assign(q)
	assert.Equal(t, "a", owner.ID())

	// Once drained, a removal drops the assignment.
	m.BrokerByID("a").SetOverview(overview(50, 0))
	m.OnDestinationRemoved(q)
	_, ok := m.Assignment(q)
	assert.False(t, ok)

	owner, _ = m.Assign(q)
	assert.Equal(t, "b", owner.ID())
}

func TestRemovedBrokerDropsAssignments(t *testing.T) {
	var m = NewModel(testLimits)
	m.BrokerCreated(testSpec("a"))
	m.BrokerCreated(testSpec("b"))
	m.BrokerByID("b").SetOverview(overview(10))

	var q = protocol.NewQueue("q")
	var owner, _ = m.Assign(q)
	assert.Equal(t, "a", owner.ID())

	m.BrokerDeleted(testSpec("a"))
	assert.Nil(t, m.BrokerByID("a"))
	assert.Equal(t, 1, m.Len())

	owner, _ = m.Assign(q)
	assert.Equal(t, "b", owner.ID())
}

func TestBrokerUpdateRetainsView(t *testing.T) {
	var m = NewModel(testLimits)
	m.BrokerCreated(testSpec("a"))
	var view = m.BrokerByID("a")
	view.SetOverview(overview(3))

	var spec = testSpec("a")
	spec.Endpoints[protocol.MQTT] = "a:1883"
	m.BrokerUpdated(spec)

	assert.Same(t, view, m.BrokerByID("a"))
	assert.Equal(t, int64(3), view.Load())

	var addr, ok = view.Endpoint(protocol.MQTT)
	assert.True(t, ok)
	assert.Equal(t, "a:1883", addr)
	assert.Equal(t, "tcp://a:61613", view.URI())
}

func TestConcurrentQueriesAndOverviewReplacement(t *testing.T) {
	var m = NewModel(testLimits)
	for i := 0; i != 4; i++ {
		m.Add(NewBrokerView(testSpec(fmt.Sprintf("b%d", i))))
	}
	var wg sync.WaitGroup
	for i := 0; i != 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j != 100; j++ {
				m.BrokerByID(fmt.Sprintf("b%d", i)).SetOverview(overview(int64(j), int64(i)))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j != 100; j++ {
				assert.NotNil(t, m.LeastLoaded())
				m.SpareConnections()
				_, _ = m.Assign(protocol.NewQueue(fmt.Sprintf("q%d", j)))
			}
		}()
	}
	wg.Wait()
}
