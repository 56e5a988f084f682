package migration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/protocol"
)

func TestMoveIsComplete(t *testing.T) {
	var store, from, to = newStoreFixture()
	var dests = fillQueues(store, from, 10, 100)

	var w = NewWorker(store, from, to, Move, dests, Config{Parallelism: 3, MaxAttempts: 1})
	assert.False(t, w.IsDone())
	require.NoError(t, w.Run(context.Background()))

	assert.True(t, w.IsDone())
	assert.Equal(t, 100.0, w.PercentageComplete())
	assert.ElementsMatch(t, dests, w.CompletedList())
	assert.Empty(t, w.FailedList())
	assert.Equal(t, int64(1000), w.Messages())

	var total int
	for _, dest := range dests {
		assert.Equal(t, 0, store.Len(from.ID(), dest))
		assert.Equal(t, 100, store.Len(to.ID(), dest))
		total += store.Len(from.ID(), dest) + store.Len(to.ID(), dest)
	}
	assert.Equal(t, 1000, total)
}

func TestCopyRetainsSource(t *testing.T) {
	var store, from, to = newStoreFixture()
	var dests = fillQueues(store, from, 2, 10)

	var w = NewWorker(store, from, to, Copy, dests, Config{Parallelism: 2, MaxAttempts: 1})
	require.NoError(t, w.Run(context.Background()))

	for _, dest := range dests {
		assert.Equal(t, 10, store.Len(from.ID(), dest))
		assert.Equal(t, 10, store.Len(to.ID(), dest))
	}
	// Copied messages retain their order.
	var sess, _ = store.Open(context.Background(), to)
	var d, ok, err = sess.Get(context.Background(), dests[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "queue-0/0", d.Message.MessageID)
	require.NoError(t, sess.Close())
}

func TestFailureIsIsolatedPerDestination(t *testing.T) {
	var store, from, to = newStoreFixture()
	var dests = fillQueues(store, from, 4, 20)

	store.FailPublishes(to.ID(), dests[1], 1) // Recovers on retry.
	store.FailPublishes(to.ID(), dests[2], 5) // Exhausts all attempts.

	var w = NewWorker(store, from, to, Move, dests, Config{
		Parallelism:   4,
		MaxAttempts:   2,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, w.Run(context.Background()))

	assert.ElementsMatch(t, []protocol.Destination{dests[0], dests[1], dests[3]}, w.CompletedList())
	assert.Equal(t, 75.0, w.PercentageComplete())

	var failed = w.FailedList()
	require.Len(t, failed, 1)
	assert.Equal(t, dests[2], failed[0].Destination)
	assert.EqualError(t, failed[0].Err, "publishing message: publish to /queue/queue-2 of broker broker-b failed")

	// Nothing of the failed destination was lost.
	assert.Equal(t, 20, store.Len(from.ID(), dests[2]))
	assert.Equal(t, 0, store.Len(to.ID(), dests[2]))
	assert.Equal(t, 20, store.Len(to.ID(), dests[1]))
}

func TestTopicsCompleteImmediately(t *testing.T) {
	var store, from, to = newStoreFixture()
	var topic = protocol.NewTopic("events")

	var w = NewWorker(store, from, to, Move, []protocol.Destination{topic}, Config{})
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, []protocol.Destination{topic}, w.CompletedList())

	w = NewWorker(store, from, to, Move, nil, Config{})
	assert.Equal(t, 100.0, w.PercentageComplete())
}

func TestCancellationStopsWorker(t *testing.T) {
	var store, from, to = newStoreFixture()
	var dests = fillQueues(store, from, 3, 10)

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	var w = NewWorker(store, from, to, Move, dests, Config{Parallelism: 1})
	w.Start(ctx)
	<-w.Done()

	assert.True(t, w.IsDone())
	assert.Empty(t, w.CompletedList())
	for _, dest := range dests {
		assert.Equal(t, 10, store.Len(from.ID(), dest))
	}
}

func newStoreFixture() (*MemoryStore, *fleet.BrokerView, *fleet.BrokerView) {
	var from, to = newStoreFixtureViews()
	return NewMemoryStore(), from, to
}

func newStoreFixtureViews() (*fleet.BrokerView, *fleet.BrokerView) {
	var view = func(id string) *fleet.BrokerView {
		return fleet.NewBrokerView(protocol.BrokerSpec{
			ID:        id,
			Name:      id,
			Endpoints: map[string]string{protocol.STOMP: id + ":61613"},
		})
	}
	return view("broker-a"), view("broker-b")
}

func fillQueues(store *MemoryStore, b *fleet.BrokerView, queues, messages int) []protocol.Destination {
	var out []protocol.Destination
	for i := 0; i != queues; i++ {
		var dest = protocol.NewQueue(fmt.Sprintf("queue-%d", i))
		for j := 0; j != messages; j++ {
			store.Put(b.ID(), dest, &protocol.Message{
				MessageID:   fmt.Sprintf("%s/%d", dest.Name, j),
				Destination: dest,
				Body:        []byte("payload"),
			})
		}
		out = append(out, dest)
	}
	return out
}
