package stats

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/metrics"
	"go.gazette.dev/mqgate/protocol"
)

func TestJolokiaOverview(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var user, pass, _ = r.BasicAuth()
		require.Equal(t, "admin", user)
		require.Equal(t, "secret", pass)
		require.Equal(t, http.MethodPost, r.Method)

		var reqs []jolokiaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
		require.Len(t, reqs, 3)
		require.Equal(t, "org.apache.activemq:type=Broker,brokerName=amq-0", reqs[0].MBean)
		require.Equal(t, "org.apache.activemq:type=Broker,brokerName=amq-0,destinationType=Queue,destinationName=*", reqs[1].MBean)

		_, _ = w.Write([]byte(`[
			{"status": 200, "value": {"TotalConnectionsCount": 12}},
			{"status": 200, "value": {
				"org.apache.activemq:brokerName=amq-0,destinationName=orders,destinationType=Queue,type=Broker":
					{"QueueSize": 40, "ProducerCount": 2, "ConsumerCount": 1},
				"org.apache.activemq:brokerName=amq-0,destinationName=audit,destinationType=Queue,type=Broker":
					{"QueueSize": 5, "ProducerCount": 0, "ConsumerCount": 3}
			}},
			{"status": 404, "error": "javax.management.InstanceNotFoundException"}
		]`))
	}))
	defer srv.Close()

	var src = NewJolokiaSource(srv.Client(), Config{User: "admin", Password: "secret"})
	var ov, err = src.Overview(context.Background(), protocol.BrokerSpec{
		ID:       "b0",
		Name:     "amq-0",
		StatsURL: srv.URL,
	})
	require.NoError(t, err)
	require.Equal(t, &fleet.Overview{
		TotalConnections: 12,
		Destinations: map[protocol.Destination]fleet.DestinationOverview{
			protocol.NewQueue("orders"): {Depth: 40, Producers: 2, Consumers: 1},
			protocol.NewQueue("audit"):  {Depth: 5, Producers: 0, Consumers: 3},
		},
	}, ov)
	require.Equal(t, int64(57), ov.Load())
}

func TestJolokiaErrorCases(t *testing.T) {
	var body string
	var status = http.StatusOK

	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	var src = NewJolokiaSource(srv.Client(), Config{})
	var spec = protocol.BrokerSpec{ID: "b0", Name: "amq-0", StatsURL: srv.URL}
	var ctx = context.Background()

	_, err := src.Overview(ctx, protocol.BrokerSpec{ID: "b1"})
	require.EqualError(t, err, "broker b1 has no statistics URL")

	status = http.StatusUnauthorized
	_, err = src.Overview(ctx, spec)
	require.EqualError(t, err, "unexpected statistics response status (401 Unauthorized)")

	status, body = http.StatusOK, `[{"status": 200, "value": {}}]`
	_, err = src.Overview(ctx, spec)
	require.EqualError(t, err, "expected 3 responses (got 1)")

	body = `[{"status": 403, "error": "denied"}, {"status": 404}, {"status": 404}]`
	_, err = src.Overview(ctx, spec)
	require.EqualError(t, err, "reading org.apache.activemq:type=Broker,brokerName=amq-0: denied")

	body = `[{"status": 200, "value": {}}, {"status": 500, "error": "boom"}, {"status": 404}]`
	_, err = src.Overview(ctx, spec)
	require.EqualError(t, err, "reading queue destinations: boom")
}

func TestMBeanProperty(t *testing.T) {
	var v, ok = mbeanProperty("org.apache.activemq:brokerName=b,destinationName=foo.bar,type=Broker", "destinationName")
	require.True(t, ok)
	require.Equal(t, "foo.bar", v)

	_, ok = mbeanProperty("org.apache.activemq:type=Broker", "destinationName")
	require.False(t, ok)
	_, ok = mbeanProperty("malformed", "type")
	require.False(t, ok)
}

func TestPollerReplacesOverviews(t *testing.T) {
	var model = fleet.NewModel(fleet.Limits{MinBrokers: 1, MaxBrokers: 10})
	for _, id := range []string{"a", "b", "c"} {
		model.BrokerCreated(protocol.BrokerSpec{
			ID:        id,
			Name:      id,
			Endpoints: map[string]string{protocol.STOMP: "localhost:61613"},
		})
	}
	var prior = &fleet.Overview{TotalConnections: 7}
	model.BrokerByID("c").SetOverview(prior)

	var src = SourceFunc(func(_ context.Context, spec protocol.BrokerSpec) (*fleet.Overview, error) {
		switch spec.ID {
		case "a":
			return &fleet.Overview{TotalConnections: 1}, nil
		case "b":
			return &fleet.Overview{TotalConnections: 2}, nil
		default:
			return nil, errors.New("unreachable")
		}
	})
	var p = NewPoller(model, src, Config{Parallelism: 2})
	var ok, fail = counterValue(metrics.StatsPollsTotal.WithLabelValues(metrics.Ok)),
		counterValue(metrics.StatsPollsTotal.WithLabelValues(metrics.Fail))

	require.Equal(t, 1, p.PollOnce(context.Background()))
	require.Equal(t, ok+2, counterValue(metrics.StatsPollsTotal.WithLabelValues(metrics.Ok)))
	require.Equal(t, fail+1, counterValue(metrics.StatsPollsTotal.WithLabelValues(metrics.Fail)))
	require.Equal(t, int64(1), model.BrokerByID("a").Load())
	require.Equal(t, int64(2), model.BrokerByID("b").Load())
	require.True(t, prior == model.BrokerByID("c").Overview()) // Unchanged.
}

func TestPollerBoundsUnresponsiveBrokers(t *testing.T) {
	var release = make(chan struct{})
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	var model = fleet.NewModel(fleet.Limits{MinBrokers: 1, MaxBrokers: 10})
	model.BrokerCreated(protocol.BrokerSpec{
		ID:        "hung",
		Name:      "hung",
		StatsURL:  srv.URL,
		Endpoints: map[string]string{protocol.STOMP: "localhost:61613"},
	})
	model.BrokerCreated(protocol.BrokerSpec{
		ID:        "ok",
		Name:      "ok",
		Endpoints: map[string]string{protocol.STOMP: "localhost:61614"},
	})

	var jolokia = NewJolokiaSource(nil, Config{})
	var src = SourceFunc(func(ctx context.Context, spec protocol.BrokerSpec) (*fleet.Overview, error) {
		if spec.ID == "ok" {
			return &fleet.Overview{TotalConnections: 3}, nil
		}
		return jolokia.Overview(ctx, spec)
	})
	var p = NewPoller(model, src, Config{Interval: 50 * time.Millisecond, Parallelism: 2})

	var done = make(chan int)
	go func() { done <- p.PollOnce(context.Background()) }()

	select {
	case failed := <-done:
		require.Equal(t, 1, failed)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "PollOnce blocked on an unresponsive broker")
	}
	require.Equal(t, int64(3), model.BrokerByID("ok").Load())
	require.Equal(t, &fleet.Overview{}, model.BrokerByID("hung").Overview())
}

func TestPollerServesUntilCancelled(t *testing.T) {
	var model = fleet.NewModel(fleet.Limits{MinBrokers: 1, MaxBrokers: 10})
	model.BrokerCreated(protocol.BrokerSpec{
		ID:        "a",
		Name:      "a",
		Endpoints: map[string]string{protocol.STOMP: "localhost:61613"},
	})

	var ctx, cancel = context.WithCancel(context.Background())
	var polls = make(chan struct{}, 8)

	var src = SourceFunc(func(context.Context, protocol.BrokerSpec) (*fleet.Overview, error) {
		select {
		case polls <- struct{}{}:
		default:
		}
		return &fleet.Overview{}, nil
	})
	var done = make(chan error)
	go func() { done <- NewPoller(model, src, Config{Interval: time.Millisecond, Parallelism: 1}).Serve(ctx) }()

	<-polls
	<-polls
	cancel()
	require.NoError(t, <-done)
}

func counterValue(c prometheus.Counter) float64 {
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		panic(err)
	}
	return out.GetCounter().GetValue()
}
