// Package gateway is the mqgate controller. It accepts client connections of
// sniffed protocols, binds each to the Multiplexer of its virtual host, and
// maintains the fleet Model which Multiplexers route over.
package gateway

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/coordinator"
	"go.gazette.dev/mqgate/distribution"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/keepalive"
	"go.gazette.dev/mqgate/metrics"
	"go.gazette.dev/mqgate/migration"
	"go.gazette.dev/mqgate/multiplexer"
	"go.gazette.dev/mqgate/protocol"
	"go.gazette.dev/mqgate/registry"
	"go.gazette.dev/mqgate/scaling"
	"go.gazette.dev/mqgate/sniffer"
	"go.gazette.dev/mqgate/stats"
	"go.gazette.dev/mqgate/stomp"
	"go.gazette.dev/mqgate/task"
	"go.gazette.dev/mqgate/transport"
)

// DefaultVirtualHost is the virtual host of connections which don't name one.
const DefaultVirtualHost = "/"

// ErrStopped is returned when serving connections of a stopped Gateway.
var ErrStopped = errors.New("gateway is stopped")

// Config of the Gateway.
type Config struct {
	Fleet        fleet.Limits            `group:"Fleet" namespace:"fleet" env-namespace:"FLEET"`
	Scaling      scaling.Config          `group:"Scaling" namespace:"scaling" env-namespace:"SCALING"`
	Inactivity   transport.MonitorConfig `group:"Inactivity" namespace:"inactivity" env-namespace:"INACTIVITY"`
	Distribution distribution.Config     `group:"Distribution" namespace:"distribution" env-namespace:"DISTRIBUTION"`
	Stats        stats.Config            `group:"Stats" namespace:"stats" env-namespace:"STATS"`
	Migration    migration.Config        `group:"Migration" namespace:"migration" env-namespace:"MIGRATION"`
	DialTimeout  time.Duration           `long:"dial-timeout" env:"DIAL_TIMEOUT" default:"10s" description:"Timeout of dialing a broker"`
}

// Gateway of client connections to the broker fleet.
type Gateway struct {
	cfg      Config
	model    *fleet.Model
	registry *registry.Registry
	coord    coordinator.Coordinator
	codecs   map[string]transport.Codec

	// Dial of broker addresses. Defaults to keepalive.DialerFunc.
	Dial func(ctx context.Context, addr string) (net.Conn, error)

	mu      sync.Mutex
	muxes   map[string]*multiplexer.Multiplexer
	stopped bool
}

// New returns a Gateway whose fleet Model tracks brokers of the Coordinator.
func New(cfg Config, coord coordinator.Coordinator) *Gateway {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	var model = fleet.NewModel(cfg.Fleet)
	coord.AddBrokerChangeListener(model)

	return &Gateway{
		cfg:      cfg,
		model:    model,
		registry: registry.New(model),
		coord:    coord,
		codecs: map[string]transport.Codec{
			protocol.STOMP: stomp.NewCodec(),
		},
		Dial:  keepalive.DialerFunc,
		muxes: make(map[string]*multiplexer.Multiplexer),
	}
}

// Model of the broker fleet.
func (g *Gateway) Model() *fleet.Model { return g.model }

// Registry of client Destinations.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Coordinator of the Gateway.
func (g *Gateway) Coordinator() coordinator.Coordinator { return g.coord }

// Multiplexer returns the Multiplexer of the virtual host, creating it if
// required.
func (g *Gateway) Multiplexer(vhost string) (*multiplexer.Multiplexer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return nil, ErrStopped
	}
	var m, ok = g.muxes[vhost]
	if !ok {
		m = multiplexer.New(vhost, g.model, g.registry, g.DialBroker, g.cfg.Distribution)
		g.muxes[vhost] = m

		log.WithField("vhost", vhost).Info("created virtual host multiplexer")
	}
	return m, nil
}

// DialBroker dials the STOMP endpoint of the broker, returning an unstarted
// Transport which delivers to |listener|.
func (g *Gateway) DialBroker(b *fleet.BrokerView, listener transport.Listener) (transport.Transport, error) {
	return distribution.NewDialer(g.codecs[protocol.STOMP], g.cfg.DialTimeout, g.Dial)(b, listener)
}

// Serve connections of Protocol |p| accepted from |ln|, until |ctx| is done
// or |ln| is closed.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener, p sniffer.Protocol) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		var conn, err = ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithMessagef(err, "accepting %s connection", p.Name())
		}
		go func() {
			if err := g.ServeConn(conn, p); err != nil {
				log.WithFields(log.Fields{
					"protocol": p.Name(),
					"remote":   conn.RemoteAddr().String(),
					"err":      err,
				}).Warn("client connection failed")
			}
		}()
	}
}

// ServeConn serves a client connection of Protocol |p|, returning when the
// connection is closed. Protocols having a Codec are served by a Multiplexer.
// Others are spliced to the least-loaded broker serving the protocol.
func (g *Gateway) ServeConn(conn net.Conn, p sniffer.Protocol) error {
	metrics.ConnectionsAcceptedTotal.WithLabelValues(p.Name()).Inc()
	metrics.ConnectionsActive.WithLabelValues(p.Name()).Inc()
	defer metrics.ConnectionsActive.WithLabelValues(p.Name()).Dec()

	var codec, ok = g.codecs[p.Name()]
	if !ok {
		return g.splice(conn, p.Name())
	}

	// Bound the time allowed for a complete handshake.
	if g.cfg.Inactivity.ConnectTimeout != 0 {
		_ = conn.SetReadDeadline(time.Now().Add(g.cfg.Inactivity.ConnectTimeout))
	}
	var params, peeked, err = sniffer.Peek(conn, p)
	if err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	var vhost = params.VirtualHost
	if vhost == "" {
		vhost = DefaultVirtualHost
	}
	mux, err := g.Multiplexer(vhost)
	if err != nil {
		_ = peeked.Close()
		return err
	}

	var t = transport.NewInactivityMonitor(
		transport.NewConnTransport(peeked, codec, nil), nil, g.cfg.Inactivity)

	in, err := mux.AddInput(t)
	if err != nil {
		_ = peeked.Close()
		return err
	}
	log.WithFields(log.Fields{
		"vhost":  vhost,
		"conn":   in.ID(),
		"user":   params.UserID,
		"client": params.ClientID,
	}).Debug("serving client connection")

	<-in.Done()
	return in.Err()
}

// splice copies bytes between the client connection and the least-loaded
// broker having an endpoint of the protocol, until either side closes.
func (g *Gateway) splice(conn net.Conn, proto string) error {
	defer conn.Close()

	var b, addr = g.pickBroker(proto)
	if b == nil {
		return errors.Errorf("no broker serves protocol %s", proto)
	}
	var ctx, cancel = context.WithTimeout(context.Background(), g.cfg.DialTimeout)
	defer cancel()

	var upstream, err = g.Dial(ctx, addr)
	if err != nil {
		return errors.WithMessagef(err, "dialing broker %s (%s)", b.ID(), addr)
	}
	defer upstream.Close()

	log.WithFields(log.Fields{"protocol": proto, "broker": b.ID()}).Debug("splicing client connection")

	var errCh = make(chan error, 2)
	go func() { errCh <- copyAndClose(upstream, conn) }()
	go func() { errCh <- copyAndClose(conn, upstream) }()

	// Either direction completing tears down both.
	if err = <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func copyAndClose(dst, src net.Conn) error {
	var _, err = io.Copy(dst, src)
	_ = dst.Close()
	return err
}

// pickBroker returns the least-loaded broker having an endpoint of |proto|.
func (g *Gateway) pickBroker(proto string) (*fleet.BrokerView, string) {
	for _, b := range g.model.ByLoad() {
		if addr, ok := b.Endpoint(proto); ok {
			return b, addr
		}
	}
	return nil, ""
}

// HTTPHandler proxies HTTP requests to the least-loaded broker having an
// HTTP endpoint.
func (g *Gateway) HTTPHandler() http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			if _, addr := g.pickBroker(protocol.HTTP); addr != "" {
				r.Out.URL.Scheme = "http"
				r.Out.URL.Host = addr
				r.SetXForwarded()
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.WithFields(log.Fields{"path": r.URL.Path, "err": err}).Warn("failed to proxy HTTP request")
			http.Error(w, "no broker is available", http.StatusBadGateway)
		},
	}
}

// IsReady is true if the Gateway is serving and the fleet has at least one broker.
func (g *Gateway) IsReady() bool {
	g.mu.Lock()
	var stopped = g.stopped
	g.mu.Unlock()

	return !stopped && g.model.Len() != 0
}

// SampleRates periodically samples Destination message rates of the
// Registry, until |ctx| is done.
func (g *Gateway) SampleRates(ctx context.Context, interval time.Duration) error {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			g.registry.Sample(now)
			metrics.DestinationsActive.Set(float64(g.registry.Len()))
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop the Gateway, closing all client connections.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	var muxes = g.muxes
	g.mu.Unlock()

	for vhost, m := range muxes {
		if err := m.Stop(); err != nil {
			log.WithFields(log.Fields{"vhost": vhost, "err": err}).Warn("failed to stop multiplexer")
		}
	}
}

// QueueTasks serving each protocol Listener, sampling Destination rates,
// and stopping the Gateway when the Group is cancelled.
func (g *Gateway) QueueTasks(tg *task.Group, snf *sniffer.Sniffer, listeners map[string]net.Listener) {
	for _, p := range snf.Protocols() {
		var p = p
		var ln, ok = listeners[p.Name()]
		if !ok {
			continue
		}
		tg.Queue("gateway.Serve("+p.Name()+")", func() error {
			return g.Serve(tg.Context(), ln, p)
		})
	}
	tg.Queue("gateway.SampleRates", func() error {
		return g.SampleRates(tg.Context(), time.Second)
	})
	tg.Queue("gateway.Stop", func() error {
		<-tg.Context().Done()
		g.Stop()
		return nil
	})
}
