package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/soheilhy/cmux"
	"go.gazette.dev/mqgate/keepalive"
	"go.gazette.dev/mqgate/protocol"
	"go.gazette.dev/mqgate/sniffer"
	"go.gazette.dev/mqgate/task"
	"golang.org/x/net/netutil"
)

// Server multiplexes the client protocols of a Sniffer and HTTP over a single
// bound TCP socket (using CMux). Each sniffed protocol is served from its own
// Listener, and HTTP connections are served by HTTPMux.
type Server struct {
	// RawListener is the bound TCP listener of the Server.
	RawListener *net.TCPListener
	// CMux wraps RawListener to provide connection protocol multiplexing over
	// a single bound socket. Connections matching no protocol are closed.
	CMux cmux.CMux
	// Listeners of each sniffed protocol, keyed on protocol name.
	Listeners map[string]net.Listener
	// HTTPListener is a CMux Listener for HTTP connections.
	HTTPListener net.Listener
	// HTTPMux is the http.ServeMux which is served by QueueTasks.
	HTTPMux *http.ServeMux
	// Ctx is cancelled when the Server is stopped.
	Ctx context.Context

	cancel context.CancelFunc
}

// Config of the Server.
type Config struct {
	// Maximum number of concurrent connections. Unlimited if zero.
	MaxConnections int
	// Timeout of reads while sniffing the protocol of a connection.
	SniffTimeout time.Duration
}

// New builds and returns a Server of the given TCP network interface |iface|
// and |port|. |port| may be zero, in which case a random free port is assigned.
// A Listener is created for each non-HTTP Protocol of the Sniffer.
func New(iface string, port uint16, snf *sniffer.Sniffer, cfg Config) (*Server, error) {
	var addr = fmt.Sprintf("%s:%d", iface, port)

	var raw, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind service address (%s)", addr)
	}

	var ctx, cancel = context.WithCancel(context.Background())

	var srv = &Server{
		RawListener: raw.(*net.TCPListener),
		Listeners:   make(map[string]net.Listener),
		HTTPMux:     http.NewServeMux(),
		Ctx:         ctx,
		cancel:      cancel,
	}

	var ln net.Listener = keepalive.TCPListener{TCPListener: srv.RawListener}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}
	srv.CMux = cmux.New(ln)

	if cfg.SniffTimeout > 0 {
		srv.CMux.SetReadTimeout(cfg.SniffTimeout)
	}
	srv.CMux.HandleError(func(err error) bool {
		if _, ok := err.(net.Error); !ok {
			log.WithField("err", err).Warn("failed to CMux client connection to a listener")
		}
		return true // Continue serving RawListener.
	})

	for _, p := range snf.Protocols() {
		if p.Name() == protocol.HTTP {
			continue
		}
		srv.Listeners[p.Name()] = srv.CMux.Match(sniffer.Matcher(p))
	}
	// Connections sending HTTP/1 verbs (GET, PUT, POST etc) are assumed to be HTTP.
	srv.HTTPListener = srv.CMux.Match(cmux.HTTP1Fast())

	return srv, nil
}

// Addr of the Server.
func (s *Server) Addr() net.Addr { return s.RawListener.Addr() }

// QueueTasks serving the CMux and HTTP component servers onto the task.Group.
// Listeners of sniffed protocols must be served by the caller. Attempts to
// Accept from them will block until the CMux itself begins serving.
func (s *Server) QueueTasks(tg *task.Group) {
	var httpSrv = &http.Server{Handler: s.HTTPMux, ReadHeaderTimeout: 10 * time.Second}

	tg.Queue("CMux.Serve", func() error {
		if err := s.CMux.Serve(); err != nil && s.Ctx.Err() == nil {
			return err
		}
		return nil // Swallow error after Stop.
	})
	tg.Queue("http.Serve", func() error {
		if err := httpSrv.Serve(s.HTTPListener); err != nil && s.Ctx.Err() == nil {
			return err
		}
		return nil // Swallow error after Stop.
	})
	tg.Queue("Server.Stop", func() error {
		<-tg.Context().Done() // Block until task.Group is cancelled.

		// Cancel |s.Ctx| so Serve loops recognize this as a graceful closure.
		s.cancel()
		s.CMux.Close()
		_ = httpSrv.Close()
		return nil
	})
}

// Stop the Server, closing its listeners.
func (s *Server) Stop() {
	s.cancel()
	s.CMux.Close()
}
