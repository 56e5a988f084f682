// Package keepalive dials and accepts TCP connections having keep-alives
// enabled, so that connections of vanished peers are eventually torn down.
package keepalive

import (
	"context"
	"net"
	"time"
)

// Dialer mirrors the dialer of http.DefaultTransport.
var Dialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// DialerFunc dials TCP |addr| with |ctx|.
func DialerFunc(ctx context.Context, addr string) (net.Conn, error) {
	return Dialer.DialContext(ctx, "tcp", addr)
}

// TCPListener enables TCP keep-alives on each accepted connection.
type TCPListener struct {
	*net.TCPListener
	// Period of keep-alive probes. If zero, DefaultPeriod is used.
	Period time.Duration
}

// DefaultPeriod is the keep-alive period of accepted connections.
const DefaultPeriod = 3 * time.Minute

// Accept a connection and enable its keep-alives.
func (ln TCPListener) Accept() (net.Conn, error) {
	var tc, err = ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	var period = ln.Period
	if period == 0 {
		period = DefaultPeriod
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(period)
	return tc, nil
}
