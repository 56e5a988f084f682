package distribution

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.gazette.dev/mqgate/fleet"
	"go.gazette.dev/mqgate/transport"
)

// NewDialer returns a Dialer which dials the broker's endpoint of the Codec's
// protocol using |dial|, bounded by |timeout|, and wraps the connection in a
// transport.ConnTransport.
func NewDialer(codec transport.Codec, timeout time.Duration,
	dial func(ctx context.Context, addr string) (net.Conn, error)) Dialer {

	return func(b *fleet.BrokerView, listener transport.Listener) (transport.Transport, error) {
		var addr, ok = b.Endpoint(codec.Name())
		if !ok {
			return nil, errors.Errorf("broker %s has no %s endpoint", b.ID(), codec.Name())
		}
		var ctx, cancel = context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var conn, err = dial(ctx, addr)
		if err != nil {
			return nil, errors.WithMessagef(err, "dialing broker %s (%s)", b.ID(), addr)
		}
		return transport.NewConnTransport(conn, codec, listener), nil
	}
}
