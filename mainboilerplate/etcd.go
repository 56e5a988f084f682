package mainboilerplate

import (
	"context"
	"crypto/tls"
	"net/url"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/client/pkg/v3/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
)

// EtcdConfig configures the gateway's Etcd session.
type EtcdConfig struct {
	Enabled       bool          `long:"enabled" env:"ENABLED" description:"Coordinate with other gateways through Etcd. If false, this gateway alone manages the fleet"`
	Address       string        `long:"address" env:"ADDRESS" default:"http://localhost:2379" description:"Etcd service address endpoint"`
	CertFile      string        `long:"cert-file" env:"CERT_FILE" default:"" description:"Path to the client TLS certificate"`
	CertKeyFile   string        `long:"cert-key-file" env:"CERT_KEY_FILE" default:"" description:"Path to the client TLS private key"`
	TrustedCAFile string        `long:"trusted-ca-file" env:"TRUSTED_CA_FILE" default:"" description:"Path to the trusted CA for client verification of server certificates"`
	LeaseTTL      time.Duration `long:"lease" env:"LEASE_TTL" default:"20s" description:"Time-to-live of Etcd lease"`
	Prefix        string        `long:"prefix" env:"PREFIX" default:"/mqgate" description:"Etcd prefix of the fleet's keys"`
	RetryInterval time.Duration `long:"retry-interval" env:"RETRY_INTERVAL" default:"5s" description:"Interval between retries of failed Etcd watches and announcements"`
}

// MustDial builds an Etcd client connection.
func (c *EtcdConfig) MustDial() *clientv3.Client {
	var addr, err = url.Parse(c.Address)
	Must(err, "failed to parse Etcd address", "address", c.Address)

	var tlsConfig *tls.Config

	switch addr.Scheme {
	case "https":
		tlsConfig, err = transport.TLSInfo{
			CertFile:      c.CertFile,
			KeyFile:       c.CertKeyFile,
			TrustedCAFile: c.TrustedCAFile,
		}.ClientConfig()
		Must(err, "failed to build TLS config")
	case "unix":
		// The Etcd client requires hostname is stripped from unix:// URLs.
		addr.Host = ""
	}

	// Use a blocking dial to build a trial connection to Etcd. If we're actively
	// partitioned or mis-configured this avoids a K8s CrashLoopBackoff, and
	// there's nothing actionable to do anyway aside from wait (or be SIGTERM'd).
	var timer = time.AfterFunc(time.Second, func() {
		log.WithField("addr", addr.String()).Warn("dialing Etcd is taking a while (is network okay?)")
	})
	trialEtcd, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{addr.String()},
		DialOptions: []grpc.DialOption{grpc.WithBlock()},
		TLS:         tlsConfig,
	})
	Must(err, "failed to build trial Etcd client")

	_ = trialEtcd.Close()
	timer.Stop()

	// Build our actual |etcd| connection, with much tighter timeout bounds.
	etcd, err := clientv3.New(clientv3.Config{
		Endpoints: []string{addr.String()},
		// Automatically and periodically sync the set of Etcd servers.
		// If a network split occurs, this allows for attempting different
		// members until a connectable one is found on our "side" of the network
		// partition.
		AutoSyncInterval: time.Minute,
		// Use aggressive timeouts to quickly cycle through member endpoints,
		// prior to our lease TTL expiring.
		DialTimeout:          c.LeaseTTL / 20,
		DialKeepAliveTime:    c.LeaseTTL / 4,
		DialKeepAliveTimeout: c.LeaseTTL / 4,
		// Require a reasonably recent server cluster.
		RejectOldCluster: true,
		TLS:              tlsConfig,
		DialOptions: []grpc.DialOption{
			grpc.WithChainUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
			grpc.WithChainStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
		},
	})
	Must(err, "failed to build Etcd client")

	Must(etcd.Sync(context.Background()), "initial Etcd endpoint sync failed")
	return etcd
}
