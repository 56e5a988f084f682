package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/mqgate/coordinator"
	"go.gazette.dev/mqgate/gateway"
	mbp "go.gazette.dev/mqgate/mainboilerplate"
	"go.gazette.dev/mqgate/migration"
	"go.gazette.dev/mqgate/protocol"
	"go.gazette.dev/mqgate/scaling"
	"go.gazette.dev/mqgate/server"
	"go.gazette.dev/mqgate/sniffer"
	"go.gazette.dev/mqgate/stats"
	"go.gazette.dev/mqgate/task"
	corev1 "k8s.io/api/core/v1"
)

const iniFilename = "mqgate.ini"

// Config is the top-level configuration object of an mqgate gateway.
var Config = new(struct {
	Gateway struct {
		mbp.ServiceConfig
		gateway.Config
	} `group:"Gateway" namespace:"gateway" env-namespace:"GATEWAY"`

	Etcd mbp.EtcdConfig `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`

	Brokers struct {
		Spec []string `long:"spec" env:"SPEC" env-delim:"," description:"Path to a YAML BrokerSpec of a static fleet broker. May be repeated"`
	} `group:"Brokers" namespace:"brokers" env-namespace:"BROKERS"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type serveGateway struct{}

func (serveGateway) Execute(args []string) error {
	var cfg = &Config.Gateway
	cfg.Resolve()
	mbp.InitLog(Config.Log, cfg.ID)

	log.WithField("config", Config).Info("starting gateway")

	var etcd *clientv3.Client
	var coord coordinator.Coordinator = new(coordinator.NoopCoordinator)

	if Config.Etcd.Enabled {
		etcd = Config.Etcd.MustDial()

		var ec, err = coordinator.NewEtcdCoordinator(etcd, Config.Etcd.Prefix, Config.Etcd.LeaseTTL)
		mbp.Must(err, "building Etcd coordinator")
		coord = ec
	}

	var gw = gateway.New(cfg.Config, coord)
	var snf = sniffer.Default()

	var _, err = coordinator.CreateStaticBrokers(coord, Config.Brokers.Spec...)
	mbp.Must(err, "creating static brokers")

	if !Config.Etcd.Enabled && len(Config.Brokers.Spec) == 0 {
		log.Warn("neither Etcd nor static brokers are configured; the gateway has no fleet source")
	}

	srv, err := server.New("", cfg.Port, snf, server.Config{
		MaxConnections: cfg.MaxConnections,
		SniffTimeout:   cfg.Inactivity.ConnectTimeout,
	})
	mbp.Must(err, "building Server instance")

	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics, srv.HTTPMux, gw.IsReady)()
	srv.HTTPMux.Handle("/", gw.HTTPHandler())

	log.WithFields(log.Fields{
		"id":   cfg.ID,
		"zone": cfg.Zone,
		"addr": cfg.AdvertisedAddr(srv.Addr()),
	}).Info("serving client protocols")

	var tasks = task.NewGroup(context.Background())
	srv.QueueTasks(tasks)
	gw.QueueTasks(tasks, snf, srv.Listeners)

	var poller = stats.NewPoller(gw.Model(), stats.NewJolokiaSource(nil, cfg.Stats), cfg.Stats)
	tasks.QueueService("stats.Poller.Serve", poller.Serve)

	var listeners = []scaling.EventListener{scaling.LogEventListener{}}
	var engine = scaling.NewEngine(coord, cfg.Scaling,
		&scaling.ScaleUpRule{Model: gw.Model(), Listeners: listeners},
		&scaling.ScaleDownRule{Model: gw.Model(), Listeners: listeners},
		&scaling.DistributeLoadRule{
			Model:     gw.Model(),
			Store:     migration.AMQPStore{Dial: amqp.Dial},
			Migration: cfg.Migration,
			Threshold: cfg.Scaling.DistributeThreshold,
			Listeners: listeners,
		},
	)
	tasks.QueueService("scaling.Engine.Serve", engine.Serve)

	if ec, ok := coord.(*coordinator.EtcdCoordinator); ok {
		var watcher = coordinator.NewFleetWatcher(etcd, Config.Etcd.Prefix, coord, Config.Etcd.RetryInterval)

		tasks.QueueService("coordinator.FleetWatcher.Serve", watcher.Serve)
		// Loss of the coordinator session is fatal to the gateway.
		tasks.Queue("coordinator.Session", func() error {
			select {
			case <-ec.Done():
				return coordinator.ErrSessionLost
			case <-tasks.Context().Done():
				return ec.Close()
			}
		})
	}

	tasks.QueueSignalHandler(syscall.SIGTERM, syscall.SIGINT)
	tasks.GoRun()

	// Block until all tasks complete. Assert none returned an error.
	mbp.Must(tasks.Wait(), "gateway task failed")
	log.Info("goodbye")

	return nil
}

type announceBroker struct {
	Spec string `long:"spec" description:"Path to a YAML BrokerSpec to announce"`
	Pod  string `long:"pod" description:"Path to a JSON Kubernetes Pod (as from 'kubectl get pod -o json') of the broker to announce"`
}

func (cmd announceBroker) Execute(args []string) error {
	mbp.InitLog(Config.Log, "")

	var spec, err = cmd.loadSpec()
	mbp.Must(err, "loading broker spec")

	var etcd = Config.Etcd.MustDial()
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	grant, err := etcd.Grant(ctx, int64(Config.Etcd.LeaseTTL.Seconds()))
	mbp.Must(err, "granting Etcd lease")

	keepAlive, err := etcd.KeepAlive(ctx, grant.ID)
	mbp.Must(err, "starting lease keep-alive")

	announcement, err := coordinator.AnnounceBroker(ctx, etcd, Config.Etcd.Prefix, spec,
		grant.ID, Config.Etcd.RetryInterval)
	mbp.Must(err, "announcing broker")

	log.WithFields(log.Fields{"key": announcement.Key, "lease": grant.ID}).
		Info("announced broker (retracted upon signal)")

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	for done := false; !done; {
		select {
		case <-signalCh:
			done = true
		case _, ok := <-keepAlive:
			if !ok {
				return errors.New("lease keep-alive failed")
			}
		}
	}
	mbp.Must(announcement.Retract(ctx), "retracting broker")
	_, err = etcd.Revoke(ctx, grant.ID)
	return err
}

func (cmd announceBroker) loadSpec() (protocol.BrokerSpec, error) {
	switch {
	case cmd.Spec != "":
		var b, err = os.ReadFile(cmd.Spec)
		if err != nil {
			return protocol.BrokerSpec{}, err
		}
		spec, err := protocol.UnmarshalBrokerSpec(b)
		if err != nil {
			return protocol.BrokerSpec{}, err
		}
		return *spec, nil

	case cmd.Pod != "":
		var b, err = os.ReadFile(cmd.Pod)
		if err != nil {
			return protocol.BrokerSpec{}, err
		}
		var pod corev1.Pod
		if err = json.Unmarshal(b, &pod); err != nil {
			return protocol.BrokerSpec{}, errors.WithMessage(err, "decoding pod")
		}
		return coordinator.BrokerSpecFromPod(&pod)

	default:
		return protocol.BrokerSpec{}, errors.New("expected one of --spec or --pod")
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as mqgate gateway", `
Serve an mqgate gateway with the provided configuration, until signaled to
exit (via SIGTERM). Client connections are accepted on a single port, sniffed
for their protocol, and routed to the broker fleet.
`, &serveGateway{})

	_, _ = parser.AddCommand("announce", "Announce a broker to the fleet", `
Announce a broker to gateways of the fleet, by writing its BrokerSpec to Etcd
under a lease. The broker is retracted upon SIGTERM, or when the lease is lost.
`, &announceBroker{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
