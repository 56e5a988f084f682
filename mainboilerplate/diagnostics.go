// Package mainboilerplate contains shared boilerplate of mqgate programs: flag
// and INI configuration, logging, Etcd dialing, and diagnostics. The idea is
// to provide a selection of narrowly scoped functions so callers do not have
// to buy-in to an all-or-nothing approach.
package mainboilerplate

import (
	_ "expvar" // Import for /debug/vars
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/mqgate/metrics"
)

// Version and BuildDate are populated at build time, via -ldflags -X.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Metrics bool `long:"metrics" env:"METRICS" description:"Serve Prometheus metrics at /debug/metrics"`
}

// InitDiagnosticsAndRecover registers mqgate collectors and serves metrics and
// a readiness check on |mux|. It returns a closure which should be deferred,
// which recovers a panic and attempts to log a K8s termination message.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig, mux *http.ServeMux, ready func() bool) func() {
	// Package "net/http/pprof" serves /debug/pprof/ on http.DefaultServeMux.
	// Package "expvar" serves /debug/vars on http.DefaultServeMux.
	if mux != http.DefaultServeMux {
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
		mux.Handle("/debug/vars", http.DefaultServeMux)
	}

	mux.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if cfg.Metrics {
		// Etcd client RPCs are instrumented by interceptors of EtcdConfig.MustDial.
		var collectors = append(metrics.GatewayCollectors(), grpc_prometheus.DefaultClientMetrics)

		for _, c := range collectors {
			if err := prometheus.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					Must(err, "failed to register collector")
				}
			}
		}
		mux.Handle("/debug/metrics", promhttp.Handler())
	}

	return func() {
		if r := recover(); r != nil {
			// Make a best effort attempt to write a termination message.
			// Bug: https://github.com/kubernetes/kubernetes/issues/31839
			if f, err := os.OpenFile(k8sTerminationLog, os.O_WRONLY, 0777); err == nil {
				fmt.Fprintf(f, "%+v", r)
				f.Close()
			}
			panic(r)
		}
	}
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}

const (
	// k8sTerminationLog is the location to write a termination message for
	// Kubernetes to retrieve.
	//
	// Link: https://kubernetes.io/docs/tasks/debug-application-cluster/determine-reason-pod-failure/#setting-the-termination-log-file
	k8sTerminationLog = "/dev/termination-log"
)
