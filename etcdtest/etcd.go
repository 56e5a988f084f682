// Package etcdtest provides tests with a client of an Etcd server. The server
// is either launched for the test binary, or is an existing server named by
// $ETCDTEST_ENDPOINT. Either way, the client is namespaced to a prefix unique
// to the test binary, so concurrent test runs may share a server.
package etcdtest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"
)

// EndpointEnv names an existing Etcd endpoint to test against.
const EndpointEnv = "ETCDTEST_ENDPOINT"

var (
	_cmd    *exec.Cmd
	_client *clientv3.Client
)

// TestClient returns the namespaced test client. It fails if keys remain
// from a prior test which didn't call Cleanup.
func TestClient() *clientv3.Client {
	var resp, err = _client.Get(context.Background(), "", clientv3.WithPrefix(), clientv3.WithLimit(5))
	if err != nil {
		log.WithField("err", err).Fatal("failed to read test keyspace")
	} else if len(resp.Kvs) != 0 {
		log.WithField("kvs", resp.Kvs).Fatal("etcd not empty; did a previous test not clean up?")
	}
	return _client
}

// Cleanup removes all keys of the test namespace. Tests using TestClient
// defer it.
func Cleanup() {
	if _, err := _client.Delete(context.Background(), "", clientv3.WithPrefix()); err != nil {
		log.WithField("err", err).Fatal("failed to clean up test keyspace")
	}
}

// TestMainWithEtcd runs the tests of |m| with an Etcd server. Call it from
// the TestMain of a package:
//
//	func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
func TestMainWithEtcd(m *testing.M) {
	var endpoint = os.Getenv(EndpointEnv)
	var stop = func() {}

	if endpoint == "" {
		endpoint, stop = launch()
	}
	os.Exit(func() int {
		defer stop()

		var raw, err = clientv3.New(clientv3.Config{
			Endpoints:   []string{endpoint},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.WithFields(log.Fields{"endpoint": endpoint, "err": err}).Fatal("failed to build client")
		}
		defer raw.Close()

		if err = awaitReady(raw, endpoint, 10*time.Second); err != nil {
			log.WithFields(log.Fields{"endpoint": endpoint, "err": err}).Fatal("etcd is not ready")
		}
		var prefix = fmt.Sprintf("/etcdtest/%d/", os.Getpid())
		raw.KV = namespace.NewKV(raw.KV, prefix)
		raw.Watcher = namespace.NewWatcher(raw.Watcher, prefix)
		raw.Lease = namespace.NewLease(raw.Lease, prefix)
		_client = raw

		defer Cleanup()
		_ = TestClient()

		return m.Run()
	}())
}

// launch an `etcd` process listening on a unix socket of a temporary
// directory, returning its client endpoint and a function which stops it.
func launch() (string, func()) {
	var dir, err = os.MkdirTemp("", "etcdtest")
	if err != nil {
		log.WithField("err", err).Fatal("failed to create etcd directory")
	}
	_cmd = exec.Command("etcd",
		"--data-dir", filepath.Join(dir, "data"),
		"--listen-peer-urls", "unix://peer.sock:0",
		"--listen-client-urls", "unix://client.sock:0",
		"--advertise-client-urls", "unix://client.sock:0",
	)
	_cmd.Dir = dir
	_cmd.Env = append([]string{"ETCD_LOG_LEVEL=error", "ETCD_LOGGER=zap"}, os.Environ()...)
	_cmd.Stdout, _cmd.Stderr = os.Stdout, os.Stderr
	_cmd.SysProcAttr = getSysProcAttr()

	log.WithField("args", _cmd.Args).Info("starting etcd")
	if err = _cmd.Start(); err != nil {
		log.WithField("err", err).Fatal("failed to start etcd")
	}

	return "unix://" + dir + "/client.sock:0", func() {
		if err := _cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.WithField("err", err).Error("failed to TERM etcd")
		}
		_ = _cmd.Wait()

		if err := os.RemoveAll(dir); err != nil {
			log.WithFields(log.Fields{"dir": dir, "err": err}).Error("failed to remove etcd directory")
		}
	}
}

// awaitReady polls the endpoint's Status until it answers or |timeout| elapses.
func awaitReady(client *clientv3.Client, endpoint string, timeout time.Duration) error {
	var deadline = time.Now().Add(timeout)

	for {
		var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
		var _, err = client.Status(ctx, endpoint)
		cancel()

		if err == nil || time.Now().After(deadline) {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
}
