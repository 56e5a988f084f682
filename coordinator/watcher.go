package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/mqgate/protocol"
)

// FleetWatcher loads and then watches brokers announced under a prefix,
// notifying a Coordinator of each broker created, updated, or deleted.
type FleetWatcher struct {
	etcd  *clientv3.Client
	key   string
	coord Coordinator
	retry time.Duration

	// Specs of announced brokers, keyed on Etcd key.
	specs map[string]protocol.BrokerSpec
}

// NewFleetWatcher returns a FleetWatcher of brokers announced under BrokersKey
// of |prefix|. A watch which fails because its Etcd member lost its leader is
// retried after |retry|.
func NewFleetWatcher(etcd *clientv3.Client, prefix string, coord Coordinator, retry time.Duration) *FleetWatcher {
	return &FleetWatcher{
		etcd:  etcd,
		key:   BrokersKey(prefix),
		coord: coord,
		retry: retry,
		specs: make(map[string]protocol.BrokerSpec),
	}
}

// Load current brokers, notifying of each, and return the Etcd revision
// of the load.
func (w *FleetWatcher) Load(ctx context.Context) (int64, error) {
	var resp, err = w.etcd.Get(ctx, w.key, clientv3.WithPrefix())
	if err != nil {
		return 0, errors.WithMessage(err, "loading brokers")
	}
	for _, kv := range resp.Kvs {
		w.onPut(kv, true)
	}
	return resp.Header.Revision, nil
}

// Serve loads brokers and then watches for changes until |ctx| is done.
func (w *FleetWatcher) Serve(ctx context.Context) error {
	var rev, err = w.Load(ctx)
	if err != nil {
		return err
	}
	return w.Watch(ctx, rev+1)
}

// Watch for broker changes from revision |rev| until |ctx| is done.
func (w *FleetWatcher) Watch(ctx context.Context, rev int64) error {
	var watchCh clientv3.WatchChan

	for {
		if watchCh == nil {
			watchCh = w.etcd.Watch(clientv3.WithRequireLeader(ctx), w.key,
				clientv3.WithPrefix(),
				clientv3.WithPrevKV(),
				clientv3.WithProgressNotify(),
				clientv3.WithRev(rev),
			)
		}

		var resp, ok = <-watchCh
		if !ok {
			return ctx.Err() // Watch contract implies the context is cancelled.
		} else if err := resp.Err(); err == rpctypes.ErrNoLeader {
			watchCh = nil

			log.WithField("err", err).Warn("broker watch failed (will retry)")

			select {
			case <-time.After(w.retry):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		} else if err != nil {
			return errors.WithMessage(err, "watching brokers")
		}

		for _, ev := range resp.Events {
			switch ev.Type {
			case mvccpb.PUT:
				w.onPut(ev.Kv, ev.IsCreate())
			case mvccpb.DELETE:
				w.onDelete(ev.Kv, ev.PrevKv)
			}
		}
		rev = resp.Header.Revision + 1
	}
}

func (w *FleetWatcher) onPut(kv *mvccpb.KeyValue, created bool) {
	var spec, err = protocol.UnmarshalBrokerSpec(kv.Value)
	if err != nil {
		log.WithFields(log.Fields{"key": string(kv.Key), "err": err}).
			Error("failed to decode announced broker")
		return
	}
	var key = string(kv.Key)
	if id := strings.TrimPrefix(key, w.key); id != spec.ID {
		log.WithFields(log.Fields{"key": key, "id": spec.ID}).
			Error("announced broker ID doesn't match its key")
		return
	}

	var _, known = w.specs[key]
	w.specs[key] = *spec

	if created || !known {
		w.coord.CreateBroker(*spec)
	} else {
		w.coord.UpdateBroker(*spec)
	}
}

func (w *FleetWatcher) onDelete(kv, prev *mvccpb.KeyValue) {
	var key = string(kv.Key)
	var spec, known = w.specs[key]
	delete(w.specs, key)

	if !known && prev != nil {
		if s, err := protocol.UnmarshalBrokerSpec(prev.Value); err == nil {
			spec, known = *s, true
		}
	}
	if !known {
		spec = protocol.BrokerSpec{ID: strings.TrimPrefix(key, w.key)}
	}
	w.coord.DeleteBroker(spec)
}
