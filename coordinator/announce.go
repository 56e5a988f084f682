package coordinator

import (
	"context"
	"path"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/mqgate/protocol"
)

// BrokersKey is the Etcd key prefix under which brokers are announced.
func BrokersKey(prefix string) string { return path.Join(prefix, "brokers") + "/" }

// Announcement of a BrokerSpec under a unique Etcd key, having an associated
// lease. The key conveys both the existence and the configuration of the
// broker, and is removed with its lease.
type Announcement struct {
	Key      string
	Revision int64

	etcd *clientv3.Client
}

// AnnounceBroker announces the BrokerSpec under BrokersKey of the prefix.
func AnnounceBroker(ctx context.Context, etcd *clientv3.Client, prefix string, spec protocol.BrokerSpec,
	lease clientv3.LeaseID, retry time.Duration) (*Announcement, error) {

	if err := spec.Validate(); err != nil {
		return nil, errors.WithMessage(err, "spec.Validate")
	}
	return Announce(ctx, etcd, BrokersKey(prefix)+spec.ID, spec.MarshalString(), lease, retry)
}

// Announce a key and value to Etcd under the LeaseID, asserting the key
// doesn't already exist. If the key exists under another lease, Announce
// retries each |retry| interval until it disappears (eg, because its lease
// expired) or |ctx| is done.
func Announce(ctx context.Context, etcd *clientv3.Client, key, value string,
	lease clientv3.LeaseID, retry time.Duration) (*Announcement, error) {

	for {
		var resp, err = etcd.Txn(ctx).
			If(clientv3.Compare(clientv3.Version(key), "=", 0)).
			Then(clientv3.OpPut(key, value, clientv3.WithLease(lease))).
			Else(clientv3.OpGet(key)).
			Commit()

		if err == nil {
			if resp.Succeeded {
				return &Announcement{Key: key, Revision: resp.Header.Revision, etcd: etcd}, nil
			}
			// A key of our own lease is from a prior attempt which succeeded.
			var kv = resp.Responses[0].GetResponseRange().Kvs[0]
			if clientv3.LeaseID(kv.Lease) == lease {
				return &Announcement{Key: key, Revision: kv.ModRevision, etcd: etcd}, nil
			}
			err = errors.Errorf("key exists with a different lease (%x)", kv.Lease)
		}

		log.WithFields(log.Fields{"err": err, "key": key}).
			Warn("failed to announce key (will retry)")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

// Update the value of a current Announcement.
func (a *Announcement) Update(ctx context.Context, value string) error {
	var resp, err = a.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(a.Key), "=", a.Revision)).
		Then(clientv3.OpPut(a.Key, value, clientv3.WithIgnoreLease())).
		Commit()

	if err == nil && !resp.Succeeded {
		err = errors.Errorf("key modified or deleted externally (expected revision %d)", a.Revision)
	}
	if err == nil {
		a.Revision = resp.Header.Revision
	}
	return err
}

// Retract the Announcement, deleting its key.
func (a *Announcement) Retract(ctx context.Context) error {
	var resp, err = a.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(a.Key), "=", a.Revision)).
		Then(clientv3.OpDelete(a.Key)).
		Commit()

	if err == nil && !resp.Succeeded {
		err = errors.Errorf("key modified or deleted externally (expected revision %d)", a.Revision)
	}
	return err
}
