// Package discovery registers cluster members in etcd and reads them back
// as seeds, so that nodes can bootstrap without a static seed list.
package discovery

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

const DefaultPrefix = "/zephyr/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect to etcd %v", endpoints)
	}
	return cli, nil
}

// SeedChange is one registration or deregistration seen by WatchSeeds.
type SeedChange struct {
	ID      string
	Address transport.Address
	Deleted bool
}

func memberKey(prefix, id string) string {
	return prefix + id
}

// RegisterNode stores m under prefix with a lease of ttl seconds and keeps
// the lease alive until ctx ends. The returned release func revokes the
// lease so the entry disappears at once.
func RegisterNode(ctx context.Context, cli *clientv3.Client, prefix string, m cluster.Member, ttl int64, log *zap.Logger) (func(context.Context) error, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return nil, errors.Wrap(err, "grant lease")
	}
	if _, err := cli.Put(ctx, memberKey(prefix, m.ID), m.Address.String(), clientv3.WithLease(lease.ID)); err != nil {
		return nil, errors.Wrapf(err, "register %s", m)
	}
	alive, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return nil, errors.Wrap(err, "keep lease alive")
	}
	go func() {
		for range alive {
		}
		if ctx.Err() == nil {
			log.Warn("etcd lease keepalive ended", zap.Int64("lease", int64(lease.ID)))
		}
	}()

	return func(ctx context.Context) error {
		_, err := cli.Revoke(ctx, lease.ID)
		return errors.Wrap(err, "revoke lease")
	}, nil
}

// Seeds lists every member registered under prefix and the store revision
// the listing was taken at.
func Seeds(ctx context.Context, cli *clientv3.Client, prefix string) (map[string]transport.Address, int64, error) {
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, errors.Wrap(err, "list seeds")
	}
	out := make(map[string]transport.Address, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id, addr, err := decodeEntry(prefix, kv)
		if err != nil {
			continue
		}
		out[id] = addr
	}
	return out, resp.Header.Revision, nil
}

// WatchSeeds calls fn for every registration change under prefix after
// revision rev, until ctx ends.
func WatchSeeds(ctx context.Context, cli *clientv3.Client, prefix string, rev int64, fn func(SeedChange), log *zap.Logger) {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	for wresp := range cli.Watch(ctx, prefix, opts...) {
		if err := wresp.Err(); err != nil {
			log.Warn("etcd watch", zap.Error(err))
			continue
		}
		for _, ev := range wresp.Events {
			if change, ok := changeFromEvent(prefix, ev); ok {
				fn(change)
			}
		}
	}
}

func changeFromEvent(prefix string, ev *clientv3.Event) (SeedChange, bool) {
	switch ev.Type {
	case mvccpb.PUT:
		id, addr, err := decodeEntry(prefix, ev.Kv)
		if err != nil {
			return SeedChange{}, false
		}
		return SeedChange{ID: id, Address: addr}, true
	case mvccpb.DELETE:
		id := strings.TrimPrefix(string(ev.Kv.Key), prefix)
		if id == "" {
			return SeedChange{}, false
		}
		return SeedChange{ID: id, Deleted: true}, true
	default:
		return SeedChange{}, false
	}
}

func decodeEntry(prefix string, kv *mvccpb.KeyValue) (string, transport.Address, error) {
	id := strings.TrimPrefix(string(kv.Key), prefix)
	if id == "" || id == string(kv.Key) {
		return "", transport.Address{}, errors.Newf("key %q outside prefix %q", kv.Key, prefix)
	}
	addr, err := transport.ParseAddress(string(kv.Value))
	if err != nil {
		return "", transport.Address{}, err
	}
	return id, addr, nil
}
