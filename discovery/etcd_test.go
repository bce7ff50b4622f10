package discovery

import (
	"testing"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

func TestDecodeEntry(t *testing.T) {
	id, addr, err := decodeEntry(DefaultPrefix, &mvccpb.KeyValue{
		Key:   []byte(memberKey(DefaultPrefix, "m1")),
		Value: []byte("10.0.0.5:7946"),
	})
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if id != "m1" || addr != transport.NewAddress("10.0.0.5", 7946) {
		t.Fatalf("decodeEntry = (%q, %v)", id, addr)
	}

	for _, kv := range []*mvccpb.KeyValue{
		{Key: []byte("/other/m1"), Value: []byte("10.0.0.5:7946")},
		{Key: []byte(DefaultPrefix), Value: []byte("10.0.0.5:7946")},
		{Key: []byte(DefaultPrefix + "m1"), Value: []byte("no-port")},
	} {
		if _, _, err := decodeEntry(DefaultPrefix, kv); err == nil {
			t.Fatalf("decodeEntry(%s=%s) accepted a bad entry", kv.Key, kv.Value)
		}
	}
}

func TestChangeFromEvent(t *testing.T) {
	put := &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{
		Key:   []byte(DefaultPrefix + "m2"),
		Value: []byte("host:1"),
	}}
	change, ok := changeFromEvent(DefaultPrefix, put)
	if !ok || change.Deleted || change.ID != "m2" || change.Address != transport.NewAddress("host", 1) {
		t.Fatalf("put change = (%+v, %v)", change, ok)
	}

	del := &clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte(DefaultPrefix + "m2")}}
	change, ok = changeFromEvent(DefaultPrefix, del)
	if !ok || !change.Deleted || change.ID != "m2" {
		t.Fatalf("delete change = (%+v, %v)", change, ok)
	}

	bad := &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(DefaultPrefix + "m3"), Value: []byte("x")}}
	if _, ok := changeFromEvent(DefaultPrefix, bad); ok {
		t.Fatal("malformed put produced a change")
	}
}
