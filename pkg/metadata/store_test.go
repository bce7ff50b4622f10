package metadata

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport/memnet"
)

func newStores(t *testing.T, initial ...[]byte) []*Store {
	t.Helper()
	network := memnet.NewNetwork()
	cfg := cluster.DefaultLocalConfig()
	cfg.MetadataTimeout = 200 * time.Millisecond

	stores := make([]*Store, len(initial))
	for i, b := range initial {
		tr := network.BindAuto()
		m := cluster.NewMember(tr.Address())
		stores[i] = NewStore(m, tr, cfg, cluster.NewCorrelationIDGenerator(m.ID), b, zaptest.NewLogger(t))
		stores[i].Start()
		t.Cleanup(func() {
			stores[i].Stop()
			_ = tr.Stop(context.Background())
		})
	}
	return stores
}

func TestFetchRemoteMetadata(t *testing.T) {
	stores := newStores(t, []byte(`{"role":"a"}`), []byte(`{"role":"b"}`))
	a, b := stores[0], stores[1]

	got, err := a.Fetch(context.Background(), b.local)
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"b"}`, string(got))

	_, cached := a.MemberMetadata(b.local)
	assert.False(t, cached, "Fetch must not populate the cache")
}

func TestFetchForWrongMemberTimesOut(t *testing.T) {
	stores := newStores(t, nil, nil)
	a, b := stores[0], stores[1]

	ghost := cluster.Member{ID: "ghost", Address: b.local.Address}
	_, err := a.Fetch(context.Background(), ghost)
	require.Error(t, err)
}

func TestFetchEmptyMetadata(t *testing.T) {
	stores := newStores(t, nil, nil)
	got, err := stores[0].Fetch(context.Background(), stores[1].local)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestUpdateNotifiesOnChangeOnly(t *testing.T) {
	stores := newStores(t, []byte(`{}`))
	s := stores[0]

	changes, cancel := s.Changes()
	defer cancel()

	s.Update([]byte(`{}`))
	s.Update([]byte(`{"k":"v"}`))

	select {
	case b := <-changes:
		assert.JSONEq(t, `{"k":"v"}`, string(b))
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
	select {
	case b := <-changes:
		t.Fatalf("unexpected notification %s", b)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPropertyMutations(t *testing.T) {
	stores := newStores(t, []byte(`{"zone":"eu"}`))
	s := stores[0]

	require.NoError(t, s.SetProperty("rack", "r1"))
	props, err := PropertiesCodec.Decode(s.Metadata())
	require.NoError(t, err)
	assert.Equal(t, Properties{"zone": "eu", "rack": "r1"}, props)

	require.NoError(t, s.RemoveProperty("zone"))
	props, err = PropertiesCodec.Decode(s.Metadata())
	require.NoError(t, err)
	assert.Equal(t, Properties{"rack": "r1"}, props)
}

func TestSetPropertyOnOpaqueMetadata(t *testing.T) {
	stores := newStores(t, []byte("not json"))
	s := stores[0]

	require.NoError(t, s.SetProperty("k", "v"))
	props, err := PropertiesCodec.Decode(s.Metadata())
	require.NoError(t, err)
	assert.Equal(t, Properties{"k": "v"}, props)
}

func TestConcurrentPropertyEditsKeepEveryKey(t *testing.T) {
	stores := newStores(t, []byte(`{}`))
	s := stores[0]

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.SetProperty(fmt.Sprintf("k%d", i), "v"))
		}()
	}
	wg.Wait()

	props, err := PropertiesCodec.Decode(s.Metadata())
	require.NoError(t, err)
	assert.Len(t, props, writers)

	for i := 0; i < writers; i += 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.RemoveProperty(fmt.Sprintf("k%d", i)))
		}()
	}
	wg.Wait()

	props, err = PropertiesCodec.Decode(s.Metadata())
	require.NoError(t, err)
	assert.Len(t, props, writers/2)
	for k := range props {
		var n int
		_, err := fmt.Sscanf(k, "k%d", &n)
		require.NoError(t, err)
		assert.Equal(t, 1, n%2, "key %s should have been removed", k)
	}
}

func TestSlowRequesterDoesNotDelayOthers(t *testing.T) {
	network := memnet.NewNetwork()
	cfg := cluster.DefaultLocalConfig()
	cfg.MetadataTimeout = 200 * time.Millisecond

	serverTr := network.BindAuto()
	server := cluster.NewMember(serverTr.Address())
	slowTr := network.BindAuto()
	slow := cluster.NewMember(slowTr.Address())
	fastTr := network.BindAuto()
	fast := cluster.NewMember(fastTr.Address())

	owner := NewStore(server, stallTo{Transport: serverTr, addr: slow.Address}, cfg, cluster.NewCorrelationIDGenerator(server.ID), []byte("v"), zaptest.NewLogger(t))
	owner.Start()
	slowStore := NewStore(slow, slowTr, cfg, cluster.NewCorrelationIDGenerator(slow.ID), nil, zaptest.NewLogger(t))
	fastStore := NewStore(fast, fastTr, cfg, cluster.NewCorrelationIDGenerator(fast.ID), nil, zaptest.NewLogger(t))
	t.Cleanup(func() {
		owner.Stop()
		for _, tr := range []*memnet.Transport{serverTr, slowTr, fastTr} {
			_ = tr.Stop(context.Background())
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = slowStore.Fetch(context.Background(), server)
		}()
	}
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	got, err := fastStore.Fetch(context.Background(), server)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	wg.Wait()
}

func TestRememberAndForget(t *testing.T) {
	stores := newStores(t, []byte("self"))
	s := stores[0]
	peer := cluster.Member{ID: "peer"}

	s.Remember(peer, []byte("p"))
	got, ok := s.MemberMetadata(peer)
	require.True(t, ok)
	assert.Equal(t, []byte("p"), got)

	old, ok := s.Forget(peer)
	require.True(t, ok)
	assert.Equal(t, []byte("p"), old)
	_, ok = s.MemberMetadata(peer)
	assert.False(t, ok)

	self, ok := s.MemberMetadata(s.local)
	require.True(t, ok)
	assert.Equal(t, []byte("self"), self)
}

func TestJSONCodecDecodeFailure(t *testing.T) {
	codec := JSONCodec[Properties]{}
	_, err := codec.Decode(nil)
	assert.Error(t, err)
	_, err = codec.Decode([]byte("{"))
	assert.Error(t, err)
}

// stallTo holds every Send to addr until the caller's context ends.
type stallTo struct {
	transport.Transport
	addr transport.Address
}

func (s stallTo) Send(ctx context.Context, to transport.Address, msg transport.Message) error {
	if to == s.addr {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.Transport.Send(ctx, to, msg)
}
