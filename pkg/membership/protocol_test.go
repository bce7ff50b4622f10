package membership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrcluster/internal/pubsub"
	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/fdetector"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport/memnet"
)

type fakeFD struct{ hub *pubsub.Hub[fdetector.Event] }

func (f *fakeFD) Start(cluster.MemberSource) {}

func (f *fakeFD) Stop() {
	f.hub.Close()
}

func (f *fakeFD) Listen() (<-chan fdetector.Event, func()) {
	return f.hub.Subscribe()
}

func (f *fakeFD) report(m cluster.Member, inc uint64, s cluster.Status) {
	f.hub.Publish(fdetector.Event{Member: m, Incarnation: inc, Status: s})
}

type fakeGossiper struct {
	hub    *pubsub.Hub[transport.Message]
	mu     sync.Mutex
	spread []cluster.Record
}

func (g *fakeGossiper) Start(cluster.MemberSource) {}

func (g *fakeGossiper) Stop() {
	g.hub.Close()
}

func (g *fakeGossiper) Listen() (<-chan transport.Message, func()) {
	return g.hub.Subscribe()
}

func (g *fakeGossiper) SpreadGossip(msg transport.Message) (string, error) {
	var r cluster.Record
	if err := msg.Decode(&r); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.spread = append(g.spread, r)
	return "id", nil
}

func (g *fakeGossiper) spreadRecords() []cluster.Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]cluster.Record(nil), g.spread...)
}

func (g *fakeGossiper) deliver(t *testing.T, r cluster.Record) {
	msg, err := transport.NewMessage(QualifierGossip, "", r)
	require.NoError(t, err)
	g.hub.Publish(msg)
}

type fakeMeta struct {
	mu      sync.Mutex
	local   []byte
	remote  map[string][]byte
	cache   map[string][]byte
	changes *pubsub.Hub[[]byte]
}

func (m *fakeMeta) Metadata() []byte {
	return m.local
}

func (m *fakeMeta) Changes() (<-chan []byte, func()) {
	return m.changes.Subscribe()
}

func (m *fakeMeta) MemberMetadata(mb cluster.Member) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.cache[mb.ID]
	return b, ok
}

func (m *fakeMeta) Remember(mb cluster.Member, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[mb.ID] = b
}

func (m *fakeMeta) Forget(mb cluster.Member) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.cache[mb.ID]
	delete(m.cache, mb.ID)
	return b, ok
}

func (m *fakeMeta) Fetch(_ context.Context, mb cluster.Member) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.remote[mb.ID]
	if !ok {
		return nil, errors.Newf("%s unreachable", mb)
	}
	return b, nil
}

func (m *fakeMeta) serve(id string, b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote[id] = b
}

type harness struct {
	net    *memnet.Network
	p      *Protocol
	fd     *fakeFD
	gossip *fakeGossiper
	meta   *fakeMeta
	events <-chan cluster.Event
}

func unitConfig() cluster.Config {
	cfg := cluster.DefaultLocalConfig()
	cfg.SyncInterval = time.Hour
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 10 * time.Millisecond
	cfg.SuspicionMult = 10
	cfg.DeadMemberGracePeriod = time.Hour
	return cfg
}

func newHarness(t *testing.T, cfg cluster.Config) *harness {
	t.Helper()
	network := memnet.NewNetwork()
	tr := network.BindAuto()
	local := cluster.NewMember(tr.Address())
	h := &harness{
		net:    network,
		fd:     &fakeFD{hub: pubsub.NewHub[fdetector.Event]()},
		gossip: &fakeGossiper{hub: pubsub.NewHub[transport.Message]()},
		meta: &fakeMeta{
			local:   []byte("local"),
			remote:  map[string][]byte{},
			cache:   map[string][]byte{},
			changes: pubsub.NewHub[[]byte](),
		},
	}
	h.p = New(local, cfg, tr, h.fd, h.gossip, h.meta, cluster.NewCorrelationIDGenerator(local.ID), zaptest.NewLogger(t))
	events, cancel := h.p.Listen()
	h.events = events
	require.NoError(t, h.p.Start(context.Background()))
	t.Cleanup(func() {
		cancel()
		h.p.Stop()
		_ = tr.Stop(context.Background())
	})
	return h
}

// onLoop runs f on the protocol loop and waits for it.
func (h *harness) onLoop(t *testing.T, f func()) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, h.p.submit(func() {
		defer close(done)
		f()
		h.p.flush()
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not run")
	}
}

func (h *harness) merge(t *testing.T, r cluster.Record, why reason) {
	h.onLoop(t, func() { h.p.updateMembership(r, why) })
}

func (h *harness) nextEvent(t *testing.T) cluster.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no membership event")
		return cluster.Event{}
	}
}

func (h *harness) noEvent(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(d):
	}
}

func (h *harness) waitRecord(t *testing.T, id string, match func(cluster.Record) bool) cluster.Record {
	t.Helper()
	var got cluster.Record
	require.Eventually(t, func() bool {
		r, ok := h.p.Record(id)
		got = r
		return ok && match(r)
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func peer(id string, port int) cluster.Member {
	return cluster.Member{ID: id, Address: transport.NewAddress("10.0.0.1", port)}
}

func record(m cluster.Member, inc uint64, s cluster.Status) cluster.Record {
	return cluster.Record{Member: m, Incarnation: inc, Status: s}
}

func (h *harness) addPeer(t *testing.T, m cluster.Member, inc uint64, meta string) {
	t.Helper()
	h.meta.serve(m.ID, []byte(meta))
	h.merge(t, record(m, inc, cluster.Alive), reasonGossip)
	ev := h.nextEvent(t)
	require.True(t, ev.IsAdded(), "got %s", ev)
	require.Equal(t, m, ev.Member)
}

func TestNewMemberIsAddedWithMetadata(t *testing.T) {
	h := newHarness(t, unitConfig())
	x := peer("x", 1)
	h.meta.serve("x", []byte("meta-x"))

	h.gossip.deliver(t, record(x, 0, cluster.Alive))

	ev := h.nextEvent(t)
	assert.True(t, ev.IsAdded())
	assert.Equal(t, x, ev.Member)
	assert.Equal(t, []byte("meta-x"), ev.NewMetadata)

	r, ok := h.p.Record("x")
	require.True(t, ok)
	assert.True(t, r.IsAlive())
	assert.ElementsMatch(t, []cluster.Member{h.p.LocalMember(), x}, h.p.Members())
	assert.Equal(t, []cluster.Member{x}, h.p.OtherMembers())
}

func TestMemberWithoutMetadataIsNotAdmitted(t *testing.T) {
	h := newHarness(t, unitConfig())
	x := peer("x", 1)

	h.merge(t, record(x, 0, cluster.Alive), reasonSync)

	h.noEvent(t, 100*time.Millisecond)
	_, ok := h.p.Record("x")
	assert.False(t, ok)
}

func TestStaleRecordsAreIgnored(t *testing.T) {
	h := newHarness(t, unitConfig())
	x := peer("x", 1)
	h.addPeer(t, x, 2, "m")
	spreadBefore := len(h.gossip.spreadRecords())

	for _, r := range []cluster.Record{
		record(x, 2, cluster.Alive),
		record(x, 1, cluster.Alive),
		record(x, 1, cluster.Suspect),
		record(x, 1, cluster.Dead),
	} {
		h.merge(t, r, reasonSync)
		got, _ := h.p.Record("x")
		assert.Equal(t, record(x, 2, cluster.Alive), got, "after %s", r)
	}
	h.noEvent(t, 100*time.Millisecond)
	assert.Len(t, h.gossip.spreadRecords(), spreadBefore, "stale records must not be re-broadcast")
}

func TestSuspectThenDeadEmitsRemoved(t *testing.T) {
	h := newHarness(t, unitConfig())
	x := peer("x", 1)
	h.addPeer(t, x, 0, "m")

	h.merge(t, record(x, 0, cluster.Suspect), reasonGossip)
	h.noEvent(t, 20*time.Millisecond)
	assert.Equal(t, []cluster.Member{x}, h.p.Suspected())

	h.merge(t, record(x, 0, cluster.Dead), reasonGossip)
	ev := h.nextEvent(t)
	assert.True(t, ev.IsRemoved())
	assert.Equal(t, []byte("m"), ev.OldMetadata)

	_, cached := h.meta.MemberMetadata(x)
	assert.False(t, cached, "metadata must be evicted on removal")
	assert.Empty(t, h.p.OtherMembers())
	assert.Empty(t, h.p.Suspected())
}

func TestUpdatedEventOnMetadataChange(t *testing.T) {
	h := newHarness(t, unitConfig())
	x := peer("x", 1)
	h.addPeer(t, x, 0, "v1")

	h.meta.serve("x", []byte("v2"))
	h.merge(t, record(x, 1, cluster.Alive), reasonGossip)

	ev := h.nextEvent(t)
	assert.True(t, ev.IsUpdated())
	assert.Equal(t, []byte("v1"), ev.OldMetadata)
	assert.Equal(t, []byte("v2"), ev.NewMetadata)

	h.merge(t, record(x, 2, cluster.Alive), reasonGossip)
	h.waitRecord(t, "x", func(r cluster.Record) bool { return r.Incarnation == 2 })
	h.noEvent(t, 50*time.Millisecond)
}

func TestSelfRefutation(t *testing.T) {
	h := newHarness(t, unitConfig())
	self := h.p.LocalMember()

	h.merge(t, record(self, 0, cluster.Suspect), reasonGossip)
	assert.Equal(t, uint64(1), h.p.Incarnation())

	h.merge(t, record(self, 5, cluster.Dead), reasonSync)
	assert.Equal(t, uint64(6), h.p.Incarnation())
	r, _ := h.p.Record(self.ID)
	assert.True(t, r.IsAlive())

	spread := h.gossip.spreadRecords()
	require.NotEmpty(t, spread)
	assert.Equal(t, record(self, 6, cluster.Alive), spread[len(spread)-1])

	h.merge(t, record(self, 3, cluster.Dead), reasonGossip)
	assert.Equal(t, uint64(6), h.p.Incarnation(), "stale rumor must not bump incarnation")
	h.noEvent(t, 20*time.Millisecond)
}

func TestRecordAtLocalAddressWithOtherIDIsIgnored(t *testing.T) {
	h := newHarness(t, unitConfig())
	impostor := cluster.Member{ID: "old", Address: h.p.LocalMember().Address}
	h.meta.serve("old", []byte("m"))

	h.merge(t, record(impostor, 3, cluster.Alive), reasonSync)
	h.noEvent(t, 50*time.Millisecond)
	_, ok := h.p.Record("old")
	assert.False(t, ok)
}

func TestSyncDeadIsDowngradedToSuspect(t *testing.T) {
	h := newHarness(t, unitConfig())
	x := peer("x", 1)
	h.addPeer(t, x, 0, "m")

	h.merge(t, record(x, 0, cluster.Dead), reasonSync)
	r, _ := h.p.Record("x")
	assert.True(t, r.IsSuspect())
	h.noEvent(t, 20*time.Millisecond)
}

func TestUnknownDeadRecordIsIgnored(t *testing.T) {
	h := newHarness(t, unitConfig())
	h.merge(t, record(peer("x", 1), 4, cluster.Dead), reasonGossip)
	_, ok := h.p.Record("x")
	assert.False(t, ok)
}

func TestSuspicionTimeoutDeclaresDead(t *testing.T) {
	h := newHarness(t, unitConfig())
	x := peer("x", 1)
	h.addPeer(t, x, 0, "m")

	h.fd.report(x, 0, cluster.Suspect)
	h.waitRecord(t, "x", cluster.Record.IsSuspect)

	ev := h.nextEvent(t)
	assert.True(t, ev.IsRemoved())
	assert.Equal(t, x, ev.Member)
	h.waitRecord(t, "x", cluster.Record.IsDead)

	spread := h.gossip.spreadRecords()
	assert.Contains(t, spread, record(x, 0, cluster.Suspect))
	assert.Contains(t, spread, record(x, 0, cluster.Dead))
}

func TestFresherAliveCancelsSuspicion(t *testing.T) {
	cfg := unitConfig()
	cfg.SuspicionMult = 20
	h := newHarness(t, cfg)
	x := peer("x", 1)
	h.addPeer(t, x, 0, "m")

	h.fd.report(x, 0, cluster.Suspect)
	h.waitRecord(t, "x", cluster.Record.IsSuspect)

	h.merge(t, record(x, 1, cluster.Alive), reasonGossip)
	h.waitRecord(t, "x", func(r cluster.Record) bool { return r.IsAlive() && r.Incarnation == 1 })

	timeout := cluster.SuspicionTimeout(cfg.SuspicionMult, 2, cfg.PingInterval)
	h.noEvent(t, timeout+100*time.Millisecond)
	r, _ := h.p.Record("x")
	assert.True(t, r.IsAlive())
}

func TestAnsweringSuspectIsSyncedWith(t *testing.T) {
	cfg := unitConfig()
	cfg.SuspicionMult = 50
	h := newHarness(t, cfg)
	xt := h.net.BindAuto()
	t.Cleanup(func() { _ = xt.Stop(context.Background()) })
	in, cancel := xt.Listen()
	defer cancel()

	x := cluster.Member{ID: "x", Address: xt.Address()}
	h.addPeer(t, x, 0, "m")

	h.fd.report(x, 0, cluster.Alive)
	select {
	case msg := <-in:
		t.Fatalf("alive member should not be synced with, got %s", msg.Qualifier)
	case <-time.After(100 * time.Millisecond):
	}

	h.fd.report(x, 0, cluster.Suspect)
	h.waitRecord(t, "x", cluster.Record.IsSuspect)
	h.fd.report(x, 0, cluster.Alive)

	select {
	case msg := <-in:
		require.Equal(t, QualifierSync, msg.Qualifier)
		var data syncData
		require.NoError(t, msg.Decode(&data))
		assert.Contains(t, data.Records, record(x, 0, cluster.Suspect))
	case <-time.After(time.Second):
		t.Fatal("suspected member that answered a probe was not synced with")
	}
}

func TestFailureDetectorSuspectRespectsIncarnation(t *testing.T) {
	h := newHarness(t, unitConfig())
	x := peer("x", 1)
	h.addPeer(t, x, 3, "m")

	h.onLoop(t, func() { h.p.onFailureDetectorEvent(fdetector.Event{Member: x, Incarnation: 2, Status: cluster.Suspect}) })
	r, _ := h.p.Record("x")
	assert.True(t, r.IsAlive(), "probe of an older incarnation must not suspect")

	h.onLoop(t, func() { h.p.onFailureDetectorEvent(fdetector.Event{Member: x, Incarnation: 3, Status: cluster.Suspect}) })
	r, _ = h.p.Record("x")
	assert.True(t, r.IsSuspect())
}

func TestTombstoneIsPrunedAfterGracePeriod(t *testing.T) {
	cfg := unitConfig()
	cfg.DeadMemberGracePeriod = 50 * time.Millisecond
	h := newHarness(t, cfg)
	x := peer("x", 1)
	h.addPeer(t, x, 0, "m")

	h.merge(t, record(x, 0, cluster.Dead), reasonGossip)
	require.True(t, h.nextEvent(t).IsRemoved())

	require.Eventually(t, func() bool {
		_, ok := h.p.Record("x")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestDeadMemberCanRejoinWithHigherIncarnation(t *testing.T) {
	h := newHarness(t, unitConfig())
	x := peer("x", 1)
	h.addPeer(t, x, 0, "m")

	h.merge(t, record(x, 0, cluster.Dead), reasonGossip)
	require.True(t, h.nextEvent(t).IsRemoved())

	h.merge(t, record(x, 1, cluster.Alive), reasonSync)
	ev := h.nextEvent(t)
	assert.True(t, ev.IsAdded())
	assert.Equal(t, []byte("m"), ev.NewMetadata)
}

func TestLocalMetadataChangeBumpsIncarnation(t *testing.T) {
	h := newHarness(t, unitConfig())
	h.meta.changes.Publish([]byte("new"))

	h.waitRecord(t, h.p.LocalMember().ID, func(r cluster.Record) bool { return r.Incarnation == 1 })
	require.Eventually(t, func() bool {
		spread := h.gossip.spreadRecords()
		return len(spread) > 0 && spread[len(spread)-1] == record(h.p.LocalMember(), 1, cluster.Alive)
	}, time.Second, 5*time.Millisecond)
	h.noEvent(t, 20*time.Millisecond)
}

func TestLeaveBroadcastsDeadAtNextIncarnation(t *testing.T) {
	h := newHarness(t, unitConfig())
	self := h.p.LocalMember()

	require.NoError(t, h.p.Leave(context.Background()))

	spread := h.gossip.spreadRecords()
	require.NotEmpty(t, spread)
	assert.Equal(t, record(self, 1, cluster.Dead), spread[len(spread)-1])

	h.merge(t, record(self, 1, cluster.Dead), reasonGossip)
	r, _ := h.p.Record(self.ID)
	assert.True(t, r.IsDead(), "a leaving member must not refute its own departure")
}

func TestStopClosesEventsAndRejectsLeave(t *testing.T) {
	h := newHarness(t, unitConfig())
	h.p.Stop()

	select {
	case _, ok := <-h.events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events not closed")
	}
	assert.ErrorIs(t, h.p.Leave(context.Background()), ErrNotStarted)
	assert.ErrorIs(t, h.p.Start(context.Background()), ErrStopped)
}

func TestSyncTargetsIncludeTombstonesAndSeeds(t *testing.T) {
	cfg := unitConfig()
	seed := transport.NewAddress("10.0.0.9", 9)
	cfg.SeedMembers = []transport.Address{seed}
	cfg.SyncGroupSize = 10
	h := newHarness(t, cfg)

	x, y := peer("x", 1), peer("y", 2)
	h.addPeer(t, x, 0, "m")
	h.addPeer(t, y, 0, "m")
	h.merge(t, record(y, 0, cluster.Dead), reasonGossip)

	var targets []transport.Address
	h.onLoop(t, func() { targets = h.p.selectSyncTargets() })
	assert.ElementsMatch(t, []transport.Address{x.Address, y.Address, seed}, targets)

	h.onLoop(t, func() {
		h.p.cfg.SyncGroupSize = 2
		targets = h.p.selectSyncTargets()
	})
	assert.Len(t, targets, 2)
}

func TestStatusCounts(t *testing.T) {
	h := newHarness(t, unitConfig())
	h.addPeer(t, peer("x", 1), 0, "m")
	h.addPeer(t, peer("y", 2), 0, "m")
	h.merge(t, record(peer("y", 2), 0, cluster.Suspect), reasonGossip)

	assert.Equal(t, map[string]int{"ALIVE": 2, "SUSPECT": 1, "DEAD": 0}, h.p.StatusCounts())
}
