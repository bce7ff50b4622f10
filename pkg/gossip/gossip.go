package gossip

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/pubsub"
	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

var ErrStopped = errors.New("gossiper stopped")

type gossipState struct {
	gossip   Gossip
	period   int64
	infected map[string]struct{}
}

// Gossiper owns the local gossip store and runs the dissemination rounds.
type Gossiper struct {
	local cluster.Member
	cfg   cluster.Config
	tr    transport.Transport
	log   *zap.Logger

	received *pubsub.Hub[transport.Message]

	mu      sync.Mutex
	period  int64
	counter uint64
	gossips map[string]*gossipState
	stopped bool

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(local cluster.Member, tr transport.Transport, cfg cluster.Config, log *zap.Logger) *Gossiper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gossiper{
		local:    local,
		cfg:      cfg,
		tr:       tr,
		log:      log.With(zap.String("component", "gossip"), zap.Stringer("member", local)),
		received: pubsub.NewHub[transport.Message](),
		gossips:  make(map[string]*gossipState),
	}
}

// SpreadGossip queues msg for dissemination and returns its gossip id.
func (g *Gossiper) SpreadGossip(msg transport.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return "", ErrStopped
	}
	g.counter++
	id := g.local.ID + "-" + strconv.FormatUint(g.counter, 10)
	msg.Sender = g.local.Address
	g.gossips[id] = &gossipState{
		gossip:   Gossip{ID: id, Message: msg},
		period:   g.period,
		infected: map[string]struct{}{g.local.ID: {}},
	}
	telemetry.GossipItemsTotal.WithLabelValues("spread").Inc()
	return id, nil
}

// Listen subscribes to gossips received from other members. Each gossip id
// is delivered at most once while it stays in the seen window.
func (g *Gossiper) Listen() (<-chan transport.Message, func()) {
	return g.received.Subscribe()
}

// Start runs dissemination rounds against the ALIVE members returned by
// source and begins accepting gossip requests.
func (g *Gossiper) Start(source cluster.MemberSource) {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	if g.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	in, unsubscribe := g.tr.Listen()
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		defer unsubscribe()
		g.serve(ctx, in)
	}()
	go func() {
		defer g.wg.Done()
		g.loop(ctx, source)
	}()
}

func (g *Gossiper) Stop() {
	g.lifecycle.Lock()
	cancel := g.cancel
	g.lifecycle.Unlock()
	if cancel != nil {
		cancel()
		g.wg.Wait()
	}

	g.mu.Lock()
	g.stopped = true
	g.gossips = make(map[string]*gossipState)
	g.mu.Unlock()
	g.received.Close()
}

func (g *Gossiper) loop(ctx context.Context, source cluster.MemberSource) {
	ticker := time.NewTicker(g.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.doRound(ctx, source())
		}
	}
}

type outbound struct {
	to      cluster.Member
	gossips []Gossip
}

func (g *Gossiper) doRound(ctx context.Context, records []cluster.Record) {
	peers := make([]cluster.Member, 0, len(records))
	for _, r := range records {
		if r.Member.ID != g.local.ID && r.IsAlive() {
			peers = append(peers, r.Member)
		}
	}
	clusterSize := len(peers) + 1

	g.mu.Lock()
	g.period++
	spread := int64(cluster.GossipPeriodsToSpread(g.cfg.GossipRepeatMult, clusterSize))
	sweep := int64(cluster.GossipPeriodsToSweep(g.cfg.GossipRepeatMult, clusterSize))

	var batches []outbound
	if len(g.gossips) > 0 && len(peers) > 0 {
		rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
		if len(peers) > g.cfg.GossipFanout {
			peers = peers[:g.cfg.GossipFanout]
		}
		for _, peer := range peers {
			if batch := g.selectGossipsLocked(peer, spread); len(batch) > 0 {
				batches = append(batches, outbound{to: peer, gossips: batch})
			}
		}
	}
	g.sweepLocked(sweep)
	g.mu.Unlock()

	for _, b := range batches {
		g.send(ctx, b)
	}
}

// selectGossipsLocked picks up to GossipBatchSize items that are still being
// spread and that peer is not known to have, and marks peer as infected.
func (g *Gossiper) selectGossipsLocked(peer cluster.Member, spread int64) []Gossip {
	var batch []Gossip
	for _, st := range g.gossips {
		if g.period-st.period > spread {
			continue
		}
		if _, ok := st.infected[peer.ID]; ok {
			continue
		}
		st.infected[peer.ID] = struct{}{}
		batch = append(batch, st.gossip)
		if len(batch) == g.cfg.GossipBatchSize {
			break
		}
	}
	return batch
}

func (g *Gossiper) sweepLocked(sweep int64) {
	for id, st := range g.gossips {
		if g.period-st.period > sweep {
			delete(g.gossips, id)
			telemetry.GossipItemsTotal.WithLabelValues("swept").Inc()
		}
	}
}

func (g *Gossiper) send(ctx context.Context, b outbound) {
	msg, err := transport.NewMessage(QualifierGossipReq, "", gossipRequest{From: g.local, Gossips: b.gossips})
	if err != nil {
		g.log.Warn("encode gossip request", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.GossipInterval)
	defer cancel()
	if err := g.tr.Send(ctx, b.to.Address, msg); err != nil {
		telemetry.GossipMessagesTotal.WithLabelValues("failed").Inc()
		g.log.Debug("gossip send failed", zap.Stringer("to", b.to), zap.Int("gossips", len(b.gossips)), zap.Error(err))
		return
	}
	telemetry.GossipMessagesTotal.WithLabelValues("sent").Inc()
}

func (g *Gossiper) serve(ctx context.Context, in <-chan transport.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if msg.Qualifier == QualifierGossipReq {
				g.onGossipRequest(msg)
			}
		}
	}
}

func (g *Gossiper) onGossipRequest(msg transport.Message) {
	var req gossipRequest
	if err := msg.Decode(&req); err != nil {
		g.log.Warn("drop malformed gossip request", zap.Stringer("from", msg.Sender), zap.Error(err))
		return
	}
	telemetry.GossipMessagesTotal.WithLabelValues("received").Inc()

	var fresh []transport.Message
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	for _, gs := range req.Gossips {
		if strings.HasPrefix(gs.ID, g.local.ID+"-") {
			continue
		}
		if st, ok := g.gossips[gs.ID]; ok {
			st.infected[req.From.ID] = struct{}{}
			telemetry.GossipItemsTotal.WithLabelValues("duplicate").Inc()
			continue
		}
		g.gossips[gs.ID] = &gossipState{
			gossip:   gs,
			period:   g.period,
			infected: map[string]struct{}{req.From.ID: {}, g.local.ID: {}},
		}
		fresh = append(fresh, gs.Message)
		telemetry.GossipItemsTotal.WithLabelValues("accepted").Inc()
	}
	g.mu.Unlock()

	for _, m := range fresh {
		g.received.Publish(m)
	}
}

// Pending returns the number of gossips currently held, spread or not.
func (g *Gossiper) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.gossips)
}
