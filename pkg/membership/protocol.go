// Package membership runs the SWIM-style membership state machine.
//
// The Protocol owns the membership table. Every mutation runs on one loop
// goroutine: merges of records arriving by gossip or push-pull sync,
// failure detector outcomes, suspicion and cleanup timers, local metadata
// changes and the periodic sync schedule. Network round-trips (sync,
// metadata fetch) run on their own goroutines and hand their results back
// to the loop. Readers see an immutable snapshot of the table that the
// loop republishes after each change.
package membership

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrcluster/internal/pubsub"
	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/fdetector"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

var (
	ErrNotStarted = errors.New("membership protocol not started")
	ErrStopped    = errors.New("membership protocol stopped")
)

type FailureDetector interface {
	Start(source cluster.MemberSource)
	Stop()
	Listen() (<-chan fdetector.Event, func())
}

type Gossiper interface {
	Start(source cluster.MemberSource)
	Stop()
	SpreadGossip(msg transport.Message) (string, error)
	Listen() (<-chan transport.Message, func())
}

type MetadataStore interface {
	Metadata() []byte
	Changes() (<-chan []byte, func())
	MemberMetadata(m cluster.Member) ([]byte, bool)
	Remember(m cluster.Member, b []byte)
	Forget(m cluster.Member) ([]byte, bool)
	Fetch(ctx context.Context, m cluster.Member) ([]byte, error)
}

// view is an immutable copy of the table handed to concurrent readers.
type view struct {
	records []cluster.Record
	byID    map[string]cluster.Record
}

type task struct {
	timer *time.Timer
	gen   uint64
}

// admission is a record waiting for its member's metadata before it can
// be merged. Later records for the same member replace it when fresher.
type admission struct {
	record cluster.Record
	reason reason
}

type Protocol struct {
	local cluster.Member
	cfg   cluster.Config
	tr    transport.Transport
	fd    FailureDetector
	gsp   Gossiper
	meta  MetadataStore
	cids  *cluster.CorrelationIDGenerator
	log   *zap.Logger

	events *pubsub.Hub[cluster.Event]
	cmds   chan func()
	view   atomic.Pointer[view]

	// Owned by the loop goroutine.
	table      map[string]cluster.Record
	suspicions map[string]*task
	cleanups   map[string]*task
	admissions map[string]*admission
	taskGen    uint64
	leaving    bool
	dirty      bool

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a protocol for local. The failure detector and gossiper are
// started and stopped by the protocol; the metadata store is not.
func New(local cluster.Member, cfg cluster.Config, tr transport.Transport, fd FailureDetector, gsp Gossiper, meta MetadataStore, cids *cluster.CorrelationIDGenerator, log *zap.Logger) *Protocol {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Protocol{
		local:      local,
		cfg:        cfg,
		tr:         tr,
		fd:         fd,
		gsp:        gsp,
		meta:       meta,
		cids:       cids,
		log:        log.With(zap.String("component", "membership"), zap.Stringer("member", local)),
		events:     pubsub.NewHub[cluster.Event](),
		cmds:       make(chan func(), 256),
		table:      make(map[string]cluster.Record),
		suspicions: make(map[string]*task),
		cleanups:   make(map[string]*task),
		admissions: make(map[string]*admission),
	}
	p.table[local.ID] = cluster.Record{Member: local, Status: cluster.Alive}
	p.publishView()
	return p
}

func (p *Protocol) LocalMember() cluster.Member { return p.local }

// Listen subscribes to membership events about remote members. The channel
// is closed by Stop.
func (p *Protocol) Listen() (<-chan cluster.Event, func()) {
	return p.events.Subscribe()
}

// Start begins periodic operation. With seeds configured it first syncs with
// every seed concurrently; unreachable seeds are logged and skipped.
func (p *Protocol) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	if p.stopped {
		p.lifecycle.Unlock()
		return ErrStopped
	}
	if p.started {
		p.lifecycle.Unlock()
		return nil
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.lifecycle.Unlock()

	fdEvents, cancelFD := p.fd.Listen()
	gossips, cancelGossip := p.gsp.Listen()
	inbound, cancelInbound := p.tr.Listen()
	changes, cancelChanges := p.meta.Changes()

	p.wg.Add(5)
	go p.run()
	go p.forward(cancelFD, func() {
		for ev := range fdEvents {
			p.submit(func() { p.onFailureDetectorEvent(ev) })
		}
	})
	go p.forward(cancelGossip, func() {
		for msg := range gossips {
			if msg.Qualifier == QualifierGossip {
				p.onMembershipGossip(msg)
			}
		}
	})
	go p.forward(cancelInbound, func() {
		for msg := range inbound {
			if msg.Qualifier == QualifierSync {
				p.onSync(msg)
			}
		}
	})
	go p.forward(cancelChanges, func() {
		for b := range changes {
			p.submit(func() { p.onLocalMetadataChanged(b) })
		}
	})

	p.fd.Start(p.Records)
	p.gsp.Start(p.Records)

	p.join(ctx)
	p.log.Info("membership started", zap.Int("seeds", len(p.cfg.SeedMembers)), zap.Int("members", len(p.Members())))
	return nil
}

// forward runs drain until its channel closes or the protocol stops.
func (p *Protocol) forward(cancel func(), drain func()) {
	defer p.wg.Done()
	go func() {
		<-p.ctx.Done()
		cancel()
	}()
	drain()
}

func (p *Protocol) join(ctx context.Context) {
	seeds := p.seeds()
	if len(seeds) == 0 {
		return
	}
	var g errgroup.Group
	for _, seed := range seeds {
		g.Go(func() error {
			if err := p.syncWith(ctx, seed); err != nil {
				p.log.Warn("seed sync failed", zap.Stringer("seed", seed), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Leave announces the local member as DEAD at a higher incarnation and gives
// the gossiper a couple of rounds to push it out. The protocol keeps running
// until Stop.
func (p *Protocol) Leave(ctx context.Context) error {
	if !p.isRunning() {
		return ErrNotStarted
	}
	done := make(chan error, 1)
	if !p.submit(func() { done <- p.leave() }) {
		return ErrStopped
	}
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	wait := time.NewTimer(2 * p.cfg.GossipInterval)
	defer wait.Stop()
	select {
	case <-wait.C:
	case <-ctx.Done():
	}
	return nil
}

// Stop cancels timers, in-flight syncs and fetches, and stops the failure
// detector and gossiper. No event is emitted after Stop returns.
func (p *Protocol) Stop() {
	p.lifecycle.Lock()
	if p.stopped {
		p.lifecycle.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.lifecycle.Unlock()

	if started {
		p.cancel()
		p.fd.Stop()
		p.gsp.Stop()
		p.wg.Wait()
		for _, m := range []map[string]*task{p.suspicions, p.cleanups} {
			for id, t := range m {
				t.timer.Stop()
				delete(m, id)
			}
		}
	}
	p.events.Close()
	p.log.Info("membership stopped")
}

func (p *Protocol) isRunning() bool {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.started && !p.stopped
}

func (p *Protocol) run() {
	defer p.wg.Done()
	syncTicker := time.NewTicker(p.cfg.SyncInterval)
	defer syncTicker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case f := <-p.cmds:
			f()
		case <-syncTicker.C:
			p.doSync()
		}
		p.flush()
	}
}

func (p *Protocol) flush() {
	if p.dirty {
		p.publishView()
		p.dirty = false
	}
}

// submit queues f on the loop. It reports false once the protocol stops.
func (p *Protocol) submit(f func()) bool {
	select {
	case p.cmds <- f:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Protocol) emit(ev cluster.Event) {
	if p.ctx.Err() != nil {
		return
	}
	p.flush()
	recordEvent(ev)
	p.log.Info("membership event", zap.Stringer("type", ev.Type), zap.Stringer("subject", ev.Member))
	p.events.Publish(ev)
}

func (p *Protocol) publishView() {
	records := make([]cluster.Record, 0, len(p.table))
	byID := make(map[string]cluster.Record, len(p.table))
	for id, r := range p.table {
		records = append(records, r)
		byID[id] = r
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Member.ID < records[j].Member.ID })
	p.view.Store(&view{records: records, byID: byID})
}

// Records returns every record in the table, DEAD tombstones included.
func (p *Protocol) Records() []cluster.Record {
	v := p.view.Load()
	return append([]cluster.Record(nil), v.records...)
}

// Record returns the record held for a member id.
func (p *Protocol) Record(id string) (cluster.Record, bool) {
	r, ok := p.view.Load().byID[id]
	return r, ok
}

// Members returns every member not known to be DEAD, the local one included.
func (p *Protocol) Members() []cluster.Member {
	return p.membersWhere(func(r cluster.Record) bool { return !r.IsDead() })
}

// OtherMembers is Members without the local member.
func (p *Protocol) OtherMembers() []cluster.Member {
	return p.membersWhere(func(r cluster.Record) bool { return !r.IsDead() && r.Member.ID != p.local.ID })
}

// Suspected returns members currently held as SUSPECT.
func (p *Protocol) Suspected() []cluster.Member {
	return p.membersWhere(cluster.Record.IsSuspect)
}

func (p *Protocol) membersWhere(keep func(cluster.Record) bool) []cluster.Member {
	var out []cluster.Member
	for _, r := range p.view.Load().records {
		if keep(r) {
			out = append(out, r.Member)
		}
	}
	return out
}

// Member looks up a live member by id.
func (p *Protocol) Member(id string) (cluster.Member, bool) {
	r, ok := p.Record(id)
	if !ok || r.IsDead() {
		return cluster.Member{}, false
	}
	return r.Member, true
}

// MemberByAddress looks up a live member by address.
func (p *Protocol) MemberByAddress(addr transport.Address) (cluster.Member, bool) {
	for _, r := range p.view.Load().records {
		if r.Member.Address == addr && !r.IsDead() {
			return r.Member, true
		}
	}
	return cluster.Member{}, false
}

// Incarnation returns the local member's current incarnation.
func (p *Protocol) Incarnation() uint64 {
	r, _ := p.Record(p.local.ID)
	return r.Incarnation
}

// StatusCounts returns the number of table records per status name.
func (p *Protocol) StatusCounts() map[string]int {
	counts := map[string]int{
		cluster.Alive.String():   0,
		cluster.Suspect.String(): 0,
		cluster.Dead.String():    0,
	}
	for _, r := range p.view.Load().records {
		counts[r.Status.String()]++
	}
	return counts
}
