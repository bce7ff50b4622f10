// Package node assembles a cluster member out of a transport and the
// membership engines, and exposes it to applications and to HTTP.
package node

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/pubsub"
	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/fdetector"
	"github.com/ryandielhenn/zephyrcluster/pkg/gossip"
	"github.com/ryandielhenn/zephyrcluster/pkg/membership"
	"github.com/ryandielhenn/zephyrcluster/pkg/metadata"
	"github.com/ryandielhenn/zephyrcluster/pkg/ring"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

var ErrShutdown = errors.New("node is shut down")

// internalPrefix marks qualifiers that belong to the membership engines.
// Messages carrying it are never handed to applications.
const internalPrefix = "zephyr/"

type Node struct {
	local   cluster.Member
	cfg     cluster.Config
	tr      transport.Transport
	meta    *metadata.Store
	gsp     *gossip.Gossiper
	proto   *membership.Protocol
	ring    *ring.Ring
	log     *zap.Logger
	started time.Time

	gossips  *pubsub.Hub[transport.Message]
	messages *pubsub.Hub[transport.Message]

	mu       sync.Mutex
	running  bool
	shutdown bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a node on top of tr. The node owns tr from now on and stops
// it on Shutdown. initialMetadata is the opaque metadata announced for the
// local member.
func New(tr transport.Transport, cfg cluster.Config, initialMetadata []byte, log *zap.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	local := cluster.NewMember(cfg.MemberAddress(tr.Address()))
	cids := cluster.NewCorrelationIDGenerator(local.ID)

	meta := metadata.NewStore(local, tr, cfg, cids, initialMetadata, log)
	fd := fdetector.New(local, tr, cfg, cids, log)
	gsp := gossip.New(local, tr, cfg, log)
	return &Node{
		local:    local,
		cfg:      cfg,
		tr:       tr,
		meta:     meta,
		gsp:      gsp,
		proto:    membership.New(local, cfg, tr, fd, gsp, meta, cids, log),
		ring:     ring.New(ring.DefaultReplicas, ring.FNV32a),
		log:      log.With(zap.String("component", "node"), zap.Stringer("member", local)),
		gossips:  pubsub.NewHub[transport.Message](),
		messages: pubsub.NewHub[transport.Message](),
	}, nil
}

// Join builds a node and starts it.
func Join(ctx context.Context, tr transport.Transport, cfg cluster.Config, initialMetadata []byte, log *zap.Logger) (*Node, error) {
	n, err := New(tr, cfg, initialMetadata, log)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		_ = n.Shutdown(ctx)
		return nil, err
	}
	return n, nil
}

// Start begins answering metadata requests, joins through the configured
// seeds and starts the periodic protocol work.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return ErrShutdown
	}
	if n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = true
	n.started = time.Now()
	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.mu.Unlock()

	events, cancelEvents := n.proto.Listen()
	gossips, cancelGossips := n.gsp.Listen()
	inbound, cancelInbound := n.tr.Listen()
	n.wg.Add(3)
	go n.drain(runCtx, cancelEvents, func() {
		for ev := range events {
			n.onMembershipEvent(ev)
		}
	})
	go n.drain(runCtx, cancelGossips, func() {
		for msg := range gossips {
			if !strings.HasPrefix(msg.Qualifier, internalPrefix) {
				n.gossips.Publish(msg)
			}
		}
	})
	go n.drain(runCtx, cancelInbound, func() {
		for msg := range inbound {
			if !strings.HasPrefix(msg.Qualifier, internalPrefix) {
				n.messages.Publish(msg)
			}
		}
	})

	n.meta.Start()
	if err := n.proto.Start(ctx); err != nil {
		return errors.Wrap(err, "start membership")
	}
	n.ring.Reset(n.proto.Members())
	n.log.Info("node started", zap.Stringer("address", n.local.Address), zap.Int("members", len(n.proto.Members())))
	return nil
}

func (n *Node) drain(ctx context.Context, cancel func(), f func()) {
	defer n.wg.Done()
	go func() {
		<-ctx.Done()
		cancel()
	}()
	f()
}

func (n *Node) onMembershipEvent(ev cluster.Event) {
	switch ev.Type {
	case cluster.EventAdded:
		n.ring.Add(ev.Member)
	case cluster.EventRemoved:
		n.ring.Remove(ev.Member.ID)
	}
	n.log.Debug("ring updated", zap.Stringer("event", ev), zap.Int("members", n.ring.Len()))
}

// Shutdown leaves the cluster gracefully and stops every engine and the
// transport. It is safe to call more than once.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	running := n.running
	n.mu.Unlock()

	var errs error
	if running {
		if err := n.proto.Leave(ctx); err != nil && !errors.Is(err, membership.ErrNotStarted) {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "leave"))
		}
	}
	n.proto.Stop()
	n.meta.Stop()
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	n.gossips.Close()
	n.messages.Close()
	if err := n.tr.Stop(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "stop transport"))
	}
	n.log.Info("node shut down")
	return errs
}

func (n *Node) IsShutdown() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.shutdown
}

func (n *Node) Member() cluster.Member { return n.local }

func (n *Node) Address() transport.Address { return n.local.Address }

func (n *Node) Config() cluster.Config { return n.cfg }

// Members returns every ALIVE or SUSPECT member, the local one included.
func (n *Node) Members() []cluster.Member { return n.proto.Members() }

func (n *Node) OtherMembers() []cluster.Member { return n.proto.OtherMembers() }

func (n *Node) MemberByID(id string) (cluster.Member, bool) { return n.proto.Member(id) }

func (n *Node) MemberByAddress(addr transport.Address) (cluster.Member, bool) {
	return n.proto.MemberByAddress(addr)
}

// Records returns the whole membership table, tombstones included.
func (n *Node) Records() []cluster.Record { return n.proto.Records() }

func (n *Node) Record(id string) (cluster.Record, bool) { return n.proto.Record(id) }

func (n *Node) Incarnation() uint64 { return n.proto.Incarnation() }

func (n *Node) StatusCounts() map[string]int { return n.proto.StatusCounts() }

// SyncWith exchanges membership tables with the node at addr right away.
func (n *Node) SyncWith(ctx context.Context, addr transport.Address) error {
	if n.IsShutdown() {
		return ErrShutdown
	}
	return n.proto.SyncWith(ctx, addr)
}

// Owner returns the member a key is placed on among the members this node
// currently sees.
func (n *Node) Owner(key []byte) (cluster.Member, bool) { return n.ring.Lookup(key) }

// Owners returns up to count distinct members for key, owner first.
func (n *Node) Owners(key []byte, count int) []cluster.Member { return n.ring.LookupN(key, count) }

func (n *Node) Metadata() []byte { return n.meta.Metadata() }

// MemberMetadata returns m's metadata from the cache, asking m directly on
// a miss.
func (n *Node) MemberMetadata(ctx context.Context, m cluster.Member) ([]byte, error) {
	if b, ok := n.meta.MemberMetadata(m); ok {
		return b, nil
	}
	if n.IsShutdown() {
		return nil, ErrShutdown
	}
	return n.meta.Fetch(ctx, m)
}

// UpdateMetadata replaces the local metadata. Peers learn about it through
// a new incarnation of the local record.
func (n *Node) UpdateMetadata(b []byte) error {
	if n.IsShutdown() {
		return ErrShutdown
	}
	n.meta.Update(b)
	return nil
}

func (n *Node) SetMetadataProperty(key, value string) error {
	if n.IsShutdown() {
		return ErrShutdown
	}
	return n.meta.SetProperty(key, value)
}

func (n *Node) RemoveMetadataProperty(key string) error {
	if n.IsShutdown() {
		return ErrShutdown
	}
	return n.meta.RemoveProperty(key)
}

// LocalMetadata decodes the local metadata with codec.
func LocalMetadata[T any](n *Node, codec metadata.Codec[T]) (T, error) {
	return codec.Decode(n.Metadata())
}

// RemoteMetadata decodes the metadata of m with codec.
func RemoteMetadata[T any](ctx context.Context, n *Node, m cluster.Member, codec metadata.Codec[T]) (T, error) {
	b, err := n.MemberMetadata(ctx, m)
	if err != nil {
		var zero T
		return zero, err
	}
	return codec.Decode(b)
}

// UpdateMetadataAs encodes v with codec and makes it the local metadata.
func UpdateMetadataAs[T any](n *Node, codec metadata.Codec[T], v T) error {
	b, err := codec.Encode(v)
	if err != nil {
		return err
	}
	return n.UpdateMetadata(b)
}

// SpreadGossip disseminates msg to every member. Receivers get it through
// ListenGossips at most once.
func (n *Node) SpreadGossip(msg transport.Message) (string, error) {
	if n.IsShutdown() {
		return "", ErrShutdown
	}
	if strings.HasPrefix(msg.Qualifier, internalPrefix) {
		return "", errors.Newf("qualifier %q is reserved", msg.Qualifier)
	}
	return n.gsp.SpreadGossip(msg)
}

// ListenMembership subscribes to membership events about remote members.
func (n *Node) ListenMembership() (<-chan cluster.Event, func()) { return n.proto.Listen() }

// ListenGossips subscribes to application gossips spread by other members.
func (n *Node) ListenGossips() (<-chan transport.Message, func()) { return n.gossips.Subscribe() }

// ListenMessages subscribes to application messages sent directly to this
// node.
func (n *Node) ListenMessages() (<-chan transport.Message, func()) { return n.messages.Subscribe() }

func (n *Node) Send(ctx context.Context, to transport.Address, msg transport.Message) error {
	if n.IsShutdown() {
		return ErrShutdown
	}
	return n.tr.Send(ctx, to, msg)
}

func (n *Node) RequestResponse(ctx context.Context, to transport.Address, req transport.Message) (transport.Message, error) {
	if n.IsShutdown() {
		return transport.Message{}, ErrShutdown
	}
	return n.tr.RequestResponse(ctx, to, req)
}
