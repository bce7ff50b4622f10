// Package memnet is an in-process transport network. Every Transport bound
// on a Network can reach every other by Address; nothing touches sockets.
package memnet

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/ryandielhenn/zephyrcluster/internal/pubsub"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

const defaultHost = "127.0.0.1"

// Network is a registry of bound transports.
type Network struct {
	mu       sync.RWMutex
	bound    map[transport.Address]*Transport
	nextPort int
}

func NewNetwork() *Network {
	return &Network{
		bound:    make(map[transport.Address]*Transport),
		nextPort: 20000,
	}
}

// Bind attaches a transport at addr. An address is free again once the
// transport previously bound there has been stopped.
func (n *Network) Bind(addr transport.Address) (*Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.bound[addr]; ok {
		return nil, errors.Newf("memnet: address %s already in use", addr)
	}
	t := &Transport{
		network: n,
		addr:    addr,
		hub:     pubsub.NewHub[transport.Message](),
		pending: transport.NewPending(),
	}
	n.bound[addr] = t
	return t, nil
}

// BindAuto binds a transport on the next free port of the loopback host.
func (n *Network) BindAuto() *Transport {
	for {
		n.mu.Lock()
		addr := transport.NewAddress(defaultHost, n.nextPort)
		n.nextPort++
		n.mu.Unlock()
		if t, err := n.Bind(addr); err == nil {
			return t
		}
	}
}

func (n *Network) lookup(addr transport.Address) *Transport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bound[addr]
}

func (n *Network) unbind(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.bound[t.addr] == t {
		delete(n.bound, t.addr)
	}
}

// Transport is one endpoint on a Network.
type Transport struct {
	network *Network
	addr    transport.Address
	hub     *pubsub.Hub[transport.Message]
	pending *transport.Pending
	gate    transport.Gate
	stopped atomic.Bool
}

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Filterable = (*Transport)(nil)
)

func (t *Transport) Address() transport.Address { return t.addr }

func (t *Transport) Send(ctx context.Context, to transport.Address, msg transport.Message) error {
	if t.stopped.Load() {
		return transport.ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := t.network.lookup(to)
	if dest == nil {
		return errors.Wrapf(transport.ErrUnreachable, "memnet: %s", to)
	}
	msg.Sender = t.addr
	msg.Data = append([]byte(nil), msg.Data...)
	dest.deliver(msg)
	return nil
}

func (t *Transport) RequestResponse(ctx context.Context, to transport.Address, req transport.Message) (transport.Message, error) {
	return t.pending.Do(ctx, req, func(ctx context.Context) error {
		return t.Send(ctx, to, req)
	})
}

func (t *Transport) Listen() (<-chan transport.Message, func()) {
	return t.hub.Subscribe()
}

// SetInboundFilter gates every delivery to t, replies included.
func (t *Transport) SetInboundFilter(f transport.InboundFilter) { t.gate.Set(f) }

func (t *Transport) Stop(context.Context) error {
	if t.stopped.Swap(true) {
		return nil
	}
	t.network.unbind(t)
	t.hub.Close()
	return nil
}

func (t *Transport) deliver(msg transport.Message) {
	if t.stopped.Load() || !t.gate.Admit(msg) {
		return
	}
	if t.pending.Resolve(msg) {
		return
	}
	t.hub.Publish(msg)
}
