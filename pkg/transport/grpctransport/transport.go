// Package grpctransport implements transport.Transport over gRPC. Each
// message is delivered with one unary Deliver call; replies travel as
// separate Deliver calls back to the requester.
package grpctransport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ryandielhenn/zephyrcluster/internal/pubsub"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

// Transport serves inbound messages on a listener and dials peers lazily.
type Transport struct {
	addr    transport.Address
	log     *zap.Logger
	lis     net.Listener
	server  *grpc.Server
	hub     *pubsub.Hub[transport.Message]
	pending *transport.Pending
	gate    transport.Gate
	stopped atomic.Bool

	mu    sync.Mutex
	conns map[transport.Address]*grpc.ClientConn
}

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Filterable = (*Transport)(nil)
)

// Bind listens on bindAddr. advertise is the address peers use to reach
// this transport; when zero it is derived from the listener.
func Bind(bindAddr string, advertise transport.Address, log *zap.Logger) (*Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lis, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", bindAddr)
	}
	if advertise.IsZero() {
		advertise, err = transport.ParseAddress(lis.Addr().String())
		if err != nil {
			_ = lis.Close()
			return nil, err
		}
	}

	t := &Transport{
		addr:    advertise,
		log:     log.With(zap.String("component", "transport"), zap.Stringer("address", advertise)),
		lis:     lis,
		server:  grpc.NewServer(),
		hub:     pubsub.NewHub[transport.Message](),
		pending: transport.NewPending(),
		conns:   make(map[transport.Address]*grpc.ClientConn),
	}
	t.server.RegisterService(&serviceDesc, t)

	go func() {
		if err := t.server.Serve(lis); err != nil && !t.stopped.Load() {
			t.log.Error("grpc server stopped", zap.Error(err))
		}
	}()
	t.log.Info("transport bound", zap.Stringer("listen", lis.Addr()))
	return t, nil
}

func (t *Transport) Address() transport.Address { return t.addr }

// Deliver implements the server side of the Deliver RPC.
func (t *Transport) Deliver(_ context.Context, msg *transport.Message) (*empty, error) {
	if t.stopped.Load() {
		return nil, transport.ErrStopped
	}
	if !t.gate.Admit(*msg) {
		return &empty{}, nil
	}
	if !t.pending.Resolve(*msg) {
		t.hub.Publish(*msg)
	}
	return &empty{}, nil
}

// SetInboundFilter gates every delivery to t, replies included.
func (t *Transport) SetInboundFilter(f transport.InboundFilter) { t.gate.Set(f) }

func (t *Transport) Send(ctx context.Context, to transport.Address, msg transport.Message) error {
	if t.stopped.Load() {
		return transport.ErrStopped
	}
	conn, err := t.conn(to)
	if err != nil {
		return err
	}
	msg.Sender = t.addr
	if err := conn.Invoke(ctx, deliverMethod, &msg, &empty{}, grpc.CallContentSubtype(codecName)); err != nil {
		return errors.Mark(errors.Wrapf(err, "deliver %s to %s", msg.Qualifier, to), transport.ErrUnreachable)
	}
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

// Stop closes client connections and stops the server, falling back to a
// hard stop when ctx ends before in-flight calls drain.
func (t *Transport) Stop(ctx context.Context) error {
	if t.stopped.Swap(true) {
		return nil
	}
	t.hub.Close()

	t.mu.Lock()
	for addr, c := range t.conns {
		_ = c.Close()
		delete(t.conns, addr)
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.server.Stop()
	}
	return nil
}

func (t *Transport) conn(to transport.Address) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[to]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(to.String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", to)
	}
	t.conns[to] = c
	return c, nil
}
