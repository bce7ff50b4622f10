package emulator

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/pubsub"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

// ErrNetworkBreak is returned for an outbound message the emulator dropped.
var ErrNetworkBreak = errors.New("network break detected")

// Transport applies a NetworkEmulator to an inner transport.
//
// Inbound settings are evaluated once per message. When the inner
// transport is transport.Filterable the check runs at arrival, so replies
// to pending requests are gated as well; otherwise it runs in the single
// pump that drains the inner transport. Listeners share that one
// evaluation through the emulator's own hub.
type Transport struct {
	inner transport.Transport
	emu   *NetworkEmulator
	log   *zap.Logger
	hub   *pubsub.Hub[transport.Message]

	gatedAtArrival bool
	cancelInner    func()
	stopOnce       sync.Once
}

var _ transport.Transport = (*Transport)(nil)

func New(inner transport.Transport, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{
		inner: inner,
		emu:   NewNetworkEmulator(inner.Address(), log),
		log:   log.With(zap.String("component", "emulator"), zap.Stringer("address", inner.Address())),
		hub:   pubsub.NewHub[transport.Message](),
	}
	if f, ok := inner.(transport.Filterable); ok {
		f.SetInboundFilter(func(msg transport.Message) bool { return t.emu.shallPass(msg.Sender) })
		t.gatedAtArrival = true
	}
	in, cancel := inner.Listen()
	t.cancelInner = cancel
	go t.pump(in)
	return t
}

func (t *Transport) Emulator() *NetworkEmulator { return t.emu }

func (t *Transport) Address() transport.Address { return t.inner.Address() }

func (t *Transport) Stop(ctx context.Context) error {
	err := t.inner.Stop(ctx)
	t.stopOnce.Do(func() {
		t.cancelInner()
		t.hub.Close()
	})
	return err
}

// Send applies outbound loss and delay. A delayed message is handed to the
// inner transport from a timer, so Send itself never waits; errors of the
// delayed send are only logged.
func (t *Transport) Send(ctx context.Context, to transport.Address, msg transport.Message) error {
	if t.emu.tryFailOutbound(to) {
		return errors.Wrapf(ErrNetworkBreak, "didn't send %s to %s", msg.Qualifier, to)
	}
	d := t.emu.tryDelayOutbound(to)
	if d <= 0 {
		return t.inner.Send(ctx, to, msg)
	}
	msg.Data = append([]byte(nil), msg.Data...)
	sendCtx := context.WithoutCancel(ctx)
	time.AfterFunc(d, func() {
		if err := t.inner.Send(sendCtx, to, msg); err != nil {
			t.log.Debug("delayed send failed", zap.String("qualifier", msg.Qualifier), zap.Stringer("to", to), zap.Error(err))
		}
	})
	return nil
}

// RequestResponse gates both directions: the request is subject to outbound
// settings, and the reply is lost when inbound from the responder is
// blocked, leaving the caller to time out. The request delay is waited out
// inline since the caller blocks for the reply anyway.
func (t *Transport) RequestResponse(ctx context.Context, to transport.Address, req transport.Message) (transport.Message, error) {
	if t.emu.tryFailOutbound(to) {
		return transport.Message{}, errors.Wrapf(ErrNetworkBreak, "didn't send %s to %s", req.Qualifier, to)
	}
	if d := t.emu.tryDelayOutbound(to); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return transport.Message{}, errors.Mark(errors.Wrapf(ctx.Err(), "request to %s", to), transport.ErrTimeout)
		}
	}
	resp, err := t.inner.RequestResponse(ctx, to, req)
	if err != nil {
		return transport.Message{}, err
	}
	if !t.gatedAtArrival && !t.emu.shallPass(resp.Sender) {
		<-ctx.Done()
		return transport.Message{}, errors.Mark(errors.Wrapf(ctx.Err(), "reply from %s dropped", to), transport.ErrTimeout)
	}
	return resp, nil
}

func (t *Transport) Listen() (<-chan transport.Message, func()) {
	return t.hub.Subscribe()
}

func (t *Transport) pump(in <-chan transport.Message) {
	defer t.hub.Close()
	for msg := range in {
		if !t.gatedAtArrival && !t.emu.shallPass(msg.Sender) {
			continue
		}
		t.hub.Publish(msg)
	}
}
