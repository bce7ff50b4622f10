// Package transport defines the point-to-point messaging contract consumed by
// the cluster engines.
//
// A request/response pair is two ordinary messages sharing a correlation id:
// the responder answers with Send to the request's Sender, and the requesting
// transport routes the answer to the waiting RequestResponse call instead of
// to its listeners. Concrete implementations live in sub-packages:
// memnet (in-process), grpctransport (network) and emulator (fault
// injection wrapper for tests).
package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

var (
	ErrStopped     = errors.New("transport stopped")
	ErrUnreachable = errors.New("destination unreachable")
	ErrTimeout     = errors.New("request timed out")
)

// Transport is an async, at-most-once messaging primitive. Send never
// retries. Listen delivers every inbound message that is not a reply to a
// pending request.
type Transport interface {
	Address() Address
	Send(ctx context.Context, to Address, msg Message) error
	RequestResponse(ctx context.Context, to Address, req Message) (Message, error)
	Listen() (<-chan Message, func())
	Stop(ctx context.Context) error
}

// InboundFilter decides whether an arriving message is accepted.
type InboundFilter func(Message) bool

// Filterable is implemented by transports that can gate inbound messages at
// arrival, before replies are matched and before listeners see them.
type Filterable interface {
	SetInboundFilter(f InboundFilter)
}

// Gate holds an optional InboundFilter. The zero value admits everything.
type Gate struct {
	filter atomic.Pointer[InboundFilter]
}

// Set installs f. A nil f removes the filter.
func (g *Gate) Set(f InboundFilter) {
	if f == nil {
		g.filter.Store(nil)
		return
	}
	g.filter.Store(&f)
}

// Admit reports whether msg passes the installed filter.
func (g *Gate) Admit(msg Message) bool {
	f := g.filter.Load()
	return f == nil || (*f)(msg)
}

// Pending tracks in-flight requests by correlation id.
type Pending struct {
	mu      sync.Mutex
	waiters map[string]chan Message
}

func NewPending() *Pending {
	return &Pending{waiters: make(map[string]chan Message)}
}

func (p *Pending) register(cid string) chan Message {
	ch := make(chan Message, 1)
	p.mu.Lock()
	p.waiters[cid] = ch
	p.mu.Unlock()
	return ch
}

func (p *Pending) forget(cid string) {
	p.mu.Lock()
	delete(p.waiters, cid)
	p.mu.Unlock()
}

// Resolve hands msg to the request waiting on its correlation id. It reports
// false when nobody is waiting, in which case the caller should treat msg as
// an ordinary inbound message.
func (p *Pending) Resolve(msg Message) bool {
	if msg.CorrelationID == "" {
		return false
	}
	p.mu.Lock()
	ch, ok := p.waiters[msg.CorrelationID]
	if ok {
		delete(p.waiters, msg.CorrelationID)
	}
	p.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// Do sends a request with send and waits for the matching reply or for ctx
// to end.
func (p *Pending) Do(ctx context.Context, req Message, send func(context.Context) error) (Message, error) {
	if req.CorrelationID == "" {
		return Message{}, errors.Newf("request %s has no correlation id", req.Qualifier)
	}
	ch := p.register(req.CorrelationID)
	defer p.forget(req.CorrelationID)

	if err := send(ctx); err != nil {
		return Message{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Message{}, errors.Mark(errors.Wrapf(ctx.Err(), "await reply to %s", req.Qualifier), ErrTimeout)
	}
}
