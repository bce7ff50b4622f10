// Package emulator wraps a transport with controllable link quality:
// outbound loss and delay per destination, inbound gating per source. It is
// used to build partition scenarios in tests. With default settings the
// wrapper is a transparent pass-through.
package emulator

import (
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

// OutboundSettings describe the link to one destination.
type OutboundSettings struct {
	LossPercent int
	MeanDelay   time.Duration
}

// EvaluateLoss reports whether a message should be lost.
func (s OutboundSettings) EvaluateLoss() bool {
	return s.LossPercent > 0 && (s.LossPercent >= 100 || rand.IntN(100) < s.LossPercent)
}

// EvaluateDelay draws a delay from an exponential distribution with mean
// MeanDelay.
func (s OutboundSettings) EvaluateDelay() time.Duration {
	if s.MeanDelay <= 0 {
		return 0
	}
	x := rand.Float64()
	return time.Duration(-math.Log(1-x) * float64(s.MeanDelay))
}

// InboundSettings gate messages from one source.
type InboundSettings struct {
	ShallPass bool
}

// NetworkEmulator holds the link settings of one local endpoint.
type NetworkEmulator struct {
	address transport.Address
	log     *zap.Logger

	mu              sync.RWMutex
	defaultOutbound OutboundSettings
	defaultInbound  InboundSettings
	outbound        map[transport.Address]OutboundSettings
	inbound         map[transport.Address]InboundSettings

	sent         atomic.Int64
	outboundLost atomic.Int64
	inboundLost  atomic.Int64
}

func NewNetworkEmulator(address transport.Address, log *zap.Logger) *NetworkEmulator {
	if log == nil {
		log = zap.NewNop()
	}
	return &NetworkEmulator{
		address:        address,
		log:            log.With(zap.String("component", "emulator"), zap.Stringer("address", address)),
		defaultInbound: InboundSettings{ShallPass: true},
		outbound:       make(map[transport.Address]OutboundSettings),
		inbound:        make(map[transport.Address]InboundSettings),
	}
}

func (e *NetworkEmulator) OutboundSettings(dest transport.Address) OutboundSettings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.outbound[dest]; ok {
		return s
	}
	return e.defaultOutbound
}

func (e *NetworkEmulator) SetOutboundSettings(dest transport.Address, lossPercent int, meanDelay time.Duration) {
	e.mu.Lock()
	e.outbound[dest] = OutboundSettings{LossPercent: lossPercent, MeanDelay: meanDelay}
	e.mu.Unlock()
	e.log.Debug("set outbound settings", zap.Stringer("dest", dest), zap.Int("loss", lossPercent), zap.Duration("delay", meanDelay))
}

func (e *NetworkEmulator) SetDefaultOutboundSettings(lossPercent int, meanDelay time.Duration) {
	e.mu.Lock()
	e.defaultOutbound = OutboundSettings{LossPercent: lossPercent, MeanDelay: meanDelay}
	e.mu.Unlock()
	e.log.Debug("set default outbound settings", zap.Int("loss", lossPercent), zap.Duration("delay", meanDelay))
}

func (e *NetworkEmulator) BlockAllOutbound() {
	e.mu.Lock()
	clear(e.outbound)
	e.defaultOutbound = OutboundSettings{LossPercent: 100}
	e.mu.Unlock()
	e.log.Debug("blocked all outbound")
}

func (e *NetworkEmulator) UnblockAllOutbound() {
	e.mu.Lock()
	clear(e.outbound)
	e.defaultOutbound = OutboundSettings{}
	e.mu.Unlock()
	e.log.Debug("unblocked all outbound")
}

func (e *NetworkEmulator) BlockOutbound(dests ...transport.Address) {
	e.mu.Lock()
	for _, d := range dests {
		e.outbound[d] = OutboundSettings{LossPercent: 100}
	}
	e.mu.Unlock()
	e.log.Debug("blocked outbound", zap.Stringers("dests", dests))
}

func (e *NetworkEmulator) UnblockOutbound(dests ...transport.Address) {
	e.mu.Lock()
	for _, d := range dests {
		delete(e.outbound, d)
	}
	e.mu.Unlock()
	e.log.Debug("unblocked outbound", zap.Stringers("dests", dests))
}

func (e *NetworkEmulator) InboundSettings(src transport.Address) InboundSettings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.inbound[src]; ok {
		return s
	}
	return e.defaultInbound
}

func (e *NetworkEmulator) SetInboundSettings(src transport.Address, shallPass bool) {
	e.mu.Lock()
	e.inbound[src] = InboundSettings{ShallPass: shallPass}
	e.mu.Unlock()
	e.log.Debug("set inbound settings", zap.Stringer("src", src), zap.Bool("pass", shallPass))
}

func (e *NetworkEmulator) SetDefaultInboundSettings(shallPass bool) {
	e.mu.Lock()
	e.defaultInbound = InboundSettings{ShallPass: shallPass}
	e.mu.Unlock()
}

func (e *NetworkEmulator) BlockAllInbound() {
	e.mu.Lock()
	clear(e.inbound)
	e.defaultInbound = InboundSettings{ShallPass: false}
	e.mu.Unlock()
	e.log.Debug("blocked all inbound")
}

func (e *NetworkEmulator) UnblockAllInbound() {
	e.mu.Lock()
	clear(e.inbound)
	e.defaultInbound = InboundSettings{ShallPass: true}
	e.mu.Unlock()
	e.log.Debug("unblocked all inbound")
}

func (e *NetworkEmulator) BlockInbound(srcs ...transport.Address) {
	e.mu.Lock()
	for _, s := range srcs {
		e.inbound[s] = InboundSettings{ShallPass: false}
	}
	e.mu.Unlock()
	e.log.Debug("blocked inbound", zap.Stringers("srcs", srcs))
}

func (e *NetworkEmulator) UnblockInbound(srcs ...transport.Address) {
	e.mu.Lock()
	for _, s := range srcs {
		delete(e.inbound, s)
	}
	e.mu.Unlock()
	e.log.Debug("unblocked inbound", zap.Stringers("srcs", srcs))
}

func (e *NetworkEmulator) TotalMessageSentCount() int64         { return e.sent.Load() }
func (e *NetworkEmulator) TotalOutboundMessageLostCount() int64 { return e.outboundLost.Load() }
func (e *NetworkEmulator) TotalInboundMessageLostCount() int64  { return e.inboundLost.Load() }

// tryFailOutbound reports whether a message to dest is lost.
func (e *NetworkEmulator) tryFailOutbound(dest transport.Address) bool {
	e.sent.Add(1)
	if e.OutboundSettings(dest).EvaluateLoss() {
		e.outboundLost.Add(1)
		return true
	}
	return false
}

func (e *NetworkEmulator) tryDelayOutbound(dest transport.Address) time.Duration {
	return e.OutboundSettings(dest).EvaluateDelay()
}

func (e *NetworkEmulator) shallPass(src transport.Address) bool {
	if e.InboundSettings(src).ShallPass {
		return true
	}
	e.inboundLost.Add(1)
	return false
}
