// Package fdetector probes peers and reports whether they answer.
//
// Every ping interval the detector picks random ALIVE or SUSPECT members
// and pings each directly. When a direct ping times out it asks other
// members to ping the target on its behalf (ping-req) and waits for any
// relayed ack. The outcome is published as an Event; the detector keeps no
// member status of its own.
package fdetector

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/pubsub"
	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

// Event is the result of probing one member. Incarnation is the one the
// member had in the local table when the probe started.
type Event struct {
	Member      cluster.Member
	Incarnation uint64
	Status      cluster.Status
}

type Detector struct {
	local cluster.Member
	cfg   cluster.Config
	tr    transport.Transport
	cids  *cluster.CorrelationIDGenerator
	log   *zap.Logger

	events *pubsub.Hub[Event]

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(local cluster.Member, tr transport.Transport, cfg cluster.Config, cids *cluster.CorrelationIDGenerator, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		local:  local,
		cfg:    cfg,
		tr:     tr,
		cids:   cids,
		log:    log.With(zap.String("component", "fdetector"), zap.Stringer("member", local)),
		events: pubsub.NewHub[Event](),
	}
}

// Listen subscribes to probe outcomes. The channel closes on Stop.
func (d *Detector) Listen() (<-chan Event, func()) {
	return d.events.Subscribe()
}

// Start begins answering pings and probing members returned by source.
func (d *Detector) Start(source cluster.MemberSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	in, unsubscribe := d.tr.Listen()
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		defer unsubscribe()
		d.serve(ctx, in)
	}()
	go func() {
		defer d.wg.Done()
		d.loop(ctx, source)
	}()
}

// Stop cancels in-flight probes and stops the periodic schedule. It does not
// wait for outstanding round-trips.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.started || d.cancel == nil {
		d.mu.Unlock()
		return
	}
	d.cancel()
	d.cancel = nil
	d.mu.Unlock()

	d.wg.Wait()
	d.events.Close()
}

func (d *Detector) loop(ctx context.Context, source cluster.MemberSource) {
	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records := source()
			for _, target := range d.selectTargets(records) {
				go d.probe(ctx, target, records)
			}
		}
	}
}

// selectTargets picks up to PingFanout random ALIVE or SUSPECT members other
// than the local one.
func (d *Detector) selectTargets(records []cluster.Record) []cluster.Record {
	candidates := make([]cluster.Record, 0, len(records))
	for _, r := range records {
		if r.Member.ID == d.local.ID || r.IsDead() {
			continue
		}
		candidates = append(candidates, r)
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > d.cfg.PingFanout {
		candidates = candidates[:d.cfg.PingFanout]
	}
	return candidates
}

// selectRelays picks up to PingReqMembers ALIVE members that are neither
// the local member nor the probe target.
func (d *Detector) selectRelays(records []cluster.Record, target cluster.Member) []cluster.Member {
	relays := make([]cluster.Member, 0, len(records))
	for _, r := range records {
		if r.Member.ID == d.local.ID || r.Member.ID == target.ID || !r.IsAlive() {
			continue
		}
		relays = append(relays, r.Member)
	}
	rand.Shuffle(len(relays), func(i, j int) { relays[i], relays[j] = relays[j], relays[i] })
	if len(relays) > d.cfg.PingReqMembers {
		relays = relays[:d.cfg.PingReqMembers]
	}
	return relays
}

func (d *Detector) probe(ctx context.Context, target cluster.Record, records []cluster.Record) {
	start := time.Now()
	defer func() { telemetry.ProbeDuration.Observe(time.Since(start).Seconds()) }()

	err := d.ping(ctx, target.Member, d.cfg.PingTimeout)
	if err == nil {
		telemetry.ProbesTotal.WithLabelValues("direct").Inc()
		d.publish(ctx, target, cluster.Alive)
		return
	}
	if ctx.Err() != nil {
		return
	}
	d.log.Debug("direct ping failed", zap.Stringer("target", target.Member), zap.Error(err))

	relays := d.selectRelays(records, target.Member)
	if len(relays) == 0 {
		telemetry.ProbesTotal.WithLabelValues("suspect").Inc()
		d.publish(ctx, target, cluster.Suspect)
		return
	}

	if d.pingIndirect(ctx, target.Member, relays) {
		telemetry.ProbesTotal.WithLabelValues("indirect").Inc()
		d.publish(ctx, target, cluster.Alive)
		return
	}
	if ctx.Err() != nil {
		return
	}
	telemetry.ProbesTotal.WithLabelValues("suspect").Inc()
	d.log.Debug("indirect ping failed", zap.Stringer("target", target.Member), zap.Int("relays", len(relays)))
	d.publish(ctx, target, cluster.Suspect)
}

func (d *Detector) ping(ctx context.Context, target cluster.Member, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := transport.NewMessage(QualifierPing, d.cids.Next(), pingData{From: d.local, Target: target})
	if err != nil {
		return err
	}
	resp, err := d.tr.RequestResponse(ctx, target.Address, req)
	if err != nil {
		return err
	}
	return d.checkAck(resp, target)
}

// pingIndirect asks every relay concurrently and reports whether any of
// them returned an ack from target within the indirect window.
func (d *Detector) pingIndirect(ctx context.Context, target cluster.Member, relays []cluster.Member) bool {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.IndirectPingTimeout())
	defer cancel()

	acked := make(chan struct{}, len(relays))
	for _, relay := range relays {
		go func(relay cluster.Member) {
			req, err := transport.NewMessage(QualifierPingReq, d.cids.Next(), pingData{From: d.local, Target: target})
			if err != nil {
				return
			}
			resp, err := d.tr.RequestResponse(ctx, relay.Address, req)
			if err != nil {
				d.log.Debug("ping-req failed", zap.Stringer("relay", relay), zap.Stringer("target", target), zap.Error(err))
				return
			}
			if d.checkAck(resp, target) == nil {
				acked <- struct{}{}
			}
		}(relay)
	}

	select {
	case <-acked:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Detector) checkAck(resp transport.Message, target cluster.Member) error {
	if resp.Qualifier != QualifierAck {
		return errors.Newf("unexpected reply %s", resp.Qualifier)
	}
	var ack pingData
	if err := resp.Decode(&ack); err != nil {
		return err
	}
	if ack.Target.ID != target.ID {
		return errors.Newf("ack from %s, expected %s", ack.Target, target)
	}
	return nil
}

func (d *Detector) publish(ctx context.Context, target cluster.Record, status cluster.Status) {
	if ctx.Err() != nil {
		return
	}
	d.events.Publish(Event{Member: target.Member, Incarnation: target.Incarnation, Status: status})
}

func (d *Detector) serve(ctx context.Context, in <-chan transport.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			var handle func(context.Context, transport.Message)
			switch msg.Qualifier {
			case QualifierPing:
				handle = d.onPing
			case QualifierPingReq:
				handle = d.onPingReq
			default:
				continue
			}
			// A slow peer must not hold up replies to everyone else.
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				handle(ctx, msg)
			}()
		}
	}
}

func (d *Detector) onPing(ctx context.Context, msg transport.Message) {
	var data pingData
	if err := msg.Decode(&data); err != nil {
		d.log.Warn("drop malformed ping", zap.Stringer("from", msg.Sender), zap.Error(err))
		return
	}
	if data.Target.ID != d.local.ID {
		d.log.Debug("ignore ping for another member", zap.Stringer("target", data.Target), zap.Stringer("from", data.From))
		return
	}
	ack, err := msg.Reply(QualifierAck, pingData{From: data.From, Target: d.local})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.PingTimeout)
	defer cancel()
	if err := d.tr.Send(ctx, msg.Sender, ack); err != nil {
		d.log.Debug("send ack failed", zap.Stringer("to", msg.Sender), zap.Error(err))
	}
}

// onPingReq pings the target on behalf of the requester and relays the ack
// back under the requester's correlation id.
func (d *Detector) onPingReq(ctx context.Context, msg transport.Message) {
	var data pingData
	if err := msg.Decode(&data); err != nil {
		d.log.Warn("drop malformed ping-req", zap.Stringer("from", msg.Sender), zap.Error(err))
		return
	}
	telemetry.PingReqsRelayed.Inc()
	if err := d.ping(ctx, data.Target, d.cfg.PingTimeout); err != nil {
		d.log.Debug("relayed ping failed", zap.Stringer("target", data.Target), zap.Stringer("requester", data.From), zap.Error(err))
		return
	}
	ack, err := msg.Reply(QualifierAck, pingData{From: data.From, Target: data.Target})
	if err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.PingTimeout)
	defer cancel()
	if err := d.tr.Send(sendCtx, msg.Sender, ack); err != nil {
		d.log.Debug("relay ack failed", zap.Stringer("to", msg.Sender), zap.Error(err))
	}
}
