package membership

import (
	"bytes"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
	"github.com/ryandielhenn/zephyrcluster/pkg/fdetector"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

// updateMembership merges r into the table. Only records strictly fresher
// than the stored one are applied. Records that introduce a member, or
// revive or re-incarnate one, wait for that member's metadata first.
func (p *Protocol) updateMembership(r cluster.Record, why reason) {
	if r.Member.ID == p.local.ID {
		p.onSelfRumor(r, why)
		return
	}
	if r.Member.Address == p.local.Address {
		p.log.Debug("ignore record for another member at local address", zap.Stringer("record", r))
		return
	}

	old, known := p.table[r.Member.ID]
	if why == reasonSync && r.IsDead() && known && !old.IsDead() {
		// A peer's sync view may come from its side of a partition; let our
		// own failure detector decide instead of evicting on its word.
		r.Status = cluster.Suspect
	}
	if !known && r.IsDead() {
		return
	}
	if known && !r.Overrides(old) {
		return
	}

	if needsMetadata(r, old, known) {
		p.admit(r, why)
		return
	}
	p.apply(r, why, nil, false)
}

func needsMetadata(r, old cluster.Record, known bool) bool {
	if r.IsDead() {
		return false
	}
	return !known || old.IsDead() || r.Incarnation > old.Incarnation
}

// admit fetches r's metadata off the loop and merges r once it arrives.
func (p *Protocol) admit(r cluster.Record, why reason) {
	if pending, ok := p.admissions[r.Member.ID]; ok {
		if r.Overrides(pending.record) {
			pending.record, pending.reason = r, why
		}
		return
	}
	p.admissions[r.Member.ID] = &admission{record: r, reason: why}

	ctx := p.ctx
	member := r.Member
	go func() {
		b, err := p.meta.Fetch(ctx, member)
		p.submit(func() { p.onMetadataFetched(member, b, err) })
	}()
}

func (p *Protocol) onMetadataFetched(member cluster.Member, b []byte, err error) {
	pending, ok := p.admissions[member.ID]
	if !ok {
		return
	}
	delete(p.admissions, member.ID)
	if err != nil {
		p.log.Debug("skip record, metadata unavailable", zap.Stringer("record", pending.record), zap.Error(err))
		return
	}

	r := pending.record
	if r.Member.Address != member.Address {
		// The pending record moved to another address while we were asking
		// the old one; ask again.
		p.updateMembership(r, pending.reason)
		return
	}
	if old, known := p.table[r.Member.ID]; known && !r.Overrides(old) {
		return
	}
	p.apply(r, pending.reason, b, true)
}

// apply stores r, emits the resulting event and re-broadcasts r unless it
// already travels by gossip.
func (p *Protocol) apply(r cluster.Record, why reason, metadata []byte, fetched bool) {
	old, known := p.table[r.Member.ID]
	p.table[r.Member.ID] = r
	p.dirty = true

	p.log.Debug("membership updated", zap.Stringer("record", r), zap.Stringer("reason", why))

	switch {
	case r.IsDead():
		p.cancelTask(p.suspicions, r.Member.ID)
		p.scheduleCleanup(r.Member)
		if known && !old.IsDead() {
			last, _ := p.meta.Forget(r.Member)
			p.emit(cluster.NewRemovedEvent(r.Member, last))
		}

	default:
		p.cancelTask(p.cleanups, r.Member.ID)
		if r.IsSuspect() {
			if _, ok := p.suspicions[r.Member.ID]; !ok {
				p.scheduleSuspicion(r.Member)
			}
		} else {
			p.cancelTask(p.suspicions, r.Member.ID)
		}

		switch {
		case !known || old.IsDead():
			p.meta.Remember(r.Member, metadata)
			p.emit(cluster.NewAddedEvent(r.Member, metadata))
		case fetched:
			prev, cached := p.meta.MemberMetadata(r.Member)
			p.meta.Remember(r.Member, metadata)
			if cached && !bytes.Equal(prev, metadata) {
				p.emit(cluster.NewUpdatedEvent(r.Member, prev, metadata))
			}
		}
	}

	if why != reasonGossip {
		p.spread(r)
	}
}

// onSelfRumor refutes SUSPECT or DEAD records about the local member that
// are at least as recent as our own incarnation.
func (p *Protocol) onSelfRumor(r cluster.Record, why reason) {
	self := p.table[p.local.ID]
	if p.leaving {
		return
	}
	if r.IsAlive() && r.Incarnation <= self.Incarnation {
		return
	}
	if !r.IsAlive() && r.Incarnation < self.Incarnation {
		return
	}

	refuted := cluster.Record{Member: p.local, Incarnation: r.Incarnation + 1, Status: cluster.Alive}
	p.table[p.local.ID] = refuted
	p.dirty = true
	telemetry.RefutationsTotal.Inc()
	p.log.Info("refuting rumor about local member", zap.Stringer("rumor", r), zap.Stringer("reason", why), zap.Uint64("incarnation", refuted.Incarnation))
	p.spread(refuted)
}

func (p *Protocol) onFailureDetectorEvent(ev fdetector.Event) {
	r, ok := p.table[ev.Member.ID]
	if !ok || r.IsDead() || r.Member.ID == p.local.ID {
		return
	}
	switch ev.Status {
	case cluster.Alive:
		if r.IsSuspect() {
			// The member answers but does not know it is suspected; a sync
			// shows it our table so it can refute.
			p.log.Debug("suspected member answers, syncing", zap.Stringer("member", r.Member))
			p.syncAsync(r.Member.Address)
		}
	case cluster.Suspect:
		if !r.IsAlive() || r.Incarnation > ev.Incarnation {
			return
		}
		telemetry.SuspicionsTotal.Inc()
		p.log.Info("member suspected", zap.Stringer("member", r.Member), zap.Uint64("incarnation", r.Incarnation))
		p.apply(cluster.Record{Member: r.Member, Incarnation: r.Incarnation, Status: cluster.Suspect}, reasonFailureDetector, nil, false)
	}
}

func (p *Protocol) onLocalMetadataChanged(b []byte) {
	if p.leaving {
		return
	}
	self := p.table[p.local.ID]
	self.Incarnation++
	self.Status = cluster.Alive
	p.table[p.local.ID] = self
	p.dirty = true
	p.log.Info("local metadata changed", zap.Stringer("reason", reasonLocal), zap.Uint64("incarnation", self.Incarnation), zap.Int("bytes", len(b)))
	p.spread(self)
}

func (p *Protocol) leave() error {
	self := p.table[p.local.ID]
	dead := cluster.Record{Member: p.local, Incarnation: self.Incarnation + 1, Status: cluster.Dead}
	p.table[p.local.ID] = dead
	p.leaving = true
	p.dirty = true
	p.log.Info("leaving cluster", zap.Stringer("reason", reasonLocal), zap.Uint64("incarnation", dead.Incarnation))
	return p.spreadErr(dead)
}

func (p *Protocol) onMembershipGossip(msg transport.Message) {
	var r cluster.Record
	if err := msg.Decode(&r); err != nil {
		p.log.Warn("drop malformed membership gossip", zap.Stringer("from", msg.Sender), zap.Error(err))
		return
	}
	p.submit(func() { p.updateMembership(r, reasonGossip) })
}

func (p *Protocol) spread(r cluster.Record) {
	if err := p.spreadErr(r); err != nil {
		p.log.Debug("spread membership gossip failed", zap.Stringer("record", r), zap.Error(err))
	}
}

func (p *Protocol) spreadErr(r cluster.Record) error {
	msg, err := transport.NewMessage(QualifierGossip, "", r)
	if err != nil {
		return err
	}
	_, err = p.gsp.SpreadGossip(msg)
	return err
}

func recordEvent(ev cluster.Event) {
	telemetry.EventsTotal.WithLabelValues(ev.Type.String()).Inc()
}
