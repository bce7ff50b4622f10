package membership

import (
	"context"
	"math/rand/v2"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/transport"
)

func (p *Protocol) seeds() []transport.Address {
	out := make([]transport.Address, 0, len(p.cfg.SeedMembers))
	for _, s := range p.cfg.SeedMembers {
		if s != p.local.Address && s != p.tr.Address() {
			out = append(out, s)
		}
	}
	return out
}

// doSync runs one anti-entropy round against up to SyncGroupSize addresses
// drawn from the table, tombstones included, and the seeds.
func (p *Protocol) doSync() {
	for _, addr := range p.selectSyncTargets() {
		p.syncAsync(addr)
	}
}

func (p *Protocol) selectSyncTargets() []transport.Address {
	seen := map[transport.Address]struct{}{p.local.Address: {}, p.tr.Address(): {}}
	var targets []transport.Address
	add := func(a transport.Address) {
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		targets = append(targets, a)
	}
	for id, r := range p.table {
		if id != p.local.ID {
			add(r.Member.Address)
		}
	}
	for _, s := range p.cfg.SeedMembers {
		add(s)
	}
	rand.Shuffle(len(targets), func(i, j int) { targets[i], targets[j] = targets[j], targets[i] })
	if len(targets) > p.cfg.SyncGroupSize {
		targets = targets[:p.cfg.SyncGroupSize]
	}
	return targets
}

func (p *Protocol) syncAsync(addr transport.Address) {
	go func() {
		if err := p.syncWith(p.ctx, addr); err != nil {
			p.log.Debug("sync failed", zap.Stringer("peer", addr), zap.Error(err))
		}
	}()
}

// SyncWith runs one push-pull sync with addr outside the periodic
// schedule, e.g. for an address learned from an external registry.
func (p *Protocol) SyncWith(ctx context.Context, addr transport.Address) error {
	if !p.isRunning() {
		return ErrNotStarted
	}
	if addr == p.local.Address || addr == p.tr.Address() {
		return nil
	}
	return p.syncWith(ctx, addr)
}

// syncWith pushes the local table to addr and merges the table it returns.
func (p *Protocol) syncWith(ctx context.Context, addr transport.Address) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SyncTimeout)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	req, err := transport.NewMessage(QualifierSync, p.cids.Next(), syncData{Records: p.Records()})
	if err != nil {
		return err
	}
	resp, err := p.tr.RequestResponse(ctx, addr, req)
	if err != nil {
		telemetry.SyncsTotal.WithLabelValues("failed").Inc()
		return err
	}
	if resp.Qualifier != QualifierSyncAck {
		telemetry.SyncsTotal.WithLabelValues("failed").Inc()
		return errors.Newf("unexpected sync reply %s", resp.Qualifier)
	}
	var data syncData
	if err := resp.Decode(&data); err != nil {
		telemetry.SyncsTotal.WithLabelValues("failed").Inc()
		return err
	}
	telemetry.SyncsTotal.WithLabelValues("ok").Inc()

	done := make(chan struct{})
	if !p.submit(func() {
		defer close(done)
		for _, r := range data.Records {
			p.updateMembership(r, reasonSync)
		}
	}) {
		return ErrStopped
	}
	select {
	case <-done:
	case <-p.ctx.Done():
	}
	return nil
}

// onSync merges a peer's table and answers with ours, merged first so that
// any refutation is already included.
func (p *Protocol) onSync(msg transport.Message) {
	var data syncData
	if err := msg.Decode(&data); err != nil {
		p.log.Warn("drop malformed sync", zap.Stringer("from", msg.Sender), zap.Error(err))
		return
	}
	p.submit(func() {
		for _, r := range data.Records {
			p.updateMembership(r, reasonSync)
		}
		p.flush()
		reply, err := msg.Reply(QualifierSyncAck, syncData{Records: p.Records()})
		if err != nil {
			p.log.Warn("encode sync reply", zap.Error(err))
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(p.ctx, p.cfg.SyncTimeout)
			defer cancel()
			if err := p.tr.Send(ctx, msg.Sender, reply); err != nil {
				p.log.Debug("send sync reply failed", zap.Stringer("to", msg.Sender), zap.Error(err))
			}
		}()
	})
}
