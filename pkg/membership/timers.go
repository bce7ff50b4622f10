package membership

import (
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/cluster"
)

// schedule arms a task for id in tasks, replacing any task already there.
// The callback runs on the loop and is ignored if the task was cancelled
// or replaced in the meantime.
func (p *Protocol) schedule(tasks map[string]*task, id string, d time.Duration, fire func()) {
	p.cancelTask(tasks, id)
	p.taskGen++
	t := &task{gen: p.taskGen}
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		p.submit(func() {
			if cur, ok := tasks[id]; ok && cur.gen == gen {
				delete(tasks, id)
				fire()
			}
		})
	})
	tasks[id] = t
}

func (p *Protocol) cancelTask(tasks map[string]*task, id string) {
	if t, ok := tasks[id]; ok {
		t.timer.Stop()
		delete(tasks, id)
	}
}

func (p *Protocol) liveMembers() int {
	n := 0
	for _, r := range p.table {
		if !r.IsDead() {
			n++
		}
	}
	return n
}

func (p *Protocol) scheduleSuspicion(m cluster.Member) {
	timeout := cluster.SuspicionTimeout(p.cfg.SuspicionMult, p.liveMembers(), p.cfg.PingInterval)
	p.schedule(p.suspicions, m.ID, timeout, func() { p.onSuspicionTimeout(m.ID) })
}

func (p *Protocol) onSuspicionTimeout(id string) {
	r, ok := p.table[id]
	if !ok || !r.IsSuspect() {
		return
	}
	p.log.Info("suspicion timed out, member is dead", zap.Stringer("member", r.Member))
	dead := cluster.Record{Member: r.Member, Incarnation: r.Incarnation, Status: cluster.Dead}
	p.apply(dead, reasonSuspicionTimeout, nil, false)
}

// scheduleCleanup prunes m's DEAD record once the grace period passes.
func (p *Protocol) scheduleCleanup(m cluster.Member) {
	p.schedule(p.cleanups, m.ID, p.cfg.DeadMemberGracePeriod, func() {
		if r, ok := p.table[m.ID]; ok && r.IsDead() {
			delete(p.table, m.ID)
			p.dirty = true
			p.log.Debug("dead member pruned", zap.Stringer("member", m))
		}
	})
}
