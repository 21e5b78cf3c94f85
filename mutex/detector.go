package mutex

import (
	"github.com/distcodep7/dsmutex/trace"
)

// detectCrashes runs one failure detector round after a receive timed out.
//
// Two situations are suspicious. If this process heads the queue and waits for
// ALLOWs, every live peer that has not answered yet is charged a timeout. If
// another peer heads the queue while this process has its own ENTER queued,
// that head holder is charged instead, against a larger threshold.
func (p *Process) detectCrashes() {
	head, ok := p.queue.Head()
	if !ok || head.Kind != Enter {
		return
	}

	if head.Sender == p.id {
		if !p.waitingForAllow {
			return
		}
		answered := p.queue.SendersAfterHead()
		for _, id := range p.aliveOthers() {
			if _, ok := answered[id]; ok {
				continue
			}
			p.timeouts[id]++
			if p.timeouts[id] >= p.cfg.MaxAllowedTimeouts {
				p.markCrashed(id)
			}
		}
		return
	}

	if !p.queue.HasEnterFrom(p.id) || !p.isAlive(head.Sender) {
		return
	}
	p.timeouts[head.Sender]++
	if p.timeouts[head.Sender] >= p.cfg.MaxAllowedTimeouts*p.cfg.HeadTimeoutMultiplier {
		p.markCrashed(head.Sender)
	}
}

// markCrashed removes id from the live set for good and purges its messages.
func (p *Process) markCrashed(id ProcessID) {
	if id == p.id || !p.isAlive(id) {
		return
	}
	delete(p.alive, id)
	// the admission denominator changed, partial counts are meaningless now
	clear(p.timeouts)
	removed := p.queue.RemoveSender(id)
	p.queue.Normalize()

	p.log.Printf("[CRASH] %s says: %s is DEAD! (%d queued messages purged, remaining alive: %v)", p.id, id, removed, p.Alive())
	p.emit(trace.EvtTypeCrash, id)
}
