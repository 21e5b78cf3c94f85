// Package mutex implements fully distributed mutual exclusion over a best
// effort group channel.
//
// Every peer keeps a Lamport clock and a local queue of ENTER and ALLOW
// messages ordered by (timestamp, sender). A peer enters the critical section
// once its own ENTER heads the queue and every peer it still believes alive has
// queued a later message. Peers that stop answering are eventually declared
// crashed and purged, so the group keeps making progress without them.
//
// A Process is driven by a single event loop and is not safe for concurrent
// use.
package mutex

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"slices"
	"time"

	"github.com/distcodep7/dsmutex/trace"
)

type Options struct {
	// Logger defaults to log.Default().
	Logger Logger
	// Trace receives CS_ENTER, CS_EXIT and CRASH events. Optional.
	Trace *trace.Writer
	// CriticalSection defaults to SleepCriticalSection.
	CriticalSection CriticalSectionFunc
}

type Process struct {
	cfg       Config
	transport Transport
	log       Logger
	events    *trace.Writer
	cs        CriticalSectionFunc
	rng       *rand.Rand

	name     string
	behavior Behavior
	id       ProcessID
	ready    bool

	clock           Clock
	queue           *Queue
	all             []ProcessID
	others          []ProcessID
	alive           map[ProcessID]struct{}
	timeouts        map[ProcessID]int
	waitingForAllow bool
}

func New(t Transport, cfg Config, opts Options) (*Process, error) {
	if t == nil {
		return nil, fmt.Errorf("mutex: nil transport")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &Process{
		cfg:       cfg,
		transport: t,
		log:       opts.Logger,
		events:    opts.Trace,
		cs:        opts.CriticalSection,
		rng:       rand.New(rand.NewSource(seed)),
		queue:     NewQueue(),
		alive:     make(map[ProcessID]struct{}),
		timeouts:  make(map[ProcessID]int),
	}
	if p.log == nil {
		p.log = log.Default()
	}
	if p.cs == nil {
		p.cs = SleepCriticalSection
	}
	return p, nil
}

func (p *Process) ID() ProcessID { return p.id }
func (p *Process) Name() string { return p.name }
func (p *Process) Behavior() Behavior { return p.behavior }
func (p *Process) Clock() uint64 { return p.clock.Time() }
func (p *Process) WaitingForAllow() bool { return p.waitingForAllow }
func (p *Process) Queue() []Message { return p.queue.Messages() }
func (p *Process) Members() []ProcessID { return slices.Clone(p.all) }
func (p *Process) TimeoutCount(id ProcessID) int { return p.timeouts[id] }

// Alive returns the members this process has not declared crashed, in order.
func (p *Process) Alive() []ProcessID {
	out := make([]ProcessID, 0, len(p.alive))
	for _, id := range p.all {
		if _, ok := p.alive[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (p *Process) isAlive(id ProcessID) bool {
	_, ok := p.alive[id]
	return ok
}

func (p *Process) aliveOthers() []ProcessID {
	out := make([]ProcessID, 0, len(p.others))
	for _, id := range p.others {
		if p.isAlive(id) {
			out = append(out, id)
		}
	}
	return out
}

// IsAdmitted reports whether this process may enter the critical section: its
// own ENTER heads the queue and every live peer has queued a later message.
func (p *Process) IsAdmitted() bool {
	head, ok := p.queue.Head()
	if !ok || head.Sender != p.id || head.Kind != Enter {
		return false
	}
	later := p.queue.SendersAfterHead()
	delete(later, p.id)
	alive := p.aliveOthers()
	if len(later) != len(alive) {
		return false
	}
	for _, id := range alive {
		if _, ok := later[id]; !ok {
			return false
		}
	}
	return true
}

// requestEntry queues and broadcasts this process's ENTER.
func (p *Process) requestEntry(ctx context.Context) error {
	if p.queue.HasEnterFrom(p.id) {
		return &InvariantError{Process: p.id, Op: "request", Detail: "an ENTER of this process is already queued"}
	}
	msg := Message{Timestamp: p.clock.Tick(), Sender: p.id, Kind: Enter}
	p.queue.Push(msg)
	p.queue.Normalize()
	p.waitingForAllow = true
	p.log.Printf("[MUTEX] %s wants to ENTER CS at CLOCK %d", p.id, msg.Timestamp)
	return p.send(ctx, p.others, msg)
}

// release leaves the critical section and tells everyone else.
func (p *Process) release(ctx context.Context) error {
	if !p.IsAdmitted() {
		head, _ := p.queue.Head()
		return &InvariantError{Process: p.id, Op: "release", Detail: fmt.Sprintf("inconsistent local RELEASE, queue head is %v", head)}
	}
	p.queue.RetainEntersAfterHead()
	msg := Message{Timestamp: p.clock.Tick(), Sender: p.id, Kind: Release}
	p.waitingForAllow = false
	p.timeouts = make(map[ProcessID]int, len(p.others))
	for _, id := range p.aliveOthers() {
		p.timeouts[id] = 0
	}
	return p.send(ctx, p.others, msg)
}

// Handle applies one inbound message.
func (p *Process) Handle(ctx context.Context, msg Message) error {
	switch msg.Kind {
	case Enter, Allow, Release:
	default:
		p.log.Printf("[MUTEX] %s ignoring message of unknown kind from %s", p.id, msg.Sender)
		return nil
	}
	// A peer declared crashed gets no ALLOW. If the suspicion was false, that
	// peer stops hearing from us and eventually declares us crashed too, so a
	// one-sided suspicion becomes a symmetric one. Answering instead would let
	// it count an ALLOW from a process that no longer waits for it.
	if msg.Sender == p.id || !p.isAlive(msg.Sender) {
		p.log.Printf("[MUTEX] %s ignoring %s from %s: not a live peer", p.id, msg.Kind, msg.Sender)
		return nil
	}

	// any message proves the sender is alive
	p.timeouts[msg.Sender] = 0
	p.clock.Observe(msg.Timestamp)

	switch msg.Kind {
	case Enter:
		return p.onEnter(ctx, msg)
	case Allow:
		p.onAllow(msg)
	case Release:
		return p.onRelease(msg)
	}
	return nil
}

// onEnter queues a peer's request and always allows it. Admission depends on
// queue order only, so an ALLOW never grants access by itself.
func (p *Process) onEnter(ctx context.Context, msg Message) error {
	p.queue.Push(msg)
	p.queue.Normalize()
	allow := Message{Timestamp: p.clock.Tick(), Sender: p.id, Kind: Allow}
	return p.send(ctx, []ProcessID{msg.Sender}, allow)
}

func (p *Process) onAllow(msg Message) {
	p.queue.Push(msg)
	p.queue.Normalize()
}

// onRelease drops the releasing peer's ENTER, which must head the queue.
func (p *Process) onRelease(msg Message) error {
	head, ok := p.queue.Head()
	if !ok || head.Sender != msg.Sender || head.Kind != Enter {
		return &InvariantError{Process: p.id, Op: "release", Detail: fmt.Sprintf("inconsistent remote RELEASE from %s, queue head is %v", msg.Sender, head)}
	}
	p.queue.PopHead()
	p.queue.Normalize()
	return nil
}

func (p *Process) send(ctx context.Context, targets []ProcessID, msg Message) error {
	if len(targets) == 0 {
		return nil
	}
	if err := p.transport.SendTo(ctx, targets, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	return nil
}

func (p *Process) emit(evt trace.EvtType, peer ProcessID) {
	e := trace.TraceEvent{
		EvtType: evt,
		From:    fmt.Sprint(int(p.id)),
		Lamport: p.clock.Time(),
	}
	if peer != 0 {
		e.To = fmt.Sprint(int(peer))
	}
	if err := p.events.Emit(e); err != nil {
		p.log.Printf("[MUTEX] %s failed to write %s event: %v", p.id, evt, err)
	}
}
