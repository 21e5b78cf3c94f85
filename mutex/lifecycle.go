package mutex

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/distcodep7/dsmutex/trace"
)

// Init joins the group, binds the receive endpoint and fixes the membership.
// Membership never grows afterwards; peers only leave the live set.
func (p *Process) Init(ctx context.Context, name string, behavior Behavior) error {
	id, err := p.transport.Join(ctx, p.cfg.Group)
	if err != nil {
		return fmt.Errorf("join group %q: %w", p.cfg.Group, err)
	}
	p.id = id

	if err := p.transport.Bind(ctx, id); err != nil {
		return fmt.Errorf("bind %s: %w", id, err)
	}

	members, err := p.awaitMembers(ctx)
	if err != nil {
		return fmt.Errorf("membership of %q: %w", p.cfg.Group, err)
	}
	SortProcessIDs(members)
	if !slices.Contains(members, id) {
		return fmt.Errorf("membership of %q does not contain %s", p.cfg.Group, id)
	}

	p.all = members
	p.others = make([]ProcessID, 0, len(members)-1)
	for _, m := range members {
		p.alive[m] = struct{}{}
		if m != id {
			p.others = append(p.others, m)
			p.timeouts[m] = 0
		}
	}
	p.name = name
	p.behavior = behavior
	p.ready = true

	p.log.Printf("[INIT] %s = %s (%s), members %v", name, id, behavior, p.all)
	return nil
}

func (p *Process) awaitMembers(ctx context.Context) ([]ProcessID, error) {
	for {
		members, err := p.transport.Subgroup(ctx, p.cfg.Group)
		if err != nil {
			return nil, err
		}
		if len(members) >= p.cfg.ExpectedPeers {
			return slices.Clone(members), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.MembershipPoll):
		}
	}
}

// Run drives the process until ctx is cancelled or a fatal error occurs. It
// returns nil on cancellation.
func (p *Process) Run(ctx context.Context) error {
	if !p.ready {
		return ErrNotInitialized
	}
	for ctx.Err() == nil {
		if err := p.Step(ctx); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Step performs one iteration of the behavioral loop: a full critical section
// cycle when this process is active and wins the coin flip, otherwise maybe
// one receive.
func (p *Process) Step(ctx context.Context) error {
	if !p.ready {
		return ErrNotInitialized
	}
	if len(p.alive) > 1 && p.behavior == Active && p.coin() {
		return p.cycle(ctx)
	}
	if p.coin() {
		return p.Receive(ctx)
	}
	return nil
}

func (p *Process) cycle(ctx context.Context) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}

	hold := p.holdTime()
	p.log.Printf("[MUTEX] %s enters CS for %v", p.id, hold)
	p.log.Printf(" CS <- %s", p.id)
	p.emit(trace.EvtTypeEnterCS, 0)

	p.cs(ctx, p.id, hold)

	p.log.Printf(" CS -> %s", p.id)
	p.emit(trace.EvtTypeExitCS, 0)
	// peers queue behind us, so leave even when shutting down
	return p.Release(context.WithoutCancel(ctx))
}

// Acquire requests the critical section and processes messages until this
// process is admitted.
func (p *Process) Acquire(ctx context.Context) error {
	if !p.ready {
		return ErrNotInitialized
	}
	if err := p.requestEntry(ctx); err != nil {
		return err
	}
	for !p.IsAdmitted() {
		if err := p.Receive(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Release leaves the critical section. The process must be admitted.
func (p *Process) Release(ctx context.Context) error {
	if !p.ready {
		return ErrNotInitialized
	}
	return p.release(ctx)
}

// Receive services at most one inbound message. When the bounded wait expires
// the failure detector runs instead.
func (p *Process) Receive(ctx context.Context) error {
	msg, ok, err := p.transport.ReceiveFrom(ctx, p.others, p.cfg.ReceiveTimeout)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	if !ok {
		if p.waitingForAllow {
			p.log.Printf("[MUTEX] %s timeout while waiting for responses", p.id)
		}
		p.detectCrashes()
		return nil
	}
	return p.Handle(ctx, msg)
}

// Leave departs from the group. Messages still addressed to this process are
// lost.
func (p *Process) Leave(ctx context.Context) error {
	if !p.ready {
		return ErrNotInitialized
	}
	p.ready = false
	if err := p.transport.Leave(ctx, p.cfg.Group); err != nil {
		return fmt.Errorf("leave group %q: %w", p.cfg.Group, err)
	}
	p.log.Printf("[MUTEX] %s left group %q", p.id, p.cfg.Group)
	return nil
}

func (p *Process) coin() bool {
	return p.rng.Intn(2) == 0
}

func (p *Process) holdTime() time.Duration {
	if p.cfg.MaxHold <= 0 {
		return 0
	}
	return time.Duration(p.rng.Int63n(int64(p.cfg.MaxHold) + 1))
}
