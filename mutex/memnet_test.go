package mutex

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"
)

// memNet is an in-memory group channel with per-sender FIFO delivery. A
// crashed member neither sends nor receives.
type memNet struct {
	mu      sync.Mutex
	nextID  ProcessID
	groups  map[string][]ProcessID
	inboxes map[ProcessID][]Message
	notify  map[ProcessID]chan struct{}
	crashed map[ProcessID]bool
	sent    []Message
}

func newMemNet() *memNet {
	return &memNet{
		groups:  make(map[string][]ProcessID),
		inboxes: make(map[ProcessID][]Message),
		notify:  make(map[ProcessID]chan struct{}),
		crashed: make(map[ProcessID]bool),
	}
}

func (n *memNet) endpoint() *memEndpoint {
	return &memEndpoint{net: n}
}

func (n *memNet) crash(id ProcessID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.crashed[id] = true
}

// inject delivers msg to id as if it had been sent by msg.Sender.
func (n *memNet) inject(id ProcessID, msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliverLocked(id, msg)
}

func (n *memNet) pending(id ProcessID) []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.inboxes[id])
}

func (n *memNet) deliverLocked(id ProcessID, msg Message) {
	n.inboxes[id] = append(n.inboxes[id], msg)
	select {
	case n.notify[id] <- struct{}{}:
	default:
	}
}

func (n *memNet) take(id ProcessID, sources []ProcessID) (Message, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	inbox := n.inboxes[id]
	for i, msg := range inbox {
		if slices.Contains(sources, msg.Sender) {
			n.inboxes[id] = slices.Delete(inbox, i, i+1)
			return msg, true
		}
	}
	return Message{}, false
}

type memEndpoint struct {
	net *memNet
	id  ProcessID
}

func (e *memEndpoint) Join(_ context.Context, group string) (ProcessID, error) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.id != 0 {
		// already joined, hand back the same id
		return e.id, nil
	}
	e.net.nextID++
	e.id = e.net.nextID
	e.net.groups[group] = append(e.net.groups[group], e.id)
	return e.id, nil
}

func (e *memEndpoint) Bind(_ context.Context, id ProcessID) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.net.notify[id] = make(chan struct{}, 1)
	return nil
}

func (e *memEndpoint) Subgroup(_ context.Context, group string) ([]ProcessID, error) {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	// reverse order, callers must sort
	members := slices.Clone(e.net.groups[group])
	slices.Reverse(members)
	return members, nil
}

func (e *memEndpoint) Leave(_ context.Context, group string) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	e.net.groups[group] = slices.DeleteFunc(e.net.groups[group], func(id ProcessID) bool { return id == e.id })
	return nil
}

func (e *memEndpoint) SendTo(_ context.Context, targets []ProcessID, msg Message) error {
	e.net.mu.Lock()
	defer e.net.mu.Unlock()
	if e.net.crashed[e.id] {
		return nil
	}
	e.net.sent = append(e.net.sent, msg)
	for _, t := range targets {
		if e.net.crashed[t] {
			continue
		}
		e.net.deliverLocked(t, msg)
	}
	return nil
}

func (e *memEndpoint) ReceiveFrom(ctx context.Context, sources []ProcessID, timeout time.Duration) (Message, bool, error) {
	e.net.mu.Lock()
	notify := e.net.notify[e.id]
	e.net.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if msg, ok := e.net.take(e.id, sources); ok {
			return msg, true, nil
		}
		select {
		case <-notify:
		case <-deadline.C:
			return Message{}, false, nil
		case <-ctx.Done():
			return Message{}, false, ctx.Err()
		}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReceiveTimeout = time.Millisecond
	cfg.MembershipPoll = time.Millisecond
	cfg.MaxHold = 0
	cfg.Seed = 1
	return cfg
}

// newCluster initializes one process per behavior on a shared memNet. Ids are
// assigned in argument order starting at 1.
func newCluster(t *testing.T, cfg Config, behaviors ...Behavior) (*memNet, []*Process) {
	t.Helper()
	net := newMemNet()
	cfg.ExpectedPeers = len(behaviors)

	procs := make([]*Process, len(behaviors))
	endpoints := make([]*memEndpoint, len(behaviors))
	for i := range behaviors {
		endpoints[i] = net.endpoint()
		p, err := New(endpoints[i], cfg, Options{Logger: NoOpLogger{}})
		if err != nil {
			t.Fatalf("new process: %v", err)
		}
		procs[i] = p
	}

	// join in order so ids are predictable, then wait for membership together
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, e := range endpoints {
		id, _ := e.Join(ctx, cfg.Group)
		if id != ProcessID(i+1) {
			t.Fatalf("unexpected id %v for process %d", id, i)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(procs))
	for i, p := range procs {
		wg.Add(1)
		go func(i int, p *Process) {
			defer wg.Done()
			errs[i] = p.Init(ctx, "peer", behaviors[i])
		}(i, p)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("init process %d: %v", i, err)
		}
	}
	return net, procs
}
