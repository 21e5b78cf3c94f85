package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/distcodep7/dsmutex/channel"
	"github.com/distcodep7/dsmutex/dsnet"
	"github.com/distcodep7/dsmutex/mutex"
	"github.com/distcodep7/dsmutex/testing/controller"
	"github.com/distcodep7/dsmutex/testing/harness"
	"github.com/distcodep7/dsmutex/testing/predicates"
	"github.com/distcodep7/dsmutex/testing/wrapper"
	"github.com/distcodep7/dsmutex/testutils"
	"github.com/distcodep7/dsmutex/trace"
)

type labOptions struct {
	Addr       string
	Active     int
	Passive    int
	Duration   time.Duration
	Timeout    time.Duration
	MaxHold    time.Duration
	CrashAfter time.Duration
	CrashPeer  string
	CrashAlias string
	Wrappers   map[wrapper.Alias]string
	// DockerPeers run in containers of DockerImage under cmd/wrapper.
	DockerPeers   int
	DockerImage   string
	DockerNetwork string
	Drop          float64
	Seed          int64
	TracePath     string
	// Logger defaults to log.Default().
	Logger controller.Logger
}

type summary struct {
	Peers      []mutex.ProcessID
	Entries    map[mutex.ProcessID]int
	Delivered  map[string]int
	Dropped    int
	Crashed    []string
	Unanswered []predicates.Request
	Errors     map[mutex.ProcessID]error
	Violations []testutils.Violation
}

func (s summary) print(w io.Writer) {
	fmt.Fprintln(w, "peer      entries")
	for _, id := range s.Peers {
		fmt.Fprintf(w, "%-9s %d\n", id, s.Entries[id])
	}
	for _, typ := range []string{"ENTER", "ALLOW", "RELEASE"} {
		fmt.Fprintf(w, "%-9s %d delivered\n", typ, s.Delivered[typ])
	}
	fmt.Fprintf(w, "dropped   %d\n", s.Dropped)
	if len(s.Unanswered) > 0 {
		fmt.Fprintf(w, "pending   %d ENTER without ALLOW\n", len(s.Unanswered))
	}
	if len(s.Crashed) > 0 {
		fmt.Fprintf(w, "crashed   %v\n", s.Crashed)
	}
	for id, err := range s.Errors {
		fmt.Fprintf(w, "%s failed: %v\n", id, err)
	}
	if len(s.Violations) == 0 {
		fmt.Fprintln(w, "mutual exclusion held")
		return
	}
	for _, v := range s.Violations {
		fmt.Fprintf(w, "VIOLATION: %s entered while %s was inside\n", v.Entering, v.Occupied)
	}
}

func run(ctx context.Context, opts labOptions) (summary, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.DockerPeers > 0 && opts.DockerImage == "" {
		return summary{}, errors.New("docker peers need an image")
	}
	if opts.Active+opts.Passive+len(opts.Wrappers)+opts.DockerPeers < 2 {
		return summary{}, errors.New("need at least two peers")
	}
	cfg := opts.peerConfig()
	if err := cfg.Validate(); err != nil {
		return summary{}, err
	}

	var tw *trace.Writer
	if opts.TracePath != "" {
		var err error
		if tw, err = trace.OpenFile(opts.TracePath); err != nil {
			return summary{}, err
		}
		defer tw.Close()
	}

	srvCtx, stopSrv := context.WithCancel(ctx)
	defer stopSrv()
	srv, addr, _, err := controller.Listen(srvCtx, opts.Addr, controller.ServerProps{
		Faults: opts.faults(),
		Logger: logger,
		Trace:  tw,
		Seed:   opts.Seed,
	})
	if err != nil {
		return summary{}, err
	}

	if opts.DockerPeers > 0 {
		pool, addrs, err := startContainers(ctx, opts, addr, logger)
		if err != nil {
			return summary{}, err
		}
		defer pool.Close(context.Background())
		wrappers := make(map[wrapper.Alias]string, len(opts.Wrappers)+len(addrs))
		maps.Copy(wrappers, opts.Wrappers)
		maps.Copy(wrappers, addrs)
		opts.Wrappers = wrappers
	}

	var wm *wrapper.WrapperManager
	if len(opts.Wrappers) > 0 {
		aliases := make([]wrapper.Alias, 0, len(opts.Wrappers))
		for alias := range opts.Wrappers {
			aliases = append(aliases, alias)
		}
		slices.Sort(aliases)
		wm = wrapper.NewWrapperManager(0, aliases...)
		for alias, a := range opts.Wrappers {
			wm.SetAddr(alias, a)
		}
	}
	h := harness.NewHarness(srv, wm, 0)
	defer h.Close()

	if wm != nil {
		for alias, err := range wm.StartAll(ctx) {
			if err != nil {
				return summary{}, fmt.Errorf("start %s: %w", alias, err)
			}
		}
		defer wm.StopAll(context.Background())
		for _, alias := range wm.ManagedNodes {
			if err := wm.AwaitReady(ctx, alias, 100*time.Millisecond); err != nil {
				return summary{}, fmt.Errorf("await %s: %w", alias, err)
			}
		}
	}

	cs := testutils.NewCriticalSection()
	behaviors := make([]mutex.Behavior, 0, opts.Active+opts.Passive)
	for range opts.Active {
		behaviors = append(behaviors, mutex.Active)
	}
	for range opts.Passive {
		behaviors = append(behaviors, mutex.Passive)
	}

	procs, err := startPeers(ctx, addr.String(), cfg, behaviors, cs, tw, logger)
	defer func() {
		for _, p := range procs {
			p.node.Close()
		}
	}()
	if err != nil {
		return summary{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	errs := make(map[mutex.ProcessID]error)
	var errMu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Go(func() {
			if err := p.proc.Run(runCtx); err != nil && !errors.Is(err, mutex.ErrTransportClosed) {
				errMu.Lock()
				errs[p.proc.ID()] = err
				errMu.Unlock()
			}
		})
	}

	if opts.CrashAfter > 0 && (opts.CrashPeer != "" || opts.CrashAlias != "") {
		select {
		case <-time.After(opts.CrashAfter):
			crash(runCtx, h, srv, opts, logger)
		case <-runCtx.Done():
		}
	}
	wg.Wait()

	sum := summary{
		Entries:    make(map[mutex.ProcessID]int),
		Delivered:  make(map[string]int),
		Errors:     errs,
		Violations: cs.Violations(),
	}
	for _, p := range procs {
		sum.Peers = append(sum.Peers, p.proc.ID())
		sum.Entries[p.proc.ID()] = cs.Entries(p.proc.ID())
	}
	for _, typ := range []string{"ENTER", "ALLOW", "RELEASE"} {
		sum.Delivered[typ] = h.Count(harness.Delivered(typ))
	}
	sum.Dropped = h.Count(func(o *harness.Observation) bool { return o.Kind == controller.EventDrop })
	observed := h.SnapshotTrace()
	sum.Unanswered = predicates.UnansweredEnters(observed)
	for _, o := range observed {
		if o.Kind == controller.EventCrash {
			sum.Crashed = append(sum.Crashed, o.Node)
		}
	}
	return sum, nil
}

func crash(ctx context.Context, h *harness.Harness, srv *controller.Server, opts labOptions, logger controller.Logger) {
	if opts.CrashAlias != "" {
		if err := h.StopPeer(ctx, wrapper.Alias(opts.CrashAlias)); err != nil {
			logger.Printf("[LAB] stop %s: %v", opts.CrashAlias, err)
			return
		}
		logger.Printf("[LAB] stopped %s", opts.CrashAlias)
		return
	}
	if err := srv.Crash(opts.CrashPeer); err != nil {
		logger.Printf("[LAB] crash %s: %v", opts.CrashPeer, err)
		return
	}
	logger.Printf("[LAB] crashed %s", opts.CrashPeer)
}

type peer struct {
	node *dsnet.Node
	proc *mutex.Process
}

// startPeers dials and initializes one process per behavior. Init blocks
// until the whole group is present, so the processes start concurrently.
func startPeers(ctx context.Context, addr string, cfg mutex.Config, behaviors []mutex.Behavior, cs *testutils.CriticalSection, tw *trace.Writer, logger controller.Logger) ([]peer, error) {
	peers := make([]peer, 0, len(behaviors))
	for i := range behaviors {
		pcfg := cfg
		if pcfg.Seed != 0 {
			pcfg.Seed += int64(i)
		}
		node, err := dsnet.Dial(ctx, addr, dsnet.Options{Trace: tw, Logger: logger})
		if err != nil {
			return peers, err
		}
		p, err := mutex.New(channel.New(node, logger), pcfg, mutex.Options{
			Logger:          logger,
			Trace:           tw,
			CriticalSection: cs.Work,
		})
		if err != nil {
			node.Close()
			return peers, err
		}
		peers = append(peers, peer{node: node, proc: p})
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	errs := make([]error, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Go(func() {
			errs[i] = p.proc.Init(initCtx, fmt.Sprintf("P%d", i+1), behaviors[i])
		})
	}
	wg.Wait()
	return peers, errors.Join(errs...)
}
