// Command peer runs one mutual exclusion process against a controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/distcodep7/dsmutex/channel"
	"github.com/distcodep7/dsmutex/dsnet"
	"github.com/distcodep7/dsmutex/mutex"
	"github.com/distcodep7/dsmutex/trace"
)

func main() {
	def := mutex.DefaultConfig()
	controllerAddr := flag.String("controller", "localhost:50051", "controller address")
	group := flag.String("group", def.Group, "process group to join")
	name := flag.String("name", "peer", "name used in logs")
	behavior := flag.String("behavior", string(mutex.Active), "active or passive")
	peers := flag.Int("peers", 0, "wait until the group has this many members")
	timeout := flag.Duration("timeout", def.ReceiveTimeout, "receive timeout, one failure detector round")
	maxTimeouts := flag.Int("max-timeouts", def.MaxAllowedTimeouts, "silent rounds before a peer is declared crashed")
	headMultiplier := flag.Int("head-multiplier", def.HeadTimeoutMultiplier, "threshold multiplier for the queue head holder")
	maxHold := flag.Duration("max-hold", def.MaxHold, "upper bound on time spent in the critical section")
	seed := flag.Int64("seed", 0, "seed for coin flips and hold times, 0 seeds from the clock")
	tracePath := flag.String("trace", "", "JSONL trace file")
	flag.Parse()

	b, err := mutex.ParseBehavior(*behavior)
	if err != nil {
		log.Fatal(err)
	}
	cfg := def
	cfg.Group = *group
	cfg.ExpectedPeers = *peers
	cfg.ReceiveTimeout = *timeout
	cfg.MaxAllowedTimeouts = *maxTimeouts
	cfg.HeadTimeoutMultiplier = *headMultiplier
	cfg.MaxHold = *maxHold
	cfg.Seed = *seed

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *controllerAddr, *name, b, cfg, *tracePath); err != nil {
		log.Printf("[PEER] %v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, name string, behavior mutex.Behavior, cfg mutex.Config, tracePath string) error {
	var tw *trace.Writer
	if tracePath != "" {
		var err error
		if tw, err = trace.OpenFile(tracePath); err != nil {
			return err
		}
		defer tw.Close()
	}

	node, err := dsnet.Dial(ctx, addr, dsnet.Options{Trace: tw})
	if err != nil {
		return err
	}
	defer node.Close()

	p, err := mutex.New(channel.New(node, nil), cfg, mutex.Options{Trace: tw})
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := p.Init(ctx, name, behavior); err != nil {
		return err
	}

	err = p.Run(ctx)
	switch {
	case errors.Is(err, mutex.ErrTransportClosed):
		log.Printf("[PEER] %s stopped by controller", p.ID())
		return nil
	case err != nil:
		return err
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Leave(leaveCtx); err != nil {
		log.Printf("[PEER] %v", err)
	}
	return nil
}
