// Command lab runs a controller and a group of peers in one process, or
// drives peers that run under cmd/wrapper, optionally crashes one of them
// mid-run and prints what happened.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/distcodep7/dsmutex/mutex"
	"github.com/distcodep7/dsmutex/testing/controller"
	"github.com/distcodep7/dsmutex/testing/wrapper"
)

func main() {
	var opts labOptions
	flag.StringVar(&opts.Addr, "addr", ":50051", "controller listen address")
	flag.IntVar(&opts.Active, "active", 2, "in-process active peers")
	flag.IntVar(&opts.Passive, "passive", 1, "in-process passive peers")
	flag.DurationVar(&opts.Duration, "duration", 20*time.Second, "length of the run")
	flag.DurationVar(&opts.Timeout, "timeout", time.Second, "peer receive timeout")
	flag.DurationVar(&opts.MaxHold, "max-hold", 200*time.Millisecond, "upper bound on time spent in the critical section")
	flag.DurationVar(&opts.CrashAfter, "crash-after", 0, "crash a peer after this long, 0 disables")
	flag.StringVar(&opts.CrashPeer, "crash-peer", "", "controller id of the peer to crash")
	flag.StringVar(&opts.CrashAlias, "crash-alias", "", "wrapper alias of the peer to stop instead")
	wrappers := flag.String("wrappers", "", "comma separated alias=host:port of peers run under wrappers")
	flag.IntVar(&opts.DockerPeers, "docker-peers", 0, "peers to run in Docker containers")
	flag.StringVar(&opts.DockerImage, "docker-image", "", "image holding /app/wrapper and /app/peer")
	flag.StringVar(&opts.DockerNetwork, "docker-network", "dsmutex", "bridge network for the containers")
	flag.Float64Var(&opts.Drop, "drop", 0, "probability of dropping a message")
	flag.Int64Var(&opts.Seed, "seed", 0, "seed for peers and fault injection, 0 seeds from the clock")
	flag.StringVar(&opts.TracePath, "trace", "", "JSONL trace file")
	flag.Parse()

	var err error
	if opts.Wrappers, err = parseWrappers(*wrappers); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := run(ctx, opts)
	if err != nil {
		log.Printf("[LAB] %v", err)
		stop()
		os.Exit(1)
	}
	sum.print(os.Stdout)
	if len(sum.Violations) > 0 {
		stop()
		os.Exit(2)
	}
}

// parseWrappers reads "a=host:1,b=host:2".
func parseWrappers(s string) (map[wrapper.Alias]string, error) {
	out := make(map[wrapper.Alias]string)
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		alias, addr, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || alias == "" || addr == "" {
			return nil, fmt.Errorf("invalid wrapper %q, want alias=host:port", part)
		}
		out[wrapper.Alias(alias)] = addr
	}
	return out, nil
}

func (o labOptions) peerConfig() mutex.Config {
	cfg := mutex.DefaultConfig()
	cfg.ExpectedPeers = o.Active + o.Passive + len(o.Wrappers) + o.DockerPeers
	cfg.ReceiveTimeout = o.Timeout
	cfg.MaxHold = o.MaxHold
	cfg.MembershipPoll = 50 * time.Millisecond
	cfg.Seed = o.Seed
	return cfg
}

func (o labOptions) faults() controller.TestConfig {
	return controller.NewTestConfig(o.Drop, 0, 0, false, 0, 0)
}
