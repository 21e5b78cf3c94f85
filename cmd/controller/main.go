// Command controller runs the group controller that peers dial into. It
// routes envelopes between peers and can inject drops, duplicates and
// reordering.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/distcodep7/dsmutex/testing/controller"
	"github.com/distcodep7/dsmutex/trace"
)

func main() {
	addr := flag.String("addr", ":50051", "listen address")
	drop := flag.Float64("drop", 0, "probability of dropping a message")
	dupe := flag.Float64("dupe", 0, "probability of duplicating a message")
	reorder := flag.Float64("reorder", 0, "probability of delaying a message")
	reorderMin := flag.Duration("reorder-min", time.Millisecond, "minimum reorder delay")
	reorderMax := flag.Duration("reorder-max", 2*time.Millisecond, "maximum reorder delay")
	asyncDupe := flag.Bool("async-dupe", false, "send duplicates from a separate goroutine")
	seed := flag.Int64("seed", 0, "fault injection seed, 0 seeds from the clock")
	archivePath := flag.String("archive", "", "bolt file that keeps every delivered envelope")
	tracePath := flag.String("trace", "", "JSONL file for DROP events")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *addr, *archivePath, *tracePath, controller.ServerProps{
		Faults: controller.NewTestConfig(*drop, *reorder, *dupe, *asyncDupe, *reorderMin, *reorderMax),
		Seed:   *seed,
	}); err != nil {
		log.Printf("failed to serve: %v", err)
		stop()
		os.Exit(1)
	}
	log.Println("Controller stopped")
}

func run(ctx context.Context, addr, archivePath, tracePath string, props controller.ServerProps) error {
	if archivePath != "" {
		archive, err := controller.OpenArchive(archivePath, nil)
		if err != nil {
			return err
		}
		defer archive.Close()
		props.Archive = archive
	}
	if tracePath != "" {
		tw, err := trace.OpenFile(tracePath)
		if err != nil {
			return err
		}
		defer tw.Close()
		props.Trace = tw
	}

	return controller.Serve(ctx, addr, props)
}
