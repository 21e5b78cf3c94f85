// Command wrapper supervises one peer process and exposes its lifecycle over
// HTTP: /start, /stop, /reset, /shutdown and /ready. The harness uses it to
// crash and restart peers.
//
//	wrapper -cmd ./peer -addr :8090 -- -controller ctrl:50051 -peers 3
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	cmdPath := flag.String("cmd", "", "path to the peer executable")
	addr := flag.String("addr", ":8090", "HTTP listen address")
	grace := flag.Duration("grace", 3*time.Second, "time between SIGTERM and SIGKILL on stop")
	flag.Parse()

	if *cmdPath == "" {
		log.Println("You must provide -cmd")
		os.Exit(1)
	}

	log.Println("Starting wrapper for:", *cmdPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := newSupervisor(*cmdPath, flag.Args(), *grace, cancel)
	srv := &http.Server{Addr: *addr, Handler: sup.routes()}

	go func() {
		log.Println("Server running on", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Println("Server error:", err)
			cancel()
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	if ctx.Err() != nil {
		log.Println("Shutdown requested...")
	} else {
		log.Println("Received termination signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	sup.stop()
	log.Println("Wrapper exited")
}
