package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// supervisor runs at most one instance of a command.
type supervisor struct {
	path     string
	args     []string
	grace    time.Duration
	shutdown context.CancelFunc

	mu   sync.Mutex
	proc *exec.Cmd
	// exited is closed when proc has been reaped.
	exited chan struct{}
}

func newSupervisor(path string, args []string, grace time.Duration, shutdown context.CancelFunc) *supervisor {
	return &supervisor{path: path, args: args, grace: grace, shutdown: shutdown}
}

func (s *supervisor) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ready", s.ready)
	mux.HandleFunc("/start", s.start)
	mux.HandleFunc("/reset", s.reset)
	mux.HandleFunc("/stop", s.stopHandler)
	mux.HandleFunc("/shutdown", s.shutdownHandler)
	return mux
}

func (s *supervisor) start(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		fmt.Fprintln(w, "Process already running")
		return
	}
	if err := s.startLocked(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to start process: %v", err), http.StatusInternalServerError)
		return
	}
	fmt.Fprintln(w, "Process started")
}

func (s *supervisor) reset(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if err := s.startLocked(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to restart process: %v", err), http.StatusInternalServerError)
		return
	}
	fmt.Fprintln(w, "Process reset")
}

func (s *supervisor) stopHandler(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil {
		fmt.Fprintln(w, "No process running")
		return
	}
	s.stopLocked()
	fmt.Fprintln(w, "Process stopped")
}

func (s *supervisor) shutdownHandler(w http.ResponseWriter, _ *http.Request) {
	s.stop()
	fmt.Fprintln(w, "Wrapper shutting down...")
	if s.shutdown != nil {
		s.shutdown()
	}
}

func (s *supervisor) ready(w http.ResponseWriter, _ *http.Request) {
	if !s.running() {
		http.Error(w, "Not ready", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprintln(w, "Ready")
}

func (s *supervisor) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

func (s *supervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *supervisor) startLocked() error {
	cmd := exec.Command(s.path, s.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}

	exited := make(chan struct{})
	s.proc, s.exited = cmd, exited
	go func() {
		err := cmd.Wait()
		if err != nil {
			log.Printf("Process exited with error: %v", err)
		} else {
			log.Println("Process exited successfully")
		}
		close(exited)

		s.mu.Lock()
		if s.proc == cmd {
			s.proc, s.exited = nil, nil
		}
		s.mu.Unlock()
	}()
	return nil
}

func (s *supervisor) stopLocked() {
	if s.proc == nil {
		return
	}
	proc, exited := s.proc, s.exited
	s.proc, s.exited = nil, nil

	proc.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(s.grace):
		log.Println("Process did not exit, killing")
		proc.Process.Kill()
		<-exited
	}
}
