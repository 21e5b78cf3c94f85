// Package harness observes a controller during a run. It keeps a trace of
// controller events and offers helpers to wait for, count and inject
// traffic.
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pb "github.com/distcodep7/dsmutex/proto"
	ctrl "github.com/distcodep7/dsmutex/testing/controller"
	"github.com/distcodep7/dsmutex/testing/wrapper"
)

// Observation is a normalized, easy-to-query view of a controller event.
type Observation struct {
	Kind     string // copy of ControllerEvent.Kind
	Node     string
	From     string
	To       string
	Type     string // Envelope.Type
	Payload  []byte // Envelope.Payload as raw bytes
	Time     time.Time
	RawEvent *ctrl.ControllerEvent
}

// Harness subscribes to controller events and retains a trace.
type Harness struct {
	Ctrl    *ctrl.Server
	WM      *wrapper.WrapperManager // optional (for wrapper start/stop)
	events  chan *ctrl.ControllerEvent
	traceMu sync.RWMutex
	trace   []*Observation
	closed  atomic.Bool
	done    chan struct{}
}

const defaultEventBuf = 4096

// NewHarness registers an observer channel on the controller and returns a Harness.
// eventsBuf controls how many controller events are buffered.
func NewHarness(ctrlSrv *ctrl.Server, wm *wrapper.WrapperManager, eventsBuf int) *Harness {
	if eventsBuf <= 0 {
		eventsBuf = defaultEventBuf
	}
	h := &Harness{
		Ctrl:   ctrlSrv,
		WM:     wm,
		events: make(chan *ctrl.ControllerEvent, eventsBuf),
		trace:  make([]*Observation, 0, 1024),
		done:   make(chan struct{}),
	}
	ctrlSrv.RegisterObserver(h.events)
	go h.loop()
	return h
}

// Close unregisters the observer. The trace stays readable.
func (h *Harness) Close() {
	if h.closed.Swap(true) {
		return
	}
	h.Ctrl.UnregisterObserver(h.events)
	close(h.events)
	<-h.done
}

// loop consumes controller events and appends normalized observations to in-memory trace.
func (h *Harness) loop() {
	defer close(h.done)
	for ev := range h.events {
		if ev == nil {
			continue
		}
		obs := &Observation{
			Kind:     ev.Kind,
			Node:     ev.Node,
			Time:     ev.RecvTime,
			RawEvent: ev,
		}
		if ev.Env != nil {
			obs.From = ev.Env.From
			obs.To = ev.Env.To
			obs.Type = ev.Env.Type
			obs.Payload = []byte(ev.Env.Payload)
		}
		h.traceMu.Lock()
		h.trace = append(h.trace, obs)
		h.traceMu.Unlock()
	}
}

// SnapshotTrace returns a copy of the current trace (safe for analysis).
func (h *Harness) SnapshotTrace() []*Observation {
	h.traceMu.RLock()
	defer h.traceMu.RUnlock()
	out := make([]*Observation, len(h.trace))
	copy(out, h.trace)
	return out
}

// Count returns how many observations match pred.
func (h *Harness) Count(pred func(*Observation) bool) int {
	n := 0
	for _, o := range h.SnapshotTrace() {
		if pred(o) {
			n++
		}
	}
	return n
}

// Inject builds an envelope from the tester and routes it through the
// controller. The payload is JSON marshaled.
func (h *Harness) Inject(ctx context.Context, to, typ string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return h.Ctrl.InjectEnvelope(&pb.Envelope{
		From:    ctrl.TesterID,
		To:      to,
		Type:    typ,
		Payload: string(b),
	})
}

// StopPeer stops the wrapper-managed peer alias. The rest of the group sees a
// crash.
func (h *Harness) StopPeer(ctx context.Context, alias wrapper.Alias) error {
	if h.WM == nil {
		return errors.New("harness has no wrapper manager")
	}
	return h.WM.Stop(ctx, alias)
}

// WaitFor waits up to timeout for an observation matching pred and returns
// it, or nil.
func (h *Harness) WaitFor(ctx context.Context, timeout time.Duration, pred func(*Observation) bool) *Observation {
	ctx2, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, o := range h.SnapshotTrace() {
			if pred(o) {
				return o
			}
		}
		select {
		case <-ctx2.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Delivered matches forwarded envelopes of the given type.
func Delivered(typ string) func(*Observation) bool {
	return func(o *Observation) bool {
		return o.Kind == ctrl.EventForward && o.Type == typ
	}
}

// Crashed matches the crash of node.
func Crashed(node string) func(*Observation) bool {
	return func(o *Observation) bool {
		return o.Kind == ctrl.EventCrash && o.Node == node
	}
}
