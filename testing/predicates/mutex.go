// Package predicates checks protocol-level properties of a run from the
// controller trace a harness records.
package predicates

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	ctrl "github.com/distcodep7/dsmutex/testing/controller"
	"github.com/distcodep7/dsmutex/testing/harness"
)

// MutexResult is the outcome of a progress check.
type MutexResult struct {
	Success bool
	Reason  string
	// Releases counts RELEASE deliveries per sender.
	Releases map[string]int
}

// Request is an ENTER delivered from From to To.
type Request struct {
	From string
	To   string
}

// RunMutexCheck waits until every node in nodes has had at least releases
// RELEASE messages delivered on its behalf, which means it went through the
// critical section.
func RunMutexCheck(ctx context.Context, h *harness.Harness, nodes []string, releases int, timeout time.Duration) (*MutexResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		counts := releaseCounts(h.SnapshotTrace())
		var missing []string
		for _, n := range nodes {
			if counts[n] < releases {
				missing = append(missing, n)
			}
		}
		if len(missing) == 0 {
			return &MutexResult{Success: true, Releases: counts}, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &MutexResult{
					Success:  false,
					Reason:   fmt.Sprintf("timed out; no progress from: %v", missing),
					Releases: counts,
				}, nil
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func releaseCounts(trace []*harness.Observation) map[string]int {
	counts := make(map[string]int)
	for _, o := range trace {
		if o.Kind == ctrl.EventForward && o.Type == "RELEASE" {
			counts[o.From]++
		}
	}
	return counts
}

// UnansweredEnters lists ENTER deliveries that no ALLOW went back for. Peers
// that crashed or left are not expected to answer and are skipped. Requests
// still in flight when the trace was taken show up too.
func UnansweredEnters(trace []*harness.Observation) []Request {
	gone := make(map[string]bool)
	enters := make(map[Request]int)
	allows := make(map[Request]int)
	for _, o := range trace {
		switch {
		case o.Kind == ctrl.EventCrash || o.Kind == ctrl.EventLeave:
			gone[o.Node] = true
		case o.Kind != ctrl.EventForward:
		case o.Type == "ENTER":
			enters[Request{From: o.From, To: o.To}]++
		case o.Type == "ALLOW":
			allows[Request{From: o.To, To: o.From}]++
		}
	}

	var out []Request
	for req, n := range enters {
		if gone[req.To] || gone[req.From] {
			continue
		}
		for range n - allows[req] {
			out = append(out, req)
		}
	}
	slices.SortFunc(out, func(a, b Request) int {
		if a.From != b.From {
			return compareIDs(a.From, b.From)
		}
		return compareIDs(a.To, b.To)
	})
	return out
}

// compareIDs orders numeric ids numerically and anything else after them.
func compareIDs(a, b string) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
