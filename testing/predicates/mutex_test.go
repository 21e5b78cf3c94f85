package predicates

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/distcodep7/dsmutex/dsnet"
	ctrl "github.com/distcodep7/dsmutex/testing/controller"
	"github.com/distcodep7/dsmutex/testing/harness"
	"github.com/distcodep7/dsmutex/testutils"
)

func fwd(from, to, typ string) *harness.Observation {
	return &harness.Observation{Kind: ctrl.EventForward, From: from, To: to, Type: typ}
}

func TestUnansweredEnters(t *testing.T) {
	tests := []struct {
		name  string
		trace []*harness.Observation
		want  []Request
	}{
		{
			name:  "answered",
			trace: []*harness.Observation{fwd("1", "2", "ENTER"), fwd("2", "1", "ALLOW")},
		},
		{
			name:  "missing allow",
			trace: []*harness.Observation{fwd("1", "2", "ENTER"), fwd("1", "3", "ENTER"), fwd("3", "1", "ALLOW")},
			want:  []Request{{From: "1", To: "2"}},
		},
		{
			name: "second request unanswered",
			trace: []*harness.Observation{
				fwd("1", "2", "ENTER"), fwd("2", "1", "ALLOW"),
				fwd("1", "2", "RELEASE"),
				fwd("1", "2", "ENTER"),
			},
			want: []Request{{From: "1", To: "2"}},
		},
		{
			name: "crashed peer is not expected to answer",
			trace: []*harness.Observation{
				fwd("1", "3", "ENTER"),
				{Kind: ctrl.EventCrash, Node: "3"},
			},
		},
		{
			name: "drops do not count as deliveries",
			trace: []*harness.Observation{
				{Kind: ctrl.EventDrop, From: "1", To: "2", Type: "ENTER"},
			},
		},
		{
			name: "numeric order",
			trace: []*harness.Observation{
				fwd("10", "2", "ENTER"), fwd("2", "10", "ENTER"), fwd("2", "9", "ENTER"),
			},
			want: []Request{{From: "2", To: "9"}, {From: "2", To: "10"}, {From: "10", To: "2"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnansweredEnters(tt.trace); !slices.Equal(got, tt.want) {
				t.Fatalf("UnansweredEnters() = %v, want %v", got, tt.want)
			}
		})
	}
}

type release struct {
	dsnet.BaseMessage
	Timestamp uint64 `json:"timestamp"`
}

func TestRunMutexCheck(t *testing.T) {
	srv, addr := testutils.StartTestServer(t, ctrl.ServerProps{Logger: ctrl.NoOpLogger{}})
	h := harness.NewHarness(srv, nil, 0)
	defer h.Close()

	ctx := context.Background()
	var nodes []*dsnet.Node
	for range 2 {
		n, err := dsnet.Dial(ctx, addr, dsnet.Options{Logger: ctrl.NoOpLogger{}})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { n.Close() })
		if _, err := n.Join(ctx, "proc"); err != nil {
			t.Fatal(err)
		}
		if err := n.Bind(ctx); err != nil {
			t.Fatal(err)
		}
		nodes = append(nodes, n)
	}

	res, err := RunMutexCheck(ctx, h, []string{"1", "2"}, 1, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("succeeded without any RELEASE")
	}

	if err := nodes[0].Send(ctx, "2", release{BaseMessage: dsnet.BaseMessage{Type: "RELEASE"}, Timestamp: 3}); err != nil {
		t.Fatal(err)
	}
	if err := nodes[1].Send(ctx, "1", release{BaseMessage: dsnet.BaseMessage{Type: "RELEASE"}, Timestamp: 4}); err != nil {
		t.Fatal(err)
	}
	res, err = RunMutexCheck(ctx, h, []string{"1", "2"}, 1, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Releases["1"] != 1 || res.Releases["2"] != 1 {
		t.Fatalf("result = %+v", res)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := RunMutexCheck(cancelled, h, []string{"1"}, 5, time.Second); err == nil {
		t.Fatal("cancelled check returned no error")
	}
}
