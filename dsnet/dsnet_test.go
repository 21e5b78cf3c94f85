package dsnet

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/distcodep7/dsmutex/testing/controller"
	"github.com/distcodep7/dsmutex/testutils"
	"github.com/distcodep7/dsmutex/trace"
)

type chatMessage struct {
	BaseMessage
	Text string `json:"text"`
}

// syncBuffer lets the test read what node goroutines wrote.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) events(t *testing.T) []trace.TraceEvent {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	evts, err := trace.ReadEvents(bytes.NewReader(b.buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	return evts
}

func dialJoined(t *testing.T, addr, group string, opts Options) *Node {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = controller.NoOpLogger{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := Dial(ctx, addr, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	if _, err := n.Join(ctx, group); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := n.Bind(ctx); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return n
}

func waitForMsg(t *testing.T, ch chan Event, text, from string) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("inbound closed")
			}
			var msg chatMessage
			if err := Decode(ev, &msg); err == nil && msg.Text == text && ev.From == from {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %q from %s", text, from)
		}
	}
}

func TestJoinAndSubgroup(t *testing.T) {
	_, addr := testutils.StartTestServer(t, controller.ServerProps{})
	a := dialJoined(t, addr, "proc", Options{})
	b := dialJoined(t, addr, "proc", Options{})
	dialJoined(t, addr, "other", Options{})

	if a.ID() != "1" || b.ID() != "2" {
		t.Fatalf("ids = %s, %s", a.ID(), b.ID())
	}
	members, err := a.Subgroup(context.Background(), "proc")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(members, []string{"1", "2"}) {
		t.Fatalf("members = %v", members)
	}

	if err := b.Leave(context.Background(), "proc"); err != nil {
		t.Fatal(err)
	}
	members, _ = a.Subgroup(context.Background(), "proc")
	if !slices.Equal(members, []string{"1"}) {
		t.Fatalf("members after leave = %v", members)
	}
}

func TestClientMessaging(t *testing.T) {
	_, addr := testutils.StartTestServer(t, controller.ServerProps{})
	var log syncBuffer
	tw := trace.NewWriter(&log)
	nodeA := dialJoined(t, addr, "proc", Options{Trace: tw})
	nodeB := dialJoined(t, addr, "proc", Options{Trace: tw})
	ctx := context.Background()

	msgAtoB := chatMessage{BaseMessage{From: nodeA.ID(), To: nodeB.ID(), Type: "chat"}, "Hello from A to B"}
	if err := nodeA.Send(ctx, nodeB.ID(), msgAtoB); err != nil {
		t.Fatalf("Failed to send message from A to B: %v", err)
	}
	ev := waitForMsg(t, nodeB.Inbound, msgAtoB.Text, nodeA.ID())
	if ev.Type != "chat" || ev.VectorClock[nodeA.ID()] != 1 {
		t.Fatalf("event %+v", ev)
	}

	msgBtoA := chatMessage{BaseMessage{From: nodeB.ID(), To: nodeA.ID(), Type: "chat"}, "Hello from B to A"}
	if err := nodeB.Send(ctx, nodeA.ID(), msgBtoA); err != nil {
		t.Fatalf("Failed to send message from B to A: %v", err)
	}
	ev = waitForMsg(t, nodeA.Inbound, msgBtoA.Text, nodeB.ID())
	// B merged A's clock before replying
	if ev.VectorClock[nodeA.ID()] != 1 || ev.VectorClock[nodeB.ID()] != 2 {
		t.Fatalf("vector clock %v", ev.VectorClock)
	}

	var sends, recvs int
	for _, e := range log.events(t) {
		switch e.EvtType {
		case trace.EvtTypeSend:
			sends++
		case trace.EvtTypeRecv:
			recvs++
		}
		if e.MessageID == "" || e.ID == "" {
			t.Fatalf("trace event without ids: %+v", e)
		}
	}
	if sends != 2 || recvs != 2 {
		t.Fatalf("trace has %d sends and %d receives", sends, recvs)
	}
}

func TestSendRequiresJoinAndType(t *testing.T) {
	_, addr := testutils.StartTestServer(t, controller.ServerProps{})
	n, err := Dial(context.Background(), addr, Options{Logger: controller.NoOpLogger{}})
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	if err := n.Send(context.Background(), "1", chatMessage{BaseMessage: BaseMessage{Type: "chat"}}); err == nil {
		t.Fatal("send before join accepted")
	}
	if _, err := n.Join(context.Background(), "proc"); err != nil {
		t.Fatal(err)
	}
	if err := n.Send(context.Background(), "1", map[string]string{"text": "untyped"}); err == nil {
		t.Fatal("message without type accepted")
	}
}

func TestCrashClosesNode(t *testing.T) {
	srv, addr := testutils.StartTestServer(t, controller.ServerProps{})
	n := dialJoined(t, addr, "proc", Options{})

	if err := srv.Crash(n.ID()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-n.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("node not closed after STOP")
	}
	if _, ok := <-n.Inbound; ok {
		t.Fatal("inbound still open")
	}
	if _, err := n.Subgroup(context.Background(), "proc"); !errors.Is(err, ErrClosed) {
		t.Fatalf("request after STOP: %v", err)
	}
	n.Close()
	n.Close()
}
