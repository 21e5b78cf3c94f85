package controller

import (
	"encoding/json"
	"io"
	"slices"
	"testing"
	"time"

	pb "github.com/distcodep7/dsmutex/proto"
	"google.golang.org/grpc"
)

// fakeStream stands in for a node's gRPC stream.
type fakeStream struct {
	grpc.ServerStream
	in   chan *pb.Envelope
	out  chan *pb.Envelope
	done chan error
}

func (f *fakeStream) Send(env *pb.Envelope) error {
	f.out <- env
	return nil
}

func (f *fakeStream) Recv() (*pb.Envelope, error) {
	env, ok := <-f.in
	if !ok {
		return nil, io.EOF
	}
	return env, nil
}

func (f *fakeStream) request(t *testing.T, env *pb.Envelope) *pb.Envelope {
	t.Helper()
	env.To = pb.ControllerID
	f.in <- env
	return f.next(t)
}

func (f *fakeStream) next(t *testing.T) *pb.Envelope {
	t.Helper()
	select {
	case env := <-f.out:
		return env
	case <-time.After(time.Second):
		t.Fatal("no envelope from controller")
		return nil
	}
}

func (f *fakeStream) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case env := <-f.out:
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(20 * time.Millisecond):
	}
}

func openStream(s *Server) *fakeStream {
	fs := &fakeStream{
		in:   make(chan *pb.Envelope, 16),
		out:  make(chan *pb.Envelope, 16),
		done: make(chan error, 1),
	}
	go func() { fs.done <- s.Stream(fs) }()
	return fs
}

// join registers a node in group and binds it.
func join(t *testing.T, s *Server, group string) (*fakeStream, string) {
	t.Helper()
	fs := openStream(s)
	reply := fs.request(t, &pb.Envelope{Id: "h", Type: pb.TypeHandshake, Group: group})
	if reply.Type != pb.TypeJoined || reply.Id != "h" || reply.To == "" {
		t.Fatalf("bad handshake reply %+v", reply)
	}
	if ack := fs.request(t, &pb.Envelope{Id: "b", Type: pb.TypeBind}); ack.Type != pb.TypeBind {
		t.Fatalf("bad bind reply %+v", ack)
	}
	return fs, reply.To
}

func quietServer() *Server {
	return NewServer(ServerProps{Logger: NoOpLogger{}, Seed: 1})
}

func TestHandshakeAssignsIncreasingIDs(t *testing.T) {
	s := quietServer()
	var ids []string
	for i := 0; i < 3; i++ {
		_, id := join(t, s, "proc")
		ids = append(ids, id)
	}
	if !slices.Equal(ids, []string{"1", "2", "3"}) {
		t.Fatalf("ids = %v", ids)
	}
}

func TestRepeatedHandshakeKeepsID(t *testing.T) {
	s := quietServer()
	fs, id := join(t, s, "proc")
	reply := fs.request(t, &pb.Envelope{Id: "again", Type: pb.TypeHandshake, Group: "other"})
	if reply.To != id {
		t.Fatalf("second handshake gave %s, want %s", reply.To, id)
	}
	if !slices.Equal(s.Members("other"), []string{id}) {
		t.Fatalf("second handshake should join the new group, members %v", s.Members("other"))
	}
}

func TestSubgroupListsMembersNumerically(t *testing.T) {
	s := quietServer()
	var first *fakeStream
	for i := 0; i < 11; i++ {
		fs, _ := join(t, s, "proc")
		if first == nil {
			first = fs
		}
	}
	join(t, s, "elsewhere")

	reply := first.request(t, &pb.Envelope{Id: "s", Type: pb.TypeSubgroup, Group: "proc"})
	if reply.Type != pb.TypeMembers {
		t.Fatalf("reply type %s", reply.Type)
	}
	var members []string
	if err := json.Unmarshal([]byte(reply.Payload), &members); err != nil {
		t.Fatal(err)
	}
	want := []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11"}
	if !slices.Equal(members, want) {
		t.Fatalf("members = %v, want %v", members, want)
	}
}

func TestControlBeforeHandshakeIsRefused(t *testing.T) {
	s := quietServer()
	fs := openStream(s)
	reply := fs.request(t, &pb.Envelope{Id: "x", Type: pb.TypeBind})
	if reply.Type != pb.TypeError || reply.Id != "x" {
		t.Fatalf("expected ERROR reply, got %+v", reply)
	}
}

func TestUnknownControlTypeIsRefused(t *testing.T) {
	s := quietServer()
	fs, _ := join(t, s, "proc")
	if reply := fs.request(t, &pb.Envelope{Id: "x", Type: "PING"}); reply.Type != pb.TypeError {
		t.Fatalf("expected ERROR reply, got %+v", reply)
	}
}

func TestForwardStampsSender(t *testing.T) {
	s := quietServer()
	a, _ := join(t, s, "proc")
	b, idB := join(t, s, "proc")

	a.in <- &pb.Envelope{Id: "m1", From: "spoofed", To: idB, Type: "ENTER", Payload: `{"timestamp":1}`}
	got := b.next(t)
	if got.From != "1" || got.Type != "ENTER" || got.Payload != `{"timestamp":1}` {
		t.Fatalf("forwarded envelope %+v", got)
	}
}

func TestUnboundDestinationIsUndeliverable(t *testing.T) {
	s := quietServer()
	obs := make(chan *ControllerEvent, 16)
	s.RegisterObserver(obs)

	a, _ := join(t, s, "proc")
	c := openStream(s)
	reply := c.request(t, &pb.Envelope{Id: "h", Type: pb.TypeHandshake, Group: "proc"})

	a.in <- &pb.Envelope{Id: "m", To: reply.To, Type: "ENTER"}
	waitEvent(t, obs, func(ev *ControllerEvent) bool { return ev.Kind == EventDrop && ev.Env.Id == "m" })
	c.expectSilence(t)
}

func TestPartitionBlocksAndUnblocks(t *testing.T) {
	s := quietServer()
	a, idA := join(t, s, "proc")
	b, idB := join(t, s, "proc")

	s.CreatePartition([]string{idA}, []string{idB})
	a.in <- &pb.Envelope{To: idB, Type: "ENTER"}
	b.in <- &pb.Envelope{To: idA, Type: "ENTER"}
	a.expectSilence(t)
	b.expectSilence(t)

	s.UnblockCommunication(idA, idB)
	a.in <- &pb.Envelope{To: idB, Type: "ALLOW"}
	if got := b.next(t); got.Type != "ALLOW" {
		t.Fatalf("got %+v", got)
	}
	b.in <- &pb.Envelope{To: idA, Type: "ALLOW"}
	a.expectSilence(t)
}

func TestIsolate(t *testing.T) {
	s := quietServer()
	a, idA := join(t, s, "proc")
	b, idB := join(t, s, "proc")
	c, idC := join(t, s, "proc")

	s.Isolate(idB)
	a.in <- &pb.Envelope{To: idB, Type: "ENTER"}
	b.in <- &pb.Envelope{To: idC, Type: "ENTER"}
	b.expectSilence(t)
	c.expectSilence(t)

	a.in <- &pb.Envelope{To: idC, Type: "ENTER"}
	if got := c.next(t); got.From != idA {
		t.Fatalf("got %+v", got)
	}
}

func TestCrashStopsNodeAndDropsItsTraffic(t *testing.T) {
	s := quietServer()
	obs := make(chan *ControllerEvent, 16)
	s.RegisterObserver(obs)
	a, idA := join(t, s, "proc")
	b, idB := join(t, s, "proc")

	if err := s.Crash(idB); err != nil {
		t.Fatal(err)
	}
	if got := b.next(t); got.Type != pb.TypeStop {
		t.Fatalf("crashed node got %+v, want STOP", got)
	}
	waitEvent(t, obs, func(ev *ControllerEvent) bool { return ev.Kind == EventCrash && ev.Node == idB })

	if got := s.Members("proc"); !slices.Equal(got, []string{idA}) {
		t.Fatalf("members after crash = %v", got)
	}

	b.in <- &pb.Envelope{To: idA, Type: "ALLOW"}
	a.expectSilence(t)
	a.in <- &pb.Envelope{To: idB, Type: "ENTER"}
	b.expectSilence(t)

	if err := s.Crash(idB); err == nil {
		t.Fatal("crashing a removed node should fail")
	}
}

func TestLeaveAndDisconnect(t *testing.T) {
	s := quietServer()
	a, idA := join(t, s, "proc")
	b, idB := join(t, s, "proc")

	if ack := b.request(t, &pb.Envelope{Id: "l", Type: pb.TypeLeave, Group: "proc"}); ack.Type != pb.TypeLeave {
		t.Fatalf("leave reply %+v", ack)
	}
	if got := s.Members("proc"); !slices.Equal(got, []string{idA}) {
		t.Fatalf("members after leave = %v", got)
	}
	// still connected, so still reachable
	a.in <- &pb.Envelope{To: idB, Type: "RELEASE"}
	b.next(t)

	close(b.in)
	if err := <-b.done; err != nil {
		t.Fatalf("stream returned %v", err)
	}
	if slices.Contains(s.Nodes(), idB) {
		t.Fatal("disconnected node still listed")
	}
	a.in <- &pb.Envelope{To: idB, Type: "RELEASE"}
	a.expectSilence(t)
}

func TestInjectEnvelope(t *testing.T) {
	s := NewServer(ServerProps{Logger: NoOpLogger{}, Seed: 1, Faults: TestConfig{DropProb: 1}})
	a, idA := join(t, s, "proc")

	if err := s.InjectEnvelope(&pb.Envelope{From: TesterID, To: "99", Type: "ENTER"}); err == nil {
		t.Fatal("unknown destination accepted")
	}
	if err := s.InjectEnvelope(nil); err == nil {
		t.Fatal("nil envelope accepted")
	}
	if err := s.InjectEnvelope(&pb.Envelope{From: TesterID, To: idA, Type: "RELEASE"}); err != nil {
		t.Fatal(err)
	}
	got := a.next(t)
	if got.From != TesterID || got.Id == "" {
		t.Fatalf("injected envelope %+v", got)
	}
}

func TestObserversSeeForwardsAndCanUnregister(t *testing.T) {
	s := quietServer()
	obs := make(chan *ControllerEvent, 16)
	s.RegisterObserver(obs)
	a, _ := join(t, s, "proc")
	b, idB := join(t, s, "proc")

	a.in <- &pb.Envelope{Id: "f", To: idB, Type: "ENTER"}
	b.next(t)
	ev := waitEvent(t, obs, func(ev *ControllerEvent) bool { return ev.Kind == EventForward })
	if ev.Env.Id != "f" || ev.RecvTime.IsZero() {
		t.Fatalf("forward event %+v", ev)
	}

	s.UnregisterObserver(obs)
	close(obs)
	a.in <- &pb.Envelope{To: idB, Type: "ENTER"}
	b.next(t)
}

func waitEvent(t *testing.T, ch chan *ControllerEvent, pred func(*ControllerEvent) bool) *ControllerEvent {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if pred(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("expected controller event not observed")
			return nil
		}
	}
}
