// Package controller is the hub every node streams to. It hands out process
// ids, tracks group membership, routes envelopes between bound nodes and can
// inject faults: partitions, crashes, drops, duplicates and delays.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	pb "github.com/distcodep7/dsmutex/proto"
	"github.com/distcodep7/dsmutex/trace"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TesterID marks envelopes injected by a test harness. Faults are never
// applied to them.
const TesterID = "TESTER"

type sender interface {
	SendEnvelope(*pb.Envelope) error
}

type Logger interface {
	Printf(format string, v ...any)
}

type NoOpLogger struct{}

func (NoOpLogger) Printf(string, ...any) {}

type Node struct {
	id     string
	stream pb.NetworkController_StreamServer
	sendMu sync.Mutex
	alive  atomic.Bool
	bound  atomic.Bool
}

type TestConfig struct {
	DropProb        float64
	DupeProb        float64
	AsyncDuplicate  bool
	ReorderProb     float64
	ReorderMinDelay time.Duration
	ReorderMaxDelay time.Duration
}

func NewTestConfig(dropp, reordp, dupep float64, asyncDup bool, reordMin, reordMax time.Duration) TestConfig {
	return TestConfig{
		DropProb:        dropp,
		ReorderProb:     reordp,
		DupeProb:        dupep,
		AsyncDuplicate:  asyncDup,
		ReorderMinDelay: reordMin,
		ReorderMaxDelay: reordMax,
	}
}

func (c TestConfig) Validate() error {
	var errs []error
	for name, p := range map[string]float64{"drop": c.DropProb, "dupe": c.DupeProb, "reorder": c.ReorderProb} {
		if p < 0 || p > 1 {
			errs = append(errs, fmt.Errorf("%s probability %v outside [0,1]", name, p))
		}
	}
	if c.ReorderMinDelay < 0 || c.ReorderMinDelay > c.ReorderMaxDelay {
		errs = append(errs, fmt.Errorf("reorder delay range [%v,%v] is invalid", c.ReorderMinDelay, c.ReorderMaxDelay))
	}
	return errors.Join(errs...)
}

type ServerProps struct {
	Faults TestConfig
	// Logger defaults to log.Default().
	Logger Logger
	// Trace receives a DROP event for every envelope that is not delivered.
	Trace *trace.Writer
	// Archive persists every delivered envelope. Optional.
	Archive *Archive
	// Seed feeds fault injection. Zero seeds from the clock.
	Seed int64
}

type Server struct {
	pb.UnimplementedNetworkControllerServer

	mu      sync.Mutex
	nodes   map[string]*Node
	senders map[string]sender
	groups  map[string]map[string]struct{}
	blocked map[string]map[string]bool
	nextID  int

	rng   *rand.Rand
	rngMu sync.Mutex

	testConfig TestConfig
	log        Logger
	events     *trace.Writer
	archive    *Archive

	obsMu     sync.RWMutex
	observers []chan *ControllerEvent
}

func NewServer(props ServerProps) *Server {
	seed := props.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Server{
		nodes:      make(map[string]*Node),
		senders:    make(map[string]sender),
		groups:     make(map[string]map[string]struct{}),
		blocked:    make(map[string]map[string]bool),
		rng:        rand.New(rand.NewSource(seed)),
		testConfig: props.Faults,
		log:        props.Logger,
		events:     props.Trace,
		archive:    props.Archive,
	}
	if s.log == nil {
		s.log = log.Default()
	}
	return s
}

func (n *Node) SendEnvelope(env *pb.Envelope) error {
	if n.stream == nil {
		return fmt.Errorf("node stream not initialized")
	}
	if !n.alive.Load() {
		return fmt.Errorf("node %s is gone", n.id)
	}
	n.sendMu.Lock()
	defer n.sendMu.Unlock()
	return n.stream.Send(env)
}

func (s *Server) Stream(stream pb.NetworkController_StreamServer) error {
	var n *Node
	defer func() {
		if n != nil {
			s.removeNode(n, EventLeave)
		}
	}()

	for {
		msg, err := stream.Recv()
		if err == io.EOF || status.Code(err) == codes.Canceled {
			return nil
		}
		if err != nil {
			return err
		}

		if msg.To == pb.ControllerID {
			n = s.handleControl(stream, n, msg)
			continue
		}
		if n == nil {
			s.log.Printf("[ERR] %s envelope from unregistered stream", msg.Type)
			continue
		}
		if !s.registered(n) {
			s.log.Printf("[CTRL] Ignoring %s from removed node %s", msg.Type, n.id)
			continue
		}
		msg.From = n.id
		s.forward(msg)
	}
}

// handleControl serves one controller-bound request and returns the node
// bound to the stream, which is created by the first HANDSHAKE.
func (s *Server) handleControl(stream pb.NetworkController_StreamServer, n *Node, req *pb.Envelope) *Node {
	if req.Type == pb.TypeHandshake && n == nil {
		n = s.register(stream, req.Group)
		s.reply(n, req, pb.TypeJoined, "")
		return n
	}
	if n == nil {
		s.log.Printf("[ERR] %s before HANDSHAKE", req.Type)
		_ = stream.Send(&pb.Envelope{Id: req.Id, From: pb.ControllerID, Type: pb.TypeError, Payload: "not registered"})
		return nil
	}
	if !s.registered(n) {
		s.reply(n, req, pb.TypeError, "node was removed")
		return n
	}

	switch req.Type {
	case pb.TypeHandshake:
		s.addToGroup(n.id, req.Group)
		s.reply(n, req, pb.TypeJoined, "")
	case pb.TypeBind:
		s.bind(n)
		s.reply(n, req, pb.TypeBind, "")
	case pb.TypeSubgroup:
		members, err := json.Marshal(s.Members(req.Group))
		if err != nil {
			s.reply(n, req, pb.TypeError, err.Error())
			return n
		}
		s.reply(n, req, pb.TypeMembers, string(members))
	case pb.TypeLeave:
		s.removeFromGroup(n.id, req.Group)
		s.reply(n, req, pb.TypeLeave, "")
	default:
		s.reply(n, req, pb.TypeError, fmt.Sprintf("unknown control type %q", req.Type))
	}
	return n
}

func (s *Server) reply(n *Node, req *pb.Envelope, typ, payload string) {
	resp := &pb.Envelope{Id: req.Id, From: pb.ControllerID, To: n.id, Group: req.Group, Type: typ, Payload: payload}
	if err := n.SendEnvelope(resp); err != nil {
		s.log.Printf("[ERR] reply %s to %s: %v", typ, n.id, err)
	}
}

func (s *Server) register(stream pb.NetworkController_StreamServer, group string) *Node {
	s.mu.Lock()
	s.nextID++
	n := &Node{id: strconv.Itoa(s.nextID), stream: stream}
	n.alive.Store(true)
	s.nodes[n.id] = n
	s.mu.Unlock()

	s.addToGroup(n.id, group)
	s.log.Printf("[CTRL] Node Registered: %s (group %q)", n.id, group)
	s.notify(&ControllerEvent{Kind: EventJoin, Node: n.id})
	return n
}

func (s *Server) registered(n *Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[n.id] == n
}

func (s *Server) bind(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.bound.Store(true)
	s.senders[n.id] = n
}

func (s *Server) addToGroup(id, group string) {
	if group == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups[group] == nil {
		s.groups[group] = make(map[string]struct{})
	}
	s.groups[group][id] = struct{}{}
}

func (s *Server) removeFromGroup(id, group string) {
	s.mu.Lock()
	if members, ok := s.groups[group]; ok {
		delete(members, id)
	}
	s.mu.Unlock()
	s.log.Printf("[CTRL] Node %s left group %q", id, group)
	s.notify(&ControllerEvent{Kind: EventLeave, Node: id})
}

// Members returns the ids of the connected members of group in numeric order.
func (s *Server) Members(group string) []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.groups[group]))
	for id := range s.groups[group] {
		if _, ok := s.nodes[id]; ok {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sortNumeric(ids)
	return ids
}

// Nodes returns the ids of all connected nodes in numeric order.
func (s *Server) Nodes() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sortNumeric(ids)
	return ids
}

func sortNumeric(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA != nil || errB != nil {
			return ids[i] < ids[j]
		}
		return a < b
	})
}

func (s *Server) forward(msg *pb.Envelope) {
	s.mu.Lock()

	// Partition Check
	if blockedTargets, exists := s.blocked[msg.From]; exists {
		if blockedTargets[msg.To] {
			s.mu.Unlock()
			s.log.Printf("[PARTITION] Dropped: %s -> %s", msg.From, msg.To)
			s.logDrop(msg)
			return
		}
	}

	target, ok := s.senders[msg.To]
	s.mu.Unlock()

	if !ok {
		s.log.Printf("[ERR] Undeliverable: %s -> %s (%s)", msg.From, msg.To, msg.Type)
		s.logDrop(msg)
		return
	}

	skippedMessage, err := s.handleMessageEvents(msg)
	if err != nil {
		s.log.Printf("[EVNT ERR] %v", err)
	}
	if skippedMessage {
		return
	}

	s.deliver(target, msg)
}

// deliver sends msg and records it as forwarded.
func (s *Server) deliver(target sender, msg *pb.Envelope) {
	if err := target.SendEnvelope(msg); err != nil {
		s.log.Printf("[ERR] send failed: %v", err)
		s.logDrop(msg)
		return
	}
	s.archive.Record(msg)
	s.notify(&ControllerEvent{Kind: EventForward, Env: msg})
}

func (s *Server) logDrop(env *pb.Envelope) {
	err := s.events.Emit(trace.TraceEvent{
		MessageID:   env.Id,
		EvtType:     trace.EvtTypeDrop,
		MsgType:     env.Type,
		From:        env.From,
		To:          env.To,
		VectorClock: env.VectorMap(),
		Payload:     json.RawMessage(env.Payload),
	})
	if err != nil {
		s.log.Printf("[ERR] Failed to write to log file: %v", err)
	}
	s.notify(&ControllerEvent{Kind: EventDrop, Env: env})
}

func (s *Server) removeNode(n *Node, kind string) bool {
	s.mu.Lock()
	if s.nodes[n.id] != n {
		s.mu.Unlock()
		return false
	}
	n.alive.Store(false)
	delete(s.nodes, n.id)
	delete(s.senders, n.id)
	for _, members := range s.groups {
		delete(members, n.id)
	}
	s.mu.Unlock()

	s.log.Printf("[CTRL] Node Disconnected: %s", n.id)
	s.notify(&ControllerEvent{Kind: kind, Node: n.id})
	return true
}

// Crash stops node id: it receives STOP, is removed from every group and its
// later messages are discarded.
func (s *Server) Crash(id string) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("crash: unknown node %s", id)
	}

	if err := n.SendEnvelope(&pb.Envelope{Id: uuid.NewString(), From: pb.ControllerID, To: id, Type: pb.TypeStop}); err != nil {
		s.log.Printf("[CTRL] STOP to %s failed: %v", id, err)
	}
	if s.removeNode(n, EventCrash) {
		s.log.Printf("[CTRL] Crashed node %s", id)
	}
	return nil
}

// InjectEnvelope routes env as if it had been sent by env.From. Faults apply
// unless the envelope involves the tester.
func (s *Server) InjectEnvelope(env *pb.Envelope) error {
	if env == nil || env.To == "" {
		return fmt.Errorf("inject: envelope needs a destination")
	}
	if env.Id == "" {
		env.Id = uuid.NewString()
	}
	s.mu.Lock()
	_, ok := s.senders[env.To]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("inject: unknown destination %s", env.To)
	}
	s.forward(env)
	return nil
}

func (s *Server) BlockCommunication(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blocked[a]; !exists {
		s.blocked[a] = make(map[string]bool)
	}
	s.blocked[a][b] = true
	s.log.Printf("[PARTITION] Blocked: %s -> %s", a, b)
}

func (s *Server) UnblockCommunication(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rules, exists := s.blocked[a]; exists {
		delete(rules, b)
		s.log.Printf("[PARTITION] Unblocked: %s -> %s", a, b)
	}
}

func (s *Server) CreatePartition(group1, group2 []string) {
	for _, a := range group1 {
		for _, b := range group2 {
			s.BlockCommunication(a, b)
			s.BlockCommunication(b, a)
		}
	}
}

// Isolate cuts id off from every other connected node in both directions.
func (s *Server) Isolate(id string) {
	var others []string
	for _, other := range s.Nodes() {
		if other != id {
			others = append(others, other)
		}
	}
	s.CreatePartition([]string{id}, others)
}

// Listen binds addr and serves a new controller on it until ctx is done.
// The returned channel yields the serve error, if any, once serving stops.
func Listen(ctx context.Context, addr string, props ServerProps) (*Server, net.Addr, <-chan error, error) {
	if err := props.Faults.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid fault config: %w", err)
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to listen: %w", err)
	}

	srv := NewServer(props)
	grpcServer := grpc.NewServer()
	pb.RegisterNetworkControllerServer(grpcServer, srv)

	errCh := make(chan error, 1)
	go func() {
		err := grpcServer.Serve(lis)
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
		errCh <- err
		close(errCh)
	}()
	go func() {
		<-ctx.Done()
		grpcServer.Stop()
	}()

	srv.log.Printf("Controller listening on %s...", lis.Addr())
	return srv, lis.Addr(), errCh, nil
}

// Serve runs a controller on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, props ServerProps) error {
	_, _, errCh, err := Listen(ctx, addr, props)
	if err != nil {
		return err
	}
	return <-errCh
}
