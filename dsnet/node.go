// Package dsnet is the node side of the network controller. A Node holds one
// bidirectional stream to the controller, joins a process group, and sends and
// receives JSON messages stamped with a vector clock.
package dsnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"sync"

	pb "github.com/distcodep7/dsmutex/proto"
	"github.com/distcodep7/dsmutex/trace"
	"github.com/google/uuid"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ErrClosed is returned by operations on a node whose stream has ended.
var ErrClosed = errors.New("dsnet: node closed")

type BaseMessage struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

type Event struct {
	MessageID   string
	From        string
	To          string
	Type        string
	Payload     []byte
	VectorClock map[string]uint64
}

type Logger interface {
	Printf(format string, v ...any)
}

type Options struct {
	// TracePath appends SEND and RECV events to a JSONL file. Ignored when
	// Trace is set.
	TracePath string
	Trace     *trace.Writer
	// Logger defaults to log.Default().
	Logger Logger
	// InboundSize is the Inbound buffer, 100 when zero.
	InboundSize int
}

type Node struct {
	// Inbound carries application messages. It is closed when the stream
	// ends.
	Inbound chan Event

	idMu sync.RWMutex
	id   string

	stream pb.NetworkController_StreamClient
	conn   *grpc.ClientConn
	cancel context.CancelFunc
	sendMu sync.Mutex
	wg     sync.WaitGroup

	reqMu sync.Mutex
	ctrl  chan *pb.Envelope

	vcMu        sync.Mutex
	vectorClock map[string]uint64

	log       Logger
	events    *trace.Writer
	ownsTrace bool

	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens the controller stream. The node has no id until Join.
func Dial(ctx context.Context, controllerAddr string, opts Options) (*Node, error) {
	conn, err := grpc.NewClient(controllerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to controller at %s: %w", controllerAddr, err)
	}

	// the stream outlives the dial context
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := pb.NewNetworkControllerClient(conn).Stream(streamCtx)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	n := &Node{
		stream:      stream,
		conn:        conn,
		cancel:      cancel,
		ctrl:        make(chan *pb.Envelope, 16),
		vectorClock: make(map[string]uint64),
		log:         opts.Logger,
		events:      opts.Trace,
		done:        make(chan struct{}),
	}
	if n.log == nil {
		n.log = log.Default()
	}
	size := opts.InboundSize
	if size <= 0 {
		size = 100
	}
	n.Inbound = make(chan Event, size)

	if n.events == nil && opts.TracePath != "" {
		tw, err := trace.OpenFile(opts.TracePath)
		if err != nil {
			cancel()
			conn.Close()
			return nil, err
		}
		n.events = tw
		n.ownsTrace = true
	}

	n.wg.Add(1)
	go n.runRecvLoop()

	return n, nil
}

// ID returns the id assigned by the controller, or "" before Join.
func (n *Node) ID() string {
	n.idMu.RLock()
	defer n.idMu.RUnlock()
	return n.id
}

// Done is closed once the stream has ended, either through Close, a STOP
// from the controller or a transport failure.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Join performs the handshake for group and adopts the id the controller
// hands out. Joining again returns the same id.
func (n *Node) Join(ctx context.Context, group string) (string, error) {
	reply, err := n.request(ctx, &pb.Envelope{Type: pb.TypeHandshake, Group: group})
	if err != nil {
		return "", fmt.Errorf("handshake failed: %w", err)
	}
	if reply.Type != pb.TypeJoined || reply.To == "" {
		return "", fmt.Errorf("handshake failed: unexpected %s reply", reply.Type)
	}

	n.idMu.Lock()
	n.id = reply.To
	n.idMu.Unlock()

	n.vcMu.Lock()
	if _, ok := n.vectorClock[reply.To]; !ok {
		n.vectorClock[reply.To] = 0
	}
	n.vcMu.Unlock()
	return reply.To, nil
}

// Bind asks the controller to start delivering messages addressed to this
// node. Until then they are undeliverable.
func (n *Node) Bind(ctx context.Context) error {
	if _, err := n.request(ctx, &pb.Envelope{Type: pb.TypeBind}); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	return nil
}

// Subgroup returns the ids of the live members of group, sorted numerically.
func (n *Node) Subgroup(ctx context.Context, group string) ([]string, error) {
	reply, err := n.request(ctx, &pb.Envelope{Type: pb.TypeSubgroup, Group: group})
	if err != nil {
		return nil, fmt.Errorf("subgroup %q: %w", group, err)
	}
	var members []string
	if err := json.Unmarshal([]byte(reply.Payload), &members); err != nil {
		return nil, fmt.Errorf("subgroup %q: decode members: %w", group, err)
	}
	return members, nil
}

func (n *Node) Leave(ctx context.Context, group string) error {
	if _, err := n.request(ctx, &pb.Envelope{Type: pb.TypeLeave, Group: group}); err != nil {
		return fmt.Errorf("leave %q: %w", group, err)
	}
	return nil
}

// Send delivers msg to dest through the controller. msg must marshal to a
// JSON object; its "type" field names the message.
func (n *Node) Send(ctx context.Context, dest string, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	self := n.ID()
	if self == "" {
		return fmt.Errorf("send to %s: node has not joined", dest)
	}

	payload, base, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	n.vcMu.Lock()
	n.vectorClock[self]++
	vector := toProtoVector(n.vectorClock)
	current := maps.Clone(n.vectorClock)
	n.vcMu.Unlock()

	env := &pb.Envelope{
		Id:      uuid.NewString(),
		From:    self,
		To:      dest,
		Type:    base.Type,
		Payload: string(payload),
		Vector:  vector,
	}

	n.logEvent(trace.EvtTypeSend, env, current)

	if err := n.sendEnvelope(env); err != nil {
		return fmt.Errorf("gRPC send failed: %w", err)
	}
	return nil
}

// Close ends the stream and waits for the receive loop. It is safe to call
// more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.sendMu.Lock()
		_ = n.stream.CloseSend()
		n.sendMu.Unlock()
		n.cancel()
		n.conn.Close()
		n.wg.Wait()
		if n.ownsTrace {
			_ = n.events.Close()
		}
	})
	return nil
}

// request sends a control envelope and waits for the matching reply.
func (n *Node) request(ctx context.Context, env *pb.Envelope) (*pb.Envelope, error) {
	n.reqMu.Lock()
	defer n.reqMu.Unlock()

	env.Id = uuid.NewString()
	env.From = n.ID()
	env.To = pb.ControllerID
	if err := n.sendEnvelope(env); err != nil {
		return nil, err
	}

	for {
		select {
		case reply := <-n.ctrl:
			if reply.Id != env.Id {
				n.log.Printf("[NODE] %s discarding stale %s reply", env.From, reply.Type)
				continue
			}
			if reply.Type == pb.TypeError {
				return nil, fmt.Errorf("controller refused %s: %s", env.Type, reply.Payload)
			}
			return reply, nil
		case <-n.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (n *Node) sendEnvelope(env *pb.Envelope) error {
	select {
	case <-n.done:
		return ErrClosed
	default:
	}
	n.sendMu.Lock()
	defer n.sendMu.Unlock()
	if err := n.stream.Send(env); err != nil {
		if err == io.EOF {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (n *Node) runRecvLoop() {
	defer n.wg.Done()
	defer close(n.done)
	defer close(n.Inbound)

	for {
		envelope, err := n.stream.Recv()
		if err == io.EOF || status.Code(err) == codes.Canceled {
			return
		}
		if err != nil {
			n.log.Printf("[NODE] %s stream error: %v", n.ID(), err)
			return
		}

		if envelope.Type == pb.TypeStop {
			n.log.Printf("[NODE] %s stopped by controller", n.ID())
			return
		}

		if envelope.From == pb.ControllerID {
			select {
			case n.ctrl <- envelope:
			default:
				n.log.Printf("[NODE] %s dropping unsolicited %s from controller", n.ID(), envelope.Type)
			}
			continue
		}

		incoming := envelope.VectorMap()
		self := n.ID()
		n.vcMu.Lock()
		for id, val := range incoming {
			if val > n.vectorClock[id] {
				n.vectorClock[id] = val
			}
		}
		n.vectorClock[self]++
		current := maps.Clone(n.vectorClock)
		n.vcMu.Unlock()

		n.logEvent(trace.EvtTypeRecv, envelope, current)

		select {
		case n.Inbound <- Event{
			MessageID:   envelope.Id,
			From:        envelope.From,
			To:          envelope.To,
			Type:        envelope.Type,
			Payload:     []byte(envelope.Payload),
			VectorClock: incoming,
		}:
		default:
			n.log.Printf("WARNING: Inbound full. Dropped msg from %s", envelope.From)
		}
	}
}

func (n *Node) logEvent(evtType trace.EvtType, env *pb.Envelope, vc map[string]uint64) {
	err := n.events.Emit(trace.TraceEvent{
		MessageID:   env.Id,
		EvtType:     evtType,
		MsgType:     env.Type,
		From:        env.From,
		To:          env.To,
		VectorClock: vc,
		Payload:     json.RawMessage(env.Payload),
	})
	if err != nil {
		n.log.Printf("[NODE] failed to write trace event: %v", err)
	}
}

func toProtoVector(vc map[string]uint64) []*pb.VectorClockEntry {
	entries := make([]*pb.VectorClockEntry, 0, len(vc))
	for id, c := range vc {
		entries = append(entries, &pb.VectorClockEntry{Node: id, Counter: c})
	}
	return entries
}
