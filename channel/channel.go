// Package channel runs the mutex protocol over a dsnet node.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/distcodep7/dsmutex/dsnet"
	"github.com/distcodep7/dsmutex/mutex"
)

// wireMessage is the JSON form of a mutex.Message. Type carries the kind.
type wireMessage struct {
	dsnet.BaseMessage
	Timestamp uint64 `json:"timestamp"`
	Sender    int    `json:"sender"`
}

// maxParked bounds the messages kept for later ReceiveFrom calls. The oldest
// is dropped first.
const maxParked = 1024

// Channel implements mutex.Transport. ReceiveFrom must not be called
// concurrently.
type Channel struct {
	node   *dsnet.Node
	log    mutex.Logger
	parked []mutex.Message

	// members is the last membership snapshot. Once set, messages from
	// anyone else are discarded.
	membersMu sync.Mutex
	members   map[mutex.ProcessID]struct{}
}

var _ mutex.Transport = (*Channel)(nil)

func New(node *dsnet.Node, logger mutex.Logger) *Channel {
	if logger == nil {
		logger = log.Default()
	}
	return &Channel{node: node, log: logger}
}

func (c *Channel) Join(ctx context.Context, group string) (mutex.ProcessID, error) {
	id, err := c.node.Join(ctx, group)
	if err != nil {
		return 0, c.wrap(err)
	}
	return mutex.ParseProcessID(id)
}

func (c *Channel) Bind(ctx context.Context, id mutex.ProcessID) error {
	if own := c.node.ID(); own != strconv.Itoa(int(id)) {
		return fmt.Errorf("bind %s: node is %q", id, own)
	}
	return c.wrap(c.node.Bind(ctx))
}

func (c *Channel) Subgroup(ctx context.Context, group string) ([]mutex.ProcessID, error) {
	members, err := c.node.Subgroup(ctx, group)
	if err != nil {
		return nil, c.wrap(err)
	}
	ids := make([]mutex.ProcessID, 0, len(members))
	for _, m := range members {
		id, err := mutex.ParseProcessID(m)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	known := make(map[mutex.ProcessID]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	c.membersMu.Lock()
	c.members = known
	c.membersMu.Unlock()
	return ids, nil
}

func (c *Channel) Leave(ctx context.Context, group string) error {
	return c.wrap(c.node.Leave(ctx, group))
}

// SendTo sends msg to every target. Delivery is best effort, so only a closed
// node is an error.
func (c *Channel) SendTo(ctx context.Context, targets []mutex.ProcessID, msg mutex.Message) error {
	self := c.node.ID()
	for _, target := range targets {
		to := strconv.Itoa(int(target))
		wire := wireMessage{
			BaseMessage: dsnet.BaseMessage{From: self, To: to, Type: msg.Kind.String()},
			Timestamp:   msg.Timestamp,
			Sender:      int(msg.Sender),
		}
		if err := c.node.Send(ctx, to, wire); err != nil {
			if errors.Is(err, dsnet.ErrClosed) {
				return mutex.ErrTransportClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Printf("[CHAN] %s to %s lost: %v", msg.Kind, target, err)
		}
	}
	return nil
}

// ReceiveFrom returns the next message from one of sources. Messages from
// other members are kept for a later call that asks for them. Messages from
// senders outside the last Subgroup snapshot are dropped.
func (c *Channel) ReceiveFrom(ctx context.Context, sources []mutex.ProcessID, timeout time.Duration) (mutex.Message, bool, error) {
	for i, msg := range c.parked {
		if slices.Contains(sources, msg.Sender) {
			c.parked = slices.Delete(c.parked, i, i+1)
			return msg, true, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-c.node.Inbound:
			if !ok {
				return mutex.Message{}, false, mutex.ErrTransportClosed
			}
			msg, err := decode(ev)
			if err != nil {
				c.log.Printf("[CHAN] discarding message from %s: %v", ev.From, err)
				continue
			}
			if !c.isMember(msg.Sender) {
				c.log.Printf("[CHAN] discarding %s from %s: not a group member", msg.Kind, msg.Sender)
				continue
			}
			if slices.Contains(sources, msg.Sender) {
				return msg, true, nil
			}
			c.park(msg)
		case <-timer.C:
			return mutex.Message{}, false, nil
		case <-ctx.Done():
			return mutex.Message{}, false, ctx.Err()
		}
	}
}

func (c *Channel) isMember(id mutex.ProcessID) bool {
	c.membersMu.Lock()
	defer c.membersMu.Unlock()
	if c.members == nil {
		return true
	}
	_, ok := c.members[id]
	return ok
}

func (c *Channel) park(msg mutex.Message) {
	if len(c.parked) >= maxParked {
		c.log.Printf("[CHAN] too many parked messages, dropping %s", c.parked[0])
		c.parked = slices.Delete(c.parked, 0, 1)
	}
	c.parked = append(c.parked, msg)
}

// decode turns a node event into a message. The sender is the id the
// controller routed it from; an unknown type yields mutex.KindUnknown.
func decode(ev dsnet.Event) (mutex.Message, error) {
	var wire wireMessage
	if err := dsnet.Decode(ev, &wire); err != nil {
		return mutex.Message{}, err
	}
	sender, err := mutex.ParseProcessID(ev.From)
	if err != nil {
		return mutex.Message{}, err
	}
	kind, _ := mutex.ParseKind(ev.Type)
	return mutex.Message{Timestamp: wire.Timestamp, Sender: sender, Kind: kind}, nil
}

func (c *Channel) wrap(err error) error {
	if errors.Is(err, dsnet.ErrClosed) {
		return fmt.Errorf("%w: %v", mutex.ErrTransportClosed, err)
	}
	return err
}
