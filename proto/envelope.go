package proto

import (
	"fmt"
	"sort"

	structpb "google.golang.org/protobuf/types/known/structpb"
)

// Controller-level message types. Everything else is application traffic and
// is routed by the To field.
const (
	TypeHandshake = "HANDSHAKE"
	TypeJoined    = "JOINED"
	TypeBind      = "BIND"
	TypeSubgroup  = "SUBGROUP"
	TypeMembers   = "MEMBERS"
	TypeLeave     = "LEAVE"
	TypeStop      = "STOP"
	// TypeError answers a control request the controller refused. The
	// reason is in Payload.
	TypeError = "ERROR"
)

// ControllerID is the address nodes use for controller-bound envelopes.
const ControllerID = "CTRL"

type VectorClockEntry struct {
	Node    string
	Counter uint64
}

// Envelope is the unit routed by the controller.
type Envelope struct {
	Id      string
	From    string
	To      string
	Group   string
	Type    string
	Payload string
	Vector  []*VectorClockEntry
}

// VectorMap flattens the vector clock entries.
func (e *Envelope) VectorMap() map[string]uint64 {
	vec := make(map[string]uint64, len(e.Vector))
	for _, entry := range e.Vector {
		vec[entry.Node] = entry.Counter
	}
	return vec
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Vector == nil {
		return &c
	}
	c.Vector = make([]*VectorClockEntry, 0, len(e.Vector))
	for _, entry := range e.Vector {
		cp := *entry
		c.Vector = append(c.Vector, &cp)
	}
	return &c
}

// ToStruct encodes the envelope as the frame sent on the stream.
func (e *Envelope) ToStruct() (*structpb.Struct, error) {
	vector := make(map[string]any, len(e.Vector))
	for _, entry := range e.Vector {
		vector[entry.Node] = float64(entry.Counter)
	}
	return structpb.NewStruct(map[string]any{
		"id":      e.Id,
		"from":    e.From,
		"to":      e.To,
		"group":   e.Group,
		"type":    e.Type,
		"payload": e.Payload,
		"vector":  vector,
	})
}

// EnvelopeFromStruct decodes a frame produced by ToStruct.
func EnvelopeFromStruct(s *structpb.Struct) (*Envelope, error) {
	if s == nil {
		return nil, fmt.Errorf("nil frame")
	}
	fields := s.GetFields()
	if _, ok := fields["type"]; !ok {
		return nil, fmt.Errorf("frame has no type field")
	}
	env := &Envelope{
		Id:      fields["id"].GetStringValue(),
		From:    fields["from"].GetStringValue(),
		To:      fields["to"].GetStringValue(),
		Group:   fields["group"].GetStringValue(),
		Type:    fields["type"].GetStringValue(),
		Payload: fields["payload"].GetStringValue(),
	}
	if vec := fields["vector"].GetStructValue(); vec != nil {
		nodes := make([]string, 0, len(vec.GetFields()))
		for node := range vec.GetFields() {
			nodes = append(nodes, node)
		}
		sort.Strings(nodes)
		for _, node := range nodes {
			env.Vector = append(env.Vector, &VectorClockEntry{
				Node:    node,
				Counter: uint64(vec.GetFields()[node].GetNumberValue()),
			})
		}
	}
	return env, nil
}
