package proto

import (
	"reflect"
	"testing"

	"google.golang.org/protobuf/proto"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

func TestEnvelopeFrameRoundTrip(t *testing.T) {
	env := &Envelope{
		Id:      "m-1",
		From:    "1",
		To:      "2",
		Type:    "ENTER",
		Payload: `{"timestamp":3,"sender":1}`,
		Vector: []*VectorClockEntry{
			{Node: "1", Counter: 4},
			{Node: "2", Counter: 1},
		},
	}

	frame, err := env.ToStruct()
	if err != nil {
		t.Fatalf("ToStruct: %v", err)
	}

	// frames are plain protobuf messages and survive the wire codec
	data, err := proto.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	decoded := new(structpb.Struct)
	if err := proto.Unmarshal(data, decoded); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}

	got, err := EnvelopeFromStruct(decoded)
	if err != nil {
		t.Fatalf("EnvelopeFromStruct: %v", err)
	}
	if got.Id != env.Id || got.From != env.From || got.To != env.To || got.Type != env.Type || got.Payload != env.Payload {
		t.Fatalf("decoded envelope mismatch: %+v", got)
	}
	vec := got.VectorMap()
	if vec["1"] != 4 || vec["2"] != 1 || len(vec) != 2 {
		t.Fatalf("unexpected vector clock %v", vec)
	}
}

func TestEnvelopeFromStructRejectsFramesWithoutType(t *testing.T) {
	frame, err := structpb.NewStruct(map[string]any{"from": "1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := EnvelopeFromStruct(frame); err == nil {
		t.Fatal("expected error for frame without type")
	}
	if _, err := EnvelopeFromStruct(nil); err == nil {
		t.Fatal("expected error for nil frame")
	}
}

func TestCloneIsDeep(t *testing.T) {
	env := &Envelope{Type: "ALLOW", Vector: []*VectorClockEntry{{Node: "1", Counter: 1}}}
	c := env.Clone()
	c.Vector[0].Counter = 9
	c.Type = "RELEASE"
	if env.Vector[0].Counter != 1 || env.Type != "ALLOW" {
		t.Fatalf("clone shares state with original: %+v", env)
	}
}

func TestCloneKeepsNilVector(t *testing.T) {
	env := &Envelope{From: "1", To: "2", Type: "ENTER"}
	c := env.Clone()
	if c.Vector != nil {
		t.Fatalf("clone of a nil vector is %#v", c.Vector)
	}
	if !reflect.DeepEqual(c, env) {
		t.Fatalf("clone = %+v, want %+v", c, env)
	}

	empty := &Envelope{Type: "ENTER", Vector: []*VectorClockEntry{}}
	if c := empty.Clone(); c.Vector == nil || len(c.Vector) != 0 {
		t.Fatalf("clone of an empty vector is %#v", c.Vector)
	}
}
