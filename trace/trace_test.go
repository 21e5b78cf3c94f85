package trace

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEmitAndRead(t *testing.T) {
	var buf bytes.Buffer
	tw := NewWriter(&buf)

	if err := tw.Emit(TraceEvent{EvtType: EvtTypeSend, MsgType: "ENTER", From: "1", To: "2", Payload: json.RawMessage(`{"timestamp":1}`)}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := tw.Emit(TraceEvent{EvtType: EvtTypeEnterCS, From: "1", Lamport: 4}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	events, err := ReadEvents(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID == "" || events[0].Timestamp == 0 {
		t.Errorf("event was not stamped: %+v", events[0])
	}
	if events[0].ID == events[1].ID {
		t.Errorf("event ids should be unique")
	}
	if events[1].EvtType != EvtTypeEnterCS || events[1].Lamport != 4 {
		t.Errorf("unexpected second event %+v", events[1])
	}
}

func TestEmitQuotesRawPayload(t *testing.T) {
	var buf bytes.Buffer
	tw := NewWriter(&buf)
	if err := tw.Emit(TraceEvent{EvtType: EvtTypeDrop, Payload: []byte("not json")}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	events, err := ReadEvents(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(events[0].Payload) != `"not json"` {
		t.Fatalf("payload = %s", events[0].Payload)
	}
}

func TestNilWriterIsNoOp(t *testing.T) {
	var tw *Writer
	if err := tw.Emit(TraceEvent{EvtType: EvtTypeCrash}); err != nil {
		t.Fatalf("nil writer emit: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("nil writer close: %v", err)
	}
}

func TestOpenFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace_log.jsonl")
	for i := 0; i < 2; i++ {
		tw, err := OpenFile(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := tw.Emit(TraceEvent{EvtType: EvtTypeRecv}); err != nil {
			t.Fatalf("emit: %v", err)
		}
		tw.Close()
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	events, err := ReadEvents(f)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events across reopen, got %d", len(events))
	}
}
