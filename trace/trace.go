// Package trace records execution events as JSON lines for the visualizer and
// for post-run checks.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EvtType string

const (
	EvtTypeSend    EvtType = "SEND"
	EvtTypeRecv    EvtType = "RECV"
	EvtTypeDrop    EvtType = "DROP"
	EvtTypeEnterCS EvtType = "CS_ENTER"
	EvtTypeExitCS  EvtType = "CS_EXIT"
	EvtTypeCrash   EvtType = "CRASH"
)

// TraceEvent is one line of the trace file.
type TraceEvent struct {
	ID          string            `json:"id"`
	MessageID   string            `json:"message_id,omitempty"`
	Timestamp   int64             `json:"timestamp"` // wall clock, unix nanos
	EvtType     EvtType           `json:"evt_type"`
	MsgType     string            `json:"msg_type,omitempty"`
	From        string            `json:"from,omitempty"`
	To          string            `json:"to,omitempty"`
	VectorClock map[string]uint64 `json:"vector_clock,omitempty"`
	Lamport     uint64            `json:"lamport,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
}

// Writer appends events to an underlying stream. A nil *Writer discards
// everything, so callers never need to check whether tracing is enabled.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// OpenFile opens (or creates) path in append mode.
func OpenFile(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open execution log file: %w", err)
	}
	return &Writer{w: f, closer: f}, nil
}

// Emit stamps the event with an id and wall-clock time when missing and
// writes it.
func (tw *Writer) Emit(evt TraceEvent) error {
	if tw == nil {
		return nil
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixNano()
	}
	if len(evt.Payload) > 0 && !json.Valid(evt.Payload) {
		quoted, _ := json.Marshal(string(evt.Payload))
		evt.Payload = quoted
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()
	return json.NewEncoder(tw.w).Encode(evt)
}

func (tw *Writer) Close() error {
	if tw == nil || tw.closer == nil {
		return nil
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.closer.Close()
}

// ReadEvents decodes every event in r.
func ReadEvents(r io.Reader) ([]TraceEvent, error) {
	var events []TraceEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt TraceEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return events, fmt.Errorf("decode trace line %d: %w", len(events)+1, err)
		}
		events = append(events, evt)
	}
	return events, scanner.Err()
}
