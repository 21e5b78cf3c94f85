package controller

import (
	"time"

	pb "github.com/distcodep7/dsmutex/proto"
)

const (
	EventForward = "forward"
	EventDrop    = "drop"
	EventJoin    = "join"
	EventLeave   = "leave"
	EventCrash   = "crash"
)

// ControllerEvent is what observers see. Env is set for forward and drop
// events, Node for membership events.
type ControllerEvent struct {
	Kind     string
	Env      *pb.Envelope
	Node     string
	RecvTime time.Time
}

// RegisterObserver makes ch receive every subsequent event. Sends never
// block: a full channel misses events.
func (s *Server) RegisterObserver(ch chan *ControllerEvent) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, ch)
}

// UnregisterObserver stops delivery to ch. Once it returns ch may be closed.
func (s *Server) UnregisterObserver(ch chan *ControllerEvent) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for i, o := range s.observers {
		if o == ch {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *Server) notify(ev *ControllerEvent) {
	ev.RecvTime = time.Now()
	if ev.Env != nil {
		ev.Env = ev.Env.Clone()
	}
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, ch := range s.observers {
		select {
		case ch <- ev:
		default:
		}
	}
}
