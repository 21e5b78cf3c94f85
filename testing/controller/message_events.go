package controller

import (
	"fmt"
	"time"

	pb "github.com/distcodep7/dsmutex/proto"
)

func isTesterMsg(msg *pb.Envelope) bool {
	return msg.From == TesterID || msg.To == TesterID
}

func isControlMsg(msg *pb.Envelope) bool {
	return msg.From == pb.ControllerID || msg.To == pb.ControllerID
}

// probCheck returns true with probability p.
func (s *Server) probCheck(p float64) bool {
	s.rngMu.Lock()
	r := s.rng.Float64()
	s.rngMu.Unlock()
	return r < p
}

// randInt63n returns a non-negative pseudo-random int64 in [0,n).
func (s *Server) randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	s.rngMu.Lock()
	v := s.rng.Int63n(n)
	s.rngMu.Unlock()
	return v
}

func (s *Server) dropMessage(msg *pb.Envelope) error {
	if msg == nil {
		return fmt.Errorf("[DROP ERR] Message is nil")
	}
	s.log.Printf("[DROP] Dropped: %s -> %s (%s)", msg.From, msg.To, msg.Type)
	s.logDrop(msg)
	return nil
}

func (s *Server) duplicateMessage(msg *pb.Envelope) error {
	s.mu.Lock()
	target, ok := s.senders[msg.To]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	clone := msg.Clone()

	if s.testConfig.AsyncDuplicate {
		go func(n sender, m *pb.Envelope) {
			if err := n.SendEnvelope(m); err != nil {
				s.log.Printf("[DUPE ERR] %v", err)
			} else {
				s.log.Printf("[DUPE] Duplicated: %s -> %s", m.From, m.To)
			}
		}(target, clone)
		return nil
	}

	// Synchronous duplicate.
	if err := target.SendEnvelope(clone); err != nil {
		return err
	}
	s.log.Printf("[DUPE] Duplicated: %s -> %s", clone.From, clone.To)
	return nil
}

// delaySendWithDuration schedules a delayed delivery. Returns true if scheduled,
// false if destination is unknown.
func (s *Server) delaySendWithDuration(msg *pb.Envelope, d time.Duration) bool {
	s.mu.Lock()
	target, ok := s.senders[msg.To]
	s.mu.Unlock()
	if !ok {
		s.log.Printf("[REORD ERR] Unknown destination for delayed send: %s", msg.To)
		return false
	}

	clone := msg.Clone()

	go func(n sender, m *pb.Envelope, d time.Duration) {
		s.log.Printf("[REORD] Delaying: %s -> %s for %v", m.From, m.To, d)
		time.Sleep(d)
		s.deliver(n, m)
	}(target, clone, d)

	return true
}

// reorderMessage picks a delay in [ReorderMinDelay, ReorderMaxDelay] and
// schedules the delayed send.
func (s *Server) reorderMessage(msg *pb.Envelope) (bool, error) {
	lo := s.testConfig.ReorderMinDelay
	hi := s.testConfig.ReorderMaxDelay

	if lo > hi {
		return false, fmt.Errorf("ReorderMinDelay (%v) cannot be greater than ReorderMaxDelay (%v)", lo, hi)
	}

	d := lo + time.Duration(s.randInt63n(int64(hi-lo)+1))
	if scheduled := s.delaySendWithDuration(msg, d); scheduled {
		return true, nil // skip immediate send; delayed goroutine will deliver
	}
	// Destination unknown right now; fall back to immediate send by returning false
	return false, nil
}

// handleMessageEvents processes message events (drop, duplicate, reorder).
// It returns (true, nil) if the message delivery should be skipped (dropped or
// scheduled for later).
func (s *Server) handleMessageEvents(msg *pb.Envelope) (bool, error) {
	// Controller and tester traffic is never manipulated.
	if isTesterMsg(msg) || isControlMsg(msg) {
		return false, nil
	}

	if s.probCheck(s.testConfig.DropProb) {
		if err := s.dropMessage(msg); err != nil {
			return false, fmt.Errorf("[DROP ERR] %v", err)
		}
		return true, nil
	}

	if s.probCheck(s.testConfig.DupeProb) {
		if err := s.duplicateMessage(msg); err != nil {
			return false, fmt.Errorf("[DUPE ERR] %v", err)
		}
		return false, nil
	}

	if s.probCheck(s.testConfig.ReorderProb) {
		scheduled, err := s.reorderMessage(msg)
		if err != nil {
			return false, fmt.Errorf("[REORD ERR] %v", err)
		}
		if scheduled {
			// message delivery delayed; do not send now
			return true, nil
		}
	}

	return false, nil
}
