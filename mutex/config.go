package mutex

import (
	"errors"
	"fmt"
	"time"
)

type Behavior string

const (
	// Active peers contend for the critical section.
	Active Behavior = "active"
	// Passive peers only answer other peers.
	Passive Behavior = "passive"
)

// ParseBehavior accepts "active" or "passive".
func ParseBehavior(s string) (Behavior, error) {
	switch Behavior(s) {
	case Active, Passive:
		return Behavior(s), nil
	}
	return "", fmt.Errorf("unknown behavior %q (want %q or %q)", s, Active, Passive)
}

type Config struct {
	// Group is the process group joined at Init.
	Group string
	// ExpectedPeers makes Init wait until the group has this many members.
	// Zero takes the first membership snapshot as is.
	ExpectedPeers int
	// MembershipPoll is the delay between membership snapshots while waiting.
	MembershipPoll time.Duration
	// ReceiveTimeout bounds every blocking receive. Each expiry is one
	// failure detector round.
	ReceiveTimeout time.Duration
	// MaxAllowedTimeouts is the number of silent rounds after which a peer
	// that owes this process an answer is declared crashed.
	// A wrongly suspected peer is never answered again, so it ends up
	// suspecting this process as well.
	MaxAllowedTimeouts int
	// HeadTimeoutMultiplier scales MaxAllowedTimeouts for a peer that holds
	// the queue head while this process waits behind it. The holder may itself
	// be waiting on others, so it gets a longer grace period. This is a
	// heuristic, not a liveness bound.
	HeadTimeoutMultiplier int
	// MaxHold bounds the random time spent inside the critical section.
	MaxHold time.Duration
	// Seed feeds the coin flips and hold times. Zero seeds from the clock.
	Seed int64
}

func DefaultConfig() Config {
	return Config{
		Group:                 "proc",
		MembershipPoll:        100 * time.Millisecond,
		ReceiveTimeout:        3 * time.Second,
		MaxAllowedTimeouts:    5,
		HeadTimeoutMultiplier: 2,
		MaxHold:               2 * time.Second,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Group == "" {
		errs = append(errs, errors.New("group must not be empty"))
	}
	if c.ExpectedPeers < 0 {
		errs = append(errs, fmt.Errorf("expected peers must be >= 0, got %d", c.ExpectedPeers))
	}
	if c.ExpectedPeers > 0 && c.MembershipPoll <= 0 {
		errs = append(errs, fmt.Errorf("membership poll must be > 0, got %v", c.MembershipPoll))
	}
	if c.ReceiveTimeout <= 0 {
		errs = append(errs, fmt.Errorf("receive timeout must be > 0, got %v", c.ReceiveTimeout))
	}
	if c.MaxAllowedTimeouts < 1 {
		errs = append(errs, fmt.Errorf("max allowed timeouts must be >= 1, got %d", c.MaxAllowedTimeouts))
	}
	if c.HeadTimeoutMultiplier < 1 {
		errs = append(errs, fmt.Errorf("head timeout multiplier must be >= 1, got %d", c.HeadTimeoutMultiplier))
	}
	if c.MaxHold < 0 {
		errs = append(errs, fmt.Errorf("max hold must be >= 0, got %v", c.MaxHold))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid mutex config: %w", errors.Join(errs...))
	}
	return nil
}
