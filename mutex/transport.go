package mutex

import (
	"context"
	"time"
)

// Transport is the group communication layer the protocol runs on. Delivery is
// best effort: sends to departed members are silently lost.
type Transport interface {
	// Join enters the named group and returns the id assigned to this process.
	Join(ctx context.Context, group string) (ProcessID, error)
	// Bind opens the receive endpoint for id. It stays open until Leave.
	Bind(ctx context.Context, id ProcessID) error
	// Subgroup returns a snapshot of the group's members.
	Subgroup(ctx context.Context, group string) ([]ProcessID, error)
	Leave(ctx context.Context, group string) error
	SendTo(ctx context.Context, targets []ProcessID, msg Message) error
	// ReceiveFrom waits up to timeout for a message from one of sources. ok is
	// false when the timeout expired with nothing received.
	ReceiveFrom(ctx context.Context, sources []ProcessID, timeout time.Duration) (msg Message, ok bool, err error)
}

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, v ...any)
}

type NoOpLogger struct{}

func (NoOpLogger) Printf(string, ...any) {}

// CriticalSectionFunc runs while the process holds the critical section.
type CriticalSectionFunc func(ctx context.Context, id ProcessID, hold time.Duration)

// SleepCriticalSection holds the critical section by sleeping.
func SleepCriticalSection(ctx context.Context, _ ProcessID, hold time.Duration) {
	t := time.NewTimer(hold)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
