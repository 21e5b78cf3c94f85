package mutex

import (
	"fmt"
	"sort"
	"strconv"
)

// ProcessID identifies a member of the process group. Ids are handed out by
// the group controller at join time.
type ProcessID int

func (id ProcessID) String() string {
	return "Proc-" + strconv.Itoa(int(id))
}

// ParseProcessID parses the decimal form used on the wire.
func ParseProcessID(s string) (ProcessID, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid process id %q: %w", s, err)
	}
	return ProcessID(n), nil
}

// SortProcessIDs orders ids numerically, in place.
func SortProcessIDs(ids []ProcessID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

type Kind int

const (
	KindUnknown Kind = iota
	Enter
	Allow
	Release
)

func (k Kind) String() string {
	switch k {
	case Enter:
		return "ENTER"
	case Allow:
		return "ALLOW"
	case Release:
		return "RELEASE"
	default:
		return "UNKNOWN"
	}
}

// ParseKind maps a wire name to its Kind. Unrecognized names map to
// KindUnknown and ok is false.
func ParseKind(s string) (k Kind, ok bool) {
	switch s {
	case "ENTER":
		return Enter, true
	case "ALLOW":
		return Allow, true
	case "RELEASE":
		return Release, true
	default:
		return KindUnknown, false
	}
}

// Message is the (timestamp, sender, kind) tuple exchanged between peers.
type Message struct {
	Timestamp uint64
	Sender    ProcessID
	Kind      Kind
}

// Less orders messages by (Timestamp, Sender). Kind only separates messages
// that would otherwise collide, which a correct peer never produces.
func (m Message) Less(other Message) bool {
	if m.Timestamp != other.Timestamp {
		return m.Timestamp < other.Timestamp
	}
	if m.Sender != other.Sender {
		return m.Sender < other.Sender
	}
	return m.Kind < other.Kind
}

func (m Message) String() string {
	return fmt.Sprintf("(%d, %s, %s)", m.Timestamp, m.Sender, m.Kind)
}
