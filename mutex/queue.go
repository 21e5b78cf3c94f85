package mutex

import "github.com/google/btree"

const queueDegree = 8

// Queue holds the locally observed ENTER and ALLOW messages in total order.
type Queue struct {
	tree *btree.BTreeG[Message]
}

func NewQueue() *Queue {
	return &Queue{tree: btree.NewG[Message](queueDegree, Message.Less)}
}

func (q *Queue) Len() int {
	return q.tree.Len()
}

// Push inserts msg at its ordered position. Pushing an identical message twice
// keeps a single copy.
func (q *Queue) Push(msg Message) {
	q.tree.ReplaceOrInsert(msg)
}

// Normalize drops ALLOW messages from the head of the queue. An ALLOW can only
// ever answer an ENTER, so one found at the head is stale.
func (q *Queue) Normalize() {
	for {
		head, ok := q.tree.Min()
		if !ok || head.Kind != Allow {
			return
		}
		q.tree.DeleteMin()
	}
}

func (q *Queue) Head() (Message, bool) {
	return q.tree.Min()
}

func (q *Queue) PopHead() (Message, bool) {
	return q.tree.DeleteMin()
}

// Messages returns the queue contents in order.
func (q *Queue) Messages() []Message {
	out := make([]Message, 0, q.tree.Len())
	q.tree.Ascend(func(m Message) bool {
		out = append(out, m)
		return true
	})
	return out
}

// SendersAfterHead reports every sender with a message strictly after the head.
func (q *Queue) SendersAfterHead() map[ProcessID]struct{} {
	senders := make(map[ProcessID]struct{})
	first := true
	q.tree.Ascend(func(m Message) bool {
		if first {
			first = false
			return true
		}
		senders[m.Sender] = struct{}{}
		return true
	})
	return senders
}

// HasEnterFrom reports whether id has an ENTER anywhere in the queue.
func (q *Queue) HasEnterFrom(id ProcessID) bool {
	found := false
	q.tree.Ascend(func(m Message) bool {
		if m.Sender == id && m.Kind == Enter {
			found = true
			return false
		}
		return true
	})
	return found
}

// RemoveSender purges every message authored by id and returns how many were
// removed.
func (q *Queue) RemoveSender(id ProcessID) int {
	var doomed []Message
	q.tree.Ascend(func(m Message) bool {
		if m.Sender == id {
			doomed = append(doomed, m)
		}
		return true
	})
	for _, m := range doomed {
		q.tree.Delete(m)
	}
	return len(doomed)
}

// RetainEntersAfterHead rebuilds the queue from the ENTER messages that follow
// the head, dropping the head itself and every ALLOW.
func (q *Queue) RetainEntersAfterHead() {
	next := btree.NewG[Message](queueDegree, Message.Less)
	first := true
	q.tree.Ascend(func(m Message) bool {
		if first {
			first = false
			return true
		}
		if m.Kind == Enter {
			next.ReplaceOrInsert(m)
		}
		return true
	})
	q.tree = next
}
