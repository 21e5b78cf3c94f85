package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/distcodep7/dsmutex/mutex"
)

// CriticalSection is a shared resource that records every entry and counts
// overlapping occupants. A correct mutual exclusion protocol never produces
// a violation.
type CriticalSection struct {
	mu         sync.Mutex
	inside     map[mutex.ProcessID]struct{}
	value      int
	violations []Violation
	entries    map[mutex.ProcessID]int
	// Verbose prints ENTER/EXIT lines.
	Verbose bool
}

// Violation names the processes found inside together.
type Violation struct {
	Entering mutex.ProcessID
	Occupied []mutex.ProcessID
	At       time.Time
}

func NewCriticalSection() *CriticalSection {
	return &CriticalSection{
		inside:  make(map[mutex.ProcessID]struct{}),
		entries: make(map[mutex.ProcessID]int),
	}
}

// Work occupies the section for duration. It matches
// mutex.CriticalSectionFunc.
func (cs *CriticalSection) Work(ctx context.Context, id mutex.ProcessID, duration time.Duration) {
	cs.enter(id)
	defer cs.exit(id)
	mutex.SleepCriticalSection(ctx, id, duration)
}

func (cs *CriticalSection) enter(id mutex.ProcessID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.inside) > 0 {
		occupied := make([]mutex.ProcessID, 0, len(cs.inside))
		for other := range cs.inside {
			occupied = append(occupied, other)
		}
		mutex.SortProcessIDs(occupied)
		cs.violations = append(cs.violations, Violation{Entering: id, Occupied: occupied, At: time.Now()})
	}
	cs.inside[id] = struct{}{}
	cs.entries[id]++
	if cs.Verbose {
		fmt.Printf("[%s] ENTER CS\n", id)
	}
}

func (cs *CriticalSection) exit(id mutex.ProcessID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.inside, id)
	cs.value++
	if cs.Verbose {
		fmt.Printf("[%s] EXIT CS\n", id)
	}
}

// Value is the number of completed critical sections.
func (cs *CriticalSection) Value() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.value
}

func (cs *CriticalSection) Entries(id mutex.ProcessID) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.entries[id]
}

func (cs *CriticalSection) Violations() []Violation {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]Violation(nil), cs.violations...)
}
