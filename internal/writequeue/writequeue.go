// Package writequeue implements a priority-ordered, id-deduplicated
// multiset of write intents drained by the single Writer Thread in
// earliest-schedule-first order.
//
// The original C++ source (original_source/src/schedules.cpp) models this
// as a linear-scan std::vector plus an auxiliary "skip set" consulted by
// should_skip/mark_for_skip/is_skipped. This port drops the skip-set
// entirely and implements only the simpler rule: enqueue supersedes any
// existing intent sharing its id. The underlying structure is a
// container/heap ordered by ScheduledAt, with a side index from id to heap
// slot so RemoveByID and the supersede-on-enqueue check are O(log n)
// instead of the original's linear scan.
package writequeue

import (
	"container/heap"
	"context"
	"database/sql"
	"sync"
)

// RunFunc performs the SQL side effect of an Intent. It receives the
// prepared statement (fetched from the Statement Cache by the caller), the
// writable store connection, and is responsible for binding parameters and
// executing the statement. database/sql's Stmt.ExecContext already steps
// the statement to completion in one call, so unlike the original's
// explicit step-loop, RunFunc simply returns the (possibly BUSY) error from
// that call and lets the Writer Thread classify and, on BUSY, reschedule it.
type RunFunc func(ctx context.Context, conn *sql.DB, stmt *sql.Stmt) error

// Intent is a deferred database mutation.
type Intent struct {
	// ID names the intent's category+target ("set/<key>", "del/<key>",
	// "init_db"). Two intents are equivalent iff their ids are equal.
	ID string
	// ScheduledAt is the epoch-millisecond time this intent becomes
	// eligible to run; 0 means immediately eligible.
	ScheduledAt uint64
	// SQL is the statement template prepared (and cached) before Run.
	SQL string
	// MustOnSchedule, if true, causes this intent to be discarded rather
	// than executed during a shutdown drain if its time has not arrived.
	MustOnSchedule bool
	// Run binds parameters and executes the prepared statement.
	Run RunFunc

	seq uint64 // insertion order, used only to break ScheduledAt ties
}

type item struct {
	intent Intent
	index  int
}

// heapSlice implements container/heap.Interface ordered by ScheduledAt,
// with insertion order as the tiebreaker so ordering stays deterministic
// in tests.
type heapSlice []*item

func (h heapSlice) Len() int { return len(h) }
func (h heapSlice) Less(i, j int) bool {
	if h[i].intent.ScheduledAt != h[j].intent.ScheduledAt {
		return h[i].intent.ScheduledAt < h[j].intent.ScheduledAt
	}
	return h[i].intent.seq < h[j].intent.seq
}
func (h heapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *heapSlice) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is the process-wide Write Queue. The zero Queue is not usable; use
// New. Queue is safe for concurrent use by many producers (request workers
// calling Enqueue/RemoveByID) and one consumer (the Writer Thread calling
// PeekEarliest/PopEarliestIfDue/Notify).
type Queue struct {
	mu       sync.Mutex
	heap     heapSlice
	byID     map[string]*item
	seq      uint64
	notifyCh chan struct{}
}

// New returns an empty, ready-to-use Queue.
func New() *Queue {
	return &Queue{
		byID:     make(map[string]*item),
		notifyCh: make(chan struct{}),
	}
}

// signalLocked wakes every goroutine currently blocked in Notify's returned
// channel by closing it, then installs a fresh channel for the next wait.
// Must be called with mu held.
func (q *Queue) signalLocked() {
	close(q.notifyCh)
	q.notifyCh = make(chan struct{})
}

// Notify returns a channel that is closed the next time the queue's state
// changes (an intent is enqueued, superseded, or removed). The Writer
// Thread selects on it alongside a scheduling timer and a stop signal; this
// is the Go-idiomatic stand-in for the original's
// std::condition_variable_any::wait/wait_until.
func (q *Queue) Notify() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notifyCh
}

// Enqueue atomically removes any existing intent sharing intent.ID, pushes
// intent, and wakes the Writer Thread.
func (q *Queue) Enqueue(intent Intent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byID[intent.ID]; ok {
		heap.Remove(&q.heap, existing.index)
		delete(q.byID, intent.ID)
	}

	q.seq++
	intent.seq = q.seq
	it := &item{intent: intent}
	heap.Push(&q.heap, it)
	q.byID[intent.ID] = it

	q.signalLocked()
}

// RemoveByID discards any intent matching id, e.g. cancelling a pending
// "del/<key>" when a later "set" gives the key a non-expiring lifetime. It
// reports whether an intent was removed.
func (q *Queue) RemoveByID(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byID, id)
	q.signalLocked()
	return true
}

// PeekEarliest returns the intent with the smallest ScheduledAt without
// removing it, or ok=false if the queue is empty.
func (q *Queue) PeekEarliest() (Intent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return Intent{}, false
	}
	return q.heap[0].intent, true
}

// PopEarliestIfDue removes and returns the earliest intent if either force
// is true (shutdown drain) or its ScheduledAt is at or before nowMS.
// Otherwise it leaves the queue untouched and reports ok=false: the Writer
// Thread must never consume an intent whose ScheduledAt is still in the
// future outside of a shutdown drain, and this check happens atomically
// with the peek so no other goroutine can pop it in between.
func (q *Queue) PopEarliestIfDue(nowMS uint64, force bool) (Intent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return Intent{}, false
	}
	earliest := q.heap[0]
	if !force && earliest.intent.ScheduledAt > nowMS {
		return Intent{}, false
	}
	popped := heap.Pop(&q.heap).(*item)
	delete(q.byID, popped.intent.ID)
	return popped.intent, true
}

// Len reports the number of intents currently queued. Used by metrics and
// tests, never for correctness decisions (always re-check under lock via
// PeekEarliest/PopEarliestIfDue).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// DrainAll removes every intent for which keep returns true, in
// earliest-schedule-first order, and returns them. Intents for which keep
// returns false are discarded silently. Callers doing a shutdown drain pass
// keep = "!intent.MustOnSchedule || intent.ScheduledAt <= shutdownTimeMS".
func (q *Queue) DrainAll(keep func(Intent) bool) []Intent {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Intent
	for len(q.heap) > 0 {
		popped := heap.Pop(&q.heap).(*item)
		delete(q.byID, popped.intent.ID)
		if keep(popped.intent) {
			out = append(out, popped.intent)
		}
	}
	return out
}
