package gateway

import (
	"sync"
	"time"

	"github.com/xutingl/skyplane/pkg/chunker"
	"github.com/xutingl/skyplane/pkg/control"
)

// Chunk states. A chunk is owned by exactly one worker between Assigned and
// its next terminal or Pending transition; ownership moves only through the
// arena, never by sharing the record.
const (
	StatePending   = "pending"
	StateAssigned  = "assigned"
	StateInFlight  = "in_flight"
	StateVerifying = "verifying"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// record is one chunk's slot in the arena. seq increases on every transition,
// giving the tracker a monotonic version per chunk.
type record struct {
	chunk       chunker.Chunk
	segment     control.Segment
	state       string
	seq         int64
	retries     int
	owner       int // worker id, -1 when unowned
	nextAttempt time.Time
	lastErr     string
}

// Arena indexes a gateway's chunk records by id and serializes every state
// transition. Workers acquire Pending chunks through AcquireNext, which
// guarantees no double-dequeue.
type Arena struct {
	mu      sync.Mutex
	records map[string]*record
	order   []string // assignment order, for stable dequeue
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{records: make(map[string]*record)}
}

// Upsert enqueues a chunk for one segment. Idempotent: re-assigning a chunk
// that is already queued or running updates its segment without duplicating
// work; re-assigning a completed chunk is a no-op.
func (a *Arena) Upsert(c chunker.Chunk, seg control.Segment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok := a.records[c.ID]; ok {
		if rec.state != StateCompleted {
			rec.segment = seg
		}
		return
	}
	a.records[c.ID] = &record{
		chunk:   c,
		segment: seg,
		state:   StatePending,
		owner:   -1,
	}
	a.order = append(a.order, c.ID)
}

// AcquireNext hands the oldest runnable Pending chunk to a worker, moving it
// to Assigned. Returns false when nothing is runnable right now.
func (a *Arena) AcquireNext(workerID int, now time.Time) (chunker.Chunk, control.Segment, int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.order {
		rec := a.records[id]
		if rec.state != StatePending || now.Before(rec.nextAttempt) {
			continue
		}
		rec.state = StateAssigned
		rec.owner = workerID
		rec.seq++
		return rec.chunk, rec.segment, rec.seq, true
	}
	return chunker.Chunk{}, control.Segment{}, 0, false
}

// Transition moves an owned chunk to a new non-terminal state and returns the
// new sequence number.
func (a *Arena) Transition(id string, workerID int, state string) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[id]
	if !ok || rec.owner != workerID {
		return 0, false
	}
	rec.state = state
	rec.seq++
	return rec.seq, true
}

// Complete marks an owned chunk Completed and releases ownership.
func (a *Arena) Complete(id string, workerID int) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[id]
	if !ok || rec.owner != workerID {
		return 0, false
	}
	rec.state = StateCompleted
	rec.owner = -1
	rec.seq++
	return rec.seq, true
}

// Fail records a failed attempt. Below the retry budget the chunk returns to
// Pending with exponential backoff; at or past it, or on a permanent error,
// the failure is terminal. Returns the new sequence number, the retry count,
// and whether the failure is permanent.
func (a *Arena) Fail(id string, workerID int, errMsg string, permanent bool, retryBudget int, backoffBase time.Duration, now time.Time) (int64, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[id]
	if !ok || rec.owner != workerID {
		return 0, 0, false
	}
	rec.retries++
	rec.lastErr = errMsg
	rec.owner = -1
	rec.seq++
	if permanent || rec.retries >= retryBudget {
		rec.state = StateFailed
		return rec.seq, rec.retries, true
	}
	rec.state = StatePending
	rec.nextAttempt = now.Add(backoffBase << uint(rec.retries-1))
	return rec.seq, rec.retries, false
}

// ReturnOutstanding moves every Assigned/InFlight/Verifying chunk back to
// Pending without counting a retry. Used when a gateway-wide connection
// failure invalidates all in-progress attempts at once.
func (a *Arena) ReturnOutstanding() []ChunkEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var events []ChunkEvent
	for _, id := range a.order {
		rec := a.records[id]
		switch rec.state {
		case StateAssigned, StateInFlight, StateVerifying:
			rec.state = StatePending
			rec.owner = -1
			rec.nextAttempt = time.Time{}
			rec.seq++
			events = append(events, ChunkEvent{ChunkID: id, State: StatePending, Seq: rec.seq})
		}
	}
	return events
}

// ChunkEvent is an arena-level transition notification.
type ChunkEvent struct {
	ChunkID string
	State   string
	Seq     int64
}

// Idle reports whether every chunk has reached a terminal state.
func (a *Arena) Idle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range a.records {
		if rec.state != StateCompleted && rec.state != StateFailed {
			return false
		}
	}
	return true
}

// Counts returns the number of chunks per state.
func (a *Arena) Counts() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	counts := make(map[string]int)
	for _, rec := range a.records {
		counts[rec.state]++
	}
	return counts
}
