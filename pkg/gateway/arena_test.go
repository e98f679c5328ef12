package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xutingl/skyplane/pkg/chunker"
	"github.com/xutingl/skyplane/pkg/control"
)

func chunk(id string) chunker.Chunk {
	return chunker.Chunk{ID: id, SourceKey: "src", DestKey: "dst", Length: 100}
}

func seg() control.Segment {
	return control.Segment{Path: "aws:a->aws:b", Index: 0, From: "aws:a", To: "aws:b"}
}

func TestAcquireNextNoDoubleDequeue(t *testing.T) {
	a := NewArena()
	a.Upsert(chunk("c1"), seg())
	a.Upsert(chunk("c2"), seg())
	now := time.Now()

	c, _, seq, ok := a.AcquireNext(0, now)
	require.True(t, ok)
	assert.Equal(t, "c1", c.ID, "dequeue follows assignment order")
	assert.Equal(t, int64(1), seq)

	c, _, _, ok = a.AcquireNext(1, now)
	require.True(t, ok)
	assert.Equal(t, "c2", c.ID)

	_, _, _, ok = a.AcquireNext(2, now)
	assert.False(t, ok, "no pending chunk may be handed out twice")
}

func TestUpsertIdempotent(t *testing.T) {
	a := NewArena()
	a.Upsert(chunk("c1"), seg())
	a.Upsert(chunk("c1"), seg())

	_, _, _, ok := a.AcquireNext(0, time.Now())
	require.True(t, ok)
	_, _, _, ok = a.AcquireNext(1, time.Now())
	assert.False(t, ok, "re-assignment must not duplicate the chunk")

	// Re-assignment after completion is a no-op.
	_, ok2 := a.Complete("c1", 0)
	require.True(t, ok2)
	a.Upsert(chunk("c1"), seg())
	_, _, _, ok = a.AcquireNext(0, time.Now())
	assert.False(t, ok)
	assert.True(t, a.Idle())
}

func TestSeqMonotonicPerChunk(t *testing.T) {
	a := NewArena()
	a.Upsert(chunk("c1"), seg())

	_, _, s1, _ := a.AcquireNext(0, time.Now())
	s2, ok := a.Transition("c1", 0, StateInFlight)
	require.True(t, ok)
	s3, ok := a.Transition("c1", 0, StateVerifying)
	require.True(t, ok)
	s4, ok := a.Complete("c1", 0)
	require.True(t, ok)

	assert.True(t, s1 < s2 && s2 < s3 && s3 < s4)
}

func TestTransitionRequiresOwnership(t *testing.T) {
	a := NewArena()
	a.Upsert(chunk("c1"), seg())
	a.AcquireNext(3, time.Now())

	_, ok := a.Transition("c1", 7, StateInFlight)
	assert.False(t, ok, "only the owning worker may transition")
	_, ok = a.Complete("c1", 7)
	assert.False(t, ok)
}

func TestFailRetriesWithBackoffThenTerminal(t *testing.T) {
	a := NewArena()
	a.Upsert(chunk("c1"), seg())
	now := time.Now()
	backoff := 10 * time.Millisecond

	// First failure: back to pending with backoff.
	a.AcquireNext(0, now)
	_, retries, terminal := a.Fail("c1", 0, "reset", false, 3, backoff, now)
	assert.Equal(t, 1, retries)
	assert.False(t, terminal)

	_, _, _, ok := a.AcquireNext(0, now)
	assert.False(t, ok, "chunk in backoff is not runnable")
	_, _, _, ok = a.AcquireNext(0, now.Add(backoff))
	require.True(t, ok)

	// Second failure doubles the backoff.
	_, _, _ = a.Fail("c1", 0, "reset", false, 3, backoff, now)
	_, _, _, ok = a.AcquireNext(0, now.Add(backoff))
	assert.False(t, ok)
	_, _, _, ok = a.AcquireNext(0, now.Add(2*backoff))
	require.True(t, ok)

	// Third failure exhausts the budget.
	_, retries, terminal = a.Fail("c1", 0, "reset", false, 3, backoff, now)
	assert.Equal(t, 3, retries)
	assert.True(t, terminal)
	assert.True(t, a.Idle())
}

func TestFailPermanentSkipsRetry(t *testing.T) {
	a := NewArena()
	a.Upsert(chunk("c1"), seg())
	a.AcquireNext(0, time.Now())

	_, retries, terminal := a.Fail("c1", 0, "access denied", true, 3, time.Second, time.Now())
	assert.Equal(t, 1, retries)
	assert.True(t, terminal)
}

func TestReturnOutstanding(t *testing.T) {
	a := NewArena()
	a.Upsert(chunk("c1"), seg())
	a.Upsert(chunk("c2"), seg())
	a.Upsert(chunk("c3"), seg())
	now := time.Now()

	a.AcquireNext(0, now)
	a.AcquireNext(1, now)
	a.Transition("c2", 1, StateInFlight)
	a.Complete("c1", 0)

	events := a.ReturnOutstanding()
	require.Len(t, events, 1, "only non-terminal owned chunks return to pending")
	assert.Equal(t, "c2", events[0].ChunkID)
	assert.Equal(t, StatePending, events[0].State)

	// Returned chunks are immediately runnable without a retry charge.
	c, _, _, ok := a.AcquireNext(5, now)
	require.True(t, ok)
	assert.Equal(t, "c2", c.ID)
}

func TestCounts(t *testing.T) {
	a := NewArena()
	a.Upsert(chunk("c1"), seg())
	a.Upsert(chunk("c2"), seg())
	a.AcquireNext(0, time.Now())
	a.Complete("c1", 0)

	counts := a.Counts()
	assert.Equal(t, 1, counts[StateCompleted])
	assert.Equal(t, 1, counts[StatePending])
}
