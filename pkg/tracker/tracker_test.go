package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xutingl/skyplane/pkg/chunker"
	"github.com/xutingl/skyplane/pkg/control"
	"github.com/xutingl/skyplane/pkg/gateway"
	"github.com/xutingl/skyplane/pkg/models"
)

func twoChunks() []chunker.Chunk {
	return []chunker.Chunk{
		{ID: "job/a@0", SourceKey: "a", DestKey: "a", Offset: 0, Length: 100},
		{ID: "job/a@100", SourceKey: "a", DestKey: "a", Offset: 100, Length: 50},
	}
}

func singleOwner(chunks []chunker.Chunk, gw string) map[string][]string {
	owners := make(map[string][]string)
	for _, c := range chunks {
		owners[c.ID] = []string{gw}
	}
	return owners
}

func completed(chunkID string, seq, bytes int64) control.ChunkStateChanged {
	return control.ChunkStateChanged{ChunkID: chunkID, State: gateway.StateCompleted, Seq: seq, Bytes: bytes}
}

func isDone(t *Tracker) bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}

func TestCompletionTracksAllChunks(t *testing.T) {
	chunks := twoChunks()
	tr := New("job-1", Config{})
	tr.Expect(chunks, singleOwner(chunks, "gw-1"))

	tr.Apply("gw-1", control.ChunkStateChanged{ChunkID: "job/a@0", State: gateway.StateInFlight, Seq: 1})
	tr.Apply("gw-1", completed("job/a@0", 2, 100))
	assert.False(t, isDone(tr), "one of two chunks done")

	st := tr.Status()
	assert.Equal(t, models.JobRunning, st.Status)
	assert.Equal(t, int64(100), st.CompletedBytes)
	assert.Equal(t, int64(1), st.CompletedChunks)
	assert.InDelta(t, 100.0/150.0*100, st.Progress, 1e-9)

	tr.Apply("gw-1", completed("job/a@100", 2, 50))
	require.True(t, isDone(tr))

	res := tr.Result()
	assert.True(t, res.Success)
	assert.Equal(t, int64(150), res.CompletedBytes)
	assert.Empty(t, res.Errors)
	assert.Equal(t, models.JobCompleted, tr.Status().Status)
}

func TestOnlyFinalGatewayCompletes(t *testing.T) {
	// Two-segment chunk: gw-relay moves source->relay, gw-dest writes the
	// destination range.
	chunks := twoChunks()[:1]
	tr := New("job-1", Config{})
	tr.Expect(chunks, map[string][]string{"job/a@0": {"gw-relay", "gw-dest"}})

	tr.Apply("gw-relay", completed("job/a@0", 5, 100))
	st := tr.Status()
	assert.Equal(t, int64(0), st.CompletedChunks, "relay leg done, chunk still moving")
	assert.False(t, isDone(tr))

	// The destination gateway's intermediate states drive the chunk state,
	// then its completion completes the chunk.
	tr.Apply("gw-dest", control.ChunkStateChanged{ChunkID: "job/a@0", State: gateway.StateInFlight, Seq: 3})
	tr.Apply("gw-dest", completed("job/a@0", 4, 100))
	require.True(t, isDone(tr))
	assert.True(t, tr.Result().Success)
}

func TestDuplicateAndStaleEventsDropped(t *testing.T) {
	chunks := twoChunks()[:1]
	tr := New("job-1", Config{})
	tr.Expect(chunks, singleOwner(chunks, "gw-1"))

	done := completed("job/a@0", 4, 100)
	tr.Apply("gw-1", done)
	tr.Apply("gw-1", done) // redelivery, same dedup key
	assert.Equal(t, int64(100), tr.Status().CompletedBytes, "redelivery must not double count")

	// A late out-of-order transition cannot resurrect a completed chunk.
	tr.Apply("gw-1", control.ChunkStateChanged{ChunkID: "job/a@0", State: gateway.StatePending, Seq: 2})
	assert.Equal(t, int64(1), tr.Status().CompletedChunks)
	require.True(t, isDone(tr))
}

func TestPerGatewaySequenceSpaces(t *testing.T) {
	chunks := twoChunks()[:1]
	tr := New("job-1", Config{})
	tr.Expect(chunks, map[string][]string{"job/a@0": {"gw-relay", "gw-dest"}})

	// The relay gateway is already at seq 8 for this chunk; the destination
	// gateway's seq 2 must still apply.
	tr.Apply("gw-relay", control.ChunkStateChanged{ChunkID: "job/a@0", State: gateway.StateInFlight, Seq: 8})
	tr.Apply("gw-dest", completed("job/a@0", 2, 100))
	assert.True(t, isDone(tr))
}

func TestFailureToleranceAbortsJob(t *testing.T) {
	chunks := twoChunks()
	tr := New("job-1", Config{FailureTolerance: 0})
	tr.Expect(chunks, singleOwner(chunks, "gw-1"))

	tr.Apply("gw-1", control.ChunkStateChanged{
		ChunkID: "job/a@100", State: gateway.StateFailed, Seq: 3, Retries: 3, Error: "access denied",
	})
	require.True(t, isDone(tr))

	st := tr.Status()
	assert.Equal(t, models.JobFailed, st.Status)
	assert.Equal(t, int64(1), st.FailedChunks)

	res := tr.Result()
	assert.False(t, res.Success)
	require.Len(t, res.FailedChunks, 1)
	fc := res.FailedChunks[0]
	assert.Equal(t, "a", fc.Key)
	assert.Equal(t, int64(100), fc.Offset)
	assert.Equal(t, 3, fc.Retries)
	assert.Equal(t, "access denied", fc.Reason)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "failure tolerance exceeded")
}

func TestFailureWithinToleranceContinues(t *testing.T) {
	chunks := twoChunks()
	tr := New("job-1", Config{FailureTolerance: 1})
	tr.Expect(chunks, singleOwner(chunks, "gw-1"))

	tr.Apply("gw-1", control.ChunkStateChanged{ChunkID: "job/a@100", State: gateway.StateFailed, Seq: 3, Error: "reset"})
	assert.False(t, isDone(tr), "one failure is inside the tolerance")
	assert.Equal(t, models.JobRunning, tr.Status().Status)

	// A failure on a segment of any gateway is final for the chunk.
	tr.Apply("gw-1", completed("job/a@100", 4, 50))
	assert.Equal(t, int64(0), tr.Status().CompletedChunks)
}

func TestStallDetectionReassignsOutstanding(t *testing.T) {
	chunks := twoChunks()
	tr := New("job-1", Config{LivenessTimeout: 40 * time.Millisecond, CheckInterval: 10 * time.Millisecond})
	tr.Expect(chunks, singleOwner(chunks, "gw-1"))

	var mu sync.Mutex
	var stalledGW string
	var outstanding []chunker.Chunk
	tr.OnStall(func(gatewayID string, chunks []chunker.Chunk) {
		mu.Lock()
		defer mu.Unlock()
		stalledGW = gatewayID
		outstanding = chunks
	})

	inbox := make(chan control.Message, 16)
	go tr.Run(inbox)
	defer tr.Abort("test done")

	// One heartbeat, then silence. The first chunk completes before the
	// gateway goes dark.
	inbox <- control.Message{Type: control.MsgHeartbeat, GatewayID: "gw-1", Timestamp: time.Now()}
	inbox <- control.Message{Type: control.MsgChunkState, GatewayID: "gw-1", State: &control.ChunkStateChanged{
		ChunkID: "job/a@0", State: gateway.StateCompleted, Seq: 2, Bytes: 100,
	}}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stalledGW != ""
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "gw-1", stalledGW)
	require.Len(t, outstanding, 1, "completed chunks are not reassigned")
	assert.Equal(t, "job/a@100", outstanding[0].ID)
}

func TestHeartbeatsSuppressStall(t *testing.T) {
	chunks := twoChunks()
	tr := New("job-1", Config{LivenessTimeout: 60 * time.Millisecond, CheckInterval: 10 * time.Millisecond})
	tr.Expect(chunks, singleOwner(chunks, "gw-1"))

	var stalls int32
	var mu sync.Mutex
	tr.OnStall(func(string, []chunker.Chunk) {
		mu.Lock()
		stalls++
		mu.Unlock()
	})

	inbox := make(chan control.Message, 16)
	go tr.Run(inbox)
	defer tr.Abort("test done")

	for i := 0; i < 10; i++ {
		inbox <- control.Message{Type: control.MsgHeartbeat, GatewayID: "gw-1", Timestamp: time.Now()}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, stalls, "a heartbeating gateway is never stalled")
}

func TestReassignMovesCompletionAuthority(t *testing.T) {
	chunks := twoChunks()[:1]
	tr := New("job-1", Config{})
	tr.Expect(chunks, map[string][]string{"job/a@0": {"gw-relay", "gw-old"}})

	tr.Reassign("job/a@0", "gw-old", "gw-new")

	tr.Apply("gw-old", completed("job/a@0", 9, 100))
	assert.False(t, isDone(tr), "the replaced gateway lost completion authority")

	tr.Apply("gw-new", completed("job/a@0", 1, 100))
	assert.True(t, isDone(tr))
}

func TestAbortTerminatesWithReason(t *testing.T) {
	chunks := twoChunks()
	tr := New("job-1", Config{})
	tr.Expect(chunks, singleOwner(chunks, "gw-1"))

	tr.Abort("gateway gw-1 unreachable and no healthy replacement in aws:a")
	require.True(t, isDone(tr))

	res := tr.Result()
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "unreachable")
}
