package gateway

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xutingl/skyplane/pkg/chunker"
	"github.com/xutingl/skyplane/pkg/control"
	"github.com/xutingl/skyplane/pkg/models"
	"github.com/xutingl/skyplane/pkg/obstore"
)

// eventLog collects control messages emitted by an instance.
type eventLog struct {
	mu     sync.Mutex
	states []control.ChunkStateChanged
}

func (l *eventLog) emit(msg control.Message) {
	if msg.Type != control.MsgChunkState || msg.State == nil {
		return
	}
	l.mu.Lock()
	l.states = append(l.states, *msg.State)
	l.mu.Unlock()
}

func (l *eventLog) last(chunkID string) (control.ChunkStateChanged, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.states) - 1; i >= 0; i-- {
		if l.states[i].ChunkID == chunkID {
			return l.states[i], true
		}
	}
	return control.ChunkStateChanged{}, false
}

func storeRouter(src, dst obstore.Store) Router {
	return RouterFunc(func(seg control.Segment) (SegmentIO, error) {
		return SegmentIO{
			Upstream:   &StoreUpstream{Store: src},
			Downstream: &StoreDownstream{Store: dst},
		}, nil
	})
}

func planChunks(t *testing.T, src obstore.Store, key string, size int64, policy chunker.Policy) []chunker.Chunk {
	t.Helper()
	job := &models.TransferJob{
		ID:           "job-1",
		SourceRegion: "aws:a",
		DestRegion:   "aws:b",
		Pairs:        []models.TransferPair{{SourceKey: key, DestKey: key, Bytes: size}},
	}
	chunks, err := chunker.Plan(context.Background(), src, job, policy)
	require.NoError(t, err)
	return chunks
}

func TestInstanceTransfersChunks(t *testing.T) {
	src := obstore.NewMemoryStore()
	dst := obstore.NewMemoryStore()
	payload := bytes.Repeat([]byte("skyplane"), 8192) // 64 KiB
	src.Seed("obj", payload)

	chunks := planChunks(t, src, "obj", int64(len(payload)),
		chunker.Policy{ChunkSize: 16 << 10, MinSize: 1 << 10})
	require.Len(t, chunks, 4)

	log := &eventLog{}
	inst := NewInstance(Config{GatewayID: "gw-1", Region: "aws:a", Workers: 2, PollInterval: time.Millisecond},
		storeRouter(src, dst), log.emit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go inst.Run(ctx)

	s := control.Segment{Path: "aws:a->aws:b", Index: 0, From: "aws:a", To: "aws:b"}
	for _, c := range chunks {
		inst.Assign(c, s)
	}

	require.Eventually(t, inst.Idle, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, inst.Counts()[StateCompleted])

	got, ok := dst.Bytes("obj")
	require.True(t, ok)
	assert.Equal(t, payload, got)

	ev, ok := log.last(chunks[0].ID)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, ev.State)
	assert.Equal(t, chunks[0].Length, ev.Bytes)
}

func TestInstanceRetriesTransientThenCompletes(t *testing.T) {
	src := obstore.NewMemoryStore()
	dst := obstore.NewMemoryStore()
	payload := bytes.Repeat([]byte("y"), 2048)
	src.Seed("obj", payload)
	chunks := planChunks(t, src, "obj", int64(len(payload)), chunker.DefaultPolicy())

	var mu sync.Mutex
	failures := 2
	dst.FailPut = func(key string, offset int64) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return obstore.Transient(assert.AnError)
		}
		return nil
	}

	log := &eventLog{}
	inst := NewInstance(Config{GatewayID: "gw-1", Workers: 1, RetryBudget: 5,
		BackoffBase: time.Millisecond, PollInterval: time.Millisecond},
		storeRouter(src, dst), log.emit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go inst.Run(ctx)
	inst.Assign(chunks[0], control.Segment{Path: "aws:a->aws:b", Index: 0})

	require.Eventually(t, inst.Idle, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, inst.Counts()[StateCompleted])

	ev, ok := log.last(chunks[0].ID)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, ev.State)

	got, _ := dst.Bytes("obj")
	assert.Equal(t, payload, got)
}

func TestInstanceFailsAfterRetryBudget(t *testing.T) {
	src := obstore.NewMemoryStore()
	dst := obstore.NewMemoryStore()
	src.Seed("obj", []byte("payload"))
	chunks := planChunks(t, src, "obj", 7, chunker.DefaultPolicy())

	dst.FailPut = func(key string, offset int64) error {
		return obstore.Transient(assert.AnError)
	}

	log := &eventLog{}
	inst := NewInstance(Config{GatewayID: "gw-1", Workers: 1, RetryBudget: 2,
		BackoffBase: time.Millisecond, PollInterval: time.Millisecond},
		storeRouter(src, dst), log.emit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go inst.Run(ctx)
	inst.Assign(chunks[0], control.Segment{Path: "aws:a->aws:b", Index: 0})

	require.Eventually(t, inst.Idle, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, inst.Counts()[StateFailed])

	ev, ok := log.last(chunks[0].ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, ev.State)
	assert.Equal(t, 2, ev.Retries)
}

func TestInstanceFailsPermanentImmediately(t *testing.T) {
	src := obstore.NewMemoryStore()
	dst := obstore.NewMemoryStore()
	src.Seed("obj", []byte("payload"))
	chunks := planChunks(t, src, "obj", 7, chunker.DefaultPolicy())

	dst.FailPut = func(key string, offset int64) error { return obstore.ErrAccessDenied }

	log := &eventLog{}
	inst := NewInstance(Config{GatewayID: "gw-1", Workers: 1, RetryBudget: 5,
		BackoffBase: time.Millisecond, PollInterval: time.Millisecond},
		storeRouter(src, dst), log.emit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go inst.Run(ctx)
	inst.Assign(chunks[0], control.Segment{Path: "aws:a->aws:b", Index: 0})

	require.Eventually(t, inst.Idle, 5*time.Second, 5*time.Millisecond)

	ev, ok := log.last(chunks[0].ID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, ev.State)
	assert.Equal(t, 1, ev.Retries, "permanent errors are not retried")
}

func TestInstanceRejectsChecksumMismatch(t *testing.T) {
	src := obstore.NewMemoryStore()
	dst := obstore.NewMemoryStore()
	src.Seed("obj", []byte("payload"))
	chunks := planChunks(t, src, "obj", 7, chunker.DefaultPolicy())
	chunks[0].Checksum = "deadbeef" // wrong on purpose

	log := &eventLog{}
	inst := NewInstance(Config{GatewayID: "gw-1", Workers: 1, RetryBudget: 2,
		BackoffBase: time.Millisecond, PollInterval: time.Millisecond},
		storeRouter(src, dst), log.emit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go inst.Run(ctx)
	inst.Assign(chunks[0], control.Segment{Path: "aws:a->aws:b", Index: 0})

	require.Eventually(t, inst.Idle, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, inst.Counts()[StateFailed])
}
