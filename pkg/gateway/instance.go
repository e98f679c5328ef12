package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/xutingl/skyplane/pkg/chunker"
	"github.com/xutingl/skyplane/pkg/control"
	"github.com/xutingl/skyplane/pkg/obstore"
)

// Config sizes one gateway instance. Workers comes from the plan's per-edge
// parallelism, not from the dataplane itself.
type Config struct {
	GatewayID    string
	Region       string
	Workers      int
	RetryBudget  int
	BackoffBase  time.Duration
	PollInterval time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
}

// Instance executes one region's slice of a transfer plan: a chunk arena fed
// by Assign and drained by a bounded pool of transfer workers.
type Instance struct {
	cfg    Config
	arena  *Arena
	router Router
	emit   func(control.Message)
	wg     sync.WaitGroup
}

// NewInstance creates a gateway instance. emit delivers chunk-state events to
// the control channel.
func NewInstance(cfg Config, router Router, emit func(control.Message)) *Instance {
	cfg.defaults()
	if emit == nil {
		emit = func(control.Message) {}
	}
	return &Instance{cfg: cfg, arena: NewArena(), router: router, emit: emit}
}

// ID returns the gateway id.
func (in *Instance) ID() string { return in.cfg.GatewayID }

// Assign enqueues a chunk for one segment. Safe to call while running.
func (in *Instance) Assign(c chunker.Chunk, seg control.Segment) {
	in.arena.Upsert(c, seg)
}

// Idle reports whether every assigned chunk is terminal.
func (in *Instance) Idle() bool { return in.arena.Idle() }

// Counts returns chunk counts per state.
func (in *Instance) Counts() map[string]int { return in.arena.Counts() }

// Run starts the worker pool and blocks until ctx is cancelled. In-flight
// transfers abort at the next chunk boundary; partially moved chunks are
// returned to Pending, and their destination ranges are simply rewritten on
// the next attempt.
func (in *Instance) Run(ctx context.Context) {
	for i := 0; i < in.cfg.Workers; i++ {
		in.wg.Add(1)
		go in.worker(ctx, i)
	}
	in.wg.Wait()
}

// FailAll returns every outstanding chunk to Pending, reporting the
// transitions. Used when a gateway-wide connection failure makes retrying on
// the same connections pointless.
func (in *Instance) FailAll(reason string) {
	for _, ev := range in.arena.ReturnOutstanding() {
		in.report(ev.ChunkID, ev.State, ev.Seq, 0, 0, reason)
	}
}

func (in *Instance) worker(ctx context.Context, workerID int) {
	defer in.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, seg, seq, ok := in.arena.AcquireNext(workerID, time.Now())
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(in.cfg.PollInterval):
			}
			continue
		}
		in.report(c.ID, StateAssigned, seq, 0, 0, "")
		in.transfer(ctx, workerID, c, seg)
	}
}

// transfer moves one chunk across one segment and walks its state machine.
// Once the chunk is terminal here, staged upstream bytes (relay replays) are
// released.
func (in *Instance) transfer(ctx context.Context, workerID int, c chunker.Chunk, seg control.Segment) {
	segIO, err := in.router.Resolve(seg)
	if err != nil {
		in.fail(workerID, c, fmt.Errorf("unroutable segment %s[%d]: %w", seg.Path, seg.Index, err), true)
		return
	}
	release := func() {
		if rel, ok := segIO.Upstream.(Releaser); ok {
			rel.Release(c.ID)
		}
	}

	if seq, ok := in.arena.Transition(c.ID, workerID, StateInFlight); ok {
		in.report(c.ID, StateInFlight, seq, 0, 0, "")
	}

	src, err := segIO.Upstream.Open(ctx, c)
	if err != nil {
		if in.fail(workerID, c, err, obstore.IsPermanent(err)) {
			release()
		}
		return
	}

	hasher := chunker.NewStreamingHasher()
	err = segIO.Downstream.Write(ctx, c, io.TeeReader(src, hasher))
	src.Close()
	if err != nil {
		if in.fail(workerID, c, err, obstore.IsPermanent(err)) {
			release()
		}
		return
	}

	if seq, ok := in.arena.Transition(c.ID, workerID, StateVerifying); ok {
		in.report(c.ID, StateVerifying, seq, 0, 0, "")
	}
	if hasher.Size() != c.Length {
		if in.fail(workerID, c, fmt.Errorf("chunk %s: moved %d bytes, want %d", c.ID, hasher.Size(), c.Length), false) {
			release()
		}
		return
	}
	if c.Checksum != "" && hasher.Sum() != c.Checksum {
		if in.fail(workerID, c, fmt.Errorf("chunk %s: checksum mismatch", c.ID), false) {
			release()
		}
		return
	}

	if seq, ok := in.arena.Complete(c.ID, workerID); ok {
		in.report(c.ID, StateCompleted, seq, c.Length, 0, "")
	}
	release()
}

// fail records one attempt failure and reports whether the chunk is now
// terminal on this gateway.
func (in *Instance) fail(workerID int, c chunker.Chunk, cause error, permanent bool) bool {
	seq, retries, terminal := in.arena.Fail(c.ID, workerID, cause.Error(), permanent, in.cfg.RetryBudget, in.cfg.BackoffBase, time.Now())
	if seq == 0 {
		return false
	}
	if terminal {
		log.Printf("gateway %s: chunk %s failed permanently after %d attempts: %v", in.cfg.GatewayID, c.ID, retries, cause)
		in.report(c.ID, StateFailed, seq, 0, retries, cause.Error())
		return true
	}
	in.report(c.ID, StatePending, seq, 0, retries, cause.Error())
	return false
}

func (in *Instance) report(chunkID, state string, seq, bytes int64, retries int, errMsg string) {
	in.emit(control.Message{
		Type:      control.MsgChunkState,
		GatewayID: in.cfg.GatewayID,
		Timestamp: time.Now(),
		State: &control.ChunkStateChanged{
			ChunkID: chunkID,
			State:   state,
			Seq:     seq,
			Bytes:   bytes,
			Retries: retries,
			Error:   errMsg,
		},
	})
}
