package tracker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xutingl/skyplane/pkg/chunker"
	"github.com/xutingl/skyplane/pkg/control"
	"github.com/xutingl/skyplane/pkg/gateway"
	"github.com/xutingl/skyplane/pkg/models"
)

// Config tunes the control loop.
type Config struct {
	LivenessTimeout  time.Duration // gateway silent longer than this is stalled
	FailureTolerance int           // permanently failed chunks above this abort the job
	CheckInterval    time.Duration
}

func (c *Config) defaults() {
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 30 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
}

// chunkView is the tracker's record of one chunk. A multi-hop chunk has one
// gateway per segment reporting transitions under the same chunk id, so
// sequence numbers are guarded per reporting gateway, and only the final
// gateway, the one writing the destination range, decides completion.
type chunkView struct {
	chunk   chunker.Chunk
	state   string
	seqs    map[string]int64 // last applied seq per reporting gateway
	owners  []string         // gateways carrying this chunk's segments, hop order
	final   string           // destination writer, the completion authority
	retries int
	lastErr string
}

func (v *chunkView) terminal() bool {
	return v.state == gateway.StateCompleted || v.state == gateway.StateFailed
}

func (v *chunkView) carriedBy(gatewayID string) bool {
	for _, ow := range v.owners {
		if ow == gatewayID {
			return true
		}
	}
	return false
}

// Tracker aggregates chunk-state events from all gateways for one job,
// detects stalled gateways, and decides job completion or terminal failure.
type Tracker struct {
	jobID string
	cfg   Config

	mu         sync.RWMutex
	chunks     map[string]*chunkView
	dedup      map[string]struct{}
	heartbeats map[string]time.Time
	stalled    map[string]bool

	totalBytes      int64
	completedBytes  int64
	completedChunks int64
	failedChunks    int64

	startTime time.Time
	speeds    []float64 // recent bytes/sec samples
	lastDone  time.Time

	onStall func(gatewayID string, outstanding []chunker.Chunk)

	done      chan struct{}
	closeOnce sync.Once
	success   bool
	aborted   bool
	errors    []string
}

// New creates a tracker for one job.
func New(jobID string, cfg Config) *Tracker {
	cfg.defaults()
	return &Tracker{
		jobID:      jobID,
		cfg:        cfg,
		chunks:     make(map[string]*chunkView),
		dedup:      make(map[string]struct{}),
		heartbeats: make(map[string]time.Time),
		stalled:    make(map[string]bool),
		startTime:  time.Now(),
		lastDone:   time.Now(),
		done:       make(chan struct{}),
	}
}

// Expect registers the job's chunks and the gateways carrying each chunk's
// segments in hop order. The last gateway in a chunk's list writes the
// destination range; its completion completes the chunk.
func (t *Tracker) Expect(chunks []chunker.Chunk, owners map[string][]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range chunks {
		ows := append([]string(nil), owners[c.ID]...)
		view := &chunkView{
			chunk:  c,
			state:  gateway.StatePending,
			seqs:   make(map[string]int64),
			owners: ows,
		}
		if len(ows) > 0 {
			view.final = ows[len(ows)-1]
		}
		t.chunks[c.ID] = view
		t.totalBytes += c.Length
	}
}

// OnStall registers the reassignment callback, invoked with a stalled
// gateway's id and its outstanding chunks.
func (t *Tracker) OnStall(fn func(gatewayID string, outstanding []chunker.Chunk)) {
	t.onStall = fn
}

// Done is closed when the job reaches a terminal condition.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Run consumes control messages until the job terminates or the inbox closes.
func (t *Tracker) Run(inbox <-chan control.Message) {
	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			t.handle(msg)
		case <-ticker.C:
			t.checkLiveness(time.Now())
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) handle(msg control.Message) {
	switch msg.Type {
	case control.MsgHeartbeat:
		t.mu.Lock()
		t.heartbeats[msg.GatewayID] = msg.Timestamp
		delete(t.stalled, msg.GatewayID)
		t.mu.Unlock()
	case control.MsgChunkState:
		if msg.State != nil {
			t.Apply(msg.GatewayID, *msg.State)
		}
	}
}

// Apply folds one chunk-state transition into the aggregates. Duplicate
// deliveries are dropped by dedup key; stale transitions are dropped by
// per-gateway sequence number, so a late "pending" can never overwrite a
// "completed". A "completed" from an upstream segment's gateway means the
// relay leg finished, not the chunk; only the final gateway completes it.
// A permanent failure on any segment fails the chunk.
func (t *Tracker) Apply(gatewayID string, ev control.ChunkStateChanged) {
	t.mu.Lock()
	defer t.mu.Unlock()

	view, ok := t.chunks[ev.ChunkID]
	if !ok {
		return
	}
	key := gatewayID + "|" + ev.DedupKey()
	if _, seen := t.dedup[key]; seen {
		return
	}
	t.dedup[key] = struct{}{}
	if ev.Seq <= view.seqs[gatewayID] {
		return
	}
	view.seqs[gatewayID] = ev.Seq
	if view.terminal() {
		return
	}

	t.heartbeats[gatewayID] = time.Now()
	if ev.Retries > view.retries {
		view.retries = ev.Retries
	}
	if ev.Error != "" {
		view.lastErr = ev.Error
	}

	switch ev.State {
	case gateway.StateCompleted:
		if gatewayID != view.final {
			return // relay leg done, chunk still moving downstream
		}
		view.state = gateway.StateCompleted
		t.completedChunks++
		t.completedBytes += view.chunk.Length
		now := time.Now()
		if dt := now.Sub(t.lastDone).Seconds(); dt > 0 {
			t.speeds = append(t.speeds, float64(view.chunk.Length)/dt)
			if len(t.speeds) > 10 {
				t.speeds = t.speeds[1:]
			}
		}
		t.lastDone = now
		if t.completedChunks == int64(len(t.chunks)) {
			t.success = true
			t.errors = nil
			t.closeOnce.Do(func() { close(t.done) })
		}
	case gateway.StateFailed:
		view.state = gateway.StateFailed
		t.failedChunks++
		if t.failedChunks > int64(t.cfg.FailureTolerance) {
			t.aborted = true
			t.errors = append(t.errors, fmt.Sprintf(
				"failure tolerance exceeded: %d chunks failed permanently", t.failedChunks))
			t.closeOnce.Do(func() { close(t.done) })
		}
	default:
		if gatewayID == view.final || view.final == "" {
			view.state = ev.State
		}
	}
}

// checkLiveness finds gateways with no transition or heartbeat inside the
// timeout and hands their outstanding chunks to the reassignment callback.
func (t *Tracker) checkLiveness(now time.Time) {
	type stall struct {
		gatewayID   string
		outstanding []chunker.Chunk
	}
	var stalls []stall

	t.mu.Lock()
	for gw, last := range t.heartbeats {
		if t.stalled[gw] || now.Sub(last) <= t.cfg.LivenessTimeout {
			continue
		}
		var outstanding []chunker.Chunk
		for _, view := range t.chunks {
			if view.terminal() || !view.carriedBy(gw) {
				continue
			}
			outstanding = append(outstanding, view.chunk)
		}
		if len(outstanding) > 0 {
			sort.Slice(outstanding, func(i, j int) bool {
				if outstanding[i].SourceKey != outstanding[j].SourceKey {
					return outstanding[i].SourceKey < outstanding[j].SourceKey
				}
				return outstanding[i].Offset < outstanding[j].Offset
			})
			t.stalled[gw] = true
			stalls = append(stalls, stall{gatewayID: gw, outstanding: outstanding})
		}
	}
	cb := t.onStall
	t.mu.Unlock()

	if cb == nil {
		return
	}
	for _, s := range stalls {
		cb(s.gatewayID, s.outstanding)
	}
}

// Reassign records that a chunk's segments on one gateway moved to another.
func (t *Tracker) Reassign(chunkID, fromGateway, toGateway string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	view, ok := t.chunks[chunkID]
	if !ok || view.terminal() {
		return
	}
	for i, ow := range view.owners {
		if ow == fromGateway {
			view.owners[i] = toGateway
		}
	}
	if view.final == fromGateway {
		view.final = toGateway
	}
}

// Abort terminates the job with an error, e.g. when no healthy gateway
// remains for a required segment.
func (t *Tracker) Abort(reason string) {
	t.mu.Lock()
	t.aborted = true
	t.errors = append(t.errors, reason)
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })
}

// Status reports current aggregate progress.
func (t *Tracker) Status() models.JobStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var avgSpeed float64
	if len(t.speeds) > 0 {
		var sum float64
		for _, s := range t.speeds {
			sum += s
		}
		avgSpeed = sum / float64(len(t.speeds))
	}

	eta := "calculating..."
	if avgSpeed > 0 {
		remaining := float64(t.totalBytes - t.completedBytes)
		eta = time.Duration(remaining / avgSpeed * float64(time.Second)).Round(time.Second).String()
	}

	status := models.JobRunning
	switch {
	case t.success:
		status = models.JobCompleted
		eta = "0s"
	case t.aborted:
		status = models.JobFailed
	}

	progress := 0.0
	if t.totalBytes > 0 {
		progress = float64(t.completedBytes) / float64(t.totalBytes) * 100
	}

	return models.JobStatus{
		JobID:           t.jobID,
		Status:          status,
		Progress:        progress,
		CompletedBytes:  t.completedBytes,
		TotalBytes:      t.totalBytes,
		CompletedChunks: t.completedChunks,
		TotalChunks:     int64(len(t.chunks)),
		FailedChunks:    t.failedChunks,
		ThroughputMBps:  avgSpeed / (1 << 20),
		ETA:             eta,
		Errors:          append([]string(nil), t.errors...),
		StartTime:       t.startTime,
		LastUpdateTime:  t.lastDone,
	}
}

// Result builds the final job result. Valid once Done is closed.
func (t *Tracker) Result() *models.JobResult {
	t.mu.RLock()
	defer t.mu.RUnlock()

	elapsed := time.Since(t.startTime)
	res := &models.JobResult{
		JobID:          t.jobID,
		Success:        t.success,
		CompletedBytes: t.completedBytes,
		TotalBytes:     t.totalBytes,
		ElapsedTime:    elapsed.Round(time.Millisecond).String(),
		Errors:         append([]string(nil), t.errors...),
	}
	if sec := elapsed.Seconds(); sec > 0 {
		res.AvgSpeedMBps = float64(t.completedBytes) / (1 << 20) / sec
	}
	for _, view := range t.chunks {
		if view.state == gateway.StateFailed {
			res.FailedChunks = append(res.FailedChunks, models.FailedChunk{
				Key:     view.chunk.DestKey,
				Offset:  view.chunk.Offset,
				Length:  view.chunk.Length,
				Retries: view.retries,
				Reason:  view.lastErr,
			})
		}
	}
	sort.Slice(res.FailedChunks, func(i, j int) bool {
		a, b := res.FailedChunks[i], res.FailedChunks[j]
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Offset < b.Offset
	})
	return res
}
