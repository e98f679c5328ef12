package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xutingl/skyplane/pkg/chunker"
	"github.com/xutingl/skyplane/pkg/control"
	"github.com/xutingl/skyplane/pkg/models"
	"github.com/xutingl/skyplane/pkg/obstore"
	"github.com/xutingl/skyplane/pkg/planner"
	"github.com/xutingl/skyplane/pkg/state"
	"github.com/xutingl/skyplane/pkg/topology"
	"github.com/xutingl/skyplane/pkg/tracker"
)

// Config tunes the orchestrator.
type Config struct {
	ChunkPolicy     chunker.Policy
	MaxHops         int
	LivenessTimeout time.Duration
	CheckInterval   time.Duration
	PersistInterval time.Duration
	FinalizeTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ChunkPolicy.ChunkSize == 0 {
		c.ChunkPolicy = chunker.DefaultPolicy()
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = 2 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 5 * time.Minute
	}
}

// jobRun is the in-memory execution state of one submitted job.
type jobRun struct {
	job     *models.TransferJob
	request models.JobRequest
	plan    *planner.Plan
	planRaw string

	tracker *tracker.Tracker
	inbox   chan control.Message
	cancel  context.CancelFunc

	targets          map[string][]segmentTarget
	gatewayRegion    map[string]string
	gatewaysByRegion map[string][]string
	stalled          map[string]bool

	status  string
	errors  []string
	started time.Time
	ended   *time.Time
	result  *models.JobResult

	// final is the frozen status snapshot of a retired run; once set, the
	// tracker and assignment maps above have been released.
	final *models.JobStatus
}

// Service orchestrates transfer jobs: plan, provision, execute, persist.
type Service struct {
	graph       *topology.Graph
	planner     *planner.Planner
	bus         control.Bus
	provisioner Provisioner
	stores      StoreResolver
	state       state.StateManager
	cfg         Config

	mu   sync.RWMutex
	jobs map[string]*jobRun
}

// New wires the orchestrator and starts its control-message dispatch loop.
func New(graph *topology.Graph, bus control.Bus, provisioner Provisioner, stores StoreResolver, stateMgr state.StateManager, cfg Config) *Service {
	cfg.defaults()
	s := &Service{
		graph:       graph,
		planner:     planner.New(graph),
		bus:         bus,
		provisioner: provisioner,
		stores:      stores,
		state:       stateMgr,
		cfg:         cfg,
		jobs:        make(map[string]*jobRun),
	}
	go s.dispatch()
	return s
}

// dispatch routes gateway messages to the owning job's tracker. Gateway ids
// are prefixed with their job id at provisioning time.
func (s *Service) dispatch() {
	for msg := range s.bus.Inbox() {
		if msg.GatewayID == "" {
			continue
		}
		s.mu.RLock()
		var run *jobRun
		for id, r := range s.jobs {
			if r.final == nil && strings.HasPrefix(msg.GatewayID, id+"-") {
				run = r
				break
			}
		}
		s.mu.RUnlock()
		if run == nil {
			continue
		}
		select {
		case run.inbox <- msg:
		default:
			log.Printf("job %s: control inbox full, dropping %s from %s",
				run.job.ID, msg.Type, msg.GatewayID)
		}
	}
}

func validateRequest(req models.JobRequest) error {
	if req.SourceRegion == "" || req.DestRegion == "" {
		return fmt.Errorf("source and destination regions are required")
	}
	if req.SourceRegion == req.DestRegion {
		return fmt.Errorf("source and destination regions must differ")
	}
	if len(req.Pairs) == 0 {
		return fmt.Errorf("no objects to transfer")
	}
	for _, p := range req.Pairs {
		if p.SourceKey == "" || p.DestKey == "" {
			return fmt.Errorf("transfer pair missing source or destination key")
		}
		if p.Bytes < 0 {
			return fmt.Errorf("object %s has negative size %d", p.SourceKey, p.Bytes)
		}
	}
	return nil
}

// Submit validates and plans a transfer, then starts its execution in the
// background. Planning infeasibility surfaces here as *planner.InfeasibleError;
// everything downstream is reported through Status and the persisted state.
func (s *Service) Submit(ctx context.Context, req models.JobRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	job := &models.TransferJob{
		ID:           uuid.New().String(),
		SourceRegion: req.SourceRegion,
		DestRegion:   req.DestRegion,
		Pairs:        req.Pairs,
		BudgetUSD:    req.BudgetUSD,
		CreatedAt:    time.Now(),
	}

	demands := []planner.Demand{{Src: req.SourceRegion, Dst: req.DestRegion, Bytes: job.TotalBytes()}}
	cons := planner.Constraints{BudgetUSD: req.BudgetUSD, MaxHops: s.cfg.MaxHops}
	plan, err := s.planner.Plan(job.ID, demands, cons)
	if err != nil {
		return "", err
	}
	planRaw, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("failed to encode plan: %w", err)
	}

	src, err := s.stores.Resolve(ctx, req.SourceRegion, req.SourceBucket, req.SourceCredentials)
	if err != nil {
		return "", fmt.Errorf("failed to resolve source store: %w", err)
	}
	dst, err := s.stores.Resolve(ctx, req.DestRegion, req.DestBucket, req.DestCredentials)
	if err != nil {
		return "", fmt.Errorf("failed to resolve destination store: %w", err)
	}

	jobCtx := context.Background()
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(jobCtx, time.Duration(req.Timeout)*time.Second)
	} else {
		jobCtx, cancel = context.WithCancel(jobCtx)
	}

	run := &jobRun{
		job:     job,
		request: req,
		plan:    plan,
		planRaw: string(planRaw),
		inbox:   make(chan control.Message, 4096),
		cancel:  cancel,
		stalled: make(map[string]bool),
		status:  models.JobPending,
		started: time.Now(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = run
	s.mu.Unlock()
	s.persist(run)

	go s.execute(jobCtx, run, src, dst)
	return job.ID, nil
}

// execute runs the job pipeline after planning: chunk, provision, assign,
// track, finalize, persist.
func (s *Service) execute(ctx context.Context, run *jobRun, src, dst obstore.Store) {
	defer run.cancel()

	s.setStatus(run, models.JobPlanning)
	chunks, err := chunker.Plan(ctx, src, run.job, s.cfg.ChunkPolicy)
	if err != nil {
		s.finishError(run, fmt.Errorf("chunking failed: %w", err))
		return
	}

	handles, err := s.provisioner.Provision(ctx, run.plan, src, dst)
	if err != nil {
		var pe *ProvisioningError
		if !errors.As(err, &pe) {
			err = &ProvisioningError{Err: err}
		}
		s.finishError(run, err)
		return
	}

	byRegion := make(map[string][]string)
	regionOf := make(map[string]string)
	for _, h := range handles {
		byRegion[h.Region] = append(byRegion[h.Region], h.ID)
		regionOf[h.ID] = h.Region
	}

	targets, err := planAssignments(run.plan, chunks, byRegion)
	if err != nil {
		s.finishError(run, err)
		return
	}

	t := tracker.New(run.job.ID, tracker.Config{
		LivenessTimeout:  s.cfg.LivenessTimeout,
		CheckInterval:    s.cfg.CheckInterval,
		FailureTolerance: run.request.FailureTolerance,
	})
	t.Expect(chunks, ownersOf(targets))
	t.OnStall(func(gatewayID string, outstanding []chunker.Chunk) {
		s.reassign(run, gatewayID, outstanding)
	})

	s.mu.Lock()
	run.tracker = t
	run.targets = targets
	run.gatewayRegion = regionOf
	run.gatewaysByRegion = byRegion
	s.mu.Unlock()
	s.setStatus(run, models.JobRunning)

	go t.Run(run.inbox)

	for _, c := range chunks {
		for _, st := range targets[c.ID] {
			msg := assignMessage(run.job.ID, c, st.Segment)
			if err := s.bus.Send(st.GatewayID, msg); err != nil {
				log.Printf("job %s: failed to assign chunk %s to %s: %v",
					run.job.ID, c.ID, st.GatewayID, err)
			}
		}
	}

	ticker := time.NewTicker(s.cfg.PersistInterval)
	defer ticker.Stop()
	running := true
	for running {
		select {
		case <-t.Done():
			running = false
		case <-ticker.C:
			s.persist(run)
		case <-ctx.Done():
			t.Abort("job cancelled")
		}
	}

	result := t.Result()
	if result.Success {
		if err := s.finalize(dst, chunks); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, err.Error())
		}
	}
	s.finish(run, result)
}

// finalize assembles every destination object from its staged chunk ranges.
func (s *Service) finalize(dst obstore.Store, chunks []chunker.Chunk) error {
	fin, ok := dst.(obstore.Finalizer)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalizeTimeout)
	defer cancel()

	seen := make(map[string]bool)
	for _, c := range chunks {
		if seen[c.DestKey] {
			continue
		}
		seen[c.DestKey] = true
		if err := fin.Finalize(ctx, c.DestKey); err != nil {
			return fmt.Errorf("failed to finalize %s: %w", c.DestKey, err)
		}
	}
	return nil
}

// reassign moves a stalled gateway's outstanding chunks to another instance
// in the same region, or aborts the job when none remains.
func (s *Service) reassign(run *jobRun, gatewayID string, outstanding []chunker.Chunk) {
	s.mu.Lock()
	t := run.tracker
	if t == nil {
		s.mu.Unlock()
		return
	}
	run.stalled[gatewayID] = true
	region := run.gatewayRegion[gatewayID]
	var replacement string
	for _, gw := range run.gatewaysByRegion[region] {
		if gw != gatewayID && !run.stalled[gw] {
			replacement = gw
			break
		}
	}
	if replacement == "" {
		s.mu.Unlock()
		t.Abort(fmt.Sprintf(
			"gateway %s unreachable and no healthy replacement in %s", gatewayID, region))
		return
	}
	for _, c := range outstanding {
		segs := run.targets[c.ID]
		for i := range segs {
			if segs[i].GatewayID == gatewayID {
				segs[i].GatewayID = replacement
			}
		}
	}
	s.mu.Unlock()

	log.Printf("job %s: gateway %s stalled, moving %d chunks to %s",
		run.job.ID, gatewayID, len(outstanding), replacement)
	for _, c := range outstanding {
		t.Reassign(c.ID, gatewayID, replacement)
		s.mu.RLock()
		segs := run.targets[c.ID]
		s.mu.RUnlock()
		for _, st := range segs {
			if st.GatewayID != replacement {
				continue
			}
			if err := s.bus.Send(replacement, assignMessage(run.job.ID, c, st.Segment)); err != nil {
				log.Printf("job %s: failed to reassign chunk %s to %s: %v",
					run.job.ID, c.ID, replacement, err)
			}
		}
	}
}

func assignMessage(jobID string, c chunker.Chunk, seg control.Segment) control.Message {
	return control.Message{
		Type:      control.MsgAssignChunk,
		JobID:     jobID,
		Timestamp: time.Now(),
		Assign:    &control.AssignChunk{Chunk: c, Segment: seg},
	}
}

// RecoverInterrupted marks persisted jobs that were in flight when the
// process died as failed. Called once at startup, before new submissions.
func (s *Service) RecoverInterrupted() error {
	saved, err := s.state.ListJobs()
	if err != nil {
		return err
	}
	for _, js := range saved {
		switch js.Status {
		case models.JobPending, models.JobPlanning, models.JobRunning:
			now := time.Now()
			js.Status = models.JobFailed
			js.Errors = append(js.Errors, "interrupted by server restart")
			js.EndTime = &now
			if err := s.state.SaveJob(js); err != nil {
				return err
			}
			log.Printf("job %s: marked failed after restart", js.ID)
		}
	}
	return nil
}

// Cancel aborts a job. Gateways stop at the next chunk boundary; partial
// destination ranges are left behind unfinalized.
func (s *Service) Cancel(jobID string) error {
	s.mu.Lock()
	run, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s not found", jobID)
	}
	switch run.status {
	case models.JobCompleted, models.JobFailed, models.JobCancelled:
		s.mu.Unlock()
		return fmt.Errorf("job %s already %s", jobID, run.status)
	}
	run.status = models.JobCancelled
	s.mu.Unlock()

	s.bus.Broadcast(control.NewCancel(jobID))
	run.cancel()
	s.persist(run)
	return nil
}

// Status reports a job's progress, falling back to persisted state for jobs
// from before a restart.
func (s *Service) Status(jobID string) (models.JobStatus, error) {
	s.mu.RLock()
	run, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if ok {
		return s.statusOf(run), nil
	}

	saved, err := s.state.LoadJob(jobID)
	if err != nil {
		return models.JobStatus{}, fmt.Errorf("job %s not found", jobID)
	}
	return statusFromState(saved), nil
}

// List reports every known job, persisted ones included.
func (s *Service) List() ([]models.JobStatus, error) {
	saved, err := s.state.ListJobs()
	if err != nil {
		return nil, err
	}
	out := make([]models.JobStatus, 0, len(saved))
	seen := make(map[string]bool)
	for _, js := range saved {
		s.mu.RLock()
		run, ok := s.jobs[js.ID]
		s.mu.RUnlock()
		if ok {
			out = append(out, s.statusOf(run))
		} else {
			out = append(out, statusFromState(js))
		}
		seen[js.ID] = true
	}
	s.mu.RLock()
	for id, run := range s.jobs {
		if !seen[id] {
			out = append(out, s.statusOfLocked(run))
		}
	}
	s.mu.RUnlock()
	return out, nil
}

// Plan returns the plan artifact computed at submission.
func (s *Service) Plan(jobID string) (*planner.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return run.plan, nil
}

// Result returns the final result of a finished job.
func (s *Service) Result(jobID string) (*models.JobResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if run.result == nil {
		return nil, fmt.Errorf("job %s still running", jobID)
	}
	return run.result, nil
}

func (s *Service) statusOf(run *jobRun) models.JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusOfLocked(run)
}

func (s *Service) statusOfLocked(run *jobRun) models.JobStatus {
	if run.final != nil {
		return *run.final
	}
	if run.tracker != nil {
		st := run.tracker.Status()
		// The run's own lifecycle wins over the tracker's view for states the
		// tracker cannot see.
		switch run.status {
		case models.JobCancelled, models.JobCompleted, models.JobFailed:
			st.Status = run.status
		}
		if run.ended != nil {
			st.EndTime = *run.ended
		}
		if len(run.errors) > 0 {
			st.Errors = append(st.Errors, run.errors...)
		}
		return st
	}
	st := models.JobStatus{
		JobID:      run.job.ID,
		Status:     run.status,
		TotalBytes: run.job.TotalBytes(),
		ETA:        "calculating...",
		Errors:     append([]string(nil), run.errors...),
		StartTime:  run.started,
	}
	if run.ended != nil {
		st.EndTime = *run.ended
	}
	return st
}

func statusFromState(js *state.JobState) models.JobStatus {
	st := models.JobStatus{
		JobID:           js.ID,
		Status:          js.Status,
		Progress:        js.Progress,
		CompletedBytes:  js.CompletedBytes,
		TotalBytes:      js.TotalBytes,
		CompletedChunks: js.CompletedChunks,
		TotalChunks:     js.TotalChunks,
		FailedChunks:    js.FailedChunks,
		ThroughputMBps:  js.ThroughputMBps,
		ETA:             js.ETA,
		Errors:          js.Errors,
		StartTime:       js.StartTime,
	}
	if js.EndTime != nil {
		st.EndTime = *js.EndTime
	}
	return st
}

func (s *Service) setStatus(run *jobRun, status string) {
	s.mu.Lock()
	// A cancelled job keeps its terminal state.
	if run.status != models.JobCancelled {
		run.status = status
	}
	s.mu.Unlock()
	s.persist(run)
}

func (s *Service) finishError(run *jobRun, err error) {
	log.Printf("job %s: %v", run.job.ID, err)
	now := time.Now()
	s.mu.Lock()
	if run.status != models.JobCancelled {
		run.status = models.JobFailed
	}
	run.errors = append(run.errors, err.Error())
	run.ended = &now
	run.result = &models.JobResult{
		JobID:       run.job.ID,
		TotalBytes:  run.job.TotalBytes(),
		ElapsedTime: now.Sub(run.started).Round(time.Millisecond).String(),
		Errors:      append([]string(nil), run.errors...),
	}
	s.mu.Unlock()
	s.persist(run)
	s.retire(run)
}

func (s *Service) finish(run *jobRun, result *models.JobResult) {
	now := time.Now()
	s.mu.Lock()
	if run.status != models.JobCancelled {
		if result.Success {
			run.status = models.JobCompleted
		} else {
			run.status = models.JobFailed
		}
	}
	run.errors = append(run.errors, result.Errors...)
	run.ended = &now
	run.result = result
	s.mu.Unlock()
	s.persist(run)
	s.retire(run)
	log.Printf("job %s: finished %s, %d of %d bytes moved",
		run.job.ID, run.status, result.CompletedBytes, result.TotalBytes)
}

// retire freezes a finished run's status and releases its execution state so
// long-lived processes do not accumulate per-chunk bookkeeping. The plan and
// result stay queryable.
func (s *Service) retire(run *jobRun) {
	s.mu.Lock()
	st := s.statusOfLocked(run)
	run.final = &st
	run.tracker = nil
	run.targets = nil
	run.gatewayRegion = nil
	run.gatewaysByRegion = nil
	run.stalled = nil
	s.mu.Unlock()
}

// persist snapshots the run into the state manager.
func (s *Service) persist(run *jobRun) {
	st := s.statusOf(run)
	js := &state.JobState{
		ID:              st.JobID,
		Status:          st.Status,
		SourceRegion:    run.job.SourceRegion,
		DestRegion:      run.job.DestRegion,
		Progress:        st.Progress,
		CompletedBytes:  st.CompletedBytes,
		TotalBytes:      st.TotalBytes,
		CompletedChunks: st.CompletedChunks,
		TotalChunks:     st.TotalChunks,
		FailedChunks:    st.FailedChunks,
		ThroughputMBps:  st.ThroughputMBps,
		ETA:             st.ETA,
		Errors:          st.Errors,
		StartTime:       st.StartTime,
		PlanJSON:        run.planRaw,
	}
	if !st.EndTime.IsZero() {
		js.EndTime = &st.EndTime
	}
	if err := s.state.SaveJob(js); err != nil {
		log.Printf("job %s: failed to persist state: %v", st.JobID, err)
	}
}
