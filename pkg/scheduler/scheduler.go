package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/xutingl/skyplane/pkg/models"
)

// Schedule is a recurring transfer: the same job request resubmitted on a
// cron expression.
type Schedule struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	CronExpr  string            `json:"cron_expr"`
	Enabled   bool              `json:"enabled"`
	Request   models.JobRequest `json:"request"`
	LastRun   time.Time         `json:"last_run"`
	NextRun   time.Time         `json:"next_run"`
	RunCount  int               `json:"run_count"`
	FailCount int               `json:"fail_count"`
	LastJobID string            `json:"last_job_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Submitter starts transfer jobs for the scheduler.
type Submitter interface {
	Submit(ctx context.Context, req models.JobRequest) (string, error)
}

// Scheduler manages recurring transfer jobs
type Scheduler struct {
	mu        sync.RWMutex
	cron      *cron.Cron
	schedules map[string]*Schedule
	entries   map[string]cron.EntryID
	submitter Submitter
	running   bool
}

// NewScheduler creates a scheduler backed by the given submitter.
func NewScheduler(submitter Submitter) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		schedules: make(map[string]*Schedule),
		entries:   make(map[string]cron.EntryID),
		submitter: submitter,
	}
}

// Start begins executing enabled schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.cron.Start()
		s.running = true
	}
}

// Stop halts the scheduler; running jobs are not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.cron.Stop()
		s.running = false
	}
}

// Add validates and registers a schedule, returning its id.
func (s *Scheduler) Add(name, cronExpr string, req models.JobRequest) (*Schedule, error) {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		// cron.WithSeconds uses a 6-field parser; try that before giving up.
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err2 := parser.Parse(cronExpr); err2 != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err2)
		}
	}

	sched := &Schedule{
		ID:        uuid.New().String(),
		Name:      name,
		CronExpr:  cronExpr,
		Enabled:   true,
		Request:   req,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.register(sched); err != nil {
		return nil, err
	}
	s.schedules[sched.ID] = sched
	return sched, nil
}

// register must be called with the lock held.
func (s *Scheduler) register(sched *Schedule) error {
	entryID, err := s.cron.AddFunc(sched.CronExpr, func() { s.fire(sched.ID) })
	if err != nil {
		return fmt.Errorf("failed to register schedule %s: %w", sched.Name, err)
	}
	s.entries[sched.ID] = entryID
	sched.NextRun = s.cron.Entry(entryID).Next
	return nil
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok || !sched.Enabled {
		s.mu.Unlock()
		return
	}
	req := sched.Request
	s.mu.Unlock()

	jobID, err := s.submitter.Submit(context.Background(), req)

	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok = s.schedules[id]
	if !ok {
		return
	}
	sched.LastRun = time.Now()
	sched.RunCount++
	if err != nil {
		sched.FailCount++
	} else {
		sched.LastJobID = jobID
	}
	if entryID, ok := s.entries[id]; ok {
		sched.NextRun = s.cron.Entry(entryID).Next
	}
}

// RunNow fires a schedule immediately, outside its cron cadence.
func (s *Scheduler) RunNow(id string) (string, error) {
	s.mu.RLock()
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.RUnlock()
		return "", fmt.Errorf("schedule %s not found", id)
	}
	req := sched.Request
	s.mu.RUnlock()

	jobID, err := s.submitter.Submit(context.Background(), req)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if sched, ok := s.schedules[id]; ok {
		sched.LastRun = time.Now()
		sched.RunCount++
		sched.LastJobID = jobID
	}
	s.mu.Unlock()
	return jobID, nil
}

// SetEnabled enables or disables a schedule.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	sched.Enabled = enabled
	sched.UpdatedAt = time.Now()
	return nil
}

// Delete removes a schedule.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	if _, ok := s.schedules[id]; !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	delete(s.schedules, id)
	return nil
}

// Get returns one schedule.
func (s *Scheduler) Get(id string) (*Schedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, false
	}
	cp := *sched
	return &cp, true
}

// List returns all schedules.
func (s *Scheduler) List() []*Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		cp := *sched
		out = append(out, &cp)
	}
	return out
}
