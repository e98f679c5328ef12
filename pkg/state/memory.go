package state

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStateManager keeps job state in memory. Used when no database is
// configured; state is lost on restart.
type MemoryStateManager struct {
	mu   sync.RWMutex
	jobs map[string]*JobState
}

// NewMemoryStateManager creates an in-memory state manager.
func NewMemoryStateManager() *MemoryStateManager {
	return &MemoryStateManager{jobs: make(map[string]*JobState)}
}

func (m *MemoryStateManager) SaveJob(job *JobState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStateManager) LoadJob(jobID string) (*JobState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStateManager) ListJobs() ([]*JobState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*JobState, 0, len(m.jobs))
	for _, job := range m.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartTime.Before(jobs[j].StartTime) })
	return jobs, nil
}

func (m *MemoryStateManager) DeleteJob(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *MemoryStateManager) CleanupOldJobs(olderThan time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	for id, job := range m.jobs {
		if job.EndTime != nil && job.EndTime.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
	return nil
}
