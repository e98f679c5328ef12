package state

import (
	"time"
)

// JobState is the persisted form of a transfer job
type JobState struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	SourceRegion    string     `json:"source_region"`
	DestRegion      string     `json:"dest_region"`
	Progress        float64    `json:"progress"`
	CompletedBytes  int64      `json:"completed_bytes"`
	TotalBytes      int64      `json:"total_bytes"`
	CompletedChunks int64      `json:"completed_chunks"`
	TotalChunks     int64      `json:"total_chunks"`
	FailedChunks    int64      `json:"failed_chunks"`
	ThroughputMBps  float64    `json:"throughput_mbps"`
	ETA             string     `json:"eta"`
	Errors          []string   `json:"errors"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	PlanJSON        string     `json:"plan_json,omitempty"`
}

// StateManager interface for job state persistence
type StateManager interface {
	SaveJob(job *JobState) error
	LoadJob(jobID string) (*JobState, error)
	ListJobs() ([]*JobState, error)
	DeleteJob(jobID string) error
	CleanupOldJobs(olderThan time.Duration) error
}
