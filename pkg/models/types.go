package models

import "time"

// TransferPair maps one source object to one destination object.
type TransferPair struct {
	SourceKey string `json:"source_key"`
	DestKey   string `json:"dest_key"`
	Bytes     int64  `json:"bytes"`
}

// TransferJob is an immutable description of one bulk transfer. It is fixed
// once planning begins; re-planning derives a new plan from the same job.
type TransferJob struct {
	ID           string         `json:"id"`
	SourceRegion string         `json:"source_region"` // region tag, e.g. "aws:us-east-1"
	DestRegion   string         `json:"dest_region"`
	Pairs        []TransferPair `json:"pairs"`
	BudgetUSD    float64        `json:"budget_usd"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TotalBytes returns the aggregate byte volume of the job.
func (j *TransferJob) TotalBytes() int64 {
	var total int64
	for _, p := range j.Pairs {
		total += p.Bytes
	}
	return total
}

// JobRequest represents a transfer submission
type JobRequest struct {
	SourceRegion      string         `json:"source_region"`
	DestRegion        string         `json:"dest_region"`
	SourceBucket      string         `json:"source_bucket"`
	DestBucket        string         `json:"dest_bucket"`
	Pairs             []TransferPair `json:"pairs"`
	BudgetUSD         float64        `json:"budget_usd"`
	FailureTolerance  int            `json:"failure_tolerance"`
	SourceCredentials *Credentials   `json:"source_credentials,omitempty"`
	DestCredentials   *Credentials   `json:"dest_credentials,omitempty"`
	Timeout           int            `json:"timeout"` // seconds, 0 = no timeout
}

// Credentials for object store access
type Credentials struct {
	Provider     string `json:"provider"` // "aws", "gcp", or s3-compatible provider name
	AccessKey    string `json:"access_key,omitempty"`
	SecretKey    string `json:"secret_key,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
	Region       string `json:"region"`
	EndpointURL  string `json:"endpoint_url,omitempty"`
	// GCP service account JSON, used when Provider is "gcp"
	ServiceAccountJSON string `json:"service_account_json,omitempty"`
}

// Job lifecycle states
const (
	JobPending   = "pending"
	JobPlanning  = "planning"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// JobStatus represents the current status of a transfer job
type JobStatus struct {
	JobID           string    `json:"job_id"`
	Status          string    `json:"status"`
	Progress        float64   `json:"progress"`
	CompletedBytes  int64     `json:"completed_bytes"`
	TotalBytes      int64     `json:"total_bytes"`
	CompletedChunks int64     `json:"completed_chunks"`
	TotalChunks     int64     `json:"total_chunks"`
	FailedChunks    int64     `json:"failed_chunks"`
	ThroughputMBps  float64   `json:"throughput_mbps"`
	ETA             string    `json:"eta"`
	Errors          []string  `json:"errors"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	LastUpdateTime  time.Time `json:"last_update_time"`
}

// FailedChunk identifies a chunk whose retry budget was exhausted.
type FailedChunk struct {
	Key     string `json:"key"`
	Offset  int64  `json:"offset"`
	Length  int64  `json:"length"`
	Retries int    `json:"retries"`
	Reason  string `json:"reason"`
}

// JobResult represents the final result of a transfer job
type JobResult struct {
	JobID          string        `json:"job_id"`
	Success        bool          `json:"success"`
	CompletedBytes int64         `json:"completed_bytes"`
	TotalBytes     int64         `json:"total_bytes"`
	FailedChunks   []FailedChunk `json:"failed_chunks,omitempty"`
	ElapsedTime    string        `json:"elapsed_time"`
	AvgSpeedMBps   float64       `json:"avg_speed_mbps"`
	Errors         []string      `json:"errors,omitempty"`
}
