package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusArchived   Status = "archived"
)

// Terminal reports whether no further automatic transition can occur.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDeadLetter, StatusArchived:
		return true
	}
	return false
}

// Job is the unit of work. The Postgres row is the source of truth; the
// queue broker only ever carries job IDs.
type Job struct {
	ID                  string          `json:"id"`
	TenantID            string          `json:"tenant_id"`
	Type                string          `json:"type"`
	Status              Status          `json:"status"`
	Priority            int             `json:"priority"`
	QueueName           string          `json:"queue_name"`
	InputData           json.RawMessage `json:"input_data,omitempty"`
	OutputData          json.RawMessage `json:"output_data,omitempty"`
	RetryCount          int             `json:"retry_count"`
	MaxRetries          int             `json:"max_retries"`
	RetryDelayMs        int             `json:"retry_delay_ms"`
	VisibilityTimeoutMs int             `json:"visibility_timeout_ms"`
	WorkerID            *string         `json:"worker_id,omitempty"`
	ErrorMessage        *string         `json:"error_message,omitempty"`
	ErrorDetails        json.RawMessage `json:"error_details,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt           *time.Time      `json:"expires_at,omitempty"`
}

// VisibilityTimeout returns the lease duration granted to a worker that
// dequeues this job.
func (j *Job) VisibilityTimeout() time.Duration {
	return time.Duration(j.VisibilityTimeoutMs) * time.Millisecond
}

// DeadLetterRecord is an immutable snapshot of a job at the moment it
// exhausted its retries. Created once, never mutated.
type DeadLetterRecord struct {
	ID            string          `json:"id"`
	OriginalJobID string          `json:"original_job_id"`
	TenantID      string          `json:"tenant_id"`
	Type          string          `json:"type"`
	QueueName     string          `json:"queue_name"`
	InputData     json.RawMessage `json:"input_data,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	ErrorMessage  string          `json:"error_message"`
	ErrorDetails  json.RawMessage `json:"error_details,omitempty"`
	FailedAt      time.Time       `json:"failed_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// StatusEvent is published to the notification channel after every job
// status transition.
type StatusEvent struct {
	JobID     string          `json:"job_id"`
	TenantID  string          `json:"tenant_id"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
