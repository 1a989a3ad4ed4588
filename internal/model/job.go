package model

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Weight is the numeric ordering weight of a priority. Unknown values rank as normal.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityHigh:
		return 5
	case PriorityLow:
		return -5
	default:
		return 0
	}
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// JobResult is returned by a job handler.
type JobResult struct {
	Success        bool     `json:"success"`
	ProcessedCount int      `json:"processedCount"`
	FailedCount    int      `json:"failedCount"`
	Errors         []string `json:"errors,omitempty"`
}

type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Priority     Priority        `json:"priority"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       JobStatus       `json:"status"`
	RetryCount   int             `json:"retryCount"`
	MaxRetries   int             `json:"maxRetries"`
	Errors       []string        `json:"errors"`
	Result       *JobResult      `json:"result,omitempty"`
	DeadLettered bool            `json:"deadLettered"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	NextRetryAt  *time.Time      `json:"nextRetryAt,omitempty"`
}

// Clone returns a deep copy safe to hand outside the pipeline.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Errors = append([]string(nil), j.Errors...)
	if j.Result != nil {
		r := *j.Result
		r.Errors = append([]string(nil), j.Result.Errors...)
		c.Result = &r
	}
	c.StartedAt = copyTime(j.StartedAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	c.NextRetryAt = copyTime(j.NextRetryAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
