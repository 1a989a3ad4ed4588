package model

import "time"

type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

type SyncStatus string

const (
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// SyncCounts are the per-resource-type counters of a sync run.
type SyncCounts struct {
	ReposSynced int `json:"reposSynced"`
	ReposFailed int `json:"reposFailed"`
	// ReposRetryable counts the failed repositories whose error was transient.
	ReposRetryable int `json:"reposRetryable"`
	IssuesSynced   int `json:"issuesSynced"`
	IssuesInvalid  int `json:"issuesInvalid"`
	PullsSynced    int `json:"pullRequestsSynced"`
	CommitsSynced  int `json:"commitsSynced"`
	MetricsSynced  int `json:"metricsSynced"`
}

// Add accumulates other into c.
func (c *SyncCounts) Add(other SyncCounts) {
	c.ReposSynced += other.ReposSynced
	c.ReposFailed += other.ReposFailed
	c.ReposRetryable += other.ReposRetryable
	c.IssuesSynced += other.IssuesSynced
	c.IssuesInvalid += other.IssuesInvalid
	c.PullsSynced += other.PullsSynced
	c.CommitsSynced += other.CommitsSynced
	c.MetricsSynced += other.MetricsSynced
}

// SyncRun is the record of one orchestrated sync. It is created when the run
// starts, updated as resources complete and finalized exactly once.
type SyncRun struct {
	ID              string        `json:"id"`
	Type            SyncType      `json:"type"`
	SourceTag       string        `json:"sourceTag"`
	Owner           string        `json:"owner"`
	Status          SyncStatus    `json:"status"`
	Stage           string        `json:"stage"`
	Since           *time.Time    `json:"since,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
	Counts          SyncCounts    `json:"counts"`
	Total           int           `json:"total"`
	Processed       int           `json:"processed"`
	CurrentResource string        `json:"currentResource,omitempty"`
	ETAMs           int64         `json:"etaMs"`
	Errors          []string      `json:"errors"`
	Success         bool          `json:"success"`
}

// Finished reports whether the run has been finalized.
func (r *SyncRun) Finished() bool {
	return r.Status == SyncStatusCompleted || r.Status == SyncStatusFailed
}

// SyncResult is what callers of a sync entry point receive.
type SyncResult struct {
	RunID              string     `json:"runId"`
	Success            bool       `json:"success"`
	Counts             SyncCounts `json:"counts"`
	Errors             []string   `json:"errors"`
	DurationMs         int64      `json:"durationMs"`
	RateLimitRemaining int        `json:"rateLimitRemaining"`
}

// Clone returns a copy that shares no mutable state with r.
func (r *SyncRun) Clone() *SyncRun {
	c := *r
	c.Errors = append([]string(nil), r.Errors...)
	if r.Since != nil {
		s := *r.Since
		c.Since = &s
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
