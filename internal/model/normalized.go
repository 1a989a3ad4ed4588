package model

import (
	"fmt"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

type BugStatus string

const (
	BugStatusOpen       BugStatus = "open"
	BugStatusInProgress BugStatus = "in_progress"
	BugStatusResolved   BugStatus = "resolved"
	BugStatusClosed     BugStatus = "closed"
)

type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusArchived ProjectStatus = "archived"
)

// NormalizedProject is the reporting-schema shape of a repository.
// CanonicalURL is its natural key.
type NormalizedProject struct {
	Name           string        `json:"name"`
	CanonicalURL   string        `json:"canonicalUrl"`
	Owner          string        `json:"owner"`
	Description    string        `json:"description,omitempty"`
	Language       string        `json:"language,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	Status         ProjectStatus `json:"status"`
	Stars          int           `json:"stars"`
	Forks          int           `json:"forks"`
	OpenIssues     int           `json:"openIssues"`
	SourceID       int64         `json:"sourceId"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func (p NormalizedProject) NaturalKey() string { return p.CanonicalURL }

// NormalizedBug is the reporting-schema shape of an issue. BugNumber
// (<OWNER/REPO>-<source number>) is its natural key.
type NormalizedBug struct {
	BugNumber     string     `json:"bugNumber"`
	ProjectURL    string     `json:"projectUrl"`
	SourceNumber  int        `json:"sourceNumber"`
	SourceID      int64      `json:"sourceId"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Severity      Severity   `json:"severity"`
	Status        BugStatus  `json:"status"`
	PriorityScore int        `json:"priorityScore"`
	IsBlocker     bool       `json:"isBlocker"`
	SLAHours      int        `json:"slaHours"`
	Labels        []string   `json:"labels,omitempty"`
	Reporter      string     `json:"reporter,omitempty"`
	Assignee      string     `json:"assignee,omitempty"`
	URL           string     `json:"url,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ClosedAt      *time.Time `json:"closedAt,omitempty"`
}

func (b NormalizedBug) NaturalKey() string { return b.BugNumber }

// Clone returns a copy that shares no mutable state with b.
func (b NormalizedBug) Clone() NormalizedBug {
	b.Labels = append([]string(nil), b.Labels...)
	if b.ClosedAt != nil {
		t := *b.ClosedAt
		b.ClosedAt = &t
	}
	return b
}

// BugHistory is an append-only record of a bug status transition.
type BugHistory struct {
	BugNumber  string    `json:"bugNumber"`
	FromStatus BugStatus `json:"fromStatus,omitempty"`
	ToStatus   BugStatus `json:"toStatus"`
	ChangedAt  time.Time `json:"changedAt"`
	Source     string    `json:"source"`
}

type PullRequestState string

const (
	PullRequestOpen   PullRequestState = "open"
	PullRequestClosed PullRequestState = "closed"
	PullRequestMerged PullRequestState = "merged"
)

type NormalizedPullRequest struct {
	ProjectURL string           `json:"projectUrl"`
	Number     int              `json:"number"`
	SourceID   int64            `json:"sourceId"`
	Title      string           `json:"title"`
	State      PullRequestState `json:"state"`
	Draft      bool             `json:"draft"`
	Author     string           `json:"author,omitempty"`
	URL        string           `json:"url,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	ClosedAt   *time.Time       `json:"closedAt,omitempty"`
	MergedAt   *time.Time       `json:"mergedAt,omitempty"`
}

func (pr NormalizedPullRequest) NaturalKey() string {
	return fmt.Sprintf("%s#%d", pr.ProjectURL, pr.Number)
}

// NormalizedMetric is a per-project, per-day activity snapshot.
type NormalizedMetric struct {
	ProjectURL         string     `json:"projectUrl"`
	MetricDate         time.Time  `json:"metricDate"`
	Commits            int        `json:"commits"`
	Contributors       int        `json:"contributors"`
	OpenIssues         int        `json:"openIssues"`
	ClosedIssues       int        `json:"closedIssues"`
	OpenPullRequests   int        `json:"openPullRequests"`
	MergedPullRequests int        `json:"mergedPullRequests"`
	Stars              int        `json:"stars"`
	Forks              int        `json:"forks"`
	LastCommitAt       *time.Time `json:"lastCommitAt,omitempty"`
}

// ProjectTotals are the counts over every stored record of one project.
type ProjectTotals struct {
	OpenIssues         int
	ClosedIssues       int
	OpenPullRequests   int
	MergedPullRequests int
	Commits            int
	Contributors       int
	LastCommitAt       *time.Time
}

func (m NormalizedMetric) NaturalKey() string {
	return m.ProjectURL + "@" + m.MetricDate.UTC().Format(time.DateOnly)
}
