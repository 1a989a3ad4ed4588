// internal/model/models.go
package model

import (
	"time"
)

// Repository represents the metadata of a GitHub repository as fetched from the API.
type Repository struct {
	GithubRepoID    int64 `json:"github_repo_id"`
	Owner           string
	Name            string
	FullName        string
	Description     *string
	URL             string
	Language        *string
	Topics          []string
	Archived        bool
	ForksCount      int
	StarsCount      int
	OpenIssuesCount int
	WatchersCount   int
	RepoCreatedAt   time.Time
	RepoUpdatedAt   time.Time
	PushedAt        time.Time
}

// Issue is a GitHub issue snapshot. Pull requests are never represented as issues.
type Issue struct {
	GithubID  int64
	Number    int
	Title     string
	Body      string
	State     string
	Labels    []string
	Author    string
	Assignee  string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// PullRequest is a GitHub pull request snapshot.
type PullRequest struct {
	GithubID  int64
	Number    int
	Title     string
	State     string
	Draft     bool
	Merged    bool
	Labels    []string
	Author    string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
	MergedAt  *time.Time
}

type Commit struct {
	SHA         string    `json:"sha"`
	ProjectURL  string    `json:"projectUrl"`
	AuthorName  string    `json:"authorName"`
	AuthorEmail string    `json:"authorEmail"`
	Message     string    `json:"message"`
	URL         string    `json:"url"`
	CommitDate  time.Time `json:"commitDate"`
}

// NaturalKey identifies a commit within its project.
func (c Commit) NaturalKey() string {
	return c.ProjectURL + "@" + c.SHA
}

// RateLimitStatus is the API quota as last reported upstream. It is never persisted.
type RateLimitStatus struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
}
