// Package store persists normalized records by natural key, along with sync
// runs and pipeline jobs.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github-ingest/internal/model"
)

type ProjectStore interface {
	UpsertProject(ctx context.Context, p model.NormalizedProject) error
	// GetProjectByURL returns custom_errors.ErrNotFound when no project has that canonical URL.
	GetProjectByURL(ctx context.Context, canonicalURL string) (*model.NormalizedProject, error)
	TouchProjectActivity(ctx context.Context, canonicalURL string, at time.Time) error
}

type BugStore interface {
	UpsertBugs(ctx context.Context, bugs []model.NormalizedBug) error
	GetBug(ctx context.Context, bugNumber string) (*model.NormalizedBug, error)
	AppendBugHistory(ctx context.Context, h model.BugHistory) error
}

type PullRequestStore interface {
	UpsertPullRequests(ctx context.Context, prs []model.NormalizedPullRequest) error
}

type CommitStore interface {
	UpsertCommits(ctx context.Context, commits []model.Commit) error
}

type MetricStore interface {
	UpsertMetric(ctx context.Context, m model.NormalizedMetric) error
	// ProjectTotals aggregates every stored bug, pull request and commit of a project.
	ProjectTotals(ctx context.Context, projectURL string) (model.ProjectTotals, error)
}

type SyncRunStore interface {
	SaveSyncRun(ctx context.Context, run *model.SyncRun) error
	GetSyncRun(ctx context.Context, id string) (*model.SyncRun, error)
	// FindLatestSuccessfulRun returns the start time of the newest completed,
	// error-free run for sourceTag, or nil when there is none.
	FindLatestSuccessfulRun(ctx context.Context, sourceTag string) (*time.Time, error)
}

type JobStore interface {
	SaveJob(ctx context.Context, job *model.Job) error
	LoadJobs(ctx context.Context) ([]*model.Job, error)
	DeleteJobs(ctx context.Context, ids []string) error
}

// Store is the full persistence surface.
type Store interface {
	ProjectStore
	BugStore
	PullRequestStore
	CommitStore
	MetricStore
	SyncRunStore
	JobStore
	Close()
}

// New opens the store named by dsn. "memory://" selects the in-process
// store; postgres:// and postgresql:// URLs open a connection pool.
func New(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	switch {
	case dsn == "memory://" || dsn == "memory":
		logger.Warn("Using in-memory store; data will not survive a restart")
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported store dsn scheme: %q", dsn)
	}
}
