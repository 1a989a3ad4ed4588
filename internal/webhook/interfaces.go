package webhook

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"github-ingest/internal/model"
)

// Store is the persistence the webhook appliers write through.
type Store interface {
	UpsertProject(ctx context.Context, p model.NormalizedProject) error
	GetProjectByURL(ctx context.Context, canonicalURL string) (*model.NormalizedProject, error)
	TouchProjectActivity(ctx context.Context, canonicalURL string, at time.Time) error
	UpsertBugs(ctx context.Context, bugs []model.NormalizedBug) error
	GetBug(ctx context.Context, bugNumber string) (*model.NormalizedBug, error)
	AppendBugHistory(ctx context.Context, h model.BugHistory) error
	UpsertPullRequests(ctx context.Context, prs []model.NormalizedPullRequest) error
}

// Publisher receives a notification for every applied delivery.
type Publisher interface {
	Publish(name string, data any)
}
