package github

import (
	"time"

	"github-ingest/internal/model"

	"github.com/google/go-github/v62/github"
)

// ToInternalRepository translates a github.Repository object to our internal model.Repository.
func ToInternalRepository(r *github.Repository) *model.Repository {
	return &model.Repository{
		GithubRepoID:    r.GetID(),
		Owner:           r.GetOwner().GetLogin(),
		Name:            r.GetName(),
		FullName:        r.GetFullName(),
		Description:     r.Description,
		URL:             r.GetHTMLURL(),
		Language:        r.Language,
		Topics:          r.Topics,
		Archived:        r.GetArchived(),
		ForksCount:      r.GetForksCount(),
		StarsCount:      r.GetStargazersCount(),
		OpenIssuesCount: r.GetOpenIssuesCount(),
		WatchersCount:   r.GetWatchersCount(),
		RepoCreatedAt:   r.GetCreatedAt().Time,
		RepoUpdatedAt:   r.GetUpdatedAt().Time,
		PushedAt:        r.GetPushedAt().Time,
	}
}

// ToInternalPushRepository translates the trimmed repository object carried
// by push events.
func ToInternalPushRepository(r *github.PushEventRepository) *model.Repository {
	owner := r.GetOwner().GetLogin()
	if owner == "" {
		owner = r.GetOwner().GetName()
	}
	return &model.Repository{
		GithubRepoID:    r.GetID(),
		Owner:           owner,
		Name:            r.GetName(),
		FullName:        r.GetFullName(),
		Description:     r.Description,
		URL:             r.GetHTMLURL(),
		Language:        r.Language,
		Topics:          r.Topics,
		Archived:        r.GetArchived(),
		ForksCount:      r.GetForksCount(),
		StarsCount:      r.GetStargazersCount(),
		OpenIssuesCount: r.GetOpenIssuesCount(),
		WatchersCount:   r.GetWatchersCount(),
		RepoCreatedAt:   r.GetCreatedAt().Time,
		RepoUpdatedAt:   r.GetUpdatedAt().Time,
		PushedAt:        r.GetPushedAt().Time,
	}
}

func ToInternalIssue(i *github.Issue) model.Issue {
	labels := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l.GetName())
	}
	return model.Issue{
		GithubID:  i.GetID(),
		Number:    i.GetNumber(),
		Title:     i.GetTitle(),
		Body:      i.GetBody(),
		State:     i.GetState(),
		Labels:    labels,
		Author:    i.GetUser().GetLogin(),
		Assignee:  i.GetAssignee().GetLogin(),
		URL:       i.GetHTMLURL(),
		CreatedAt: i.GetCreatedAt().Time,
		UpdatedAt: i.GetUpdatedAt().Time,
		ClosedAt:  timePtr(i.ClosedAt),
	}
}

func ToInternalPullRequest(pr *github.PullRequest) model.PullRequest {
	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}
	return model.PullRequest{
		GithubID:  pr.GetID(),
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		State:     pr.GetState(),
		Draft:     pr.GetDraft(),
		Merged:    pr.GetMerged() || pr.MergedAt != nil,
		Labels:    labels,
		Author:    pr.GetUser().GetLogin(),
		URL:       pr.GetHTMLURL(),
		CreatedAt: pr.GetCreatedAt().Time,
		UpdatedAt: pr.GetUpdatedAt().Time,
		ClosedAt:  timePtr(pr.ClosedAt),
		MergedAt:  timePtr(pr.MergedAt),
	}
}

// ToInternalCommit translates a github.RepositoryCommit object to our internal model.Commit.
// ProjectURL is left for the caller to fill in.
func ToInternalCommit(c *github.RepositoryCommit) model.Commit {
	return model.Commit{
		SHA:         c.GetSHA(),
		AuthorName:  c.GetCommit().GetAuthor().GetName(),
		AuthorEmail: c.GetCommit().GetAuthor().GetEmail(),
		Message:     c.GetCommit().GetMessage(),
		URL:         c.GetHTMLURL(),
		CommitDate:  c.GetCommit().GetAuthor().GetDate().Time,
	}
}

func timePtr(ts *github.Timestamp) *time.Time {
	if ts == nil || ts.IsZero() {
		return nil
	}
	t := ts.Time
	return &t
}
