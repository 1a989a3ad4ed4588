// internal/github/client.go
package github

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github-ingest/internal/clock"
	"github-ingest/internal/model"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Config controls authentication, caching, pacing and retry behaviour of the Client.
type Config struct {
	Token   string
	BaseURL string

	CacheTTL        time.Duration
	CacheMaxEntries int

	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffFactor float64
	BackoffMax    time.Duration
	ResetBuffer   time.Duration

	// RequestsPerSecond enables client-side pacing when greater than zero.
	RequestsPerSecond float64
	Burst             int

	PerPage int
}

// DefaultConfig returns the documented defaults with no token set.
func DefaultConfig() Config {
	return Config{
		CacheTTL:        5 * time.Minute,
		CacheMaxEntries: 1000,
		MaxAttempts:     3,
		BackoffBase:     time.Second,
		BackoffFactor:   2,
		BackoffMax:      30 * time.Second,
		ResetBuffer:     5 * time.Second,
		Burst:           1,
		PerPage:         100,
	}
}

// Client is a wrapper around the go-github client that adds response caching,
// automatic pagination, quota gating and retry with backoff.
type Client struct {
	gh      *github.Client
	logger  *slog.Logger
	cfg     Config
	clock   clock.Clock
	cache   *responseCache
	limiter *rate.Limiter

	rateMu   sync.Mutex
	lastRate model.RateLimitStatus
}

// NewClient creates and configures a new Client instance.
// The provided token is used to create an authenticated http.Client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	defaults := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = defaults.BackoffFactor
	}
	if cfg.PerPage <= 0 || cfg.PerPage > 100 {
		cfg.PerPage = defaults.PerPage
	}

	ctx := context.Background()
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: cfg.Token},
	)
	tc := oauth2.NewClient(ctx, ts)

	gh := github.NewClient(tc)
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("configure base url: %w", err)
		}
	}

	c := &Client{
		gh:     gh,
		logger: logger.With("component", "github"),
		cfg:    cfg,
		clock:  clock.Real{},
	}
	c.cache = newResponseCache(cfg.CacheTTL, cfg.CacheMaxEntries, func() time.Time { return c.clock.Now() })
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// RepoFilter narrows repository discovery.
type RepoFilter struct {
	// OwnerType is "org" (default) or "user".
	OwnerType string
	// Names restricts the result to these repository names. Empty means all.
	Names           []string
	IncludeArchived bool
}

// IssueFilter narrows issue listing. A zero Since means all time.
type IssueFilter struct {
	State string
	Since time.Time
}

// PullRequestFilter narrows pull request listing. The API has no server-side
// since parameter for pull requests, so Since is applied to UpdatedAt locally.
type PullRequestFilter struct {
	State string
	Since time.Time
}

// ClearCache drops every cached response.
func (c *Client) ClearCache() {
	c.cache.clear()
}

// ListRepositories returns every repository owned by owner that matches f.
func (c *Client) ListRepositories(ctx context.Context, owner string, f RepoFilter) ([]model.Repository, error) {
	key := fmt.Sprintf("repos:%s:%s:%s:%t", owner, f.OwnerType, strings.Join(f.Names, ","), f.IncludeArchived)
	return cached(c, key, func() ([]model.Repository, error) {
		var (
			repos []*github.Repository
			err   error
		)
		if f.OwnerType == "user" {
			opts := &github.RepositoryListByUserOptions{Type: "owner"}
			repos, err = paginate(ctx, c, "list repositories", &opts.ListOptions, func() ([]*github.Repository, *github.Response, error) {
				return c.gh.Repositories.ListByUser(ctx, owner, opts)
			})
		} else {
			opts := &github.RepositoryListByOrgOptions{Type: "all"}
			repos, err = paginate(ctx, c, "list repositories", &opts.ListOptions, func() ([]*github.Repository, *github.Response, error) {
				return c.gh.Repositories.ListByOrg(ctx, owner, opts)
			})
		}
		if err != nil {
			return nil, err
		}

		wanted := make(map[string]bool, len(f.Names))
		for _, n := range f.Names {
			wanted[strings.ToLower(n)] = true
		}
		out := make([]model.Repository, 0, len(repos))
		for _, r := range repos {
			if len(wanted) > 0 && !wanted[strings.ToLower(r.GetName())] {
				continue
			}
			if r.GetArchived() && !f.IncludeArchived && len(wanted) == 0 {
				continue
			}
			out = append(out, *ToInternalRepository(r))
		}
		return out, nil
	})
}

// GetRepository fetches repository details and translates them to our internal model.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (*model.Repository, error) {
	key := fmt.Sprintf("repo:%s/%s", owner, name)
	return cached(c, key, func() (*model.Repository, error) {
		var repo *github.Repository
		err := c.do(ctx, "get repository", func() (*github.Response, error) {
			var (
				resp *github.Response
				err  error
			)
			repo, resp, err = c.gh.Repositories.Get(ctx, owner, name)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		return ToInternalRepository(repo), nil
	})
}

// ListIssues fetches all issues of a repository. Pull requests, which the
// issues endpoint also returns, are filtered out.
func (c *Client) ListIssues(ctx context.Context, owner, name string, f IssueFilter) ([]model.Issue, error) {
	state := f.State
	if state == "" {
		state = "all"
	}
	key := fmt.Sprintf("issues:%s/%s:%s:%s", owner, name, state, formatSince(f.Since))
	return cached(c, key, func() ([]model.Issue, error) {
		opts := &github.IssueListByRepoOptions{State: state, Since: f.Since}
		issues, err := paginate(ctx, c, "list issues", &opts.ListOptions, func() ([]*github.Issue, *github.Response, error) {
			return c.gh.Issues.ListByRepo(ctx, owner, name, opts)
		})
		if err != nil {
			return nil, err
		}
		out := make([]model.Issue, 0, len(issues))
		for _, i := range issues {
			if i.IsPullRequest() {
				continue
			}
			out = append(out, ToInternalIssue(i))
		}
		return out, nil
	})
}

// GetIssue fetches a single issue by number.
func (c *Client) GetIssue(ctx context.Context, owner, name string, number int) (*model.Issue, error) {
	key := fmt.Sprintf("issue:%s/%s#%d", owner, name, number)
	return cached(c, key, func() (*model.Issue, error) {
		var issue *github.Issue
		err := c.do(ctx, "get issue", func() (*github.Response, error) {
			var (
				resp *github.Response
				err  error
			)
			issue, resp, err = c.gh.Issues.Get(ctx, owner, name, number)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		out := ToInternalIssue(issue)
		return &out, nil
	})
}

// ListPullRequests fetches all pull requests of a repository.
func (c *Client) ListPullRequests(ctx context.Context, owner, name string, f PullRequestFilter) ([]model.PullRequest, error) {
	state := f.State
	if state == "" {
		state = "all"
	}
	key := fmt.Sprintf("pulls:%s/%s:%s:%s", owner, name, state, formatSince(f.Since))
	return cached(c, key, func() ([]model.PullRequest, error) {
		opts := &github.PullRequestListOptions{State: state, Sort: "updated", Direction: "desc"}
		pulls, err := paginate(ctx, c, "list pull requests", &opts.ListOptions, func() ([]*github.PullRequest, *github.Response, error) {
			return c.gh.PullRequests.List(ctx, owner, name, opts)
		})
		if err != nil {
			return nil, err
		}
		out := make([]model.PullRequest, 0, len(pulls))
		for _, pr := range pulls {
			if !f.Since.IsZero() && pr.GetUpdatedAt().Before(f.Since) {
				continue
			}
			out = append(out, ToInternalPullRequest(pr))
		}
		return out, nil
	})
}

// ListCommits fetches all commits for a repository since a given time.
// It handles API pagination transparently.
func (c *Client) ListCommits(ctx context.Context, owner, name string, since time.Time) ([]model.Commit, error) {
	key := fmt.Sprintf("commits:%s/%s:%s", owner, name, formatSince(since))
	return cached(c, key, func() ([]model.Commit, error) {
		opts := &github.CommitsListOptions{Since: since}
		commits, err := paginate(ctx, c, "list commits", &opts.ListOptions, func() ([]*github.RepositoryCommit, *github.Response, error) {
			return c.gh.Repositories.ListCommits(ctx, owner, name, opts)
		})
		if err != nil {
			return nil, err
		}
		out := make([]model.Commit, 0, len(commits))
		for _, commit := range commits {
			out = append(out, ToInternalCommit(commit))
		}
		return out, nil
	})
}

// cached returns the value stored under key, or calls fetch and stores its
// result. Errors are never cached.
func cached[T any](c *Client, key string, fetch func() (T, error)) (T, error) {
	if v, ok := c.cache.get(key); ok {
		c.logger.Debug("Cache hit", "key", key)
		return v.(T), nil
	}
	v, err := fetch()
	if err != nil {
		return v, err
	}
	c.cache.set(key, v)
	return v, nil
}

// paginate walks every page of a list endpoint. fetch must read its page
// number from opts, which paginate advances between calls.
func paginate[T any](ctx context.Context, c *Client, op string, opts *github.ListOptions, fetch func() ([]T, *github.Response, error)) ([]T, error) {
	opts.PerPage = c.cfg.PerPage
	var all []T
	for {
		c.logger.Debug("Fetching page", "op", op, "page", opts.Page)

		var page []T
		var resp *github.Response
		err := c.do(ctx, op, func() (*github.Response, error) {
			var err error
			page, resp, err = fetch()
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func formatSince(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
