// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github-ingest/internal/clock"
	custom_errors "github-ingest/internal/errors"
	"github-ingest/internal/github"
	"github-ingest/internal/model"
	"github-ingest/internal/normalizer"
	"github-ingest/internal/progress"
	"github-ingest/internal/store"
)

const (
	// Number of repositories to sync in parallel
	defaultConcurrency = 5
	defaultLookback    = 7 * 24 * time.Hour
	// Requests issued per repository: issues, pull requests, commits.
	requestsPerRepo = 3
	// Per-repository durations kept for the ETA moving average.
	etaWindow = 10
)

// Sync stages reported on the SyncRun.
const (
	StageDiscovering = "discovering"
	StageSyncing     = "syncing"
	StageCompleted   = "completed"
	StageFailed      = "failed"
)

// APIClient is the part of the GitHub client the syncer depends on.
type APIClient interface {
	ListRepositories(ctx context.Context, owner string, f github.RepoFilter) ([]model.Repository, error)
	ListIssues(ctx context.Context, owner, name string, f github.IssueFilter) ([]model.Issue, error)
	ListPullRequests(ctx context.Context, owner, name string, f github.PullRequestFilter) ([]model.PullRequest, error)
	ListCommits(ctx context.Context, owner, name string, since time.Time) ([]model.Commit, error)
	WaitForQuota(ctx context.Context, n int) error
	LastRateLimit() model.RateLimitStatus
}

// Publisher receives sync progress events.
type Publisher interface {
	Publish(name string, data any)
}

// RepoIdentifier holds the owner and name of a repository.
type RepoIdentifier struct {
	Owner string
	Name  string
}

type Config struct {
	Owner     string
	OwnerType string
	// Repositories optionally restricts syncs to these repositories,
	// given as "name" or "owner/name".
	Repositories []string
	Concurrency  int
	// Lookback is the incremental window used when no successful run exists.
	Lookback  time.Duration
	SourceTag string
	// Interval between scheduled incremental syncs. Zero disables the scheduler.
	Interval time.Duration
}

// SyncOptions override the configured defaults for one full sync.
type SyncOptions struct {
	Repositories []string
	Concurrency  int
}

// Syncer orchestrates the fetching, normalization and storing of data.
type Syncer struct {
	client APIClient
	store  store.Store
	events Publisher
	clock  clock.Clock
	logger *slog.Logger
	cfg    Config
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(client APIClient, st store.Store, events Publisher, logger *slog.Logger, cfg Config) (*Syncer, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	if cfg.SourceTag == "" {
		cfg.SourceTag = "github"
	}
	if _, err := parseRepoIdentifiers(cfg.Owner, cfg.Repositories); err != nil {
		return nil, err
	}
	return &Syncer{
		client: client,
		store:  st,
		events: events,
		clock:  clock.Real{},
		logger: logger.With("component", "syncer"),
		cfg:    cfg,
	}, nil
}

// SyncAll fetches every repository of owner, or only opts.Repositories when
// given, and syncs their issues, pull requests and commits.
func (s *Syncer) SyncAll(ctx context.Context, owner string, opts SyncOptions) (model.SyncResult, error) {
	repos := opts.Repositories
	if len(repos) == 0 {
		repos = s.cfg.Repositories
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = s.cfg.Concurrency
	}
	return s.run(ctx, model.SyncTypeFull, owner, repos, concurrency, nil)
}

// IncrementalSync syncs changes made since the last successful run, or within
// the configured lookback window when there is none.
func (s *Syncer) IncrementalSync(ctx context.Context, owner string) (model.SyncResult, error) {
	since, err := s.store.FindLatestSuccessfulRun(ctx, s.cfg.SourceTag)
	if err != nil {
		return model.SyncResult{}, fmt.Errorf("find sync watermark: %w", err)
	}
	if since == nil {
		t := s.clock.Now().Add(-s.cfg.Lookback).UTC()
		s.logger.Info("No successful sync found, using lookback window", "since", t)
		since = &t
	}
	return s.run(ctx, model.SyncTypeIncremental, owner, s.cfg.Repositories, s.cfg.Concurrency, since)
}

// runState is the SyncRun being built by one sync, shared by its workers.
type runState struct {
	mu          sync.Mutex
	run         *model.SyncRun
	concurrency int
	durations   []time.Duration
}

func (s *Syncer) run(ctx context.Context, typ model.SyncType, owner string, repos []string, concurrency int, since *time.Time) (model.SyncResult, error) {
	if owner == "" {
		owner = s.cfg.Owner
	}
	ids, err := parseRepoIdentifiers(owner, repos)
	if err != nil {
		return model.SyncResult{}, err
	}

	started := s.clock.Now().UTC()
	state := &runState{
		concurrency: concurrency,
		run: &model.SyncRun{
			ID:        uuid.NewString(),
			Type:      typ,
			SourceTag: s.cfg.SourceTag,
			Owner:     owner,
			Status:    model.SyncStatusRunning,
			Stage:     StageDiscovering,
			Since:     since,
			StartedAt: started,
			Errors:    []string{},
		},
	}
	logger := s.logger.With("run_id", state.run.ID, "owner", owner, "type", typ)
	logger.Info("Starting sync", "concurrency", concurrency, "since", since)
	s.save(ctx, logger, state.run)
	s.publish(progress.EventSyncStart, state.run.Clone())

	targets, err := s.discover(ctx, owner, ids)
	if err != nil {
		return s.fail(ctx, logger, state, fmt.Errorf("discover repositories: %w", err))
	}

	state.mu.Lock()
	state.run.Stage = StageSyncing
	state.run.Total = len(targets)
	state.mu.Unlock()
	logger.Info("Discovered repositories", "count", len(targets))

	var sinceTime time.Time
	if since != nil {
		sinceTime = *since
	}
	for start := 0; start < len(targets); start += concurrency {
		end := min(start+concurrency, len(targets))
		chunk := targets[start:end]

		if err := s.client.WaitForQuota(ctx, len(chunk)*requestsPerRepo); err != nil {
			if ctx.Err() != nil {
				return s.fail(ctx, logger, state, err)
			}
			logger.Warn("Rate limit check failed, continuing", "error", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, repo := range chunk {
			repo := repo
			g.Go(func() error {
				s.syncOne(gctx, logger, state, owner, repo, sinceTime)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return s.fail(ctx, logger, state, ctx.Err())
		}
	}

	now := s.clock.Now().UTC()
	state.mu.Lock()
	r := state.run
	r.Status = model.SyncStatusCompleted
	r.Stage = StageCompleted
	r.CompletedAt = &now
	r.CurrentResource = ""
	r.ETAMs = 0
	r.Success = len(r.Errors) == 0
	final := r.Clone()
	state.mu.Unlock()

	s.save(ctx, logger, final)
	result := s.result(final)
	logger.Info("Sync finished",
		"success", final.Success,
		"repos_synced", final.Counts.ReposSynced,
		"repos_failed", final.Counts.ReposFailed,
		"issues_synced", final.Counts.IssuesSynced,
		"errors", len(final.Errors),
		"duration_ms", result.DurationMs)
	s.publish(progress.EventSyncComplete, final)
	return result, nil
}

// discover resolves the repositories a run covers. Explicit identifiers whose
// owner differs from the run owner are looked up under their own owner.
func (s *Syncer) discover(ctx context.Context, owner string, ids []RepoIdentifier) ([]model.Repository, error) {
	filter := github.RepoFilter{OwnerType: s.cfg.OwnerType}
	if len(ids) == 0 {
		return s.client.ListRepositories(ctx, owner, filter)
	}

	byOwner := make(map[string][]string)
	var owners []string
	for _, id := range ids {
		if _, ok := byOwner[id.Owner]; !ok {
			owners = append(owners, id.Owner)
		}
		byOwner[id.Owner] = append(byOwner[id.Owner], id.Name)
	}
	var out []model.Repository
	for _, o := range owners {
		f := filter
		f.Names = byOwner[o]
		repos, err := s.client.ListRepositories(ctx, o, f)
		if err != nil {
			return nil, err
		}
		out = append(out, repos...)
	}
	return out, nil
}

// syncOne syncs a single repository and folds its outcome into the run. A
// failing repository is recorded, never returned, so the rest of the chunk
// continues. Transient failures are also counted in ReposRetryable.
func (s *Syncer) syncOne(ctx context.Context, logger *slog.Logger, state *runState, owner string, repo model.Repository, since time.Time) {
	started := s.clock.Now()
	name := repo.FullName
	if name == "" {
		name = repoOwner(repo, owner) + "/" + repo.Name
	}
	logger = logger.With("repo", name)
	logger.Info("Syncing repository")

	counts, recordErrs, err := s.syncRepository(ctx, logger, repoOwner(repo, owner), repo, since)
	elapsed := s.clock.Now().Sub(started)

	state.mu.Lock()
	r := state.run
	r.Counts.Add(counts)
	for _, e := range recordErrs {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", name, e))
	}
	if err != nil {
		r.Counts.ReposFailed++
		if custom_errors.IsRetryable(err) && !errors.Is(err, context.Canceled) {
			r.Counts.ReposRetryable++
		}
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", name, err))
	} else {
		r.Counts.ReposSynced++
	}
	r.Processed++
	r.CurrentResource = name
	state.durations = append(state.durations, elapsed)
	if len(state.durations) > etaWindow {
		state.durations = state.durations[1:]
	}
	r.ETAMs = estimate(state.durations, r.Total-r.Processed, state.concurrency).Milliseconds()
	snapshot := r.Clone()
	state.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Failed to sync repository", "error", err)
	}
	s.save(ctx, logger, snapshot)
	s.publish(progress.EventSyncProgress, snapshot)
}

// syncRepository upserts the project of repo and runs its three sub-syncs
// concurrently. Records rejected by validation are reported in recordErrs
// without failing the repository.
func (s *Syncer) syncRepository(ctx context.Context, logger *slog.Logger, owner string, repo model.Repository, since time.Time) (counts model.SyncCounts, recordErrs []string, err error) {
	project := normalizer.Project(repo)
	if err := normalizer.ValidateProject(project); err != nil {
		return counts, nil, err
	}
	if err := s.store.UpsertProject(ctx, project); err != nil {
		return counts, nil, fmt.Errorf("upsert project: %w", err)
	}

	var (
		bugs        []model.NormalizedBug
		invalidBugs int
		pulls       []model.NormalizedPullRequest
		commits     []model.Commit
		mu          sync.Mutex
	)
	addErrs := func(errs []string) {
		mu.Lock()
		recordErrs = append(recordErrs, errs...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		issues, err := s.client.ListIssues(gctx, owner, repo.Name, github.IssueFilter{Since: since})
		if err != nil {
			return fmt.Errorf("list issues: %w", err)
		}
		all := normalizer.Dedupe(normalizer.Bugs(project, issues, s.clock.Now()), model.NormalizedBug.NaturalKey)
		valid, invalid := normalizer.Partition(all, normalizer.ValidateBug)
		if err := s.store.UpsertBugs(gctx, valid); err != nil {
			return fmt.Errorf("upsert bugs: %w", err)
		}
		bugs, invalidBugs = valid, len(invalid)
		addErrs(invalidReasons(invalid))
		logger.Debug("Issues synced", "valid", len(valid), "invalid", len(invalid))
		return nil
	})
	g.Go(func() error {
		prs, err := s.client.ListPullRequests(gctx, owner, repo.Name, github.PullRequestFilter{Since: since})
		if err != nil {
			return fmt.Errorf("list pull requests: %w", err)
		}
		all := normalizer.Dedupe(normalizer.PullRequests(project.CanonicalURL, prs), model.NormalizedPullRequest.NaturalKey)
		valid, invalid := normalizer.Partition(all, normalizer.ValidatePullRequest)
		if err := s.store.UpsertPullRequests(gctx, valid); err != nil {
			return fmt.Errorf("upsert pull requests: %w", err)
		}
		pulls = valid
		addErrs(invalidReasons(invalid))
		return nil
	})
	g.Go(func() error {
		raw, err := s.client.ListCommits(gctx, owner, repo.Name, since)
		if err != nil {
			return fmt.Errorf("list commits: %w", err)
		}
		all := normalizer.Dedupe(normalizer.Commits(project.CanonicalURL, raw), model.Commit.NaturalKey)
		if err := s.store.UpsertCommits(gctx, all); err != nil {
			return fmt.Errorf("upsert commits: %w", err)
		}
		commits = all
		return nil
	})
	if err := g.Wait(); err != nil {
		return counts, recordErrs, err
	}

	totals, err := s.store.ProjectTotals(ctx, project.CanonicalURL)
	if err != nil {
		return counts, recordErrs, fmt.Errorf("project totals: %w", err)
	}
	if err := s.store.UpsertMetric(ctx, normalizer.Metric(project, totals, s.clock.Now())); err != nil {
		return counts, recordErrs, fmt.Errorf("upsert metric: %w", err)
	}

	counts.IssuesSynced = len(bugs)
	counts.IssuesInvalid = invalidBugs
	counts.PullsSynced = len(pulls)
	counts.CommitsSynced = len(commits)
	counts.MetricsSynced = 1
	return counts, recordErrs, nil
}

// fail finalizes the run as failed. It is used when the run as a whole cannot
// continue, not for individual repository failures.
func (s *Syncer) fail(ctx context.Context, logger *slog.Logger, state *runState, cause error) (model.SyncResult, error) {
	now := s.clock.Now().UTC()
	state.mu.Lock()
	r := state.run
	r.Status = model.SyncStatusFailed
	r.Stage = StageFailed
	r.CompletedAt = &now
	r.Success = false
	r.Errors = append(r.Errors, cause.Error())
	final := r.Clone()
	state.mu.Unlock()

	logger.Error("Sync failed", "error", cause)
	s.save(ctx, logger, final)
	result := s.result(final)
	s.publish(progress.EventSyncError, map[string]any{"runId": final.ID, "error": cause.Error(), "run": final})
	return result, cause
}

func (s *Syncer) result(r *model.SyncRun) model.SyncResult {
	var duration time.Duration
	if r.CompletedAt != nil {
		duration = r.CompletedAt.Sub(r.StartedAt)
	}
	return model.SyncResult{
		RunID:              r.ID,
		Success:            r.Success,
		Counts:             r.Counts,
		Errors:             append([]string{}, r.Errors...),
		DurationMs:         duration.Milliseconds(),
		RateLimitRemaining: s.client.LastRateLimit().Remaining,
	}
}

func (s *Syncer) save(ctx context.Context, logger *slog.Logger, run *model.SyncRun) {
	if err := s.store.SaveSyncRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Error("Failed to persist sync run", "error", err)
	}
}

func (s *Syncer) publish(name string, data any) {
	if s.events != nil {
		s.events.Publish(name, data)
	}
}

// estimate projects the remaining time from the moving average of recent
// per-repository durations, assuming chunks of concurrency run in parallel.
func estimate(durations []time.Duration, remaining, concurrency int) time.Duration {
	if len(durations) == 0 || remaining <= 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(len(durations))
	if concurrency <= 0 {
		concurrency = 1
	}
	chunks := (remaining + concurrency - 1) / concurrency
	return avg * time.Duration(chunks)
}

func invalidReasons[T any](invalid []normalizer.Invalid[T]) []string {
	out := make([]string, 0, len(invalid))
	for _, inv := range invalid {
		out = append(out, inv.Err.Error())
	}
	return out
}

func repoOwner(repo model.Repository, fallback string) string {
	if repo.Owner != "" {
		return repo.Owner
	}
	return fallback
}

// parseRepoIdentifiers accepts "name" (owned by owner) or "owner/name".
func parseRepoIdentifiers(owner string, repos []string) ([]RepoIdentifier, error) {
	var identifiers []RepoIdentifier
	for _, r := range repos {
		r = strings.TrimSpace(r)
		if r != "" && !strings.Contains(r, "/") {
			if owner == "" {
				return nil, &custom_errors.ErrInvalidRepoFormat{Repo: r}
			}
			identifiers = append(identifiers, RepoIdentifier{Owner: owner, Name: r})
			continue
		}
		parts := strings.Split(r, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, &custom_errors.ErrInvalidRepoFormat{Repo: r}
		}
		identifiers = append(identifiers, RepoIdentifier{Owner: parts[0], Name: parts[1]})
	}
	return identifiers, nil
}
