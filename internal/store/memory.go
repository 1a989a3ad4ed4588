package store

import (
	"context"
	"sort"
	"sync"
	"time"

	custom_errors "github-ingest/internal/errors"
	"github-ingest/internal/model"
	"github-ingest/internal/normalizer"
)

// Memory keeps everything in maps guarded by a single mutex.
type Memory struct {
	mu       sync.RWMutex
	projects map[string]model.NormalizedProject
	bugs     map[string]model.NormalizedBug
	history  []model.BugHistory
	pulls    map[string]model.NormalizedPullRequest
	commits  map[string]model.Commit
	metrics  map[string]model.NormalizedMetric
	runs     map[string]*model.SyncRun
	jobs     map[string]*model.Job
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]model.NormalizedProject),
		bugs:     make(map[string]model.NormalizedBug),
		pulls:    make(map[string]model.NormalizedPullRequest),
		commits:  make(map[string]model.Commit),
		metrics:  make(map[string]model.NormalizedMetric),
		runs:     make(map[string]*model.SyncRun),
		jobs:     make(map[string]*model.Job),
	}
}

func (m *Memory) Close() {}

func (m *Memory) UpsertProject(_ context.Context, p model.NormalizedProject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.NaturalKey()] = p
	return nil
}

func (m *Memory) GetProjectByURL(_ context.Context, canonicalURL string) (*model.NormalizedProject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[canonicalURL]
	if !ok {
		return nil, custom_errors.ErrNotFound
	}
	return &p, nil
}

func (m *Memory) TouchProjectActivity(_ context.Context, canonicalURL string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[canonicalURL]
	if !ok {
		return custom_errors.ErrNotFound
	}
	if at.After(p.LastActivityAt) {
		p.LastActivityAt = at
	}
	m.projects[canonicalURL] = p
	return nil
}

func (m *Memory) UpsertBugs(_ context.Context, bugs []model.NormalizedBug) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bugs {
		m.bugs[b.NaturalKey()] = b.Clone()
	}
	return nil
}

func (m *Memory) GetBug(_ context.Context, bugNumber string) (*model.NormalizedBug, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bugs[bugNumber]
	if !ok {
		return nil, custom_errors.ErrNotFound
	}
	b = b.Clone()
	return &b, nil
}

func (m *Memory) AppendBugHistory(_ context.Context, h model.BugHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, h)
	return nil
}

func (m *Memory) UpsertPullRequests(_ context.Context, prs []model.NormalizedPullRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pr := range prs {
		m.pulls[pr.NaturalKey()] = pr
	}
	return nil
}

func (m *Memory) UpsertCommits(_ context.Context, commits []model.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range commits {
		m.commits[c.NaturalKey()] = c
	}
	return nil
}

func (m *Memory) UpsertMetric(_ context.Context, metric model.NormalizedMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[metric.NaturalKey()] = metric
	return nil
}

func (m *Memory) ProjectTotals(_ context.Context, projectURL string) (model.ProjectTotals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		bugs    []model.NormalizedBug
		pulls   []model.NormalizedPullRequest
		commits []model.Commit
	)
	for _, b := range m.bugs {
		if b.ProjectURL == projectURL {
			bugs = append(bugs, b)
		}
	}
	for _, pr := range m.pulls {
		if pr.ProjectURL == projectURL {
			pulls = append(pulls, pr)
		}
	}
	for _, c := range m.commits {
		if c.ProjectURL == projectURL {
			commits = append(commits, c)
		}
	}
	return normalizer.Totals(bugs, pulls, commits), nil
}

// Metric returns the stored metric of a project for day.
func (m *Memory) Metric(projectURL string, day time.Time) (model.NormalizedMetric, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metric, ok := m.metrics[model.NormalizedMetric{ProjectURL: projectURL, MetricDate: day}.NaturalKey()]
	return metric, ok
}

func (m *Memory) SaveSyncRun(_ context.Context, run *model.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.runs[run.ID]; ok && existing.Finished() {
		return nil
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *Memory) GetSyncRun(_ context.Context, id string) (*model.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, custom_errors.ErrNotFound
	}
	return run.Clone(), nil
}

func (m *Memory) FindLatestSuccessfulRun(_ context.Context, sourceTag string) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *time.Time
	for _, run := range m.runs {
		if run.SourceTag != sourceTag || run.Status != model.SyncStatusCompleted || !run.Success {
			continue
		}
		if latest == nil || run.StartedAt.After(*latest) {
			t := run.StartedAt
			latest = &t
		}
	}
	return latest, nil
}

func (m *Memory) SaveJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) LoadJobs(_ context.Context) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteJobs(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.jobs, id)
	}
	return nil
}

// Bugs returns every stored bug ordered by bug number.
func (m *Memory) Bugs() []model.NormalizedBug {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.NormalizedBug, 0, len(m.bugs))
	for _, b := range m.bugs {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].BugNumber < out[k].BugNumber })
	return out
}

// Projects returns every stored project ordered by canonical URL.
func (m *Memory) Projects() []model.NormalizedProject {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.NormalizedProject, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CanonicalURL < out[k].CanonicalURL })
	return out
}

// History returns the history of one bug in append order.
func (m *Memory) History(bugNumber string) []model.BugHistory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.BugHistory
	for _, h := range m.history {
		if h.BugNumber == bugNumber {
			out = append(out, h)
		}
	}
	return out
}

// Counts reports how many pull requests, commits and metrics are stored.
func (m *Memory) Counts() (pulls, commits, metrics int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pulls), len(m.commits), len(m.metrics)
}
