package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	custom_errors "github-ingest/internal/errors"
	"github-ingest/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a pgx connection pool. Every upsert is keyed by
// the record's natural key.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Close() { s.pool.Close() }

const upsertProjectSQL = `
INSERT INTO projects (canonical_url, name, owner, description, language, tags, status,
	stars, forks, open_issues, source_id, last_activity_at, created_at, updated_at, synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
ON CONFLICT (canonical_url) DO UPDATE SET
	name = EXCLUDED.name,
	owner = EXCLUDED.owner,
	description = EXCLUDED.description,
	language = EXCLUDED.language,
	tags = EXCLUDED.tags,
	status = EXCLUDED.status,
	stars = EXCLUDED.stars,
	forks = EXCLUDED.forks,
	open_issues = EXCLUDED.open_issues,
	source_id = EXCLUDED.source_id,
	last_activity_at = GREATEST(projects.last_activity_at, EXCLUDED.last_activity_at),
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at,
	synced_at = NOW()`

func (s *Postgres) UpsertProject(ctx context.Context, p model.NormalizedProject) error {
	_, err := s.pool.Exec(ctx, upsertProjectSQL,
		p.CanonicalURL, p.Name, p.Owner, p.Description, p.Language, nonNil(p.Tags), string(p.Status),
		p.Stars, p.Forks, p.OpenIssues, p.SourceID, nullTime(p.LastActivityAt), nullTime(p.CreatedAt), nullTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.CanonicalURL, err)
	}
	return nil
}

func (s *Postgres) GetProjectByURL(ctx context.Context, canonicalURL string) (*model.NormalizedProject, error) {
	var p model.NormalizedProject
	var status string
	var lastActivity, createdAt, updatedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT canonical_url, name, owner, description, language, tags, status,
			stars, forks, open_issues, source_id, last_activity_at, created_at, updated_at
		FROM projects WHERE canonical_url = $1`, canonicalURL).Scan(
		&p.CanonicalURL, &p.Name, &p.Owner, &p.Description, &p.Language, &p.Tags, &status,
		&p.Stars, &p.Forks, &p.OpenIssues, &p.SourceID, &lastActivity, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, custom_errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", canonicalURL, err)
	}
	p.Status = model.ProjectStatus(status)
	p.LastActivityAt = deref(lastActivity)
	p.CreatedAt = deref(createdAt)
	p.UpdatedAt = deref(updatedAt)
	return &p, nil
}

func (s *Postgres) TouchProjectActivity(ctx context.Context, canonicalURL string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE projects
		SET last_activity_at = GREATEST(COALESCE(last_activity_at, $2), $2)
		WHERE canonical_url = $1`, canonicalURL, at)
	if err != nil {
		return fmt.Errorf("touch project %s: %w", canonicalURL, err)
	}
	if tag.RowsAffected() == 0 {
		return custom_errors.ErrNotFound
	}
	return nil
}

const upsertBugSQL = `
INSERT INTO bugs (bug_number, project_url, source_number, source_id, title, description, severity,
	status, priority_score, is_blocker, sla_hours, labels, reporter, assignee, url,
	created_at, updated_at, closed_at, synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
ON CONFLICT (bug_number) DO UPDATE SET
	project_url = EXCLUDED.project_url,
	source_number = EXCLUDED.source_number,
	source_id = EXCLUDED.source_id,
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	severity = EXCLUDED.severity,
	status = EXCLUDED.status,
	priority_score = EXCLUDED.priority_score,
	is_blocker = EXCLUDED.is_blocker,
	sla_hours = EXCLUDED.sla_hours,
	labels = EXCLUDED.labels,
	reporter = EXCLUDED.reporter,
	assignee = EXCLUDED.assignee,
	url = EXCLUDED.url,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at,
	closed_at = EXCLUDED.closed_at,
	synced_at = NOW()`

func (s *Postgres) UpsertBugs(ctx context.Context, bugs []model.NormalizedBug) error {
	batch := &pgx.Batch{}
	for _, b := range bugs {
		batch.Queue(upsertBugSQL,
			b.BugNumber, b.ProjectURL, b.SourceNumber, b.SourceID, b.Title, b.Description, string(b.Severity),
			string(b.Status), b.PriorityScore, b.IsBlocker, b.SLAHours, nonNil(b.Labels), b.Reporter, b.Assignee, b.URL,
			nullTime(b.CreatedAt), nullTime(b.UpdatedAt), b.ClosedAt)
	}
	return s.sendBatch(ctx, "upsert bugs", batch)
}

func (s *Postgres) GetBug(ctx context.Context, bugNumber string) (*model.NormalizedBug, error) {
	var (
		b                    model.NormalizedBug
		severity, status     string
		createdAt, updatedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT bug_number, project_url, source_number, source_id, title, description, severity,
			status, priority_score, is_blocker, sla_hours, labels, reporter, assignee, url,
			created_at, updated_at, closed_at
		FROM bugs WHERE bug_number = $1`, bugNumber).Scan(
		&b.BugNumber, &b.ProjectURL, &b.SourceNumber, &b.SourceID, &b.Title, &b.Description, &severity,
		&status, &b.PriorityScore, &b.IsBlocker, &b.SLAHours, &b.Labels, &b.Reporter, &b.Assignee, &b.URL,
		&createdAt, &updatedAt, &b.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, custom_errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bug %s: %w", bugNumber, err)
	}
	b.Severity = model.Severity(severity)
	b.Status = model.BugStatus(status)
	b.CreatedAt = deref(createdAt)
	b.UpdatedAt = deref(updatedAt)
	return &b, nil
}

func (s *Postgres) AppendBugHistory(ctx context.Context, h model.BugHistory) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bug_history (bug_number, from_status, to_status, changed_at, source)
		VALUES ($1, $2, $3, $4, $5)`,
		h.BugNumber, string(h.FromStatus), string(h.ToStatus), h.ChangedAt, h.Source)
	if err != nil {
		return fmt.Errorf("append history for %s: %w", h.BugNumber, err)
	}
	return nil
}

func (s *Postgres) UpsertPullRequests(ctx context.Context, prs []model.NormalizedPullRequest) error {
	batch := &pgx.Batch{}
	for _, pr := range prs {
		batch.Queue(`
			INSERT INTO pull_requests (project_url, number, source_id, title, state, draft, author, url,
				created_at, updated_at, closed_at, merged_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (project_url, number) DO UPDATE SET
				source_id = EXCLUDED.source_id,
				title = EXCLUDED.title,
				state = EXCLUDED.state,
				draft = EXCLUDED.draft,
				author = EXCLUDED.author,
				url = EXCLUDED.url,
				created_at = EXCLUDED.created_at,
				updated_at = EXCLUDED.updated_at,
				closed_at = EXCLUDED.closed_at,
				merged_at = EXCLUDED.merged_at`,
			pr.ProjectURL, pr.Number, pr.SourceID, pr.Title, string(pr.State), pr.Draft, pr.Author, pr.URL,
			nullTime(pr.CreatedAt), nullTime(pr.UpdatedAt), pr.ClosedAt, pr.MergedAt)
	}
	return s.sendBatch(ctx, "upsert pull requests", batch)
}

func (s *Postgres) UpsertCommits(ctx context.Context, commits []model.Commit) error {
	batch := &pgx.Batch{}
	for _, c := range commits {
		batch.Queue(`
			INSERT INTO commits (project_url, sha, author_name, author_email, message, url, commit_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (project_url, sha) DO UPDATE SET
				author_name = EXCLUDED.author_name,
				author_email = EXCLUDED.author_email,
				message = EXCLUDED.message,
				url = EXCLUDED.url,
				commit_date = EXCLUDED.commit_date`,
			c.ProjectURL, c.SHA, c.AuthorName, c.AuthorEmail, c.Message, c.URL, nullTime(c.CommitDate))
	}
	return s.sendBatch(ctx, "upsert commits", batch)
}

func (s *Postgres) UpsertMetric(ctx context.Context, m model.NormalizedMetric) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metrics (project_url, metric_date, commits, contributors, open_issues, closed_issues,
			open_pull_requests, merged_pull_requests, stars, forks, last_commit_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (project_url, metric_date) DO UPDATE SET
			commits = EXCLUDED.commits,
			contributors = EXCLUDED.contributors,
			open_issues = EXCLUDED.open_issues,
			closed_issues = EXCLUDED.closed_issues,
			open_pull_requests = EXCLUDED.open_pull_requests,
			merged_pull_requests = EXCLUDED.merged_pull_requests,
			stars = EXCLUDED.stars,
			forks = EXCLUDED.forks,
			last_commit_at = EXCLUDED.last_commit_at`,
		m.ProjectURL, m.MetricDate, m.Commits, m.Contributors, m.OpenIssues, m.ClosedIssues,
		m.OpenPullRequests, m.MergedPullRequests, m.Stars, m.Forks, m.LastCommitAt)
	if err != nil {
		return fmt.Errorf("upsert metric %s: %w", m.NaturalKey(), err)
	}
	return nil
}

const projectTotalsSQL = `
	SELECT
		(SELECT count(*) FROM bugs WHERE project_url = $1 AND status IN ('open', 'in_progress')),
		(SELECT count(*) FROM bugs WHERE project_url = $1 AND status NOT IN ('open', 'in_progress')),
		(SELECT count(*) FROM pull_requests WHERE project_url = $1 AND state = 'open'),
		(SELECT count(*) FROM pull_requests WHERE project_url = $1 AND state = 'merged'),
		(SELECT count(*) FROM commits WHERE project_url = $1),
		(SELECT count(DISTINCT CASE WHEN author_email <> '' THEN lower(author_email) ELSE NULLIF(author_name, '') END)
			FROM commits WHERE project_url = $1),
		(SELECT max(commit_date) FROM commits WHERE project_url = $1)`

func (s *Postgres) ProjectTotals(ctx context.Context, projectURL string) (model.ProjectTotals, error) {
	var t model.ProjectTotals
	err := s.pool.QueryRow(ctx, projectTotalsSQL, projectURL).Scan(
		&t.OpenIssues, &t.ClosedIssues, &t.OpenPullRequests, &t.MergedPullRequests,
		&t.Commits, &t.Contributors, &t.LastCommitAt)
	if err != nil {
		return model.ProjectTotals{}, fmt.Errorf("project totals %s: %w", projectURL, err)
	}
	return t, nil
}

func (s *Postgres) SaveSyncRun(ctx context.Context, run *model.SyncRun) error {
	errs, err := json.Marshal(nonNil(run.Errors))
	if err != nil {
		return err
	}
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, type, source_tag, owner, status, stage, since, started_at, completed_at,
			counts, total, processed, current_resource, errors, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			stage = EXCLUDED.stage,
			completed_at = EXCLUDED.completed_at,
			counts = EXCLUDED.counts,
			total = EXCLUDED.total,
			processed = EXCLUDED.processed,
			current_resource = EXCLUDED.current_resource,
			errors = EXCLUDED.errors,
			success = EXCLUDED.success
		WHERE sync_runs.status = 'running'`,
		run.ID, string(run.Type), run.SourceTag, run.Owner, string(run.Status), run.Stage, run.Since, run.StartedAt,
		run.CompletedAt, counts, run.Total, run.Processed, run.CurrentResource, errs, run.Success)
	if err != nil {
		return fmt.Errorf("save sync run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Postgres) GetSyncRun(ctx context.Context, id string) (*model.SyncRun, error) {
	var (
		run          model.SyncRun
		typ, status  string
		counts, errs []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, type, source_tag, owner, status, stage, since, started_at, completed_at,
			counts, total, processed, current_resource, errors, success
		FROM sync_runs WHERE id = $1`, id).Scan(
		&run.ID, &typ, &run.SourceTag, &run.Owner, &status, &run.Stage, &run.Since, &run.StartedAt, &run.CompletedAt,
		&counts, &run.Total, &run.Processed, &run.CurrentResource, &errs, &run.Success)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, custom_errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync run %s: %w", id, err)
	}
	run.Type = model.SyncType(typ)
	run.Status = model.SyncStatus(status)
	if err := json.Unmarshal(counts, &run.Counts); err != nil {
		return nil, fmt.Errorf("decode counts of sync run %s: %w", id, err)
	}
	if err := json.Unmarshal(errs, &run.Errors); err != nil {
		return nil, fmt.Errorf("decode errors of sync run %s: %w", id, err)
	}
	return &run, nil
}

func (s *Postgres) FindLatestSuccessfulRun(ctx context.Context, sourceTag string) (*time.Time, error) {
	var startedAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT started_at FROM sync_runs
		WHERE source_tag = $1 AND status = 'completed' AND success
		ORDER BY started_at DESC
		LIMIT 1`, sourceTag).Scan(&startedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest successful run: %w", err)
	}
	return &startedAt, nil
}

func (s *Postgres) SaveJob(ctx context.Context, job *model.Job) error {
	errs, err := json.Marshal(nonNil(job.Errors))
	if err != nil {
		return err
	}
	var result []byte
	if job.Result != nil {
		if result, err = json.Marshal(job.Result); err != nil {
			return err
		}
	}
	var payload []byte
	if len(job.Payload) > 0 {
		payload = []byte(job.Payload)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, priority, payload, status, retry_count, max_retries, errors, result,
			dead_lettered, created_at, updated_at, started_at, completed_at, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			priority = EXCLUDED.priority,
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			max_retries = EXCLUDED.max_retries,
			errors = EXCLUDED.errors,
			result = EXCLUDED.result,
			dead_lettered = EXCLUDED.dead_lettered,
			updated_at = EXCLUDED.updated_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			next_retry_at = EXCLUDED.next_retry_at`,
		job.ID, job.Type, string(job.Priority), payload, string(job.Status), job.RetryCount, job.MaxRetries, errs, result,
		job.DeadLettered, job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt, job.NextRetryAt)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Postgres) LoadJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, type, priority, payload, status, retry_count, max_retries, errors, result,
			dead_lettered, created_at, updated_at, started_at, completed_at, next_retry_at
		FROM jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		var (
			j                     model.Job
			priority, status      string
			payload, errs, result []byte
		)
		if err := rows.Scan(&j.ID, &j.Type, &priority, &payload, &status, &j.RetryCount, &j.MaxRetries, &errs, &result,
			&j.DeadLettered, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.NextRetryAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Priority = model.Priority(priority)
		j.Status = model.JobStatus(status)
		if len(payload) > 0 {
			j.Payload = json.RawMessage(payload)
		}
		if err := json.Unmarshal(errs, &j.Errors); err != nil {
			return nil, fmt.Errorf("decode errors of job %s: %w", j.ID, err)
		}
		if len(result) > 0 {
			j.Result = &model.JobResult{}
			if err := json.Unmarshal(result, j.Result); err != nil {
				return nil, fmt.Errorf("decode result of job %s: %w", j.ID, err)
			}
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (s *Postgres) DeleteJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id::text = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	return nil
}

func (s *Postgres) sendBatch(ctx context.Context, op string, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	br := s.pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
