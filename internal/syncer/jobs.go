package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github-ingest/internal/model"
	"github-ingest/internal/pipeline"
)

// Job types executed through the pipeline.
const (
	JobSyncFull        = "sync.full"
	JobSyncIncremental = "sync.incremental"
	JobSyncRepository  = "sync.repository"
)

const syncFullSchema = `{
	"type": "object",
	"properties": {
		"owner": {"type": "string"},
		"repositories": {"type": "array", "items": {"type": "string", "minLength": 1}},
		"concurrency": {"type": "integer", "minimum": 1, "maximum": 50}
	},
	"additionalProperties": false
}`

const syncIncrementalSchema = `{
	"type": "object",
	"properties": {
		"owner": {"type": "string"}
	},
	"additionalProperties": false
}`

const syncRepositorySchema = `{
	"type": "object",
	"required": ["repository"],
	"properties": {
		"owner": {"type": "string"},
		"repository": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

// FullSyncPayload is the payload of a sync.full job.
type FullSyncPayload struct {
	Owner        string   `json:"owner,omitempty"`
	Repositories []string `json:"repositories,omitempty"`
	Concurrency  int      `json:"concurrency,omitempty"`
}

// IncrementalSyncPayload is the payload of a sync.incremental job.
type IncrementalSyncPayload struct {
	Owner string `json:"owner,omitempty"`
}

// RepositorySyncPayload is the payload of a sync.repository job.
type RepositorySyncPayload struct {
	Owner      string `json:"owner,omitempty"`
	Repository string `json:"repository"`
}

// ErrRetryableRepositories is returned by a sync job when a repository failed
// with a transient error. The pipeline retries the job; repositories that
// failed validation or authentication do not trigger it.
var ErrRetryableRepositories = errors.New("repositories failed with retryable errors")

// Registrar is where the syncer registers its job handlers.
type Registrar interface {
	Register(jobType string, h pipeline.Handler, opts ...pipeline.RegisterOption) error
}

// Submitter enqueues jobs.
type Submitter interface {
	Submit(ctx context.Context, jobType string, payload any, opts ...pipeline.SubmitOption) (*model.Job, error)
}

// RegisterJobs registers the sync job types on r.
func (s *Syncer) RegisterJobs(r Registrar) error {
	jobs := []struct {
		name    string
		handler pipeline.Handler
		schema  string
	}{
		{JobSyncFull, s.handleFullSync, syncFullSchema},
		{JobSyncIncremental, s.handleIncrementalSync, syncIncrementalSchema},
		{JobSyncRepository, s.handleRepositorySync, syncRepositorySchema},
	}
	for _, j := range jobs {
		if err := r.Register(j.name, j.handler, pipeline.WithPayloadSchema(j.schema)); err != nil {
			return fmt.Errorf("register %s: %w", j.name, err)
		}
	}
	return nil
}

func (s *Syncer) handleFullSync(ctx context.Context, job *model.Job) (model.JobResult, error) {
	var p FullSyncPayload
	if err := decodePayload(job, &p); err != nil {
		return model.JobResult{}, err
	}
	res, err := s.SyncAll(ctx, p.Owner, SyncOptions{Repositories: p.Repositories, Concurrency: p.Concurrency})
	return jobOutcome(res, err)
}

func (s *Syncer) handleIncrementalSync(ctx context.Context, job *model.Job) (model.JobResult, error) {
	var p IncrementalSyncPayload
	if err := decodePayload(job, &p); err != nil {
		return model.JobResult{}, err
	}
	res, err := s.IncrementalSync(ctx, p.Owner)
	return jobOutcome(res, err)
}

func (s *Syncer) handleRepositorySync(ctx context.Context, job *model.Job) (model.JobResult, error) {
	var p RepositorySyncPayload
	if err := decodePayload(job, &p); err != nil {
		return model.JobResult{}, err
	}
	res, err := s.SyncAll(ctx, p.Owner, SyncOptions{Repositories: []string{p.Repository}, Concurrency: 1})
	return jobOutcome(res, err)
}

// Start submits an incremental sync job immediately and then every
// cfg.Interval until ctx is done.
func (s *Syncer) Start(ctx context.Context, jobs Submitter) {
	if s.cfg.Interval <= 0 {
		s.logger.Info("Scheduled sync disabled")
		return
	}
	s.logger.Info("Starting sync scheduler", "interval", s.cfg.Interval.String(), "concurrency", s.cfg.Concurrency)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.schedule(ctx, jobs) // Initial sync

	for {
		select {
		case <-ticker.C:
			s.schedule(ctx, jobs)
		case <-ctx.Done():
			s.logger.Info("Sync scheduler shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (s *Syncer) schedule(ctx context.Context, jobs Submitter) {
	job, err := jobs.Submit(ctx, JobSyncIncremental, IncrementalSyncPayload{Owner: s.cfg.Owner})
	if err != nil {
		s.logger.Error("Failed to schedule incremental sync", "error", err)
		return
	}
	s.logger.Info("Scheduled incremental sync", "job_id", job.ID)
}

func decodePayload(job *model.Job, v any) error {
	if len(job.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", job.Type, err)
	}
	return nil
}

// jobOutcome turns a completed sync with transient repository failures into a
// retryable job error.
func jobOutcome(res model.SyncResult, err error) (model.JobResult, error) {
	if err == nil && res.Counts.ReposRetryable > 0 {
		err = fmt.Errorf("%w: %d of %d: %s", ErrRetryableRepositories,
			res.Counts.ReposRetryable, res.Counts.ReposSynced+res.Counts.ReposFailed, strings.Join(res.Errors, "; "))
	}
	return jobResult(res), err
}

func jobResult(res model.SyncResult) model.JobResult {
	return model.JobResult{
		Success:        res.Success,
		ProcessedCount: res.Counts.ReposSynced,
		FailedCount:    res.Counts.ReposFailed,
		Errors:         res.Errors,
	}
}
