// Package pipeline runs typed jobs on a bounded worker pool with priority
// ordering, exponential retry and a dead-letter list.
package pipeline

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github-ingest/internal/clock"
	custom_errors "github-ingest/internal/errors"
	"github-ingest/internal/model"
	"github-ingest/internal/store"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes one job. A returned error, or a panic, counts as a failed
// attempt; a result with Success false but no error still completes the job.
type Handler func(ctx context.Context, job *model.Job) (model.JobResult, error)

// Publisher receives job transition events.
type Publisher interface {
	Publish(name string, data any)
}

type Config struct {
	Workers    int
	MaxRetries int
	// RetryBase is the delay unit of the 2^retryCount backoff.
	RetryBase time.Duration
}

func DefaultConfig() Config {
	return Config{Workers: 3, MaxRetries: 3, RetryBase: time.Second}
}

type registration struct {
	handler Handler
	schema  *jsonschema.Schema
}

// RegisterOption configures a job type at registration.
type RegisterOption func(jobType string, r *registration) error

// WithPayloadSchema validates submitted payloads against a JSON schema.
func WithPayloadSchema(schema string) RegisterOption {
	return func(jobType string, r *registration) error {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
		if err != nil {
			return fmt.Errorf("parse schema for %s: %w", jobType, err)
		}
		loc := "mem://jobs/" + jobType + ".json"
		c := jsonschema.NewCompiler()
		if err := c.AddResource(loc, doc); err != nil {
			return fmt.Errorf("add schema for %s: %w", jobType, err)
		}
		sch, err := c.Compile(loc)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", jobType, err)
		}
		r.schema = sch
		return nil
	}
}

type submitOptions struct {
	priority   model.Priority
	maxRetries *int
}

type SubmitOption func(*submitOptions)

func WithPriority(p model.Priority) SubmitOption {
	return func(o *submitOptions) { o.priority = p }
}

func WithMaxRetries(n int) SubmitOption {
	return func(o *submitOptions) { o.maxRetries = &n }
}

// Pipeline owns the lifecycle of every job submitted to it. Each transition
// is persisted to the JobStore before it is published.
type Pipeline struct {
	cfg    Config
	store  store.JobStore
	events Publisher
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	handlers    map[string]*registration
	jobs        map[string]*model.Job
	queue       jobQueue
	seq         uint64
	deadLetters []string
	timers      map[string]clock.Timer
	paused      bool
	started     bool
	stopped     bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	ctx  context.Context
}

func New(cfg Config, jobStore store.JobStore, events Publisher, logger *slog.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	return &Pipeline{
		cfg:      cfg,
		store:    jobStore,
		events:   events,
		clock:    clock.Real{},
		logger:   logger.With("component", "pipeline"),
		handlers: make(map[string]*registration),
		jobs:     make(map[string]*model.Job),
		timers:   make(map[string]clock.Timer),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      context.Background(),
	}
}

// Register binds a handler to a job type. Registering a type twice replaces the handler.
func (p *Pipeline) Register(jobType string, h Handler, opts ...RegisterOption) error {
	reg := &registration{handler: h}
	for _, opt := range opts {
		if err := opt(jobType, reg); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.handlers[jobType] = reg
	p.mu.Unlock()
	return nil
}

// Submit validates and enqueues a job. payload may be a json.RawMessage or
// any value that marshals to JSON.
func (p *Pipeline) Submit(ctx context.Context, jobType string, payload any, opts ...SubmitOption) (*model.Job, error) {
	o := submitOptions{priority: model.PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.priority.Valid() {
		return nil, &custom_errors.ValidationError{Kind: "job", Key: jobType, Reasons: []string{fmt.Sprintf("unknown priority %q", o.priority)}}
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, &custom_errors.ValidationError{Kind: "payload", Key: jobType, Reasons: []string{err.Error()}}
	}

	p.mu.Lock()
	reg, ok := p.handlers[jobType]
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return nil, custom_errors.ErrPipelineStopped
	}
	if !ok {
		return nil, fmt.Errorf("submit %q: %w", jobType, custom_errors.ErrUnknownJobType)
	}
	if err := validatePayload(reg.schema, jobType, raw); err != nil {
		return nil, err
	}

	maxRetries := p.cfg.MaxRetries
	if o.maxRetries != nil && *o.maxRetries >= 0 {
		maxRetries = *o.maxRetries
	}
	now := p.clock.Now().UTC()
	job := &model.Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Priority:   o.priority,
		Payload:    raw,
		Status:     model.JobQueued,
		MaxRetries: maxRetries,
		Errors:     []string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, custom_errors.ErrPipelineStopped
	}
	p.jobs[job.ID] = job
	p.enqueueLocked(job)
	snapshot := job.Clone()
	p.mu.Unlock()

	p.logger.Info("Job submitted", "job_id", job.ID, "type", jobType, "priority", job.Priority)
	p.record(ctx, snapshot)
	p.signal()
	return snapshot, nil
}

// Get returns a snapshot of the job, or custom_errors.ErrNotFound.
func (p *Pipeline) Get(id string) (*model.Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return nil, custom_errors.ErrNotFound
	}
	return job.Clone(), nil
}

// List returns snapshots of all known jobs, oldest first. An empty status matches every job.
func (p *Pipeline) List(status model.JobStatus) []*model.Job {
	p.mu.Lock()
	out := make([]*model.Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		if status == "" || j.Status == status {
			out = append(out, j.Clone())
		}
	}
	p.mu.Unlock()
	sortByCreation(out)
	return out
}

// DeadLetters returns the dead-lettered jobs in the order they failed.
func (p *Pipeline) DeadLetters() []*model.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*model.Job, 0, len(p.deadLetters))
	for _, id := range p.deadLetters {
		if j, ok := p.jobs[id]; ok {
			out = append(out, j.Clone())
		}
	}
	return out
}

// RetryDeadLetters resets the retry count of every dead-lettered job and
// queues it again. It returns how many jobs were resubmitted.
func (p *Pipeline) RetryDeadLetters(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return 0, custom_errors.ErrPipelineStopped
	}
	now := p.clock.Now().UTC()
	var snapshots []*model.Job
	for _, id := range p.deadLetters {
		job, ok := p.jobs[id]
		if !ok {
			continue
		}
		job.RetryCount = 0
		job.DeadLettered = false
		job.CompletedAt = nil
		job.NextRetryAt = nil
		job.UpdatedAt = now
		p.enqueueLocked(job)
		snapshots = append(snapshots, job.Clone())
	}
	p.deadLetters = nil
	p.mu.Unlock()

	for _, s := range snapshots {
		p.record(ctx, s)
	}
	p.logger.Info("Dead-letter queue resubmitted", "count", len(snapshots))
	p.signal()
	return len(snapshots), nil
}

// Pause stops workers from starting queued jobs. Jobs already running finish
// normally. Submit still queues new jobs while paused, and retries that come
// due are queued too; all of them start after Resume.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.logger.Info("Pipeline paused")
}

func (p *Pipeline) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.logger.Info("Pipeline resumed")
	p.signal()
}

func (p *Pipeline) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Cleanup forgets completed jobs that finished more than olderThan ago and
// removes them from the store.
func (p *Pipeline) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := p.clock.Now().Add(-olderThan)
	p.mu.Lock()
	var ids []string
	for id, j := range p.jobs {
		if j.Status == model.JobCompleted && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(p.jobs, id)
	}
	p.mu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}
	if err := p.store.DeleteJobs(ctx, ids); err != nil {
		return len(ids), fmt.Errorf("delete cleaned jobs: %w", err)
	}
	p.logger.Info("Cleaned up completed jobs", "count", len(ids), "older_than", olderThan)
	return len(ids), nil
}

// Stats counts known jobs by status.
func (p *Pipeline) Stats() map[model.JobStatus]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[model.JobStatus]int)
	for _, j := range p.jobs {
		out[j.Status]++
	}
	return out
}

// Start restores persisted jobs and launches the workers. Jobs that were
// queued, retrying or processing when the process stopped are queued again.
func (p *Pipeline) Start(ctx context.Context) error {
	persisted, err := p.store.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("load persisted jobs: %w", err)
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	p.started = true
	p.ctx = ctx
	sortByCreation(persisted)
	var requeued []*model.Job
	for _, job := range persisted {
		if _, exists := p.jobs[job.ID]; exists {
			continue
		}
		if job.Errors == nil {
			job.Errors = []string{}
		}
		p.jobs[job.ID] = job
		switch {
		case job.DeadLettered:
			p.deadLetters = append(p.deadLetters, job.ID)
		case job.Status == model.JobQueued, job.Status == model.JobRetrying, job.Status == model.JobProcessing:
			job.NextRetryAt = nil
			p.enqueueLocked(job)
			requeued = append(requeued, job.Clone())
		}
	}
	p.mu.Unlock()

	for _, j := range requeued {
		p.record(ctx, j)
	}
	if len(persisted) > 0 {
		p.logger.Info("Recovered persisted jobs", "total", len(persisted), "requeued", len(requeued))
	}

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("Pipeline started", "workers", p.cfg.Workers)
	p.signal()
	return nil
}

// Stop prevents new work, cancels pending retry timers and waits for running
// jobs to finish. Jobs waiting for a retry stay persisted as retrying.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Pipeline stopped")
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)
	for {
		job, ok := p.next(ctx)
		if !ok {
			return
		}
		p.process(ctx, logger, job)
	}
}

// next blocks until a job can be started. It returns false once the pipeline
// is stopped or ctx is done.
func (p *Pipeline) next(ctx context.Context) (*model.Job, bool) {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil, false
		}
		if !p.paused && p.queue.Len() > 0 {
			item := heap.Pop(&p.queue).(*queueItem)
			job := item.job
			now := p.clock.Now().UTC()
			job.Status = model.JobProcessing
			job.StartedAt = &now
			job.UpdatedAt = now
			more := p.queue.Len() > 0
			p.mu.Unlock()
			if more {
				p.signal()
			}
			return job, true
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-p.done:
			return nil, false
		case <-p.wake:
		}
	}
}

func (p *Pipeline) process(ctx context.Context, logger *slog.Logger, job *model.Job) {
	p.mu.Lock()
	reg := p.handlers[job.Type]
	running := job.Clone()
	p.mu.Unlock()
	p.record(ctx, running)

	logger = logger.With("job_id", job.ID, "type", job.Type, "attempt", running.RetryCount+1)
	logger.Debug("Job started")

	// Jobs are not interrupted mid-run; shutdown waits for them instead.
	runCtx := context.WithoutCancel(ctx)
	var (
		result model.JobResult
		err    error
	)
	if reg == nil {
		err = fmt.Errorf("run %q: %w", job.Type, custom_errors.ErrUnknownJobType)
	} else {
		result, err = runHandler(runCtx, reg.handler, running)
	}

	now := p.clock.Now().UTC()
	var retryIn time.Duration
	p.mu.Lock()
	job.UpdatedAt = now
	if err == nil {
		job.Status = model.JobCompleted
		job.Result = &result
		job.CompletedAt = &now
	} else {
		job.Errors = append(job.Errors, err.Error())
		job.RetryCount++
		if custom_errors.IsRetryable(err) && job.RetryCount < job.MaxRetries && !p.stopped {
			retryIn = p.cfg.RetryBase << (job.RetryCount - 1)
			next := now.Add(retryIn)
			job.Status = model.JobRetrying
			job.NextRetryAt = &next
		} else if custom_errors.IsRetryable(err) && job.RetryCount < job.MaxRetries {
			// Stopping: leave it for recovery on the next start.
			job.Status = model.JobRetrying
		} else {
			job.Status = model.JobFailed
			job.CompletedAt = &now
			job.DeadLettered = true
			p.deadLetters = append(p.deadLetters, job.ID)
		}
	}
	snapshot := job.Clone()
	p.mu.Unlock()

	switch snapshot.Status {
	case model.JobCompleted:
		logger.Info("Job completed", "processed", result.ProcessedCount, "failed", result.FailedCount)
	case model.JobRetrying:
		logger.Warn("Job failed, retry scheduled", "error", err, "retry_count", snapshot.RetryCount, "retry_in", retryIn)
	case model.JobFailed:
		logger.Error("Job failed permanently, moved to dead-letter queue", "error", err, "retry_count", snapshot.RetryCount)
	}
	p.record(ctx, snapshot)

	// The timer starts only after the retrying state is persisted.
	if retryIn > 0 {
		p.mu.Lock()
		if !p.stopped {
			id := job.ID
			p.timers[id] = p.clock.AfterFunc(retryIn, func() { p.requeue(id) })
		}
		p.mu.Unlock()
	}
}

func (p *Pipeline) requeue(id string) {
	p.mu.Lock()
	delete(p.timers, id)
	job, ok := p.jobs[id]
	if p.stopped || !ok || job.Status != model.JobRetrying {
		p.mu.Unlock()
		return
	}
	job.NextRetryAt = nil
	job.UpdatedAt = p.clock.Now().UTC()
	p.enqueueLocked(job)
	snapshot := job.Clone()
	ctx := p.ctx
	p.mu.Unlock()

	p.record(ctx, snapshot)
	p.signal()
}

// enqueueLocked marks job queued and pushes it behind every queued job of the
// same priority. p.mu must be held.
func (p *Pipeline) enqueueLocked(job *model.Job) {
	job.Status = model.JobQueued
	p.seq++
	heap.Push(&p.queue, &queueItem{job: job, weight: job.Priority.Weight(), seq: p.seq})
}

// record persists a job snapshot and publishes it as job:<status>.
func (p *Pipeline) record(ctx context.Context, job *model.Job) {
	if err := p.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		p.logger.Error("Failed to persist job transition", "job_id", job.ID, "status", job.Status, "error", err)
	}
	if p.events != nil {
		p.events.Publish("job:"+string(job.Status), job)
	}
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func runHandler(ctx context.Context, h Handler, job *model.Job) (result model.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, job)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return v, nil
	case []byte:
		return encodePayload(json.RawMessage(v))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

func validatePayload(schema *jsonschema.Schema, jobType string, raw json.RawMessage) error {
	if schema == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &custom_errors.ValidationError{Kind: "payload", Key: jobType, Reasons: []string{err.Error()}}
	}
	if err := schema.Validate(inst); err != nil {
		var reasons []string
		for _, line := range strings.Split(err.Error(), "\n") {
			if line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-")); line != "" {
				reasons = append(reasons, line)
			}
		}
		return &custom_errors.ValidationError{Kind: "payload", Key: jobType, Reasons: reasons}
	}
	return nil
}

func sortByCreation(jobs []*model.Job) {
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
}
