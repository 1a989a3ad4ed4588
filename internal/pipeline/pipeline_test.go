package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-ingest/internal/clock"
	custom_errors "github-ingest/internal/errors"
	"github-ingest/internal/model"
	"github-ingest/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingPublisher) Publish(name string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *recordingPublisher) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *store.Memory, *recordingPublisher) {
	t.Helper()
	mem := store.NewMemory()
	pub := &recordingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(cfg, mem, pub, logger)
	t.Cleanup(p.Stop)
	return p, mem, pub
}

func waitForStatus(t *testing.T, p *Pipeline, id string, want model.JobStatus) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		j, err := p.Get(id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 3*time.Second, 2*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func succeed(context.Context, *model.Job) (model.JobResult, error) {
	return model.JobResult{Success: true, ProcessedCount: 1}, nil
}

func TestPipeline_PriorityOrder(t *testing.T) {
	p, _, _ := newTestPipeline(t, Config{Workers: 1, MaxRetries: 1, RetryBase: time.Millisecond})

	var mu sync.Mutex
	var order []string
	require.NoError(t, p.Register("record", func(_ context.Context, job *model.Job) (model.JobResult, error) {
		var payload struct{ Name string }
		_ = json.Unmarshal(job.Payload, &payload)
		mu.Lock()
		order = append(order, payload.Name)
		mu.Unlock()
		return model.JobResult{Success: true}, nil
	}))

	ctx := context.Background()
	submissions := []struct {
		name     string
		priority model.Priority
	}{
		{"low", model.PriorityLow},
		{"normal-1", model.PriorityNormal},
		{"critical", model.PriorityCritical},
		{"normal-2", model.PriorityNormal},
		{"high", model.PriorityHigh},
	}
	var last *model.Job
	for _, s := range submissions {
		job, err := p.Submit(ctx, "record", map[string]string{"Name": s.name}, WithPriority(s.priority))
		require.NoError(t, err)
		assert.Equal(t, model.JobQueued, job.Status)
		last = job
	}

	require.NoError(t, p.Start(ctx))
	waitForStatus(t, p, last.ID, model.JobCompleted)
	require.Eventually(t, func() bool { return len(p.List(model.JobCompleted)) == len(submissions) }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"critical", "high", "normal-1", "normal-2", "low"}, order)
}

func TestPipeline_RetryThenSucceed(t *testing.T) {
	p, mem, pub := newTestPipeline(t, Config{Workers: 2, MaxRetries: 3, RetryBase: time.Millisecond})

	var attempts atomic.Int32
	require.NoError(t, p.Register("flaky", func(context.Context, *model.Job) (model.JobResult, error) {
		if attempts.Add(1) < 3 {
			return model.JobResult{}, errors.New("upstream unavailable")
		}
		return model.JobResult{Success: true, ProcessedCount: 7}, nil
	}))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	job, err := p.Submit(ctx, "flaky", nil)
	require.NoError(t, err)

	done := waitForStatus(t, p, job.ID, model.JobCompleted)
	assert.Equal(t, 2, done.RetryCount)
	assert.Len(t, done.Errors, 2)
	assert.False(t, done.DeadLettered)
	require.NotNil(t, done.Result)
	assert.Equal(t, 7, done.Result.ProcessedCount)
	assert.Empty(t, p.DeadLetters())
	assert.Equal(t, 2, pub.count("job:retrying"))

	persisted, err := mem.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, model.JobCompleted, persisted[0].Status)
}

func TestPipeline_RetryBackoffDoubles(t *testing.T) {
	p, _, _ := newTestPipeline(t, Config{Workers: 1, MaxRetries: 4, RetryBase: time.Second})
	fake := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	p.clock = fake

	var attempts atomic.Int32
	require.NoError(t, p.Register("flaky", func(context.Context, *model.Job) (model.JobResult, error) {
		attempts.Add(1)
		return model.JobResult{}, errors.New("connection reset by peer")
	}))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	job, err := p.Submit(ctx, "flaky", nil)
	require.NoError(t, err)

	for i, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		require.Eventually(t, func() bool { return fake.Pending() == 1 }, 3*time.Second, 2*time.Millisecond)
		got, err := p.Get(job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobRetrying, got.Status)
		require.NotNil(t, got.NextRetryAt)
		assert.Equal(t, fake.Now().Add(delay), *got.NextRetryAt)

		fake.Advance(delay - time.Millisecond)
		assert.Equal(t, int32(i+1), attempts.Load(), "retry must wait the full delay")
		fake.Advance(time.Millisecond)
		require.Eventually(t, func() bool { return attempts.Load() == int32(i+2) }, 3*time.Second, 2*time.Millisecond)
	}

	done := waitForStatus(t, p, job.ID, model.JobFailed)
	assert.Equal(t, 4, done.RetryCount)
	assert.True(t, done.DeadLettered)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, fake.Scheduled())
	assert.Zero(t, fake.Pending())
}

func TestPipeline_StopCancelsRetryTimer(t *testing.T) {
	p, _, _ := newTestPipeline(t, Config{Workers: 1, MaxRetries: 3, RetryBase: time.Minute})
	fake := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	p.clock = fake

	require.NoError(t, p.Register("flaky", func(context.Context, *model.Job) (model.JobResult, error) {
		return model.JobResult{}, errors.New("upstream unavailable")
	}))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	job, err := p.Submit(ctx, "flaky", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fake.Pending() == 1 }, 3*time.Second, 2*time.Millisecond)

	p.Stop()
	assert.Zero(t, fake.Pending())
	fake.Advance(time.Hour)
	got, err := p.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobRetrying, got.Status)
}

func TestPipeline_ExhaustedRetriesDeadLetterOnce(t *testing.T) {
	p, _, pub := newTestPipeline(t, Config{Workers: 3, MaxRetries: 3, RetryBase: time.Millisecond})

	var attempts atomic.Int32
	require.NoError(t, p.Register("broken", func(context.Context, *model.Job) (model.JobResult, error) {
		attempts.Add(1)
		return model.JobResult{}, errors.New("boom")
	}))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	job, err := p.Submit(ctx, "broken", nil)
	require.NoError(t, err)

	failed := waitForStatus(t, p, job.ID, model.JobFailed)
	assert.Equal(t, 3, failed.RetryCount)
	assert.True(t, failed.DeadLettered)
	assert.NotNil(t, failed.CompletedAt)
	assert.Equal(t, int32(3), attempts.Load())

	// Give a stray timer the chance to misbehave.
	time.Sleep(20 * time.Millisecond)
	dead := p.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)
	assert.Equal(t, 1, pub.count("job:failed"))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestPipeline_NonRetryableFailsImmediately(t *testing.T) {
	p, _, _ := newTestPipeline(t, Config{Workers: 1, MaxRetries: 5, RetryBase: time.Millisecond})

	var attempts atomic.Int32
	require.NoError(t, p.Register("strict", func(context.Context, *model.Job) (model.JobResult, error) {
		attempts.Add(1)
		return model.JobResult{}, &custom_errors.ValidationError{Kind: "payload", Reasons: []string{"bad"}}
	}))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	job, err := p.Submit(ctx, "strict", nil)
	require.NoError(t, err)

	failed := waitForStatus(t, p, job.ID, model.JobFailed)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Len(t, p.DeadLetters(), 1)
}

func TestPipeline_HandlerPanicIsAFailure(t *testing.T) {
	p, _, _ := newTestPipeline(t, Config{Workers: 1, MaxRetries: 1, RetryBase: time.Millisecond})
	require.NoError(t, p.Register("panics", func(context.Context, *model.Job) (model.JobResult, error) {
		panic("nil map")
	}))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	job, err := p.Submit(ctx, "panics", nil)
	require.NoError(t, err)

	failed := waitForStatus(t, p, job.ID, model.JobFailed)
	require.Len(t, failed.Errors, 1)
	assert.Contains(t, failed.Errors[0], "handler panic: nil map")
}

func TestPipeline_UnsuccessfulResultStillCompletes(t *testing.T) {
	p, _, _ := newTestPipeline(t, Config{Workers: 1, MaxRetries: 2, RetryBase: time.Millisecond})
	require.NoError(t, p.Register("partial", func(context.Context, *model.Job) (model.JobResult, error) {
		return model.JobResult{Success: false, ProcessedCount: 2, FailedCount: 1, Errors: []string{"one bad record"}}, nil
	}))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	job, err := p.Submit(ctx, "partial", nil)
	require.NoError(t, err)

	done := waitForStatus(t, p, job.ID, model.JobCompleted)
	assert.Equal(t, 0, done.RetryCount)
	assert.False(t, done.Result.Success)
	assert.Equal(t, 1, done.Result.FailedCount)
}

func TestPipeline_SubmitValidation(t *testing.T) {
	p, _, _ := newTestPipeline(t, DefaultConfig())
	schema := `{
		"type": "object",
		"required": ["owner"],
		"properties": {"owner": {"type": "string", "minLength": 1}}
	}`
	require.NoError(t, p.Register("sync.full", succeed, WithPayloadSchema(schema)))
	ctx := context.Background()

	t.Run("unknown type", func(t *testing.T) {
		_, err := p.Submit(ctx, "nope", nil)
		assert.ErrorIs(t, err, custom_errors.ErrUnknownJobType)
	})

	t.Run("payload missing required field", func(t *testing.T) {
		_, err := p.Submit(ctx, "sync.full", map[string]any{"concurrency": 2})
		var verr *custom_errors.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "payload", verr.Kind)
		assert.NotEmpty(t, verr.Reasons)
	})

	t.Run("malformed raw payload", func(t *testing.T) {
		_, err := p.Submit(ctx, "sync.full", json.RawMessage(`{"owner":`))
		assert.True(t, custom_errors.IsValidation(err))
	})

	t.Run("unknown priority", func(t *testing.T) {
		_, err := p.Submit(ctx, "sync.full", map[string]string{"owner": "acme"}, WithPriority("urgent"))
		assert.True(t, custom_errors.IsValidation(err))
	})

	t.Run("valid payload", func(t *testing.T) {
		job, err := p.Submit(ctx, "sync.full", map[string]string{"owner": "acme"}, WithPriority(model.PriorityHigh), WithMaxRetries(5))
		require.NoError(t, err)
		assert.Equal(t, model.PriorityHigh, job.Priority)
		assert.Equal(t, 5, job.MaxRetries)
		assert.JSONEq(t, `{"owner":"acme"}`, string(job.Payload))
	})

	t.Run("invalid schema", func(t *testing.T) {
		err := p.Register("bad", succeed, WithPayloadSchema(`{"type": 12`))
		assert.Error(t, err)
	})
}

func TestPipeline_RetryDeadLetters(t *testing.T) {
	p, _, _ := newTestPipeline(t, Config{Workers: 1, MaxRetries: 1, RetryBase: time.Millisecond})

	var healthy atomic.Bool
	require.NoError(t, p.Register("gated", func(context.Context, *model.Job) (model.JobResult, error) {
		if !healthy.Load() {
			return model.JobResult{}, errors.New("dependency down")
		}
		return model.JobResult{Success: true}, nil
	}))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	job, err := p.Submit(ctx, "gated", nil)
	require.NoError(t, err)
	waitForStatus(t, p, job.ID, model.JobFailed)
	require.Len(t, p.DeadLetters(), 1)

	healthy.Store(true)
	n, err := p.RetryDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done := waitForStatus(t, p, job.ID, model.JobCompleted)
	assert.Equal(t, 0, done.RetryCount)
	assert.False(t, done.DeadLettered)
	assert.Empty(t, p.DeadLetters())
	assert.Len(t, done.Errors, 1, "error history survives a resubmit")
}

func TestPipeline_PauseResume(t *testing.T) {
	p, _, _ := newTestPipeline(t, Config{Workers: 2, MaxRetries: 1, RetryBase: time.Millisecond})
	require.NoError(t, p.Register("noop", succeed))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	p.Pause()
	assert.True(t, p.Paused())
	job, err := p.Submit(ctx, "noop", nil)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	got, err := p.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, got.Status)

	p.Resume()
	waitForStatus(t, p, job.ID, model.JobCompleted)
	assert.Equal(t, 1, p.Stats()[model.JobCompleted])
}

func TestPipeline_Cleanup(t *testing.T) {
	p, mem, _ := newTestPipeline(t, Config{Workers: 1, MaxRetries: 1, RetryBase: time.Millisecond})
	fake := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	p.clock = fake

	require.NoError(t, p.Register("noop", succeed))
	require.NoError(t, p.Register("broken", func(context.Context, *model.Job) (model.JobResult, error) {
		return model.JobResult{}, errors.New("boom")
	}))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	old, err := p.Submit(ctx, "noop", nil)
	require.NoError(t, err)
	waitForStatus(t, p, old.ID, model.JobCompleted)
	failed, err := p.Submit(ctx, "broken", nil)
	require.NoError(t, err)
	waitForStatus(t, p, failed.ID, model.JobFailed)

	fake.Advance(2 * time.Hour)
	recent, err := p.Submit(ctx, "noop", nil)
	require.NoError(t, err)
	waitForStatus(t, p, recent.ID, model.JobCompleted)

	n, err := p.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = p.Get(old.ID)
	assert.ErrorIs(t, err, custom_errors.ErrNotFound)
	_, err = p.Get(failed.ID)
	assert.NoError(t, err, "failed jobs are kept")
	_, err = p.Get(recent.ID)
	assert.NoError(t, err)

	persisted, err := mem.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestPipeline_RecoversPersistedJobs(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	created := time.Now().Add(-time.Minute).UTC()
	seed := []*model.Job{
		{ID: "11111111-1111-1111-1111-111111111111", Type: "noop", Priority: model.PriorityNormal, Status: model.JobProcessing, MaxRetries: 3, CreatedAt: created, UpdatedAt: created},
		{ID: "22222222-2222-2222-2222-222222222222", Type: "noop", Priority: model.PriorityNormal, Status: model.JobRetrying, RetryCount: 1, MaxRetries: 3, CreatedAt: created.Add(time.Second), UpdatedAt: created},
		{ID: "33333333-3333-3333-3333-333333333333", Type: "noop", Priority: model.PriorityNormal, Status: model.JobFailed, DeadLettered: true, RetryCount: 3, MaxRetries: 3, CreatedAt: created.Add(2 * time.Second), UpdatedAt: created},
	}
	for _, j := range seed {
		require.NoError(t, mem.SaveJob(ctx, j))
	}

	p := New(Config{Workers: 2, MaxRetries: 3, RetryBase: time.Millisecond}, mem, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(p.Stop)
	require.NoError(t, p.Register("noop", succeed))
	require.NoError(t, p.Start(ctx))

	waitForStatus(t, p, seed[0].ID, model.JobCompleted)
	waitForStatus(t, p, seed[1].ID, model.JobCompleted)

	dead := p.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, seed[2].ID, dead[0].ID)

	assert.Error(t, p.Start(ctx), "second start is rejected")
}

func TestPipeline_SubmitAfterStop(t *testing.T) {
	p, _, _ := newTestPipeline(t, DefaultConfig())
	require.NoError(t, p.Register("noop", succeed))
	require.NoError(t, p.Start(context.Background()))
	p.Stop()

	_, err := p.Submit(context.Background(), "noop", nil)
	assert.ErrorIs(t, err, custom_errors.ErrPipelineStopped)
}
