//go:build integration

// cmd/service/integration_test.go
package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github-ingest/internal/api"
	"github-ingest/internal/github"
	"github-ingest/internal/model"
	"github-ingest/internal/pipeline"
	"github-ingest/internal/progress"
	"github-ingest/internal/store"
	"github-ingest/internal/syncer"
	"github-ingest/internal/webhook"
)

const webhookSecret = "integration-secret"

func setupTestDatabase(ctx context.Context, t *testing.T) *store.Postgres {
	t.Helper()
	// Start a postgres container
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, pgContainer)
	require.NoError(t, err)

	// Get the connection string
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations the way the service does, from the repository root
	t.Chdir("../..")
	require.NoError(t, runMigrations(connStr))

	st, err := store.NewPostgres(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

// fakeGitHub serves a single organisation with one repository.
func fakeGitHub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/rate_limit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"resources": {"core": {"limit": 5000, "remaining": 4990, "reset": %d}}}`, time.Now().Add(time.Hour).Unix())
	})
	mux.HandleFunc("/api/v3/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": 123, "name": "api", "full_name": "acme/api", "owner": {"login": "acme"},
			"html_url": "https://github.com/acme/api", "language": "Go", "stargazers_count": 7,
			"created_at": "2023-01-01T00:00:00Z", "updated_at": "2024-01-02T00:00:00Z", "pushed_at": "2024-01-02T00:00:00Z"}]`)
	})
	mux.HandleFunc("/api/v3/repos/acme/api/issues", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id": 1, "number": 1, "title": "Crash on start", "state": "open", "body": "boom",
			"labels": [{"name": "critical"}], "user": {"login": "ada"},
			"html_url": "https://github.com/acme/api/issues/1",
			"created_at": "2024-01-01T00:00:00Z", "updated_at": "2024-01-01T00:00:00Z"}]`)
	})
	mux.HandleFunc("/api/v3/repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/api/v3/repos/acme/api/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"sha": "abc", "commit": {"author": {"name": "tester", "email": "t@t.com", "date": "2024-01-01T12:00:00Z"}, "message": "feat: new feature"}, "html_url": "url1"},
			{"sha": "def", "commit": {"author": {"name": "tester", "email": "t@t.com", "date": "2024-01-02T12:00:00Z"}, "message": "fix: a bug"}, "html_url": "url2"}
		]`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestService_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	st := setupTestDatabase(ctx, t)
	gh := fakeGitHub(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := github.DefaultConfig()
	cfg.BaseURL = gh.URL
	ghClient, err := github.NewClient(cfg, logger)
	require.NoError(t, err)

	events := progress.NewBroadcaster(64, logger)
	jobs := pipeline.New(pipeline.Config{Workers: 1, MaxRetries: 1, RetryBase: 10 * time.Millisecond}, st, events, logger)
	appSyncer, err := syncer.NewSyncer(ghClient, st, events, logger, syncer.Config{Owner: "acme", SourceTag: "github"})
	require.NoError(t, err)
	require.NoError(t, appSyncer.RegisterJobs(jobs))
	require.NoError(t, jobs.Start(ctx))
	t.Cleanup(jobs.Stop)

	server := httptest.NewServer(api.NewRouter(api.Deps{
		Pipeline:     jobs,
		RateLimits:   ghClient,
		Webhook:      webhook.NewHandler(webhookSecret, st, events, logger),
		Events:       events,
		SSEKeepAlive: time.Second,
		JobRetention: time.Hour,
		Logger:       logger,
	}))
	t.Cleanup(server.Close)

	// --- ACT ---
	// Trigger a full sync over the admin API and wait for the job to finish.
	resp, err := http.Post(server.URL+"/v1/sync", "application/json", bytes.NewBufferString(`{"owner": "acme"}`))
	require.NoError(t, err)
	var job model.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		got, err := jobs.Get(job.ID)
		return err == nil && got.Status == model.JobCompleted
	}, 30*time.Second, 50*time.Millisecond)

	// --- ASSERT ---
	project, err := st.GetProjectByURL(ctx, "https://github.com/acme/api")
	require.NoError(t, err)
	assert.Equal(t, "api", project.Name)

	bug, err := st.GetBug(ctx, "ACME/API-1")
	require.NoError(t, err)
	assert.Equal(t, model.BugStatusOpen, bug.Status)

	last, err := st.FindLatestSuccessfulRun(ctx, "github")
	require.NoError(t, err)
	require.NotNil(t, last, "a clean full sync becomes the incremental watermark")

	persisted, err := st.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, model.JobCompleted, persisted[0].Status)

	// A signed webhook closes the bug and records its history.
	payload := []byte(`{"action": "closed",
		"issue": {"id": 1, "number": 1, "title": "Crash on start", "state": "closed", "labels": [{"name": "critical"}],
			"user": {"login": "ada"}, "html_url": "https://github.com/acme/api/issues/1",
			"created_at": "2024-01-01T00:00:00Z", "updated_at": "2024-01-03T00:00:00Z", "closed_at": "2024-01-03T00:00:00Z"},
		"repository": {"id": 123, "name": "api", "full_name": "acme/api", "owner": {"login": "acme"},
			"html_url": "https://github.com/acme/api"}}`)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(payload)
	req, err := http.NewRequest(http.MethodPost, server.URL+"/webhooks/github", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.EventHeader, "issues")
	req.Header.Set(webhook.DeliveryHeader, "delivery-1")
	req.Header.Set(webhook.SignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bug, err = st.GetBug(ctx, "ACME/API-1")
	require.NoError(t, err)
	assert.Equal(t, model.BugStatusClosed, bug.Status)
}
