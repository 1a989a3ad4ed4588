package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	custom_errors "github-ingest/internal/errors"
	"github-ingest/internal/model"
	"github-ingest/internal/pipeline"
	"github-ingest/internal/progress"
	"github-ingest/internal/store"
	"github-ingest/internal/syncer"
)

type stubRateLimits struct {
	status model.RateLimitStatus
	err    error
}

func (s stubRateLimits) GetRateLimit(context.Context) (model.RateLimitStatus, error) {
	return s.status, s.err
}

func noop(context.Context, *model.Job) (model.JobResult, error) {
	return model.JobResult{Success: true}, nil
}

type HandlerSuite struct {
	suite.Suite
	jobs   *pipeline.Pipeline
	rates  stubRateLimits
	server *httptest.Server
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

// SetupTest builds a router over a pipeline that is never started, so
// submitted jobs stay queued.
func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.jobs = pipeline.New(pipeline.DefaultConfig(), store.NewMemory(), nil, logger)
	s.Require().NoError(s.jobs.Register(syncer.JobSyncFull, noop))
	s.Require().NoError(s.jobs.Register(syncer.JobSyncIncremental, noop))
	s.rates = stubRateLimits{status: model.RateLimitStatus{Limit: 5000, Remaining: 4321}}
	s.server = s.newServer("")
}

func (s *HandlerSuite) TearDownTest() {
	s.server.Close()
	s.jobs.Stop()
}

func (s *HandlerSuite) newServer(secret string) *httptest.Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return httptest.NewServer(NewRouter(Deps{
		Pipeline:     s.jobs,
		RateLimits:   &s.rates,
		Webhook:      http.NotFoundHandler(),
		Events:       progress.NewBroadcaster(8, logger),
		SSEKeepAlive: time.Second,
		JWTSecret:    secret,
		JobRetention: time.Hour,
		Logger:       logger,
	}))
}

func (s *HandlerSuite) do(method, path, body string, headers ...string) (*http.Response, []byte) {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, s.server.URL+path, r)
	s.Require().NoError(err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp, data
}

func (s *HandlerSuite) TestHealthCheck() {
	resp, body := s.do(http.MethodGet, "/health", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.JSONEq(`{"status": "ok"}`, string(body))
}

func (s *HandlerSuite) TestTriggerFullSync() {
	resp, body := s.do(http.MethodPost, "/v1/sync", `{"owner": "acme", "repositories": ["api"], "priority": "high"}`)
	s.Require().Equal(http.StatusAccepted, resp.StatusCode, string(body))
	s.Equal("application/json", resp.Header.Get("Content-Type"))

	var job model.Job
	s.Require().NoError(json.Unmarshal(body, &job))
	s.Equal(syncer.JobSyncFull, job.Type)
	s.Equal(model.PriorityHigh, job.Priority)
	s.Equal(model.JobQueued, job.Status)
	s.JSONEq(`{"owner": "acme", "repositories": ["api"]}`, string(job.Payload))

	resp, body = s.do(http.MethodGet, "/v1/jobs/"+job.ID, "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), job.ID)
}

func (s *HandlerSuite) TestTriggerIncrementalSync_EmptyBody() {
	resp, body := s.do(http.MethodPost, "/v1/sync/incremental", "")
	s.Require().Equal(http.StatusAccepted, resp.StatusCode, string(body))
	s.Len(s.jobs.List(model.JobQueued), 1)
}

func (s *HandlerSuite) TestTriggerSync_BadRequests() {
	cases := map[string]string{
		"unknown priority": `{"priority": "urgent"}`,
		"unknown field":    `{"owners": "acme"}`,
		"malformed":        `{"owner":`,
	}
	for name, body := range cases {
		s.Run(name, func() {
			resp, _ := s.do(http.MethodPost, "/v1/sync", body)
			s.Equal(http.StatusBadRequest, resp.StatusCode)
		})
	}
	s.Empty(s.jobs.List(""))
}

func (s *HandlerSuite) TestTriggerSync_StoppedPipeline() {
	s.jobs.Stop()
	resp, _ := s.do(http.MethodPost, "/v1/sync", `{}`)
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func (s *HandlerSuite) TestJobs() {
	resp, _ := s.do(http.MethodGet, "/v1/jobs/does-not-exist", "")
	s.Equal(http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/v1/jobs?status=bogus", "")
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	_, err := s.jobs.Submit(context.Background(), syncer.JobSyncFull, nil)
	s.Require().NoError(err)

	resp, body := s.do(http.MethodGet, "/v1/jobs?status=queued", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	var jobs []model.Job
	s.Require().NoError(json.Unmarshal(body, &jobs))
	s.Len(jobs, 1)

	resp, body = s.do(http.MethodGet, "/v1/jobs?status=completed", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	jobs = nil
	s.Require().NoError(json.Unmarshal(body, &jobs))
	s.Empty(jobs)
}

func (s *HandlerSuite) TestDeadLetters() {
	resp, _ := s.do(http.MethodGet, "/v1/jobs/dead-letter", "")
	s.Equal(http.StatusOK, resp.StatusCode)

	resp, body := s.do(http.MethodPost, "/v1/jobs/dead-letter/retry", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.JSONEq(`{"resubmitted": 0}`, string(body))
}

func (s *HandlerSuite) TestCleanup() {
	resp, _ := s.do(http.MethodPost, "/v1/jobs/cleanup?olderThan=yesterday", "")
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, body := s.do(http.MethodPost, "/v1/jobs/cleanup?olderThan=1h", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.JSONEq(`{"removed": 0}`, string(body))
}

func (s *HandlerSuite) TestPauseResume() {
	resp, body := s.do(http.MethodPost, "/v1/pipeline/pause", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), `"paused":true`)
	s.True(s.jobs.Paused())

	resp, body = s.do(http.MethodPost, "/v1/pipeline/resume", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), `"paused":false`)
	s.False(s.jobs.Paused())
}

func (s *HandlerSuite) TestRateLimit() {
	resp, body := s.do(http.MethodGet, "/v1/rate-limit", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), `"remaining":4321`)

	s.rates.err = &custom_errors.AuthError{Reason: "get rate limit", Err: errors.New("bad credentials")}
	resp, _ = s.do(http.MethodGet, "/v1/rate-limit", "")
	s.Equal(http.StatusBadGateway, resp.StatusCode)
}

func (s *HandlerSuite) TestJWT() {
	const secret = "admin-secret"
	s.server.Close()
	s.server = s.newServer(secret)

	sign := func(method jwt.SigningMethod, key any, exp time.Time) string {
		token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		signed, err := token.SignedString(key)
		s.Require().NoError(err)
		return signed
	}

	resp, _ := s.do(http.MethodGet, "/v1/jobs", "")
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/v1/jobs", "", "Authorization", "Bearer "+sign(jwt.SigningMethodHS256, []byte("other"), time.Now().Add(time.Hour)))
	s.Equal(http.StatusUnauthorized, resp.StatusCode, "wrong key")

	resp, _ = s.do(http.MethodGet, "/v1/jobs", "", "Authorization", "Bearer "+sign(jwt.SigningMethodHS256, []byte(secret), time.Now().Add(-time.Minute)))
	s.Equal(http.StatusUnauthorized, resp.StatusCode, "expired")

	resp, _ = s.do(http.MethodGet, "/v1/jobs", "", "Authorization", "Bearer "+sign(jwt.SigningMethodHS512, []byte(secret), time.Now().Add(time.Hour)))
	s.Equal(http.StatusUnauthorized, resp.StatusCode, "only HS256 is accepted")

	resp, _ = s.do(http.MethodGet, "/v1/jobs", "", "Authorization", "Bearer "+sign(jwt.SigningMethodHS256, []byte(secret), time.Now().Add(time.Hour)))
	s.Equal(http.StatusOK, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/health", "")
	s.Equal(http.StatusOK, resp.StatusCode, "health stays public")
}

func TestSubjectFromContext(t *testing.T) {
	assert.Equal(t, "anonymous", SubjectFromContext(context.Background()))
	ctx := context.WithValue(context.Background(), contextKeySubject, "ops")
	assert.Equal(t, "ops", SubjectFromContext(ctx))
}

func TestValidateToken_NoExpiry(t *testing.T) {
	key := []byte("k")
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"}).SignedString(key)
	require.NoError(t, err)
	_, err = validateToken(signed, key)
	assert.Error(t, err)
}
