package github

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	custom_errors "github-ingest/internal/errors"
	"github-ingest/internal/model"

	"github.com/google/go-github/v62/github"
)

// GetRateLimit asks the API for the current core quota. The call itself does
// not count against the quota and is never cached.
func (c *Client) GetRateLimit(ctx context.Context) (model.RateLimitStatus, error) {
	var limits *github.RateLimits
	err := c.do(ctx, "get rate limit", func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		limits, resp, err = c.gh.RateLimit.Get(ctx)
		return resp, err
	})
	if err != nil {
		return model.RateLimitStatus{}, err
	}
	core := limits.GetCore()
	if core == nil {
		return c.LastRateLimit(), nil
	}
	status := model.RateLimitStatus{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		ResetTime: core.Reset.Time,
	}
	c.rateMu.Lock()
	c.lastRate = status
	c.rateMu.Unlock()
	return status, nil
}

// LastRateLimit returns the quota reported by the most recent response,
// without a network call.
func (c *Client) LastRateLimit() model.RateLimitStatus {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	return c.lastRate
}

// WaitForQuota blocks until at least n requests can be issued. When the
// remaining quota is insufficient it sleeps until the reported reset time plus
// the configured buffer. The check is advisory: concurrent callers sharing
// the same credential can still exceed the budget between checks.
func (c *Client) WaitForQuota(ctx context.Context, n int) error {
	status, err := c.GetRateLimit(ctx)
	if err != nil {
		return fmt.Errorf("check rate limit: %w", err)
	}
	if status.Remaining >= n {
		return nil
	}
	wait := status.ResetTime.Add(c.cfg.ResetBuffer).Sub(c.clock.Now())
	if wait <= 0 {
		return nil
	}
	c.logger.Warn("Rate limit quota insufficient, waiting for reset",
		"needed", n, "remaining", status.Remaining, "reset", status.ResetTime, "wait", wait)
	return c.clock.Sleep(ctx, wait)
}

// do runs call, retrying on rate limiting and transient failures up to
// cfg.MaxAttempts times in total.
func (c *Client) do(ctx context.Context, op string, call func() (*github.Response, error)) error {
	var (
		lastErr     error
		rateLimited bool
	)
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		resp, err := call()
		if resp != nil {
			c.recordRate(resp.Rate)
		}
		if err == nil {
			return nil
		}
		lastErr = err

		delay, retry, limited := c.classify(err, attempt)
		if !retry {
			return c.terminal(op, err)
		}
		rateLimited = rateLimited || limited
		if attempt == c.cfg.MaxAttempts-1 {
			break
		}

		c.logger.Warn("Request failed, retrying",
			"op", op, "attempt", attempt+1, "max_attempts", c.cfg.MaxAttempts, "delay", delay, "error", err)
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	if rateLimited {
		return &custom_errors.RateLimitError{Op: op, Attempts: c.cfg.MaxAttempts, Err: lastErr}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, c.cfg.MaxAttempts, lastErr)
}

// classify decides whether err is worth another attempt and how long to wait first.
func (c *Client) classify(err error, attempt int) (delay time.Duration, retry, rateLimited bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false, false
	}

	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		delay = c.backoff(attempt)
		if untilReset := rle.Rate.Reset.Time.Add(c.cfg.ResetBuffer).Sub(c.clock.Now()); untilReset > delay {
			delay = untilReset
		}
		return delay, true, true
	}

	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		if d := abuse.GetRetryAfter(); d > 0 {
			return d, true, true
		}
		return c.backoff(attempt), true, true
	}

	var accepted *github.AcceptedError
	if errors.As(err, &accepted) {
		return c.backoff(attempt), true, false
	}

	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		switch code := er.Response.StatusCode; {
		case code == http.StatusTooManyRequests:
			delay = c.backoff(attempt)
			if ra := retryAfter(er.Response); ra > delay {
				delay = ra
			}
			return delay, true, true
		case code >= 500:
			return c.backoff(attempt), true, false
		default:
			return 0, false, false
		}
	}

	// Anything else is a transport failure.
	return c.backoff(attempt), true, false
}

// terminal maps a non-retryable error onto the error taxonomy. Rate-limit
// 403s never get here; classify retries them.
func (c *Client) terminal(op string, err error) error {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		switch er.Response.StatusCode {
		case http.StatusUnauthorized:
			return &custom_errors.AuthError{Reason: op + ": token rejected", Err: err}
		case http.StatusForbidden:
			return &custom_errors.AuthError{Reason: op + ": access forbidden", Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// backoff returns base × factor^attempt, capped at BackoffMax.
func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.cfg.BackoffBase) * math.Pow(c.cfg.BackoffFactor, float64(attempt))
	if c.cfg.BackoffMax > 0 && d > float64(c.cfg.BackoffMax) {
		return c.cfg.BackoffMax
	}
	return time.Duration(d)
}

func (c *Client) recordRate(r github.Rate) {
	if r.Limit == 0 && r.Reset.IsZero() {
		return
	}
	c.rateMu.Lock()
	c.lastRate = model.RateLimitStatus{Limit: r.Limit, Remaining: r.Remaining, ResetTime: r.Reset.Time}
	c.rateMu.Unlock()
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}
