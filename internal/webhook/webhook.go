// Package webhook receives GitHub push notifications, verifies them and
// applies them through the same normalization path as polling sync.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v62/github"

	"github-ingest/internal/clock"
	custom_errors "github-ingest/internal/errors"
	"github-ingest/internal/github"
	"github-ingest/internal/model"
	"github-ingest/internal/normalizer"
)

const (
	// MaxBodyBytes caps the size of a delivery body.
	MaxBodyBytes = 5 << 20

	SignatureHeader = "X-Hub-Signature-256"
	EventHeader     = "X-GitHub-Event"
	DeliveryHeader  = "X-GitHub-Delivery"

	signaturePrefix = "sha256="

	// EventApplied is published after a delivery has been applied.
	EventApplied = "webhook:applied"
)

// Delivery states, logged as a delivery moves through the handler.
const (
	StateReceived = "received"
	StateVerified = "verified"
	StateRouted   = "routed"
	StateApplied  = "applied"
)

var errUnsupportedEvent = errors.New("unsupported event type")

type applier func(ctx context.Context, payload any) (string, error)

// Handler is the http.Handler for the inbound webhook endpoint.
type Handler struct {
	secret   []byte
	store    Store
	events   Publisher
	clock    clock.Clock
	logger   *slog.Logger
	appliers map[string]applier
}

func NewHandler(secret string, st Store, events Publisher, logger *slog.Logger) *Handler {
	h := &Handler{
		secret: []byte(secret),
		store:  st,
		events: events,
		clock:  clock.Real{},
		logger: logger.With("component", "webhook"),
	}
	h.appliers = map[string]applier{
		"push":         h.applyPush,
		"issues":       h.applyIssue,
		"pull_request": h.applyPullRequest,
		"repository":   h.applyRepository,
	}
	return h
}

type response struct {
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := gh.WebHookType(r)
	delivery := gh.DeliveryID(r)
	logger := h.logger.With("event", event, "delivery_id", delivery)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, response{Message: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, response{Message: "could not read body"})
		return
	}
	logger.Debug("Webhook delivery", "state", StateReceived, "bytes", len(body))

	if err := VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)); err != nil {
		logger.Warn("Webhook signature rejected", "error", err)
		writeJSON(w, http.StatusUnauthorized, response{Message: "invalid signature"})
		return
	}
	logger.Debug("Webhook delivery", "state", StateVerified)

	if event == "ping" {
		writeJSON(w, http.StatusOK, response{Message: "pong", Event: event})
		return
	}

	msg, err := h.Dispatch(r.Context(), event, body)
	switch {
	case errors.Is(err, errUnsupportedEvent):
		logger.Info("Ignoring unsupported webhook event")
		writeJSON(w, http.StatusBadRequest, response{Message: "unsupported event type", Event: event})
	case custom_errors.IsValidation(err):
		logger.Warn("Webhook payload rejected", "error", err)
		writeJSON(w, http.StatusBadRequest, response{Message: err.Error(), Event: event})
	case err != nil:
		logger.Error("Webhook handler failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, response{Message: "failed to process event", Event: event})
	default:
		logger.Info("Webhook delivery", "state", StateApplied, "result", msg)
		if h.events != nil {
			h.events.Publish(EventApplied, map[string]string{"event": event, "deliveryId": delivery, "result": msg})
		}
		writeJSON(w, http.StatusOK, response{Message: msg, Event: event})
	}
}

// Dispatch parses payload as the given event type and applies it. Event types
// without an applier return an error wrapping errUnsupportedEvent.
func (h *Handler) Dispatch(ctx context.Context, event string, payload []byte) (string, error) {
	apply, ok := h.appliers[event]
	if !ok {
		return "", fmt.Errorf("%w: %q", errUnsupportedEvent, event)
	}
	parsed, err := gh.ParseWebHook(event, payload)
	if err != nil {
		return "", &custom_errors.ValidationError{Kind: "payload", Key: event, Reasons: []string{err.Error()}}
	}
	h.logger.Debug("Webhook delivery", "state", StateRouted, "event", event)
	return apply(ctx, parsed)
}

// VerifySignature checks header, of the form "sha256=<hex>", against the
// HMAC-SHA256 of body under secret. The comparison is constant time.
func VerifySignature(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return &custom_errors.AuthError{Reason: "webhook secret is not configured"}
	}
	if header == "" {
		return &custom_errors.AuthError{Reason: "missing signature header"}
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return &custom_errors.AuthError{Reason: "signature must use sha256"}
	}
	if err := gh.ValidateSignature(header, body, secret); err != nil {
		return &custom_errors.AuthError{Reason: "signature mismatch", Err: err}
	}
	return nil
}

func (h *Handler) applyPush(ctx context.Context, payload any) (string, error) {
	ev, ok := payload.(*gh.PushEvent)
	if !ok || ev.GetRepo() == nil {
		return "", &custom_errors.ValidationError{Kind: "payload", Key: "push", Reasons: []string{"repository is missing"}}
	}
	project, err := h.ensureProject(ctx, github.ToInternalPushRepository(ev.GetRepo()))
	if err != nil {
		return "", err
	}
	at := ev.GetHeadCommit().GetTimestamp().Time
	if at.IsZero() {
		at = h.clock.Now().UTC()
	}
	if err := h.store.TouchProjectActivity(ctx, project.CanonicalURL, at); err != nil {
		return "", fmt.Errorf("touch project activity: %w", err)
	}
	return "project activity updated", nil
}

func (h *Handler) applyIssue(ctx context.Context, payload any) (string, error) {
	ev, ok := payload.(*gh.IssuesEvent)
	if !ok || ev.GetRepo() == nil || ev.GetIssue() == nil {
		return "", &custom_errors.ValidationError{Kind: "payload", Key: "issues", Reasons: []string{"repository or issue is missing"}}
	}
	if ev.GetIssue().IsPullRequest() {
		return "ignored pull request issue", nil
	}
	project, err := h.ensureProject(ctx, github.ToInternalRepository(ev.GetRepo()))
	if err != nil {
		return "", err
	}

	issue := github.ToInternalIssue(ev.GetIssue())
	now := h.clock.Now().UTC()
	bug := normalizer.Bug(project, issue, now)
	if err := normalizer.ValidateBug(bug); err != nil {
		return "", err
	}

	previous, err := h.store.GetBug(ctx, bug.BugNumber)
	if err != nil && !errors.Is(err, custom_errors.ErrNotFound) {
		return "", fmt.Errorf("get bug: %w", err)
	}
	if err := h.store.UpsertBugs(ctx, []model.NormalizedBug{bug}); err != nil {
		return "", fmt.Errorf("upsert bug: %w", err)
	}

	if strings.EqualFold(issue.State, "closed") && !closedStatus(previous) {
		entry := model.BugHistory{
			BugNumber: bug.BugNumber,
			ToStatus:  bug.Status,
			ChangedAt: now,
			Source:    "webhook",
		}
		if previous != nil {
			entry.FromStatus = previous.Status
		}
		if issue.ClosedAt != nil {
			entry.ChangedAt = issue.ClosedAt.UTC()
		}
		if err := h.store.AppendBugHistory(ctx, entry); err != nil {
			return "", fmt.Errorf("append bug history: %w", err)
		}
		return "bug " + bug.BugNumber + " closed", nil
	}
	return "bug " + bug.BugNumber + " upserted", nil
}

func (h *Handler) applyPullRequest(ctx context.Context, payload any) (string, error) {
	ev, ok := payload.(*gh.PullRequestEvent)
	if !ok || ev.GetRepo() == nil || ev.GetPullRequest() == nil {
		return "", &custom_errors.ValidationError{Kind: "payload", Key: "pull_request", Reasons: []string{"repository or pull request is missing"}}
	}
	project, err := h.ensureProject(ctx, github.ToInternalRepository(ev.GetRepo()))
	if err != nil {
		return "", err
	}
	pr := normalizer.PullRequest(project.CanonicalURL, github.ToInternalPullRequest(ev.GetPullRequest()))
	if err := normalizer.ValidatePullRequest(pr); err != nil {
		return "", err
	}
	if err := h.store.UpsertPullRequests(ctx, []model.NormalizedPullRequest{pr}); err != nil {
		return "", fmt.Errorf("upsert pull request: %w", err)
	}
	return "pull request " + pr.NaturalKey() + " upserted", nil
}

func (h *Handler) applyRepository(ctx context.Context, payload any) (string, error) {
	ev, ok := payload.(*gh.RepositoryEvent)
	if !ok || ev.GetRepo() == nil {
		return "", &custom_errors.ValidationError{Kind: "payload", Key: "repository", Reasons: []string{"repository is missing"}}
	}
	project := normalizer.Project(*github.ToInternalRepository(ev.GetRepo()))
	if err := normalizer.ValidateProject(project); err != nil {
		return "", err
	}
	if err := h.store.UpsertProject(ctx, project); err != nil {
		return "", fmt.Errorf("upsert project: %w", err)
	}
	return "project " + project.CanonicalURL + " upserted", nil
}

// ensureProject returns the stored project for repo, creating it when absent.
func (h *Handler) ensureProject(ctx context.Context, repo *model.Repository) (model.NormalizedProject, error) {
	project := normalizer.Project(*repo)
	if err := normalizer.ValidateProject(project); err != nil {
		return model.NormalizedProject{}, err
	}
	existing, err := h.store.GetProjectByURL(ctx, project.CanonicalURL)
	switch {
	case err == nil:
		return *existing, nil
	case !errors.Is(err, custom_errors.ErrNotFound):
		return model.NormalizedProject{}, fmt.Errorf("get project: %w", err)
	}
	if err := h.store.UpsertProject(ctx, project); err != nil {
		return model.NormalizedProject{}, fmt.Errorf("create project: %w", err)
	}
	h.logger.Info("Created project from webhook", "project", project.CanonicalURL)
	return project, nil
}

func closedStatus(b *model.NormalizedBug) bool {
	return b != nil && (b.Status == model.BugStatusClosed || b.Status == model.BugStatusResolved)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ http.Handler = (*Handler)(nil)
