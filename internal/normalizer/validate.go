package normalizer

import (
	"unicode/utf8"

	custom_errors "github-ingest/internal/errors"
	"github-ingest/internal/model"
)

const (
	maxBugTitleLength    = 500
	maxProjectNameLength = 255
)

// ValidateBug returns a *ValidationError listing every rule b breaks, or nil.
func ValidateBug(b model.NormalizedBug) error {
	var reasons []string
	if b.BugNumber == "" {
		reasons = append(reasons, "bug number is empty")
	}
	if b.Title == "" {
		reasons = append(reasons, "title is empty")
	} else if utf8.RuneCountInString(b.Title) > maxBugTitleLength {
		reasons = append(reasons, "title exceeds 500 characters")
	}
	if b.Severity == "" {
		reasons = append(reasons, "severity is empty")
	}
	if b.Status == "" {
		reasons = append(reasons, "status is empty")
	}
	if b.SLAHours <= 0 {
		reasons = append(reasons, "sla hours must be positive")
	}
	if len(reasons) > 0 {
		return &custom_errors.ValidationError{Kind: "bug", Key: b.BugNumber, Reasons: reasons}
	}
	return nil
}

// ValidateProject returns a *ValidationError listing every rule p breaks, or nil.
func ValidateProject(p model.NormalizedProject) error {
	var reasons []string
	if p.Name == "" {
		reasons = append(reasons, "name is empty")
	} else if utf8.RuneCountInString(p.Name) > maxProjectNameLength {
		reasons = append(reasons, "name exceeds 255 characters")
	}
	if p.CanonicalURL == "" {
		reasons = append(reasons, "canonical URL is empty")
	}
	if len(reasons) > 0 {
		return &custom_errors.ValidationError{Kind: "project", Key: p.CanonicalURL, Reasons: reasons}
	}
	return nil
}

func ValidatePullRequest(pr model.NormalizedPullRequest) error {
	var reasons []string
	if pr.ProjectURL == "" {
		reasons = append(reasons, "project URL is empty")
	}
	if pr.Number <= 0 {
		reasons = append(reasons, "number must be positive")
	}
	if len(reasons) > 0 {
		return &custom_errors.ValidationError{Kind: "pull request", Key: pr.NaturalKey(), Reasons: reasons}
	}
	return nil
}

// Invalid pairs a rejected record with the reason it was rejected.
type Invalid[T any] struct {
	Record T
	Err    error
}

// Partition splits records into those validate accepts and those it rejects.
// Both subsets preserve input order.
func Partition[T any](records []T, validate func(T) error) ([]T, []Invalid[T]) {
	valid := make([]T, 0, len(records))
	var invalid []Invalid[T]
	for _, r := range records {
		if err := validate(r); err != nil {
			invalid = append(invalid, Invalid[T]{Record: r, Err: err})
			continue
		}
		valid = append(valid, r)
	}
	return valid, invalid
}

// Dedupe drops records whose key was already seen. The first occurrence wins
// and order is preserved.
func Dedupe[T any](records []T, key func(T) string) []T {
	seen := make(map[string]struct{}, len(records))
	out := make([]T, 0, len(records))
	for _, r := range records {
		k := key(r)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}
