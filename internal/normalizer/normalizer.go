// Package normalizer maps API records onto the reporting schema. Every function
// is pure: the current time is passed in where a derivation depends on it.
package normalizer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github-ingest/internal/model"
)

var severityVocabulary = []struct {
	severity model.Severity
	labels   map[string]bool
}{
	{model.SeverityCritical, set("critical", "severity: critical", "severity:critical", "sev0", "sev-0", "p0", "priority: critical", "urgent")},
	{model.SeverityHigh, set("high", "severity: high", "severity:high", "sev1", "sev-1", "p1", "priority: high", "important")},
	{model.SeverityMedium, set("medium", "severity: medium", "severity:medium", "sev2", "sev-2", "p2", "priority: medium")},
	{model.SeverityLow, set("low", "severity: low", "severity:low", "sev3", "sev-3", "p3", "priority: low", "minor", "trivial")},
}

// Checked in order; the first vocabulary with a matching label decides.
var statusVocabulary = []struct {
	status model.BugStatus
	labels map[string]bool
}{
	{model.BugStatusClosed, set("wontfix", "won't fix", "duplicate", "invalid")},
	{model.BugStatusResolved, set("fixed", "resolved", "status: resolved")},
	{model.BugStatusInProgress, set("in progress", "in-progress", "status: in progress", "wip", "doing")},
}

var blockerLabels = set("blocker", "blocking", "release-blocker")

var labelAdjustments = map[string]int{
	"good first issue": -20,
	"good-first-issue": -20,
	"documentation":    -15,
	"docs":             -15,
	"security":         25,
	"regression":       20,
}

var severityWeight = map[model.Severity]int{
	model.SeverityCritical: 40,
	model.SeverityHigh:     30,
	model.SeverityMedium:   20,
	model.SeverityLow:      10,
}

var slaHours = map[model.Severity]int{
	model.SeverityCritical: 4,
	model.SeverityHigh:     24,
	model.SeverityMedium:   72,
	model.SeverityLow:      168,
}

const (
	basePriority = 50
	blockerBonus = 30
	maxAgeBonus  = 20
)

func set(values ...string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

func normalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// Severity returns the most severe level named by labels, or medium when
// no label is in the vocabulary.
func Severity(labels []string) model.Severity {
	normalized := normalizeLabels(labels)
	for _, level := range severityVocabulary {
		for _, l := range normalized {
			if level.labels[l] {
				return level.severity
			}
		}
	}
	return model.SeverityMedium
}

// Status derives a bug status from labels, falling back to the upstream
// open/closed state.
func Status(labels []string, state string) model.BugStatus {
	normalized := normalizeLabels(labels)
	for _, v := range statusVocabulary {
		for _, l := range normalized {
			if v.labels[l] {
				return v.status
			}
		}
	}
	if strings.EqualFold(state, "closed") {
		return model.BugStatusClosed
	}
	return model.BugStatusOpen
}

func IsBlocker(labels []string) bool {
	for _, l := range normalizeLabels(labels) {
		if blockerLabels[l] {
			return true
		}
	}
	return false
}

// PriorityScore is clamped to [0,100].
func PriorityScore(severity model.Severity, blocker bool, labels []string, createdAt, now time.Time) int {
	score := basePriority + severityWeight[severity]
	if blocker {
		score += blockerBonus
	}
	if !createdAt.IsZero() && now.After(createdAt) {
		weeks := int(now.Sub(createdAt).Hours() / (24 * 7))
		score += min(maxAgeBonus, weeks)
	}
	seen := make(map[string]bool)
	for _, l := range normalizeLabels(labels) {
		if adj, ok := labelAdjustments[l]; ok && !seen[l] {
			seen[l] = true
			score += adj
		}
	}
	return max(0, min(100, score))
}

func SLAHours(severity model.Severity) int {
	return slaHours[severity]
}

// BugPrefix is OWNER/REPO upper-cased. Neither part may contain "/" and
// GitHub compares both case-insensitively, so distinct repositories never
// share a prefix.
func BugPrefix(owner, repoName string) string {
	return strings.ToUpper(owner + "/" + repoName)
}

// BugNumber is <OWNER/REPO>-<issue number>, or "" when any part is missing.
func BugNumber(owner, repoName string, number int) string {
	owner, repoName = strings.TrimSpace(owner), strings.TrimSpace(repoName)
	if owner == "" || repoName == "" || number <= 0 {
		return ""
	}
	return fmt.Sprintf("%s-%d", BugPrefix(owner, repoName), number)
}

// ProjectOwner returns the project's owner, falling back to the owner segment
// of its canonical URL.
func ProjectOwner(p model.NormalizedProject) string {
	if p.Owner != "" {
		return p.Owner
	}
	parts := strings.Split(strings.TrimRight(p.CanonicalURL, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

// CanonicalURL strips a trailing slash so that URLs from different endpoints compare equal.
func CanonicalURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

func Project(repo model.Repository) model.NormalizedProject {
	status := model.ProjectStatusActive
	if repo.Archived {
		status = model.ProjectStatusArchived
	}
	lastActivity := repo.PushedAt
	if repo.RepoUpdatedAt.After(lastActivity) {
		lastActivity = repo.RepoUpdatedAt
	}
	tags := append([]string(nil), repo.Topics...)
	sort.Strings(tags)
	return model.NormalizedProject{
		Name:           strings.TrimSpace(repo.Name),
		CanonicalURL:   CanonicalURL(repo.URL),
		Owner:          repo.Owner,
		Description:    deref(repo.Description),
		Language:       deref(repo.Language),
		Tags:           tags,
		Status:         status,
		Stars:          repo.StarsCount,
		Forks:          repo.ForksCount,
		OpenIssues:     repo.OpenIssuesCount,
		SourceID:       repo.GithubRepoID,
		LastActivityAt: lastActivity,
		CreatedAt:      repo.RepoCreatedAt,
		UpdatedAt:      repo.RepoUpdatedAt,
	}
}

// Bug maps an issue of project onto a NormalizedBug.
func Bug(project model.NormalizedProject, issue model.Issue, now time.Time) model.NormalizedBug {
	severity := Severity(issue.Labels)
	blocker := IsBlocker(issue.Labels)
	return model.NormalizedBug{
		BugNumber:     BugNumber(ProjectOwner(project), project.Name, issue.Number),
		ProjectURL:    project.CanonicalURL,
		SourceNumber:  issue.Number,
		SourceID:      issue.GithubID,
		Title:         strings.TrimSpace(issue.Title),
		Description:   issue.Body,
		Severity:      severity,
		Status:        Status(issue.Labels, issue.State),
		PriorityScore: PriorityScore(severity, blocker, issue.Labels, issue.CreatedAt, now),
		IsBlocker:     blocker,
		SLAHours:      SLAHours(severity),
		Labels:        append([]string(nil), issue.Labels...),
		Reporter:      issue.Author,
		Assignee:      issue.Assignee,
		URL:           issue.URL,
		CreatedAt:     issue.CreatedAt,
		UpdatedAt:     issue.UpdatedAt,
		ClosedAt:      issue.ClosedAt,
	}
}

func Bugs(project model.NormalizedProject, issues []model.Issue, now time.Time) []model.NormalizedBug {
	out := make([]model.NormalizedBug, 0, len(issues))
	for _, i := range issues {
		out = append(out, Bug(project, i, now))
	}
	return out
}

func PullRequest(projectURL string, pr model.PullRequest) model.NormalizedPullRequest {
	state := model.PullRequestOpen
	switch {
	case pr.Merged:
		state = model.PullRequestMerged
	case strings.EqualFold(pr.State, "closed"):
		state = model.PullRequestClosed
	}
	return model.NormalizedPullRequest{
		ProjectURL: projectURL,
		Number:     pr.Number,
		SourceID:   pr.GithubID,
		Title:      strings.TrimSpace(pr.Title),
		State:      state,
		Draft:      pr.Draft,
		Author:     pr.Author,
		URL:        pr.URL,
		CreatedAt:  pr.CreatedAt,
		UpdatedAt:  pr.UpdatedAt,
		ClosedAt:   pr.ClosedAt,
		MergedAt:   pr.MergedAt,
	}
}

func PullRequests(projectURL string, prs []model.PullRequest) []model.NormalizedPullRequest {
	out := make([]model.NormalizedPullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, PullRequest(projectURL, pr))
	}
	return out
}

// Commits attaches commits to their project and trims the message to its first line.
func Commits(projectURL string, commits []model.Commit) []model.Commit {
	out := make([]model.Commit, 0, len(commits))
	for _, c := range commits {
		c.ProjectURL = projectURL
		c.Message, _, _ = strings.Cut(strings.TrimSpace(c.Message), "\n")
		out = append(out, c)
	}
	return out
}

// Totals aggregates the stored records of one project: open and closed
// issues, open and merged pull requests, commits and distinct contributors.
func Totals(bugs []model.NormalizedBug, prs []model.NormalizedPullRequest, commits []model.Commit) model.ProjectTotals {
	var t model.ProjectTotals
	for _, b := range bugs {
		switch b.Status {
		case model.BugStatusOpen, model.BugStatusInProgress:
			t.OpenIssues++
		default:
			t.ClosedIssues++
		}
	}
	for _, pr := range prs {
		switch pr.State {
		case model.PullRequestOpen:
			t.OpenPullRequests++
		case model.PullRequestMerged:
			t.MergedPullRequests++
		}
	}
	contributors := make(map[string]bool)
	for _, c := range commits {
		if who := Contributor(c); who != "" {
			contributors[who] = true
		}
		if t.LastCommitAt == nil || c.CommitDate.After(*t.LastCommitAt) {
			d := c.CommitDate
			t.LastCommitAt = &d
		}
	}
	t.Commits = len(commits)
	t.Contributors = len(contributors)
	return t
}

// Contributor identifies a commit author by lower-cased email, or by name
// when the email is missing.
func Contributor(c model.Commit) string {
	if c.AuthorEmail != "" {
		return strings.ToLower(c.AuthorEmail)
	}
	return c.AuthorName
}

// Metric is the daily snapshot of a project's stored totals, not of the
// records fetched by one sync window. It computes no scores.
func Metric(project model.NormalizedProject, totals model.ProjectTotals, now time.Time) model.NormalizedMetric {
	return model.NormalizedMetric{
		ProjectURL:         project.CanonicalURL,
		MetricDate:         now.UTC().Truncate(24 * time.Hour),
		Commits:            totals.Commits,
		Contributors:       totals.Contributors,
		OpenIssues:         totals.OpenIssues,
		ClosedIssues:       totals.ClosedIssues,
		OpenPullRequests:   totals.OpenPullRequests,
		MergedPullRequests: totals.MergedPullRequests,
		Stars:              project.Stars,
		Forks:              project.Forks,
		LastCommitAt:       totals.LastCommitAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
