package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v58/github"
	"go.uber.org/zap"

	"github.com/joescharf/sentinell/internal/ingest"
	"github.com/joescharf/sentinell/internal/models"
)

// githubSignal accepts webhook deliveries. Failures and new issues become
// incidents, pushes are mirrored into the retrieval index, everything else is
// acknowledged and ignored.
func (s *Server) githubSignal(w http.ResponseWriter, r *http.Request) {
	payload, err := github.ValidatePayload(r, s.webhookSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	eventType := github.WebHookType(r)
	delivery := github.DeliveryID(r)
	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		// Unknown event types are not an error for the sender.
		if strings.Contains(err.Error(), "unknown X-Github-Event") {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "event": eventType})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if push, ok := event.(*github.PushEvent); ok {
		repo, err := s.ingest.RepoForRepository(r.Context(), push.GetRepo().GetFullName())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		n := 0
		if repo != nil {
			n = s.ingest.IndexCommits(r.Context(), repo.ID, pushCommits(push))
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "indexed", "commits": n})
		return
	}

	sig, ok := githubIncident(event)
	if !ok {
		s.logger.Debug("ignoring github event", zap.String("event", eventType), zap.String("delivery", delivery))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "event": eventType})
		return
	}
	sig.Event = eventType
	sig.DeliveryID = delivery
	inc, err := s.ingest.IngestGitHub(r.Context(), sig)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "incident": inc})
}

// githubIncident maps a parsed webhook event to an incident signal. It reports
// false for events that do not describe a problem.
func githubIncident(event any) (ingest.GitHubSignal, bool) {
	switch e := event.(type) {
	case *github.IssuesEvent:
		if a := e.GetAction(); a != "opened" && a != "reopened" {
			return ingest.GitHubSignal{}, false
		}
		issue := e.GetIssue()
		return ingest.GitHubSignal{
			Repository: e.GetRepo().GetFullName(),
			Title:      fmt.Sprintf("Issue #%d: %s", issue.GetNumber(), issue.GetTitle()),
			Body:       issue.GetBody(),
			URL:        issue.GetHTMLURL(),
			Severity:   issueSeverity(issue.Labels),
			OccurredAt: issue.GetCreatedAt().Time,
		}, true

	case *github.WorkflowRunEvent:
		run := e.GetWorkflowRun()
		if e.GetAction() != "completed" || run.GetConclusion() != "failure" {
			return ingest.GitHubSignal{}, false
		}
		return ingest.GitHubSignal{
			Repository: e.GetRepo().GetFullName(),
			Title:      fmt.Sprintf("Workflow %s failed on %s", run.GetName(), run.GetHeadBranch()),
			Body:       fmt.Sprintf("Run %s for %s concluded with failure.", run.GetHTMLURL(), run.GetHeadSHA()),
			URL:        run.GetHTMLURL(),
			Severity:   models.SeverityHigh,
			OccurredAt: run.GetUpdatedAt().Time,
		}, true

	case *github.CheckRunEvent:
		check := e.GetCheckRun()
		if e.GetAction() != "completed" || check.GetConclusion() != "failure" {
			return ingest.GitHubSignal{}, false
		}
		body := strings.TrimSpace(check.GetOutput().GetTitle() + "\n" + check.GetOutput().GetSummary())
		if body == "" {
			body = fmt.Sprintf("Check %s failed for %s.", check.GetName(), check.GetHeadSHA())
		}
		return ingest.GitHubSignal{
			Repository: e.GetRepo().GetFullName(),
			Title:      fmt.Sprintf("Check %s failed", check.GetName()),
			Body:       body,
			URL:        check.GetHTMLURL(),
			Severity:   models.SeverityHigh,
			OccurredAt: check.GetCompletedAt().Time,
		}, true
	}
	return ingest.GitHubSignal{}, false
}

func issueSeverity(labels []*github.Label) models.Severity {
	sev := models.SeverityMedium
	for _, l := range labels {
		name := strings.ToLower(l.GetName())
		switch {
		case strings.Contains(name, "critical"), strings.Contains(name, "sev1"):
			return models.SeverityCritical
		case strings.Contains(name, "bug"), strings.Contains(name, "incident"):
			sev = models.SeverityHigh
		}
	}
	return sev
}

func pushCommits(push *github.PushEvent) []ingest.Commit {
	commits := make([]ingest.Commit, 0, len(push.Commits))
	for _, c := range push.Commits {
		files := append(append([]string{}, c.Modified...), c.Added...)
		commits = append(commits, ingest.Commit{
			SHA:       c.GetID(),
			Message:   c.GetMessage(),
			Author:    c.GetAuthor().GetName(),
			Timestamp: c.GetTimestamp().Time,
			Files:     files,
		})
	}
	return commits
}
