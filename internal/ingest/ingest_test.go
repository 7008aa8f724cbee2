package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sentinell/internal/metrics"
	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/retrieval"
	"github.com/joescharf/sentinell/internal/store"
)

type fakeStore struct {
	repos     []*models.Repo
	incidents []*models.Incident
}

func (f *fakeStore) CreateIncident(_ context.Context, inc *models.Incident) error {
	inc.ID = fmt.Sprintf("inc-%d", len(f.incidents)+1)
	inc.Status = models.IncidentQueued
	f.incidents = append(f.incidents, inc)
	return nil
}

func (f *fakeStore) GetRepo(_ context.Context, id string) (*models.Repo, error) {
	for _, r := range f.repos {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("repo %s: %w", id, store.ErrNotFound)
}

func (f *fakeStore) ListRepos(context.Context) ([]*models.Repo, error) {
	return f.repos, nil
}

type fakeIndexer struct {
	docs []retrieval.Document
	err  error
}

func (f *fakeIndexer) Add(_ context.Context, doc retrieval.Document) error {
	if f.err != nil {
		return f.err
	}
	f.docs = append(f.docs, doc)
	return nil
}

var now = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func newService(idx Indexer, m *metrics.Metrics) (*Service, *fakeStore) {
	fs := &fakeStore{repos: []*models.Repo{
		{ID: "repo-1", Name: "ledger", RepoURL: "https://github.com/acme/ledger.git"},
	}}
	s := New(fs, idx, m, nil)
	s.now = func() time.Time { return now }
	return s, fs
}

func TestReportManual(t *testing.T) {
	m := metrics.New()
	s, fs := newService(nil, m)

	inc, err := s.ReportManual(context.Background(), ManualReport{
		Title:       "Checkout broken",
		Description: "500 on /checkout",
		RepoID:      "repo-1",
		Reporter:    "dana@acme.test",
		Tags:        []string{"checkout"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.SignalManual, inc.SignalType)
	assert.Equal(t, models.SeverityMedium, inc.Severity)
	assert.Equal(t, "dana@acme.test", inc.MetaString("reporter"))
	assert.Equal(t, "2026-03-04T12:00:00Z", inc.MetaString(models.MetaOccurredAt))
	assert.Len(t, fs.incidents, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IncidentsIngested.WithLabelValues("manual")))
}

func TestReportManual_Validation(t *testing.T) {
	s, fs := newService(nil, nil)
	ctx := context.Background()

	_, err := s.ReportManual(ctx, ManualReport{Title: "no description"})
	assert.ErrorIs(t, err, ErrInvalidSignal)

	_, err = s.ReportManual(ctx, ManualReport{Title: "t", Description: "d", Severity: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidSignal)

	_, err = s.ReportManual(ctx, ManualReport{Title: "t", Description: "d", RepoID: "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, fs.incidents)
}

func TestIngestLog_SeverityFromLevel(t *testing.T) {
	tests := []struct {
		level    string
		title    string
		severity models.Severity
	}{
		{"", "Log alert (info)", models.SeverityLow},
		{"DEBUG", "Log alert (debug)", models.SeverityLow},
		{"warning", "Log alert (warning)", models.SeverityMedium},
		{"error", "Log alert (error)", models.SeverityHigh},
		{"Fatal", "Log alert (fatal)", models.SeverityCritical},
		{"notice", "Log alert (notice)", models.SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			s, _ := newService(nil, nil)
			inc, err := s.IngestLog(context.Background(), LogSignal{Message: "boom", Level: tt.level})
			require.NoError(t, err)
			assert.Equal(t, tt.title, inc.Title)
			assert.Equal(t, tt.severity, inc.Severity)
		})
	}
}

func TestIngestLog_IndexesLine(t *testing.T) {
	idx := &fakeIndexer{}
	s, _ := newService(idx, nil)
	at := now.Add(-time.Minute)

	inc, err := s.IngestLog(context.Background(), LogSignal{
		RepoID:     "repo-1",
		SourceID:   "api.log",
		Message:    "balance went negative",
		Level:      "error",
		OccurredAt: at,
		Metadata:   map[string]any{"host": "api-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "api.log", inc.SourceRef)
	assert.Equal(t, "2026-03-04T11:59:00Z", inc.MetaString(models.MetaOccurredAt))
	assert.Equal(t, map[string]any{"host": "api-1"}, inc.Metadata["raw"])

	require.Len(t, idx.docs, 1)
	doc := idx.docs[0]
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, retrieval.NamespaceLogs, doc.Namespace)
	assert.Equal(t, "repo-1", doc.RepoID)
	assert.Equal(t, "api.log", doc.SourceID)
	assert.Equal(t, at, doc.Timestamp)
	assert.Equal(t, "error", doc.Metadata[retrieval.MetaLevel])
}

func TestIngestLog_IndexFailureIsSoft(t *testing.T) {
	s, fs := newService(&fakeIndexer{err: errors.New("weaviate unavailable")}, nil)
	_, err := s.IngestLog(context.Background(), LogSignal{Message: "boom"})
	require.NoError(t, err)
	assert.Len(t, fs.incidents, 1)
}

func TestIngestSlack(t *testing.T) {
	idx := &fakeIndexer{}
	s, _ := newService(idx, nil)

	inc, err := s.IngestSlack(context.Background(), SlackSignal{
		TeamID:    "T1",
		ChannelID: "C042",
		MessageTS: "1710000000.000100",
		Text:      "payments are double charging",
	})
	require.NoError(t, err)
	assert.Equal(t, "Slack escalation", inc.Title)
	assert.Equal(t, models.SeverityHigh, inc.Severity)
	assert.Equal(t, "1710000000.000100", inc.SourceRef)
	assert.Equal(t, "C042", inc.MetaString("channel_id"))

	require.Len(t, idx.docs, 1)
	assert.Equal(t, retrieval.NamespaceSlack, idx.docs[0].Namespace)
	assert.Equal(t, "unknown", idx.docs[0].Metadata[retrieval.MetaUser])

	_, err = s.IngestSlack(context.Background(), SlackSignal{Text: "no channel"})
	assert.ErrorIs(t, err, ErrInvalidSignal)
}

func TestIngestGitHub_BindsRepoByRemote(t *testing.T) {
	s, _ := newService(nil, nil)

	inc, err := s.IngestGitHub(context.Background(), GitHubSignal{
		Event:      "workflow_run",
		DeliveryID: "d-1",
		Repository: "Acme/Ledger",
		Title:      "Workflow CI failed on main",
		URL:        "https://github.com/acme/ledger/actions/runs/1",
		Severity:   models.SeverityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, "repo-1", inc.RepoID)
	assert.Equal(t, models.SignalGitHub, inc.SignalType)
	assert.Equal(t, "Workflow CI failed on main", inc.Description)
	assert.Equal(t, "d-1", inc.SourceRef)

	inc, err = s.IngestGitHub(context.Background(), GitHubSignal{Repository: "acme/other", Title: "Issue"})
	require.NoError(t, err)
	assert.Empty(t, inc.RepoID)
	assert.Equal(t, models.SeverityMedium, inc.Severity)
}

func TestIndexCommits(t *testing.T) {
	idx := &fakeIndexer{}
	s, _ := newService(idx, nil)

	n := s.IndexCommits(context.Background(), "repo-1", []Commit{
		{SHA: "abc123", Message: "fix: totals\n\nlonger body", Author: "dana", Files: []string{"ledger.py", "test_ledger.py"}},
		{Message: "no sha"},
	})
	assert.Equal(t, 1, n)
	require.Len(t, idx.docs, 1)
	doc := idx.docs[0]
	assert.Equal(t, "abc123", doc.ID)
	assert.Equal(t, "fix: totals", doc.Metadata[retrieval.MetaTitle])
	assert.Equal(t, "ledger.py,test_ledger.py", doc.Metadata[retrieval.MetaFiles])
	assert.Equal(t, now, doc.Timestamp)

	s2, _ := newService(nil, nil)
	assert.Zero(t, s2.IndexCommits(context.Background(), "repo-1", []Commit{{SHA: "abc"}}))
}
