// Package ingest turns incoming signals (manual reports, log alerts, chat
// escalations and code hosting events) into queued incidents, and mirrors the
// signal text into the retrieval index when one is configured.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/sentinell/internal/git"
	"github.com/joescharf/sentinell/internal/metrics"
	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/retrieval"
	"github.com/joescharf/sentinell/internal/store"
)

// ErrInvalidSignal is returned when a signal is missing required fields.
var ErrInvalidSignal = errors.New("invalid signal")

// Store is the persistence the ingester writes to.
type Store interface {
	CreateIncident(ctx context.Context, inc *models.Incident) error
	GetRepo(ctx context.Context, id string) (*models.Repo, error)
	ListRepos(ctx context.Context) ([]*models.Repo, error)
}

// Indexer writes documents to the retrieval index.
type Indexer interface {
	Add(ctx context.Context, doc retrieval.Document) error
}

// ManualReport is an operator-filed issue.
type ManualReport struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	RepoID      string          `json:"repo_id,omitempty"`
	Severity    models.Severity `json:"severity,omitempty"`
	Reporter    string          `json:"reporter,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

// LogSignal is one alerting log line.
type LogSignal struct {
	RepoID     string         `json:"repo_id,omitempty"`
	SourceID   string         `json:"source_id,omitempty"`
	Message    string         `json:"message"`
	Level      string         `json:"level,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SlackSignal is a chat message escalated as an incident.
type SlackSignal struct {
	TeamID     string         `json:"team_id"`
	ChannelID  string         `json:"channel_id"`
	MessageTS  string         `json:"message_ts"`
	User       string         `json:"user,omitempty"`
	Text       string         `json:"text"`
	RepoID     string         `json:"repo_id,omitempty"`
	ThreadTS   string         `json:"thread_ts,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// GitHubSignal is a failure reported by a code hosting webhook.
type GitHubSignal struct {
	Event      string
	DeliveryID string
	// Repository is the "owner/name" the event was delivered for.
	Repository string
	Title      string
	Body       string
	URL        string
	Severity   models.Severity
	OccurredAt time.Time
}

// Commit is a pushed commit to mirror into the index.
type Commit struct {
	SHA       string
	Message   string
	Author    string
	Timestamp time.Time
	Files     []string
}

// Service creates incidents from signals.
type Service struct {
	store   Store
	indexer Indexer
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New returns a Service. indexer and m may be nil.
func New(s Store, indexer Indexer, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, indexer: indexer, metrics: m, logger: logger.Named("ingest"), now: time.Now}
}

// ReportManual files an operator report. The bound repo must exist.
func (s *Service) ReportManual(ctx context.Context, r ManualReport) (*models.Incident, error) {
	if strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.Description) == "" {
		return nil, fmt.Errorf("%w: title and description are required", ErrInvalidSignal)
	}
	if r.Severity == "" {
		r.Severity = models.SeverityMedium
	}
	if !r.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidSignal, r.Severity)
	}
	if err := s.checkRepo(ctx, r.RepoID); err != nil {
		return nil, err
	}
	meta := map[string]any{models.MetaOccurredAt: s.now().UTC().Format(time.RFC3339)}
	if r.Reporter != "" {
		meta["reporter"] = r.Reporter
	}
	if len(r.Tags) > 0 {
		meta["tags"] = r.Tags
	}
	return s.create(ctx, &models.Incident{
		SignalType:  models.SignalManual,
		Title:       r.Title,
		Description: r.Description,
		RepoID:      r.RepoID,
		Severity:    r.Severity,
		Metadata:    meta,
	})
}

// IngestLog files a log alert; severity follows the log level.
func (s *Service) IngestLog(ctx context.Context, l LogSignal) (*models.Incident, error) {
	if strings.TrimSpace(l.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidSignal)
	}
	if err := s.checkRepo(ctx, l.RepoID); err != nil {
		return nil, err
	}
	if l.OccurredAt.IsZero() {
		l.OccurredAt = s.now()
	}
	level := strings.ToLower(strings.TrimSpace(l.Level))
	if level == "" {
		level = "info"
	}
	meta := map[string]any{models.MetaOccurredAt: l.OccurredAt.UTC().Format(time.RFC3339), "level": level}
	if len(l.Metadata) > 0 {
		meta["raw"] = l.Metadata
	}
	inc, err := s.create(ctx, &models.Incident{
		SignalType:  models.SignalLog,
		Title:       fmt.Sprintf("Log alert (%s)", level),
		Description: l.Message,
		RepoID:      l.RepoID,
		Severity:    models.SeverityFromLevel(level),
		SourceRef:   l.SourceID,
		Metadata:    meta,
	})
	if err != nil {
		return nil, err
	}
	s.index(ctx, retrieval.Document{
		Namespace:  retrieval.NamespaceLogs,
		RepoID:     l.RepoID,
		SourceType: retrieval.SourceLog,
		SourceID:   l.SourceID,
		Text:       l.Message,
		Timestamp:  l.OccurredAt,
		Metadata:   map[string]string{retrieval.MetaLevel: level},
	})
	return inc, nil
}

// IngestSlack files a chat escalation at high severity.
func (s *Service) IngestSlack(ctx context.Context, m SlackSignal) (*models.Incident, error) {
	if strings.TrimSpace(m.Text) == "" || m.ChannelID == "" || m.MessageTS == "" {
		return nil, fmt.Errorf("%w: channel_id, message_ts and text are required", ErrInvalidSignal)
	}
	if err := s.checkRepo(ctx, m.RepoID); err != nil {
		return nil, err
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = s.now()
	}
	meta := map[string]any{
		models.MetaOccurredAt: m.OccurredAt.UTC().Format(time.RFC3339),
		"team_id":             m.TeamID,
		"channel_id":          m.ChannelID,
		"message_ts":          m.MessageTS,
	}
	if m.User != "" {
		meta["user"] = m.User
	}
	if m.ThreadTS != "" {
		meta["thread_ts"] = m.ThreadTS
	}
	if len(m.Metadata) > 0 {
		meta["raw"] = m.Metadata
	}
	inc, err := s.create(ctx, &models.Incident{
		SignalType:  models.SignalSlack,
		Title:       "Slack escalation",
		Description: m.Text,
		RepoID:      m.RepoID,
		Severity:    models.SeverityHigh,
		SourceRef:   m.MessageTS,
		Metadata:    meta,
	})
	if err != nil {
		return nil, err
	}
	user := m.User
	if user == "" {
		user = "unknown"
	}
	s.index(ctx, retrieval.Document{
		Namespace:  retrieval.NamespaceSlack,
		RepoID:     m.RepoID,
		SourceType: retrieval.SourceSlack,
		SourceID:   m.MessageTS,
		Text:       m.Text,
		Timestamp:  m.OccurredAt,
		Metadata:   map[string]string{retrieval.MetaChannelID: m.ChannelID, retrieval.MetaUser: user},
	})
	return inc, nil
}

// IngestGitHub files a hosting failure against the repo registered for the
// event's repository, when there is one.
func (s *Service) IngestGitHub(ctx context.Context, g GitHubSignal) (*models.Incident, error) {
	if strings.TrimSpace(g.Title) == "" {
		return nil, fmt.Errorf("%w: github event has no title", ErrInvalidSignal)
	}
	if g.OccurredAt.IsZero() {
		g.OccurredAt = s.now()
	}
	if g.Severity == "" {
		g.Severity = models.SeverityMedium
	}
	repo, err := s.RepoForRepository(ctx, g.Repository)
	if err != nil {
		return nil, err
	}
	inc := &models.Incident{
		SignalType:  models.SignalGitHub,
		Title:       g.Title,
		Description: g.Body,
		Severity:    g.Severity,
		SourceRef:   g.DeliveryID,
		Metadata: map[string]any{
			models.MetaOccurredAt: g.OccurredAt.UTC().Format(time.RFC3339),
			"event":               g.Event,
			"repository":          g.Repository,
			"url":                 g.URL,
		},
	}
	if inc.Description == "" {
		inc.Description = g.Title
	}
	if repo != nil {
		inc.RepoID = repo.ID
	}
	return s.create(ctx, inc)
}

// IndexCommits mirrors pushed commits into the index and reports how many were written.
func (s *Service) IndexCommits(ctx context.Context, repoID string, commits []Commit) int {
	n := 0
	for _, c := range commits {
		if c.SHA == "" {
			continue
		}
		ts := c.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		title, _, _ := strings.Cut(c.Message, "\n")
		if s.index(ctx, retrieval.Document{
			ID:         c.SHA,
			Namespace:  retrieval.NamespaceCommits,
			RepoID:     repoID,
			SourceType: retrieval.SourceCommit,
			SourceID:   c.SHA,
			Text:       c.Message,
			Timestamp:  ts,
			Metadata: map[string]string{
				retrieval.MetaSHA:    c.SHA,
				retrieval.MetaAuthor: c.Author,
				retrieval.MetaTitle:  title,
				retrieval.MetaFiles:  strings.Join(c.Files, ","),
			},
		}) {
			n++
		}
	}
	return n
}

// RepoForRepository finds the registered repo whose remote is owner/name.
// It returns nil, nil when none matches.
func (s *Service) RepoForRepository(ctx context.Context, fullName string) (*models.Repo, error) {
	if fullName == "" {
		return nil, nil
	}
	repos, err := s.store.ListRepos(ctx)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	for _, r := range repos {
		owner, name, err := git.ExtractOwnerRepo(r.RepoURL)
		if err != nil {
			continue
		}
		if strings.EqualFold(owner+"/"+name, fullName) {
			return r, nil
		}
	}
	return nil, nil
}

func (s *Service) checkRepo(ctx context.Context, repoID string) error {
	if repoID == "" {
		return nil
	}
	if _, err := s.store.GetRepo(ctx, repoID); err != nil {
		return err
	}
	return nil
}

func (s *Service) create(ctx context.Context, inc *models.Incident) (*models.Incident, error) {
	if err := s.store.CreateIncident(ctx, inc); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncidentsIngested.WithLabelValues(string(inc.SignalType)).Inc()
	}
	s.logger.Info("incident queued",
		zap.String("incident_id", inc.ID),
		zap.String("signal_type", string(inc.SignalType)),
		zap.String("severity", string(inc.Severity)),
	)
	return inc, nil
}

// index writes doc when an indexer is configured. Failures are logged only.
func (s *Service) index(ctx context.Context, doc retrieval.Document) bool {
	if s.indexer == nil {
		return false
	}
	if doc.ID == "" {
		doc.ID = store.NewID()
	}
	if err := s.indexer.Add(ctx, doc); err != nil {
		if !errors.Is(err, retrieval.ErrDisabled) {
			s.logger.Warn("index document failed", zap.String("namespace", doc.Namespace), zap.Error(err))
		}
		return false
	}
	return true
}
