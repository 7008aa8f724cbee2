// Package hydrate assembles the context snapshot the resolver observes: the
// bound repo, log windows, chat snippets and recent commits around an incident.
package hydrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/sentinell/internal/git"
	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/retrieval"
	"github.com/joescharf/sentinell/internal/store"
)

// Window bounds around the incident pivot time.
const (
	WindowBefore       = 45 * time.Minute
	WindowAfter        = 15 * time.Minute
	CommitWindowWiden  = 12 * time.Hour
	logLimit           = 100
	chatLimit          = 50
	commitLimit        = 50
	maxCommits         = 10
	syntheticTextLimit = 120
)

// RepoGetter loads repos by ID.
type RepoGetter interface {
	GetRepo(ctx context.Context, id string) (*models.Repo, error)
}

// Searcher is the fail-soft context retriever.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) []retrieval.Match
}

// Checkouts locates and syncs local clones.
type Checkouts interface {
	Ensure(ctx context.Context, repo *models.Repo, preserveChanges bool) (string, error)
	Path(repo *models.Repo) string
	Exists(repo *models.Repo) bool
}

// Options controls side effects of hydration.
type Options struct {
	// Sync fetches and resets the checkout before reading commits.
	Sync bool
}

// Hydrator builds IncidentContext values.
type Hydrator struct {
	repos     RepoGetter
	searcher  Searcher
	checkouts Checkouts
	logger    *zap.Logger

	now           func() time.Time
	recentCommits func(path string, limit int) ([]models.CommitSummary, error)
}

// New returns a Hydrator. searcher and checkouts may be nil.
func New(repos RepoGetter, searcher Searcher, checkouts Checkouts, logger *zap.Logger) *Hydrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hydrator{
		repos:         repos,
		searcher:      searcher,
		checkouts:     checkouts,
		logger:        logger.Named("hydrate"),
		now:           time.Now,
		recentCommits: git.RecentCommits,
	}
}

// Window returns the [start, end] search window around the incident.
func Window(inc *models.Incident) (time.Time, time.Time) {
	pivot := inc.OccurredAt()
	return pivot.Add(-WindowBefore), pivot.Add(WindowAfter)
}

// Hydrate builds the context for inc. Only a failure to load the bound repo is
// returned as an error; retrieval and git problems degrade to empty sections.
func (h *Hydrator) Hydrate(ctx context.Context, inc *models.Incident, opts Options) (*models.IncidentContext, error) {
	ictx := &models.IncidentContext{Incident: inc}
	log := h.logger.With(zap.String("incident_id", inc.ID))

	if inc.RepoID != "" {
		repo, err := h.repos.GetRepo(ctx, inc.RepoID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			log.Warn("bound repo no longer exists", zap.String("repo_id", inc.RepoID))
		case err != nil:
			return nil, fmt.Errorf("load repo %s: %w", inc.RepoID, err)
		default:
			ictx.Repo = repo
		}
	}

	if ictx.Repo != nil && h.checkouts != nil {
		if opts.Sync {
			path, err := h.checkouts.Ensure(ctx, ictx.Repo, false)
			if err != nil {
				log.Warn("checkout sync failed", zap.Error(err))
			} else {
				ictx.RepoPath = path
			}
		} else if h.checkouts.Exists(ictx.Repo) {
			ictx.RepoPath = h.checkouts.Path(ictx.Repo)
		}
	}

	ictx.Logs = h.logWindows(ctx, inc, ictx.Repo)
	ictx.Chat = h.chatSnippets(ctx, inc, ictx.Repo)
	ictx.Commits = h.commits(ctx, inc, ictx.Repo, ictx.RepoPath, log)
	return ictx, nil
}

func (h *Hydrator) search(ctx context.Context, inc *models.Incident, repo *models.Repo, namespace string, limit int, widen time.Duration) []retrieval.Match {
	if h.searcher == nil || repo == nil {
		return nil
	}
	start, end := Window(inc)
	return h.searcher.Search(ctx, retrieval.Query{
		Text:      strings.TrimSpace(inc.Title + "\n" + inc.Description),
		TopK:      limit,
		Namespace: namespace,
		RepoID:    repo.ID,
		Start:     start.Add(-widen),
		End:       end,
	})
}

func (h *Hydrator) logWindows(ctx context.Context, inc *models.Incident, repo *models.Repo) []models.LogWindow {
	matches := h.search(ctx, inc, repo, retrieval.NamespaceLogs, logLimit, 0)
	if len(matches) == 0 {
		return []models.LogWindow{syntheticWindow(inc)}
	}

	type entry struct {
		at   time.Time
		line string
	}
	grouped := make(map[string][]entry)
	var order []string
	for _, m := range matches {
		at := m.Timestamp
		if at.IsZero() {
			at = h.now()
		}
		level := strings.ToUpper(m.Metadata[retrieval.MetaLevel])
		if level == "" {
			level = "INFO"
		}
		text := m.Text
		if text == "" {
			text = inc.Description
		}
		source := m.Metadata[retrieval.MetaSourceID]
		if source == "" {
			source = inc.SourceRef
		}
		if source == "" {
			source = "logs"
		}
		if _, ok := grouped[source]; !ok {
			order = append(order, source)
		}
		grouped[source] = append(grouped[source], entry{at: at, line: fmt.Sprintf("[%s] %s %s", at.UTC().Format(time.RFC3339), level, text)})
	}

	windows := make([]models.LogWindow, 0, len(grouped))
	for _, source := range order {
		entries := grouped[source]
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
		w := models.LogWindow{SourceID: source, StartedAt: entries[0].at, EndedAt: entries[len(entries)-1].at}
		for _, e := range entries {
			w.Lines = append(w.Lines, e.line)
		}
		windows = append(windows, w)
	}
	sort.SliceStable(windows, func(i, j int) bool { return windows[i].StartedAt.Before(windows[j].StartedAt) })
	return windows
}

// syntheticWindow stands in for missing logs using the incident's own payload.
func syntheticWindow(inc *models.Incident) models.LogWindow {
	base := inc.CreatedAt
	if base.IsZero() {
		base = time.Now()
	}
	base = base.UTC()
	desc := models.Clip(inc.Description, syntheticTextLimit)
	source := inc.SourceRef
	if source == "" {
		source = "synthetic"
	}
	return models.LogWindow{
		SourceID:  source,
		StartedAt: base.Add(-10 * time.Minute),
		EndedAt:   base.Add(2 * time.Minute),
		Lines: []string{
			fmt.Sprintf("[%s] WARN No indexed log entries for this incident", base.Add(-5*time.Minute).Format(time.RFC3339)),
			fmt.Sprintf("[%s] INFO Using incident payload instead", base.Format(time.RFC3339)),
			fmt.Sprintf("[%s] ERROR %s", base.Add(time.Minute).Format(time.RFC3339), desc),
		},
	}
}

func (h *Hydrator) chatSnippets(ctx context.Context, inc *models.Incident, repo *models.Repo) []models.ChatSnippet {
	if repo == nil && inc.SignalType != models.SignalSlack {
		return nil
	}
	var snippets []models.ChatSnippet
	for _, m := range h.search(ctx, inc, repo, retrieval.NamespaceSlack, chatLimit, 0) {
		s := models.ChatSnippet{
			ChannelID: m.Metadata[retrieval.MetaChannelID],
			MessageTS: m.ID,
			Text:      m.Text,
			User:      m.Metadata[retrieval.MetaUser],
		}
		if !m.Timestamp.IsZero() {
			s.MessageTS = m.Timestamp.UTC().Format(time.RFC3339)
		}
		if s.ChannelID == "" {
			s.ChannelID = orUnknown(inc.MetaString("channel_id"))
		}
		if s.Text == "" {
			s.Text = inc.Description
		}
		if s.User == "" {
			s.User = inc.MetaString("user")
		}
		snippets = append(snippets, s)
	}
	if len(snippets) == 0 && inc.SignalType == models.SignalSlack {
		snippets = append(snippets, models.ChatSnippet{
			ChannelID: orUnknown(inc.MetaString("channel_id")),
			MessageTS: inc.OccurredAt().UTC().Format(time.RFC3339),
			Text:      inc.Description,
			User:      orUnknown(inc.MetaString("user")),
		})
	}
	return snippets
}

func (h *Hydrator) commits(ctx context.Context, inc *models.Incident, repo *models.Repo, repoPath string, log *zap.Logger) []models.CommitSummary {
	var indexed []models.CommitSummary
	for _, m := range h.search(ctx, inc, repo, retrieval.NamespaceCommits, commitLimit, CommitWindowWiden) {
		c := models.CommitSummary{
			SHA:         m.Metadata[retrieval.MetaSHA],
			Author:      m.Metadata[retrieval.MetaAuthor],
			Title:       m.Metadata[retrieval.MetaTitle],
			CommittedAt: m.Timestamp,
			Files:       splitFiles(m.Metadata[retrieval.MetaFiles]),
		}
		if c.SHA == "" {
			c.SHA = m.ID
		}
		if c.Author == "" {
			c.Author = "unknown"
		}
		if c.Title == "" {
			c.Title = m.Text
		}
		indexed = append(indexed, c)
	}
	sort.SliceStable(indexed, func(i, j int) bool { return indexed[i].CommittedAt.After(indexed[j].CommittedAt) })

	var local []models.CommitSummary
	if repoPath != "" {
		var err error
		local, err = h.recentCommits(repoPath, maxCommits)
		if err != nil {
			log.Warn("read recent commits failed", zap.Error(err))
		}
	}

	combined := make([]models.CommitSummary, 0, maxCommits)
	seen := make(map[string]bool)
	for _, c := range append(indexed, local...) {
		if c.SHA == "" || seen[c.SHA] {
			continue
		}
		seen[c.SHA] = true
		combined = append(combined, c)
		if len(combined) == maxCommits {
			break
		}
	}
	return combined
}

func splitFiles(s string) []string {
	var files []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return files
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
