// Package poller periodically runs each repo's test command and files an
// incident when the checks fail.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/sentinell/internal/metrics"
	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/runner"
	"github.com/joescharf/sentinell/internal/toolchain"
)

// DefaultInterval is how often every repo is polled when no interval is configured.
const DefaultInterval = 5 * time.Minute

// outputTail caps the stdout and stderr kept on incidents.
const outputTail = 4000

// ErrNoToolchain is returned when a checkout has no recognised build manifest.
var ErrNoToolchain = errors.New("no detectable toolchain")

// Store is the persistence the poller reads repos from and files incidents to.
type Store interface {
	ListRepos(ctx context.Context) ([]*models.Repo, error)
	UpdateRepo(ctx context.Context, r *models.Repo) error
	CreateIncident(ctx context.Context, inc *models.Incident) error
}

// Checkouts syncs local clones.
type Checkouts interface {
	Lock(repoID string) func()
	Ensure(ctx context.Context, repo *models.Repo, preserveChanges bool) (string, error)
}

// CommandRunner runs the detected check command.
type CommandRunner interface {
	Run(ctx context.Context, dir, cmd string) runner.Outcome
}

// RepoResult is the outcome of polling one repo.
type RepoResult struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	IncidentID string `json:"incident_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Summary is the outcome of polling every eligible repo.
type Summary struct {
	Total   int          `json:"total"`
	Polled  int          `json:"polled"`
	Failing int          `json:"failing"`
	Skipped int          `json:"skipped"`
	Errored int          `json:"errored"`
	Results []RepoResult `json:"results"`
}

// Poller runs repo health checks.
type Poller struct {
	store     Store
	checkouts Checkouts
	runner    CommandRunner
	metrics   *metrics.Metrics
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a Poller. A zero interval uses DefaultInterval; m may be nil.
func New(s Store, c Checkouts, r CommandRunner, m *metrics.Metrics, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:     s,
		checkouts: c,
		runner:    r,
		metrics:   m,
		interval:  interval,
		logger:    logger.Named("poller"),
		now:       time.Now,
	}
}

// Run polls all repos immediately and then on every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", zap.Duration("interval", p.interval))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if summary, err := p.PollAll(ctx); err != nil {
			p.logger.Error("poll failed", zap.Error(err))
		} else {
			p.logger.Info("poll finished",
				zap.Int("polled", summary.Polled),
				zap.Int("failing", summary.Failing),
				zap.Int("errored", summary.Errored),
			)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollAll checks every repo with auto-poll enabled. Per-repo failures are
// recorded on the summary rather than returned.
func (p *Poller) PollAll(ctx context.Context) (*Summary, error) {
	repos, err := p.store.ListRepos(ctx)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}

	summary := &Summary{Total: len(repos)}
	for _, repo := range repos {
		if ctx.Err() != nil {
			break
		}
		if !repo.AutoPollEnabled() {
			summary.Skipped++
			continue
		}

		r := RepoResult{Name: repo.Name}
		res, err := p.PollRepo(ctx, repo)
		switch {
		case errors.Is(err, ErrNoToolchain):
			summary.Skipped++
			continue
		case err != nil:
			r.Error = err.Error()
			summary.Errored++
		default:
			summary.Polled++
			r.Success = res.Success
			r.ExitCode = res.ExitCode
			r.IncidentID = res.IncidentID
			if !res.Success {
				summary.Failing++
			}
		}
		summary.Results = append(summary.Results, r)
	}
	return summary, nil
}

// PollRepo syncs the repo's checkout, runs its check command and files a log
// incident when the check fails. The poll is recorded under last_poll in the
// repo's metadata whether or not it succeeded.
func (p *Poller) PollRepo(ctx context.Context, repo *models.Repo) (*models.PollResult, error) {
	unlock := p.checkouts.Lock(repo.ID)
	defer unlock()

	log := p.logger.With(zap.String("repo", repo.Name))
	ranAt := p.now().UTC()

	path, err := p.checkouts.Ensure(ctx, repo, false)
	if err != nil {
		log.Warn("sync failed", zap.Error(err))
		p.recordPoll(ctx, repo, &models.PollResult{RepoID: repo.ID, ExitCode: -1, RanAt: ranAt}, err)
		return nil, fmt.Errorf("sync %s: %w", repo.Name, err)
	}

	tc, ok := toolchain.Detect(path)
	if !ok {
		log.Warn("no toolchain detected; skipping")
		return nil, fmt.Errorf("%s: %w", repo.Name, ErrNoToolchain)
	}

	out := p.runner.Run(ctx, path, tc.CheckCommand)
	p.countCommand(out)

	result := &models.PollResult{
		RepoID:   repo.ID,
		Success:  out.OK(),
		ExitCode: out.ExitCode,
		Stdout:   tail(out.Stdout, outputTail),
		Stderr:   tail(out.Stderr, outputTail),
		Command:  tc.CheckCommand,
		RanAt:    ranAt,
	}

	if !result.Success {
		inc, err := p.fileIncident(ctx, repo, result, out)
		if err != nil {
			log.Error("create incident failed", zap.Error(err))
		} else {
			result.IncidentID = inc.ID
			log.Info("checks failed; incident queued",
				zap.String("incident_id", inc.ID),
				zap.Int("exit_code", result.ExitCode),
			)
		}
	} else {
		log.Debug("checks passed", zap.String("command", tc.CheckCommand))
	}

	p.recordPoll(ctx, repo, result, nil)
	return result, nil
}

func (p *Poller) fileIncident(ctx context.Context, repo *models.Repo, result *models.PollResult, out runner.Outcome) (*models.Incident, error) {
	description := result.Stderr
	if strings.TrimSpace(description) == "" {
		description = result.Stdout
	}
	if strings.TrimSpace(description) == "" {
		description = fmt.Sprintf("%s exited %d", result.Command, result.ExitCode)
		if out.Err != "" {
			description += ": " + out.Err
		}
	}

	inc := &models.Incident{
		SignalType:  models.SignalLog,
		Title:       fmt.Sprintf("Repo checks failed (%s)", repo.Name),
		Description: description,
		RepoID:      repo.ID,
		Severity:    models.SeverityHigh,
		SourceRef:   "poll/" + result.RanAt.Format("20060102T150405Z"),
		Metadata: map[string]any{
			models.MetaOccurredAt: result.RanAt.Format(time.RFC3339),
			"poll_exit_code":      result.ExitCode,
			"poll_command":        result.Command,
			"stdout":              result.Stdout,
			"stderr":              result.Stderr,
		},
	}
	if err := p.store.CreateIncident(ctx, inc); err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.IncidentsIngested.WithLabelValues(string(inc.SignalType)).Inc()
	}
	return inc, nil
}

func (p *Poller) recordPoll(ctx context.Context, repo *models.Repo, result *models.PollResult, pollErr error) {
	entry := map[string]any{
		"at":        result.RanAt.Format(time.RFC3339),
		"success":   result.Success,
		"exit_code": result.ExitCode,
	}
	if result.IncidentID != "" {
		entry["incident_id"] = result.IncidentID
	}
	if pollErr != nil {
		entry["error"] = pollErr.Error()
	}
	if repo.Metadata == nil {
		repo.Metadata = make(map[string]any)
	}
	repo.Metadata[models.MetaLastPoll] = entry

	if err := p.store.UpdateRepo(ctx, repo); err != nil {
		p.logger.Warn("record last poll failed", zap.String("repo", repo.Name), zap.Error(err))
	}
}

func (p *Poller) countCommand(out runner.Outcome) {
	if p.metrics == nil {
		return
	}
	switch {
	case out.Skipped:
		p.metrics.Commands.WithLabelValues("refused").Inc()
	case out.TimedOut:
		p.metrics.Commands.WithLabelValues("timeout").Inc()
	case out.OK():
		p.metrics.Commands.WithLabelValues("ok").Inc()
	default:
		p.metrics.Commands.WithLabelValues("failed").Inc()
	}
}

// tail returns at most the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
