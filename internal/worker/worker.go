// Package worker claims queued incidents one at a time and drives each through
// hydration, the resolution loop and pull request publication.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/sentinell/internal/hydrate"
	"github.com/joescharf/sentinell/internal/metrics"
	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/resolver"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultBusyInterval = 100 * time.Millisecond
)

// Store is the slice of the incident store the worker needs.
type Store interface {
	ClaimNextQueued(ctx context.Context) (*models.Incident, error)
	FinishIncident(ctx context.Context, id string, success bool, metadata map[string]any) error
	SuspendForApproval(ctx context.Context, id string, metadata map[string]any) error
	RecoverProcessing(ctx context.Context) (int64, error)
}

// Hydrator builds the observed context for an incident.
type Hydrator interface {
	Hydrate(ctx context.Context, inc *models.Incident, opts hydrate.Options) (*models.IncidentContext, error)
}

// Resolver runs the resolution loop on a prepared state.
type Resolver interface {
	Run(ctx context.Context, st *resolver.State) (resolver.Result, error)
}

// Publisher opens a pull request for a resolved plan.
type Publisher interface {
	CreatePR(ctx context.Context, repo *models.Repo, plan *models.ActionPlan, inc *models.Incident, changed []string) (models.PRResult, error)
}

// Locker serialises access to a repo's checkout.
type Locker interface {
	Lock(repoID string) func()
}

// Config tunes the polling cadence.
type Config struct {
	// PollInterval is the wait after finding the queue empty.
	PollInterval time.Duration
	// BusyInterval is the wait between back-to-back incidents.
	BusyInterval time.Duration
}

// Worker is the serial background processor.
type Worker struct {
	cfg       Config
	store     Store
	hydrator  Hydrator
	resolver  Resolver
	publisher Publisher
	locker    Locker
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New returns a Worker. publisher, locker and m may be nil.
func New(cfg Config, store Store, h Hydrator, r Resolver, publisher Publisher, locker Locker, m *metrics.Metrics, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BusyInterval <= 0 {
		cfg.BusyInterval = DefaultBusyInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:       cfg,
		store:     store,
		hydrator:  h,
		resolver:  r,
		publisher: publisher,
		locker:    locker,
		metrics:   m,
		logger:    logger.Named("worker"),
	}
}

// Run processes incidents until ctx is cancelled. Incidents left in processing by
// a previous run are requeued first.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.store.RecoverProcessing(ctx); err != nil {
		return fmt.Errorf("recover processing incidents: %w", err)
	} else if n > 0 {
		w.logger.Info("requeued interrupted incidents", zap.Int64("count", n))
	}

	w.logger.Info("worker started", zap.Duration("poll_interval", w.cfg.PollInterval))
	for {
		processed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("worker iteration failed", zap.Error(err))
			processed = true
		}

		wait := w.cfg.PollInterval
		if processed {
			wait = w.cfg.BusyInterval
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// ProcessNext claims and processes the oldest queued incident. It reports false
// when the queue was empty.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	inc, err := w.store.ClaimNextQueued(ctx)
	if err != nil {
		return false, err
	}
	if inc == nil {
		return false, nil
	}
	return true, w.process(ctx, inc)
}

func (w *Worker) process(ctx context.Context, inc *models.Incident) error {
	log := w.logger.With(zap.String("incident_id", inc.ID))
	log.Info("processing incident", zap.String("title", inc.Title), zap.String("severity", string(inc.Severity)))

	if inc.RepoID != "" && w.locker != nil {
		unlock := w.locker.Lock(inc.RepoID)
		defer unlock()
	}

	attempts := attemptCount(inc) + 1
	ictx, err := w.hydrator.Hydrate(ctx, inc, hydrate.Options{Sync: true})
	if err != nil {
		log.Warn("hydrate failed", zap.Error(err))
		w.record("error")
		return w.finish(ctx, inc.ID, false, map[string]any{
			models.MetaSteps:     []string{fmt.Sprintf("Error in hydrate: %v", err)},
			models.MetaLastError: err.Error(),
			models.MetaAttempts:  attempts,
		})
	}

	st := resolver.NewState(ictx)
	if inc.MetaString(models.MetaApproval) == models.ApprovalApproved {
		plan, err := pendingPlan(inc)
		if err != nil {
			log.Warn("approved plan unreadable, planning afresh", zap.Error(err))
		}
		st.ApprovedPlan = plan
	}

	res, runErr := w.resolver.Run(ctx, st)
	w.observeRun(res, st)

	meta := map[string]any{
		models.MetaSteps:    st.Steps,
		models.MetaAttempts: attempts,
	}
	if resolvedAt := inc.MetaString(models.MetaResolvedAt); resolvedAt != "" {
		meta[models.MetaResolvedAt] = resolvedAt
	}

	if res.Outcome == resolver.OutcomeAwaitingApproval {
		meta[models.MetaPendingPlan] = st.Plan
		w.record("awaiting_approval")
		log.Info("plan awaiting operator approval")
		if err := w.store.SuspendForApproval(ctx, inc.ID, meta); err != nil {
			return fmt.Errorf("suspend incident %s: %w", inc.ID, err)
		}
		return nil
	}

	if runErr != nil || !st.Resolved {
		if runErr == nil {
			runErr = errors.New("resolution loop ended unresolved")
		}
		meta[models.MetaLastError] = runErr.Error()
		w.record("requeued")
		log.Warn("incident not resolved, requeueing", zap.Error(runErr))
		return w.finish(ctx, inc.ID, false, meta)
	}

	if repo := st.Repo(); repo != nil && st.Plan != nil && w.publisher != nil {
		pr, err := w.publisher.CreatePR(ctx, repo, st.Plan, inc, st.AppliedPaths())
		if err != nil {
			w.countPR("error")
			st.Step("Error in publish: %v", err)
			meta[models.MetaSteps] = st.Steps
			meta[models.MetaLastError] = err.Error()
			w.record("requeued")
			log.Warn("publish failed, requeueing", zap.Error(err))
			return w.finish(ctx, inc.ID, false, meta)
		}
		switch {
		case pr.URL == "":
			w.countPR("noop")
			st.Step("No changes to publish")
		case pr.Reused:
			w.countPR("reused")
			st.Step("PR already open at %s", pr.URL)
		default:
			w.countPR("created")
			st.Step("PR published at %s", pr.URL)
		}
		meta[models.MetaSteps] = st.Steps
		meta[models.MetaPRURL] = pr.URL
		meta[models.MetaPRBranch] = pr.Branch
	}

	meta[models.MetaLastError] = ""
	w.record("resolved")
	log.Info("incident resolved", zap.Int("iterations", res.Iterations))
	return w.finish(ctx, inc.ID, true, meta)
}

func (w *Worker) finish(ctx context.Context, id string, success bool, meta map[string]any) error {
	if err := w.store.FinishIncident(ctx, id, success, meta); err != nil {
		return fmt.Errorf("finish incident %s: %w", id, err)
	}
	return nil
}

func (w *Worker) observeRun(res resolver.Result, st *resolver.State) {
	if w.metrics == nil {
		return
	}
	if res.Iterations > 0 {
		w.metrics.ResolutionIterations.Observe(float64(res.Iterations))
	}
	for _, o := range st.Commands {
		switch {
		case o.TimedOut:
			w.metrics.Commands.WithLabelValues("timeout").Inc()
		case o.OK():
			w.metrics.Commands.WithLabelValues("ok").Inc()
		default:
			w.metrics.Commands.WithLabelValues("failed").Inc()
		}
	}
	w.metrics.Commands.WithLabelValues("refused").Add(float64(len(st.Refused)))
}

func (w *Worker) record(outcome string) {
	if w.metrics != nil {
		w.metrics.IncidentsProcessed.WithLabelValues(outcome).Inc()
	}
}

func (w *Worker) countPR(result string) {
	if w.metrics != nil {
		w.metrics.PullRequests.WithLabelValues(result).Inc()
	}
}

// pendingPlan decodes the plan parked in metadata by an approval suspension.
func pendingPlan(inc *models.Incident) (*models.ActionPlan, error) {
	raw, ok := inc.Metadata[models.MetaPendingPlan]
	if !ok || raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode pending plan: %w", err)
	}
	var plan models.ActionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("decode pending plan: %w", err)
	}
	return &plan, nil
}

func attemptCount(inc *models.Incident) int {
	switch v := inc.Metadata[models.MetaAttempts].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
