// Package resolver drives an incident through OBSERVE, REASON, ACT and EVALUATE
// until it is resolved, suspended for approval, or the iteration cap is hit.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/patch"
	"github.com/joescharf/sentinell/internal/planner"
	"github.com/joescharf/sentinell/internal/retrieval"
	"github.com/joescharf/sentinell/internal/runner"
	"github.com/joescharf/sentinell/internal/toolchain"
)

// DefaultMaxIterations caps OBSERVE..EVALUATE cycles per run.
const DefaultMaxIterations = 10

// ErrIterationCap is returned when the loop never resolves within the cap.
var ErrIterationCap = errors.New("iteration cap reached")

// Planner produces a plan for one attempt.
type Planner interface {
	Generate(ctx context.Context, req planner.Request) *models.ActionPlan
}

// Searcher is the fail-soft context retriever.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) []retrieval.Match
}

// Checkouts prepares a repo's working tree.
type Checkouts interface {
	Ensure(ctx context.Context, repo *models.Repo, preserveChanges bool) (string, error)
}

// CommandRunner runs one allow-listed command.
type CommandRunner interface {
	Run(ctx context.Context, dir, cmd string) runner.Outcome
}

// Config tunes the loop.
type Config struct {
	MaxIterations int
	// RequireApproval suspends every freshly generated plan before Act.
	RequireApproval bool
	// Verify makes Evaluate check patch results and re-run executed commands.
	Verify bool
}

// Result summarises a finished run.
type Result struct {
	Outcome    Outcome
	Iterations int
}

// Loop is the incident resolution state machine.
type Loop struct {
	cfg       Config
	planner   Planner
	searcher  Searcher
	checkouts Checkouts
	runner    CommandRunner
	logger    *zap.Logger
	now       func() time.Time
}

// New builds a Loop. searcher may be nil.
func New(cfg Config, p Planner, searcher Searcher, checkouts Checkouts, r CommandRunner, logger *zap.Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		cfg:       cfg,
		planner:   p,
		searcher:  searcher,
		checkouts: checkouts,
		runner:    r,
		logger:    logger.Named("resolver"),
		now:       time.Now,
	}
}

type stage struct {
	name string
	fn   func(context.Context, *State) error
}

// Run drives st to completion. A stage error is recorded as a step, leaves the
// run unresolved and is returned; the caller requeues the incident.
func (l *Loop) Run(ctx context.Context, st *State) (Result, error) {
	log := l.logger
	if inc := st.Incident(); inc != nil {
		log = log.With(zap.String("incident_id", inc.ID))
	}

	for st.Iteration = 1; st.Iteration <= l.cfg.MaxIterations; st.Iteration++ {
		for _, s := range []stage{
			{"observe", l.observe},
			{"reason", l.reason},
			{"act", l.act},
			{"evaluate", l.evaluate},
		} {
			if err := l.runStage(ctx, s, st); err != nil {
				st.Resolved = false
				st.Step("Error in %s: %v", s.name, err)
				log.Warn("stage failed", zap.String("stage", s.name), zap.Int("iteration", st.Iteration), zap.Error(err))
				return Result{Outcome: OutcomeUnresolved, Iterations: st.Iteration}, fmt.Errorf("%s: %w", s.name, err)
			}
			if st.AwaitingApproval {
				log.Info("plan awaiting approval")
				return Result{Outcome: OutcomeAwaitingApproval, Iterations: st.Iteration}, nil
			}
			if st.Resolved {
				log.Info("incident resolved", zap.Int("iterations", st.Iteration))
				return Result{Outcome: OutcomeResolved, Iterations: st.Iteration}, nil
			}
		}
	}

	st.Step("Stopped after %d iterations without resolution", l.cfg.MaxIterations)
	return Result{Outcome: OutcomeUnresolved, Iterations: l.cfg.MaxIterations}, ErrIterationCap
}

// runStage converts a panicking stage into an error so one bad stage cannot
// take the worker down.
func (l *Loop) runStage(ctx context.Context, s stage, st *State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fn(ctx, st)
}

func (l *Loop) observe(_ context.Context, st *State) error {
	inc := st.Incident()
	if inc == nil {
		st.Resolved = true
		st.Step("No incident bound; nothing to resolve")
		return nil
	}
	st.Step("Observed incident %s (%d log windows, %d chat messages, %d commits)",
		inc.ID, len(st.Context.Logs), len(st.Context.Chat), len(st.Context.Commits))
	return nil
}

func (l *Loop) reason(ctx context.Context, st *State) error {
	inc := st.Incident()
	if inc == nil {
		return errors.New("reason requires a bound incident")
	}

	if st.ApprovedPlan != nil {
		st.Plan = st.ApprovedPlan
		st.ApprovedPlan = nil
		st.Step("Using approved plan: %s", st.Plan.Summary)
		return nil
	}

	blob := contextBlob(st.Context)
	query := logText(st.Context)
	if query == "" {
		query = inc.Description
	}
	if l.searcher != nil && strings.TrimSpace(query) != "" {
		q := retrieval.Query{Text: query, TopK: 10}
		if repo := st.Repo(); repo != nil {
			q.RepoID = repo.ID
		}
		if related := relatedBlob(retrieval.Partition(l.searcher.Search(ctx, q))); related != "" {
			blob += "\n" + related
		}
	}

	language := ""
	if st.Context.RepoPath != "" {
		language = toolchain.DetectLanguage(st.Context.RepoPath)
	}

	plan := l.planner.Generate(ctx, planner.Request{
		Incident: inc,
		Repo:     st.Repo(),
		Context:  blob,
		Language: language,
		Feedback: st.Feedback,
	})
	if plan == nil {
		plan = planner.Fallback(inc)
	}
	st.Plan = plan
	if plan.Fallback {
		st.Step("Generated fallback plan: %s", plan.Summary)
	} else {
		st.Step("Generated plan: %s", plan.Summary)
	}

	if l.cfg.RequireApproval {
		st.AwaitingApproval = true
		st.Step("Plan requires approval before execution")
	}
	return nil
}

func (l *Loop) act(ctx context.Context, st *State) error {
	st.resetAct()
	if st.Plan == nil {
		st.Step("No plan; skipping execution")
		return nil
	}
	repo := st.Repo()
	if repo == nil {
		st.Step("No repo context; skipping execution")
		return nil
	}

	// Reject a bad change set before touching the checkout.
	if err := patch.ValidateChangeSet(st.Plan.CodeChanges); err != nil {
		return err
	}

	dir, err := l.checkouts.Ensure(ctx, repo, false)
	if err != nil {
		return err
	}
	st.RepoPath = dir
	st.acted = true

	safe, refused := runner.FilterSafe(st.Plan.Commands)
	for _, cmd := range refused {
		st.Refused = append(st.Refused, cmd)
		st.Step("Skipped unsafe command: %s", cmd)
	}
	for _, cmd := range safe {
		out := l.runner.Run(ctx, dir, cmd)
		st.Commands = append(st.Commands, out)
		st.Step("%s", describeOutcome(out))
	}

	results, err := patch.NewApplier(dir).ApplyPlan(st.Plan)
	st.Patches = results
	for _, r := range results {
		if r.Applied {
			st.Step("Patched %s (%s)", r.Path, r.Strategy)
		} else {
			st.Step("Could not patch %s: %s", r.Path, r.Reason)
		}
	}
	return err
}

func (l *Loop) evaluate(ctx context.Context, st *State) error {
	inc := st.Incident()
	if inc == nil {
		st.Resolved = true
		return nil
	}
	if st.Plan == nil {
		st.Resolved = false
		st.Step("No plan yet; re-observing")
		return nil
	}

	if l.cfg.Verify && st.acted {
		var failures []string
		for _, r := range st.Patches {
			if !r.Applied {
				failures = append(failures, fmt.Sprintf("patch %s failed: %s", r.Path, r.Reason))
			}
		}
		for _, prev := range st.Commands {
			if !runner.IsCheck(prev.Command) {
				continue
			}
			out := l.runner.Run(ctx, st.RepoPath, prev.Command)
			if !out.OK() {
				failures = append(failures, fmt.Sprintf("`%s` still failing after changes: %s", out.Command, outcomeDetail(out)))
			}
		}
		if len(failures) > 0 {
			st.Resolved = false
			st.Feedback = append(st.Feedback, failures...)
			st.Step("Verification failed: %s", strings.Join(failures, "; "))
			return nil
		}
	}

	st.Resolved = true
	inc.SetMeta(models.MetaResolvedAt, l.now().UTC().Format(time.RFC3339))
	st.Step("Evaluation passed; incident resolved")
	return nil
}

func describeOutcome(o runner.Outcome) string {
	switch {
	case o.TimedOut:
		return fmt.Sprintf("Command timed out: %s", o.Command)
	case o.Err != "":
		return fmt.Sprintf("Command failed to run: %s (%s)", o.Command, o.Err)
	default:
		return fmt.Sprintf("Ran %s: exit %d", o.Command, o.ExitCode)
	}
}

func outcomeDetail(o runner.Outcome) string {
	if o.TimedOut || o.Err != "" {
		return o.Err
	}
	detail := strings.TrimSpace(o.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(o.Stdout)
	}
	if len(detail) > 500 {
		detail = detail[len(detail)-500:]
	}
	return fmt.Sprintf("exit %d %s", o.ExitCode, detail)
}
