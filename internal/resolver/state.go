package resolver

import (
	"fmt"
	"slices"

	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/patch"
	"github.com/joescharf/sentinell/internal/runner"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeResolved         Outcome = "resolved"
	OutcomeUnresolved       Outcome = "unresolved"
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
)

// State is the working memory of one incident pass. It is created fresh for
// every run and mutated by each stage in turn.
type State struct {
	Context *models.IncidentContext

	// ApprovedPlan, when set, is used by the first Reason instead of planning.
	ApprovedPlan *models.ActionPlan

	Plan     *models.ActionPlan
	Steps    []string
	Resolved bool

	AwaitingApproval bool
	Iteration        int

	// Feedback collects verification failures and is fed to later plans.
	Feedback []string

	// Populated by Act for the current iteration.
	acted    bool
	RepoPath string
	Commands []runner.Outcome
	Refused  []string
	Patches  []patch.Result
}

// NewState wraps a hydrated context. ictx may be nil.
func NewState(ictx *models.IncidentContext) *State {
	return &State{Context: ictx}
}

// Incident returns the bound incident or nil.
func (s *State) Incident() *models.Incident {
	if s.Context == nil {
		return nil
	}
	return s.Context.Incident
}

// Repo returns the bound repo or nil.
func (s *State) Repo() *models.Repo {
	if s.Context == nil {
		return nil
	}
	return s.Context.Repo
}

// Step appends a human-readable entry to the run's trail.
func (s *State) Step(format string, args ...any) {
	s.Steps = append(s.Steps, fmt.Sprintf(format, args...))
}

// AppliedPaths returns the sorted, de-duplicated paths of patches that were
// written in the last Act.
func (s *State) AppliedPaths() []string {
	var paths []string
	for _, r := range s.Patches {
		if r.Applied && !slices.Contains(paths, r.Path) {
			paths = append(paths, r.Path)
		}
	}
	slices.Sort(paths)
	return paths
}

func (s *State) resetAct() {
	s.acted = false
	s.Commands = nil
	s.Refused = nil
	s.Patches = nil
}
