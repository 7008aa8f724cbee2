// Package patch applies proposed {old, new} code replacements to files in a checkout.
package patch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joescharf/sentinell/internal/models"
)

// MaxPathLength is the longest file path accepted in a change set.
const MaxPathLength = 200

// failureSentinels are placeholder paths an oracle emits when it could not locate the bug.
var failureSentinels = []string{"Unable to determine"}

// ErrInvalidChangeSet marks a change set that must not be applied at all.
var ErrInvalidChangeSet = errors.New("invalid change set")

// Strategy names how a change was applied.
type Strategy string

const (
	StrategyExact   Strategy = "exact"
	StrategyFuzzy   Strategy = "fuzzy"
	StrategyCreated Strategy = "created"
)

// Result reports the outcome of applying one change.
type Result struct {
	Path     string   `json:"path"`
	Applied  bool     `json:"applied"`
	Strategy Strategy `json:"strategy,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// ValidatePath checks a change's file path.
func ValidatePath(path string) error {
	switch {
	case strings.TrimSpace(path) == "":
		return fmt.Errorf("%w: empty file path", ErrInvalidChangeSet)
	case len(path) > MaxPathLength:
		return fmt.Errorf("%w: file path longer than %d characters", ErrInvalidChangeSet, MaxPathLength)
	}
	for _, s := range failureSentinels {
		if strings.Contains(path, s) {
			return fmt.Errorf("%w: placeholder file path %q", ErrInvalidChangeSet, path)
		}
	}
	if !filepath.IsLocal(filepath.FromSlash(path)) {
		return fmt.Errorf("%w: file path %q escapes the checkout", ErrInvalidChangeSet, path)
	}
	return nil
}

// Validate checks a single change.
func Validate(path string, change models.CodeChange) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if strings.TrimSpace(change.NewCode) == "" {
		return fmt.Errorf("%w: empty new code for %s", ErrInvalidChangeSet, path)
	}
	return nil
}

// ValidateChangeSet checks every change; one bad entry invalidates the whole set.
func ValidateChangeSet(changes map[string]models.CodeChange) error {
	for _, path := range sortedKeys(changes) {
		if err := Validate(path, changes[path]); err != nil {
			return err
		}
	}
	return nil
}

// Applier patches files under a checkout root.
type Applier struct {
	root string
}

// NewApplier returns an Applier rooted at a checkout directory.
func NewApplier(root string) *Applier {
	return &Applier{root: root}
}

// Apply replaces oldCode with newCode in path. A missing file is created with newCode.
// An existing file is patched by exact substring replacement of every occurrence, falling
// back to replacing the trimmed span on the first line that contains the trimmed oldCode.
// The fuzzy fallback edits at most one line, so it can under-fix multi-line bugs.
func (a *Applier) Apply(path, oldCode, newCode string) (Result, error) {
	res := Result{Path: path}
	if err := Validate(path, models.CodeChange{OldCode: oldCode, NewCode: newCode}); err != nil {
		return res, err
	}

	full := filepath.Join(a.root, filepath.FromSlash(path))
	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return res, fmt.Errorf("create parent dir for %s: %w", path, err)
		}
		if err := os.WriteFile(full, []byte(newCode), 0644); err != nil {
			return res, fmt.Errorf("create %s: %w", path, err)
		}
		res.Applied = true
		res.Strategy = StrategyCreated
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		res.Reason = "path is a directory"
		return res, nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return res, fmt.Errorf("read %s: %w", path, err)
	}
	content := string(data)

	if strings.TrimSpace(oldCode) == "" {
		res.Reason = "old code is empty for an existing file"
		return res, nil
	}

	var patched string
	switch {
	case strings.Contains(content, oldCode):
		patched = strings.ReplaceAll(content, oldCode, newCode)
		res.Strategy = StrategyExact
	default:
		var ok bool
		patched, ok = replaceFirstLine(content, strings.TrimSpace(oldCode), strings.TrimSpace(newCode))
		if !ok {
			res.Reason = "old code not found in file"
			return res, nil
		}
		res.Strategy = StrategyFuzzy
	}

	if err := os.WriteFile(full, []byte(patched), info.Mode().Perm()); err != nil {
		return res, fmt.Errorf("write %s: %w", path, err)
	}
	res.Applied = true
	return res, nil
}

// replaceFirstLine swaps the first occurrence of old on the first line containing it.
func replaceFirstLine(content, old, replacement string) (string, bool) {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if strings.Contains(line, old) {
			lines[i] = strings.Replace(line, old, replacement, 1)
			return strings.Join(lines, "\n"), true
		}
	}
	return content, false
}

// ApplyPlan validates the plan's change set and applies every change whose path is
// listed in files_to_touch. A change whose path is not listed is reported as a
// failed Result. Validation failure aborts before any file is written.
func (a *Applier) ApplyPlan(plan *models.ActionPlan) ([]Result, error) {
	if plan == nil || len(plan.CodeChanges) == 0 {
		return nil, nil
	}
	if err := ValidateChangeSet(plan.CodeChanges); err != nil {
		return nil, err
	}

	var results []Result
	reached := make(map[string]bool, len(plan.CodeChanges))
	for _, path := range plan.FilesToTouch {
		change, ok := plan.CodeChanges[path]
		if !ok || reached[path] {
			continue
		}
		reached[path] = true
		res, err := a.Apply(path, change.OldCode, change.NewCode)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	for _, path := range sortedKeys(plan.CodeChanges) {
		if !reached[path] {
			results = append(results, Result{Path: path, Reason: "not listed in files_to_touch"})
		}
	}
	return results, nil
}

func sortedKeys(m map[string]models.CodeChange) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
