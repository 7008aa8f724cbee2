// Package planner turns an incident and its context into an ActionPlan using an
// LLM oracle. The oracle is treated as fallible: any failure to reach it or to
// parse its answer yields a deterministic fallback plan.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/joescharf/sentinell/internal/llm"
	"github.com/joescharf/sentinell/internal/models"
)

// Oracle completes a system+user prompt pair.
type Oracle interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Request is everything the planner knows about one attempt.
type Request struct {
	Incident *models.Incident
	Repo     *models.Repo
	// Context is the combined log, chat, commit and retrieval blob.
	Context string
	// Language of the checkout, when known.
	Language string
	// Feedback describes why earlier attempts in this run did not resolve the incident.
	Feedback []string
}

// Generator produces plans.
type Generator struct {
	oracle  Oracle
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New returns a Generator. A nil oracle always produces the fallback plan.
// requestsPerMinute <= 0 disables rate limiting.
func New(oracle Oracle, requestsPerMinute int, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Generator{oracle: oracle, logger: logger.Named("planner")}
	if requestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
	}
	return g
}

// Generate always returns a non-nil plan.
func (g *Generator) Generate(ctx context.Context, req Request) *models.ActionPlan {
	log := g.logger
	if req.Incident != nil {
		log = log.With(zap.String("incident_id", req.Incident.ID))
	}
	if g.oracle == nil {
		log.Debug("no oracle configured, using fallback plan")
		return Fallback(req.Incident)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			log.Warn("rate limiter wait aborted, using fallback plan", zap.Error(err))
			return Fallback(req.Incident)
		}
	}

	text, err := g.oracle.Complete(ctx, SystemPrompt, BuildPrompt(req))
	if err != nil {
		log.Warn("oracle call failed, using fallback plan", zap.Error(err))
		return Fallback(req.Incident)
	}
	plan, err := Parse(text)
	if err != nil {
		log.Warn("oracle answer unusable, using fallback plan", zap.Error(err))
		return Fallback(req.Incident)
	}
	log.Info("plan generated",
		zap.Int("commands", len(plan.Commands)),
		zap.Int("code_changes", len(plan.CodeChanges)))
	return plan
}

// ErrEmptyPlan is returned by Parse when the object has no summary.
var ErrEmptyPlan = errors.New("plan has no summary")

// Parse carves the first top-level object out of text and decodes it strictly
// as a plan. Unknown keys are ignored; wrong types are an error.
func Parse(text string) (*models.ActionPlan, error) {
	raw, err := llm.ExtractObject(text)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	var plan models.ActionPlan
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode plan: trailing data after object")
	}
	plan.Summary = strings.TrimSpace(plan.Summary)
	if plan.Summary == "" {
		return nil, ErrEmptyPlan
	}
	plan.Fallback = false
	Normalize(&plan)
	return &plan, nil
}

// Normalize trims commands and paths, drops empties and duplicates, and makes
// sure every code change path is listed in FilesToTouch. Code change keys are
// trimmed too so they match their FilesToTouch entry.
func Normalize(plan *models.ActionPlan) {
	plan.Commands = compact(plan.Commands)

	if len(plan.CodeChanges) > 0 {
		changes := make(map[string]models.CodeChange, len(plan.CodeChanges))
		for path, change := range plan.CodeChanges {
			p := strings.TrimSpace(path)
			if _, dup := changes[p]; dup && p != path {
				continue
			}
			changes[p] = change
		}
		plan.CodeChanges = changes
	}

	files := compact(plan.FilesToTouch)
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f] = true
	}
	var extra []string
	for p := range plan.CodeChanges {
		if p != "" && !seen[p] {
			seen[p] = true
			extra = append(extra, p)
		}
	}
	sort.Strings(extra)
	plan.FilesToTouch = append(files, extra...)
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Fallback builds the deterministic plan used when the oracle cannot help.
// It never has empty commands, files or title.
func Fallback(inc *models.Incident) *models.ActionPlan {
	title := "incident"
	file := "README.md"
	if inc != nil {
		if t := strings.TrimSpace(inc.Title); t != "" {
			title = t
		}
		if f := inc.MetaString("file"); f != "" {
			file = f
		}
	}
	return &models.ActionPlan{
		Summary:      fmt.Sprintf("Investigate %s: automated diagnosis was unavailable, gather repository state for a human.", title),
		Commands:     []string{"git status", "git log -n 5 --oneline"},
		FilesToTouch: []string{file},
		PRTitle:      "fix: investigate " + title,
		PRBody:       "Automated planning could not produce a fix for this incident. This PR records the investigation notes.",
		Fallback:     true,
	}
}
