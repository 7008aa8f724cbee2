// Package publish turns the working-tree changes left by a resolution run into a
// pushed branch and an open pull request.
package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joescharf/sentinell/internal/git"
	"github.com/joescharf/sentinell/internal/models"
)

// Defaults for Config fields left empty.
const (
	DefaultBranchPrefix = "sentinell/"
	DefaultNotesDir     = ".sentinell"
	DefaultUserName     = "Sentinell Bot"
	DefaultUserEmail    = "bot@sentinell.local"
)

var (
	// ErrBranchIsDefault guards against opening a PR from the base branch onto itself.
	ErrBranchIsDefault = errors.New("head branch equals default branch")
	// ErrNoHosting is returned when no code host client is configured.
	ErrNoHosting = errors.New("no code hosting client configured")
)

// Config controls the bot identity, branch naming and push credentials.
type Config struct {
	Token        string
	UserName     string
	UserEmail    string
	BranchPrefix string
	NotesDir     string
}

func (c *Config) applyDefaults() {
	if c.UserName == "" {
		c.UserName = DefaultUserName
	}
	if c.UserEmail == "" {
		c.UserEmail = DefaultUserEmail
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if c.NotesDir == "" {
		c.NotesDir = DefaultNotesDir
	}
}

// Publisher commits, pushes and opens PRs for resolved plans.
type Publisher struct {
	checkouts *git.CheckoutManager
	hosting   Hosting
	cfg       Config
	logger    *zap.Logger

	now        func() time.Time
	branchName func(plan *models.ActionPlan, inc *models.Incident) string
}

// New returns a Publisher. Callers hold the repo's checkout lock around CreatePR.
func New(checkouts *git.CheckoutManager, hosting Hosting, cfg Config, logger *zap.Logger) *Publisher {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		checkouts: checkouts,
		hosting:   hosting,
		cfg:       cfg,
		logger:    logger.Named("publish"),
		now:       time.Now,
	}
	p.branchName = func(plan *models.ActionPlan, inc *models.Incident) string {
		return BranchName(p.cfg.BranchPrefix, plan, inc)
	}
	return p
}

// CreatePR publishes the plan for repo. changed lists the repo-relative paths
// the patch applier wrote; only those are committed. When none of them has a
// pending change the plan is committed as a notes file instead. An empty URL in
// the result means there was nothing to commit.
func (p *Publisher) CreatePR(ctx context.Context, repo *models.Repo, plan *models.ActionPlan, inc *models.Incident, changed []string) (models.PRResult, error) {
	if repo == nil || plan == nil {
		return models.PRResult{}, fmt.Errorf("create PR: repo and plan are required")
	}
	if p.hosting == nil {
		return models.PRResult{}, ErrNoHosting
	}
	owner, name, err := git.ExtractOwnerRepo(repo.RepoURL)
	if err != nil {
		return models.PRResult{}, err
	}

	branch := p.branchName(plan, inc)
	if branch == repo.DefaultBranch {
		return models.PRResult{}, fmt.Errorf("create PR for %s: %w", branch, ErrBranchIsDefault)
	}

	dir, err := p.checkouts.Ensure(ctx, repo, true)
	if err != nil {
		return models.PRResult{}, err
	}
	log := p.logger.With(zap.String("repo", repo.Name), zap.String("branch", branch))

	if err := p.git(ctx, dir, "config", "user.name", p.cfg.UserName); err != nil {
		return models.PRResult{}, err
	}
	if err := p.git(ctx, dir, "config", "user.email", p.cfg.UserEmail); err != nil {
		return models.PRResult{}, err
	}

	pending, err := pendingPaths(ctx, dir, changed)
	if err != nil {
		return models.PRResult{}, err
	}
	if len(pending) > 0 {
		log.Info("committing patched files", zap.Strings("files", pending))
		if err := p.git(ctx, dir, "checkout", "-B", branch); err != nil {
			return models.PRResult{}, err
		}
		if err := p.git(ctx, dir, append([]string{"add", "--"}, pending...)...); err != nil {
			return models.PRResult{}, err
		}
	} else {
		if dirty, err := git.IsDirty(ctx, dir); err == nil && dirty {
			log.Info("discarding working tree changes not written by patches")
		}
		for _, args := range [][]string{
			{"checkout", "-f", repo.DefaultBranch},
			{"clean", "-fd"},
			{"pull", "--ff-only", "origin", repo.DefaultBranch},
			{"checkout", "-B", branch},
		} {
			if err := p.git(ctx, dir, args...); err != nil {
				return models.PRResult{}, err
			}
		}
		notes, err := p.writeNotes(dir, plan, inc)
		if err != nil {
			return models.PRResult{}, err
		}
		if err := p.git(ctx, dir, "add", "--", notes); err != nil {
			return models.PRResult{}, err
		}
	}
	if staged, err := git.StagedFiles(ctx, dir); err != nil {
		return models.PRResult{}, err
	} else if len(staged) == 0 {
		log.Info("nothing to commit, no PR needed")
		return models.PRResult{Branch: repo.DefaultBranch}, nil
	}

	head, err := git.CurrentBranch(ctx, dir)
	if err != nil {
		return models.PRResult{}, err
	}
	if head == repo.DefaultBranch {
		return models.PRResult{}, fmt.Errorf("commit on %s: %w", head, ErrBranchIsDefault)
	}

	message := plan.PRTitle
	if message == "" {
		message = "fix: " + plan.Summary
	}
	if err := p.git(ctx, dir, "commit", "-m", message); err != nil {
		return models.PRResult{}, err
	}

	// Refresh the tracking ref so the lease matches a branch left by an earlier attempt.
	if err := p.git(ctx, dir, "fetch", "origin", branch); err != nil {
		log.Debug("fetch of existing branch failed", zap.Error(err))
	}
	pushURL := git.AuthURL(repo.RepoURL, p.cfg.Token)
	if err := p.git(ctx, dir, "-c", "remote.origin.pushurl="+pushURL, "push", "origin", branch, "--force-with-lease"); err != nil {
		return models.PRResult{}, err
	}

	body := plan.PRBody
	if body == "" {
		body = plan.Summary
	}
	if body == "" {
		body = "Automated remediation"
	}
	prURL, reused, err := p.hosting.OpenPullRequest(ctx, owner, name, PullRequest{
		Title: message,
		Head:  branch,
		Base:  repo.DefaultBranch,
		Body:  body,
	})
	if err != nil {
		return models.PRResult{}, err
	}
	log.Info("pull request published", zap.String("url", prURL), zap.Bool("reused", reused))
	return models.PRResult{URL: prURL, Branch: branch, Reused: reused}, nil
}

func (p *Publisher) git(ctx context.Context, dir string, args ...string) error {
	_, err := git.Run(ctx, dir, args...)
	return err
}

// pendingPaths returns the entries of want that git reports as changed in dir.
func pendingPaths(ctx context.Context, dir string, want []string) ([]string, error) {
	if len(want) == 0 {
		return nil, nil
	}
	files, err := git.ChangedFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	dirty := make(map[string]bool, len(files))
	for _, f := range files {
		dirty[f] = true
	}
	var out []string
	seen := map[string]bool{}
	for _, w := range want {
		rel := path.Clean(filepath.ToSlash(strings.TrimSpace(w)))
		if dirty[rel] && !seen[rel] {
			seen[rel] = true
			out = append(out, rel)
		}
	}
	return out, nil
}

// writeNotes materialises the plan as markdown and returns its repo-relative path.
func (p *Publisher) writeNotes(dir string, plan *models.ActionPlan, inc *models.Incident) (string, error) {
	notesDir := filepath.Join(dir, p.cfg.NotesDir)
	if err := os.MkdirAll(notesDir, 0755); err != nil {
		return "", fmt.Errorf("create notes dir: %w", err)
	}
	id := "adhoc-" + randomHex(8)
	if inc != nil {
		id = inc.ID
	}
	name := "incident-" + id + ".md"
	if err := os.WriteFile(filepath.Join(notesDir, name), []byte(RenderNotes(plan, inc, p.now())), 0644); err != nil {
		return "", fmt.Errorf("write plan notes: %w", err)
	}
	return path.Join(filepath.ToSlash(p.cfg.NotesDir), name), nil
}

// RenderNotes formats the plan markdown committed when Act left no changes.
func RenderNotes(plan *models.ActionPlan, inc *models.Incident, at time.Time) string {
	var b strings.Builder
	b.WriteString("# Sentinell Remediation Plan\n")
	if inc != nil {
		fmt.Fprintf(&b, "Incident: %s\n", inc.ID)
	} else {
		b.WriteString("Incident: ad-hoc\n")
	}
	fmt.Fprintf(&b, "Generated: %s\n\n", at.UTC().Format(time.RFC3339))

	fmt.Fprintf(&b, "## Summary\n%s\n\n", plan.Summary)

	b.WriteString("## Commands\n")
	if len(plan.Commands) == 0 {
		b.WriteString("- No commands suggested\n")
	}
	for _, c := range plan.Commands {
		fmt.Fprintf(&b, "- %s\n", c)
	}

	b.WriteString("\n## Files to touch\n")
	if len(plan.FilesToTouch) == 0 {
		b.WriteString("- Not specified\n")
	}
	for _, f := range plan.FilesToTouch {
		fmt.Fprintf(&b, "- %s\n", f)
	}

	body := plan.PRBody
	if body == "" {
		body = "No PR body provided"
	}
	fmt.Fprintf(&b, "\n## PR Notes\n%s\n", body)
	return b.String()
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s, collapses non-alphanumerics to "-" and truncates to 32 chars.
func Slugify(s string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(slug) > 32 {
		slug = strings.TrimRight(slug[:32], "-")
	}
	if slug == "" {
		return "auto-fix"
	}
	return slug
}

// BranchName returns prefix + slug + "-" + a 6 hex char suffix. The suffix is
// derived from the incident ID when there is one, so retries reuse the branch;
// otherwise it is random.
func BranchName(prefix string, plan *models.ActionPlan, inc *models.Incident) string {
	base := ""
	if plan != nil {
		base = plan.PRTitle
		if base == "" {
			base = plan.Summary
		}
	}
	suffix := randomHex(6)
	if inc != nil && inc.ID != "" {
		suffix = strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceOID, []byte(inc.ID)).String(), "-", "")[:6]
	}
	return prefix + Slugify(base) + "-" + suffix
}

func randomHex(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
