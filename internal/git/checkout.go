package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/joescharf/sentinell/internal/models"
)

// CheckoutManager keeps one local clone per repo under a base directory.
type CheckoutManager struct {
	base   string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCheckoutManager creates the base directory if needed.
func NewCheckoutManager(base string, logger *zap.Logger) (*CheckoutManager, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("create checkouts dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckoutManager{
		base:   base,
		logger: logger.Named("checkout"),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Path returns where the repo's clone lives, whether or not it exists yet.
func (m *CheckoutManager) Path(repo *models.Repo) string {
	return filepath.Join(m.base, repo.ID)
}

// Exists reports whether a clone is present for repo.
func (m *CheckoutManager) Exists(repo *models.Repo) bool {
	return IsRepo(m.Path(repo))
}

// Lock serialises work on one repo's checkout. Callers must call the returned
// function to release it.
func (m *CheckoutManager) Lock(repoID string) func() {
	m.mu.Lock()
	l, ok := m.locks[repoID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[repoID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Ensure makes sure a clone of repo exists and returns its path. An existing clone
// fetches the default branch; unless preserveChanges is set it is then hard reset
// to origin and cleaned, discarding local edits. With preserveChanges the working
// tree is left untouched.
func (m *CheckoutManager) Ensure(ctx context.Context, repo *models.Repo, preserveChanges bool) (string, error) {
	if repo == nil {
		return "", fmt.Errorf("ensure checkout: no repo")
	}
	path := m.Path(repo)
	branch := repo.DefaultBranch
	log := m.logger.With(zap.String("repo", repo.Name), zap.String("path", path))

	if IsRepo(path) {
		if _, err := Run(ctx, path, "fetch", "origin", branch); err != nil {
			return "", err
		}
		if preserveChanges {
			log.Debug("fetched, keeping working tree")
			return path, nil
		}
		for _, args := range [][]string{
			{"checkout", "-f", branch},
			{"reset", "--hard", "origin/" + branch},
			{"clean", "-fd"},
		} {
			if _, err := Run(ctx, path, args...); err != nil {
				return "", err
			}
		}
		log.Debug("synced to origin", zap.String("branch", branch))
		return path, nil
	}

	// A leftover directory without .git cannot be cloned into.
	if _, err := os.Stat(path); err == nil {
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("remove stale checkout: %w", err)
		}
	}
	if _, err := Run(ctx, "", "clone", repo.RepoURL, path); err != nil {
		return "", err
	}
	if _, err := Run(ctx, path, "checkout", branch); err != nil {
		return "", err
	}
	log.Info("cloned", zap.String("branch", branch))
	return path, nil
}
