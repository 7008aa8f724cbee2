package git

import (
	"errors"
	"fmt"
	"io"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/joescharf/sentinell/internal/models"
)

// errStop ends a commit iteration early.
var errStop = errors.New("stop")

// RecentCommits reads up to limit commits reachable from HEAD in the clone at path.
func RecentCommits(path string, limit int) ([]models.CommitSummary, error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	iter, err := repo.Log(&gogit.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var commits []models.CommitSummary
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(commits) >= limit {
			return errStop
		}
		summary := models.CommitSummary{
			SHA:         c.Hash.String(),
			Author:      c.Author.Name,
			Title:       firstLine(c.Message),
			CommittedAt: c.Author.When,
		}
		if stats, err := c.Stats(); err == nil {
			for _, s := range stats {
				summary.Files = append(summary.Files, s.Name)
			}
		}
		commits = append(commits, summary)
		return nil
	})
	if err != nil && !errors.Is(err, errStop) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("walk commits: %w", err)
	}
	return commits, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
