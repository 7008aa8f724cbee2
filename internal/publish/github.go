package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v58/github"
)

// Hosting opens pull requests on the code host.
type Hosting interface {
	// OpenPullRequest creates a PR, or returns the URL of the open PR that already
	// exists for head with reused set.
	OpenPullRequest(ctx context.Context, owner, repo string, pr PullRequest) (prURL string, reused bool, err error)
}

// PullRequest is the payload for a new PR.
type PullRequest struct {
	Title string
	Head  string
	Base  string
	Body  string
}

// GitHubHosting talks to the GitHub REST API.
type GitHubHosting struct {
	client *github.Client
}

// NewGitHubHosting builds a client authenticated with token. A non-empty apiURL
// replaces https://api.github.com/.
func NewGitHubHosting(token, apiURL string, httpClient *http.Client) (*GitHubHosting, error) {
	client := github.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if apiURL != "" {
		if !strings.HasSuffix(apiURL, "/") {
			apiURL += "/"
		}
		u, err := url.Parse(apiURL)
		if err != nil {
			return nil, fmt.Errorf("parse github api url: %w", err)
		}
		client.BaseURL = u
	}
	return &GitHubHosting{client: client}, nil
}

func (g *GitHubHosting) OpenPullRequest(ctx context.Context, owner, repo string, pr PullRequest) (string, bool, error) {
	created, _, err := g.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(pr.Title),
		Head:  github.String(pr.Head),
		Base:  github.String(pr.Base),
		Body:  github.String(pr.Body),
	})
	if err == nil {
		return created.GetHTMLURL(), false, nil
	}
	if !isAlreadyExists(err) {
		return "", false, fmt.Errorf("create pull request %s/%s %s: %w", owner, repo, pr.Head, err)
	}

	existing, _, lerr := g.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + pr.Head,
		Base:  pr.Base,
	})
	if lerr != nil {
		return "", false, fmt.Errorf("find existing pull request for %s: %w", pr.Head, lerr)
	}
	if len(existing) == 0 {
		return "", false, fmt.Errorf("create pull request %s/%s %s: %w", owner, repo, pr.Head, err)
	}
	return existing[0].GetHTMLURL(), true, nil
}

// isAlreadyExists reports a 422 whose validation errors say the PR exists.
func isAlreadyExists(err error) bool {
	var er *github.ErrorResponse
	if !errors.As(err, &er) || er.Response == nil || er.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	if strings.Contains(er.Message, "already exists") {
		return true
	}
	for _, e := range er.Errors {
		if strings.Contains(e.Message, "already exists") {
			return true
		}
	}
	return false
}
