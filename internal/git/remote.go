package git

import (
	"fmt"
	"net/url"
	"strings"
)

// ExtractOwnerRepo parses a remote URL and returns owner/repo.
// SSH (git@host:owner/repo.git), HTTP(S) and local paths are accepted; for paths
// the last two segments are used.
func ExtractOwnerRepo(remoteURL string) (owner, repo string, err error) {
	var path string
	switch {
	case strings.HasPrefix(remoteURL, "git@"):
		parts := strings.SplitN(remoteURL, ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("cannot parse SSH remote: %s", remoteURL)
		}
		path = parts[1]
	case strings.Contains(remoteURL, "://"):
		u, perr := url.Parse(remoteURL)
		if perr != nil {
			return "", "", fmt.Errorf("cannot parse remote %s: %w", remoteURL, perr)
		}
		path = u.Path
	default:
		path = remoteURL
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	segments := strings.Split(path, "/")
	if len(segments) < 2 {
		return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
	}
	owner, repo = segments[len(segments)-2], segments[len(segments)-1]
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
	}
	return owner, repo, nil
}

// AuthURL embeds a token into an HTTP(S) remote for pushing. Other remotes, or an
// empty token, are returned unchanged.
func AuthURL(remoteURL, token string) string {
	if token == "" {
		return remoteURL
	}
	u, err := url.Parse(remoteURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return remoteURL
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}
