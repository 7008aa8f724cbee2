package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

// CommandError is returned when a git invocation fails. It carries the failing
// command and its captured stderr.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return redact(fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), msg))
}

func (e *CommandError) Unwrap() error { return e.Err }

var credentialsRe = regexp.MustCompile(`://[^/@\s]+:[^/@\s]+@`)

// redact hides credentials embedded in remote URLs.
func redact(s string) string {
	return credentialsRe.ReplaceAllString(s, "://***@")
}

// Run runs git with args and returns trimmed stdout. A non-empty dir is passed as -C.
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := run(ctx, dir, args...)
	return strings.TrimSpace(out), err
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

// IsDirty reports whether the working tree has staged, unstaged or untracked changes.
func IsDirty(ctx context.Context, dir string) (bool, error) {
	out, err := Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// CurrentBranch returns the checked-out branch name.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	return Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// ChangedFiles lists paths with pending changes in the working tree.
func ChangedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := run(ctx, dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		files = append(files, strings.TrimSpace(line[3:]))
	}
	return files, nil
}

// StagedFiles lists paths staged in the index relative to HEAD.
func StagedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := Run(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// IsRepo reports whether dir holds a git working tree.
func IsRepo(dir string) bool {
	info, err := os.Stat(dir + string(os.PathSeparator) + ".git")
	return err == nil && info.IsDir()
}

// IsCommandError reports whether err came from a failed git invocation.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}
