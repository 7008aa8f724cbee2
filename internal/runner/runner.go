// Package runner executes allow-listed diagnostic commands inside a checkout.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single command.
const DefaultTimeout = 30 * time.Second

// SafePrefixes are the command prefixes allowed to run. Everything else is refused.
var SafePrefixes = []string{
	"pytest",
	"python -m pytest",
	"python3 -m pytest",
	"python -m py_compile",
	"python3 -m py_compile",
	"pip install -r ",
	"go test",
	"go vet",
	"go build",
	"npm test",
	"npm ci",
	"npm run test",
	"ls",
	"cat ",
	"head ",
	"tail ",
	"grep ",
	"rg ",
	"find ",
	"git status",
	"git diff",
	"git log",
	"git show",
}

// shellMeta are characters that would let a safe prefix chain into an unsafe command.
const shellMeta = ";&|`$<>\n"

// forbiddenArgs lists, per program, arguments that turn an allow-listed command into
// one that writes files or runs other programs. A trailing "*" matches any suffix;
// otherwise the argument matches exactly or as "flag=value".
var forbiddenArgs = map[string][]string{
	"find": {"-delete", "-exec", "-execdir", "-ok", "-okdir", "-fprint*", "-fls"},
	"git":  {"--output", "-o", "--ext-diff", "--textconv"},
	"rg":   {"--pre*", "--search-zip", "-z"},
}

// IsSafe reports whether cmd starts with an allow-listed prefix, carries no shell
// metacharacters and uses none of its program's forbidden arguments. A prefix must
// end at a word boundary, so "lsblk" is not "ls".
func IsSafe(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || strings.ContainsAny(cmd, shellMeta) {
		return false
	}
	for _, p := range SafePrefixes {
		if hasWordPrefix(cmd, p) {
			return !hasForbiddenArg(splitArgs(cmd))
		}
	}
	return false
}

// CheckPrefixes are the allow-listed commands whose exit status says whether the
// code is healthy. Inspection commands such as grep or git diff are not checks:
// a non-zero exit from them reports what they found.
var CheckPrefixes = []string{
	"pytest",
	"python -m pytest",
	"python3 -m pytest",
	"python -m py_compile",
	"python3 -m py_compile",
	"go test",
	"go vet",
	"go build",
	"npm test",
	"npm run test",
}

// IsCheck reports whether cmd is a test, build or compile step.
func IsCheck(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	for _, p := range CheckPrefixes {
		if hasWordPrefix(cmd, p) {
			return true
		}
	}
	return false
}

func hasWordPrefix(cmd, p string) bool {
	if !strings.HasPrefix(cmd, p) {
		return false
	}
	return len(cmd) == len(p) || strings.HasSuffix(p, " ") || cmd[len(p)] == ' '
}

func hasForbiddenArg(args []string) bool {
	if len(args) == 0 {
		return false
	}
	rules := forbiddenArgs[args[0]]
	for _, arg := range args[1:] {
		for _, rule := range rules {
			if prefix, ok := strings.CutSuffix(rule, "*"); ok {
				if strings.HasPrefix(arg, prefix) {
					return true
				}
				continue
			}
			if arg == rule || strings.HasPrefix(arg, rule+"=") {
				return true
			}
		}
	}
	return false
}

// FilterSafe splits commands into those allowed to run and those refused.
func FilterSafe(cmds []string) (safe, refused []string) {
	for _, c := range cmds {
		if IsSafe(c) {
			safe = append(safe, strings.TrimSpace(c))
		} else {
			refused = append(refused, c)
		}
	}
	return safe, refused
}

// Outcome is the captured result of one command.
type Outcome struct {
	Command  string        `json:"command"`
	Skipped  bool          `json:"skipped,omitempty"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the command ran and exited zero.
func (o Outcome) OK() bool {
	return !o.Skipped && !o.TimedOut && o.Err == "" && o.ExitCode == 0
}

// Runner executes safe commands with a wall-clock timeout.
type Runner struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// New returns a Runner. A zero timeout uses DefaultTimeout.
func New(timeout time.Duration, logger *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{Timeout: timeout, Logger: logger.Named("runner")}
}

// Run executes cmd in dir. It never returns an error: refusals, timeouts and start
// failures are recorded on the Outcome.
func (r *Runner) Run(ctx context.Context, dir, cmd string) Outcome {
	out := Outcome{Command: cmd}
	if !IsSafe(cmd) {
		out.Skipped = true
		out.ExitCode = -1
		out.Err = "command not in allow-list"
		r.Logger.Warn("refused unsafe command", zap.String("command", cmd))
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	fields := splitArgs(cmd)
	c := exec.CommandContext(ctx, fields[0], fields[1:]...)
	c.Dir = dir
	c.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "CI=1")
	c.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	out.Duration = time.Since(start)
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.TimedOut = true
		out.ExitCode = -1
		out.Err = "timed out after " + r.Timeout.String()
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	case err != nil:
		out.ExitCode = -1
		out.Err = err.Error()
	}

	r.Logger.Debug("command finished",
		zap.String("command", cmd),
		zap.String("dir", dir),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", out.Duration),
	)
	return out
}

// RunAll runs each command in order. Unsafe commands are recorded as skipped and
// a failing command does not stop the rest.
func (r *Runner) RunAll(ctx context.Context, dir string, cmds []string) []Outcome {
	outcomes := make([]Outcome, 0, len(cmds))
	for _, c := range cmds {
		outcomes = append(outcomes, r.Run(ctx, dir, c))
	}
	return outcomes
}

// splitArgs splits a command line on spaces, honouring single and double quotes.
func splitArgs(cmd string) []string {
	var args []string
	var cur strings.Builder
	var quote rune
	inArg := false
	for _, r := range cmd {
		switch {
		case quote != 0 && r == quote:
			quote = 0
		case quote != 0:
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args
}
