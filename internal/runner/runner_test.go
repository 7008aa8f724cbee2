package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSafe(t *testing.T) {
	safe := []string{
		"pytest",
		"pytest tests/test_ledger.py -q",
		"python -m pytest -q",
		"python -m py_compile ledger.py",
		"go test ./...",
		"go vet ./...",
		"npm test",
		"ls",
		"ls -la src",
		"cat ledger.py",
		"grep -rn balance .",
		"git status",
		"git log -n 5 --oneline",
		"  git diff  ",
		"pip install -r requirements.txt",
		"find . -name '*.py' -type f",
		"git diff --stat HEAD~1",
		"rg -n balance src",
		"grep -rn -e delete .",
	}
	for _, c := range safe {
		assert.True(t, IsSafe(c), "expected safe: %q", c)
	}

	unsafe := []string{
		"",
		"rm -rf /",
		"lsblk",
		"catastrophe.sh",
		"git push origin main",
		"git reset --hard",
		"ls; rm -rf /",
		"cat ledger.py && curl evil.sh",
		"grep x $(whoami)",
		"ls > out.txt",
		"pip install requests",
		"kubectl delete pod api",
		"sudo ls",
		"ls `id`",
		"find . -delete",
		"find . -name '*.pyc' -exec rm -f {} +",
		"find . -execdir rm {} ;",
		"find . -ok rm {} +",
		"find . -fprintf out.txt %p",
		"find . -fprint0 out.txt",
		"git diff --output=ledger.py",
		"git diff --output ledger.py",
		"git log -o ledger.py",
		"git show --ext-diff HEAD",
		"rg --pre=rm x .",
		"rg --pre rm x .",
		"rg --pre-glob '*.py' --pre=cat x",
	}
	for _, c := range unsafe {
		assert.False(t, IsSafe(c), "expected unsafe: %q", c)
	}
}

func TestIsSafe_ImpliesAllowListedPrefix(t *testing.T) {
	candidates := []string{
		"pytest -x", "go test", "gofmt -w .", "npm install", "npm ci", "find . -name x",
		"rg TODO", "git log", "git logx", "git statuses", "python -c 'print(1)'", "echo hi",
	}
	for _, c := range candidates {
		if !IsSafe(c) {
			continue
		}
		matched := false
		for _, p := range SafePrefixes {
			if strings.HasPrefix(strings.TrimSpace(c), p) {
				matched = true
			}
		}
		assert.True(t, matched, "%q was judged safe without an allow-listed prefix", c)
	}
	assert.False(t, IsSafe("git logx"))
	assert.False(t, IsSafe("git statuses"))
}

func TestRun_RefusesFindExec(t *testing.T) {
	dir := t.TempDir()
	ledger := filepath.Join(dir, "ledger.py")
	require.NoError(t, os.WriteFile(ledger, []byte("balance = 0\n"), 0644))

	out := New(5*time.Second, nil).Run(context.Background(), dir, "find . -exec rm -f {} +")
	assert.True(t, out.Skipped)
	assert.False(t, out.OK())
	_, err := os.Stat(ledger)
	assert.NoError(t, err, "refused command must not touch the checkout")
}

func TestFilterSafe(t *testing.T) {
	safe, refused := FilterSafe([]string{"pytest -q", "rm -rf build", "git status"})
	assert.Equal(t, []string{"pytest -q", "git status"}, safe)
	assert.Equal(t, []string{"rm -rf build"}, refused)
}

func TestIsCheck(t *testing.T) {
	for _, cmd := range []string{"pytest -q", "python3 -m py_compile ledger.py", "go test ./...", "npm run test", " go vet ./... "} {
		assert.True(t, IsCheck(cmd), cmd)
	}
	for _, cmd := range []string{"grep -n balance ledger.py", "git diff --exit-code", "ls", "pytestx", "npm ci", ""} {
		assert.False(t, IsCheck(cmd), cmd)
	}
}

func TestSplitArgs(t *testing.T) {
	assert.Equal(t, []string{"grep", "-rn", "foo bar", "."}, splitArgs(`grep -rn "foo bar" .`))
	assert.Equal(t, []string{"grep", "it's"}, splitArgs(`grep "it's"`))
	assert.Equal(t, []string{"ls"}, splitArgs("  ls  "))
	assert.Equal(t, []string{"grep", ""}, splitArgs(`grep ""`))
}

func TestRun_CapturesOutput(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ledger.py"), []byte("balance = 0\n"), 0644))

	r := New(5*time.Second, nil)
	out := r.Run(context.Background(), dir, "cat ledger.py")
	assert.True(t, out.OK())
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "balance = 0\n", out.Stdout)
}

func TestRun_NonZeroExit(t *testing.T) {
	dir := t.TempDir()
	r := New(5*time.Second, nil)

	out := r.Run(context.Background(), dir, "ls does-not-exist")
	assert.False(t, out.OK())
	assert.NotEqual(t, 0, out.ExitCode)
	assert.NotEmpty(t, out.Stderr)
	assert.Empty(t, out.Err)
}

func TestRun_RefusesUnsafe(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0644))

	out := New(time.Second, nil).Run(context.Background(), dir, "rm "+marker)
	assert.True(t, out.Skipped)
	assert.False(t, out.OK())
	_, err := os.Stat(marker)
	assert.NoError(t, err, "refused command must not run")
}

func TestRun_Timeout(t *testing.T) {
	r := New(200*time.Millisecond, nil)

	start := time.Now()
	out := r.Run(context.Background(), t.TempDir(), "tail -f /dev/null")
	assert.True(t, out.TimedOut)
	assert.False(t, out.OK())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_MissingBinaryIsRecorded(t *testing.T) {
	// Allow-listed but not installed in most environments.
	r := New(time.Second, nil)
	out := r.Run(context.Background(), t.TempDir(), "rg definitely-not-there")
	if out.Err == "" && out.ExitCode != -1 {
		t.Skip("rg is installed")
	}
	assert.False(t, out.OK())
}

func TestRunAll_ContinuesAfterFailure(t *testing.T) {
	r := New(5*time.Second, nil)
	outs := r.RunAll(context.Background(), t.TempDir(), []string{"ls missing", "rm -rf x", "ls"})
	require.Len(t, outs, 3)
	assert.False(t, outs[0].OK())
	assert.True(t, outs[1].Skipped)
	assert.True(t, outs[2].OK())
}
