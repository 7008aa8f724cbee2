package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sentinell/internal/models"
)

type fakeOracle struct {
	answer string
	err    error
	system string
	user   string
	calls  int
}

func (f *fakeOracle) Complete(_ context.Context, system, user string) (string, error) {
	f.calls++
	f.system, f.user = system, user
	return f.answer, f.err
}

func testIncident() *models.Incident {
	return &models.Incident{
		ID:          "01INC",
		Title:       "Sign flip in withdrawal",
		Description: "Balance increased by $500 on withdrawal",
		SignalType:  models.SignalManual,
		Severity:    models.SeverityHigh,
	}
}

const ledgerAnswer = `Here is my analysis:
` + "```json" + `
{
  "summary": "withdraw adds instead of subtracting",
  "commands": ["python -m pytest -q", "  ", "python -m pytest -q"],
  "files_to_touch": [],
  "pr_title": "fix: subtract on withdrawal",
  "root_cause": "operator typo",
  "code_changes": {
    "ledger.py": {"old_code": "self.balance += amount", "new_code": "self.balance -= amount"}
  }
}
` + "```" + `
Let me know if you need more.`

func TestGenerate_ParsesOracleAnswer(t *testing.T) {
	oracle := &fakeOracle{answer: ledgerAnswer}
	g := New(oracle, 0, nil)

	plan := g.Generate(context.Background(), Request{
		Incident: testIncident(),
		Repo:     &models.Repo{Name: "ledger", DefaultBranch: "main"},
		Context:  "[2026-03-01T10:00:00Z] ERROR balance went up on withdraw",
	})

	want := &models.ActionPlan{
		Summary:      "withdraw adds instead of subtracting",
		Commands:     []string{"python -m pytest -q"},
		FilesToTouch: []string{"ledger.py"},
		PRTitle:      "fix: subtract on withdrawal",
		CodeChanges: map[string]models.CodeChange{
			"ledger.py": {OldCode: "self.balance += amount", NewCode: "self.balance -= amount"},
		},
	}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, SystemPrompt, oracle.system)
	assert.Contains(t, oracle.user, "Sign flip in withdrawal")
	assert.Contains(t, oracle.user, "ERROR balance went up")
	assert.Contains(t, oracle.user, "ledger (default branch main)")
}

func TestGenerate_ProseFallsBack(t *testing.T) {
	oracle := &fakeOracle{answer: "I think the withdrawal code has a sign error; try flipping it."}
	plan := New(oracle, 0, nil).Generate(context.Background(), Request{Incident: testIncident()})

	require.NotNil(t, plan)
	assert.True(t, plan.Fallback)
	assert.NotEmpty(t, plan.Commands)
	assert.NotEmpty(t, plan.FilesToTouch)
	assert.NotEmpty(t, plan.PRTitle)
	assert.Equal(t, Fallback(testIncident()), plan)
}

func TestGenerate_OracleErrorFallsBack(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("overloaded")}
	plan := New(oracle, 0, nil).Generate(context.Background(), Request{Incident: testIncident()})
	assert.True(t, plan.Fallback)
	assert.Equal(t, 1, oracle.calls)
}

func TestGenerate_NoOracle(t *testing.T) {
	plan := New(nil, 0, nil).Generate(context.Background(), Request{})
	require.NotNil(t, plan)
	assert.True(t, plan.Fallback)
	assert.Equal(t, "fix: investigate incident", plan.PRTitle)
}

func TestGenerate_CancelledWhileRateLimited(t *testing.T) {
	oracle := &fakeOracle{answer: ledgerAnswer}
	g := New(oracle, 1, nil)

	plan := g.Generate(context.Background(), Request{Incident: testIncident()})
	assert.False(t, plan.Fallback)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	plan = g.Generate(ctx, Request{Incident: testIncident()})
	assert.True(t, plan.Fallback)
	assert.Equal(t, 1, oracle.calls)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no object", "nothing here"},
		{"malformed", `{"summary": "x", "commands": [}`},
		{"wrong type", `{"summary": "x", "commands": "go test ./..."}`},
		{"empty summary", `{"summary": "  ", "commands": ["ls"]}`},
		{"two objects", `{"summary": "a"} and {"summary": "b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			assert.Error(t, err)
		})
	}
}

func TestParse_ClearsFallbackFlag(t *testing.T) {
	plan, err := Parse(`{"summary": "ok", "fallback": true}`)
	require.NoError(t, err)
	assert.False(t, plan.Fallback)
	assert.Empty(t, plan.Commands)
}

func TestNormalize_AddsChangePaths(t *testing.T) {
	plan := &models.ActionPlan{
		FilesToTouch: []string{" b.go ", "b.go"},
		CodeChanges: map[string]models.CodeChange{
			"c.go": {NewCode: "x"},
			"a.go": {NewCode: "y"},
			"b.go": {NewCode: "z"},
		},
	}
	Normalize(plan)
	assert.Equal(t, []string{"b.go", "a.go", "c.go"}, plan.FilesToTouch)
}

func TestNormalize_TrimsChangeKeys(t *testing.T) {
	plan := &models.ActionPlan{
		CodeChanges: map[string]models.CodeChange{
			" ledger.py": {OldCode: "self.balance += amount", NewCode: "self.balance -= amount"},
		},
	}
	Normalize(plan)
	assert.Equal(t, []string{"ledger.py"}, plan.FilesToTouch)
	require.Contains(t, plan.CodeChanges, "ledger.py")
	assert.NotContains(t, plan.CodeChanges, " ledger.py")
	assert.Equal(t, "self.balance -= amount", plan.CodeChanges["ledger.py"].NewCode)

	// An exact key wins over a padded duplicate.
	plan = &models.ActionPlan{
		CodeChanges: map[string]models.CodeChange{
			"ledger.py":   {NewCode: "exact"},
			"ledger.py  ": {NewCode: "padded"},
		},
	}
	Normalize(plan)
	assert.Len(t, plan.CodeChanges, 1)
	assert.Equal(t, "exact", plan.CodeChanges["ledger.py"].NewCode)
}

func TestParse_TrimsChangeKeys(t *testing.T) {
	plan, err := Parse(`{"summary": "fix sign", "files_to_touch": [],
 "code_changes": {" ledger.py": {"old_code": "+=", "new_code": "-="}}}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"ledger.py"}, plan.FilesToTouch)
	assert.Contains(t, plan.CodeChanges, "ledger.py")
}

func TestFallback_UsesMetadataFile(t *testing.T) {
	inc := testIncident()
	inc.Metadata = map[string]any{"file": "svc/ledger.py"}
	plan := Fallback(inc)
	assert.Equal(t, []string{"svc/ledger.py"}, plan.FilesToTouch)
	assert.Equal(t, "fix: investigate Sign flip in withdrawal", plan.PRTitle)
	assert.Equal(t, []string{"git status", "git log -n 5 --oneline"}, plan.Commands)
}

func TestBuildPrompt_FeedbackAndTruncation(t *testing.T) {
	long := make([]byte, maxContextChars+100)
	for i := range long {
		long[i] = 'x'
	}
	p := BuildPrompt(Request{
		Incident: testIncident(),
		Context:  string(long),
		Feedback: []string{"patch ledger.py failed: old code not found in file"},
		Language: "python",
	})
	assert.Contains(t, p, "## Previous attempts")
	assert.Contains(t, p, "old code not found")
	assert.Contains(t, p, "...(truncated)")
	assert.Contains(t, p, "- Language: python")

	p = BuildPrompt(Request{})
	assert.Contains(t, p, "(no additional context)")
}

func TestBuildPrompt_TruncatesOnRuneBoundary(t *testing.T) {
	// 3-byte runes never line up with the byte cap.
	ctx := "x" + strings.Repeat("€", maxContextChars)
	p := BuildPrompt(Request{Incident: testIncident(), Context: ctx})
	assert.True(t, utf8.ValidString(p))
	assert.Contains(t, p, "€\n...(truncated)")
}
