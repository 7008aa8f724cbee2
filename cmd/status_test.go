package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sentinell/internal/models"
)

func TestStatusRun_Empty(t *testing.T) {
	testEnv(t)
	var buf bytes.Buffer
	ui.Out = &buf

	require.NoError(t, statusRun())
	assert.Contains(t, buf.String(), "not running")
	assert.Contains(t, buf.String(), "No incidents recorded.")
}

func TestStatusRun_Counts(t *testing.T) {
	testEnv(t)
	var buf bytes.Buffer
	ui.Out = &buf
	ui.ErrOut = &buf

	s, err := getStore()
	require.NoError(t, err)
	ctx := context.Background()

	repo := &models.Repo{Name: "api", RepoURL: "https://github.com/acme/api.git", DefaultBranch: "main"}
	require.NoError(t, s.CreateRepo(ctx, repo))
	repo.Metadata = map[string]any{models.MetaLastPoll: map[string]any{"at": "2026-01-02T03:04:05Z", "success": false}}
	require.NoError(t, s.UpdateRepo(ctx, repo))

	require.NoError(t, s.CreateIncident(ctx, &models.Incident{
		SignalType: models.SignalManual, Title: "queued one", Description: "d", Severity: models.SeverityHigh,
	}))
	waiting := &models.Incident{SignalType: models.SignalManual, Title: "needs a human", Description: "d"}
	require.NoError(t, s.CreateIncident(ctx, waiting))
	waiting.Status = models.IncidentAwaitingApproval
	require.NoError(t, s.UpdateIncident(ctx, waiting))

	require.NoError(t, statusRun())
	out := buf.String()
	assert.Contains(t, out, "queued")
	assert.Contains(t, out, "awaiting_approval")
	assert.Contains(t, out, "1 incident(s) awaiting approval")
	assert.Contains(t, out, "needs a human")
	assert.Contains(t, out, "1 repo(s) failing checks")
	assert.Contains(t, out, "api")
}
