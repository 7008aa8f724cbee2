package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sentinell/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

// --- Repo CRUD ---

func TestRepoCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &models.Repo{
		Name:     "ledger",
		RepoURL:  "https://github.com/acme/ledger.git",
		Metadata: map[string]any{models.MetaAutoPollEnabled: false},
	}
	require.NoError(t, s.CreateRepo(ctx, r))
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "main", r.DefaultBranch)

	got, err := s.GetRepo(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "ledger", got.Name)
	assert.False(t, got.AutoPollEnabled())

	byName, err := s.GetRepoByName(ctx, "ledger")
	require.NoError(t, err)
	assert.Equal(t, r.ID, byName.ID)

	got.DefaultBranch = "develop"
	got.Metadata[models.MetaAutoPollEnabled] = true
	require.NoError(t, s.UpdateRepo(ctx, got))

	got, err = s.GetRepo(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "develop", got.DefaultBranch)
	assert.True(t, got.AutoPollEnabled())

	repos, err := s.ListRepos(ctx)
	require.NoError(t, err)
	assert.Len(t, repos, 1)

	require.NoError(t, s.DeleteRepo(ctx, r.ID))
	_, err = s.GetRepo(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepo_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetRepo(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateRepo(ctx, &models.Repo{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.DeleteRepo(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Incidents ---

func createIncident(t *testing.T, s *SQLiteStore, title string) *models.Incident {
	t.Helper()
	inc := &models.Incident{
		SignalType:  models.SignalManual,
		Title:       title,
		Description: title + " description",
		Metadata:    map[string]any{"source": "test"},
	}
	require.NoError(t, s.CreateIncident(context.Background(), inc))
	return inc
}

func TestIncidentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := createIncident(t, s, "Sign flip in withdrawal")
	assert.Equal(t, models.IncidentQueued, inc.Status)
	assert.Equal(t, models.SeverityMedium, inc.Severity)

	got, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sign flip in withdrawal", got.Title)
	assert.Equal(t, "test", got.Metadata["source"])
	assert.Empty(t, got.RepoID)

	got.Severity = models.SeverityCritical
	got.SetMeta("note", "escalated")
	require.NoError(t, s.UpdateIncident(ctx, got))

	got, err = s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, got.Severity)
	assert.Equal(t, "escalated", got.Metadata["note"])

	_, err = s.GetIncident(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncident_RepoDeleteNullsReference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &models.Repo{Name: "svc", RepoURL: "https://github.com/acme/svc"}
	require.NoError(t, s.CreateRepo(ctx, r))

	inc := &models.Incident{SignalType: models.SignalLog, Title: "boom", RepoID: r.ID}
	require.NoError(t, s.CreateIncident(ctx, inc))

	require.NoError(t, s.DeleteRepo(ctx, r.ID))

	got, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RepoID)
}

func TestListIncidents_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &models.Repo{Name: "svc", RepoURL: "https://github.com/acme/svc"}
	require.NoError(t, s.CreateRepo(ctx, r))

	a := createIncident(t, s, "a")
	time.Sleep(2 * time.Millisecond)
	b := &models.Incident{SignalType: models.SignalLog, Title: "b", RepoID: r.ID}
	require.NoError(t, s.CreateIncident(ctx, b))
	_, err := s.ClaimNextQueued(ctx)
	require.NoError(t, err)

	all, err := s.ListIncidents(ctx, IncidentListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byRepo, err := s.ListIncidents(ctx, IncidentListFilter{RepoID: r.ID})
	require.NoError(t, err)
	require.Len(t, byRepo, 1)
	assert.Equal(t, b.ID, byRepo[0].ID)

	processing, err := s.ListIncidents(ctx, IncidentListFilter{Status: models.IncidentProcessing})
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, a.ID, processing[0].ID)

	limited, err := s.ListIncidents(ctx, IncidentListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestClaimNextQueued_FIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := createIncident(t, s, "first")
	time.Sleep(2 * time.Millisecond)
	second := createIncident(t, s, "second")

	got, err := s.ClaimNextQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, models.IncidentProcessing, got.Status)

	got, err = s.ClaimNextQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)

	got, err = s.ClaimNextQueued(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaimNextQueued_ConcurrentClaimsAreExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		createIncident(t, s, "incident")
	}

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				inc, err := s.ClaimNextQueued(ctx)
				if err != nil || inc == nil {
					return
				}
				mu.Lock()
				claimed[inc.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 5)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "incident %s claimed more than once", id)
	}
}

func TestFinishIncident(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := createIncident(t, s, "x")

	// Only processing incidents can finish.
	err := s.FinishIncident(ctx, inc.ID, true, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.ClaimNextQueued(ctx)
	require.NoError(t, err)
	require.NoError(t, s.FinishIncident(ctx, inc.ID, false, map[string]any{models.MetaLastError: "push rejected"}))

	got, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentQueued, got.Status)
	assert.Equal(t, "push rejected", got.Metadata[models.MetaLastError])
	assert.Equal(t, "test", got.Metadata["source"], "existing metadata is kept")

	_, err = s.ClaimNextQueued(ctx)
	require.NoError(t, err)
	require.NoError(t, s.FinishIncident(ctx, inc.ID, true, map[string]any{models.MetaLastError: nil, models.MetaPRURL: "https://example/pr/1"}))

	got, err = s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, got.Status)
	assert.NotContains(t, got.Metadata, models.MetaLastError)
	assert.Equal(t, "https://example/pr/1", got.Metadata[models.MetaPRURL])
}

func TestApprovalTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := createIncident(t, s, "needs review")
	_, err := s.ClaimNextQueued(ctx)
	require.NoError(t, err)

	plan := map[string]any{"summary": "flip sign"}
	require.NoError(t, s.SuspendForApproval(ctx, inc.ID, map[string]any{models.MetaPendingPlan: plan}))

	got, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentAwaitingApproval, got.Status)

	// Not claimable while awaiting approval.
	claimed, err := s.ClaimNextQueued(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	approved, err := s.DecideApproval(ctx, inc.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentQueued, approved.Status)
	assert.Equal(t, models.ApprovalApproved, approved.Metadata[models.MetaApproval])
	assert.NotNil(t, approved.Metadata[models.MetaPendingPlan])

	// A second decision is rejected because the incident is no longer awaiting approval.
	_, err = s.DecideApproval(ctx, inc.ID, false)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDecideApproval_Reject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := createIncident(t, s, "risky")
	_, err := s.ClaimNextQueued(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SuspendForApproval(ctx, inc.ID, map[string]any{models.MetaPendingPlan: map[string]any{"summary": "x"}}))

	rejected, err := s.DecideApproval(ctx, inc.ID, false)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, rejected.Status)
	assert.Equal(t, models.ApprovalRejected, rejected.Metadata[models.MetaApproval])
	assert.NotContains(t, rejected.Metadata, models.MetaPendingPlan)

	_, err = s.DecideApproval(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequeueAndRecover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc := createIncident(t, s, "stuck")
	assert.ErrorIs(t, s.Requeue(ctx, inc.ID), ErrInvalidTransition)

	_, err := s.ClaimNextQueued(ctx)
	require.NoError(t, err)

	n, err := s.RecoverProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.ClaimNextQueued(ctx)
	require.NoError(t, err)
	require.NoError(t, s.FinishIncident(ctx, inc.ID, true, nil))
	require.NoError(t, s.Requeue(ctx, inc.ID))

	got, err := s.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentQueued, got.Status)
}

func TestCountIncidents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createIncident(t, s, "a")
	b := &models.Incident{SignalType: models.SignalLog, Title: "b", Severity: models.SeverityHigh}
	require.NoError(t, s.CreateIncident(ctx, b))

	counts, err := s.CountIncidents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Total)
	assert.Equal(t, 2, counts.ByStatus["queued"])
	assert.Equal(t, 1, counts.BySeverity["high"])
	assert.Equal(t, 1, counts.BySeverity["medium"])
}
