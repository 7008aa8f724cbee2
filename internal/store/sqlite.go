package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/sentinell/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers; the worker, poller and API share this handle.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// NewID generates a new ULID string.
func NewID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeMeta(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMeta(raw string) map[string]any {
	m := make(map[string]any)
	if raw == "" {
		return m
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return make(map[string]any)
	}
	return m
}

// mergeMeta overlays updates onto base; nil values delete keys.
func mergeMeta(base, updates map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any)
	}
	for k, v := range updates {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	return base
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Repos ---

const repoColumns = `id, name, repo_url, default_branch, install_ref, description, metadata, created_at, updated_at`

func scanRepo(row scanner) (*models.Repo, error) {
	r := &models.Repo{}
	var meta string
	if err := row.Scan(&r.ID, &r.Name, &r.RepoURL, &r.DefaultBranch, &r.InstallRef, &r.Description, &meta, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Metadata = decodeMeta(meta)
	return r, nil
}

func (s *SQLiteStore) CreateRepo(ctx context.Context, r *models.Repo) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	meta, err := encodeMeta(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO repos (`+repoColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.RepoURL, r.DefaultBranch, r.InstallRef, r.Description, meta, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create repo: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRepo(ctx context.Context, id string) (*models.Repo, error) {
	r, err := scanRepo(s.db.QueryRowContext(ctx, `SELECT `+repoColumns+` FROM repos WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get repo: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) GetRepoByName(ctx context.Context, name string) (*models.Repo, error) {
	r, err := scanRepo(s.db.QueryRowContext(ctx, `SELECT `+repoColumns+` FROM repos WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repo %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get repo by name: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRepos(ctx context.Context) ([]*models.Repo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+repoColumns+` FROM repos ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []*models.Repo
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func (s *SQLiteStore) UpdateRepo(ctx context.Context, r *models.Repo) error {
	r.UpdatedAt = time.Now().UTC()
	meta, err := encodeMeta(r.Metadata)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE repos SET name=?, repo_url=?, default_branch=?, install_ref=?, description=?, metadata=?, updated_at=?
		WHERE id=?`,
		r.Name, r.RepoURL, r.DefaultBranch, r.InstallRef, r.Description, meta, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update repo: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("repo %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteRepo(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM repos WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete repo: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("repo %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Incidents ---

const incidentColumns = `id, signal_type, title, description, repo_id, severity, status, source_ref, metadata, created_at, updated_at`

func scanIncident(row scanner) (*models.Incident, error) {
	inc := &models.Incident{}
	var signal, severity, status, meta string
	var repoID sql.NullString
	if err := row.Scan(&inc.ID, &signal, &inc.Title, &inc.Description, &repoID, &severity, &status,
		&inc.SourceRef, &meta, &inc.CreatedAt, &inc.UpdatedAt); err != nil {
		return nil, err
	}
	inc.SignalType = models.SignalType(signal)
	inc.Severity = models.Severity(severity)
	inc.Status = models.IncidentStatus(status)
	inc.RepoID = repoID.String
	inc.Metadata = decodeMeta(meta)
	return inc, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLiteStore) CreateIncident(ctx context.Context, inc *models.Incident) error {
	if inc.ID == "" {
		inc.ID = NewID()
	}
	if inc.Status == "" {
		inc.Status = models.IncidentQueued
	}
	if inc.Severity == "" {
		inc.Severity = models.SeverityMedium
	}
	now := time.Now().UTC()
	inc.CreatedAt = now
	inc.UpdatedAt = now

	meta, err := encodeMeta(inc.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO incidents (`+incidentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, string(inc.SignalType), inc.Title, inc.Description, nullable(inc.RepoID),
		string(inc.Severity), string(inc.Status), inc.SourceRef, meta, inc.CreatedAt, inc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	return getIncident(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getIncident(ctx context.Context, q queryer, id string) (*models.Incident, error) {
	inc, err := scanIncident(q.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

func (s *SQLiteStore) ListIncidents(ctx context.Context, filter IncidentListFilter) ([]*models.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.RepoID != "" {
		conditions = append(conditions, "repo_id = ?")
		args = append(args, filter.RepoID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var incidents []*models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func (s *SQLiteStore) UpdateIncident(ctx context.Context, inc *models.Incident) error {
	inc.UpdatedAt = time.Now().UTC()
	meta, err := encodeMeta(inc.Metadata)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET signal_type=?, title=?, description=?, repo_id=?, severity=?, status=?, source_ref=?, metadata=?, updated_at=?
		WHERE id=?`,
		string(inc.SignalType), inc.Title, inc.Description, nullable(inc.RepoID), string(inc.Severity),
		string(inc.Status), inc.SourceRef, meta, inc.UpdatedAt, inc.ID,
	)
	if err != nil {
		return fmt.Errorf("update incident: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("incident %s: %w", inc.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CountIncidents(ctx context.Context) (*IncidentCounts, error) {
	counts := &IncidentCounts{ByStatus: map[string]int{}, BySeverity: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT status, severity, COUNT(*) FROM incidents GROUP BY status, severity`)
	if err != nil {
		return nil, fmt.Errorf("count incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status, severity string
		var n int
		if err := rows.Scan(&status, &severity, &n); err != nil {
			return nil, fmt.Errorf("scan incident count: %w", err)
		}
		counts.Total += n
		counts.ByStatus[status] += n
		counts.BySeverity[severity] += n
	}
	return counts, rows.Err()
}

// ClaimNextQueued flips the oldest queued incident to processing and returns it.
// It returns nil, nil when nothing is queued or another worker won the claim.
func (s *SQLiteStore) ClaimNextQueued(ctx context.Context) (*models.Incident, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM incidents WHERE status = ? ORDER BY created_at, id LIMIT 1`,
		string(models.IncidentQueued),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select queued incident: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE incidents SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(models.IncidentProcessing), time.Now().UTC(), id, string(models.IncidentQueued),
	)
	if err != nil {
		return nil, fmt.Errorf("claim incident: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil
	}

	inc, err := getIncident(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return inc, nil
}

// transition applies fn to an incident inside a transaction when its status is one of from.
func (s *SQLiteStore) transition(ctx context.Context, id string, from []models.IncidentStatus, fn func(inc *models.Incident)) (*models.Incident, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inc, err := getIncident(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	allowed := len(from) == 0
	for _, st := range from {
		if inc.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("incident %s is %s: %w", id, inc.Status, ErrInvalidTransition)
	}

	fn(inc)
	inc.UpdatedAt = time.Now().UTC()
	meta, err := encodeMeta(inc.Metadata)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE incidents SET status=?, metadata=?, updated_at=? WHERE id=?`,
		string(inc.Status), meta, inc.UpdatedAt, inc.ID,
	); err != nil {
		return nil, fmt.Errorf("update incident status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return inc, nil
}

// FinishIncident marks a processing incident resolved, or returns it to the queue.
func (s *SQLiteStore) FinishIncident(ctx context.Context, id string, success bool, metadata map[string]any) error {
	_, err := s.transition(ctx, id, []models.IncidentStatus{models.IncidentProcessing}, func(inc *models.Incident) {
		inc.Metadata = mergeMeta(inc.Metadata, metadata)
		if success {
			inc.Status = models.IncidentResolved
		} else {
			inc.Status = models.IncidentQueued
		}
	})
	return err
}

// SuspendForApproval parks a processing incident until an operator decides on its plan.
func (s *SQLiteStore) SuspendForApproval(ctx context.Context, id string, metadata map[string]any) error {
	_, err := s.transition(ctx, id, []models.IncidentStatus{models.IncidentProcessing}, func(inc *models.Incident) {
		inc.Metadata = mergeMeta(inc.Metadata, metadata)
		inc.Status = models.IncidentAwaitingApproval
	})
	return err
}

// DecideApproval records an operator decision. Approved incidents are requeued so the
// worker resumes them; rejected ones are closed.
func (s *SQLiteStore) DecideApproval(ctx context.Context, id string, approve bool) (*models.Incident, error) {
	return s.transition(ctx, id, []models.IncidentStatus{models.IncidentAwaitingApproval}, func(inc *models.Incident) {
		if approve {
			inc.SetMeta(models.MetaApproval, models.ApprovalApproved)
			inc.Status = models.IncidentQueued
			return
		}
		inc.SetMeta(models.MetaApproval, models.ApprovalRejected)
		delete(inc.Metadata, models.MetaPendingPlan)
		inc.Status = models.IncidentResolved
	})
}

// Requeue puts a resolved or stuck incident back in the queue.
func (s *SQLiteStore) Requeue(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, []models.IncidentStatus{
		models.IncidentProcessing,
		models.IncidentResolved,
		models.IncidentAwaitingApproval,
	}, func(inc *models.Incident) {
		delete(inc.Metadata, models.MetaApproval)
		delete(inc.Metadata, models.MetaPendingPlan)
		inc.Status = models.IncidentQueued
	})
	return err
}

// RecoverProcessing requeues incidents left in processing by a worker that exited mid-run.
func (s *SQLiteStore) RecoverProcessing(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET status=?, updated_at=? WHERE status=?`,
		string(models.IncidentQueued), time.Now().UTC(), string(models.IncidentProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("recover processing incidents: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
