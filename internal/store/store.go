package store

import (
	"context"
	"errors"

	"github.com/joescharf/sentinell/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when an incident is not in a state that allows the change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// IncidentListFilter specifies filters for listing incidents.
type IncidentListFilter struct {
	Status models.IncidentStatus
	RepoID string
	Limit  int
}

// IncidentCounts summarises incidents for the dashboard.
type IncidentCounts struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	BySeverity map[string]int `json:"by_severity"`
}

// Store defines the persistence interface for sentinell.
type Store interface {
	// Repos
	CreateRepo(ctx context.Context, r *models.Repo) error
	GetRepo(ctx context.Context, id string) (*models.Repo, error)
	GetRepoByName(ctx context.Context, name string) (*models.Repo, error)
	ListRepos(ctx context.Context) ([]*models.Repo, error)
	UpdateRepo(ctx context.Context, r *models.Repo) error
	DeleteRepo(ctx context.Context, id string) error

	// Incidents
	CreateIncident(ctx context.Context, inc *models.Incident) error
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentListFilter) ([]*models.Incident, error)
	UpdateIncident(ctx context.Context, inc *models.Incident) error
	CountIncidents(ctx context.Context) (*IncidentCounts, error)

	// Lifecycle transitions
	ClaimNextQueued(ctx context.Context) (*models.Incident, error)
	FinishIncident(ctx context.Context, id string, success bool, metadata map[string]any) error
	SuspendForApproval(ctx context.Context, id string, metadata map[string]any) error
	DecideApproval(ctx context.Context, id string, approve bool) (*models.Incident, error)
	Requeue(ctx context.Context, id string) error
	RecoverProcessing(ctx context.Context) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
