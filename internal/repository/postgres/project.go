package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
)

const projectColumns = `id, name, account_id, state_kind, state, version, created_at, updated_at`

func scanProject(row pgx.Row) (*domain.Project, error) {
	var (
		p         domain.Project
		stateKind string
		stateRaw  []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.AccountID, &stateKind, &stateRaw, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(stateRaw, &p.State); err != nil {
		return nil, fmt.Errorf("decode project state: %w", err)
	}
	// state_kind is denormalized for querying; the JSON document wins.
	if p.State.Kind == "" {
		p.State.Kind = domain.StateKind(stateKind)
	}
	return &p, nil
}

// CreateProject inserts a project with its initial state at version 1.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	stateRaw, err := json.Marshal(project.State)
	if err != nil {
		return fmt.Errorf("encode project state: %w", err)
	}
	const query = `INSERT INTO projects (id, name, account_id, state_kind, state, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.pool.Exec(ctx, query, project.ID, project.Name, project.AccountID,
		string(project.State.Kind), stateRaw, project.Version, project.CreatedAt, project.UpdatedAt)
	if isDuplicate(err) {
		return repository.ErrDuplicate
	}
	return err
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	return scanProject(r.pool.QueryRow(ctx, query, id))
}

// GetProjectByName fetches a project by its unique name.
func (r *Repository) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE name = $1`
	return scanProject(r.pool.QueryRow(ctx, query, name))
}

// UpdateProjectState writes a state transition as a compare-and-swap on the
// record version. ErrConflict means a concurrent writer advanced the record
// first and the caller must re-read before retrying.
func (r *Repository) UpdateProjectState(ctx context.Context, id string, expectedVersion int64, state domain.ProjectState) (*domain.Project, error) {
	stateRaw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode project state: %w", err)
	}
	query := `UPDATE projects
		SET state_kind = $1, state = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5
		RETURNING ` + projectColumns
	row := r.pool.QueryRow(ctx, query, string(state.Kind), stateRaw, time.Now().UTC(), id, expectedVersion)
	project, err := scanProject(row)
	if errors.Is(err, repository.ErrNotFound) {
		// Distinguish a missing record from a lost race.
		if _, getErr := r.GetProjectByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, repository.ErrConflict
	}
	return project, err
}

// ListActiveProjects returns every project whose state is non-terminal or
// still routable; recovery walks this set on startup.
func (r *Repository) ListActiveProjects(ctx context.Context) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE state_kind <> $1 ORDER BY updated_at`
	rows, err := r.pool.Query(ctx, query, string(domain.StateDestroyed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

// ListProjectsByAccount returns projects owned by the account.
func (r *Repository) ListProjectsByAccount(ctx context.Context, accountID string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE account_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjects(rows)
}

func collectProjects(rows pgx.Rows) ([]domain.Project, error) {
	var projects []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project record. Custom domains referencing it are
// removed by cascade.
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	const query = `DELETE FROM projects WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}
