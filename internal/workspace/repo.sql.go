package workspace

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const workspaceColumns = `id, uuid, name, owner_user_id, owner_team_id, status, created_at, updated_at`

func scanWorkspace(row pgx.Row) (Workspace, error) {
	var ws Workspace
	err := row.Scan(&ws.ID, &ws.UUID, &ws.Name, &ws.OwnerUserID, &ws.OwnerTeamID, &ws.Status, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Workspace{}, ErrNotFound
		}
		return Workspace{}, err
	}
	return ws, nil
}

// Get fetches a workspace by internal ID.
func (r *Repository) Get(ctx context.Context, id int64) (Workspace, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id)
	return scanWorkspace(row)
}

// GetByUUID fetches a workspace by public identifier.
func (r *Repository) GetByUUID(ctx context.Context, id uuid.UUID) (Workspace, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE uuid = $1`, id)
	return scanWorkspace(row)
}

// WorkspaceOwnership resolves just the owner side, which permission
// checks use to pick an evaluation context.
func (r *Repository) WorkspaceOwnership(ctx context.Context, id int64) (Ownership, error) {
	var own Ownership
	err := r.pool.QueryRow(ctx,
		`SELECT owner_user_id, owner_team_id FROM workspaces WHERE id = $1`, id).
		Scan(&own.OwnerUserID, &own.OwnerTeamID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ownership{}, ErrNotFound
		}
		return Ownership{}, err
	}
	return own, nil
}

// ListForOwner returns workspaces owned by a user or a team.
func (r *Repository) ListForOwner(ctx context.Context, ownerUserID, ownerTeamID *int64) ([]Workspace, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces
		 WHERE owner_user_id IS NOT DISTINCT FROM $1
		   AND owner_team_id IS NOT DISTINCT FROM $2
		 ORDER BY id`, ownerUserID, ownerTeamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var workspaces []Workspace
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.ID, &ws.UUID, &ws.Name, &ws.OwnerUserID, &ws.OwnerTeamID, &ws.Status, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return workspaces, nil
}
