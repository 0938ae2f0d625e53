package permission

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbus-platform/nimbus/internal/platform/db"
)

// dbtx is satisfied by both the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence for the permission
// catalog, roles and their stored closures.
type Repository struct {
	queries
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{queries: queries{db: pool}, pool: pool}
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{queries: queries{db: tx}})
	})
}

type txRepo struct {
	queries
}

type queries struct {
	db dbtx
}

const permissionColumns = `id, name, kind, label, description, parent_id, assignable, created_at, updated_at`

const roleColumns = `id, uuid, name, label, description, kind, team_id, parent_id, created_at, updated_at`

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Name, &p.Kind, &p.Label, &p.Description, &p.ParentID, &p.Assignable, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, err
	}
	return p, nil
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.UUID, &role.Name, &role.Label, &role.Description,
		&role.Kind, &role.TeamID, &role.ParentID, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ListPermissions returns the whole catalog ordered by ID, parents
// before children since the seeder inserts top-down.
func (q queries) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := q.db.Query(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.Label, &p.Description, &p.ParentID, &p.Assignable, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// GetPermissionsByNames fetches catalog rows matching any of names.
func (q queries) GetPermissionsByNames(ctx context.Context, names []string) ([]Permission, error) {
	rows, err := q.db.Query(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = ANY($1) ORDER BY id`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Kind, &p.Label, &p.Description, &p.ParentID, &p.Assignable, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// GetRole fetches a role by internal ID.
func (q queries) GetRole(ctx context.Context, id int64) (Role, error) {
	return scanRole(q.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
}

// GetRoleByUUID fetches a role by public identifier.
func (q queries) GetRoleByUUID(ctx context.Context, id uuid.UUID) (Role, error) {
	return scanRole(q.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE uuid = $1`, id))
}

// GetRoleByName fetches a role by name within a scope; nil teamID is
// the global scope.
func (q queries) GetRoleByName(ctx context.Context, name string, teamID *int64) (Role, error) {
	return scanRole(q.db.QueryRow(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE name = $1 AND team_id IS NOT DISTINCT FROM $2`, name, teamID))
}

// ListRoles returns roles in a scope ordered by name.
func (q queries) ListRoles(ctx context.Context, teamID *int64) ([]Role, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+roleColumns+` FROM roles WHERE team_id IS NOT DISTINCT FROM $1 ORDER BY name`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

// ListAllRoles returns every role across all scopes ordered by ID,
// parents before children since parents are inserted first.
func (q queries) ListAllRoles(ctx context.Context) ([]Role, error) {
	rows, err := q.db.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

// ListChildRoles returns direct children of a role.
func (q queries) ListChildRoles(ctx context.Context, parentID int64) ([]Role, error) {
	rows, err := q.db.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE parent_id = $1 ORDER BY id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

func collectRoles(rows pgx.Rows) ([]Role, error) {
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.UUID, &role.Name, &role.Label, &role.Description,
			&role.Kind, &role.TeamID, &role.ParentID, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// RolePermissionNames returns the stored closure as names.
func (q queries) RolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := q.db.Query(ctx,
		`SELECT p.name FROM role_permissions rp
		 JOIN permissions p ON p.id = rp.permission_id
		 WHERE rp.role_id = $1 ORDER BY p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

// RolePermissionIDs returns the stored closure as permission IDs.
func (q queries) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := q.db.Query(ctx,
		`SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// RoleAssignmentCount counts team members still holding the role.
func (q queries) RoleAssignmentCount(ctx context.Context, roleID int64) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM team_members WHERE role_id = $1`, roleID).Scan(&count)
	return count, err
}

// CreateRole inserts a role row.
func (q queries) CreateRole(ctx context.Context, role Role) (Role, error) {
	row := q.db.QueryRow(ctx,
		`INSERT INTO roles (uuid, name, label, description, kind, team_id, parent_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		role.UUID, role.Name, role.Label, role.Description, role.Kind, role.TeamID, role.ParentID)
	if err := row.Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return Role{}, ErrRoleExists
		}
		return Role{}, err
	}
	return role, nil
}

// UpdateRole rewrites the mutable role columns.
func (q queries) UpdateRole(ctx context.Context, role Role) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE roles SET name = $2, label = $3, description = $4, parent_id = $5, updated_at = NOW() WHERE id = $1`,
		role.ID, role.Name, role.Label, role.Description, role.ParentID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRoleExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRole removes a role; closure rows cascade.
func (q queries) DeleteRole(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceRolePermissions rewrites the role's closure rows.
func (q queries) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return err
	}
	for _, permissionID := range permissionIDs {
		if _, err := q.db.Exec(ctx,
			`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`, roleID, permissionID); err != nil {
			return err
		}
	}
	return nil
}

// GetPermissionByName fetches a single catalog row.
func (q queries) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	return scanPermission(q.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1`, name))
}

// CreatePermission inserts a catalog row.
func (q queries) CreatePermission(ctx context.Context, p Permission) (Permission, error) {
	row := q.db.QueryRow(ctx,
		`INSERT INTO permissions (name, kind, label, description, parent_id, assignable, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		p.Name, p.Kind, p.Label, p.Description, p.ParentID, p.Assignable)
	if err := row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return Permission{}, ErrPermissionExists
		}
		return Permission{}, err
	}
	return p, nil
}

// UpdatePermission rewrites catalog row metadata. Name and parent are
// immutable after creation.
func (q queries) UpdatePermission(ctx context.Context, p Permission) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE permissions SET label = $2, description = $3, assignable = $4, updated_at = NOW() WHERE id = $1`,
		p.ID, p.Label, p.Description, p.Assignable)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePermission removes a catalog row. Child permissions and closure
// rows cascade through foreign keys.
func (q queries) DeletePermission(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertPermission inserts or refreshes a catalog row by name.
func (q queries) UpsertPermission(ctx context.Context, p Permission) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx,
		`INSERT INTO permissions (name, kind, label, description, parent_id, assignable, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 ON CONFLICT (name) DO UPDATE
		 SET kind = EXCLUDED.kind, label = EXCLUDED.label, description = EXCLUDED.description,
		     parent_id = EXCLUDED.parent_id, assignable = EXCLUDED.assignable, updated_at = NOW()
		 RETURNING id`,
		p.Name, p.Kind, p.Label, p.Description, p.ParentID, p.Assignable).Scan(&id)
	return id, err
}
