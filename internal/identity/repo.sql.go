package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for users, teams
// and their role bindings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, uuid, email, name, password_hash, is_active, created_at, updated_at`

const teamColumns = `id, uuid, name, owner_user_id, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.UUID, &u.Email, &u.Name, &u.PasswordHash, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func scanTeam(row pgx.Row) (Team, error) {
	var t Team
	err := row.Scan(&t.ID, &t.UUID, &t.Name, &t.OwnerUserID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Team{}, ErrNotFound
		}
		return Team{}, err
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetUser fetches a user by ID.
func (r *Repository) GetUser(ctx context.Context, id int64) (User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByUUID fetches a user by public identifier.
func (r *Repository) GetUserByUUID(ctx context.Context, id uuid.UUID) (User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE uuid = $1`, id))
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// CreateUser inserts a user. A duplicate email yields ErrEmailTaken.
func (r *Repository) CreateUser(ctx context.Context, u User) (User, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (uuid, email, name, password_hash, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		u.UUID, u.Email, u.Name, u.PasswordHash, u.IsActive)
	if err := row.Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrEmailTaken
		}
		return User{}, err
	}
	return u, nil
}

// ActiveMembershipRoleID returns the plan role conferred by the user's
// membership. The boolean is false when no membership grants.
func (r *Repository) ActiveMembershipRoleID(ctx context.Context, userID int64) (int64, bool, error) {
	var roleID int64
	err := r.pool.QueryRow(ctx,
		`SELECT role_id FROM memberships WHERE user_id = $1 AND status IN ('active', 'trialing')`,
		userID).Scan(&roleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return roleID, true, nil
}

// GetMembership returns the user's membership row regardless of status.
func (r *Repository) GetMembership(ctx context.Context, userID int64) (Membership, error) {
	var m Membership
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, role_id, status, updated_at FROM memberships WHERE user_id = $1`,
		userID).Scan(&m.ID, &m.UserID, &m.RoleID, &m.Status, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Membership{}, ErrNotFound
		}
		return Membership{}, err
	}
	return m, nil
}

// UpsertMembership writes the user's single membership row.
func (r *Repository) UpsertMembership(ctx context.Context, m Membership) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO memberships (user_id, role_id, status, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (user_id) DO UPDATE
		 SET role_id = EXCLUDED.role_id, status = EXCLUDED.status, updated_at = NOW()`,
		m.UserID, m.RoleID, m.Status)
	return err
}

// GetTeam fetches a team by ID.
func (r *Repository) GetTeam(ctx context.Context, id int64) (Team, error) {
	return scanTeam(r.pool.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = $1`, id))
}

// GetTeamByUUID fetches a team by public identifier.
func (r *Repository) GetTeamByUUID(ctx context.Context, id uuid.UUID) (Team, error) {
	return scanTeam(r.pool.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams WHERE uuid = $1`, id))
}

// CreateTeam inserts a team.
func (r *Repository) CreateTeam(ctx context.Context, t Team) (Team, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO teams (uuid, name, owner_user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		t.UUID, t.Name, t.OwnerUserID)
	if err := row.Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Team{}, err
	}
	return t, nil
}

// ListTeamsForUser returns the teams the user belongs to.
func (r *Repository) ListTeamsForUser(ctx context.Context, userID int64) ([]Team, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+teamColumns+` FROM teams t
		 JOIN team_members tm ON tm.team_id = t.id
		 WHERE tm.user_id = $1 ORDER BY t.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var teams []Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.UUID, &t.Name, &t.OwnerUserID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return teams, nil
}

// TeamMemberRoleID returns the role the user holds in the team. The
// boolean is false for non-members.
func (r *Repository) TeamMemberRoleID(ctx context.Context, userID, teamID int64) (int64, bool, error) {
	var roleID int64
	err := r.pool.QueryRow(ctx,
		`SELECT role_id FROM team_members WHERE user_id = $1 AND team_id = $2`,
		userID, teamID).Scan(&roleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return roleID, true, nil
}

// ListTeamMembers returns the team's member bindings ordered by user.
func (r *Repository) ListTeamMembers(ctx context.Context, teamID int64) ([]TeamMember, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, team_id, user_id, role_id, created_at FROM team_members
		 WHERE team_id = $1 ORDER BY user_id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []TeamMember
	for rows.Next() {
		var m TeamMember
		if err := rows.Scan(&m.ID, &m.TeamID, &m.UserID, &m.RoleID, &m.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

// ListTeamMemberUserIDs returns just the member user ids, which is all
// a cache sweep needs.
func (r *Repository) ListTeamMemberUserIDs(ctx context.Context, teamID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM team_members WHERE team_id = $1 ORDER BY user_id`, teamID)
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

// AddTeamMember inserts a member binding.
func (r *Repository) AddTeamMember(ctx context.Context, m TeamMember) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO team_members (team_id, user_id, role_id, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		m.TeamID, m.UserID, m.RoleID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return err
	}
	return nil
}

// UpdateTeamMemberRole changes an existing member's role.
func (r *Repository) UpdateTeamMemberRole(ctx context.Context, teamID, userID, roleID int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE team_members SET role_id = $3 WHERE team_id = $1 AND user_id = $2`,
		teamID, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveTeamMember deletes a member binding.
func (r *Repository) RemoveTeamMember(ctx context.Context, teamID, userID int64) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM team_members WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
