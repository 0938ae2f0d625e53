package identity

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// RepositoryPort lists the persistence operations the service needs.
type RepositoryPort interface {
	GetUser(ctx context.Context, id int64) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	CreateUser(ctx context.Context, u User) (User, error)
	GetMembership(ctx context.Context, userID int64) (Membership, error)
	UpsertMembership(ctx context.Context, m Membership) error
	GetTeam(ctx context.Context, id int64) (Team, error)
	GetTeamByUUID(ctx context.Context, id uuid.UUID) (Team, error)
	CreateTeam(ctx context.Context, t Team) (Team, error)
	ListTeamsForUser(ctx context.Context, userID int64) ([]Team, error)
	ListTeamMembers(ctx context.Context, teamID int64) ([]TeamMember, error)
	AddTeamMember(ctx context.Context, m TeamMember) error
	UpdateTeamMemberRole(ctx context.Context, teamID, userID, roleID int64) error
	RemoveTeamMember(ctx context.Context, teamID, userID int64) error
}

// TokenPort issues and revokes auth tokens.
type TokenPort interface {
	Issue(ctx context.Context, user User) (string, error)
	Revoke(ctx context.Context, token string) error
}

// ActorInvalidator queues permission cache invalidation for a single
// actor after a grant-affecting change commits.
type ActorInvalidator interface {
	InvalidateActor(ctx context.Context, actorID int64, reason string) error
}

// Service wraps account, membership and team membership rules.
type Service struct {
	repo        RepositoryPort
	tokens      TokenPort
	invalidator ActorInvalidator
	logger      *slog.Logger
}

// NewService constructs a Service.
func NewService(repo RepositoryPort, tokens TokenPort, invalidator ActorInvalidator, logger *slog.Logger) *Service {
	return &Service{repo: repo, tokens: tokens, invalidator: invalidator, logger: logger}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	user, err := s.repo.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return User{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// Login authenticates and issues a bearer token.
func (s *Service) Login(ctx context.Context, email, password string) (User, string, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return User{}, "", err
	}
	token, err := s.tokens.Issue(ctx, user)
	if err != nil {
		return User{}, "", err
	}
	s.logger.Info("user logged in", slog.Int64("user_id", user.ID))
	return user, token, nil
}

// Logout revokes the bearer token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token)
}

// Register creates an account with a hashed password.
func (s *Service) Register(ctx context.Context, email, name, password string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	user, err := s.repo.CreateUser(ctx, User{
		UUID:         uuid.New(),
		Email:        normalizeEmail(email),
		Name:         strings.TrimSpace(name),
		PasswordHash: string(hash),
		IsActive:     true,
	})
	if err != nil {
		return User{}, err
	}
	s.logger.Info("user registered", slog.Int64("user_id", user.ID), slog.String("email", user.Email))
	return user, nil
}

// GetUser fetches a user by ID.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.repo.GetUser(ctx, id)
}

// Membership returns the user's plan membership row.
func (s *Service) Membership(ctx context.Context, userID int64) (Membership, error) {
	return s.repo.GetMembership(ctx, userID)
}

// ChangeMembership moves the user onto a plan role with the given
// status, then queues cache invalidation for the actor.
func (s *Service) ChangeMembership(ctx context.Context, userID, roleID int64, status MembershipStatus) error {
	if err := s.repo.UpsertMembership(ctx, Membership{UserID: userID, RoleID: roleID, Status: status}); err != nil {
		return err
	}
	s.invalidate(ctx, userID, "membership_changed")
	return nil
}

// CreateTeam creates a team and enrolls the owner with the given role.
func (s *Service) CreateTeam(ctx context.Context, name string, ownerUserID, ownerRoleID int64) (Team, error) {
	team, err := s.repo.CreateTeam(ctx, Team{
		UUID:        uuid.New(),
		Name:        strings.TrimSpace(name),
		OwnerUserID: ownerUserID,
	})
	if err != nil {
		return Team{}, err
	}
	if err := s.repo.AddTeamMember(ctx, TeamMember{TeamID: team.ID, UserID: ownerUserID, RoleID: ownerRoleID}); err != nil {
		return Team{}, err
	}
	s.invalidate(ctx, ownerUserID, "team_created")
	s.logger.Info("team created", slog.Int64("team_id", team.ID), slog.Int64("owner_user_id", ownerUserID))
	return team, nil
}

// GetTeam fetches a team by ID.
func (s *Service) GetTeam(ctx context.Context, id int64) (Team, error) {
	return s.repo.GetTeam(ctx, id)
}

// GetTeamByUUID fetches a team by public identifier.
func (s *Service) GetTeamByUUID(ctx context.Context, id uuid.UUID) (Team, error) {
	return s.repo.GetTeamByUUID(ctx, id)
}

// ListTeamsForUser returns the teams the user belongs to.
func (s *Service) ListTeamsForUser(ctx context.Context, userID int64) ([]Team, error) {
	return s.repo.ListTeamsForUser(ctx, userID)
}

// ListTeamMembers returns the team's member bindings.
func (s *Service) ListTeamMembers(ctx context.Context, teamID int64) ([]TeamMember, error) {
	return s.repo.ListTeamMembers(ctx, teamID)
}

// AddTeamMember enrolls a user in a team with a role.
func (s *Service) AddTeamMember(ctx context.Context, teamID, userID, roleID int64) error {
	if err := s.repo.AddTeamMember(ctx, TeamMember{TeamID: teamID, UserID: userID, RoleID: roleID}); err != nil {
		return err
	}
	s.invalidate(ctx, userID, "team_member_added")
	return nil
}

// ChangeTeamMemberRole swaps a member's role within the team.
func (s *Service) ChangeTeamMemberRole(ctx context.Context, teamID, userID, roleID int64) error {
	if err := s.repo.UpdateTeamMemberRole(ctx, teamID, userID, roleID); err != nil {
		return err
	}
	s.invalidate(ctx, userID, "team_member_role_changed")
	return nil
}

// RemoveTeamMember drops a user from a team.
func (s *Service) RemoveTeamMember(ctx context.Context, teamID, userID int64) error {
	if err := s.repo.RemoveTeamMember(ctx, teamID, userID); err != nil {
		return err
	}
	s.invalidate(ctx, userID, "team_member_removed")
	return nil
}

// invalidate queues a cache sweep for the actor. Enqueue failures are
// logged and swallowed: the cache TTL bounds staleness.
func (s *Service) invalidate(ctx context.Context, userID int64, reason string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.InvalidateActor(ctx, userID, reason); err != nil {
		s.logger.Warn("actor invalidation enqueue failed",
			slog.Int64("user_id", userID), slog.String("reason", reason), slog.Any("error", err))
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
