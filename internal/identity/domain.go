package identity

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("identity: not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrEmailTaken indicates the email is already registered.
	ErrEmailTaken = errors.New("identity: email already registered")
	// ErrAlreadyMember indicates the user already belongs to the team.
	ErrAlreadyMember = errors.New("identity: already a team member")
	// ErrTokenInvalid indicates a missing, revoked or expired token.
	ErrTokenInvalid = errors.New("identity: token invalid")
)

// MembershipStatus tracks the subscription lifecycle of a plan
// membership.
type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "active"
	MembershipTrialing MembershipStatus = "trialing"
	MembershipExpired  MembershipStatus = "expired"
	MembershipCanceled MembershipStatus = "canceled"
)

// Grants reports whether the membership still confers its plan role.
// Trials count; expired and canceled memberships do not.
func (s MembershipStatus) Grants() bool {
	return s == MembershipActive || s == MembershipTrialing
}

// User is a registered account.
type User struct {
	ID           int64
	UUID         uuid.UUID
	Email        string
	Name         string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Team groups users under shared workspaces and roles.
type Team struct {
	ID          int64
	UUID        uuid.UUID
	Name        string
	OwnerUserID int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Membership is the single authoritative record binding a user to
// their plan role. One row per user.
type Membership struct {
	ID        int64
	UserID    int64
	RoleID    int64
	Status    MembershipStatus
	UpdatedAt time.Time
}

// TeamMember binds a user to a team under a team-scoped role.
type TeamMember struct {
	ID        int64
	TeamID    int64
	UserID    int64
	RoleID    int64
	CreatedAt time.Time
}
