package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies what a permission guards.
type Kind string

const (
	KindAbility   Kind = "ability"
	KindAPI       Kind = "api"
	KindPage      Kind = "page"
	KindComponent Kind = "component"
	KindAction    Kind = "action"
)

// Permission is one node of the catalog tree. Name is the stable
// identifier; ParentID links the broader permission it specializes.
// Assignable marks permissions teams may grant through custom roles;
// the rest are reserved for system roles.
type Permission struct {
	ID          int64
	Name        string
	Kind        Kind
	Label       string
	Description string
	ParentID    *int64
	Assignable  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RoleKind separates seed-owned roles from team-defined ones.
type RoleKind string

const (
	RoleSystemPlan         RoleKind = "system_plan"
	RoleSystemTeamTemplate RoleKind = "system_team_template"
	RoleCustomTeam         RoleKind = "custom_team"
)

// System returns true for roles owned by the seeder.
func (k RoleKind) System() bool {
	return k == RoleSystemPlan || k == RoleSystemTeamTemplate
}

// Role groups permissions. TeamID is nil for global (system) roles.
// The role's permission rows always hold the denormalized closure:
// its direct grants plus everything inherited from ParentID.
type Role struct {
	ID          int64
	UUID        uuid.UUID
	Name        string
	Label       string
	Description string
	Kind        RoleKind
	TeamID      *int64
	ParentID    *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Actor is the authenticated caller decisions are made for.
type Actor struct {
	ID    int64
	Email string
}

// Target selects the context an evaluation runs in.
type Target struct {
	kind targetKind
	id   int64
}

type targetKind string

const (
	targetUser      targetKind = "user"
	targetTeam      targetKind = "team"
	targetWorkspace targetKind = "workspace"
)

// UserTarget evaluates in a user context.
func UserTarget(userID int64) Target { return Target{kind: targetUser, id: userID} }

// TeamTarget evaluates in a team context.
func TeamTarget(teamID int64) Target { return Target{kind: targetTeam, id: teamID} }

// WorkspaceTarget evaluates in the context of whoever owns the workspace.
func WorkspaceTarget(workspaceID int64) Target {
	return Target{kind: targetWorkspace, id: workspaceID}
}

func (t Target) String() string { return fmt.Sprintf("%s_%d", t.kind, t.id) }

// Sentinel errors shared across the package.
var (
	ErrNotFound         = errors.New("permission: not found")
	ErrRoleExists       = errors.New("permission: role already exists")
	ErrRoleProtected    = errors.New("permission: system role is protected")
	ErrRoleHasChildren  = errors.New("permission: role has child roles")
	ErrRoleAssigned     = errors.New("permission: role is still assigned")
	ErrRoleCycle        = errors.New("permission: role parent cycle")
	ErrPermissionExists = errors.New("permission: permission already exists")
	ErrInvalidName      = errors.New("permission: invalid permission name")
	ErrHierarchyEmpty   = errors.New("permission: hierarchy is empty")
)

// UnknownPermissionError reports permission names absent from the catalog.
type UnknownPermissionError struct {
	Names []string
}

func (e *UnknownPermissionError) Error() string {
	return "permission: unknown permission names: " + strings.Join(e.Names, ", ")
}

// PermissionDeniedError identifies who was denied what, and where.
type PermissionDeniedError struct {
	ActorID int64
	Context string
	Missing []string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission: actor %d denied in context %s: missing %s",
		e.ActorID, e.Context, strings.Join(e.Missing, ", "))
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
