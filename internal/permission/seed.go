package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Root permission names anchoring each domain subtree. Disabling a root
// cuts off the whole subtree during chain checks, which is how operators
// lock a misbehaving account out of an entire domain.
const (
	PermPlatformRoot  = "platform"
	PermUserRoot      = "user"
	PermTeamRoot      = "team"
	PermBillingRoot   = "billing"
	PermModuleRoot    = "servicemodule"
	PermWorkspaceRoot = "workspace"
	PermProjectRoot   = "project"
	PermResourceRoot  = "resource"
	PermAuditRoot     = "audit"
	PermUIRoot        = "ui"
)

// Permission names guarded by handlers.
const (
	PermTeamCreate       = "team:create"
	PermTeamRead         = "team:read"
	PermTeamUpdate       = "team:update"
	PermTeamDelete       = "team:delete"
	PermTeamMemberRead   = "team:member:read"
	PermTeamRoleRead     = "team:role:read"
	PermTeamRoleWrite    = "team:role:write"
	PermWorkspaceRead    = "workspace:read"
	PermProjectRead      = "project:read"
	PermResourceRead     = "resource:read"
	PermResourceExecute  = "resource:execute"
	PermBillingRead      = "billing:read"
	PermBillingManage    = "billing:manage"
	PermPageDashboard    = "page:dashboard"
	PermPlatformPermMgmt = "platform:permission:manage"
)

// System role names. Plan role names mirror the billing product names so
// a subscription change maps directly onto a membership role.
const (
	RolePlanFree           = "plan:free"
	RolePlanPro            = "plan:pro"
	RolePlanTeam           = "plan:team"
	RoleTeamOwner          = "team:owner"
	RoleTeamAdmin          = "team:admin"
	RoleTeamMember         = "team:member"
	RoleTeamBillingManager = "team:billing_manager"
)

type seedPermission struct {
	name        string
	parent      string
	kind        Kind
	label       string
	description string
	assignable  bool
}

type seedRole struct {
	name   string
	parent string
	kind   RoleKind
	label  string
	direct []string
}

// seedCatalog returns the built-in permission tree flattened with parents
// listed before their children.
func seedCatalog() []seedPermission {
	return []seedPermission{
		{name: PermPlatformRoot, kind: KindAbility, label: "Platform administration", description: "Root of the operator-only platform domain."},
		{name: "platform:user:impersonate", parent: PermPlatformRoot, kind: KindAPI, label: "Impersonate user", description: "Sign in as a specific user for debugging and support."},
		{name: "platform:billing:manage_all", parent: PermPlatformRoot, kind: KindAPI, label: "Manage all billing", description: "Read and change billing for any user or team."},
		{name: "platform:workspace:manage_all", parent: PermPlatformRoot, kind: KindAPI, label: "Manage all workspaces", description: "Inspect, suspend or delete any workspace on the platform."},
		{name: "platform:resourcetype:manage", parent: PermPlatformRoot, kind: KindAPI, label: "Manage resource types", description: "Create, update or retire the resource types the platform supports."},
		{name: PermPlatformPermMgmt, parent: PermPlatformRoot, kind: KindAPI, label: "Manage permission definitions", description: "Create, update or delete platform permission definitions."},
		{name: "platform:product:manage", parent: PermPlatformRoot, kind: KindAPI, label: "Manage product catalog", description: "Create, update or retire products, entitlements and prices."},
		{name: "platform:servicemodule:manage", parent: PermPlatformRoot, kind: KindAPI, label: "Manage service modules", description: "Add, update or retire platform service modules."},
		{name: "platform:marketplace:manage", parent: PermPlatformRoot, kind: KindAPI, label: "Manage official marketplace", description: "Review and curate the official marketplace."},
		{name: "platform:audit:activity_log:read", parent: PermPlatformRoot, kind: KindAPI, label: "Read user activity logs"},

		{name: PermUserRoot, kind: KindAbility, label: "Personal account", description: "Root of the personal account domain."},
		{name: "user:profile:read", parent: PermUserRoot, kind: KindAPI, label: "Read own profile"},
		{name: "user:profile:write", parent: "user:profile:read", kind: KindAPI, label: "Update own profile"},
		{name: "user:security:write", parent: PermUserRoot, kind: KindAPI, label: "Change security settings"},
		{name: "user:account:delete", parent: PermUserRoot, kind: KindAPI, label: "Delete own account"},
		{name: "user:apikey:read", parent: PermUserRoot, kind: KindAPI, label: "Read personal API keys"},
		{name: "user:apikey:create", parent: "user:apikey:read", kind: KindAPI, label: "Create personal API key"},
		{name: "user:apikey:delete", parent: "user:apikey:read", kind: KindAPI, label: "Revoke personal API key"},

		{name: PermTeamRoot, kind: KindAbility, label: "Team", description: "Root of the team management domain.", assignable: true},
		{name: PermTeamCreate, parent: PermTeamRoot, kind: KindAPI, label: "Create team", description: "Create a new team.", assignable: true},
		{name: PermTeamRead, parent: PermTeamRoot, kind: KindAPI, label: "Read team", description: "Read basic team details.", assignable: true},
		{name: PermTeamUpdate, parent: PermTeamRead, kind: KindAPI, label: "Update team", assignable: true},
		{name: PermTeamDelete, parent: PermTeamRead, kind: KindAPI, label: "Delete team"},
		{name: PermTeamMemberRead, parent: PermTeamRead, kind: KindAPI, label: "Read team members", assignable: true},
		{name: "team:member:invite", parent: PermTeamMemberRead, kind: KindAPI, label: "Invite member", assignable: true},
		{name: "team:member:remove", parent: PermTeamMemberRead, kind: KindAPI, label: "Remove member", assignable: true},
		{name: "team:member:role:update", parent: PermTeamMemberRead, kind: KindAPI, label: "Change member role", assignable: true},
		{name: PermTeamRoleRead, parent: PermTeamRead, kind: KindAPI, label: "Read team roles", assignable: true},
		{name: PermTeamRoleWrite, parent: PermTeamRoleRead, kind: KindAPI, label: "Manage team roles"},
		{name: "team:apikey:read", parent: PermTeamRead, kind: KindAPI, label: "Read team API keys", assignable: true},
		{name: "team:apikey:create", parent: "team:apikey:read", kind: KindAPI, label: "Create team API key", assignable: true},
		{name: "team:apikey:delete", parent: "team:apikey:read", kind: KindAPI, label: "Revoke team API key", assignable: true},

		{name: PermBillingRoot, kind: KindAbility, label: "Billing", description: "Root of the billing and subscription domain."},
		{name: PermBillingRead, parent: PermBillingRoot, kind: KindAPI, label: "Read billing"},
		{name: PermBillingManage, parent: PermBillingRead, kind: KindAPI, label: "Manage subscription and payment"},

		{name: PermModuleRoot, kind: KindAbility, label: "Service modules", description: "Root for invoking platform service modules.", assignable: true},

		{name: PermWorkspaceRoot, kind: KindAbility, label: "Workspace", description: "Root of the workspace domain.", assignable: true},
		{name: "workspace:create", parent: PermWorkspaceRoot, kind: KindAPI, label: "Create workspace", assignable: true},
		{name: PermWorkspaceRead, parent: PermWorkspaceRoot, kind: KindAbility, label: "Enter workspace", description: "See and enter a workspace. Base of every in-space operation.", assignable: true},
		{name: "workspace:update", parent: PermWorkspaceRead, kind: KindAPI, label: "Update workspace settings", assignable: true},
		{name: "workspace:delete", parent: PermWorkspaceRead, kind: KindAPI, label: "Delete workspace", assignable: true},
		{name: "workspace:credential:servicemodule:read", parent: PermWorkspaceRead, kind: KindAPI, label: "Read workspace service credentials", assignable: true},
		{name: "workspace:credential:servicemodule:create", parent: "workspace:credential:servicemodule:read", kind: KindAPI, label: "Create workspace service credential", assignable: true},
		{name: "workspace:credential:servicemodule:update", parent: "workspace:credential:servicemodule:read", kind: KindAPI, label: "Update workspace service credential", assignable: true},
		{name: "workspace:credential:servicemodule:delete", parent: "workspace:credential:servicemodule:read", kind: KindAPI, label: "Delete workspace service credential", assignable: true},

		{name: PermProjectRoot, parent: PermWorkspaceRead, kind: KindAbility, label: "Project", description: "Root of the project domain.", assignable: true},
		{name: "project:create", parent: PermProjectRoot, kind: KindAPI, label: "Create project", assignable: true},
		{name: PermProjectRead, parent: PermProjectRoot, kind: KindAbility, label: "Open project", description: "See and open a project. Base of every in-project operation.", assignable: true},
		{name: "project:update", parent: PermProjectRead, kind: KindAPI, label: "Update project settings", assignable: true},
		{name: "project:delete", parent: PermProjectRead, kind: KindAPI, label: "Delete project", assignable: true},
		{name: "project:publish", parent: PermProjectRead, kind: KindAPI, label: "Publish project", assignable: true},
		{name: "project:publish:marketplace", parent: "project:publish", kind: KindAPI, label: "Publish project to marketplace", assignable: true},
		{name: "project:publish:api", parent: "project:publish", kind: KindAPI, label: "Publish project as API", assignable: true},
		{name: "project:template:create", parent: PermProjectRead, kind: KindAPI, label: "Create project template", description: "Save an existing project as a template.", assignable: true},
		{name: "project:template:use", parent: PermProjectRead, kind: KindAPI, label: "Use project template", description: "Create a new project from a template.", assignable: true},
		{name: "project:share", parent: PermProjectRead, kind: KindAPI, label: "Share project", description: "Share a project with specific users or via link.", assignable: true},
		{name: "project:comment:read", parent: PermProjectRead, kind: KindAPI, label: "Read project comments", assignable: true},
		{name: "project:comment:write", parent: PermProjectRead, kind: KindAPI, label: "Write project comments", assignable: true},

		{name: PermResourceRoot, parent: PermProjectRead, kind: KindAbility, label: "Resource", description: "Root of the resource domain.", assignable: true},
		{name: "resource:create", parent: PermResourceRoot, kind: KindAPI, label: "Create resource", assignable: true},
		{name: PermResourceRead, parent: PermResourceRoot, kind: KindAPI, label: "Open resource", assignable: true},
		{name: "resource:update", parent: PermResourceRead, kind: KindAPI, label: "Edit resource", assignable: true},
		{name: "resource:delete", parent: PermResourceRead, kind: KindAPI, label: "Delete resource", assignable: true},
		{name: "resource:publish", parent: PermResourceRead, kind: KindAPI, label: "Publish resource", assignable: true},
		{name: "resource:publish:marketplace", parent: "resource:publish", kind: KindAPI, label: "Publish resource to marketplace", assignable: true},
		{name: "resource:publish:api", parent: "resource:publish", kind: KindAPI, label: "Publish resource as API", assignable: true},
		{name: PermResourceExecute, parent: PermResourceRead, kind: KindAPI, label: "Execute resource", assignable: true},
		{name: "resource:share", parent: PermResourceRead, kind: KindAPI, label: "Share resource", description: "Share a single resource out of a project.", assignable: true},

		{name: PermAuditRoot, kind: KindAbility, label: "Audit", description: "Root of the audit and log domain.", assignable: true},
		{name: "audit:trace:read", parent: PermAuditRoot, kind: KindAPI, label: "Read invocation traces", assignable: true},

		{name: PermUIRoot, kind: KindAbility, label: "UI", description: "Root of the frontend surface domain.", assignable: true},
		{name: PermPageDashboard, parent: PermUIRoot, kind: KindPage, label: "Open dashboard", assignable: true},
	}
}

// collaborationScopes lists the in-workspace operations shared by every
// role that can enter a collaboration space. Roots are listed explicitly
// even though chain checks would reach them anyway.
func collaborationScopes() []string {
	return []string{
		PermModuleRoot,
		PermAuditRoot, "audit:trace:read",
		PermWorkspaceRoot, "workspace:create", PermWorkspaceRead, "workspace:update", "workspace:delete",
		PermProjectRoot, "project:create", PermProjectRead, "project:update", "project:delete",
		"project:publish", "project:publish:marketplace",
		"project:template:create", "project:template:use", "project:share",
		"project:comment:read", "project:comment:write",
		PermResourceRoot, "resource:create", PermResourceRead, "resource:update", "resource:delete",
		"resource:publish", "resource:publish:marketplace", "resource:share", PermResourceExecute,
		"workspace:credential:servicemodule:read",
		"workspace:credential:servicemodule:create",
		"workspace:credential:servicemodule:update",
		"workspace:credential:servicemodule:delete",
	}
}

// selfServiceScopes lists the personal account operations every plan grants.
func selfServiceScopes() []string {
	return []string{
		PermUserRoot, "user:profile:read", "user:profile:write", "user:security:write", "user:account:delete",
		"user:apikey:read", "user:apikey:create", "user:apikey:delete",
	}
}

// billingScopes lists the self-serve billing operations.
func billingScopes() []string {
	return []string{PermBillingRoot, PermBillingRead, PermBillingManage}
}

// systemRoles returns the seed-owned roles with their direct grants,
// parents listed before children. Stored closures are computed by Seed.
func systemRoles() []seedRole {
	free := []string{PermUIRoot, PermPageDashboard}
	free = append(free, selfServiceScopes()...)
	free = append(free, collaborationScopes()...)
	free = append(free, billingScopes()...)

	member := append(collaborationScopes(), PermTeamRoot, PermTeamRead, PermTeamMemberRead)

	owner := append([]string{PermTeamDelete}, billingScopes()...)

	return []seedRole{
		{name: RolePlanFree, kind: RoleSystemPlan, label: "Free plan", direct: free},
		{name: RolePlanPro, parent: RolePlanFree, kind: RoleSystemPlan, label: "Pro plan", direct: []string{"project:publish:api", "resource:publish:api"}},
		{name: RolePlanTeam, parent: RolePlanPro, kind: RoleSystemPlan, label: "Team plan", direct: []string{PermTeamCreate}},
		{name: RoleTeamMember, kind: RoleSystemTeamTemplate, label: "Team member", direct: member},
		{name: RoleTeamAdmin, parent: RoleTeamMember, kind: RoleSystemTeamTemplate, label: "Team admin", direct: []string{
			PermTeamUpdate,
			"team:member:invite", "team:member:remove", "team:member:role:update",
			PermTeamRoleRead, PermTeamRoleWrite,
			"team:apikey:read", "team:apikey:create", "team:apikey:delete",
		}},
		{name: RoleTeamOwner, parent: RoleTeamAdmin, kind: RoleSystemTeamTemplate, label: "Team owner", direct: owner},
		{name: RoleTeamBillingManager, kind: RoleSystemTeamTemplate, label: "Team billing manager", direct: billingScopes()},
	}
}

// Seed upserts the built-in permission catalog and system roles. Safe to
// run on every deploy: catalog rows are refreshed in place and role
// closures are rewritten from the current definitions.
func Seed(ctx context.Context, store Store, logger *slog.Logger) error {
	catalog := seedCatalog()
	roles := systemRoles()

	err := store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		ids := make(map[string]int64, len(catalog))
		for _, entry := range catalog {
			p := Permission{
				Name:        entry.name,
				Kind:        entry.kind,
				Label:       entry.label,
				Description: entry.description,
				Assignable:  entry.assignable,
			}
			if entry.parent != "" {
				parentID, ok := ids[entry.parent]
				if !ok {
					return fmt.Errorf("permission: seed entry %q lists unknown parent %q", entry.name, entry.parent)
				}
				p.ParentID = &parentID
			}
			id, err := tx.UpsertPermission(ctx, p)
			if err != nil {
				return fmt.Errorf("permission: seed %q: %w", entry.name, err)
			}
			ids[entry.name] = id
		}

		closures := make(map[string]map[int64]struct{}, len(roles))
		roleIDs := make(map[string]int64, len(roles))
		for _, entry := range roles {
			closure := make(map[int64]struct{})
			if entry.parent != "" {
				parentClosure, ok := closures[entry.parent]
				if !ok {
					return fmt.Errorf("permission: seed role %q lists unknown parent %q", entry.name, entry.parent)
				}
				for id := range parentClosure {
					closure[id] = struct{}{}
				}
			}
			for _, name := range entry.direct {
				id, ok := ids[name]
				if !ok {
					return fmt.Errorf("permission: seed role %q grants unknown permission %q", entry.name, name)
				}
				closure[id] = struct{}{}
			}

			var parentID *int64
			if entry.parent != "" {
				id, ok := roleIDs[entry.parent]
				if !ok {
					return fmt.Errorf("permission: seed role %q lists unknown parent %q", entry.name, entry.parent)
				}
				parentID = &id
			}

			role, err := tx.GetRoleByName(ctx, entry.name, nil)
			switch {
			case err == nil:
				role.Label = entry.label
				role.ParentID = parentID
				if err := tx.UpdateRole(ctx, role); err != nil {
					return fmt.Errorf("permission: refresh role %q: %w", entry.name, err)
				}
			case errors.Is(err, ErrNotFound):
				role, err = tx.CreateRole(ctx, Role{
					UUID:     uuid.New(),
					Name:     entry.name,
					Label:    entry.label,
					Kind:     entry.kind,
					ParentID: parentID,
				})
				if err != nil {
					return fmt.Errorf("permission: seed role %q: %w", entry.name, err)
				}
			default:
				return err
			}

			if err := tx.ReplaceRolePermissions(ctx, role.ID, sortedIDs(closure)); err != nil {
				return fmt.Errorf("permission: seed role %q closure: %w", entry.name, err)
			}
			roleIDs[entry.name] = role.ID
			closures[entry.name] = closure
		}
		return nil
	})
	if err != nil {
		return err
	}
	if logger != nil {
		logger.Info("permission catalog seeded",
			slog.Int("permissions", len(catalog)), slog.Int("roles", len(roles)))
	}
	return nil
}
