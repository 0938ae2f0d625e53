package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Permission names are lowercase colon-separated segments, as in
// "project:publish:api".
var validPermissionName = regexp.MustCompile(`^[a-z0-9_-]+(:[a-z0-9_-]+)*$`)

// Store describes catalog and role persistence used by Manager and the
// engine's read path.
type Store interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetPermissionsByNames(ctx context.Context, names []string) ([]Permission, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByUUID(ctx context.Context, id uuid.UUID) (Role, error)
	GetRoleByName(ctx context.Context, name string, teamID *int64) (Role, error)
	ListRoles(ctx context.Context, teamID *int64) ([]Role, error)
	RolePermissionNames(ctx context.Context, roleID int64) ([]string, error)
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
}

// TxStore exposes the transactional slice used by role mutations and
// seeding. Reads inside the transaction observe its snapshot.
type TxStore interface {
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string, teamID *int64) (Role, error)
	ListChildRoles(ctx context.Context, parentID int64) ([]Role, error)
	RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
	RoleAssignmentCount(ctx context.Context, roleID int64) (int64, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) error
	DeleteRole(ctx context.Context, id int64) error
	ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	UpdatePermission(ctx context.Context, p Permission) error
	DeletePermission(ctx context.Context, id int64) error
	UpsertPermission(ctx context.Context, p Permission) (int64, error)
}

// Sweeper queues cache invalidation after role mutations commit.
type Sweeper interface {
	SweepTeam(ctx context.Context, teamID int64, reason string) error
}

// Manager maintains roles and the denormalized closure invariant: every
// role's stored permissions equal its direct grants plus everything its
// parent stores.
type Manager struct {
	store   Store
	sweeper Sweeper
	logger  *slog.Logger
	metrics *EngineMetrics
}

// NewManager constructs the role manager.
func NewManager(store Store, sweeper Sweeper, logger *slog.Logger, metrics *EngineMetrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, sweeper: sweeper, logger: logger, metrics: metrics}
}

// CreateRoleInput carries everything needed to create a role.
// Permissions are the direct grants; the stored closure also absorbs
// the parent's closure.
type CreateRoleInput struct {
	Name        string
	Label       string
	Description string
	Kind        RoleKind
	TeamID      *int64
	ParentID    *int64
	Permissions []string
}

// UpdateRoleInput updates a role in place. Nil fields stay untouched;
// ClearParent detaches the role from its parent.
type UpdateRoleInput struct {
	ID          int64
	Name        *string
	Label       *string
	Description *string
	ParentID    *int64
	ClearParent bool
	Permissions *[]string
}

// CreateRole inserts a role with its computed closure. Names are unique
// per scope and parents must live in the same scope.
func (m *Manager) CreateRole(ctx context.Context, in CreateRoleInput) (Role, error) {
	name := normalizeName(in.Name)
	if name == "" {
		return Role{}, errors.New("permission: role name required")
	}
	kind := in.Kind
	if kind == "" {
		if in.TeamID == nil {
			return Role{}, errors.New("permission: global roles are seed-owned")
		}
		kind = RoleCustomTeam
	}
	directIDs, err := m.resolveNames(ctx, in.Permissions)
	if err != nil {
		return Role{}, err
	}

	var created Role
	err = m.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if existing, err := tx.GetRoleByName(ctx, name, in.TeamID); err == nil && existing.ID != 0 {
			return ErrRoleExists
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		closure := toIDSet(directIDs)
		if in.ParentID != nil {
			parent, err := tx.GetRole(ctx, *in.ParentID)
			if err != nil {
				return fmt.Errorf("permission: parent role: %w", err)
			}
			if !sameScope(parent.TeamID, in.TeamID) {
				return fmt.Errorf("permission: parent role: %w", ErrNotFound)
			}
			parentClosure, err := tx.RolePermissionIDs(ctx, parent.ID)
			if err != nil {
				return err
			}
			for _, id := range parentClosure {
				closure[id] = struct{}{}
			}
		}

		created, err = tx.CreateRole(ctx, Role{
			UUID:        uuid.New(),
			Name:        name,
			Label:       normalizeName(in.Label),
			Description: strings.TrimSpace(in.Description),
			Kind:        kind,
			TeamID:      in.TeamID,
			ParentID:    in.ParentID,
		})
		if err != nil {
			return err
		}
		return tx.ReplaceRolePermissions(ctx, created.ID, sortedIDs(closure))
	})
	if err != nil {
		return Role{}, err
	}
	m.logger.Info("role created",
		slog.Int64("role_id", created.ID),
		slog.String("name", created.Name))
	return created, nil
}

// UpdateRole rewrites the role and cascades new closures through its
// descendants in one transaction. Each descendant's direct set is
// recovered by diffing its old closure against its parent's old
// closure, captured before any write, so removals propagate.
func (m *Manager) UpdateRole(ctx context.Context, in UpdateRoleInput) (Role, error) {
	var requested []int64
	if in.Permissions != nil {
		ids, err := m.resolveNames(ctx, *in.Permissions)
		if err != nil {
			return Role{}, err
		}
		requested = ids
	}

	var updated Role
	var rewritten int
	var sweepTeam *int64
	err := m.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		role, err := tx.GetRole(ctx, in.ID)
		if err != nil {
			return err
		}
		if role.Kind.System() {
			return ErrRoleProtected
		}

		name := role.Name
		if in.Name != nil {
			name = normalizeName(*in.Name)
			if name == "" {
				return errors.New("permission: role name required")
			}
			if name != role.Name {
				existing, err := tx.GetRoleByName(ctx, name, role.TeamID)
				if err == nil && existing.ID != role.ID {
					return ErrRoleExists
				}
				if err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
			}
		}

		// Snapshot the old closure of the whole subtree first.
		oldClosure := map[int64]map[int64]struct{}{}
		parentOf := map[int64]int64{}
		isDescendant := map[int64]bool{}
		var descendants []Role

		ids, err := tx.RolePermissionIDs(ctx, role.ID)
		if err != nil {
			return err
		}
		oldClosure[role.ID] = toIDSet(ids)

		queue := []int64{role.ID}
		for len(queue) > 0 {
			parentID := queue[0]
			queue = queue[1:]
			children, err := tx.ListChildRoles(ctx, parentID)
			if err != nil {
				return err
			}
			for _, child := range children {
				ids, err := tx.RolePermissionIDs(ctx, child.ID)
				if err != nil {
					return err
				}
				oldClosure[child.ID] = toIDSet(ids)
				parentOf[child.ID] = parentID
				isDescendant[child.ID] = true
				descendants = append(descendants, child)
				queue = append(queue, child.ID)
			}
		}

		newParentID := role.ParentID
		if in.ClearParent {
			newParentID = nil
		} else if in.ParentID != nil {
			candidate := *in.ParentID
			if candidate == role.ID || isDescendant[candidate] {
				return ErrRoleCycle
			}
			parent, err := tx.GetRole(ctx, candidate)
			if err != nil {
				return fmt.Errorf("permission: parent role: %w", err)
			}
			if !sameScope(parent.TeamID, role.TeamID) {
				return fmt.Errorf("permission: parent role: %w", ErrNotFound)
			}
			newParentID = &candidate
		}

		oldParentClosure := map[int64]struct{}{}
		if role.ParentID != nil {
			ids, err := tx.RolePermissionIDs(ctx, *role.ParentID)
			if err != nil {
				return err
			}
			oldParentClosure = toIDSet(ids)
		}
		// The cycle check keeps the new parent outside the subtree, so
		// its closure is stable across this cascade.
		newParentClosure := map[int64]struct{}{}
		if newParentID != nil {
			ids, err := tx.RolePermissionIDs(ctx, *newParentID)
			if err != nil {
				return err
			}
			newParentClosure = toIDSet(ids)
		}

		direct := diffIDs(oldClosure[role.ID], oldParentClosure)
		if in.Permissions != nil {
			direct = toIDSet(requested)
		}

		newClosure := map[int64]map[int64]struct{}{}
		newClosure[role.ID] = unionIDs(direct, newParentClosure)

		role.Name = name
		if in.Label != nil {
			role.Label = normalizeName(*in.Label)
		}
		if in.Description != nil {
			role.Description = strings.TrimSpace(*in.Description)
		}
		role.ParentID = newParentID
		if err := tx.UpdateRole(ctx, role); err != nil {
			return err
		}
		if err := tx.ReplaceRolePermissions(ctx, role.ID, sortedIDs(newClosure[role.ID])); err != nil {
			return err
		}

		for _, child := range descendants {
			parentID := parentOf[child.ID]
			childDirect := diffIDs(oldClosure[child.ID], oldClosure[parentID])
			newClosure[child.ID] = unionIDs(childDirect, newClosure[parentID])
			if err := tx.ReplaceRolePermissions(ctx, child.ID, sortedIDs(newClosure[child.ID])); err != nil {
				return err
			}
		}

		rewritten = len(descendants) + 1
		updated = role
		sweepTeam = role.TeamID
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	m.metrics.cascade(rewritten)
	m.logger.Info("role updated",
		slog.Int64("role_id", updated.ID),
		slog.String("name", updated.Name),
		slog.Int("roles_rewritten", rewritten))
	m.sweepAfterChange(ctx, sweepTeam)
	return updated, nil
}

// DeleteRole removes a custom role that has no children and no
// remaining assignments.
func (m *Manager) DeleteRole(ctx context.Context, id int64) error {
	err := m.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		role, err := tx.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if role.Kind.System() {
			return ErrRoleProtected
		}
		children, err := tx.ListChildRoles(ctx, role.ID)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return ErrRoleHasChildren
		}
		assigned, err := tx.RoleAssignmentCount(ctx, role.ID)
		if err != nil {
			return err
		}
		if assigned > 0 {
			return ErrRoleAssigned
		}
		return tx.DeleteRole(ctx, role.ID)
	})
	if err != nil {
		return err
	}
	m.logger.Info("role deleted", slog.Int64("role_id", id))
	return nil
}

// CreatePermissionInput defines a new catalog node. Parent is the
// parent permission's name, empty for a new root.
type CreatePermissionInput struct {
	Name        string
	Kind        Kind
	Label       string
	Description string
	Parent      string
	Assignable  bool
}

// UpdatePermissionInput changes catalog node metadata. Names and parent
// links are immutable once created; nil fields stay untouched.
type UpdatePermissionInput struct {
	Label       *string
	Description *string
	Assignable  *bool
}

// CreatePermission adds a catalog node. Callers rebuild the hierarchy
// index afterwards so checks can see the new name.
func (m *Manager) CreatePermission(ctx context.Context, in CreatePermissionInput) (Permission, error) {
	name := normalizeName(in.Name)
	if !validPermissionName.MatchString(name) {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidName, in.Name)
	}
	kind := in.Kind
	if kind == "" {
		kind = KindAbility
	}

	var created Permission
	err := m.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		if _, err := tx.GetPermissionByName(ctx, name); err == nil {
			return fmt.Errorf("%w: %q", ErrPermissionExists, name)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		var parentID *int64
		if parent := normalizeName(in.Parent); parent != "" {
			parentPerm, err := tx.GetPermissionByName(ctx, parent)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return fmt.Errorf("permission: parent %q: %w", parent, ErrNotFound)
				}
				return err
			}
			parentID = &parentPerm.ID
		}

		var err error
		created, err = tx.CreatePermission(ctx, Permission{
			Name:        name,
			Kind:        kind,
			Label:       strings.TrimSpace(in.Label),
			Description: strings.TrimSpace(in.Description),
			ParentID:    parentID,
			Assignable:  in.Assignable,
		})
		return err
	})
	if err != nil {
		return Permission{}, err
	}
	m.logger.Info("permission created",
		slog.Int64("permission_id", created.ID),
		slog.String("name", created.Name))
	return created, nil
}

// UpdatePermission rewrites a catalog node's metadata.
func (m *Manager) UpdatePermission(ctx context.Context, name string, in UpdatePermissionInput) (Permission, error) {
	var updated Permission
	err := m.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		perm, err := tx.GetPermissionByName(ctx, normalizeName(name))
		if err != nil {
			return err
		}
		if in.Label != nil {
			perm.Label = strings.TrimSpace(*in.Label)
		}
		if in.Description != nil {
			perm.Description = strings.TrimSpace(*in.Description)
		}
		if in.Assignable != nil {
			perm.Assignable = *in.Assignable
		}
		if err := tx.UpdatePermission(ctx, perm); err != nil {
			return err
		}
		updated = perm
		return nil
	})
	if err != nil {
		return Permission{}, err
	}
	return updated, nil
}

// DeletePermission removes a catalog node. Child permissions and role
// grant rows referencing the subtree go with it through the store's
// cascading deletes, which keeps stored closures consistent.
func (m *Manager) DeletePermission(ctx context.Context, name string) error {
	err := m.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		perm, err := tx.GetPermissionByName(ctx, normalizeName(name))
		if err != nil {
			return err
		}
		return tx.DeletePermission(ctx, perm.ID)
	})
	if err != nil {
		return err
	}
	m.logger.Info("permission deleted", slog.String("name", name))
	return nil
}

// Role loads a role by public identifier together with its stored
// closure.
func (m *Manager) Role(ctx context.Context, id uuid.UUID) (Role, []string, error) {
	role, err := m.store.GetRoleByUUID(ctx, id)
	if err != nil {
		return Role{}, nil, err
	}
	names, err := m.store.RolePermissionNames(ctx, role.ID)
	if err != nil {
		return Role{}, nil, err
	}
	return role, names, nil
}

// ListRoles returns the roles in a scope; nil teamID selects the
// global system roles.
func (m *Manager) ListRoles(ctx context.Context, teamID *int64) ([]Role, error) {
	return m.store.ListRoles(ctx, teamID)
}

// Catalog returns every permission for assignment pickers.
func (m *Manager) Catalog(ctx context.Context) ([]Permission, error) {
	return m.store.ListPermissions(ctx)
}

func (m *Manager) sweepAfterChange(ctx context.Context, teamID *int64) {
	if teamID == nil {
		// Global roles touch every actor; entries age out via TTL
		// instead of a full keyspace sweep.
		m.logger.Info("global role changed, cached entries expire via TTL")
		return
	}
	if m.sweeper == nil {
		return
	}
	if err := m.sweeper.SweepTeam(ctx, *teamID, "role_changed"); err != nil {
		m.logger.Warn("enqueue team sweep failed",
			slog.Int64("team_id", *teamID),
			slog.Any("error", err))
	}
}

func (m *Manager) resolveNames(ctx context.Context, names []string) ([]int64, error) {
	if len(names) == 0 {
		return nil, nil
	}
	unique := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = normalizeName(name)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		unique = append(unique, name)
	}
	perms, err := m.store.GetPermissionsByNames(ctx, unique)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int64, len(perms))
	for _, p := range perms {
		byName[p.Name] = p.ID
	}
	ids := make([]int64, 0, len(unique))
	var unknown []string
	for _, name := range unique {
		id, ok := byName[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		ids = append(ids, id)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &UnknownPermissionError{Names: unknown}
	}
	return ids, nil
}

func normalizeName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func sameScope(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func toIDSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func unionIDs(a, b map[int64]struct{}) map[int64]struct{} {
	out := make(map[int64]struct{}, len(a)+len(b))
	for id := range a {
		out[id] = struct{}{}
	}
	for id := range b {
		out[id] = struct{}{}
	}
	return out
}

func diffIDs(a, b map[int64]struct{}) map[int64]struct{} {
	out := make(map[int64]struct{}, len(a))
	for id := range a {
		if _, ok := b[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
