package permission

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	perms       map[int64]Permission
	roles       map[int64]Role
	closures    map[int64]map[int64]struct{}
	assignments map[int64]int64
	nextID      int64
}

type memoryTx struct {
	store *memoryStore
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		perms:       make(map[int64]Permission),
		roles:       make(map[int64]Role),
		closures:    make(map[int64]map[int64]struct{}),
		assignments: make(map[int64]int64),
	}
}

func (s *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return fn(ctx, &memoryTx{store: s})
}

func (s *memoryStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	perms := make([]Permission, 0, len(s.perms))
	for _, p := range s.perms {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].ID < perms[j].ID })
	return perms, nil
}

func (s *memoryStore) GetPermissionsByNames(ctx context.Context, names []string) ([]Permission, error) {
	want := make(map[string]struct{}, len(names))
	for _, name := range names {
		want[name] = struct{}{}
	}
	var perms []Permission
	for _, p := range s.perms {
		if _, ok := want[p.Name]; ok {
			perms = append(perms, p)
		}
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].ID < perms[j].ID })
	return perms, nil
}

func (s *memoryStore) GetRole(ctx context.Context, id int64) (Role, error) {
	role, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (s *memoryStore) GetRoleByUUID(ctx context.Context, id uuid.UUID) (Role, error) {
	for _, role := range s.roles {
		if role.UUID == id {
			return role, nil
		}
	}
	return Role{}, ErrNotFound
}

func (s *memoryStore) GetRoleByName(ctx context.Context, name string, teamID *int64) (Role, error) {
	for _, role := range s.roles {
		if role.Name == name && sameScope(role.TeamID, teamID) {
			return role, nil
		}
	}
	return Role{}, ErrNotFound
}

func (s *memoryStore) ListRoles(ctx context.Context, teamID *int64) ([]Role, error) {
	var roles []Role
	for _, role := range s.roles {
		if sameScope(role.TeamID, teamID) {
			roles = append(roles, role)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (s *memoryStore) RolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	names := make([]string, 0, len(s.closures[roleID]))
	for id := range s.closures[roleID] {
		names = append(names, s.perms[id].Name)
	}
	sort.Strings(names)
	return names, nil
}

func (tx *memoryTx) next() int64 {
	tx.store.nextID++
	return tx.store.nextID
}

func (tx *memoryTx) GetRole(ctx context.Context, id int64) (Role, error) {
	return tx.store.GetRole(ctx, id)
}

func (tx *memoryTx) GetRoleByName(ctx context.Context, name string, teamID *int64) (Role, error) {
	return tx.store.GetRoleByName(ctx, name, teamID)
}

func (tx *memoryTx) ListChildRoles(ctx context.Context, parentID int64) ([]Role, error) {
	var children []Role
	for _, role := range tx.store.roles {
		if role.ParentID != nil && *role.ParentID == parentID {
			children = append(children, role)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	return children, nil
}

func (tx *memoryTx) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	return sortedIDs(tx.store.closures[roleID]), nil
}

func (tx *memoryTx) RoleAssignmentCount(ctx context.Context, roleID int64) (int64, error) {
	return tx.store.assignments[roleID], nil
}

func (tx *memoryTx) CreateRole(ctx context.Context, role Role) (Role, error) {
	for _, existing := range tx.store.roles {
		if existing.Name == role.Name && sameScope(existing.TeamID, role.TeamID) {
			return Role{}, ErrRoleExists
		}
	}
	role.ID = tx.next()
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt
	tx.store.roles[role.ID] = role
	return role, nil
}

func (tx *memoryTx) UpdateRole(ctx context.Context, role Role) error {
	current, ok := tx.store.roles[role.ID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range tx.store.roles {
		if existing.ID != role.ID && existing.Name == role.Name && sameScope(existing.TeamID, current.TeamID) {
			return ErrRoleExists
		}
	}
	current.Name = role.Name
	current.Label = role.Label
	current.Description = role.Description
	current.ParentID = role.ParentID
	current.UpdatedAt = time.Now()
	tx.store.roles[role.ID] = current
	return nil
}

func (tx *memoryTx) DeleteRole(ctx context.Context, id int64) error {
	if _, ok := tx.store.roles[id]; !ok {
		return ErrNotFound
	}
	delete(tx.store.roles, id)
	delete(tx.store.closures, id)
	return nil
}

func (tx *memoryTx) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	tx.store.closures[roleID] = toIDSet(permissionIDs)
	return nil
}

func (tx *memoryTx) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	for _, p := range tx.store.perms {
		if p.Name == name {
			return p, nil
		}
	}
	return Permission{}, ErrNotFound
}

func (tx *memoryTx) CreatePermission(ctx context.Context, p Permission) (Permission, error) {
	for _, existing := range tx.store.perms {
		if existing.Name == p.Name {
			return Permission{}, ErrPermissionExists
		}
	}
	p.ID = tx.next()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	tx.store.perms[p.ID] = p
	return p, nil
}

func (tx *memoryTx) UpdatePermission(ctx context.Context, p Permission) error {
	current, ok := tx.store.perms[p.ID]
	if !ok {
		return ErrNotFound
	}
	current.Label = p.Label
	current.Description = p.Description
	current.Assignable = p.Assignable
	current.UpdatedAt = time.Now()
	tx.store.perms[p.ID] = current
	return nil
}

func (tx *memoryTx) DeletePermission(ctx context.Context, id int64) error {
	if _, ok := tx.store.perms[id]; !ok {
		return ErrNotFound
	}
	// Mirror the cascading foreign keys: children and closure rows go
	// with the node.
	var children []int64
	for childID, p := range tx.store.perms {
		if p.ParentID != nil && *p.ParentID == id {
			children = append(children, childID)
		}
	}
	delete(tx.store.perms, id)
	for _, closure := range tx.store.closures {
		delete(closure, id)
	}
	for _, childID := range children {
		_ = tx.DeletePermission(ctx, childID)
	}
	return nil
}

func (tx *memoryTx) UpsertPermission(ctx context.Context, p Permission) (int64, error) {
	for id, existing := range tx.store.perms {
		if existing.Name == p.Name {
			p.ID = id
			p.CreatedAt = existing.CreatedAt
			p.UpdatedAt = time.Now()
			tx.store.perms[id] = p
			return id, nil
		}
	}
	p.ID = tx.next()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	tx.store.perms[p.ID] = p
	return p.ID, nil
}

type recordingSweeper struct {
	teams   []int64
	reasons []string
}

func (s *recordingSweeper) SweepTeam(ctx context.Context, teamID int64, reason string) error {
	s.teams = append(s.teams, teamID)
	s.reasons = append(s.reasons, reason)
	return nil
}

func seedTestPerms(t *testing.T, store *memoryStore, names ...string) map[string]int64 {
	t.Helper()
	ids := make(map[string]int64, len(names))
	err := store.WithTx(context.Background(), func(ctx context.Context, tx TxStore) error {
		for _, name := range names {
			id, err := tx.UpsertPermission(ctx, Permission{Name: name, Kind: KindAPI, Assignable: true})
			if err != nil {
				return err
			}
			ids[name] = id
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func TestCreateRoleComputesClosure(t *testing.T) {
	store := newMemoryStore()
	seedTestPerms(t, store, "docs:read", "docs:write", "docs:admin")
	mgr := NewManager(store, nil, testLogger(), nil)
	ctx := context.Background()
	teamID := int64(7)

	base, err := mgr.CreateRole(ctx, CreateRoleInput{
		Name:        "reviewer",
		TeamID:      &teamID,
		Permissions: []string{"docs:read"},
	})
	require.NoError(t, err)
	require.Equal(t, RoleCustomTeam, base.Kind)

	child, err := mgr.CreateRole(ctx, CreateRoleInput{
		Name:        "editor",
		TeamID:      &teamID,
		ParentID:    &base.ID,
		Permissions: []string{"docs:write"},
	})
	require.NoError(t, err)

	names, err := store.RolePermissionNames(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"docs:read", "docs:write"}, names)

	_, err = mgr.CreateRole(ctx, CreateRoleInput{Name: "editor", TeamID: &teamID})
	require.ErrorIs(t, err, ErrRoleExists)

	_, err = mgr.CreateRole(ctx, CreateRoleInput{
		Name:        "broken",
		TeamID:      &teamID,
		Permissions: []string{"docs:read", "docs:nonsense"},
	})
	var unknown *UnknownPermissionError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, []string{"docs:nonsense"}, unknown.Names)
}

func TestCreateRoleRejectsCrossScopeParent(t *testing.T) {
	store := newMemoryStore()
	seedTestPerms(t, store, "docs:read")
	mgr := NewManager(store, nil, testLogger(), nil)
	ctx := context.Background()

	global, err := mgr.CreateRole(ctx, CreateRoleInput{
		Name:        "plan:test",
		Kind:        RoleSystemPlan,
		Permissions: []string{"docs:read"},
	})
	require.NoError(t, err)

	teamID := int64(3)
	_, err = mgr.CreateRole(ctx, CreateRoleInput{
		Name:     "borrowed",
		TeamID:   &teamID,
		ParentID: &global.ID,
	})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = mgr.CreateRole(ctx, CreateRoleInput{Name: "orphan"})
	require.Error(t, err)
}

func TestUpdateRoleCascadesRemovals(t *testing.T) {
	store := newMemoryStore()
	seedTestPerms(t, store, "docs:read", "docs:write", "docs:admin")
	sweeper := &recordingSweeper{}
	mgr := NewManager(store, sweeper, testLogger(), nil)
	ctx := context.Background()
	teamID := int64(9)

	parent, err := mgr.CreateRole(ctx, CreateRoleInput{
		Name: "parent", TeamID: &teamID, Permissions: []string{"docs:read", "docs:write"},
	})
	require.NoError(t, err)
	child, err := mgr.CreateRole(ctx, CreateRoleInput{
		Name: "child", TeamID: &teamID, ParentID: &parent.ID, Permissions: []string{"docs:admin"},
	})
	require.NoError(t, err)
	grandchild, err := mgr.CreateRole(ctx, CreateRoleInput{
		Name: "grandchild", TeamID: &teamID, ParentID: &child.ID,
	})
	require.NoError(t, err)

	names, err := store.RolePermissionNames(ctx, grandchild.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"docs:admin", "docs:read", "docs:write"}, names)

	// Shrinking the parent's direct grants must shrink every descendant.
	_, err = mgr.UpdateRole(ctx, UpdateRoleInput{
		ID:          parent.ID,
		Permissions: &[]string{"docs:read"},
	})
	require.NoError(t, err)

	names, err = store.RolePermissionNames(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"docs:read"}, names)

	names, err = store.RolePermissionNames(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"docs:admin", "docs:read"}, names)

	names, err = store.RolePermissionNames(ctx, grandchild.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"docs:admin", "docs:read"}, names)

	require.Equal(t, []int64{teamID}, sweeper.teams)
	require.Equal(t, []string{"role_changed"}, sweeper.reasons)
}

func TestUpdateRoleReparentRecomputesClosure(t *testing.T) {
	store := newMemoryStore()
	seedTestPerms(t, store, "docs:read", "docs:write", "docs:admin")
	mgr := NewManager(store, nil, testLogger(), nil)
	ctx := context.Background()
	teamID := int64(4)

	first, err := mgr.CreateRole(ctx, CreateRoleInput{
		Name: "first", TeamID: &teamID, Permissions: []string{"docs:read"},
	})
	require.NoError(t, err)
	second, err := mgr.CreateRole(ctx, CreateRoleInput{
		Name: "second", TeamID: &teamID, Permissions: []string{"docs:write"},
	})
	require.NoError(t, err)
	moved, err := mgr.CreateRole(ctx, CreateRoleInput{
		Name: "moved", TeamID: &teamID, ParentID: &first.ID, Permissions: []string{"docs:admin"},
	})
	require.NoError(t, err)

	_, err = mgr.UpdateRole(ctx, UpdateRoleInput{ID: moved.ID, ParentID: &second.ID})
	require.NoError(t, err)

	names, err := store.RolePermissionNames(ctx, moved.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"docs:admin", "docs:write"}, names)

	// Detaching leaves only the direct grants behind.
	_, err = mgr.UpdateRole(ctx, UpdateRoleInput{ID: moved.ID, ClearParent: true})
	require.NoError(t, err)

	names, err = store.RolePermissionNames(ctx, moved.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"docs:admin"}, names)
}

func TestUpdateRoleRejectsCycles(t *testing.T) {
	store := newMemoryStore()
	seedTestPerms(t, store, "docs:read")
	mgr := NewManager(store, nil, testLogger(), nil)
	ctx := context.Background()
	teamID := int64(2)

	parent, err := mgr.CreateRole(ctx, CreateRoleInput{Name: "parent", TeamID: &teamID})
	require.NoError(t, err)
	child, err := mgr.CreateRole(ctx, CreateRoleInput{Name: "child", TeamID: &teamID, ParentID: &parent.ID})
	require.NoError(t, err)

	_, err = mgr.UpdateRole(ctx, UpdateRoleInput{ID: parent.ID, ParentID: &child.ID})
	require.ErrorIs(t, err, ErrRoleCycle)

	_, err = mgr.UpdateRole(ctx, UpdateRoleInput{ID: parent.ID, ParentID: &parent.ID})
	require.ErrorIs(t, err, ErrRoleCycle)
}

func TestUpdateRoleRenameConflict(t *testing.T) {
	store := newMemoryStore()
	seedTestPerms(t, store, "docs:read")
	mgr := NewManager(store, nil, testLogger(), nil)
	ctx := context.Background()
	teamID := int64(5)

	_, err := mgr.CreateRole(ctx, CreateRoleInput{Name: "taken", TeamID: &teamID})
	require.NoError(t, err)
	role, err := mgr.CreateRole(ctx, CreateRoleInput{Name: "renameme", TeamID: &teamID})
	require.NoError(t, err)

	name := "taken"
	_, err = mgr.UpdateRole(ctx, UpdateRoleInput{ID: role.ID, Name: &name})
	require.ErrorIs(t, err, ErrRoleExists)
}

func TestUpdateRoleProtectsSystemRoles(t *testing.T) {
	store := newMemoryStore()
	seedTestPerms(t, store, "docs:read")
	mgr := NewManager(store, nil, testLogger(), nil)
	ctx := context.Background()

	system, err := mgr.CreateRole(ctx, CreateRoleInput{Name: "plan:test", Kind: RoleSystemPlan})
	require.NoError(t, err)

	label := "Renamed"
	_, err = mgr.UpdateRole(ctx, UpdateRoleInput{ID: system.ID, Label: &label})
	require.ErrorIs(t, err, ErrRoleProtected)
}

func TestDeleteRoleGuards(t *testing.T) {
	store := newMemoryStore()
	seedTestPerms(t, store, "docs:read")
	mgr := NewManager(store, nil, testLogger(), nil)
	ctx := context.Background()
	teamID := int64(6)

	system, err := mgr.CreateRole(ctx, CreateRoleInput{Name: "plan:test", Kind: RoleSystemPlan})
	require.NoError(t, err)
	require.ErrorIs(t, mgr.DeleteRole(ctx, system.ID), ErrRoleProtected)

	parent, err := mgr.CreateRole(ctx, CreateRoleInput{Name: "parent", TeamID: &teamID})
	require.NoError(t, err)
	child, err := mgr.CreateRole(ctx, CreateRoleInput{Name: "child", TeamID: &teamID, ParentID: &parent.ID})
	require.NoError(t, err)
	require.ErrorIs(t, mgr.DeleteRole(ctx, parent.ID), ErrRoleHasChildren)

	store.assignments[child.ID] = 2
	require.ErrorIs(t, mgr.DeleteRole(ctx, child.ID), ErrRoleAssigned)

	store.assignments[child.ID] = 0
	require.NoError(t, mgr.DeleteRole(ctx, child.ID))
	_, err = store.GetRole(ctx, child.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, mgr.DeleteRole(ctx, 99999), ErrNotFound)
}

func TestRoleLookupByUUID(t *testing.T) {
	store := newMemoryStore()
	seedTestPerms(t, store, "docs:read")
	mgr := NewManager(store, nil, testLogger(), nil)
	ctx := context.Background()
	teamID := int64(8)

	created, err := mgr.CreateRole(ctx, CreateRoleInput{
		Name: "viewer", TeamID: &teamID, Permissions: []string{"docs:read"},
	})
	require.NoError(t, err)

	role, names, err := mgr.Role(ctx, created.UUID)
	require.NoError(t, err)
	require.Equal(t, created.ID, role.ID)
	require.Equal(t, []string{"docs:read"}, names)

	_, _, err = mgr.Role(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePermissionValidatesName(t *testing.T) {
	store := newMemoryStore()
	mgr := NewManager(store, nil, testLogger(), nil)
	ctx := context.Background()

	root, err := mgr.CreatePermission(ctx, CreatePermissionInput{
		Name: "reports", Kind: KindAbility, Label: "Reports",
	})
	require.NoError(t, err)
	require.Nil(t, root.ParentID)

	child, err := mgr.CreatePermission(ctx, CreatePermissionInput{
		Name: "reports:export", Kind: KindAPI, Parent: "reports", Assignable: true,
	})
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	require.Equal(t, root.ID, *child.ParentID)

	_, err = mgr.CreatePermission(ctx, CreatePermissionInput{Name: "reports"})
	require.ErrorIs(t, err, ErrPermissionExists)

	_, err = mgr.CreatePermission(ctx, CreatePermissionInput{Name: "Reports:Export"})
	require.ErrorIs(t, err, ErrInvalidName)

	_, err = mgr.CreatePermission(ctx, CreatePermissionInput{Name: "reports::double"})
	require.ErrorIs(t, err, ErrInvalidName)

	_, err = mgr.CreatePermission(ctx, CreatePermissionInput{Name: "orphan:node", Parent: "missing"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePermissionMetadataOnly(t *testing.T) {
	store := newMemoryStore()
	mgr := NewManager(store, nil, testLogger(), nil)
	ctx := context.Background()

	_, err := mgr.CreatePermission(ctx, CreatePermissionInput{Name: "reports", Label: "Reports"})
	require.NoError(t, err)

	label := "Reporting"
	assignable := true
	updated, err := mgr.UpdatePermission(ctx, "reports", UpdatePermissionInput{
		Label: &label, Assignable: &assignable,
	})
	require.NoError(t, err)
	require.Equal(t, "Reporting", updated.Label)
	require.True(t, updated.Assignable)
	require.Equal(t, "reports", updated.Name)

	_, err = mgr.UpdatePermission(ctx, "missing", UpdatePermissionInput{Label: &label})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeletePermissionCascades(t *testing.T) {
	store := newMemoryStore()
	mgr := NewManager(store, nil, testLogger(), nil)
	ctx := context.Background()

	_, err := mgr.CreatePermission(ctx, CreatePermissionInput{Name: "reports", Assignable: true})
	require.NoError(t, err)
	_, err = mgr.CreatePermission(ctx, CreatePermissionInput{Name: "reports:export", Parent: "reports", Assignable: true})
	require.NoError(t, err)

	teamID := int64(3)
	role, err := mgr.CreateRole(ctx, CreateRoleInput{
		Name: "analyst", TeamID: &teamID, Permissions: []string{"reports", "reports:export"},
	})
	require.NoError(t, err)

	require.NoError(t, mgr.DeletePermission(ctx, "reports"))

	perms, err := store.ListPermissions(ctx)
	require.NoError(t, err)
	require.Empty(t, perms)

	// The role survives with an emptied closure.
	names, err := store.RolePermissionNames(ctx, role.ID)
	require.NoError(t, err)
	require.Empty(t, names)

	require.ErrorIs(t, mgr.DeletePermission(ctx, "reports"), ErrNotFound)
}

func TestCreateRoleNormalizesName(t *testing.T) {
	store := newMemoryStore()
	seedTestPerms(t, store, "docs:read")
	mgr := NewManager(store, nil, testLogger(), nil)
	ctx := context.Background()
	teamID := int64(1)

	role, err := mgr.CreateRole(ctx, CreateRoleInput{Name: "  auditeur  ", TeamID: &teamID})
	require.NoError(t, err)
	require.Equal(t, "auditeur", role.Name)

	_, err = mgr.CreateRole(ctx, CreateRoleInput{Name: "auditeur ", TeamID: &teamID})
	require.ErrorIs(t, err, ErrRoleExists)
}
