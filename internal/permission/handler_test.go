package permission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-platform/nimbus/internal/identity"
	"github.com/nimbus-platform/nimbus/internal/platform/httpx"
	"github.com/nimbus-platform/nimbus/internal/workspace"
)

type stubTeams struct {
	byUUID map[uuid.UUID]identity.Team
}

func (s *stubTeams) GetTeamByUUID(ctx context.Context, id uuid.UUID) (identity.Team, error) {
	team, ok := s.byUUID[id]
	if !ok {
		return identity.Team{}, identity.ErrNotFound
	}
	return team, nil
}

type stubWorkspaces struct {
	byUUID map[uuid.UUID]workspace.Workspace
}

func (s *stubWorkspaces) GetByUUID(ctx context.Context, id uuid.UUID) (workspace.Workspace, error) {
	ws, ok := s.byUUID[id]
	if !ok {
		return workspace.Workspace{}, workspace.ErrNotFound
	}
	return ws, nil
}

// testActor stamps an actor from a header so guard behavior can be
// driven without the token store.
func testActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get("X-Actor-ID"); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				r = r.WithContext(identity.ContextWithActor(r.Context(), identity.Actor{UserID: id}))
			}
		}
		next.ServeHTTP(w, r)
	})
}

type apiFixture struct {
	t           *testing.T
	router      *chi.Mux
	store       *memoryStore
	manager     *Manager
	engine      *Engine
	memberships *stubMemberships
	owners      *stubOwnerships
	teams       *stubTeams
	workspaces  *stubWorkspaces
	opsRole     Role
}

// newPermissionAPI builds the full HTTP surface on the seeded catalog
// and system roles, with an extra operator plan role holding the
// platform administration grant.
func newPermissionAPI(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()

	store := newMemoryStore()
	require.NoError(t, Seed(ctx, store, testLogger()))

	manager := NewManager(store, nil, testLogger(), nil)
	opsRole, err := manager.CreateRole(ctx, CreateRoleInput{
		Name:        "plan:ops",
		Kind:        RoleSystemPlan,
		Permissions: []string{PermPlatformPermMgmt},
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hierarchy, err := BuildHierarchy(ctx, store)
	require.NoError(t, err)

	memberships := &stubMemberships{planRole: map[int64]int64{}, teamRole: map[[2]int64]int64{}}
	owners := &stubOwnerships{owners: map[int64]workspace.Ownership{}}
	engine, err := NewEngine(EngineConfig{
		Hierarchy:   hierarchy,
		Grants:      store,
		Memberships: memberships,
		Workspaces:  owners,
		Cache:       NewCache(client, DefaultCacheTTL, testLogger(), nil),
		Logger:      testLogger(),
	})
	require.NoError(t, err)

	teams := &stubTeams{byUUID: map[uuid.UUID]identity.Team{}}
	workspaces := &stubWorkspaces{byUUID: map[uuid.UUID]workspace.Workspace{}}

	handler := NewHandler(testLogger(), manager, engine, teams, workspaces)
	router := chi.NewRouter()
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(testActor)
		handler.MountRoutes(r)
	})

	return &apiFixture{
		t:           t,
		router:      router,
		store:       store,
		manager:     manager,
		engine:      engine,
		memberships: memberships,
		owners:      owners,
		teams:       teams,
		workspaces:  workspaces,
		opsRole:     opsRole,
	}
}

func (f *apiFixture) do(method, path string, actorID int64, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actorID != 0 {
		req.Header.Set("X-Actor-ID", strconv.FormatInt(actorID, 10))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) grantPlan(userID int64, roleName string) {
	f.t.Helper()
	role, err := f.store.GetRoleByName(context.Background(), roleName, nil)
	require.NoError(f.t, err)
	f.memberships.planRole[userID] = role.ID
}

func (f *apiFixture) grantTeamRole(userID int64, team identity.Team, roleName string) {
	f.t.Helper()
	role, err := f.store.GetRoleByName(context.Background(), roleName, nil)
	require.NoError(f.t, err)
	f.memberships.teamRole[[2]int64{userID, team.ID}] = role.ID
}

func (f *apiFixture) addTeam(id int64, name string) identity.Team {
	team := identity.Team{ID: id, UUID: uuid.New(), Name: name}
	f.teams.byUUID[team.UUID] = team
	return team
}

func (f *apiFixture) addTeamWorkspace(id int64, team identity.Team) workspace.Workspace {
	ws := workspace.Workspace{ID: id, UUID: uuid.New(), Name: "space", OwnerTeamID: &team.ID, Status: workspace.StatusActive}
	f.workspaces.byUUID[ws.UUID] = ws
	f.owners.owners[ws.ID] = workspace.Ownership{OwnerTeamID: &team.ID}
	return ws
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func flattenTree(nodes []*permissionNode) map[string]*permissionNode {
	out := map[string]*permissionNode{}
	var walk func(ns []*permissionNode)
	walk = func(ns []*permissionNode) {
		for _, n := range ns {
			out[n.Name] = n
			walk(n.Children)
		}
	}
	walk(nodes)
	return out
}

func TestCatalogRequiresPlatformAdmin(t *testing.T) {
	f := newPermissionAPI(t)
	f.memberships.planRole[9] = f.opsRole.ID
	f.grantPlan(5, RolePlanFree)

	rec := f.do(http.MethodGet, "/api/v1/permissions", 0, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/permissions", 5, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var problem httpx.ProblemDetail
	decodeBody(t, rec, &problem)
	require.Equal(t, []string{PermPlatformPermMgmt}, problem.Missing)

	rec = f.do(http.MethodGet, "/api/v1/permissions", 9, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var catalog catalogResponse
	decodeBody(t, rec, &catalog)
	require.Len(t, catalog.Permissions, 8)

	names := flattenTree(catalog.Permissions)
	require.Contains(t, names, PermPlatformPermMgmt)
	require.Contains(t, names, "billing:read")
	require.NotEmpty(t, names["platform"].Children)
}

func TestCatalogAssignableTreeForTeam(t *testing.T) {
	f := newPermissionAPI(t)
	team := f.addTeam(31, "acme")
	f.grantTeamRole(7, team, RoleTeamOwner)
	f.grantPlan(8, RolePlanFree)

	rec := f.do(http.MethodGet, "/api/v1/permissions?team_id="+team.UUID.String(), 7, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var catalog catalogResponse
	decodeBody(t, rec, &catalog)
	names := flattenTree(catalog.Permissions)

	require.Contains(t, names, "team:read")
	require.Contains(t, names, "team:role:read")
	require.Contains(t, names, "workspace:read")
	// Branches with nothing assignable disappear for role editors.
	require.NotContains(t, names, "platform")
	require.NotContains(t, names, "billing:read")
	require.NotContains(t, names, "team:delete")
	require.NotContains(t, names, "team:role:write")

	// Membership in some other team grants nothing here.
	rec = f.do(http.MethodGet, "/api/v1/permissions?team_id="+team.UUID.String(), 8, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/permissions?team_id="+uuid.NewString(), 7, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/permissions?team_id=not-a-uuid", 7, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBuildPermissionTreeKeepsStructuralAncestors(t *testing.T) {
	parentID := int64(1)
	perms := []Permission{
		{ID: 1, Name: "ops", Kind: KindAbility},
		{ID: 2, Name: "ops:restart", Kind: KindAPI, ParentID: &parentID, Assignable: true},
		{ID: 3, Name: "ops:wipe", Kind: KindAPI, ParentID: &parentID},
	}

	full := buildPermissionTree(perms, false)
	require.Len(t, full, 1)
	require.Len(t, full[0].Children, 2)

	pruned := buildPermissionTree(perms, true)
	require.Len(t, pruned, 1)
	require.Equal(t, "ops", pruned[0].Name)
	require.False(t, pruned[0].Assignable)
	require.Len(t, pruned[0].Children, 1)
	require.Equal(t, "ops:restart", pruned[0].Children[0].Name)
}

func TestMePermissionsEndpoint(t *testing.T) {
	f := newPermissionAPI(t)
	f.grantPlan(5, RolePlanFree)
	team := f.addTeam(40, "acme")
	other := f.addTeam(41, "rivals")
	f.grantTeamRole(5, team, RoleTeamMember)
	ws := f.addTeamWorkspace(3, team)

	rec := f.do(http.MethodGet, "/api/v1/me/permissions", 0, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/me/permissions", 5, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp effectivePermissionsResponse
	decodeBody(t, rec, &resp)
	require.Equal(t, "user_5", resp.Context)
	require.Contains(t, resp.Permissions, "workspace:read")
	require.NotContains(t, resp.Permissions, "team:read")

	rec = f.do(http.MethodGet, "/api/v1/me/permissions?team_id="+team.UUID.String(), 5, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	require.Equal(t, fmt.Sprintf("team_%d", team.ID), resp.Context)
	require.Contains(t, resp.Permissions, "team:read")

	// Asking about a team the caller has no standing in reports an
	// empty set, not an error.
	rec = f.do(http.MethodGet, "/api/v1/me/permissions?team_id="+other.UUID.String(), 5, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	require.Empty(t, resp.Permissions)

	rec = f.do(http.MethodGet, "/api/v1/me/permissions?workspace_id="+ws.UUID.String(), 5, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	require.Equal(t, fmt.Sprintf("workspace_%d", ws.ID), resp.Context)
	require.Contains(t, resp.Permissions, "team:read")

	rec = f.do(http.MethodGet, "/api/v1/me/permissions?workspace_id="+uuid.NewString(), 5, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/me/permissions?team_id="+team.UUID.String()+"&workspace_id="+ws.UUID.String(), 5, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPermissionAdminLifecycle(t *testing.T) {
	f := newPermissionAPI(t)
	f.memberships.planRole[9] = f.opsRole.ID
	f.grantPlan(5, RolePlanFree)
	ctx := context.Background()

	rec := f.do(http.MethodPost, "/api/v1/permissions", 5, map[string]any{
		"name": "team:export", "label": "Export team data",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/permissions", 9, map[string]any{
		"name": "team:export", "parent": "team:read", "kind": "api", "label": "Export team data",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created permissionResponse
	decodeBody(t, rec, &created)
	require.Equal(t, "team:export", created.Name)
	require.Equal(t, KindAPI, created.Kind)

	// The running engine picks up the new name without a restart: a
	// check against it now reads as a clean denial, not an unknown
	// permission failure.
	ev := f.engine.Evaluator(Actor{ID: 5})
	ok, err := ev.Can(ctx, UserTarget(5), "team:export")
	require.NoError(t, err)
	require.False(t, ok)

	rec = f.do(http.MethodPost, "/api/v1/permissions", 9, map[string]any{
		"name": "team:export", "label": "Export team data",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/permissions", 9, map[string]any{
		"name": "Bad Name", "label": "Broken",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/permissions", 9, map[string]any{
		"name": "orphan:node", "parent": "ghost:root", "label": "Orphan",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/permissions", 9, map[string]any{"name": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPut, "/api/v1/permissions/team:export", 9, map[string]any{
		"label": "Renamed export",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated permissionResponse
	decodeBody(t, rec, &updated)
	require.Equal(t, "Renamed export", updated.Label)

	rec = f.do(http.MethodPut, "/api/v1/permissions/ghost:node", 9, map[string]any{"label": "x"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodDelete, "/api/v1/permissions/team:export", 9, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/permissions", 9, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var catalog catalogResponse
	decodeBody(t, rec, &catalog)
	require.NotContains(t, flattenTree(catalog.Permissions), "team:export")

	rec = f.do(http.MethodDelete, "/api/v1/permissions/team:export", 9, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTeamRoleEndpoints(t *testing.T) {
	f := newPermissionAPI(t)
	team := f.addTeam(50, "acme")
	f.grantTeamRole(7, team, RoleTeamOwner)
	f.grantTeamRole(6, team, RoleTeamMember)
	base := "/api/v1/teams/" + team.UUID.String() + "/roles"

	rec := f.do(http.MethodGet, base, 0, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Plain members hold team:read but not team:role:read.
	rec = f.do(http.MethodGet, base, 6, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/teams/"+uuid.NewString()+"/roles", 7, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, base, 7, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list rolesResponse
	decodeBody(t, rec, &list)
	byName := map[string]roleResponse{}
	for _, role := range list.Roles {
		byName[role.Name] = role
	}
	require.Contains(t, byName, RoleTeamMember)
	require.Contains(t, byName, RoleTeamOwner)
	require.True(t, byName[RoleTeamMember].System)
	require.NotContains(t, byName, RolePlanFree)

	rec = f.do(http.MethodPost, base, 6, map[string]any{"name": "reviewer"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, base, 7, map[string]any{
		"name": "reviewer", "label": "Reviewer",
		"permissions": []string{"team:read", "project:read"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var reviewer roleResponse
	decodeBody(t, rec, &reviewer)
	require.NotEqual(t, uuid.Nil, reviewer.UUID)
	require.False(t, reviewer.System)

	rec = f.do(http.MethodPost, base, 7, map[string]any{
		"name": "lead-reviewer", "parent": reviewer.UUID.String(),
		"permissions": []string{"team:member:read"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var lead roleResponse
	decodeBody(t, rec, &lead)
	require.NotNil(t, lead.Parent)
	require.Equal(t, reviewer.UUID, *lead.Parent)

	rec = f.do(http.MethodGet, base+"/"+lead.UUID.String(), 7, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail roleDetailResponse
	decodeBody(t, rec, &detail)
	require.Equal(t, []string{"project:read", "team:member:read", "team:read"}, detail.Permissions)

	// System templates are readable through the team but refuse writes.
	templateUUID := byName[RoleTeamMember].UUID.String()
	rec = f.do(http.MethodGet, base+"/"+templateUUID, 7, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var template roleDetailResponse
	decodeBody(t, rec, &template)
	require.True(t, template.System)
	require.Contains(t, template.Permissions, "team:read")

	rec = f.do(http.MethodPut, base+"/"+templateUUID, 7, map[string]any{"label": "hijack"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(http.MethodDelete, base+"/"+templateUUID, 7, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPut, base+"/"+lead.UUID.String(), 7, map[string]any{
		"permissions": []string{"project:read"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodGet, base+"/"+lead.UUID.String(), 7, nil)
	decodeBody(t, rec, &detail)
	require.Equal(t, []string{"project:read", "team:read"}, detail.Permissions)

	rec = f.do(http.MethodPut, base+"/"+lead.UUID.String(), 7, map[string]any{
		"permissions": []string{"ghost:perm"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var problem httpx.ProblemDetail
	decodeBody(t, rec, &problem)
	require.Equal(t, []string{"ghost:perm"}, problem.Missing)

	rec = f.do(http.MethodPut, base+"/"+reviewer.UUID.String(), 7, map[string]any{
		"parent": lead.UUID.String(),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(http.MethodDelete, base+"/"+reviewer.UUID.String(), 7, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodDelete, base+"/"+lead.UUID.String(), 7, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodDelete, base+"/"+reviewer.UUID.String(), 7, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, base+"/"+reviewer.UUID.String(), 7, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTeamRolesAreScopedToTheirTeam(t *testing.T) {
	f := newPermissionAPI(t)
	acme := f.addTeam(50, "acme")
	rivals := f.addTeam(51, "rivals")
	f.grantTeamRole(7, acme, RoleTeamOwner)
	f.grantTeamRole(12, rivals, RoleTeamOwner)

	rec := f.do(http.MethodPost, "/api/v1/teams/"+rivals.UUID.String()+"/roles", 12, map[string]any{
		"name": "secret", "permissions": []string{"team:read"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var secret roleResponse
	decodeBody(t, rec, &secret)

	// Another team's custom role is invisible through this team's path.
	rec = f.do(http.MethodGet, "/api/v1/teams/"+acme.UUID.String()+"/roles/"+secret.UUID.String(), 7, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Parents cannot reach across teams either.
	rec = f.do(http.MethodPost, "/api/v1/teams/"+acme.UUID.String()+"/roles", 7, map[string]any{
		"name": "borrower", "parent": secret.UUID.String(),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/teams/"+acme.UUID.String()+"/roles", 7, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list rolesResponse
	decodeBody(t, rec, &list)
	for _, role := range list.Roles {
		require.NotEqual(t, "secret", role.Name)
	}
}
