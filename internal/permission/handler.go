package permission

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nimbus-platform/nimbus/internal/identity"
	"github.com/nimbus-platform/nimbus/internal/platform/httpx"
	"github.com/nimbus-platform/nimbus/internal/workspace"
)

// WorkspaceDirectory looks up workspaces referenced by query parameters.
type WorkspaceDirectory interface {
	GetByUUID(ctx context.Context, id uuid.UUID) (workspace.Workspace, error)
}

// Handler serves the permission catalog, effective permission queries
// and team role management.
type Handler struct {
	logger     *slog.Logger
	manager    *Manager
	engine     *Engine
	teams      TeamDirectory
	workspaces WorkspaceDirectory
	validator  *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, manager *Manager, engine *Engine, teams TeamDirectory, workspaces WorkspaceDirectory) *Handler {
	return &Handler{
		logger:     logger,
		manager:    manager,
		engine:     engine,
		teams:      teams,
		workspaces: workspaces,
		validator:  validator.New(),
	}
}

// MountRoutes registers the permission endpoints. Callers mount these
// behind authentication.
func (h *Handler) MountRoutes(r chi.Router) {
	guard := Middleware{Engine: h.engine, Logger: h.logger}

	r.Get("/permissions", h.handleCatalog)
	r.Group(func(r chi.Router) {
		r.Use(guard.Require(SelfTarget(), PermPlatformPermMgmt))
		r.Post("/permissions", h.handleCreatePermission)
		r.Put("/permissions/{name}", h.handleUpdatePermission)
		r.Delete("/permissions/{name}", h.handleDeletePermission)
	})

	r.Get("/me/permissions", h.handleMePermissions)

	r.Route("/teams/{teamUUID}/roles", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(guard.Require(RouteTeamTarget(h.teams, "teamUUID"), PermTeamRoleRead))
			r.Get("/", h.handleListTeamRoles)
			r.Get("/{roleUUID}", h.handleGetTeamRole)
		})
		r.Group(func(r chi.Router) {
			r.Use(guard.Require(RouteTeamTarget(h.teams, "teamUUID"), PermTeamRoleWrite))
			r.Post("/", h.handleCreateTeamRole)
			r.Put("/{roleUUID}", h.handleUpdateTeamRole)
			r.Delete("/{roleUUID}", h.handleDeleteTeamRole)
		})
	})
}

type permissionNode struct {
	Name        string            `json:"name"`
	Kind        Kind              `json:"kind"`
	Label       string            `json:"label"`
	Description string            `json:"description,omitempty"`
	Assignable  bool              `json:"assignable"`
	Children    []*permissionNode `json:"children,omitempty"`
}

type catalogResponse struct {
	Permissions []*permissionNode `json:"permissions"`
}

type effectivePermissionsResponse struct {
	Context     string   `json:"context"`
	Permissions []string `json:"permissions"`
}

type permissionResponse struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Assignable  bool   `json:"assignable"`
}

type roleResponse struct {
	UUID        uuid.UUID  `json:"uuid"`
	Name        string     `json:"name"`
	Label       string     `json:"label,omitempty"`
	Description string     `json:"description,omitempty"`
	Kind        RoleKind   `json:"kind"`
	Parent      *uuid.UUID `json:"parent,omitempty"`
	System      bool       `json:"system"`
}

type roleDetailResponse struct {
	roleResponse
	Permissions []string `json:"permissions"`
}

type rolesResponse struct {
	Roles []roleResponse `json:"roles"`
}

type createPermissionRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Kind        string `json:"kind" validate:"omitempty,oneof=ability api page component action"`
	Label       string `json:"label" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	Parent      string `json:"parent" validate:"max=200"`
	Assignable  bool   `json:"assignable"`
}

type updatePermissionRequest struct {
	Label       *string `json:"label" validate:"omitempty,max=200"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
	Assignable  *bool   `json:"assignable"`
}

type createRoleRequest struct {
	Name        string   `json:"name" validate:"required,min=2,max=120"`
	Label       string   `json:"label" validate:"omitempty,max=200"`
	Description string   `json:"description" validate:"omitempty,max=2000"`
	Parent      *string  `json:"parent"`
	Permissions []string `json:"permissions"`
}

type updateRoleRequest struct {
	Name        *string   `json:"name" validate:"omitempty,min=2,max=120"`
	Label       *string   `json:"label" validate:"omitempty,max=200"`
	Description *string   `json:"description" validate:"omitempty,max=2000"`
	Parent      *string   `json:"parent"`
	Permissions *[]string `json:"permissions"`
}

// handleCatalog serves the permission tree. Without a team_id the full
// catalog is returned to platform administrators; with one, the
// assignable subset a team's role editor may grant.
func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.evaluator(r)
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
		return
	}

	assignableOnly := false
	target := UserTarget(ev.Actor().ID)
	required := PermPlatformPermMgmt
	if raw := r.URL.Query().Get("team_id"); raw != "" {
		teamUUID, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "team_id must be a UUID")
			return
		}
		team, ok := h.loadTeam(r.Context(), w, teamUUID)
		if !ok {
			return
		}
		assignableOnly = true
		target = TeamTarget(team.ID)
		required = PermTeamRoleRead
	}
	if err := ev.EnsureAll(r.Context(), target, required); err != nil {
		h.respondEnsureError(w, err)
		return
	}

	perms, err := h.manager.Catalog(r.Context())
	if err != nil {
		h.logger.Error("load permission catalog failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, catalogResponse{Permissions: buildPermissionTree(perms, assignableOnly)})
}

// handleMePermissions reports what the caller can do in the requested
// context. Any authenticated user may ask about any context; a context
// they have no standing in simply reports nothing.
func (h *Handler) handleMePermissions(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.evaluator(r)
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
		return
	}

	query := r.URL.Query()
	rawTeam := query.Get("team_id")
	rawWorkspace := query.Get("workspace_id")
	if rawTeam != "" && rawWorkspace != "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "pass either team_id or workspace_id, not both")
		return
	}

	target := UserTarget(ev.Actor().ID)
	switch {
	case rawTeam != "":
		teamUUID, err := uuid.Parse(rawTeam)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "team_id must be a UUID")
			return
		}
		team, ok := h.loadTeam(r.Context(), w, teamUUID)
		if !ok {
			return
		}
		target = TeamTarget(team.ID)
	case rawWorkspace != "":
		workspaceUUID, err := uuid.Parse(rawWorkspace)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "workspace_id must be a UUID")
			return
		}
		ws, err := h.workspaces.GetByUUID(r.Context(), workspaceUUID)
		if err != nil {
			if errors.Is(err, workspace.ErrNotFound) {
				httpx.Problem(w, http.StatusNotFound, "Not Found", "")
				return
			}
			h.logger.Error("load workspace failed", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		target = WorkspaceTarget(ws.ID)
	}

	names, err := ev.EffectivePermissions(r.Context(), target)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "")
			return
		}
		h.logger.Error("effective permissions failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if names == nil {
		names = []string{}
	}
	httpx.JSON(w, http.StatusOK, effectivePermissionsResponse{
		Context:     target.String(),
		Permissions: names,
	})
}

func (h *Handler) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	created, err := h.manager.CreatePermission(r.Context(), CreatePermissionInput{
		Name:        req.Name,
		Kind:        Kind(req.Kind),
		Label:       req.Label,
		Description: req.Description,
		Parent:      req.Parent,
		Assignable:  req.Assignable,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidName):
			httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Name", "permission names are lowercase colon-separated segments")
		case errors.Is(err, ErrPermissionExists):
			httpx.Problem(w, http.StatusConflict, "Conflict", "permission name already in use")
		case errors.Is(err, ErrNotFound):
			httpx.Problem(w, http.StatusUnprocessableEntity, "Unknown Parent", "parent permission does not exist")
		default:
			h.logger.Error("create permission failed", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		}
		return
	}
	h.reloadHierarchy(r.Context())
	httpx.JSON(w, http.StatusCreated, toPermissionResponse(created))
}

func (h *Handler) handleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	var req updatePermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	updated, err := h.manager.UpdatePermission(r.Context(), chi.URLParam(r, "name"), UpdatePermissionInput{
		Label:       req.Label,
		Description: req.Description,
		Assignable:  req.Assignable,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "")
			return
		}
		h.logger.Error("update permission failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, toPermissionResponse(updated))
}

func (h *Handler) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeletePermission(r.Context(), chi.URLParam(r, "name")); err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "")
			return
		}
		h.logger.Error("delete permission failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	h.reloadHierarchy(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListTeamRoles(w http.ResponseWriter, r *http.Request) {
	team, ok := h.routeTeam(w, r)
	if !ok {
		return
	}
	roles, uuids, err := h.teamRoleSet(r.Context(), team.ID)
	if err != nil {
		h.logger.Error("list team roles failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role, uuids))
	}
	httpx.JSON(w, http.StatusOK, rolesResponse{Roles: out})
}

func (h *Handler) handleGetTeamRole(w http.ResponseWriter, r *http.Request) {
	team, ok := h.routeTeam(w, r)
	if !ok {
		return
	}
	role, names, ok := h.routeRole(w, r, team, false)
	if !ok {
		return
	}
	_, uuids, err := h.teamRoleSet(r.Context(), team.ID)
	if err != nil {
		h.logger.Error("load team roles failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if names == nil {
		names = []string{}
	}
	httpx.JSON(w, http.StatusOK, roleDetailResponse{
		roleResponse: toRoleResponse(role, uuids),
		Permissions:  names,
	})
}

func (h *Handler) handleCreateTeamRole(w http.ResponseWriter, r *http.Request) {
	team, ok := h.routeTeam(w, r)
	if !ok {
		return
	}
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}

	var parentID *int64
	var parentUUID *uuid.UUID
	if req.Parent != nil && *req.Parent != "" {
		parent, ok := h.parentRole(r.Context(), w, team, *req.Parent)
		if !ok {
			return
		}
		parentID = &parent.ID
		parentUUID = &parent.UUID
	}

	role, err := h.manager.CreateRole(r.Context(), CreateRoleInput{
		Name:        req.Name,
		Label:       req.Label,
		Description: req.Description,
		TeamID:      &team.ID,
		ParentID:    parentID,
		Permissions: req.Permissions,
	})
	if err != nil {
		h.respondRoleError(w, err)
		return
	}
	resp := toRoleResponse(role, nil)
	resp.Parent = parentUUID
	httpx.JSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleUpdateTeamRole(w http.ResponseWriter, r *http.Request) {
	team, ok := h.routeTeam(w, r)
	if !ok {
		return
	}
	role, _, ok := h.routeRole(w, r, team, true)
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}

	in := UpdateRoleInput{
		ID:          role.ID,
		Name:        req.Name,
		Label:       req.Label,
		Description: req.Description,
		Permissions: req.Permissions,
	}
	if req.Parent != nil {
		if *req.Parent == "" {
			in.ClearParent = true
		} else {
			parent, ok := h.parentRole(r.Context(), w, team, *req.Parent)
			if !ok {
				return
			}
			in.ParentID = &parent.ID
		}
	}

	updated, err := h.manager.UpdateRole(r.Context(), in)
	if err != nil {
		h.respondRoleError(w, err)
		return
	}
	_, uuids, err := h.teamRoleSet(r.Context(), team.ID)
	if err != nil {
		h.logger.Error("load team roles failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(updated, uuids))
}

func (h *Handler) handleDeleteTeamRole(w http.ResponseWriter, r *http.Request) {
	team, ok := h.routeTeam(w, r)
	if !ok {
		return
	}
	role, _, ok := h.routeRole(w, r, team, true)
	if !ok {
		return
	}
	if err := h.manager.DeleteRole(r.Context(), role.ID); err != nil {
		h.respondRoleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// evaluator returns the caller's evaluator, reusing the one a guard
// middleware already stashed on the context.
func (h *Handler) evaluator(r *http.Request) (*Evaluator, bool) {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		return nil, false
	}
	if ev, ok := EvaluatorFromContext(r.Context()); ok && ev.Actor().ID == actor.UserID {
		return ev, true
	}
	return h.engine.Evaluator(Actor{ID: actor.UserID, Email: actor.Email}), true
}

// respondEnsureError mirrors the guard middleware's mapping for checks
// the handler runs itself.
func (h *Handler) respondEnsureError(w http.ResponseWriter, err error) {
	var denied *PermissionDeniedError
	if errors.As(err, &denied) {
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Status:  http.StatusForbidden,
			Title:   "Forbidden",
			Detail:  "missing required permissions",
			Missing: denied.Missing,
		})
		return
	}
	if errors.Is(err, ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
		return
	}
	h.logger.Error("permission check failed", slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

func (h *Handler) respondRoleError(w http.ResponseWriter, err error) {
	var unknown *UnknownPermissionError
	switch {
	case errors.As(err, &unknown):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Status:  http.StatusUnprocessableEntity,
			Title:   "Unknown Permissions",
			Detail:  "permissions are not in the catalog",
			Missing: unknown.Names,
		})
	case errors.Is(err, ErrRoleExists):
		httpx.Problem(w, http.StatusConflict, "Conflict", "role name already in use")
	case errors.Is(err, ErrRoleCycle):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Parent", "parent would create a cycle")
	case errors.Is(err, ErrRoleProtected):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "system roles are read only")
	case errors.Is(err, ErrRoleHasChildren):
		httpx.Problem(w, http.StatusConflict, "Conflict", "role still has child roles")
	case errors.Is(err, ErrRoleAssigned):
		httpx.Problem(w, http.StatusConflict, "Conflict", "role is still assigned to members")
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
	default:
		h.logger.Error("role mutation failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// reloadHierarchy rebuilds the in-memory index after the catalog's name
// set or parent edges change. The write already committed, so a failed
// rebuild logs and leaves the previous index serving until the next
// successful reload.
func (h *Handler) reloadHierarchy(ctx context.Context) {
	perms, err := h.manager.Catalog(ctx)
	if err != nil {
		h.logger.Error("hierarchy reload failed", slog.Any("error", err))
		return
	}
	hierarchy, err := NewHierarchy(perms)
	if err != nil {
		h.logger.Error("hierarchy reload failed", slog.Any("error", err))
		return
	}
	if err := h.engine.ReplaceHierarchy(hierarchy); err != nil {
		h.logger.Error("hierarchy swap failed", slog.Any("error", err))
	}
}

func (h *Handler) routeTeam(w http.ResponseWriter, r *http.Request) (identity.Team, bool) {
	teamUUID, err := uuid.Parse(chi.URLParam(r, "teamUUID"))
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
		return identity.Team{}, false
	}
	return h.loadTeam(r.Context(), w, teamUUID)
}

func (h *Handler) loadTeam(ctx context.Context, w http.ResponseWriter, id uuid.UUID) (identity.Team, bool) {
	team, err := h.teams.GetTeamByUUID(ctx, id)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "")
			return identity.Team{}, false
		}
		h.logger.Error("load team failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return identity.Team{}, false
	}
	return team, true
}

// routeRole loads the role named in the URL and checks it is visible
// through this team. System team templates stay readable so clients can
// inspect what custom roles inherit; forWrite restricts to the team's
// own roles.
func (h *Handler) routeRole(w http.ResponseWriter, r *http.Request, team identity.Team, forWrite bool) (Role, []string, bool) {
	roleUUID, err := uuid.Parse(chi.URLParam(r, "roleUUID"))
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
		return Role{}, nil, false
	}
	role, names, err := h.manager.Role(r.Context(), roleUUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "")
			return Role{}, nil, false
		}
		h.logger.Error("load role failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return Role{}, nil, false
	}
	visible := false
	switch {
	case role.TeamID != nil:
		visible = *role.TeamID == team.ID
	case !forWrite:
		visible = role.Kind == RoleSystemTeamTemplate
	}
	if !visible {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
		return Role{}, nil, false
	}
	return role, names, true
}

// parentRole resolves a parent reference from a payload. Parents must
// be custom roles of the same team.
func (h *Handler) parentRole(ctx context.Context, w http.ResponseWriter, team identity.Team, raw string) (Role, bool) {
	parentUUID, err := uuid.Parse(raw)
	if err != nil {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Parent", "parent must be a role UUID")
		return Role{}, false
	}
	parent, _, err := h.manager.Role(ctx, parentUUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Parent", "parent role does not exist")
			return Role{}, false
		}
		h.logger.Error("load parent role failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return Role{}, false
	}
	if parent.TeamID == nil || *parent.TeamID != team.ID {
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Parent", "parent role must belong to the team")
		return Role{}, false
	}
	return parent, true
}

// teamRoleSet returns the roles visible to a team's role editor: the
// global team templates followed by the team's custom roles, plus an
// id to public identifier index for parent links.
func (h *Handler) teamRoleSet(ctx context.Context, teamID int64) ([]Role, map[int64]uuid.UUID, error) {
	custom, err := h.manager.ListRoles(ctx, &teamID)
	if err != nil {
		return nil, nil, err
	}
	global, err := h.manager.ListRoles(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	roles := make([]Role, 0, len(custom)+len(global))
	for _, role := range global {
		if role.Kind == RoleSystemTeamTemplate {
			roles = append(roles, role)
		}
	}
	roles = append(roles, custom...)
	uuids := make(map[int64]uuid.UUID, len(roles))
	for _, role := range roles {
		uuids[role.ID] = role.UUID
	}
	return roles, uuids, nil
}

func toPermissionResponse(p Permission) permissionResponse {
	return permissionResponse{
		Name:        p.Name,
		Kind:        p.Kind,
		Label:       p.Label,
		Description: p.Description,
		Assignable:  p.Assignable,
	}
}

func toRoleResponse(role Role, uuids map[int64]uuid.UUID) roleResponse {
	resp := roleResponse{
		UUID:        role.UUID,
		Name:        role.Name,
		Label:       role.Label,
		Description: role.Description,
		Kind:        role.Kind,
		System:      role.Kind.System(),
	}
	if role.ParentID != nil {
		if parentUUID, ok := uuids[*role.ParentID]; ok {
			resp.Parent = &parentUUID
		}
	}
	return resp
}

// buildPermissionTree nests the flat catalog by parent link. With
// assignableOnly set, branches holding no assignable node are pruned;
// non-assignable ancestors of an assignable node stay so the tree keeps
// its shape.
func buildPermissionTree(perms []Permission, assignableOnly bool) []*permissionNode {
	nodes := make(map[int64]*permissionNode, len(perms))
	childIDs := make(map[int64][]int64, len(perms))
	var rootIDs []int64
	for _, p := range perms {
		nodes[p.ID] = &permissionNode{
			Name:        p.Name,
			Kind:        p.Kind,
			Label:       p.Label,
			Description: p.Description,
			Assignable:  p.Assignable,
		}
		if p.ParentID != nil {
			childIDs[*p.ParentID] = append(childIDs[*p.ParentID], p.ID)
		} else {
			rootIDs = append(rootIDs, p.ID)
		}
	}

	var build func(id int64) *permissionNode
	build = func(id int64) *permissionNode {
		node := nodes[id]
		for _, childID := range childIDs[id] {
			if child := build(childID); child != nil {
				node.Children = append(node.Children, child)
			}
		}
		if assignableOnly && !node.Assignable && len(node.Children) == 0 {
			return nil
		}
		return node
	}

	out := make([]*permissionNode, 0, len(rootIDs))
	for _, id := range rootIDs {
		if node := build(id); node != nil {
			out = append(out, node)
		}
	}
	return out
}
