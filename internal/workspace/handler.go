package workspace

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nimbus-platform/nimbus/internal/identity"
	"github.com/nimbus-platform/nimbus/internal/platform/httpx"
)

// Directory is the repository slice the handler reads from.
type Directory interface {
	GetByUUID(ctx context.Context, id uuid.UUID) (Workspace, error)
	ListForOwner(ctx context.Context, ownerUserID, ownerTeamID *int64) ([]Workspace, error)
}

// AccessChecker reports whether an actor may enter a workspace. The
// permission engine stands behind this at runtime; a false result with
// a nil error is an ordinary denial.
type AccessChecker interface {
	CanEnterWorkspace(ctx context.Context, actorID int64, email string, workspaceID int64) (bool, error)
}

// Handler serves the workspace read endpoints.
type Handler struct {
	logger *slog.Logger
	repo   Directory
	access AccessChecker
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, repo Directory, access AccessChecker) *Handler {
	return &Handler{logger: logger, repo: repo, access: access}
}

// MountRoutes registers workspace routes. Callers mount these behind
// authentication.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/workspaces", h.handleList)
	r.Get("/workspaces/{workspaceUUID}", h.handleGet)
}

type workspaceResponse struct {
	UUID   uuid.UUID `json:"uuid"`
	Name   string    `json:"name"`
	Status Status    `json:"status"`
	Owner  string    `json:"owner"`
}

type workspacesResponse struct {
	Workspaces []workspaceResponse `json:"workspaces"`
}

func toWorkspaceResponse(ws Workspace) workspaceResponse {
	owner := "user"
	if ws.OwnerTeamID != nil {
		owner = "team"
	}
	return workspaceResponse{UUID: ws.UUID, Name: ws.Name, Status: ws.Status, Owner: owner}
}

// handleList returns the workspaces the actor owns personally.
// Team-owned spaces are reached through their workspace identifier.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
		return
	}
	owned, err := h.repo.ListForOwner(r.Context(), &actor.UserID, nil)
	if err != nil {
		h.logger.Error("list workspaces failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	out := make([]workspaceResponse, 0, len(owned))
	for _, ws := range owned {
		out = append(out, toWorkspaceResponse(ws))
	}
	httpx.JSON(w, http.StatusOK, workspacesResponse{Workspaces: out})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.ActorFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
		return
	}
	workspaceUUID, err := uuid.Parse(chi.URLParam(r, "workspaceUUID"))
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "")
		return
	}
	ws, err := h.repo.GetByUUID(r.Context(), workspaceUUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "")
			return
		}
		h.logger.Error("load workspace failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	allowed, err := h.access.CanEnterWorkspace(r.Context(), actor.UserID, actor.Email, ws.ID)
	if err != nil {
		h.logger.Error("workspace access check failed",
			slog.Int64("workspace_id", ws.ID),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if !allowed {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing required permissions")
		return
	}
	httpx.JSON(w, http.StatusOK, toWorkspaceResponse(ws))
}
