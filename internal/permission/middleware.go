package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nimbus-platform/nimbus/internal/identity"
	"github.com/nimbus-platform/nimbus/internal/platform/httpx"
)

var errNoActor = errors.New("permission: no actor on request")

// TargetResolver picks the evaluation target for a guarded request.
type TargetResolver func(r *http.Request) (Target, error)

// SelfTarget evaluates in the acting user's own context.
func SelfTarget() TargetResolver {
	return func(r *http.Request) (Target, error) {
		actor, ok := identity.ActorFromContext(r.Context())
		if !ok {
			return Target{}, errNoActor
		}
		return UserTarget(actor.UserID), nil
	}
}

// TeamDirectory resolves public team identifiers.
type TeamDirectory interface {
	GetTeamByUUID(ctx context.Context, id uuid.UUID) (identity.Team, error)
}

// RouteTeamTarget resolves the named chi route parameter to a team
// context. Unknown and malformed identifiers both read as not found.
func RouteTeamTarget(teams TeamDirectory, param string) TargetResolver {
	return func(r *http.Request) (Target, error) {
		id, err := uuid.Parse(chi.URLParam(r, param))
		if err != nil {
			return Target{}, fmt.Errorf("team %q: %w", chi.URLParam(r, param), ErrNotFound)
		}
		team, err := teams.GetTeamByUUID(r.Context(), id)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				return Target{}, fmt.Errorf("team %s: %w", id, ErrNotFound)
			}
			return Target{}, err
		}
		return TeamTarget(team.ID), nil
	}
}

type evaluatorContextKey struct{}

// ContextWithEvaluator stashes a request-scoped evaluator so later
// checks in the same request reuse its local tier.
func ContextWithEvaluator(ctx context.Context, ev *Evaluator) context.Context {
	return context.WithValue(ctx, evaluatorContextKey{}, ev)
}

// EvaluatorFromContext returns the evaluator placed by the guard
// middleware, if any.
func EvaluatorFromContext(ctx context.Context) (*Evaluator, bool) {
	ev, ok := ctx.Value(evaluatorContextKey{}).(*Evaluator)
	return ev, ok
}

// Middleware guards routes through the evaluation engine.
type Middleware struct {
	Engine *Engine
	Logger *slog.Logger
}

// Require allows the request only when the actor holds every named
// permission in the resolved target's context.
func (m Middleware) Require(resolve TargetResolver, names ...string) func(http.Handler) http.Handler {
	return m.guard(resolve, names, false)
}

// RequireAny allows the request when the actor holds at least one of
// the named permissions in the resolved target's context.
func (m Middleware) RequireAny(resolve TargetResolver, names ...string) func(http.Handler) http.Handler {
	return m.guard(resolve, names, true)
}

func (m Middleware) guard(resolve TargetResolver, names []string, any bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := identity.ActorFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
				return
			}
			target, err := resolve(r)
			if err != nil {
				m.respondResolveError(w, err)
				return
			}

			ctx := r.Context()
			ev, ok := EvaluatorFromContext(ctx)
			if !ok || ev.Actor().ID != actor.UserID {
				ev = m.Engine.Evaluator(Actor{ID: actor.UserID, Email: actor.Email})
				ctx = ContextWithEvaluator(ctx, ev)
			}

			if any {
				err = ev.EnsureAny(ctx, target, names...)
			} else {
				err = ev.EnsureAll(ctx, target, names...)
			}
			if err != nil {
				m.respondCheckError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m Middleware) respondResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNoActor):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		m.logError("guard target resolution failed", err)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (m Middleware) respondCheckError(w http.ResponseWriter, err error) {
	var denied *PermissionDeniedError
	var unknown *UnknownPermissionError
	switch {
	case errors.As(err, &denied):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:   "Forbidden",
			Status:  http.StatusForbidden,
			Detail:  "missing required permissions",
			Missing: denied.Missing,
		})
	case errors.As(err, &unknown):
		// A guard naming permissions outside the catalog is a wiring
		// bug, not a caller mistake.
		m.logError("guard references unknown permissions", err)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		m.logError("permission check failed", err)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (m Middleware) logError(msg string, err error) {
	if m.Logger != nil {
		m.Logger.Error(msg, slog.Any("error", err))
	}
}
