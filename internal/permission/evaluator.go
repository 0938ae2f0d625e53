package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nimbus-platform/nimbus/internal/workspace"
)

// MembershipSource resolves which role the acting user holds in a
// context. The boolean is false when no active assignment exists.
type MembershipSource interface {
	ActiveMembershipRoleID(ctx context.Context, userID int64) (int64, bool, error)
	TeamMemberRoleID(ctx context.Context, userID, teamID int64) (int64, bool, error)
}

// OwnershipSource resolves workspace owners for workspace targets.
type OwnershipSource interface {
	WorkspaceOwnership(ctx context.Context, workspaceID int64) (workspace.Ownership, error)
}

// GrantSource loads the stored permission closure of a role.
type GrantSource interface {
	RolePermissionNames(ctx context.Context, roleID int64) ([]string, error)
}

// EngineConfig collects the engine's dependencies.
type EngineConfig struct {
	Hierarchy   *Hierarchy
	Grants      GrantSource
	Memberships MembershipSource
	Workspaces  OwnershipSource
	Cache       *Cache
	Logger      *slog.Logger
	Metrics     *EngineMetrics
}

// Engine owns the long-lived pieces of permission evaluation: the
// hierarchy index, the stores and the distributed cache. Request
// handling goes through per-request Evaluator values.
type Engine struct {
	hierarchy   atomic.Pointer[Hierarchy]
	grants      GrantSource
	memberships MembershipSource
	workspaces  OwnershipSource
	cache       *Cache
	logger      *slog.Logger
	metrics     *EngineMetrics
}

// NewEngine validates the hierarchy and wires the engine. An empty
// hierarchy is refused; callers treat that as fatal at startup.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Hierarchy.Len() == 0 {
		return nil, ErrHierarchyEmpty
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		grants:      cfg.Grants,
		memberships: cfg.Memberships,
		workspaces:  cfg.Workspaces,
		cache:       cfg.Cache,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
	e.hierarchy.Store(cfg.Hierarchy)
	return e, nil
}

// Hierarchy returns the current index snapshot.
func (e *Engine) Hierarchy() *Hierarchy {
	return e.hierarchy.Load()
}

// ReplaceHierarchy swaps in a freshly built index. In-flight readers
// keep the snapshot they started with.
func (e *Engine) ReplaceHierarchy(h *Hierarchy) error {
	if h.Len() == 0 {
		return ErrHierarchyEmpty
	}
	e.hierarchy.Store(h)
	return nil
}

// Evaluator builds a request-scoped evaluator for the actor. The local
// cache starts empty and is never shared between requests, so it needs
// no locking.
func (e *Engine) Evaluator(actor Actor) *Evaluator {
	return &Evaluator{
		engine:    e,
		hierarchy: e.hierarchy.Load(),
		actor:     actor,
		local:     make(map[string]map[string]struct{}),
	}
}

// InvalidateActorID drops every cached context for the actor from the
// distributed tier.
func (e *Engine) InvalidateActorID(ctx context.Context, actorID int64) error {
	return e.cache.DeletePrefix(ctx, ActorPrefix(actorID))
}

// Evaluator answers permission questions for one actor within one
// request. It pins the hierarchy snapshot taken at construction.
type Evaluator struct {
	engine    *Engine
	hierarchy *Hierarchy
	actor     Actor
	local     map[string]map[string]struct{}
}

// Actor returns the actor this evaluator decides for.
func (ev *Evaluator) Actor() Actor { return ev.actor }

// EnsureAll returns nil only when the actor holds every named
// permission, including each name's full ancestor chain, in the
// target's context. No names is vacuously allowed.
func (ev *Evaluator) EnsureAll(ctx context.Context, target Target, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	if err := ev.checkKnown(names); err != nil {
		return err
	}
	contextKey, effective, err := ev.effective(ctx, target)
	if err != nil {
		return err
	}
	var missing []string
	for _, name := range names {
		if !ev.chainSatisfied(name, effective) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return ev.deny(contextKey, missing)
	}
	return nil
}

// EnsureAny returns nil when at least one named permission, with its
// full chain, is held in the target's context.
func (ev *Evaluator) EnsureAny(ctx context.Context, target Target, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	if err := ev.checkKnown(names); err != nil {
		return err
	}
	contextKey, effective, err := ev.effective(ctx, target)
	if err != nil {
		return err
	}
	for _, name := range names {
		if ev.chainSatisfied(name, effective) {
			return nil
		}
	}
	return ev.deny(contextKey, append([]string(nil), names...))
}

// Can reports whether EnsureAll would pass. Denials come back as
// (false, nil); any other failure, unknown names included, propagates
// so callers cannot mistake an outage for a deny.
func (ev *Evaluator) Can(ctx context.Context, target Target, names ...string) (bool, error) {
	err := ev.EnsureAll(ctx, target, names...)
	return splitDecision(err)
}

// CanAny is the EnsureAny counterpart of Can.
func (ev *Evaluator) CanAny(ctx context.Context, target Target, names ...string) (bool, error) {
	err := ev.EnsureAny(ctx, target, names...)
	return splitDecision(err)
}

func splitDecision(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	var denied *PermissionDeniedError
	if errors.As(err, &denied) {
		return false, nil
	}
	return false, err
}

// EffectivePermissions resolves and returns the actor's effective set
// in the target's context, sorted for stable output.
func (ev *Evaluator) EffectivePermissions(ctx context.Context, target Target) ([]string, error) {
	_, effective, err := ev.effective(ctx, target)
	if err != nil {
		return nil, err
	}
	return sortedNames(effective), nil
}

// InvalidateActor drops the actor's distributed cache entries and
// forgets everything resolved so far in this request.
func (ev *Evaluator) InvalidateActor(ctx context.Context) error {
	ev.local = make(map[string]map[string]struct{})
	return ev.engine.cache.DeletePrefix(ctx, ActorPrefix(ev.actor.ID))
}

func (ev *Evaluator) checkKnown(names []string) error {
	var unknown []string
	for _, name := range names {
		if !ev.hierarchy.Known(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return &UnknownPermissionError{Names: unknown}
	}
	return nil
}

func (ev *Evaluator) chainSatisfied(name string, effective map[string]struct{}) bool {
	chain, ok := ev.hierarchy.RequiredChain(name)
	if !ok {
		return false
	}
	for required := range chain {
		if _, held := effective[required]; !held {
			return false
		}
	}
	return true
}

func (ev *Evaluator) deny(contextKey string, missing []string) error {
	ev.engine.metrics.denied()
	ev.engine.logger.Debug("permission denied",
		slog.Int64("actor_id", ev.actor.ID),
		slog.String("context", contextKey),
		slog.Any("missing", missing))
	return &PermissionDeniedError{ActorID: ev.actor.ID, Context: contextKey, Missing: missing}
}

// effective resolves the actor's effective set for the target through
// the local map, then Redis, then the store.
func (ev *Evaluator) effective(ctx context.Context, target Target) (string, map[string]struct{}, error) {
	start := time.Now()
	defer func() {
		ev.engine.metrics.observeEval(string(target.kind), time.Since(start).Seconds())
	}()

	contextKey, roleIDs, err := ev.resolveContext(ctx, target)
	if err != nil {
		return "", nil, err
	}

	if cached, ok := ev.local[contextKey]; ok {
		ev.engine.metrics.hit("local")
		return contextKey, cached, nil
	}

	key := cacheKey(ev.actor.ID, contextKey)
	names, ok, err := ev.engine.cache.GetNames(ctx, key)
	if err != nil {
		// Redis being down must not block decisions; fall through to
		// the store.
		ev.engine.logger.Warn("permission cache read failed",
			slog.String("key", key), slog.Any("error", err))
	} else if ok {
		ev.engine.metrics.hit("redis")
		effective := ev.hierarchy.Expand(toSet(names))
		ev.local[contextKey] = effective
		return contextKey, effective, nil
	}

	ev.engine.metrics.miss()
	base := make(map[string]struct{})
	for _, roleID := range roleIDs {
		granted, err := ev.engine.grants.RolePermissionNames(ctx, roleID)
		if err != nil {
			return "", nil, fmt.Errorf("permission: load role %d grants: %w", roleID, err)
		}
		for _, name := range granted {
			base[name] = struct{}{}
		}
	}
	effective := ev.hierarchy.Expand(base)

	if ctx.Err() == nil {
		if err := ev.engine.cache.SetNames(ctx, key, sortedNames(effective)); err != nil {
			ev.engine.logger.Warn("permission cache write failed",
				slog.String("key", key), slog.Any("error", err))
		}
	}
	ev.local[contextKey] = effective
	return contextKey, effective, nil
}

// resolveContext maps a target to its cache context key plus the role
// IDs whose closures form the base set. Missing memberships yield an
// empty base: unknown actors are denied, not errored.
func (ev *Evaluator) resolveContext(ctx context.Context, target Target) (string, []int64, error) {
	switch target.kind {
	case targetUser:
		return ev.userContext(ctx, target.id)
	case targetTeam:
		return ev.teamContext(ctx, target.id)
	case targetWorkspace:
		own, err := ev.engine.workspaces.WorkspaceOwnership(ctx, target.id)
		if err != nil {
			if errors.Is(err, workspace.ErrNotFound) {
				return "", nil, fmt.Errorf("permission: workspace %d: %w", target.id, ErrNotFound)
			}
			return "", nil, fmt.Errorf("permission: resolve workspace %d owner: %w", target.id, err)
		}
		if own.OwnerTeamID != nil {
			return ev.teamContext(ctx, *own.OwnerTeamID)
		}
		if own.OwnerUserID != nil {
			return ev.userContext(ctx, *own.OwnerUserID)
		}
		return "", nil, fmt.Errorf("permission: workspace %d has no owner", target.id)
	default:
		return "", nil, fmt.Errorf("permission: unsupported target %q", target.kind)
	}
}

// userContext keys on the target user but always resolves grants from
// the acting user's own plan membership.
func (ev *Evaluator) userContext(ctx context.Context, userID int64) (string, []int64, error) {
	contextKey := UserTarget(userID).String()
	roleID, ok, err := ev.engine.memberships.ActiveMembershipRoleID(ctx, ev.actor.ID)
	if err != nil {
		return "", nil, fmt.Errorf("permission: resolve membership for actor %d: %w", ev.actor.ID, err)
	}
	if !ok {
		ev.engine.logger.Warn("actor has no active membership, treating permissions as empty",
			slog.Int64("actor_id", ev.actor.ID),
			slog.String("context", contextKey))
		return contextKey, nil, nil
	}
	return contextKey, []int64{roleID}, nil
}

func (ev *Evaluator) teamContext(ctx context.Context, teamID int64) (string, []int64, error) {
	contextKey := TeamTarget(teamID).String()
	roleID, ok, err := ev.engine.memberships.TeamMemberRoleID(ctx, ev.actor.ID, teamID)
	if err != nil {
		return "", nil, fmt.Errorf("permission: resolve team role for actor %d: %w", ev.actor.ID, err)
	}
	if !ok {
		ev.engine.logger.Debug("actor is not a member of team, treating permissions as empty",
			slog.Int64("actor_id", ev.actor.ID),
			slog.Int64("team_id", teamID))
		return contextKey, nil, nil
	}
	return contextKey, []int64{roleID}, nil
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}
