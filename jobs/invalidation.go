package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/nimbus-platform/nimbus/internal/jobs"
	"github.com/nimbus-platform/nimbus/internal/permission"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// sweepConcurrency bounds parallel per-actor deletes during a team sweep.
const sweepConcurrency = 8

// MemberSource lists the user ids enrolled in a team for sweep fan-out.
type MemberSource interface {
	ListTeamMemberUserIDs(ctx context.Context, teamID int64) ([]int64, error)
}

// InvalidationJob removes cached permission contexts after grant changes
// commit. Single-actor invalidations and team-wide sweeps share the same
// verifying prefix delete underneath.
type InvalidationJob struct {
	Cache   *permission.Cache
	Members MemberSource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewInvalidationJob wires dependencies for the invalidation handlers.
func NewInvalidationJob(cache *permission.Cache, members MemberSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvalidationJob {
	return &InvalidationJob{Cache: cache, Members: members, Logger: logger, Metrics: metrics}
}

// HandleInvalidateActor processes single-actor invalidation tasks.
func (j *InvalidationJob) HandleInvalidateActor(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("invalidation: handler not configured")
	}
	var payload InvalidateActorPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.ActorID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskInvalidateActor)
	var resultErr error
	defer func() {
		_ = tracker.End(resultErr)
	}()

	logger := j.jobLogger(TaskInvalidateActor).With(
		slog.Int64("actor_id", payload.ActorID),
		slog.String("reason", payload.Reason),
	)
	if err := j.Cache.DeletePrefix(ctx, permission.ActorPrefix(payload.ActorID)); err != nil {
		resultErr = err
		logger.Error("actor invalidation failed", slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddSweptActors(payload.Reason, 1)
	logger.Info("actor cache invalidated")
	return resultErr
}

// HandleTeamSweep processes team-wide invalidation tasks.
func (j *InvalidationJob) HandleTeamSweep(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("invalidation: handler not configured")
	}
	var payload TeamSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.TeamID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskTeamSweep)
	var resultErr error
	defer func() {
		_ = tracker.End(resultErr)
	}()

	logger := j.jobLogger(TaskTeamSweep).With(
		slog.Int64("team_id", payload.TeamID),
		slog.String("reason", payload.Reason),
	)
	logger.Info("starting team sweep")

	if j.Members == nil {
		resultErr = errors.New("invalidation: member source not configured")
		return resultErr
	}
	memberIDs, err := j.Members.ListTeamMemberUserIDs(ctx, payload.TeamID)
	if err != nil {
		resultErr = err
		logger.Error("list team members", slog.Any("error", err))
		return resultErr
	}
	if len(memberIDs) == 0 {
		logger.Info("team sweep found no members")
		return resultErr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, id := range memberIDs {
		g.Go(func() error {
			return j.Cache.DeletePrefix(gctx, permission.ActorPrefix(id))
		})
	}
	if err := g.Wait(); err != nil {
		resultErr = err
		logger.Error("team sweep failed", slog.Any("error", err))
		return resultErr
	}

	j.metrics().AddSweptActors(payload.Reason, len(memberIDs))
	logger.Info("completed team sweep", slog.Int("actors", len(memberIDs)))
	return resultErr
}

func (j *InvalidationJob) jobLogger(task string) *slog.Logger {
	base := j.Logger
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("job", task))
}

func (j *InvalidationJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
