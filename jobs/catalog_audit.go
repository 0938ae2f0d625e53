package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/nimbus-platform/nimbus/internal/jobs"
	"github.com/nimbus-platform/nimbus/internal/permission"
)

// AuditStore loads the catalog and stored role closures for the audit.
type AuditStore interface {
	ListPermissions(ctx context.Context) ([]permission.Permission, error)
	ListAllRoles(ctx context.Context) ([]permission.Role, error)
	RolePermissionNames(ctx context.Context, roleID int64) ([]string, error)
}

// CatalogAuditJob rebuilds the hierarchy from the stored catalog and
// verifies every role still satisfies the closure invariant: a role's
// stored set contains everything its parent stores, and every stored
// name exists in the catalog. Violations are logged, never repaired;
// cascades reconstruct direct sets by diffing closures, so silent
// corruption here would spread through later role updates.
type CatalogAuditJob struct {
	Store   AuditStore
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCatalogAuditJob wires dependencies for the audit handler.
func NewCatalogAuditJob(store AuditStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *CatalogAuditJob {
	return &CatalogAuditJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle processes catalog audit tasks.
func (j *CatalogAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("catalog audit: handler not configured")
	}

	tracker := j.metrics().Track(TaskCatalogAudit)
	var resultErr error
	defer func() {
		_ = tracker.End(resultErr)
	}()

	logger := j.jobLogger()
	logger.Info("starting catalog audit")

	perms, err := j.Store.ListPermissions(ctx)
	if err != nil {
		resultErr = err
		logger.Error("load catalog", slog.Any("error", err))
		return resultErr
	}
	index, err := permission.NewHierarchy(perms)
	if err != nil {
		resultErr = err
		logger.Error("catalog no longer builds a hierarchy", slog.Any("error", err))
		return resultErr
	}

	roles, err := j.Store.ListAllRoles(ctx)
	if err != nil {
		resultErr = err
		logger.Error("load roles", slog.Any("error", err))
		return resultErr
	}
	closures := make(map[int64]map[string]struct{}, len(roles))
	for _, role := range roles {
		names, err := j.Store.RolePermissionNames(ctx, role.ID)
		if err != nil {
			resultErr = err
			logger.Error("load role closure", slog.String("role", role.Name), slog.Any("error", err))
			return resultErr
		}
		closure := make(map[string]struct{}, len(names))
		for _, name := range names {
			closure[name] = struct{}{}
		}
		closures[role.ID] = closure
	}

	violations := 0
	for _, role := range roles {
		closure := closures[role.ID]
		for name := range closure {
			if !index.Known(name) {
				violations++
				logger.Warn("role closure references a permission missing from the catalog",
					slog.String("role", role.Name),
					slog.String("permission", name))
			}
		}
		if role.ParentID == nil {
			continue
		}
		parent, ok := closures[*role.ParentID]
		if !ok {
			violations++
			logger.Warn("role references an unknown parent",
				slog.String("role", role.Name),
				slog.Int64("parent_id", *role.ParentID))
			continue
		}
		for name := range parent {
			if _, held := closure[name]; !held {
				violations++
				logger.Warn("role closure lost an inherited permission",
					slog.String("role", role.Name),
					slog.String("permission", name))
			}
		}
	}

	logger.Info("completed catalog audit",
		slog.Int("permissions", len(perms)),
		slog.Int("index_size", index.Len()),
		slog.Int("roles", len(roles)),
		slog.Int("violations", violations))
	return resultErr
}

func (j *CatalogAuditJob) jobLogger() *slog.Logger {
	base := j.Logger
	if base == nil {
		base = slog.Default()
	}
	return base.With(slog.String("job", TaskCatalogAudit))
}

func (j *CatalogAuditJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
