package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInvalidateActor drops one actor's cached permission contexts.
	TaskInvalidateActor = "perms:invalidate_actor"
	// TaskTeamSweep drops the cached contexts of every member of a team.
	TaskTeamSweep = "perms:team_sweep"
	// TaskCatalogAudit is the nightly catalog and closure consistency check.
	TaskCatalogAudit = "perms:catalog_audit"
)

// InvalidateActorPayload identifies the actor whose cache entries go away.
type InvalidateActorPayload struct {
	ActorID int64  `json:"actor_id"`
	Reason  string `json:"reason"`
}

// TeamSweepPayload identifies the team whose members get swept.
type TeamSweepPayload struct {
	TeamID int64  `json:"team_id"`
	Reason string `json:"reason"`
}

// NewInvalidateActorTask constructs an Asynq task for a single-actor sweep.
func NewInvalidateActorTask(payload InvalidateActorPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvalidateActor, data), nil
}

// NewTeamSweepTask constructs an Asynq task for a team-wide sweep.
func NewTeamSweepTask(payload TeamSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTeamSweep, data), nil
}

// NewCatalogAuditTask constructs the catalog audit task. The audit takes
// no parameters; it always covers the whole catalog.
func NewCatalogAuditTask() *asynq.Task {
	return asynq.NewTask(TaskCatalogAudit, nil)
}
