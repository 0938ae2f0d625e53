package workspace

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates that the requested workspace does not exist.
var ErrNotFound = errors.New("workspace: not found")

// Status enumerates workspace lifecycle states.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Workspace is a container for projects and resources. Exactly one of
// OwnerUserID and OwnerTeamID is set.
type Workspace struct {
	ID          int64
	UUID        uuid.UUID
	Name        string
	OwnerUserID *int64
	OwnerTeamID *int64
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Ownership carries just the owner side of a workspace.
type Ownership struct {
	OwnerUserID *int64
	OwnerTeamID *int64
}
