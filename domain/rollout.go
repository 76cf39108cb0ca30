package domain

import (
	"time"

	"github.com/google/uuid"
)

// Rollout is one tracked attempt to bring a service's deployments to a new
// desired configuration. Only one rollout per service is active at a time.
type Rollout struct {
	ID           uuid.UUID
	ServiceID    uuid.UUID
	Status       RolloutStatus
	CurrentStage RolloutStage
	Error        string
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewRollout(serviceID uuid.UUID) *Rollout {
	return &Rollout{
		ID:           uuid.New(),
		ServiceID:    serviceID,
		Status:       RolloutStatusInProgress,
		CurrentStage: RolloutStagePreparing,
	}
}

// Migration is a durable workflow relocating a service from one server to
// another via backup and restore.
type Migration struct {
	ID             uuid.UUID
	ServiceID      uuid.UUID
	SourceServerID uuid.UUID
	TargetServerID uuid.UUID
	Status         MigrationStatus
	Error          string
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewMigration(serviceID, sourceServerID, targetServerID uuid.UUID) *Migration {
	return &Migration{
		ID:             uuid.New(),
		ServiceID:      serviceID,
		SourceServerID: sourceServerID,
		TargetServerID: targetServerID,
		Status:         MigrationStatusInProgress,
	}
}
