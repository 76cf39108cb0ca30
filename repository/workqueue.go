package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/db"
	"github.com/techulus/cloud-control/domain"
	"gorm.io/gorm"
)

type WorkQueueRepository interface {
	FindByID(id uuid.UUID) (*domain.WorkItem, error)
	Create(item *domain.WorkItem) (*domain.WorkItem, error)

	// ClaimPending flips every pending item for a server to processing in
	// one conditional update and returns exactly the claimed rows. An item
	// is never handed to two agents.
	ClaimPending(serverID uuid.UUID) ([]*domain.WorkItem, error)

	// ClaimNext claims only the oldest pending item for a server, or nil
	// when the queue is empty.
	ClaimNext(serverID uuid.UUID) (*domain.WorkItem, error)

	// MarkResult records an agent-reported outcome. The server ID filter is
	// the authorization check: a mismatch reads as not found.
	MarkResult(id, serverID uuid.UUID, status domain.WorkItemStatus, errMsg string) (*domain.WorkItem, error)

	ListStuck(cutoff time.Time) ([]*domain.WorkItem, error)

	// RetryStuck resets a stuck item to pending with one more attempt,
	// conditionally on it still being the same stuck processing row.
	RetryStuck(id uuid.UUID, startedBefore time.Time) (bool, error)

	// FailStuck terminally fails a stuck item the same way.
	FailStuck(id uuid.UUID, startedBefore time.Time, errMsg string) (bool, error)
}

type workQueueRepository struct {
	db *gorm.DB
}

func NewWorkQueueRepository(database *gorm.DB) WorkQueueRepository {
	return &workQueueRepository{db: database}
}

func (r *workQueueRepository) FindByID(id uuid.UUID) (*domain.WorkItem, error) {
	var m db.WorkQueueItemModel
	if err := r.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return workItemToDomain(&m), nil
}

func (r *workQueueRepository) Create(item *domain.WorkItem) (*domain.WorkItem, error) {
	m := workItemToModel(item)
	if err := r.db.Create(m).Error; err != nil {
		return nil, err
	}
	return workItemToDomain(m), nil
}

func (r *workQueueRepository) ClaimPending(serverID uuid.UUID) ([]*domain.WorkItem, error) {
	claimID := uuid.New()
	now := time.Now()

	// Tag the claimed batch with a fresh claim ID inside the same UPDATE
	// that flips the status, then read the batch back by that tag. Two
	// concurrent claims for the same server each get a disjoint batch.
	res := r.db.Model(&db.WorkQueueItemModel{}).
		Where("server_id = ? AND status = ?", serverID, domain.WorkItemStatusPending.String()).
		Updates(map[string]any{
			"status":     domain.WorkItemStatusProcessing.String(),
			"started_at": now,
			"claim_id":   claimID,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var models []db.WorkQueueItemModel
	if err := r.db.Where("claim_id = ?", claimID).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]*domain.WorkItem, len(models))
	for i, m := range models {
		items[i] = workItemToDomain(&m)
	}
	return items, nil
}

func (r *workQueueRepository) ClaimNext(serverID uuid.UUID) (*domain.WorkItem, error) {
	claimID := uuid.New()
	now := time.Now()

	oldest := r.db.Model(&db.WorkQueueItemModel{}).
		Select("id").
		Where("server_id = ? AND status = ?", serverID, domain.WorkItemStatusPending.String()).
		Order("created_at").
		Limit(1)
	res := r.db.Model(&db.WorkQueueItemModel{}).
		Where("id IN (?)", oldest).
		Updates(map[string]any{
			"status":     domain.WorkItemStatusProcessing.String(),
			"started_at": now,
			"claim_id":   claimID,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	var m db.WorkQueueItemModel
	if err := r.db.Where("claim_id = ?", claimID).First(&m).Error; err != nil {
		return nil, err
	}
	return workItemToDomain(&m), nil
}

func (r *workQueueRepository) MarkResult(id, serverID uuid.UUID, status domain.WorkItemStatus, errMsg string) (*domain.WorkItem, error) {
	updates := map[string]any{"status": status.String()}
	if errMsg != "" {
		updates["error"] = errMsg
	}

	res := r.db.Model(&db.WorkQueueItemModel{}).
		Where("id = ? AND server_id = ?", id, serverID).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.FindByID(id)
}

func (r *workQueueRepository) ListStuck(cutoff time.Time) ([]*domain.WorkItem, error) {
	var models []db.WorkQueueItemModel
	err := r.db.Where("status = ? AND started_at IS NOT NULL AND started_at < ?",
		domain.WorkItemStatusProcessing.String(), cutoff).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	items := make([]*domain.WorkItem, len(models))
	for i, m := range models {
		items[i] = workItemToDomain(&m)
	}
	return items, nil
}

func (r *workQueueRepository) RetryStuck(id uuid.UUID, startedBefore time.Time) (bool, error) {
	res := r.db.Model(&db.WorkQueueItemModel{}).
		Where("id = ? AND status = ? AND started_at < ?",
			id, domain.WorkItemStatusProcessing.String(), startedBefore).
		Updates(map[string]any{
			"status":     domain.WorkItemStatusPending.String(),
			"started_at": nil,
			"claim_id":   nil,
			"attempts":   gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *workQueueRepository) FailStuck(id uuid.UUID, startedBefore time.Time, errMsg string) (bool, error) {
	res := r.db.Model(&db.WorkQueueItemModel{}).
		Where("id = ? AND status = ? AND started_at < ?",
			id, domain.WorkItemStatusProcessing.String(), startedBefore).
		Updates(map[string]any{
			"status":   domain.WorkItemStatusFailed.String(),
			"error":    errMsg,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
