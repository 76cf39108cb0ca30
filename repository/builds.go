package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/db"
	"github.com/techulus/cloud-control/domain"
	"gorm.io/gorm"
)

type BuildRepository interface {
	FindByID(id uuid.UUID) (*domain.Build, error)
	ListByGroup(groupID uuid.UUID) ([]*domain.Build, error)
	Create(build *domain.Build) (*domain.Build, error)
	Update(build *domain.Build) error

	// Claim atomically moves a pending build to claimed for one server.
	// Exactly one concurrent claimant wins; everyone else gets ErrConflict.
	Claim(id, serverID uuid.UUID) (*domain.Build, error)

	// TransitionStatus applies a status change conditionally on the
	// current status. Returns false when the row was not in the expected
	// status (duplicate or stale report).
	TransitionStatus(id uuid.UUID, from, to domain.BuildStatus, errMsg string) (bool, error)
}

type buildRepository struct {
	db *gorm.DB
}

func NewBuildRepository(database *gorm.DB) BuildRepository {
	return &buildRepository{db: database}
}

func (r *buildRepository) FindByID(id uuid.UUID) (*domain.Build, error) {
	var m db.BuildModel
	if err := r.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return buildToDomain(&m), nil
}

func (r *buildRepository) ListByGroup(groupID uuid.UUID) ([]*domain.Build, error) {
	var models []db.BuildModel
	if err := r.db.Where("build_group_id = ?", groupID).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	builds := make([]*domain.Build, len(models))
	for i, m := range models {
		builds[i] = buildToDomain(&m)
	}
	return builds, nil
}

func (r *buildRepository) Create(build *domain.Build) (*domain.Build, error) {
	m := buildToModel(build)
	if err := r.db.Create(m).Error; err != nil {
		return nil, err
	}
	return buildToDomain(m), nil
}

func (r *buildRepository) Update(build *domain.Build) error {
	m := buildToModel(build)
	return r.db.Model(&db.BuildModel{}).
		Where("id = ?", m.ID).
		Select("*").
		Omit("created_at").
		Updates(m).
		Error
}

func (r *buildRepository) Claim(id, serverID uuid.UUID) (*domain.Build, error) {
	res := r.db.Model(&db.BuildModel{}).
		Where("id = ? AND status = ?", id, domain.BuildStatusPending.String()).
		Updates(map[string]any{
			"status":     domain.BuildStatusClaimed.String(),
			"claimed_by": serverID,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConflict
	}
	return r.FindByID(id)
}

func (r *buildRepository) TransitionStatus(id uuid.UUID, from, to domain.BuildStatus, errMsg string) (bool, error) {
	updates := map[string]any{"status": to.String()}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	if to.IsTerminal() {
		updates["completed_at"] = time.Now()
	}
	res := r.db.Model(&db.BuildModel{}).
		Where("id = ? AND status = ?", id, from.String()).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
