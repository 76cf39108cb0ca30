package repository

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/db"
	"github.com/techulus/cloud-control/domain"
	"gorm.io/gorm"
)

type RolloutRepository interface {
	FindByID(id uuid.UUID) (*domain.Rollout, error)
	// FindActiveByService returns the in-progress rollout of a service, or
	// ErrNotFound when none is running.
	FindActiveByService(serviceID uuid.UUID) (*domain.Rollout, error)
	// ListInStage returns in-progress rollouts parked at a stage.
	ListInStage(stage domain.RolloutStage) ([]*domain.Rollout, error)
	Create(rollout *domain.Rollout) (*domain.Rollout, error)
	SetStage(id uuid.UUID, stage domain.RolloutStage) error
	Complete(id uuid.UUID) error
	Fail(id uuid.UUID, stage domain.RolloutStage, reason string) error
	Cancel(id uuid.UUID) error
}

type rolloutRepository struct {
	db *gorm.DB
}

func NewRolloutRepository(database *gorm.DB) RolloutRepository {
	return &rolloutRepository{db: database}
}

func (r *rolloutRepository) FindByID(id uuid.UUID) (*domain.Rollout, error) {
	var m db.RolloutModel
	if err := r.db.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rolloutToDomain(&m), nil
}

func (r *rolloutRepository) FindActiveByService(serviceID uuid.UUID) (*domain.Rollout, error) {
	var m db.RolloutModel
	err := r.db.
		Where("service_id = ? AND status = ?", serviceID, domain.RolloutStatusInProgress.String()).
		Order("created_at DESC").
		First(&m).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rolloutToDomain(&m), nil
}

func (r *rolloutRepository) ListInStage(stage domain.RolloutStage) ([]*domain.Rollout, error) {
	var models []db.RolloutModel
	err := r.db.
		Where("status = ? AND current_stage = ?",
			domain.RolloutStatusInProgress.String(), stage.String()).
		Find(&models).
		Error
	if err != nil {
		return nil, err
	}
	rollouts := make([]*domain.Rollout, len(models))
	for i, m := range models {
		rollouts[i] = rolloutToDomain(&m)
	}
	return rollouts, nil
}

func (r *rolloutRepository) Create(rollout *domain.Rollout) (*domain.Rollout, error) {
	m := &db.RolloutModel{
		BaseModel:    db.BaseModel{ID: rollout.ID},
		ServiceID:    rollout.ServiceID,
		Status:       rollout.Status.String(),
		CurrentStage: rollout.CurrentStage.String(),
	}
	if err := r.db.Create(m).Error; err != nil {
		return nil, err
	}
	return r.FindByID(m.ID)
}

func (r *rolloutRepository) SetStage(id uuid.UUID, stage domain.RolloutStage) error {
	return r.db.Model(&db.RolloutModel{}).
		Where("id = ?", id).
		Update("current_stage", stage.String()).
		Error
}

func (r *rolloutRepository) Complete(id uuid.UUID) error {
	now := time.Now()
	return r.db.Model(&db.RolloutModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        domain.RolloutStatusCompleted.String(),
			"current_stage": domain.RolloutStageCompleted.String(),
			"completed_at":  now,
		}).
		Error
}

func (r *rolloutRepository) Fail(id uuid.UUID, stage domain.RolloutStage, reason string) error {
	now := time.Now()
	return r.db.Model(&db.RolloutModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        domain.RolloutStatusFailed.String(),
			"current_stage": stage.String(),
			"error":         reason,
			"completed_at":  now,
		}).
		Error
}

func (r *rolloutRepository) Cancel(id uuid.UUID) error {
	now := time.Now()
	return r.db.Model(&db.RolloutModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       domain.RolloutStatusCancelled.String(),
			"completed_at": now,
		}).
		Error
}

type MigrationRepository interface {
	FindByID(id uuid.UUID) (*domain.Migration, error)
	Create(migration *domain.Migration) (*domain.Migration, error)
	SetStatus(id uuid.UUID, status domain.MigrationStatus) error
	Complete(id uuid.UUID) error
	Fail(id uuid.UUID, reason string) error
}

type migrationRepository struct {
	db *gorm.DB
}

func NewMigrationRepository(database *gorm.DB) MigrationRepository {
	return &migrationRepository{db: database}
}

func (r *migrationRepository) FindByID(id uuid.UUID) (*domain.Migration, error) {
	var m db.MigrationJobModel
	if err := r.db.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return migrationToDomain(&m), nil
}

func (r *migrationRepository) Create(migration *domain.Migration) (*domain.Migration, error) {
	m := &db.MigrationJobModel{
		BaseModel:      db.BaseModel{ID: migration.ID},
		ServiceID:      migration.ServiceID,
		SourceServerID: migration.SourceServerID,
		TargetServerID: migration.TargetServerID,
		Status:         migration.Status.String(),
	}
	if err := r.db.Create(m).Error; err != nil {
		return nil, err
	}
	return r.FindByID(m.ID)
}

func (r *migrationRepository) SetStatus(id uuid.UUID, status domain.MigrationStatus) error {
	return r.db.Model(&db.MigrationJobModel{}).
		Where("id = ?", id).
		Update("status", status.String()).
		Error
}

func (r *migrationRepository) Complete(id uuid.UUID) error {
	now := time.Now()
	return r.db.Model(&db.MigrationJobModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       domain.MigrationStatusCompleted.String(),
			"completed_at": now,
		}).
		Error
}

func (r *migrationRepository) Fail(id uuid.UUID, reason string) error {
	now := time.Now()
	return r.db.Model(&db.MigrationJobModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       domain.MigrationStatusFailed.String(),
			"error":        reason,
			"completed_at": now,
		}).
		Error
}

type CertificateRepository interface {
	FindByDomain(domainName string) (*domain.Certificate, error)
	ListByDomains(domains []string) ([]*domain.Certificate, error)
	Upsert(cert *domain.Certificate) error
}

type certificateRepository struct {
	db *gorm.DB
}

func NewCertificateRepository(database *gorm.DB) CertificateRepository {
	return &certificateRepository{db: database}
}

func (r *certificateRepository) FindByDomain(domainName string) (*domain.Certificate, error) {
	var m db.CertificateModel
	if err := r.db.First(&m, "domain = ?", domainName).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return certificateToDomain(&m), nil
}

func (r *certificateRepository) ListByDomains(domains []string) ([]*domain.Certificate, error) {
	if len(domains) == 0 {
		return nil, nil
	}
	var models []db.CertificateModel
	if err := r.db.Where("domain IN ?", domains).Find(&models).Error; err != nil {
		return nil, err
	}
	certs := make([]*domain.Certificate, len(models))
	for i, m := range models {
		certs[i] = certificateToDomain(&m)
	}
	return certs, nil
}

func (r *certificateRepository) Upsert(cert *domain.Certificate) error {
	var existing db.CertificateModel
	err := r.db.Where("domain = ?", cert.Domain).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.Create(&db.CertificateModel{
			BaseModel:      db.BaseModel{ID: uuid.New()},
			Domain:         cert.Domain,
			Certificate:    cert.Certificate,
			CertificateKey: cert.CertificateKey,
		}).Error
	}
	if err != nil {
		return err
	}
	return r.db.Model(&existing).Updates(map[string]any{
		"certificate":     cert.Certificate,
		"certificate_key": cert.CertificateKey,
	}).Error
}
