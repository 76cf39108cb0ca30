package repository

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/db"
	"github.com/techulus/cloud-control/domain"
	"gorm.io/gorm"
)

type DeploymentRepository interface {
	FindByID(id uuid.UUID) (*domain.Deployment, error)
	FindByContainerID(serverID uuid.UUID, containerID string) (*domain.Deployment, error)
	ListActiveByServer(serverID uuid.UUID) ([]*domain.Deployment, error)
	ListByService(serviceID uuid.UUID) ([]*domain.Deployment, error)
	ListByRollout(rolloutID uuid.UUID) ([]*domain.Deployment, error)
	ListByServer(serverID uuid.UUID) ([]*domain.Deployment, error)
	UsedIPAddresses(subnetID int) ([]string, error)
	Create(deployment *domain.Deployment) (*domain.Deployment, error)
	Update(deployment *domain.Deployment) error
	Delete(id uuid.UUID) error

	// TransitionStatus moves a deployment from one status to another with
	// a conditional update, so re-applying the same report is a no-op.
	// Returns false when the row was not in the expected status.
	TransitionStatus(id uuid.UUID, from, to domain.DeploymentStatus, extra map[string]any) (bool, error)

	// AdoptContainer attaches a freshly observed container to a pending or
	// pulling deployment on the same server that has no container yet.
	AdoptContainer(serverID uuid.UUID, containerID string) (*domain.Deployment, error)

	SetContainerID(id uuid.UUID, containerID string) error
}

type deploymentRepository struct {
	db *gorm.DB
}

func NewDeploymentRepository(database *gorm.DB) DeploymentRepository {
	return &deploymentRepository{db: database}
}

func (r *deploymentRepository) FindByID(id uuid.UUID) (*domain.Deployment, error) {
	var m db.DeploymentModel
	if err := r.db.First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return deploymentToDomain(&m), nil
}

func (r *deploymentRepository) FindByContainerID(serverID uuid.UUID, containerID string) (*domain.Deployment, error) {
	var m db.DeploymentModel
	err := r.db.Where("server_id = ? AND container_id = ?", serverID, containerID).First(&m).Error
	if err != nil {
		return nil, err
	}
	return deploymentToDomain(&m), nil
}

func (r *deploymentRepository) ListActiveByServer(serverID uuid.UUID) ([]*domain.Deployment, error) {
	statuses := []string{
		domain.DeploymentStatusStarting.String(),
		domain.DeploymentStatusRunning.String(),
		domain.DeploymentStatusHealthy.String(),
		domain.DeploymentStatusStopping.String(),
	}
	var models []db.DeploymentModel
	if err := r.db.Where("server_id = ? AND status IN ?", serverID, statuses).Find(&models).Error; err != nil {
		return nil, err
	}
	return deploymentsToDomain(models), nil
}

func (r *deploymentRepository) ListByService(serviceID uuid.UUID) ([]*domain.Deployment, error) {
	var models []db.DeploymentModel
	if err := r.db.Where("service_id = ?", serviceID).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	return deploymentsToDomain(models), nil
}

func (r *deploymentRepository) ListByRollout(rolloutID uuid.UUID) ([]*domain.Deployment, error) {
	var models []db.DeploymentModel
	if err := r.db.Where("rollout_id = ?", rolloutID).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	return deploymentsToDomain(models), nil
}

func (r *deploymentRepository) ListByServer(serverID uuid.UUID) ([]*domain.Deployment, error) {
	var models []db.DeploymentModel
	if err := r.db.Where("server_id = ?", serverID).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	return deploymentsToDomain(models), nil
}

func (r *deploymentRepository) UsedIPAddresses(subnetID int) ([]string, error) {
	var ips []string
	err := r.db.Model(&db.DeploymentModel{}).
		Joins("JOIN servers ON servers.id = deployments.server_id").
		Where("servers.subnet_id = ? AND deployments.ip_address <> ''", subnetID).
		Pluck("deployments.ip_address", &ips).Error
	if err != nil {
		return nil, err
	}
	return ips, nil
}

func (r *deploymentRepository) Create(deployment *domain.Deployment) (*domain.Deployment, error) {
	m := deploymentToModel(deployment)
	if err := r.db.Create(m).Error; err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "create_deployment",
			"deployment_id", deployment.ID,
			"error", err)
		return nil, err
	}
	return deploymentToDomain(m), nil
}

func (r *deploymentRepository) Update(deployment *domain.Deployment) error {
	m := deploymentToModel(deployment)
	return r.db.Model(&db.DeploymentModel{}).
		Where("id = ?", m.ID).
		Select("*").
		Omit("created_at").
		Updates(m).
		Error
}

func (r *deploymentRepository) Delete(id uuid.UUID) error {
	return r.db.Delete(&db.DeploymentModel{}, "id = ?", id).Error
}

func (r *deploymentRepository) TransitionStatus(id uuid.UUID, from, to domain.DeploymentStatus, extra map[string]any) (bool, error) {
	updates := map[string]any{"status": to.String()}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.Model(&db.DeploymentModel{}).
		Where("id = ? AND status = ?", id, from.String()).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *deploymentRepository) AdoptContainer(serverID uuid.UUID, containerID string) (*domain.Deployment, error) {
	candidates := []string{
		domain.DeploymentStatusPending.String(),
		domain.DeploymentStatusPulling.String(),
	}

	var m db.DeploymentModel
	err := r.db.Where("server_id = ? AND container_id IS NULL AND status IN ?", serverID, candidates).
		Order("created_at").
		First(&m).Error
	if err != nil {
		return nil, err
	}

	// Conditional claim so a concurrent report cannot adopt the same
	// deployment for a different container.
	res := r.db.Model(&db.DeploymentModel{}).
		Where("id = ? AND container_id IS NULL", m.ID).
		Update("container_id", containerID)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConflict
	}

	m.ContainerID = &containerID
	return deploymentToDomain(&m), nil
}

func (r *deploymentRepository) SetContainerID(id uuid.UUID, containerID string) error {
	return r.db.Model(&db.DeploymentModel{}).
		Where("id = ?", id).
		Update("container_id", containerID).
		Error
}

func deploymentsToDomain(models []db.DeploymentModel) []*domain.Deployment {
	deployments := make([]*domain.Deployment, len(models))
	for i, m := range models {
		deployments[i] = deploymentToDomain(&m)
	}
	return deployments
}
