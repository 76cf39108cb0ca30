package repository

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/db"
	"github.com/techulus/cloud-control/domain"
	"gorm.io/gorm"
)

type ServerRepository interface {
	FindByID(id uuid.UUID) (*domain.Server, error)
	FindByName(name string) (*domain.Server, error)
	List() ([]*domain.Server, error)
	ListOnline() ([]*domain.Server, error)
	Create(server *domain.Server) (*domain.Server, error)
	Update(server *domain.Server) error
	RecordHeartbeat(id uuid.UUID, report *domain.StatusReport, at time.Time) error
	MarkOfflineBefore(cutoff time.Time) (int64, error)
	UsedSubnetIDs() ([]int, error)
}

type serverRepository struct {
	db *gorm.DB
}

func NewServerRepository(database *gorm.DB) ServerRepository {
	return &serverRepository{db: database}
}

func (r *serverRepository) FindByID(id uuid.UUID) (*domain.Server, error) {
	var m db.ServerModel
	if err := r.db.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return serverToDomain(&m), nil
}

func (r *serverRepository) FindByName(name string) (*domain.Server, error) {
	var m db.ServerModel
	if err := r.db.Where("name = ?", name).First(&m).Error; err != nil {
		return nil, err
	}
	return serverToDomain(&m), nil
}

func (r *serverRepository) List() ([]*domain.Server, error) {
	var models []db.ServerModel
	if err := r.db.Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	servers := make([]*domain.Server, len(models))
	for i, m := range models {
		servers[i] = serverToDomain(&m)
	}
	return servers, nil
}

func (r *serverRepository) ListOnline() ([]*domain.Server, error) {
	var models []db.ServerModel
	if err := r.db.Where("status = ?", domain.ServerStatusOnline.String()).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	servers := make([]*domain.Server, len(models))
	for i, m := range models {
		servers[i] = serverToDomain(&m)
	}
	return servers, nil
}

func (r *serverRepository) Create(server *domain.Server) (*domain.Server, error) {
	m := serverToModel(server)
	if err := r.db.Create(m).Error; err != nil {
		slog.Error("Database operation failed",
			"layer", "repository",
			"operation", "create_server",
			"server_name", server.Name,
			"error", err)
		return nil, err
	}
	return serverToDomain(m), nil
}

func (r *serverRepository) Update(server *domain.Server) error {
	m := serverToModel(server)
	return r.db.Model(&db.ServerModel{}).
		Where("id = ?", m.ID).
		Select("*").
		Omit("created_at").
		Updates(m).
		Error
}

// RecordHeartbeat applies the mutable parts of a status report to the
// server row and stamps the heartbeat time. Fields the agent did not
// include are left untouched.
func (r *serverRepository) RecordHeartbeat(id uuid.UUID, report *domain.StatusReport, at time.Time) error {
	updates := map[string]any{
		"status":         domain.ServerStatusOnline.String(),
		"last_heartbeat": at,
	}
	if report.PublicIP != "" {
		updates["public_ip"] = report.PublicIP
	}
	if report.PrivateIP != "" {
		updates["private_ip"] = report.PrivateIP
	}
	if report.Resources != nil {
		if data, err := json.Marshal(report.Resources); err == nil {
			updates["resources"] = string(data)
		}
	}
	if len(report.Meta) > 0 {
		if data, err := json.Marshal(report.Meta); err == nil {
			updates["meta"] = string(data)
		}
	}

	res := r.db.Model(&db.ServerModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOfflineBefore flips servers whose last heartbeat predates the cutoff
// to offline. Servers that never sent a heartbeat are left alone.
func (r *serverRepository) MarkOfflineBefore(cutoff time.Time) (int64, error) {
	res := r.db.Model(&db.ServerModel{}).
		Where("status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?",
			domain.ServerStatusOnline.String(), cutoff).
		Update("status", domain.ServerStatusOffline.String())
	return res.RowsAffected, res.Error
}

func (r *serverRepository) UsedSubnetIDs() ([]int, error) {
	var ids []int
	if err := r.db.Model(&db.ServerModel{}).Pluck("subnet_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
