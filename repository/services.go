package repository

import (
	"github.com/google/uuid"
	"github.com/techulus/cloud-control/db"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/encryption"
	"gorm.io/gorm"
)

type ServiceRepository interface {
	FindByID(id uuid.UUID) (*domain.Service, error)
	List() ([]*domain.Service, error)
	Create(service *domain.Service) (*domain.Service, error)
	Update(service *domain.Service) error
	SetImage(id uuid.UUID, image string) error
}

type serviceRepository struct {
	db *gorm.DB
}

func NewServiceRepository(database *gorm.DB) ServiceRepository {
	return &serviceRepository{db: database}
}

func (r *serviceRepository) FindByID(id uuid.UUID) (*domain.Service, error) {
	var m db.ServiceModel
	if err := r.db.Preload("Ports").First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return serviceToDomain(&m), nil
}

func (r *serviceRepository) List() ([]*domain.Service, error) {
	var models []db.ServiceModel
	if err := r.db.Preload("Ports").Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	services := make([]*domain.Service, len(models))
	for i, m := range models {
		services[i] = serviceToDomain(&m)
	}
	return services, nil
}

func (r *serviceRepository) Create(service *domain.Service) (*domain.Service, error) {
	m := serviceToModel(service)
	for _, p := range service.Ports {
		m.Ports = append(m.Ports, db.ServicePortModel{
			BaseModel:      db.BaseModel{ID: p.ID},
			ServiceID:      service.ID,
			Port:           p.Port,
			Protocol:       string(p.Protocol),
			Public:         p.Public,
			Domain:         p.Domain,
			ExternalPort:   p.ExternalPort,
			TLSPassthrough: p.TLSPassthrough,
		})
	}
	if err := r.db.Create(m).Error; err != nil {
		return nil, err
	}
	return r.FindByID(m.ID)
}

func (r *serviceRepository) Update(service *domain.Service) error {
	m := serviceToModel(service)
	return r.db.Model(&db.ServiceModel{}).
		Where("id = ?", m.ID).
		Select("*").
		Omit("created_at").
		Updates(m).
		Error
}

func (r *serviceRepository) SetImage(id uuid.UUID, image string) error {
	return r.db.Model(&db.ServiceModel{}).
		Where("id = ?", id).
		Update("image", image).
		Error
}

// SecretRepository stores encrypted build secrets per service.
type SecretRepository interface {
	// ListByService returns the decrypted secrets of a service.
	ListByService(serviceID uuid.UUID) (map[string]string, error)
	Set(serviceID uuid.UUID, key, value string) error
}

type secretRepository struct {
	db         *gorm.DB
	encryption *encryption.EncryptionService
}

func NewSecretRepository(database *gorm.DB, encryptionSvc *encryption.EncryptionService) SecretRepository {
	return &secretRepository{db: database, encryption: encryptionSvc}
}

func (r *secretRepository) ListByService(serviceID uuid.UUID) (map[string]string, error) {
	var models []db.BuildSecretModel
	if err := r.db.Where("service_id = ?", serviceID).Find(&models).Error; err != nil {
		return nil, err
	}
	secrets := make(map[string]string, len(models))
	for _, m := range models {
		value, err := r.encryption.Decrypt(m.Value)
		if err != nil {
			return nil, err
		}
		secrets[m.Key] = value
	}
	return secrets, nil
}

func (r *secretRepository) Set(serviceID uuid.UUID, key, value string) error {
	encrypted, err := r.encryption.Encrypt(value)
	if err != nil {
		return err
	}

	var existing db.BuildSecretModel
	err = r.db.Where("service_id = ? AND key = ?", serviceID, key).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return r.db.Create(&db.BuildSecretModel{
			BaseModel: db.BaseModel{ID: uuid.New()},
			ServiceID: serviceID,
			Key:       key,
			Value:     encrypted,
		}).Error
	}
	if err != nil {
		return err
	}
	return r.db.Model(&existing).Update("value", encrypted).Error
}
