package repository

import (
	"time"

	"github.com/techulus/cloud-control/db"
	"github.com/techulus/cloud-control/domain"
	"gorm.io/gorm"
)

type TokenRepository interface {
	Create(token *domain.BootstrapToken) (*domain.BootstrapToken, error)
	Redeem(token string, ttl time.Duration) (*domain.BootstrapToken, error)
}

type tokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(database *gorm.DB) TokenRepository {
	return &tokenRepository{db: database}
}

func (r *tokenRepository) Create(token *domain.BootstrapToken) (*domain.BootstrapToken, error) {
	m := &db.BootstrapTokenModel{
		BaseModel:  db.BaseModel{ID: token.ID},
		Token:      token.Token,
		ServerName: token.ServerName,
	}
	if err := r.db.Create(m).Error; err != nil {
		return nil, err
	}
	return tokenToDomain(m), nil
}

// Redeem marks a token used if and only if it is unused and younger than
// the TTL. The conditional update is the whole single-use guarantee: under
// concurrent redemption exactly one caller sees a non-zero row count.
func (r *tokenRepository) Redeem(token string, ttl time.Duration) (*domain.BootstrapToken, error) {
	now := time.Now()
	cutoff := now.Add(-ttl)

	res := r.db.Model(&db.BootstrapTokenModel{}).
		Where("token = ? AND used_at IS NULL AND created_at > ?", token, cutoff).
		Update("used_at", now)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrConflict
	}

	var m db.BootstrapTokenModel
	if err := r.db.Where("token = ?", token).First(&m).Error; err != nil {
		return nil, err
	}
	return tokenToDomain(&m), nil
}
