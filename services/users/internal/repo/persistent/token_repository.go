package persistent

import (
	"context"
	"time"

	"mailflow/pkg/models"
	"mailflow/services/users/internal/entity"

	"gorm.io/gorm"
)

type TokenRepository interface {
	Create(ctx context.Context, token *entity.RefreshToken) error
	GetByToken(ctx context.Context, token string) (*entity.RefreshToken, error)
	// Rotate revokes current and stores next atomically. It returns
	// ErrConflict when current was already revoked by a concurrent refresh.
	Rotate(ctx context.Context, current, next *entity.RefreshToken) error
}

type tokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(db *gorm.DB) TokenRepository {
	return &tokenRepository{db: db}
}

func (r *tokenRepository) Create(ctx context.Context, token *entity.RefreshToken) error {
	tokenModel := ToRefreshTokenModel(token)
	if err := r.db.WithContext(ctx).Create(tokenModel).Error; err != nil {
		return translate(err)
	}
	*token = *ToRefreshTokenEntity(tokenModel)
	return nil
}

func (r *tokenRepository) GetByToken(ctx context.Context, token string) (*entity.RefreshToken, error) {
	var tokenModel models.RefreshToken
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&tokenModel).Error; err != nil {
		return nil, translate(err)
	}
	return ToRefreshTokenEntity(&tokenModel), nil
}

func (r *tokenRepository) Rotate(ctx context.Context, current, next *entity.RefreshToken) error {
	nextModel := ToRefreshTokenModel(next)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND revoked_at IS NULL", current.ID).
			Update("revoked_at", time.Now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return translate(tx.Create(nextModel).Error)
	})
	if err != nil {
		return err
	}
	*next = *ToRefreshTokenEntity(nextModel)
	return nil
}
