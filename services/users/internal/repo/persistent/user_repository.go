package persistent

import (
	"context"
	"errors"
	"strings"
	"time"

	"mailflow/pkg/models"
	"mailflow/services/users/internal/entity"

	"gorm.io/gorm"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	ErrConflict  = errors.New("record changed concurrently")
)

type UserRepository interface {
	// CreateWithRefreshToken stores a new user and its first refresh token in one transaction.
	CreateWithRefreshToken(ctx context.Context, user *entity.User, token *entity.RefreshToken) error
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	GetByID(ctx context.Context, id string) (*entity.User, error)
	Update(ctx context.Context, user *entity.User) error
	// UpdatePassword saves the user and revokes every refresh token it holds.
	UpdatePassword(ctx context.Context, user *entity.User) error
}

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) CreateWithRefreshToken(ctx context.Context, user *entity.User, token *entity.RefreshToken) error {
	userModel := ToUserModel(user)
	userModel.Email = normalizeEmail(userModel.Email)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(userModel).Error; err != nil {
			return translate(err)
		}
		tokenModel := ToRefreshTokenModel(token)
		tokenModel.UserID = userModel.ID
		if err := tx.Create(tokenModel).Error; err != nil {
			return translate(err)
		}
		*token = *ToRefreshTokenEntity(tokenModel)
		return nil
	})
	if err != nil {
		return err
	}

	*user = *ToUserEntity(userModel)
	return nil
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	var userModel models.User
	if err := r.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&userModel).Error; err != nil {
		return nil, translate(err)
	}
	return ToUserEntity(&userModel), nil
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*entity.User, error) {
	var userModel models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&userModel).Error; err != nil {
		return nil, translate(err)
	}
	return ToUserEntity(&userModel), nil
}

func (r *userRepository) Update(ctx context.Context, user *entity.User) error {
	userModel := ToUserModel(user)
	if err := r.db.WithContext(ctx).Save(userModel).Error; err != nil {
		return translate(err)
	}
	user.UpdatedAt = userModel.UpdatedAt
	return nil
}

func (r *userRepository) UpdatePassword(ctx context.Context, user *entity.User) error {
	userModel := ToUserModel(user)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(userModel).Error; err != nil {
			return translate(err)
		}
		return tx.Model(&models.RefreshToken{}).
			Where("user_id = ? AND revoked_at IS NULL", user.ID).
			Update("revoked_at", time.Now()).Error
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func translate(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}
