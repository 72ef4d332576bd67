package persistent

import (
	"mailflow/pkg/models"
	"mailflow/services/users/internal/entity"
)

func ToUserEntity(m *models.User) *entity.User {
	if m == nil {
		return nil
	}

	return &entity.User{
		ID:                     m.ID,
		FirstName:              m.FirstName,
		LastName:               m.LastName,
		Email:                  m.Email,
		PhoneNumber:            m.PhoneNumber,
		Password:               m.Password,
		Role:                   entity.UserRole(m.Role),
		IsActive:               m.IsActive,
		EmailConfirmed:         m.EmailConfirmed,
		EmailConfirmToken:      m.EmailConfirmToken,
		PasswordResetToken:     m.PasswordResetToken,
		PasswordResetExpiresAt: m.PasswordResetExpiresAt,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
	}
}

func ToUserModel(e *entity.User) *models.User {
	if e == nil {
		return nil
	}

	return &models.User{
		ID:                     e.ID,
		FirstName:              e.FirstName,
		LastName:               e.LastName,
		Email:                  e.Email,
		PhoneNumber:            e.PhoneNumber,
		Password:               e.Password,
		Role:                   models.UserRole(e.Role),
		IsActive:               e.IsActive,
		EmailConfirmed:         e.EmailConfirmed,
		EmailConfirmToken:      e.EmailConfirmToken,
		PasswordResetToken:     e.PasswordResetToken,
		PasswordResetExpiresAt: e.PasswordResetExpiresAt,
		CreatedAt:              e.CreatedAt,
		UpdatedAt:              e.UpdatedAt,
	}
}

func ToRefreshTokenEntity(m *models.RefreshToken) *entity.RefreshToken {
	if m == nil {
		return nil
	}

	return &entity.RefreshToken{
		ID:        m.ID,
		UserID:    m.UserID,
		Token:     m.Token,
		RemoteIP:  m.RemoteIP,
		ExpiresAt: m.ExpiresAt,
		RevokedAt: m.RevokedAt,
		CreatedAt: m.CreatedAt,
	}
}

func ToRefreshTokenModel(e *entity.RefreshToken) *models.RefreshToken {
	if e == nil {
		return nil
	}

	return &models.RefreshToken{
		ID:        e.ID,
		UserID:    e.UserID,
		Token:     e.Token,
		RemoteIP:  e.RemoteIP,
		ExpiresAt: e.ExpiresAt,
		RevokedAt: e.RevokedAt,
		CreatedAt: e.CreatedAt,
	}
}
