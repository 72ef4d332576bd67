package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailflow/pkg/jwt"
	"mailflow/pkg/logger"
	"mailflow/pkg/notification"
	"mailflow/services/users/internal/entity"
	"mailflow/services/users/internal/repo/persistent"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists         = errors.New("user with this email already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDeactivated = errors.New("account is deactivated")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrAlreadyConfirmed   = errors.New("email already confirmed")
)

const passwordResetTTL = time.Hour

// EventPublisher receives notification commands after the change that
// triggered them has been committed.
type EventPublisher interface {
	Publish(ctx context.Context, cmd notification.PublishNotificationCommand) error
}

type RegisterInput struct {
	FirstName   string
	LastName    string
	Email       string
	PhoneNumber string
	Password    string
}

type AuthUseCase interface {
	Register(ctx context.Context, in RegisterInput, remoteIP string) (*entity.User, *entity.Tokens, error)
	Login(ctx context.Context, email, password, remoteIP string) (*entity.User, *entity.Tokens, error)
	RefreshToken(ctx context.Context, accessToken, refreshToken, remoteIP string) (*entity.Tokens, error)
	ConfirmEmail(ctx context.Context, userID, token string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, userID, token, newPassword string) error
	GetUser(ctx context.Context, userID string) (*entity.User, error)
}

type authUseCase struct {
	userRepo   persistent.UserRepository
	tokenRepo  persistent.TokenRepository
	jwtService *jwt.Service
	events     EventPublisher
	refreshTTL time.Duration
	logger     *logger.Logger
	now        func() time.Time
}

func NewAuthUseCase(
	userRepo persistent.UserRepository,
	tokenRepo persistent.TokenRepository,
	jwtService *jwt.Service,
	events EventPublisher,
	refreshTTL time.Duration,
	logger *logger.Logger,
) AuthUseCase {
	return &authUseCase{
		userRepo:   userRepo,
		tokenRepo:  tokenRepo,
		jwtService: jwtService,
		events:     events,
		refreshTTL: refreshTTL,
		logger:     logger,
		now:        time.Now,
	}
}

func (uc *authUseCase) Register(ctx context.Context, in RegisterInput, remoteIP string) (*entity.User, *entity.Tokens, error) {
	_, err := uc.userRepo.GetByEmail(ctx, in.Email)
	if err == nil {
		return nil, nil, ErrUserExists
	}
	if !errors.Is(err, persistent.ErrNotFound) {
		uc.logger.Error("Failed to look up user %s: %v", in.Email, err)
		return nil, nil, fmt.Errorf("failed to process registration")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		uc.logger.Error("Failed to hash password: %v", err)
		return nil, nil, fmt.Errorf("failed to process registration")
	}

	confirmToken, err := jwt.RandomToken(32)
	if err != nil {
		uc.logger.Error("Failed to generate confirmation token: %v", err)
		return nil, nil, fmt.Errorf("failed to process registration")
	}

	refresh, err := uc.newRefreshToken("", remoteIP)
	if err != nil {
		uc.logger.Error("Failed to generate refresh token: %v", err)
		return nil, nil, fmt.Errorf("failed to process registration")
	}

	user := &entity.User{
		FirstName:         strings.TrimSpace(in.FirstName),
		LastName:          strings.TrimSpace(in.LastName),
		Email:             strings.ToLower(strings.TrimSpace(in.Email)),
		PhoneNumber:       strings.TrimSpace(in.PhoneNumber),
		Password:          string(hashedPassword),
		Role:              entity.RoleUser,
		IsActive:          true,
		EmailConfirmToken: confirmToken,
	}

	if err := uc.userRepo.CreateWithRefreshToken(ctx, user, refresh); err != nil {
		if errors.Is(err, persistent.ErrDuplicate) {
			return nil, nil, ErrUserExists
		}
		uc.logger.Error("Failed to create user: %v", err)
		return nil, nil, fmt.Errorf("failed to create user")
	}

	tokens, err := uc.issue(user, refresh)
	if err != nil {
		return nil, nil, err
	}

	uc.publish(ctx, notification.PublishNotificationCommand{
		MessageType:         notification.TypeEmail,
		NotificationSubType: notification.SubTypeConfirmEmail,
		Recipient:           user.Email,
		RecipientName:       user.FullName(),
		MessageLink:         user.ID + "/" + confirmToken,
	})

	return user.Sanitized(), tokens, nil
}

func (uc *authUseCase) Login(ctx context.Context, email, password, remoteIP string) (*entity.User, *entity.Tokens, error) {
	user, err := uc.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, persistent.ErrNotFound) {
			uc.logger.Error("Failed to look up user %s: %v", email, err)
		}
		return nil, nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		return nil, nil, ErrAccountDeactivated
	}

	refresh, err := uc.newRefreshToken(user.ID, remoteIP)
	if err != nil {
		uc.logger.Error("Failed to generate refresh token: %v", err)
		return nil, nil, fmt.Errorf("failed to generate token")
	}
	if err := uc.tokenRepo.Create(ctx, refresh); err != nil {
		uc.logger.Error("Failed to store refresh token: %v", err)
		return nil, nil, fmt.Errorf("failed to generate token")
	}

	tokens, err := uc.issue(user, refresh)
	if err != nil {
		return nil, nil, err
	}
	return user.Sanitized(), tokens, nil
}

func (uc *authUseCase) RefreshToken(ctx context.Context, accessToken, refreshToken, remoteIP string) (*entity.Tokens, error) {
	claims, err := uc.jwtService.PrincipalFromExpiredToken(accessToken)
	if err != nil {
		return nil, ErrInvalidToken
	}

	current, err := uc.tokenRepo.GetByToken(ctx, refreshToken)
	if err != nil {
		if !errors.Is(err, persistent.ErrNotFound) {
			uc.logger.Error("Failed to load refresh token: %v", err)
		}
		return nil, ErrInvalidToken
	}
	if current.UserID != claims.UserID || !current.Active(uc.now()) {
		return nil, ErrInvalidToken
	}

	user, err := uc.userRepo.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !user.IsActive {
		return nil, ErrAccountDeactivated
	}

	next, err := uc.newRefreshToken(user.ID, remoteIP)
	if err != nil {
		uc.logger.Error("Failed to generate refresh token: %v", err)
		return nil, fmt.Errorf("failed to generate token")
	}
	if err := uc.tokenRepo.Rotate(ctx, current, next); err != nil {
		if errors.Is(err, persistent.ErrConflict) {
			return nil, ErrInvalidToken
		}
		uc.logger.Error("Failed to rotate refresh token: %v", err)
		return nil, fmt.Errorf("failed to generate token")
	}

	return uc.issue(user, next)
}

func (uc *authUseCase) ConfirmEmail(ctx context.Context, userID, token string) error {
	user, err := uc.userRepo.GetByID(ctx, userID)
	if err != nil {
		return ErrInvalidToken
	}
	if user.EmailConfirmed {
		return ErrAlreadyConfirmed
	}
	if !tokensEqual(user.EmailConfirmToken, token) {
		return ErrInvalidToken
	}

	user.EmailConfirmed = true
	user.EmailConfirmToken = ""
	if err := uc.userRepo.Update(ctx, user); err != nil {
		uc.logger.Error("Failed to confirm email for user %s: %v", userID, err)
		return fmt.Errorf("failed to confirm email")
	}

	uc.publish(ctx, notification.PublishNotificationCommand{
		MessageType:         notification.TypeEmail,
		NotificationSubType: notification.SubTypeWelcome,
		Recipient:           user.Email,
		RecipientName:       user.FullName(),
	})
	return nil
}

// ForgotPassword succeeds for unknown emails too, so callers cannot probe
// which addresses are registered.
func (uc *authUseCase) ForgotPassword(ctx context.Context, email string) error {
	user, err := uc.userRepo.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, persistent.ErrNotFound) {
			uc.logger.Error("Failed to look up user %s: %v", email, err)
		}
		return nil
	}
	if !user.IsActive {
		return nil
	}

	token, err := jwt.RandomToken(32)
	if err != nil {
		uc.logger.Error("Failed to generate reset token: %v", err)
		return fmt.Errorf("failed to process request")
	}
	expires := uc.now().Add(passwordResetTTL)
	user.PasswordResetToken = token
	user.PasswordResetExpiresAt = &expires
	if err := uc.userRepo.Update(ctx, user); err != nil {
		uc.logger.Error("Failed to store reset token for user %s: %v", user.ID, err)
		return fmt.Errorf("failed to process request")
	}

	link := user.ID + "/" + token
	uc.publish(ctx, notification.PublishNotificationCommand{
		MessageType:         notification.TypeEmail,
		NotificationSubType: notification.SubTypePasswordReset,
		Recipient:           user.Email,
		RecipientName:       user.FullName(),
		MessageLink:         link,
	})
	if user.PhoneNumber != "" {
		uc.publish(ctx, notification.PublishNotificationCommand{
			MessageType:         notification.TypeSMS,
			NotificationSubType: notification.SubTypePasswordReset,
			Recipient:           user.PhoneNumber,
			RecipientName:       user.FullName(),
			MessageLink:         link,
		})
	}
	return nil
}

func (uc *authUseCase) ResetPassword(ctx context.Context, userID, token, newPassword string) error {
	user, err := uc.userRepo.GetByID(ctx, userID)
	if err != nil {
		return ErrInvalidToken
	}
	if user.PasswordResetExpiresAt == nil || !uc.now().Before(*user.PasswordResetExpiresAt) {
		return ErrInvalidToken
	}
	if !tokensEqual(user.PasswordResetToken, token) {
		return ErrInvalidToken
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		uc.logger.Error("Failed to hash password: %v", err)
		return fmt.Errorf("failed to reset password")
	}

	user.Password = string(hashedPassword)
	user.PasswordResetToken = ""
	user.PasswordResetExpiresAt = nil
	if err := uc.userRepo.UpdatePassword(ctx, user); err != nil {
		uc.logger.Error("Failed to reset password for user %s: %v", userID, err)
		return fmt.Errorf("failed to reset password")
	}

	uc.publish(ctx, notification.PublishNotificationCommand{
		MessageType:         notification.TypeEmail,
		NotificationSubType: notification.SubTypePasswordChanged,
		Recipient:           user.Email,
		RecipientName:       user.FullName(),
	})
	return nil
}

func (uc *authUseCase) GetUser(ctx context.Context, userID string) (*entity.User, error) {
	user, err := uc.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, persistent.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user.Sanitized(), nil
}

func (uc *authUseCase) newRefreshToken(userID, remoteIP string) (*entity.RefreshToken, error) {
	value, err := jwt.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	return &entity.RefreshToken{
		UserID:    userID,
		Token:     value,
		RemoteIP:  remoteIP,
		ExpiresAt: uc.now().Add(uc.refreshTTL),
	}, nil
}

func (uc *authUseCase) issue(user *entity.User, refresh *entity.RefreshToken) (*entity.Tokens, error) {
	access, err := uc.jwtService.GenerateToken(user.ID, string(user.Role))
	if err != nil {
		uc.logger.Error("Failed to generate token: %v", err)
		return nil, fmt.Errorf("failed to generate token")
	}
	return &entity.Tokens{
		AccessToken:  access,
		RefreshToken: refresh.Token,
		ExpiresAt:    refresh.ExpiresAt,
	}, nil
}

// publish never fails the calling operation: the state change is already
// committed and the user can ask for the notification again.
func (uc *authUseCase) publish(ctx context.Context, cmd notification.PublishNotificationCommand) {
	if uc.events == nil {
		return
	}
	if err := uc.events.Publish(ctx, cmd); err != nil {
		uc.logger.Error("Failed to publish %s/%s notification for %s: %v",
			cmd.MessageType, cmd.NotificationSubType, cmd.Recipient, err)
	}
}

func tokensEqual(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
