package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"mailflow/pkg/broker"
	"mailflow/pkg/config"
	"mailflow/pkg/database"
	"mailflow/pkg/jwt"
	"mailflow/pkg/logger"
	"mailflow/pkg/messaging"
	"mailflow/pkg/models"
	"mailflow/pkg/notification"
	"mailflow/pkg/s3"
	"mailflow/pkg/templates"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func main() {
	var (
		email         = flag.String("email", "demo@mailflow.local", "demo user email")
		phone         = flag.String("phone", "", "demo user phone number (E.164)")
		password      = flag.String("password", "password123", "demo user password")
		withTemplates = flag.Bool("templates", false, "upload embedded templates to the S3 template bucket")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log := logger.New()
	defer func() { _ = log.Sync() }()

	db, err := database.NewPostgresDB(cfg)
	if err != nil {
		log.Error("Failed to connect to database: %v", err)
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if *withTemplates {
		if err := uploadTemplates(ctx, cfg, log); err != nil {
			log.Error("Failed to upload templates: %v", err)
			panic(err)
		}
	}

	user, token, err := seedUser(db, strings.ToLower(*email), *phone, *password, log)
	if err != nil {
		log.Error("Failed to seed user: %v", err)
		panic(err)
	}

	if err := publishConfirmation(ctx, cfg, user, token, log); err != nil {
		log.Error("Failed to publish confirmation: %v", err)
		panic(err)
	}

	log.Info("Database seeded successfully!")
}

// seedUser creates the demo user or resets the confirmation token of an
// existing unconfirmed one.
func seedUser(db *gorm.DB, email, phone, password string, log *logger.Logger) (*models.User, string, error) {
	token, err := jwt.RandomToken(32)
	if err != nil {
		return nil, "", err
	}

	var user models.User
	err = db.Where("email = ?", email).First(&user).Error
	switch {
	case err == nil:
		if user.EmailConfirmed {
			log.Info("User %s already confirmed, publishing anyway", email)
		}
		user.EmailConfirmToken = token
		if err := db.Save(&user).Error; err != nil {
			return nil, "", err
		}
		log.Info("Reset confirmation token for existing user %s", email)
		return &user, token, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	user = models.User{
		FirstName:         "Demo",
		LastName:          "User",
		Email:             email,
		PhoneNumber:       phone,
		Password:          string(hash),
		Role:              models.RoleUser,
		IsActive:          true,
		EmailConfirmToken: token,
	}
	if err := db.Create(&user).Error; err != nil {
		return nil, "", err
	}
	log.Info("Created user: %s (%s)", user.Email, user.ID)
	return &user, token, nil
}

func publishConfirmation(ctx context.Context, cfg *config.Config, user *models.User, token string, log *logger.Logger) error {
	writer, err := broker.NewWriter(cfg, log)
	if err != nil {
		return err
	}
	producer := messaging.NewProducer[string, notification.Message](
		writer,
		messaging.StringCodec{},
		messaging.JSONCodec[notification.Message]{},
		log,
		messaging.WithSendTimeout(cfg.PublishTimeout),
	)
	defer func() {
		if err := producer.Close(); err != nil {
			log.Warn("Error closing producer: %v", err)
		}
	}()

	link := user.ID + "/" + token
	messages := []notification.Message{
		notification.NewMessage(notification.TypeEmail, notification.SubTypeConfirmEmail, user.Email, user.FullName(), link, nil),
	}
	if user.PhoneNumber != "" {
		messages = append(messages,
			notification.NewMessage(notification.TypeSMS, notification.SubTypeConfirmEmail, user.PhoneNumber, user.FullName(), link, nil))
	}

	for _, msg := range messages {
		ack, err := producer.Send(ctx, cfg.NotificationTopic, msg.Key(), msg)
		if err != nil {
			return err
		}
		log.Info("[PRODUCER] Published %s to %s partition %d offset %d", msg, ack.Topic, ack.Partition, ack.Offset)
	}
	return nil
}

func uploadTemplates(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	s3Client, err := s3.NewClient(cfg)
	if err != nil {
		return err
	}
	if err := s3Client.EnsureBucket(ctx); err != nil {
		return err
	}

	sources, err := templates.Embedded()
	if err != nil {
		return err
	}
	for name, source := range sources {
		key, err := s3Client.Upload(ctx, name, source)
		if err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
		log.Info("Uploaded template %s to %s", name, key)
	}
	return nil
}
