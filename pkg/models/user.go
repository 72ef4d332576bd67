package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type User struct {
	ID                     string         `gorm:"type:uuid;primary_key" json:"id"`
	FirstName              string         `gorm:"type:varchar(100);not null" json:"first_name"`
	LastName               string         `gorm:"type:varchar(100);not null" json:"last_name"`
	Email                  string         `gorm:"uniqueIndex;not null" json:"email"`
	PhoneNumber            string         `gorm:"type:varchar(32)" json:"phone_number"`
	Password               string         `gorm:"not null" json:"-"`
	Role                   UserRole       `gorm:"type:varchar(20);default:'user'" json:"role"`
	IsActive               bool           `gorm:"default:true" json:"is_active"`
	EmailConfirmed         bool           `gorm:"default:false" json:"email_confirmed"`
	EmailConfirmToken      string         `gorm:"type:varchar(128)" json:"-"`
	PasswordResetToken     string         `gorm:"type:varchar(128)" json:"-"`
	PasswordResetExpiresAt *time.Time     `json:"-"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
	DeletedAt              gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

func (u *User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}
