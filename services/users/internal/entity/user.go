package entity

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type User struct {
	ID                     string     `json:"id"`
	FirstName              string     `json:"firstName"`
	LastName               string     `json:"lastName"`
	Email                  string     `json:"email"`
	PhoneNumber            string     `json:"phoneNumber,omitempty"`
	Password               string     `json:"-"`
	Role                   UserRole   `json:"role"`
	IsActive               bool       `json:"isActive"`
	EmailConfirmed         bool       `json:"emailConfirmed"`
	EmailConfirmToken      string     `json:"-"`
	PasswordResetToken     string     `json:"-"`
	PasswordResetExpiresAt *time.Time `json:"-"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

func (u *User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Sanitized drops credential material before the user leaves the service.
func (u *User) Sanitized() *User {
	out := *u
	out.Password = ""
	out.EmailConfirmToken = ""
	out.PasswordResetToken = ""
	out.PasswordResetExpiresAt = nil
	return &out
}
