package entity

import "time"

type RefreshToken struct {
	ID        string
	UserID    string
	Token     string
	RemoteIP  string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

func (t *RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// Tokens is the credential pair returned by register, login and refresh.
type Tokens struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"refreshTokenExpiresAt"`
}
