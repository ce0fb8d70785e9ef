package auth

import "time"

// User represents an authenticated user account.
type User struct {
	ID                int64
	Email             string
	Name              string
	PasswordHash      string
	IsActive          bool
	TwoFactorRequired bool
	TwoFactorEnabled  bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
