package users

import "time"

// User represents a managed account together with its role set.
type User struct {
	ID               int64
	Email            string
	Name             string
	IsActive         bool
	TwoFactorEnabled bool
	RoleNames        []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
