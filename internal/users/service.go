package users

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/fleetops/fleetops/internal/shared"
)

// ErrDuplicateEmail indicates the email address is already registered.
var ErrDuplicateEmail = errors.New("email already registered")

// RoleDirectory is the slice of the role engine user management needs.
type RoleDirectory interface {
	ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64) error
	EffectivePermissions(ctx context.Context, userID int64) ([]string, error)
}

// Service handles user management business logic.
type Service struct {
	repo  Repository
	roles RoleDirectory
}

// NewService builds a Service instance.
func NewService(repo Repository, roles RoleDirectory) *Service {
	return &Service{repo: repo, roles: roles}
}

// ListUsers returns a page of users.
func (s *Service) ListUsers(ctx context.Context, page, perPage int) ([]User, shared.Pagination, error) {
	return s.repo.ListUsers(ctx, page, perPage)
}

// GetUser fetches a single user.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.repo.GetUser(ctx, id)
}

// CreateUser registers a new account with a bcrypt password hash.
func (s *Service) CreateUser(ctx context.Context, email, name, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	return s.repo.CreateUser(ctx, email, strings.TrimSpace(name), string(hash))
}

// SetActive toggles an account on or off.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) error {
	return s.repo.SetActive(ctx, id, active)
}

// ReplaceRoles swaps a user's role set. Second-factor policy for the
// new set is provisioned in the same transaction as the assignment
// rows, so a mandatory role can never land without its enforcement.
func (s *Service) ReplaceRoles(ctx context.Context, userID int64, roleIDs []int64) (User, error) {
	if _, err := s.repo.GetUser(ctx, userID); err != nil {
		return User{}, err
	}
	if err := s.roles.ReplaceUserRoles(ctx, userID, roleIDs); err != nil {
		return User{}, err
	}
	return s.repo.GetUser(ctx, userID)
}

// Permissions resolves the effective permission names for a user.
func (s *Service) Permissions(ctx context.Context, userID int64) ([]string, error) {
	return s.roles.EffectivePermissions(ctx, userID)
}
