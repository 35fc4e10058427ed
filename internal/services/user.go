package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/debtdesk/apiserver/internal/store"
	"github.com/debtdesk/apiserver/types"
)

// maxPasswordBytes is the longest input bcrypt hashes.
const maxPasswordBytes = 72

var validRoles = map[string]bool{
	types.RoleAdmin:      true,
	types.RoleManager:    true,
	types.RoleSupervisor: true,
	types.RoleAgent:      true,
}

// NewUser carries the fields needed to provision an operator account.
type NewUser struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      string
}

// UserService encapsulates user use-cases.
type UserService struct {
	repo   UserRepository
	hasher *PasswordHasher
}

func NewUserService(repo UserRepository, hasher *PasswordHasher) *UserService {
	return &UserService{repo: repo, hasher: hasher}
}

func (s *UserService) GetByID(ctx context.Context, id int) (types.User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return types.User{}, err
	}
	return user.Sanitized(), nil
}

// Create provisions an active user with a hashed password.
func (s *UserService) Create(ctx context.Context, in NewUser) (types.User, error) {
	in.Email = strings.TrimSpace(in.Email)
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return types.User{}, fmt.Errorf("invalid email %q", in.Email)
	}
	if len(in.Password) < 8 {
		return types.User{}, errors.New("password must be at least 8 characters")
	}
	if len(in.Password) > maxPasswordBytes {
		return types.User{}, fmt.Errorf("password must be at most %d bytes", maxPasswordBytes)
	}
	if in.Role == "" {
		in.Role = types.RoleAgent
	}
	if !validRoles[in.Role] {
		return types.User{}, fmt.Errorf("invalid role %q", in.Role)
	}

	if _, err := s.repo.GetByEmail(ctx, in.Email); err == nil {
		return types.User{}, fmt.Errorf("user %s already exists", in.Email)
	} else if !errors.Is(err, store.ErrNotFound) {
		return types.User{}, fmt.Errorf("check user: %w", err)
	}

	hash, err := s.hasher.HashPassword(ctx, in.Password)
	if err != nil {
		return types.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.repo.Create(ctx, types.User{
		Email:        in.Email,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Role:         in.Role,
		PasswordHash: hash,
		IsActive:     true,
	})
	if err != nil {
		return types.User{}, err
	}
	return user.Sanitized(), nil
}

// SetActive enables or disables sign-in for the user with the given email.
func (s *UserService) SetActive(ctx context.Context, email string, active bool) error {
	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	return s.repo.SetActive(ctx, user.ID, active)
}
