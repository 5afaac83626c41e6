package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/EternisAI/silo-desktop/internal/users"
)

var (
	ErrUsernameExists     = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type RegisterResult struct {
	ID       string
	Username string
	Role     string
}

type Service struct {
	store  users.Store
	config Config
}

func NewService(store users.Store, config Config) *Service {
	return &Service{
		store:  store,
		config: config,
	}
}

func (s *Service) Register(ctx context.Context, username, password string) (RegisterResult, error) {
	if err := users.ValidatePassword(password); err != nil {
		return RegisterResult{}, err
	}

	hash, err := users.HashPassword(password)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, username, hash, users.RoleUser)
	if err != nil {
		if errors.Is(err, users.ErrUsernameExists) {
			return RegisterResult{}, ErrUsernameExists
		}
		return RegisterResult{}, fmt.Errorf("create user: %w", err)
	}

	return RegisterResult{
		ID:       user.ID,
		Username: user.Username,
		Role:     user.Role,
	}, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("query user: %w", err)
	}

	if !users.CheckPassword(password, user.PasswordHash) {
		return "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.config, user.ID, user.Username, user.Role)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	return token, nil
}
