package users

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type UserInfo struct {
	ID        string
	Username  string
	Role      string
	CreatedAt time.Time
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return ErrUserNotFound
	}

	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *Service) ListUsers(ctx context.Context, limit, offset int) ([]UserInfo, int64, error) {
	dbUsers, err := s.store.ListUsers(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}

	total, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	result := make([]UserInfo, len(dbUsers))
	for i, u := range dbUsers {
		result[i] = UserInfo{
			ID:        u.ID,
			Username:  u.Username,
			Role:      u.Role,
			CreatedAt: u.CreatedAt,
		}
	}
	return result, total, nil
}
