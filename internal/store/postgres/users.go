package postgres

import (
	"context"
	"fmt"

	"genplane/internal/store"
)

func (s *Store) CreateUser(ctx context.Context, user *store.User, hashedKey string) error {
	query := `
		INSERT INTO users (id, name, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := s.db.ExecContext(ctx, query, user.ID, user.Name, hashedKey, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.ID, err)
	}
	return nil
}

func (s *Store) GetUserByAPIKeyHash(ctx context.Context, hash string) (*store.User, error) {
	query := "SELECT id, name, created_at FROM users WHERE api_key_hash = $1"

	var u store.User
	err := s.db.QueryRowContext(ctx, query, hash).Scan(&u.ID, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, err
	}

	return &u, nil
}
