package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RoleStore resolves the portal role for a user id. An unknown user has the
// empty role.
type RoleStore interface {
	Role(ctx context.Context, userID string) (string, error)
}

type PostgresRoles struct {
	pool *pgxpool.Pool
}

func NewPostgresRoles(pool *pgxpool.Pool) *PostgresRoles {
	return &PostgresRoles{pool: pool}
}

func (s *PostgresRoles) Role(ctx context.Context, userID string) (string, error) {
	var role *string
	err := s.pool.QueryRow(ctx, `SELECT role FROM profiles WHERE id = $1`, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query profile role: %w", err)
	}
	if role == nil {
		return "", nil
	}
	return *role, nil
}
