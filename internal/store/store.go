// Package store persists synced user records. The dispatcher only sees the
// Store interface; backends are chosen by configuration.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/idot-digital/usersync/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

type Store interface {
	CreateUser(ctx context.Context, fields models.UserFields) (*models.User, error)
	UpdateUser(ctx context.Context, clerkID string, fields models.UserFields) (*models.User, error)
	DeleteUser(ctx context.Context, clerkID string) (*models.User, error)
	GetUserByClerkID(ctx context.Context, clerkID string) (*models.User, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Open returns the backend named by driver, connected to dsn and with the
// schema applied.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverMySQL, "":
		return NewMySQLStore(ctx, dsn)
	case DriverPostgres:
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
