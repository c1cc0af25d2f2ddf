package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/idot-digital/usersync/internal/models"
)

const mysqlDuplicateEntry = 1062

const userColumns = `id, clerk_id, email, username, first_name, last_name, photo, created_at, updated_at`

type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &MySQLStore{db: db}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, mysqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) CreateUser(ctx context.Context, fields models.UserFields) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Microsecond)
	user := &models.User{
		ID:        uuid.New().String(),
		ClerkID:   fields.ClerkID,
		Email:     fields.Email,
		Username:  fields.Username,
		FirstName: fields.FirstName,
		LastName:  fields.LastName,
		Photo:     fields.Photo,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.ClerkID, user.Email, user.Username, user.FirstName, user.LastName,
		user.Photo, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (s *MySQLStore) UpdateUser(ctx context.Context, clerkID string, fields models.UserFields) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET username = ?, first_name = ?, last_name = ?, photo = ?, updated_at = ? WHERE clerk_id = ?`,
		fields.Username, fields.FirstName, fields.LastName, fields.Photo,
		time.Now().UTC().Truncate(time.Microsecond), clerkID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return s.getUser(ctx, s.db, clerkID)
}

func (s *MySQLStore) DeleteUser(ctx context.Context, clerkID string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	user, err := s.getUser(ctx, tx, clerkID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE clerk_id = ?`, clerkID); err != nil {
		return nil, fmt.Errorf("failed to delete user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return user, nil
}

func (s *MySQLStore) GetUserByClerkID(ctx context.Context, clerkID string) (*models.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return s.getUser(ctx, s.db, clerkID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *MySQLStore) getUser(ctx context.Context, q queryRower, clerkID string) (*models.User, error) {
	var user models.User
	err := q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE clerk_id = ?`, clerkID,
	).Scan(
		&user.ID, &user.ClerkID, &user.Email, &user.Username, &user.FirstName,
		&user.LastName, &user.Photo, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}
