package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/idot-digital/usersync/internal/models"
)

// MemoryStore keeps users in a map. Used by tests and the "memory" driver.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*models.User),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, fields models.UserFields) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[fields.ClerkID]; exists {
		return nil, ErrUserExists
	}

	now := s.now()
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
	s.users[fields.ClerkID] = user
	copied := *user
	return &copied, nil
}

func (s *MemoryStore) UpdateUser(ctx context.Context, clerkID string, fields models.UserFields) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[clerkID]
	if !exists {
		return nil, ErrUserNotFound
	}
	user.Username = fields.Username
	user.FirstName = fields.FirstName
	user.LastName = fields.LastName
	user.Photo = fields.Photo
	user.UpdatedAt = s.now()

	copied := *user
	return &copied, nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, clerkID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[clerkID]
	if !exists {
		return nil, ErrUserNotFound
	}
	delete(s.users, clerkID)
	return user, nil
}

func (s *MemoryStore) GetUserByClerkID(ctx context.Context, clerkID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[clerkID]
	if !exists {
		return nil, ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
