package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/idot-digital/usersync/internal/models"
)

// setupMySQL starts a MySQL container and returns a connected store.
func setupMySQL(t *testing.T) *MySQLStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MySQL integration test in short mode")
	}
	ctx := context.Background()

	container, err := mysql.Run(ctx,
		"mysql:8.0.36",
		mysql.WithDatabase("usersync_test"),
		mysql.WithUsername("test"),
		mysql.WithPassword("test"),
	)
	if err != nil {
		t.Skipf("MySQL container unavailable: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "parseTime=true")
	require.NoError(t, err)

	s, err := NewMySQLStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMySQLStore_Lifecycle(t *testing.T) {
	s := setupMySQL(t)
	ctx := context.Background()

	created, err := s.CreateUser(ctx, models.UserFields{ClerkID: "user_my", Email: "my@example.com"})
	require.NoError(t, err)
	assert.Len(t, created.ID, 36)
	assert.Equal(t, "", created.Photo)

	fetched, err := s.GetUserByClerkID(ctx, "user_my")
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
	assert.WithinDuration(t, created.CreatedAt, fetched.CreatedAt, time.Millisecond)
	assert.False(t, fetched.UpdatedAt.IsZero())

	_, err = s.CreateUser(ctx, models.UserFields{ClerkID: "user_my", Email: "my@example.com"})
	assert.ErrorIs(t, err, ErrUserExists)

	updated, err := s.UpdateUser(ctx, "user_my", models.UserFields{FirstName: "Grace", Email: "other@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Grace", updated.FirstName)
	assert.Equal(t, "my@example.com", updated.Email)
	assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

	_, err = s.UpdateUser(ctx, "missing", models.UserFields{})
	assert.ErrorIs(t, err, ErrUserNotFound)

	deleted, err := s.DeleteUser(ctx, "user_my")
	require.NoError(t, err)
	assert.Equal(t, created.ID, deleted.ID)
	assert.Equal(t, "Grace", deleted.FirstName)

	_, err = s.GetUserByClerkID(ctx, "user_my")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = s.DeleteUser(ctx, "user_my")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMySQLStore_SchemaIsIdempotent(t *testing.T) {
	s := setupMySQL(t)
	_, err := s.db.ExecContext(context.Background(), mysqlSchema)
	assert.NoError(t, err)
	assert.NoError(t, s.Ping(context.Background()))
}
