package auth

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ai-support/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.User{}))
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewUserRepo(openTestDB(t)), NewTokenIssuer("test-secret", time.Hour))
}

func TestSignup_IssuesTokenForNewUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, u, err := svc.Signup(ctx, "  Alice@Example.com ", "pw")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.NotZero(t, u.ID)

	id, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id)
}

func TestSignup_DuplicateEmail(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Signup(ctx, "bob@example.com", "pw")
	require.NoError(t, err)

	_, _, err = svc.Signup(ctx, "BOB@example.com", "other")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestSignup_RejectsMissingFields(t *testing.T) {
	svc := newTestService(t)

	_, _, err := svc.Signup(context.Background(), "not-an-email", "pw")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = svc.Signup(context.Background(), "a@b.c", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSignup_RejectsPasswordOverBcryptLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Signup(ctx, "long@example.com", strings.Repeat("x", 73))
	require.ErrorIs(t, err, ErrPasswordTooLong)

	exists, err := svc.users.EmailExists(ctx, "long@example.com")
	require.NoError(t, err)
	assert.False(t, exists)

	// exactly at the limit is fine
	_, _, err = svc.Signup(ctx, "long@example.com", strings.Repeat("x", 72))
	require.NoError(t, err)
}

func TestHashPassword_TooLong(t *testing.T) {
	_, err := HashPassword(strings.Repeat("é", 40))
	assert.ErrorIs(t, err, bcrypt.ErrPasswordTooLong)
}

func TestLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, created, err := svc.Signup(ctx, "carol@example.com", "right")
	require.NoError(t, err)

	token, u, err := svc.Login(ctx, "carol@example.com", "right")
	require.NoError(t, err)
	assert.Equal(t, created.ID, u.ID)
	assert.NotEmpty(t, token)

	_, _, err = svc.Login(ctx, "carol@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "nobody@example.com", "right")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
