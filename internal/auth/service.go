package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/ai-support/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidInput       = errors.New("email and password required")
	ErrPasswordTooLong    = fmt.Errorf("password must be at most %d bytes", maxPasswordBytes)
)

// maxPasswordBytes is bcrypt's input limit.
const maxPasswordBytes = 72

// Service is the account side of the identity provider: signup, login and token checks.
type Service struct {
	users  *UserRepo
	tokens *TokenIssuer
}

func NewService(users *UserRepo, tokens *TokenIssuer) *Service {
	return &Service{users: users, tokens: tokens}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) Signup(ctx context.Context, email, password string) (string, *models.User, error) {
	email = normalizeEmail(email)
	if !strings.Contains(email, "@") || password == "" {
		return "", nil, ErrInvalidInput
	}
	if len(password) > maxPasswordBytes {
		return "", nil, ErrPasswordTooLong
	}

	exists, err := s.users.EmailExists(ctx, email)
	if err != nil {
		return "", nil, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return "", nil, ErrEmailTaken
	}

	hash, err := HashPassword(password)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", nil, ErrPasswordTooLong
		}
		return "", nil, fmt.Errorf("hash password: %w", err)
	}

	u := &models.User{Email: email, PasswordHash: hash}
	if err := s.users.Create(ctx, u); err != nil {
		// lost a race against a concurrent signup; the unique index decides
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", nil, ErrEmailTaken
		}
		if again, _ := s.users.EmailExists(ctx, email); again {
			return "", nil, ErrEmailTaken
		}
		return "", nil, fmt.Errorf("create user: %w", err)
	}

	token, err := s.tokens.Issue(u.ID)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return token, u, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return "", nil, ErrInvalidCredentials
	}

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("load user: %w", err)
	}
	if !CheckPassword(password, u.PasswordHash) {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(u.ID)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return token, u, nil
}

// Verify maps a bearer token to its subject user id.
func (s *Service) Verify(token string) (uint64, error) {
	return s.tokens.Verify(token)
}

func (s *Service) UserByID(ctx context.Context, id uint64) (*models.User, error) {
	return s.users.GetByID(ctx, id)
}
