package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/ai-support/internal/models"
	"gorm.io/gorm"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID uint64
	Email  string
}

func (i Identity) Valid() bool { return i.UserID != 0 }

// IdentityVerifier maps bearer tokens to users.
type IdentityVerifier interface {
	Verify(token string) (uint64, error)
	UserByID(ctx context.Context, id uint64) (*models.User, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsByUser(ctx context.Context, userID uint64) ([]Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	ListUsage(ctx context.Context, sessionID string) ([]Usage, error)
}

type SessionSummary struct {
	ID        string
	Title     *string
	CreatedAt time.Time
}

// DisplayTitle falls back to the creation time when no title was given.
func (s SessionSummary) DisplayTitle() string {
	if s.Title != nil && *s.Title != "" {
		return *s.Title
	}
	return s.CreatedAt.UTC().Format("2006-01-02 15:04")
}

func summaryOf(s *Session) SessionSummary {
	return SessionSummary{ID: s.ID, Title: s.Title, CreatedAt: s.CreatedAt}
}

// Gateway resolves callers and guards every session read behind ownership.
type Gateway struct {
	verifier IdentityVerifier
	store    SessionStore
}

func NewGateway(verifier IdentityVerifier, store SessionStore) *Gateway {
	return &Gateway{verifier: verifier, store: store}
}

// Authorize turns a bearer token into an Identity. Any verification failure,
// including a user deleted after the token was issued, is ErrUnauthorized.
func (g *Gateway) Authorize(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	uid, err := g.verifier.Verify(token)
	if err != nil {
		return Identity{}, ErrUnauthorized
	}
	u, err := g.verifier.UserByID(ctx, uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Identity{}, ErrUnauthorized
		}
		return Identity{}, fmt.Errorf("load user: %w", err)
	}
	return Identity{UserID: u.ID, Email: u.Email}, nil
}

func (g *Gateway) ListSessions(ctx context.Context, id Identity) ([]SessionSummary, error) {
	if !id.Valid() {
		return nil, ErrUnauthorized
	}
	sessions, err := g.store.ListSessionsByUser(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]SessionSummary, 0, len(sessions))
	for i := range sessions {
		out = append(out, summaryOf(&sessions[i]))
	}
	return out, nil
}

func (g *Gateway) CreateSession(ctx context.Context, id Identity, title *string) (SessionSummary, error) {
	if !id.Valid() {
		return SessionSummary{}, ErrUnauthorized
	}
	if title != nil {
		t := strings.TrimSpace(*title)
		if t == "" {
			title = nil
		} else {
			title = &t
		}
	}

	sid, err := NewSessionID()
	if err != nil {
		return SessionSummary{}, err
	}
	uid := id.UserID
	s := &Session{ID: sid, UserID: &uid, Title: title}
	if err := g.store.CreateSession(ctx, s); err != nil {
		return SessionSummary{}, fmt.Errorf("create session: %w", err)
	}
	return summaryOf(s), nil
}

// OwnedSession loads a session the caller may act on. Missing and foreign
// sessions both yield ErrNotFound.
func (g *Gateway) OwnedSession(ctx context.Context, id Identity, sessionID string) (*Session, error) {
	if !id.Valid() {
		return nil, ErrUnauthorized
	}
	s, err := g.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !s.OwnedBy(id.UserID) {
		return nil, ErrNotFound
	}
	return s, nil
}

func (g *Gateway) ListMessages(ctx context.Context, id Identity, sessionID string) ([]Message, error) {
	s, err := g.OwnedSession(ctx, id, sessionID)
	if err != nil {
		return nil, err
	}
	return g.store.ListMessages(ctx, s.ID)
}

func (g *Gateway) ListUsage(ctx context.Context, id Identity, sessionID string) ([]Usage, error) {
	s, err := g.OwnedSession(ctx, id, sessionID)
	if err != nil {
		return nil, err
	}
	return g.store.ListUsage(ctx, s.ID)
}
