package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ai-support/internal/ai"
	"github.com/suPer8Hu/ai-support/internal/ratelimit"
	"github.com/suPer8Hu/ai-support/internal/store/redisstore"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(Tables()...))
	return db
}

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	// pinned to a window start so a test never straddles two windows
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	return ratelimit.New(redisstore.NewFromClient(rdb), ratelimit.WithClock(func() time.Time { return now }))
}

type recordingProvider struct {
	mu   sync.Mutex
	last []ai.Message
}

func (p *recordingProvider) Complete(ctx context.Context, messages []ai.Message) (ai.Completion, error) {
	_ = ctx
	p.mu.Lock()
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
	p.mu.Unlock()
	return ai.Completion{
		Text:             "ok",
		Provider:         "fake",
		Model:            "fake-1",
		PromptTokens:     7,
		CompletionTokens: 3,
	}, nil
}

func (p *recordingProvider) Last() []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type failingProvider struct{ err error }

func (p failingProvider) Complete(ctx context.Context, messages []ai.Message) (ai.Completion, error) {
	return ai.Completion{}, p.err
}

// blockingProvider waits until its context ends.
type blockingProvider struct{}

func (blockingProvider) Complete(ctx context.Context, messages []ai.Message) (ai.Completion, error) {
	<-ctx.Done()
	return ai.Completion{}, ctx.Err()
}

type recordingReporter struct {
	mu      sync.Mutex
	orphans []Orphan
}

func (r *recordingReporter) ReportOrphan(ctx context.Context, o Orphan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphans = append(r.orphans, o)
	return nil
}

type testEnv struct {
	db   *gorm.DB
	repo *Repo
	prov ai.Provider
	orch *Orchestrator
}

func newTestEnv(t *testing.T, prov ai.Provider, mutate ...func(*OrchestratorConfig)) *testEnv {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	cfg := OrchestratorConfig{
		Store:             repo,
		Limiter:           newTestLimiter(t),
		Provider:          prov,
		IPLimit:           Limit{Requests: 30, WindowSeconds: 60},
		SessionLimit:      Limit{Requests: 15, WindowSeconds: 60},
		ContextWindowSize: 20,
		ProviderTimeout:   time.Second,
		Logger:            zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return &testEnv{db: db, repo: repo, prov: prov, orch: NewOrchestrator(cfg)}
}

func (e *testEnv) createSession(t *testing.T, owner *uint64) *Session {
	t.Helper()
	sid, err := NewSessionID()
	require.NoError(t, err)
	s := &Session{ID: sid, UserID: owner}
	require.NoError(t, e.repo.CreateSession(context.Background(), s))
	return s
}

func u64(v uint64) *uint64 { return &v }
