package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ai-support/internal/ai"
	"github.com/suPer8Hu/ai-support/internal/metrics"
)

func TestHandleIncomingMessage_WritesUserAssistantAndUsage(t *testing.T) {
	env := newTestEnv(t, &recordingProvider{})
	sess := env.createSession(t, u64(1))

	res, err := env.orch.HandleIncomingMessage(context.Background(), Incoming{
		SessionID:  sess.ID,
		Caller:     Identity{UserID: 1},
		ClientAddr: "10.0.0.1",
		Text:       "Hello",
	})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, res.SessionID)
	assert.Equal(t, "ok", res.Reply)
	assert.Equal(t, 10, res.Usage.TotalTokens)
	assert.Equal(t, res.Usage.PromptTokens+res.Usage.CompletionTokens, res.Usage.TotalTokens)

	msgs, err := env.repo.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "ok", msgs[1].Content)
	assert.Equal(t, msgs[0].ID, res.UserMessageID)
	assert.Equal(t, msgs[1].ID, res.AssistantMessageID)

	usage, err := env.repo.ListUsage(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, msgs[1].ID, usage[0].MessageID)
	assert.Equal(t, "fake", usage[0].Provider)
	assert.Equal(t, 7, usage[0].PromptTokens)
	assert.Equal(t, 3, usage[0].CompletionTokens)
	assert.Equal(t, 10, usage[0].TotalTokens)
}

func TestHandleIncomingMessage_UsesContextWindow(t *testing.T) {
	prov := &recordingProvider{}
	window := 3
	env := newTestEnv(t, prov, func(c *OrchestratorConfig) { c.ContextWindowSize = window })
	sess := env.createSession(t, u64(2))

	// 5 messages already in history
	seedMessages(t, env.repo, sess.ID, 5)

	_, err := env.orch.HandleIncomingMessage(context.Background(), Incoming{
		SessionID: sess.ID, Caller: Identity{UserID: 2}, ClientAddr: "10.0.0.2", Text: "new",
	})
	require.NoError(t, err)

	last := prov.Last()
	require.Len(t, last, window)
	// the newest provider message is the one just sent
	assert.Equal(t, RoleUser, last[window-1].Role)
	assert.Equal(t, "new", last[window-1].Content)
}

func TestHandleIncomingMessage_FirstMessageSeesOnlyItself(t *testing.T) {
	prov := &recordingProvider{}
	env := newTestEnv(t, prov)
	sess := env.createSession(t, u64(3))

	_, err := env.orch.HandleIncomingMessage(context.Background(), Incoming{
		SessionID: sess.ID, Caller: Identity{UserID: 3}, ClientAddr: "10.0.0.3", Text: "first",
	})
	require.NoError(t, err)
	require.Len(t, prov.Last(), 1)
	assert.Equal(t, "first", prov.Last()[0].Content)
}

func TestHandleIncomingMessage_RequiresIdentity(t *testing.T) {
	env := newTestEnv(t, &recordingProvider{})
	sess := env.createSession(t, u64(1))

	_, err := env.orch.HandleIncomingMessage(context.Background(), Incoming{
		SessionID: sess.ID, ClientAddr: "10.0.0.1", Text: "hi",
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	msgs, err := env.repo.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHandleIncomingMessage_RejectsBlankText(t *testing.T) {
	env := newTestEnv(t, &recordingProvider{})
	sess := env.createSession(t, u64(1))

	_, err := env.orch.HandleIncomingMessage(context.Background(), Incoming{
		SessionID: sess.ID, Caller: Identity{UserID: 1}, ClientAddr: "10.0.0.1", Text: "   ",
	})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestHandleIncomingMessage_ForeignAndMissingSessionLookAlike(t *testing.T) {
	env := newTestEnv(t, &recordingProvider{})
	sess := env.createSession(t, u64(1))
	ctx := context.Background()

	_, foreignErr := env.orch.HandleIncomingMessage(ctx, Incoming{
		SessionID: sess.ID, Caller: Identity{UserID: 2}, ClientAddr: "10.0.0.1", Text: "hi",
	})
	_, missingErr := env.orch.HandleIncomingMessage(ctx, Incoming{
		SessionID: "01NOSUCHSESSION00000000000", Caller: Identity{UserID: 2}, ClientAddr: "10.0.0.1", Text: "hi",
	})

	require.ErrorIs(t, foreignErr, ErrNotFound)
	require.ErrorIs(t, missingErr, ErrNotFound)
	assert.Equal(t, foreignErr.Error(), missingErr.Error())

	msgs, err := env.repo.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "foreign caller must not write into the session")
}

func TestHandleIncomingMessage_UnownedSessionIsNotFound(t *testing.T) {
	env := newTestEnv(t, &recordingProvider{})
	sess := env.createSession(t, nil)

	_, err := env.orch.HandleIncomingMessage(context.Background(), Incoming{
		SessionID: sess.ID, Caller: Identity{UserID: 42}, ClientAddr: "10.0.0.1", Text: "hi",
	})
	require.ErrorIs(t, err, ErrNotFound)

	msgs, err := env.repo.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHandleIncomingMessage_WithoutLimiterSkipsAdmission(t *testing.T) {
	env := newTestEnv(t, &recordingProvider{}, func(c *OrchestratorConfig) {
		c.Limiter = nil
		c.SessionLimit = Limit{Requests: 1, WindowSeconds: 60}
	})
	sess := env.createSession(t, u64(1))
	in := Incoming{SessionID: sess.ID, Caller: Identity{UserID: 1}, ClientAddr: "10.0.0.1", Text: "hi"}

	for i := 0; i < 3; i++ {
		_, err := env.orch.HandleIncomingMessage(context.Background(), in)
		require.NoError(t, err)
	}
}

func TestHandleIncomingMessage_SessionLimit(t *testing.T) {
	env := newTestEnv(t, &recordingProvider{}, func(c *OrchestratorConfig) {
		c.SessionLimit = Limit{Requests: 2, WindowSeconds: 60}
	})
	sess := env.createSession(t, u64(1))
	ctx := context.Background()
	in := Incoming{SessionID: sess.ID, Caller: Identity{UserID: 1}, ClientAddr: "10.0.0.1", Text: "hi"}

	for i := 0; i < 2; i++ {
		_, err := env.orch.HandleIncomingMessage(ctx, in)
		require.NoError(t, err)
	}

	_, err := env.orch.HandleIncomingMessage(ctx, in)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "session", rl.Scope)
	assert.False(t, rl.Result.Allowed)
	assert.Equal(t, 0, rl.Result.Remaining)
	assert.Equal(t, 2, rl.Result.Limit)
	assert.Positive(t, rl.Result.ResetSeconds)

	// the rejected request wrote nothing
	msgs, err := env.repo.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestHandleIncomingMessage_IPLimitReportedFirst(t *testing.T) {
	env := newTestEnv(t, &recordingProvider{}, func(c *OrchestratorConfig) {
		c.IPLimit = Limit{Requests: 1, WindowSeconds: 60}
		c.SessionLimit = Limit{Requests: 1, WindowSeconds: 60}
	})
	sess := env.createSession(t, u64(1))
	ctx := context.Background()
	in := Incoming{SessionID: sess.ID, Caller: Identity{UserID: 1}, ClientAddr: "10.0.0.9", Text: "hi"}

	_, err := env.orch.HandleIncomingMessage(ctx, in)
	require.NoError(t, err)

	// both limits are now exceeded; ip is checked first
	_, err = env.orch.HandleIncomingMessage(ctx, in)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "ip", rl.Scope)
}

func TestHandleIncomingMessage_ProviderFailureLeavesOrphan(t *testing.T) {
	reporter := &recordingReporter{}
	env := newTestEnv(t, failingProvider{err: errors.New("backend down")}, func(c *OrchestratorConfig) {
		c.Orphans = reporter
	})
	sess := env.createSession(t, u64(1))
	ctx := context.Background()

	_, err := env.orch.HandleIncomingMessage(ctx, Incoming{
		SessionID: sess.ID, Caller: Identity{UserID: 1}, ClientAddr: "10.0.0.1", Text: "hello?",
	})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "backend down")

	msgs, err := env.repo.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, msgs[0].ID, perr.UserMessageID)

	usage, err := env.repo.ListUsage(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, usage)

	require.Len(t, reporter.orphans, 1)
	assert.Equal(t, msgs[0].ID, reporter.orphans[0].UserMessageID)
	assert.Equal(t, sess.ID, reporter.orphans[0].SessionID)
	assert.Equal(t, uint64(1), reporter.orphans[0].UserID)
}

func TestHandleIncomingMessage_ProviderTimeout(t *testing.T) {
	env := newTestEnv(t, blockingProvider{}, func(c *OrchestratorConfig) {
		c.ProviderTimeout = 20 * time.Millisecond
	})
	sess := env.createSession(t, u64(1))

	start := time.Now()
	_, err := env.orch.HandleIncomingMessage(context.Background(), Incoming{
		SessionID: sess.ID, Caller: Identity{UserID: 1}, ClientAddr: "10.0.0.1", Text: "hi",
	})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRepairExchange_CompletesLatestOrphan(t *testing.T) {
	env := newTestEnv(t, &recordingProvider{})
	sess := env.createSession(t, u64(1))
	ctx := context.Background()

	orphan := &Message{SessionID: sess.ID, Role: RoleUser, Content: "lost"}
	require.NoError(t, env.repo.InsertMessage(ctx, orphan))

	out, err := env.orch.RepairExchange(ctx, &RepairJob{UserID: 1, SessionID: sess.ID, UserMessageID: orphan.ID})
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.NotZero(t, out.AssistantMessageID)

	msgs, err := env.repo.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleAssistant, msgs[1].Role)

	usage, err := env.repo.ListUsage(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, out.AssistantMessageID, usage[0].MessageID)
}

func TestRepairExchange_SkipsSupersededOrphan(t *testing.T) {
	env := newTestEnv(t, &recordingProvider{})
	sess := env.createSession(t, u64(1))
	ctx := context.Background()

	orphan := &Message{SessionID: sess.ID, Role: RoleUser, Content: "lost"}
	require.NoError(t, env.repo.InsertMessage(ctx, orphan))
	require.NoError(t, env.repo.InsertMessage(ctx, &Message{SessionID: sess.ID, Role: RoleUser, Content: "again"}))

	out, err := env.orch.RepairExchange(ctx, &RepairJob{UserID: 1, SessionID: sess.ID, UserMessageID: orphan.ID})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, "superseded", out.Reason)

	msgs, err := env.repo.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestRepairExchange_SkipsMissingSession(t *testing.T) {
	env := newTestEnv(t, &recordingProvider{})

	out, err := env.orch.RepairExchange(context.Background(), &RepairJob{UserID: 1, SessionID: "01GONE00000000000000000000", UserMessageID: 1})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
}

// cancellingProvider answers successfully after its caller has given up.
type cancellingProvider struct{ cancel context.CancelFunc }

func (p cancellingProvider) Complete(ctx context.Context, messages []ai.Message) (ai.Completion, error) {
	p.cancel()
	return ai.Completion{Text: "late but fine", Provider: "fake", Model: "fake-1", PromptTokens: 2, CompletionTokens: 2}, nil
}

func TestHandleIncomingMessage_ReplyPersistedAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reporter := &recordingReporter{}
	env := newTestEnv(t, cancellingProvider{cancel: cancel}, func(c *OrchestratorConfig) {
		c.Orphans = reporter
	})
	sess := env.createSession(t, u64(1))

	res, err := env.orch.HandleIncomingMessage(ctx, Incoming{
		SessionID: sess.ID, Caller: Identity{UserID: 1}, ClientAddr: "10.0.0.1", Text: "still there?",
	})
	require.NoError(t, err)
	assert.Equal(t, "late but fine", res.Reply)

	msgs, err := env.repo.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleAssistant, msgs[1].Role)

	usage, err := env.repo.ListUsage(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, msgs[1].ID, usage[0].MessageID)
	assert.Empty(t, reporter.orphans)
}

// assistantWriteFails stores everything except assistant replies.
type assistantWriteFails struct{ *Repo }

func (s assistantWriteFails) InsertMessage(ctx context.Context, m *Message) error {
	if m.Role == RoleAssistant {
		return errors.New("disk full")
	}
	return s.Repo.InsertMessage(ctx, m)
}

func TestHandleIncomingMessage_StoreFailureAfterUserMessageLeavesOrphan(t *testing.T) {
	reporter := &recordingReporter{}
	env := newTestEnv(t, &recordingProvider{})
	env.orch = NewOrchestrator(OrchestratorConfig{
		Store:    assistantWriteFails{env.repo},
		Limiter:  newTestLimiter(t),
		Provider: env.prov,
		Orphans:  reporter,
		Logger:   zerolog.Nop(),
	})
	sess := env.createSession(t, u64(1))

	_, err := env.orch.HandleIncomingMessage(context.Background(), Incoming{
		SessionID: sess.ID, Caller: Identity{UserID: 1}, ClientAddr: "10.0.0.1", Text: "hello?",
	})
	require.Error(t, err)
	var perr *ProviderError
	assert.False(t, errors.As(err, &perr))

	msgs, err := env.repo.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.Len(t, reporter.orphans, 1)
	assert.Equal(t, msgs[0].ID, reporter.orphans[0].UserMessageID)
	assert.Contains(t, reporter.orphans[0].Cause, "disk full")
}

// providerCalls returns the observation count of each provider/result series.
func providerCalls(t *testing.T, reg *prometheus.Registry) map[string]uint64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := map[string]uint64{}
	for _, mf := range families {
		if mf.GetName() != "aisupport_provider_call_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var provider, result string
			for _, l := range m.GetLabel() {
				switch l.GetName() {
				case "provider":
					provider = l.GetValue()
				case "result":
					result = l.GetValue()
				}
			}
			out[provider+"/"+result] = m.GetHistogram().GetSampleCount()
		}
	}
	return out
}

func TestHandleIncomingMessage_FailedCallLabelledWithConfiguredProvider(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnv(t, failingProvider{err: errors.New("connection refused")}, func(c *OrchestratorConfig) {
		c.ProviderName = "ollama"
		c.Metrics = metrics.New(reg)
	})
	sess := env.createSession(t, u64(1))

	_, err := env.orch.HandleIncomingMessage(context.Background(), Incoming{
		SessionID: sess.ID, Caller: Identity{UserID: 1}, ClientAddr: "10.0.0.1", Text: "hi",
	})
	require.Error(t, err)

	calls := providerCalls(t, reg)
	assert.Equal(t, uint64(1), calls["ollama/error"])
	assert.NotContains(t, calls, "unknown/error")
}

func TestHandleIncomingMessage_ProviderReportedNameWins(t *testing.T) {
	reg := prometheus.NewRegistry()
	env := newTestEnv(t, &recordingProvider{}, func(c *OrchestratorConfig) {
		c.ProviderName = "openrouter"
		c.Metrics = metrics.New(reg)
	})
	sess := env.createSession(t, u64(1))

	_, err := env.orch.HandleIncomingMessage(context.Background(), Incoming{
		SessionID: sess.ID, Caller: Identity{UserID: 1}, ClientAddr: "10.0.0.1", Text: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), providerCalls(t, reg)["fake/ok"])
}
