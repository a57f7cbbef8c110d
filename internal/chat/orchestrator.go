package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/ai-support/internal/ai"
	"github.com/suPer8Hu/ai-support/internal/metrics"
	"github.com/suPer8Hu/ai-support/internal/ratelimit"
	"gorm.io/gorm"
)

// Store is the record store the orchestrator persists an exchange into.
type Store interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	InsertMessage(ctx context.Context, m *Message) error
	ListRecentMessagesDesc(ctx context.Context, sessionID string, limit int) ([]Message, error)
	LatestMessage(ctx context.Context, sessionID string) (*Message, error)
	InsertUsage(ctx context.Context, u *Usage) error
}

type Limiter interface {
	Check(ctx context.Context, key string, limit, windowSeconds int) (ratelimit.Result, error)
}

// Orphan is a stored user message that never got a reply.
type Orphan struct {
	UserID        uint64
	SessionID     string
	UserMessageID uint64
	Cause         string
}

type OrphanReporter interface {
	ReportOrphan(ctx context.Context, o Orphan) error
}

type Limit struct {
	Requests      int
	WindowSeconds int
}

type OrchestratorConfig struct {
	Store Store
	// Limiter is optional; nil skips admission entirely, which only
	// repair-only deployments such as the worker should rely on.
	Limiter  Limiter
	Provider ai.Provider
	// ProviderName labels provider metrics when a call fails before the
	// provider reports its own name.
	ProviderName string
	// Orphans is optional; nil leaves orphaned messages for out-of-band repair.
	Orphans OrphanReporter

	IPLimit           Limit
	SessionLimit      Limit
	ContextWindowSize int
	ProviderTimeout   time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Orchestrator struct {
	store           Store
	limiter         Limiter
	provider        ai.Provider
	providerName    string
	orphans         OrphanReporter
	contexts        *ContextBuilder
	ipLimit         Limit
	sessionLimit    Limit
	contextWindow   int
	providerTimeout time.Duration
	log             zerolog.Logger
	metrics         *metrics.Metrics
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.IPLimit.Requests <= 0 || cfg.IPLimit.WindowSeconds <= 0 {
		cfg.IPLimit = Limit{Requests: 30, WindowSeconds: 60}
	}
	if cfg.SessionLimit.Requests <= 0 || cfg.SessionLimit.WindowSeconds <= 0 {
		cfg.SessionLimit = Limit{Requests: 15, WindowSeconds: 60}
	}
	if cfg.ContextWindowSize <= 0 || cfg.ContextWindowSize > 100 {
		cfg.ContextWindowSize = defaultContextWindow
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 60 * time.Second
	}
	return &Orchestrator{
		store:           cfg.Store,
		limiter:         cfg.Limiter,
		provider:        cfg.Provider,
		providerName:    cfg.ProviderName,
		orphans:         cfg.Orphans,
		contexts:        NewContextBuilder(cfg.Store, cfg.ContextWindowSize),
		ipLimit:         cfg.IPLimit,
		sessionLimit:    cfg.SessionLimit,
		contextWindow:   cfg.ContextWindowSize,
		providerTimeout: cfg.ProviderTimeout,
		log:             cfg.Logger,
		metrics:         cfg.Metrics,
	}
}

type Incoming struct {
	SessionID  string
	Caller     Identity
	ClientAddr string
	Text       string
}

type UsageSummary struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

type ExchangeResult struct {
	SessionID          string
	Reply              string
	Usage              UsageSummary
	UserMessageID      uint64
	AssistantMessageID uint64
}

// HandleIncomingMessage runs one chat exchange: admission, ownership, user
// message, context, completion, assistant message, usage. Each step's failure
// ends the exchange. The steps are not one transaction: any failure after the
// user message is stored leaves it without a reply and is reported as an
// orphan. Once the provider has answered, the reply is persisted even if ctx
// is cancelled.
func (o *Orchestrator) HandleIncomingMessage(ctx context.Context, in Incoming) (*ExchangeResult, error) {
	res, err := o.handle(ctx, in)
	o.metrics.Exchange(outcomeOf(err))
	return res, err
}

func (o *Orchestrator) handle(ctx context.Context, in Incoming) (*ExchangeResult, error) {
	// 1) caller identity
	if !in.Caller.Valid() {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(in.Text) == "" {
		return nil, ErrEmptyMessage
	}

	// 2) admission, before any persistent state is touched
	if err := o.admit(ctx, in.ClientAddr, in.SessionID); err != nil {
		return nil, err
	}

	// 3) verify session ownership
	session, err := o.store.GetSession(ctx, in.SessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !session.OwnedBy(in.Caller.UserID) {
		return nil, ErrNotFound
	}

	// 4) store user message before calling the provider, so it survives a provider failure
	userMsg := &Message{
		SessionID: session.ID,
		Role:      RoleUser,
		Content:   in.Text,
	}
	if err := o.store.InsertMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("insert user message: %w", err)
	}

	// 5-8) context, completion, assistant message, usage
	res, err := o.complete(ctx, session.ID, userMsg.ID)
	if err != nil {
		cause := err
		var perr *ProviderError
		if errors.As(err, &perr) {
			cause = perr.Err
		}
		o.reportOrphan(ctx, Orphan{
			UserID:        in.Caller.UserID,
			SessionID:     session.ID,
			UserMessageID: userMsg.ID,
			Cause:         cause.Error(),
		})
		return nil, err
	}
	return res, nil
}

// admit evaluates the per-address and per-session limits. Both counters
// advance on every call; the first rejecting check is reported.
func (o *Orchestrator) admit(ctx context.Context, clientAddr, sessionID string) error {
	if o.limiter == nil {
		return nil
	}
	if clientAddr == "" {
		clientAddr = "unknown"
	}
	ipRes, err := o.limiter.Check(ctx, "ip:"+clientAddr, o.ipLimit.Requests, o.ipLimit.WindowSeconds)
	if err != nil {
		return fmt.Errorf("ip rate limit: %w", err)
	}
	sessRes, err := o.limiter.Check(ctx, "session:"+sessionID, o.sessionLimit.Requests, o.sessionLimit.WindowSeconds)
	if err != nil {
		return fmt.Errorf("session rate limit: %w", err)
	}

	if !ipRes.Allowed {
		return &RateLimitedError{Scope: "ip", Result: ipRes}
	}
	if !sessRes.Allowed {
		return &RateLimitedError{Scope: "session", Result: sessRes}
	}
	return nil
}

// complete runs steps 5-8 for a user message that is already stored.
func (o *Orchestrator) complete(ctx context.Context, sessionID string, userMsgID uint64) (*ExchangeResult, error) {
	history, err := o.contexts.LoadRecentContext(ctx, sessionID, o.contextWindow)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, o.providerTimeout)
	start := time.Now()
	completion, err := o.provider.Complete(pctx, history)
	cancel()
	if err != nil {
		o.metrics.ProviderCall(o.providerLabel(completion), "error", time.Since(start))
		return nil, &ProviderError{UserMessageID: userMsgID, Err: err}
	}
	o.metrics.ProviderCall(o.providerLabel(completion), "ok", time.Since(start))

	// the reply is persisted even when the caller has gone away
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer wcancel()

	assistantMsg := &Message{
		SessionID: sessionID,
		Role:      RoleAssistant,
		Content:   completion.Text,
	}
	if err := o.store.InsertMessage(wctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("insert assistant message: %w", err)
	}

	usage := &Usage{
		SessionID:        sessionID,
		MessageID:        assistantMsg.ID,
		Provider:         completion.Provider,
		Model:            completion.Model,
		PromptTokens:     completion.PromptTokens,
		CompletionTokens: completion.CompletionTokens,
		TotalTokens:      completion.TotalTokens(),
	}
	if err := o.store.InsertUsage(wctx, usage); err != nil {
		return nil, fmt.Errorf("insert usage: %w", err)
	}

	return &ExchangeResult{
		SessionID: sessionID,
		Reply:     completion.Text,
		Usage: UsageSummary{
			Provider:         usage.Provider,
			Model:            usage.Model,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
		UserMessageID:      userMsgID,
		AssistantMessageID: assistantMsg.ID,
	}, nil
}

func (o *Orchestrator) reportOrphan(ctx context.Context, orphan Orphan) {
	o.metrics.Orphaned()
	o.log.Warn().
		Str("session_id", orphan.SessionID).
		Uint64("user_message_id", orphan.UserMessageID).
		Str("cause", orphan.Cause).
		Msg("user message left without reply")
	if o.orphans == nil {
		return
	}
	// the caller may already be gone; the report must still land
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.orphans.ReportOrphan(rctx, orphan); err != nil {
		o.log.Error().Err(err).
			Uint64("user_message_id", orphan.UserMessageID).
			Msg("report orphan failed")
	}
}

// RepairOutcome is the result of an out-of-band repair attempt.
type RepairOutcome struct {
	Skipped            bool
	Reason             string
	AssistantMessageID uint64
}

// RepairExchange finishes an orphaned exchange by re-running the completion
// steps. It only acts while the orphan is still the newest message of its
// session; anything newer means the conversation moved on.
func (o *Orchestrator) RepairExchange(ctx context.Context, job *RepairJob) (RepairOutcome, error) {
	session, err := o.store.GetSession(ctx, job.SessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RepairOutcome{Skipped: true, Reason: "session gone"}, nil
		}
		return RepairOutcome{}, fmt.Errorf("load session: %w", err)
	}
	if !session.OwnedBy(job.UserID) {
		return RepairOutcome{Skipped: true, Reason: "owner changed"}, nil
	}

	latest, err := o.store.LatestMessage(ctx, session.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RepairOutcome{Skipped: true, Reason: "no messages"}, nil
		}
		return RepairOutcome{}, fmt.Errorf("load latest message: %w", err)
	}
	if latest.ID != job.UserMessageID || latest.Role != RoleUser {
		return RepairOutcome{Skipped: true, Reason: "superseded"}, nil
	}

	res, err := o.complete(ctx, session.ID, job.UserMessageID)
	if err != nil {
		return RepairOutcome{}, err
	}
	return RepairOutcome{AssistantMessageID: res.AssistantMessageID}, nil
}

func (o *Orchestrator) providerLabel(c ai.Completion) string {
	switch {
	case c.Provider != "":
		return c.Provider
	case o.providerName != "":
		return o.providerName
	default:
		return "unknown"
	}
}

func outcomeOf(err error) string {
	var rl *RateLimitedError
	var perr *ProviderError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrEmptyMessage):
		return "bad_request"
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &perr):
		return "provider_failure"
	default:
		return "error"
	}
}
