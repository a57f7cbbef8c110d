package chat

import (
	"context"

	"github.com/suPer8Hu/ai-support/internal/ai"
)

const defaultContextWindow = 20

type recentLister interface {
	ListRecentMessagesDesc(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// ContextBuilder assembles the bounded history handed to the completion provider.
type ContextBuilder struct {
	store      recentLister
	defaultMax int
}

func NewContextBuilder(store recentLister, defaultMax int) *ContextBuilder {
	if defaultMax <= 0 || defaultMax > 100 {
		defaultMax = defaultContextWindow
	}
	return &ContextBuilder{store: store, defaultMax: defaultMax}
}

// LoadRecentContext returns at most maxMessages of the newest messages in
// chronological order. An empty session yields an empty, non-nil slice.
func (b *ContextBuilder) LoadRecentContext(ctx context.Context, sessionID string, maxMessages int) ([]ai.Message, error) {
	if maxMessages <= 0 {
		maxMessages = b.defaultMax
	}
	recentDesc, err := b.store.ListRecentMessagesDesc(ctx, sessionID, maxMessages)
	if err != nil {
		return nil, err
	}

	// reverse to ASC (oldest -> newest); providers replay dialogue in order
	out := make([]ai.Message, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}
