package ai

import (
	"context"
	"unicode/utf8"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is one provider reply plus its token accounting.
type Completion struct {
	Text             string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

func (c Completion) TotalTokens() int { return c.PromptTokens + c.CompletionTokens }

// Provider turns an ordered (oldest first) conversation into the next assistant reply.
type Provider interface {
	Complete(ctx context.Context, messages []Message) (Completion, error)
}

// EstimateTokens is the rough chars/4 count used when a backend reports no usage.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

func estimatePromptTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content)
	}
	if total/4 < 1 {
		return 1
	}
	return total / 4
}

// fillUsage estimates whichever counts the backend left empty.
func fillUsage(c *Completion, messages []Message) {
	if c.PromptTokens <= 0 {
		c.PromptTokens = estimatePromptTokens(messages)
	}
	if c.CompletionTokens <= 0 {
		c.CompletionTokens = EstimateTokens(c.Text)
	}
}
