package chat

import (
	"errors"
	"fmt"

	"github.com/suPer8Hu/ai-support/internal/ratelimit"
)

var (
	// ErrNotFound covers both a missing session and one owned by someone else.
	ErrNotFound     = errors.New("session not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrEmptyMessage = errors.New("message is empty")
)

// RateLimitedError carries the result of the first check that rejected the request.
type RateLimitedError struct {
	Scope  string
	Result ratelimit.Result
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s): retry in %ds", e.Scope, e.Result.ResetSeconds)
}

// ProviderError means the completion call failed or timed out after the
// user message was stored; UserMessageID is left without a reply.
type ProviderError struct {
	UserMessageID uint64
	Err           error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("completion provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
