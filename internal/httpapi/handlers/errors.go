package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-support/internal/auth"
	"github.com/suPer8Hu/ai-support/internal/chat"
	"github.com/suPer8Hu/ai-support/internal/common"
	"github.com/suPer8Hu/ai-support/internal/httpapi/middleware"
)

// writeError is the single place domain errors become HTTP responses.
// Anything unrecognised is logged and answered with the generic 500 body.
func (h *Handler) writeError(c *gin.Context, err error) {
	var rl *chat.RateLimitedError
	var perr *chat.ProviderError
	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "Invalid token")
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "Session not found")
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrPasswordTooLong):
		common.Fail(c, http.StatusBadRequest, common.CodeBadRequest, err.Error())
	case errors.Is(err, auth.ErrEmailTaken):
		common.Fail(c, http.StatusConflict, common.CodeConflict, "Email already registered")
	case errors.Is(err, auth.ErrInvalidCredentials):
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "Invalid email or password")
	case errors.As(err, &rl):
		c.Header("Retry-After", strconv.Itoa(rl.Result.ResetSeconds))
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.Result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(rl.Result.Remaining))
		common.Fail(c, http.StatusTooManyRequests, common.CodeRateLimited, "Too many requests")
	case errors.As(err, &perr):
		h.Log.Error().Err(perr.Err).
			Str("request_id", middleware.RequestIDFrom(c)).
			Uint64("user_message_id", perr.UserMessageID).
			Msg("completion failed")
		common.Internal(c)
	default:
		h.Log.Error().Err(err).
			Str("request_id", middleware.RequestIDFrom(c)).
			Str("path", c.Request.URL.Path).
			Msg("request failed")
		common.Internal(c)
	}
}
