package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/ai-support/internal/chat"
	"github.com/suPer8Hu/ai-support/internal/common"
)

const IdentityKey = "identity"

type Authorizer interface {
	Authorize(ctx context.Context, token string) (chat.Identity, error)
}

// AuthRequired resolves the bearer token into a chat.Identity stored on the context.
func AuthRequired(a Authorizer, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(h, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "Missing token")
			return
		}

		id, err := a.Authorize(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, chat.ErrUnauthorized) {
				common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "Invalid token")
				return
			}
			log.Error().Err(err).Str("request_id", RequestIDFrom(c)).Msg("authorize")
			common.Internal(c)
			return
		}

		c.Set(IdentityKey, id)
		c.Next()
	}
}

func IdentityFrom(c *gin.Context) (chat.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return chat.Identity{}, false
	}
	id, ok := v.(chat.Identity)
	return id, ok && id.Valid()
}
