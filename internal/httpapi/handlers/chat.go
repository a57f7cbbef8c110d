package handlers

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-support/internal/chat"
	"github.com/suPer8Hu/ai-support/internal/common"
	"github.com/suPer8Hu/ai-support/internal/httpapi/middleware"
)

func identityFromContext(c *gin.Context) (chat.Identity, bool) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "Missing token")
	}
	return id, ok
}

// clientAddress prefers the first X-Forwarded-For hop, else the peer host.
func clientAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type sessionOut struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	id, ok := identityFromContext(c)
	if !ok {
		return
	}

	sessions, err := h.Gateway.ListSessions(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := make([]sessionOut, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionOut{ID: s.ID, Title: s.DisplayTitle(), CreatedAt: s.CreatedAt.UTC()})
	}
	common.OK(c, out)
}

type createSessionReq struct {
	Title *string `json:"title"`
}

type createdSessionOut struct {
	ID    string  `json:"id"`
	Title *string `json:"title"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	id, ok := identityFromContext(c)
	if !ok {
		return
	}

	var req createSessionReq
	// empty body means no title
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		common.Fail(c, http.StatusBadRequest, common.CodeBadRequest, "invalid json")
		return
	}

	s, err := h.Gateway.CreateSession(c.Request.Context(), id, req.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	common.OK(c, createdSessionOut{ID: s.ID, Title: s.Title})
}

type messageOut struct {
	ID        uint64    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type messagesOut struct {
	SessionID string       `json:"session_id"`
	Messages  []messageOut `json:"messages"`
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	id, ok := identityFromContext(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	msgs, err := h.Gateway.ListMessages(c.Request.Context(), id, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := messagesOut{SessionID: sessionID, Messages: make([]messageOut, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, messageOut{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC(),
		})
	}
	common.OK(c, out)
}

type sendMessageReq struct {
	Message string `json:"message"`
}

type replyOut struct {
	SessionID string            `json:"session_id"`
	Reply     string            `json:"reply"`
	Usage     chat.UsageSummary `json:"usage"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	id, ok := identityFromContext(c)
	if !ok {
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		common.Fail(c, http.StatusBadRequest, common.CodeBadRequest, "message is required")
		return
	}

	res, err := h.Orchestrator.HandleIncomingMessage(c.Request.Context(), chat.Incoming{
		SessionID:  c.Param("session_id"),
		Caller:     id,
		ClientAddr: clientAddress(c.Request),
		Text:       req.Message,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	common.OK(c, replyOut{SessionID: res.SessionID, Reply: res.Reply, Usage: res.Usage})
}

type usageRowOut struct {
	MessageID        uint64    `json:"message_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

type usageOut struct {
	SessionID string        `json:"session_id"`
	Usage     []usageRowOut `json:"usage"`
}

func (h *Handler) ListSessionUsage(c *gin.Context) {
	id, ok := identityFromContext(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	rows, err := h.Gateway.ListUsage(c.Request.Context(), id, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := usageOut{SessionID: sessionID, Usage: make([]usageRowOut, 0, len(rows))}
	for _, u := range rows {
		out.Usage = append(out.Usage, usageRowOut{
			MessageID:        u.MessageID,
			Provider:         u.Provider,
			Model:            u.Model,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
			CreatedAt:        u.CreatedAt.UTC(),
		})
	}
	common.OK(c, out)
}

func (h *Handler) Health(c *gin.Context) {
	common.OK(c, gin.H{"ok": true})
}
