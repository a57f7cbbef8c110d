package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-support/internal/common"
	"github.com/suPer8Hu/ai-support/internal/models"
)

type credentialsReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userOut struct {
	ID    uint64 `json:"id"`
	Email string `json:"email"`
}

type tokenOut struct {
	AccessToken string  `json:"access_token"`
	User        userOut `json:"user"`
}

func tokenResponse(token string, u *models.User) tokenOut {
	return tokenOut{AccessToken: token, User: userOut{ID: u.ID, Email: u.Email}}
}

func (h *Handler) Signup(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeBadRequest, "invalid json")
		return
	}

	token, u, err := h.Accounts.Signup(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	common.OK(c, tokenResponse(token, u))
}

func (h *Handler) Login(c *gin.Context) {
	var req credentialsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeBadRequest, "invalid json")
		return
	}

	token, u, err := h.Accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	common.OK(c, tokenResponse(token, u))
}
