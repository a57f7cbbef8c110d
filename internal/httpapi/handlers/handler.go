package handlers

import (
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/ai-support/internal/auth"
	"github.com/suPer8Hu/ai-support/internal/chat"
)

type Handler struct {
	Accounts     *auth.Service
	Gateway      *chat.Gateway
	Orchestrator *chat.Orchestrator
	Log          zerolog.Logger
}

func NewHandler(accounts *auth.Service, gateway *chat.Gateway, orch *chat.Orchestrator, log zerolog.Logger) *Handler {
	return &Handler{
		Accounts:     accounts,
		Gateway:      gateway,
		Orchestrator: orch,
		Log:          log,
	}
}
