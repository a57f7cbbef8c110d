package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *resty.Client
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterChatReq struct {
	Model    string          `json:"model"`
	Messages []openRouterMsg `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openRouterError struct {
	Message string `json:"message"`
}

type openRouterChatResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openRouterMsg `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
	Error *openRouterError `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  resty.New().SetTimeout(90 * time.Second),
	}
}

func (p *OpenRouterProvider) Complete(ctx context.Context, messages []Message) (Completion, error) {
	if p.Client == nil {
		return Completion{}, errors.New("openrouter: http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return Completion{}, errors.New("openrouter: api key is required")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return Completion{}, errors.New("openrouter: model is required")
	}

	reqBody := openRouterChatReq{
		Model:  model,
		Stream: false,
		Messages: func() []openRouterMsg {
			out := make([]openRouterMsg, 0, len(messages))
			for _, m := range messages {
				out = append(out, openRouterMsg{Role: m.Role, Content: m.Content})
			}
			return out
		}(),
	}

	req := p.Client.R().
		SetContext(ctx).
		SetAuthToken(p.APIKey).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&openRouterChatResp{}).
		SetError(&openRouterChatResp{})
	if p.SiteURL != "" {
		req.SetHeader("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		req.SetHeader("X-Title", p.AppName)
	}

	resp, err := req.Post(p.BaseURL + "/chat/completions")
	if err != nil {
		return Completion{}, err
	}

	if resp.IsError() {
		if e, ok := resp.Error().(*openRouterChatResp); ok && e.Error != nil && e.Error.Message != "" {
			return Completion{}, fmt.Errorf("openrouter: %s", e.Error.Message)
		}
		return Completion{}, fmt.Errorf("openrouter: status %d", resp.StatusCode())
	}

	decoded, ok := resp.Result().(*openRouterChatResp)
	if !ok || decoded == nil {
		return Completion{}, errors.New("openrouter: empty response")
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return Completion{}, errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return Completion{}, errors.New("openrouter: empty response")
	}

	c := Completion{
		Text:     decoded.Choices[0].Message.Content,
		Provider: "openrouter",
		Model:    model,
	}
	if decoded.Model != "" {
		c.Model = decoded.Model
	}
	if decoded.Usage != nil {
		c.PromptTokens = decoded.Usage.PromptTokens
		c.CompletionTokens = decoded.Usage.CompletionTokens
	}
	fillUsage(&c, messages)
	return c, nil
}
