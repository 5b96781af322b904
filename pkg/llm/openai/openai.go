// Package openai is an llm.Provider backed by the go-openai SDK. It works
// against api.openai.com and any compatible endpoint set through BaseURL.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/rhuss/schaubild/pkg/llm"
)

const backendName = "openai"

var _ llm.Provider = (*Provider)(nil)

// Config configures the SDK client.
type Config struct {
	APIKey  string
	BaseURL string // defaults to https://api.openai.com/v1
	Timeout time.Duration
}

// Provider implements llm.Provider on top of go-openai.
type Provider struct {
	client *goopenai.Client
}

// New creates a Provider.
func New(cfg Config) *Provider {
	oc := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		base := strings.TrimRight(cfg.BaseURL, "/")
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		oc.BaseURL = base
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Provider{client: goopenai.NewClientWithConfig(oc)}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return backendName }

// Close implements llm.Provider.
func (p *Provider) Close() error { return nil }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	chatReq := goopenai.ChatCompletionRequest{
		Model: req.Model,
	}
	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, goopenai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens != nil {
		chatReq.MaxCompletionTokens = *req.MaxTokens
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.ErrEmptyResponse
	}

	return &llm.Response{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// mapError converts SDK errors into *llm.Error so retry and logging treat
// both backends the same way.
func mapError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		e := llm.NewStatusError(backendName, apiErr.HTTPStatusCode, apiErr.Message)
		e.Err = err
		return e
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		e := llm.NewStatusError(backendName, reqErr.HTTPStatusCode, "")
		e.Err = err
		return e
	}
	return llm.NewNetworkError(backendName, err)
}
