package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/vito/common/redact"
)

// DefaultOpenRouterBase is the OpenRouter OpenAI-compatible endpoint.
const DefaultOpenRouterBase = "https://openrouter.ai/api/v1"

// OpenAIConfig configures the OpenAI-compatible chat completions backend.
type OpenAIConfig struct {
	// APIKey is the bearer token for the API.
	APIKey string
	// BaseURL defaults to DefaultOpenRouterBase.
	BaseURL string
	// Model is used when CompletionRequest.Model is empty.
	Model string
	// Timeout for each HTTP request. Defaults to 60s.
	Timeout time.Duration
}

// openAIProvider implements Provider using the chat completions API.
type openAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI returns a Provider backed by an OpenAI-compatible API.
func NewOpenAI(cfg OpenAIConfig) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenRouterBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &openAIProvider{cfg: cfg, client: newHTTPClient(cfg.Timeout)}
}

func (p *openAIProvider) Name() string { return "openai" }

// --- wire types (subset of the OpenAI API) ---

type oaiRequest struct {
	Model     string       `json:"model"`
	Messages  []oaiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends a chat completion request.
func (p *openAIProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	body := oaiRequest{Model: model, MaxTokens: req.MaxTokens}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, oaiMessage{Role: string(m.Role), Content: m.Content})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Backend: p.Name(), Message: "marshal request: " + err.Error()}
	}

	res, err := postJSON(ctx, p.client, p.Name(), p.cfg.BaseURL+"/chat/completions", data,
		map[string]string{"Authorization": "Bearer " + p.cfg.APIKey}, p.cfg.APIKey)
	if err != nil {
		return nil, err
	}

	// OpenRouter reports some provider failures inside a 200 body.
	if msg := res.Get("error.message").String(); msg != "" {
		return nil, &Error{
			Backend:    p.Name(),
			StatusCode: int(res.Get("error.code").Int()),
			Message:    redact.String(truncate(msg, maxErrorText), p.cfg.APIKey),
		}
	}

	choice := res.Get("choices.0")
	if !choice.Exists() {
		return nil, &Error{Backend: p.Name(), Message: "no choices in response"}
	}
	text := strings.TrimSpace(choice.Get("message.content").String())
	if text == "" {
		return nil, &Error{Backend: p.Name(), Message: "empty response: " + choice.Get("finish_reason").String()}
	}

	respModel := res.Get("model").String()
	if respModel == "" {
		respModel = model
	}
	return &CompletionResponse{
		Text:         text,
		Model:        respModel,
		FinishReason: choice.Get("finish_reason").String(),
		Usage: TokenUsage{
			PromptTokens:     int(res.Get("usage.prompt_tokens").Int()),
			CompletionTokens: int(res.Get("usage.completion_tokens").Int()),
			TotalTokens:      int(res.Get("usage.total_tokens").Int()),
		},
	}, nil
}
