package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultGeminiBase = "https://generativelanguage.googleapis.com/v1beta"

// GeminiConfig configures the Gemini generateContent backend.
type GeminiConfig struct {
	APIKey string
	// BaseURL defaults to https://generativelanguage.googleapis.com/v1beta.
	BaseURL string
	// Model is used when CompletionRequest.Model is empty,
	// e.g. "gemini-2.5-flash-lite".
	Model string
	// Timeout for each HTTP request. Defaults to 60s.
	Timeout time.Duration
}

type geminiProvider struct {
	cfg    GeminiConfig
	client *http.Client
}

// NewGemini returns a Provider backed by the Gemini API.
func NewGemini(cfg GeminiConfig) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &geminiProvider{cfg: cfg, client: newHTTPClient(cfg.Timeout)}
}

func (p *geminiProvider) Name() string { return "gemini" }

// --- wire types (subset of the generateContent API) ---

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// buildGeminiRequest maps chat messages onto generateContent: system
// messages become systemInstruction parts in order, assistant turns use the
// "model" role, and consecutive turns of the same role are merged into one
// content with several parts.
func buildGeminiRequest(req CompletionRequest) geminiRequest {
	var out geminiRequest
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, geminiPart{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		if n := len(out.Contents); n > 0 && out.Contents[n-1].Role == role {
			out.Contents[n-1].Parts = append(out.Contents[n-1].Parts, geminiPart{Text: m.Content})
			continue
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	if req.MaxTokens > 0 {
		out.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	}
	return out
}

// Complete calls models/{model}:generateContent.
func (p *geminiProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	data, err := json.Marshal(buildGeminiRequest(req))
	if err != nil {
		return nil, &Error{Backend: p.Name(), Message: "marshal request: " + err.Error()}
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", p.cfg.BaseURL, url.PathEscape(model))
	res, err := postJSON(ctx, p.client, p.Name(), endpoint, data,
		map[string]string{"x-goog-api-key": p.cfg.APIKey}, p.cfg.APIKey)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, part := range res.Get("candidates.0.content.parts.#.text").Array() {
		text.WriteString(part.String())
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		reason := res.Get("promptFeedback.blockReason").String()
		if reason == "" {
			reason = res.Get("candidates.0.finishReason").String()
		}
		if reason == "" {
			reason = "no candidates"
		}
		return nil, &Error{Backend: p.Name(), Message: "empty response: " + reason}
	}

	return &CompletionResponse{
		Text:         out,
		Model:        model,
		FinishReason: res.Get("candidates.0.finishReason").String(),
		Usage: TokenUsage{
			PromptTokens:     int(res.Get("usageMetadata.promptTokenCount").Int()),
			CompletionTokens: int(res.Get("usageMetadata.candidatesTokenCount").Int()),
			TotalTokens:      int(res.Get("usageMetadata.totalTokenCount").Int()),
		},
	}, nil
}
