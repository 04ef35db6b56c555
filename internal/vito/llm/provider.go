// Package llm defines the model backend interface and the two concrete
// backends vito talks to: Google Gemini (generateContent) and any
// OpenAI-compatible chat completions endpoint, which is how OpenRouter is
// reached.
//
// Backends make exactly one HTTP attempt per Complete call. The caller's
// context bounds the request, so cancelling it aborts only that call.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Role is the role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single message in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to a single inference call.
type CompletionRequest struct {
	// Model overrides the backend's configured model when non-empty.
	Model     string
	Messages  []Message
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Text         string
	Model        string
	FinishReason string
	Usage        TokenUsage
}

// TokenUsage reports token consumption as returned by the backend.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is implemented by every model backend.
type Provider interface {
	// Name is a short backend identifier used in logs and metrics.
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ErrUpstream is the UpstreamError kind: the backend was unreachable,
// answered with a non-2xx status, or returned a body that could not be used.
var ErrUpstream = errors.New("llm: upstream error")

// ErrRateLimit is returned alongside ErrUpstream when the backend answered
// HTTP 429.
var ErrRateLimit = errors.New("llm: upstream rate limit exceeded")

// Error describes a failed backend call. It matches ErrUpstream with
// errors.Is, ErrRateLimit for 429 responses, and the transport error (for
// example context.Canceled) when there is one.
type Error struct {
	Backend    string
	StatusCode int // 0 when no HTTP response was received
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("llm: %s: HTTP %d: %s", e.Backend, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("llm: %s: %s", e.Backend, e.Message)
	}
}

func (e *Error) Unwrap() []error {
	errs := []error{ErrUpstream}
	if e.StatusCode == 429 {
		errs = append(errs, ErrRateLimit)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
