// Package providers translates canonical chat-completion requests into each
// upstream's native wire format, performs the HTTP call through the unified
// gateway URL, and translates the response back into canonical form.
//
// The package does exactly one upstream attempt per call — no retries, no
// fallback. Chain traversal and circuit breaking live in internal/proxy and
// internal/breaker.
package providers

import "time"

// ID identifies one upstream provider. The set is closed; the dispatch table
// in adapter.go is the single source of truth for supported values.
type ID string

const (
	OpenAI    ID = "openai"
	Anthropic ID = "anthropic"
	Gemini    ID = "gemini"
)

// All returns the supported provider identifiers in default fallback order.
func All() []ID {
	return []ID{OpenAI, Anthropic, Gemini}
}

// Valid reports whether id names a supported provider.
func (id ID) Valid() bool {
	_, ok := endpoints[id]
	return ok
}

func (id ID) String() string { return string(id) }

// Message roles accepted in a canonical request.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Canonical finish reasons. Native upstream values outside this set are
// folded to FinishUnknown.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishToolCalls     = "tool_calls"
	FinishUnknown       = "unknown"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// ChatRequest — canonical chat-completion request. The wire shape
	// follows the OpenAI chat API, which doubles as the inbound contract.
	ChatRequest struct {
		Model            string    `json:"model"`
		Messages         []Message `json:"messages"`
		Temperature      float64   `json:"temperature,omitempty"`
		MaxTokens        int       `json:"max_tokens,omitempty"`
		TopP             float64   `json:"top_p,omitempty"`
		FrequencyPenalty float64   `json:"frequency_penalty,omitempty"`
		PresencePenalty  float64   `json:"presence_penalty,omitempty"`
		Stop             []string  `json:"stop,omitempty"`
	}

	// Choice is one completion alternative. A successful response always
	// carries at least one.
	Choice struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	}

	// Usage — token usage stats.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// ChatResponse — canonical chat-completion response.
	ChatResponse struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Created int64    `json:"created"`
		Model   string   `json:"model"`
		Choices []Choice `json:"choices"`
		Usage   Usage    `json:"usage"`
	}
)

// Tokens returns the usage total, falling back to prompt+completion when the
// upstream reported components but no total (or a smaller one).
func (u Usage) Tokens() int {
	if s := u.PromptTokens + u.CompletionTokens; s > u.TotalTokens {
		return s
	}
	return u.TotalTokens
}

// Clone returns a deep copy of the request. The fallback chain mutates the
// model per provider and must not leak that into the caller's value.
func (r *ChatRequest) Clone() *ChatRequest {
	out := *r
	out.Messages = append([]Message(nil), r.Messages...)
	out.Stop = append([]string(nil), r.Stop...)
	return &out
}

// normalizeFinish folds an already-canonical finish reason onto the closed
// set. Upstreams occasionally grow new values; those become "unknown" rather
// than leaking through.
func normalizeFinish(reason string) string {
	switch reason {
	case FinishStop, FinishLength, FinishContentFilter, FinishToolCalls:
		return reason
	default:
		return FinishUnknown
	}
}

// now is stubbed in tests that pin response timestamps.
var now = time.Now
