package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

func testSettings(host string) Settings {
	return Settings{
		Host:      host,
		AccountID: "acc-1",
		GatewayID: "gw-1",
		Keys: map[ID]string{
			OpenAI:    "sk-openai",
			Anthropic: "sk-anthropic",
			Gemini:    "sk-gemini",
		},
		Models: map[ID]string{
			OpenAI:    "gpt-4o-mini",
			Anthropic: "claude-3-5-haiku",
			Gemini:    "gemini-2.0-flash",
		},
	}
}

func newTestAdapter(srv *httptest.Server) *Adapter {
	return New(testSettings(srv.URL), WithHTTPClient(srv.Client()))
}

func baseRequest() *ChatRequest {
	return &ChatRequest{
		Model: "gpt-4o-mini",
		Messages: []Message{
			{Role: RoleUser, Content: "Hello"},
		},
	}
}

func decodeJSONMap(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode request body as json: %v", err)
	}
	return m
}

func respondJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("failed to encode response: %v", err)
	}
}

func requireCode(t *testing.T, err error, want apierr.Code) *apierr.Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", want)
	}
	var e *apierr.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *apierr.Error (via errors.As), got %T: %v", err, err)
	}
	if e.Code != want {
		t.Fatalf("expected code %s, got %s (%v)", want, e.Code, err)
	}
	return e
}

func TestAdapter_OpenAI_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/acc-1/gw-1/openai/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-openai" {
			t.Fatalf("missing or wrong Authorization header: %q", got)
		}

		body := decodeJSONMap(t, r)
		if body["model"] != "gpt-4o-mini" {
			t.Fatalf("expected model gpt-4o-mini, got %#v", body["model"])
		}

		respondJSON(t, w, http.StatusOK, map[string]any{
			"id":      "chatcmpl-123",
			"object":  "chat.completion",
			"created": 1726000000,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]any{"role": "assistant", "content": "Hello, world!"},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.CreateChatCompletion(context.Background(), OpenAI, baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "chatcmpl-123" {
		t.Fatalf("expected ID chatcmpl-123, got %q", resp.ID)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].Message.Content != "Hello, world!" {
		t.Fatalf("unexpected content: %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != FinishStop {
		t.Fatalf("expected finish_reason stop, got %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestAdapter_OpenAI_FillsUsageTotal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(t, w, http.StatusOK, map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "ok"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 7, "completion_tokens": 3},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.CreateChatCompletion(context.Background(), OpenAI, baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Fatalf("expected total filled to 10, got %d", resp.Usage.TotalTokens)
	}
}

func TestAdapter_OpenAI_UnknownFinishReasonFolded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(t, w, http.StatusOK, map[string]any{
			"id":    "chatcmpl-2",
			"model": "gpt-4o-mini",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "ok"}, "finish_reason": "flex_quota_exceeded"},
			},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	resp, err := a.CreateChatCompletion(context.Background(), OpenAI, baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].FinishReason != FinishUnknown {
		t.Fatalf("expected finish_reason folded to unknown, got %q", resp.Choices[0].FinishReason)
	}
}

func TestAdapter_Anthropic_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/acc-1/gw-1/anthropic/v1/messages" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-anthropic" {
			t.Fatalf("missing or wrong x-api-key header: %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Fatalf("missing or wrong anthropic-version header: %q", got)
		}

		body := decodeJSONMap(t, r)
		if body["model"] != "claude-3-5-haiku" {
			t.Fatalf("expected model claude-3-5-haiku, got %#v", body["model"])
		}
		// max_tokens default injected when the caller left it unset.
		if got, ok := body["max_tokens"].(float64); !ok || int(got) != anthropicDefaultMaxTokens {
			t.Fatalf("expected max_tokens=%d, got %#v", anthropicDefaultMaxTokens, body["max_tokens"])
		}
		// System turn hoisted out of messages.
		if body["system"] != "You are terse." {
			t.Fatalf("expected hoisted system field, got %#v", body["system"])
		}
		msgs, ok := body["messages"].([]any)
		if !ok || len(msgs) != 1 {
			t.Fatalf("expected 1 non-system message, got %#v", body["messages"])
		}

		respondJSON(t, w, http.StatusOK, map[string]any{
			"id":    "msg-123",
			"type":  "message",
			"role":  "assistant",
			"model": "claude-3-5-haiku",
			"content": []map[string]any{
				{"type": "text", "text": "Hello,"},
				{"type": "text", "text": " world!"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 12, "output_tokens": 4},
		})
	}))
	defer srv.Close()

	req := &ChatRequest{
		Model: "claude-3-5-haiku",
		Messages: []Message{
			{Role: RoleSystem, Content: "You are terse."},
			{Role: RoleUser, Content: "Hello"},
		},
	}

	a := newTestAdapter(srv)
	resp, err := a.CreateChatCompletion(context.Background(), Anthropic, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "msg-123" {
		t.Fatalf("expected ID msg-123, got %q", resp.ID)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(resp.Choices))
	}
	// Text blocks join with the empty string.
	if got := resp.Choices[0].Message.Content; got != "Hello, world!" {
		t.Fatalf("unexpected joined content: %q", got)
	}
	if resp.Choices[0].FinishReason != FinishStop {
		t.Fatalf("expected end_turn mapped to stop, got %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 4 || resp.Usage.TotalTokens != 16 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestAdapter_Anthropic_MaxTokensPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)
		if got, ok := body["max_tokens"].(float64); !ok || int(got) != 256 {
			t.Fatalf("expected max_tokens=256, got %#v", body["max_tokens"])
		}
		respondJSON(t, w, http.StatusOK, map[string]any{
			"id":          "msg-1",
			"model":       "claude-3-5-haiku",
			"content":     []map[string]any{{"type": "text", "text": "ok"}},
			"stop_reason": "max_tokens",
			"usage":       map[string]any{"input_tokens": 1, "output_tokens": 256},
		})
	}))
	defer srv.Close()

	req := baseRequest()
	req.Model = "claude-3-5-haiku"
	req.MaxTokens = 256

	a := newTestAdapter(srv)
	resp, err := a.CreateChatCompletion(context.Background(), Anthropic, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Choices[0].FinishReason != FinishLength {
		t.Fatalf("expected max_tokens mapped to length, got %q", resp.Choices[0].FinishReason)
	}
}

func TestAdapter_Gemini_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Model travels in the path for this upstream.
		if r.URL.Path != "/v1/acc-1/gw-1/google-ai-studio/v1/models/gemini-2.0-flash:generateContent" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "sk-gemini" {
			t.Fatalf("missing or wrong x-goog-api-key header: %q", got)
		}

		body := decodeJSONMap(t, r)
		contents, ok := body["contents"].([]any)
		if !ok || len(contents) != 2 {
			t.Fatalf("expected 2 contents, got %#v", body["contents"])
		}
		second := contents[1].(map[string]any)
		if second["role"] != "model" {
			t.Fatalf("expected assistant turn mapped to role model, got %#v", second["role"])
		}

		respondJSON(t, w, http.StatusOK, map[string]any{
			"candidates": []map[string]any{
				{
					"content": map[string]any{
						"role":  "model",
						"parts": []map[string]any{{"text": "Hi"}, {"text": " there"}},
					},
					"finishReason": "STOP",
					"index":        0,
				},
			},
			"usageMetadata": map[string]any{
				"promptTokenCount":     9,
				"candidatesTokenCount": 2,
				"totalTokenCount":      11,
			},
			"modelVersion": "gemini-2.0-flash",
		})
	}))
	defer srv.Close()

	req := &ChatRequest{
		Model: "gemini-2.0-flash",
		Messages: []Message{
			{Role: RoleUser, Content: "Hello"},
			{Role: RoleAssistant, Content: "Hi"},
		},
	}

	a := newTestAdapter(srv)
	resp, err := a.CreateChatCompletion(context.Background(), Gemini, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("expected a minted response id")
	}
	if got := resp.Choices[0].Message.Content; got != "Hi there" {
		t.Fatalf("unexpected joined content: %q", got)
	}
	if resp.Choices[0].FinishReason != FinishStop {
		t.Fatalf("expected STOP folded to stop, got %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 11 {
		t.Fatalf("expected 11 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestAdapter_Gemini_DefaultModelInPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/models/gemini-2.0-flash:generateContent") {
			t.Fatalf("expected configured default model in path, got %s", r.URL.Path)
		}
		respondJSON(t, w, http.StatusOK, map[string]any{
			"candidates": []map[string]any{
				{
					"content":      map[string]any{"parts": []map[string]any{{"text": "ok"}}},
					"finishReason": "STOP",
				},
			},
		})
	}))
	defer srv.Close()

	req := baseRequest()
	req.Model = ""

	a := newTestAdapter(srv)
	if _, err := a.CreateChatCompletion(context.Background(), Gemini, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAdapter_FinishReasonMapping(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string) string
		in   string
		want string
	}{
		{"gemini stop folds case", geminiFinish, "STOP", FinishStop},
		{"gemini max tokens", geminiFinish, "MAX_TOKENS", FinishLength},
		{"gemini safety", geminiFinish, "SAFETY", FinishContentFilter},
		{"gemini recitation", geminiFinish, "RECITATION", FinishContentFilter},
		{"gemini unknown", geminiFinish, "OTHER", FinishUnknown},
		{"anthropic end turn", anthropicFinish, "end_turn", FinishStop},
		{"anthropic stop sequence", anthropicFinish, "stop_sequence", FinishStop},
		{"anthropic max tokens", anthropicFinish, "max_tokens", FinishLength},
		{"anthropic tool use", anthropicFinish, "tool_use", FinishToolCalls},
		{"anthropic unknown", anthropicFinish, "pause_turn", FinishUnknown},
		{"canonical passthrough", normalizeFinish, "length", FinishLength},
		{"canonical unknown", normalizeFinish, "banana", FinishUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.in); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAdapter_UpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(t, w, http.StatusInternalServerError, map[string]any{
			"error": map[string]any{"message": "upstream exploded", "type": "server_error"},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.CreateChatCompletion(context.Background(), OpenAI, baseRequest())
	e := requireCode(t, err, apierr.CodeGatewayError)
	if e.Upstream != http.StatusInternalServerError {
		t.Fatalf("expected upstream status 500, got %d", e.Upstream)
	}
	if !strings.Contains(e.Message, "upstream exploded") {
		t.Fatalf("expected upstream message carried through, got %q", e.Message)
	}
}

func TestAdapter_UpstreamErrorRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream not json"))
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.CreateChatCompletion(context.Background(), OpenAI, baseRequest())
	e := requireCode(t, err, apierr.CodeGatewayError)
	if !strings.Contains(e.Message, "upstream not json") {
		t.Fatalf("expected raw body in message, got %q", e.Message)
	}
}

func TestAdapter_InvalidResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.CreateChatCompletion(context.Background(), OpenAI, baseRequest())
	requireCode(t, err, apierr.CodeInvalidResponse)
}

func TestAdapter_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(t, w, http.StatusOK, map[string]any{
			"id":      "chatcmpl-3",
			"model":   "gpt-4o-mini",
			"choices": []any{},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv)
	_, err := a.CreateChatCompletion(context.Background(), OpenAI, baseRequest())
	requireCode(t, err, apierr.CodeInvalidResponse)
}

func TestAdapter_UnsupportedProvider(t *testing.T) {
	a := New(testSettings("http://gateway.invalid"))
	_, err := a.CreateChatCompletion(context.Background(), ID("mistral"), baseRequest())
	requireCode(t, err, apierr.CodeUnsupportedProvider)
}

func TestAdapter_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	a := New(testSettings(srv.URL))
	_, err := a.CreateChatCompletion(context.Background(), OpenAI, baseRequest())
	requireCode(t, err, apierr.CodeGatewayClientError)
}

func TestAdapter_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be reached with a cancelled context")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newTestAdapter(srv)
	_, err := a.CreateChatCompletion(ctx, OpenAI, baseRequest())
	requireCode(t, err, apierr.CodeCancelled)
}

func TestUsage_Tokens(t *testing.T) {
	if got := (Usage{PromptTokens: 3, CompletionTokens: 4}).Tokens(); got != 7 {
		t.Fatalf("expected fallback to prompt+completion=7, got %d", got)
	}
	if got := (Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 9}).Tokens(); got != 9 {
		t.Fatalf("expected reported total 9, got %d", got)
	}
}

func TestChatRequest_CloneIsDeep(t *testing.T) {
	req := baseRequest()
	req.Stop = []string{"END"}

	dup := req.Clone()
	dup.Model = "other"
	dup.Messages[0].Content = "changed"
	dup.Stop[0] = "STOP"

	if req.Model != "gpt-4o-mini" {
		t.Fatalf("clone mutated original model: %q", req.Model)
	}
	if req.Messages[0].Content != "Hello" {
		t.Fatalf("clone shares message backing array")
	}
	if req.Stop[0] != "END" {
		t.Fatalf("clone shares stop backing array")
	}
}
