package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/valyala/fasthttp"
)

// newAnthropicHandler simulates the Anthropic messages API behind the
// unified gateway path.
func newAnthropicHandler(cfg Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !requireHeader(ctx, "x-api-key") {
			return
		}
		if !requireHeader(ctx, "anthropic-version") {
			return
		}

		applyLatency(cfg)
		if shouldError(cfg, "anthropic") {
			writeError(ctx, fasthttp.StatusInternalServerError, "mock internal server error", "api_error")
			return
		}

		var req struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			Messages  []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		// The real messages API rejects requests without max_tokens; the mock
		// does too so the adapter's injected default stays exercised.
		if req.MaxTokens <= 0 {
			writeError(ctx, fasthttp.StatusBadRequest, "max_tokens: field required", "invalid_request_error")
			return
		}

		model := req.Model
		if model == "" {
			model = "claude-3-5-haiku-latest"
		}

		outTokens := cfg.Words
		if req.MaxTokens < outTokens {
			outTokens = req.MaxTokens
		}

		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"id":    fmt.Sprintf("msg_mock%x", rand.Int64()),
			"type":  "message",
			"role":  "assistant",
			"model": model,
			"content": []map[string]string{
				{"type": "text", "text": fakeSentence(outTokens)},
			},
			"stop_reason": "end_turn",
			"usage": map[string]int{
				"input_tokens":  10,
				"output_tokens": outTokens,
			},
		})
	}
}
