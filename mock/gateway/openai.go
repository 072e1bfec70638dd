package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// newOpenAIHandler simulates the OpenAI chat completions API behind the
// unified gateway path.
func newOpenAIHandler(cfg Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		auth := string(ctx.Request.Header.Peek("Authorization"))
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(ctx, fasthttp.StatusUnauthorized, "missing bearer token", "authentication_error")
			return
		}

		applyLatency(cfg)
		if shouldError(cfg, "openai") {
			writeError(ctx, fasthttp.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		model := req.Model
		if model == "" {
			model = "gpt-4o"
		}

		content := fakeSentence(cfg.Words)
		inTokens := 10
		outTokens := cfg.Words

		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"id":      fmt.Sprintf("chatcmpl-mock%x", rand.Int64()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": content,
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	}
}
