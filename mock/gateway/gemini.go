package main

import (
	"encoding/json"
	"strings"

	"github.com/valyala/fasthttp"
)

// newGeminiHandler simulates the Google AI Studio generateContent API behind
// the unified gateway path. The model travels in the URL as
// "<model>:generateContent".
func newGeminiHandler(cfg Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !requireHeader(ctx, "x-goog-api-key") {
			return
		}

		seg, _ := ctx.UserValue("model").(string)
		model, ok := strings.CutSuffix(seg, ":generateContent")
		if !ok || model == "" {
			writeError(ctx, fasthttp.StatusNotFound, "mock: unknown action, expected <model>:generateContent", "not_found")
			return
		}

		applyLatency(cfg)
		if shouldError(cfg, "gemini") {
			writeError(ctx, fasthttp.StatusInternalServerError, "mock internal server error", "internal")
			return
		}

		var req struct {
			Contents []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid request body", "invalid_argument")
			return
		}
		if len(req.Contents) == 0 {
			writeError(ctx, fasthttp.StatusBadRequest, "contents: field required", "invalid_argument")
			return
		}

		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"candidates": []map[string]any{
				{
					"content": map[string]any{
						"role": "model",
						"parts": []map[string]string{
							{"text": fakeSentence(cfg.Words)},
						},
					},
					"finishReason": "STOP",
					"index":        0,
				},
			},
			"usageMetadata": map[string]int{
				"promptTokenCount":     10,
				"candidatesTokenCount": cfg.Words,
				"totalTokenCount":      10 + cfg.Words,
			},
			"modelVersion": model,
		})
	}
}
