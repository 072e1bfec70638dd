package main

import (
	"encoding/json"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "gateway", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request to provider should simulate an
// upstream failure.
func shouldError(cfg Config, provider string) bool {
	if cfg.AlwaysFail[provider] {
		return true
	}
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// errorResponse is the generic error envelope. All three upstreams nest a
// message under an "error" object, so one shape serves every handler.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg, typ string) {
	writeJSON(ctx, status, errorResponse{Error: errorDetail{Message: msg, Type: typ}})
}

// requireHeader answers 401 and returns false when the named credential
// header is absent. Values are not checked — the mock only verifies that the
// gateway stamps the right header per provider.
func requireHeader(ctx *fasthttp.RequestCtx, name string) bool {
	if len(ctx.Request.Header.Peek(name)) == 0 {
		writeError(ctx, fasthttp.StatusUnauthorized, "missing "+name+" header", "authentication_error")
		return false
	}
	return true
}
