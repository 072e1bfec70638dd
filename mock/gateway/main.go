// Command gateway runs a lightweight HTTP server that emulates the unified
// AI gateway for all three provider shapes. It is used for local development
// and E2E testing without real credentials or a real upstream.
//
// All routes share one port and follow the unified URL scheme:
//
//	POST /v1/{account}/{gateway}/openai/chat/completions
//	POST /v1/{account}/{gateway}/anthropic/v1/messages
//	POST /v1/{account}/{gateway}/google-ai-studio/v1/models/{model}:generateContent
//
// Point the real gateway at it with GATEWAY_HOST=http://localhost:19000
// (account and gateway ids are accepted verbatim).
//
// Behaviour flags (via env):
//
//	MOCK_PORT            — listen port (default 19000)
//	MOCK_LATENCY_MS      — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE      — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_ERROR_PROVIDERS — comma-separated providers that always return HTTP 500,
//	                       e.g. "openai" to demo failover
//	MOCK_WORDS           — words in the mock completion text (default 10)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Config holds runtime configuration shared across all mock handlers.
type Config struct {
	Port       int
	LatencyMS  int
	ErrorRate  float64
	Words      int
	AlwaysFail map[string]bool
}

func loadConfig() Config {
	c := Config{Port: 19000, Words: 10, AlwaysFail: map[string]bool{}}

	if v := os.Getenv("MOCK_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Port = n
		}
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_ERROR_PROVIDERS"); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(strings.ToLower(p)); p != "" {
				c.AlwaysFail[p] = true
			}
		}
	}
	if v := os.Getenv("MOCK_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Words = n
		}
	}
	return c
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	r := router.New()
	r.POST("/v1/{account}/{gateway}/openai/chat/completions", newOpenAIHandler(cfg))
	r.POST("/v1/{account}/{gateway}/anthropic/v1/messages", newAnthropicHandler(cfg))
	r.POST("/v1/{account}/{gateway}/google-ai-studio/v1/models/{model}", newGeminiHandler(cfg))
	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		writeError(ctx, fasthttp.StatusNotFound, fmt.Sprintf("mock: unknown path %s", ctx.Path()), "not_found")
	}

	srv := &fasthttp.Server{
		Handler:      r.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	addr := ":" + strconv.Itoa(cfg.Port)
	go func() {
		log.Info("mock gateway listening",
			slog.String("addr", addr),
			slog.Int("latency_ms", cfg.LatencyMS),
			slog.Float64("error_rate", cfg.ErrorRate),
		)
		if err := srv.ListenAndServe(addr); err != nil {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	// Print readiness
	fmt.Println("READY")

	// Wait for signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock gateway")
	_ = srv.Shutdown()
	log.Info("mock gateway stopped")
}
