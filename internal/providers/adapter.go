package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

const (
	defaultTimeout = 30 * time.Second

	// maxBodyBytes caps how much of an upstream response is read. Chat
	// completions are small; anything larger is hostile or broken.
	maxBodyBytes = 4 << 20

	// maxErrorChars caps how much upstream error text is carried in a
	// GATEWAY_ERROR message.
	maxErrorChars = 512
)

// Settings carries the unified gateway coordinates and per-provider
// credentials. All requests go out as
// <Host>/v1/<AccountID>/<GatewayID>/<provider path>.
type Settings struct {
	Host      string
	AccountID string
	GatewayID string

	// Keys holds one API key per configured provider. A provider without a
	// key is not part of the deployment.
	Keys map[ID]string

	// Models holds the default model per provider, used when a request
	// arrives without one.
	Models map[ID]string
}

// Configured reports whether the provider has an API key.
func (s Settings) Configured(id ID) bool { return s.Keys[id] != "" }

// BaseURL returns <Host>/v1/<AccountID>/<GatewayID> with no trailing slash.
func (s Settings) BaseURL() string {
	return strings.TrimSuffix(s.Host, "/") + "/v1/" + s.AccountID + "/" + s.GatewayID
}

// endpoint is one row of the provider dispatch table. Rows are immutable;
// supporting a new upstream shape means adding a row, not touching the call
// path.
type endpoint struct {
	// path returns the URL path below the gateway base. model is already
	// resolved for upstreams that carry it in the path.
	path func(model string) string
	// auth stamps the provider's credential headers.
	auth func(h http.Header, key string)
	// encode translates the canonical request into the native body.
	encode func(req *ChatRequest, model string) any
	// decode translates the native body into a canonical response with at
	// least one choice, or fails with INVALID_RESPONSE.
	decode func(data []byte, model string) (*ChatResponse, error)
}

var endpoints = map[ID]endpoint{
	OpenAI: {
		path: func(string) string { return "/openai/chat/completions" },
		auth: func(h http.Header, key string) {
			h.Set("Authorization", "Bearer "+key)
		},
		encode: encodeOpenAI,
		decode: decodeOpenAI,
	},
	Anthropic: {
		path: func(string) string { return "/anthropic/v1/messages" },
		auth: func(h http.Header, key string) {
			h.Set("x-api-key", key)
			h.Set("anthropic-version", anthropicVersion)
		},
		encode: encodeAnthropic,
		decode: decodeAnthropic,
	},
	Gemini: {
		path: func(model string) string {
			return "/google-ai-studio/v1/models/" + model + ":generateContent"
		},
		auth: func(h http.Header, key string) {
			h.Set("x-goog-api-key", key)
		},
		encode: encodeGemini,
		decode: decodeGemini,
	},
}

// Adapter performs canonical ↔ native translation and the HTTP call for a
// single upstream attempt.
type Adapter struct {
	settings Settings
	client   *http.Client
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the default HTTP client (useful for tests and for
// callers that manage transports themselves).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithTimeout overrides the default per-call timeout on the built-in client.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// New creates an Adapter for the given gateway settings.
func New(settings Settings, opts ...Option) *Adapter {
	a := &Adapter{
		settings: settings,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Settings returns the adapter's gateway settings.
func (a *Adapter) Settings() Settings { return a.settings }

// CreateChatCompletion sends req to the given provider and returns the
// canonical response. It performs exactly one HTTP call; outcomes map onto
// the error taxonomy:
//
//	unknown provider id        → UNSUPPORTED_PROVIDER
//	transport failure          → GATEWAY_CLIENT_ERROR
//	caller cancellation        → CANCELLED
//	non-2xx upstream status    → GATEWAY_ERROR (upstream status attached)
//	unparseable / empty body   → INVALID_RESPONSE
func (a *Adapter) CreateChatCompletion(ctx context.Context, id ID, req *ChatRequest) (*ChatResponse, error) {
	ep, ok := endpoints[id]
	if !ok {
		return nil, apierr.Newf(apierr.CodeUnsupportedProvider, "unsupported provider %q", id)
	}

	model := req.Model
	if model == "" {
		model = a.settings.Models[id]
	}

	body, err := json.Marshal(ep.encode(req, model))
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeGatewayClientError, "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.settings.BaseURL()+ep.path(model), bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeGatewayClientError, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	ep.auth(httpReq.Header, a.settings.Keys[id])

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierr.Wrap(apierr.CodeCancelled, "provider call cancelled", ctx.Err())
		}
		return nil, apierr.Wrap(apierr.CodeGatewayClientError, "call provider", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierr.Wrap(apierr.CodeCancelled, "provider call cancelled", ctx.Err())
		}
		return nil, apierr.Wrap(apierr.CodeGatewayClientError, "read response", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, upstreamError(id, resp.StatusCode, data)
	}

	return ep.decode(data, model)
}

// upstreamError builds the GATEWAY_ERROR for a non-2xx upstream reply. All
// three upstreams nest a message under an "error" object; fall back to the
// raw body when the shape is unrecognized.
func upstreamError(id ID, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		msg = e.Error.Message
	}
	if len(msg) > maxErrorChars {
		msg = msg[:maxErrorChars]
	}
	out := apierr.Newf(apierr.CodeGatewayError, "%s returned HTTP %d: %s", id, status, msg)
	out.Upstream = status
	return out
}

func invalidResponse(id ID, message string, cause error) error {
	if cause != nil {
		return apierr.Wrap(apierr.CodeInvalidResponse, string(id)+": "+message, cause)
	}
	return apierr.New(apierr.CodeInvalidResponse, string(id)+": "+message)
}
