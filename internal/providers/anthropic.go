package providers

import (
	"encoding/json"
	"strings"
)

const (
	anthropicVersion = "2023-06-01"

	// anthropicDefaultMaxTokens is injected when the caller left max_tokens
	// unset; the messages API rejects requests without it.
	anthropicDefaultMaxTokens = 1024
)

type (
	anthropicRequest struct {
		Model         string             `json:"model"`
		System        string             `json:"system,omitempty"`
		Messages      []anthropicMessage `json:"messages"`
		MaxTokens     int                `json:"max_tokens"`
		Temperature   float64            `json:"temperature,omitempty"`
		TopP          float64            `json:"top_p,omitempty"`
		StopSequences []string           `json:"stop_sequences,omitempty"`
	}

	anthropicMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	anthropicBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	anthropicUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	anthropicResponse struct {
		ID         string           `json:"id"`
		Model      string           `json:"model"`
		Content    []anthropicBlock `json:"content"`
		StopReason string           `json:"stop_reason"`
		Usage      anthropicUsage   `json:"usage"`
	}
)

// encodeAnthropic builds the messages-API body. System turns move to the
// top-level system field (the API rejects role "system" inside messages);
// several system turns are joined with blank lines, order preserved.
func encodeAnthropic(req *ChatRequest, model string) any {
	out := anthropicRequest{
		Model:         model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = anthropicDefaultMaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

// decodeAnthropic normalizes the messages-API response: text blocks join
// into a single assistant message and stop_reason maps onto the canonical
// set (end_turn and stop_sequence both mean a natural stop).
func decodeAnthropic(data []byte, model string) (*ChatResponse, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, invalidResponse(Anthropic, "parse response", err)
	}
	if len(resp.Content) == 0 {
		return nil, invalidResponse(Anthropic, "response carries no content blocks", nil)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	out := &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: now().Unix(),
		Model:   resp.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: text.String()},
			FinishReason: anthropicFinish(resp.StopReason),
		}},
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	if out.Model == "" {
		out.Model = model
	}
	return out, nil
}

func anthropicFinish(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	default:
		return FinishUnknown
	}
}
