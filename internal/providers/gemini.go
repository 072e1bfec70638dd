package providers

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

type (
	geminiRequest struct {
		SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
		Contents          []geminiContent  `json:"contents"`
		GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
	}

	geminiContent struct {
		Role  string       `json:"role,omitempty"`
		Parts []geminiPart `json:"parts"`
	}

	geminiPart struct {
		Text string `json:"text"`
	}

	geminiGenConfig struct {
		Temperature     float64  `json:"temperature,omitempty"`
		TopP            float64  `json:"topP,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	}

	geminiCandidate struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
		Index        int           `json:"index"`
	}

	geminiUsage struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	}

	geminiResponse struct {
		Candidates    []geminiCandidate `json:"candidates"`
		UsageMetadata *geminiUsage      `json:"usageMetadata"`
		ModelVersion  string            `json:"modelVersion"`
	}
)

// encodeGemini builds the generateContent body. The model travels in the URL
// path, not the body; assistant turns become role "model" and system turns
// move to systemInstruction.
func encodeGemini(req *ChatRequest, _ string) any {
	out := geminiRequest{}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: m.Content}},
			})
		default:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}},
		}
	}

	if req.Temperature != 0 || req.TopP != 0 || req.MaxTokens != 0 || len(req.Stop) > 0 {
		out.GenerationConfig = &geminiGenConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return out
}

// decodeGemini normalizes the generateContent response: candidate text parts
// join into one assistant message per candidate and finishReason is folded
// case-insensitively onto the canonical set. The upstream returns no id, so
// one is minted.
func decodeGemini(data []byte, model string) (*ChatResponse, error) {
	var resp geminiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, invalidResponse(Gemini, "parse response", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, invalidResponse(Gemini, "response carries no candidates", nil)
	}

	out := &ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: now().Unix(),
		Model:   resp.ModelVersion,
	}
	if out.Model == "" {
		out.Model = model
	}

	for i, cand := range resp.Candidates {
		var text strings.Builder
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}
		out.Choices = append(out.Choices, Choice{
			Index:        i,
			Message:      Message{Role: RoleAssistant, Content: text.String()},
			FinishReason: geminiFinish(cand.FinishReason),
		})
	}

	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
		if out.Usage.TotalTokens == 0 {
			out.Usage.TotalTokens = u.PromptTokenCount + u.CandidatesTokenCount
		}
	}
	return out, nil
}

func geminiFinish(finishReason string) string {
	switch strings.ToLower(finishReason) {
	case "stop":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "safety", "recitation":
		return FinishContentFilter
	default:
		return FinishUnknown
	}
}
