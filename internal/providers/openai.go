package providers

import "encoding/json"

// The canonical schema is the OpenAI chat API, so the request needs only the
// resolved model stamped in before going out verbatim.
func encodeOpenAI(req *ChatRequest, model string) any {
	out := req.Clone()
	out.Model = model
	return out
}

// decodeOpenAI accepts an already-canonical body. Finish reasons are folded
// onto the closed set and a missing usage total is filled from its parts.
func decodeOpenAI(data []byte, model string) (*ChatResponse, error) {
	var resp ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, invalidResponse(OpenAI, "parse response", err)
	}
	if len(resp.Choices) == 0 {
		return nil, invalidResponse(OpenAI, "response carries no choices", nil)
	}
	for i := range resp.Choices {
		resp.Choices[i].Message.Role = RoleAssistant
		resp.Choices[i].FinishReason = normalizeFinish(resp.Choices[i].FinishReason)
	}
	if resp.Model == "" {
		resp.Model = model
	}
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	if resp.Created == 0 {
		resp.Created = now().Unix()
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	return &resp, nil
}
