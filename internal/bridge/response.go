package bridge

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ToAnthropic translates a non-streaming OpenAI Chat Completions
// response into the Anthropic Messages response shape.
func ToAnthropic(resp *ChatCompletionResponse, model string) *AnthropicResponse {
	out := &AnthropicResponse{
		ID:    "msg_" + randomID24(),
		Type:  "message",
		Role:  "assistant",
		Model: model,
	}
	if resp.Usage != nil {
		out.Usage = AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	if len(resp.Choices) == 0 {
		out.StopReason = "end_turn"
		return out
	}

	choice := resp.Choices[0]
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		out.Content = append(out.Content, ContentBlock{Type: "text", Text: *choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		var input json.RawMessage
		if tc.Function.Arguments != "" {
			input = json.RawMessage(tc.Function.Arguments)
		} else {
			input = json.RawMessage("{}")
		}
		out.Content = append(out.Content, ContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	out.StopReason = mapFinishReason(choice.FinishReason)
	return out
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return reason
	}
}

// randomID24 produces a 24-character opaque suffix for Anthropic-style
// message IDs, derived from a UUID so it needs no dedicated RNG.
func randomID24() string {
	id := uuid.New().String()
	compact := ""
	for _, r := range id {
		if r != '-' {
			compact += string(r)
		}
	}
	if len(compact) > 24 {
		compact = compact[:24]
	}
	return compact
}
