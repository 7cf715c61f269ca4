package core

import (
	"encoding/json"
	"fmt"
)

// partEnvelope is the tagged wire form of a Part, used by stores that
// serialize message content.
type partEnvelope struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	ToolCall   *ToolCall      `json:"tool_call,omitempty"`
	ToolResult *ToolResult    `json:"tool_result,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// EncodeParts serializes parts into a stable tagged JSON array.
func EncodeParts(parts []Part) ([]byte, error) {
	envelopes := make([]partEnvelope, 0, len(parts))

	for _, p := range parts {
		switch part := p.(type) {
		case TextPart:
			envelopes = append(envelopes, partEnvelope{Type: "text", Text: part.Text, Metadata: part.Metadata})
		case ToolCallPart:
			call := part.ToolCall
			envelopes = append(envelopes, partEnvelope{Type: "tool_call", ToolCall: &call, Metadata: part.Metadata})
		case ToolResultPart:
			result := part.ToolResult
			envelopes = append(envelopes, partEnvelope{Type: "tool_result", ToolResult: &result, Metadata: part.Metadata})
		default:
			return nil, fmt.Errorf("unknown part type %T", p)
		}
	}

	return json.Marshal(envelopes)
}

// DecodeParts deserializes a tagged JSON array produced by EncodeParts.
func DecodeParts(data []byte) ([]Part, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var envelopes []partEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("decode parts: %w", err)
	}

	parts := make([]Part, 0, len(envelopes))
	for _, env := range envelopes {
		switch env.Type {
		case "text":
			parts = append(parts, TextPart{Text: env.Text, Metadata: env.Metadata})
		case "tool_call":
			if env.ToolCall == nil {
				return nil, fmt.Errorf("tool_call part without payload")
			}
			parts = append(parts, ToolCallPart{ToolCall: *env.ToolCall, Metadata: env.Metadata})
		case "tool_result":
			if env.ToolResult == nil {
				return nil, fmt.Errorf("tool_result part without payload")
			}
			parts = append(parts, ToolResultPart{ToolResult: *env.ToolResult, Metadata: env.Metadata})
		default:
			return nil, fmt.Errorf("unknown part type %q", env.Type)
		}
	}

	return parts, nil
}
