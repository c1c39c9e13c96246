package transformer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// OpenAI converts between the canonical Messages shape and the OpenAI
// chat-completions dialect.
type OpenAI struct{}

func (OpenAI) Name() string { return "openai" }

// openaiRequest is the chat-completions request body.
type openaiRequest struct {
	Model       string           `json:"model"`
	Messages    []openaiMsg      `json:"messages"`
	MaxTokens   int64            `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stop        json.RawMessage  `json:"stop,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Tools       []openaiTool     `json:"tools,omitempty"`
	ToolChoice  any              `json:"tool_choice,omitempty"`
}

type openaiMsg struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"` // string or []openaiPart
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (OpenAI) TransformRequest(_ context.Context, body []byte, _ json.RawMessage) (RequestResult, error) {
	src := gjson.ParseBytes(body)

	out := openaiRequest{
		Model:     src.Get("model").String(),
		MaxTokens: src.Get("max_tokens").Int(),
		Stream:    src.Get("stream").Bool(),
	}
	if t := src.Get("temperature"); t.Exists() {
		v := t.Float()
		out.Temperature = &v
	}
	if t := src.Get("top_p"); t.Exists() {
		v := t.Float()
		out.TopP = &v
	}
	if s := src.Get("stop_sequences"); s.Exists() {
		out.Stop = json.RawMessage(s.Raw)
	}

	if system := src.Get("system"); system.Exists() && system.String() != "" {
		out.Messages = append(out.Messages, openaiMsg{Role: "system", Content: system.String()})
	}

	src.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		out.Messages = append(out.Messages, convertMessageToOpenAI(msg)...)
		return true
	})

	src.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        tool.Get("name").String(),
				Description: tool.Get("description").String(),
				Parameters:  json.RawMessage(tool.Get("input_schema").Raw),
			},
		})
		return true
	})

	if tc := src.Get("tool_choice"); tc.Exists() {
		switch tc.Get("type").String() {
		case "any":
			out.ToolChoice = "required"
		case "auto":
			out.ToolChoice = "auto"
		case "tool":
			out.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]string{"name": tc.Get("name").String()},
			}
		}
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return RequestResult{}, fmt.Errorf("openai: encode request: %w", err)
	}
	return RequestResult{Body: encoded}, nil
}

// convertMessageToOpenAI maps one canonical message. tool_result blocks
// split off into their own role:tool messages.
func convertMessageToOpenAI(msg gjson.Result) []openaiMsg {
	role := msg.Get("role").String()
	content := msg.Get("content")

	if !content.IsArray() {
		return []openaiMsg{{Role: role, Content: content.String()}}
	}

	var parts []openaiPart
	var toolCalls []openaiToolCall
	var toolResults []openaiMsg

	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, openaiPart{Type: "text", Text: block.Get("text").String()})
		case "image":
			parts = append(parts, openaiPart{
				Type:     "image_url",
				ImageURL: &openaiImageURL{URL: imageDataURL(block.Get("source"))},
			})
		case "tool_use":
			tc := openaiToolCall{ID: block.Get("id").String(), Type: "function"}
			tc.Function.Name = block.Get("name").String()
			tc.Function.Arguments = block.Get("input").Raw
			toolCalls = append(toolCalls, tc)
		case "tool_result":
			toolResults = append(toolResults, openaiMsg{
				Role:       "tool",
				ToolCallID: block.Get("tool_use_id").String(),
				Content:    block.Get("content").String(),
			})
		}
		return true
	})

	var out []openaiMsg
	if len(parts) > 0 || len(toolCalls) > 0 {
		m := openaiMsg{Role: role, ToolCalls: toolCalls}
		if len(parts) == 1 && parts[0].Type == "text" {
			m.Content = parts[0].Text
		} else if len(parts) > 0 {
			m.Content = parts
		}
		out = append(out, m)
	}
	return append(out, toolResults...)
}

func imageDataURL(source gjson.Result) string {
	if source.Get("type").String() == "url" {
		return source.Get("url").String()
	}
	return fmt.Sprintf("data:%s;base64,%s",
		source.Get("media_type").String(), source.Get("data").String())
}

// canonicalResponse is the Messages-shape response body.
type canonicalResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Content    []canonicalBlock `json:"content"`
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason,omitempty"`
	Usage      *canonicalUsage  `json:"usage,omitempty"`
}

type canonicalBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type canonicalUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

func (OpenAI) TransformResponse(_ context.Context, body []byte, _ json.RawMessage) ([]byte, error) {
	src := gjson.ParseBytes(body)
	choice := src.Get("choices.0")
	if !choice.Exists() {
		// Not a chat-completions body (error envelope, stream chunk);
		// leave it untouched.
		return body, nil
	}

	out := canonicalResponse{
		ID:         src.Get("id").String(),
		Type:       "message",
		Role:       "assistant",
		Model:      src.Get("model").String(),
		StopReason: mapFinishReason(choice.Get("finish_reason").String()),
	}

	msg := choice.Get("message")
	if text := msg.Get("content"); text.Exists() && text.String() != "" {
		out.Content = append(out.Content, canonicalBlock{Type: "text", Text: text.String()})
	}
	msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
		args := tc.Get("function.arguments").String()
		if args == "" {
			args = "{}"
		}
		// Arguments arrive as a JSON-encoded string; re-parse them into
		// the structured input object.
		if !gjson.Valid(args) {
			args = "{}"
		}
		out.Content = append(out.Content, canonicalBlock{
			Type:  "tool_use",
			ID:    tc.Get("id").String(),
			Name:  tc.Get("function.name").String(),
			Input: json.RawMessage(args),
		})
		return true
	})

	if u := src.Get("usage"); u.Exists() {
		out.Usage = &canonicalUsage{
			InputTokens:  u.Get("prompt_tokens").Int(),
			OutputTokens: u.Get("completion_tokens").Int(),
		}
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("openai: encode response: %w", err)
	}
	return encoded, nil
}

// mapFinishReason converts OpenAI finish reasons to canonical stop reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	default:
		return reason
	}
}
