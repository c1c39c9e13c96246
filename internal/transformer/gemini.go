package transformer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Gemini converts between the canonical Messages shape and the Gemini
// generateContent dialect.
type Gemini struct{}

func (Gemini) Name() string { return "gemini" }

// geminiRequest is the generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *geminiInline   `json:"inlineData,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type geminiInline struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiTool struct {
	FunctionDeclarations []json.RawMessage `json:"functionDeclarations,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int64          `json:"topK,omitempty"`
	MaxOutputTokens int64           `json:"maxOutputTokens,omitempty"`
	StopSequences   json.RawMessage `json:"stopSequences,omitempty"`
}

func (Gemini) TransformRequest(_ context.Context, body []byte, _ json.RawMessage) (RequestResult, error) {
	src := gjson.ParseBytes(body)
	out := geminiRequest{}

	cfg := &geminiGenerationConfig{
		MaxOutputTokens: src.Get("max_tokens").Int(),
	}
	if t := src.Get("temperature"); t.Exists() {
		v := t.Float()
		cfg.Temperature = &v
	}
	if t := src.Get("top_p"); t.Exists() {
		v := t.Float()
		cfg.TopP = &v
	}
	if t := src.Get("top_k"); t.Exists() {
		v := t.Int()
		cfg.TopK = &v
	}
	if s := src.Get("stop_sequences"); s.Exists() {
		cfg.StopSequences = json.RawMessage(s.Raw)
	}
	out.GenerationConfig = cfg

	if system := src.Get("system"); system.Exists() && system.String() != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system.String()}}}
	}

	src.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		role := "user"
		if msg.Get("role").String() == "assistant" {
			role = "model"
		}
		out.Contents = append(out.Contents, geminiContent{
			Role:  role,
			Parts: geminiPartsOf(msg.Get("content")),
		})
		return true
	})

	var decls []json.RawMessage
	src.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		decl, _ := json.Marshal(map[string]any{
			"name":        tool.Get("name").String(),
			"description": tool.Get("description").String(),
			"parameters":  json.RawMessage(tool.Get("input_schema").Raw),
		})
		decls = append(decls, decl)
		return true
	})
	if len(decls) > 0 {
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return RequestResult{}, fmt.Errorf("gemini: encode request: %w", err)
	}
	return RequestResult{Body: encoded}, nil
}

func geminiPartsOf(content gjson.Result) []geminiPart {
	if !content.IsArray() {
		return []geminiPart{{Text: content.String()}}
	}
	var parts []geminiPart
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, geminiPart{Text: block.Get("text").String()})
		case "image":
			parts = append(parts, geminiPart{InlineData: &geminiInline{
				MimeType: block.Get("source.media_type").String(),
				Data:     block.Get("source.data").String(),
			}})
		case "tool_use":
			fc, _ := json.Marshal(map[string]any{
				"name": block.Get("name").String(),
				"args": json.RawMessage(block.Get("input").Raw),
			})
			parts = append(parts, geminiPart{FunctionCall: fc})
		case "tool_result":
			fr, _ := json.Marshal(map[string]any{
				"name":     block.Get("tool_use_id").String(),
				"response": map[string]string{"content": block.Get("content").String()},
			})
			parts = append(parts, geminiPart{FunctionResponse: fr})
		}
		return true
	})
	return parts
}

func (Gemini) TransformResponse(_ context.Context, body []byte, _ json.RawMessage) ([]byte, error) {
	src := gjson.ParseBytes(body)
	candidate := src.Get("candidates.0")
	if !candidate.Exists() {
		return body, nil
	}

	out := canonicalResponse{
		ID:         "gemini-" + src.Get("modelVersion").String(),
		Type:       "message",
		Role:       "assistant",
		Model:      src.Get("modelVersion").String(),
		StopReason: mapGeminiFinishReason(candidate.Get("finishReason").String()),
	}

	candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			out.Content = append(out.Content, canonicalBlock{Type: "text", Text: text.String()})
		}
		if fc := part.Get("functionCall"); fc.Exists() {
			out.Content = append(out.Content, canonicalBlock{
				Type: "tool_use",
				// Gemini has no call ids; reuse the function name.
				ID:    fc.Get("name").String(),
				Name:  fc.Get("name").String(),
				Input: json.RawMessage(fc.Get("args").Raw),
			})
		}
		return true
	})

	if u := src.Get("usageMetadata"); u.Exists() {
		out.Usage = &canonicalUsage{
			InputTokens:  u.Get("promptTokenCount").Int(),
			OutputTokens: u.Get("candidatesTokenCount").Int(),
		}
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("gemini: encode response: %w", err)
	}
	return encoded, nil
}

// mapGeminiFinishReason converts Gemini finish reasons to canonical stop
// reasons.
func mapGeminiFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "stop_sequence"
	default:
		return reason
	}
}
