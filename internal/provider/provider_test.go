package provider

import (
	"testing"

	routex "github.com/dctx-team/routex/internal"
)

func TestEndpoints(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		channel routex.Channel
		model   string
		path    string
		stream  bool
		want    string
	}{
		{
			name:    "anthropic default base",
			channel: routex.Channel{Type: routex.TypeAnthropic},
			want:    "https://api.anthropic.com/v1/messages",
		},
		{
			name:    "anthropic custom base trailing slash",
			channel: routex.Channel{Type: routex.TypeAnthropic, BaseURL: "https://proxy.example.com/"},
			want:    "https://proxy.example.com/v1/messages",
		},
		{
			name:    "openai",
			channel: routex.Channel{Type: routex.TypeOpenAI},
			want:    "https://api.openai.com/v1/chat/completions",
		},
		{
			name:    "azure deployment in path",
			channel: routex.Channel{Type: routex.TypeAzure, BaseURL: "https://res.openai.azure.com"},
			model:   "gpt-4o",
			want:    "https://res.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=2024-06-01",
		},
		{
			name:    "gemini non-streaming",
			channel: routex.Channel{Type: routex.TypeGemini},
			model:   "gemini-2.0-flash",
			want:    "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent",
		},
		{
			name:    "gemini streaming",
			channel: routex.Channel{Type: routex.TypeGemini},
			model:   "gemini-2.0-flash",
			stream:  true,
			want:    "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse",
		},
		{
			name:    "zhipu",
			channel: routex.Channel{Type: routex.TypeZhipu},
			want:    "https://open.bigmodel.cn/api/paas/v4/chat/completions",
		},
		{
			name:    "custom forwards path",
			channel: routex.Channel{Type: routex.TypeCustom, BaseURL: "http://localhost:8080"},
			path:    "/v1/messages",
			want:    "http://localhost:8080/v1/messages",
		},
		{
			name:    "unknown type treated as custom",
			channel: routex.Channel{Type: "something-else", BaseURL: "http://up"},
			path:    "/v1/messages",
			want:    "http://up/v1/messages",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := ForType(tt.channel.Type)
			got := p.Endpoint(&tt.channel, tt.model, tt.path, tt.stream)
			if got != tt.want {
				t.Errorf("Endpoint = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthHeaders(t *testing.T) {
	t.Parallel()

	anthropic := ForType(routex.TypeAnthropic)
	h := anthropic.AuthHeaders(&routex.Channel{Type: routex.TypeAnthropic, APIKey: "sk-1"}, "")
	if h["x-api-key"] != "sk-1" || h["anthropic-version"] != "2023-06-01" {
		t.Errorf("anthropic headers = %v", h)
	}

	// OAuth bearer takes precedence over the static key.
	h = anthropic.AuthHeaders(&routex.Channel{Type: routex.TypeAnthropic, APIKey: "sk-1"}, "tok")
	if h["Authorization"] != "Bearer tok" {
		t.Errorf("bearer headers = %v", h)
	}
	if _, ok := h["x-api-key"]; ok {
		t.Error("static key leaked alongside bearer")
	}

	h = ForType(routex.TypeOpenAI).AuthHeaders(&routex.Channel{APIKey: "sk-2"}, "")
	if h["Authorization"] != "Bearer sk-2" {
		t.Errorf("openai headers = %v", h)
	}

	h = ForType(routex.TypeAzure).AuthHeaders(&routex.Channel{APIKey: "az"}, "")
	if h["api-key"] != "az" {
		t.Errorf("azure headers = %v", h)
	}

	h = ForType(routex.TypeGemini).AuthHeaders(&routex.Channel{APIKey: "g"}, "")
	if h["x-goog-api-key"] != "g" {
		t.Errorf("gemini headers = %v", h)
	}

	if h := ForType(routex.TypeCustom).AuthHeaders(&routex.Channel{}, ""); h != nil {
		t.Errorf("custom without key = %v, want nil", h)
	}
}

func TestExtractUsage(t *testing.T) {
	t.Parallel()

	u := ExtractUsage([]byte(`{"usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":3}}`))
	if u != (Usage{InputTokens: 10, OutputTokens: 5, CachedTokens: 3}) {
		t.Errorf("canonical usage = %+v", u)
	}

	u = ExtractUsage([]byte(`{"usage":{"prompt_tokens":7,"completion_tokens":2,"prompt_tokens_details":{"cached_tokens":1}}}`))
	if u != (Usage{InputTokens: 7, OutputTokens: 2, CachedTokens: 1}) {
		t.Errorf("openai usage = %+v", u)
	}

	if u = ExtractUsage([]byte(`{"ok":true}`)); u != (Usage{}) {
		t.Errorf("missing usage = %+v", u)
	}
}

func TestHTTPError(t *testing.T) {
	t.Parallel()

	err := &HTTPError{Channel: "primary", StatusCode: 429, Body: "slow down"}
	if err.HTTPStatus() != 429 {
		t.Errorf("HTTPStatus = %d", err.HTTPStatus())
	}
	if got := err.Error(); got != "primary: HTTP 429: slow down" {
		t.Errorf("Error = %q", got)
	}
}
