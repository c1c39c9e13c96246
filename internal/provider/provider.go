// Package provider maps channel types to upstream endpoint shapes: URL
// construction, credential headers, and usage accounting.
package provider

import (
	"strings"

	"github.com/tidwall/gjson"

	routex "github.com/dctx-team/routex/internal"
)

// Default base URLs per channel type, used when the channel leaves
// BaseURL empty.
const (
	defaultAnthropicBase = "https://api.anthropic.com"
	defaultOpenAIBase    = "https://api.openai.com/v1"
	defaultGeminiBase    = "https://generativelanguage.googleapis.com/v1beta"
	defaultZhipuBase     = "https://open.bigmodel.cn/api/paas/v4"

	anthropicVersion = "2023-06-01"
	azureAPIVersion  = "2024-06-01"
)

// Profile describes how to talk to one channel type.
type Profile struct {
	// Dialect is the transformer name applied when the channel does not
	// configure an explicit pipeline. Empty means passthrough.
	Dialect string

	endpoint func(ch *routex.Channel, model, path string, stream bool) string
	auth     func(ch *routex.Channel, bearer string) map[string]string
}

// ForType returns the profile for a channel type. Unknown types get the
// custom profile, which forwards the original path verbatim.
func ForType(channelType string) Profile {
	if p, ok := profiles[channelType]; ok {
		return p
	}
	return profiles[routex.TypeCustom]
}

// Endpoint builds the full upstream URL for a request. model is the
// resolved model after routing overrides; path is the inbound API path,
// used by custom channels only.
func (p Profile) Endpoint(ch *routex.Channel, model, path string, stream bool) string {
	return p.endpoint(ch, model, path, stream)
}

// AuthHeaders returns the credential headers for a request. bearer, when
// non-empty, is an OAuth access token that takes precedence over the
// channel's static API key.
func (p Profile) AuthHeaders(ch *routex.Channel, bearer string) map[string]string {
	return p.auth(ch, bearer)
}

var profiles = map[string]Profile{
	routex.TypeAnthropic: {
		Dialect: "anthropic",
		endpoint: func(ch *routex.Channel, _, _ string, _ bool) string {
			return baseOr(ch, defaultAnthropicBase) + "/v1/messages"
		},
		auth: func(ch *routex.Channel, bearer string) map[string]string {
			h := map[string]string{"anthropic-version": anthropicVersion}
			if bearer != "" {
				h["Authorization"] = "Bearer " + bearer
			} else if ch.APIKey != "" {
				h["x-api-key"] = ch.APIKey
			}
			return h
		},
	},
	routex.TypeOpenAI: {
		Dialect: "openai",
		endpoint: func(ch *routex.Channel, _, _ string, _ bool) string {
			return baseOr(ch, defaultOpenAIBase) + "/chat/completions"
		},
		auth: bearerAuth,
	},
	routex.TypeAzure: {
		Dialect: "azure",
		endpoint: func(ch *routex.Channel, model, _ string, _ bool) string {
			// Azure carries the deployment (model) in the path and the
			// API version in the query string.
			return baseOr(ch, "") + "/openai/deployments/" + model +
				"/chat/completions?api-version=" + azureAPIVersion
		},
		auth: func(ch *routex.Channel, bearer string) map[string]string {
			if bearer != "" {
				return map[string]string{"Authorization": "Bearer " + bearer}
			}
			return map[string]string{"api-key": ch.APIKey}
		},
	},
	routex.TypeGemini: {
		Dialect: "gemini",
		endpoint: func(ch *routex.Channel, model, _ string, stream bool) string {
			base := baseOr(ch, defaultGeminiBase) + "/models/" + model
			if stream {
				return base + ":streamGenerateContent?alt=sse"
			}
			return base + ":generateContent"
		},
		auth: func(ch *routex.Channel, bearer string) map[string]string {
			if bearer != "" {
				return map[string]string{"Authorization": "Bearer " + bearer}
			}
			return map[string]string{"x-goog-api-key": ch.APIKey}
		},
	},
	routex.TypeZhipu: {
		Dialect: "zhipu",
		endpoint: func(ch *routex.Channel, _, _ string, _ bool) string {
			return baseOr(ch, defaultZhipuBase) + "/chat/completions"
		},
		auth: bearerAuth,
	},
	routex.TypeCustom: {
		endpoint: func(ch *routex.Channel, _, path string, _ bool) string {
			return strings.TrimSuffix(ch.BaseURL, "/") + path
		},
		auth: bearerAuth,
	},
}

func baseOr(ch *routex.Channel, fallback string) string {
	if ch.BaseURL != "" {
		return strings.TrimSuffix(ch.BaseURL, "/")
	}
	return fallback
}

func bearerAuth(ch *routex.Channel, bearer string) map[string]string {
	switch {
	case bearer != "":
		return map[string]string{"Authorization": "Bearer " + bearer}
	case ch.APIKey != "":
		return map[string]string{"Authorization": "Bearer " + ch.APIKey}
	}
	return nil
}

// Usage is the token accounting extracted from an upstream response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CachedTokens int64
}

// ExtractUsage reads token counts from a response body in either the
// canonical shape (usage.input_tokens) or the OpenAI shape
// (usage.prompt_tokens). Missing fields read as zero.
func ExtractUsage(body []byte) Usage {
	u := gjson.GetBytes(body, "usage")
	if !u.Exists() {
		return Usage{}
	}
	usage := Usage{
		InputTokens:  u.Get("input_tokens").Int(),
		OutputTokens: u.Get("output_tokens").Int(),
		CachedTokens: u.Get("cache_read_input_tokens").Int(),
	}
	if usage.InputTokens == 0 {
		usage.InputTokens = u.Get("prompt_tokens").Int()
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = u.Get("completion_tokens").Int()
	}
	if usage.CachedTokens == 0 {
		usage.CachedTokens = u.Get("prompt_tokens_details.cached_tokens").Int()
	}
	return usage
}
