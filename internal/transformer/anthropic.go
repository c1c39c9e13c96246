package transformer

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Anthropic is the identity transformer for channels already speaking the
// canonical dialect. Options can inject destination quirks: some hosted
// endpoints require a fixed system-prompt prefix or a specific user agent.
// Those strings live in channel configuration, not in code.
type Anthropic struct{}

func (Anthropic) Name() string { return "anthropic" }

// anthropicOptions is the per-channel quirk configuration.
type anthropicOptions struct {
	SystemPrefix string `json:"systemPrefix,omitempty"`
	UserAgent    string `json:"userAgent,omitempty"`
}

func (Anthropic) TransformRequest(_ context.Context, body []byte, options json.RawMessage) (RequestResult, error) {
	res := RequestResult{Body: body}
	if len(options) == 0 {
		return res, nil
	}
	var opts anthropicOptions
	if err := json.Unmarshal(options, &opts); err != nil {
		return res, nil
	}

	if opts.UserAgent != "" {
		res.Headers = map[string]string{"User-Agent": opts.UserAgent}
	}

	if opts.SystemPrefix != "" {
		system := gjson.GetBytes(body, "system").String()
		if !strings.HasPrefix(system, opts.SystemPrefix) {
			merged := opts.SystemPrefix
			if system != "" {
				merged += "\n\n" + system
			}
			if out, err := sjson.SetBytes(body, "system", merged); err == nil {
				res.Body = out
			}
		}
	}
	return res, nil
}

func (Anthropic) TransformResponse(_ context.Context, body []byte, _ json.RawMessage) ([]byte, error) {
	return body, nil
}
