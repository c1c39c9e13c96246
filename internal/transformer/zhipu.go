package transformer

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Zhipu converts to the GLM dialect: OpenAI-compatible, with the API's
// open-interval sampling bounds enforced.
type Zhipu struct {
	openai OpenAI
}

func (Zhipu) Name() string { return "zhipu" }

func (z Zhipu) TransformRequest(ctx context.Context, body []byte, options json.RawMessage) (RequestResult, error) {
	res, err := z.openai.TransformRequest(ctx, body, options)
	if err != nil {
		return res, err
	}
	out := res.Body

	// GLM rejects temperature/top_p at the interval edges.
	if t := gjson.GetBytes(out, "temperature"); t.Exists() {
		if v := clampOpen(t.Float()); v != t.Float() {
			out, _ = sjson.SetBytes(out, "temperature", v)
		}
	}
	if t := gjson.GetBytes(out, "top_p"); t.Exists() {
		if v := clampOpen(t.Float()); v != t.Float() {
			out, _ = sjson.SetBytes(out, "top_p", v)
		}
	}

	res.Body = out
	return res, nil
}

func (z Zhipu) TransformResponse(ctx context.Context, body []byte, options json.RawMessage) ([]byte, error) {
	return z.openai.TransformResponse(ctx, body, options)
}

// clampOpen pulls a sampling value into the open interval (0, 1).
func clampOpen(v float64) float64 {
	if v <= 0 {
		return 0.01
	}
	if v >= 1 {
		return 0.99
	}
	return v
}
