package transformer

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MaxToken clamps or fills the max_tokens field. Options:
// {"max": n, "default": n}.
type MaxToken struct{}

func (MaxToken) Name() string { return "maxtoken" }

type maxTokenOptions struct {
	Max     int64 `json:"max,omitempty"`
	Default int64 `json:"default,omitempty"`
}

func (MaxToken) TransformRequest(_ context.Context, body []byte, options json.RawMessage) (RequestResult, error) {
	opts := maxTokenOptions{Max: 8192, Default: 4096}
	if len(options) > 0 {
		json.Unmarshal(options, &opts)
	}

	current := gjson.GetBytes(body, "max_tokens")
	switch {
	case !current.Exists() || current.Int() <= 0:
		body, _ = sjson.SetBytes(body, "max_tokens", opts.Default)
	case opts.Max > 0 && current.Int() > opts.Max:
		body, _ = sjson.SetBytes(body, "max_tokens", opts.Max)
	}
	return RequestResult{Body: body}, nil
}

func (MaxToken) TransformResponse(_ context.Context, body []byte, _ json.RawMessage) ([]byte, error) {
	return body, nil
}

// Sampling normalizes temperature and top_p into [0, 1] and drops top_k
// when requested. Options: {"dropTopK": true}.
type Sampling struct{}

func (Sampling) Name() string { return "sampling" }

type samplingOptions struct {
	DropTopK bool `json:"dropTopK,omitempty"`
}

func (Sampling) TransformRequest(_ context.Context, body []byte, options json.RawMessage) (RequestResult, error) {
	var opts samplingOptions
	if len(options) > 0 {
		json.Unmarshal(options, &opts)
	}

	for _, field := range []string{"temperature", "top_p"} {
		v := gjson.GetBytes(body, field)
		if !v.Exists() {
			continue
		}
		switch {
		case v.Float() < 0:
			body, _ = sjson.SetBytes(body, field, 0)
		case v.Float() > 1:
			body, _ = sjson.SetBytes(body, field, 1)
		}
	}
	if opts.DropTopK && gjson.GetBytes(body, "top_k").Exists() {
		body, _ = sjson.DeleteBytes(body, "top_k")
	}
	return RequestResult{Body: body}, nil
}

func (Sampling) TransformResponse(_ context.Context, body []byte, _ json.RawMessage) ([]byte, error) {
	return body, nil
}

// CleanCache strips ephemeral cache_control markers from system and
// message content blocks before forwarding to providers that reject them.
type CleanCache struct{}

func (CleanCache) Name() string { return "cleancache" }

func (CleanCache) TransformRequest(_ context.Context, body []byte, _ json.RawMessage) (RequestResult, error) {
	// Walk messages[].content[] and system[] removing cache_control keys.
	out := body
	gjson.GetBytes(out, "messages").ForEach(func(mi, msg gjson.Result) bool {
		msg.Get("content").ForEach(func(bi, block gjson.Result) bool {
			if block.Get("cache_control").Exists() {
				path := "messages." + mi.String() + ".content." + bi.String() + ".cache_control"
				out, _ = sjson.DeleteBytes(out, path)
			}
			return true
		})
		return true
	})
	if sys := gjson.GetBytes(out, "system"); sys.IsArray() {
		sys.ForEach(func(i, block gjson.Result) bool {
			if block.Get("cache_control").Exists() {
				out, _ = sjson.DeleteBytes(out, "system."+i.String()+".cache_control")
			}
			return true
		})
	}
	return RequestResult{Body: out}, nil
}

func (CleanCache) TransformResponse(_ context.Context, body []byte, _ json.RawMessage) ([]byte, error) {
	return body, nil
}
