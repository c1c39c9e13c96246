package transformer

import (
	"context"
	"encoding/json"

	"github.com/tidwall/sjson"
)

// Azure converts to the Azure OpenAI dialect: the body is the OpenAI
// shape minus the model field, which Azure carries in the deployment URL.
type Azure struct {
	openai OpenAI
}

func (Azure) Name() string { return "azure" }

func (a Azure) TransformRequest(ctx context.Context, body []byte, options json.RawMessage) (RequestResult, error) {
	res, err := a.openai.TransformRequest(ctx, body, options)
	if err != nil {
		return res, err
	}
	out, err := sjson.DeleteBytes(res.Body, "model")
	if err == nil {
		res.Body = out
	}
	return res, nil
}

func (a Azure) TransformResponse(ctx context.Context, body []byte, options json.RawMessage) ([]byte, error) {
	return a.openai.TransformResponse(ctx, body, options)
}
