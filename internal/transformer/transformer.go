// Package transformer implements named bidirectional converters between
// the canonical Anthropic Messages shape and provider dialects, composed
// into per-channel pipelines.
package transformer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	routex "github.com/dctx-team/routex/internal"
)

// RequestResult carries a transformed request body plus headers the
// transformer wants on the outbound call.
type RequestResult struct {
	Body    []byte
	Headers map[string]string
}

// Transformer converts a body between the canonical shape and one
// provider dialect.
type Transformer interface {
	Name() string
	// TransformRequest converts canonical -> dialect.
	TransformRequest(ctx context.Context, body []byte, options json.RawMessage) (RequestResult, error)
	// TransformResponse converts dialect -> canonical.
	TransformResponse(ctx context.Context, body []byte, options json.RawMessage) ([]byte, error)
}

// Manager is the name -> Transformer registry.
type Manager struct {
	mu           sync.RWMutex
	transformers map[string]Transformer
	log          *slog.Logger
}

// NewManager creates a registry pre-loaded with the built-in transformers.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		transformers: make(map[string]Transformer),
		log:          log,
	}
	for _, t := range []Transformer{
		&Anthropic{},
		&OpenAI{},
		&Azure{},
		&Gemini{},
		&Zhipu{},
		&MaxToken{},
		&Sampling{},
		&CleanCache{},
	} {
		m.Register(t)
	}
	return m
}

// Register installs (or replaces) a transformer under its name.
func (m *Manager) Register(t Transformer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transformers[t.Name()] = t
}

// Get returns the named transformer, or false.
func (m *Manager) Get(name string) (Transformer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transformers[name]
	return t, ok
}

// Names lists the registered transformer names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.transformers))
	for n := range m.transformers {
		names = append(names, n)
	}
	return names
}

// ApplyRequest runs the pipeline left to right over the body. Headers
// from later stages override earlier ones on key conflict. Unknown names
// are skipped with a warning; a failing stage is skipped with its input
// carried forward. Never returns an error: the pipeline is best-effort.
func (m *Manager) ApplyRequest(ctx context.Context, uses []routex.TransformerUse, body []byte) ([]byte, map[string]string) {
	headers := make(map[string]string)
	for _, use := range uses {
		t, ok := m.Get(use.Name)
		if !ok {
			m.log.Warn("unknown transformer", "name", use.Name)
			continue
		}
		res, err := m.safeRequest(ctx, t, body, use.Options)
		if err != nil {
			m.log.Error("transformer request stage failed",
				"name", use.Name, "error", err)
			continue
		}
		if len(res.Body) > 0 {
			body = res.Body
		}
		for k, v := range res.Headers {
			headers[k] = v
		}
	}
	return body, headers
}

// ApplyResponse runs the pipeline in reverse order over the body, same
// best-effort semantics as ApplyRequest.
func (m *Manager) ApplyResponse(ctx context.Context, uses []routex.TransformerUse, body []byte) []byte {
	for i := len(uses) - 1; i >= 0; i-- {
		use := uses[i]
		t, ok := m.Get(use.Name)
		if !ok {
			m.log.Warn("unknown transformer", "name", use.Name)
			continue
		}
		out, err := m.safeResponse(ctx, t, body, use.Options)
		if err != nil {
			m.log.Error("transformer response stage failed",
				"name", use.Name, "error", err)
			continue
		}
		if len(out) > 0 {
			body = out
		}
	}
	return body
}

// safeRequest converts stage panics into errors.
func (m *Manager) safeRequest(ctx context.Context, t Transformer, body []byte, opts json.RawMessage) (res RequestResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transformer %s panic: %v", t.Name(), r)
		}
	}()
	return t.TransformRequest(ctx, body, opts)
}

func (m *Manager) safeResponse(ctx context.Context, t Transformer, body []byte, opts json.RawMessage) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transformer %s panic: %v", t.Name(), r)
		}
	}()
	return t.TransformResponse(ctx, body, opts)
}
