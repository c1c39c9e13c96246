package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	routex "github.com/dctx-team/routex/internal"
	"github.com/dctx-team/routex/internal/router"
)

func (s *Server) ruleRoutes(r chi.Router) {
	r.Get("/", s.handleListRules)
	r.Post("/", s.handleCreateRule)
	r.Post("/reload", s.handleReloadRules)
	r.Post("/test", s.handleTestRules)
	r.Get("/{id}", s.handleGetRule)
	r.Put("/{id}", s.handleUpdateRule)
	r.Delete("/{id}", s.handleDeleteRule)
	r.Post("/{id}/enable", s.handleEnableRule)
	r.Post("/{id}/disable", s.handleDisableRule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.Store.ListRules(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, rules)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.Store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, rule)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule routex.RoutingRule
	if err := decodeJSON(r, &rule); err != nil {
		respondError(w, err)
		return
	}
	if err := validateRule(&rule); err != nil {
		respondError(w, err)
		return
	}

	rule.ID = uuid.Must(uuid.NewV7()).String()
	now := routex.NowMillis()
	rule.CreatedAt, rule.UpdatedAt = now, now

	if err := s.Store.CreateRule(r.Context(), &rule); err != nil {
		respondError(w, err)
		return
	}
	if err := s.Router.Reload(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, &rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.Store.GetRule(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	updated := *existing
	if err := decodeJSON(r, &updated); err != nil {
		respondError(w, err)
		return
	}
	if err := validateRule(&updated); err != nil {
		respondError(w, err)
		return
	}
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = routex.NowMillis()

	if err := s.Store.UpdateRule(r.Context(), &updated); err != nil {
		respondError(w, err)
		return
	}
	if err := s.Router.Reload(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, &updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := s.Store.DeleteRule(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if !deleted {
		respondError(w, routex.E(routex.KindNotFound, "routing rule %s not found", id))
		return
	}
	if err := s.Router.Reload(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, true)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	s.setRuleEnabled(w, r, false)
}

func (s *Server) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	rule, err := s.Store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	rule.Enabled = enabled
	rule.UpdatedAt = routex.NowMillis()
	if err := s.Store.UpdateRule(r.Context(), rule); err != nil {
		respondError(w, err)
		return
	}
	if err := s.Router.Reload(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, rule)
}

func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	s.Store.InvalidateRules()
	if err := s.Router.Reload(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"rules": len(s.Router.Rules())})
}

// ruleTestResult previews what the router would decide for a request
// body without forwarding anything.
type ruleTestResult struct {
	Analysis router.Analysis `json:"analysis"`
	Matched  bool            `json:"matched"`
	Rule     string          `json:"rule,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Model    string          `json:"model,omitempty"`
}

func (s *Server) handleTestRules(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil || len(body) == 0 {
		respondError(w, routex.E(routex.KindValidation, "request body is required"))
		return
	}
	// Either a bare request document or {"request": {...}}.
	var wrapper struct {
		Request json.RawMessage `json:"request"`
	}
	if json.Unmarshal(body, &wrapper) == nil && len(wrapper.Request) > 0 {
		body = wrapper.Request
	}

	candidates, err := s.Store.ListEnabledChannels(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}

	a := router.Analyze(body)
	result := ruleTestResult{Analysis: a}
	if m := s.Router.Match(a, candidates); m != nil {
		result.Matched = true
		result.Rule = m.Rule.Name
		result.Channel = m.Channel.Name
		result.Model = m.Model
	}
	respond(w, http.StatusOK, result)
}

func validateRule(rule *routex.RoutingRule) error {
	if rule.Name == "" {
		return routex.E(routex.KindValidation, "rule name is required")
	}
	if rule.TargetChannel == "" {
		return routex.E(routex.KindValidation, "rule target channel is required")
	}
	if rule.Condition.IsEmpty() {
		return routex.E(routex.KindValidation, "rule condition must set at least one predicate")
	}
	return nil
}
