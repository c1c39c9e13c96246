package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	routex "github.com/dctx-team/routex/internal"
)

func (s *Server) handleOAuthProviders(w http.ResponseWriter, _ *http.Request) {
	if s.OAuth == nil {
		respond(w, http.StatusOK, []string{})
		return
	}
	respond(w, http.StatusOK, s.OAuth.Providers())
}

func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.OAuth == nil {
		respondError(w, routex.E(routex.KindConfiguration, "oauth not configured"))
		return
	}
	state := r.URL.Query().Get("state")
	if state == "" {
		state = uuid.Must(uuid.NewV7()).String()
	}
	url, err := s.OAuth.AuthURL(chi.URLParam(r, "provider"), state)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"url": url, "state": state})
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.OAuth == nil {
		respondError(w, routex.E(routex.KindConfiguration, "oauth not configured"))
		return
	}
	var req struct {
		Provider string `json:"provider"`
		Code     string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Provider == "" || req.Code == "" {
		respondError(w, routex.E(routex.KindValidation, "provider and code are required"))
		return
	}
	session, err := s.OAuth.Exchange(r.Context(), req.Provider, req.Code)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, sanitizeSession(session))
}

func (s *Server) handleOAuthSessions(w http.ResponseWriter, r *http.Request) {
	if s.OAuth == nil {
		respond(w, http.StatusOK, []any{})
		return
	}
	sessions, err := s.OAuth.Sessions(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]*routex.OAuthSession, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, sanitizeSession(session))
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) handleOAuthDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.OAuth == nil {
		respondError(w, routex.E(routex.KindConfiguration, "oauth not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	deleted, err := s.OAuth.DeleteSession(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if !deleted {
		respondError(w, routex.E(routex.KindNotFound, "session %s not found", id))
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleOAuthRefreshSession(w http.ResponseWriter, r *http.Request) {
	if s.OAuth == nil {
		respondError(w, routex.E(routex.KindConfiguration, "oauth not configured"))
		return
	}
	sess, err := s.OAuth.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, sanitizeSession(sess))
}

func (s *Server) handleOAuthLinkSession(w http.ResponseWriter, r *http.Request) {
	if s.OAuth == nil {
		respondError(w, routex.E(routex.KindConfiguration, "oauth not configured"))
		return
	}
	var req struct {
		ChannelID string `json:"channelId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.ChannelID == "" {
		respondError(w, routex.E(routex.KindValidation, "channelId is required"))
		return
	}
	if _, err := s.Store.GetChannel(r.Context(), req.ChannelID); err != nil {
		respondError(w, err)
		return
	}
	session, err := s.OAuth.LinkChannel(r.Context(), chi.URLParam(r, "id"), req.ChannelID)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, sanitizeSession(session))
}

// sanitizeSession strips token material before a session leaves the
// admin API.
func sanitizeSession(in *routex.OAuthSession) *routex.OAuthSession {
	out := *in
	out.AccessToken = ""
	out.RefreshToken = ""
	return &out
}
