package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	routex "github.com/dctx-team/routex/internal"
)

func (s *Server) teeRoutes(r chi.Router) {
	r.Get("/", s.handleListTees)
	r.Post("/", s.handleCreateTee)
	r.Get("/{id}", s.handleGetTee)
	r.Put("/{id}", s.handleUpdateTee)
	r.Delete("/{id}", s.handleDeleteTee)
}

func (s *Server) handleListTees(w http.ResponseWriter, r *http.Request) {
	tees, err := s.Store.ListTees(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, tees)
}

func (s *Server) handleGetTee(w http.ResponseWriter, r *http.Request) {
	tee, err := s.Store.GetTee(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, tee)
}

func (s *Server) handleCreateTee(w http.ResponseWriter, r *http.Request) {
	var tee routex.TeeDestination
	if err := decodeJSON(r, &tee); err != nil {
		respondError(w, err)
		return
	}
	if err := validateTee(&tee); err != nil {
		respondError(w, err)
		return
	}

	tee.ID = uuid.Must(uuid.NewV7()).String()
	now := routex.NowMillis()
	tee.CreatedAt, tee.UpdatedAt = now, now

	if err := s.Store.CreateTee(r.Context(), &tee); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, &tee)
}

func (s *Server) handleUpdateTee(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.Store.GetTee(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	updated := *existing
	if err := decodeJSON(r, &updated); err != nil {
		respondError(w, err)
		return
	}
	if err := validateTee(&updated); err != nil {
		respondError(w, err)
		return
	}
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = routex.NowMillis()

	if err := s.Store.UpdateTee(r.Context(), &updated); err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, &updated)
}

func (s *Server) handleDeleteTee(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := s.Store.DeleteTee(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if !deleted {
		respondError(w, routex.E(routex.KindNotFound, "tee destination %s not found", id))
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": id})
}

func validateTee(tee *routex.TeeDestination) error {
	if tee.Name == "" {
		return routex.E(routex.KindValidation, "tee name is required")
	}
	switch tee.Type {
	case routex.TeeWebhook:
		if tee.URL == "" {
			return routex.E(routex.KindValidation, "webhook tees require a url")
		}
	case routex.TeeFile:
		if tee.FilePath == "" {
			return routex.E(routex.KindValidation, "file tees require a filePath")
		}
	case routex.TeeCustom:
		if tee.CustomHandler == "" {
			return routex.E(routex.KindValidation, "custom tees require a customHandler")
		}
	default:
		return routex.E(routex.KindValidation, "unknown tee type %q", tee.Type)
	}
	if tee.Filter != nil && tee.Filter.SuccessOnly && tee.Filter.FailureOnly {
		return routex.E(routex.KindValidation, "successOnly and failureOnly are mutually exclusive")
	}
	return nil
}
